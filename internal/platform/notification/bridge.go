package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// Bridge turns process-wide billing events into role notices.
// billing_confirmed is not handled here: each non-physician session delivers
// it itself together with its delayed reload.
type Bridge struct {
	inbox  *Inbox
	logger zerolog.Logger
}

func NewBridge(inbox *Inbox, logger zerolog.Logger) *Bridge {
	return &Bridge{inbox: inbox, logger: logger.With().Str("component", "notice_bridge").Logger()}
}

var staffRoles = []string{auth.RoleBidan, auth.RoleKasir, auth.RoleAdmin}

// Handle is a bus.Handler.
func (br *Bridge) Handle(ctx context.Context, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case bus.RevisionRequested:
		br.deliver(ctx, []string{auth.RoleDokter}, "revision_requested", map[string]string{
			"mrId": p.MrID, "message": p.Message, "requestedBy": p.RequestedBy, "revisionId": p.RevisionID,
		})
	case bus.RevisionResolved:
		status := "disetujui"
		if p.Status == "rejected" {
			status = "ditolak"
		}
		br.deliver(ctx, staffRoles, "revision_resolved", map[string]string{
			"mrId": p.MrID, "status": status, "resolvedBy": p.ResolvedBy, "revisionId": p.RevisionID,
		})
	case bus.BillingPaid:
		br.deliver(ctx, []string{auth.RoleDokter}, "billing_paid", map[string]string{"mrId": p.MrID, "method": p.Method})
	}
	return nil
}

func (br *Bridge) deliver(ctx context.Context, roles []string, template string, data map[string]string) {
	for _, role := range roles {
		if err := br.inbox.Deliver(ctx, role, template, data); err != nil {
			br.logger.Warn().Err(err).Str("role", role).Str("template", template).Msg("notice not delivered")
		}
	}
}
