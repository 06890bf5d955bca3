package billing

import (
	"context"
)

// Repository is the backend of record for billings and revision requests.
// Write methods return the server's human readable message.
type Repository interface {
	Get(ctx context.Context, mrID string) (*Billing, error)
	Confirm(ctx context.Context, mrID string) (string, error)
	MarkPaid(ctx context.Context, mrID string, method PaymentMethod) (string, error)
	RequestRevision(ctx context.Context, mrID, message string) (*RevisionRequest, string, error)
	ListRevisions(ctx context.Context, mrID string) ([]*RevisionRequest, error)
	ApproveRevision(ctx context.Context, revisionID string) (*RevisionRequest, string, error)
	RejectRevision(ctx context.Context, revisionID, reason string) (*RevisionRequest, string, error)
	GetRevision(ctx context.Context, revisionID string) (*RevisionRequest, error)
	SaveItems(ctx context.Context, mrID string, items []Item) (string, error)
	RemoveItem(ctx context.Context, mrID string, ref ItemRef) (string, error)
}

// Journal is the append-only audit trail of billing transitions.
type Journal interface {
	Record(ctx context.Context, t *Transition) error
	ListByMrID(ctx context.Context, mrID string, limit int) ([]*Transition, error)
}
