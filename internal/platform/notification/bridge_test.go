package notification

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/bus"
)

func TestBridge_RoutesEventsToRoles(t *testing.T) {
	in, _ := newTestInbox()
	b := bus.New(zerolog.Nop())
	b.Subscribe(bus.KindAll, NewBridge(in, zerolog.Nop()).Handle)
	ctx := context.Background()

	b.Publish(ctx, bus.NewEvent(bus.KindRevisionRequested, bus.RevisionRequested{
		RevisionID: "1", MrID: "MROBS-001", Message: "salah input obat", RequestedBy: "Kasir Ani",
	}))
	b.Publish(ctx, bus.NewEvent(bus.KindRevisionResolved, bus.RevisionResolved{
		RevisionID: "1", MrID: "MROBS-001", Status: "rejected", ResolvedBy: "dr. Dibya",
	}))
	b.Publish(ctx, bus.NewEvent(bus.KindBillingConfirmed, bus.BillingConfirmed{MrID: "MROBS-001"}))

	doc := in.List([]string{"dokter"}, false, 0)
	if len(doc) != 1 || doc[0].Body != "Kasir Ani mengajukan perubahan tagihan MROBS-001: salah input obat" {
		t.Errorf("unexpected physician notices %+v", doc)
	}
	staff := in.List([]string{"kasir"}, false, 0)
	if len(staff) != 1 || staff[0].Body != "Permintaan perubahan tagihan MROBS-001 ditolak oleh dr. Dibya" {
		t.Errorf("unexpected staff notices %+v", staff)
	}
	if n := len(in.List([]string{"bidan", "admin"}, false, 0)); n != 2 {
		t.Errorf("expected a notice per staff role, got %d", n)
	}
}
