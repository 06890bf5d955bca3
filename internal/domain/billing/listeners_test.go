package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

type delivered struct {
	role, template string
	data           map[string]string
}

type fakeInbox struct {
	mu   sync.Mutex
	msgs []delivered
	err  error
}

func (f *fakeInbox) Deliver(_ context.Context, role, template string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, delivered{role: role, template: template, data: data})
	return f.err
}

// manualScheduler fires scheduled work only when run is called.
type manualScheduler struct {
	mu       sync.Mutex
	jobs     []func()
	canceled int
	delays   []time.Duration
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.jobs)
	s.jobs = append(s.jobs, fn)
	s.delays = append(s.delays, d)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.jobs[idx] != nil {
			s.jobs[idx] = nil
			s.canceled++
		}
	}
}

func (s *manualScheduler) run() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make([]func(), len(jobs))
	s.mu.Unlock()
	for _, fn := range jobs {
		if fn != nil {
			fn()
		}
	}
}

func confirmedEvent(mrID string) bus.Event {
	return bus.NewEvent(bus.KindBillingConfirmed, bus.BillingConfirmed{
		MrID: mrID, PatientName: "Siti Aminah", DoctorName: "dr. Dibya",
	})
}

func TestConfirmationListener_NotifiesAndReloadsCurrentRecord(t *testing.T) {
	inbox := &fakeInbox{}
	sched := &manualScheduler{}
	reloads := 0
	l := NewConfirmationListener(kasir, inbox,
		func() string { return "MROBS-001" },
		func(context.Context) error { reloads++; return nil },
		0, zerolog.Nop())
	l.SetScheduler(sched.schedule)

	if err := l.Handle(context.Background(), confirmedEvent("MROBS-001")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(inbox.msgs) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(inbox.msgs))
	}
	m := inbox.msgs[0]
	if m.role != auth.RoleKasir || m.template != TemplateBillingConfirmed || m.data["patient"] != "Siti Aminah" {
		t.Errorf("unexpected notice %+v", m)
	}
	if reloads != 0 {
		t.Fatal("reload ran before the delay elapsed")
	}
	if sched.delays[0] != DefaultReloadDelay {
		t.Errorf("delay = %v, want %v", sched.delays[0], DefaultReloadDelay)
	}
	sched.run()
	if reloads != 1 {
		t.Errorf("expected 1 reload, got %d", reloads)
	}
	if l.Pending() != 0 {
		t.Errorf("pending = %d after run", l.Pending())
	}
}

func TestConfirmationListener_OtherRecordOnlyNotifies(t *testing.T) {
	inbox := &fakeInbox{}
	sched := &manualScheduler{}
	l := NewConfirmationListener(kasir, inbox,
		func() string { return "MROBS-002" },
		func(context.Context) error { t.Error("unexpected reload"); return nil },
		time.Second, zerolog.Nop())
	l.SetScheduler(sched.schedule)

	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	if len(inbox.msgs) != 1 || len(sched.jobs) != 0 {
		t.Errorf("msgs=%d jobs=%d", len(inbox.msgs), len(sched.jobs))
	}
}

func TestConfirmationListener_PhysicianIgnored(t *testing.T) {
	inbox := &fakeInbox{}
	l := NewConfirmationListener(dokter, inbox, func() string { return "MROBS-001" },
		func(context.Context) error { return nil }, 0, zerolog.Nop())
	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	if len(inbox.msgs) != 0 || l.Pending() != 0 {
		t.Error("physician session reacted to its own confirmation")
	}
}

func TestConfirmationListener_RepeatReplacesPendingReload(t *testing.T) {
	sched := &manualScheduler{}
	reloads := 0
	l := NewConfirmationListener(kasir, &fakeInbox{}, func() string { return "MROBS-001" },
		func(context.Context) error { reloads++; return nil }, 0, zerolog.Nop())
	l.SetScheduler(sched.schedule)

	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	if sched.canceled != 1 || l.Pending() != 1 {
		t.Fatalf("canceled=%d pending=%d", sched.canceled, l.Pending())
	}
	sched.run()
	if reloads != 1 {
		t.Errorf("expected 1 reload, got %d", reloads)
	}
}

func TestConfirmationListener_StopCancels(t *testing.T) {
	sched := &manualScheduler{}
	l := NewConfirmationListener(kasir, &fakeInbox{}, func() string { return "MROBS-001" },
		func(context.Context) error { t.Error("reload after Stop"); return nil }, 0, zerolog.Nop())
	l.SetScheduler(sched.schedule)

	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	l.Stop()
	l.Stop()
	sched.run()
	if sched.canceled != 1 {
		t.Errorf("canceled = %d", sched.canceled)
	}
	l.Handle(context.Background(), confirmedEvent("MROBS-001"))
	if l.Pending() != 0 {
		t.Error("scheduled after Stop")
	}
}

func TestConfirmationListener_DeliveryFailureStillReloads(t *testing.T) {
	sched := &manualScheduler{}
	reloads := 0
	l := NewConfirmationListener(kasir, &fakeInbox{err: errors.New("full")}, func() string { return "MROBS-001" },
		func(context.Context) error { reloads++; return nil }, 0, zerolog.Nop())
	l.SetScheduler(sched.schedule)

	if err := l.Handle(context.Background(), confirmedEvent("MROBS-001")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sched.run()
	if reloads != 1 {
		t.Errorf("expected reload, got %d", reloads)
	}
}

func TestApprovalPrompt_OneDialogPerRevision(t *testing.T) {
	var opened []string
	p := NewApprovalPrompt(dokter, func(r bus.RevisionRequested) { opened = append(opened, r.RevisionID) }, zerolog.Nop())
	ctx := context.Background()
	req := bus.NewEvent(bus.KindRevisionRequested, bus.RevisionRequested{RevisionID: "7", MrID: "MROBS-001"})

	p.HandleRequested(ctx, req)
	p.HandleRequested(ctx, req)
	if len(opened) != 1 || len(p.Open()) != 1 {
		t.Fatalf("opened=%v open=%d", opened, len(p.Open()))
	}

	p.HandleResolved(ctx, bus.NewEvent(bus.KindRevisionResolved, bus.RevisionResolved{RevisionID: "7", Status: "approved"}))
	if len(p.Open()) != 0 {
		t.Error("dialog still open after resolution")
	}

	// A fresh request for the same id after closing opens again.
	p.HandleRequested(ctx, req)
	if len(opened) != 2 {
		t.Errorf("expected reopen, opened=%v", opened)
	}
}

func TestApprovalPrompt_StaffIgnored(t *testing.T) {
	p := NewApprovalPrompt(kasir, func(bus.RevisionRequested) { t.Error("staff prompt opened") }, zerolog.Nop())
	p.HandleRequested(context.Background(),
		bus.NewEvent(bus.KindRevisionRequested, bus.RevisionRequested{RevisionID: "1"}))
	if len(p.Open()) != 0 {
		t.Error("staff has open dialogs")
	}
}

func TestServiceEventsReachListeners(t *testing.T) {
	svc, _, _, _ := newTestService(StatusDraft, konsultasi)
	b := svc.events.(*bus.Bus)
	inbox := &fakeInbox{}
	l := NewConfirmationListener(kasir, inbox, func() string { return "" },
		func(context.Context) error { return nil }, 0, zerolog.Nop())
	tok := b.Subscribe(bus.KindBillingConfirmed, l.Handle)
	defer b.Unsubscribe(tok)

	if _, _, err := svc.Confirm(context.Background(), "MROBS-001", dokter); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(inbox.msgs) != 1 || inbox.msgs[0].data["doctor"] != "dr. Dibya" {
		t.Errorf("unexpected delivery %+v", inbox.msgs)
	}
}
