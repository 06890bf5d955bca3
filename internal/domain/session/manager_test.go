package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/domain/billing"
	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/domain/section"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// -- Fakes --

type fakeRecords struct {
	mu      sync.Mutex
	bundles map[string]*record.Bundle
	tokens  []string
}

func (f *fakeRecords) GetRecord(ctx context.Context, mrID string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, _ := auth.TokenFromContext(ctx)
	f.tokens = append(f.tokens, tok)
	b, ok := f.bundles[mrID]
	if !ok {
		return apperr.NotFound("backend.getRecord", "Rekam medis tidak ditemukan")
	}
	*(out.(*record.Bundle)) = *b.Clone()
	return nil
}

func (f *fakeRecords) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type stubHandler struct {
	key record.SectionKey
}

func (h stubHandler) Key() record.SectionKey { return h.key }
func (h stubHandler) Kind() section.Kind     { return section.KindForm }

func (h stubHandler) Render(st record.State) (section.View, error) {
	p, _ := st.Record.Section(h.key)
	return section.View{
		Key:    h.key,
		Kind:   section.KindForm,
		Fields: []section.Field{{Name: "keluhan_utama", Value: p.Fields["keluhan_utama"]}},
	}, nil
}

func (h stubHandler) Save(context.Context, section.SaveRequest) (section.SaveResult, error) {
	return section.SaveResult{Persisted: true, Message: "Data berhasil disimpan", SavedAt: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)}, nil
}

type fakeHandlers struct{}

func (fakeHandlers) Load(_ context.Context, _ record.Category, key record.SectionKey) section.Handler {
	if key == record.SectionAnamnesa {
		return stubHandler{key: key}
	}
	return section.NewPlaceholder(key, "under development")
}

type fakeBilling struct {
	mu    sync.Mutex
	bill  *billing.Billing
	calls int
}

func (f *fakeBilling) Get(_ context.Context, mrID string) (*billing.Billing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.bill == nil || f.bill.MrID != mrID {
		return nil, apperr.NotFound("billing.get", "Billing tidak ditemukan")
	}
	return f.bill.Clone(), nil
}

func (f *fakeBilling) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInbox struct {
	mu    sync.Mutex
	roles []string
}

func (f *fakeInbox) Deliver(_ context.Context, role, _ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, role)
	return nil
}

var (
	dokter = auth.Actor{ID: "D-1", Name: "dr. Dibya", Roles: []string{auth.RoleDokter}}
	kasir  = auth.Actor{ID: "K-1", Name: "Kasir Ani", Roles: []string{auth.RoleKasir}}
	bidan  = auth.Actor{ID: "B-1", Name: "Bidan Rina", Roles: []string{auth.RoleBidan}}
)

func bundle() *record.Bundle {
	return &record.Bundle{
		Record:  map[string]any{"mrId": "MROBS-001", "patientId": "P-77"},
		Patient: map[string]any{"id": "P-77", "fullName": "Siti Aminah"},
		MedicalRecords: &record.MedicalRecords{ByType: map[string]record.MedicalRecordEntry{
			"anamnesa": {RecordType: "anamnesa", Data: map[string]any{"keluhan_utama": "mual"}},
		}},
	}
}

type fixture struct {
	mgr     *Manager
	records *fakeRecords
	billing *fakeBilling
	inbox   *fakeInbox
	events  *bus.Bus
}

func newFixture(delay time.Duration) *fixture {
	f := &fixture{
		records: &fakeRecords{bundles: map[string]*record.Bundle{"MROBS-001": bundle()}},
		billing: &fakeBilling{bill: &billing.Billing{MrID: "MROBS-001", Status: billing.StatusDraft}},
		inbox:   &fakeInbox{},
		events:  bus.New(zerolog.Nop()),
	}
	f.mgr = NewManager(Deps{
		Handlers:    fakeHandlers{},
		Records:     f.records,
		Billing:     f.billing,
		Events:      f.events,
		Inbox:       f.inbox,
		ReloadDelay: delay,
	}, zerolog.Nop())
	return f
}

func withToken(tok string) context.Context {
	return auth.WithToken(context.Background(), tok)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// -- Tests --

func TestOpen_LoadsRecordAndBilling(t *testing.T) {
	f := newFixture(0)

	s, err := f.mgr.Open(withToken("tok-k"), kasir, "mrobs-001")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := s.Store().GetState()
	if st.CurrentMrID != "MROBS-001" || st.Record == nil {
		t.Fatalf("record not loaded: %+v", st)
	}
	if st.Billing == nil || st.Billing.Status != billing.StatusDraft {
		t.Errorf("billing not loaded: %+v", st.Billing)
	}
	if got := f.records.calls(); len(got) != 1 || got[0] != "tok-k" {
		t.Errorf("expected one fetch with caller token, got %v", got)
	}
	if f.mgr.Len() != 1 {
		t.Errorf("Len = %d", f.mgr.Len())
	}
}

func TestOpen_MissingBillingIsNotFatal(t *testing.T) {
	f := newFixture(0)
	f.billing.bill = nil

	s, err := f.mgr.Open(withToken("tok"), bidan, "MROBS-001")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Store().GetState().Billing != nil {
		t.Error("expected no billing")
	}
}

func TestOpen_FailureRegistersNothing(t *testing.T) {
	f := newFixture(0)

	_, err := f.mgr.Open(withToken("tok"), kasir, "MROBS-404")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.mgr.Len() != 0 || f.events.Len() != 0 {
		t.Errorf("sessions=%d subs=%d after failed open", f.mgr.Len(), f.events.Len())
	}

	if _, err := f.mgr.Open(withToken("tok"), auth.Actor{}, "MROBS-001"); apperr.KindOf(err) != apperr.KindPrecondition {
		t.Errorf("expected precondition for anonymous actor, got %v", err)
	}
}

func TestGet_OwnerOnly(t *testing.T) {
	f := newFixture(0)
	s, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")

	if _, err := f.mgr.Get(s.ID, kasir); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := f.mgr.Get(s.ID, bidan); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
	if _, err := f.mgr.Get("nope", kasir); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if err := f.mgr.Close(s.ID, bidan); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden close, got %v", err)
	}
}

func TestSubscriptionsFollowRole(t *testing.T) {
	f := newFixture(0)

	staff, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")
	if f.events.Len() != 1 || staff.Prompt() != nil {
		t.Fatalf("staff: subs=%d prompt=%v", f.events.Len(), staff.Prompt())
	}
	doc, _ := f.mgr.Open(withToken("tok"), dokter, "MROBS-001")
	if f.events.Len() != 3 || doc.Prompt() == nil {
		t.Fatalf("physician: subs=%d", f.events.Len())
	}

	if err := f.mgr.Close(staff.ID, kasir); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.events.Len() != 2 {
		t.Errorf("subs after staff close = %d", f.events.Len())
	}
	if n := f.mgr.CloseAll(); n != 1 {
		t.Errorf("CloseAll closed %d", n)
	}
	if f.events.Len() != 0 || f.mgr.Len() != 0 {
		t.Errorf("subs=%d sessions=%d after CloseAll", f.events.Len(), f.mgr.Len())
	}
}

func TestBillingConfirmed_ReloadsStaffSessionWithOwnerToken(t *testing.T) {
	f := newFixture(10 * time.Millisecond)
	s, _ := f.mgr.Open(withToken("tok-k"), kasir, "MROBS-001")

	f.billing.mu.Lock()
	f.billing.bill.Status = billing.StatusConfirmed
	f.billing.mu.Unlock()

	f.events.Publish(context.Background(), bus.NewEvent(bus.KindBillingConfirmed, bus.BillingConfirmed{
		MrID: "MROBS-001", PatientName: "Siti Aminah", DoctorName: "dr. Dibya",
	}))

	waitFor(t, func() bool { return len(f.records.calls()) == 2 })
	waitFor(t, func() bool {
		b := s.Store().GetState().Billing
		return b != nil && b.Status == billing.StatusConfirmed
	})
	if got := f.records.calls()[1]; got != "tok-k" {
		t.Errorf("reload used token %q", got)
	}
	f.inbox.mu.Lock()
	defer f.inbox.mu.Unlock()
	if len(f.inbox.roles) != 1 || f.inbox.roles[0] != auth.RoleKasir {
		t.Errorf("unexpected deliveries %v", f.inbox.roles)
	}
}

func TestBillingConfirmed_ClosedSessionIgnores(t *testing.T) {
	f := newFixture(time.Hour)
	s, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")
	f.mgr.Close(s.ID, kasir)

	n := f.events.Publish(context.Background(), bus.NewEvent(bus.KindBillingConfirmed, bus.BillingConfirmed{MrID: "MROBS-001"}))
	if n != 0 {
		t.Errorf("closed session still subscribed (%d handlers)", n)
	}
	if f.billing.count() != 1 {
		t.Errorf("billing fetched %d times", f.billing.count())
	}
}

func TestRevisionRequested_OpensPhysicianPrompt(t *testing.T) {
	f := newFixture(0)
	doc, _ := f.mgr.Open(withToken("tok"), dokter, "MROBS-001")
	ctx := context.Background()

	req := bus.NewEvent(bus.KindRevisionRequested, bus.RevisionRequested{RevisionID: "9", MrID: "MROBS-001"})
	f.events.Publish(ctx, req)
	f.events.Publish(ctx, req)
	if open := doc.Prompt().Open(); len(open) != 1 || open[0].RevisionID != "9" {
		t.Fatalf("unexpected prompts %+v", open)
	}
	f.events.Publish(ctx, bus.NewEvent(bus.KindRevisionResolved, bus.RevisionResolved{RevisionID: "9", Status: "approved"}))
	if len(doc.Prompt().Open()) != 0 {
		t.Error("prompt still open after resolution")
	}
}

func TestReap_ClosesIdleSessions(t *testing.T) {
	f := newFixture(0)
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	f.mgr.SetClock(func() time.Time { return now })

	old, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")
	now = now.Add(20 * time.Minute)
	fresh, _ := f.mgr.Open(withToken("tok"), bidan, "MROBS-001")
	now = now.Add(20 * time.Minute)

	if n := f.mgr.Reap(30 * time.Minute); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, err := f.mgr.Get(old.ID, kasir); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("idle session survived: %v", err)
	}
	if _, err := f.mgr.Get(fresh.ID, bidan); err != nil {
		t.Errorf("fresh session reaped: %v", err)
	}
}

func TestList_OwnSessionsNewestFirst(t *testing.T) {
	f := newFixture(0)
	now := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	f.mgr.SetClock(func() time.Time { return now })

	a, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")
	now = now.Add(time.Minute)
	b, _ := f.mgr.Open(withToken("tok"), kasir, "MROBS-001")
	f.mgr.Open(withToken("tok"), bidan, "MROBS-001")

	got := f.mgr.List(kasir)
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Errorf("unexpected list %+v", got)
	}
	if got[0].MrID != "MROBS-001" {
		t.Errorf("MrID = %q", got[0].MrID)
	}
}
