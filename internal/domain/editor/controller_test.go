package editor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

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
	calls   int
	err     error
}

func (f *fakeRecords) GetRecord(_ context.Context, mrID string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	b, ok := f.bundles[mrID]
	if !ok {
		return apperr.NotFound("backend.getRecord", "Rekam medis tidak ditemukan")
	}
	*(out.(*record.Bundle)) = *b.Clone()
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubHandler struct {
	key     record.SectionKey
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	last    section.SaveRequest
}

func (h *stubHandler) Key() record.SectionKey { return h.key }
func (h *stubHandler) Kind() section.Kind     { return section.KindForm }

func (h *stubHandler) Render(st record.State) (section.View, error) {
	p, _ := st.Record.Section(h.key)
	v := section.View{Key: h.key, Kind: section.KindForm}
	for _, name := range []string{"keluhan_utama", "gravida"} {
		v.Fields = append(v.Fields, section.Field{Name: name, Value: p.Fields[name]})
	}
	return v, nil
}

func (h *stubHandler) Save(_ context.Context, req section.SaveRequest) (section.SaveResult, error) {
	h.calls.Add(1)
	h.last = req
	if h.started != nil {
		h.started <- struct{}{}
	}
	if h.release != nil {
		<-h.release
	}
	if h.err != nil {
		return section.SaveResult{}, h.err
	}
	return section.SaveResult{Persisted: true, Message: "ok", SavedAt: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)}, nil
}

type fakeHandlers struct {
	handlers map[record.SectionKey]section.Handler
}

func (f *fakeHandlers) Load(_ context.Context, _ record.Category, key record.SectionKey) section.Handler {
	if h, ok := f.handlers[key]; ok {
		return h
	}
	return section.NewPlaceholder(key, "not registered")
}

func bundle() *record.Bundle {
	return &record.Bundle{
		Record:  map[string]any{"mrId": "MROBS-001", "patientId": "P-77"},
		Patient: map[string]any{"id": "P-77", "fullName": "Siti Aminah"},
		MedicalRecords: &record.MedicalRecords{ByType: map[string]record.MedicalRecordEntry{
			"anamnesa": {RecordType: "anamnesa", Data: map[string]any{"keluhan_utama": "mual", "abortus": float64(0)}},
		}},
	}
}

type fixture struct {
	ctrl     *Controller
	store    *record.Store
	records  *fakeRecords
	handler  *stubHandler
	events   *bus.Bus
	received []bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   record.NewStore(zerolog.Nop()),
		records: &fakeRecords{bundles: map[string]*record.Bundle{"MROBS-001": bundle()}},
		handler: &stubHandler{key: record.SectionAnamnesa},
		events:  bus.New(zerolog.Nop()),
	}
	f.events.Subscribe(bus.KindSectionSaved, func(_ context.Context, ev bus.Event) error {
		f.received = append(f.received, ev)
		return nil
	})
	handlers := &fakeHandlers{handlers: map[record.SectionKey]section.Handler{record.SectionAnamnesa: f.handler}}
	f.ctrl = NewController(f.store, handlers, f.records, f.events, zerolog.Nop())
	if err := f.ctrl.Open(context.Background(), "mrobs-001"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func authed() context.Context {
	return auth.WithToken(context.Background(), "tok")
}

var bidan = auth.Actor{ID: "B-1", Roles: []string{auth.RoleBidan}}

// -- Tests --

func TestOpen_LoadsRecord(t *testing.T) {
	f := newFixture(t)
	st := f.store.GetState()
	if st.CurrentMrID != "MROBS-001" || st.Loading || st.Error != "" {
		t.Fatalf("unexpected state: mr=%q loading=%v err=%q", st.CurrentMrID, st.Loading, st.Error)
	}
}

func TestOpen_FetchFailureKeepsPreviousRecord(t *testing.T) {
	f := newFixture(t)
	f.records.err = apperr.Network("backend.getRecord", "Tidak dapat terhubung ke server. Silakan coba lagi.", errors.New("dial"))

	err := f.ctrl.Reload(context.Background())
	if apperr.KindOf(err) != apperr.KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	st := f.store.GetState()
	if st.CurrentMrID != "MROBS-001" || st.Record == nil {
		t.Fatal("previous record was dropped")
	}
	if st.Error == "" || st.Loading {
		t.Errorf("expected error set and loading cleared, got err=%q loading=%v", st.Error, st.Loading)
	}
}

func TestSaveSection_Success(t *testing.T) {
	f := newFixture(t)
	f.store.MarkSectionDirty(record.SectionAnamnesa)
	before := f.records.count()

	out, err := f.ctrl.SaveSection(authed(), record.SectionAnamnesa, map[string]any{"keluhan_utama": "pusing"}, bidan)
	if err != nil {
		t.Fatalf("SaveSection: %v", err)
	}
	if !out.Persisted || out.Skipped || out.SavedAt == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if f.records.count() != before+1 {
		t.Errorf("expected one full reload, got %d fetches", f.records.count()-before)
	}
	if f.store.HasUnsavedChanges() {
		t.Error("section still dirty after save")
	}
	if len(f.received) != 1 {
		t.Fatalf("expected 1 section_saved event, got %d", len(f.received))
	}
	if p := f.received[0].Payload.(bus.SectionSaved); p.MrID != "MROBS-001" || p.SectionKey != "anamnesa" {
		t.Errorf("unexpected payload %+v", p)
	}
	if f.handler.last.PatientID != "P-77" || f.handler.last.MrID != "MROBS-001" {
		t.Errorf("unexpected save request %+v", f.handler.last)
	}
}

func TestSaveSection_Preconditions(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ctrl.SaveSection(context.Background(), record.SectionAnamnesa, map[string]any{"a": 1}, bidan)
		if apperr.KindOf(err) != apperr.KindPrecondition {
			t.Fatalf("expected precondition error, got %v", err)
		}
		if f.handler.calls.Load() != 0 {
			t.Error("handler called despite missing token")
		}
	})
	t.Run("no record", func(t *testing.T) {
		ctrl := NewController(record.NewStore(zerolog.Nop()), &fakeHandlers{}, &fakeRecords{}, nil, zerolog.Nop())
		_, err := ctrl.SaveSection(authed(), record.SectionAnamnesa, nil, bidan)
		if apperr.KindOf(err) != apperr.KindPrecondition {
			t.Fatalf("expected precondition error, got %v", err)
		}
	})
}

func TestSaveSection_ConcurrentSameKeyOneCall(t *testing.T) {
	f := newFixture(t)
	f.handler.started = make(chan struct{}, 1)
	f.handler.release = make(chan struct{})

	done := make(chan SaveOutcome, 1)
	go func() {
		out, _ := f.ctrl.SaveSection(authed(), record.SectionAnamnesa, map[string]any{"a": 1}, bidan)
		done <- out
	}()
	<-f.handler.started

	if !f.ctrl.Saving(record.SectionAnamnesa) {
		t.Error("expected save in flight")
	}
	second, err := f.ctrl.SaveSection(authed(), record.SectionAnamnesa, map[string]any{"a": 2}, bidan)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if !second.Skipped {
		t.Errorf("second save should be skipped, got %+v", second)
	}

	close(f.handler.release)
	first := <-done
	if !first.Persisted {
		t.Errorf("first save outcome %+v", first)
	}
	if n := f.handler.calls.Load(); n != 1 {
		t.Fatalf("expected exactly 1 network save, got %d", n)
	}
	if f.ctrl.Saving(record.SectionAnamnesa) {
		t.Error("guard not released")
	}
}

func TestSaveSection_FailureLeavesPayload(t *testing.T) {
	f := newFixture(t)
	f.handler.err = apperr.Network("backend.saveSection", "Server sibuk", errors.New("503"))
	before, _ := f.store.GetState().Record.Section(record.SectionAnamnesa)
	fetches := f.records.count()

	_, err := f.ctrl.SaveSection(authed(), record.SectionAnamnesa, map[string]any{"keluhan_utama": "x"}, bidan)
	if apperr.Message(err) != "Server sibuk" {
		t.Fatalf("expected server message, got %v", err)
	}
	after, _ := f.store.GetState().Record.Section(record.SectionAnamnesa)
	if after.Fields["keluhan_utama"] != before.Fields["keluhan_utama"] {
		t.Error("payload changed after failed save")
	}
	if f.records.count() != fetches {
		t.Error("failed save triggered a reload")
	}
	if f.ctrl.Saving(record.SectionAnamnesa) {
		t.Error("guard not released after failure")
	}
}

func TestSaveSection_PlaceholderNoStoreChange(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.store.Subscribe(record.KeyAll, func(next, prev record.State) { calls++ })

	out, err := f.ctrl.SaveSection(authed(), record.SectionPenunjang, map[string]any{"lab": "hb"}, bidan)
	if err != nil {
		t.Fatalf("SaveSection: %v", err)
	}
	if out.Persisted {
		t.Error("placeholder save reported persisted")
	}
	if calls != 0 {
		t.Errorf("store changed %d times", calls)
	}
}

func TestDrafts_SwitchDiscardsAndForwardKeeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.RenderSection(ctx, record.SectionAnamnesa); err != nil {
		t.Fatalf("RenderSection: %v", err)
	}
	if err := f.ctrl.UpdateDraft(record.SectionAnamnesa, map[string]any{"gravida": float64(3)}); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	v, _ := f.ctrl.RenderSection(ctx, record.SectionAnamnesa)
	if v.Fields[1].Value != float64(3) {
		t.Errorf("draft not overlaid: %+v", v.Fields)
	}

	if _, err := f.ctrl.RenderSection(ctx, record.SectionDiagnosis); err != nil {
		t.Fatalf("RenderSection: %v", err)
	}
	if f.ctrl.Draft() != nil {
		t.Fatal("draft survived section switch")
	}

	f.ctrl.RenderSection(ctx, record.SectionAnamnesa)
	f.ctrl.UpdateDraft(record.SectionAnamnesa, map[string]any{"gravida": float64(4)})
	if err := f.ctrl.ForwardDraft(); err != nil {
		t.Fatalf("ForwardDraft: %v", err)
	}
	st := f.store.GetState()
	p, _ := st.Record.Section(record.SectionAnamnesa)
	if p.Fields["gravida"] != float64(4) || p.Fields["keluhan_utama"] != "mual" {
		t.Errorf("forwarded payload = %+v", p.Fields)
	}
	if !st.DirtySections[record.SectionAnamnesa] || !st.IsDirty {
		t.Error("forwarded section not marked dirty")
	}
}

func TestUpdateDraft_RequiresActiveSection(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.UpdateDraft(record.SectionPlan, map[string]any{"x": 1})
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestRenderSection_IllegalForCategory(t *testing.T) {
	f := newFixture(t)
	f.records.bundles["MRGPS-002"] = &record.Bundle{
		Record: map[string]any{"mrId": "MRGPS-002", "patientId": "P-9"},
	}
	if err := f.ctrl.Open(context.Background(), "MRGPS-002"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err := f.ctrl.RenderSection(context.Background(), record.SectionPemeriksaanObstetri)
	if apperr.KindOf(err) != apperr.KindInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
}
