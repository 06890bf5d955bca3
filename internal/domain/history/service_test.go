package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// -- Mock Source --

type mockSource struct {
	visits   string
	copyable map[string]map[string]any
	err      error
}

func (m *mockSource) PatientVisits(_ context.Context, _ string, out any) error {
	if m.err != nil {
		return m.err
	}
	return json.Unmarshal([]byte(m.visits), out)
}

func (m *mockSource) CopyableData(_ context.Context, mrID string, out any) error {
	if m.err != nil {
		return m.err
	}
	data, ok := m.copyable[mrID]
	if !ok {
		return apperr.NotFound("backend.copyableData", "Data tidak ditemukan")
	}
	b, _ := json.Marshal(data)
	return json.Unmarshal(b, out)
}

func newStoreWithAnamnesa(t *testing.T, anamnesa map[string]any) *record.Store {
	t.Helper()
	s := record.NewStore(zerolog.Nop())
	s.SetClock(func() time.Time { return time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC) })
	err := s.LoadRecord(&record.Bundle{
		Record:  map[string]any{"mrId": "MROBS-010", "patientId": "P-1"},
		Patient: map[string]any{"id": "P-1", "full_name": "siti aminah"},
		MedicalRecords: &record.MedicalRecords{ByType: map[string]record.MedicalRecordEntry{
			"anamnesa": {RecordType: "anamnesa", Data: anamnesa},
		}},
	})
	if err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	return s
}

// -- Tests --

func TestListPriorVisits_ExcludesCurrentSortsAndLimits(t *testing.T) {
	src := &mockSource{visits: `[
		{"mr_id":"MROBS-001","visit_date":"2024-01-05"},
		{"mr_id":"MROBS-010","visit_date":"2025-03-02T09:00:00Z"},
		{"mr_id":"MROBS-004","visit_date":"2024-07-01"},
		{"mr_id":"MROBS-002","visit_date":"2024-02-10"},
		{"mr_id":"MRGPR-003","visit_date":"2024-05-20 10:00:00","mr_category":"gyn_repro"},
		{"mr_id":"MROBS-005","visit_date":"2024-09-09"},
		{"mr_id":"MROBS-006","visit_date":"2024-12-24"}
	]`}
	svc := NewService(src, zerolog.Nop())

	visits, err := svc.ListPriorVisits(context.Background(), "P-1", "mrobs-010")
	if err != nil {
		t.Fatalf("ListPriorVisits: %v", err)
	}
	want := []string{"MROBS-006", "MROBS-005", "MROBS-004", "MRGPR-003", "MROBS-002"}
	if len(visits) != len(want) {
		t.Fatalf("expected %d visits, got %d", len(want), len(visits))
	}
	for i, v := range visits {
		if v.MrID != want[i] {
			t.Errorf("visit %d = %s, want %s", i, v.MrID, want[i])
		}
	}
	if visits[3].CategoryLabel == "" {
		t.Error("category label not resolved")
	}
}

func TestListPriorVisits_Errors(t *testing.T) {
	svc := NewService(&mockSource{err: apperr.Network("backend.patientVisits", "Server sibuk", errors.New("503"))}, zerolog.Nop())
	if _, err := svc.ListPriorVisits(context.Background(), "", "X"); apperr.KindOf(err) != apperr.KindPrecondition {
		t.Errorf("expected precondition, got %v", err)
	}
	if _, err := svc.ListPriorVisits(context.Background(), "P-1", "X"); apperr.KindOf(err) != apperr.KindNetwork {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestApplySelection_ShallowMerge(t *testing.T) {
	store := newStoreWithAnamnesa(t, map[string]any{"abortus": 0})
	svc := NewService(&mockSource{}, zerolog.Nop())

	merged, err := svc.ApplySelection(store, []string{"gravida", "para"}, map[string]any{"gravida": 2, "para": 1, "menarche": 12})
	if err != nil {
		t.Fatalf("ApplySelection: %v", err)
	}
	if len(merged) != 3 || merged["gravida"] != 2 || merged["para"] != 1 {
		t.Errorf("unexpected merge result %v", merged)
	}

	st := store.GetState()
	p, _ := st.Record.Section(record.SectionAnamnesa)
	if len(p.Fields) != 3 {
		t.Fatalf("expected 3 anamnesa keys, got %v", p.Fields)
	}
	if p.Fields["abortus"] != 0 {
		t.Errorf("abortus changed: %v", p.Fields["abortus"])
	}
	if _, copied := p.Fields["menarche"]; copied {
		t.Error("unselected key copied")
	}
	if !st.IsDirty || !st.DirtySections[record.SectionAnamnesa] {
		t.Error("anamnesa not marked dirty")
	}
}

func TestApplySelection_EmptySelectionRejected(t *testing.T) {
	store := newStoreWithAnamnesa(t, map[string]any{"abortus": 0})
	svc := NewService(&mockSource{}, zerolog.Nop())

	_, err := svc.ApplySelection(store, nil, map[string]any{"gravida": 2})
	if apperr.KindOf(err) != apperr.KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if store.HasUnsavedChanges() {
		t.Error("store marked dirty after rejected selection")
	}
}

func TestApplySelection_NoRecord(t *testing.T) {
	svc := NewService(&mockSource{}, zerolog.Nop())
	_, err := svc.ApplySelection(record.NewStore(zerolog.Nop()), []string{"gravida"}, map[string]any{"gravida": 2})
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition, got %v", err)
	}
}

func TestFetchCopyableFields(t *testing.T) {
	src := &mockSource{copyable: map[string]map[string]any{
		"MROBS-004": {"gravida": 2, "alergi_obat": "amoksisilin"},
	}}
	svc := NewService(src, zerolog.Nop())

	fields, err := svc.FetchCopyableFields(context.Background(), " mrobs-004 ")
	if err != nil {
		t.Fatalf("FetchCopyableFields: %v", err)
	}
	if fields["alergi_obat"] != "amoksisilin" {
		t.Errorf("unexpected fields %v", fields)
	}

	preview := Preview(fields)
	if len(preview) != 2 || preview[0].Label != "Alergi Obat" || preview[1].Display != "2" {
		t.Errorf("unexpected preview %+v", preview)
	}
}

func TestHandler_GetCopyable(t *testing.T) {
	src := &mockSource{copyable: map[string]map[string]any{"MROBS-004": {"para": 1}}}
	h := NewHandler(NewService(src, zerolog.Nop()))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("mrId")
	c.SetParamValues("MROBS-004")

	if err := h.GetCopyable(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp copyableResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Fields) != 1 || resp.Fields[0].Label != "Para" {
		t.Errorf("unexpected response %+v", resp)
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("mrId")
	c.SetParamValues("MROBS-999")
	err := h.GetCopyable(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
