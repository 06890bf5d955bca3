package record

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/billing"
	"github.com/rs/zerolog"
)

var fixedNow = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

func sampleBundle() *Bundle {
	saved := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Bundle{
		Record: map[string]any{
			"mrId":      "MROBS-001",
			"patientId": "P-77",
			"status":    "draft",
		},
		Patient: map[string]any{
			"id":        "P-77",
			"fullName":  "siti AMINAH",
			"birthDate": "1995-06-15",
			"whatsapp":  "08123456789",
		},
		Intake: map[string]any{
			"quickId": "Q12",
			"payload": map[string]any{
				"lmp_date":      "2024-12-01",
				"gravida_count": float64(2),
				"para_count":    "1",
				"abortus_count": float64(0),
				"risk_factors":  []any{"age_extremes", "custom"},
			},
		},
		MedicalRecords: &MedicalRecords{
			ByType: map[string]MedicalRecordEntry{
				"anamnesa": {RecordType: "anamnesa", UpdatedAt: &saved, Data: map[string]any{"keluhan_utama": "mual"}},
				"complete": {RecordType: "complete", Data: map[string]any{}},
			},
		},
	}
}

func newTestStore() *Store {
	s := NewStore(zerolog.Nop())
	s.SetClock(func() time.Time { return fixedNow })
	return s
}

func TestLoadRecord_ComputesDerivedView(t *testing.T) {
	s := newTestStore()
	if err := s.LoadRecord(sampleBundle()); err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	st := s.GetState()

	if st.CurrentMrID != "MROBS-001" || st.Category != Obstetric {
		t.Fatalf("unexpected identity %q %v", st.CurrentMrID, st.Category)
	}
	if st.Loading || st.IsDirty || st.Error != "" {
		t.Fatalf("unexpected flags loading=%v dirty=%v error=%q", st.Loading, st.IsDirty, st.Error)
	}
	d := st.Derived
	if d == nil {
		t.Fatal("expected derived view")
	}
	if d.PatientName != "Siti Aminah" {
		t.Errorf("expected title-cased name, got %q", d.PatientName)
	}
	if d.Age == nil || *d.Age != 29 {
		t.Errorf("expected age 29 from birth date, got %v", d.Age)
	}
	if d.GestationalAge == nil || d.GestationalAge.Weeks != 13 || d.GestationalAge.Days != 0 {
		t.Errorf("unexpected gestational age %+v", d.GestationalAge)
	}
	if d.Gravida == nil || *d.Gravida != 2 || d.Para == nil || *d.Para != 1 || d.Abortus == nil || *d.Abortus != 0 {
		t.Errorf("unexpected obstetric totals g=%v p=%v a=%v", d.Gravida, d.Para, d.Abortus)
	}
	if len(d.RiskFlags) != 2 || d.RiskFlags[1] != "custom" {
		t.Errorf("unexpected risk flags %v", d.RiskFlags)
	}
	if len(d.VisibleSections) != 9 {
		t.Errorf("expected 9 visible sections for obstetric, got %d", len(d.VisibleSections))
	}

	p, ok := st.Record.Section(SectionAnamnesa)
	if !ok || !p.Saved() || p.Fields["keluhan_utama"] != "mual" {
		t.Fatalf("unexpected anamnesa section %+v", p)
	}
	if _, ok := st.Record.Section(SectionUSG); ok {
		t.Fatal("usg was never saved and must be absent")
	}
}

func TestLoadRecord_MalformedPayloadLeavesStateUnchanged(t *testing.T) {
	illegal := sampleBundle()
	illegal.Record["mrId"] = "MRGPR-009"
	illegal.MedicalRecords.ByType["pemeriksaan_obstetri"] = MedicalRecordEntry{RecordType: "pemeriksaan_obstetri"}

	noPatient := sampleBundle()
	delete(noPatient.Record, "patientId")
	delete(noPatient.Patient, "id")

	noMr := sampleBundle()
	delete(noMr.Record, "mrId")

	badCategory := sampleBundle()
	badCategory.Record["category"] = "pediatri"

	recategorized := sampleBundle()
	recategorized.Record["category"] = "gyn_repro"

	cases := map[string]*Bundle{
		"nil bundle":       nil,
		"empty record":     {Record: map[string]any{}},
		"missing mr id":    noMr,
		"missing patient":  noPatient,
		"unknown category": badCategory,
		"illegal section":  illegal,
		"category changed": recategorized,
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestStore()
			if err := s.LoadRecord(sampleBundle()); err != nil {
				t.Fatalf("seed load: %v", err)
			}
			before := s.GetState()

			if err := s.LoadRecord(b); err == nil {
				t.Fatal("expected LoadRecord to fail")
			}
			after := s.GetState()
			if after.Error == "" {
				t.Fatal("expected error field to be set")
			}
			after.Error = ""
			if !reflect.DeepEqual(before, after) {
				t.Fatalf("state changed on failed load:\nbefore=%+v\nafter=%+v", before, after)
			}
		})
	}
}

func TestGetState_ReturnsCopy(t *testing.T) {
	s := newTestStore()
	if err := s.LoadRecord(sampleBundle()); err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	st := s.GetState()
	st.Record.Sections[SectionAnamnesa].Fields["keluhan_utama"] = "tampered"
	st.Patient["fullName"] = "tampered"

	again := s.GetState()
	if again.Record.Sections[SectionAnamnesa].Fields["keluhan_utama"] != "mual" {
		t.Fatal("section fields leaked through snapshot")
	}
	if again.Patient["fullName"] != "siti AMINAH" {
		t.Fatal("patient map leaked through snapshot")
	}
}

func TestSubscribe_KeyedAndWildcard(t *testing.T) {
	s := newTestStore()
	var dirtyCalls, billingCalls, allCalls int
	var lastNew, lastOld bool

	s.Subscribe(KeyIsDirty, func(next, prev State) {
		dirtyCalls++
		lastNew, lastOld = next.IsDirty, prev.IsDirty
	})
	s.Subscribe(KeyBilling, func(_, _ State) { billingCalls++ })
	unsubAll := s.Subscribe(KeyAll, func(_, _ State) { allCalls++ })

	s.MarkDirty()
	s.MarkDirty() // no change
	s.SetActiveSection(SectionUSG)

	if dirtyCalls != 1 {
		t.Fatalf("expected 1 is_dirty notification, got %d", dirtyCalls)
	}
	if !lastNew || lastOld {
		t.Fatalf("expected (true,false), got (%v,%v)", lastNew, lastOld)
	}
	if billingCalls != 0 {
		t.Fatalf("billing listener fired for unrelated changes %d times", billingCalls)
	}
	if allCalls != 3 {
		t.Fatalf("expected wildcard to fire on every SetState, got %d", allCalls)
	}

	s.SetBilling(&billing.Billing{MrID: "MROBS-001", Status: billing.StatusDraft})
	s.SetBilling(&billing.Billing{MrID: "MROBS-001", Status: billing.StatusDraft})
	if billingCalls != 1 {
		t.Fatalf("expected deep-equal billing to notify once, got %d", billingCalls)
	}

	unsubAll()
	s.MarkClean()
	if allCalls != 5 {
		t.Fatalf("unsubscribed wildcard still firing: %d", allCalls)
	}
}

func TestSubscribe_PanickingListenerIsolated(t *testing.T) {
	s := newTestStore()
	reached := false
	s.Subscribe(KeyIsDirty, func(_, _ State) { panic("boom") })
	s.Subscribe(KeyIsDirty, func(_, _ State) { reached = true })

	s.MarkDirty()
	if !reached {
		t.Fatal("second listener must run after first panics")
	}
}

func TestSectionDirtyTracking(t *testing.T) {
	s := newTestStore()
	s.MarkSectionDirty(SectionAnamnesa)
	s.MarkSectionDirty(SectionPlan)
	if !s.HasUnsavedChanges() {
		t.Fatal("expected unsaved changes")
	}
	s.MarkSectionClean(SectionAnamnesa)
	if !s.HasUnsavedChanges() {
		t.Fatal("plan is still dirty")
	}
	s.MarkSectionClean(SectionPlan)
	if s.HasUnsavedChanges() {
		t.Fatal("expected clean after every section saved")
	}
}

func TestPutSection_RejectsIllegalKey(t *testing.T) {
	s := newTestStore()
	if err := s.PutSection(SectionPlan, SectionPayload{}); err == nil {
		t.Fatal("expected error without a loaded record")
	}
	b := sampleBundle()
	b.Record["mrId"] = "MRGPR-010"
	if err := s.LoadRecord(b); err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	if err := s.PutSection(SectionPemeriksaanObstetri, SectionPayload{Fields: map[string]any{}}); err == nil {
		t.Fatal("expected error for obstetric section on gynecologic record")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore()
	if err := s.LoadRecord(sampleBundle()); err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	s.MarkDirty()
	s.Clear()
	st := s.GetState()
	if st.Record != nil || st.CurrentMrID != "" || st.IsDirty {
		t.Fatalf("expected initial state, got %+v", st)
	}
}

func TestLoadRecord_OtherMRMayUseOtherCategory(t *testing.T) {
	s := newTestStore()
	if err := s.LoadRecord(sampleBundle()); err != nil {
		t.Fatalf("seed load: %v", err)
	}
	b := sampleBundle()
	b.Record["mrId"] = "MRGPR-010"
	if err := s.LoadRecord(b); err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	if st := s.GetState(); st.Category != ReproductiveGyn || st.CurrentMrID != "MRGPR-010" {
		t.Fatalf("unexpected state %s %s", st.CurrentMrID, st.Category)
	}
}

func TestSetState_ListenersSeeCommitOrder(t *testing.T) {
	s := newTestStore()
	var mu sync.Mutex
	var seen []int
	s.Subscribe(KeyDirtySections, func(next, prev State) {
		mu.Lock()
		seen = append(seen, len(next.DirtySections))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.MarkSectionDirty(SectionKey(fmt.Sprintf("section_%02d", i)))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("expected 20 notifications, got %d", len(seen))
	}
	for i, n := range seen {
		if n != i+1 {
			t.Fatalf("notification %d saw %d dirty sections: %v", i, n, seen)
		}
	}
}

func TestSetState_ReentrantUpdateDeliveredAfterCurrent(t *testing.T) {
	s := newTestStore()
	var order []string
	s.Subscribe(KeyIsDirty, func(next, prev State) {
		order = append(order, fmt.Sprintf("dirty=%v", next.IsDirty))
		if next.IsDirty {
			s.MarkClean()
		}
	})
	s.Subscribe(KeyAll, func(next, prev State) {
		order = append(order, fmt.Sprintf("all dirty=%v", next.IsDirty))
	})

	s.MarkDirty()

	want := []string{"dirty=true", "all dirty=true", "dirty=false", "all dirty=false"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if s.HasUnsavedChanges() {
		t.Fatal("reentrant MarkClean was lost")
	}
}
