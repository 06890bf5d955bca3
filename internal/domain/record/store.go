package record

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StateKey names a top-level field of State for keyed subscriptions.
type StateKey string

const (
	KeyCurrentMrID    StateKey = "current_mr_id"
	KeyCategory       StateKey = "category"
	KeyRecord         StateKey = "record"
	KeyPatient        StateKey = "patient"
	KeyAppointment    StateKey = "appointment"
	KeyIntake         StateKey = "intake"
	KeyMedicalRecords StateKey = "medical_records"
	KeyDerived        StateKey = "derived"
	KeyBilling        StateKey = "billing"
	KeyIsDirty        StateKey = "is_dirty"
	KeyDirtySections  StateKey = "dirty_sections"
	KeyActiveSection  StateKey = "active_section"
	KeyLoading        StateKey = "loading"
	KeyError          StateKey = "error"

	// KeyAll receives every SetState call.
	KeyAll StateKey = "*"
)

var stateKeys = []StateKey{
	KeyCurrentMrID, KeyCategory, KeyRecord, KeyPatient, KeyAppointment,
	KeyIntake, KeyMedicalRecords, KeyDerived, KeyBilling, KeyIsDirty,
	KeyDirtySections, KeyActiveSection, KeyLoading, KeyError,
}

// State is the full snapshot of the active visit.
type State struct {
	CurrentMrID    string              `json:"current_mr_id"`
	Category       Category            `json:"category,omitempty"`
	Record         *VisitRecord        `json:"record"`
	Patient        map[string]any      `json:"patient"`
	Appointment    map[string]any      `json:"appointment"`
	Intake         map[string]any      `json:"intake"`
	MedicalRecords *MedicalRecords     `json:"medical_records"`
	Derived        *DerivedView        `json:"derived"`
	Billing        *billing.Billing    `json:"billing"`
	IsDirty        bool                `json:"is_dirty"`
	DirtySections  map[SectionKey]bool `json:"dirty_sections"`
	ActiveSection  SectionKey          `json:"active_section,omitempty"`
	Loading        bool                `json:"loading"`
	Error          string              `json:"error,omitempty"`
}

// Clone returns a deep copy; snapshots handed out never share memory with
// the store.
func (s State) Clone() State {
	out := s
	out.Record = s.Record.Clone()
	out.Patient = cloneMap(s.Patient)
	out.Appointment = cloneMap(s.Appointment)
	out.Intake = cloneMap(s.Intake)
	out.MedicalRecords = s.MedicalRecords.Clone()
	out.Derived = s.Derived.Clone()
	out.Billing = s.Billing.Clone()
	if s.DirtySections != nil {
		out.DirtySections = make(map[SectionKey]bool, len(s.DirtySections))
		for k, v := range s.DirtySections {
			out.DirtySections[k] = v
		}
	}
	return out
}

func (s *State) value(key StateKey) any {
	switch key {
	case KeyCurrentMrID:
		return s.CurrentMrID
	case KeyCategory:
		return s.Category
	case KeyRecord:
		return s.Record
	case KeyPatient:
		return s.Patient
	case KeyAppointment:
		return s.Appointment
	case KeyIntake:
		return s.Intake
	case KeyMedicalRecords:
		return s.MedicalRecords
	case KeyDerived:
		return s.Derived
	case KeyBilling:
		return s.Billing
	case KeyIsDirty:
		return s.IsDirty
	case KeyDirtySections:
		if len(s.DirtySections) == 0 {
			return map[SectionKey]bool(nil)
		}
		return s.DirtySections
	case KeyActiveSection:
		return s.ActiveSection
	case KeyLoading:
		return s.Loading
	case KeyError:
		return s.Error
	}
	return nil
}

// Listener receives the new and previous snapshot.
type Listener func(next, prev State)

type listener struct {
	id  uuid.UUID
	key StateKey
	fn  Listener
}

type delivery struct {
	targets    []listener
	next, prev State
}

// Store is the single source of truth for one editing session. The
// snapshot is replaced wholesale on every change.
//
// Listeners see changes in commit order. Deliveries are queued and drained
// by whichever SetState call finds the queue idle, so a SetState issued from
// a listener, or from another goroutine during a delivery, returns once its
// change is committed and queued.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners []listener
	pending   []delivery
	draining  bool
	now       func() time.Time
	logger    zerolog.Logger
}

func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		state:  initialState(),
		now:    time.Now,
		logger: logger.With().Str("component", "record_store").Logger(),
	}
}

func initialState() State {
	return State{DirtySections: map[SectionKey]bool{}}
}

// SetClock overrides the time source used for derived calculations.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// GetState returns a deep copy of the current snapshot.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn for changes to key, or every change for KeyAll.
// The returned func removes the subscription.
func (s *Store) Subscribe(key StateKey, fn Listener) func() {
	l := listener{id: uuid.New(), key: key, fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.listeners {
			if existing.id == l.id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetState applies update to a copy of the snapshot and installs the
// result. Keyed listeners fire only for keys whose value changed.
func (s *Store) SetState(update func(*State)) {
	s.mu.Lock()
	prev := s.state
	next := prev.Clone()
	update(&next)
	s.state = next
	if fire := s.matching(&prev, &next); len(fire) > 0 {
		s.pending = append(s.pending, delivery{targets: fire, next: next, prev: prev})
	}
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.notify(d.targets, d.next, d.prev)
		s.mu.Lock()
	}
	s.pending = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) matching(prev, next *State) []listener {
	changed := make(map[StateKey]bool, len(stateKeys))
	for _, k := range stateKeys {
		if !reflect.DeepEqual(prev.value(k), next.value(k)) {
			changed[k] = true
		}
	}
	var out []listener
	for _, l := range s.listeners {
		if l.key == KeyAll || changed[l.key] {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) notify(targets []listener, next, prev State) {
	for _, l := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().
						Str("key", string(l.key)).
						Str("panic", fmt.Sprintf("%v", r)).
						Msg("state listener panicked")
				}
			}()
			l.fn(next.Clone(), prev.Clone())
		}()
	}
}

// LoadRecord validates the bundle, computes the derived view and installs
// the new snapshot in one step. On failure only the error and loading
// fields change; the previous record stays in place. Reloading the current
// MR id under another category is a failure.
func (s *Store) LoadRecord(b *Bundle) error {
	rec, err := ParseBundle(b)
	var derived *DerivedView
	if err == nil {
		s.mu.Lock()
		now := s.now()
		s.mu.Unlock()
		derived, err = ComputeDerived(b, rec, now)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejected record payload")
		msg := fmt.Sprintf("Gagal memuat rekam medis: %v", err)
		s.SetState(func(st *State) {
			st.Loading = false
			st.Error = msg
		})
		return fmt.Errorf("load record: %w", err)
	}

	b = b.Clone()
	var conflict error
	s.SetState(func(st *State) {
		if st.CurrentMrID == rec.MrID && st.Category.Valid() && st.Category != rec.Category {
			conflict = fmt.Errorf("record %s cannot change category from %s to %s", rec.MrID, st.Category, rec.Category)
			st.Loading = false
			st.Error = fmt.Sprintf("Gagal memuat rekam medis: kategori %s tidak dapat diubah", rec.MrID)
			return
		}
		if st.CurrentMrID != rec.MrID {
			st.ActiveSection = ""
			st.Billing = nil
		}
		st.CurrentMrID = rec.MrID
		st.Category = rec.Category
		st.Record = rec
		st.Patient = b.Patient
		st.Appointment = b.Appointment
		st.Intake = b.Intake
		st.MedicalRecords = b.MedicalRecords
		st.Derived = derived
		st.Loading = false
		st.Error = ""
		st.IsDirty = false
		st.DirtySections = map[SectionKey]bool{}
	})
	if conflict != nil {
		s.logger.Warn().Err(conflict).Msg("rejected record payload")
		return fmt.Errorf("load record: %w", conflict)
	}
	return nil
}

// SetLoading flags that a load is in progress.
func (s *Store) SetLoading(loading bool) {
	s.SetState(func(st *State) { st.Loading = loading })
}

// SetError records a human readable error without touching record data.
func (s *Store) SetError(msg string) {
	s.SetState(func(st *State) {
		st.Loading = false
		st.Error = msg
	})
}

// SetBilling replaces the billing snapshot.
func (s *Store) SetBilling(b *billing.Billing) {
	b = b.Clone()
	s.SetState(func(st *State) { st.Billing = b })
}

// SetActiveSection records which section the user is looking at.
func (s *Store) SetActiveSection(key SectionKey) {
	s.SetState(func(st *State) { st.ActiveSection = key })
}

// PutSection replaces one section payload. It fails if no record is loaded
// or the section is illegal for the record's category.
func (s *Store) PutSection(key SectionKey, payload SectionPayload) error {
	var err error
	payload = payload.Clone()
	s.SetState(func(st *State) {
		if st.Record == nil {
			err = fmt.Errorf("no record loaded")
			return
		}
		if !key.LegalFor(st.Record.Category) {
			err = fmt.Errorf("section %s is not valid for category %s", key, st.Record.Category)
			return
		}
		st.Record.Sections[key] = payload
	})
	return err
}

func (s *Store) MarkDirty() {
	s.SetState(func(st *State) { st.IsDirty = true })
}

// MarkClean clears the global flag and every per-section flag.
func (s *Store) MarkClean() {
	s.SetState(func(st *State) {
		st.IsDirty = false
		st.DirtySections = map[SectionKey]bool{}
	})
}

func (s *Store) MarkSectionDirty(key SectionKey) {
	s.SetState(func(st *State) {
		if st.DirtySections == nil {
			st.DirtySections = map[SectionKey]bool{}
		}
		st.DirtySections[key] = true
		st.IsDirty = true
	})
}

// MarkSectionClean clears one section; the global flag follows the
// remaining dirty sections.
func (s *Store) MarkSectionClean(key SectionKey) {
	s.SetState(func(st *State) {
		delete(st.DirtySections, key)
		st.IsDirty = len(st.DirtySections) > 0
	})
}

func (s *Store) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsDirty
}

// Clear resets to the initial snapshot. Subscriptions survive.
func (s *Store) Clear() {
	s.SetState(func(st *State) { *st = initialState() })
}
