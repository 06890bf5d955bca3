package record

import (
	"fmt"
	"time"
)

// Bundle is the raw record payload returned by the backend of record for
// one MR id. Everything except the medical records is passed through as
// opaque maps.
type Bundle struct {
	Record         map[string]any  `json:"record"`
	Patient        map[string]any  `json:"patient,omitempty"`
	Appointment    map[string]any  `json:"appointment,omitempty"`
	Intake         map[string]any  `json:"intake,omitempty"`
	MedicalRecords *MedicalRecords `json:"medicalRecords,omitempty"`
}

// MedicalRecords holds the latest stored entry per record type.
type MedicalRecords struct {
	ByType         map[string]MedicalRecordEntry `json:"byType"`
	LatestComplete *MedicalRecordEntry           `json:"latestComplete,omitempty"`
	LastUpdatedAt  *time.Time                    `json:"lastUpdatedAt,omitempty"`
}

type MedicalRecordEntry struct {
	ID         any            `json:"id,omitempty"`
	RecordType string         `json:"recordType"`
	DoctorID   any            `json:"doctorId,omitempty"`
	DoctorName string         `json:"doctorName,omitempty"`
	CreatedAt  *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time     `json:"updatedAt,omitempty"`
	Data       map[string]any `json:"data"`
}

// VisitRecord is one clinical encounter. Category never changes for the
// lifetime of the record.
type VisitRecord struct {
	MrID          string                        `json:"mr_id"`
	Category      Category                      `json:"category"`
	PatientID     string                        `json:"patient_id"`
	AppointmentID string                        `json:"appointment_id,omitempty"`
	VisitLocation string                        `json:"visit_location,omitempty"`
	Status        string                        `json:"status,omitempty"`
	Sections      map[SectionKey]SectionPayload `json:"sections"`
}

// SectionPayload is opaque clinical content. A nil SavedAt means the
// section has never been persisted.
type SectionPayload struct {
	Fields  map[string]any `json:"fields"`
	SavedAt *time.Time     `json:"saved_at,omitempty"`
}

func (p SectionPayload) Saved() bool { return p.SavedAt != nil }

// Clone returns a deep copy.
func (p SectionPayload) Clone() SectionPayload {
	out := SectionPayload{Fields: cloneMap(p.Fields)}
	if p.SavedAt != nil {
		t := *p.SavedAt
		out.SavedAt = &t
	}
	return out
}

// Section returns the payload for key and whether one exists.
func (r *VisitRecord) Section(key SectionKey) (SectionPayload, bool) {
	if r == nil || r.Sections == nil {
		return SectionPayload{}, false
	}
	p, ok := r.Sections[key]
	return p, ok
}

// Clone returns a deep copy.
func (r *VisitRecord) Clone() *VisitRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Sections = make(map[SectionKey]SectionPayload, len(r.Sections))
	for k, v := range r.Sections {
		out.Sections[k] = v.Clone()
	}
	return &out
}

// ParseBundle validates the raw payload and builds the VisitRecord. Record
// types that do not correspond to a known section are ignored; a known
// section that is illegal for the category makes the bundle malformed.
func ParseBundle(b *Bundle) (*VisitRecord, error) {
	if b == nil || len(b.Record) == 0 {
		return nil, fmt.Errorf("record payload is missing")
	}
	mrID := NormalizeMRID(firstString(b.Record, "mrId", "mr_id"))
	if mrID == "" {
		return nil, fmt.Errorf("record has no mr id")
	}

	var category Category
	var err error
	if raw := firstString(b.Record, "category", "mrCategory", "mr_category"); raw != "" {
		category, err = ParseCategory(raw)
	} else {
		category, err = CategoryFromMRID(mrID)
	}
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", mrID, err)
	}

	patientID := firstString(b.Record, "patientId", "patient_id")
	if patientID == "" {
		patientID = firstString(b.Patient, "id")
	}
	if patientID == "" {
		return nil, fmt.Errorf("record %s has no patient id", mrID)
	}

	rec := &VisitRecord{
		MrID:          mrID,
		Category:      category,
		PatientID:     patientID,
		AppointmentID: firstString(b.Record, "appointmentId", "appointment_id"),
		VisitLocation: firstString(b.Record, "visitLocation", "visit_location"),
		Status:        firstString(b.Record, "status"),
		Sections:      make(map[SectionKey]SectionPayload),
	}

	if b.MedicalRecords != nil {
		for recordType, entry := range b.MedicalRecords.ByType {
			key, err := ParseSectionKey(recordType)
			if err != nil {
				continue
			}
			if !key.LegalFor(category) {
				return nil, fmt.Errorf("record %s: section %s is not valid for category %s", mrID, key, category)
			}
			savedAt := entry.UpdatedAt
			if savedAt == nil {
				savedAt = entry.CreatedAt
			}
			rec.Sections[key] = SectionPayload{Fields: entry.Data, SavedAt: savedAt}.Clone()
		}
	}
	return rec, nil
}

// Clone returns a deep copy of the bundle.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	return &Bundle{
		Record:         cloneMap(b.Record),
		Patient:        cloneMap(b.Patient),
		Appointment:    cloneMap(b.Appointment),
		Intake:         cloneMap(b.Intake),
		MedicalRecords: b.MedicalRecords.Clone(),
	}
}

func (m *MedicalRecords) Clone() *MedicalRecords {
	if m == nil {
		return nil
	}
	out := &MedicalRecords{}
	if m.ByType != nil {
		out.ByType = make(map[string]MedicalRecordEntry, len(m.ByType))
		for k, v := range m.ByType {
			out.ByType[k] = v.clone()
		}
	}
	if m.LatestComplete != nil {
		e := m.LatestComplete.clone()
		out.LatestComplete = &e
	}
	if m.LastUpdatedAt != nil {
		t := *m.LastUpdatedAt
		out.LastUpdatedAt = &t
	}
	return out
}

func (e MedicalRecordEntry) clone() MedicalRecordEntry {
	out := e
	out.ID = cloneValue(e.ID)
	out.DoctorID = cloneValue(e.DoctorID)
	out.Data = cloneMap(e.Data)
	if e.CreatedAt != nil {
		t := *e.CreatedAt
		out.CreatedAt = &t
	}
	if e.UpdatedAt != nil {
		t := *e.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}
