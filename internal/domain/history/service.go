package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// Source is the part of the backend client that serves visit history.
type Source interface {
	PatientVisits(ctx context.Context, patientID string, out any) error
	CopyableData(ctx context.Context, mrID string, out any) error
}

// Target is the record store of the active editing session.
type Target interface {
	GetState() record.State
	SetState(update func(*record.State))
}

// CopiedMessage is shown after a successful copy-forward.
const CopiedMessage = "Data berhasil disalin ke form. Silakan review dan simpan."

// Service lists prior visits and copies selected fields forward into the
// active record's anamnesa section.
type Service struct {
	source Source
	limit  int
	logger zerolog.Logger
}

func NewService(source Source, logger zerolog.Logger) *Service {
	return &Service{
		source: source,
		limit:  MaxPriorVisits,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// ListPriorVisits returns the patient's visits, most recent first, without
// currentMrID and capped at MaxPriorVisits.
func (s *Service) ListPriorVisits(ctx context.Context, patientID, currentMrID string) ([]VisitSummary, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, apperr.Precondition("history.listPriorVisits", "ID pasien tidak ditemukan")
	}
	var visits []VisitSummary
	if err := s.source.PatientVisits(ctx, patientID, &visits); err != nil {
		return nil, err
	}

	current := record.NormalizeMRID(currentMrID)
	out := make([]VisitSummary, 0, len(visits))
	for _, v := range visits {
		if v.MrID == "" || v.MrID == current {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VisitDate.After(out[j].VisitDate) })
	if len(out) > s.limit {
		out = out[:s.limit]
	}
	return out, nil
}

// FetchCopyableFields returns the copyable field map of a prior visit.
func (s *Service) FetchCopyableFields(ctx context.Context, priorMrID string) (map[string]any, error) {
	priorMrID = record.NormalizeMRID(priorMrID)
	if priorMrID == "" {
		return nil, apperr.Precondition("history.fetchCopyableFields", "Pilih kunjungan sebelumnya terlebih dahulu")
	}
	fields := map[string]any{}
	if err := s.source.CopyableData(ctx, priorMrID, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Preview lists copyable fields with display labels, sorted by key.
func Preview(fields map[string]any) []CopyableField {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]CopyableField, 0, len(keys))
	for _, k := range keys {
		out = append(out, CopyableField{Key: k, Label: FieldLabel(k), Value: fields[k], Display: display(fields[k])})
	}
	return out
}

func display(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case []any:
		if len(t) == 0 {
			return "-"
		}
		return fmt.Sprintf("%d item", len(t))
	case map[string]any:
		b, _ := json.Marshal(t)
		if len(b) > 50 {
			return string(b[:50]) + "..."
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// ApplySelection shallow-merges the selected keys of values into the
// anamnesa section of target and marks it dirty. Keys outside the
// selection, and existing anamnesa keys that were not selected, are left
// untouched. Selected keys missing from values are skipped.
func (s *Service) ApplySelection(target Target, selected []string, values map[string]any) (map[string]any, error) {
	const op = "history.applySelection"

	picked := make(map[string]any, len(selected))
	for _, k := range selected {
		if v, ok := values[k]; ok {
			picked[k] = v
		}
	}
	if len(picked) == 0 {
		return nil, apperr.Invalid(op, "Pilih minimal satu data untuk disalin")
	}
	picked = record.CloneFields(picked)

	var (
		merged map[string]any
		err    error
	)
	target.SetState(func(st *record.State) {
		if st.Record == nil {
			err = apperr.Precondition(op, "Belum ada rekam medis yang dibuka")
			return
		}
		p, _ := st.Record.Section(record.SectionAnamnesa)
		fields := record.CloneFields(p.Fields)
		if fields == nil {
			fields = map[string]any{}
		}
		for k, v := range picked {
			fields[k] = v
		}
		p.Fields = fields
		st.Record.Sections[record.SectionAnamnesa] = p
		if st.DirtySections == nil {
			st.DirtySections = map[record.SectionKey]bool{}
		}
		st.DirtySections[record.SectionAnamnesa] = true
		st.IsDirty = true
		merged = record.CloneFields(fields)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("mr_id", target.GetState().CurrentMrID).Int("fields", len(picked)).Msg("copied prior visit data into anamnesa")
	return merged, nil
}
