package section

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/backend"
)

// Schema is the descriptor the backend serves for a section handler.
type Schema struct {
	Title   string  `json:"title"`
	Version string  `json:"version,omitempty"`
	Fields  []Field `json:"fields"`
	Groups  []Group `json:"groups,omitempty"`
}

// Writer persists a section to the backend of record.
type Writer interface {
	SaveSection(ctx context.Context, mrID string, body backend.SectionSave) (string, error)
}

// persist is shared by every handler that stores data.
func persist(ctx context.Context, w Writer, req SaveRequest, now time.Time) (SaveResult, error) {
	body := backend.SectionSave{
		PatientID: req.PatientID,
		Type:      req.Key.RecordType(),
		Data:      record.CloneFields(req.Data),
		Timestamp: now,
	}
	if req.Actor.IsPhysician() {
		body.DoctorName = req.Actor.DisplayName()
		body.DoctorID = req.Actor.ID
	}
	msg, err := w.SaveSection(ctx, req.MrID, body)
	if err != nil {
		return SaveResult{}, err
	}
	if msg == "" {
		msg = fmt.Sprintf("%s berhasil disimpan", req.Key.Label())
	}
	return SaveResult{Persisted: true, Message: msg, SavedAt: now}, nil
}

// formHandler renders a flat schema of fields and stores the submitted
// values as is.
type formHandler struct {
	key     record.SectionKey
	schema  Schema
	version string
	writer  Writer
	now     func() time.Time
}

func (h *formHandler) Key() record.SectionKey { return h.key }
func (h *formHandler) Kind() Kind             { return KindForm }

func (h *formHandler) Render(st record.State) (View, error) {
	payload, _ := st.Record.Section(h.key)
	v := View{
		Key:     h.key,
		Kind:    KindForm,
		Title:   titleOr(h.schema.Title, h.key.Label()),
		Fields:  fillFields(h.schema.Fields, payload.Fields),
		SavedAt: payload.SavedAt,
		Version: h.version,
	}
	return v, nil
}

func (h *formHandler) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if missing := missingRequired(h.schema.Fields, req.Data); len(missing) > 0 {
		return SaveResult{}, apperr.Invalid("section.save",
			fmt.Sprintf("Lengkapi isian wajib: %s", strings.Join(missing, ", ")))
	}
	return persist(ctx, h.writer, req, h.now().UTC())
}

// fillFields copies schema fields and attaches stored values. Stored keys
// that the schema does not describe are appended so no data is hidden.
func fillFields(spec []Field, values map[string]any) []Field {
	out := make([]Field, 0, len(spec)+len(values))
	known := make(map[string]bool, len(spec))
	for _, f := range spec {
		f.Value = values[f.Name]
		if f.Options != nil {
			f.Options = append([]string(nil), f.Options...)
		}
		known[f.Name] = true
		out = append(out, f)
	}
	extra := make([]string, 0)
	for k := range values {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, Field{Name: k, Label: k, Type: "raw", Value: values[k]})
	}
	return out
}

func missingRequired(spec []Field, data map[string]any) []string {
	var missing []string
	for _, f := range spec {
		if !f.Required {
			continue
		}
		if isEmpty(data[f.Name]) {
			missing = append(missing, titleOr(f.Label, f.Name))
		}
	}
	return missing
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func titleOr(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}
