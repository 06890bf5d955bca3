package section

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// Obstetric USG groups, in display order.
const (
	GroupTrimester1 = "trimester_1"
	GroupTrimester2 = "trimester_2"
	GroupScreening  = "screening"
	GroupTrimester3 = "trimester_3"

	// FieldCurrentTrimester selects the group being edited.
	FieldCurrentTrimester = "current_trimester"
)

var trimesterGroups = []Group{
	{Key: GroupTrimester1, Title: "Trimester 1 (1-13w)", Fields: []Field{
		{Name: "date", Label: "Tanggal", Type: "date"},
		{Name: "gs", Label: "Gestational Sac (mm)", Type: "number"},
		{Name: "crl", Label: "CRL (mm)", Type: "number"},
		{Name: "heart_rate", Label: "Denyut Jantung (bpm)", Type: "number"},
		{Name: "notes", Label: "Catatan", Type: "textarea"},
	}},
	{Key: GroupTrimester2, Title: "Trimester 2 (14-27w)", Fields: []Field{
		{Name: "date", Label: "Tanggal", Type: "date"},
		{Name: "bpd", Label: "BPD (mm)", Type: "number"},
		{Name: "ac", Label: "AC (mm)", Type: "number"},
		{Name: "fl", Label: "FL (mm)", Type: "number"},
		{Name: "efw", Label: "Taksiran Berat Janin (g)", Type: "number"},
		{Name: "notes", Label: "Catatan", Type: "textarea"},
	}},
	{Key: GroupScreening, Title: "Skrining (18-23w)", Fields: []Field{
		{Name: "date", Label: "Tanggal", Type: "date"},
		{Name: "findings", Label: "Temuan", Type: "textarea"},
		{Name: "conclusion", Label: "Kesimpulan", Type: "text"},
	}},
	{Key: GroupTrimester3, Title: "Trimester 3 (28w+)", Fields: []Field{
		{Name: "date", Label: "Tanggal", Type: "date"},
		{Name: "presentation", Label: "Presentasi", Type: "select", Options: []string{"kepala", "bokong", "lintang"}},
		{Name: "efw", Label: "Taksiran Berat Janin (g)", Type: "number"},
		{Name: "afi", Label: "AFI (cm)", Type: "number"},
		{Name: "placenta", Label: "Plasenta", Type: "text"},
		{Name: "notes", Label: "Catatan", Type: "textarea"},
	}},
}

// Older saves used a single "trimester" field with these values.
var legacyTrimester = map[string]string{
	"first":     GroupTrimester1,
	"second":    GroupTrimester2,
	"screening": GroupScreening,
	"third":     GroupTrimester3,
}

func normalizeTrimester(v any) string {
	s, _ := v.(string)
	s = strings.ToLower(strings.TrimSpace(s))
	if g, ok := legacyTrimester[s]; ok {
		return g
	}
	for _, g := range trimesterGroups {
		if g.Key == s {
			return s
		}
	}
	return ""
}

// obstetricUSGHandler covers the four-trimester ultrasound of obstetric
// visits.
type obstetricUSGHandler struct {
	groups  []Group
	title   string
	version string
	writer  Writer
	now     func() time.Time
}

func newObstetricUSG(schema Schema, version string, w Writer, now func() time.Time) *obstetricUSGHandler {
	groups := make([]Group, len(trimesterGroups))
	copy(groups, trimesterGroups)
	for i, g := range groups {
		for _, remote := range schema.Groups {
			if remote.Key == g.Key && len(remote.Fields) > 0 {
				groups[i].Fields = remote.Fields
				if remote.Title != "" {
					groups[i].Title = remote.Title
				}
			}
		}
	}
	return &obstetricUSGHandler{
		groups:  groups,
		title:   titleOr(schema.Title, "USG Obstetri"),
		version: version,
		writer:  w,
		now:     now,
	}
}

func (h *obstetricUSGHandler) Key() record.SectionKey { return record.SectionUSG }
func (h *obstetricUSGHandler) Kind() Kind             { return KindObstetricUSG }

func (h *obstetricUSGHandler) Render(st record.State) (View, error) {
	payload, _ := st.Record.Section(record.SectionUSG)
	current := normalizeTrimester(payload.Fields[FieldCurrentTrimester])
	if current == "" {
		current = normalizeTrimester(payload.Fields["trimester"])
	}
	if current == "" {
		current = GroupTrimester1
	}

	v := View{
		Key:     record.SectionUSG,
		Kind:    KindObstetricUSG,
		Title:   h.title,
		SavedAt: payload.SavedAt,
		Version: h.version,
		Fields: []Field{{
			Name:    FieldCurrentTrimester,
			Label:   "Trimester",
			Type:    "select",
			Options: []string{GroupTrimester1, GroupTrimester2, GroupScreening, GroupTrimester3},
			Value:   current,
		}},
	}
	for _, g := range h.groups {
		values, _ := payload.Fields[g.Key].(map[string]any)
		v.Groups = append(v.Groups, Group{
			Key:    g.Key,
			Title:  g.Title,
			Active: g.Key == current,
			Fields: fillFields(g.Fields, values),
		})
	}
	return v, nil
}

func (h *obstetricUSGHandler) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	current := normalizeTrimester(req.Data[FieldCurrentTrimester])
	if current == "" {
		return SaveResult{}, apperr.Invalid("section.save", "Pilih trimester USG terlebih dahulu")
	}
	if _, ok := req.Data[current].(map[string]any); !ok {
		return SaveResult{}, apperr.Invalid("section.save",
			fmt.Sprintf("Data USG untuk %s belum diisi", h.groupTitle(current)))
	}
	data := record.CloneFields(req.Data)
	data[FieldCurrentTrimester] = current
	delete(data, "trimester")
	req.Data = data
	return persist(ctx, h.writer, req, h.now().UTC())
}

func (h *obstetricUSGHandler) groupTitle(key string) string {
	for _, g := range h.groups {
		if g.Key == key {
			return g.Title
		}
	}
	return key
}

// gynUSGHandler is the narrative ultrasound of gynecologic visits: nested
// free-form findings plus notes.
type gynUSGHandler struct {
	schema  Schema
	version string
	writer  Writer
	now     func() time.Time
}

var gynUSGFields = []Field{
	{Name: "date", Label: "Tanggal", Type: "date"},
	{Name: "type", Label: "Jenis USG", Type: "select", Options: []string{"transabdominal", "transvaginal", "both"}},
	{Name: "uterus", Label: "Uterus", Type: "group"},
	{Name: "endometrium", Label: "Endometrium", Type: "group"},
	{Name: "ovaries", Label: "Ovarium", Type: "group"},
	{Name: "additional", Label: "Temuan Tambahan", Type: "group"},
	{Name: "notes", Label: "Kesimpulan", Type: "textarea"},
}

func (h *gynUSGHandler) Key() record.SectionKey { return record.SectionUSG }
func (h *gynUSGHandler) Kind() Kind             { return KindGynUSG }

func (h *gynUSGHandler) fields() []Field {
	if len(h.schema.Fields) > 0 {
		return h.schema.Fields
	}
	return gynUSGFields
}

func (h *gynUSGHandler) Render(st record.State) (View, error) {
	payload, _ := st.Record.Section(record.SectionUSG)
	return View{
		Key:     record.SectionUSG,
		Kind:    KindGynUSG,
		Title:   titleOr(h.schema.Title, "USG Ginekologi"),
		Fields:  fillFields(h.fields(), payload.Fields),
		SavedAt: payload.SavedAt,
		Version: h.version,
	}, nil
}

func (h *gynUSGHandler) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	filled := false
	for _, f := range h.fields() {
		if f.Name != "date" && f.Name != "type" && !isEmpty(req.Data[f.Name]) {
			filled = true
			break
		}
	}
	if !filled {
		return SaveResult{}, apperr.Invalid("section.save", "Isi minimal satu temuan USG")
	}
	if missing := missingRequired(h.fields(), req.Data); len(missing) > 0 {
		return SaveResult{}, apperr.Invalid("section.save",
			fmt.Sprintf("Lengkapi isian wajib: %s", strings.Join(missing, ", ")))
	}
	return persist(ctx, h.writer, req, h.now().UTC())
}
