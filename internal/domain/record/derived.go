package record

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DerivedView is the read-only projection shown alongside the record. It is
// recomputed on every load and never edited.
type DerivedView struct {
	MrID            string          `json:"mr_id"`
	PatientID       string          `json:"patient_id"`
	Category        Category        `json:"category"`
	CategoryLabel   string          `json:"category_label"`
	QuickID         string          `json:"quick_id,omitempty"`
	PatientName     string          `json:"patient_name,omitempty"`
	Age             *int            `json:"age,omitempty"`
	DOB             string          `json:"dob,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	LMP             string          `json:"lmp,omitempty"`
	EDD             string          `json:"edd,omitempty"`
	GestationalAge  *GestationalAge `json:"gestational_age,omitempty"`
	Gravida         *int            `json:"gravida,omitempty"`
	Para            *int            `json:"para,omitempty"`
	Abortus         *int            `json:"abortus,omitempty"`
	Living          *int            `json:"living,omitempty"`
	HighRisk        bool            `json:"high_risk"`
	RiskFlags       []string        `json:"risk_flags,omitempty"`
	VisibleSections []SectionKey    `json:"visible_sections"`
}

type GestationalAge struct {
	Weeks int `json:"weeks"`
	Days  int `json:"days"`
}

var riskFactorLabels = map[string]string{
	"age_extremes":          "Usia ibu di bawah 18 tahun atau di atas 35 tahun",
	"previous_complication": "Riwayat komplikasi kehamilan sebelumnya",
	"multiple_pregnancy":    "Kemungkinan kehamilan kembar",
	"medical_conditions":    "Memiliki penyakit medis yang berisiko",
	"family_history":        "Riwayat keluarga dengan kelainan genetik",
	"substance":             "Paparan rokok/alkohol/narkoba",
}

var nameCaser = cases.Title(language.Indonesian)

// DisplayName title-cases a person's name.
func DisplayName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return nameCaser.String(s)
}

// ComputeDerived builds the DerivedView for a parsed record. now anchors
// gestational age and age-from-birth-date calculations.
func ComputeDerived(b *Bundle, rec *VisitRecord, now time.Time) (*DerivedView, error) {
	visible, err := VisibleSections(rec.Category)
	if err != nil {
		return nil, err
	}

	intake := b.Intake
	payload := nested(intake, "payload")
	summary := nested(intake, "summary")
	metadata := nested(intake, "metadata")
	if metadata == nil {
		metadata = nested(payload, "metadata")
	}
	eddMeta := nested(metadata, "edd")
	totals := nested(metadata, "obstetricTotals")

	v := &DerivedView{
		MrID:            rec.MrID,
		PatientID:       rec.PatientID,
		Category:        rec.Category,
		CategoryLabel:   rec.Category.Label(),
		QuickID:         firstString(intake, "quickId", "quick_id"),
		VisibleSections: visible,
	}

	name := firstString(summary, "fullName")
	if name == "" {
		name = firstString(payload, "full_name")
	}
	if name == "" {
		name = firstString(b.Patient, "fullName", "full_name")
	}
	if name == "" {
		name = firstString(b.Appointment, "patientName")
	}
	v.PatientName = DisplayName(name)

	v.DOB = firstString(summary, "dob")
	if v.DOB == "" {
		v.DOB = firstString(payload, "dob", "patient_dob")
	}
	if v.DOB == "" {
		v.DOB = firstString(b.Patient, "birthDate", "birth_date")
	}

	v.Age = firstInt(lookup{summary, "age"}, lookup{b.Patient, "age"}, lookup{payload, "patient_age"})
	if v.Age == nil {
		if dob, ok := parseDate(v.DOB); ok {
			a := yearsBetween(dob, now)
			if a >= 0 {
				v.Age = &a
			}
		}
	}

	v.Phone = firstString(payload, "phone")
	if v.Phone == "" {
		v.Phone = firstString(b.Patient, "whatsapp", "phone")
	}
	if v.Phone == "" {
		v.Phone = firstString(b.Appointment, "patientPhone")
	}

	v.LMP = firstString(summary, "lmp")
	if v.LMP == "" {
		v.LMP = firstString(payload, "lmp_date", "lmp")
	}
	if v.LMP == "" {
		v.LMP = firstString(eddMeta, "lmpReference")
	}

	v.EDD = firstString(summary, "edd")
	if v.EDD == "" {
		v.EDD = firstString(eddMeta, "value")
	}
	if v.EDD == "" {
		v.EDD = firstString(payload, "edd")
	}

	if ga := nested(summary, "gestationalAge"); ga != nil {
		w, wok := asInt(ga["weeks"])
		d, _ := asInt(ga["days"])
		if wok {
			v.GestationalAge = &GestationalAge{Weeks: w, Days: d}
		}
	}
	if v.GestationalAge == nil {
		v.GestationalAge = gestationalAgeFrom(v.LMP, now)
	}

	v.Gravida = firstInt(lookup{totals, "gravida"}, lookup{payload, "gravida_count"}, lookup{payload, "gravida"})
	v.Para = firstInt(lookup{totals, "para"}, lookup{payload, "para_count"}, lookup{payload, "para"})
	v.Abortus = firstInt(lookup{totals, "abortus"}, lookup{payload, "abortus_count"}, lookup{payload, "abortus"})
	v.Living = firstInt(lookup{totals, "living"}, lookup{payload, "living_children_count"}, lookup{payload, "living"})

	v.HighRisk = asBool(summary["highRisk"]) || asBool(metadata["highRisk"]) || asBool(nested(payload, "flags")["highRisk"])
	v.RiskFlags = stringList(summary["riskFlags"])
	if len(v.RiskFlags) == 0 {
		codes := summary["riskFactorCodes"]
		if codes == nil {
			codes = payload["risk_factors"]
		}
		for _, code := range stringList(codes) {
			if label, ok := riskFactorLabels[code]; ok {
				code = label
			}
			v.RiskFlags = appendUnique(v.RiskFlags, code)
		}
	}
	return v, nil
}

func gestationalAgeFrom(lmp string, now time.Time) *GestationalAge {
	start, ok := parseDate(lmp)
	if !ok {
		return nil
	}
	diff := now.Sub(start)
	if diff < 0 {
		return nil
	}
	days := int(diff / (24 * time.Hour))
	return &GestationalAge{Weeks: days / 7, Days: days % 7}
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	return years
}

func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = appendUnique(out, asString(item))
		}
	case []string:
		for _, item := range t {
			out = appendUnique(out, strings.TrimSpace(item))
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// Clone returns a deep copy.
func (v *DerivedView) Clone() *DerivedView {
	if v == nil {
		return nil
	}
	out := *v
	out.Age = cloneIntPtr(v.Age)
	out.Gravida = cloneIntPtr(v.Gravida)
	out.Para = cloneIntPtr(v.Para)
	out.Abortus = cloneIntPtr(v.Abortus)
	out.Living = cloneIntPtr(v.Living)
	if v.GestationalAge != nil {
		ga := *v.GestationalAge
		out.GestationalAge = &ga
	}
	if v.RiskFlags != nil {
		out.RiskFlags = append([]string(nil), v.RiskFlags...)
	}
	if v.VisibleSections != nil {
		out.VisibleSections = append([]SectionKey(nil), v.VisibleSections...)
	}
	return &out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}
