package record

import (
	"fmt"
	"strings"
)

// Category is the clinical track of a visit. It is fixed once the MR id is
// issued and decides which sections are legal.
type Category int

const (
	Obstetric Category = iota + 1
	ReproductiveGyn
	SpecialGyn
)

// Categories lists every category in display order.
var Categories = []Category{Obstetric, ReproductiveGyn, SpecialGyn}

// ParseCategory accepts the wire code ("obstetri", "gyn_repro",
// "gyn_special"). Hyphenated spellings are tolerated.
func ParseCategory(s string) (Category, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "obstetri", "obstetric":
		return Obstetric, nil
	case "gyn_repro":
		return ReproductiveGyn, nil
	case "gyn_special":
		return SpecialGyn, nil
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// String returns the wire code.
func (c Category) String() string {
	switch c {
	case Obstetric:
		return "obstetri"
	case ReproductiveGyn:
		return "gyn_repro"
	case SpecialGyn:
		return "gyn_special"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Label is the human readable name shown to staff.
func (c Category) Label() string {
	switch c {
	case Obstetric:
		return "Obstetri"
	case ReproductiveGyn:
		return "Ginekologi Reproduksi"
	case SpecialGyn:
		return "Ginekologi Khusus"
	}
	return ""
}

// MRPrefix is the prefix the backend uses when issuing MR ids.
func (c Category) MRPrefix() string {
	switch c {
	case Obstetric:
		return "MROBS"
	case ReproductiveGyn:
		return "MRGPR"
	case SpecialGyn:
		return "MRGPS"
	}
	return ""
}

func (c Category) Valid() bool {
	return c == Obstetric || c == ReproductiveGyn || c == SpecialGyn
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NormalizeMRID trims and upper-cases an MR id.
func NormalizeMRID(mrID string) string {
	return strings.ToUpper(strings.TrimSpace(mrID))
}

// CategoryFromMRID infers the category from the MR id prefix.
func CategoryFromMRID(mrID string) (Category, error) {
	id := NormalizeMRID(mrID)
	for _, c := range Categories {
		if strings.HasPrefix(id, c.MRPrefix()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("mr id %q has no known category prefix", mrID)
}

// SectionKey names an independently persisted part of a visit record.
type SectionKey string

const (
	SectionIdentity            SectionKey = "identity"
	SectionAnamnesa            SectionKey = "anamnesa"
	SectionPhysicalExam        SectionKey = "physical_exam"
	SectionPemeriksaanObstetri SectionKey = "pemeriksaan_obstetri"
	SectionUSG                 SectionKey = "usg"
	SectionPenunjang           SectionKey = "penunjang"
	SectionDiagnosis           SectionKey = "diagnosis"
	SectionPlan                SectionKey = "plan"
	SectionBilling             SectionKey = "billing"
)

var allSections = []SectionKey{
	SectionIdentity,
	SectionAnamnesa,
	SectionPhysicalExam,
	SectionPemeriksaanObstetri,
	SectionUSG,
	SectionPenunjang,
	SectionDiagnosis,
	SectionPlan,
	SectionBilling,
}

var sectionLabels = map[SectionKey]string{
	SectionIdentity:            "Identitas Pasien",
	SectionAnamnesa:            "Anamnesa",
	SectionPhysicalExam:        "Pemeriksaan Fisik",
	SectionPemeriksaanObstetri: "Pemeriksaan Obstetri",
	SectionUSG:                 "USG",
	SectionPenunjang:           "Penunjang",
	SectionDiagnosis:           "Diagnosis",
	SectionPlan:                "Plan",
	SectionBilling:             "Tagihan",
}

// ParseSectionKey accepts both the snake_case key and the hyphenated
// navigation slug ("physical-exam").
func ParseSectionKey(s string) (SectionKey, error) {
	k := SectionKey(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if k == "planning" {
		return SectionPlan, nil
	}
	if _, ok := sectionLabels[k]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown section %q", s)
}

func (k SectionKey) Label() string { return sectionLabels[k] }

// Slug is the hyphenated form used in navigation URLs.
func (k SectionKey) Slug() string { return strings.ReplaceAll(string(k), "_", "-") }

// RecordType is the medical_records type the backend stores the section
// under.
func (k SectionKey) RecordType() string {
	if k == SectionPlan {
		return "planning"
	}
	return string(k)
}

// LegalFor reports whether the section may exist on a record of category c.
func (k SectionKey) LegalFor(c Category) bool {
	if !c.Valid() {
		return false
	}
	if k == SectionPemeriksaanObstetri {
		return c == Obstetric
	}
	_, ok := sectionLabels[k]
	return ok
}

// VisibleSections returns the ordered navigation list for a category.
func VisibleSections(c Category) ([]SectionKey, error) {
	switch c {
	case Obstetric:
		return []SectionKey{
			SectionIdentity,
			SectionAnamnesa,
			SectionPhysicalExam,
			SectionPemeriksaanObstetri,
			SectionUSG,
			SectionPenunjang,
			SectionDiagnosis,
			SectionPlan,
			SectionBilling,
		}, nil
	case ReproductiveGyn, SpecialGyn:
		return []SectionKey{
			SectionIdentity,
			SectionAnamnesa,
			SectionPhysicalExam,
			SectionUSG,
			SectionPenunjang,
			SectionDiagnosis,
			SectionPlan,
			SectionBilling,
		}, nil
	}
	return nil, fmt.Errorf("unknown category %d", int(c))
}

// AllSections returns every known section key.
func AllSections() []SectionKey {
	out := make([]SectionKey, len(allSections))
	copy(out, allSections)
	return out
}
