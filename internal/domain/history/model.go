package history

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
)

// MaxPriorVisits caps the list shown next to the active record.
const MaxPriorVisits = 5

// VisitSummary is one earlier visit of the same patient.
type VisitSummary struct {
	MrID          string    `json:"mr_id"`
	PatientID     string    `json:"patient_id,omitempty"`
	Category      string    `json:"mr_category,omitempty"`
	CategoryLabel string    `json:"category_label,omitempty"`
	VisitDate     time.Time `json:"visit_date"`
	Location      string    `json:"location,omitempty"`
	LocationShort string    `json:"location_short,omitempty"`
	LocationColor string    `json:"location_color,omitempty"`
	Status        string    `json:"status,omitempty"`
}

// UnmarshalJSON accepts both a timestamp and a bare date for visit_date.
func (v *VisitSummary) UnmarshalJSON(b []byte) error {
	type alias VisitSummary
	var raw struct {
		alias
		VisitDate string `json:"visit_date"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*v = VisitSummary(raw.alias)
	v.MrID = record.NormalizeMRID(v.MrID)
	v.VisitDate = parseVisitDate(raw.VisitDate)
	if c, err := record.ParseCategory(v.Category); err == nil {
		v.CategoryLabel = c.Label()
	} else if c, err := record.CategoryFromMRID(v.MrID); err == nil {
		v.Category = c.String()
		v.CategoryLabel = c.Label()
	}
	return nil
}

var visitDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseVisitDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range visitDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CopyableField is a previewable value from a prior visit.
type CopyableField struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Value   any    `json:"value"`
	Display string `json:"display"`
}

// fieldLabels covers the English, camelCase and snake_case spellings the
// backend has used over time.
var fieldLabels = map[string]string{
	"blood_type":                 "Golongan Darah",
	"golonganDarah":              "Golongan Darah",
	"golongan_darah":             "Golongan Darah",
	"rhesus_factor":              "Rhesus",
	"rhesus":                     "Rhesus",
	"drug_allergies":             "Alergi Obat",
	"alergiObat":                 "Alergi Obat",
	"alergi_obat":                "Alergi Obat",
	"food_allergies":             "Alergi Makanan",
	"alergiMakanan":              "Alergi Makanan",
	"alergi_makanan":             "Alergi Makanan",
	"other_allergies":            "Alergi Lain",
	"alergiLain":                 "Alergi Lain",
	"alergi_lingkungan":          "Alergi Lingkungan",
	"past_medical_history":       "Riwayat Penyakit Dahulu",
	"riwayatPenyakitDahulu":      "Riwayat Penyakit Dahulu",
	"detail_riwayat_penyakit":    "Riwayat Penyakit Dahulu",
	"family_medical_history":     "Riwayat Penyakit Keluarga",
	"riwayatPenyakitKeluarga":    "Riwayat Penyakit Keluarga",
	"riwayat_keluarga":           "Riwayat Penyakit Keluarga",
	"gravida_count":              "Gravida",
	"gravida":                    "Gravida",
	"para_count":                 "Para",
	"para":                       "Para",
	"abortus_count":              "Abortus",
	"abortus":                    "Abortus",
	"living_children_count":      "Anak Hidup",
	"anakHidup":                  "Anak Hidup",
	"anak_hidup":                 "Anak Hidup",
	"previous_contraception":     "Riwayat KB",
	"riwayatKB":                  "Riwayat KB",
	"metode_kb_terakhir":         "Riwayat KB",
	"pregnancy_history":          "Riwayat Kehamilan",
	"riwayatKehamilan":           "Riwayat Kehamilan",
	"riwayat_kehamilan_saat_ini": "Riwayat Kehamilan",
	"menarche_age":               "Usia Menarche",
	"menarche":                   "Usia Menarche",
	"usia_menarche":              "Usia Menarche",
	"cycle_length":               "Siklus Haid",
	"siklusHaid":                 "Siklus Haid",
	"lama_siklus":                "Lama Siklus",
	"cycle_regular":              "Keteraturan Siklus",
	"siklusTeratur":              "Keteraturan Siklus",
	"siklus_teratur":             "Keteraturan Siklus",
}

// FieldLabel returns the display label for key, or key itself.
func FieldLabel(key string) string {
	if l, ok := fieldLabels[key]; ok {
		return l
	}
	return key
}
