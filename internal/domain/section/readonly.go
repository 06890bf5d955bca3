package section

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
)

// identityHandler shows the derived patient identity. Identity is edited in
// patient registration, never here.
type identityHandler struct{}

func (identityHandler) Key() record.SectionKey { return record.SectionIdentity }
func (identityHandler) Kind() Kind             { return KindIdentity }

func (identityHandler) Render(st record.State) (View, error) {
	v := View{Key: record.SectionIdentity, Kind: KindIdentity, Title: record.SectionIdentity.Label()}
	d := st.Derived
	if d == nil {
		v.Notice = "Data pasien belum dimuat"
		return v, nil
	}
	v.Fields = []Field{
		{Name: "patient_name", Label: "Nama", Type: "text", Value: d.PatientName},
		{Name: "quick_id", Label: "No. RM", Type: "text", Value: d.QuickID},
		{Name: "mr_id", Label: "No. Kunjungan", Type: "text", Value: d.MrID},
		{Name: "category", Label: "Kategori", Type: "text", Value: d.CategoryLabel},
		{Name: "dob", Label: "Tanggal Lahir", Type: "date", Value: d.DOB},
		{Name: "phone", Label: "Telepon", Type: "text", Value: d.Phone},
	}
	if d.Age != nil {
		v.Fields = append(v.Fields, Field{Name: "age", Label: "Usia", Type: "number", Value: *d.Age})
	}
	if d.Category == record.Obstetric {
		if d.LMP != "" {
			v.Fields = append(v.Fields, Field{Name: "lmp", Label: "HPHT", Type: "date", Value: d.LMP})
		}
		if d.EDD != "" {
			v.Fields = append(v.Fields, Field{Name: "edd", Label: "HPL", Type: "date", Value: d.EDD})
		}
		if ga := d.GestationalAge; ga != nil {
			v.Fields = append(v.Fields, Field{Name: "gestational_age", Label: "Usia Kehamilan", Type: "text",
				Value: fmt.Sprintf("%d minggu %d hari", ga.Weeks, ga.Days)})
		}
	}
	if d.HighRisk {
		v.Notice = "Risiko tinggi: " + strings.Join(d.RiskFlags, ", ")
	}
	return v, nil
}

func (identityHandler) Save(context.Context, SaveRequest) (SaveResult, error) {
	return SaveResult{Persisted: false, Message: "Identitas pasien diubah melalui pendaftaran", SavedAt: time.Now().UTC()}, nil
}

// billingHandler renders the visit invoice. Billing changes go through the
// billing actions, not section saves.
type billingHandler struct{}

func (billingHandler) Key() record.SectionKey { return record.SectionBilling }
func (billingHandler) Kind() Kind             { return KindBilling }

func (billingHandler) Render(st record.State) (View, error) {
	v := View{Key: record.SectionBilling, Kind: KindBilling, Title: record.SectionBilling.Label()}
	b := st.Billing
	if b == nil {
		v.Notice = "Tagihan belum dibuat"
		return v, nil
	}
	v.Fields = []Field{
		{Name: "status", Label: "Status", Type: "text", Value: string(b.Status)},
		{Name: "subtotal", Label: "Subtotal", Type: "number", Value: b.Subtotal},
		{Name: "total", Label: "Total", Type: "number", Value: b.TotalAmount},
	}
	if b.PaymentMethod != "" {
		v.Fields = append(v.Fields, Field{Name: "payment_method", Label: "Metode Bayar", Type: "text", Value: string(b.PaymentMethod)})
	}
	items := make([]Field, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, Field{
			Name:  it.Code,
			Label: it.Name,
			Type:  string(it.Type),
			Value: map[string]any{"quantity": it.Quantity, "price": it.Price, "total": it.Total},
		})
	}
	v.Groups = []Group{{Key: "items", Title: "Rincian", Fields: items}}
	return v, nil
}

func (billingHandler) Save(context.Context, SaveRequest) (SaveResult, error) {
	return SaveResult{Persisted: false, Message: "Gunakan aksi tagihan untuk mengubah tagihan", SavedAt: time.Now().UTC()}, nil
}
