package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// Backend is the subset of the backend client the remote repository uses.
type Backend interface {
	GetBilling(ctx context.Context, mrID string, out any) error
	ConfirmBilling(ctx context.Context, mrID string, out any) (string, error)
	MarkPaid(ctx context.Context, mrID, method string, out any) (string, error)
	RequestRevision(ctx context.Context, mrID, message string, out any) (string, error)
	ListRevisions(ctx context.Context, mrID string, out any) error
	ApproveRevision(ctx context.Context, revisionID string, out any) (string, error)
	RejectRevision(ctx context.Context, revisionID, reason string, out any) (string, error)
	GetRevision(ctx context.Context, revisionID string, out any) error
	SaveBillingItems(ctx context.Context, mrID string, items any, out any) (string, error)
	DeleteBillingItemByCode(ctx context.Context, mrID, code string) (string, error)
	DeleteBillingItemByID(ctx context.Context, mrID string, id int64) (string, error)
}

type remoteRepo struct{ api Backend }

func NewRemoteRepo(api Backend) Repository { return &remoteRepo{api: api} }

// wireID accepts both numeric and string ids.
type wireID string

func (id *wireID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*id = wireID(s)
	return nil
}

type wireItem struct {
	ID       wireID         `json:"id"`
	Type     ItemType       `json:"item_type"`
	Code     string         `json:"item_code"`
	Name     string         `json:"item_name"`
	Quantity json.Number    `json:"quantity"`
	Price    json.Number    `json:"price"`
	Total    json.Number    `json:"total"`
	Data     map[string]any `json:"item_data"`
}

type wireBilling struct {
	ID            wireID        `json:"id"`
	MrID          string        `json:"mr_id"`
	PatientName   string        `json:"patient_name"`
	Status        Status        `json:"status"`
	Items         []wireItem    `json:"items"`
	Subtotal      json.Number   `json:"subtotal"`
	Total         json.Number   `json:"total"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	ConfirmedBy   string        `json:"confirmed_by"`
	ConfirmedAt   *time.Time    `json:"confirmed_at"`
	PaidAt        *time.Time    `json:"paid_at"`
	CreatedAt     *time.Time    `json:"created_at"`
	UpdatedAt     *time.Time    `json:"updated_at"`
}

type wireRevision struct {
	ID          wireID         `json:"id"`
	MrID        string         `json:"mr_id"`
	Message     string         `json:"message"`
	RequestedBy string         `json:"requested_by"`
	Status      RevisionStatus `json:"status"`
	CreatedAt   *time.Time     `json:"created_at"`
	ResolvedBy  string         `json:"resolved_by"`
	ResolvedAt  *time.Time     `json:"resolved_at"`
}

func (id wireID) int64() int64 {
	n, _ := strconv.ParseInt(string(id), 10, 64)
	return n
}

func number(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func (w *wireBilling) toModel() *Billing {
	b := &Billing{
		MrID:          w.MrID,
		PatientName:   w.PatientName,
		Status:        w.Status,
		Subtotal:      number(w.Subtotal),
		TotalAmount:   number(w.Total),
		PaymentMethod: w.PaymentMethod,
		ConfirmedBy:   w.ConfirmedBy,
		ConfirmedAt:   w.ConfirmedAt,
		PaidAt:        w.PaidAt,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	b.ID = w.ID.int64()
	if b.Status == "" {
		b.Status = StatusDraft
	}
	b.Items = make([]Item, 0, len(w.Items))
	for _, wi := range w.Items {
		it := Item{
			Type:     wi.Type,
			Code:     wi.Code,
			Name:     wi.Name,
			Quantity: int(number(wi.Quantity)),
			Price:    number(wi.Price),
			Total:    number(wi.Total),
			Data:     wi.Data,
		}
		it.ID = wi.ID.int64()
		if it.Total == 0 && it.Price != 0 {
			it.Total = it.Price * float64(it.Quantity)
		}
		b.Items = append(b.Items, it)
	}
	if b.TotalAmount == 0 {
		b.TotalAmount = b.ItemsTotal()
	}
	return b
}

func (w *wireRevision) toModel() *RevisionRequest {
	if w == nil || w.ID == "" {
		return nil
	}
	r := &RevisionRequest{
		ID:          string(w.ID),
		MrID:        w.MrID,
		Message:     w.Message,
		RequestedBy: w.RequestedBy,
		Status:      w.Status,
		ResolvedBy:  w.ResolvedBy,
		ResolvedAt:  w.ResolvedAt,
	}
	if w.CreatedAt != nil {
		r.CreatedAt = *w.CreatedAt
	}
	return r
}

func (r *remoteRepo) Get(ctx context.Context, mrID string) (*Billing, error) {
	var w wireBilling
	if err := r.api.GetBilling(ctx, mrID, &w); err != nil {
		return nil, err
	}
	if w.MrID == "" {
		w.MrID = mrID
	}
	return w.toModel(), nil
}

func (r *remoteRepo) Confirm(ctx context.Context, mrID string) (string, error) {
	return r.api.ConfirmBilling(ctx, mrID, nil)
}

func (r *remoteRepo) MarkPaid(ctx context.Context, mrID string, method PaymentMethod) (string, error) {
	return r.api.MarkPaid(ctx, mrID, string(method), nil)
}

func (r *remoteRepo) RequestRevision(ctx context.Context, mrID, message string) (*RevisionRequest, string, error) {
	var w wireRevision
	msg, err := r.api.RequestRevision(ctx, mrID, message, &w)
	if err != nil {
		return nil, "", err
	}
	return w.toModel(), msg, nil
}

func (r *remoteRepo) ListRevisions(ctx context.Context, mrID string) ([]*RevisionRequest, error) {
	var ws []wireRevision
	if err := r.api.ListRevisions(ctx, mrID, &ws); err != nil {
		return nil, err
	}
	out := make([]*RevisionRequest, 0, len(ws))
	for i := range ws {
		if rev := ws[i].toModel(); rev != nil {
			if rev.MrID == "" {
				rev.MrID = mrID
			}
			out = append(out, rev)
		}
	}
	return out, nil
}

func (r *remoteRepo) ApproveRevision(ctx context.Context, revisionID string) (*RevisionRequest, string, error) {
	var w wireRevision
	msg, err := r.api.ApproveRevision(ctx, revisionID, &w)
	if err != nil {
		return nil, "", err
	}
	return w.toModel(), msg, nil
}

func (r *remoteRepo) RejectRevision(ctx context.Context, revisionID, reason string) (*RevisionRequest, string, error) {
	var w wireRevision
	msg, err := r.api.RejectRevision(ctx, revisionID, reason, &w)
	if err != nil {
		return nil, "", err
	}
	return w.toModel(), msg, nil
}

func (r *remoteRepo) GetRevision(ctx context.Context, revisionID string) (*RevisionRequest, error) {
	var w wireRevision
	if err := r.api.GetRevision(ctx, revisionID, &w); err != nil {
		return nil, err
	}
	rev := w.toModel()
	if rev == nil {
		return nil, apperr.NotFound("billing.getRevision", "Permintaan perubahan tidak ditemukan")
	}
	return rev, nil
}

// saveItem is the body shape the backend takes for POST billing/:mrId.
type saveItem struct {
	Type     ItemType       `json:"item_type"`
	Code     string         `json:"item_code,omitempty"`
	Name     string         `json:"item_name"`
	Quantity int            `json:"quantity"`
	Price    float64        `json:"price"`
	Data     map[string]any `json:"item_data,omitempty"`
}

func (r *remoteRepo) SaveItems(ctx context.Context, mrID string, items []Item) (string, error) {
	body := make([]saveItem, 0, len(items))
	for _, it := range items {
		body = append(body, saveItem{
			Type: it.Type, Code: it.Code, Name: it.Name,
			Quantity: it.Quantity, Price: it.Price, Data: it.Data,
		})
	}
	return r.api.SaveBillingItems(ctx, mrID, body, nil)
}

func (r *remoteRepo) RemoveItem(ctx context.Context, mrID string, ref ItemRef) (string, error) {
	switch {
	case ref.ID != 0:
		return r.api.DeleteBillingItemByID(ctx, mrID, ref.ID)
	case ref.Code != "":
		return r.api.DeleteBillingItemByCode(ctx, mrID, ref.Code)
	}
	return "", apperr.Invalid("billing.removeItem", fmt.Sprintf("Item tagihan %s tidak dikenali", mrID))
}
