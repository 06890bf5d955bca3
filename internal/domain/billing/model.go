package billing

import (
	"time"
)

// Status is the billing lifecycle state. confirmed and paid are monotonic:
// the only way back from confirmed is an approved revision request.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusPaid      Status = "paid"
)

var validStatuses = map[Status]bool{
	StatusDraft: true, StatusConfirmed: true, StatusPaid: true,
}

func (s Status) Valid() bool { return validStatuses[s] }

type ItemType string

const (
	ItemTindakan ItemType = "tindakan"
	ItemObat     ItemType = "obat"
	ItemAdmin    ItemType = "admin"
)

var validItemTypes = map[ItemType]bool{
	ItemTindakan: true, ItemObat: true, ItemAdmin: true,
}

// AdminFee is the fixed price of an admin item.
const AdminFee float64 = 5000

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentQRIS     PaymentMethod = "qris"
	PaymentDebit    PaymentMethod = "debit"
	PaymentCredit   PaymentMethod = "credit"
)

var validPaymentMethods = map[PaymentMethod]bool{
	PaymentCash: true, PaymentTransfer: true, PaymentQRIS: true, PaymentDebit: true, PaymentCredit: true,
}

func (m PaymentMethod) Valid() bool { return validPaymentMethods[m] }

// Item maps to a sunday_clinic_billing_items row.
type Item struct {
	ID       int64          `json:"id,omitempty"`
	Type     ItemType       `json:"item_type"`
	Code     string         `json:"item_code,omitempty"`
	Name     string         `json:"item_name"`
	Quantity int            `json:"quantity"`
	Price    float64        `json:"price"`
	Total    float64        `json:"total"`
	Data     map[string]any `json:"item_data,omitempty"`
}

// ItemRef points at one stored item, by row id or by item code.
type ItemRef struct {
	ID   int64
	Code string
}

func (r ItemRef) matches(it Item) bool {
	if r.ID != 0 {
		return it.ID == r.ID
	}
	return r.Code != "" && it.Code == r.Code
}

// Billing is 1:1 with a private-clinic visit record.
type Billing struct {
	ID            int64         `json:"id,omitempty"`
	MrID          string        `json:"mr_id"`
	PatientName   string        `json:"patient_name,omitempty"`
	Status        Status        `json:"status"`
	Items         []Item        `json:"items"`
	Subtotal      float64       `json:"subtotal"`
	TotalAmount   float64       `json:"total"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	ConfirmedBy   string        `json:"confirmed_by,omitempty"`
	ConfirmedAt   *time.Time    `json:"confirmed_at,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
	UpdatedAt     *time.Time    `json:"updated_at,omitempty"`
}

// ItemsTotal sums the item totals.
func (b *Billing) ItemsTotal() float64 {
	var sum float64
	for _, it := range b.Items {
		sum += it.Total
	}
	return sum
}

// recompute refreshes per-item totals and the billing totals.
func (b *Billing) recompute() {
	for i := range b.Items {
		b.Items[i].Total = b.Items[i].Price * float64(b.Items[i].Quantity)
	}
	b.Subtotal = b.ItemsTotal()
	b.TotalAmount = b.Subtotal
}

// Clone returns a deep copy. Nil stays nil.
func (b *Billing) Clone() *Billing {
	if b == nil {
		return nil
	}
	out := *b
	if b.Items != nil {
		out.Items = make([]Item, len(b.Items))
		for i, it := range b.Items {
			out.Items[i] = it
			if it.Data != nil {
				out.Items[i].Data = make(map[string]any, len(it.Data))
				for k, v := range it.Data {
					out.Items[i].Data[k] = v
				}
			}
		}
	}
	out.ConfirmedAt = cloneTime(b.ConfirmedAt)
	out.PaidAt = cloneTime(b.PaidAt)
	out.CreatedAt = cloneTime(b.CreatedAt)
	out.UpdatedAt = cloneTime(b.UpdatedAt)
	return &out
}

type RevisionStatus string

const (
	RevisionPending  RevisionStatus = "pending"
	RevisionApproved RevisionStatus = "approved"
	RevisionRejected RevisionStatus = "rejected"
)

// RevisionRequest is staff asking a physician to reopen a confirmed
// billing. It is owned by the backend; this copy is a mirror.
type RevisionRequest struct {
	ID          string         `json:"id"`
	MrID        string         `json:"mr_id"`
	Message     string         `json:"message"`
	RequestedBy string         `json:"requested_by"`
	Status      RevisionStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

func (r *RevisionRequest) clone() *RevisionRequest {
	out := *r
	out.ResolvedAt = cloneTime(r.ResolvedAt)
	return &out
}

// Transition is one entry of the billing audit journal.
type Transition struct {
	MrID       string    `json:"mr_id"`
	Action     string    `json:"action"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	RevisionID string    `json:"revision_id,omitempty"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ActionConfirm         = "confirm"
	ActionMarkPaid        = "mark_paid"
	ActionRequestRevision = "request_revision"
	ActionApproveRevision = "approve_revision"
	ActionRejectRevision  = "reject_revision"
	ActionSaveItems       = "save_items"
	ActionRemoveItem      = "remove_item"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
