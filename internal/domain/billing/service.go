package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// Publisher is the part of the bus the service needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) int
}

// Service runs the billing lifecycle: draft -> confirmed -> paid, with
// revision requests as the only way from confirmed back to draft. The
// backend of record owns the data; the service keeps a mirror of what it
// has seen so repeated resolutions stay idempotent.
type Service struct {
	repo    Repository
	journal Journal
	events  Publisher
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	billings  map[string]*Billing
	revisions map[string]*RevisionRequest
	resolving singleflight.Group
}

func NewService(repo Repository, events Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		events:    events,
		logger:    logger.With().Str("component", "billing").Logger(),
		now:       time.Now,
		billings:  make(map[string]*Billing),
		revisions: make(map[string]*RevisionRequest),
	}
}

// SetJournal attaches an optional audit journal.
func (s *Service) SetJournal(j Journal) { s.journal = j }

// Journal returns the audit journal (may be nil).
func (s *Service) Journal() Journal { return s.journal }

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Billing --

// Get fetches the billing from the backend and refreshes the mirror.
func (s *Service) Get(ctx context.Context, mrID string) (*Billing, error) {
	mrID = strings.ToUpper(strings.TrimSpace(mrID))
	if mrID == "" {
		return nil, apperr.Precondition("billing.get", "Nomor rekam medis tidak boleh kosong")
	}
	b, err := s.repo.Get(ctx, mrID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Valid() {
		return nil, apperr.Invalid("billing.get", fmt.Sprintf("Status tagihan tidak dikenal: %s", b.Status))
	}
	s.mu.Lock()
	s.billings[mrID] = b.Clone()
	s.mu.Unlock()
	return b, nil
}

// Confirm moves a draft billing to confirmed. Physician only; a billing
// without items cannot be confirmed.
func (s *Service) Confirm(ctx context.Context, mrID string, actor auth.Actor) (*Billing, string, error) {
	if !actor.IsPhysician() {
		return nil, "", apperr.Forbidden("billing.confirm", "Hanya dokter yang dapat mengkonfirmasi tagihan")
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusDraft {
		return nil, "", apperr.Transition("billing.confirm",
			fmt.Sprintf("Tagihan berstatus %s tidak dapat dikonfirmasi", b.Status))
	}
	if len(b.Items) == 0 {
		return nil, "", apperr.Transition("billing.confirm", "Tagihan belum memiliki item")
	}

	msg, err := s.repo.Confirm(ctx, b.MrID)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	b.Status = StatusConfirmed
	b.ConfirmedBy = actor.DisplayName()
	b.ConfirmedAt = &now
	b.UpdatedAt = &now
	s.store(b)

	s.record(ctx, &Transition{
		MrID: b.MrID, Action: ActionConfirm, FromStatus: StatusDraft, ToStatus: StatusConfirmed,
		Actor: actor.DisplayName(), OccurredAt: now,
	})
	s.publish(ctx, bus.KindBillingConfirmed, bus.BillingConfirmed{
		MrID: b.MrID, PatientName: b.PatientName, DoctorName: actor.DisplayName(),
	})
	if msg == "" {
		msg = "Billing berhasil dikonfirmasi"
	}
	return b, msg, nil
}

// MarkPaid moves a confirmed billing to paid. Items are never touched.
func (s *Service) MarkPaid(ctx context.Context, mrID string, method PaymentMethod, actor auth.Actor) (*Billing, string, error) {
	method = PaymentMethod(strings.ToLower(strings.TrimSpace(string(method))))
	if !method.Valid() {
		return nil, "", apperr.Invalid("billing.markPaid", fmt.Sprintf("Metode pembayaran tidak valid: %s", method))
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return nil, "", err
	}
	switch b.Status {
	case StatusConfirmed:
	case StatusDraft:
		return nil, "", apperr.Transition("billing.markPaid", "Tagihan harus dikonfirmasi dokter sebelum dibayar")
	default:
		return nil, "", apperr.Transition("billing.markPaid", "Tagihan sudah lunas")
	}
	revs, err := s.ListRevisions(ctx, b.MrID)
	if err != nil {
		return nil, "", err
	}
	for _, r := range revs {
		if r.Status == RevisionPending {
			return nil, "", apperr.Transition("billing.markPaid",
				"Tagihan sedang menunggu keputusan perubahan dari dokter")
		}
	}

	msg, err := s.repo.MarkPaid(ctx, b.MrID, method)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	b.Status = StatusPaid
	b.PaymentMethod = method
	b.PaidAt = &now
	b.UpdatedAt = &now
	s.store(b)

	s.record(ctx, &Transition{
		MrID: b.MrID, Action: ActionMarkPaid, FromStatus: StatusConfirmed, ToStatus: StatusPaid,
		Actor: actor.DisplayName(), Detail: string(method), OccurredAt: now,
	})
	s.publish(ctx, bus.KindBillingPaid, bus.BillingPaid{MrID: b.MrID, Method: string(method)})
	if msg == "" {
		msg = "Pembayaran berhasil dicatat"
	}
	return b, msg, nil
}

// -- Revisions --

// RequestRevision asks a physician to reopen a confirmed billing. Staff
// only; revision_requested is published once per created request.
func (s *Service) RequestRevision(ctx context.Context, mrID, message string, actor auth.Actor) (*RevisionRequest, string, error) {
	if actor.IsPhysician() {
		return nil, "", apperr.Forbidden("billing.requestRevision", "Dokter tidak perlu mengajukan perubahan tagihan")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, "", apperr.Invalid("billing.requestRevision", "Alasan perubahan wajib diisi")
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusConfirmed {
		return nil, "", apperr.Transition("billing.requestRevision",
			"Perubahan hanya dapat diajukan untuk tagihan yang sudah dikonfirmasi")
	}

	rev, msg, err := s.repo.RequestRevision(ctx, b.MrID, message)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	if rev == nil {
		rev = &RevisionRequest{ID: uuid.NewString()}
	}
	rev.MrID = b.MrID
	rev.Message = message
	rev.RequestedBy = actor.DisplayName()
	rev.Status = RevisionPending
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = now
	}

	s.mu.Lock()
	s.revisions[rev.ID] = rev.clone()
	s.mu.Unlock()

	s.record(ctx, &Transition{
		MrID: b.MrID, Action: ActionRequestRevision, RevisionID: rev.ID,
		Actor: actor.DisplayName(), Detail: message, OccurredAt: now,
	})
	s.publish(ctx, bus.KindRevisionRequested, bus.RevisionRequested{
		RevisionID: rev.ID, MrID: b.MrID, PatientName: b.PatientName,
		Message: message, RequestedBy: rev.RequestedBy,
	})
	if msg == "" {
		msg = "Perubahan berhasil diajukan. Menunggu konfirmasi dokter."
	}
	return rev, msg, nil
}

// ListRevisions returns the revision requests of one billing, newest first
// as the backend orders them.
func (s *Service) ListRevisions(ctx context.Context, mrID string) ([]*RevisionRequest, error) {
	revs, err := s.repo.ListRevisions(ctx, strings.ToUpper(strings.TrimSpace(mrID)))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RevisionRequest, 0, len(revs))
	for _, r := range revs {
		// A resolution seen locally wins over a stale pending row.
		if known, ok := s.revisions[r.ID]; ok && known.Status != RevisionPending && r.Status == RevisionPending {
			r = known.clone()
		}
		s.revisions[r.ID] = r.clone()
		out = append(out, r)
	}
	return out, nil
}

// ApproveRevision resolves a pending request as approved and forces the
// billing back to draft. Only a confirmed billing can be reopened.
// Approving an already approved request is a no-op.
func (s *Service) ApproveRevision(ctx context.Context, revisionID string, actor auth.Actor) (*RevisionRequest, string, error) {
	return s.resolve(ctx, revisionID, RevisionApproved, "", actor)
}

// RejectRevision resolves a pending request as rejected; the billing stays
// confirmed. Rejecting an already rejected request is a no-op.
func (s *Service) RejectRevision(ctx context.Context, revisionID, reason string, actor auth.Actor) (*RevisionRequest, string, error) {
	return s.resolve(ctx, revisionID, RevisionRejected, reason, actor)
}

type resolution struct {
	rev *RevisionRequest
	msg string
}

func (s *Service) resolve(ctx context.Context, revisionID string, to RevisionStatus, reason string, actor auth.Actor) (*RevisionRequest, string, error) {
	op := "billing.approveRevision"
	if to == RevisionRejected {
		op = "billing.rejectRevision"
	}
	if !actor.IsPhysician() {
		return nil, "", apperr.Forbidden(op, "Hanya dokter yang dapat memutuskan perubahan tagihan")
	}
	revisionID = strings.TrimSpace(revisionID)
	if revisionID == "" {
		return nil, "", apperr.Precondition(op, "ID permintaan perubahan tidak boleh kosong")
	}

	// Concurrent resolutions of one id share a single backend call.
	v, err, _ := s.resolving.Do(string(to)+":"+revisionID, func() (any, error) {
		known, err := s.currentRevision(ctx, revisionID)
		if err != nil {
			return nil, err
		}
		switch known.Status {
		case to:
			return resolution{rev: known, msg: alreadyResolved(to)}, nil
		case RevisionApproved, RevisionRejected:
			return nil, apperr.Transition(op,
				fmt.Sprintf("Permintaan perubahan sudah %s", resolvedWord(known.Status)))
		}
		if to == RevisionApproved {
			if err := s.checkReopenable(ctx, op, known.MrID); err != nil {
				return nil, err
			}
		}
		return s.doResolve(ctx, op, revisionID, to, reason, actor)
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(resolution)
	return r.rev.clone(), r.msg, nil
}

// currentRevision returns the mirrored request when it is already resolved,
// otherwise the backend's view of it. Another instance may have resolved a
// request this process still holds as pending.
func (s *Service) currentRevision(ctx context.Context, revisionID string) (*RevisionRequest, error) {
	known := s.revision(revisionID)
	if known != nil && known.Status != RevisionPending {
		return known, nil
	}
	rev, err := s.repo.GetRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if rev.MrID == "" && known != nil {
		rev.MrID = known.MrID
	}
	s.mu.Lock()
	s.revisions[revisionID] = rev.clone()
	s.mu.Unlock()
	return rev, nil
}

// checkReopenable refuses to approve a revision unless the billing is
// confirmed. A paid billing never goes back to draft.
func (s *Service) checkReopenable(ctx context.Context, op, mrID string) error {
	if mrID == "" {
		return apperr.Invalid(op, "Tagihan untuk permintaan perubahan ini tidak diketahui")
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return err
	}
	if b.Status != StatusConfirmed {
		return apperr.Transition(op,
			fmt.Sprintf("Tagihan berstatus %s tidak dapat dikembalikan ke draft", b.Status))
	}
	return nil
}

func (s *Service) doResolve(ctx context.Context, op, revisionID string, to RevisionStatus, reason string, actor auth.Actor) (resolution, error) {
	var (
		rev *RevisionRequest
		msg string
		err error
	)
	if to == RevisionApproved {
		rev, msg, err = s.repo.ApproveRevision(ctx, revisionID)
	} else {
		rev, msg, err = s.repo.RejectRevision(ctx, revisionID, reason)
	}
	if err != nil {
		return resolution{}, err
	}

	now := s.now().UTC()
	if known := s.revision(revisionID); known != nil {
		if rev == nil {
			rev = known
		} else if rev.MrID == "" {
			rev.MrID = known.MrID
		}
	}
	if rev == nil {
		rev = &RevisionRequest{ID: revisionID}
	}
	rev.ID = revisionID
	rev.Status = to
	rev.ResolvedBy = actor.DisplayName()
	rev.ResolvedAt = &now

	s.mu.Lock()
	s.revisions[revisionID] = rev.clone()
	var from Status
	if to == RevisionApproved && rev.MrID != "" {
		if b, ok := s.billings[rev.MrID]; ok {
			from = b.Status
			b.Status = StatusDraft
			b.ConfirmedAt = nil
			b.ConfirmedBy = ""
			b.UpdatedAt = &now
		}
	}
	s.mu.Unlock()

	t := &Transition{
		MrID: rev.MrID, Action: ActionRejectRevision, RevisionID: revisionID,
		Actor: actor.DisplayName(), Detail: reason, OccurredAt: now,
	}
	if to == RevisionApproved {
		t.Action = ActionApproveRevision
		t.FromStatus = from
		t.ToStatus = StatusDraft
	}
	s.record(ctx, t)
	s.publish(ctx, bus.KindRevisionResolved, bus.RevisionResolved{
		RevisionID: revisionID, MrID: rev.MrID, Status: string(to), ResolvedBy: actor.DisplayName(),
	})

	if msg == "" {
		if to == RevisionApproved {
			msg = "Perubahan disetujui. Tagihan kembali ke draft."
		} else {
			msg = "Permintaan perubahan ditolak"
		}
	}
	s.logger.Info().Str("revision_id", revisionID).Str("mr_id", rev.MrID).Str("status", string(to)).
		Str("op", op).Msg("revision resolved")
	return resolution{rev: rev, msg: msg}, nil
}

// HandleResolved mirrors a revision_resolved event, local or relayed from
// another instance, so later resolutions of the same request stay no-ops.
func (s *Service) HandleResolved(_ context.Context, ev bus.Event) error {
	var p bus.RevisionResolved
	switch v := ev.Payload.(type) {
	case bus.RevisionResolved:
		p = v
	case *bus.RevisionResolved:
		if v == nil {
			return nil
		}
		p = *v
	default:
		return nil
	}
	to := RevisionStatus(p.Status)
	if p.RevisionID == "" || (to != RevisionApproved && to != RevisionRejected) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revisions[p.RevisionID]
	if !ok {
		rev = &RevisionRequest{ID: p.RevisionID, MrID: p.MrID}
		s.revisions[p.RevisionID] = rev
	}
	if rev.Status == to {
		return nil
	}
	if rev.MrID == "" {
		rev.MrID = p.MrID
	}
	rev.Status = to
	rev.ResolvedBy = p.ResolvedBy
	if to == RevisionApproved {
		if b, ok := s.billings[rev.MrID]; ok && b.Status == StatusConfirmed {
			b.Status = StatusDraft
			b.ConfirmedAt = nil
			b.ConfirmedBy = ""
		}
	}
	return nil
}

// -- Items --

// SaveItems merges items into a draft billing. An item with the same type
// and code as an existing one replaces it. Totals are recomputed.
func (s *Service) SaveItems(ctx context.Context, mrID string, items []Item, actor auth.Actor) (*Billing, string, error) {
	const op = "billing.saveItems"
	if len(items) == 0 {
		return nil, "", apperr.Invalid(op, "Tidak ada item yang disimpan")
	}
	for i := range items {
		if err := normalizeItem(op, &items[i]); err != nil {
			return nil, "", err
		}
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusDraft {
		return nil, "", apperr.Transition(op,
			fmt.Sprintf("Item tagihan berstatus %s tidak dapat diubah", b.Status))
	}

	for _, it := range items {
		replaced := false
		for i, cur := range b.Items {
			if it.Code != "" && cur.Type == it.Type && cur.Code == it.Code {
				it.ID = cur.ID
				b.Items[i] = it
				replaced = true
				break
			}
		}
		if !replaced {
			b.Items = append(b.Items, it)
		}
	}
	b.recompute()

	msg, err := s.repo.SaveItems(ctx, b.MrID, b.Items)
	if err != nil {
		return nil, "", err
	}
	b = s.reload(ctx, b)

	s.record(ctx, &Transition{
		MrID: b.MrID, Action: ActionSaveItems, Actor: actor.DisplayName(),
		Detail: fmt.Sprintf("%d item", len(items)), OccurredAt: s.now().UTC(),
	})
	if msg == "" {
		msg = "Item tagihan berhasil disimpan"
	}
	return b, msg, nil
}

// RemoveItem deletes one item from a draft billing.
func (s *Service) RemoveItem(ctx context.Context, mrID string, ref ItemRef, actor auth.Actor) (*Billing, string, error) {
	const op = "billing.removeItem"
	ref.Code = strings.TrimSpace(ref.Code)
	if ref.ID == 0 && ref.Code == "" {
		return nil, "", apperr.Invalid(op, "Item tagihan tidak disebutkan")
	}
	b, err := s.Get(ctx, mrID)
	if err != nil {
		return nil, "", err
	}
	if b.Status != StatusDraft {
		return nil, "", apperr.Transition(op,
			fmt.Sprintf("Item tagihan berstatus %s tidak dapat diubah", b.Status))
	}
	kept := b.Items[:0]
	var removed *Item
	for _, it := range b.Items {
		if removed == nil && ref.matches(it) {
			removed = &it
			continue
		}
		kept = append(kept, it)
	}
	if removed == nil {
		return nil, "", apperr.NotFound(op, "Item tagihan tidak ditemukan")
	}
	b.Items = kept
	b.recompute()

	msg, err := s.repo.RemoveItem(ctx, b.MrID, ref)
	if err != nil {
		return nil, "", err
	}
	b = s.reload(ctx, b)

	s.record(ctx, &Transition{
		MrID: b.MrID, Action: ActionRemoveItem, Actor: actor.DisplayName(),
		Detail: removed.Name, OccurredAt: s.now().UTC(),
	})
	if msg == "" {
		msg = "Item tagihan berhasil dihapus"
	}
	return b, msg, nil
}

// reload re-reads the billing after an item write so backend pricing wins.
// When the read fails the locally recomputed billing is kept.
func (s *Service) reload(ctx context.Context, local *Billing) *Billing {
	b, err := s.Get(ctx, local.MrID)
	if err != nil {
		s.logger.Warn().Err(err).Str("mr_id", local.MrID).Msg("billing reload after item write failed")
		s.store(local)
		return local
	}
	return b
}

func normalizeItem(op string, it *Item) error {
	it.Type = ItemType(strings.ToLower(strings.TrimSpace(string(it.Type))))
	it.Code = strings.TrimSpace(it.Code)
	it.Name = strings.TrimSpace(it.Name)
	if !validItemTypes[it.Type] {
		return apperr.Invalid(op, fmt.Sprintf("Jenis item tidak valid: %s", it.Type))
	}
	if it.Name == "" {
		return apperr.Invalid(op, "Nama item wajib diisi")
	}
	if it.Quantity <= 0 {
		return apperr.Invalid(op, fmt.Sprintf("Jumlah %s harus lebih dari 0", it.Name))
	}
	if it.Price < 0 {
		return apperr.Invalid(op, fmt.Sprintf("Harga %s tidak boleh negatif", it.Name))
	}
	if it.Type == ItemAdmin {
		it.Price = AdminFee
	}
	it.ID = 0
	it.Total = it.Price * float64(it.Quantity)
	return nil
}

// Revision returns the mirrored revision request, or nil.
func (s *Service) Revision(revisionID string) *RevisionRequest {
	return s.revision(revisionID)
}

// Cached returns the last billing snapshot seen for mrID, or nil.
func (s *Service) Cached(mrID string) *Billing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.billings[strings.ToUpper(mrID)].Clone()
}

func (s *Service) revision(id string) *RevisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.revisions[id]; ok {
		return r.clone()
	}
	return nil
}

func (s *Service) store(b *Billing) {
	s.mu.Lock()
	s.billings[b.MrID] = b.Clone()
	s.mu.Unlock()
}

// record appends to the journal. Journal failures never fail the
// transition.
func (s *Service) record(ctx context.Context, t *Transition) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, t); err != nil {
		s.logger.Error().Err(err).Str("mr_id", t.MrID).Str("action", t.Action).Msg("billing journal write failed")
	}
}

func (s *Service) publish(ctx context.Context, kind bus.Kind, payload any) {
	if s.events == nil {
		return
	}
	n := s.events.Publish(ctx, bus.NewEvent(kind, payload))
	s.logger.Debug().Str("kind", string(kind)).Int("handlers", n).Msg("billing event published")
}

func alreadyResolved(to RevisionStatus) string {
	if to == RevisionApproved {
		return "Permintaan perubahan sudah disetujui"
	}
	return "Permintaan perubahan sudah ditolak"
}

func resolvedWord(st RevisionStatus) string {
	if st == RevisionApproved {
		return "disetujui"
	}
	return "ditolak"
}
