// Package editor holds the per-session section editing flow: one draft at a
// time, single-flight saves per section, and a full reload after each
// successful save.
package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/domain/section"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// RecordSource fetches the full record bundle for an MR id.
type RecordSource interface {
	GetRecord(ctx context.Context, mrID string, out any) error
}

// HandlerSource yields the handler for a section. It never fails.
type HandlerSource interface {
	Load(ctx context.Context, c record.Category, key record.SectionKey) section.Handler
}

// Publisher is the part of the bus the controller needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) int
}

// Draft is the unsaved form state of the active section.
type Draft struct {
	Key    record.SectionKey `json:"key"`
	Fields map[string]any    `json:"fields"`
}

// SaveOutcome reports a save. Skipped is set when another save of the same
// section was already running; nothing was sent in that case.
type SaveOutcome struct {
	Skipped   bool       `json:"skipped"`
	Persisted bool       `json:"persisted"`
	Message   string     `json:"message,omitempty"`
	SavedAt   *time.Time `json:"saved_at,omitempty"`
}

// Controller drives section rendering and saving for one editing session.
type Controller struct {
	store    *record.Store
	handlers HandlerSource
	records  RecordSource
	events   Publisher
	logger   zerolog.Logger

	saving *inFlight
	// reloads inside one session never interleave.
	reloadMu sync.Mutex

	mu    sync.Mutex
	draft *Draft
}

func NewController(store *record.Store, handlers HandlerSource, records RecordSource, events Publisher, logger zerolog.Logger) *Controller {
	return &Controller{
		store:    store,
		handlers: handlers,
		records:  records,
		events:   events,
		logger:   logger.With().Str("component", "editor").Logger(),
		saving:   newInFlight(),
	}
}

// -- Loading --

// Open fetches mrID and installs it in the store. A different record
// replaces the current one; any draft is dropped.
func (c *Controller) Open(ctx context.Context, mrID string) error {
	mrID = record.NormalizeMRID(mrID)
	if mrID == "" {
		return apperr.Precondition("editor.open", "Nomor rekam medis tidak boleh kosong")
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if c.store.GetState().CurrentMrID != mrID {
		c.DiscardDraft()
	}
	return c.fetch(ctx, mrID)
}

// Reload refetches the current record and replaces the snapshot.
func (c *Controller) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	mrID := c.store.GetState().CurrentMrID
	if mrID == "" {
		return apperr.Precondition("editor.reload", "Belum ada rekam medis yang dibuka")
	}
	return c.fetch(ctx, mrID)
}

func (c *Controller) fetch(ctx context.Context, mrID string) error {
	c.store.SetLoading(true)
	var b record.Bundle
	if err := c.records.GetRecord(ctx, mrID, &b); err != nil {
		c.store.SetError(apperr.Message(err))
		c.logger.Warn().Err(err).Str("mr_id", mrID).Msg("record fetch failed")
		return err
	}
	if err := c.store.LoadRecord(&b); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "editor.load", c.store.GetState().Error, err)
	}
	return nil
}

// -- Rendering and drafts --

// RenderSection makes key the active section and returns its view. Moving
// to another section drops the draft of the previous one.
func (c *Controller) RenderSection(ctx context.Context, key record.SectionKey) (section.View, error) {
	st := c.store.GetState()
	if st.Record == nil {
		return section.View{}, apperr.Precondition("editor.render", "Belum ada rekam medis yang dibuka")
	}
	if !key.LegalFor(st.Category) {
		return section.View{}, apperr.Invalid("editor.render",
			fmt.Sprintf("Bagian %s tidak tersedia untuk kategori %s", key, st.Category.Label()))
	}

	c.mu.Lock()
	if c.draft != nil && c.draft.Key != key {
		c.logger.Debug().Str("section", string(c.draft.Key)).Msg("discarding draft on section switch")
		c.draft = nil
	}
	draft := c.draftCopyLocked()
	c.mu.Unlock()

	if st.ActiveSection != key {
		c.store.SetActiveSection(key)
		st.ActiveSection = key
	}

	h := c.handlers.Load(ctx, st.Category, key)
	v, err := h.Render(st)
	if err != nil {
		return section.View{}, apperr.Wrap(apperr.KindPartialLoad, "editor.render",
			fmt.Sprintf("Bagian %s tidak dapat ditampilkan", key.Label()), err)
	}
	if draft != nil {
		overlay(&v, draft.Fields)
	}
	return v, nil
}

// overlay shows draft values in place of stored ones.
func overlay(v *section.View, fields map[string]any) {
	for i := range v.Fields {
		if val, ok := fields[v.Fields[i].Name]; ok {
			v.Fields[i].Value = val
		}
	}
	for gi := range v.Groups {
		groupVals, _ := fields[v.Groups[gi].Key].(map[string]any)
		for fi := range v.Groups[gi].Fields {
			if val, ok := groupVals[v.Groups[gi].Fields[fi].Name]; ok {
				v.Groups[gi].Fields[fi].Value = val
			}
		}
	}
}

// UpdateDraft merges fields into the draft of the active section.
func (c *Controller) UpdateDraft(key record.SectionKey, fields map[string]any) error {
	active := c.store.GetState().ActiveSection
	if active != key {
		return apperr.Precondition("editor.draft", "Buka bagian ini sebelum mengisi formulir")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draft == nil || c.draft.Key != key {
		c.draft = &Draft{Key: key, Fields: map[string]any{}}
	}
	for k, v := range record.CloneFields(fields) {
		c.draft.Fields[k] = v
	}
	return nil
}

// Draft returns a copy of the current draft, or nil.
func (c *Controller) Draft() *Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draftCopyLocked()
}

func (c *Controller) draftCopyLocked() *Draft {
	if c.draft == nil {
		return nil
	}
	return &Draft{Key: c.draft.Key, Fields: record.CloneFields(c.draft.Fields)}
}

func (c *Controller) DiscardDraft() {
	c.mu.Lock()
	c.draft = nil
	c.mu.Unlock()
}

// ForwardDraft writes the draft into the store without saving it and marks
// the section dirty. The draft is consumed.
func (c *Controller) ForwardDraft() error {
	c.mu.Lock()
	d := c.draft
	c.draft = nil
	c.mu.Unlock()
	if d == nil {
		return nil
	}

	st := c.store.GetState()
	current, _ := st.Record.Section(d.Key)
	merged := record.CloneFields(current.Fields)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range d.Fields {
		merged[k] = v
	}
	if err := c.store.PutSection(d.Key, record.SectionPayload{Fields: merged, SavedAt: current.SavedAt}); err != nil {
		return apperr.Wrap(apperr.KindInvalid, "editor.forward", "Draf tidak dapat disimpan sementara", err)
	}
	c.store.MarkSectionDirty(d.Key)
	return nil
}

// -- Saving --

// Saving reports whether a save of key is in flight.
func (c *Controller) Saving(key record.SectionKey) bool {
	return c.saving.busy(saveKey(key))
}

func saveKey(key record.SectionKey) string { return "save:" + string(key) }

// SaveSection persists one section. data nil means "save the draft, or the
// forwarded store payload". A save already running for the same section
// turns this call into a no-op with Skipped set.
func (c *Controller) SaveSection(ctx context.Context, key record.SectionKey, data map[string]any, actor auth.Actor) (SaveOutcome, error) {
	st := c.store.GetState()
	if st.CurrentMrID == "" || st.Record == nil {
		return SaveOutcome{}, apperr.Precondition("editor.save", "MR ID tidak ditemukan. Muat ulang rekam medis.")
	}
	if st.Record.PatientID == "" {
		return SaveOutcome{}, apperr.Precondition("editor.save", "Data pasien tidak ditemukan. Muat ulang rekam medis.")
	}
	if _, ok := auth.TokenFromContext(ctx); !ok {
		return SaveOutcome{}, apperr.Precondition("editor.save", "Sesi login tidak ditemukan. Silakan login kembali.")
	}
	if !key.LegalFor(st.Category) {
		return SaveOutcome{}, apperr.Invalid("editor.save",
			fmt.Sprintf("Bagian %s tidak tersedia untuk kategori %s", key, st.Category.Label()))
	}

	gk := saveKey(key)
	if !c.saving.acquire(gk) {
		c.logger.Debug().Str("section", string(key)).Msg("save already in flight, ignoring")
		return SaveOutcome{Skipped: true}, nil
	}
	defer c.saving.release(gk)

	if data == nil {
		data = c.pendingData(key, st)
	}

	h := c.handlers.Load(ctx, st.Category, key)
	res, err := h.Save(ctx, section.SaveRequest{
		MrID:      st.CurrentMrID,
		PatientID: st.Record.PatientID,
		Category:  st.Category,
		Key:       key,
		Data:      data,
		Actor:     actor,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("mr_id", st.CurrentMrID).Str("section", string(key)).Msg("section save failed")
		return SaveOutcome{}, err
	}
	if !res.Persisted {
		return SaveOutcome{Persisted: false, Message: res.Message}, nil
	}

	savedAt := res.SavedAt
	if err := c.store.PutSection(key, record.SectionPayload{Fields: data, SavedAt: &savedAt}); err != nil {
		c.logger.Warn().Err(err).Str("section", string(key)).Msg("saved section not applied locally")
	}
	c.store.MarkSectionClean(key)
	c.mu.Lock()
	if c.draft != nil && c.draft.Key == key {
		c.draft = nil
	}
	c.mu.Unlock()

	c.logger.Info().Str("mr_id", st.CurrentMrID).Str("section", string(key)).Msg("section saved")
	if c.events != nil {
		c.events.Publish(ctx, bus.NewEvent(bus.KindSectionSaved, bus.SectionSaved{
			MrID: st.CurrentMrID, SectionKey: string(key), SavedAt: savedAt,
		}))
	}

	// Reconcile server-side derived fields. The save itself already
	// succeeded, so a reload failure is reported through the store only.
	if err := c.Reload(ctx); err != nil {
		c.logger.Warn().Err(err).Str("mr_id", st.CurrentMrID).Msg("reload after save failed")
	}
	return SaveOutcome{Persisted: true, Message: res.Message, SavedAt: &savedAt}, nil
}

func (c *Controller) pendingData(key record.SectionKey, st record.State) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draft != nil && c.draft.Key == key {
		current, _ := st.Record.Section(key)
		merged := record.CloneFields(current.Fields)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range c.draft.Fields {
			merged[k] = v
		}
		return merged
	}
	current, _ := st.Record.Section(key)
	if current.Fields == nil {
		return map[string]any{}
	}
	return record.CloneFields(current.Fields)
}
