// Package session owns the per-user editing sessions of the clinic server.
// Each session holds its own record store and section controller; the bus,
// registry and billing service are shared across sessions.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/domain/billing"
	"github.com/dibya/sundayclinic/internal/domain/editor"
	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// BillingSource fetches the billing shown alongside a record.
type BillingSource interface {
	Get(ctx context.Context, mrID string) (*billing.Billing, error)
}

// Deps are the process-wide collaborators every session is built from.
type Deps struct {
	Handlers    editor.HandlerSource
	Records     editor.RecordSource
	Billing     BillingSource
	Events      *bus.Bus
	Inbox       billing.Inbox
	ReloadDelay time.Duration
}

// Session is one staff user's view of one visit.
type Session struct {
	ID        string
	Owner     auth.Actor
	CreatedAt time.Time

	token    string
	store    *record.Store
	editor   *editor.Controller
	listener *billing.ConfirmationListener
	prompt   *billing.ApprovalPrompt
	subs     []bus.Token

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) Store() *record.Store            { return s.store }
func (s *Session) Editor() *editor.Controller      { return s.editor }
func (s *Session) Prompt() *billing.ApprovalPrompt { return s.prompt }

// Bind returns ctx carrying the owner's identity and bearer token, for work
// that runs outside the owner's request.
func (s *Session) Bind(ctx context.Context) context.Context {
	ctx = auth.WithActor(ctx, s.Owner)
	if s.token != "" {
		ctx = auth.WithToken(ctx, s.token)
	}
	return ctx
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen is the time of the last owner request.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Info is the listing form of a session.
type Info struct {
	ID        string     `json:"id"`
	Owner     auth.Actor `json:"owner"`
	MrID      string     `json:"mr_id"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  time.Time  `json:"last_seen"`
}

func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		Owner:     s.Owner,
		MrID:      s.store.GetState().CurrentMrID,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.LastSeen(),
	}
}

// Manager creates, looks up and tears down sessions.
type Manager struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps, logger zerolog.Logger) *Manager {
	return &Manager{
		deps:     deps,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open loads mrID into a fresh session owned by actor. The caller's bearer
// token is kept for reloads triggered by bus events. Nothing is registered
// when the record cannot be loaded.
func (m *Manager) Open(ctx context.Context, actor auth.Actor, mrID string) (*Session, error) {
	if actor.ID == "" {
		return nil, apperr.Precondition("session.open", "Sesi login tidak ditemukan. Silakan login kembali.")
	}
	token, _ := auth.TokenFromContext(ctx)
	now := m.now()

	s := &Session{
		ID:        uuid.NewString(),
		Owner:     actor,
		CreatedAt: now,
		token:     token,
		store:     record.NewStore(m.logger),
		lastSeen:  now,
	}
	s.editor = editor.NewController(s.store, m.deps.Handlers, m.deps.Records, m.deps.Events, m.logger)

	ctx = s.Bind(ctx)
	if err := s.editor.Open(ctx, mrID); err != nil {
		return nil, err
	}
	m.refreshBilling(ctx, s)
	m.attach(s)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info().Str("session_id", s.ID).Str("user_id", actor.ID).
		Str("mr_id", s.store.GetState().CurrentMrID).Msg("session opened")
	return s, nil
}

// attach subscribes the role-specific billing consumers of s.
func (m *Manager) attach(s *Session) {
	if m.deps.Events == nil {
		return
	}
	if s.Owner.IsPhysician() {
		s.prompt = billing.NewApprovalPrompt(s.Owner, func(r bus.RevisionRequested) {
			m.logger.Info().Str("session_id", s.ID).Str("revision_id", r.RevisionID).
				Str("mr_id", r.MrID).Msg("revision approval prompt opened")
		}, m.logger)
		s.subs = append(s.subs,
			m.deps.Events.Subscribe(bus.KindRevisionRequested, s.prompt.HandleRequested),
			m.deps.Events.Subscribe(bus.KindRevisionResolved, s.prompt.HandleResolved),
		)
		return
	}

	s.listener = billing.NewConfirmationListener(s.Owner, m.deps.Inbox,
		func() string { return s.store.GetState().CurrentMrID },
		func(ctx context.Context) error { return m.reload(ctx, s) },
		m.deps.ReloadDelay, m.logger)
	s.subs = append(s.subs, m.deps.Events.Subscribe(bus.KindBillingConfirmed, s.listener.Handle))
}

// reload refetches the record and its billing on behalf of the owner.
func (m *Manager) reload(ctx context.Context, s *Session) error {
	ctx = s.Bind(ctx)
	if err := s.editor.Reload(ctx); err != nil {
		return err
	}
	m.refreshBilling(ctx, s)
	return nil
}

func (m *Manager) refreshBilling(ctx context.Context, s *Session) {
	if m.deps.Billing == nil {
		return
	}
	mrID := s.store.GetState().CurrentMrID
	b, err := m.deps.Billing.Get(ctx, mrID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			m.logger.Warn().Err(err).Str("mr_id", mrID).Msg("billing not loaded for session")
		}
		return
	}
	s.store.SetBilling(b)
}

// Reload is the explicit refresh requested by the owner.
func (m *Manager) Reload(ctx context.Context, s *Session) error {
	return m.reload(ctx, s)
}

// Get returns session id for actor. Sessions are private to their owner.
func (m *Manager) Get(id string, actor auth.Actor) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("session.get", "Sesi tidak ditemukan atau sudah ditutup")
	}
	if s.Owner.ID != actor.ID {
		return nil, apperr.Forbidden("session.get", "Sesi ini milik pengguna lain")
	}
	s.touch(m.now())
	return s, nil
}

// List returns the sessions of actor, newest first.
func (m *Manager) List(actor auth.Actor) []Info {
	m.mu.RLock()
	out := make([]Info, 0)
	for _, s := range m.sessions {
		if s.Owner.ID == actor.ID {
			out = append(out, s.Info())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Close tears down a session owned by actor.
func (m *Manager) Close(id string, actor auth.Actor) error {
	if _, err := m.Get(id, actor); err != nil {
		return err
	}
	m.remove(id)
	return nil
}

func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.teardown(s)
	return true
}

// teardown releases bus subscriptions and pending reload timers.
func (m *Manager) teardown(s *Session) {
	for _, tok := range s.subs {
		m.deps.Events.Unsubscribe(tok)
	}
	s.subs = nil
	if s.listener != nil {
		s.listener.Stop()
	}
	s.editor.DiscardDraft()
	s.store.Clear()
	m.logger.Info().Str("session_id", s.ID).Str("user_id", s.Owner.ID).Msg("session closed")
}

// CloseAll tears down every session. Used on shutdown.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(s)
	}
	return len(all)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap closes sessions whose owner has not been seen for idle.
func (m *Manager) Reap(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if m.remove(id) {
			n++
		}
	}
	if n > 0 {
		m.logger.Info().Int("closed", n).Dur("idle", idle).Msg("reaped idle sessions")
	}
	return n
}

// RunJanitor reaps idle sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Reap(idle)
		}
	}
}
