package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

// DefaultReloadDelay lets server replication settle before a confirmed
// billing is refetched.
const DefaultReloadDelay = time.Second

// TemplateBillingConfirmed is the inbox template for confirmation notices.
const TemplateBillingConfirmed = "billing_confirmed"

// Inbox delivers a templated display message to every user of a role.
type Inbox interface {
	Deliver(ctx context.Context, role, template string, data map[string]string) error
}

// Scheduler runs fn after d and returns a cancel function.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// AfterFunc is the production Scheduler.
func AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// -- Confirmation listener --

// ConfirmationListener is the billing_confirmed consumer of one
// non-physician session: it posts a display notice and schedules a
// delayed reload of the record being viewed.
type ConfirmationListener struct {
	actor    auth.Actor
	inbox    Inbox
	current  func() string
	reload   func(ctx context.Context) error
	delay    time.Duration
	schedule Scheduler
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]func()
	stopped bool
}

// NewConfirmationListener wires a listener. current returns the MR id the
// session is showing; reload refetches it.
func NewConfirmationListener(actor auth.Actor, inbox Inbox, current func() string,
	reload func(ctx context.Context) error, delay time.Duration, logger zerolog.Logger) *ConfirmationListener {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	return &ConfirmationListener{
		actor:    actor,
		inbox:    inbox,
		current:  current,
		reload:   reload,
		delay:    delay,
		schedule: AfterFunc,
		logger:   logger.With().Str("component", "billing_confirmation_listener").Logger(),
		pending:  make(map[string]func()),
	}
}

// SetScheduler replaces the timer source. Tests only.
func (l *ConfirmationListener) SetScheduler(s Scheduler) { l.schedule = s }

// Handle is a bus.Handler for billing_confirmed.
func (l *ConfirmationListener) Handle(ctx context.Context, ev bus.Event) error {
	if l.actor.IsPhysician() {
		return nil
	}
	p, ok := ev.Payload.(bus.BillingConfirmed)
	if !ok {
		return nil
	}
	patient := p.PatientName
	if patient == "" {
		patient = "pasien"
	}
	if l.inbox != nil {
		if err := l.inbox.Deliver(ctx, l.actor.PrimaryRole(), TemplateBillingConfirmed,
			map[string]string{"mrId": p.MrID, "patient": patient, "doctor": p.DoctorName}); err != nil {
			l.logger.Warn().Err(err).Str("mr_id", p.MrID).Msg("confirmation notice not delivered")
		}
	}
	if l.current == nil || l.current() != p.MrID {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	if cancel, ok := l.pending[p.MrID]; ok {
		cancel()
	}
	mrID := p.MrID
	l.pending[mrID] = l.schedule(l.delay, func() {
		l.mu.Lock()
		delete(l.pending, mrID)
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return
		}
		if err := l.reload(context.Background()); err != nil {
			l.logger.Warn().Err(err).Str("mr_id", mrID).Msg("reload after confirmation failed")
		}
	})
	return nil
}

// Pending reports how many reloads are scheduled.
func (l *ConfirmationListener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Stop cancels every scheduled reload. Safe to call twice.
func (l *ConfirmationListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for id, cancel := range l.pending {
		cancel()
		delete(l.pending, id)
	}
}

// -- Approval prompt --

// ApprovalPrompt keeps at most one open decision dialog per revision id for
// a physician session. Repeated revision_requested events for an id that is
// already open are ignored.
type ApprovalPrompt struct {
	actor  auth.Actor
	onOpen func(bus.RevisionRequested)
	logger zerolog.Logger

	mu     sync.Mutex
	open   map[string]bus.RevisionRequested
	opened map[string]time.Time
}

func NewApprovalPrompt(actor auth.Actor, onOpen func(bus.RevisionRequested), logger zerolog.Logger) *ApprovalPrompt {
	return &ApprovalPrompt{
		actor:  actor,
		onOpen: onOpen,
		logger: logger.With().Str("component", "approval_prompt").Logger(),
		open:   make(map[string]bus.RevisionRequested),
		opened: make(map[string]time.Time),
	}
}

// HandleRequested is a bus.Handler for revision_requested.
func (p *ApprovalPrompt) HandleRequested(_ context.Context, ev bus.Event) error {
	if !p.actor.IsPhysician() {
		return nil
	}
	req, ok := ev.Payload.(bus.RevisionRequested)
	if !ok || req.RevisionID == "" {
		return nil
	}
	p.mu.Lock()
	if _, dup := p.open[req.RevisionID]; dup {
		p.mu.Unlock()
		p.logger.Debug().Str("revision_id", req.RevisionID).Msg("prompt already open, ignoring duplicate")
		return nil
	}
	p.open[req.RevisionID] = req
	p.opened[req.RevisionID] = time.Now()
	p.mu.Unlock()

	if p.onOpen != nil {
		p.onOpen(req)
	}
	return nil
}

// HandleResolved is a bus.Handler for revision_resolved; it closes the
// dialog wherever the decision was taken.
func (p *ApprovalPrompt) HandleResolved(_ context.Context, ev bus.Event) error {
	if r, ok := ev.Payload.(bus.RevisionResolved); ok {
		p.Close(r.RevisionID)
	}
	return nil
}

// Close marks the dialog for id as dismissed.
func (p *ApprovalPrompt) Close(id string) {
	p.mu.Lock()
	delete(p.open, id)
	delete(p.opened, id)
	p.mu.Unlock()
}

// Open lists the open dialogs, oldest first.
func (p *ApprovalPrompt) Open() []bus.RevisionRequested {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.RevisionRequested, 0, len(p.open))
	for _, r := range p.open {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return p.opened[out[i].RevisionID].Before(p.opened[out[j].RevisionID])
	})
	return out
}
