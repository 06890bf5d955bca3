// Package bus is an in-process typed publish/subscribe bus.
//
// Publish invokes every handler registered for the event kind synchronously,
// in registration order. A failing or panicking handler is logged and never
// affects the publisher or the remaining handlers. There is no persistence
// and no replay: an event published while nobody listens is lost. The bus
// does not de-duplicate; consumers that need it guard themselves.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names an event type.
type Kind string

const (
	KindBillingConfirmed  Kind = "billing_confirmed"
	KindBillingPaid       Kind = "billing_paid"
	KindRevisionRequested Kind = "revision_requested"
	KindRevisionResolved  Kind = "revision_resolved"
	KindSectionSaved      Kind = "section_saved"

	// KindAll subscribes to every kind.
	KindAll Kind = "*"
)

// Event is transient: it lives only for the duration of dispatch.
type Event struct {
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Origin identifies the process that first published the event. Set by
	// the relay for events re-injected from other instances.
	Origin string `json:"origin,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Payload: payload, Timestamp: time.Now().UTC()}
}

// Handler consumes one event. Returned errors are logged by the bus.
type Handler func(ctx context.Context, ev Event) error

// Token identifies a subscription for Unsubscribe.
type Token struct {
	Kind Kind
	ID   uuid.UUID
}

type subscription struct {
	token   Token
	handler Handler
}

// Bus dispatches events to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "bus").Logger()}
}

// Subscribe registers h for events of the given kind (or KindAll).
func (b *Bus) Subscribe(kind Kind, h Handler) Token {
	tok := Token{Kind: kind, ID: uuid.New()}
	b.mu.Lock()
	b.subs = append(b.subs, subscription{token: tok, handler: h})
	b.mu.Unlock()
	return tok
}

// Unsubscribe removes the subscription. It reports whether it was present.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.token == tok {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish dispatches ev and returns the number of handlers invoked.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Handlers may subscribe or unsubscribe while we dispatch.
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.token.Kind == ev.Kind || s.token.Kind == KindAll {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(ctx, s, ev)
	}
	return len(targets)
}

func (b *Bus) dispatch(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			var stack [2048]byte
			n := runtime.Stack(stack[:], false)
			b.logger.Error().
				Str("kind", string(ev.Kind)).
				Str("subscription", s.token.ID.String()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("event handler panicked")
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Warn().
			Err(err).
			Str("kind", string(ev.Kind)).
			Str("subscription", s.token.ID.String()).
			Msg("event handler failed")
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ---------------------------------------------------------------------------
// Typed payloads
// ---------------------------------------------------------------------------

// BillingConfirmed is published after a physician confirms a billing.
type BillingConfirmed struct {
	MrID        string `json:"mrId"`
	PatientName string `json:"patientName,omitempty"`
	DoctorName  string `json:"doctorName,omitempty"`
}

// BillingPaid is published after a billing is marked paid.
type BillingPaid struct {
	MrID   string `json:"mrId"`
	Method string `json:"method"`
}

// RevisionRequested is published when staff ask a physician to reopen a
// confirmed billing.
type RevisionRequested struct {
	RevisionID  string `json:"revisionId"`
	MrID        string `json:"mrId"`
	PatientName string `json:"patientName,omitempty"`
	Message     string `json:"message"`
	RequestedBy string `json:"requestedBy"`
}

// RevisionResolved is published when a physician approves or rejects a
// revision request.
type RevisionResolved struct {
	RevisionID string `json:"revisionId"`
	MrID       string `json:"mrId"`
	Status     string `json:"status"`
	ResolvedBy string `json:"resolvedBy"`
}

// SectionSaved is published after a section save has been reconciled.
type SectionSaved struct {
	MrID       string    `json:"mrId"`
	SectionKey string    `json:"sectionKey"`
	SavedAt    time.Time `json:"savedAt"`
}

// DecodePayload turns a JSON payload back into the typed struct for kind.
// Unknown kinds decode into a generic map.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var target any
	switch kind {
	case KindBillingConfirmed:
		target = &BillingConfirmed{}
	case KindBillingPaid:
		target = &BillingPaid{}
	case KindRevisionRequested:
		target = &RevisionRequested{}
	case KindRevisionResolved:
		target = &RevisionResolved{}
	case KindSectionSaved:
		target = &SectionSaved{}
	default:
		m := map[string]any{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return m, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	// Deliver values, not pointers, so subscribers see the same shape as
	// locally published events.
	switch p := target.(type) {
	case *BillingConfirmed:
		return *p, nil
	case *BillingPaid:
		return *p, nil
	case *RevisionRequested:
		return *p, nil
	case *RevisionResolved:
		return *p, nil
	case *SectionSaved:
		return *p, nil
	}
	return target, nil
}
