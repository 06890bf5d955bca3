// Package relay bridges the in-process bus across service instances through
// Redis pub/sub. Every instance publishes its local events to one channel
// and re-injects events from other instances into its own bus.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/bus"
)

const DefaultChannel = "sundayclinic:events"

// envelope is the wire form of a bus event.
type envelope struct {
	Kind      bus.Kind        `json:"kind"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	local   *bus.Bus
	logger  zerolog.Logger
}

func New(client *redis.Client, channel string, local *bus.Bus, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	origin := uuid.NewString()
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		logger:  logger.With().Str("component", "relay").Str("origin", origin).Logger(),
	}
}

// Origin identifies this instance on the channel.
func (r *Relay) Origin() string { return r.origin }

// Forward is a bus.Handler publishing local events to Redis. Events that
// arrived from another instance carry an Origin and are not sent back.
func (r *Relay) Forward(ctx context.Context, ev bus.Event) error {
	if ev.Origin != "" {
		return nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
	}
	data, err := json.Marshal(envelope{Kind: ev.Kind, Origin: r.origin, Timestamp: ev.Timestamp, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", ev.Kind, err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("relay publish failed")
		return err
	}
	return nil
}

// Run subscribes to the channel and re-injects foreign events until ctx is
// done. ready, if non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.inject(ctx, msg.Payload)
		}
	}
}

func (r *Relay) inject(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn().Err(err).Msg("discarding malformed relay message")
		return
	}
	if env.Origin == r.origin || env.Origin == "" {
		return
	}
	payload, err := bus.DecodePayload(env.Kind, env.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("discarding relay message")
		return
	}
	r.local.Publish(ctx, bus.Event{Kind: env.Kind, Payload: payload, Timestamp: env.Timestamp, Origin: env.Origin})
}

// Probe pings Redis for the health endpoint.
func (r *Relay) Probe(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
