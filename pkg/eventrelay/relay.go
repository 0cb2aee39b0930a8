package eventrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
	"github.com/rs/zerolog"
)

// Message attribute names set on every relayed event.
const (
	AttrEventID       = "event_id"
	AttrEventType     = "event_type"
	AttrKey           = "key"
	AttrCorrelationID = "correlation_id"
)

// Subscriber is the part of contextstore.Manager the relay depends on.
type Subscriber interface {
	Subscribe(ctx context.Context, prefix string, eventTypes []contextstore.EventType) (*contextstore.Subscription, error)
}

// RelayConfig selects which changes are relayed.
type RelayConfig struct {
	KeyPrefix  string
	EventTypes []contextstore.EventType
}

// Relay subscribes to a Manager and publishes each change event as JSON.
type Relay struct {
	cfg       RelayConfig
	source    Subscriber
	publisher Publisher
	logger    zerolog.Logger
	sub       *contextstore.Subscription
	wg        sync.WaitGroup
	relayed   atomic.Uint64
}

// NewRelay creates a Relay. Call Start to begin forwarding.
func NewRelay(cfg RelayConfig, source Subscriber, publisher Publisher, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		logger:    logger.With().Str("component", "EventRelay").Str("prefix", cfg.KeyPrefix).Logger(),
	}
}

// Start registers the subscription and launches the forwarding loop. The loop
// ends when ctx is done, Stop is called or the manager shuts down.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.source.Subscribe(ctx, r.cfg.KeyPrefix, r.cfg.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to subscribe for relay: %w", err)
	}
	r.sub = sub

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.Events() {
			r.forward(ctx, ev)
		}
		r.logger.Info().Msg("Relay subscription closed, forwarding loop stopped.")
	}()

	r.logger.Info().Msg("Event relay started.")
	return nil
}

func (r *Relay) forward(ctx context.Context, ev contextstore.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to marshal change event.")
		return
	}

	attrs := map[string]string{
		AttrEventID:       ev.EventID,
		AttrEventType:     string(ev.EventType),
		AttrCorrelationID: ev.CorrelationID,
	}
	if ev.Key != "" {
		attrs[AttrKey] = ev.Key
	}

	if err := r.publisher.Publish(context.WithoutCancel(ctx), ev.Key, payload, attrs); err != nil {
		r.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("Failed to relay change event.")
		return
	}

	r.relayed.Add(1)
}

// Relayed returns the number of events handed to the publisher.
func (r *Relay) Relayed() uint64 {
	return r.relayed.Load()
}

// Stop closes the subscription, waits for the loop to drain and stops the
// publisher, all bounded by ctx.
func (r *Relay) Stop(ctx context.Context) error {
	r.logger.Info().Msg("Stopping event relay...")
	if r.sub != nil {
		r.sub.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for relay loop: %w", ctx.Err())
	}

	return r.publisher.Stop(ctx)
}
