// Package eventrelay forwards context change events to Google Cloud Pub/Sub so
// that processes other than the one holding the store can react to changes.
package eventrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends a single payload with attributes to a topic.
type Publisher interface {
	// Publish queues one message. orderingKey may be empty.
	Publish(ctx context.Context, orderingKey string, payload []byte, attributes map[string]string) error
	// Stop flushes queued messages, bounded by ctx.
	Stop(ctx context.Context) error
}

// TopicConfig describes the destination topic and its batching.
type TopicConfig struct {
	TopicID string
	// OrderByKey publishes every change to the same context key with that key
	// as the ordering key. Subscribers must enable message ordering to
	// benefit.
	OrderByKey   bool
	CountLimit   int
	DelayLimit   time.Duration
	CheckTimeout time.Duration
	AckTimeout   time.Duration
}

// DefaultTopicConfig returns the batching and timeouts used by contextd.
func DefaultTopicConfig(topicID string) TopicConfig {
	return TopicConfig{
		TopicID:      topicID,
		OrderByKey:   true,
		CountLimit:   100,
		DelayLimit:   50 * time.Millisecond,
		CheckTimeout: 15 * time.Second,
		AckTimeout:   30 * time.Second,
	}
}

// PublishStats counts server acknowledgements.
type PublishStats struct {
	Acked  uint64
	Failed uint64
}

// TopicPublisher publishes to one Pub/Sub topic. Publish returns once the
// client has queued the message; acknowledgements are awaited in the
// background and counted.
type TopicPublisher struct {
	topic      *pubsub.Topic
	ordered    bool
	ackTimeout time.Duration
	logger     zerolog.Logger

	inflight sync.WaitGroup
	acked    atomic.Uint64
	failed   atomic.Uint64
}

// NewTopicPublisher checks that the topic exists and returns a publisher for
// it.
func NewTopicPublisher(ctx context.Context, client *pubsub.Client, cfg TopicConfig, logger zerolog.Logger) (*TopicPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub topic id is required")
	}

	topic := client.Topic(cfg.TopicID)
	topic.EnableMessageOrdering = cfg.OrderByKey
	if cfg.CountLimit > 0 {
		topic.PublishSettings.CountThreshold = cfg.CountLimit
	}
	if cfg.DelayLimit > 0 {
		topic.PublishSettings.DelayThreshold = cfg.DelayLimit
	}

	checkCtx := ctx
	if cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, cfg.CheckTimeout)
		defer cancel()
	}
	ok, err := topic.Exists(checkCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up topic %s: %w", cfg.TopicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultTopicConfig("").AckTimeout
	}

	p := &TopicPublisher{
		topic:      topic,
		ordered:    cfg.OrderByKey,
		ackTimeout: ackTimeout,
		logger:     logger.With().Str("component", "TopicPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}
	p.logger.Info().Bool("ordered", cfg.OrderByKey).Msg("Topic publisher ready.")
	return p, nil
}

// Publish queues payload on the topic.
func (p *TopicPublisher) Publish(ctx context.Context, orderingKey string, payload []byte, attributes map[string]string) error {
	msg := &pubsub.Message{Data: payload, Attributes: attributes}
	if p.ordered {
		msg.OrderingKey = orderingKey
	}
	res := p.topic.Publish(ctx, msg)

	p.inflight.Add(1)
	go p.await(res, orderingKey, attributes[AttrEventID])
	return nil
}

// await blocks on one publish result. It does not inherit the caller's
// context so that a finished request cannot abandon the acknowledgement.
func (p *TopicPublisher) await(res *pubsub.PublishResult, orderingKey, eventID string) {
	defer p.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.ackTimeout)
	defer cancel()

	serverID, err := res.Get(ctx)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error().Err(err).Str("event_id", eventID).Msg("Change event was not acknowledged.")
		if p.ordered && orderingKey != "" {
			// A failed ordered publish pauses its key until resumed.
			p.topic.ResumePublish(orderingKey)
		}
		return
	}
	p.acked.Add(1)
	p.logger.Debug().Str("pubsub_msg_id", serverID).Str("event_id", eventID).Msg("Change event acknowledged.")
}

// Stats returns acknowledgement counts so far.
func (p *TopicPublisher) Stats() PublishStats {
	return PublishStats{Acked: p.acked.Load(), Failed: p.failed.Load()}
}

// Stop sends queued messages and waits for outstanding acknowledgements.
func (p *TopicPublisher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.topic.Stop()
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := p.Stats()
		p.logger.Info().Uint64("acked", stats.Acked).Uint64("failed", stats.Failed).Msg("Topic publisher stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("topic %s did not flush in time: %w", p.topic.ID(), ctx.Err())
	}
}
