package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	ingressSource        = "kafka"
	consumeRetryInterval = 500 * time.Millisecond
	consumeMaxInterval   = 30 * time.Second
)

// Broadcaster delivers an envelope to the live sessions of one key.
type Broadcaster interface {
	Broadcast(ctx context.Context, key string, env domain.Envelope) (domain.DeliveryReport, error)
}

// Consumer reads broadcast records from a topic. The record key is the actor key
// and the value is the envelope JSON accepted by the broadcast endpoint.
type Consumer struct {
	group         sarama.ConsumerGroup
	topic         string
	handler       *claimHandler
	retryInterval time.Duration
}

func NewConsumer(brokers []string, groupID, topic, clientID string, b Broadcaster, m *metrics.IngressMetrics) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, newSaramaConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return newConsumer(group, topic, b, m), nil
}

func newConsumer(group sarama.ConsumerGroup, topic string, b Broadcaster, m *metrics.IngressMetrics) *Consumer {
	return &Consumer{
		group:         group,
		topic:         topic,
		handler:       &claimHandler{broadcaster: b, metrics: m},
		retryInterval: consumeRetryInterval,
	}
}

// Run consumes until ctx is done or the group is closed. Failed sessions are
// restarted with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	go c.logErrors()

	for {
		bo := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.retryInterval),
			backoff.WithMaxInterval(consumeMaxInterval),
			backoff.WithMaxElapsedTime(0),
		)

		err := backoff.RetryNotify(func() error {
			err := c.group.Consume(ctx, []string{c.topic}, c.handler)
			switch {
			case errors.Is(err, sarama.ErrClosedConsumerGroup):
				return backoff.Permanent(err)
			case ctx.Err() != nil:
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
			slog.Warn("Kafka consume session failed, retrying", "topic", c.topic, "error", err, "next_attempt", next)
		})

		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			return err
		}
		// Consume returns nil after a rebalance; join the next generation.
	}
}

func (c *Consumer) logErrors() {
	for err := range c.group.Errors() {
		slog.Warn("Kafka consumer group error", "topic", c.topic, "error", err)
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type claimHandler struct {
	broadcaster Broadcaster
	metrics     *metrics.IngressMetrics
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			h.handleMessage(session.Context(), msg)
			// Marked regardless of outcome: delivery is best effort and a
			// malformed record would otherwise be redelivered forever.
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *claimHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	key := string(msg.Key)
	if err := domain.ValidateKey(key); err != nil {
		slog.WarnContext(ctx, "Dropping kafka record with invalid key", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		h.count("malformed")
		return
	}

	env, err := domain.ParseEnvelope(msg.Value)
	if err != nil {
		slog.WarnContext(ctx, "Dropping malformed kafka broadcast", "actor_key", key, "offset", msg.Offset, "error", err)
		h.count("malformed")
		return
	}

	report, err := h.broadcaster.Broadcast(ctx, key, env)
	if err != nil {
		slog.WarnContext(ctx, "Kafka broadcast failed", "actor_key", key, "error", err)
		h.count("failed")
		return
	}

	h.count("delivered")
	slog.DebugContext(ctx, "Kafka broadcast delivered",
		"actor_key", key,
		"event_type", env.EventType,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"pruned", report.PrunedCount(),
	)
}

func (h *claimHandler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.Messages.WithLabelValues(ingressSource, outcome).Inc()
	}
}
