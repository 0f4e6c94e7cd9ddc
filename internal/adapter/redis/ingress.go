package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// BroadcastChannel carries broadcasts published by domain services to every instance.
const BroadcastChannel = "fanout:broadcast"

const ingressSource = "redis"

// Broadcaster delivers an envelope to the live sessions of one key.
type Broadcaster interface {
	Broadcast(ctx context.Context, key string, env domain.Envelope) (domain.DeliveryReport, error)
}

type broadcastMessage struct {
	Key      string          `json:"key"`
	Envelope json.RawMessage `json:"envelope"`
}

// BroadcastSubscriber feeds pub/sub broadcasts into the local actors. Each instance
// only delivers to keys it has active, so the message reaches the owner wherever it runs.
type BroadcastSubscriber struct {
	rdb         *goredis.Client
	broadcaster Broadcaster
	metrics     *metrics.IngressMetrics
}

func NewBroadcastSubscriber(rdb *goredis.Client, broadcaster Broadcaster, m *metrics.IngressMetrics) *BroadcastSubscriber {
	return &BroadcastSubscriber{rdb: rdb, broadcaster: broadcaster, metrics: m}
}

// Start blocks until ctx is done or the subscription is closed.
func (s *BroadcastSubscriber) Start(ctx context.Context) {
	pubsub := s.rdb.Subscribe(ctx, BroadcastChannel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			s.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (s *BroadcastSubscriber) handle(ctx context.Context, payload string) {
	key, env, err := decodeBroadcast([]byte(payload))
	if err != nil {
		slog.WarnContext(ctx, "Dropping malformed pub/sub broadcast", "error", err)
		s.count("malformed")
		return
	}

	report, err := s.broadcaster.Broadcast(ctx, key, env)
	if err != nil {
		slog.WarnContext(ctx, "Pub/sub broadcast failed", "actor_key", key, "error", err)
		s.count("failed")
		return
	}

	s.count("delivered")
	slog.DebugContext(ctx, "Pub/sub broadcast delivered",
		"actor_key", key,
		"event_type", env.EventType,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"pruned", report.PrunedCount(),
	)
}

func (s *BroadcastSubscriber) count(outcome string) {
	if s.metrics != nil {
		s.metrics.Messages.WithLabelValues(ingressSource, outcome).Inc()
	}
}

func decodeBroadcast(data []byte) (string, domain.Envelope, error) {
	var msg broadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedBroadcast, err)
	}
	if err := domain.ValidateKey(msg.Key); err != nil {
		return "", domain.Envelope{}, err
	}
	env, err := domain.ParseEnvelope(msg.Envelope)
	if err != nil {
		return "", domain.Envelope{}, err
	}
	return msg.Key, env, nil
}

// PublishBroadcast publishes an envelope for key to every instance.
func PublishBroadcast(ctx context.Context, rdb *goredis.Client, key string, envelope json.RawMessage) error {
	data, err := json.Marshal(broadcastMessage{Key: key, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := rdb.Publish(ctx, BroadcastChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}
