package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	producerMaxRetries     = 3
	producerInitialBackoff = 100 * time.Millisecond
	producerMaxBackoff     = 2 * time.Second

	headerSessionID = "session_id"
)

// FrameForwarder publishes inbound application frames to a topic, keyed by actor
// key so one key's frames stay ordered within a partition. It never replies.
type FrameForwarder struct {
	producer sarama.SyncProducer
	topic    string
}

var _ domain.FrameHandler = (*FrameForwarder)(nil)

func NewFrameForwarder(brokers []string, topic, clientID string) (*FrameForwarder, error) {
	producer, err := sarama.NewSyncProducer(brokers, newSaramaConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newFrameForwarder(producer, topic), nil
}

func newFrameForwarder(producer sarama.SyncProducer, topic string) *FrameForwarder {
	return &FrameForwarder{producer: producer, topic: topic}
}

func (f *FrameForwarder) HandleFrame(ctx context.Context, key string, sessionID uuid.UUID, frame []byte) ([]byte, error) {
	msg := &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(frame),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerSessionID), Value: []byte(sessionID.String())},
		},
		Timestamp: time.Now(),
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(producerInitialBackoff),
				backoff.WithMaxInterval(producerMaxBackoff),
			),
			producerMaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		_, _, err := f.producer.SendMessage(msg)
		return err
	}, strategy, func(err error, next time.Duration) {
		slog.WarnContext(ctx, "Retrying kafka frame forward", "actor_key", key, "error", err, "next_attempt", next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to forward frame: %w", err)
	}
	return nil, nil
}

func (f *FrameForwarder) Close() error {
	return f.producer.Close()
}
