package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	keys []string
	envs []domain.Envelope
	err  error
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, key string, env domain.Envelope) (domain.DeliveryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.envs = append(f.envs, env)
	return domain.DeliveryReport{Attempted: 2, Succeeded: 2}, f.err
}

func (f *fakeBroadcaster) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func record(offset int64, key, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "fanout.broadcasts", Offset: offset, Key: []byte(key), Value: []byte(value)}
}

func TestClaimHandler_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		brErr     error
		wantCalls int
		outcome   string
	}{
		{"valid", "store-1", `{"eventType":"inventory.updated","payload":{"sku":"a"}}`, nil, 1, "delivered"},
		{"missing key", "", `{"eventType":"x"}`, nil, 0, "malformed"},
		{"invalid key", "a b", `{"eventType":"x"}`, nil, 0, "malformed"},
		{"malformed value", "store-1", `{"payload":1}`, nil, 0, "malformed"},
		{"broadcast error", "store-1", `{"eventType":"x"}`, errors.New("boom"), 1, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBroadcaster{err: tt.brErr}
			m := metrics.NewIngressMetrics(prometheus.NewRegistry())
			h := &claimHandler{broadcaster: fb, metrics: m}

			h.handleMessage(context.Background(), record(1, tt.key, tt.value))

			assert.Len(t, fb.calls(), tt.wantCalls)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("kafka", tt.outcome)))
		})
	}
}

func TestClaimHandler_MarksEveryRecord(t *testing.T) {
	fb := &fakeBroadcaster{}
	h := &claimHandler{broadcaster: fb}
	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}

	claim.messages <- record(10, "store-1", `{"eventType":"a"}`)
	claim.messages <- record(11, "store-1", `not json`)
	claim.messages <- record(12, "store-2", `{"eventType":"b","target":"all"}`)
	close(claim.messages)

	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{10, 11, 12}, session.markedOffsets())
	assert.Equal(t, []string{"store-1", "store-2"}, fb.calls())
}

func TestClaimHandler_StopsWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &claimHandler{broadcaster: &fakeBroadcaster{}}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, claim) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

// fakeGroup fails the first session, delivers one record in the second and
// then blocks until shutdown.
type fakeGroup struct {
	sarama.ConsumerGroup
	mu     sync.Mutex
	calls  int
	errs   chan error
	closed chan struct{}
}

func newFakeGroup() *fakeGroup {
	return &fakeGroup{errs: make(chan error), closed: make(chan struct{})}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()

	switch call {
	case 1:
		return errors.New("kafka: client has run out of available brokers")
	case 2:
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
		claim.messages <- record(1, "store-1", `{"eventType":"order.created"}`)
		close(claim.messages)
		session := &fakeSession{ctx: ctx}
		if err := handler.Setup(session); err != nil {
			return err
		}
		if err := handler.ConsumeClaim(session, claim); err != nil {
			return err
		}
		return handler.Cleanup(session)
	default:
		select {
		case <-ctx.Done():
			return nil
		case <-g.closed:
			return sarama.ErrClosedConsumerGroup
		}
	}
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	close(g.closed)
	close(g.errs)
	return nil
}

func (g *fakeGroup) consumeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestConsumer_RunRetriesUntilShutdown(t *testing.T) {
	fb := &fakeBroadcaster{}
	group := newFakeGroup()
	c := newConsumer(group, "fanout.broadcasts", fb, nil)
	c.retryInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(fb.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return group.consumeCalls() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, c.Close())
}

func TestConsumer_RunReturnsWhenGroupClosed(t *testing.T) {
	group := newFakeGroup()
	c := newConsumer(group, "fanout.broadcasts", &fakeBroadcaster{}, nil)
	c.retryInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return group.consumeCalls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}
