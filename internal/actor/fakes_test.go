package actor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn records everything the actor does to a connection.
type fakeConn struct {
	mu         sync.Mutex
	writes     [][]byte
	pings      int
	writeErr   error
	pingErr    error
	writePanic bool
	stalled    bool
	closed     bool
	closeCode  domain.CloseCode
	onPong     func()

	inbound   chan []byte
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case frame, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-c.closedCh:
		return nil, errConnClosed
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.stalled {
		c.mu.Unlock()
		// A stalled peer never drains its socket; only the deadline frees the writer.
		<-ctx.Done()
		return ctx.Err()
	}
	defer c.mu.Unlock()

	if c.writePanic {
		panic("write exploded")
	}
	if c.closed {
		return errConnClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close(code domain.CloseCode, _ string) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) OnPong(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPong = fn
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = true
}

func (c *fakeConn) isClosed() (bool, domain.CloseCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) pong() {
	c.mu.Lock()
	fn := c.onPong
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// frameTypes returns the decoded "type" of every written frame, in order.
func (c *fakeConn) frameTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	types := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(w, &msg))
		types = append(types, msg.Type)
	}
	return types
}

func (c *fakeConn) events(t *testing.T) []eventMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []eventMessage
	for _, w := range c.writes {
		var msg eventMessage
		require.NoError(t, json.Unmarshal(w, &msg))
		if msg.Type == frameEvent {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

type fakeLease struct {
	mu       sync.Mutex
	renewErr error
	renewed  int
	released int
}

func (l *fakeLease) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewed++
	return l.renewErr
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLease) setRenewErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewErr = err
}

func (l *fakeLease) releaseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

type fakeLeaser struct {
	mu     sync.Mutex
	err    error
	leases map[string]*fakeLease
}

func newFakeLeaser() *fakeLeaser {
	return &fakeLeaser{leases: make(map[string]*fakeLease)}
}

func (f *fakeLeaser) Acquire(_ context.Context, key string) (domain.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLease{}
	f.leases[key] = l
	return l, nil
}

func (f *fakeLeaser) lease(key string) *fakeLease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leases[key]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendTimeout = time.Second
	return cfg
}

// newTestActor builds an actor whose loop is not running, so tests drive its
// handlers directly from the test goroutine.
func newTestActor(t *testing.T, cfg Config, clock clockwork.Clock) *Actor {
	t.Helper()
	a := newActor("store-1", cfg, clock, nil, EchoFrameHandler{}, metrics.NewActorMetrics(prometheus.NewRegistry()), nil)
	t.Cleanup(a.cancel)
	return a
}

func connectDirect(t *testing.T, a *Actor, conn domain.Conn, filter *domain.Filter) uuid.UUID {
	t.Helper()
	res := a.handleConnect(connectCmd{ctx: context.Background(), conn: conn, filter: filter})
	require.NoError(t, res.err)
	return res.id
}
