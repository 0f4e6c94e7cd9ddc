package actor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConnect_SendsWelcomeAndRegisters(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	conn := newFakeConn()

	id := connectDirect(t, a, conn, nil)

	var welcome welcomeMessage
	require.NoError(t, json.Unmarshal(conn.lastWrite(), &welcome))
	assert.Equal(t, frameWelcome, welcome.Type)
	assert.Equal(t, id, welcome.SessionID)

	s, ok := a.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.SessionOpen, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.SessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.LiveSessions))
	assert.True(t, a.emptySince.IsZero())
}

func TestHandleConnect_HandshakeFailure(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	conn := newFakeConn()
	conn.setWriteErr(errors.New("reset by peer"))

	res := a.handleConnect(connectCmd{ctx: context.Background(), conn: conn})

	assert.ErrorIs(t, res.err, domain.ErrHandshakeFailed)
	assert.Zero(t, a.registry.Size())
	closed, code := conn.isClosed()
	assert.True(t, closed)
	assert.Equal(t, domain.CloseInternalError, code)
}

func TestHandleConnect_SessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionsPerActor = 1
	a := newTestActor(t, cfg, clockwork.NewFakeClock())
	connectDirect(t, a, newFakeConn(), nil)

	rejected := newFakeConn()
	res := a.handleConnect(connectCmd{ctx: context.Background(), conn: rejected})

	assert.ErrorIs(t, res.err, domain.ErrActorUnavailable)
	assert.Equal(t, 1, a.registry.Size())
	_, code := rejected.isClosed()
	assert.Equal(t, domain.CloseTryAgainLater, code)
}

func TestTeardown_IsIdempotent(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	id := connectDirect(t, a, newFakeConn(), nil)
	keep := connectDirect(t, a, newFakeConn(), nil)
	s, _ := a.registry.Get(id)

	a.teardown(s, reasonRemote)
	a.teardown(s, reasonSendFailure)

	assert.Equal(t, domain.SessionClosed, s.State())
	assert.Equal(t, 1, a.registry.Size())
	_, ok := a.registry.Get(keep)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.SessionsClosed.WithLabelValues(string(reasonRemote))))
	assert.Zero(t, testutil.ToFloat64(a.metrics.SessionsClosed.WithLabelValues(string(reasonSendFailure))))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.LiveSessions))
}

func TestHandleActivity_RepliesAndTouches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestActor(t, testConfig(), clock)
	conn := newFakeConn()
	id := connectDirect(t, a, conn, nil)

	clock.Advance(time.Minute)
	a.handleActivity(activityCmd{id: id, reply: pongFrame})

	assert.JSONEq(t, `{"type":"pong"}`, string(conn.lastWrite()))
	s, _ := a.registry.Get(id)
	assert.Equal(t, clock.Now(), s.lastActivity)
}

func TestHandleActivity_FailedReplyPrunes(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	conn := newFakeConn()
	id := connectDirect(t, a, conn, nil)
	conn.setWriteErr(errors.New("gone"))

	a.handleActivity(activityCmd{id: id, reply: pongFrame})

	assert.Zero(t, a.registry.Size())
}

func TestHandleCloseSession(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	conn := newFakeConn()
	id := connectDirect(t, a, conn, nil)

	found := make(chan bool, 1)
	a.handle(closeSessionCmd{id: id, reason: reasonLocal, found: found})
	assert.True(t, <-found)
	_, code := conn.isClosed()
	assert.Equal(t, domain.CloseNormal, code)

	a.handle(closeSessionCmd{id: id, reason: reasonLocal, found: found})
	assert.False(t, <-found)
}

func TestSweep_PingsThenReapsIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	a := newTestActor(t, cfg, clock)
	quiet := newFakeConn()
	chatty := newFakeConn()
	quietID := connectDirect(t, a, quiet, nil)
	chattyID := connectDirect(t, a, chatty, nil)

	clock.Advance(cfg.PingInterval)
	assert.False(t, a.sweep())
	assert.Equal(t, 1, quiet.pingCount())
	assert.Equal(t, 1, chatty.pingCount())
	assert.Equal(t, 2, a.registry.Size())

	// Only one of them answers.
	a.handleActivity(activityCmd{id: chattyID})

	clock.Advance(cfg.IdleTimeout - cfg.PingInterval)
	assert.False(t, a.sweep())

	_, ok := a.registry.Get(quietID)
	assert.False(t, ok, "quiet session reaped")
	_, ok = a.registry.Get(chattyID)
	assert.True(t, ok)
	closed, code := quiet.isClosed()
	assert.True(t, closed)
	assert.Equal(t, domain.ClosePolicy, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.SessionsReaped))
}

func TestSweep_FailedPingReaps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	a := newTestActor(t, cfg, clock)
	conn := newFakeConn()
	conn.pingErr = errors.New("write: broken pipe")
	connectDirect(t, a, conn, nil)

	clock.Advance(cfg.PingInterval)
	a.sweep()

	assert.Zero(t, a.registry.Size())
}

func TestSweep_PassivatesAfterIdleTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	a := newTestActor(t, cfg, clock)

	clock.Advance(cfg.IdleActorTTL - time.Second)
	assert.False(t, a.sweep())
	clock.Advance(time.Second)
	assert.True(t, a.sweep())
}

func TestSweep_DoesNotPassivateWithSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.IdleTimeout = time.Hour
	cfg.PingInterval = time.Hour - time.Minute
	a := newTestActor(t, cfg, clock)
	connectDirect(t, a, newFakeConn(), nil)

	clock.Advance(cfg.IdleActorTTL * 2)
	assert.False(t, a.sweep())
}

func TestSweep_EmptyClockRestartsAfterLastSessionLeaves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	a := newTestActor(t, cfg, clock)
	id := connectDirect(t, a, newFakeConn(), nil)

	clock.Advance(cfg.IdleActorTTL)
	s, _ := a.registry.Get(id)
	a.teardown(s, reasonRemote)

	assert.False(t, a.sweep(), "emptiness is measured from the last teardown")
	clock.Advance(cfg.IdleActorTTL)
	assert.True(t, a.sweep())
}

func TestHandleStop_ClosesEverySession(t *testing.T) {
	a := newTestActor(t, testConfig(), clockwork.NewFakeClock())
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, c := range conns {
		connectDirect(t, a, c, nil)
	}

	assert.True(t, a.handle(stopCmd{reason: reasonShutdown}))
	assert.Zero(t, a.registry.Size())
	for _, c := range conns {
		_, code := c.isClosed()
		assert.Equal(t, domain.CloseGoingAway, code)
	}
}

func TestIsHeartbeat(t *testing.T) {
	assert.True(t, isHeartbeat([]byte(`{"type":"ping"}`)))
	assert.True(t, isHeartbeat([]byte(` { "type" : "ping", "ts": 1 }`)))
	assert.False(t, isHeartbeat([]byte(`{"type":"pong"}`)))
	assert.False(t, isHeartbeat([]byte(`ping`)))
	assert.False(t, isHeartbeat([]byte(`{"type":"event","eventType":"ping"}`)))
}

func TestFrameHandlers(t *testing.T) {
	reply, err := EchoFrameHandler{}.HandleFrame(context.Background(), "k", uuid.Nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), reply)

	reply, err = DiscardFrameHandler{}.HandleFrame(context.Background(), "k", uuid.Nil, []byte("hi"))
	require.NoError(t, err)
	assert.Nil(t, reply)
}
