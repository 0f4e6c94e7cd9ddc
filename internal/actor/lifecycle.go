package actor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

type closeReason string

const (
	reasonRemote      closeReason = "remote_close"
	reasonSendFailure closeReason = "send_failure"
	reasonIdle        closeReason = "idle_timeout"
	reasonLocal       closeReason = "local_close"
	reasonShutdown    closeReason = "shutdown"
	reasonLeaseLost   closeReason = "lease_lost"
	reasonPanic       closeReason = "panic"
)

func (r closeReason) frame() (domain.CloseCode, string) {
	switch r {
	case reasonRemote, reasonLocal:
		return domain.CloseNormal, "bye"
	case reasonIdle:
		return domain.ClosePolicy, "idle timeout"
	case reasonSendFailure:
		return domain.ClosePolicy, "send failed"
	case reasonShutdown:
		return domain.CloseGoingAway, "server shutting down"
	case reasonLeaseLost:
		return domain.CloseServiceReset, "actor moved, reconnect"
	default:
		return domain.CloseInternalError, "internal error"
	}
}

// accept runs the handshake acknowledgment: a welcome frame carrying the session id.
// On failure the session goes straight to CLOSED and its connection is released.
func (a *Actor) accept(s *Session) error {
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SendTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, encodeWelcome(s.id)); err != nil {
		_ = s.transition(domain.SessionClosed)
		_ = s.conn.Close(domain.CloseInternalError, "handshake failed")
		return fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}

	s.touch(a.clock.Now())
	return s.transition(domain.SessionOpen)
}

// teardown moves a live session to CLOSING, drops it from the registry, releases
// the connection and marks it CLOSED. Repeated calls are no-ops.
func (a *Actor) teardown(s *Session, reason closeReason) {
	if !s.live() {
		return
	}

	if s.state == domain.SessionConnecting {
		_ = s.transition(domain.SessionClosed)
	} else {
		_ = s.transition(domain.SessionClosing)
	}
	registered := a.registry.Unregister(s.id)

	code, text := reason.frame()
	if err := s.conn.Close(code, text); err != nil {
		a.logger.Debug("close handshake failed", "session_id", s.id.String(), "error", err)
	}
	if s.state == domain.SessionClosing {
		_ = s.transition(domain.SessionClosed)
	}

	if registered {
		a.metrics.LiveSessions.Dec()
	}
	a.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()

	level := slog.LevelDebug
	if reason == reasonSendFailure || reason == reasonIdle {
		level = slog.LevelWarn
	}
	a.logger.Log(a.ctx, level, "session closed",
		"session_id", s.id.String(),
		"reason", string(reason),
		"remaining", a.registry.Size(),
	)

	if a.registry.Size() == 0 {
		a.emptySince = a.clock.Now()
	}
}

func (a *Actor) closeAll(reason closeReason) {
	a.registry.ForEach(func(s *Session) {
		a.teardown(s, reason)
	})
}

// Handle is what the transport layer gets back from a successful connect.
type Handle struct {
	actor *Actor
	id    uuid.UUID
	conn  domain.Conn
}

func (h *Handle) ID() uuid.UUID { return h.id }

// Run is the session's read pump. It blocks until the connection fails or is closed,
// then asks the actor to tear the session down. Frames are interpreted here; any
// reply is written by the actor.
func (h *Handle) Run(ctx context.Context) {
	a := h.actor
	h.conn.OnPong(func() {
		a.post(activityCmd{id: h.id})
	})

	for {
		frame, err := h.conn.Read()
		if err != nil {
			a.post(closeSessionCmd{id: h.id, reason: reasonRemote})
			return
		}

		if isHeartbeat(frame) {
			if !a.post(activityCmd{id: h.id, reply: pongFrame}) {
				return
			}
			continue
		}

		var reply []byte
		if a.frames != nil {
			reply, err = a.frames.HandleFrame(ctx, a.key, h.id, frame)
			if err != nil {
				a.logger.WarnContext(ctx, "frame handler failed", "session_id", h.id.String(), "error", err)
			}
		}
		if !a.post(activityCmd{id: h.id, reply: reply}) {
			return
		}
	}
}
