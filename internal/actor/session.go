package actor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

// Session is one live connection and its metadata. Owned by a single actor.
type Session struct {
	id           uuid.UUID
	conn         domain.Conn
	filter       *domain.Filter
	state        domain.SessionState
	connectedAt  time.Time
	lastActivity time.Time
}

func newSession(conn domain.Conn, filter *domain.Filter, now time.Time) *Session {
	return &Session{
		id:           uuid.New(),
		conn:         conn,
		filter:       filter,
		state:        domain.SessionConnecting,
		connectedAt:  now,
		lastActivity: now,
	}
}

func (s *Session) ID() uuid.UUID              { return s.id }
func (s *Session) State() domain.SessionState { return s.state }

var validTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionConnecting: {domain.SessionOpen, domain.SessionClosed},
	domain.SessionOpen:       {domain.SessionClosing},
	domain.SessionClosing:    {domain.SessionClosed},
}

func (s *Session) transition(to domain.SessionState) error {
	for _, next := range validTransitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, s.state, to)
}

func (s *Session) live() bool {
	return s.state == domain.SessionConnecting || s.state == domain.SessionOpen
}

func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.lastActivity)
}

// subscribed reports whether a filter-targeted event reaches this session.
// Sessions without a subscription filter only receive "all" and direct sends.
func (s *Session) subscribed(eventType, entityID string) bool {
	if s.filter == nil {
		return false
	}
	return s.filter.Matches(eventType, entityID)
}
