package actor

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

// Registry maps session ids to live sessions for one actor.
// Not safe for concurrent use; only the owning actor goroutine calls it.
type Registry struct {
	sessions map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *Registry) Register(s *Session) error {
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSession, s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Unregister removes id if present and reports whether it did.
func (r *Registry) Unregister(id uuid.UUID) bool {
	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// ForEach visits a snapshot taken at call time, ordered by connect time then id.
// The visitor may register or unregister sessions without affecting the walk.
func (r *Registry) ForEach(visit func(*Session)) {
	for _, s := range r.snapshot() {
		visit(s)
	}
}

func (r *Registry) snapshot() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.connectedAt.Compare(b.connectedAt); c != 0 {
			return c
		}
		return slices.Compare(a.id[:], b.id[:])
	})
	return out
}

func (r *Registry) Size() int {
	return len(r.sessions)
}
