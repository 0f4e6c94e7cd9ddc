package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	leaseAcquireTimeout = 2 * time.Second
	maxConnectAttempts  = 3
)

// Config tunes actor activation, delivery and reaping.
type Config struct {
	MaxActors           int
	MaxSessionsPerActor int
	MailboxSize         int
	SendTimeout         time.Duration
	IdleTimeout         time.Duration
	PingInterval        time.Duration
	SweepInterval       time.Duration
	IdleActorTTL        time.Duration
	LeaseTTL            time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxActors:           10000,
		MaxSessionsPerActor: 1000,
		MailboxSize:         256,
		SendTimeout:         5 * time.Second,
		IdleTimeout:         60 * time.Second,
		PingInterval:        20 * time.Second,
		SweepInterval:       5 * time.Second,
		IdleActorTTL:        2 * time.Minute,
		LeaseTTL:            15 * time.Second,
	}
}

// Manager is the actor shell: it resolves a key to its single actor, activating
// one on demand, and routes connects and broadcasts to it.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	leaser  domain.Leaser
	frames  domain.FrameHandler
	metrics *metrics.ActorMetrics

	mu       sync.Mutex
	actors   map[string]*Actor
	stopping bool
	group    singleflight.Group
}

// NewManager creates a manager. leaser may be nil for single-process deployments;
// m may be nil in tests.
func NewManager(cfg Config, clock clockwork.Clock, leaser domain.Leaser, frames domain.FrameHandler, m *metrics.ActorMetrics) *Manager {
	if m == nil {
		m = metrics.NewActorMetrics(prometheus.NewRegistry())
	}
	if frames == nil {
		frames = DiscardFrameHandler{}
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		leaser:  leaser,
		frames:  frames,
		metrics: m,
		actors:  make(map[string]*Actor),
	}
}

// Activate makes sure an actor for key is running on this instance.
func (m *Manager) Activate(ctx context.Context, key string) error {
	_, err := m.activate(ctx, key)
	return err
}

func (m *Manager) lookup(key string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[key]
}

func (m *Manager) activate(ctx context.Context, key string) (*Actor, error) {
	if a := m.lookup(key); a != nil {
		return a, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if a := m.lookup(key); a != nil {
			return a, nil
		}
		if err := m.admit(); err != nil {
			return nil, err
		}

		var lease domain.Lease
		if m.leaser != nil {
			// Detached so one caller's disconnect doesn't fail activation for the others.
			leaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseAcquireTimeout)
			l, err := m.leaser.Acquire(leaseCtx, key)
			cancel()
			if errors.Is(err, domain.ErrLeaseHeld) {
				return nil, m.reject("lease_held", err)
			}
			if err != nil {
				return nil, m.reject("lease_error", err)
			}
			lease = l
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.admitLocked(); err != nil {
			if lease != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
				_ = lease.Release(releaseCtx)
				cancel()
			}
			return nil, err
		}

		a := newActor(key, m.cfg, m.clock, lease, m.frames, m.metrics, m.remove)
		m.actors[key] = a
		m.metrics.ActiveActors.Set(float64(len(m.actors)))
		a.start()
		slog.InfoContext(ctx, "actor activated", "actor_key", key, "active_actors", len(m.actors))
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Actor), nil
}

func (m *Manager) admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked()
}

func (m *Manager) admitLocked() error {
	if m.stopping {
		return m.reject("shutting_down", errors.New("manager is shutting down"))
	}
	if len(m.actors) >= m.cfg.MaxActors {
		return m.reject("capacity", fmt.Errorf("max actors (%d) reached", m.cfg.MaxActors))
	}
	return nil
}

func (m *Manager) reject(reason string, cause error) error {
	m.metrics.ActivationRejections.WithLabelValues(reason).Inc()
	return fmt.Errorf("%w: %v", domain.ErrActorUnavailable, cause)
}

func (m *Manager) remove(a *Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[a.key] == a {
		delete(m.actors, a.key)
		m.metrics.ActiveActors.Set(float64(len(m.actors)))
	}
}

// Connect registers conn as a new session of key's actor. On error the caller still
// owns conn, except that a refused session has already been sent a close frame.
func (m *Manager) Connect(ctx context.Context, key string, conn domain.Conn, filter *domain.Filter) (*Handle, error) {
	for range maxConnectAttempts {
		a, err := m.activate(ctx, key)
		if err != nil {
			return nil, err
		}

		id, err := a.connect(ctx, conn, filter)
		if errors.Is(err, domain.ErrActorStopped) {
			// Passivated between lookup and enqueue; the next activation is fresh.
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Handle{actor: a, id: id, conn: conn}, nil
	}
	return nil, fmt.Errorf("%w: actor kept stopping during connect", domain.ErrActorUnavailable)
}

// Broadcast delivers env to key's live sessions. A key without an active actor has
// no sessions, so it yields an empty report and is not activated.
func (m *Manager) Broadcast(ctx context.Context, key string, env domain.Envelope) (domain.DeliveryReport, error) {
	empty := domain.DeliveryReport{Pruned: []uuid.UUID{}}

	a := m.lookup(key)
	if a == nil {
		return empty, nil
	}
	report, err := a.broadcast(ctx, env)
	if errors.Is(err, domain.ErrActorStopped) {
		return empty, nil
	}
	if err != nil {
		return empty, err
	}
	return report, nil
}

// SessionCount returns the live session count for key, zero when it is not active.
func (m *Manager) SessionCount(ctx context.Context, key string) (int, error) {
	a := m.lookup(key)
	if a == nil {
		return 0, nil
	}
	n, err := a.count(ctx)
	if errors.Is(err, domain.ErrActorStopped) {
		return 0, nil
	}
	return n, err
}

// Disconnect closes one session locally. It reports whether the session existed.
func (m *Manager) Disconnect(ctx context.Context, key string, id uuid.UUID) (bool, error) {
	a := m.lookup(key)
	if a == nil {
		return false, nil
	}
	found, err := a.disconnect(ctx, id)
	if errors.Is(err, domain.ErrActorStopped) {
		return false, nil
	}
	return found, err
}

func (m *Manager) ActiveActors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Stopping reports whether Stop has been called.
func (m *Manager) Stopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Stop refuses new activations and stops every actor, closing its sessions with
// going-away. It returns ctx's error if some actors did not stop in time.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	slog.Info("stopping actors", "count", len(actors))

	var g errgroup.Group
	for _, a := range actors {
		g.Go(func() error {
			return a.stop(ctx, reasonShutdown)
		})
	}
	return g.Wait()
}
