package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/domain"
)

const leaseReleaseTimeout = 2 * time.Second

// actorCmd is the command interface for the actor mailbox.
type actorCmd interface{ isActorCmd() }

type baseActorCmd struct{}

func (baseActorCmd) isActorCmd() {}

type connectResult struct {
	id  uuid.UUID
	err error
}

type connectCmd struct {
	baseActorCmd
	ctx    context.Context
	conn   domain.Conn
	filter *domain.Filter
	reply  chan connectResult
}

type broadcastCmd struct {
	baseActorCmd
	ctx   context.Context
	env   domain.Envelope
	reply chan domain.DeliveryReport
}

// activityCmd records inbound traffic and optionally writes a reply to the sender.
type activityCmd struct {
	baseActorCmd
	id    uuid.UUID
	reply []byte
}

type closeSessionCmd struct {
	baseActorCmd
	id     uuid.UUID
	reason closeReason
	found  chan bool // nil when nobody waits
}

type countCmd struct {
	baseActorCmd
	reply chan int
}

type stopCmd struct {
	baseActorCmd
	reason closeReason
}

// Actor owns the sessions of one key. Everything but the mailbox is confined to run.
type Actor struct {
	key      string
	cfg      Config
	clock    clockwork.Clock
	cmdCh    chan actorCmd
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	registry *Registry
	frames   domain.FrameHandler
	lease    domain.Lease
	metrics  *metrics.ActorMetrics
	logger   *slog.Logger
	onExit   func(*Actor)

	emptySince time.Time
}

func newActor(key string, cfg Config, clock clockwork.Clock, lease domain.Lease, frames domain.FrameHandler, m *metrics.ActorMetrics, onExit func(*Actor)) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		key:        key,
		cfg:        cfg,
		clock:      clock,
		cmdCh:      make(chan actorCmd, cfg.MailboxSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		registry:   NewRegistry(),
		frames:     frames,
		lease:      lease,
		metrics:    m,
		logger:     slog.With("actor_key", key),
		onExit:     onExit,
		emptySince: clock.Now(),
	}
}

func (a *Actor) start() {
	if a.lease != nil {
		go a.keepLease()
	}
	go a.run()
}

// post enqueues cmd unless the actor has exited.
func (a *Actor) post(cmd actorCmd) bool {
	select {
	case a.cmdCh <- cmd:
		return true
	case <-a.done:
		return false
	}
}

func (a *Actor) request(ctx context.Context, cmd actorCmd) error {
	select {
	case a.cmdCh <- cmd:
		return nil
	case <-a.done:
		return domain.ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for a reply. Once the actor is gone a reply already sent still wins.
func await[T any](ctx context.Context, a *Actor, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-a.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, domain.ErrActorStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (a *Actor) connect(ctx context.Context, conn domain.Conn, filter *domain.Filter) (uuid.UUID, error) {
	reply := make(chan connectResult, 1)
	if err := a.request(ctx, connectCmd{ctx: ctx, conn: conn, filter: filter, reply: reply}); err != nil {
		return uuid.Nil, err
	}
	res, err := await(ctx, a, reply)
	if err != nil {
		return uuid.Nil, err
	}
	return res.id, res.err
}

func (a *Actor) broadcast(ctx context.Context, env domain.Envelope) (domain.DeliveryReport, error) {
	reply := make(chan domain.DeliveryReport, 1)
	if err := a.request(ctx, broadcastCmd{ctx: ctx, env: env, reply: reply}); err != nil {
		return domain.DeliveryReport{}, err
	}
	return await(ctx, a, reply)
}

func (a *Actor) count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := a.request(ctx, countCmd{reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, a, reply)
}

func (a *Actor) disconnect(ctx context.Context, id uuid.UUID) (bool, error) {
	found := make(chan bool, 1)
	if err := a.request(ctx, closeSessionCmd{id: id, reason: reasonLocal, found: found}); err != nil {
		return false, err
	}
	return await(ctx, a, found)
}

// stop asks the actor to close its sessions and exit, waiting until it has.
func (a *Actor) stop(ctx context.Context, reason closeReason) error {
	select {
	case a.cmdCh <- stopCmd{reason: reason}:
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.metrics.StopTimeouts.Inc()
		return ctx.Err()
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.metrics.StopTimeouts.Inc()
		a.logger.Warn("actor stop timeout exceeded", "reason", string(reason))
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer a.exit()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("actor panic recovered", "panic", r)
			a.metrics.Panics.Inc()
			a.closeAll(reasonPanic)
		}
	}()

	ticker := a.clock.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-a.cmdCh:
			if a.handle(cmd) {
				return
			}
		case <-ticker.Chan():
			if a.sweep() {
				a.logger.Info("actor passivated")
				return
			}
		}
	}
}

// handle executes one command and reports whether the actor should exit.
func (a *Actor) handle(cmd actorCmd) bool {
	switch c := cmd.(type) {
	case connectCmd:
		c.reply <- a.handleConnect(c)
	case broadcastCmd:
		c.reply <- a.deliver(c.ctx, c.env)
	case activityCmd:
		a.handleActivity(c)
	case closeSessionCmd:
		s, ok := a.registry.Get(c.id)
		if ok {
			a.teardown(s, c.reason)
		}
		if c.found != nil {
			c.found <- ok
		}
	case countCmd:
		c.reply <- a.registry.Size()
	case stopCmd:
		a.logger.Info("actor stopping", "reason", string(c.reason), "sessions", a.registry.Size())
		a.closeAll(c.reason)
		return true
	default:
		a.logger.Warn("actor received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
	return false
}

func (a *Actor) handleConnect(c connectCmd) connectResult {
	if a.registry.Size() >= a.cfg.MaxSessionsPerActor {
		a.logger.WarnContext(c.ctx, "rejecting session: max sessions reached", "max_sessions", a.cfg.MaxSessionsPerActor)
		_ = c.conn.Close(domain.CloseTryAgainLater, "too many sessions")
		return connectResult{err: fmt.Errorf("%w: max sessions per actor (%d) reached", domain.ErrActorUnavailable, a.cfg.MaxSessionsPerActor)}
	}

	s := newSession(c.conn, c.filter, a.clock.Now())
	if err := a.accept(s); err != nil {
		a.logger.WarnContext(c.ctx, "session handshake failed", "session_id", s.id.String(), "error", err)
		return connectResult{err: err}
	}

	if err := a.registry.Register(s); err != nil {
		a.logger.ErrorContext(c.ctx, "session registration rejected", "session_id", s.id.String(), "error", err)
		_ = s.transition(domain.SessionClosing)
		_ = s.conn.Close(domain.CloseInternalError, "internal error")
		_ = s.transition(domain.SessionClosed)
		return connectResult{err: err}
	}

	a.emptySince = time.Time{}
	a.metrics.SessionsOpened.Inc()
	a.metrics.LiveSessions.Inc()
	a.logger.DebugContext(c.ctx, "session registered", "session_id", s.id.String(), "total_sessions", a.registry.Size())
	return connectResult{id: s.id}
}

func (a *Actor) handleActivity(c activityCmd) {
	s, ok := a.registry.Get(c.id)
	if !ok {
		return
	}
	s.touch(a.clock.Now())
	if c.reply == nil {
		return
	}
	if err := a.send(s, c.reply); err != nil {
		a.metrics.SessionsPruned.Inc()
		a.teardown(s, reasonSendFailure)
	}
}

// sweep pings quiet sessions, reaps dead ones and reports whether the actor has
// been empty long enough to passivate.
func (a *Actor) sweep() bool {
	now := a.clock.Now()
	depth := len(a.cmdCh)
	a.metrics.MailboxDepth.Observe(float64(depth))
	if depth > cap(a.cmdCh)*4/5 {
		a.logger.Warn("actor mailbox near capacity", "depth", depth, "capacity", cap(a.cmdCh))
	}

	a.registry.ForEach(func(s *Session) {
		idle := s.idleFor(now)
		switch {
		case idle >= a.cfg.IdleTimeout:
			a.metrics.SessionsReaped.Inc()
			a.teardown(s, reasonIdle)
		case idle >= a.cfg.PingInterval:
			ctx, cancel := context.WithTimeout(a.ctx, a.cfg.SendTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				a.metrics.SessionsReaped.Inc()
				a.teardown(s, reasonSendFailure)
			}
		}
	})

	if a.registry.Size() > 0 || len(a.cmdCh) > 0 || a.emptySince.IsZero() {
		return false
	}
	return now.Sub(a.emptySince) >= a.cfg.IdleActorTTL
}

// keepLease renews the actor's lease every third of its TTL. Losing it, or failing
// to renew for a whole TTL, stops the actor.
func (a *Actor) keepLease() {
	interval := a.cfg.LeaseTTL / 3
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := a.clock.Now()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(a.ctx, interval)
			err := a.lease.Renew(ctx)
			cancel()

			if err == nil {
				lastRenewed = a.clock.Now()
				continue
			}
			if a.ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrLeaseLost) || a.clock.Since(lastRenewed) >= a.cfg.LeaseTTL {
				a.logger.Warn("actor lease lost, stopping", "error", err)
				a.post(stopCmd{reason: reasonLeaseLost})
				return
			}
			a.logger.Warn("actor lease renewal failed", "error", err)
		}
	}
}

// exit releases the lease, deregisters from the manager and answers whatever is
// still queued, in that order, before closing done.
func (a *Actor) exit() {
	a.cancel()

	if a.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		if err := a.lease.Release(ctx); err != nil {
			a.logger.Warn("failed to release actor lease", "error", err)
		}
		cancel()
	}

	if a.onExit != nil {
		a.onExit(a)
	}

	a.drain()
	close(a.done)
}

func (a *Actor) drain() {
	for {
		select {
		case cmd := <-a.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				c.reply <- connectResult{err: domain.ErrActorStopped}
			case closeSessionCmd:
				if c.found != nil {
					c.found <- false
				}
			}
		default:
			return
		}
	}
}
