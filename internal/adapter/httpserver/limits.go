package httpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupEvery = 5 * time.Minute
	rateLimiterIdleAfter    = 10 * time.Minute
)

// LimitReason names the admission limit an upgrade request ran into.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits bounds concurrent upgraded connections globally and per IP,
// and the rate at which one IP may open new ones.
type ConnectionLimits struct {
	globalMax int64
	global    atomic.Int64

	mu       sync.Mutex
	perIPMax int
	perIP    map[string]int

	rate *connectionRateLimiter
}

func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return newConnectionLimits(globalMax, perIPMax, connectionsPerSecond, burst, clockwork.NewRealClock())
}

func newConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		globalMax: globalMax,
		perIPMax:  perIPMax,
		perIP:     make(map[string]int),
		rate:      newConnectionRateLimiter(rate.Limit(connectionsPerSecond), burst, clock),
	}
}

// Acquire takes a slot for ip. On failure nothing is held and the reason names
// the first limit hit.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}
	if !l.acquireIP(ip) {
		l.global.Add(-1)
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release returns a slot taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if n := l.perIP[ip]; n > 1 {
		l.perIP[ip] = n - 1
	} else {
		delete(l.perIP, ip)
	}
	l.mu.Unlock()

	l.global.Add(-1)
}

func (l *ConnectionLimits) Current() int64 {
	return l.global.Load()
}

func (l *ConnectionLimits) CountIP(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.global.Load()
		if current >= l.globalMax {
			return false
		}
		if l.global.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) acquireIP(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perIP[ip] >= l.perIPMax {
		return false
	}
	l.perIP[ip]++
	return true
}

// connectionRateLimiter is a token bucket per IP. Buckets unused for
// rateLimiterIdleAfter are dropped.
type connectionRateLimiter struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newConnectionRateLimiter(r rate.Limit, burst int, clock clockwork.Clock) *connectionRateLimiter {
	return &connectionRateLimiter{
		clock:     clock,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      r,
		burst:     burst,
		cleanupAt: clock.Now().Add(rateLimiterCleanupEvery),
	}
}

func (l *connectionRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(rateLimiterCleanupEvery)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanup must be called with mu held.
func (l *connectionRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleAfter)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *connectionRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
