// Package redis holds the Redis-backed pieces of the fanout service: the client
// with its metrics and circuit-breaker hooks, the per-key actor lease and the
// pub/sub broadcast ingress.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupPingTimeout = 2 * time.Second
	startupMaxRetries  = 5
)

// NewClient parses redisURL, installs the metrics and circuit-breaker hooks and
// waits, with exponential backoff, until the server answers a PING.
func NewClient(ctx context.Context, redisURL string, m *metrics.RedisMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if m != nil {
		rdb.AddHook(NewMetricsHook(m))
	}
	rdb.AddHook(NewCircuitBreakerHook(m))

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), startupMaxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("Redis not reachable yet, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}
