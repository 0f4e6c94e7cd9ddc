package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/fanout/internal/actor"
	"github.com/pscheid92/fanout/internal/adapter/httpserver"
	"github.com/pscheid92/fanout/internal/adapter/kafka"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	"github.com/pscheid92/fanout/internal/adapter/redis"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/platform/config"
	"github.com/pscheid92/fanout/internal/platform/logging"
	"github.com/pscheid92/fanout/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *goredis.Client {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, running without actor leases or pub/sub ingress")
		return nil
	}
	client, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func actorConfig(cfg *config.Config) actor.Config {
	return actor.Config{
		MaxActors:           cfg.MaxActors,
		MaxSessionsPerActor: cfg.MaxSessionsPerActor,
		MailboxSize:         cfg.MailboxSize,
		SendTimeout:         cfg.SendTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		PingInterval:        cfg.PingInterval,
		SweepInterval:       cfg.SweepInterval,
		IdleActorTTL:        cfg.ActorIdleTTL,
		LeaseTTL:            cfg.LeaseTTL,
	}
}

// setupFrames picks the handler for non-heartbeat inbound frames. The returned
// forwarder is nil unless frames are published to Kafka.
func setupFrames(cfg *config.Config) (domain.FrameHandler, *kafka.FrameForwarder) {
	switch {
	case cfg.EchoFrames:
		return actor.EchoFrameHandler{}, nil
	case cfg.KafkaEnabled() && cfg.KafkaInboundTopic != "":
		fwd, err := kafka.NewFrameForwarder(cfg.KafkaBrokers, cfg.KafkaInboundTopic, cfg.InstanceID)
		if err != nil {
			slog.Error("Failed to create Kafka frame forwarder", "error", err)
			os.Exit(1)
		}
		return fwd, fwd
	default:
		return actor.DiscardFrameHandler{}, nil
	}
}

type ingress struct {
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	consumer *kafka.Consumer
}

func startIngress(cfg *config.Config, rdb *goredis.Client, mgr *actor.Manager, reg prometheus.Registerer) *ingress {
	ctx, cancel := context.WithCancel(context.Background())
	in := &ingress{cancel: cancel}
	m := metrics.NewIngressMetrics(reg)

	if rdb != nil {
		sub := redis.NewBroadcastSubscriber(rdb, mgr, m)
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			sub.Start(ctx)
		}()
		slog.Info("Redis broadcast ingress started", "channel", redis.BroadcastChannel)
	}

	if cfg.KafkaEnabled() {
		consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup(), cfg.KafkaTopic, cfg.InstanceID, mgr, m)
		if err != nil {
			slog.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		in.consumer = consumer
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			if err := consumer.Run(ctx); err != nil {
				slog.Error("Kafka consumer stopped", "error", err)
			}
		}()
		slog.Info("Kafka broadcast ingress started", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroup)
	}

	return in
}

func (in *ingress) stop() {
	in.cancel()
	if in.consumer != nil {
		if err := in.consumer.Close(); err != nil {
			slog.Error("Failed to close Kafka consumer", "error", err)
		}
	}
	in.wg.Wait()
}

func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, in *ingress, mgr *actor.Manager) <-chan struct{} {
	done := make(chan struct{})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	go func() {
		defer stop()
		<-ctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		in.stop()

		if err := mgr.Stop(shutdownCtx); err != nil {
			slog.Error("Actors did not stop in time", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get(cfg.InstanceID)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "instance_id", cfg.InstanceID)

	reg := metrics.NewRegistry()

	redisClient := setupRedis(context.Background(), cfg, reg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Pass nil explicitly to avoid a typed-nil interface.
	var leaser domain.Leaser
	var healthChecks []httpserver.HealthCheck
	if redisClient != nil {
		leaser = redis.NewLeaser(redisClient, cfg.InstanceID, cfg.LeaseTTL)
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	frames, forwarder := setupFrames(cfg)
	if forwarder != nil {
		defer func() { _ = forwarder.Close() }()
	}

	mgr := actor.NewManager(actorConfig(cfg), clock, leaser, frames, metrics.NewActorMetrics(reg))
	in := startIngress(cfg, redisClient, mgr, reg)

	srv := httpserver.NewServer(cfg, mgr, reg, healthChecks)
	done := runGracefulShutdown(cfg, srv, in, mgr)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
