package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv         string   `env:"APP_ENV" default:"development"`
	Port           string   `env:"PORT" default:"8080"`
	LogLevel       string   `env:"LOG_LEVEL" default:"info"`
	LogFormat      string   `env:"LOG_FORMAT" default:"text"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`
	InstanceID     string   `env:"INSTANCE_ID"`

	MaxActors           int           `env:"MAX_ACTORS" default:"10000"`
	MaxSessionsPerActor int           `env:"MAX_SESSIONS_PER_ACTOR" default:"1000"`
	MailboxSize         int           `env:"MAILBOX_SIZE" default:"256"`
	SendTimeout         time.Duration `env:"SEND_TIMEOUT" default:"5s"`
	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT" default:"60s"`
	PingInterval        time.Duration `env:"PING_INTERVAL" default:"20s"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" default:"5s"`
	ActorIdleTTL        time.Duration `env:"ACTOR_IDLE_TTL" default:"2m"`
	EchoFrames          bool          `env:"ECHO_FRAMES" default:"false"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
	BroadcastRate       float64 `env:"BROADCAST_RATE" default:"100"`
	BroadcastBurst      int     `env:"BROADCAST_BURST" default:"200"`

	RedisURL string        `env:"REDIS_URL"`
	LeaseTTL time.Duration `env:"LEASE_TTL" default:"15s"`

	KafkaBrokers      []string `env:"KAFKA_BROKERS"`
	KafkaTopic        string   `env:"KAFKA_TOPIC" default:"fanout.broadcasts"`
	KafkaGroup        string   `env:"KAFKA_GROUP" default:"fanout"`
	KafkaInboundTopic string   `env:"KAFKA_INBOUND_TOPIC"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// KafkaConsumerGroup is this instance's own consumer group. Every instance reads
// every broadcast record, since the key's actor may live on any of them.
func (c *Config) KafkaConsumerGroup() string {
	return c.KafkaGroup + "-" + c.InstanceID
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fanout"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func validate(cfg *Config) error {
	positiveInts := []struct {
		name  string
		value int
	}{
		{"MAX_ACTORS", cfg.MaxActors},
		{"MAX_SESSIONS_PER_ACTOR", cfg.MaxSessionsPerActor},
		{"MAILBOX_SIZE", cfg.MailboxSize},
		{"MAX_CONNECTIONS", cfg.MaxConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_BURST", cfg.ConnectionBurst},
		{"BROADCAST_BURST", cfg.BroadcastBurst},
	}
	for _, f := range positiveInts {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"SEND_TIMEOUT", cfg.SendTimeout},
		{"IDLE_TIMEOUT", cfg.IdleTimeout},
		{"PING_INTERVAL", cfg.PingInterval},
		{"SWEEP_INTERVAL", cfg.SweepInterval},
		{"ACTOR_IDLE_TTL", cfg.ActorIdleTTL},
		{"LEASE_TTL", cfg.LeaseTTL},
		{"SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
	}
	for _, f := range positiveDurations {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.name, f.value)
		}
	}

	if cfg.IdleTimeout <= cfg.PingInterval {
		return fmt.Errorf("IDLE_TIMEOUT (%s) must be greater than PING_INTERVAL (%s)", cfg.IdleTimeout, cfg.PingInterval)
	}
	if cfg.ConnectionRate <= 0 || cfg.BroadcastRate <= 0 {
		return errors.New("CONNECTION_RATE and BROADCAST_RATE must be positive")
	}
	if cfg.KafkaEnabled() && cfg.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.KafkaEnabled() && cfg.KafkaGroup == "" {
		return errors.New("KAFKA_GROUP is required when KAFKA_BROKERS is set")
	}

	return nil
}
