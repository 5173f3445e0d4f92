package domain

import "time"

// Profile picks the backing services a deployment starts from before
// file and environment overrides are applied.
type Profile string

const (
	// ProfileStandalone is a single process: SQLite, in-process LRU cache
	// and channel bus, with workflows run inside the request.
	ProfileStandalone Profile = "standalone"
	// ProfileCluster shares state between API replicas and workers
	// through PostgreSQL, Redis and NATS.
	ProfileCluster Profile = "cluster"
)

// Config is the root of the configuration tree.
type Config struct {
	Profile    Profile          `mapstructure:"profile"`
	Server     ServerConfig     `mapstructure:"server"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Scorer     ScorerConfig     `mapstructure:"scorer"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RepositoryConfig selects the database. Only the fields of the chosen
// driver are read.
type RepositoryConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres

	// SQLitePath may be ":memory:" for a throwaway database.
	SQLitePath string `mapstructure:"sqlite_path"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// ConnectTimeout is how long startup keeps retrying an unreachable
	// database.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type CacheConfig struct {
	Type string `mapstructure:"type"` // memory, redis

	LocalMaxSize int           `mapstructure:"local_max_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// EnableTwoPhase puts a local LRU in front of Redis. Deletes are
	// broadcast so peers drop their local copies.
	EnableTwoPhase bool `mapstructure:"enable_two_phase"`

	WhitelistTTL time.Duration `mapstructure:"whitelist_ttl"`
}

type EventBusConfig struct {
	Type string `mapstructure:"type"` // channel, nats, kafka

	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	NATSUrl           string        `mapstructure:"nats_url"`
	NATSToken         string        `mapstructure:"nats_token"`
	NATSMaxReconnects int           `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait time.Duration `mapstructure:"nats_reconnect_wait"`
	NATSQueueGroup    string        `mapstructure:"nats_queue_group"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

// WorkflowConfig controls ingestion and the classification pipeline.
type WorkflowConfig struct {
	// ChunkSize is the number of rows committed per ingest transaction.
	ChunkSize int `mapstructure:"chunk_size"`

	// ScorerTimeout bounds the single anomaly-scorer call per session.
	ScorerTimeout time.Duration `mapstructure:"scorer_timeout"`

	// Async hands workflow runs to the event bus worker instead of
	// running them inside the request.
	Async bool `mapstructure:"async"`

	// Lock is "local" for a single process or "lease" to exclude
	// concurrent runs of a session across every replica sharing the
	// repository.
	Lock    string        `mapstructure:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// ScorerConfig selects the anomaly scorer and its circuit breaker.
type ScorerConfig struct {
	Type    string        `mapstructure:"type"` // none, http
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
}

// RateLimitConfig is a per-client token bucket for the API.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig is the standalone profile.
func DefaultConfig() *Config {
	return &Config{
		Profile: ProfileStandalone,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:         "sqlite",
			SQLitePath:     "./kestrel.db",
			ConnectTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			WhitelistTTL: time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Workflow: WorkflowConfig{
			ChunkSize:     250,
			ScorerTimeout: 30 * time.Second,
			Lock:          "local",
			LockTTL:       30 * time.Second,
		},
		Scorer: ScorerConfig{
			Type:                "none",
			Timeout:             30 * time.Second,
			BreakerMaxRequests:  3,
			BreakerInterval:     time.Minute,
			BreakerOpenTimeout:  30 * time.Second,
			BreakerFailureRatio: 0.5,
		},
		RateLimit: RateLimitConfig{Enabled: true, RPS: 50, Burst: 100},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Tracing:   TracingConfig{ServiceName: "kestrel"},
	}
}

// ClusterConfig is the cluster profile: the standalone defaults with
// shared backing services and asynchronous workflow runs.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster

	cfg.Repository.Driver = "postgres"
	cfg.Repository.PostgresHost = "localhost"
	cfg.Repository.PostgresPort = 5432
	cfg.Repository.PostgresDB = "kestrel"
	cfg.Repository.MaxOpenConns = 25
	cfg.Repository.MaxIdleConns = 5
	cfg.Repository.ConnectTimeout = time.Minute

	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 1000
	cfg.Cache.LocalTTL = 30 * time.Second
	cfg.Cache.WhitelistTTL = 5 * time.Minute

	cfg.EventBus.Type = "nats"
	cfg.EventBus.NATSUrl = "nats://localhost:4222"
	cfg.EventBus.NATSMaxReconnects = 10
	cfg.EventBus.NATSReconnectWait = 5 * time.Second

	cfg.Workflow.Async = true
	cfg.Workflow.Lock = "lease"
	cfg.Tracing.Enabled = true
	return cfg
}
