// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL"

// Load builds the configuration. KESTREL_PROFILE picks the defaults;
// path may be empty.
func Load(path string) (*domain.Config, error) {
	base := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"_PROFILE"), string(domain.ProfileCluster)) {
		base = domain.ClusterConfig()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, base)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("profile", string(c.Profile))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)
	v.SetDefault("repository.connect_timeout", c.Repository.ConnectTimeout)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)
	v.SetDefault("cache.whitelist_ttl", c.Cache.WhitelistTTL)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)
	v.SetDefault("event_bus.nats_queue_group", c.EventBus.NATSQueueGroup)
	v.SetDefault("event_bus.kafka_brokers", c.EventBus.KafkaBrokers)
	v.SetDefault("event_bus.kafka_group_id", c.EventBus.KafkaGroupID)

	v.SetDefault("workflow.chunk_size", c.Workflow.ChunkSize)
	v.SetDefault("workflow.scorer_timeout", c.Workflow.ScorerTimeout)
	v.SetDefault("workflow.async", c.Workflow.Async)
	v.SetDefault("workflow.lock", c.Workflow.Lock)
	v.SetDefault("workflow.lock_ttl", c.Workflow.LockTTL)

	v.SetDefault("scorer.type", c.Scorer.Type)
	v.SetDefault("scorer.url", c.Scorer.URL)
	v.SetDefault("scorer.timeout", c.Scorer.Timeout)
	v.SetDefault("scorer.breaker_max_requests", c.Scorer.BreakerMaxRequests)
	v.SetDefault("scorer.breaker_interval", c.Scorer.BreakerInterval)
	v.SetDefault("scorer.breaker_open_timeout", c.Scorer.BreakerOpenTimeout)
	v.SetDefault("scorer.breaker_failure_ratio", c.Scorer.BreakerFailureRatio)

	v.SetDefault("rate_limit.enabled", c.RateLimit.Enabled)
	v.SetDefault("rate_limit.rps", c.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", c.RateLimit.Burst)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
}

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration and joins every problem found.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fieldErr("server.port", "must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout <= 0 {
		errs = append(errs, fieldErr("server.read_timeout", "must be positive"))
	}
	if cfg.Server.WriteTimeout <= 0 {
		errs = append(errs, fieldErr("server.write_timeout", "must be positive"))
	}

	switch cfg.Repository.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Repository.PostgresHost == "" {
			errs = append(errs, fieldErr("repository.postgres_host", "required for postgres"))
		}
	default:
		errs = append(errs, fieldErr("repository.driver", "unsupported driver %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			errs = append(errs, fieldErr("cache.redis_addr", "required for redis"))
		}
	default:
		errs = append(errs, fieldErr("cache.type", "unsupported cache %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "", "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			errs = append(errs, fieldErr("event_bus.nats_url", "required for nats"))
		}
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			errs = append(errs, fieldErr("event_bus.kafka_brokers", "required for kafka"))
		}
	default:
		errs = append(errs, fieldErr("event_bus.type", "unsupported event bus %q", cfg.EventBus.Type))
	}

	if cfg.Workflow.ChunkSize <= 0 {
		errs = append(errs, fieldErr("workflow.chunk_size", "must be positive"))
	}
	if cfg.Workflow.ScorerTimeout <= 0 {
		errs = append(errs, fieldErr("workflow.scorer_timeout", "must be positive"))
	}
	switch cfg.Workflow.Lock {
	case "", "local":
	case "lease":
		if cfg.Workflow.LockTTL <= 0 {
			errs = append(errs, fieldErr("workflow.lock_ttl", "must be positive for lease locks"))
		}
	default:
		errs = append(errs, fieldErr("workflow.lock", "unsupported lock %q", cfg.Workflow.Lock))
	}

	switch cfg.Scorer.Type {
	case "", "none":
	case "http":
		if cfg.Scorer.URL == "" {
			errs = append(errs, fieldErr("scorer.url", "required for http scorer"))
		}
	default:
		errs = append(errs, fieldErr("scorer.type", "unsupported scorer %q", cfg.Scorer.Type))
	}
	if r := cfg.Scorer.BreakerFailureRatio; r < 0 || r > 1 {
		errs = append(errs, fieldErr("scorer.breaker_failure_ratio", "must be within [0,1], got %v", r))
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		errs = append(errs, fieldErr("rate_limit", "rps and burst must be positive when enabled"))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fieldErr("logging.level", "unsupported level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fieldErr("logging.format", "unsupported format %q", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}
