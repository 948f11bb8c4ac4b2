package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends for balance records.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the whole process configuration, read from TALLY_* variables.
type Config struct {
	Server  Server
	Log     Log
	Cache   Cache
	Breaker Breaker
	Retry   Retry
	Store   Store
	Redis   RedisConfig
	Kafka   Kafka
	Audit   Audit
	Consent Consent
	Profile Profile
	Tracing Tracing
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"TALLY_HTTP_ADDR" envDefault:":8080"`
	JWTSigningKey   string        `env:"TALLY_JWT_SIGNING_KEY"`
	ShutdownTimeout time.Duration `env:"TALLY_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `env:"TALLY_LOG_LEVEL" envDefault:"info"`
	Format string `env:"TALLY_LOG_FORMAT" envDefault:"json"`
}

// Cache configures the balance record cache.
type Cache struct {
	TTL             time.Duration `env:"TALLY_CACHE_TTL" envDefault:"30s"`
	JanitorInterval time.Duration `env:"TALLY_CACHE_JANITOR_INTERVAL"`
}

// Breaker configures every circuit breaker the process builds.
type Breaker struct {
	FailureThreshold int           `env:"TALLY_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  time.Duration `env:"TALLY_BREAKER_RECOVERY_TIMEOUT" envDefault:"60s"`
}

// Retry configures backoff for store reads and profile lookups.
type Retry struct {
	MaxRetries   int           `env:"TALLY_RETRY_MAX" envDefault:"3"`
	InitialDelay time.Duration `env:"TALLY_RETRY_INITIAL_DELAY" envDefault:"1s"`
	MaxDelay     time.Duration `env:"TALLY_RETRY_MAX_DELAY" envDefault:"30s"`
	Base         float64       `env:"TALLY_RETRY_BASE" envDefault:"2.0"`
	Jitter       bool          `env:"TALLY_RETRY_JITTER" envDefault:"true"`
}

// Store selects where balance, consent, and audit records live.
type Store struct {
	Backend         string        `env:"TALLY_STORE_BACKEND" envDefault:"memory"`
	PostgresDSN     string        `env:"TALLY_POSTGRES_DSN"`
	MaxOpenConns    int           `env:"TALLY_POSTGRES_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"TALLY_POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"TALLY_POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	Migrate         bool          `env:"TALLY_POSTGRES_MIGRATE" envDefault:"true"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	URL          string        `env:"TALLY_REDIS_URL"`
	PoolSize     int           `env:"TALLY_REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"TALLY_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"TALLY_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"TALLY_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"TALLY_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Kafka configures the optional audit mirror.
type Kafka struct {
	Brokers           []string `env:"TALLY_KAFKA_BROKERS" envSeparator:","`
	AuditTopic        string   `env:"TALLY_KAFKA_AUDIT_TOPIC" envDefault:"tally.audit"`
	Partitions        int32    `env:"TALLY_KAFKA_AUDIT_PARTITIONS" envDefault:"3"`
	ReplicationFactor int16    `env:"TALLY_KAFKA_AUDIT_REPLICATION" envDefault:"1"`
}

// Enabled reports whether a mirror should be started.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// Audit configures the audit publisher.
type Audit struct {
	BufferSize   int           `env:"TALLY_AUDIT_BUFFER" envDefault:"1024"`
	WriteTimeout time.Duration `env:"TALLY_AUDIT_WRITE_TIMEOUT" envDefault:"5s"`
}

// Consent toggles the consent gate on balance changes.
type Consent struct {
	Required bool   `env:"TALLY_CONSENT_REQUIRED" envDefault:"true"`
	Version  string `env:"TALLY_CONSENT_VERSION"`
}

// Profile configures the external profile API client.
type Profile struct {
	BaseURL  string        `env:"TALLY_PROFILE_API_URL"`
	Timeout  time.Duration `env:"TALLY_PROFILE_API_TIMEOUT" envDefault:"10s"`
	CacheTTL time.Duration `env:"TALLY_PROFILE_CACHE_TTL" envDefault:"5m"`
}

// Tracing configures OTLP span export. An empty endpoint disables export.
type Tracing struct {
	Endpoint    string  `env:"TALLY_OTEL_ENDPOINT"`
	SampleRatio float64 `env:"TALLY_OTEL_SAMPLE_RATIO" envDefault:"1.0"`
}

// Load reads Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("TALLY_POSTGRES_DSN is required for the %s backend", BackendPostgres)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("TALLY_REDIS_URL is required for the %s backend", BackendRedis)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("TALLY_BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("TALLY_RETRY_MAX must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TALLY_OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.Retry.Base < 1 {
		return fmt.Errorf("TALLY_RETRY_BASE must be at least 1")
	}
	return nil
}
