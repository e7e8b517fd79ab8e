// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables; a local .env file is
// honoured for development.
package configs

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// LogLevel is the logrus level name (debug, info, warn, error).
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP contains the downstream server settings.
	HTTP HTTPConfig `envPrefix:"HTTP_"`

	// Upstream contains exchange stream settings.
	Upstream UpstreamConfig `envPrefix:"UPSTREAM_"`

	// Redis contains realtime cache settings.
	Redis RedisConfig `envPrefix:"REDIS_"`

	// Store contains persistent store settings.
	Store StoreConfig `envPrefix:"STORE_"`

	// Kafka contains the optional flush mirror settings.
	Kafka KafkaConfig `envPrefix:"KAFKA_"`

	// Scheduler contains periodic job settings.
	Scheduler SchedulerConfig `envPrefix:"SCHEDULER_"`

	// Hub contains downstream broadcast settings.
	Hub HubConfig `envPrefix:"HUB_"`

	// Symbols contains symbol registry settings.
	Symbols SymbolsConfig `envPrefix:"SYMBOLS_"`
}

// HTTPConfig holds the downstream HTTP/WebSocket server settings.
type HTTPConfig struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string `env:"ADDR" envDefault:":8080"`

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// GinMode is passed to gin.SetMode (debug, release, test).
	GinMode string `env:"GIN_MODE" envDefault:"release"`
}

// UpstreamConfig holds exchange connection settings.
type UpstreamConfig struct {
	// BaseURL is the combined stream endpoint without query string.
	BaseURL string `env:"BASE_URL" envDefault:"wss://stream.binance.com:9443/stream"`

	// ShardSize is the maximum number of symbols per connection.
	ShardSize int `env:"SHARD_SIZE" envDefault:"60"`

	// ReconnectDelay is the base reconnect delay, multiplied by the attempt number.
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`

	// MaxReconnectAttempts is the number of consecutive failed attempts before
	// a shard is abandoned.
	MaxReconnectAttempts int `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"10"`

	// StableAfter is how long a connection must stay open before its attempt
	// counter resets.
	StableAfter time.Duration `env:"STABLE_AFTER" envDefault:"1m"`

	// ReadTimeout closes a connection that received nothing for this long.
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`

	// DialsPerSecond paces shard dials on startup and reconnect.
	DialsPerSecond float64 `env:"DIALS_PER_SECOND" envDefault:"5"`
}

// RedisConfig holds realtime cache settings.
type RedisConfig struct {
	// Addr is the redis host:port.
	Addr string `env:"ADDR" envDefault:"localhost:6379"`

	// Password is optional.
	Password string `env:"PASSWORD"`

	// DB is the redis logical database.
	DB int `env:"DB" envDefault:"0"`

	// DialTimeout bounds connect, read and write operations.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"2s"`

	// ProbeInterval is how often an unavailable cache is re-probed.
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
}

// StoreConfig holds persistent store settings.
type StoreConfig struct {
	// Driver selects the backend: "clickhouse" or "sqlite".
	Driver string `env:"DRIVER" envDefault:"clickhouse"`

	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `env:"SQLITE_PATH" envDefault:"tickerhub.db"`

	// ClickHouse connection pieces, assembled by DSN().
	User     string `env:"CLICKHOUSE_USER" envDefault:"default"`
	Password string `env:"CLICKHOUSE_PASSWORD"`
	Host     string `env:"CLICKHOUSE_HOST" envDefault:"localhost"`
	Port     string `env:"CLICKHOUSE_TCP_PORT" envDefault:"9000"`
	Database string `env:"CLICKHOUSE_DB" envDefault:"default"`
}

// DSN constructs the ClickHouse DSN.
func (c StoreConfig) DSN() string {
	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// KafkaConfig holds the flush mirror settings. Empty Broker disables it.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string `env:"BROKER"`

	// Topic receives one message per flushed price record.
	Topic string `env:"TOPIC" envDefault:"tickerhub_prices"`
}

// SchedulerConfig holds periodic job settings.
type SchedulerConfig struct {
	// FlushInterval is the buffer flush period.
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`

	// BroadcastInterval is the price fan-out period.
	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL" envDefault:"1s"`

	// FlushWorkers bounds how many symbols are persisted concurrently.
	FlushWorkers int `env:"FLUSH_WORKERS" envDefault:"8"`

	// ShutdownFlushTimeout bounds the final flush on shutdown.
	ShutdownFlushTimeout time.Duration `env:"SHUTDOWN_FLUSH_TIMEOUT" envDefault:"10s"`
}

// HubConfig holds downstream client settings.
type HubConfig struct {
	// SendQueue is the per-client outbound queue length.
	SendQueue int `env:"SEND_QUEUE" envDefault:"64"`

	// RequestsPerSecond limits inbound client requests per connection.
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"10"`

	// RequestBurst is the limiter burst size.
	RequestBurst int `env:"REQUEST_BURST" envDefault:"20"`
}

// SymbolsConfig holds symbol registry settings.
type SymbolsConfig struct {
	// Source selects the registry: "file" or "db".
	Source string `env:"SOURCE" envDefault:"file"`

	// File is a YAML symbols file used by the file source.
	File string `env:"FILE"`

	// List is a comma-separated fallback symbol list for the file source.
	List []string `env:"LIST" envSeparator:"," envDefault:"BTCUSDT,ETHUSDT"`

	// StartupRetries is how many times an empty registry is re-read at startup.
	StartupRetries uint64 `env:"STARTUP_RETRIES" envDefault:"6"`

	// StartupRetryDelay is the delay between startup reads.
	StartupRetryDelay time.Duration `env:"STARTUP_RETRY_DELAY" envDefault:"10s"`
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *AppConfig) Validate() error {
	if c.Upstream.ShardSize < 1 {
		return fmt.Errorf("UPSTREAM_SHARD_SIZE must be positive, got %d", c.Upstream.ShardSize)
	}
	if c.Upstream.MaxReconnectAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_RECONNECT_ATTEMPTS must be positive, got %d", c.Upstream.MaxReconnectAttempts)
	}
	if c.Scheduler.FlushInterval <= 0 || c.Scheduler.BroadcastInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	switch c.Store.Driver {
	case "clickhouse", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Symbols.Source {
	case "file", "db":
	default:
		return fmt.Errorf("unknown SYMBOLS_SOURCE %q", c.Symbols.Source)
	}
	return nil
}
