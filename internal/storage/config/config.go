package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TICKVAULT_"

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for all storage domains.
	DataDir string `yaml:"data_dir" env:"DATA_DIR" validate:"required"`

	// Exchange names the historical partition tree.
	Exchange string `yaml:"exchange" env:"EXCHANGE" validate:"required,alphanum"`

	// ReadOnly refuses market data writes (consumer processes).
	ReadOnly bool `yaml:"read_only" env:"READ_ONLY"`

	// Instruments is the subscribed instrument set.
	Instruments []Instrument `yaml:"instruments" validate:"dive"`

	Session      SessionConfig      `yaml:"session" envPrefix:"SESSION_"`
	Feed         FeedConfig         `yaml:"feed" envPrefix:"FEED_"`
	Backfill     BackfillConfig     `yaml:"backfill" envPrefix:"BACKFILL_"`
	Ingestion    IngestionConfig    `yaml:"ingestion" envPrefix:"INGESTION_"`
	Aggregation  AggregationConfig  `yaml:"aggregation" envPrefix:"AGGREGATION_"`
	Recovery     RecoveryConfig     `yaml:"recovery" envPrefix:"RECOVERY_"`
	Rollover     RolloverConfig     `yaml:"rollover" envPrefix:"ROLLOVER_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Backpressure BackpressureConfig `yaml:"backpressure" envPrefix:"BACKPRESSURE_"`
	Bus          BusConfig          `yaml:"bus" envPrefix:"BUS_"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat" envPrefix:"HEARTBEAT_"`
	Logging      LoggingConfig      `yaml:"logging" envPrefix:"LOG_"`
}

// Instrument maps a feed instrument key to the symbol stored in bars.
type Instrument struct {
	// Key is the upstream instrument key, e.g. "NSE_EQ|INE002A01018".
	Key string `yaml:"key" validate:"required"`

	// Symbol is the stored symbol. Defaults to Key.
	Symbol string `yaml:"symbol"`
}

// Name returns the stored symbol of the instrument.
func (i Instrument) Name() string {
	if i.Symbol != "" {
		return i.Symbol
	}
	return i.Key
}

// SessionConfig describes the exchange trading session.
type SessionConfig struct {
	// Timezone is the IANA exchange time zone.
	Timezone string `yaml:"timezone" env:"TIMEZONE" validate:"required"`

	// Open is the session open time of day ("09:15").
	Open string `yaml:"open" env:"OPEN" validate:"required"`

	// Close is the session close time of day ("15:30").
	Close string `yaml:"close" env:"CLOSE" validate:"required"`

	// Weekdays are the trading days ("mon".."sun").
	Weekdays []string `yaml:"weekdays" env:"WEEKDAYS" envSeparator:","`
}

// FeedConfig configures the real-time feed client.
type FeedConfig struct {
	// Enabled starts the feed client in the daemon.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// AuthorizeURL returns the short-lived websocket URL.
	AuthorizeURL string `yaml:"authorize_url" env:"AUTHORIZE_URL" validate:"required_if=Enabled true,omitempty,url"`

	// AccessToken is the bearer token. Normally supplied via environment.
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`

	// Mode is the subscription mode ("ltpc" or "full").
	Mode string `yaml:"mode" env:"MODE" validate:"oneof=ltpc full"`

	// ReconnectInitial is the first reconnect delay.
	ReconnectInitial time.Duration `yaml:"reconnect_initial" env:"RECONNECT_INITIAL" validate:"gt=0"`

	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX" validate:"gt=0"`

	// HandshakeTimeout bounds authorize and websocket handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT" validate:"gt=0"`

	// ReadTimeout closes a silent connection.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
}

// BackfillConfig configures the historical candle API client.
type BackfillConfig struct {
	// BaseURL of the historical candle API.
	BaseURL string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`

	// AccessToken defaults to feed.access_token.
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`

	// Timeout bounds one request.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`

	// Retries is the number of retries per request.
	Retries int `yaml:"retries" env:"RETRIES" validate:"gte=0"`

	// RetryWait is the first retry delay.
	RetryWait time.Duration `yaml:"retry_wait" env:"RETRY_WAIT" validate:"gt=0"`

	// RetryMaxWait caps the retry delay.
	RetryMaxWait time.Duration `yaml:"retry_max_wait" env:"RETRY_MAX_WAIT" validate:"gt=0"`
}

// IngestionConfig configures the tick buffer.
type IngestionConfig struct {
	// QueueSize is the feed -> buffer channel capacity.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE" validate:"gt=0"`

	// BufferCapacity is the hard capacity of the ring buffer.
	BufferCapacity int `yaml:"buffer_capacity" env:"BUFFER_CAPACITY" validate:"gt=0"`

	// BatchSize triggers a flush when reached.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE" validate:"gt=0"`

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL" validate:"gt=0"`

	// FlushRetries is the number of retries of a failed flush.
	FlushRetries int `yaml:"flush_retries" env:"FLUSH_RETRIES" validate:"gte=0"`

	// RetryDelay is the delay between flush retries.
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY" validate:"gte=0"`

	// KeepOnFailure is how many recent ticks survive a failed flush.
	KeepOnFailure int `yaml:"keep_on_failure" env:"KEEP_ON_FAILURE" validate:"gte=0"`
}

// AggregationConfig configures the tick-to-bar aggregator.
type AggregationConfig struct {
	// Interval is the aggregation cadence.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`

	// Publish broadcasts new bars on the bus when it is enabled.
	Publish bool `yaml:"publish" env:"PUBLISH"`
}

// RecoveryConfig configures gap recovery.
type RecoveryConfig struct {
	// Enabled runs scheduled recovery passes.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Interval is the recovery pass cadence.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`

	// GapThreshold is the smallest gap worth backfilling.
	GapThreshold time.Duration `yaml:"gap_threshold" env:"GAP_THRESHOLD" validate:"gt=0"`

	// WriteRetries is the number of retries of a failed recovery write.
	WriteRetries int `yaml:"write_retries" env:"WRITE_RETRIES" validate:"gte=0"`

	// Concurrency bounds parallel per-symbol recoveries.
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY" validate:"gt=0"`
}

// RolloverConfig configures the end-of-day rollover.
type RolloverConfig struct {
	// Enabled runs rollover after each session close.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Delay is the wait after session close.
	Delay time.Duration `yaml:"delay" env:"DELAY" validate:"gte=0"`
}

// StorageConfig configures the storage router.
type StorageConfig struct {
	// LockTimeout bounds writer lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT" validate:"gt=0"`

	// OpenAttempts bounds open retries on mode conflicts.
	OpenAttempts int `yaml:"open_attempts" env:"OPEN_ATTEMPTS" validate:"gt=0"`

	// OpenInitialBackoff is the first open retry delay.
	OpenInitialBackoff time.Duration `yaml:"open_initial_backoff" env:"OPEN_INITIAL_BACKOFF" validate:"gt=0"`

	// OpenMaxBackoff caps the open retry delay.
	OpenMaxBackoff time.Duration `yaml:"open_max_backoff" env:"OPEN_MAX_BACKOFF" validate:"gt=0"`

	// Compression is the Parquet codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression" env:"COMPRESSION" validate:"omitempty,oneof=snappy zstd lz4 gzip none"`

	// TickRetentionDays expires historical tick partitions older than this
	// many days. Zero keeps them forever. Candle partitions never expire.
	TickRetentionDays int `yaml:"tick_retention_days" env:"TICK_RETENTION_DAYS" validate:"gte=0"`
}

// BackpressureConfig configures buffer pressure handling.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// CheckInterval is how often buffer usage is graded.
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL" validate:"gt=0"`

	// Thresholds defines buffer usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds" envPrefix:"THRESHOLD_"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery" envPrefix:"RECOVERY_"`
}

// BackpressureThresholds defines buffer usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning" env:"WARNING" validate:"gt=0,lte=1"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical" env:"CRITICAL" validate:"gt=0,lte=1"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency" env:"EMERGENCY" validate:"gt=0,lte=1"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis" env:"HYSTERESIS" validate:"gte=0,lt=1"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN" validate:"gte=0"`
}

// BusConfig configures the low-latency bar bus.
type BusConfig struct {
	// Enabled connects to the bus.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Addr is the redis address.
	Addr string `yaml:"addr" env:"ADDR" validate:"required_if=Enabled true,omitempty,hostname_port"`

	// Username for redis ACL auth.
	Username string `yaml:"username" env:"USERNAME"`

	// Password is normally supplied via environment.
	Password string `yaml:"password" env:"PASSWORD"`

	// DB is the redis database index.
	DB int `yaml:"db" env:"DB" validate:"gte=0"`

	// Buffer is the per-subscription message buffer.
	Buffer int `yaml:"buffer" env:"BUFFER" validate:"gt=0"`
}

// HeartbeatConfig configures the status heartbeat.
type HeartbeatConfig struct {
	// Interval is how often the status row is refreshed.
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`

	// Component names the status row.
	Component string `yaml:"component" env:"COMPONENT" validate:"required"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`

	// Format: auto, json, text.
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=auto json text"`
}

// Load loads configuration: defaults, then the YAML file (if path is
// non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// ApplyEnv overlays TICKVAULT_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Symbols returns the stored symbols of the configured instruments.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, i := range c.Instruments {
		out = append(out, i.Name())
	}
	return out
}

// BaseTimeframe is the timeframe the aggregator produces.
func (c *Config) BaseTimeframe() types.Timeframe {
	return types.Base
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "/var/lib/tickvault",
		Exchange: config.DefaultExchange,
		Session: SessionConfig{
			Timezone: config.DefaultTimezone,
			Open:     config.DefaultSessionOpen,
			Close:    config.DefaultSessionClose,
			Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Feed: FeedConfig{
			Enabled:          true,
			AuthorizeURL:     config.DefaultFeedAuthorizeURL,
			Mode:             config.DefaultFeedMode,
			ReconnectInitial: config.DefaultReconnectInitial,
			ReconnectMax:     config.DefaultReconnectMax,
			HandshakeTimeout: config.DefaultHandshakeTimeout,
			ReadTimeout:      config.DefaultFeedReadTimeout,
		},
		Backfill: BackfillConfig{
			BaseURL:      config.DefaultBackfillBaseURL,
			Timeout:      config.DefaultBackfillTimeout,
			Retries:      config.DefaultBackfillRetries,
			RetryWait:    config.DefaultBackfillRetryWait,
			RetryMaxWait: config.DefaultBackfillRetryMaxWait,
		},
		Ingestion: IngestionConfig{
			QueueSize:      config.DefaultQueueSize,
			BufferCapacity: config.DefaultBufferCapacity,
			BatchSize:      config.DefaultBatchSize,
			FlushInterval:  config.DefaultFlushInterval,
			FlushRetries:   config.DefaultFlushRetries,
			RetryDelay:     config.DefaultFlushRetryDelay,
			KeepOnFailure:  config.DefaultKeepOnFailure,
		},
		Aggregation: AggregationConfig{
			Interval: config.DefaultAggregationInterval,
			Publish:  true,
		},
		Recovery: RecoveryConfig{
			Enabled:      true,
			Interval:     config.DefaultRecoveryInterval,
			GapThreshold: config.DefaultGapThreshold,
			WriteRetries: config.DefaultRecoveryWriteRetries,
			Concurrency:  config.DefaultRecoveryConcurrency,
		},
		Rollover: RolloverConfig{
			Enabled: true,
			Delay:   config.DefaultRolloverDelay,
		},
		Storage: StorageConfig{
			LockTimeout:        config.DefaultLockTimeout,
			OpenAttempts:       config.DefaultOpenAttempts,
			OpenInitialBackoff: config.DefaultOpenInitialBackoff,
			OpenMaxBackoff:     config.DefaultOpenMaxBackoff,
			Compression:        "zstd",
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			CheckInterval: time.Second,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   5 * time.Second,
			},
		},
		Bus: BusConfig{
			Addr:   config.DefaultBusAddr,
			Buffer: config.DefaultBusBuffer,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  config.DefaultHeartbeatInterval,
			Component: config.DefaultHeartbeatComponent,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
