// Package config provides configuration defaults
// for the tickvault application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables
// (prefix TICKVAULT_).
package config

import "time"

// =============================================================================
// Exchange / Session Defaults
// =============================================================================

const (
	// DefaultExchange names the historical partition tree.
	// Override via config: exchange
	DefaultExchange = "NSE"

	// DefaultTimezone is the exchange time zone.
	// Override via config: session.timezone
	DefaultTimezone = "Asia/Kolkata"

	// DefaultSessionOpen is the session open time of day.
	// Resampled buckets are aligned to this offset.
	// Override via config: session.open
	DefaultSessionOpen = "09:15"

	// DefaultSessionClose is the session close time of day.
	// Override via config: session.close
	DefaultSessionClose = "15:30"
)

// =============================================================================
// Feed Defaults
// =============================================================================

const (
	// DefaultFeedAuthorizeURL returns the short-lived websocket URL.
	// Override via config: feed.authorize_url
	DefaultFeedAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"

	// DefaultFeedMode is the subscription mode.
	// Override via config: feed.mode
	DefaultFeedMode = "ltpc"

	// DefaultReconnectInitial is the first reconnect delay.
	// Override via config: feed.reconnect_initial
	DefaultReconnectInitial = time.Second

	// DefaultReconnectMax caps the reconnect delay.
	// Override via config: feed.reconnect_max
	DefaultReconnectMax = 60 * time.Second

	// DefaultHandshakeTimeout bounds authorize + websocket handshake.
	// Override via config: feed.handshake_timeout
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultFeedReadTimeout closes a connection that has been silent this long.
	// Override via config: feed.read_timeout
	DefaultFeedReadTimeout = 90 * time.Second
)

// =============================================================================
// Backfill Defaults
// =============================================================================

const (
	// DefaultBackfillBaseURL is the historical candle API.
	// Override via config: backfill.base_url
	DefaultBackfillBaseURL = "https://api.upstox.com"

	// DefaultBackfillTimeout bounds one API request.
	// Override via config: backfill.timeout
	DefaultBackfillTimeout = 15 * time.Second

	// DefaultBackfillRetries is the number of retries per request.
	// Override via config: backfill.retries
	DefaultBackfillRetries = 3

	// DefaultBackfillRetryWait is the first retry delay; it doubles per retry.
	// Override via config: backfill.retry_wait
	DefaultBackfillRetryWait = 500 * time.Millisecond

	// DefaultBackfillRetryMaxWait caps the retry delay.
	// Override via config: backfill.retry_max_wait
	DefaultBackfillRetryMaxWait = 5 * time.Second
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultQueueSize is the capacity of the feed -> buffer channel.
	// When full, the feed reader blocks (backpressure).
	// Override via config: ingestion.queue_size
	DefaultQueueSize = 10000

	// DefaultBufferCapacity is the hard capacity of the tick ring buffer.
	// Override via config: ingestion.buffer_capacity
	DefaultBufferCapacity = 200000

	// DefaultBatchSize flushes the buffer when this many ticks are pending.
	// Override via config: ingestion.batch_size
	DefaultBatchSize = 500

	// DefaultFlushInterval flushes pending ticks at least this often.
	// Override via config: ingestion.flush_interval
	DefaultFlushInterval = time.Second

	// DefaultFlushRetries is the number of retries of a failed flush.
	// Override via config: ingestion.flush_retries
	DefaultFlushRetries = 3

	// DefaultFlushRetryDelay is the delay between flush retries.
	// Override via config: ingestion.retry_delay
	DefaultFlushRetryDelay = 200 * time.Millisecond

	// DefaultKeepOnFailure is how many of the most recent ticks survive a
	// flush that exhausted its retries.
	// Override via config: ingestion.keep_on_failure
	DefaultKeepOnFailure = 50000
)

// =============================================================================
// Aggregation / Recovery / Rollover Defaults
// =============================================================================

const (
	// DefaultAggregationInterval is the aggregator cadence.
	// Override via config: aggregation.interval
	DefaultAggregationInterval = 5 * time.Second

	// DefaultRecoveryInterval is the scheduled recovery pass cadence.
	// Override via config: recovery.interval
	DefaultRecoveryInterval = 5 * time.Minute

	// DefaultGapThreshold is the smallest gap worth backfilling.
	// Override via config: recovery.gap_threshold
	DefaultGapThreshold = 2 * time.Minute

	// DefaultRecoveryWriteRetries is the number of retries of a recovery write.
	// Override via config: recovery.write_retries
	DefaultRecoveryWriteRetries = 3

	// DefaultRecoveryConcurrency bounds parallel per-symbol recoveries.
	// Override via config: recovery.concurrency
	DefaultRecoveryConcurrency = 4

	// DefaultRolloverDelay is the wait after session close before rollover.
	// Override via config: rollover.delay
	DefaultRolloverDelay = 15 * time.Minute
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultLockTimeout bounds writer lock acquisition.
	// Override via config: storage.lock_timeout
	DefaultLockTimeout = 10 * time.Second

	// DefaultOpenAttempts bounds open retries on storage mode conflicts.
	// Override via config: storage.open_attempts
	DefaultOpenAttempts = 20

	// DefaultOpenInitialBackoff is the first open retry delay.
	// Override via config: storage.open_initial_backoff
	DefaultOpenInitialBackoff = 25 * time.Millisecond

	// DefaultOpenMaxBackoff caps the open retry delay.
	// Override via config: storage.open_max_backoff
	DefaultOpenMaxBackoff = 2 * time.Second
)

// =============================================================================
// Bus / Heartbeat Defaults
// =============================================================================

const (
	// DefaultBusAddr is the redis address of the low-latency bus.
	// Override via config: bus.addr
	DefaultBusAddr = "localhost:6379"

	// DefaultBusBuffer is the per-subscription message buffer.
	// Override via config: bus.buffer
	DefaultBusBuffer = 1024

	// DefaultHeartbeatInterval is how often the status row is refreshed.
	// Override via config: heartbeat.interval
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatComponent names the status row of the daemon.
	// Override via config: heartbeat.component
	DefaultHeartbeatComponent = "ingestion"
)
