// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Tick: a single trade/quote event, keyed by (symbol, timestamp)
//   - Bar: an OHLCV summary for one timeframe bucket, keyed by (symbol, timeframe, timestamp)
//   - Timeframe: bucket duration of a bar series (1m .. 1d)
package types
