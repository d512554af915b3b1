// Package storage runs the tick ingestion daemon for one exchange.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│    Feed     │────▶│  Ingestion  │────▶│ Live Buffer │
//	│   Client    │     │ (Ring Buf)  │     │  (DuckDB)   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │
//	       ┌───────────────┬───────────────────────┤
//	       ▼               ▼                       ▼
//	┌─────────────┐ ┌─────────────┐         ┌─────────────┐
//	│  Recovery   │ │ Aggregator  │────────▶│  Redis Bus  │
//	│ (Backfill)  │ │ (1m bars)   │         └─────────────┘
//	└─────────────┘ └─────────────┘
//	                       │ session close
//	                       ▼
//	                ┌─────────────┐     ┌─────────────┐
//	                │  Rollover   │────▶│  Parquet    │
//	                │   (EOD)     │     │ Partitions  │
//	                └─────────────┘     └─────────────┘
//
// Every component reaches storage through the router, which serializes
// writers per domain with cross-process locks. Only one process writes
// market data; consumers open read-only routers on the same data directory
// and query through query.Service.
//
// The daemon follows the session calendar: the feed, aggregation and
// recovery run between open and close, the final aggregation and the
// rollover after close, and tick retention after each rollover. Its status
// is written to the config domain every heartbeat interval.
package storage
