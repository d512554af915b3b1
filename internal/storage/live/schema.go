// Package live holds the live buffer: today's ticks and bars in two DuckDB
// files that are reset by the end-of-day rollover.
package live

// File names inside the live_buffer domain directory.
const (
	TicksFile   = "ticks_today.duckdb"
	CandlesFile = "candles_today.duckdb"
)

var tickSchema = []string{
	`CREATE TABLE IF NOT EXISTS ticks (
		symbol VARCHAR   NOT NULL,
		ts     TIMESTAMP NOT NULL,
		price  DOUBLE    NOT NULL,
		volume BIGINT    NOT NULL,
		PRIMARY KEY (symbol, ts)
	)`,
}

var candleSchema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		symbol       VARCHAR   NOT NULL,
		timeframe    VARCHAR   NOT NULL,
		ts           TIMESTAMP NOT NULL,
		open         DOUBLE    NOT NULL,
		high         DOUBLE    NOT NULL,
		low          DOUBLE    NOT NULL,
		close        DOUBLE    NOT NULL,
		volume       BIGINT    NOT NULL,
		is_synthetic BOOLEAN   NOT NULL DEFAULT false,
		PRIMARY KEY (symbol, timeframe, ts)
	)`,
}
