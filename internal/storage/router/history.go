package router

import (
	"context"
	"fmt"
	"os"

	"github.com/xtxerr/tickvault/internal/storage/parquet"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// HistoryWriter writes historical partitions. It is only valid inside a
// HistoricalWriter callback.
type HistoryWriter struct {
	r *Router
}

// HistoricalWriter runs fn holding the market data writer lock. One lock
// covers every date and timeframe of the exchange.
func (r *Router) HistoricalWriter(ctx context.Context, fn func(*HistoryWriter) error) error {
	return r.withWriterLock(ctx, DomainMarketData, func() error {
		return fn(&HistoryWriter{r: r})
	})
}

// UpsertTicks merges ticks into the tick partition of date, first write wins.
// It returns the partition's row count.
func (w *HistoryWriter) UpsertTicks(date string, ticks []types.Tick) (int, error) {
	key := TickPartition(w.r.opts.Exchange, date)
	if err := key.Validate(); err != nil {
		return 0, err
	}
	n, err := parquet.UpsertTicks(key.Path(w.r.opts.Root), ticks, w.r.opts.Parquet)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", key, err)
	}
	return n, nil
}

// UpsertBars merges bars into the candle partition of tf/date under the
// synthetic override rule. It returns the partition's row count.
func (w *HistoryWriter) UpsertBars(tf types.Timeframe, date string, bars []types.Bar) (int, error) {
	key := CandlePartition(w.r.opts.Exchange, tf, date)
	if err := key.Validate(); err != nil {
		return 0, err
	}
	for _, b := range bars {
		if b.Timeframe != tf {
			return 0, fmt.Errorf("upsert %s: bar timeframe %s does not match", key, b.Timeframe)
		}
	}
	n, err := parquet.UpsertBars(key.Path(w.r.opts.Root), bars, w.r.opts.Parquet)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", key, err)
	}
	return n, nil
}

// RemoveTicks deletes the tick partition of date and returns the bytes
// freed. Candle partitions have no counterpart: bars are never deleted.
func (w *HistoryWriter) RemoveTicks(date string) (int64, error) {
	key := TickPartition(w.r.opts.Exchange, date)
	if err := key.Validate(); err != nil {
		return 0, err
	}
	path := key.Path(w.r.opts.Root)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("remove %s: %w", key, err)
	}
	return info.Size(), nil
}

// HistoricalTicks reads a tick partition, optionally filtered to one symbol.
// Historical partitions are read without locking: a partition only ever
// changes by atomic replacement.
func (r *Router) HistoricalTicks(date, symbol string) ([]types.Tick, error) {
	key := TickPartition(r.opts.Exchange, date)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ticks, err := parquet.ReadTicks(key.Path(r.opts.Root))
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return ticks, nil
	}
	out := ticks[:0]
	for _, t := range ticks {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out, nil
}

// HistoricalBars reads a candle partition, optionally filtered to one symbol.
// Bars are returned in ascending time order.
func (r *Router) HistoricalBars(tf types.Timeframe, date, symbol string) ([]types.Bar, error) {
	key := CandlePartition(r.opts.Exchange, tf, date)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	bars, err := parquet.ReadBars(key.Path(r.opts.Root))
	if err != nil {
		return nil, err
	}
	out := bars[:0]
	for _, b := range bars {
		if symbol == "" || b.Symbol == symbol {
			out = append(out, b)
		}
	}
	types.SortBars(out)
	return out, nil
}

// PartitionDates lists the dates that have a partition for the series, oldest first.
func (r *Router) PartitionDates(dataType DataType, tf types.Timeframe) ([]string, error) {
	key := PartitionKey{Exchange: r.opts.Exchange, DataType: dataType, Timeframe: tf}
	return listDates(key.dir(r.opts.Root))
}

// HasCandleSeries reports whether any candle partition of tf exists.
func (r *Router) HasCandleSeries(tf types.Timeframe) (bool, error) {
	dates, err := r.PartitionDates(Candles, tf)
	if err != nil {
		return false, err
	}
	return len(dates) > 0, nil
}
