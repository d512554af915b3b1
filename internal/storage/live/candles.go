package live

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
	"github.com/xtxerr/tickvault/internal/store"
)

// upsertBars applies the override rule in SQL: an incoming synthetic bar only
// ever fills an empty key.
var upsertBars = store.MultiRowInsert{
	Prefix:  "INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume, is_synthetic)",
	Columns: 9,
	Suffix: `ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		is_synthetic = excluded.is_synthetic
		WHERE NOT excluded.is_synthetic`,
}

const barColumns = `symbol, timeframe, ts, open, high, low, close, volume, is_synthetic`

// CandleStore is the candles table of the live buffer.
type CandleStore struct {
	st *store.Store
}

// NewCandleStore wraps an open store.
func NewCandleStore(st *store.Store) *CandleStore {
	return &CandleStore{st: st}
}

// EnsureSchema creates the candles table if missing.
func (s *CandleStore) EnsureSchema(ctx context.Context) error {
	return s.st.ExecScript(ctx, candleSchema...)
}

// UpsertBars writes bars with upsert-with-override semantics. Duplicate keys
// inside the batch are resolved with the same rule before hitting storage,
// so the outcome does not depend on batch order.
func (s *CandleStore) UpsertBars(ctx context.Context, bars []types.Bar) (int64, error) {
	bars = resolveBatch(bars)
	if len(bars) == 0 {
		return 0, nil
	}

	var written int64
	err := s.st.Transaction(ctx, func(tx *sql.Tx) error {
		n, err := upsertBars.ExecChunked(ctx, tx, len(bars), func(i int) []any {
			b := bars[i]
			return []any{b.Symbol, b.Timeframe.String(), b.Timestamp.UTC(),
				b.Open, b.High, b.Low, b.Close, b.Volume, b.IsSynthetic}
		})
		written = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert bars: %w", err)
	}
	return written, nil
}

func resolveBatch(bars []types.Bar) []types.Bar {
	if len(bars) < 2 {
		return bars
	}
	index := make(map[types.BarKey]int, len(bars))
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		k := b.Key()
		if i, ok := index[k]; ok {
			if b.Supersedes(out[i]) {
				out[i] = b
			}
			continue
		}
		index[k] = len(out)
		out = append(out, b)
	}
	return out
}

// LastBarTime returns the newest bar timestamp of symbol/tf. With
// nonSyntheticOnly, backfilled bars are ignored.
func (s *CandleStore) LastBarTime(ctx context.Context, symbol string, tf types.Timeframe, nonSyntheticOnly bool) (time.Time, bool, error) {
	query := `SELECT max(ts) FROM candles WHERE symbol = ? AND timeframe = ?`
	if nonSyntheticOnly {
		query += ` AND NOT is_synthetic`
	}

	var ts sql.NullTime
	if err := s.st.QueryRowContext(ctx, query, symbol, tf.String()).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("last bar time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// Bars returns bars of symbol/tf with start <= ts <= end, oldest first. A
// zero start or end leaves that side unbounded.
func (s *CandleStore) Bars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	query := `SELECT ` + barColumns + ` FROM candles WHERE symbol = ? AND timeframe = ?`
	args := []any{symbol, tf.String()}
	if !start.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, start.UTC())
	}
	if !end.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, end.UTC())
	}
	query += ` ORDER BY ts`

	rows, err := s.st.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	return scanBars(rows)
}

// AllBars returns every stored bar ordered by timeframe, symbol and time.
func (s *CandleStore) AllBars(ctx context.Context) ([]types.Bar, error) {
	rows, err := s.st.QueryContext(ctx, `SELECT `+barColumns+` FROM candles ORDER BY timeframe, symbol, ts`)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	return scanBars(rows)
}

// Symbols returns the distinct symbols with stored bars.
func (s *CandleStore) Symbols(ctx context.Context) ([]string, error) {
	return distinct(ctx, s.st, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
}

// Timeframes returns the distinct timeframes present.
func (s *CandleStore) Timeframes(ctx context.Context) ([]types.Timeframe, error) {
	names, err := distinct(ctx, s.st, `SELECT DISTINCT timeframe FROM candles`)
	if err != nil {
		return nil, err
	}
	out := make([]types.Timeframe, 0, len(names))
	for _, n := range names {
		tf, err := types.ParseTimeframe(n)
		if err != nil {
			return nil, fmt.Errorf("stored timeframe: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}

// Count returns the number of stored bars.
func (s *CandleStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.st.QueryRowContext(ctx, `SELECT count(*) FROM candles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}

func scanBars(rows *sql.Rows) ([]types.Bar, error) {
	defer rows.Close()

	var out []types.Bar
	for rows.Next() {
		var (
			b  types.Bar
			tf string
		)
		if err := rows.Scan(&b.Symbol, &tf, &b.Timestamp, &b.Open, &b.High, &b.Low,
			&b.Close, &b.Volume, &b.IsSynthetic); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		parsed, err := types.ParseTimeframe(tf)
		if err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Timeframe = parsed
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
