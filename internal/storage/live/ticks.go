package live

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
	"github.com/xtxerr/tickvault/internal/store"
)

var insertTicks = store.MultiRowInsert{
	Prefix:  "INSERT INTO ticks (symbol, ts, price, volume)",
	Columns: 4,
	Suffix:  "ON CONFLICT DO NOTHING",
}

// TickStore is the ticks table of the live buffer.
type TickStore struct {
	st *store.Store
}

// NewTickStore wraps an open store.
func NewTickStore(st *store.Store) *TickStore {
	return &TickStore{st: st}
}

// EnsureSchema creates the ticks table if missing.
func (s *TickStore) EnsureSchema(ctx context.Context) error {
	return s.st.ExecScript(ctx, tickSchema...)
}

// InsertTicks stores ticks with first-write-wins semantics: keys that are
// already stored, or that occur earlier in the same batch, are ignored.
// It returns the number of new rows.
func (s *TickStore) InsertTicks(ctx context.Context, ticks []types.Tick) (int64, error) {
	ticks = types.DedupeTicks(ticks)
	if len(ticks) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.st.Transaction(ctx, func(tx *sql.Tx) error {
		n, err := insertTicks.ExecChunked(ctx, tx, len(ticks), func(i int) []any {
			t := ticks[i]
			return []any{t.Symbol, t.Timestamp.UTC(), t.Price, t.Volume}
		})
		inserted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert ticks: %w", err)
	}
	return inserted, nil
}

// TicksSince returns the ticks of symbol at or after since, oldest first.
func (s *TickStore) TicksSince(ctx context.Context, symbol string, since time.Time) ([]types.Tick, error) {
	rows, err := s.st.QueryContext(ctx, `
		SELECT symbol, ts, price, volume FROM ticks
		WHERE symbol = ? AND ts >= ?
		ORDER BY ts`, symbol, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	return scanTicks(rows)
}

// AllTicks returns every stored tick ordered by symbol and time.
func (s *TickStore) AllTicks(ctx context.Context) ([]types.Tick, error) {
	rows, err := s.st.QueryContext(ctx, `SELECT symbol, ts, price, volume FROM ticks ORDER BY symbol, ts`)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	return scanTicks(rows)
}

// Symbols returns the distinct symbols with stored ticks.
func (s *TickStore) Symbols(ctx context.Context) ([]string, error) {
	return distinct(ctx, s.st, `SELECT DISTINCT symbol FROM ticks ORDER BY symbol`)
}

// Count returns the number of stored ticks.
func (s *TickStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.st.QueryRowContext(ctx, `SELECT count(*) FROM ticks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}

func scanTicks(rows *sql.Rows) ([]types.Tick, error) {
	defer rows.Close()

	var out []types.Tick
	for rows.Next() {
		var t types.Tick
		if err := rows.Scan(&t.Symbol, &t.Timestamp, &t.Price, &t.Volume); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func distinct(ctx context.Context, st *store.Store, query string, args ...any) ([]string, error) {
	rows, err := st.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
