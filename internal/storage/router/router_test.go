package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/live"
	"github.com/xtxerr/tickvault/internal/storage/lock"
	"github.com/xtxerr/tickvault/internal/storage/types"
	"github.com/xtxerr/tickvault/internal/store"
)

var t0 = time.Date(2024, 3, 4, 3, 45, 0, 0, time.UTC)

func newTestRouter(t *testing.T, root string, readOnly bool) *Router {
	t.Helper()
	opts := DefaultOptions()
	opts.Root = root
	opts.ReadOnly = readOnly
	opts.LockTimeout = time.Second
	r, err := New(opts, lock.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestDomainLayout(t *testing.T) {
	root := "/data"
	tests := []struct {
		d    Domain
		name string
		dir  string
		db   string
	}{
		{DomainMarketData, "market_data", "/data/market_data", ""},
		{DomainLiveBuffer, "live_buffer", "/data/live_buffer", ""},
		{DomainTrading, "trading", "/data/trading", "/data/trading/trading.duckdb"},
		{DomainSignals, "signals", "/data/signals", "/data/signals/signals.duckdb"},
		{DomainConfig, "config", "/data/config", "/data/config/config.duckdb"},
		{DomainBacktestIndex, "backtest_index", "/data/backtests/index", "/data/backtests/index/index.duckdb"},
	}
	for _, tt := range tests {
		if got := tt.d.Name(); got != tt.name {
			t.Errorf("Name = %q, want %q", got, tt.name)
		}
		if got := tt.d.Dir(root); got != tt.dir {
			t.Errorf("%s Dir = %q, want %q", tt.name, got, tt.dir)
		}
		if got := tt.d.DatabasePath(root); got != tt.db {
			t.Errorf("%s DatabasePath = %q, want %q", tt.name, got, tt.db)
		}
	}

	id := NewBacktestRunID()
	run := BacktestRunDomain(id)
	if err := run.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if run.Name() != "backtest_run:"+id {
		t.Errorf("run name = %q", run.Name())
	}
	if run.Dir(root) != filepath.Join(root, "backtests", "runs", id) {
		t.Errorf("run dir = %q", run.Dir(root))
	}
	if err := BacktestRunDomain("../../etc").Validate(); !errors.Is(err, errors.ErrInvalidDomain) {
		t.Errorf("expected ErrInvalidDomain for bad run id, got %v", err)
	}
}

func TestPartitionPaths(t *testing.T) {
	root := "/data"
	if got := TickPartition("NSE", "2024-03-04").Path(root); got != "/data/market_data/NSE/ticks/2024-03-04.parquet" {
		t.Errorf("tick path = %q", got)
	}
	if got := CandlePartition("NSE", types.TF15m, "2024-03-04").Path(root); got != "/data/market_data/NSE/candles/15m/2024-03-04.parquet" {
		t.Errorf("candle path = %q", got)
	}
	if err := CandlePartition("NSE", types.TF15m, "04-03-2024").Validate(); err == nil {
		t.Error("expected invalid date error")
	}
}

func TestReadOnlyRefusesMarketDataWrites(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), true)
	ctx := context.Background()

	err := r.LiveWriter(ctx, func(*live.Handles) error { return nil })
	if !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("LiveWriter: expected ErrReadOnly, got %v", err)
	}
	err = r.HistoricalWriter(ctx, func(*HistoryWriter) error { return nil })
	if !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("HistoricalWriter: expected ErrReadOnly, got %v", err)
	}
}

func TestReadOnlyStillWritesOtherDomains(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), true)
	ctx := context.Background()

	err := r.SignalsWriter(ctx, func(st *store.Store) error {
		return st.ExecScript(ctx, `CREATE TABLE signals (symbol VARCHAR, ts TIMESTAMP)`)
	})
	if err != nil {
		t.Fatalf("SignalsWriter on read-only router: %v", err)
	}
}

func TestLiveWriterThenReader(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root, false)
	ctx := context.Background()

	err := r.LiveReader(ctx, func(*live.Handles) error { return nil })
	if !errors.Is(err, errors.ErrPartitionNotFound) {
		t.Fatalf("LiveReader before first write: expected ErrPartitionNotFound, got %v", err)
	}

	err = r.LiveWriter(ctx, func(h *live.Handles) error {
		_, err := h.Ticks.InsertTicks(ctx, []types.Tick{{Symbol: "SYM", Timestamp: t0, Price: 100, Volume: 1}})
		return err
	})
	if err != nil {
		t.Fatalf("LiveWriter: %v", err)
	}

	// The lock file carries our pid.
	pid, err := lock.ReadHolder(filepath.Join(root, "live_buffer", lock.FileName))
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadHolder = %d, %v", pid, err)
	}

	// A read-only router in a consumer sees the data.
	reader := newTestRouter(t, root, true)
	err = reader.LiveReader(ctx, func(h *live.Handles) error {
		ticks, err := h.Ticks.TicksSince(ctx, "SYM", time.Time{})
		if err != nil {
			return err
		}
		if len(ticks) != 1 {
			t.Errorf("expected 1 tick, got %d", len(ticks))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("LiveReader: %v", err)
	}
}

func TestScopedRelease_OnPanic(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), false)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		r.TradingWriter(ctx, func(*store.Store) error { panic("boom") })
	}()

	// Lock and handle were released: a second writer gets in immediately.
	err := r.TradingWriter(ctx, func(st *store.Store) error {
		return st.ExecScript(ctx, `CREATE TABLE fills (id INTEGER)`)
	})
	if err != nil {
		t.Fatalf("TradingWriter after panic: %v", err)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), false)
	ctx := context.Background()

	err := r.ConfigWriter(ctx, func(st *store.Store) error {
		return st.ExecScript(ctx,
			`CREATE TABLE kv (k VARCHAR PRIMARY KEY, v VARCHAR)`,
			`INSERT INTO kv VALUES ('mode', 'live')`)
	})
	if err != nil {
		t.Fatalf("ConfigWriter: %v", err)
	}

	var v string
	err = r.ConfigReader(ctx, func(st *store.Store) error {
		return st.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'mode'`).Scan(&v)
	})
	if err != nil || v != "live" {
		t.Fatalf("ConfigReader = %q, %v", v, err)
	}

	// Writes through a read-only handle fail.
	err = r.ConfigReader(ctx, func(st *store.Store) error {
		_, err := st.ExecContext(ctx, `INSERT INTO kv VALUES ('x', 'y')`)
		return err
	})
	if err == nil {
		t.Error("expected write through read-only handle to fail")
	}
}

func TestGenericWriterRejectsMarketDataDomains(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), false)
	err := r.Writer(context.Background(), DomainLiveBuffer, func(*store.Store) error { return nil })
	if !errors.Is(err, errors.ErrInvalidDomain) {
		t.Errorf("expected ErrInvalidDomain, got %v", err)
	}
}

func TestDomainsAreIsolated(t *testing.T) {
	root := t.TempDir()
	r := newTestRouter(t, root, false)
	ctx := context.Background()

	// Holding the trading lock does not block the live buffer.
	err := r.TradingWriter(ctx, func(*store.Store) error {
		return r.LiveWriter(ctx, func(*live.Handles) error { return nil })
	})
	if err != nil {
		t.Fatalf("nested writers on different domains: %v", err)
	}

	id := NewBacktestRunID()
	err = r.BacktestRunWriter(ctx, id, func(st *store.Store) error {
		return st.ExecScript(ctx, `CREATE TABLE equity (ts TIMESTAMP, value DOUBLE)`)
	})
	if err != nil {
		t.Fatalf("BacktestRunWriter: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "backtests", "runs", id, "run.duckdb")); err != nil {
		t.Errorf("run database missing: %v", err)
	}
}

func TestMaintenanceReset(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), false)
	ctx := context.Background()

	r.LiveWriter(ctx, func(h *live.Handles) error {
		_, err := h.Candles.UpsertBars(ctx, []types.Bar{{Symbol: "SYM", Timeframe: types.TF1m, Timestamp: t0}})
		return err
	})

	err := r.LiveMaintenance(ctx, func(m *Maintenance) error {
		c, err := m.Check()
		if err != nil {
			return err
		}
		if c.Bars != 1 {
			t.Errorf("expected 1 bar before reset, got %d", c.Bars)
		}
		if err := m.Reset(); err != nil {
			return err
		}
		c, err = m.Check()
		if err != nil {
			return err
		}
		if !c.Empty() {
			t.Errorf("expected empty live buffer after reset, got %+v", c)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("LiveMaintenance: %v", err)
	}
}

func TestHistoricalWriteAndRead(t *testing.T) {
	r := newTestRouter(t, t.TempDir(), false)
	ctx := context.Background()

	bars := []types.Bar{
		{Symbol: "SYM", Timeframe: types.TF1m, Timestamp: t0.Add(time.Minute), Close: 2},
		{Symbol: "SYM", Timeframe: types.TF1m, Timestamp: t0, Close: 1},
		{Symbol: "OTHER", Timeframe: types.TF1m, Timestamp: t0, Close: 9},
	}
	err := r.HistoricalWriter(ctx, func(w *HistoryWriter) error {
		if _, err := w.UpsertBars(types.TF1m, "2024-03-04", bars); err != nil {
			return err
		}
		_, err := w.UpsertBars(types.TF1m, "2024-03-01", bars[:1])
		return err
	})
	if err != nil {
		t.Fatalf("HistoricalWriter: %v", err)
	}

	got, err := r.HistoricalBars(types.TF1m, "2024-03-04", "SYM")
	if err != nil {
		t.Fatalf("HistoricalBars: %v", err)
	}
	if len(got) != 2 || got[0].Close != 1 || got[1].Close != 2 {
		t.Errorf("unexpected bars %+v", got)
	}

	dates, err := r.PartitionDates(Candles, types.TF1m)
	if err != nil {
		t.Fatalf("PartitionDates: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2024-03-01" || dates[1] != "2024-03-04" {
		t.Errorf("PartitionDates = %v", dates)
	}

	if _, err := r.HistoricalBars(types.TF1m, "2024-03-05", "SYM"); !errors.Is(err, errors.ErrPartitionNotFound) {
		t.Errorf("expected ErrPartitionNotFound, got %v", err)
	}

	err = r.HistoricalWriter(ctx, func(w *HistoryWriter) error {
		_, err := w.UpsertBars(types.TF5m, "2024-03-04", bars)
		return err
	})
	if err == nil {
		t.Error("expected timeframe mismatch error")
	}
}

