package router

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/xtxerr/tickvault/internal/errors"
)

// Kind enumerates the storage domains. The set is closed: every domain's
// directory, lock name and database files are fixed here.
type Kind int

const (
	// MarketData is the historical Parquet partition tree.
	MarketData Kind = iota
	// LiveBuffer holds today's ticks and bars.
	LiveBuffer
	// Trading is the order/position ledger.
	Trading
	// Signals stores strategy signals.
	Signals
	// Config stores runtime configuration and system status.
	Config
	// BacktestIndex lists backtest runs.
	BacktestIndex
	// BacktestRun stores the results of one backtest run.
	BacktestRun
)

type domainSpec struct {
	name string
	dir  []string // path elements below the data root
	file string   // DuckDB file, empty for non-DuckDB domains
}

var domainSpecs = map[Kind]domainSpec{
	MarketData:    {name: "market_data", dir: []string{"market_data"}},
	LiveBuffer:    {name: "live_buffer", dir: []string{"live_buffer"}},
	Trading:       {name: "trading", dir: []string{"trading"}, file: "trading.duckdb"},
	Signals:       {name: "signals", dir: []string{"signals"}, file: "signals.duckdb"},
	Config:        {name: "config", dir: []string{"config"}, file: "config.duckdb"},
	BacktestIndex: {name: "backtest_index", dir: []string{"backtests", "index"}, file: "index.duckdb"},
	BacktestRun:   {name: "backtest_run", dir: []string{"backtests", "runs"}, file: "run.duckdb"},
}

// Domain is a logical storage namespace with its own writer lock and files.
type Domain struct {
	Kind  Kind
	RunID string // BacktestRun only
}

// Well-known domains.
var (
	DomainMarketData    = Domain{Kind: MarketData}
	DomainLiveBuffer    = Domain{Kind: LiveBuffer}
	DomainTrading       = Domain{Kind: Trading}
	DomainSignals       = Domain{Kind: Signals}
	DomainConfig        = Domain{Kind: Config}
	DomainBacktestIndex = Domain{Kind: BacktestIndex}
)

// BacktestRunDomain returns the domain of one backtest run.
func BacktestRunDomain(id string) Domain {
	return Domain{Kind: BacktestRun, RunID: id}
}

// NewBacktestRunID returns a fresh backtest run identifier.
func NewBacktestRunID() string {
	return uuid.NewString()
}

// Validate checks that the domain is well formed.
func (d Domain) Validate() error {
	if _, ok := domainSpecs[d.Kind]; !ok {
		return fmt.Errorf("kind %d: %w", int(d.Kind), errors.ErrInvalidDomain)
	}
	if d.Kind == BacktestRun {
		if _, err := uuid.Parse(d.RunID); err != nil {
			return fmt.Errorf("backtest run id %q: %w", d.RunID, errors.ErrInvalidDomain)
		}
	} else if d.RunID != "" {
		return fmt.Errorf("%s: run id only valid for backtest runs: %w", d.Name(), errors.ErrInvalidDomain)
	}
	return nil
}

// Name returns the domain name, which is also its lock name.
func (d Domain) Name() string {
	spec, ok := domainSpecs[d.Kind]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(d.Kind))
	}
	if d.Kind == BacktestRun {
		return spec.name + ":" + d.RunID
	}
	return spec.name
}

// String implements fmt.Stringer.
func (d Domain) String() string {
	return d.Name()
}

// Dir returns the domain directory under root.
func (d Domain) Dir(root string) string {
	spec := domainSpecs[d.Kind]
	elems := append([]string{root}, spec.dir...)
	if d.Kind == BacktestRun {
		elems = append(elems, d.RunID)
	}
	return filepath.Join(elems...)
}

// DatabasePath returns the DuckDB file of the domain, or "" for domains
// that are not backed by a single database file.
func (d Domain) DatabasePath(root string) string {
	spec := domainSpecs[d.Kind]
	if spec.file == "" {
		return ""
	}
	return filepath.Join(d.Dir(root), spec.file)
}

// IsMarketData reports whether the domain holds market data and is therefore
// refused for writing by a read-only router.
func (d Domain) IsMarketData() bool {
	return d.Kind == MarketData || d.Kind == LiveBuffer
}
