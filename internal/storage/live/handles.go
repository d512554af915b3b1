package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtxerr/tickvault/internal/store"
)

// Handles are the two sub-handles of one live buffer acquisition.
type Handles struct {
	Ticks   *TickStore
	Candles *CandleStore

	stores []*store.Store
}

// NewHandles wraps already opened stores. When writable, the schema is
// created on both files.
func NewHandles(ctx context.Context, ticks, candles *store.Store) (*Handles, error) {
	h := &Handles{
		Ticks:   NewTickStore(ticks),
		Candles: NewCandleStore(candles),
		stores:  []*store.Store{ticks, candles},
	}
	if !ticks.ReadOnly() {
		if err := h.Ticks.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ticks schema: %w", err)
		}
	}
	if !candles.ReadOnly() {
		if err := h.Candles.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("candles schema: %w", err)
		}
	}
	return h, nil
}

// Counts is the result of an integrity check.
type Counts struct {
	Ticks int64
	Bars  int64
}

// Empty reports whether the live buffer holds no data.
func (c Counts) Empty() bool {
	return c.Ticks == 0 && c.Bars == 0
}

// Check verifies that both tables are queryable and returns their row counts.
func (h *Handles) Check(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Ticks, err = h.Ticks.Count(ctx); err != nil {
		return Counts{}, fmt.Errorf("integrity check: %w", err)
	}
	if c.Bars, err = h.Candles.Count(ctx); err != nil {
		return Counts{}, fmt.Errorf("integrity check: %w", err)
	}
	return c, nil
}

// Close closes both stores.
func (h *Handles) Close() error {
	var errs []error
	for _, st := range h.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
