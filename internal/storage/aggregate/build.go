package aggregate

import (
	"sort"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
)

// BuildBars aggregates the ticks of one symbol into 1-minute bars.
//
// Ticks are bucketed by the minute containing their timestamp. Open and
// close are the first and last tick by time; ticks with equal timestamps
// keep their input order. Buckets starting at or after cutoff are left out,
// so the minute still being traded never produces a bar. A zero cutoff
// keeps every bucket. Ticks of other symbols are ignored and the input is
// not modified. Output is ascending by timestamp.
func BuildBars(symbol string, ticks []types.Tick, cutoff time.Time) []types.Bar {
	if len(ticks) == 0 {
		return nil
	}

	ordered := make([]types.Tick, 0, len(ticks))
	for _, t := range ticks {
		if t.Symbol == symbol {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	limit := cutoff.Truncate(time.Minute)

	var bars []types.Bar
	var acc *Accumulator
	for _, t := range ordered {
		minute := t.Minute()
		if !cutoff.IsZero() && !minute.Before(limit) {
			break
		}
		if acc == nil || !acc.Start().Equal(minute) {
			if acc != nil {
				bars = append(bars, acc.Bar(symbol, types.Base))
			}
			acc = NewAccumulator(minute)
		}
		acc.AddTick(t)
	}
	if acc != nil {
		bars = append(bars, acc.Bar(symbol, types.Base))
	}
	return bars
}
