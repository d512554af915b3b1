package types

import (
	"sort"
	"time"
)

// Bar is an OHLCV summary of one timeframe bucket. Timestamp is the bucket start.
type Bar struct {
	Symbol      string
	Timeframe   Timeframe
	Timestamp   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      int64
	IsSynthetic bool // produced by recovery/backfill rather than live aggregation
}

// BarKey identifies a bar.
type BarKey struct {
	Symbol    string
	Timeframe Timeframe
	UnixNs    int64
}

// Key returns the unique key of the bar.
func (b Bar) Key() BarKey {
	return BarKey{Symbol: b.Symbol, Timeframe: b.Timeframe, UnixNs: b.Timestamp.UnixNano()}
}

// Supersedes reports whether b replaces existing under the upsert-with-override
// rule: a non-synthetic bar always wins, a synthetic one never replaces a
// stored bar.
func (b Bar) Supersedes(existing Bar) bool {
	return !b.IsSynthetic
}

// End returns the exclusive end of the bucket.
func (b Bar) End() time.Time {
	return b.Timestamp.Add(b.Timeframe.Duration())
}

// SortBars orders bars by timestamp. Bars with equal timestamps are ordered
// by symbol, then timeframe, so the result is deterministic.
func SortBars(bars []Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		a, b := bars[i], bars[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Timeframe < b.Timeframe
	})
}

// DedupeBars keeps the first bar seen for every key. Order is preserved.
func DedupeBars(bars []Bar) []Bar {
	if len(bars) < 2 {
		return bars
	}
	seen := make(map[BarKey]struct{}, len(bars))
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		k := b.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, b)
	}
	return out
}

// LastBar returns the bar with the newest timestamp.
func LastBar(bars []Bar) (Bar, bool) {
	if len(bars) == 0 {
		return Bar{}, false
	}
	last := bars[0]
	for _, b := range bars[1:] {
		if b.Timestamp.After(last.Timestamp) {
			last = b
		}
	}
	return last, true
}
