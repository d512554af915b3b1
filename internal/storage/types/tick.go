package types

import (
	"sort"
	"time"
)

// Tick is a single trade/quote event for one instrument.
//
// Ticks are facts: once a (Symbol, Timestamp) key is stored, later writes
// for the same key are ignored.
type Tick struct {
	Symbol    string
	Timestamp time.Time // Exchange timestamp, stored in UTC
	Price     float64
	Volume    int64
}

// TickKey identifies a tick.
type TickKey struct {
	Symbol string
	UnixNs int64
}

// Key returns the unique key of the tick.
func (t Tick) Key() TickKey {
	return TickKey{Symbol: t.Symbol, UnixNs: t.Timestamp.UnixNano()}
}

// Minute returns the start of the minute bucket containing the tick.
func (t Tick) Minute() time.Time {
	return t.Timestamp.Truncate(time.Minute)
}

// DedupeTicks drops every tick whose key was already seen earlier in the
// slice. Order of the survivors is preserved.
func DedupeTicks(ticks []Tick) []Tick {
	if len(ticks) < 2 {
		return ticks
	}
	seen := make(map[TickKey]struct{}, len(ticks))
	out := make([]Tick, 0, len(ticks))
	for _, t := range ticks {
		k := t.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// SortTicks orders ticks by symbol, then timestamp. Equal keys keep their
// relative (arrival) order.
func SortTicks(ticks []Tick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		if ticks[i].Symbol != ticks[j].Symbol {
			return ticks[i].Symbol < ticks[j].Symbol
		}
		return ticks[i].Timestamp.Before(ticks[j].Timestamp)
	})
}
