// Package resample converts fine bars into coarser timeframes.
//
// Buckets are aligned to the session open of each exchange date and never
// span two dates: with a 09:15 open, 15m buckets start at 09:15, 09:30,
// 09:45 and 1h buckets at 09:15, 10:15. Daily buckets start at local
// midnight.
package resample

import (
	"sort"
	"time"

	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/aggregate"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// BucketStart returns the start of the target bucket containing t.
func BucketStart(t time.Time, tf types.Timeframe, cal *session.Calendar) time.Time {
	midnight := cal.Midnight(t)
	if tf >= types.TF1d {
		return midnight.UTC()
	}

	open := cal.SessionOpen(t)
	dur := tf.Duration()

	offset := t.Sub(open)
	n := offset / dur
	if offset < 0 && offset%dur != 0 {
		n-- // floor for bars before the open
	}

	start := open.Add(n * dur)
	if start.Before(midnight) {
		start = midnight
	}
	return start.UTC()
}

type bucketKey struct {
	symbol string
	start  int64
}

// Resample aggregates bars into target buckets.
//
// If target is the base timeframe the input is returned unchanged. Otherwise
// each bucket gets open=first, high=max, low=min, close=last, volume=sum of
// its input bars in time order, and is synthetic if any input is. Buckets
// without input are not produced. The output is ascending by timestamp
// (then symbol) and the input is never modified, so resampling the same
// input twice yields identical output.
func Resample(bars []types.Bar, target types.Timeframe, cal *session.Calendar) []types.Bar {
	if target.IsBase() || len(bars) == 0 {
		return bars
	}

	ordered := make([]types.Bar, len(bars))
	copy(ordered, bars)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	accs := make(map[bucketKey]*aggregate.Accumulator)
	var keys []bucketKey
	for _, b := range ordered {
		start := BucketStart(b.Timestamp, target, cal)
		k := bucketKey{symbol: b.Symbol, start: start.UnixNano()}
		acc, ok := accs[k]
		if !ok {
			acc = aggregate.NewAccumulator(start)
			accs[k] = acc
			keys = append(keys, k)
		}
		acc.AddBar(b)
	}

	out := make([]types.Bar, 0, len(keys))
	for _, k := range keys {
		out = append(out, accs[k].Bar(k.symbol, target))
	}
	types.SortBars(out)
	return out
}

// Closed splits bars into the buckets that are complete given newest, the
// latest base bar seen, and the remainder. A bucket is complete when it is
// strictly older than the bucket containing newest.
func Closed(bars []types.Bar, newest time.Time, target types.Timeframe, cal *session.Calendar) (closed, open []types.Bar) {
	current := BucketStart(newest, target, cal)
	for _, b := range bars {
		if BucketStart(b.Timestamp, target, cal).Before(current) {
			closed = append(closed, b)
		} else {
			open = append(open, b)
		}
	}
	return closed, open
}
