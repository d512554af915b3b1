package parquet

import (
	"sort"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// MergeTicks merges incoming into existing with first-write-wins: a key that
// already exists keeps its stored value. The result is ordered by symbol and
// time.
func MergeTicks(existing, incoming []types.Tick) []types.Tick {
	merged := make([]types.Tick, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	merged = append(merged, incoming...)
	merged = types.DedupeTicks(merged)
	types.SortTicks(merged)
	return merged
}

// MergeBars merges incoming into existing under the synthetic override rule.
// The result is ordered by symbol, timeframe and time.
func MergeBars(existing, incoming []types.Bar) []types.Bar {
	index := make(map[types.BarKey]int, len(existing)+len(incoming))
	merged := make([]types.Bar, 0, len(existing)+len(incoming))

	for _, b := range existing {
		if i, ok := index[b.Key()]; ok {
			merged[i] = b
			continue
		}
		index[b.Key()] = len(merged)
		merged = append(merged, b)
	}
	for _, b := range incoming {
		if i, ok := index[b.Key()]; ok {
			if b.Supersedes(merged[i]) {
				merged[i] = b
			}
			continue
		}
		index[b.Key()] = len(merged)
		merged = append(merged, b)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Timeframe != b.Timeframe {
			return a.Timeframe < b.Timeframe
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return merged
}

// UpsertTicks merges ticks into the partition at path, creating it if needed.
// It returns the partition's row count after the write.
func UpsertTicks(path string, ticks []types.Tick, opts Options) (int, error) {
	existing, err := ReadTicks(path)
	if err != nil && !errors.Is(err, errors.ErrPartitionNotFound) {
		return 0, err
	}
	merged := MergeTicks(existing, ticks)
	if err := WriteTicks(path, merged, opts); err != nil {
		return 0, err
	}
	return len(merged), nil
}

// UpsertBars merges bars into the partition at path, creating it if needed.
// It returns the partition's row count after the write.
func UpsertBars(path string, bars []types.Bar, opts Options) (int, error) {
	existing, err := ReadBars(path)
	if err != nil && !errors.Is(err, errors.ErrPartitionNotFound) {
		return 0, err
	}
	merged := MergeBars(existing, bars)
	if err := WriteBars(path, merged, opts); err != nil {
		return 0, err
	}
	return len(merged), nil
}
