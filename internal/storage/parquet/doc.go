// Package parquet implements the historical partition files.
//
// The package provides:
//   - TickRow/BarRow, the on-disk row layouts of tick and candle partitions
//   - ReadTicks/ReadBars and WriteTicks/WriteBars for whole partitions
//   - UpsertTicks/UpsertBars, read-merge-write upserts that make a repeated
//     rollover of the same day produce the same file
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//
// Writes go to a temporary file in the partition directory which is renamed
// over the target only after it is complete, so readers never observe a
// half-written partition.
package parquet
