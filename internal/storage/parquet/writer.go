package parquet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// PageBufferSize is the page buffer size in bytes
	PageBufferSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:    CompressionZstd,
		PageBufferSize: 1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// TickRow represents a tick in Parquet format.
type TickRow struct {
	Symbol      string  `parquet:"symbol,dict"`
	TimestampUs int64   `parquet:"ts_us"`
	Price       float64 `parquet:"price"`
	Volume      int64   `parquet:"volume"`
}

// BarRow represents a bar in Parquet format.
type BarRow struct {
	Symbol      string  `parquet:"symbol,dict"`
	Timeframe   string  `parquet:"timeframe,dict"`
	TimestampUs int64   `parquet:"ts_us"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      int64   `parquet:"volume"`
	IsSynthetic bool    `parquet:"is_synthetic"`
}

// TickToRow converts a Tick to a TickRow.
func TickToRow(t *types.Tick) TickRow {
	return TickRow{
		Symbol:      t.Symbol,
		TimestampUs: t.Timestamp.UnixMicro(),
		Price:       t.Price,
		Volume:      t.Volume,
	}
}

// RowToTick converts a TickRow to a Tick.
func RowToTick(r *TickRow) types.Tick {
	return types.Tick{
		Symbol:    r.Symbol,
		Timestamp: unixMicroUTC(r.TimestampUs),
		Price:     r.Price,
		Volume:    r.Volume,
	}
}

// BarToRow converts a Bar to a BarRow.
func BarToRow(b *types.Bar) BarRow {
	return BarRow{
		Symbol:      b.Symbol,
		Timeframe:   b.Timeframe.String(),
		TimestampUs: b.Timestamp.UnixMicro(),
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		IsSynthetic: b.IsSynthetic,
	}
}

// RowToBar converts a BarRow to a Bar.
func RowToBar(r *BarRow) (types.Bar, error) {
	tf, err := types.ParseTimeframe(r.Timeframe)
	if err != nil {
		return types.Bar{}, err
	}
	return types.Bar{
		Symbol:      r.Symbol,
		Timeframe:   tf,
		Timestamp:   unixMicroUTC(r.TimestampUs),
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		IsSynthetic: r.IsSynthetic,
	}, nil
}

// WriteTicks replaces the partition at path with ticks.
func WriteTicks(path string, ticks []types.Tick, opts Options) error {
	rows := make([]TickRow, len(ticks))
	for i := range ticks {
		rows[i] = TickToRow(&ticks[i])
	}
	return writeFile(path, rows, opts)
}

// WriteBars replaces the partition at path with bars.
func WriteBars(path string, bars []types.Bar, opts Options) error {
	rows := make([]BarRow, len(bars))
	for i := range bars {
		rows[i] = BarToRow(&bars[i])
	}
	return writeFile(path, rows, opts)
}

// writeFile writes rows to a temp file next to path and renames it into place.
func writeFile[T any](path string, rows []T, opts Options) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageBufferSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageBufferSize))
	}

	w := parquet.NewGenericWriter[T](f, writerOpts...)
	if _, err = w.Write(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
