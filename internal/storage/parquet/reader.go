package parquet

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// ReadTicks reads a tick partition. A missing file yields
// errors.ErrPartitionNotFound.
func ReadTicks(path string) ([]types.Tick, error) {
	rows, err := readFile[TickRow](path)
	if err != nil {
		return nil, err
	}
	ticks := make([]types.Tick, len(rows))
	for i := range rows {
		ticks[i] = RowToTick(&rows[i])
	}
	return ticks, nil
}

// ReadBars reads a candle partition. A missing file yields
// errors.ErrPartitionNotFound.
func ReadBars(path string) ([]types.Bar, error) {
	rows, err := readFile[BarRow](path)
	if err != nil {
		return nil, err
	}
	bars := make([]types.Bar, 0, len(rows))
	for i := range rows {
		b, err := RowToBar(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func readFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errors.ErrPartitionNotFound)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	// ReadBufferSize is a FileOption, so it is applied via OpenFile. Open
	// failures panic, as they did inside NewGenericReader.
	pf, err := parquet.OpenFile(f, stat.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		panic(err)
	}
	reader := parquet.NewGenericReader[T](pf)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows[:n], nil
}

// FileInfo holds information about a partition file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
	ModTime time.Time
}

// GetFileInfo returns information about a partition file without reading its rows.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errors.ErrPartitionNotFound)
		}
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
		ModTime: stat.ModTime(),
	}, nil
}

func unixMicroUTC(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
