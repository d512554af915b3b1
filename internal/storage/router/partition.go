package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/tickvault/internal/session"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// DataType is the kind of rows a historical partition holds.
type DataType string

const (
	Ticks   DataType = "ticks"
	Candles DataType = "candles"
)

const partitionExt = ".parquet"

// PartitionKey addresses one historical partition file.
type PartitionKey struct {
	Exchange  string
	DataType  DataType
	Timeframe types.Timeframe // Candles only
	Date      string          // exchange-local "2006-01-02"
}

// TickPartition returns the key of a tick partition.
func TickPartition(exchange, date string) PartitionKey {
	return PartitionKey{Exchange: exchange, DataType: Ticks, Date: date}
}

// CandlePartition returns the key of a candle partition.
func CandlePartition(exchange string, tf types.Timeframe, date string) PartitionKey {
	return PartitionKey{Exchange: exchange, DataType: Candles, Timeframe: tf, Date: date}
}

// Validate checks the key.
func (k PartitionKey) Validate() error {
	if k.Exchange == "" || strings.ContainsAny(k.Exchange, `/\`) {
		return fmt.Errorf("partition exchange %q invalid", k.Exchange)
	}
	switch k.DataType {
	case Ticks:
	case Candles:
		if !k.Timeframe.Valid() {
			return fmt.Errorf("partition timeframe %v invalid", k.Timeframe)
		}
	default:
		return fmt.Errorf("partition data type %q invalid", k.DataType)
	}
	if _, err := parseDate(k.Date); err != nil {
		return err
	}
	return nil
}

// dir returns the directory holding every date of this key's series.
func (k PartitionKey) dir(root string) string {
	base := filepath.Join(DomainMarketData.Dir(root), k.Exchange, string(k.DataType))
	if k.DataType == Candles {
		return filepath.Join(base, k.Timeframe.String())
	}
	return base
}

// Path returns the partition file path under root.
func (k PartitionKey) Path(root string) string {
	return filepath.Join(k.dir(root), k.Date+partitionExt)
}

// String implements fmt.Stringer.
func (k PartitionKey) String() string {
	if k.DataType == Candles {
		return fmt.Sprintf("%s/%s/%s/%s", k.Exchange, k.DataType, k.Timeframe, k.Date)
	}
	return fmt.Sprintf("%s/%s/%s", k.Exchange, k.DataType, k.Date)
}

// listDates returns the dates with a partition file in dir, in ascending
// order. A missing series directory yields no dates.
func listDates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) || strings.HasPrefix(name, ".") {
			continue
		}
		date := strings.TrimSuffix(name, partitionExt)
		if _, err := parseDate(date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

func parseDate(date string) (time.Time, error) {
	t, err := time.Parse(session.DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("partition date %q invalid", date)
	}
	return t, nil
}
