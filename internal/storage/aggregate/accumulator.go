// Package aggregate turns live ticks into 1-minute bars.
package aggregate

import (
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Accumulator maintains running OHLCV for a single bucket. Inputs must be
// added in time order; the first input sets the open and the last the close.
type Accumulator struct {
	start  time.Time
	count  int64
	open   float64
	high   float64
	low    float64
	close  float64
	volume int64

	synthetic bool
}

// NewAccumulator creates an accumulator for the bucket starting at start.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{start: start}
}

// AddTick adds a trade.
func (a *Accumulator) AddTick(t types.Tick) {
	a.add(t.Price, t.Price, t.Price, t.Price, t.Volume)
}

// AddBar folds a finer bar into the bucket. The bucket is synthetic if any
// input bar is synthetic.
func (a *Accumulator) AddBar(b types.Bar) {
	a.add(b.Open, b.High, b.Low, b.Close, b.Volume)
	if b.IsSynthetic {
		a.synthetic = true
	}
}

func (a *Accumulator) add(open, high, low, close float64, volume int64) {
	if a.count == 0 {
		a.open = open
		a.high = high
		a.low = low
	}
	if high > a.high {
		a.high = high
	}
	if low < a.low {
		a.low = low
	}
	a.close = close
	a.volume += volume
	a.count++
}

// Start returns the bucket start.
func (a *Accumulator) Start() time.Time {
	return a.start
}

// Count returns the number of inputs added.
func (a *Accumulator) Count() int64 {
	return a.count
}

// IsEmpty returns true if nothing has been added.
func (a *Accumulator) IsEmpty() bool {
	return a.count == 0
}

// Bar returns the bucket as a bar of symbol and tf.
func (a *Accumulator) Bar(symbol string, tf types.Timeframe) types.Bar {
	return types.Bar{
		Symbol:      symbol,
		Timeframe:   tf,
		Timestamp:   a.start,
		Open:        a.open,
		High:        a.high,
		Low:         a.low,
		Close:       a.close,
		Volume:      a.volume,
		IsSynthetic: a.synthetic,
	}
}
