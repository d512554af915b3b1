package testing

import (
	"fmt"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
)

// =============================================================================
// Market Data Fixtures
// =============================================================================

// IST is the exchange zone used by fixtures (Asia/Kolkata has no DST).
var IST = time.FixedZone("IST", 5*3600+30*60)

// At returns the UTC instant of an exchange-local date and clock time.
//
//	tvtest.At("2024-01-15", "09:15") // 2024-01-15T03:45:00Z
func At(date, clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, IST)
	if err != nil {
		panic(fmt.Sprintf("fixture time %q %q: %v", date, clock, err))
	}
	return t.UTC()
}

// Tick builds a tick.
func Tick(symbol string, ts time.Time, price float64, volume int64) types.Tick {
	return types.Tick{Symbol: symbol, Timestamp: ts.UTC(), Price: price, Volume: volume}
}

// Bar builds a non-synthetic bar.
func Bar(symbol string, tf types.Timeframe, ts time.Time, open, high, low, close float64, volume int64) types.Bar {
	return types.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: ts.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}
}

// Flat builds a bar whose OHLC are all price.
func Flat(symbol string, tf types.Timeframe, ts time.Time, price float64, volume int64) types.Bar {
	return Bar(symbol, tf, ts, price, price, price, price, volume)
}

// Synthetic marks b as reconstructed.
func Synthetic(b types.Bar) types.Bar {
	b.IsSynthetic = true
	return b
}

// MinuteBars returns n consecutive 1m bars starting at start. Bar i opens at
// first+i and closes at first+i+0.5, with volume 10.
func MinuteBars(symbol string, start time.Time, n int, first float64) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		p := first + float64(i)
		bars[i] = Bar(symbol, types.TF1m, start.Add(time.Duration(i)*time.Minute), p, p+1, p-1, p+0.5, 10)
	}
	return bars
}

// TicksEvery returns prices as ticks spaced step apart starting at start,
// each with the given volume.
func TicksEvery(symbol string, start time.Time, step time.Duration, volume int64, prices ...float64) []types.Tick {
	ticks := make([]types.Tick, len(prices))
	for i, p := range prices {
		ticks[i] = Tick(symbol, start.Add(time.Duration(i)*step), p, volume)
	}
	return ticks
}
