package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
)

// Timeframe is the bucket duration of a bar series, in minutes.
type Timeframe int

const (
	// TF1m is the base timeframe produced by the aggregator.
	TF1m  Timeframe = 1
	TF3m  Timeframe = 3
	TF5m  Timeframe = 5
	TF10m Timeframe = 10
	TF15m Timeframe = 15
	TF30m Timeframe = 30
	TF1h  Timeframe = 60
	TF2h  Timeframe = 120
	TF4h  Timeframe = 240

	// TF1d buckets are a full session; the resampler never lets a bucket
	// cross the exchange-local date.
	TF1d Timeframe = 1440
)

// Base is the timeframe every coarser series is resampled from.
const Base = TF1m

// String returns the partition/topic spelling of the timeframe ("1m", "1h", "1d").
func (tf Timeframe) String() string {
	switch {
	case tf <= 0:
		return fmt.Sprintf("unknown(%d)", int(tf))
	case tf%1440 == 0:
		return fmt.Sprintf("%dd", tf/1440)
	case tf%60 == 0:
		return fmt.Sprintf("%dh", tf/60)
	default:
		return fmt.Sprintf("%dm", int(tf))
	}
}

// Duration returns the bucket duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Minute
}

// Minutes returns the bucket length in minutes.
func (tf Timeframe) Minutes() int {
	return int(tf)
}

// IsBase reports whether tf is the base (1m) timeframe.
func (tf Timeframe) IsBase() bool {
	return tf == Base
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	for _, known := range AllTimeframes() {
		if tf == known {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (tf Timeframe) MarshalText() ([]byte, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("marshal timeframe %d: %w", int(tf), errors.ErrInvalidTimeframe)
	}
	return []byte(tf.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so timeframes can be
// spelled as strings in YAML, JSON and environment variables.
func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// ParseTimeframe parses "1m", "15m", "1h", "1d" and the longer spellings
// "1minute", "15min", "1hour", "1day".
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("parse timeframe %q: %w", s, errors.ErrInvalidTimeframe)
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("parse timeframe %q: %w", s, errors.ErrInvalidTimeframe)
	}
	n := 0
	for _, c := range s[:i] {
		n = n*10 + int(c-'0')
		if n > 1<<20 {
			return 0, fmt.Errorf("parse timeframe %q: %w", s, errors.ErrInvalidTimeframe)
		}
	}

	var tf Timeframe
	switch s[i:] {
	case "m", "min", "mins", "minute", "minutes":
		tf = Timeframe(n)
	case "h", "hr", "hour", "hours":
		tf = Timeframe(n * 60)
	case "d", "day", "days":
		tf = Timeframe(n * 1440)
	default:
		return 0, fmt.Errorf("parse timeframe %q: %w", s, errors.ErrInvalidTimeframe)
	}

	if !tf.Valid() {
		return 0, fmt.Errorf("parse timeframe %q: %w", s, errors.ErrInvalidTimeframe)
	}
	return tf, nil
}

// AllTimeframes returns all supported timeframes in ascending order.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1m, TF3m, TF5m, TF10m, TF15m, TF30m, TF1h, TF2h, TF4h, TF1d}
}
