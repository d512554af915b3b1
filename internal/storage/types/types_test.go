package types

import (
	"testing"
	"time"

	"github.com/xtxerr/tickvault/internal/errors"
)

func TestTimeframeString(t *testing.T) {
	tests := []struct {
		tf   Timeframe
		want string
	}{
		{TF1m, "1m"},
		{TF3m, "3m"},
		{TF15m, "15m"},
		{TF30m, "30m"},
		{TF1h, "1h"},
		{TF2h, "2h"},
		{TF4h, "4h"},
		{TF1d, "1d"},
	}

	for _, tt := range tests {
		if got := tt.tf.String(); got != tt.want {
			t.Errorf("Timeframe(%d).String() = %q, want %q", int(tt.tf), got, tt.want)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    Timeframe
		wantErr bool
	}{
		{"1m", TF1m, false},
		{"15m", TF15m, false},
		{"15min", TF15m, false},
		{"1minute", TF1m, false},
		{"1h", TF1h, false},
		{"1hour", TF1h, false},
		{"4h", TF4h, false},
		{"1d", TF1d, false},
		{"1day", TF1d, false},
		{" 5M ", TF5m, false},
		{"7m", 0, true},
		{"m", 0, true},
		{"", 0, true},
		{"1w", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if tt.wantErr {
			if !errors.Is(err, errors.ErrInvalidTimeframe) {
				t.Errorf("ParseTimeframe(%q) error = %v, want ErrInvalidTimeframe", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeframe(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeframe(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimeframeRoundTripThroughText(t *testing.T) {
	for _, tf := range AllTimeframes() {
		b, err := tf.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", tf, err)
		}
		var back Timeframe
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if back != tf {
			t.Errorf("round trip %v -> %s -> %v", tf, b, back)
		}
	}
}

func TestTimeframeDuration(t *testing.T) {
	if TF15m.Duration() != 15*time.Minute {
		t.Errorf("15m duration = %v", TF15m.Duration())
	}
	if TF1d.Duration() != 24*time.Hour {
		t.Errorf("1d duration = %v", TF1d.Duration())
	}
	if !Base.IsBase() || TF5m.IsBase() {
		t.Error("IsBase mismatch")
	}
}

func TestBarSupersedes(t *testing.T) {
	ts := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	live := Bar{Symbol: "SYM", Timeframe: TF1m, Timestamp: ts, Close: 101}
	synth := Bar{Symbol: "SYM", Timeframe: TF1m, Timestamp: ts, Close: 99, IsSynthetic: true}

	if !live.Supersedes(synth) {
		t.Error("non-synthetic bar must replace a synthetic one")
	}
	if synth.Supersedes(live) {
		t.Error("synthetic bar must never replace a non-synthetic one")
	}
	if synth.Supersedes(synth) {
		t.Error("synthetic bar must not replace an existing synthetic bar")
	}
	if !live.Supersedes(live) {
		t.Error("non-synthetic re-aggregation must overwrite")
	}
}

func TestDedupeBarsFirstWins(t *testing.T) {
	ts := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	bars := []Bar{
		{Symbol: "A", Timeframe: TF1m, Timestamp: ts, Close: 1},
		{Symbol: "A", Timeframe: TF1m, Timestamp: ts, Close: 2},
		{Symbol: "A", Timeframe: TF5m, Timestamp: ts, Close: 3},
		{Symbol: "B", Timeframe: TF1m, Timestamp: ts, Close: 4},
	}

	got := DedupeBars(bars)
	if len(got) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(got))
	}
	if got[0].Close != 1 {
		t.Errorf("expected first occurrence to win, got close=%v", got[0].Close)
	}
}

func TestDedupeTicksFirstWins(t *testing.T) {
	ts := time.Date(2024, 3, 4, 4, 0, 1, 0, time.UTC)
	ticks := []Tick{
		{Symbol: "A", Timestamp: ts, Price: 100},
		{Symbol: "A", Timestamp: ts, Price: 200},
		{Symbol: "A", Timestamp: ts.Add(time.Second), Price: 300},
	}

	got := DedupeTicks(ticks)
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(got))
	}
	if got[0].Price != 100 {
		t.Errorf("expected first write to win, got %v", got[0].Price)
	}
}

func TestSortBarsDeterministic(t *testing.T) {
	base := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	bars := []Bar{
		{Symbol: "B", Timestamp: base.Add(time.Minute)},
		{Symbol: "B", Timestamp: base},
		{Symbol: "A", Timestamp: base},
	}
	SortBars(bars)

	if bars[0].Symbol != "A" || bars[1].Symbol != "B" || !bars[2].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected order: %+v", bars)
	}

	last, ok := LastBar(bars)
	if !ok || !last.Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("LastBar = %+v, %v", last, ok)
	}
}
