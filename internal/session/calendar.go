// Package session models the exchange trading calendar: the exchange time
// zone, the daily session window and the trading weekdays.
//
// Everything that needs to know "which day is this row" or "is the market
// open" goes through a Calendar: the resampler (bucket alignment), recovery
// (intraday vs historical fetch), rollover (partition dates) and the daemon
// (ingestion gating).
package session

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // exchange zones must resolve on minimal hosts

	"github.com/xtxerr/tickvault/internal/errors"
)

// DateLayout is the spelling of exchange-local dates in partition names.
const DateLayout = "2006-01-02"

// Calendar describes one exchange's trading session.
type Calendar struct {
	Location *time.Location
	Open     time.Duration // wall-clock offset from local midnight
	Close    time.Duration
	Weekdays map[time.Weekday]bool
}

// Options configures a Calendar.
type Options struct {
	Timezone string   // IANA zone, e.g. "Asia/Kolkata"
	Open     string   // "15:04"
	Close    string   // "15:04"
	Weekdays []string // "mon".."sun"; empty means Monday to Friday
}

// DefaultOptions returns the NSE session: 09:15-15:30 Asia/Kolkata, Mon-Fri.
func DefaultOptions() Options {
	return Options{
		Timezone: "Asia/Kolkata",
		Open:     "09:15",
		Close:    "15:30",
		Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
	}
}

// New builds a Calendar from options.
func New(opts Options) (*Calendar, error) {
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", opts.Timezone, err)
	}

	open, err := parseClock(opts.Open)
	if err != nil {
		return nil, errors.NewValidation("session.open", err.Error())
	}
	closeAt, err := parseClock(opts.Close)
	if err != nil {
		return nil, errors.NewValidation("session.close", err.Error())
	}
	if closeAt <= open {
		return nil, errors.NewValidation("session.close", "must be after session.open")
	}

	days := opts.Weekdays
	if len(days) == 0 {
		days = DefaultOptions().Weekdays
	}
	weekdays := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, err := parseWeekday(d)
		if err != nil {
			return nil, errors.NewValidation("session.weekdays", err.Error())
		}
		weekdays[wd] = true
	}

	return &Calendar{
		Location: loc,
		Open:     open,
		Close:    closeAt,
		Weekdays: weekdays,
	}, nil
}

// Default returns the default calendar. It panics only if the embedded zone
// database is missing, which cannot happen with time/tzdata linked in.
func Default() *Calendar {
	c, err := New(DefaultOptions())
	if err != nil {
		panic(err)
	}
	return c
}

// Local converts t into the exchange time zone.
func (c *Calendar) Local(t time.Time) time.Time {
	return t.In(c.Location)
}

// Date returns the exchange-local calendar date of t.
func (c *Calendar) Date(t time.Time) string {
	return t.In(c.Location).Format(DateLayout)
}

// ParseDate returns local midnight of an exchange date.
func (c *Calendar) ParseDate(date string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, date, c.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return t, nil
}

// Midnight returns local midnight of the exchange date containing t.
func (c *Calendar) Midnight(t time.Time) time.Time {
	l := t.In(c.Location)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.Location)
}

// SessionOpen returns the session open on the exchange date of t.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	return c.atOffset(t, c.Open)
}

// SessionClose returns the session close on the exchange date of t.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	return c.atOffset(t, c.Close)
}

// IsTradingDay reports whether the exchange date of t is a trading weekday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	return c.Weekdays[t.In(c.Location).Weekday()]
}

// IsTradingTime reports whether t falls inside [open, close) of a trading day.
func (c *Calendar) IsTradingTime(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	return !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// SameDate reports whether a and b fall on the same exchange date.
func (c *Calendar) SameDate(a, b time.Time) bool {
	return c.Date(a) == c.Date(b)
}

// NextOpen returns the first session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	day := c.Midnight(t)
	for i := 0; i < 8; i++ {
		open := c.atOffset(day, c.Open)
		if c.IsTradingDay(day) && !open.Before(t) {
			return open
		}
		day = c.nextDay(day)
	}
	// No trading weekday configured; treat every day as open.
	return c.atOffset(c.nextDay(c.Midnight(t)), c.Open)
}

// NextClose returns the close of the session that is open at t, or of the
// next session when the market is closed.
func (c *Calendar) NextClose(t time.Time) time.Time {
	if c.IsTradingTime(t) {
		return c.SessionClose(t)
	}
	return c.SessionClose(c.NextOpen(t))
}

// PreviousTradingDay returns local midnight of the last trading date before t's date.
func (c *Calendar) PreviousTradingDay(t time.Time) time.Time {
	day := c.Midnight(t)
	for i := 0; i < 8; i++ {
		day = c.prevDay(day)
		if c.IsTradingDay(day) {
			return day
		}
	}
	return c.prevDay(c.Midnight(t))
}

func (c *Calendar) atOffset(t time.Time, offset time.Duration) time.Time {
	l := t.In(c.Location)
	// Minutes overflow into hours in time.Date, so wall-clock offsets stay
	// correct on DST transition days.
	return time.Date(l.Year(), l.Month(), l.Day(), 0, int(offset/time.Minute), 0, 0, c.Location)
}

func (c *Calendar) nextDay(midnight time.Time) time.Time {
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day()+1, 0, 0, 0, 0, c.Location)
}

func (c *Calendar) prevDay(midnight time.Time) time.Time {
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day()-1, 0, 0, 0, 0, c.Location)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("clock %q: expected HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
}
