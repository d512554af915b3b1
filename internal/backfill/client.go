// Package backfill fetches historical 1-minute and coarser candles from the
// broker's REST API. The recovery manager uses it to fill gaps left by feed
// outages.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

const (
	intradayPath   = "/v3/historical-candle/intraday/{instrument}/{unit}/{interval}"
	historicalPath = "/v3/historical-candle/{instrument}/{unit}/{interval}/{to}/{from}"
)

// Source is what the recovery manager needs from a candle API.
type Source interface {
	Intraday(ctx context.Context, symbol string, tf types.Timeframe) ([]types.Bar, error)
	Historical(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error)
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	AccessToken  string
	Timeout      time.Duration
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration

	// Instruments maps stored symbols back to API instrument keys.
	Instruments []config.Instrument

	// Location is the exchange zone used for the date path segments.
	Location *time.Location
}

// OptionsFromConfig maps the backfill section. The access token falls back
// to the feed token.
func OptionsFromConfig(cfg *config.Config) Options {
	token := cfg.Backfill.AccessToken
	if token == "" {
		token = cfg.Feed.AccessToken
	}
	var loc *time.Location
	if cal, err := cfg.Session.Calendar(); err == nil {
		loc = cal.Location
	}
	return Options{
		BaseURL:      cfg.Backfill.BaseURL,
		AccessToken:  token,
		Timeout:      cfg.Backfill.Timeout,
		Retries:      cfg.Backfill.Retries,
		RetryWait:    cfg.Backfill.RetryWait,
		RetryMaxWait: cfg.Backfill.RetryMaxWait,
		Instruments:  cfg.Instruments,
		Location:     loc,
	}
}

// Client is a historical candle API client.
type Client struct {
	http *resty.Client
	keys map[string]string // symbol -> instrument key
	loc  *time.Location
	log  *slog.Logger

	// Statistics
	requests atomic.Int64
	failures atomic.Int64
	bars     atomic.Int64
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.NewMissingField("backfill.base_url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.DefaultBackfillTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	keys := make(map[string]string, len(opts.Instruments))
	for _, in := range opts.Instruments {
		keys[in.Name()] = in.Key
	}

	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetRetryCount(max(opts.Retries, 0)).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		AddRetryCondition(retriable)
	if opts.AccessToken != "" {
		hc.SetAuthToken(opts.AccessToken)
	}

	return &Client{
		http: hc,
		keys: keys,
		loc:  opts.Location,
		log:  logging.Component("backfill"),
	}, nil
}

// retriable retries transport errors, rate limiting and server errors.
func retriable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// Intraday returns today's candles of symbol so far, oldest first.
func (c *Client) Intraday(ctx context.Context, symbol string, tf types.Timeframe) ([]types.Bar, error) {
	unit, interval, err := Interval(tf)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, symbol, tf, intradayPath, map[string]string{
		"instrument": c.instrument(symbol),
		"unit":       unit,
		"interval":   interval,
	})
}

// Historical returns the candles of symbol for the exchange-local dates from
// through to, inclusive, oldest first.
func (c *Client) Historical(ctx context.Context, symbol string, tf types.Timeframe, from, to time.Time) ([]types.Bar, error) {
	unit, interval, err := Interval(tf)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.NewValidation("range", "to before from")
	}
	return c.fetch(ctx, symbol, tf, historicalPath, map[string]string{
		"instrument": c.instrument(symbol),
		"unit":       unit,
		"interval":   interval,
		"to":         to.In(c.loc).Format(time.DateOnly),
		"from":       from.In(c.loc).Format(time.DateOnly),
	})
}

func (c *Client) instrument(symbol string) string {
	if key, ok := c.keys[symbol]; ok {
		return key
	}
	return symbol
}

type candleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]any `json:"candles"`
	} `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

func (c *Client) fetch(ctx context.Context, symbol string, tf types.Timeframe, path string, params map[string]string) ([]types.Bar, error) {
	c.requests.Add(1)

	var body candleResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetResult(&body).
		SetError(&body).
		Get(path)
	if err != nil {
		c.failures.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewUpstream("candle api", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		c.failures.Add(1)
		return nil, fmt.Errorf("candle api: status %d: %w", code, errors.ErrNotAuthorized)
	case code >= 400:
		c.failures.Add(1)
		msg := ""
		if len(body.Errors) > 0 {
			msg = body.Errors[0].Message
		}
		if code >= 500 || code == http.StatusTooManyRequests {
			return nil, errors.NewUpstream("candle api", fmt.Errorf("status %d %s", code, msg))
		}
		return nil, fmt.Errorf("candle api: status %d %s", code, msg)
	}
	if body.Status != "" && body.Status != "success" {
		c.failures.Add(1)
		return nil, errors.NewUpstream("candle api", fmt.Errorf("status %q", body.Status))
	}

	bars, err := ParseCandles(symbol, tf, body.Data.Candles)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	c.bars.Add(int64(len(bars)))
	c.log.Debug("candles fetched", "symbol", symbol, "timeframe", tf, "bars", len(bars))
	return bars, nil
}

// ParseCandles converts API candle rows [ts, open, high, low, close, volume, oi]
// into bars, oldest first.
func ParseCandles(symbol string, tf types.Timeframe, rows [][]any) ([]types.Bar, error) {
	bars := make([]types.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: candle %d has %d fields", errors.ErrDecode, i, len(row))
		}
		s, ok := row[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: candle %d timestamp %v", errors.ErrDecode, i, row[0])
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("%w: candle %d: %w", errors.ErrDecode, i, err)
		}

		var v [5]float64
		for j := range v {
			f, ok := row[j+1].(float64)
			if !ok {
				return nil, fmt.Errorf("%w: candle %d field %d %v", errors.ErrDecode, i, j+1, row[j+1])
			}
			v[j] = f
		}

		bars = append(bars, types.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: ts.UTC(),
			Open:      v[0],
			High:      v[1],
			Low:       v[2],
			Close:     v[3],
			Volume:    int64(v[4]),
		})
	}
	types.SortBars(bars)
	return bars, nil
}

// Interval maps a timeframe to the API's unit and interval path segments.
func Interval(tf types.Timeframe) (unit, interval string, err error) {
	switch {
	case !tf.Valid():
		return "", "", fmt.Errorf("timeframe %v: %w", tf, errors.ErrInvalidTimeframe)
	case tf == types.TF1d:
		return "days", "1", nil
	case tf.Minutes()%60 == 0:
		return "hours", fmt.Sprint(tf.Minutes() / 60), nil
	default:
		return "minutes", fmt.Sprint(tf.Minutes()), nil
	}
}

// Stats contains client statistics.
type Stats struct {
	Requests int64
	Failures int64
	Bars     int64
}

// Stats returns client statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
		Bars:     c.bars.Load(),
	}
}
