// Package feed connects to the broker's streaming market data websocket and
// turns last-traded-price updates into ticks.
//
// The connection cycle is authorize, dial, subscribe, read. Any failure
// closes the connection and the cycle restarts after an exponential
// backoff that resets once a connection was established.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// TickSink receives decoded ticks. Submit may block to apply backpressure.
type TickSink interface {
	Submit(ctx context.Context, ticks ...types.Tick) error
}

// Options configures a Client.
type Options struct {
	AuthorizeURL     string
	AccessToken      string
	Mode             string
	Instruments      []config.Instrument
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

// OptionsFromConfig maps the feed section and the instrument list.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AuthorizeURL:     cfg.Feed.AuthorizeURL,
		AccessToken:      cfg.Feed.AccessToken,
		Mode:             cfg.Feed.Mode,
		Instruments:      cfg.Instruments,
		ReconnectInitial: cfg.Feed.ReconnectInitial,
		ReconnectMax:     cfg.Feed.ReconnectMax,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
		ReadTimeout:      cfg.Feed.ReadTimeout,
	}
}

// Client streams ticks from the market data feed into a TickSink.
type Client struct {
	opts    Options
	auth    *Authorizer
	sink    TickSink
	log     *slog.Logger
	symbols map[string]string // instrument key -> symbol

	// lastTrade is only touched by the read loop.
	lastTrade map[string]time.Time

	running   atomic.Bool
	connected atomic.Bool

	// Statistics
	connections  atomic.Int64
	reconnects   atomic.Int64
	messages     atomic.Int64
	decodeErrors atomic.Int64
	ticks        atomic.Int64
	unchanged    atomic.Int64
	unknown      atomic.Int64
}

// New creates a feed client.
func New(opts Options, sink TickSink) (*Client, error) {
	if opts.AuthorizeURL == "" {
		return nil, errors.NewMissingField("feed.authorize_url")
	}
	if len(opts.Instruments) == 0 {
		return nil, errors.NewMissingField("instruments")
	}
	if sink == nil {
		return nil, errors.NewMissingField("sink")
	}
	if opts.Mode == "" {
		opts.Mode = defaults.DefaultFeedMode
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = defaults.DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = max(defaults.DefaultReconnectMax, opts.ReconnectInitial)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.DefaultHandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.DefaultFeedReadTimeout
	}

	symbols := make(map[string]string, len(opts.Instruments))
	for _, in := range opts.Instruments {
		symbols[in.Key] = in.Name()
	}

	return &Client{
		opts:      opts,
		auth:      NewAuthorizer(opts.AuthorizeURL, opts.AccessToken, opts.HandshakeTimeout),
		sink:      sink,
		log:       logging.Component("feed"),
		symbols:   symbols,
		lastTrade: make(map[string]time.Time),
	}, nil
}

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer c.running.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info("feed stopped")
			return nil
		}
		if errors.Is(err, errors.ErrNotAuthorized) {
			c.log.Error("feed not authorized, check the access token", "error", err)
		}
		if established {
			b.Reset()
		}

		delay := b.NextBackOff()
		c.reconnects.Add(1)
		c.log.Warn("feed disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			c.log.Info("feed stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection. It reports whether the websocket was
// established before the error.
func (c *Client) session(ctx context.Context) (bool, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	url, err := c.auth.Authorize(hctx)
	if err != nil {
		cancel()
		return false, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(hctx, url, nil)
	cancel()
	if err != nil {
		if resp != nil {
			return false, errors.NewUpstream("feed dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return false, errors.NewUpstream("feed dial", err)
	}
	defer conn.Close()

	// Closing the socket is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.connections.Add(1)
	c.connected.Store(true)
	defer c.connected.Store(false)

	if err := c.subscribe(conn); err != nil {
		return true, err
	}
	c.log.Info("feed connected", "instruments", len(c.symbols), "mode", c.opts.Mode)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return true, err
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return true, errors.NewUpstream("feed read", err)
		}
		if typ != websocket.BinaryMessage {
			c.log.Debug("ignoring non-binary feed message", "bytes", len(data))
			continue
		}
		c.messages.Add(1)
		if err := c.handle(ctx, data); err != nil {
			return true, err
		}
	}
}

type subscribeRequest struct {
	GUID   string        `json:"guid"`
	Method string        `json:"method"`
	Data   subscribeData `json:"data"`
}

type subscribeData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	keys := make([]string, 0, len(c.opts.Instruments))
	for _, in := range c.opts.Instruments {
		keys = append(keys, in.Key)
	}
	frame, err := json.Marshal(subscribeRequest{
		GUID:   uuid.NewString(),
		Method: "sub",
		Data:   subscribeData{Mode: c.opts.Mode, InstrumentKeys: keys},
	})
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.NewUpstream("feed subscribe", err)
	}
	return nil
}

// handle decodes one message and submits its ticks. Decode failures are
// logged and dropped; only a failing sink ends the session.
func (c *Client) handle(ctx context.Context, data []byte) error {
	resp, err := Decode(data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.log.Warn("dropping undecodable feed message", "bytes", len(data), "error", err)
		return nil
	}

	ticks := make([]types.Tick, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		symbol, ok := c.symbols[q.Key]
		if !ok {
			c.unknown.Add(1)
			continue
		}
		if last, ok := c.lastTrade[q.Key]; ok && !q.Time.After(last) {
			c.unchanged.Add(1)
			continue
		}
		c.lastTrade[q.Key] = q.Time
		ticks = append(ticks, types.Tick{
			Symbol:    symbol,
			Timestamp: q.Time,
			Price:     q.Price,
			Volume:    q.Quantity,
		})
	}
	if len(ticks) == 0 {
		return nil
	}
	if err := c.sink.Submit(ctx, ticks...); err != nil {
		return fmt.Errorf("submit ticks: %w", err)
	}
	c.ticks.Add(int64(len(ticks)))
	return nil
}

// IsConnected reports whether a websocket is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stats contains feed statistics.
type Stats struct {
	Connected    bool
	Connections  int64
	Reconnects   int64
	Messages     int64
	DecodeErrors int64
	Ticks        int64
	Unchanged    int64
	Unknown      int64
}

// Stats returns feed statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Connected:    c.connected.Load(),
		Connections:  c.connections.Load(),
		Reconnects:   c.reconnects.Load(),
		Messages:     c.messages.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Ticks:        c.ticks.Load(),
		Unchanged:    c.unchanged.Load(),
		Unknown:      c.unknown.Load(),
	}
}
