package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	defaults "github.com/xtxerr/tickvault/config"
	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/logging"
	"github.com/xtxerr/tickvault/internal/storage/config"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// Subscriber delivers bus messages matching topic patterns. The returned
// channel is closed when ctx is done or the subscription breaks.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error)
}

// Options configures a RedisBus.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Buffer is the per-subscription channel size. Messages arriving while
	// a subscriber's buffer is full are dropped.
	Buffer int
}

// OptionsFromConfig maps the bus section of the configuration.
func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		Buffer:   cfg.Buffer,
	}
}

// client is the part of go-redis the bus needs.
type client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisBus publishes and subscribes bars over redis pub/sub.
type RedisBus struct {
	client client
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	// Statistics
	published     atomic.Int64
	publishErrors atomic.Int64
	received      atomic.Int64
	dropped       atomic.Int64
	decodeErrors  atomic.Int64
}

// New creates a bus on a standalone redis server. No connection is made
// until first use; call Ping to fail fast.
func New(opts Options) *RedisBus {
	rc := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newBus(rc, opts)
}

func newBus(c client, opts Options) *RedisBus {
	if opts.Buffer <= 0 {
		opts.Buffer = defaults.DefaultBusBuffer
	}
	return &RedisBus{
		client: c,
		opts:   opts,
		log:    logging.Component("bus"),
		now:    time.Now,
	}
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.NewUpstream("redis "+b.opts.Addr, err)
	}
	return nil
}

// Close closes the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// PublishBar publishes bar on its topic. Having no subscribers is not an error.
func (b *RedisBus) PublishBar(ctx context.Context, bar types.Bar) error {
	msg := NewMessage(bar, b.now())
	data, err := Encode(msg)
	if err != nil {
		b.publishErrors.Add(1)
		return fmt.Errorf("encode %s: %w", msg.Topic(), err)
	}
	if err := b.client.Publish(ctx, msg.Topic(), data).Err(); err != nil {
		b.publishErrors.Add(1)
		return errors.NewUpstream("redis publish "+msg.Topic(), err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe subscribes to topic patterns (see SymbolPattern and
// TimeframePattern). The subscription is confirmed before Subscribe returns.
func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	if len(patterns) == 0 {
		return nil, errors.NewMissingField("patterns")
	}
	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.NewUpstream("redis psubscribe", err)
	}

	out := make(chan Message, b.opts.Buffer)
	in := ps.Channel(redis.WithChannelSize(b.opts.Buffer))
	go func() {
		defer ps.Close()
		b.consume(ctx, in, out)
	}()
	return out, nil
}

// consume decodes redis messages into out until ctx is done or in closes.
// It never blocks on a slow consumer.
func (b *RedisBus) consume(ctx context.Context, in <-chan *redis.Message, out chan<- Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-in:
			if !ok {
				return
			}
			msg, err := Decode([]byte(rm.Payload))
			if err != nil {
				b.decodeErrors.Add(1)
				b.log.Debug("dropping undecodable message", "channel", rm.Channel, "error", err)
				continue
			}
			b.received.Add(1)
			select {
			case out <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Stats contains bus statistics.
type Stats struct {
	Published     int64
	PublishErrors int64
	Received      int64
	Dropped       int64
	DecodeErrors  int64
}

// Stats returns bus statistics.
func (b *RedisBus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		PublishErrors: b.publishErrors.Load(),
		Received:      b.received.Load(),
		Dropped:       b.dropped.Load(),
		DecodeErrors:  b.decodeErrors.Load(),
	}
}
