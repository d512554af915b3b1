// Package bus carries freshly committed bars from the ingestion process to
// low-latency consumers over redis pub/sub.
//
// The bus is best effort: a consumer that misses a message catches up from
// storage. Every bar is published on its own topic:
//
//	bars:<timeframe>:<symbol>    e.g. bars:1m:RELIANCE
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/tickvault/internal/errors"
	"github.com/xtxerr/tickvault/internal/storage/types"
)

// TopicPrefix starts every bar topic.
const TopicPrefix = "bars"

// Topic returns the channel a bar of symbol/tf is published on.
func Topic(tf types.Timeframe, symbol string) string {
	return TopicPrefix + ":" + tf.String() + ":" + symbol
}

// SymbolPattern matches every timeframe of symbol.
func SymbolPattern(symbol string) string {
	return TopicPrefix + ":*:" + symbol
}

// TimeframePattern matches every symbol of tf.
func TimeframePattern(tf types.Timeframe) string {
	return TopicPrefix + ":" + tf.String() + ":*"
}

// ParseTopic splits a topic into timeframe and symbol.
func ParseTopic(topic string) (types.Timeframe, string, error) {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return 0, "", fmt.Errorf("topic %q: %w", topic, errors.ErrDecode)
	}
	tf, err := types.ParseTimeframe(parts[1])
	if err != nil {
		return 0, "", err
	}
	return tf, parts[2], nil
}

// Message is a bar on the wire.
type Message struct {
	Symbol      string          `json:"symbol"`
	Timeframe   types.Timeframe `json:"timeframe"`
	Timestamp   time.Time       `json:"timestamp"`
	Open        float64         `json:"open"`
	High        float64         `json:"high"`
	Low         float64         `json:"low"`
	Close       float64         `json:"close"`
	Volume      int64           `json:"volume"`
	IsSynthetic bool            `json:"is_synthetic"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewMessage wraps b, stamped with the publish time.
func NewMessage(b types.Bar, publishedAt time.Time) Message {
	return Message{
		Symbol:      b.Symbol,
		Timeframe:   b.Timeframe,
		Timestamp:   b.Timestamp.UTC(),
		Open:        b.Open,
		High:        b.High,
		Low:         b.Low,
		Close:       b.Close,
		Volume:      b.Volume,
		IsSynthetic: b.IsSynthetic,
		PublishedAt: publishedAt.UTC(),
	}
}

// Bar returns the carried bar.
func (m Message) Bar() types.Bar {
	return types.Bar{
		Symbol:      m.Symbol,
		Timeframe:   m.Timeframe,
		Timestamp:   m.Timestamp.UTC(),
		Open:        m.Open,
		High:        m.High,
		Low:         m.Low,
		Close:       m.Close,
		Volume:      m.Volume,
		IsSynthetic: m.IsSynthetic,
	}
}

// Topic returns the channel m belongs on.
func (m Message) Topic() string {
	return Topic(m.Timeframe, m.Symbol)
}

// Latency is the time from publish to now.
func (m Message) Latency(now time.Time) time.Duration {
	return now.Sub(m.PublishedAt)
}

// Encode marshals m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message and checks that it names a bar.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", errors.ErrDecode, err)
	}
	if m.Symbol == "" || !m.Timeframe.Valid() || m.Timestamp.IsZero() {
		return Message{}, fmt.Errorf("%w: incomplete bar message", errors.ErrDecode)
	}
	return m, nil
}
