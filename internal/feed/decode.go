package feed

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/tickvault/internal/errors"
)

// Feed message field numbers.
const (
	// FeedResponse
	fieldType      protowire.Number = 1
	fieldFeeds     protowire.Number = 2
	fieldCurrentTs protowire.Number = 3

	// map<string, Feed> entry
	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2

	// Feed
	fieldLTPC     protowire.Number = 1
	fieldFullFeed protowire.Number = 2

	// FullFeed
	fieldMarketFF protowire.Number = 1
	fieldIndexFF  protowire.Number = 2

	// MarketFullFeed / IndexFullFeed
	fieldFullLTPC protowire.Number = 1

	// LTPC
	fieldLTP protowire.Number = 1
	fieldLTT protowire.Number = 2
	fieldLTQ protowire.Number = 3
	fieldCP  protowire.Number = 4
)

// Response types.
const (
	TypeInitialFeed = 0
	TypeLiveFeed    = 1
	TypeMarketInfo  = 2
)

// Quote is the last traded price of one instrument.
type Quote struct {
	Key           string
	Price         float64
	Time          time.Time
	Quantity      int64
	PreviousClose float64
}

// Response is a decoded feed message.
type Response struct {
	Type      int
	CurrentTs time.Time
	Quotes    []Quote
}

// Decode decodes a binary feed message. Instruments without a last trade
// time are skipped; unknown fields are ignored.
func Decode(data []byte) (Response, error) {
	var resp Response
	err := fields(data, func(f field) error {
		switch f.num {
		case fieldType:
			resp.Type = int(f.varint)
		case fieldCurrentTs:
			resp.CurrentTs = millis(int64(f.varint))
		case fieldFeeds:
			q, ok, err := decodeEntry(f.bytes)
			if err != nil {
				return err
			}
			if ok {
				resp.Quotes = append(resp.Quotes, q)
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: feed response: %w", errors.ErrDecode, err)
	}
	return resp, nil
}

func decodeEntry(b []byte) (Quote, bool, error) {
	var (
		q     Quote
		value []byte
	)
	err := fields(b, func(f field) error {
		switch f.num {
		case fieldEntryKey:
			q.Key = string(f.bytes)
		case fieldEntryValue:
			value = f.bytes
		}
		return nil
	})
	if err != nil || q.Key == "" || value == nil {
		return Quote{}, false, err
	}

	ltpc, err := findLTPC(value)
	if err != nil || ltpc == nil {
		return Quote{}, false, err
	}
	if err := decodeLTPC(ltpc, &q); err != nil {
		return Quote{}, false, err
	}
	if q.Time.IsZero() {
		return Quote{}, false, nil
	}
	return q, true, nil
}

// findLTPC returns the LTPC payload of a Feed, either direct or nested in
// fullFeed.marketFF / fullFeed.indexFF.
func findLTPC(feed []byte) ([]byte, error) {
	var ltpc, full []byte
	err := fields(feed, func(f field) error {
		switch f.num {
		case fieldLTPC:
			ltpc = f.bytes
		case fieldFullFeed:
			full = f.bytes
		}
		return nil
	})
	if err != nil || ltpc != nil || full == nil {
		return ltpc, err
	}

	var inner []byte
	err = fields(full, func(f field) error {
		if f.num == fieldMarketFF || f.num == fieldIndexFF {
			inner = f.bytes
		}
		return nil
	})
	if err != nil || inner == nil {
		return nil, err
	}
	err = fields(inner, func(f field) error {
		if f.num == fieldFullLTPC {
			ltpc = f.bytes
		}
		return nil
	})
	return ltpc, err
}

func decodeLTPC(b []byte, q *Quote) error {
	return fields(b, func(f field) error {
		switch f.num {
		case fieldLTP:
			q.Price = math.Float64frombits(f.fixed64)
		case fieldLTT:
			q.Time = millis(int64(f.varint))
		case fieldLTQ:
			q.Quantity = int64(f.varint)
		case fieldCP:
			q.PreviousClose = math.Float64frombits(f.fixed64)
		}
		return nil
	})
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// field is one decoded protobuf field. Only the member matching typ is set.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// fields calls fn for every field of the message b, in wire order.
func fields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
