package orders

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultStreamMaxLen bounds the order stream (approximate trim).
const DefaultStreamMaxLen = 10000

// RedisSink appends msgpack-encoded orders to a Redis stream.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream.
func NewRedisSink(rdb *redis.Client, stream string) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream, maxLen: DefaultStreamMaxLen}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("orders: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("orders: ping redis: %w", err)
	}
	return rdb, nil
}

// Dispatch implements Sink.
func (s *RedisSink) Dispatch(ctx context.Context, o Order) error {
	payload, err := msgpack.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	// Use XADD with MAXLEN to keep the stream size bounded
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Approx: true,
		MaxLen: s.maxLen,
		Values: map[string]interface{}{
			"order_id": o.ID,
			"payload":  payload,
		},
	}).Err()
}

// Decode reads an order from a stream entry's payload field.
func Decode(payload []byte) (Order, error) {
	var o Order
	if err := msgpack.Unmarshal(payload, &o); err != nil {
		return Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return o, nil
}
