package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long RedisSink keeps a frame.
const DefaultTTL = 3 * time.Minute

// Setter is the part of a redis client RedisSink uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type Setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisSink stores each frame under "<prefix>:<seq>" with a TTL so that
// downstream consumers can fetch recent screenshots by sequence number.
type RedisSink struct {
	client Setter
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a sink writing through client. A non-positive ttl
// selects DefaultTTL.
func NewRedisSink(client Setter, prefix string, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "screenshot"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the key a frame with sequence seq is stored under.
func (s *RedisSink) Key(seq uint64) string {
	return s.prefix + ":" + strconv.FormatUint(seq, 10)
}

func (s *RedisSink) Store(ctx context.Context, seq uint64, image []byte) error {
	key := s.Key(seq)
	if err := s.client.Set(ctx, key, image, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "sink: redis set %s", key)
	}
	return nil
}
