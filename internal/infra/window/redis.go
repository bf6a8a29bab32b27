package window

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// hitScript trims the sorted set to the window, adds the new member and
// returns the cardinality in one round trip.
const hitScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return n
`

type evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisCounter shares windows across service instances.
type RedisCounter struct {
	client evaler
	prefix string
	now    func() time.Time
	seq    atomic.Uint64
}

func NewRedisCounter(client evaler, prefix string, now func() time.Time) *RedisCounter {
	if now == nil {
		now = time.Now
	}

	return &RedisCounter{client: client, prefix: prefix, now: now}
}

func (c *RedisCounter) Hit(ctx context.Context, key string, span time.Duration) (int64, error) {
	now := c.now()
	args := hitArgs(now, span, c.seq.Add(1))

	n, err := c.client.Eval(ctx, hitScript, []string{c.prefix + key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("eval window hit: %w", err)
	}

	return n, nil
}

// hitArgs builds the script arguments: score, cutoff, member and key TTL.
func hitArgs(now time.Time, span time.Duration, seq uint64) []interface{} {
	nowMs := now.UnixMilli()

	return []interface{}{
		nowMs,
		nowMs - span.Milliseconds(),
		fmt.Sprintf("%d-%d", now.UnixNano(), seq),
		span.Milliseconds(),
	}
}
