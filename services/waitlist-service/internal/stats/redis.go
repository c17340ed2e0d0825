package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder shares counters between instances. The total hash is
// cumulative; per-minute bucket hashes expire after ttl.
type RedisRecorder struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

func NewRedisRecorder(rdb redis.Cmdable, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "waitlist:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRecorder) totalKey() string { return r.prefix + ":total" }

// BucketKey names the per-minute hash that an event at t lands in.
func (r *RedisRecorder) BucketKey(t time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, t.UTC().Format("200601021504"))
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)
	bucket := r.BucketKey(at)

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.totalKey(), field, 1)
	pipe.HIncrBy(ctx, bucket, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucket, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record %s: %w", field, err)
	}
	return nil
}

func (r *RedisRecorder) Snapshot(ctx context.Context) (Snapshot, error) {
	raw, err := r.rdb.HGetAll(ctx, r.totalKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read totals: %w", err)
	}

	out := newSnapshot()
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s counter %q: %w", field, v, err)
		}
		out[Outcome(field)] = n
	}
	return out, nil
}
