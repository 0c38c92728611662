package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	flagOpTimeout  = 300 * time.Millisecond
	admitTimeout   = 500 * time.Millisecond
	retryBackoff   = 100 * time.Millisecond
	flagOpRetries  = 3
	windowTTLSlack = 60 // seconds added on top of the window before the key expires
)

// admitScript is the atomic sliding-window check-and-record. Returning the
// pre-count on rejection and the post-count on admission matches what the
// callers surface as current_count.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local windowStart = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local maxRequests = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, windowStart)
local count = redis.call('ZCARD', key)
if count < maxRequests then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, ttl)
    return {1, count + 1}
end
return {0, count}
`)

// Redis is the distributed back-end. The server owns mutual exclusion; this
// side owns timeouts, error classification and transport retries.
type Redis struct {
	rdb  *redis.Client
	keys Keys
}

func NewRedis(addr, password string, db int, keys Keys) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{rdb: rdb, keys: keys}
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flagOpTimeout)
	defer cancel()
	return classify(r.rdb.Ping(ctx).Err())
}

func classify(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// retryTransport re-runs op for transport-class failures only. Timeouts and
// business results pass straight through.
func retryTransport(ctx context.Context, attempts int, op func() error) error {
	var err error
	backoff := retryBackoff
	for i := 0; i < attempts; i++ {
		err = op()
		if err == nil || !errors.Is(err, ErrTransport) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
	return err
}

func (r *Redis) Admit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (AdmitResult, error) {
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()
	ttl := int64(window/time.Second) + windowTTLSlack
	member := uuid.NewString()

	var res AdmitResult
	// One retry for transport failures, per the admit budget.
	err := retryTransport(ctx, 2, func() error {
		opCtx, cancel := context.WithTimeout(ctx, admitTimeout)
		defer cancel()
		raw, err := admitScript.Run(opCtx, r.rdb, []string{key},
			start, nowMs, max, ttl, member).Slice()
		if err != nil {
			return classify(err)
		}
		if len(raw) != 2 {
			return fmt.Errorf("%w: unexpected script reply %v", ErrTransport, raw)
		}
		admitted, _ := raw[0].(int64)
		count, _ := raw[1].(int64)
		res = AdmitResult{Admitted: admitted == 1, Count: int(count)}
		return nil
	})
	return res, err
}

func (r *Redis) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()

	opCtx, cancel := context.WithTimeout(ctx, admitTimeout)
	defer cancel()
	if err := r.rdb.ZRemRangeByScore(opCtx, key, "0", fmt.Sprintf("%d", start)).Err(); err != nil {
		return 0, classify(err)
	}
	n, err := r.rdb.ZCount(opCtx, key, fmt.Sprintf("(%d", start), fmt.Sprintf("%d", nowMs)).Result()
	if err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

func (r *Redis) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	return retryTransport(ctx, flagOpRetries, func() error {
		opCtx, cancel := context.WithTimeout(ctx, flagOpTimeout)
		defer cancel()
		return classify(r.rdb.Set(opCtx, key, value, ttl).Err())
	})
}

func (r *Redis) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := retryTransport(ctx, flagOpRetries, func() error {
		opCtx, cancel := context.WithTimeout(ctx, flagOpTimeout)
		defer cancel()
		v, err := r.rdb.Get(opCtx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return classify(err)
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (r *Redis) DeleteFlag(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := retryTransport(ctx, flagOpRetries, func() error {
		opCtx, cancel := context.WithTimeout(ctx, flagOpTimeout)
		defer cancel()
		n, err := r.rdb.Del(opCtx, key).Result()
		if err != nil {
			return classify(err)
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

func (r *Redis) HasFlag(ctx context.Context, key string) (bool, error) {
	var present bool
	err := retryTransport(ctx, flagOpRetries, func() error {
		opCtx, cancel := context.WithTimeout(ctx, flagOpTimeout)
		defer cancel()
		n, err := r.rdb.Exists(opCtx, key).Result()
		if err != nil {
			return classify(err)
		}
		present = n > 0
		return nil
	})
	return present, err
}

func (r *Redis) ObserveActive(ctx context.Context, ip string, now time.Time, window time.Duration) error {
	key := r.keys.IPAccess(ip)
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()
	ttl := window + time.Second

	return retryTransport(ctx, 2, func() error {
		opCtx, cancel := context.WithTimeout(ctx, admitTimeout)
		defer cancel()
		pipe := r.rdb.TxPipeline()
		pipe.ZRemRangeByScore(opCtx, key, "0", fmt.Sprintf("%d", start))
		pipe.ZAdd(opCtx, key, redis.Z{Score: float64(nowMs), Member: uuid.NewString()})
		pipe.Expire(opCtx, key, ttl)
		_, err := pipe.Exec(opCtx)
		return classify(err)
	})
}

func (r *Redis) ActiveIPCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()

	opCtx, cancel := context.WithTimeout(ctx, admitTimeout)
	defer cancel()

	count := 0
	iter := r.rdb.Scan(opCtx, 0, r.keys.IPAccessPattern(), 100).Iterator()
	for iter.Next(opCtx) {
		n, err := r.rdb.ZCount(opCtx, iter.Val(),
			fmt.Sprintf("(%d", start), fmt.Sprintf("%d", nowMs)).Result()
		if err != nil {
			return 0, classify(err)
		}
		if n > 0 {
			count++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
