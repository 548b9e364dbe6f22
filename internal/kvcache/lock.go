package kvcache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// unlockScript releases the lock only when the stored token still
// matches, so a holder whose lease expired cannot release a lock that
// has since been granted to someone else.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease under the same token check.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// casScript swaps the value only when it currently equals the expected
// value. Returns 1 on swap.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// Lock is a single-holder lease on one key. Zero value is not usable;
// obtain one via TryLock.
type Lock struct {
	c     *Client
	key   string
	token string
	ttl   time.Duration
}

// TryLock attempts a non-blocking acquisition. A held lock reports
// LockContended; the caller decides whether to back off or move on to
// the next order.
func (c *Client) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, apperrors.KVUnavailable(err)
	}
	if !ok {
		return nil, apperrors.LockContended(key)
	}
	return &Lock{c: c, key: key, token: token, ttl: ttl}, nil
}

// Renew extends the lease. Returns LockContended when the lease has
// already expired and the key belongs to another holder.
func (l *Lock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.c.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return apperrors.KVUnavailable(err)
	}
	if n == 0 {
		return apperrors.LockContended(l.key)
	}
	return nil
}

// Unlock releases the lease. Releasing an expired or stolen lease is
// a no-op, never an error.
func (l *Lock) Unlock(ctx context.Context) error {
	_, err := unlockScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Int()
	if err != nil && err != redis.Nil {
		return apperrors.KVUnavailable(err)
	}
	return nil
}

// AtomicIncr increments a counter key and returns the new value.
func (c *Client) AtomicIncr(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Incr(ctx, key).Result()
	return v, wrapKVErr(err)
}

// AtomicCAS swaps key from expect to next atomically. Returns false
// when the current value differs.
func (c *Client) AtomicCAS(ctx context.Context, key, expect, next string) (bool, error) {
	n, err := casScript.Run(ctx, c.rdb, []string{key}, expect, next).Int()
	if err != nil {
		return false, apperrors.KVUnavailable(err)
	}
	return n == 1, nil
}
