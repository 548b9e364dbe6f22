// Package kvcache wraps the shared key-value store: plain and hash
// values with TTLs, lists, sets and sorted sets, plus the distributed
// lock used to serialize claim attempts per order.
package kvcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"uvexchange.io/uvx/internal/config"
	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
)

// Client is a thin typed facade over the redis client. Missing keys
// are NotFound; transport failures are KVUnavailable so callers can
// branch on kind.
type Client struct {
	rdb *redis.Client
}

// New connects and pings; a failure here is fatal to startup.
func New(ctx context.Context, cfg config.KVConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: 120 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, apperrors.KVUnavailable(err)
	}
	logger.Info("kv store connected", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return &Client{rdb: rdb}, nil
}

// NewWithRedis wraps an existing client; used by tests with miniredis.
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func wrapKVErr(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return apperrors.NotFound("key not found")
	}
	return apperrors.KVUnavailable(err)
}

// Set stores a string value with a TTL; zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapKVErr(c.rdb.Set(ctx, key, value, ttl).Err())
}

// Get fetches a string value.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	return v, wrapKVErr(err)
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return wrapKVErr(c.rdb.Del(ctx, keys...).Err())
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, wrapKVErr(err)
}

// TTL returns the remaining lifetime of a key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	return d, wrapKVErr(err)
}

// Expire sets the lifetime of an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapKVErr(c.rdb.Expire(ctx, key, ttl).Err())
}

// Keys scans for keys matching the glob pattern. SCAN, not KEYS, so a
// large keyspace does not block the server.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, wrapKVErr(iter.Err())
}

// Hash operations. The order candidate cache is one hash per vehicle.

// HSet stores one hash field.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return wrapKVErr(c.rdb.HSet(ctx, key, field, value).Err())
}

// HMSet stores many hash fields and applies a TTL to the whole hash.
func (c *Client) HMSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrapKVErr(err)
}

// HGet fetches one hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	return v, wrapKVErr(err)
}

// HGetAll fetches the whole hash. An absent key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	return v, wrapKVErr(err)
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapKVErr(c.rdb.HDel(ctx, key, fields...).Err())
}

// List operations.

// LPush prepends values.
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	return wrapKVErr(c.rdb.LPush(ctx, key, values...).Err())
}

// RPush appends values.
func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) error {
	return wrapKVErr(c.rdb.RPush(ctx, key, values...).Err())
}

// LPop removes and returns the head.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	return v, wrapKVErr(err)
}

// RPop removes and returns the tail.
func (c *Client) RPop(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.RPop(ctx, key).Result()
	return v, wrapKVErr(err)
}

// LRange returns the elements between start and stop inclusive.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.rdb.LRange(ctx, key, start, stop).Result()
	return v, wrapKVErr(err)
}

// Set operations.

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return wrapKVErr(c.rdb.SAdd(ctx, key, members...).Err())
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	v, err := c.rdb.SIsMember(ctx, key, member).Result()
	return v, wrapKVErr(err)
}

// SMembers returns all members.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	return v, wrapKVErr(err)
}

// SRem removes members.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return wrapKVErr(c.rdb.SRem(ctx, key, members...).Err())
}

// Sorted-set operations.

// ZAdd inserts a member with a score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapKVErr(c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRange returns members between ranks start and stop.
func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.rdb.ZRange(ctx, key, start, stop).Result()
	return v, wrapKVErr(err)
}

// ZRem removes members.
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) error {
	return wrapKVErr(c.rdb.ZRem(ctx, key, members...).Err())
}

// ZRemRangeByScore removes members whose score is inside [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return wrapKVErr(c.rdb.ZRemRangeByScore(ctx, key, min, max).Err())
}
