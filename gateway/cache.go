package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DetailCache memoizes payment lookups across runs. Payments are looked up once per
// gateway-only order, and the same orders stay gateway-only until someone fixes them.
type DetailCache interface {
	Get(ctx context.Context, paymentKey string) (*PaymentDetail, bool, error)
	Set(ctx context.Context, paymentKey string, d *PaymentDetail) error
}

type RedisDetailCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDetailCache(rdb *redis.Client, ttl time.Duration) *RedisDetailCache {
	return &RedisDetailCache{rdb: rdb, ttl: ttl, prefix: "gateway:payment:"}
}

func (c *RedisDetailCache) Get(ctx context.Context, paymentKey string) (*PaymentDetail, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}
	val, err := c.rdb.Get(ctx, c.prefix+paymentKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var d PaymentDetail
	if err := json.Unmarshal(val, &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (c *RedisDetailCache) Set(ctx context.Context, paymentKey string, d *PaymentDetail) error {
	if c == nil || c.rdb == nil || d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+paymentKey, b, c.ttl).Err()
}
