package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedis returns a pinged client plus a lock client sharing it. The caller owns Close.
func ConnectRedis(ctx context.Context, addr string, logg *logrus.Logger) (*redis.Client, *redislock.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
		if logg != nil {
			logg.Warnf("REDIS_ADDRESS not set; defaulting to %s", addr)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
		PoolSize: 20,
	})

	var lastErr error
	for attempt := 1; attempt <= defaultConnectAttempts; attempt++ {
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			if logg != nil {
				logg.WithFields(logrus.Fields{"attempt": attempt, "addr": addr}).Info("connected to redis")
			}
			return rdb, redislock.New(rdb), nil
		}
		sleep := backoff(attempt)
		if logg != nil {
			logg.WithFields(logrus.Fields{
				"attempt": attempt,
				"addr":    addr,
				"retryIn": sleep.String(),
			}).Warnf("failed to connect redis: %v", lastErr)
		}
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	_ = rdb.Close()
	return nil, nil, fmt.Errorf("connect redis %s: %w", addr, lastErr)
}
