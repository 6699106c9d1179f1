// internal/db/redis.go
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	// Addresses is one node, or several for a cluster.
	Addresses []string
	Password  string
	DB        int
	PoolSize  int
	// ConnectWait bounds how long startup retries the first ping.
	ConnectWait time.Duration
}

// ParseRedisAddrs splits a comma separated address list, dropping blanks.
func ParseRedisAddrs(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// NewRedis returns a UniversalClient: a cluster client for several addresses,
// a single-node client otherwise. The first ping is retried with backoff so a
// Redis that starts alongside the service is not treated as absent.
func NewRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("no Redis address provided")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = wait

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %v: %w", cfg.Addresses, err)
	}

	return client, nil
}
