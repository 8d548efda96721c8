// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CapCounter stores per-day call counts keyed by a DayKey.
type CapCounter interface {
	Incr(ctx context.Context, day string) (int64, error)
	Decr(ctx context.Context, day string) (int64, error)
	Count(ctx context.Context, day string) (int64, error)
}

// =============================================================================
// MEMORY COUNTER
// =============================================================================

// MemoryCounter keeps only the current day; a new day key resets it.
type MemoryCounter struct {
	mu  sync.Mutex
	day string
	n   int64
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Incr adds one call to day.
func (c *MemoryCounter) Incr(_ context.Context, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		c.day, c.n = day, 0
	}
	c.n++
	return c.n, nil
}

// Decr takes back one call from day. It never goes below zero.
func (c *MemoryCounter) Decr(_ context.Context, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		return 0, nil
	}
	if c.n > 0 {
		c.n--
	}
	return c.n, nil
}

// Count returns the calls recorded for day.
func (c *MemoryCounter) Count(_ context.Context, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		return 0, nil
	}
	return c.n, nil
}

// =============================================================================
// REDIS COUNTER
// =============================================================================

// RedisCounter shares the daily cap between processes. Keys expire a day
// after their bucket ends.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCounter uses rdb with keys "<prefix><day>".
func NewRedisCounter(rdb *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "swarm:daily-cap:"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

// Incr atomically increments the day's counter.
func (c *RedisCounter) Incr(ctx context.Context, day string) (int64, error) {
	key := c.prefix + day
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if expiry, err := bucketExpiry(day); err == nil {
		pipe.ExpireAt(ctx, key, expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Decr atomically takes back one call from the day's counter.
func (c *RedisCounter) Decr(ctx context.Context, day string) (int64, error) {
	key := c.prefix + day
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis decr %s: %w", key, err)
	}
	return n, nil
}

// Count reads the day's counter; a missing key is zero.
func (c *RedisCounter) Count(ctx context.Context, day string) (int64, error) {
	key := c.prefix + day
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return n, nil
}

func bucketExpiry(day string) (time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(48 * time.Hour), nil
}
