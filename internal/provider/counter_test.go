// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_NewDayResets(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	n, _ := c.Incr(ctx, "2026-01-01")
	require.Equal(t, int64(1), n)
	n, _ = c.Incr(ctx, "2026-01-01")
	require.Equal(t, int64(2), n)

	n, _ = c.Count(ctx, "2026-01-02")
	require.Equal(t, int64(0), n)
	n, _ = c.Incr(ctx, "2026-01-02")
	require.Equal(t, int64(1), n)
	n, _ = c.Count(ctx, "2026-01-01")
	require.Equal(t, int64(0), n, "only the current day is retained")
}

func TestMemoryCounter_Decr(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()
	_, _ = c.Incr(ctx, "2026-01-01")
	n, _ := c.Decr(ctx, "2026-01-01")
	require.Equal(t, int64(0), n)
	n, _ = c.Decr(ctx, "2026-01-01")
	require.Equal(t, int64(0), n, "never below zero")
	n, _ = c.Decr(ctx, "2026-01-02")
	require.Equal(t, int64(0), n)
}

// slowCounter delays replies the way a network counter does.
type slowCounter struct {
	CapCounter
	delay time.Duration
}

func (c slowCounter) Incr(ctx context.Context, day string) (int64, error) {
	n, err := c.CapCounter.Incr(ctx, day)
	time.Sleep(c.delay)
	return n, err
}

func (c slowCounter) Count(ctx context.Context, day string) (int64, error) {
	n, err := c.CapCounter.Count(ctx, day)
	time.Sleep(c.delay)
	return n, err
}

func TestReserveCall(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{DailyCap: 2})

	for i := 0; i < 2; i++ {
		ok, err := r.ReserveCall(ctx, "sonnet")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.ReserveCall(ctx, "sonnet")
	require.NoError(t, err)
	require.False(t, ok, "the cap is reached")

	n, err := r.CallsToday(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n, "a refused reservation is taken back")
	require.Equal(t, int64(2), r.CallCounts()["sonnet"])
}

func TestReserveCall_ZeroCapIsUnlimited(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{})
	for i := 0; i < 5; i++ {
		ok, err := r.ReserveCall(ctx, "p")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestReserveCall_ConcurrentCallersRespectCap(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{
		DailyCap: 3,
		Counter:  slowCounter{CapCounter: NewMemoryCounter(), delay: 10 * time.Millisecond},
	})

	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if exceeded, _ := r.IsCapExceeded(ctx); exceeded {
				return
			}
			if ok, err := r.ReserveCall(ctx, "sonnet"); err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(3), granted.Load())
	n, err := r.CallsToday(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

// Requires a reachable Redis; set SWARM_REDIS_ADDR to run.
func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("SWARM_REDIS_ADDR")
	if addr == "" {
		t.Skip("SWARM_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	prefix := "swarm-test:" + uuid.NewString() + ":"
	day := DayKey(time.Now())
	c := NewRedisCounter(rdb, prefix)
	t.Cleanup(func() { rdb.Del(context.Background(), prefix+day) })

	n, err := c.Count(ctx, day)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	r := NewRegistry(Config{DailyCap: 2, Counter: c})
	require.NoError(t, r.RecordCall(ctx, "sonnet"))
	require.NoError(t, r.RecordCall(ctx, "sonnet"))

	exceeded, err := r.IsCapExceeded(ctx)
	require.NoError(t, err)
	require.True(t, exceeded)

	ttl, err := rdb.TTL(ctx, prefix+day).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0), "bucket keys must carry an expiry")
}
