// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"time"
)

// errTierBusy is returned when a tier slot could not be acquired in time.
var errTierBusy = errors.New("tier at concurrency limit")

// semaphore is a counting semaphore over a buffered channel.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 1
	}
	return make(semaphore, n)
}

// acquire waits up to wait for a slot. The returned release must be called
// exactly once on success.
func (s semaphore) acquire(ctx context.Context, wait time.Duration) (func(), error) {
	select {
	case s <- struct{}{}:
		return s.release, nil
	default:
	}
	if wait <= 0 {
		return nil, errTierBusy
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return s.release, nil
	case <-timer.C:
		return nil, errTierBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s semaphore) release() {
	<-s
}
