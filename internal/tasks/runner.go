// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"
)

// Defaults applied by NewRunner when the caller passes zero values.
const (
	DefaultWorkers     = 2
	DefaultTaskTimeout = 30 * time.Minute

	pollInterval = 100 * time.Millisecond
)

// =============================================================================
// TASK RUNNER
// =============================================================================

// Runner executes tasks from a queue on a bounded set of workers.
type Runner struct {
	queue       *Queue
	wg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
	stopped     atomic.Bool
	semaphore   chan struct{}
	taskTimeout time.Duration
}

// NewRunner creates a runner for the given queue.
// workers: maximum number of tasks to run concurrently (<=0 uses DefaultWorkers)
// taskTimeout: timeout for each task (0 uses DefaultTaskTimeout, <0 disables it)
func NewRunner(queue *Queue, workers int, taskTimeout time.Duration) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if taskTimeout == 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Runner{
		queue:       queue,
		stop:        make(chan struct{}),
		semaphore:   make(chan struct{}, workers),
		taskTimeout: taskTimeout,
	}
}

// =============================================================================
// RUNNER LIFECYCLE
// =============================================================================

// Start begins processing tasks. Task contexts inherit values (the logger)
// from ctx but not its cancellation; use Stop to shut down.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.processLoop(context.WithoutCancel(ctx))
}

// Stop prevents new tasks from starting, cancels running ones and waits for
// them to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stop)
	})
	r.wg.Wait()
}

// Submit adds a job to the queue and returns its task.
func (r *Runner) Submit(id, kind, description string, job Job) (*Task, error) {
	if r.stopped.Load() {
		return nil, errors.New("runner is stopped")
	}
	task := NewTask(id, kind, description, job)
	if err := r.queue.Add(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Queue returns the queue the runner consumes.
func (r *Runner) Queue() *Queue {
	return r.queue
}

// =============================================================================
// TASK PROCESSING
// =============================================================================

func (r *Runner) processLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.queue.ready:
		case <-ticker.C:
		}

		for !r.stopped.Load() {
			select {
			case r.semaphore <- struct{}{}:
			case <-r.stop:
				return
			}
			task := r.queue.next()
			if task == nil {
				<-r.semaphore
				break
			}
			r.wg.Add(1)
			go r.executeTask(ctx, task)
		}
	}
}

func (r *Runner) executeTask(ctx context.Context, task *Task) {
	defer r.wg.Done()
	defer func() { <-r.semaphore }()
	defer r.queue.release(task)

	var cancel context.CancelFunc
	if r.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	task.setCancel(cancel)

	// Stop cancels in-flight work.
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Debug(ctx, log.KV{K: "msg", V: "task started"}, log.KV{K: "task", V: task.ID}, log.KV{K: "kind", V: task.Kind})

	result, err := r.run(ctx, task)
	canceled := errors.Is(ctx.Err(), context.Canceled)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task timeout after %v: %w", r.taskTimeout, err)
	}
	task.finish(result, err, canceled)

	kvs := []log.Fielder{
		log.KV{K: "task", V: task.ID},
		log.KV{K: "kind", V: task.Kind},
		log.KV{K: "status", V: task.GetStatus().String()},
		log.KV{K: "duration_ms", V: task.Duration().Milliseconds()},
	}
	if err != nil && !canceled {
		log.Error(ctx, err, kvs...)
		return
	}
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: "task finished"}}, kvs...)...)
}

// run invokes the job, converting a panic into a task failure.
func (r *Runner) run(ctx context.Context, task *Task) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	if task.job == nil {
		return nil, errors.New("task has no job")
	}
	return task.job(ctx)
}
