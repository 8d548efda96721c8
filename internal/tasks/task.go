// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK STATUS
// =============================================================================

// TaskStatus represents the current state of a queued job.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting for a worker.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusComplete indicates the job returned without error.
	TaskStatusComplete TaskStatus = "completed"

	// TaskStatusFailed indicates the job returned an error or timed out.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCanceled indicates the task was canceled before finishing.
	TaskStatusCanceled TaskStatus = "canceled"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailed || s == TaskStatusCanceled
}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// Job is the unit of work a task executes. The returned value is kept as the
// task result even when err is non-nil, so failed graph runs still expose
// their partial state.
type Job func(ctx context.Context) (any, error)

// Task is a job waiting in, or taken from, a Queue.
type Task struct {
	// ID is a unique identifier for this task
	ID string

	// Kind groups tasks for reporting ("run", "resume").
	Kind string

	// Description is a human-readable description of what this task does
	Description string

	// Status is the current state of the task
	Status TaskStatus

	// CreatedAt is when the task was queued
	CreatedAt time.Time

	// StartTime is when the task started running
	StartTime time.Time

	// EndTime is when the task reached a terminal state
	EndTime time.Time

	// Result is whatever the job returned
	Result any

	// Error is the error message if the task failed
	Error string

	job       Job
	cancel    context.CancelFunc
	cancelReq bool
	done      chan struct{}
	mu        sync.RWMutex
}

// Info is a point-in-time copy of a task safe to serialize.
type Info struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartTime   *time.Time `json:"started_at,omitempty"`
	EndTime     *time.Time `json:"ended_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// =============================================================================
// TASK CREATION
// =============================================================================

// NewTask creates a queued task. An empty id is replaced with a fresh UUID.
func NewTask(id, kind, description string, job Job) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	return &Task{
		ID:          id,
		Kind:        kind,
		Description: description,
		Status:      TaskStatusQueued,
		CreatedAt:   time.Now(),
		job:         job,
		done:        make(chan struct{}),
	}
}

// =============================================================================
// TASK METHODS
// =============================================================================

// SetStatus updates the task status (thread-safe).
// Valid transitions: queued -> running -> completed/failed/canceled,
// and queued -> canceled.
func (t *Task) SetStatus(status TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setStatusLocked(status)
}

func (t *Task) setStatusLocked(status TaskStatus) error {
	if !isValidTransition(t.Status, status) {
		return fmt.Errorf("invalid status transition from %s to %s", t.Status, status)
	}
	if t.Status == status {
		return nil
	}
	t.Status = status
	switch {
	case status == TaskStatusRunning:
		t.StartTime = time.Now()
	case status.IsTerminal():
		t.EndTime = time.Now()
		close(t.done)
	}
	return nil
}

func isValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusQueued:
		return to == TaskStatusRunning || to == TaskStatusCanceled
	case TaskStatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// GetStatus returns the current task status (thread-safe).
func (t *Task) GetStatus() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the job outcome and moves the task to a terminal state.
// A task already canceled keeps its canceled status but still records the
// result.
func (t *Task) finish(result any, err error, canceled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
	if err != nil {
		t.Error = err.Error()
	}
	if t.Status.IsTerminal() {
		return
	}
	status := TaskStatusComplete
	switch {
	case canceled:
		status = TaskStatusCanceled
	case err != nil:
		status = TaskStatusFailed
	}
	_ = t.setStatusLocked(status)
}

// Cancel stops a running task or marks a queued one canceled.
// Returns false when the task had already finished.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.Status {
	case TaskStatusQueued:
		_ = t.setStatusLocked(TaskStatusCanceled)
		return true
	case TaskStatusRunning:
		t.cancelReq = true
		if t.cancel != nil {
			t.cancel()
		}
		return true
	default:
		return false
	}
}

func (t *Task) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
	if t.cancelReq {
		cancel()
	}
}

// Duration returns how long the task has been running, or ran for.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.durationLocked()
}

func (t *Task) durationLocked() time.Duration {
	if t.StartTime.IsZero() {
		return 0
	}
	if t.EndTime.IsZero() {
		return time.Since(t.StartTime)
	}
	return t.EndTime.Sub(t.StartTime)
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info := Info{
		ID:          t.ID,
		Kind:        t.Kind,
		Description: t.Description,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		DurationMs:  t.durationLocked().Milliseconds(),
		Result:      t.Result,
		Error:       t.Error,
	}
	if !t.StartTime.IsZero() {
		start := t.StartTime
		info.StartTime = &start
	}
	if !t.EndTime.IsZero() {
		end := t.EndTime
		info.EndTime = &end
	}
	return info
}
