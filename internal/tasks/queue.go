// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned by Add when the queued-task limit is reached.
var ErrQueueFull = errors.New("queue is full")

// ErrDuplicateTask is returned by Add when a task with the same ID is still
// tracked by the queue.
var ErrDuplicateTask = errors.New("task already exists")

// =============================================================================
// TASK QUEUE
// =============================================================================

// Queue holds queued, running and recently finished tasks.
type Queue struct {
	// tasks is the list of all tasks in submission order
	tasks []*Task

	// running tracks currently running tasks by ID
	running map[string]*Task

	// maxHistory is the maximum number of finished tasks to keep (0 = unlimited)
	maxHistory int

	// maxQueueSize is the maximum number of queued tasks allowed (0 = unlimited)
	maxQueueSize int

	// ready is signaled whenever a task is added
	ready chan struct{}

	mu sync.RWMutex
}

// Summary counts tasks by status.
type Summary struct {
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// String formats the summary on one line.
func (s Summary) String() string {
	return fmt.Sprintf("Running: %d | Queued: %d | Completed: %d | Failed: %d | Canceled: %d",
		s.Running, s.Queued, s.Completed, s.Failed, s.Canceled)
}

// =============================================================================
// QUEUE CREATION
// =============================================================================

// NewQueue creates a task queue.
// maxHistory: maximum number of finished tasks to keep (0 = unlimited)
// maxQueueSize: maximum number of queued tasks allowed (0 = unlimited)
func NewQueue(maxHistory, maxQueueSize int) *Queue {
	return &Queue{
		tasks:        make([]*Task, 0),
		running:      make(map[string]*Task),
		maxHistory:   maxHistory,
		maxQueueSize: maxQueueSize,
		ready:        make(chan struct{}, 1),
	}
}

// =============================================================================
// TASK MANAGEMENT
// =============================================================================

// Add appends a queued task.
func (q *Queue) Add(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := 0
	for _, t := range q.tasks {
		if t.ID == task.ID && !t.GetStatus().IsTerminal() {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		if t.GetStatus() == TaskStatusQueued {
			queued++
		}
	}
	if q.maxQueueSize > 0 && queued >= q.maxQueueSize {
		return fmt.Errorf("%w: %d queued tasks (max: %d)", ErrQueueFull, queued, q.maxQueueSize)
	}

	q.tasks = append(q.tasks, task)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Get returns the most recent task with the given ID.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for i := len(q.tasks) - 1; i >= 0; i-- {
		if q.tasks[i].ID == id {
			return q.tasks[i], true
		}
	}
	return nil, false
}

// Cancel cancels a queued or running task by ID.
// Returns true if the task was found and not yet finished.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task, ok := q.running[id]; ok {
		return task.Cancel()
	}
	for _, task := range q.tasks {
		if task.ID == id && task.GetStatus() == TaskStatusQueued {
			return task.Cancel()
		}
	}
	return false
}

// next takes the oldest queued task and marks it running.
// Returns nil when nothing is queued.
func (q *Queue) next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, task := range q.tasks {
		if task.GetStatus() != TaskStatusQueued {
			continue
		}
		if err := task.SetStatus(TaskStatusRunning); err != nil {
			continue
		}
		q.running[task.ID] = task
		return task
	}
	return nil
}

// release removes a finished task from the running set.
func (q *Queue) release(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running[task.ID] == task {
		delete(q.running, task.ID)
	}
	q.cleanupLocked()
}

// =============================================================================
// QUEUE QUERIES
// =============================================================================

// List returns snapshots of all tracked tasks, oldest first.
func (q *Queue) List() []Info {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]Info, len(q.tasks))
	for i, task := range q.tasks {
		result[i] = task.Info()
	}
	return result
}

// RunningCount returns the number of running tasks.
func (q *Queue) RunningCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.running)
}

// Summary counts tracked tasks by status.
func (q *Queue) Summary() Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Summary
	for _, task := range q.tasks {
		switch task.GetStatus() {
		case TaskStatusQueued:
			s.Queued++
		case TaskStatusRunning:
			s.Running++
		case TaskStatusComplete:
			s.Completed++
		case TaskStatusFailed:
			s.Failed++
		case TaskStatusCanceled:
			s.Canceled++
		}
	}
	return s
}

// =============================================================================
// CLEANUP
// =============================================================================

// cleanupLocked drops the oldest finished tasks beyond maxHistory.
// Removal follows submission order, not completion time.
// Must be called with lock held.
func (q *Queue) cleanupLocked() {
	if q.maxHistory <= 0 {
		return
	}

	finished := 0
	for _, task := range q.tasks {
		if task.GetStatus().IsTerminal() {
			finished++
		}
	}
	if finished <= q.maxHistory {
		return
	}

	toRemove := finished - q.maxHistory
	kept := make([]*Task, 0, len(q.tasks)-toRemove)
	for _, task := range q.tasks {
		if toRemove > 0 && task.GetStatus().IsTerminal() {
			toRemove--
			continue
		}
		kept = append(kept, task)
	}
	q.tasks = kept
}
