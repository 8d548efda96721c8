// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks runs jobs in the background on a bounded worker pool.
//
// The HTTP server uses it to execute graph runs asynchronously: a POST
// returns a run ID immediately and clients poll for the outcome.
//
// # Key Types
//
//   - Task: a job with a validated status machine (queued, running,
//     completed, failed, canceled)
//   - Queue: queued and running tasks plus bounded history of finished ones
//   - Runner: pulls tasks from a Queue with per-task timeout and cancellation
//
// # Usage
//
//	queue := tasks.NewQueue(100, 64)
//	runner := tasks.NewRunner(queue, 4, 10*time.Minute)
//	runner.Start(ctx)
//	defer runner.Stop()
//
//	task, err := runner.Submit(runID, "run", "triage", func(ctx context.Context) (any, error) {
//	    return app.Run(ctx, g, state, orchestrator.WithRunID(runID))
//	})
//	_ = task.Wait(ctx)
//	fmt.Println(task.Info().Status)
package tasks
