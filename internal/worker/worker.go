// ============================================================================
// quest-radar Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs submitted tasks, each Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task.Exec under context.WithTimeout
//   3. Send result to resultCh (dropped when nobody is reading)
//   4. Repeat until taskCh is closed
//
// Error Handling:
//   - Timeout: Exec should honour ctx; the result carries ctx.Err()
//   - Panic inside Exec is recovered and reported as a failed result
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id             int           // Worker unique identifier, used for logging and debugging
	taskCh         <-chan Task   // Task channel (read-only)
	resultCh       chan<- Result // Result channel (write-only)
	defaultTimeout time.Duration // Used when a task carries no timeout
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, defaultTimeout time.Duration) *Worker {
	return &Worker{
		id:             id,
		taskCh:         taskCh,
		resultCh:       resultCh,
		defaultTimeout: defaultTimeout,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		timeout := task.Timeout
		if timeout <= 0 {
			timeout = w.defaultTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := w.execute(ctx, task)
		cancel()

		result := Result{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			log.Warn("Worker result dropped", "worker_id", w.id, "task_id", task.ID, "kind", task.Kind)
		}
	}
}

// execute runs task.Exec; a task that returns after its deadline is reported as timed out
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if task.Exec == nil {
		return fmt.Errorf("task %s has no exec function", task.ID)
	}
	if err := task.Exec(ctx); err != nil {
		return err
	}
	return ctx.Err()
}
