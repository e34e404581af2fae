package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work run by RunConcurrent.
type Task[T any] func(ctx context.Context) (T, error)

// TaskResult records the outcome of the task submitted at Index.
type TaskResult[T any] struct {
	Index int
	Value T
	Err   error
}

// OK reports whether the task succeeded.
func (r TaskResult[T]) OK() bool { return r.Err == nil }

// ProgressFunc receives the number of finished tasks and the total.
type ProgressFunc func(done, total int)

// RunConcurrent executes tasks with at most limit running at once. Failures
// and panics are recorded per task and never stop sibling tasks. onProgress
// is called after each task with a strictly increasing done count. Results are
// ordered by submission index.
func RunConcurrent[T any](ctx context.Context, tasks []Task[T], limit int, onProgress ProgressFunc) []TaskResult[T] {
	total := len(tasks)
	results := make([]TaskResult[T], total)
	if total == 0 {
		return results
	}

	workers := limit
	if workers <= 0 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	var (
		next       atomic.Int64
		progressMu sync.Mutex
		done       int
	)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				idx := int(next.Add(1) - 1)
				if idx >= total {
					return nil
				}

				v, err := runTask(ctx, tasks[idx])
				results[idx] = TaskResult[T]{Index: idx, Value: v, Err: err}

				progressMu.Lock()
				done++
				if onProgress != nil {
					onProgress(done, total)
				}
				progressMu.Unlock()
			}
		})
	}
	_ = g.Wait()

	return results
}

// runTask converts a panic into an error so one task cannot take down the run.
func runTask[T any](ctx context.Context, task Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}
