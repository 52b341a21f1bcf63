// Package graph runs batches of independent deferred tasks. Work is described
// as Task values and only executed when Compute is called with an Executor;
// the executor decides how much runs in parallel.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cmipdiag/internal/types"
)

// Executor runs a batch of jobs. Jobs record their own outcome and never
// fail the batch; Execute only returns an error when ctx ends first.
type Executor interface {
	Execute(ctx context.Context, jobs []func(context.Context)) error
}

// Task is a deferred computation identified by Key.
type Task[T any] struct {
	Key string
	Fn  func(ctx context.Context) (T, error)
}

// Outcome is the result of one task.
type Outcome[T any] struct {
	Key   string
	Value T
	Err   error
}

// Compute forces every task through exec and returns one outcome per task in
// task order, regardless of the order in which tasks completed. A task that
// panics or never ran because ctx ended gets an error outcome.
func Compute[T any](ctx context.Context, exec Executor, tasks []Task[T]) ([]Outcome[T], error) {
	outcomes := make([]Outcome[T], len(tasks))
	jobs := make([]func(context.Context), len(tasks))
	for i, task := range tasks {
		outcomes[i] = Outcome[T]{
			Key: task.Key,
			Err: types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("task %s did not run", task.Key), nil),
		}
		jobs[i] = func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = Outcome[T]{
						Key: task.Key,
						Err: types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("task %s panicked: %v", task.Key, r), nil),
					}
				}
			}()
			v, err := task.Fn(ctx)
			outcomes[i] = Outcome[T]{Key: task.Key, Value: v, Err: err}
		}
	}
	if exec == nil {
		exec = SerialExecutor{}
	}
	err := exec.Execute(ctx, jobs)
	return outcomes, err
}

// PoolExecutor runs jobs on a bounded pool of goroutines.
type PoolExecutor struct {
	// Limit caps concurrent jobs. Zero or negative means unbounded.
	Limit  int
	Logger *slog.Logger
}

// NewPoolExecutor creates a PoolExecutor.
func NewPoolExecutor(limit int, logger *slog.Logger) *PoolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolExecutor{Limit: limit, Logger: logger}
}

// Execute implements Executor.
func (p *PoolExecutor) Execute(ctx context.Context, jobs []func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.Limit > 0 {
		g.SetLimit(p.Limit)
	}
	for _, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			job(gctx)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "batch interrupted", "jobs", len(jobs), "error", err)
		}
		return err
	}
	return nil
}

// SerialExecutor runs jobs one after another on the calling goroutine.
type SerialExecutor struct{}

// Execute implements Executor.
func (SerialExecutor) Execute(ctx context.Context, jobs []func(context.Context)) error {
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		job(ctx)
	}
	return nil
}
