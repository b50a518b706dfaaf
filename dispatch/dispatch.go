package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency     = 5
	DefaultInterBatchDelay = 300 * time.Millisecond
)

type Options struct {
	// Concurrency is the chunk size; every task of a chunk runs at once. <= 0 means DefaultConcurrency.
	Concurrency int
	// InterBatchDelay is slept between chunks, never after the last one.
	InterBatchDelay time.Duration
	// Observe, when set, is called once per finished task (from the worker goroutine).
	Observe func(err error, elapsed time.Duration)
}

// Outcome is the result of one task. Err is nil on success.
type Outcome[T, R any] struct {
	Task    T
	Result  R
	Err     error
	Elapsed time.Duration
}

func (o Outcome[T, R]) OK() bool {
	return o.Err == nil
}

type Summary struct {
	Total        int `json:"total"`
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
}

// Run executes worker over tasks in fixed-size chunks: a chunk runs concurrently and is waited
// for in full before the next one starts. A failing or panicking task never stops the batch
// and nothing is retried. Once ctx is done no new chunk starts and the remaining tasks are
// reported as failed with ctx.Err(), so there is always exactly one outcome per task, in input
// order.
func Run[T, R any](ctx context.Context, tasks []T, worker func(context.Context, T) (R, error), opts Options) []Outcome[T, R] {
	size := opts.Concurrency
	if size <= 0 {
		size = DefaultConcurrency
	}
	outcomes := make([]Outcome[T, R], len(tasks))
	for i, task := range tasks {
		outcomes[i].Task = task
	}

	for start := 0; start < len(tasks); start += size {
		if start > 0 && opts.InterBatchDelay > 0 {
			timer := time.NewTimer(opts.InterBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			for i := start; i < len(tasks); i++ {
				outcomes[i].Err = err
				if opts.Observe != nil {
					opts.Observe(err, 0)
				}
			}
			break
		}

		end := min(start+size, len(tasks))
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				began := time.Now()
				res, err := runOne(ctx, tasks[i], worker)
				outcomes[i].Result = res
				outcomes[i].Err = err
				outcomes[i].Elapsed = time.Since(began)
				if opts.Observe != nil {
					opts.Observe(err, outcomes[i].Elapsed)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return outcomes
}

func runOne[T, R any](ctx context.Context, task T, worker func(context.Context, T) (R, error)) (res R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return worker(ctx, task)
}

func Summarize[T, R any](outcomes []Outcome[T, R]) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Err == nil {
			s.SuccessCount++
		} else {
			s.FailCount++
		}
	}
	return s
}
