// Package worker runs independent per-item work over a bounded goroutine
// pool. Retry and rate limiting live with the enrichment client; the pool
// only bounds concurrency and honors cancellation.
package worker

import (
	"context"
	"sync"
)

// Result holds the output for one input item, in input order.
type Result[In any, Out any] struct {
	Input  In
	Output Out
	Err    error
}

// ProcessAll runs fn over every item with at most workers goroutines.
// It always returns one result per item: when the context is cancelled,
// unprocessed items get the context error so callers can apply their
// partial-failure policy instead of losing the whole batch.
func ProcessAll[In any, Out any](
	ctx context.Context,
	items []In,
	fn func(context.Context, In) (Out, error),
	workers int,
) []Result[In, Out] {
	if workers <= 0 {
		workers = 8
	}
	if workers > len(items) {
		workers = len(items)
	}

	out := make([]Result[In, Out], len(items))

	type job struct {
		idx int
		in  In
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := Result[In, Out]{Input: j.in}
				if err := ctx.Err(); err != nil {
					res.Err = err
				} else {
					res.Output, res.Err = fn(ctx, j.in)
				}
				out[j.idx] = res
			}
		}()
	}

	for i, item := range items {
		jobs <- job{idx: i, in: item}
	}
	close(jobs)
	wg.Wait()

	return out
}
