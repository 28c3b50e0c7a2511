// Package worker runs row-level work on a bounded pool with ordered results.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Map applies fn to every item using at most workers goroutines. Each result
// is written to the slot of its input index, so the output order equals the
// input order regardless of scheduling.
//
// fn returns an error only for conditions that must stop the whole batch;
// row-level problems belong in R. The first such error cancels the remaining
// work and is returned. Cancellation of ctx is checked between items.
func Map[T, R any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, i int, item T) (R, error)) ([]R, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]R, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := fn(gctx, i, items[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
