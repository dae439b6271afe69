// Package parallel runs a function over a list of inputs with bounded
// concurrency.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input with its output or error.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map calls fn for every item, at most limit calls at a time, and returns the
// results in input order. A failing item does not stop the others. Items not
// started before ctx is done get the context error.
func Map[E, D any](ctx context.Context, limit int, items []E, fn func(context.Context, E) (D, error)) []Result[E, D] {
	results := make([]Result[E, D], len(items))
	var g errgroup.Group
	g.SetLimit(max(limit, 1))

	for i, item := range items {
		results[i].In = item
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Out, results[i].Err = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
