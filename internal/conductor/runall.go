package conductor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunAll runs independent engines in parallel, at most limit at a time (limit <= 0
// means no limit). Results are returned in the order of engines. Engines must not
// share a Store.
func RunAll(ctx context.Context, engines []*Engine, limit int) []Result {
	results := make([]Result, len(engines))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, e := range engines {
		g.Go(func() error {
			results[i] = e.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
