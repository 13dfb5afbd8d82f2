package conductor

import (
	"context"

	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
)

// Chooser breaks ties when R2 yields more than one candidate. It only ever sees
// the candidate set; an error or an index outside the set falls back to plan
// order.
type Chooser interface {
	Choose(ctx context.Context, d dashboard.Dashboard, candidates []Candidate) (int, error)
}

// PlanOrder picks the first candidate, which is the earliest pending step.
type PlanOrder struct{}

// Choose implements Chooser.
func (PlanOrder) Choose(context.Context, dashboard.Dashboard, []Candidate) (int, error) {
	return 0, nil
}
