// Package consensus enforces the write → review → approve/revise cycle per
// workspace field.
//
// The gate is a hard constraint: while any field is pending review, the only
// legal next agent is that field's declared reviewer. Required exposes the
// constraint to the conductor before any candidate is chosen.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/internal/observability"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// DefaultMaxReviewIterations bounds revise cycles per field.
const DefaultMaxReviewIterations = 3

// Event drives the per-field state machine.
type Event string

const (
	EventSubmit     Event = "submit"      // a review-gated producer committed a version
	EventApprove    Event = "approve"     // the reviewer accepted the version
	EventRevise     Event = "revise"      // the reviewer requested changes
	EventNewVersion Event = "new_version" // the producer committed after a verdict
)

// ErrNotReviewer is returned when a verdict comes from an agent other than the
// field's declared reviewer.
var ErrNotReviewer = errors.New("agent is not the declared reviewer")

// Next returns the status reached from current on ev.
func Next(current blackboard.ConsensusStatus, ev Event) (blackboard.ConsensusStatus, error) {
	if current == "" {
		current = blackboard.ConsensusNone
	}

	var next blackboard.ConsensusStatus
	switch ev {
	case EventSubmit:
		next = blackboard.ConsensusPendingReview
	case EventApprove:
		next = blackboard.ConsensusApproved
	case EventRevise:
		next = blackboard.ConsensusRevise
	case EventNewVersion:
		next = blackboard.ConsensusNone
	default:
		return current, fmt.Errorf("unknown consensus event '%s'", ev)
	}

	if !current.CanTransitionTo(next) {
		return current, fmt.Errorf("%w: %s on %s", blackboard.ErrInvalidTransition, ev, current)
	}
	return next, nil
}

// Required returns the field under review and its reviewer when the gate is
// closed. With several open reviews the first by field name wins.
func Required(st *blackboard.State) (field, reviewer string, ok bool) {
	open := st.OpenReviews()
	if len(open) == 0 {
		return "", "", false
	}
	return open[0].Field, open[0].Reviewer, true
}

// Outcome is the effect of a verdict on the run.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRevise    Outcome = "revise"
	OutcomeExhausted Outcome = "exhausted"
)

// Gate applies consensus transitions to a Store.
type Gate struct {
	maxIterations int
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// New creates a gate. maxIterations bounds revise verdicts per field; 0 means
// unlimited.
func New(maxIterations int, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	if maxIterations < 0 {
		maxIterations = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{maxIterations: maxIterations, metrics: metrics, logger: logger}
}

// AfterCommit is called once producer has committed a new version of field. A
// closed cycle from the previous version is reset, then a review is opened when
// the producer is review gated. Reports whether a review was opened.
func (g *Gate) AfterCommit(ctx context.Context, store *blackboard.Store, field string, producer agent.CapabilitySpec) (bool, error) {
	rec := store.Snapshot().Consensus[field]
	switch rec.Status {
	case blackboard.ConsensusApproved, blackboard.ConsensusRevise:
		if _, err := Next(rec.Status, EventNewVersion); err != nil {
			return false, err
		}
		if err := store.ResetConsensus(ctx, field); err != nil {
			return false, fmt.Errorf("failed to reset review of '%s': %w", field, err)
		}
	case blackboard.ConsensusPendingReview:
		return false, &blackboard.ConsensusConflictError{Field: field, Reviewer: rec.Reviewer}
	}

	if !producer.ReviewGated {
		return false, nil
	}
	if err := store.OpenConsensus(ctx, field, producer.Reviewer); err != nil {
		return false, err
	}
	g.logger.Info("review opened", "field", field, "producer", producer.Name, "reviewer", producer.Reviewer)
	return true, nil
}

// ApplyVerdict resolves the open review on field.
//
// Approval marks the reviewer's plan steps on the field done. A revise verdict
// returns the producer's steps to pending so R2 selects the producer again,
// unless the field has used up its revise budget; then every step on the field
// is marked failed and OutcomeExhausted is returned.
func (g *Gate) ApplyVerdict(ctx context.Context, store *blackboard.Store, field, reviewer string, verdict agent.Verdict, comment string) (Outcome, error) {
	st := store.Snapshot()
	rec := st.Consensus[field]
	if !rec.IsOpen() {
		return "", fmt.Errorf("%w: no open review on '%s'", blackboard.ErrInvalidTransition, field)
	}
	if rec.Reviewer != reviewer {
		return "", fmt.Errorf("verdict on '%s' from '%s' (reviewer is '%s'): %w", field, reviewer, rec.Reviewer, ErrNotReviewer)
	}

	var ev Event
	switch verdict {
	case agent.VerdictApproved:
		ev = EventApprove
	case agent.VerdictRevise:
		ev = EventRevise
	default:
		return "", fmt.Errorf("invalid verdict: %q", verdict)
	}
	next, err := Next(rec.Status, ev)
	if err != nil {
		return "", err
	}
	if err := store.ResolveConsensus(ctx, field, next, comment); err != nil {
		return "", fmt.Errorf("failed to resolve review of '%s': %w", field, err)
	}
	g.metrics.RecordVerdict(string(verdict))

	if next == blackboard.ConsensusApproved {
		g.logger.Info("review approved", "field", field, "reviewer", reviewer, "version", rec.Version)
		return OutcomeApproved, g.setSteps(ctx, store, st, field, blackboard.StepDone, func(s blackboard.PlanStep) bool {
			return s.Agent == reviewer
		})
	}

	if g.maxIterations > 0 && rec.Iterations+1 > g.maxIterations {
		g.logger.Warn("review iterations exhausted", "field", field, "iterations", rec.Iterations+1, "max", g.maxIterations)
		return OutcomeExhausted, g.setSteps(ctx, store, st, field, blackboard.StepFailed, func(blackboard.PlanStep) bool {
			return true
		})
	}

	g.logger.Info("revision requested", "field", field, "reviewer", reviewer, "iteration", rec.Iterations+1)
	return OutcomeRevise, g.setSteps(ctx, store, st, field, blackboard.StepPending, func(s blackboard.PlanStep) bool {
		return s.Agent == rec.Producer
	})
}

// Abandon closes the open review on field without a verdict and fails every step
// on it. Used when the reviewer cannot be invoked.
func (g *Gate) Abandon(ctx context.Context, store *blackboard.Store, field, reason string) error {
	st := store.Snapshot()
	if !st.Consensus[field].IsOpen() {
		return nil
	}
	if err := store.ResolveConsensus(ctx, field, blackboard.ConsensusRevise, reason); err != nil {
		return fmt.Errorf("failed to abandon review of '%s': %w", field, err)
	}
	g.logger.Warn("review abandoned", "field", field, "reason", reason)
	return g.setSteps(ctx, store, st, field, blackboard.StepFailed, func(blackboard.PlanStep) bool {
		return true
	})
}

func (g *Gate) setSteps(ctx context.Context, store *blackboard.Store, st *blackboard.State, field string, status blackboard.StepStatus, match func(blackboard.PlanStep) bool) error {
	for _, step := range st.Plan {
		if step.TargetField != field || step.Status == status || !match(step) {
			continue
		}
		if err := store.SetStepStatus(ctx, step.ID, status); err != nil {
			return fmt.Errorf("failed to update step '%s': %w", step.ID, err)
		}
	}
	return nil
}
