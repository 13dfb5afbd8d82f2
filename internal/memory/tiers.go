// Package memory keeps the blackboard bounded by moving workspace fields between
// the hot, warm and cold tiers.
//
// Transitions are explicit and deterministic: Plan computes them from a state
// snapshot, Demote and Archive apply one transition to one entry, and Manager
// ties them to a Store. An entry only ever moves hot → warm → cold; a field
// returns to hot solely through a new commit.
package memory

import (
	"fmt"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// Transition is one planned tier move.
type Transition struct {
	Field  string          `json:"field"`
	From   blackboard.Tier `json:"from"`
	To     blackboard.Tier `json:"to"`
	Reason string          `json:"reason"`
}

const (
	ReasonStepDone     = "step_done"
	ReasonHotPressure  = "hot_pressure"
	ReasonStale        = "stale"
	ReasonWarmPressure = "warm_pressure"
)

// Demote moves a hot entry to warm with the given synopsis.
func Demote(e blackboard.MemoryEntry, synopsis string, step int) (blackboard.MemoryEntry, error) {
	if e.Tier != blackboard.TierHot {
		return e, fmt.Errorf("cannot demote '%s' from %s to warm", e.Field, e.Tier)
	}
	e.Tier = blackboard.TierWarm
	e.Synopsis = synopsis
	e.EnteredStep = step
	return e, nil
}

// Archive moves a warm entry to cold. The synopsis is kept as the placeholder
// describing the archived content.
func Archive(e blackboard.MemoryEntry, step int) (blackboard.MemoryEntry, error) {
	if e.Tier != blackboard.TierWarm {
		return e, fmt.Errorf("cannot archive '%s' from %s to cold", e.Field, e.Tier)
	}
	e.Tier = blackboard.TierCold
	e.EnteredStep = step
	return e, nil
}

// Plan computes the transitions for st, in the order they must be applied:
//  1. hot fields whose plan steps are all done and that have no open review
//  2. oldest hot fields while the hot tier exceeds its budget (fields under review are kept)
//  3. warm fields older than StaleAfterSteps
//  4. oldest warm fields while the warm tier exceeds its budget
func Plan(st *blackboard.State, cfg Config) []Transition {
	cfg = cfg.withDefaults()
	var out []Transition
	planned := make(map[string]bool)

	hot := st.Memory.InTier(blackboard.TierHot)
	for _, e := range hot {
		if stepsDone(st, e.Field) && !st.Consensus[e.Field].IsOpen() {
			out = append(out, Transition{Field: e.Field, From: blackboard.TierHot, To: blackboard.TierWarm, Reason: ReasonStepDone})
			planned[e.Field] = true
		}
	}

	hotSize := 0
	for _, e := range hot {
		if !planned[e.Field] {
			hotSize += e.SizeBytes
		}
	}
	for _, e := range hot {
		if hotSize <= cfg.HotBudgetBytes {
			break
		}
		if planned[e.Field] || st.Consensus[e.Field].IsOpen() {
			continue
		}
		out = append(out, Transition{Field: e.Field, From: blackboard.TierHot, To: blackboard.TierWarm, Reason: ReasonHotPressure})
		planned[e.Field] = true
		hotSize -= e.SizeBytes
	}

	warm := st.Memory.InTier(blackboard.TierWarm)
	warmSize := 0
	for _, e := range warm {
		if st.StepCounter-e.EnteredStep > cfg.StaleAfterSteps {
			out = append(out, Transition{Field: e.Field, From: blackboard.TierWarm, To: blackboard.TierCold, Reason: ReasonStale})
			planned[e.Field] = true
			continue
		}
		warmSize += len(e.Synopsis)
	}
	for _, e := range warm {
		if warmSize <= cfg.WarmBudgetBytes {
			break
		}
		if planned[e.Field] {
			continue
		}
		out = append(out, Transition{Field: e.Field, From: blackboard.TierWarm, To: blackboard.TierCold, Reason: ReasonWarmPressure})
		planned[e.Field] = true
		warmSize -= len(e.Synopsis)
	}

	return out
}

// stepsDone reports whether field is the target of at least one plan step and all
// of those steps are done.
func stepsDone(st *blackboard.State, field string) bool {
	found := false
	for _, step := range st.Plan {
		if step.TargetField != field {
			continue
		}
		if step.Status != blackboard.StepDone {
			return false
		}
		found = true
	}
	return found
}
