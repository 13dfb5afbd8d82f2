// Package slicer builds the minimal context an agent receives for one invocation.
package slicer

import (
	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// DefaultDashboardBudget is the dashboard size, in bytes of JSON, used when a
// Slicer has no budget configured.
const DefaultDashboardBudget = dashboard.DefaultBudget

// Assignment is the work the conductor hands to an agent: the plan step being
// worked, if any, and the field to write or review.
type Assignment struct {
	StepID string
	Field  string
}

// Slicer projects a state snapshot onto an agent's declared needs.
type Slicer struct {
	DashboardBudget int
}

// Slice returns the payload for spec working on a. It never mutates st, and the
// same state, spec and assignment always yield the same payload.
//
// Workspace fields are copied when declared in spec.Reads; the wildcard covers hot
// and warm fields only, cold fields must be named. The assignment's field is always
// included so reviewers see what they review and producers see what they revise.
// Warm fields carry their synopsis and cold fields only a reference.
func (s Slicer) Slice(st *blackboard.State, spec agent.CapabilitySpec, a Assignment) agent.Payload {
	p := agent.Payload{
		TaskID:      st.TaskID,
		Objective:   st.Objective,
		Constraints: append([]string(nil), st.Constraints...),
		Agent:       spec.Name,
		Role:        spec.Role,
		Model:       spec.Model,
		StepID:      a.StepID,
		Field:       a.Field,
		Fields:      make(map[string]agent.FieldView),
		Dashboard:   dashboard.Build(st).Fit(dashboard.Budget(s.DashboardBudget)),
	}

	for field, art := range st.Workspace {
		entry, tracked := st.Memory.Entries[field]
		tier := blackboard.TierHot
		if tracked {
			tier = entry.Tier
		}

		include := field == a.Field || agent.Names(spec.Reads, field) ||
			(tier != blackboard.TierCold && agent.Selects(spec.Reads, field))
		if !include {
			continue
		}
		p.Fields[field] = view(art, entry, tier)
	}

	for _, step := range st.Plan {
		if step.ID == a.StepID || agent.Selects(spec.Steps, step.ID) {
			p.Steps = append(p.Steps, step)
		}
	}

	for _, h := range st.Hypotheses {
		if h.Status == blackboard.HypothesisOpen && agent.Selects(spec.HypothesisCategories, h.Category) {
			p.Hypotheses = append(p.Hypotheses, h)
		}
	}

	if rec, ok := st.Consensus[a.Field]; ok && relevant(rec, spec) {
		rec := rec
		p.Review = &rec
	}
	return p
}

func view(art blackboard.Artifact, entry blackboard.MemoryEntry, tier blackboard.Tier) agent.FieldView {
	v := agent.FieldView{
		Tier:     tier,
		Producer: art.Producer,
		Version:  art.Version,
	}
	switch tier {
	case blackboard.TierHot:
		v.Content = art.Content
	case blackboard.TierWarm:
		v.Synopsis = entry.Synopsis
		v.Ref = entry.Ref
	case blackboard.TierCold:
		v.Ref = entry.Ref
	}
	return v
}

// relevant reports whether a consensus record belongs in the payload: reviewers
// see the open review they resolve, producers see the critique they must address.
func relevant(rec blackboard.ConsensusRecord, spec agent.CapabilitySpec) bool {
	switch spec.Role {
	case agent.RoleReviewer:
		return rec.IsOpen() && rec.Reviewer == spec.Name
	case agent.RoleProducer:
		return rec.Status == blackboard.ConsensusRevise
	}
	return false
}
