package blackboard

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Artifact is one committed version of a workspace field.
// Artifacts are never mutated after commit; a new commit produces a new Artifact
// with the next version number.
type Artifact struct {
	ID          string `json:"id"`            // UUID - unique identifier for this version
	Field       string `json:"field"`         // Workspace field this artifact was committed to
	Content     string `json:"content"`       // Main content (code, JSON, text)
	Producer    string `json:"producer"`      // Agent name that produced the content
	Version     int    `json:"version"`       // Field version (starts at 1)
	CreatedAtMs int64  `json:"created_at_ms"` // Unix timestamp in milliseconds of the commit
	Evicted     bool   `json:"evicted,omitempty"`
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
)

// PlanStep describes one unit of planned work and the agent mapped to it.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	TargetField string     `json:"target_field"`
	Agent       string     `json:"agent"`
	Status      StepStatus `json:"status"`
}

// HypothesisStatus tracks whether an open question is still open.
type HypothesisStatus string

const (
	HypothesisOpen     HypothesisStatus = "open"
	HypothesisResolved HypothesisStatus = "resolved"
)

// Hypothesis is an open question or assumption raised by an agent.
type Hypothesis struct {
	ID       string           `json:"id"`
	Content  string           `json:"content"`
	Category string           `json:"category"`
	Author   string           `json:"author"`
	Status   HypothesisStatus `json:"status"`
	Evidence string           `json:"evidence,omitempty"`
}

// ConsensusStatus is the review state of a workspace field.
type ConsensusStatus string

const (
	ConsensusNone          ConsensusStatus = "none"
	ConsensusPendingReview ConsensusStatus = "pending_review"
	ConsensusApproved      ConsensusStatus = "approved"
	ConsensusRevise        ConsensusStatus = "revise"
)

// consensusTransitions lists the legal next states for each consensus state.
// approved and revise only leave through a fresh commit, which resets the record to none.
var consensusTransitions = map[ConsensusStatus][]ConsensusStatus{
	ConsensusNone:          {ConsensusPendingReview},
	ConsensusPendingReview: {ConsensusApproved, ConsensusRevise},
	ConsensusApproved:      {ConsensusNone},
	ConsensusRevise:        {ConsensusNone},
}

// CanTransitionTo reports whether moving from cs to next is a legal consensus transition.
// The empty status is treated as none.
func (cs ConsensusStatus) CanTransitionTo(next ConsensusStatus) bool {
	from := cs
	if from == "" {
		from = ConsensusNone
	}
	for _, allowed := range consensusTransitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ConsensusRecord tracks the review cycle of a single workspace field.
type ConsensusRecord struct {
	Field       string          `json:"field"`
	Status      ConsensusStatus `json:"status"`
	Reviewer    string          `json:"reviewer"`
	Producer    string          `json:"producer"`
	Version     int             `json:"version"` // Field version under review
	LastComment string          `json:"last_comment,omitempty"`
	Iterations  int             `json:"iterations"` // Number of revise verdicts so far
}

// IsOpen reports whether the record is waiting for its reviewer.
func (r ConsensusRecord) IsOpen() bool {
	return r.Status == ConsensusPendingReview
}

// Tier is a memory tier.
type Tier string

const (
	TierHot  Tier = "hot"  // Full-fidelity recent entries
	TierWarm Tier = "warm" // Compressed synopses
	TierCold Tier = "cold" // Archived references, content evicted
)

// MemoryEntry is the tier placement of one workspace field.
// Field, Producer and Version form the entry's provenance and survive every demotion.
type MemoryEntry struct {
	Field       string `json:"field"`
	Producer    string `json:"producer"`
	Version     int    `json:"version"`
	Tier        Tier   `json:"tier"`
	Synopsis    string `json:"synopsis,omitempty"`
	Ref         string `json:"ref"` // Backend key of the archived artifact
	SizeBytes   int    `json:"size_bytes"`
	EnteredStep int    `json:"entered_step"` // Step counter when the entry entered its current tier
}

// Memory maps each workspace field to its single memory entry.
// Keying by field guarantees every entry lives in exactly one tier.
type Memory struct {
	Entries map[string]MemoryEntry `json:"entries"`
}

// Admit places a freshly committed artifact in the hot tier, replacing any older
// entry for the same field.
func (m *Memory) Admit(a Artifact, ref string, step int) {
	if m.Entries == nil {
		m.Entries = make(map[string]MemoryEntry)
	}
	m.Entries[a.Field] = MemoryEntry{
		Field:       a.Field,
		Producer:    a.Producer,
		Version:     a.Version,
		Tier:        TierHot,
		Ref:         ref,
		SizeBytes:   len(a.Content),
		EnteredStep: step,
	}
}

// InTier returns the entries of one tier ordered by EnteredStep then field name.
func (m Memory) InTier(t Tier) []MemoryEntry {
	var out []MemoryEntry
	for _, e := range m.Entries {
		if e.Tier == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnteredStep != out[j].EnteredStep {
			return out[i].EnteredStep < out[j].EnteredStep
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Size returns the byte size of a tier. Hot entries count their content, warm
// entries their synopsis, cold entries nothing.
func (m Memory) Size(t Tier) int {
	total := 0
	for _, e := range m.Entries {
		if e.Tier != t {
			continue
		}
		switch t {
		case TierHot:
			total += e.SizeBytes
		case TierWarm:
			total += len(e.Synopsis)
		}
	}
	return total
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// StatusChange records one run status transition.
type StatusChange struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
	AtMs   int64     `json:"at_ms"`
}

// State is the complete blackboard of one task run.
type State struct {
	TaskID        string                     `json:"task_id"`
	Objective     string                     `json:"objective"`
	Constraints   []string                   `json:"constraints"`
	Status        RunStatus                  `json:"status"`
	StatusHistory []StatusChange             `json:"status_history,omitempty"`
	Plan          []PlanStep                 `json:"plan"`
	Workspace     map[string]Artifact        `json:"workspace"`
	Hypotheses    []Hypothesis               `json:"hypotheses"`
	Consensus     map[string]ConsensusRecord `json:"consensus"`
	Memory        Memory                     `json:"memory"`
	StepCounter   int                        `json:"step_counter"`
	TokenCounter  int                        `json:"token_counter"`
	Warnings      []string                   `json:"warnings,omitempty"`
	CreatedAtMs   int64                      `json:"created_at_ms"`
	UpdatedAtMs   int64                      `json:"updated_at_ms"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Constraints = append([]string(nil), s.Constraints...)
	c.StatusHistory = append([]StatusChange(nil), s.StatusHistory...)
	c.Plan = append([]PlanStep(nil), s.Plan...)
	c.Hypotheses = append([]Hypothesis(nil), s.Hypotheses...)
	c.Warnings = append([]string(nil), s.Warnings...)

	c.Workspace = make(map[string]Artifact, len(s.Workspace))
	for k, v := range s.Workspace {
		c.Workspace[k] = v
	}
	c.Consensus = make(map[string]ConsensusRecord, len(s.Consensus))
	for k, v := range s.Consensus {
		c.Consensus[k] = v
	}
	c.Memory.Entries = make(map[string]MemoryEntry, len(s.Memory.Entries))
	for k, v := range s.Memory.Entries {
		c.Memory.Entries[k] = v
	}
	return &c
}

// Step returns the plan step with the given ID.
func (s *State) Step(id string) (PlanStep, bool) {
	for _, step := range s.Plan {
		if step.ID == id {
			return step, true
		}
	}
	return PlanStep{}, false
}

// FieldVersion returns the current version of a workspace field, 0 when unset.
func (s *State) FieldVersion(field string) int {
	return s.Workspace[field].Version
}

// OpenReviews returns the records currently pending review, ordered by field name.
func (s *State) OpenReviews() []ConsensusRecord {
	var out []ConsensusRecord
	for _, rec := range s.Consensus {
		if rec.IsOpen() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// AllStepsDone reports whether every plan step is done. An empty plan is never done.
func (s *State) AllStepsDone() bool {
	if len(s.Plan) == 0 {
		return false
	}
	for _, step := range s.Plan {
		if step.Status != StepDone {
			return false
		}
	}
	return true
}

// Validate checks an artifact before commit.
func (a *Artifact) Validate() error {
	if err := ValidateName("field", a.Field); err != nil {
		return err
	}
	if a.Producer == "" {
		return fmt.Errorf("producer is required")
	}
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid artifact ID: %s", a.ID)
	}
	if a.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", a.Version)
	}
	return nil
}

// Validate checks a plan step.
func (p *PlanStep) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if p.Agent == "" {
		return fmt.Errorf("step '%s': agent is required", p.ID)
	}
	if p.TargetField != "" {
		if err := ValidateName("target field", p.TargetField); err != nil {
			return fmt.Errorf("step '%s': %w", p.ID, err)
		}
	}
	switch p.Status {
	case StepPending, StepInProgress, StepDone, StepFailed:
	default:
		return fmt.Errorf("step '%s': invalid status: %s", p.ID, p.Status)
	}
	return nil
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
