package agent

import (
	"encoding/hex"
	"encoding/json"

	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
	"github.com/zeebo/blake3"
)

// FieldView is a workspace field as seen by an agent. Depending on the field's
// memory tier it carries full content (hot), a synopsis (warm) or only a
// reference (cold, until hydrated).
type FieldView struct {
	Tier     blackboard.Tier `json:"tier"`
	Producer string          `json:"producer"`
	Version  int             `json:"version"`
	Content  string          `json:"content,omitempty"`
	Synopsis string          `json:"synopsis,omitempty"`
	Ref      string          `json:"ref,omitempty"`
}

// Payload is the minimal context handed to one agent invocation.
type Payload struct {
	TaskID      string   `json:"task_id"`
	Objective   string   `json:"objective"`
	Constraints []string `json:"constraints,omitempty"`
	Agent       string   `json:"agent"`
	Role        Role     `json:"role"`
	Model       string   `json:"model,omitempty"`

	// StepID and Field identify the assignment: the plan step being worked and the
	// field to write (producer) or review (reviewer).
	StepID string `json:"step_id,omitempty"`
	Field  string `json:"field"`

	Fields     map[string]FieldView        `json:"fields"`
	Steps      []blackboard.PlanStep       `json:"steps,omitempty"`
	Hypotheses []blackboard.Hypothesis     `json:"hypotheses,omitempty"`
	Review     *blackboard.ConsensusRecord `json:"review,omitempty"`
	Dashboard  dashboard.Dashboard         `json:"dashboard"`
}

// Fingerprint returns the hex BLAKE3 digest of the payload's JSON encoding.
// Map keys are encoded in sorted order, so equal payloads share a fingerprint.
func (p Payload) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
