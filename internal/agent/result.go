package agent

import (
	"fmt"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// Verdict is a reviewer's decision on a field.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRevise   Verdict = "revise"
)

// ParseVerdict normalises common spellings of a verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "accept", "accepted", "lgtm":
		return VerdictApproved, nil
	case "revise", "rejected", "reject", "changes_requested":
		return VerdictRevise, nil
	default:
		return "", fmt.Errorf("unknown verdict: %q", s)
	}
}

// Critique is a reviewer's output.
type Critique struct {
	Verdict Verdict `json:"verdict"`
	Comment string  `json:"comment,omitempty"`
}

// ProposedHypothesis is a hypothesis raised by an agent.
type ProposedHypothesis struct {
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

// Resolution resolves an open hypothesis.
type Resolution struct {
	ID       string `json:"id"`
	Evidence string `json:"evidence,omitempty"`
}

// Result is what an agent returns. Producers set Content, reviewers set Critique.
type Result struct {
	Content    string                `json:"content,omitempty"`
	Critique   *Critique             `json:"critique,omitempty"`
	Hypotheses []ProposedHypothesis  `json:"hypotheses,omitempty"`
	Resolved   []Resolution          `json:"resolved,omitempty"`
	NewSteps   []blackboard.PlanStep `json:"new_steps,omitempty"`
	Tokens     int                   `json:"tokens,omitempty"`
}

// Validate checks the result against the role that produced it.
func (r *Result) Validate(role Role) error {
	if r.Tokens < 0 {
		return fmt.Errorf("tokens must be >= 0, got %d", r.Tokens)
	}
	switch role {
	case RoleProducer:
		if r.Content == "" {
			return fmt.Errorf("producer result has no content")
		}
		if r.Critique != nil {
			return fmt.Errorf("producer result must not carry a critique")
		}
	case RoleReviewer:
		if r.Critique == nil {
			return fmt.Errorf("reviewer result has no critique")
		}
		if r.Critique.Verdict != VerdictApproved && r.Critique.Verdict != VerdictRevise {
			return fmt.Errorf("invalid verdict: %q", r.Critique.Verdict)
		}
	default:
		return fmt.Errorf("unknown role: %s", role)
	}
	return nil
}
