// Package agent defines the contract between the conductor and specialist agents:
// capability specs, the sliced payload an agent receives, the result it returns,
// the explicit registry, and the invocation adapter that calls agents with retries
// and timeouts.
package agent

import (
	"fmt"
)

// Role distinguishes agents that write a field from agents that review one.
type Role string

const (
	RoleProducer Role = "producer"
	RoleReviewer Role = "reviewer"
)

// Wildcard in Reads, Steps or HypothesisCategories selects everything visible.
const Wildcard = "*"

// CapabilitySpec declares what an agent needs and what it produces.
type CapabilitySpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Role        Role   `json:"role"`

	// Reads lists workspace fields copied into the payload. Cold fields are only
	// included when named explicitly, never through the wildcard.
	Reads []string `json:"reads,omitempty"`

	// Steps lists plan step IDs copied into the payload.
	Steps []string `json:"steps,omitempty"`

	// HypothesisCategories selects open hypotheses by category.
	HypothesisCategories []string `json:"hypothesis_categories,omitempty"`

	// ReviewGated marks a producer whose commits must be reviewed by Reviewer.
	ReviewGated bool   `json:"review_gated,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`

	// Model is the per-role model override passed through to the agent.
	Model string `json:"model,omitempty"`
}

// Validate checks the spec in isolation.
func (s *CapabilitySpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	switch s.Role {
	case RoleProducer, RoleReviewer:
	default:
		return fmt.Errorf("agent '%s': invalid role '%s' (expected: producer, reviewer)", s.Name, s.Role)
	}
	if s.ReviewGated {
		if s.Role != RoleProducer {
			return fmt.Errorf("agent '%s': only producers can be review gated", s.Name)
		}
		if s.Reviewer == "" {
			return fmt.Errorf("agent '%s': review gated producer requires a reviewer", s.Name)
		}
		if s.Reviewer == s.Name {
			return fmt.Errorf("agent '%s': cannot review its own output", s.Name)
		}
	}
	return nil
}

// Selects reports whether a declaration list includes name, honouring Wildcard.
func Selects(list []string, name string) bool {
	for _, item := range list {
		if item == Wildcard || item == name {
			return true
		}
	}
	return false
}

// Names reports whether a declaration list names name explicitly.
func Names(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}
