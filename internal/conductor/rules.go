package conductor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/internal/consensus"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

// Action is what the conductor does next.
type Action string

const (
	ActionInvoke   Action = "invoke"
	ActionComplete Action = "complete"
	ActionBudget   Action = "budget_exceeded"
	ActionStall    Action = "stall"
)

// Rule names the deterministic rule that produced a decision.
type Rule string

const (
	RuleReview   Rule = "R1" // open consensus routes to its reviewer
	RuleProduce  Rule = "R2" // pending producer steps
	RuleComplete Rule = "R3" // every step done, no open review
	RuleBudget   Rule = "R4" // step or token budget exhausted
	RuleStall    Rule = "R5" // nothing eligible, work left
)

// Candidate is one permitted next invocation.
type Candidate struct {
	StepID string `json:"step_id,omitempty"`
	Agent  string `json:"agent"`
	Field  string `json:"field"`
}

// Decision is the outcome of rule evaluation on one snapshot.
type Decision struct {
	Action     Action
	Rule       Rule
	Candidates []Candidate // non-empty only for ActionInvoke
	Budget     *BudgetExceededError
}

// Limits are the run budgets. Zero means unlimited.
type Limits struct {
	StepBudget  int
	TokenBudget int
}

// BudgetExceededError triggers the loop-override terminal path.
type BudgetExceededError struct {
	Steps       int
	StepBudget  int
	Tokens      int
	TokenBudget int
}

func (e *BudgetExceededError) Error() string {
	if e.StepBudget > 0 && e.Steps >= e.StepBudget {
		return fmt.Sprintf("step budget exceeded: %d/%d steps", e.Steps, e.StepBudget)
	}
	return fmt.Sprintf("token budget exceeded: %d/%d tokens", e.Tokens, e.TokenBudget)
}

// Exceeded returns a *BudgetExceededError when st has used up a budget.
func (l Limits) Exceeded(st *blackboard.State) *BudgetExceededError {
	if (l.StepBudget > 0 && st.StepCounter >= l.StepBudget) ||
		(l.TokenBudget > 0 && st.TokenCounter >= l.TokenBudget) {
		return &BudgetExceededError{
			Steps:       st.StepCounter,
			StepBudget:  l.StepBudget,
			Tokens:      st.TokenCounter,
			TokenBudget: l.TokenBudget,
		}
	}
	return nil
}

// Decide evaluates the rules on st in fixed priority order.
//
// Natural completion (R3) is checked first so a finished run is never reported as
// forced. The budget (R4) is checked before any rule that would invoke an agent.
// While any field is pending review, R1 yields its reviewer as the single
// candidate and nothing else is considered.
func Decide(st *blackboard.State, registry *agent.Registry, limits Limits) Decision {
	field, reviewer, gated := consensus.Required(st)

	if !gated && st.AllStepsDone() {
		return Decision{Action: ActionComplete, Rule: RuleComplete}
	}
	if exceeded := limits.Exceeded(st); exceeded != nil {
		return Decision{Action: ActionBudget, Rule: RuleBudget, Budget: exceeded}
	}

	if gated {
		return Decision{
			Action:     ActionInvoke,
			Rule:       RuleReview,
			Candidates: []Candidate{{StepID: reviewStep(st, field, reviewer), Agent: reviewer, Field: field}},
		}
	}

	if candidates := producerCandidates(st, registry); len(candidates) > 0 {
		return Decision{Action: ActionInvoke, Rule: RuleProduce, Candidates: candidates}
	}
	return Decision{Action: ActionStall, Rule: RuleStall}
}

// producerCandidates lists pending steps mapped to producers whose target field
// is unset or was sent back for revision, in plan order.
func producerCandidates(st *blackboard.State, registry *agent.Registry) []Candidate {
	var out []Candidate
	for _, step := range st.Plan {
		if step.Status != blackboard.StepPending {
			continue
		}
		entry, ok := registry.Get(step.Agent)
		if !ok || entry.Spec.Role != agent.RoleProducer {
			continue
		}
		_, set := st.Workspace[step.TargetField]
		if set && st.Consensus[step.TargetField].Status != blackboard.ConsensusRevise {
			continue
		}
		out = append(out, Candidate{StepID: step.ID, Agent: step.Agent, Field: step.TargetField})
	}
	return out
}

// reviewStep returns the first unfinished plan step of reviewer on field, if any.
func reviewStep(st *blackboard.State, field, reviewer string) string {
	for _, step := range st.Plan {
		if step.TargetField == field && step.Agent == reviewer &&
			(step.Status == blackboard.StepPending || step.Status == blackboard.StepInProgress) {
			return step.ID
		}
	}
	return ""
}

// progress summarises the plan-step and consensus state the loop guard watches.
func progress(st *blackboard.State) string {
	var b strings.Builder
	for _, step := range st.Plan {
		fmt.Fprintf(&b, "%s=%s;", step.ID, step.Status)
	}
	fields := make([]string, 0, len(st.Consensus))
	for field := range st.Consensus {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		rec := st.Consensus[field]
		fmt.Fprintf(&b, "%s:%s@%d;", field, rec.Status, rec.Version)
	}
	return b.String()
}
