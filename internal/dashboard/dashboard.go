// Package dashboard builds the compact, size-bounded projection of a blackboard
// that the conductor reasons over and that agents receive with their context.
package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

const (
	// previewThreshold is the content length above which hot entries are previewed.
	previewThreshold = 200
	// previewLength is the number of characters kept in a preview.
	previewLength = 150
	// maxHypotheses is the number of most recent open hypotheses shown.
	maxHypotheses = 3
	// shortSummary is the summary length used when trimming to fit a budget.
	shortSummary = 40

	// MinBudget is the smallest budget Fit can always honour.
	MinBudget = 512
	// DefaultBudget is used when no budget is configured.
	DefaultBudget = 4096
)

// Budget returns the budget a dashboard is fitted to for a configured value:
// DefaultBudget when unset, never less than MinBudget.
func Budget(configured int) int {
	switch {
	case configured <= 0:
		return DefaultBudget
	case configured < MinBudget:
		return MinBudget
	default:
		return configured
	}
}

// StepView is one plan step as shown on the dashboard.
type StepView struct {
	ID          string                `json:"id"`
	Agent       string                `json:"agent"`
	TargetField string                `json:"target_field,omitempty"`
	Status      blackboard.StepStatus `json:"status"`
}

// ReviewView is an open review cycle.
type ReviewView struct {
	Field       string `json:"field"`
	Reviewer    string `json:"reviewer"`
	Producer    string `json:"producer"`
	Version     int    `json:"version"`
	Iterations  int    `json:"iterations"`
	LastComment string `json:"last_comment,omitempty"`
}

// MemoryView summarises a hot or warm workspace field. Cold fields never appear.
type MemoryView struct {
	Field    string          `json:"field"`
	Producer string          `json:"producer"`
	Version  int             `json:"version"`
	Tier     blackboard.Tier `json:"tier"`
	Summary  string          `json:"summary"`
}

// HypothesisView is an open hypothesis.
type HypothesisView struct {
	ID       string `json:"id"`
	Author   string `json:"author"`
	Category string `json:"category,omitempty"`
	Content  string `json:"content"`
}

// Dashboard is the derived, read-only view of a blackboard. It is never persisted.
type Dashboard struct {
	TaskID       string           `json:"task_id"`
	Objective    string           `json:"objective"`
	Status       string           `json:"status"`
	Constraints  []string         `json:"constraints,omitempty"`
	StepsDone    int              `json:"steps_done"`
	StepsTotal   int              `json:"steps_total"`
	Plan         []StepView       `json:"plan,omitempty"`
	OpenReviews  []ReviewView     `json:"open_reviews,omitempty"`
	Memory       []MemoryView     `json:"memory,omitempty"`
	Hypotheses   []HypothesisView `json:"hypotheses,omitempty"`
	StepCounter  int              `json:"step_counter"`
	TokenCounter int              `json:"token_counter"`
	Truncated    bool             `json:"truncated,omitempty"`
}

// Build projects the full dashboard of a state. The result depends only on st.
func Build(st *blackboard.State) Dashboard {
	d := Dashboard{
		TaskID:       st.TaskID,
		Objective:    st.Objective,
		Status:       string(st.Status),
		Constraints:  append([]string(nil), st.Constraints...),
		StepsTotal:   len(st.Plan),
		StepCounter:  st.StepCounter,
		TokenCounter: st.TokenCounter,
	}

	for _, step := range st.Plan {
		if step.Status == blackboard.StepDone {
			d.StepsDone++
		}
		d.Plan = append(d.Plan, StepView{
			ID:          step.ID,
			Agent:       step.Agent,
			TargetField: step.TargetField,
			Status:      step.Status,
		})
	}

	for _, rec := range st.OpenReviews() {
		d.OpenReviews = append(d.OpenReviews, ReviewView{
			Field:       rec.Field,
			Reviewer:    rec.Reviewer,
			Producer:    rec.Producer,
			Version:     rec.Version,
			Iterations:  rec.Iterations,
			LastComment: rec.LastComment,
		})
	}

	for _, tier := range []blackboard.Tier{blackboard.TierHot, blackboard.TierWarm} {
		for _, e := range st.Memory.InTier(tier) {
			summary := e.Synopsis
			if tier == blackboard.TierHot {
				summary = Preview(st.Workspace[e.Field].Content)
			}
			d.Memory = append(d.Memory, MemoryView{
				Field:    e.Field,
				Producer: e.Producer,
				Version:  e.Version,
				Tier:     tier,
				Summary:  summary,
			})
		}
	}

	var open []blackboard.Hypothesis
	for _, h := range st.Hypotheses {
		if h.Status == blackboard.HypothesisOpen {
			open = append(open, h)
		}
	}
	if len(open) > maxHypotheses {
		open = open[len(open)-maxHypotheses:]
	}
	for _, h := range open {
		d.Hypotheses = append(d.Hypotheses, HypothesisView{
			ID:       h.ID,
			Author:   h.Author,
			Category: h.Category,
			Content:  h.Content,
		})
	}

	return d
}

// Preview shortens long content to a fixed-length prefix annotated with its size.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewThreshold {
		return content
	}
	return fmt.Sprintf("%s... (%d chars)", string(r[:previewLength]), len(r))
}

// Size returns the byte length of the JSON encoding.
func (d Dashboard) Size() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}

// Fit returns a copy trimmed until its JSON encoding fits in budget bytes.
// Trimming is deterministic and drops the least decision-relevant items first;
// open reviews go last and the task ID is shortened only when nothing else is
// left. Counters are never trimmed. A budget <= 0 disables trimming.
func (d Dashboard) Fit(budget int) Dashboard {
	out := d.clone()
	if budget <= 0 || out.Size() <= budget {
		return out
	}
	out.Truncated = true

	stages := []func(*Dashboard) bool{
		dropHypothesis,
		shortenSummaries,
		dropMemory,
		dropConstraint,
		dropDoneStep,
		dropStep,
		shortenObjective,
		dropReview,
		shortenTaskID,
	}
	for _, stage := range stages {
		for out.Size() > budget && stage(&out) {
		}
		if out.Size() <= budget {
			break
		}
	}
	return out
}

func (d Dashboard) clone() Dashboard {
	c := d
	c.Constraints = append([]string(nil), d.Constraints...)
	c.Plan = append([]StepView(nil), d.Plan...)
	c.OpenReviews = append([]ReviewView(nil), d.OpenReviews...)
	c.Memory = append([]MemoryView(nil), d.Memory...)
	c.Hypotheses = append([]HypothesisView(nil), d.Hypotheses...)
	return c
}

func dropHypothesis(d *Dashboard) bool {
	if len(d.Hypotheses) == 0 {
		return false
	}
	d.Hypotheses = d.Hypotheses[1:]
	return true
}

func shortenSummaries(d *Dashboard) bool {
	changed := false
	for i := range d.Memory {
		r := []rune(d.Memory[i].Summary)
		if len(r) > shortSummary {
			d.Memory[i].Summary = string(r[:shortSummary]) + "..."
			changed = true
		}
	}
	return changed
}

// dropMemory removes the last view; warm views sort after hot ones.
func dropMemory(d *Dashboard) bool {
	if len(d.Memory) == 0 {
		return false
	}
	d.Memory = d.Memory[:len(d.Memory)-1]
	return true
}

func dropConstraint(d *Dashboard) bool {
	if len(d.Constraints) == 0 {
		return false
	}
	d.Constraints = d.Constraints[:len(d.Constraints)-1]
	return true
}

func dropDoneStep(d *Dashboard) bool {
	for i, s := range d.Plan {
		if s.Status == blackboard.StepDone {
			d.Plan = append(d.Plan[:i:i], d.Plan[i+1:]...)
			return true
		}
	}
	return false
}

func dropStep(d *Dashboard) bool {
	if len(d.Plan) == 0 {
		return false
	}
	d.Plan = d.Plan[:len(d.Plan)-1]
	return true
}

func shortenObjective(d *Dashboard) bool {
	r := []rune(d.Objective)
	if len(r) <= 16 {
		return false
	}
	d.Objective = string(r[:len(r)/2]) + "..."
	return true
}

func dropReview(d *Dashboard) bool {
	if len(d.OpenReviews) == 0 {
		return false
	}
	d.OpenReviews = d.OpenReviews[:len(d.OpenReviews)-1]
	return true
}

func shortenTaskID(d *Dashboard) bool {
	r := []rune(d.TaskID)
	if len(r) <= 16 {
		return false
	}
	d.TaskID = string(r[:16]) + "..."
	return true
}

// String renders the dashboard as compact text for logs and model prompts.
func (d Dashboard) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", d.Objective)
	fmt.Fprintf(&b, "Status: %s (step %d, tokens %d)\n", d.Status, d.StepCounter, d.TokenCounter)

	fmt.Fprintf(&b, "Plan: %d/%d done\n", d.StepsDone, d.StepsTotal)
	for _, s := range d.Plan {
		fmt.Fprintf(&b, "  [%s] %s -> %s (%s)\n", s.Status, s.ID, s.TargetField, s.Agent)
	}

	if len(d.OpenReviews) > 0 {
		b.WriteString("Open reviews:\n")
		for _, r := range d.OpenReviews {
			fmt.Fprintf(&b, "  %s v%d reviewer=%s producer=%s iteration=%d\n", r.Field, r.Version, r.Reviewer, r.Producer, r.Iterations)
		}
	}

	if len(d.Memory) > 0 {
		b.WriteString("Workspace:\n")
		for _, m := range d.Memory {
			label := ""
			if m.Tier == blackboard.TierWarm {
				label = "[completed] "
			}
			fmt.Fprintf(&b, "  %s: %s%s\n", m.Field, label, m.Summary)
		}
	}

	if len(d.Hypotheses) > 0 {
		fmt.Fprintf(&b, "Open hypotheses (%d):\n", len(d.Hypotheses))
		for _, h := range d.Hypotheses {
			fmt.Fprintf(&b, "  [%s] by %s: %s\n", h.ID, h.Author, h.Content)
		}
	}

	if len(d.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(d.Constraints, ", "))
	}
	if d.Truncated {
		b.WriteString("(truncated)\n")
	}
	return b.String()
}
