package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/internal/agent"
	"github.com/HebbZhu/multi-agent-living-system/pkg/blackboard"
)

const reviewInstructions = `

Respond with a JSON object only:
{"verdict": "approved" or "revise", "comment": "<specific feedback>"}
Only approve if the artifact is genuinely good.`

// maxFieldChars bounds each field rendered into a prompt.
const maxFieldChars = 8000

// PromptAgent is an agent backed by a single model prompt. Producers return the
// reply as the field content; reviewers reply with a JSON verdict.
type PromptAgent struct {
	Client    *Client
	Model     string
	Prompt    string
	MaxTokens int
}

// Invoke implements agent.InvokeFunc.
func (a *PromptAgent) Invoke(ctx context.Context, p agent.Payload) (agent.Result, error) {
	model := a.Model
	if p.Model != "" {
		model = p.Model
	}
	system := a.Prompt
	if p.Role == agent.RoleReviewer {
		system += reviewInstructions
	}

	completion, err := a.Client.Complete(ctx, model, system, RenderPayload(p), a.MaxTokens)
	if err != nil {
		return agent.Result{}, err
	}

	if p.Role == agent.RoleReviewer {
		return agent.Result{Critique: parseCritique(completion.Content), Tokens: completion.Tokens}, nil
	}
	return agent.Result{Content: strings.TrimSpace(completion.Content), Tokens: completion.Tokens}, nil
}

type critiqueReply struct {
	Verdict  string `json:"verdict"`
	Comment  string `json:"comment"`
	Critique string `json:"critique"`
}

// parseCritique reads a reviewer reply. Anything that is not a recognisable
// approval is treated as a request for revision carrying the raw reply.
func parseCritique(raw string) *agent.Critique {
	var reply critiqueReply
	if err := json.Unmarshal([]byte(stripFences(raw)), &reply); err != nil {
		return &agent.Critique{Verdict: agent.VerdictRevise, Comment: strings.TrimSpace(raw)}
	}
	comment := reply.Comment
	if comment == "" {
		comment = reply.Critique
	}
	verdict, err := agent.ParseVerdict(reply.Verdict)
	if err != nil {
		verdict = agent.VerdictRevise
	}
	return &agent.Critique{Verdict: verdict, Comment: comment}
}

// RenderPayload formats a payload as the user prompt.
func RenderPayload(p agent.Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", p.Objective)
	if len(p.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(p.Constraints, "; "))
	}
	if p.Role == agent.RoleReviewer {
		fmt.Fprintf(&b, "\nArtifact to review (field: %s):\n", p.Field)
	} else {
		fmt.Fprintf(&b, "\nYour output will be stored in field '%s'.\n", p.Field)
	}

	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Fields[name]
		text := v.Content
		if text == "" {
			text = v.Synopsis
		}
		if text == "" {
			continue
		}
		if len(text) > maxFieldChars {
			text = text[:maxFieldChars] + "..."
		}
		fmt.Fprintf(&b, "\n%s (v%d by %s):\n%s\n", name, v.Version, v.Producer, text)
	}

	if len(p.Steps) > 0 {
		b.WriteString("\nPlan:\n")
		for _, s := range p.Steps {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.ID, s.Description)
		}
	}
	if len(p.Hypotheses) > 0 {
		b.WriteString("\nOpen hypotheses:\n")
		for _, h := range p.Hypotheses {
			fmt.Fprintf(&b, "- (%s) %s\n", h.Category, h.Content)
		}
	}
	if p.Review != nil && p.Review.Status == blackboard.ConsensusRevise && p.Review.LastComment != "" {
		fmt.Fprintf(&b, "\nPrevious review feedback (please address these issues):\n%s\n", p.Review.LastComment)
	}
	return b.String()
}
