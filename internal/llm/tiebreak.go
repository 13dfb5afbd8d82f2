package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HebbZhu/multi-agent-living-system/internal/conductor"
	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
)

const tieBreakSystemPrompt = `You are the conductor of a multi-agent system. You never do domain work; you only decide which of the eligible agents acts next.

You will receive the current blackboard dashboard and a numbered list of candidates. Pick exactly one candidate from the list.

Respond with a JSON object only (no markdown, no explanation):
{"index": <candidate number>, "reason": "<brief explanation>"}`

// TieBreaker asks a small model to order equally eligible producers.
// It implements conductor.Chooser; the conductor validates the answer.
type TieBreaker struct {
	client *Client
	model  string
	logger *slog.Logger
}

// NewTieBreaker creates a chooser backed by model.
func NewTieBreaker(client *Client, model string, logger *slog.Logger) *TieBreaker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TieBreaker{client: client, model: model, logger: logger}
}

type tieBreakReply struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Choose implements conductor.Chooser.
func (t *TieBreaker) Choose(ctx context.Context, d dashboard.Dashboard, candidates []conductor.Candidate) (int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current blackboard state:\n\n%s\nCandidates:\n", d.String())
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. agent=%s step=%s field=%s\n", i, c.Agent, c.StepID, c.Field)
	}
	b.WriteString("\nWhich candidate should act next?")

	completion, err := t.client.Complete(ctx, t.model, tieBreakSystemPrompt, b.String(), 200)
	if err != nil {
		return -1, err
	}

	var reply tieBreakReply
	if err := json.Unmarshal([]byte(stripFences(completion.Content)), &reply); err != nil {
		return -1, fmt.Errorf("unparseable tie-break reply: %w", err)
	}
	t.logger.Debug("tie-break", "index", reply.Index, "reason", reply.Reason, "tokens", completion.Tokens)
	return reply.Index, nil
}
