package llm

import (
	"context"
	"fmt"
	"strings"
)

const summarizeSystemPrompt = "You are a concise summarizer. Summarize the following content in 1-2 sentences, preserving key facts and outcomes. Respond in the same language as the content."

// Summarizer produces warm-tier synopses with a model. It implements
// memory.Summarizer.
type Summarizer struct {
	client *Client
	model  string
}

// NewSummarizer creates a summariser backed by model.
func NewSummarizer(client *Client, model string) *Summarizer {
	return &Summarizer{client: client, model: model}
}

// Summarize implements memory.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, field, content string, maxLen int) (string, error) {
	user := fmt.Sprintf("Field: %s\nKeep the summary under %d characters.\n\n%s", field, maxLen, content)
	completion, err := s.client.Complete(ctx, s.model, summarizeSystemPrompt, user, 300)
	if err != nil {
		return "", err
	}
	synopsis := strings.TrimSpace(completion.Content)
	if synopsis == "" {
		return "", fmt.Errorf("empty summary for '%s'", field)
	}
	return synopsis, nil
}
