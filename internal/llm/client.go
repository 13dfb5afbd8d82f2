// Package llm connects the kernel to an OpenAI-compatible model endpoint. It
// provides the optional tie-break chooser, the memory summariser and
// prompt-backed agents.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the OpenAI client used here. *openai.Client
// implements it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config configures the endpoint.
type Config struct {
	APIKey      string
	BaseURL     string // Empty selects the OpenAI API
	Temperature float32
	MaxTokens   int
}

// NewOpenAIClient creates a client for cfg. Any OpenAI-compatible server
// (Azure, Ollama, vLLM) can be addressed through BaseURL.
func NewOpenAIClient(cfg Config) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(oc)
}

// Completion is the text of one model reply and the tokens it consumed.
type Completion struct {
	Content string
	Tokens  int
}

// Client sends single-turn prompts.
type Client struct {
	chat        ChatClient
	temperature float32
	maxTokens   int
}

// NewClient wraps chat with the sampling settings of cfg.
func NewClient(chat ChatClient, cfg Config) *Client {
	return &Client{chat: chat, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
}

// Complete sends a system and a user prompt to model. maxTokens <= 0 selects the
// client default.
func (c *Client) Complete(ctx context.Context, model, system, user string, maxTokens int) (Completion, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("chat completion (%s): %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("no choices in response")
	}
	return Completion{
		Content: resp.Choices[0].Message.Content,
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

// stripFences removes a surrounding markdown code fence from a reply.
func stripFences(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
