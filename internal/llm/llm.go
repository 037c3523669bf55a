// Package llm is the boundary to the AI collaborator. Callers send a prompt
// plus context text and get free text back; structure is never assumed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("no text content in API response")

// Provider generates a response for prompt given supporting context text.
// selector picks a provider-specific model; empty means the default.
type Provider interface {
	Generate(ctx context.Context, prompt, contextText, selector string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt, contextText, selector string) (string, error)

func (f ProviderFunc) Generate(ctx context.Context, prompt, contextText, selector string) (string, error) {
	return f(ctx, prompt, contextText, selector)
}

// Config holds Anthropic client settings.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// Client wraps the Anthropic Messages API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewClient creates an LLM client from cfg.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}
}

// Generate sends contextText as the system prompt and prompt as the user turn.
func (c *Client) Generate(ctx context.Context, prompt, contextText, selector string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	model := c.model
	if selector != "" {
		model = anthropic.Model(selector)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if contextText != "" {
		params.System = []anthropic.TextBlockParam{{Text: contextText}}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", ErrEmptyResponse
}
