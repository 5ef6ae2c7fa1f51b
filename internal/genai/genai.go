// Package genai provides optional AI enhancement of rendered message copy
// using an OpenAI-compatible chat completion API (DeepSeek by default).
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultBaseURL points at DeepSeek's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.deepseek.com"

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "deepseek-chat"

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the chat completion API for message enhancement.
type Client struct {
	client openai.Client
	model  string
}

// NewClient initializes a GenAI client. Falls back to the DEEPSEEK_API_KEY,
// DEEPSEEK_BASE_URL, and DEEPSEEK_MODEL environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("DEEPSEEK_BASE_URL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("DEEPSEEK_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	slog.Debug("GenAI client config loaded", "APIKey_set", cfg.APIKey != "", "baseURL", cfg.BaseURL, "model", cfg.Model)

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key not set")
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithBaseURL(cfg.BaseURL))
	return &Client{client: cli, model: cfg.Model}, nil
}

// EnhanceBody rewrites message body text following the template's AI
// instructions. Facts in the draft must be preserved; the instructions only
// shape tone and phrasing.
func (c *Client) EnhanceBody(ctx context.Context, body, instructions string) (string, error) {
	systemPrompt := "You polish outbound customer messages for an equipment dealership. " +
		"Rewrite the draft following the instructions. Keep every fact, name, date, and amount unchanged. " +
		"Return only the rewritten message text."
	userPrompt := fmt.Sprintf("Instructions: %s\n\nDraft:\n%s", instructions, body)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
