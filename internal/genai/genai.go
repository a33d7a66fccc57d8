// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It backs the content synthesizer and the detection heuristic with a thin
// client that is mockable at the chat-completion boundary.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation parameters applied when options do not override them.
const (
	// DefaultModel is the chat model used for synthesis and heuristics.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps coaching copy varied without drifting off task.
	DefaultTemperature = 0.7
	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 1024
)

// ErrNoChoicesReturned indicates the API responded without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the official client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string  // OpenAI API key
	Model       string  // chat model identifier
	Temperature float64 // sampling temperature
	MaxTokens   int64   // completion token cap
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(o *Opts) { o.Temperature = temperature }
}

// WithMaxTokens overrides the default completion token cap.
func WithMaxTokens(maxTokens int64) Option {
	return func(o *Opts) { o.MaxTokens = maxTokens }
}

// Client wraps the OpenAI chat completion service for generating prompts.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient initializes a new GenAI client. The API key comes from options or
// falls back to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("NewClient: OpenAI API key not provided")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	slog.Debug("GenAI client initialized", "model", cfg.Model, "temperature", cfg.Temperature, "max_tokens", cfg.MaxTokens)
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:        &openaiChatService{client: cli},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return c.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

// GeneratePromptWithContext generates a response honoring the caller's context
// for cancellation and timeouts.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := c.model
	if model == "" {
		model = DefaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI GeneratePromptWithContext failed", "error", err, "model", model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI GeneratePromptWithContext returned no choices", "model", model)
		return "", ErrNoChoicesReturned
	}
	slog.Debug("GenAI GeneratePromptWithContext succeeded", "model", model,
		"response_length", len(resp.Choices[0].Message.Content))
	return resp.Choices[0].Message.Content, nil
}
