package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func TestGeneratePrompt_Success(t *testing.T) {
	// Prepare a mock response with one choice
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	out, err := client.GeneratePrompt("system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	// Empty choices slice
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt("sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGeneratePromptWithContext_AppliesConfiguredParams(t *testing.T) {
	mock := &mockChatService{
		resp: openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "ok"}},
			},
		},
	}
	client := &Client{chat: mock, model: "test-model", temperature: 0.3, maxTokens: 100}
	if _, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.params.Model != "test-model" {
		t.Errorf("model = %q, want test-model", mock.params.Model)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("message count = %d, want 2", len(mock.params.Messages))
	}
	if !mock.params.Temperature.Valid() || mock.params.Temperature.Value != 0.3 {
		t.Errorf("temperature = %+v, want 0.3", mock.params.Temperature)
	}
	if !mock.params.MaxCompletionTokens.Valid() || mock.params.MaxCompletionTokens.Value != 100 {
		t.Errorf("max tokens = %+v, want 100", mock.params.MaxCompletionTokens)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	key := "test-key"
	cli, err := NewClient(WithAPIKey(key))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}

func TestNewClient_OptionsOverrideDefaults(t *testing.T) {
	cli, err := NewClient(WithAPIKey("k"), WithModel("custom"), WithTemperature(0.1), WithMaxTokens(64))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.model != "custom" {
		t.Errorf("model = %q, want custom", cli.model)
	}
	if cli.temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", cli.temperature)
	}
	if cli.maxTokens != 64 {
		t.Errorf("maxTokens = %v, want 64", cli.maxTokens)
	}
}
