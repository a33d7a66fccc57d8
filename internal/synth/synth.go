// Package synth turns admitted timings into user-facing prompt content.
//
// The engine treats synthesis as an external dependency with fail-closed
// semantics: a synthesis error produces a terminal failed prompt record and
// never blocks the rest of the cycle.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// TTL bounds applied to synthesized content.
const (
	// MinPromptTTL is the shortest expiry a synthesizer may request.
	MinPromptTTL = 5 * time.Minute
	// MaxPromptTTL is the longest expiry a synthesizer may request.
	MaxPromptTTL = 72 * time.Hour
	// DefaultSynthesisTimeout bounds one synthesis call.
	DefaultSynthesisTimeout = 30 * time.Second
)

// Request carries everything a synthesizer needs to write one prompt.
type Request struct {
	Timing    models.PromptTiming
	UserName  string
	ToneGuide string // rendered tone policy, may be empty
}

// Result is the synthesized content plus how long it stays deliverable.
type Result struct {
	Content models.PromptContent
	TTL     time.Duration
}

// Synthesizer produces prompt content for an admitted timing.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// Generator produces a chat completion for a system and user prompt pair.
// *genai.Client satisfies it.
type Generator interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const synthSystemPrompt = `You write short, warm coaching notifications. Given a detected coaching moment, produce the notification a user will see on their phone.

Respond with a single JSON object only, no surrounding text:
{"title": "<at most 60 characters>", "message": "<one or two sentences>", "quick_replies": [{"text": "<button label>", "value": "<one of: complete_habit, log_progress, snooze, skip, dismiss>"}], "ttl_seconds": <how long the notification stays relevant>}

Offer two or three quick replies that fit the moment. Never scold; invite.`

// GenAISynthesizer writes content with a language model, steered by the
// user's learned tone profile.
type GenAISynthesizer struct {
	gen     Generator
	timeout time.Duration
}

// GenAIOption defines a configuration option for the GenAI synthesizer.
type GenAIOption func(*GenAISynthesizer)

// WithSynthesisTimeout overrides the per-call timeout.
func WithSynthesisTimeout(d time.Duration) GenAIOption {
	return func(s *GenAISynthesizer) { s.timeout = d }
}

// NewGenAISynthesizer creates a synthesizer backed by the given generator.
func NewGenAISynthesizer(gen Generator, opts ...GenAIOption) *GenAISynthesizer {
	s := &GenAISynthesizer{gen: gen, timeout: DefaultSynthesisTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Synthesizer = (*GenAISynthesizer)(nil)

// synthesizedContent is the wire shape the model is instructed to return.
type synthesizedContent struct {
	Title        string `json:"title"`
	Message      string `json:"message"`
	QuickReplies []struct {
		Text     string `json:"text"`
		Value    string `json:"value"`
		NextStep string `json:"next_step,omitempty"`
	} `json:"quick_replies"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

// synthInput is the request view serialized into the user prompt.
type synthInput struct {
	TimingType models.TimingType `json:"timing_type"`
	Priority   models.Priority   `json:"priority"`
	UserName   string            `json:"user_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Synthesize asks the model for notification content. Malformed output is an
// error; the engine records the prompt as failed.
func (s *GenAISynthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	input, err := json.Marshal(synthInput{
		TimingType: req.Timing.Type,
		Priority:   req.Timing.Priority,
		UserName:   req.UserName,
		Metadata:   req.Timing.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize synthesis request: %w", err)
	}

	systemPrompt := synthSystemPrompt
	if req.ToneGuide != "" {
		systemPrompt = systemPrompt + "\n\n" + req.ToneGuide
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.gen.GeneratePromptWithContext(callCtx, systemPrompt, string(input))
	if err != nil {
		return nil, fmt.Errorf("synthesis completion failed: %w", err)
	}

	parsed, err := parseSynthesizedContent(raw)
	if err != nil {
		return nil, err
	}

	content := models.PromptContent{
		Title: strings.TrimSpace(parsed.Title),
		Body:  strings.TrimSpace(parsed.Message),
	}
	for _, qr := range parsed.QuickReplies {
		content.QuickReplies = append(content.QuickReplies, models.QuickReply{
			Text:     strings.TrimSpace(qr.Text),
			Value:    strings.TrimSpace(qr.Value),
			NextStep: strings.TrimSpace(qr.NextStep),
		})
	}
	if len(content.QuickReplies) > models.MaxQuickReplyCount {
		content.QuickReplies = content.QuickReplies[:models.MaxQuickReplyCount]
	}
	if err := content.Validate(); err != nil {
		return nil, fmt.Errorf("synthesized content invalid: %w", err)
	}

	result := &Result{Content: content, TTL: clampTTL(time.Duration(parsed.TTLSeconds) * time.Second)}
	slog.Debug("GenAISynthesizer.Synthesize completed",
		"user_id", req.Timing.UserID, "timing_type", req.Timing.Type, "ttl", result.TTL)
	return result, nil
}

// parseSynthesizedContent extracts the JSON object from the model response,
// tolerating surrounding prose and markdown fences.
func parseSynthesizedContent(raw string) (*synthesizedContent, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("synthesis response contains no JSON object")
	}
	var parsed synthesizedContent
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse synthesis response: %w", err)
	}
	return &parsed, nil
}

// clampTTL bounds a requested TTL, falling back to the default when the
// synthesizer did not request one.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return models.DefaultPromptTTL
	}
	if ttl < MinPromptTTL {
		return MinPromptTTL
	}
	if ttl > MaxPromptTTL {
		return MaxPromptTTL
	}
	return ttl
}
