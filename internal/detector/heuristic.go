package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// DefaultHeuristicTimeout bounds one heuristic model call.
const DefaultHeuristicTimeout = 20 * time.Second

const heuristicSystemPrompt = `You are the timing heuristic of a proactive coaching engine. Given a user's activity snapshot, decide whether any coaching notification is worth sending right now.

Respond with a JSON array only, no surrounding text. Each element must be:
{"type": "daily_checkin" | "habit_gap" | "progress_stall", "priority": "high" | "medium" | "low", "confidence": <number between 0 and 1>, "subject_id": "<habit id, or empty>", "reason": "<one short sentence>"}

Only propose a timing when the snapshot clearly supports it. Return [] when nothing applies.`

// Generator produces a chat completion for a system and user prompt pair.
// *genai.Client satisfies it.
type Generator interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIHeuristic proposes timing candidates by asking a language model to
// read the user's snapshot. Rule detection does not depend on it; it only
// surfaces opportunities the fixed rules cannot express.
type GenAIHeuristic struct {
	gen     Generator
	timeout time.Duration
}

// HeuristicOption defines a configuration option for the GenAI heuristic.
type HeuristicOption func(*GenAIHeuristic)

// WithHeuristicTimeout overrides the per-call timeout.
func WithHeuristicTimeout(d time.Duration) HeuristicOption {
	return func(h *GenAIHeuristic) { h.timeout = d }
}

// NewGenAIHeuristic creates a heuristic backed by the given generator.
func NewGenAIHeuristic(gen Generator, opts ...HeuristicOption) *GenAIHeuristic {
	h := &GenAIHeuristic{gen: gen, timeout: DefaultHeuristicTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ Heuristic = (*GenAIHeuristic)(nil)

// heuristicCandidate is the wire shape the model is instructed to return.
type heuristicCandidate struct {
	Type       string  `json:"type"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
	SubjectID  string  `json:"subject_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// heuristicInput is the snapshot view serialized into the user prompt.
type heuristicInput struct {
	Name     string               `json:"name,omitempty"`
	Timezone string               `json:"timezone,omitempty"`
	Snapshot *models.UserSnapshot `json:"snapshot"`
}

// Propose asks the model for timing candidates. Malformed model output is a
// detection error for the user; the caller decides whether to skip them.
func (h *GenAIHeuristic) Propose(ctx context.Context, user *models.User, snap *models.UserSnapshot) ([]models.PromptTiming, error) {
	input, err := json.Marshal(heuristicInput{Name: user.Name, Timezone: user.Timezone, Snapshot: snap})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	raw, err := h.gen.GeneratePromptWithContext(callCtx, heuristicSystemPrompt, string(input))
	if err != nil {
		return nil, fmt.Errorf("heuristic completion failed: %w", err)
	}

	candidates, err := parseHeuristicCandidates(raw)
	if err != nil {
		return nil, err
	}

	out := make([]models.PromptTiming, 0, len(candidates))
	for _, c := range candidates {
		timing, ok := c.toTiming(user.ID)
		if !ok {
			slog.Debug("GenAIHeuristic.Propose dropping candidate with unknown type",
				"user_id", user.ID, "type", c.Type)
			continue
		}
		out = append(out, timing)
	}
	slog.Debug("GenAIHeuristic.Propose completed", "user_id", user.ID, "candidates", len(out))
	return out, nil
}

// toTiming converts a wire candidate to a validated timing. Unknown types are
// rejected; priorities and confidence are normalized into range.
func (c heuristicCandidate) toTiming(userID string) (models.PromptTiming, bool) {
	timingType := models.TimingType(strings.TrimSpace(c.Type))
	switch timingType {
	case models.TimingDailyCheckin, models.TimingHabitGap, models.TimingProgressStall:
	default:
		return models.PromptTiming{}, false
	}

	priority := models.Priority(strings.ToLower(strings.TrimSpace(c.Priority)))
	if !models.IsValidPriority(priority) {
		priority = models.PriorityLow
	}

	confidence := c.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	timing := models.PromptTiming{
		Type:       timingType,
		UserID:     userID,
		Priority:   priority,
		Confidence: confidence,
	}
	if c.SubjectID != "" || c.Reason != "" {
		timing.Metadata = make(map[string]string, 2)
		if c.SubjectID != "" {
			timing.Metadata[models.MetadataSubjectID] = c.SubjectID
		}
		if c.Reason != "" {
			timing.Metadata[models.MetadataReason] = c.Reason
		}
	}
	return timing, true
}

// parseHeuristicCandidates extracts the JSON array from the model response,
// tolerating surrounding prose and markdown fences.
func parseHeuristicCandidates(raw string) ([]heuristicCandidate, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("heuristic response contains no JSON array: %q", truncateForLog(raw))
	}
	var candidates []heuristicCandidate
	if err := json.Unmarshal([]byte(raw[start:end+1]), &candidates); err != nil {
		return nil, fmt.Errorf("failed to parse heuristic response: %w", err)
	}
	return candidates, nil
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
