package detector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

type fakeGenerator struct {
	response  string
	err       error
	gotSystem string
	gotUser   string
}

func (f *fakeGenerator) GeneratePromptWithContext(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.gotSystem = systemPrompt
	f.gotUser = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestProposeParsesCandidates(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n[" +
		`{"type":"habit_gap","priority":"high","confidence":0.8,"subject_id":"habit-1","reason":"three misses"},` +
		`{"type":"progress_stall","priority":"URGENT","confidence":1.7},` +
		`{"type":"weather_alert","priority":"low","confidence":0.4}` +
		"]\n```"}
	h := NewGenAIHeuristic(gen)

	snap := &models.UserSnapshot{UserID: "user-1"}
	timings, err := h.Propose(context.Background(), activeUser("user-1"), snap)
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if len(timings) != 2 {
		t.Fatalf("Propose() returned %d timings, want 2 (unknown type dropped): %+v", len(timings), timings)
	}

	first := timings[0]
	if first.Type != models.TimingHabitGap || first.Priority != models.PriorityHigh {
		t.Errorf("timings[0] = %+v, want high habit_gap", first)
	}
	if first.SubjectID() != "habit-1" {
		t.Errorf("SubjectID() = %q, want habit-1", first.SubjectID())
	}
	if first.Metadata[models.MetadataReason] != "three misses" {
		t.Errorf("reason metadata = %q, want carried through", first.Metadata[models.MetadataReason])
	}

	second := timings[1]
	if second.Priority != models.PriorityLow {
		t.Errorf("unknown priority normalized to %q, want %q", second.Priority, models.PriorityLow)
	}
	if second.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", second.Confidence)
	}

	if !strings.Contains(gen.gotUser, `"user_id":"user-1"`) {
		t.Errorf("user prompt %q does not embed the snapshot", gen.gotUser)
	}
	if !strings.Contains(gen.gotSystem, "JSON array") {
		t.Error("system prompt does not instruct JSON array output")
	}
}

func TestProposeEmptyArray(t *testing.T) {
	gen := &fakeGenerator{response: "[]"}
	h := NewGenAIHeuristic(gen)
	timings, err := h.Propose(context.Background(), activeUser("user-1"), &models.UserSnapshot{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if len(timings) != 0 {
		t.Errorf("Propose() = %+v, want empty", timings)
	}
}

func TestProposeMalformedOutput(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no array", "I think the user needs a nudge."},
		{"broken json", `[{"type": "habit_gap", "confidence": }]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{response: tt.response}
			h := NewGenAIHeuristic(gen)
			if _, err := h.Propose(context.Background(), activeUser("user-1"), &models.UserSnapshot{UserID: "user-1"}); err == nil {
				t.Error("Propose() error = nil, want parse failure")
			}
		})
	}
}

func TestProposeGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("rate limited")}
	h := NewGenAIHeuristic(gen)
	if _, err := h.Propose(context.Background(), activeUser("user-1"), &models.UserSnapshot{UserID: "user-1"}); err == nil {
		t.Error("Propose() error = nil, want generator failure surfaced")
	}
}
