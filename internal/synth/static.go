package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// StaticSynthesizer renders fixed templates per timing type. It backs
// deployments without a model API key and keeps tests deterministic.
type StaticSynthesizer struct{}

// NewStaticSynthesizer creates a template-based synthesizer.
func NewStaticSynthesizer() *StaticSynthesizer {
	return &StaticSynthesizer{}
}

var _ Synthesizer = (*StaticSynthesizer)(nil)

// Synthesize renders the template for the timing type.
func (s *StaticSynthesizer) Synthesize(_ context.Context, req Request) (*Result, error) {
	name := req.UserName
	if name == "" {
		name = "there"
	}

	switch req.Timing.Type {
	case models.TimingDailyCheckin:
		return &Result{
			Content: models.PromptContent{
				Title: "Daily check-in",
				Body:  fmt.Sprintf("Hi %s, how is your day going so far?", name),
				QuickReplies: []models.QuickReply{
					{Text: "Going well", Value: string(models.ActionDismiss)},
					{Text: "Ask me later", Value: string(models.ActionSnooze)},
					{Text: "Not today", Value: string(models.ActionSkip)},
				},
			},
			TTL: 12 * time.Hour,
		}, nil

	case models.TimingHabitGap:
		habit := req.Timing.Metadata[models.MetadataHabitName]
		if habit == "" {
			habit = "your habit"
		}
		body := fmt.Sprintf("Hi %s, it has been a few days since %s. A small restart today counts.", name, habit)
		if missed := req.Timing.Metadata[models.MetadataMissedDays]; missed != "" {
			body = fmt.Sprintf("Hi %s, %s has been quiet for %s days. A small restart today counts.", name, habit, missed)
		}
		return &Result{
			Content: models.PromptContent{
				Title: "Pick it back up",
				Body:  body,
				QuickReplies: []models.QuickReply{
					{Text: "Done, log it", Value: string(models.ActionCompleteHabit)},
					{Text: "Remind me later", Value: string(models.ActionSnooze), NextStep: string(models.TimingHabitGap)},
					{Text: "Skip today", Value: string(models.ActionSkip)},
				},
			},
			TTL: models.DefaultPromptTTL,
		}, nil

	case models.TimingProgressStall:
		return &Result{
			Content: models.PromptContent{
				Title: "How is it going?",
				Body:  fmt.Sprintf("Hi %s, nothing logged this week yet. Even a quick note keeps the picture honest.", name),
				QuickReplies: []models.QuickReply{
					{Text: "Log progress", Value: string(models.ActionLogProgress)},
					{Text: "Dismiss", Value: string(models.ActionDismiss)},
				},
			},
			TTL: 48 * time.Hour,
		}, nil

	default:
		return nil, fmt.Errorf("no template for timing type %q", req.Timing.Type)
	}
}
