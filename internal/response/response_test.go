package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

var replyNow = time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

type fakeEffects struct {
	mu        sync.Mutex
	completed []string
	progress  []string
	err       error
}

func (f *fakeEffects) CompleteHabit(_ context.Context, userID, habitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.completed = append(f.completed, userID+"/"+habitID)
	return nil
}

func (f *fakeEffects) LogProgress(_ context.Context, userID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.progress = append(f.progress, userID+"/"+value)
	return nil
}

func (f *fakeEffects) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

type fakeScheduler struct {
	timings   []models.PromptTiming
	notBefore []time.Time
	err       error
}

func (f *fakeScheduler) Assemble(_ context.Context, timing models.PromptTiming, notBefore time.Time) (*models.Prompt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.timings = append(f.timings, timing)
	f.notBefore = append(f.notBefore, notBefore)
	return &models.Prompt{ID: "follow-up-1", UserID: timing.UserID}, nil
}

type fakeNotifier struct {
	events []models.Event
}

func (f *fakeNotifier) SendToUser(_ context.Context, _ string, event models.Event) error {
	f.events = append(f.events, event)
	return nil
}

// seedDelivered walks a prompt to the delivered state.
func seedDelivered(t *testing.T, st store.Store, id string) *models.Prompt {
	t.Helper()
	ctx := context.Background()
	p := &models.Prompt{
		ID:         id,
		UserID:     "user-1",
		TimingType: models.TimingHabitGap,
		Priority:   models.PriorityHigh,
		State:      models.StatePending,
		SubjectID:  "habit-1",
		Metadata: map[string]string{
			models.MetadataSubjectID: "habit-1",
			models.MetadataHabitName: "Morning run",
		},
		Content: models.PromptContent{
			Title: "Pick it back up",
			Body:  "Your morning run has been quiet for 3 days.",
			QuickReplies: []models.QuickReply{
				{Text: "Done, log it", Value: "complete_habit"},
				{Text: "Remind me later", Value: "snooze", NextStep: "habit_gap"},
				{Text: "Skip today", Value: "skip"},
			},
		},
		ScheduledFor: replyNow.Add(-time.Hour),
		ExpiresAt:    replyNow.Add(23 * time.Hour),
	}
	if err := st.CreatePrompt(ctx, p); err != nil {
		t.Fatalf("failed to create prompt: %v", err)
	}
	if err := st.MarkQueued(ctx, p.ID); err != nil {
		t.Fatalf("failed to queue prompt: %v", err)
	}
	if claimed, err := st.ClaimForDelivery(ctx, p.ID); err != nil || !claimed {
		t.Fatalf("failed to claim prompt: claimed=%v err=%v", claimed, err)
	}
	if err := st.MarkDelivered(ctx, p.ID, models.ChannelPush, replyNow.Add(-30*time.Minute)); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}
	return p
}

func mustGet(t *testing.T, st store.Store, id string) *models.Prompt {
	t.Helper()
	p, err := st.GetPrompt(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load prompt: %v", err)
	}
	if p == nil {
		t.Fatalf("prompt %s not found", id)
	}
	return p
}

func TestHandleReplyRecordsResponse(t *testing.T) {
	st := store.NewInMemoryStore()
	effects := &fakeEffects{}
	notifier := &fakeNotifier{}
	h := NewHandler(st, WithSideEffects(effects), WithNotifier(notifier), WithClock(func() time.Time { return replyNow }))
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Value:    "complete_habit",
		Action:   "complete_habit",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != models.ActionCompleteHabit {
		t.Errorf("expected action complete_habit, got %s", result.Action)
	}
	if !strings.Contains(result.Message, "complete") {
		t.Errorf("expected confirmation message, got %q", result.Message)
	}

	stored := mustGet(t, st, "p1")
	if stored.State != models.StateResponded {
		t.Errorf("expected state responded, got %s", stored.State)
	}
	if stored.ResponseAction != models.ActionCompleteHabit {
		t.Errorf("expected recorded action complete_habit, got %s", stored.ResponseAction)
	}
	if stored.RespondedAt == nil || stored.RespondedAt.Before(*stored.DeliveredAt) {
		t.Errorf("expected responded at after delivery, got %v", stored.RespondedAt)
	}

	if effects.completions() != 1 {
		t.Errorf("expected 1 habit completion, got %d", effects.completions())
	}
	if len(effects.completed) == 1 && effects.completed[0] != "user-1/habit-1" {
		t.Errorf("expected completion for user-1/habit-1, got %s", effects.completed[0])
	}

	if len(notifier.events) != 1 {
		t.Fatalf("expected 1 outcome event, got %d", len(notifier.events))
	}
	if notifier.events[0].Type != models.EventResponseResult {
		t.Errorf("expected response_result event, got %s", notifier.events[0].Type)
	}
}

func TestHandleReplyDuplicateIsStale(t *testing.T) {
	st := store.NewInMemoryStore()
	effects := &fakeEffects{}
	h := NewHandler(st, WithSideEffects(effects))
	seedDelivered(t, st, "p1")

	reply := &models.Reply{PromptID: "p1", UserID: "user-1", Value: "complete_habit", Action: "complete_habit"}
	if _, err := h.HandleReply(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error on first reply: %v", err)
	}
	if _, err := h.HandleReply(context.Background(), reply); !errors.Is(err, models.ErrStalePrompt) {
		t.Fatalf("expected ErrStalePrompt on duplicate, got %v", err)
	}
	if effects.completions() != 1 {
		t.Errorf("expected side effect to run exactly once, got %d", effects.completions())
	}
}

func TestHandleReplyRejections(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st)
	seedDelivered(t, st, "p1")

	if _, err := h.HandleReply(context.Background(), &models.Reply{PromptID: "missing", UserID: "user-1"}); !errors.Is(err, models.ErrPromptNotFound) {
		t.Errorf("expected ErrPromptNotFound, got %v", err)
	}
	if _, err := h.HandleReply(context.Background(), &models.Reply{PromptID: "p1", UserID: "user-2"}); !errors.Is(err, models.ErrPromptOwnership) {
		t.Errorf("expected ErrPromptOwnership, got %v", err)
	}
	if _, err := h.HandleReply(context.Background(), &models.Reply{UserID: "user-1"}); !errors.Is(err, models.ErrEmptyPromptID) {
		t.Errorf("expected ErrEmptyPromptID, got %v", err)
	}
}

func TestHandleReplyRejectsUndeliveredPrompt(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st)

	p := &models.Prompt{
		ID:         "p1",
		UserID:     "user-1",
		TimingType: models.TimingDailyCheckin,
		Priority:   models.PriorityMedium,
		State:      models.StatePending,
		Content:    models.PromptContent{Body: "How is your day going?"},
		ExpiresAt:  replyNow.Add(time.Hour),
	}
	if err := st.CreatePrompt(context.Background(), p); err != nil {
		t.Fatalf("failed to create prompt: %v", err)
	}
	if err := st.MarkQueued(context.Background(), "p1"); err != nil {
		t.Fatalf("failed to queue prompt: %v", err)
	}

	if _, err := h.HandleReply(context.Background(), &models.Reply{PromptID: "p1", UserID: "user-1"}); !errors.Is(err, models.ErrStalePrompt) {
		t.Errorf("expected ErrStalePrompt for a queued prompt, got %v", err)
	}
	if got := mustGet(t, st, "p1").State; got != models.StateQueued {
		t.Errorf("expected rejection to leave state unchanged, got %s", got)
	}
}

func TestHandleReplySideEffectFailureKeepsResponse(t *testing.T) {
	st := store.NewInMemoryStore()
	effects := &fakeEffects{err: fmt.Errorf("records service down")}
	h := NewHandler(st, WithSideEffects(effects))
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Action:   "complete_habit",
	})
	if err != nil {
		t.Fatalf("expected reply to succeed despite side effect failure, got %v", err)
	}
	if !strings.Contains(result.Message, "recorded") {
		t.Errorf("expected explanatory message, got %q", result.Message)
	}
	if got := mustGet(t, st, "p1").State; got != models.StateResponded {
		t.Errorf("expected state responded, got %s", got)
	}
}

func TestHandleReplySnoozeSchedulesFollowUp(t *testing.T) {
	st := store.NewInMemoryStore()
	scheduler := &fakeScheduler{}
	h := NewHandler(st, WithFollowUpScheduler(scheduler), WithClock(func() time.Time { return replyNow }))
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Value:    "snooze",
		Action:   "snooze",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FollowUpScheduled {
		t.Fatal("expected follow-up to be scheduled")
	}

	if len(scheduler.timings) != 1 {
		t.Fatalf("expected 1 assembled timing, got %d", len(scheduler.timings))
	}
	timing := scheduler.timings[0]
	if timing.Type != models.TimingHabitGap {
		t.Errorf("expected the next-step hint to pick habit_gap, got %s", timing.Type)
	}
	if timing.UserID != "user-1" {
		t.Errorf("expected timing for user-1, got %s", timing.UserID)
	}
	if timing.Metadata[models.MetadataSubjectID] != "habit-1" {
		t.Errorf("expected metadata carried over, got %v", timing.Metadata)
	}
	wantNotBefore := replyNow.Add(snoozeDelay)
	if !scheduler.notBefore[0].Equal(wantNotBefore) {
		t.Errorf("expected follow-up not before %v, got %v", wantNotBefore, scheduler.notBefore[0])
	}
}

func TestHandleReplySnoozeWithoutScheduler(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st)
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Action:   "snooze",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FollowUpScheduled {
		t.Error("expected no follow-up without a scheduler")
	}
}

func TestHandleReplySchedulerFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	scheduler := &fakeScheduler{err: fmt.Errorf("duplicate in flight")}
	h := NewHandler(st, WithFollowUpScheduler(scheduler))
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Action:   "snooze",
	})
	if err != nil {
		t.Fatalf("expected reply to succeed despite scheduler failure, got %v", err)
	}
	if result.FollowUpScheduled {
		t.Error("expected follow-up flag to be false when assembly fails")
	}
}

func TestHandleReplyUnknownAction(t *testing.T) {
	st := store.NewInMemoryStore()
	effects := &fakeEffects{}
	h := NewHandler(st, WithSideEffects(effects))
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Value:    "custom text answer",
		Action:   "make_coffee",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != models.ActionUnknown {
		t.Errorf("expected action unknown, got %s", result.Action)
	}
	if effects.completions() != 0 {
		t.Errorf("expected no side effects for unknown action, got %d", effects.completions())
	}

	stored := mustGet(t, st, "p1")
	if stored.State != models.StateResponded {
		t.Errorf("expected free-text reply to still record, got %s", stored.State)
	}
	if stored.ResponseValue != "custom text answer" {
		t.Errorf("expected response value preserved, got %q", stored.ResponseValue)
	}
}

func TestHandleReplyResolvesActionFromValue(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st)
	seedDelivered(t, st, "p1")

	result, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Value:    "skip",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action != models.ActionSkip {
		t.Errorf("expected quick-reply value to resolve to skip, got %s", result.Action)
	}
}

func TestHandleReplyAdjustsTone(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st, WithSideEffects(&fakeEffects{}))
	seedDelivered(t, st, "p1")

	if _, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID: "p1",
		UserID:   "user-1",
		Action:   "complete_habit",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	profile, err := st.GetToneProfile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile["direct_coach"] <= 0 {
		t.Errorf("expected direct_coach score to rise, got %v", profile)
	}
}

func TestHandleReplyClampsEarlyTimestamp(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewHandler(st)
	seedDelivered(t, st, "p1")

	_, err := h.HandleReply(context.Background(), &models.Reply{
		PromptID:  "p1",
		UserID:    "user-1",
		Action:    "dismiss",
		Timestamp: replyNow.Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := mustGet(t, st, "p1")
	if stored.RespondedAt == nil || !stored.RespondedAt.Equal(*stored.DeliveredAt) {
		t.Errorf("expected responded at clamped to delivery time, got %v", stored.RespondedAt)
	}
}
