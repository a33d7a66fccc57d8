// Package response processes user replies to delivered prompts.
//
// A reply moves its prompt delivered -> responded through a conditional
// store update, and domain side effects run only after that transition is
// won. Duplicate submissions therefore trigger at most one side effect; the
// loser gets a stale-prompt rejection. Rejections are typed so the API layer
// can tell a stale reply from a missing prompt from an ownership mismatch.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/tone"
)

// snoozeDelay is how far out a snoozed prompt's follow-up is scheduled.
const snoozeDelay = 30 * time.Minute

// SideEffects is the external health-record surface reply actions call into.
type SideEffects interface {
	// CompleteHabit records a completion for the user's habit.
	CompleteHabit(ctx context.Context, userID, habitID string) error
	// LogProgress records a progress note or measurement from the reply.
	LogProgress(ctx context.Context, userID, value string) error
}

// FollowUpScheduler assembles a fresh prompt from a timing, bypassing the
// admission gate. The engine satisfies it.
type FollowUpScheduler interface {
	Assemble(ctx context.Context, timing models.PromptTiming, notBefore time.Time) (*models.Prompt, error)
}

// Notifier pushes events to a user's live connections. *registry.Hub
// satisfies it.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, event models.Event) error
}

// ActionFunc runs the domain side effect for one reply action and returns a
// user-facing confirmation message.
type ActionFunc func(ctx context.Context, prompt *models.Prompt, reply *models.Reply) (string, error)

// Opts holds configuration options for the reply handler.
type Opts struct {
	Effects   SideEffects
	Scheduler FollowUpScheduler
	Notifier  Notifier
	Clock     func() time.Time
}

// Option defines a configuration option for the reply handler.
type Option func(*Opts)

// WithSideEffects sets the external service reply actions call.
func WithSideEffects(e SideEffects) Option {
	return func(o *Opts) { o.Effects = e }
}

// WithFollowUpScheduler sets the component that assembles snooze follow-ups.
func WithFollowUpScheduler(s FollowUpScheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithNotifier sets the event stream reply outcomes are echoed to.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Handler applies replies to prompts.
type Handler struct {
	store     store.Store
	effects   SideEffects
	scheduler FollowUpScheduler
	notifier  Notifier
	now       func() time.Time

	mu      sync.RWMutex
	actions map[models.ActionKind]ActionFunc
}

// NewHandler creates a reply handler. Side effects, follow-up scheduling,
// and outcome events are each optional; a missing collaborator disables that
// behavior rather than failing replies.
func NewHandler(st store.Store, opts ...Option) *Handler {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Handler{
		store:     st,
		effects:   cfg.Effects,
		scheduler: cfg.Scheduler,
		notifier:  cfg.Notifier,
		now:       cfg.Clock,
		actions:   make(map[models.ActionKind]ActionFunc),
	}
	h.registerDefaults()
	return h
}

// RegisterAction installs or replaces the handler for one action kind.
func (h *Handler) RegisterAction(kind models.ActionKind, fn ActionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions[kind] = fn
}

func (h *Handler) registerDefaults() {
	h.RegisterAction(models.ActionCompleteHabit, h.completeHabit)
	h.RegisterAction(models.ActionLogProgress, h.logProgress)
	h.RegisterAction(models.ActionSnooze, func(context.Context, *models.Prompt, *models.Reply) (string, error) {
		return "Snoozed. We'll check back in a bit.", nil
	})
	h.RegisterAction(models.ActionSkip, func(context.Context, *models.Prompt, *models.Reply) (string, error) {
		return "No problem, skipping this one.", nil
	})
	h.RegisterAction(models.ActionDismiss, func(context.Context, *models.Prompt, *models.Reply) (string, error) {
		return "", nil
	})
}

// HandleReply validates and applies one reply.
//
// Rejections: models.ErrPromptNotFound when no such prompt exists,
// models.ErrPromptOwnership when the reply comes from a different user, and
// models.ErrStalePrompt when the prompt is not awaiting a response (covers
// duplicate submissions). Side-effect failures do not reject the reply; the
// reply result carries an explanatory message instead.
func (h *Handler) HandleReply(ctx context.Context, reply *models.Reply) (*models.ReplyResult, error) {
	if err := reply.Validate(); err != nil {
		return nil, err
	}

	prompt, err := h.store.GetPrompt(ctx, reply.PromptID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt: %w", err)
	}
	if prompt == nil {
		return nil, models.ErrPromptNotFound
	}
	if prompt.UserID != reply.UserID {
		return nil, models.ErrPromptOwnership
	}
	if prompt.State != models.StateDelivered {
		return nil, models.ErrStalePrompt
	}

	action := resolveAction(reply)
	at := reply.Timestamp
	if at.IsZero() {
		at = h.now()
	}
	if prompt.DeliveredAt != nil && at.Before(*prompt.DeliveredAt) {
		// Client clocks drift; responded-at never precedes delivery.
		at = *prompt.DeliveredAt
	}

	applied, err := h.store.MarkResponded(ctx, prompt.ID, reply.Value, action, at)
	if err != nil {
		return nil, fmt.Errorf("failed to record response: %w", err)
	}
	if !applied {
		// Another submission won the transition.
		return nil, models.ErrStalePrompt
	}

	result := &models.ReplyResult{PromptID: prompt.ID, Action: action}
	h.runAction(ctx, action, prompt, reply, result)

	if action == models.ActionSnooze {
		result.FollowUpScheduled = h.scheduleFollowUp(ctx, prompt, reply)
	}

	h.adjustTone(ctx, prompt.UserID, action)

	if h.notifier != nil {
		if err := h.notifier.SendToUser(ctx, prompt.UserID, models.NewResponseResultEvent(prompt.UserID, result)); err != nil {
			slog.Debug("Handler.HandleReply outcome event not delivered", "prompt_id", prompt.ID, "user_id", prompt.UserID, "error", err)
		}
	}

	slog.Info("Handler.HandleReply processed reply", "prompt_id", prompt.ID, "user_id", prompt.UserID, "action", action, "follow_up", result.FollowUpScheduled)
	return result, nil
}

// resolveAction maps the wire reply to an action kind. Clients that send
// only the quick-reply value still resolve when that value names an action.
func resolveAction(reply *models.Reply) models.ActionKind {
	if reply.Action != "" {
		return models.ParseActionKind(reply.Action)
	}
	return models.ParseActionKind(reply.Value)
}

// runAction dispatches to the registered handler for the action. The reply
// is already recorded at this point, so a failing side effect surfaces in
// the result message rather than as a rejection.
func (h *Handler) runAction(ctx context.Context, action models.ActionKind, prompt *models.Prompt, reply *models.Reply, result *models.ReplyResult) {
	h.mu.RLock()
	fn, ok := h.actions[action]
	h.mu.RUnlock()
	if !ok {
		slog.Debug("Handler.HandleReply no handler for action", "prompt_id", prompt.ID, "action", action)
		return
	}

	msg, err := fn(ctx, prompt, reply)
	if err != nil {
		slog.Error("Handler.HandleReply side effect failed", "prompt_id", prompt.ID, "user_id", prompt.UserID, "action", action, "error", err)
		result.Message = "Your reply was recorded, but applying it failed. Please try again from the app."
		return
	}
	result.Message = msg
}

func (h *Handler) completeHabit(ctx context.Context, prompt *models.Prompt, _ *models.Reply) (string, error) {
	if h.effects == nil {
		return "", nil
	}
	habitID := prompt.Metadata[models.MetadataSubjectID]
	if habitID == "" {
		return "", fmt.Errorf("prompt carries no habit reference")
	}
	if err := h.effects.CompleteHabit(ctx, prompt.UserID, habitID); err != nil {
		return "", fmt.Errorf("failed to complete habit: %w", err)
	}
	return "Habit marked complete. Nice work.", nil
}

func (h *Handler) logProgress(ctx context.Context, prompt *models.Prompt, reply *models.Reply) (string, error) {
	if h.effects == nil {
		return "", nil
	}
	if err := h.effects.LogProgress(ctx, prompt.UserID, reply.Value); err != nil {
		return "", fmt.Errorf("failed to log progress: %w", err)
	}
	return "Progress logged.", nil
}

// scheduleFollowUp assembles a fresh prompt for a snoozed one. The quick
// reply's next-step hint picks the follow-up timing type when present.
func (h *Handler) scheduleFollowUp(ctx context.Context, prompt *models.Prompt, reply *models.Reply) bool {
	if h.scheduler == nil {
		return false
	}

	timingType := prompt.TimingType
	if hint := nextStepHint(prompt, reply.Value); hint != "" {
		timingType = hint
	}

	metadata := make(map[string]string, len(prompt.Metadata))
	for k, v := range prompt.Metadata {
		metadata[k] = v
	}
	timing := models.PromptTiming{
		Type:       timingType,
		UserID:     prompt.UserID,
		Priority:   prompt.Priority,
		Confidence: 1,
		Metadata:   metadata,
	}

	followUp, err := h.scheduler.Assemble(ctx, timing, h.now().Add(snoozeDelay))
	if err != nil {
		slog.Error("Handler.HandleReply follow-up not scheduled", "prompt_id", prompt.ID, "user_id", prompt.UserID, "error", err)
		return false
	}
	if followUp == nil {
		return false
	}
	slog.Debug("Handler.HandleReply scheduled follow-up", "prompt_id", prompt.ID, "follow_up_id", followUp.ID, "timing_type", timingType)
	return true
}

// nextStepHint returns the chosen quick reply's follow-up hint, if it names
// a known timing type.
func nextStepHint(prompt *models.Prompt, value string) models.TimingType {
	for _, qr := range prompt.Content.QuickReplies {
		if qr.Value != value || qr.NextStep == "" {
			continue
		}
		hint := models.TimingType(qr.NextStep)
		switch hint {
		case models.TimingDailyCheckin, models.TimingHabitGap, models.TimingProgressStall:
			return hint
		}
	}
	return ""
}

// adjustTone nudges the user's tone profile from the action they took.
// Failures only cost the nudge, never the reply.
func (h *Handler) adjustTone(ctx context.Context, userID string, action models.ActionKind) {
	proposal := tone.ProposalForAction(action)
	if len(proposal) == 0 {
		return
	}
	profile, err := h.store.GetToneProfile(ctx, userID)
	if err != nil {
		slog.Debug("Handler.HandleReply tone profile unavailable", "user_id", userID, "error", err)
		return
	}
	if !tone.UpdateScores(profile, proposal) {
		return
	}
	if err := h.store.SaveToneProfile(ctx, userID, profile); err != nil {
		slog.Debug("Handler.HandleReply tone profile not saved", "user_id", userID, "error", err)
	}
}
