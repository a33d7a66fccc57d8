// Package engine coordinates the proactive coaching pipeline.
//
// One detection cycle runs detect -> admit -> synthesize -> persist ->
// submit for every active user, with per-user and per-timing error
// isolation: one user's failure never aborts the batch, and one timing's
// failure never drops its siblings. The engine also owns the expiration
// sweep, startup recovery, and prompt assembly for reply follow-ups, which
// re-enter the pipeline here without passing the admission gate again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/gate"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/synth"
	"github.com/BTreeMap/CoachPipe/internal/tone"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Detector emits candidate timings for one user. *detector.Detector
// satisfies it.
type Detector interface {
	DetectForUser(ctx context.Context, user *models.User) ([]models.PromptTiming, error)
}

// Admitter filters timings through the frequency and quiet-hours rules.
// *gate.Controller satisfies it.
type Admitter interface {
	Admit(ctx context.Context, user *models.User, timing models.PromptTiming) (gate.Decision, error)
}

// Dispatcher hands persisted prompts to the delivery workers.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Submit(ctx context.Context, prompt *models.Prompt) error
	Reconcile(ctx context.Context) error
	QueueDepth() int
}

// Opts holds configuration options for the engine.
type Opts struct {
	Clock func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine drives the detection, assembly, and maintenance loops.
type Engine struct {
	store      store.Store
	detector   Detector
	admitter   Admitter
	synth      synth.Synthesizer
	dispatcher Dispatcher
	now        func() time.Time
}

// NewEngine wires the pipeline together.
func NewEngine(st store.Store, det Detector, adm Admitter, syn synth.Synthesizer, disp Dispatcher, opts ...Option) *Engine {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:      st,
		detector:   det,
		admitter:   adm,
		synth:      syn,
		dispatcher: disp,
		now:        cfg.Clock,
	}
}

// RunCycle executes one detection cycle over every active user.
func (e *Engine) RunCycle(ctx context.Context) {
	started := e.now()
	users, err := e.store.ListActiveUsers(ctx)
	if err != nil {
		slog.Error("Engine.RunCycle failed to list active users", "error", err)
		return
	}

	created := 0
	for _, user := range users {
		n, err := e.cycleUser(ctx, user)
		if err != nil {
			slog.Error("Engine.RunCycle user skipped", "user_id", user.ID, "error", err)
			continue
		}
		created += n
	}
	slog.Info("Engine.RunCycle completed", "users", len(users), "prompts_created", created, "duration", time.Since(started))
}

// cycleUser runs detection and assembly for one user. Timings that fail are
// logged and dropped individually.
func (e *Engine) cycleUser(ctx context.Context, user *models.User) (int, error) {
	timings, err := e.detector.DetectForUser(ctx, user)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, timing := range timings {
		decision, err := e.admitter.Admit(ctx, user, timing)
		if err != nil {
			slog.Error("Engine.RunCycle admission check failed", "user_id", user.ID, "timing_type", timing.Type, "error", err)
			continue
		}
		if !decision.Admitted {
			continue
		}

		prompt, err := e.assemble(ctx, user, timing, e.now())
		if err != nil {
			slog.Error("Engine.RunCycle assembly failed", "user_id", user.ID, "timing_type", timing.Type, "error", err)
			continue
		}
		if prompt != nil {
			created++
		}
	}
	return created, nil
}

// Assemble synthesizes and persists a prompt for an externally supplied
// timing, bypassing the admission gate. Reply follow-ups enter here. A nil
// prompt with nil error means the timing produced no deliverable prompt
// (synthesis failed terminally, or an equivalent prompt is already in
// flight).
func (e *Engine) Assemble(ctx context.Context, timing models.PromptTiming, notBefore time.Time) (*models.Prompt, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	user, err := e.store.GetUser(ctx, timing.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, models.ErrUserNotFound
	}
	return e.assemble(ctx, user, timing, notBefore)
}

// assemble calls the synthesizer and persists the outcome. Synthesis
// failures are terminal: the prompt is recorded failed with no delivery
// attempt, so a flaky synthesizer never blocks the pipeline.
func (e *Engine) assemble(ctx context.Context, user *models.User, timing models.PromptTiming, notBefore time.Time) (*models.Prompt, error) {
	prompt := &models.Prompt{
		ID:           util.GeneratePromptID(),
		UserID:       user.ID,
		TimingType:   timing.Type,
		Priority:     timing.Priority,
		SubjectID:    timing.SubjectID(),
		Metadata:     copyMetadata(timing.Metadata),
		ScheduledFor: notBefore,
	}

	result, synthErr := e.synth.Synthesize(ctx, synth.Request{
		Timing:    timing,
		UserName:  user.Name,
		ToneGuide: e.toneGuide(ctx, user.ID),
	})
	if synthErr != nil {
		prompt.State = models.StateFailed
		prompt.LastError = synthErr.Error()
		prompt.ExpiresAt = notBefore.Add(models.DefaultPromptTTL)
		if err := e.store.CreatePrompt(ctx, prompt); err != nil {
			return nil, fmt.Errorf("failed to record synthesis failure: %w", err)
		}
		slog.Warn("Engine synthesis failed, prompt recorded terminally", "prompt_id", prompt.ID, "user_id", user.ID, "timing_type", timing.Type, "error", synthErr)
		return nil, nil
	}

	prompt.State = models.StatePending
	prompt.Content = result.Content
	prompt.ExpiresAt = notBefore.Add(result.TTL)

	if err := e.store.CreatePrompt(ctx, prompt); err != nil {
		if errors.Is(err, models.ErrDuplicateInFlight) {
			slog.Debug("Engine skipped duplicate in-flight prompt", "user_id", user.ID, "timing_type", timing.Type, "subject_id", prompt.SubjectID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to persist prompt: %w", err)
	}

	if err := e.dispatcher.Submit(ctx, prompt); err != nil {
		// The record exists; recovery or the reconcile sweep will move it.
		slog.Error("Engine failed to submit prompt", "prompt_id", prompt.ID, "error", err)
	}
	slog.Debug("Engine assembled prompt", "prompt_id", prompt.ID, "user_id", user.ID, "timing_type", timing.Type, "priority", timing.Priority)
	return prompt, nil
}

// RunExpirationSweep moves pending and queued prompts past their expiry to
// the expired state.
func (e *Engine) RunExpirationSweep(ctx context.Context) {
	n, err := e.store.ExpirePrompts(ctx, e.now())
	if err != nil {
		slog.Error("Engine.RunExpirationSweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Engine.RunExpirationSweep expired prompts", "count", n)
	}
}

// Recover restores the delivery pipeline after a restart: prompts that
// never reached the queue are submitted, stale deliveries are requeued, and
// everything due re-enters the heap.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.store.ListPromptsByState(ctx, models.StatePending)
	if err != nil {
		return fmt.Errorf("failed to list pending prompts: %w", err)
	}
	for _, p := range pending {
		if err := e.dispatcher.Submit(ctx, p); err != nil {
			slog.Error("Engine.Recover failed to queue pending prompt", "prompt_id", p.ID, "error", err)
		}
	}
	if err := e.dispatcher.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile delivery queue: %w", err)
	}
	slog.Info("Engine.Recover completed", "pending_requeued", len(pending))
	return nil
}

// Stats reports prompt counters, response rate, and current queue depth.
func (e *Engine) Stats(ctx context.Context) (*models.EngineStats, error) {
	stats, err := e.store.GetEngineStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine stats: %w", err)
	}
	stats.QueueDepth = e.dispatcher.QueueDepth()
	return stats, nil
}

// toneGuide renders the user's active tone tags into a synthesis guide.
// Profile errors cost the guide, never the prompt.
func (e *Engine) toneGuide(ctx context.Context, userID string) string {
	profile, err := e.store.GetToneProfile(ctx, userID)
	if err != nil {
		slog.Debug("Engine tone profile unavailable", "user_id", userID, "error", err)
		return ""
	}
	return tone.BuildToneGuide(tone.ActiveTags(profile))
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
