// Package gate implements admission control for coaching prompts.
//
// Every detected timing passes through one ordered chain of checks before a
// prompt may be created: preference opt-outs, quiet hours, the daily cap, the
// minimum interval, the engagement throttle, and per-type recurrence windows.
// The checks read persisted state only, so admission decisions are consistent
// across processes and restarts.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Throttle and recurrence constants.
const (
	// EngagementWindow is how many recent deliveries feed the response rate.
	EngagementWindow = 20
	// EngagementMinSample is the minimum deliveries before throttling applies.
	EngagementMinSample = 5
	// EngagementMinRate is the response rate below which only high-priority
	// prompts are admitted.
	EngagementMinRate = 0.3

	// RecurrenceHabitGap spaces habit-gap prompts per subject.
	RecurrenceHabitGap = 12 * time.Hour
	// RecurrenceProgressStall spaces progress-stall prompts.
	RecurrenceProgressStall = 48 * time.Hour
	// RecurrenceDefault spaces any other timing type.
	RecurrenceDefault = 6 * time.Hour
)

// Decision reports an admission outcome with the reason a timing was refused.
type Decision struct {
	Admitted bool
	Reason   string
}

func admitted() Decision {
	return Decision{Admitted: true}
}

func rejected(reason string) Decision {
	return Decision{Admitted: false, Reason: reason}
}

// Opts holds configuration options for the admission controller.
type Opts struct {
	Now func() time.Time // clock override for tests
}

// Option defines a configuration option for the admission controller.
type Option func(*Opts)

// WithClock overrides the controller's clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Controller evaluates admission checks against persisted prompt history.
type Controller struct {
	store store.Store
	now   func() time.Time
}

// NewController creates an admission controller backed by the given store.
func NewController(st store.Store, opts ...Option) *Controller {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{store: st, now: cfg.Now}
}

// Admit runs the ordered admission checks for a detected timing. Store
// failures are returned to the caller, which treats them as a rejection.
func (c *Controller) Admit(ctx context.Context, user *models.User, timing models.PromptTiming) (Decision, error) {
	pref, err := c.store.GetNotificationPreference(ctx, timing.UserID)
	if err != nil {
		return rejected("preference lookup failed"), fmt.Errorf("failed to load preference: %w", err)
	}

	loc := preferenceLocation(pref, user)
	now := c.now().In(loc)

	// Preference opt-out for the timing type.
	if !pref.TimingEnabled(timing.Type) {
		slog.Debug("Gate.Admit rejected: timing type disabled",
			"user_id", timing.UserID, "timing_type", timing.Type)
		return rejected("timing type disabled by preference"), nil
	}

	// Quiet hours, evaluated on the user-local clock.
	if inQuietHours(now, pref.QuietHoursStart, pref.QuietHoursEnd) {
		slog.Debug("Gate.Admit rejected: quiet hours",
			"user_id", timing.UserID, "timing_type", timing.Type,
			"local_time", now.Format("15:04"), "quiet_start", pref.QuietHoursStart, "quiet_end", pref.QuietHoursEnd)
		return rejected("inside quiet hours"), nil
	}

	// Daily cap. Applies to every priority, including high.
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	count, err := c.store.CountActiveOrDeliveredSince(ctx, timing.UserID, dayStart)
	if err != nil {
		return rejected("daily count lookup failed"), fmt.Errorf("failed to count daily prompts: %w", err)
	}
	if pref.MaxDailyPrompts > 0 && count >= pref.MaxDailyPrompts {
		slog.Debug("Gate.Admit rejected: daily cap reached",
			"user_id", timing.UserID, "timing_type", timing.Type, "count", count, "cap", pref.MaxDailyPrompts)
		return rejected("daily prompt cap reached"), nil
	}

	// Minimum interval since the last delivery.
	if pref.MinIntervalMinutes > 0 {
		last, err := c.store.LastDeliveredAt(ctx, timing.UserID)
		if err != nil {
			return rejected("last delivery lookup failed"), fmt.Errorf("failed to load last delivery: %w", err)
		}
		if last != nil {
			minInterval := time.Duration(pref.MinIntervalMinutes) * time.Minute
			if c.now().Sub(*last) < minInterval {
				slog.Debug("Gate.Admit rejected: minimum interval",
					"user_id", timing.UserID, "timing_type", timing.Type,
					"last_delivered_at", last, "min_interval_minutes", pref.MinIntervalMinutes)
				return rejected("minimum interval since last prompt not elapsed"), nil
			}
		}
	}

	// Engagement throttle: an ignoring user only receives high-priority prompts.
	if timing.Priority != models.PriorityHigh {
		delivered, responded, err := c.store.RecentOutcomes(ctx, timing.UserID, EngagementWindow)
		if err != nil {
			return rejected("engagement lookup failed"), fmt.Errorf("failed to load recent outcomes: %w", err)
		}
		if delivered >= EngagementMinSample {
			rate := float64(responded) / float64(delivered)
			if rate < EngagementMinRate {
				slog.Debug("Gate.Admit rejected: engagement throttle",
					"user_id", timing.UserID, "timing_type", timing.Type,
					"delivered", delivered, "responded", responded, "rate", rate)
				return rejected("engagement too low for non-high priority"), nil
			}
		}
	}

	// Per-type recurrence window, scoped by subject.
	lastTiming, err := c.store.LastTimingAt(ctx, timing.UserID, timing.Type, timing.SubjectID())
	if err != nil {
		return rejected("recurrence lookup failed"), fmt.Errorf("failed to load last timing: %w", err)
	}
	if lastTiming != nil {
		if timing.Type == models.TimingDailyCheckin {
			lastLocal := lastTiming.In(loc)
			if lastLocal.Year() == now.Year() && lastLocal.YearDay() == now.YearDay() {
				slog.Debug("Gate.Admit rejected: daily check-in already sent today",
					"user_id", timing.UserID, "last_timing_at", lastTiming)
				return rejected("daily check-in already created today"), nil
			}
		} else {
			window := recurrenceWindow(timing.Type)
			if c.now().Sub(*lastTiming) < window {
				slog.Debug("Gate.Admit rejected: recurrence window",
					"user_id", timing.UserID, "timing_type", timing.Type,
					"subject_id", timing.SubjectID(), "last_timing_at", lastTiming, "window", window)
				return rejected("recurrence window not elapsed"), nil
			}
		}
	}

	slog.Debug("Gate.Admit admitted timing",
		"user_id", timing.UserID, "timing_type", timing.Type, "priority", timing.Priority)
	return admitted(), nil
}

// recurrenceWindow returns the minimum spacing between prompts of a type.
func recurrenceWindow(t models.TimingType) time.Duration {
	switch t {
	case models.TimingHabitGap:
		return RecurrenceHabitGap
	case models.TimingProgressStall:
		return RecurrenceProgressStall
	default:
		return RecurrenceDefault
	}
}

// preferenceLocation resolves the timezone for user-local checks, preferring
// the notification preference and falling back to the user record.
func preferenceLocation(pref *models.UserNotificationPreference, user *models.User) *time.Location {
	if pref.Timezone != "" {
		return pref.Location()
	}
	if user != nil && user.Timezone != "" {
		if loc, err := time.LoadLocation(user.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// inQuietHours reports whether the local time falls inside the quiet window.
// Windows may wrap past midnight; a malformed or empty window never matches.
func inQuietHours(now time.Time, startHHMM, endHHMM string) bool {
	start, ok := parseClock(startHHMM)
	if !ok {
		return false
	}
	end, ok := parseClock(endHHMM)
	if !ok {
		return false
	}
	if start == end {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	// Wraps midnight, e.g. 22:00-08:00.
	return cur >= start || cur < end
}

// parseClock parses "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
