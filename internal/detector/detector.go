// Package detector scans user activity snapshots for coaching opportunities.
//
// Each detection cycle evaluates a set of rule predicates per active user and
// optionally consults a GenAI heuristic. Candidates are merged, deduplicated
// by timing type, and truncated before the admission gate sees them. The
// detector is read-only: it mutates no persisted state.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Detection thresholds.
const (
	// MaxCandidatesPerUser caps how many timings one cycle may emit per user.
	MaxCandidatesPerUser = 3
	// HabitGapMinMissedDays is the consecutive-miss count that fires habit_gap.
	HabitGapMinMissedDays = 2
	// ProgressStallAfter is how long without measurable progress fires
	// progress_stall.
	ProgressStallAfter = 72 * time.Hour

	dailyCheckinConfidence  = 0.6
	progressStallConfidence = 0.5
	habitGapBaseConfidence  = 0.5
	habitGapPerDayBoost     = 0.1
	habitGapMaxConfidence   = 0.95
)

// SnapshotSource provides the read-only activity view the rules evaluate.
// The assistant's record store implements it; a nil snapshot with a nil error
// means no data is available for the user and the user is skipped.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (*models.UserSnapshot, error)
}

// Heuristic proposes additional timing candidates beyond the fixed rules.
type Heuristic interface {
	Propose(ctx context.Context, user *models.User, snap *models.UserSnapshot) ([]models.PromptTiming, error)
}

// Opts holds configuration options for the detector.
type Opts struct {
	Heuristic Heuristic
	Now       func() time.Time
}

// Option defines a configuration option for the detector.
type Option func(*Opts)

// WithHeuristic wires an additional heuristic detector alongside the rules.
func WithHeuristic(h Heuristic) Option {
	return func(o *Opts) { o.Heuristic = h }
}

// WithClock overrides the detector's clock.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Detector evaluates rule predicates over user snapshots.
type Detector struct {
	source    SnapshotSource
	heuristic Heuristic
	now       func() time.Time
}

// NewDetector creates a detector reading from the given snapshot source.
func NewDetector(source SnapshotSource, opts ...Option) *Detector {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{source: source, heuristic: cfg.Heuristic, now: cfg.Now}
}

// DetectForUser evaluates all rules for one user and returns the merged,
// truncated candidate list. A nil snapshot skips the user without error.
func (d *Detector) DetectForUser(ctx context.Context, user *models.User) ([]models.PromptTiming, error) {
	snap, err := d.source.Snapshot(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if snap == nil {
		slog.Debug("Detector.DetectForUser skipping user without snapshot", "user_id", user.ID)
		return nil, nil
	}

	candidates := d.ruleCandidates(user, snap)
	if d.heuristic != nil {
		proposed, err := d.heuristic.Propose(ctx, user, snap)
		if err != nil {
			return nil, fmt.Errorf("heuristic detection failed: %w", err)
		}
		for _, timing := range proposed {
			timing.UserID = user.ID
			if err := timing.Validate(); err != nil {
				slog.Debug("Detector.DetectForUser dropping invalid heuristic candidate",
					"user_id", user.ID, "timing_type", timing.Type, "error", err)
				continue
			}
			candidates = append(candidates, timing)
		}
	}

	merged := mergeCandidates(candidates)
	slog.Debug("Detector.DetectForUser evaluated user",
		"user_id", user.ID, "raw_candidates", len(candidates), "emitted", len(merged))
	return merged, nil
}

// DetectBatch runs detection across users. A single user's failure is logged
// and skipped; it never aborts the batch.
func (d *Detector) DetectBatch(ctx context.Context, users []*models.User) []models.PromptTiming {
	var out []models.PromptTiming
	for _, user := range users {
		timings, err := d.DetectForUser(ctx, user)
		if err != nil {
			slog.Error("Detector.DetectBatch user detection failed", "user_id", user.ID, "error", err)
			continue
		}
		out = append(out, timings...)
	}
	return out
}

// ruleCandidates evaluates the fixed rule predicates against a snapshot.
func (d *Detector) ruleCandidates(user *models.User, snap *models.UserSnapshot) []models.PromptTiming {
	var out []models.PromptTiming
	loc := userLocation(user)
	now := d.now().In(loc)

	// No conversation yet today while the user is normally active.
	noConversationToday := snap.LastConversationAt == nil ||
		!sameLocalDay(snap.LastConversationAt.In(loc), now)
	if noConversationToday && withinActiveWindow(now, snap.ActiveWindowStart, snap.ActiveWindowEnd) {
		out = append(out, models.PromptTiming{
			Type:       models.TimingDailyCheckin,
			UserID:     user.ID,
			Priority:   models.PriorityMedium,
			Confidence: dailyCheckinConfidence,
		})
	}

	// A tracked habit with consecutive missed days. Confidence grows with the
	// gap length.
	for _, habit := range snap.Habits {
		if habit.MissedDays < HabitGapMinMissedDays {
			continue
		}
		confidence := math.Min(habitGapBaseConfidence+habitGapPerDayBoost*float64(habit.MissedDays), habitGapMaxConfidence)
		out = append(out, models.PromptTiming{
			Type:       models.TimingHabitGap,
			UserID:     user.ID,
			Priority:   models.PriorityHigh,
			Confidence: confidence,
			Metadata: map[string]string{
				models.MetadataSubjectID:  habit.HabitID,
				models.MetadataHabitName:  habit.Name,
				models.MetadataMissedDays: strconv.Itoa(habit.MissedDays),
			},
		})
	}

	// Measurable progress has flatlined.
	if snap.LastProgressAt == nil || d.now().Sub(*snap.LastProgressAt) >= ProgressStallAfter {
		out = append(out, models.PromptTiming{
			Type:       models.TimingProgressStall,
			UserID:     user.ID,
			Priority:   models.PriorityLow,
			Confidence: progressStallConfidence,
		})
	}

	return out
}

// mergeCandidates deduplicates by timing type (keeping the highest priority,
// then the highest confidence), orders by priority then confidence, and
// truncates to MaxCandidatesPerUser.
func mergeCandidates(candidates []models.PromptTiming) []models.PromptTiming {
	best := make(map[models.TimingType]models.PromptTiming)
	for _, c := range candidates {
		cur, ok := best[c.Type]
		if !ok {
			best[c.Type] = c
			continue
		}
		if c.Priority.Rank() < cur.Priority.Rank() ||
			(c.Priority.Rank() == cur.Priority.Rank() && c.Confidence > cur.Confidence) {
			best[c.Type] = c
		}
	}

	out := make([]models.PromptTiming, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > MaxCandidatesPerUser {
		out = out[:MaxCandidatesPerUser]
	}
	return out
}

// userLocation resolves the user's timezone, falling back to UTC.
func userLocation(user *models.User) *time.Location {
	if user == nil || user.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func sameLocalDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// withinActiveWindow reports whether the local time falls inside the user's
// historical active window. An absent or malformed window means always
// active; windows may wrap past midnight.
func withinActiveWindow(now time.Time, startHHMM, endHHMM string) bool {
	start, ok := parseClockMinutes(startHHMM)
	if !ok {
		return true
	}
	end, ok := parseClockMinutes(endHHMM)
	if !ok {
		return true
	}
	if start == end {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// parseClockMinutes parses "HH:MM" to minutes since midnight.
func parseClockMinutes(s string) (int, bool) {
	if len(s) < 4 {
		return 0, false
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
