// Package store provides storage backends for CoachPipe.
//
// It defines the Store interface over prompt records, users, and
// notification preferences, with SQLite, PostgreSQL, and in-memory
// implementations. Prompt state changes go through guarded conditional
// updates so concurrent workers and duplicate replies cannot corrupt the
// lifecycle.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string. File paths select SQLite;
	// postgres:// URLs and key=value strings select PostgreSQL.
	DSN string
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// IsPostgresDSN reports whether the DSN selects the PostgreSQL backend.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Store is the persistence interface for the coaching engine. Methods that
// move prompts between states are conditional updates keyed on the current
// state; they return models.ErrInvalidTransition (or a false claimed flag)
// when another actor got there first.
type Store interface {
	// CreatePrompt persists a new prompt. When the prompt enters in an
	// in-flight state and another in-flight prompt exists for the same
	// (user, timing type, subject), it returns models.ErrDuplicateInFlight.
	CreatePrompt(ctx context.Context, p *models.Prompt) error

	// GetPrompt returns the prompt with the given ID, or nil if not found.
	GetPrompt(ctx context.Context, id string) (*models.Prompt, error)

	// MarkQueued transitions pending -> queued.
	MarkQueued(ctx context.Context, id string) error

	// ClaimForDelivery transitions queued -> delivering. The claimed flag is
	// false when the prompt was not in queued state (lost race, cancelled).
	ClaimForDelivery(ctx context.Context, id string) (bool, error)

	// MarkDelivered transitions delivering -> delivered, recording the
	// channel and delivery time. The channel is never mutated afterwards.
	MarkDelivered(ctx context.Context, id string, channel models.Channel, at time.Time) error

	// RequeueForRetry transitions delivering -> queued after a failed
	// attempt, incrementing the retry counter and recording when the next
	// attempt may run.
	RequeueForRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// MarkFailed transitions any in-flight state -> failed with the error recorded.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// MarkResponded transitions delivered -> responded, recording the reply.
	// The applied flag is false when the prompt was no longer in delivered
	// state, which makes duplicate replies detectable.
	MarkResponded(ctx context.Context, id string, value string, action models.ActionKind, at time.Time) (bool, error)

	// CancelPrompt transitions pending or queued -> expired.
	CancelPrompt(ctx context.Context, id string) error

	// ExpirePrompts transitions every pending or queued prompt whose
	// expires_at has passed to expired, returning how many were expired.
	ExpirePrompts(ctx context.Context, now time.Time) (int, error)

	// RequeueStaleDelivering resets prompts stuck in delivering since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleDelivering(ctx context.Context, staleBefore time.Time) (int, error)

	// ListPromptsByState returns prompts in any of the given states, oldest first.
	ListPromptsByState(ctx context.Context, states ...models.PromptState) ([]*models.Prompt, error)

	// ListDeliveredPrompts returns a user's prompts still awaiting a
	// response, oldest first. Clients refetch these after reconnecting.
	ListDeliveredPrompts(ctx context.Context, userID string) ([]*models.Prompt, error)

	// CountActiveOrDeliveredSince counts a user's prompts that were either
	// delivered at/after since or are currently in flight. The admission
	// gate uses it for the daily cap.
	CountActiveOrDeliveredSince(ctx context.Context, userID string, since time.Time) (int, error)

	// LastDeliveredAt returns when the user last received a prompt, or nil.
	LastDeliveredAt(ctx context.Context, userID string) (*time.Time, error)

	// RecentOutcomes reports, over the user's last limit delivered prompts,
	// how many were delivered and how many of those were responded to.
	RecentOutcomes(ctx context.Context, userID string, limit int) (delivered, responded int, err error)

	// LastTimingAt returns when a prompt was last created for the exact
	// (user, timing type, subject) tuple, or nil.
	LastTimingAt(ctx context.Context, userID string, timingType models.TimingType, subjectID string) (*time.Time, error)

	// GetUser returns the user with the given ID, or nil if not found.
	GetUser(ctx context.Context, id string) (*models.User, error)

	// ListActiveUsers returns every user eligible for proactive coaching.
	ListActiveUsers(ctx context.Context) ([]*models.User, error)

	// SaveUser inserts or updates a directory entry.
	SaveUser(ctx context.Context, u *models.User) error

	// GetNotificationPreference returns the user's delivery settings,
	// falling back to defaults when none are stored.
	GetNotificationPreference(ctx context.Context, userID string) (*models.UserNotificationPreference, error)

	// SaveNotificationPreference inserts or updates delivery settings.
	SaveNotificationPreference(ctx context.Context, pref *models.UserNotificationPreference) error

	// GetToneProfile returns the user's smoothed coaching tone weights.
	// Missing profiles return an empty map.
	GetToneProfile(ctx context.Context, userID string) (map[string]float64, error)

	// SaveToneProfile inserts or updates the user's tone weights.
	SaveToneProfile(ctx context.Context, userID string, profile map[string]float64) error

	// GetEngineStats summarizes prompt counts by state and the overall response rate.
	GetEngineStats(ctx context.Context) (*models.EngineStats, error)

	// Close releases the underlying database resources.
	Close() error
}
