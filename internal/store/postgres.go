// Package store provides storage backends for CoachPipe.
//
// This file implements the PostgreSQL-backed store for multi-node deployments.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists prompts, users, and preferences in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// isPqUniqueViolation reports whether err is a Postgres unique constraint violation.
func isPqUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// rebind converts ?-style placeholders to Postgres $n placeholders so both
// SQL backends can share query text.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *PostgresStore) CreatePrompt(ctx context.Context, p *models.Prompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if p.State.IsInFlight() {
		// Pre-check the dedup rule for a clean error; the partial unique
		// index backstops races.
		var existingID string
		err := s.db.QueryRowContext(ctx, rebind(
			`SELECT id FROM prompts WHERE user_id = ? AND timing_type = ? AND subject_id = ?
			 AND state IN ('pending', 'queued', 'delivering') LIMIT 1`),
			p.UserID, p.TimingType, p.SubjectID).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore CreatePrompt found in-flight duplicate",
				"user_id", p.UserID, "timing_type", p.TimingType, "subject_id", p.SubjectID, "existing_id", existingID)
			return models.ErrDuplicateInFlight
		}
		if err != sql.ErrNoRows {
			slog.Error("PostgresStore CreatePrompt dedup check failed", "error", err, "user_id", p.UserID)
			return fmt.Errorf("failed to check in-flight prompts: %w", err)
		}
	}

	quickReplies, err := quickRepliesJSON(p.Content.QuickReplies)
	if err != nil {
		return err
	}
	metadata, err := metadataJSON(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, rebind(`INSERT INTO prompts (`+promptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.TimingType, p.Priority, p.State, p.Content.Title, p.Content.Body,
		quickReplies, p.Channel, p.SubjectID, metadata, p.ScheduledFor.UTC(), p.ExpiresAt.UTC(),
		nullableTime(p.DeliveredAt), nullableTime(p.RespondedAt), p.ResponseValue, p.ResponseAction,
		p.RetryCount, nullableTime(p.NextAttemptAt), p.LastError, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isPqUniqueViolation(err) {
			return models.ErrDuplicateInFlight
		}
		slog.Error("PostgresStore CreatePrompt failed", "error", err, "id", p.ID, "user_id", p.UserID)
		return fmt.Errorf("failed to insert prompt %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore CreatePrompt succeeded", "id", p.ID, "user_id", p.UserID,
		"timing_type", p.TimingType, "state", p.State)
	return nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	row := s.db.QueryRowContext(ctx, rebind(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`), id)
	p, err := scanPromptRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPrompt failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get prompt %s: %w", id, err)
	}
	return p, nil
}

// casUpdate runs a conditional update and reports whether exactly one row changed.
func (s *PostgresStore) casUpdate(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// promptExists distinguishes a missing prompt from a lost state race.
func (s *PostgresStore) promptExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, rebind(`SELECT 1 FROM prompts WHERE id = ?`), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) MarkQueued(ctx context.Context, id string) error {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'queued', updated_at = ? WHERE id = ? AND state = 'pending'`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore MarkQueued failed", "error", err, "id", id)
		return fmt.Errorf("failed to queue prompt %s: %w", id, err)
	}
	if !applied {
		exists, err := s.promptExists(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to check prompt %s: %w", id, err)
		}
		if !exists {
			return models.ErrPromptNotFound
		}
		return models.ErrInvalidTransition
	}
	slog.Debug("PostgresStore MarkQueued succeeded", "id", id)
	return nil
}

func (s *PostgresStore) ClaimForDelivery(ctx context.Context, id string) (bool, error) {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'delivering', updated_at = ? WHERE id = ? AND state = 'queued'`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore ClaimForDelivery failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to claim prompt %s: %w", id, err)
	}
	slog.Debug("PostgresStore ClaimForDelivery", "id", id, "claimed", applied)
	return applied, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id string, channel models.Channel, at time.Time) error {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'delivered', channel = ?, delivered_at = ?, next_attempt_at = NULL,
		 last_error = '', updated_at = ? WHERE id = ? AND state = 'delivering'`,
		channel, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore MarkDelivered failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark prompt %s delivered: %w", id, err)
	}
	if !applied {
		return models.ErrInvalidTransition
	}
	slog.Debug("PostgresStore MarkDelivered succeeded", "id", id, "channel", channel)
	return nil
}

func (s *PostgresStore) RequeueForRetry(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'queued', retry_count = retry_count + 1, next_attempt_at = ?,
		 last_error = ?, updated_at = ? WHERE id = ? AND state = 'delivering'`,
		nextAttemptAt.UTC(), errMsg, time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore RequeueForRetry failed", "error", err, "id", id)
		return fmt.Errorf("failed to requeue prompt %s: %w", id, err)
	}
	if !applied {
		return models.ErrInvalidTransition
	}
	slog.Debug("PostgresStore RequeueForRetry succeeded", "id", id, "next_attempt_at", nextAttemptAt)
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'failed', last_error = ?, updated_at = ?
		 WHERE id = ? AND state IN ('pending', 'queued', 'delivering')`,
		errMsg, time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore MarkFailed failed", "error", err, "id", id)
		return fmt.Errorf("failed to mark prompt %s failed: %w", id, err)
	}
	if !applied {
		return models.ErrInvalidTransition
	}
	slog.Debug("PostgresStore MarkFailed succeeded", "id", id, "last_error", errMsg)
	return nil
}

func (s *PostgresStore) MarkResponded(ctx context.Context, id string, value string, action models.ActionKind, at time.Time) (bool, error) {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'responded', response_value = ?, response_action = ?,
		 responded_at = ?, updated_at = ? WHERE id = ? AND state = 'delivered'`,
		value, action, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore MarkResponded failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark prompt %s responded: %w", id, err)
	}
	slog.Debug("PostgresStore MarkResponded", "id", id, "applied", applied, "action", action)
	return applied, nil
}

func (s *PostgresStore) CancelPrompt(ctx context.Context, id string) error {
	applied, err := s.casUpdate(ctx,
		`UPDATE prompts SET state = 'expired', updated_at = ?
		 WHERE id = ? AND state IN ('pending', 'queued')`,
		time.Now().UTC(), id)
	if err != nil {
		slog.Error("PostgresStore CancelPrompt failed", "error", err, "id", id)
		return fmt.Errorf("failed to cancel prompt %s: %w", id, err)
	}
	if !applied {
		exists, err := s.promptExists(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to check prompt %s: %w", id, err)
		}
		if !exists {
			return models.ErrPromptNotFound
		}
		return models.ErrInvalidTransition
	}
	slog.Debug("PostgresStore CancelPrompt succeeded", "id", id)
	return nil
}

func (s *PostgresStore) ExpirePrompts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, rebind(
		`UPDATE prompts SET state = 'expired', updated_at = ?
		 WHERE state IN ('pending', 'queued') AND expires_at <= ?`),
		time.Now().UTC(), now.UTC())
	if err != nil {
		slog.Error("PostgresStore ExpirePrompts failed", "error", err)
		return 0, fmt.Errorf("failed to expire prompts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("PostgresStore ExpirePrompts succeeded", "expired", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleDelivering(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, rebind(
		`UPDATE prompts SET state = 'queued', updated_at = ?
		 WHERE state = 'delivering' AND updated_at <= ?`),
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		slog.Error("PostgresStore RequeueStaleDelivering failed", "error", err)
		return 0, fmt.Errorf("failed to requeue stale deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("PostgresStore RequeueStaleDelivering succeeded", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ListPromptsByState(ctx context.Context, states ...models.PromptState) ([]*models.Prompt, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT `+promptColumns+` FROM prompts WHERE state IN (`+placeholders+`) ORDER BY created_at ASC`),
		args...)
	if err != nil {
		slog.Error("PostgresStore ListPromptsByState query failed", "error", err)
		return nil, fmt.Errorf("failed to query prompts by state: %w", err)
	}
	defer rows.Close()

	var prompts []*models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompt rows: %w", err)
	}
	return prompts, nil
}

func (s *PostgresStore) ListDeliveredPrompts(ctx context.Context, userID string) ([]*models.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT `+promptColumns+` FROM prompts WHERE user_id = ? AND state = 'delivered' ORDER BY delivered_at ASC`),
		userID)
	if err != nil {
		slog.Error("PostgresStore ListDeliveredPrompts query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query delivered prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompt rows: %w", err)
	}
	slog.Debug("PostgresStore ListDeliveredPrompts succeeded", "user_id", userID, "count", len(prompts))
	return prompts, nil
}

func (s *PostgresStore) CountActiveOrDeliveredSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, rebind(
		`SELECT COUNT(*) FROM prompts WHERE user_id = ?
		 AND (state IN ('pending', 'queued', 'delivering') OR (delivered_at IS NOT NULL AND delivered_at >= ?))`),
		userID, since.UTC()).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore CountActiveOrDeliveredSince failed", "error", err, "user_id", userID)
		return 0, fmt.Errorf("failed to count prompts: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) LastDeliveredAt(ctx context.Context, userID string) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, rebind(
		`SELECT delivered_at FROM prompts WHERE user_id = ? AND delivered_at IS NOT NULL
		 ORDER BY delivered_at DESC LIMIT 1`), userID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastDeliveredAt failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get last delivery time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

func (s *PostgresStore) RecentOutcomes(ctx context.Context, userID string, limit int) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT state FROM prompts WHERE user_id = ? AND delivered_at IS NOT NULL
		 ORDER BY delivered_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		slog.Error("PostgresStore RecentOutcomes query failed", "error", err, "user_id", userID)
		return 0, 0, fmt.Errorf("failed to query recent outcomes: %w", err)
	}
	defer rows.Close()

	delivered, responded := 0, 0
	for rows.Next() {
		var state models.PromptState
		if err := rows.Scan(&state); err != nil {
			return 0, 0, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		delivered++
		if state == models.StateResponded {
			responded++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate outcome rows: %w", err)
	}
	return delivered, responded, nil
}

func (s *PostgresStore) LastTimingAt(ctx context.Context, userID string, timingType models.TimingType, subjectID string) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, rebind(
		`SELECT created_at FROM prompts WHERE user_id = ? AND timing_type = ? AND subject_id = ?
		 ORDER BY created_at DESC LIMIT 1`), userID, timingType, subjectID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastTimingAt failed", "error", err, "user_id", userID, "timing_type", timingType)
		return nil, fmt.Errorf("failed to get last timing: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT id, name, phone, email, timezone, status, enrolled_at, created_at, updated_at
		 FROM users WHERE id = ?`), id)
	if err != nil {
		slog.Error("PostgresStore GetUser query failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query user %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanUser(rows)
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, email, timezone, status, enrolled_at, created_at, updated_at
		 FROM users WHERE status = 'active' ORDER BY id ASC`)
	if err != nil {
		slog.Error("PostgresStore ListActiveUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	slog.Debug("PostgresStore ListActiveUsers succeeded", "count", len(users))
	return users, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *models.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, rebind(
		`INSERT INTO users (id, name, phone, email, timezone, status, enrolled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone,
		 email = excluded.email, timezone = excluded.timezone, status = excluded.status,
		 enrolled_at = excluded.enrolled_at, updated_at = excluded.updated_at`),
		u.ID, u.Name, u.Phone, u.Email, u.Timezone, u.Status,
		nullableTime(&u.EnrolledAt), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	slog.Debug("PostgresStore SaveUser succeeded", "id", u.ID, "status", u.Status)
	return nil
}

func (s *PostgresStore) GetNotificationPreference(ctx context.Context, userID string) (*models.UserNotificationPreference, error) {
	var pref models.UserNotificationPreference
	var channels, timingTypes string
	err := s.db.QueryRowContext(ctx, rebind(
		`SELECT user_id, max_daily_prompts, min_interval_minutes, quiet_hours_start, quiet_hours_end,
		 timezone, enabled_channels, enabled_timing_types, updated_at
		 FROM notification_preferences WHERE user_id = ?`), userID).Scan(
		&pref.UserID, &pref.MaxDailyPrompts, &pref.MinIntervalMinutes, &pref.QuietHoursStart,
		&pref.QuietHoursEnd, &pref.Timezone, &channels, &timingTypes, &pref.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.DefaultNotificationPreference(userID), nil
	}
	if err != nil {
		slog.Error("PostgresStore GetNotificationPreference failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get preference for %s: %w", userID, err)
	}
	if channels != "" && channels != "[]" {
		if err := json.Unmarshal([]byte(channels), &pref.EnabledChannels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enabled channels: %w", err)
		}
	}
	if timingTypes != "" && timingTypes != "[]" {
		if err := json.Unmarshal([]byte(timingTypes), &pref.EnabledTimingTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enabled timing types: %w", err)
		}
	}
	return &pref, nil
}

func (s *PostgresStore) SaveNotificationPreference(ctx context.Context, pref *models.UserNotificationPreference) error {
	if pref.UserID == "" {
		return models.ErrEmptyUserID
	}
	channels, err := channelsJSON(pref.EnabledChannels)
	if err != nil {
		return err
	}
	timingTypes, err := timingTypesJSON(pref.EnabledTimingTypes)
	if err != nil {
		return err
	}
	pref.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO notification_preferences (user_id, max_daily_prompts, min_interval_minutes,
		 quiet_hours_start, quiet_hours_end, timezone, enabled_channels, enabled_timing_types, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET max_daily_prompts = excluded.max_daily_prompts,
		 min_interval_minutes = excluded.min_interval_minutes, quiet_hours_start = excluded.quiet_hours_start,
		 quiet_hours_end = excluded.quiet_hours_end, timezone = excluded.timezone,
		 enabled_channels = excluded.enabled_channels, enabled_timing_types = excluded.enabled_timing_types,
		 updated_at = excluded.updated_at`),
		pref.UserID, pref.MaxDailyPrompts, pref.MinIntervalMinutes, pref.QuietHoursStart,
		pref.QuietHoursEnd, pref.Timezone, channels, timingTypes, pref.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveNotificationPreference failed", "error", err, "user_id", pref.UserID)
		return fmt.Errorf("failed to save preference for %s: %w", pref.UserID, err)
	}
	slog.Debug("PostgresStore SaveNotificationPreference succeeded", "user_id", pref.UserID)
	return nil
}

func (s *PostgresStore) GetToneProfile(ctx context.Context, userID string) (map[string]float64, error) {
	var weights string
	err := s.db.QueryRowContext(ctx, rebind(
		`SELECT weights FROM tone_profiles WHERE user_id = ?`), userID).Scan(&weights)
	if err == sql.ErrNoRows {
		return map[string]float64{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetToneProfile failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to get tone profile for %s: %w", userID, err)
	}
	profile := make(map[string]float64)
	if weights != "" && weights != "{}" {
		if err := json.Unmarshal([]byte(weights), &profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tone weights: %w", err)
		}
	}
	return profile, nil
}

func (s *PostgresStore) SaveToneProfile(ctx context.Context, userID string, profile map[string]float64) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	weights, err := weightsJSON(profile)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO tone_profiles (user_id, weights, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET weights = excluded.weights, updated_at = excluded.updated_at`),
		userID, weights, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SaveToneProfile failed", "error", err, "user_id", userID)
		return fmt.Errorf("failed to save tone profile for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) GetEngineStats(ctx context.Context) (*models.EngineStats, error) {
	stats := &models.EngineStats{PromptsByState: make(map[models.PromptState]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM prompts GROUP BY state`)
	if err != nil {
		slog.Error("PostgresStore GetEngineStats query failed", "error", err)
		return nil, fmt.Errorf("failed to query prompt stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state models.PromptState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.PromptsByState[state] = count
		stats.TotalPrompts += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats rows: %w", err)
	}

	var deliveredEver int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompts WHERE delivered_at IS NOT NULL`).Scan(&deliveredEver); err != nil {
		return nil, fmt.Errorf("failed to count delivered prompts: %w", err)
	}
	if deliveredEver > 0 {
		stats.ResponseRate = float64(stats.PromptsByState[models.StateResponded]) / float64(deliveredEver)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = 'active'`).Scan(&stats.ActiveUsers); err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}
	return stats, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
