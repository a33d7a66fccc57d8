package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// promptColumns is the canonical column list shared by prompt queries. Scan
// helpers below depend on this ordering.
const promptColumns = `id, user_id, timing_type, priority, state, title, body, quick_replies,
	channel, subject_id, metadata, scheduled_for, expires_at, delivered_at, responded_at,
	response_value, response_action, retry_count, next_attempt_at, last_error, created_at, updated_at`

// nullableTime converts an optional time into a driver-friendly value for
// nullable columns.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// quickRepliesJSON encodes quick replies for storage. Nil encodes as an empty list.
func quickRepliesJSON(qr []models.QuickReply) (string, error) {
	if len(qr) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(qr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal quick replies: %w", err)
	}
	return string(b), nil
}

// metadataJSON encodes prompt metadata for storage. Nil encodes as an empty object.
func metadataJSON(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

// channelsJSON encodes a channel opt-in list for storage.
func channelsJSON(cs []models.Channel) (string, error) {
	if len(cs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal channels: %w", err)
	}
	return string(b), nil
}

// timingTypesJSON encodes a timing type opt-in list for storage.
func timingTypesJSON(ts []models.TimingType) (string, error) {
	if len(ts) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal timing types: %w", err)
	}
	return string(b), nil
}

// weightsJSON encodes tone weights for storage.
func weightsJSON(w map[string]float64) (string, error) {
	if len(w) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tone weights: %w", err)
	}
	return string(b), nil
}

// decodePromptJSON unpacks the JSON columns and nullable timestamps scanned
// from a prompt row.
func decodePromptJSON(p *models.Prompt, quickReplies, metadata string, deliveredAt, respondedAt, nextAttemptAt sql.NullTime) error {
	if quickReplies != "" && quickReplies != "[]" {
		if err := json.Unmarshal([]byte(quickReplies), &p.Content.QuickReplies); err != nil {
			return fmt.Errorf("failed to unmarshal quick replies: %w", err)
		}
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		p.DeliveredAt = &t
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		p.RespondedAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		p.NextAttemptAt = &t
	}
	return nil
}

// scanPrompt scans a prompt from sql.Rows.
func scanPrompt(rows *sql.Rows) (*models.Prompt, error) {
	var p models.Prompt
	var quickReplies, metadata string
	var deliveredAt, respondedAt, nextAttemptAt sql.NullTime
	err := rows.Scan(
		&p.ID, &p.UserID, &p.TimingType, &p.Priority, &p.State, &p.Content.Title, &p.Content.Body,
		&quickReplies, &p.Channel, &p.SubjectID, &metadata, &p.ScheduledFor, &p.ExpiresAt,
		&deliveredAt, &respondedAt, &p.ResponseValue, &p.ResponseAction, &p.RetryCount,
		&nextAttemptAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan prompt failed: %w", err)
	}
	if err := decodePromptJSON(&p, quickReplies, metadata, deliveredAt, respondedAt, nextAttemptAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// scanPromptRow scans a prompt from a single sql.Row.
func scanPromptRow(row *sql.Row) (*models.Prompt, error) {
	var p models.Prompt
	var quickReplies, metadata string
	var deliveredAt, respondedAt, nextAttemptAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserID, &p.TimingType, &p.Priority, &p.State, &p.Content.Title, &p.Content.Body,
		&quickReplies, &p.Channel, &p.SubjectID, &metadata, &p.ScheduledFor, &p.ExpiresAt,
		&deliveredAt, &respondedAt, &p.ResponseValue, &p.ResponseAction, &p.RetryCount,
		&nextAttemptAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodePromptJSON(&p, quickReplies, metadata, deliveredAt, respondedAt, nextAttemptAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// scanUser scans a user from sql.Rows.
func scanUser(rows *sql.Rows) (*models.User, error) {
	var u models.User
	var enrolledAt sql.NullTime
	err := rows.Scan(&u.ID, &u.Name, &u.Phone, &u.Email, &u.Timezone, &u.Status,
		&enrolledAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan user failed: %w", err)
	}
	if enrolledAt.Valid {
		u.EnrolledAt = enrolledAt.Time
	}
	return &u, nil
}
