package models

import (
	"errors"
	"time"
)

// UserStatus represents the engagement status of a tracked user.
type UserStatus string

const (
	// UserStatusActive indicates the user is actively tracked and eligible for coaching.
	UserStatusActive UserStatus = "active"
	// UserStatusPaused indicates the user paused coaching; detectors skip them.
	UserStatusPaused UserStatus = "paused"
	// UserStatusWithdrawn indicates the user left the program.
	UserStatusWithdrawn UserStatus = "withdrawn"
)

// User is a directory entry for a tracked user. The engine reads it for the
// active-user scan and for SMS and email contact details; account management
// itself lives outside this service.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	Timezone   string     `json:"timezone,omitempty"` // e.g., "America/New_York"
	Status     UserStatus `json:"status"`
	EnrolledAt time.Time  `json:"enrolled_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate performs validation on a User structure.
func (u *User) Validate() error {
	if u.ID == "" {
		return ErrEmptyUserID
	}
	if u.Timezone != "" {
		if _, err := time.LoadLocation(u.Timezone); err != nil {
			return errors.New("invalid timezone")
		}
	}
	return nil
}

// Default notification preference values applied when a user has not set
// their own.
const (
	// DefaultMaxDailyPrompts caps deliveries per user-local calendar day.
	DefaultMaxDailyPrompts = 3
	// DefaultMinIntervalMinutes spaces prompts apart within a day.
	DefaultMinIntervalMinutes = 120
	// DefaultQuietHoursStart begins the nightly no-delivery window.
	DefaultQuietHoursStart = "22:00"
	// DefaultQuietHoursEnd ends the nightly no-delivery window.
	DefaultQuietHoursEnd = "08:00"
)

// UserNotificationPreference holds per-user delivery settings. The engine
// treats it as read-only; preference management belongs to the assistant's
// settings surface.
type UserNotificationPreference struct {
	UserID             string       `json:"user_id"`
	MaxDailyPrompts    int          `json:"max_daily_prompts"`
	MinIntervalMinutes int          `json:"min_interval_minutes"`
	QuietHoursStart    string       `json:"quiet_hours_start"` // "HH:MM", may wrap past midnight
	QuietHoursEnd      string       `json:"quiet_hours_end"`   // "HH:MM"
	Timezone           string       `json:"timezone,omitempty"`
	EnabledChannels    []Channel    `json:"enabled_channels,omitempty"`     // empty means all channels
	EnabledTimingTypes []TimingType `json:"enabled_timing_types,omitempty"` // empty means all types
	UpdatedAt          time.Time    `json:"updated_at"`
}

// DefaultNotificationPreference returns the preference applied to users who
// have not configured their own.
func DefaultNotificationPreference(userID string) *UserNotificationPreference {
	return &UserNotificationPreference{
		UserID:             userID,
		MaxDailyPrompts:    DefaultMaxDailyPrompts,
		MinIntervalMinutes: DefaultMinIntervalMinutes,
		QuietHoursStart:    DefaultQuietHoursStart,
		QuietHoursEnd:      DefaultQuietHoursEnd,
	}
}

// ChannelEnabled reports whether the user accepts delivery on the channel.
// An empty channel list opts in to everything.
func (p *UserNotificationPreference) ChannelEnabled(c Channel) bool {
	if len(p.EnabledChannels) == 0 {
		return true
	}
	for _, ec := range p.EnabledChannels {
		if ec == c {
			return true
		}
	}
	return false
}

// TimingEnabled reports whether the user accepts prompts of the timing type.
// An empty type list opts in to everything.
func (p *UserNotificationPreference) TimingEnabled(t TimingType) bool {
	if len(p.EnabledTimingTypes) == 0 {
		return true
	}
	for _, et := range p.EnabledTimingTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Location resolves the user's timezone, falling back to UTC when unset or
// unparseable.
func (p *UserNotificationPreference) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EngineStats summarizes prompt activity for the stats endpoint.
type EngineStats struct {
	TotalPrompts   int                 `json:"total_prompts"`
	PromptsByState map[PromptState]int `json:"prompts_by_state"`
	ResponseRate   float64             `json:"response_rate"`
	ActiveUsers    int                 `json:"active_users"`
	QueueDepth     int                 `json:"queue_depth"`
}
