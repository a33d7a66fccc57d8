package models

import "time"

// HabitStatus summarizes one tracked habit inside a user snapshot.
type HabitStatus struct {
	HabitID         string     `json:"habit_id"`
	Name            string     `json:"name,omitempty"`
	MissedDays      int        `json:"missed_days"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

// UserSnapshot is the read-only activity view the detectors evaluate. It is
// fetched from the assistant's record store on each detection cycle and never
// persisted here.
type UserSnapshot struct {
	UserID             string        `json:"user_id"`
	LastConversationAt *time.Time    `json:"last_conversation_at,omitempty"`
	ActiveWindowStart  string        `json:"active_window_start,omitempty"` // "HH:MM" in the user's timezone
	ActiveWindowEnd    string        `json:"active_window_end,omitempty"`   // "HH:MM"
	Habits             []HabitStatus `json:"habits,omitempty"`
	LastProgressAt     *time.Time    `json:"last_progress_at,omitempty"`
	ProgressSummary    string        `json:"progress_summary,omitempty"` // free-form trend note for heuristics
}
