// Package models defines the core data structures for CoachPipe.
//
// It includes prompt timings, durable prompt records with their lifecycle
// states, reply types, and the API response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// Priority indicates how urgently a coaching prompt should be delivered.
type Priority string

const (
	// PriorityHigh marks prompts that should be delivered ahead of everything else.
	PriorityHigh Priority = "high"
	// PriorityMedium marks routine coaching prompts.
	PriorityMedium Priority = "medium"
	// PriorityLow marks prompts that can wait behind other traffic.
	PriorityLow Priority = "low"
)

// Rank returns the queue ordering rank for the priority. Lower ranks are
// dequeued first. Unknown priorities rank behind low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// IsValidPriority checks if the given priority is supported.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// TimingType identifies the coaching opportunity a detector recognized.
type TimingType string

const (
	// TimingDailyCheckin fires when a user has not interacted today during their active window.
	TimingDailyCheckin TimingType = "daily_checkin"
	// TimingHabitGap fires when a tracked habit has consecutive missed days.
	TimingHabitGap TimingType = "habit_gap"
	// TimingProgressStall fires when measured progress has flatlined.
	TimingProgressStall TimingType = "progress_stall"
)

// Metadata keys the detectors populate on timings and prompts.
const (
	// MetadataSubjectID is the metadata key carrying the entity a timing
	// refers to, such as a habit ID. It scopes the in-flight deduplication
	// rule.
	MetadataSubjectID = "subject_id"
	// MetadataHabitName carries the display name of the habit behind a
	// habit-gap timing.
	MetadataHabitName = "habit_name"
	// MetadataMissedDays carries the consecutive missed-day count as text.
	MetadataMissedDays = "missed_days"
	// MetadataReason carries a short human-readable note on why a timing
	// fired, surfaced to the synthesizer.
	MetadataReason = "reason"
)

// PromptTiming is an ephemeral detection result. It carries everything the
// admission gate and the content synthesizer need and is never persisted.
type PromptTiming struct {
	Type       TimingType        `json:"type"`
	UserID     string            `json:"user_id"`
	Priority   Priority          `json:"priority"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubjectID returns the subject this timing refers to, or "" when the timing
// is not scoped to a particular entity.
func (t *PromptTiming) SubjectID() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[MetadataSubjectID]
}

// Validate performs validation on a PromptTiming structure.
func (t *PromptTiming) Validate() error {
	if t.UserID == "" {
		return ErrEmptyUserID
	}
	if t.Type == "" {
		return ErrEmptyTimingType
	}
	if !IsValidPriority(t.Priority) {
		return ErrInvalidPriority
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return ErrConfidenceOutOfRange
	}
	return nil
}

// PromptState represents the lifecycle state of a durable prompt record.
type PromptState string

const (
	// StatePending indicates the prompt is created but not yet queued for delivery.
	StatePending PromptState = "pending"
	// StateQueued indicates the prompt is waiting in the delivery queue.
	StateQueued PromptState = "queued"
	// StateDelivering indicates a worker is actively attempting delivery.
	StateDelivering PromptState = "delivering"
	// StateDelivered indicates the prompt reached the user and awaits a response.
	StateDelivered PromptState = "delivered"
	// StateResponded indicates the user replied to the prompt.
	StateResponded PromptState = "responded"
	// StateExpired indicates the prompt aged out or was cancelled before delivery.
	StateExpired PromptState = "expired"
	// StateFailed indicates delivery or synthesis failed permanently.
	StateFailed PromptState = "failed"
)

// IsValidPromptState checks if the given state is supported.
func IsValidPromptState(s PromptState) bool {
	switch s {
	case StatePending, StateQueued, StateDelivering, StateDelivered,
		StateResponded, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state permits no further transitions.
func (s PromptState) IsTerminal() bool {
	switch s {
	case StateResponded, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// IsInFlight reports whether a prompt in this state still counts against the
// one-prompt-per-subject deduplication rule.
func (s PromptState) IsInFlight() bool {
	switch s {
	case StatePending, StateQueued, StateDelivering:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. Transitions are forward-only with one exception: delivering moves
// back to queued when a delivery attempt fails and will be retried.
func (s PromptState) CanTransitionTo(next PromptState) bool {
	switch s {
	case StatePending:
		return next == StateQueued || next == StateExpired || next == StateFailed
	case StateQueued:
		return next == StateDelivering || next == StateExpired || next == StateFailed
	case StateDelivering:
		return next == StateDelivered || next == StateQueued || next == StateFailed
	case StateDelivered:
		return next == StateResponded || next == StateExpired
	default:
		return false
	}
}

// Channel identifies a delivery channel for coaching prompts.
type Channel string

const (
	// ChannelPush delivers over a live in-app connection.
	ChannelPush Channel = "push"
	// ChannelSMS delivers as a text message.
	ChannelSMS Channel = "sms"
	// ChannelEmail delivers as an email.
	ChannelEmail Channel = "email"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxPromptTitleLength defines the maximum allowed length for prompt titles
	MaxPromptTitleLength = 200
	// MaxPromptBodyLength defines the maximum allowed length for prompt body content
	MaxPromptBodyLength = 4096
	// MaxQuickReplyCount defines the maximum number of quick replies on a prompt
	MaxQuickReplyCount = 5
	// MaxQuickReplyTextLength defines the maximum allowed length for quick reply labels
	MaxQuickReplyTextLength = 100
	// MaxResponseValueLength defines the maximum allowed length for a reply value
	MaxResponseValueLength = 1000
	// DefaultPromptTTL is how long an undelivered prompt stays deliverable
	DefaultPromptTTL = 24 * time.Hour
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID          = errors.New("user id cannot be empty")
	ErrEmptyTimingType      = errors.New("timing type cannot be empty")
	ErrInvalidPriority      = errors.New("invalid priority")
	ErrConfidenceOutOfRange = errors.New("confidence must be between 0 and 1")
	ErrInvalidPromptState   = errors.New("invalid prompt state")
	ErrInvalidChannel       = errors.New("invalid channel")
	ErrEmptyBody            = errors.New("prompt body cannot be empty")
	ErrTitleTooLong         = errors.New("prompt title exceeds maximum length")
	ErrBodyTooLong          = errors.New("prompt body exceeds maximum length")
	ErrTooManyQuickReplies  = errors.New("too many quick replies")
	ErrEmptyQuickReplyText  = errors.New("quick reply text cannot be empty")
	ErrQuickReplyTooLong    = errors.New("quick reply text exceeds maximum length")
	ErrEmptyPromptID        = errors.New("prompt id cannot be empty")
	ErrResponseTooLong      = errors.New("response value exceeds maximum length")

	// ErrPromptNotFound indicates the referenced prompt does not exist.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrPromptOwnership indicates the reply sender does not own the prompt.
	ErrPromptOwnership = errors.New("prompt belongs to a different user")
	// ErrStalePrompt indicates the prompt is no longer awaiting a response.
	ErrStalePrompt = errors.New("prompt is not awaiting a response")
	// ErrDuplicateInFlight indicates an in-flight prompt already exists for
	// the same user, timing type, and subject.
	ErrDuplicateInFlight = errors.New("an in-flight prompt already exists for this subject")
	// ErrInvalidTransition indicates a prompt state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid prompt state transition")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// QuickReply is a suggested one-tap response rendered with a prompt.
type QuickReply struct {
	Text     string `json:"text"`
	Value    string `json:"value"`
	NextStep string `json:"next_step,omitempty"` // hints the follow-up timing type
}

// PromptContent is the synthesized message shown to the user.
type PromptContent struct {
	Title        string       `json:"title,omitempty"`
	Body         string       `json:"body"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
}

// Validate performs validation on synthesized prompt content.
func (c *PromptContent) Validate() error {
	if c.Body == "" {
		return ErrEmptyBody
	}
	if len(c.Body) > MaxPromptBodyLength {
		return ErrBodyTooLong
	}
	if len(c.Title) > MaxPromptTitleLength {
		return ErrTitleTooLong
	}
	if len(c.QuickReplies) > MaxQuickReplyCount {
		return ErrTooManyQuickReplies
	}
	for _, qr := range c.QuickReplies {
		if qr.Text == "" {
			return ErrEmptyQuickReplyText
		}
		if len(qr.Text) > MaxQuickReplyTextLength {
			return ErrQuickReplyTooLong
		}
	}
	return nil
}

// Prompt is the durable unit of proactive coaching. It is created after a
// timing passes the admission gate and content synthesis succeeds, and is
// mutated only through guarded state transitions.
type Prompt struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	TimingType TimingType    `json:"timing_type"`
	Priority   Priority      `json:"priority"`
	State      PromptState   `json:"state"`
	Content    PromptContent `json:"content"`

	// Channel is set once at successful dispatch and never mutated afterward.
	Channel Channel `json:"channel,omitempty"`

	// SubjectID duplicates Metadata["subject_id"] so stores can enforce the
	// in-flight deduplication rule without unpacking metadata.
	SubjectID string            `json:"subject_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`

	ResponseValue  string     `json:"response_value,omitempty"`
	ResponseAction ActionKind `json:"response_action,omitempty"`

	// Durable retry bookkeeping. NextAttemptAt gates redelivery so retry
	// schedules survive process restarts.
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs comprehensive validation on a Prompt structure.
func (p *Prompt) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.TimingType == "" {
		return ErrEmptyTimingType
	}
	if !IsValidPriority(p.Priority) {
		return ErrInvalidPriority
	}
	if !IsValidPromptState(p.State) {
		return ErrInvalidPromptState
	}
	if p.Channel != "" && !IsValidChannel(p.Channel) {
		return ErrInvalidChannel
	}
	// Prompts recorded as failed synthesis carry no content.
	if p.State == StateFailed && p.Content.Body == "" {
		return nil
	}
	return p.Content.Validate()
}

// ActionKind classifies what a user reply asks the system to do. The set is
// closed; unrecognized values parse to ActionUnknown.
type ActionKind string

const (
	// ActionCompleteHabit marks the referenced habit as completed.
	ActionCompleteHabit ActionKind = "complete_habit"
	// ActionSnooze asks for the same nudge again later.
	ActionSnooze ActionKind = "snooze"
	// ActionSkip declines the nudge without consequence.
	ActionSkip ActionKind = "skip"
	// ActionLogProgress records a progress measurement from the reply value.
	ActionLogProgress ActionKind = "log_progress"
	// ActionDismiss acknowledges the prompt with no side effect.
	ActionDismiss ActionKind = "dismiss"
	// ActionUnknown is the fallback for unrecognized actions.
	ActionUnknown ActionKind = "unknown"
)

// ParseActionKind maps a wire string to an ActionKind, falling back to
// ActionUnknown rather than failing.
func ParseActionKind(s string) ActionKind {
	switch ActionKind(s) {
	case ActionCompleteHabit, ActionSnooze, ActionSkip, ActionLogProgress, ActionDismiss:
		return ActionKind(s)
	default:
		return ActionUnknown
	}
}

// Reply is an incoming user response to a delivered prompt.
type Reply struct {
	PromptID  string    `json:"prompt_id"`
	UserID    string    `json:"user_id"`
	Value     string    `json:"value,omitempty"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Validate performs validation on an incoming Reply.
func (r *Reply) Validate() error {
	if r.PromptID == "" {
		return ErrEmptyPromptID
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if len(r.Value) > MaxResponseValueLength {
		return ErrResponseTooLong
	}
	return nil
}

// ReplyResult describes the outcome of processing a reply.
type ReplyResult struct {
	PromptID          string     `json:"prompt_id"`
	Action            ActionKind `json:"action"`
	FollowUpScheduled bool       `json:"follow_up_scheduled"`
	Message           string     `json:"message,omitempty"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
