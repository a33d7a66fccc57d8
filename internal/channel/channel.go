// Package channel implements the delivery sinks prompts are sent through.
//
// Each sink owns one transport: live WebSocket push, Twilio SMS, or SMTP
// email. The dispatcher walks a priority-specific preference order and sends
// through the first sink that is available for the user.
package channel

import (
	"context"
	"errors"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrUserOffline reports a push attempt for a user with no live connection.
var ErrUserOffline = errors.New("user has no live connection")

// Sink delivers a prompt over one transport.
type Sink interface {
	// Channel names the transport.
	Channel() models.Channel
	// Available reports whether this sink can currently reach the user.
	Available(ctx context.Context, user *models.User) bool
	// Send delivers the prompt. An error counts as a failed delivery attempt.
	Send(ctx context.Context, user *models.User, prompt *models.Prompt) error
}

// PreferenceOrder returns the channel attempt order for a priority. Urgent
// prompts chase the user across transports; low-priority ones stay out of
// the way.
func PreferenceOrder(p models.Priority) []models.Channel {
	switch p {
	case models.PriorityHigh:
		return []models.Channel{models.ChannelPush, models.ChannelSMS, models.ChannelEmail}
	case models.PriorityMedium:
		return []models.Channel{models.ChannelPush, models.ChannelEmail}
	default:
		return []models.Channel{models.ChannelEmail, models.ChannelPush}
	}
}

// Pusher is the registry surface the push sink needs. *registry.Hub
// satisfies it.
type Pusher interface {
	SendToUser(ctx context.Context, userID string, event models.Event) error
	IsUserReachable(ctx context.Context, userID string) bool
}

// PushSink delivers prompts as events on the user's live connections.
type PushSink struct {
	hub Pusher
}

// NewPushSink creates a sink over the connection registry.
func NewPushSink(hub Pusher) *PushSink {
	return &PushSink{hub: hub}
}

var _ Sink = (*PushSink)(nil)

// Channel names the transport.
func (s *PushSink) Channel() models.Channel { return models.ChannelPush }

// Available reports whether the user has a live connection anywhere.
func (s *PushSink) Available(ctx context.Context, user *models.User) bool {
	return s.hub.IsUserReachable(ctx, user.ID)
}

// Send publishes the prompt event toward the user's connections.
func (s *PushSink) Send(ctx context.Context, user *models.User, prompt *models.Prompt) error {
	if !s.hub.IsUserReachable(ctx, user.ID) {
		return ErrUserOffline
	}
	return s.hub.SendToUser(ctx, user.ID, models.NewPromptEvent(prompt))
}
