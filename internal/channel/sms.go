package channel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// messageCreator is the Twilio API surface the sink uses. Tests substitute a
// recording implementation.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSOpts holds configuration options for the SMS sink.
type SMSOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// SMSOption defines a configuration option for the SMS sink.
type SMSOption func(*SMSOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) SMSOption {
	return func(o *SMSOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) SMSOption {
	return func(o *SMSOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) SMSOption {
	return func(o *SMSOpts) { o.From = from }
}

// SMSSink delivers prompts as text messages through Twilio.
type SMSSink struct {
	api  messageCreator
	from string
}

// NewSMSSink creates a Twilio-backed SMS sink. Options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER environment
// variables.
func NewSMSSink(opts ...SMSOption) (*SMSSink, error) {
	var cfg SMSOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSSink{api: client.Api, from: cfg.From}, nil
}

var _ Sink = (*SMSSink)(nil)

// Channel names the transport.
func (s *SMSSink) Channel() models.Channel { return models.ChannelSMS }

// Available reports whether the user has a phone number on file.
func (s *SMSSink) Available(_ context.Context, user *models.User) bool {
	return user.Phone != ""
}

// Send delivers the prompt as one text message.
func (s *SMSSink) Send(_ context.Context, user *models.User, prompt *models.Prompt) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(user.Phone)
	params.SetFrom(s.from)
	params.SetBody(renderSMSBody(prompt))

	if _, err := s.api.CreateMessage(params); err != nil {
		slog.Error("SMSSink.Send failed", "user_id", user.ID, "prompt_id", prompt.ID, "error", err)
		return fmt.Errorf("failed to send SMS: %w", err)
	}
	slog.Debug("SMSSink.Send succeeded", "user_id", user.ID, "prompt_id", prompt.ID)
	return nil
}

// renderSMSBody flattens prompt content into one message. Quick replies
// become a hint line; taps happen in the app, not over SMS.
func renderSMSBody(prompt *models.Prompt) string {
	var b strings.Builder
	if prompt.Content.Title != "" {
		b.WriteString(prompt.Content.Title)
		b.WriteString("\n")
	}
	b.WriteString(prompt.Content.Body)
	if len(prompt.Content.QuickReplies) > 0 {
		labels := make([]string, 0, len(prompt.Content.QuickReplies))
		for _, qr := range prompt.Content.QuickReplies {
			labels = append(labels, qr.Text)
		}
		b.WriteString("\n\nOpen the app to respond: ")
		b.WriteString(strings.Join(labels, " / "))
	}
	return b.String()
}
