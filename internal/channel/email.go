package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

const (
	emailRetryAttempts = 3
	emailRetryDelay    = 2 * time.Second
	emailRetryMaxDelay = 30 * time.Second
)

// sendMailFunc matches smtp.SendMail so tests can substitute a recorder.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailOpts holds configuration options for the email sink.
type EmailOpts struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// EmailOption defines a configuration option for the email sink.
type EmailOption func(*EmailOpts)

// WithSMTPHost sets the SMTP server host.
func WithSMTPHost(host string) EmailOption {
	return func(o *EmailOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port string) EmailOption {
	return func(o *EmailOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP username and password.
func WithSMTPCredentials(username, password string) EmailOption {
	return func(o *EmailOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithFromAddress sets the sender address.
func WithFromAddress(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// EmailSink delivers prompts as plain-text email over SMTP.
type EmailSink struct {
	addr     string
	auth     smtp.Auth
	from     string
	sendMail sendMailFunc
}

// NewEmailSink creates an SMTP-backed email sink. Options fall back to the
// SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, and SMTP_FROM
// environment variables. An empty username skips authentication for local
// relays.
func NewEmailSink(opts ...EmailOption) (*EmailSink, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == "" {
		cfg.Port = os.Getenv("SMTP_PORT")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from address must be provided")
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailSink{
		addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		auth:     auth,
		from:     cfg.From,
		sendMail: smtp.SendMail,
	}, nil
}

var _ Sink = (*EmailSink)(nil)

// Channel names the transport.
func (s *EmailSink) Channel() models.Channel { return models.ChannelEmail }

// Available reports whether the user has an email address on file.
func (s *EmailSink) Available(_ context.Context, user *models.User) bool {
	return user.Email != ""
}

// Send delivers the prompt as one email. Transient SMTP failures are retried
// a few times here; anything beyond that falls back to the dispatcher's own
// retry schedule.
func (s *EmailSink) Send(ctx context.Context, user *models.User, prompt *models.Prompt) error {
	msg := buildEmailMessage(s.from, user.Email, prompt)

	err := retry.Do(
		func() error {
			return s.sendMail(s.addr, s.auth, s.from, []string{user.Email}, msg)
		},
		retry.Attempts(emailRetryAttempts),
		retry.Delay(emailRetryDelay),
		retry.MaxDelay(emailRetryMaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("EmailSink.Send retrying", "user_id", user.ID, "prompt_id", prompt.ID, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		slog.Error("EmailSink.Send failed", "user_id", user.ID, "prompt_id", prompt.ID, "error", err)
		return fmt.Errorf("failed to send email: %w", err)
	}
	slog.Debug("EmailSink.Send succeeded", "user_id", user.ID, "prompt_id", prompt.ID)
	return nil
}

// buildEmailMessage assembles a plain-text MIME message.
func buildEmailMessage(from, to string, prompt *models.Prompt) []byte {
	subject := prompt.Content.Title
	if subject == "" {
		subject = "A note from your coach"
	}

	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(prompt.Content.Body)
	if len(prompt.Content.QuickReplies) > 0 {
		labels := make([]string, 0, len(prompt.Content.QuickReplies))
		for _, qr := range prompt.Content.QuickReplies {
			labels = append(labels, qr.Text)
		}
		msg.WriteString("\r\n\r\nOpen the app to respond: ")
		msg.WriteString(strings.Join(labels, " / "))
	}
	msg.WriteString("\r\n")
	return []byte(msg.String())
}
