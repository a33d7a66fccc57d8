package response

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEffectTimeout bounds one side-effect call.
const DefaultEffectTimeout = 10 * time.Second

// HTTPSideEffects applies reply side effects against the assistant's record
// store over HTTP. It is the write-side counterpart of the detector's
// snapshot source.
type HTTPSideEffects struct {
	baseURL string
	client  *http.Client
}

// EffectsOption defines a configuration option for the HTTP side effects.
type EffectsOption func(*HTTPSideEffects)

// WithEffectsHTTPClient overrides the HTTP client used for side-effect calls.
func WithEffectsHTTPClient(client *http.Client) EffectsOption {
	return func(e *HTTPSideEffects) { e.client = client }
}

// NewHTTPSideEffects creates a side-effect client rooted at baseURL. The
// expected endpoints are POST {baseURL}/users/{userID}/habits/{habitID}/completions
// and POST {baseURL}/users/{userID}/progress.
func NewHTTPSideEffects(baseURL string, opts ...EffectsOption) *HTTPSideEffects {
	e := &HTTPSideEffects{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultEffectTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ SideEffects = (*HTTPSideEffects)(nil)

// CompleteHabit records a completion for the user's habit.
func (e *HTTPSideEffects) CompleteHabit(ctx context.Context, userID, habitID string) error {
	endpoint := fmt.Sprintf("%s/users/%s/habits/%s/completions",
		e.baseURL, url.PathEscape(userID), url.PathEscape(habitID))
	return e.post(ctx, endpoint, map[string]string{"source": "coaching_prompt"})
}

// LogProgress records a progress note from the reply value.
func (e *HTTPSideEffects) LogProgress(ctx context.Context, userID, value string) error {
	endpoint := fmt.Sprintf("%s/users/%s/progress", e.baseURL, url.PathEscape(userID))
	return e.post(ctx, endpoint, map[string]string{"note": value, "source": "coaching_prompt"})
}

func (e *HTTPSideEffects) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("request returned status %d", resp.StatusCode)
	}
	return nil
}
