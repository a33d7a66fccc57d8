package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// DefaultSnapshotTimeout bounds one snapshot fetch.
const DefaultSnapshotTimeout = 10 * time.Second

// HTTPSnapshotSource fetches user snapshots from the assistant's record
// store over HTTP. A 404 means the user has no snapshot and is skipped.
type HTTPSnapshotSource struct {
	baseURL string
	client  *http.Client
}

// SnapshotOption defines a configuration option for the HTTP snapshot source.
type SnapshotOption func(*HTTPSnapshotSource)

// WithHTTPClient overrides the HTTP client used for snapshot fetches.
func WithHTTPClient(client *http.Client) SnapshotOption {
	return func(s *HTTPSnapshotSource) { s.client = client }
}

// NewHTTPSnapshotSource creates a snapshot source rooted at baseURL, e.g.
// "https://records.internal/api". The expected endpoint shape is
// GET {baseURL}/users/{userID}/snapshot returning a UserSnapshot JSON body.
func NewHTTPSnapshotSource(baseURL string, opts ...SnapshotOption) *HTTPSnapshotSource {
	s := &HTTPSnapshotSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultSnapshotTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ SnapshotSource = (*HTTPSnapshotSource)(nil)

// Snapshot fetches the activity snapshot for one user.
func (s *HTTPSnapshotSource) Snapshot(ctx context.Context, userID string) (*models.UserSnapshot, error) {
	endpoint := fmt.Sprintf("%s/users/%s/snapshot", s.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		slog.Debug("HTTPSnapshotSource.Snapshot user has no snapshot", "user_id", userID)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("snapshot request returned status %d", resp.StatusCode)
	}

	var snap models.UserSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.UserID == "" {
		snap.UserID = userID
	}
	return &snap, nil
}

// StaticSnapshotSource serves snapshots from memory. It backs tests and
// deployments without a record-store endpoint, where snapshots are pushed in
// by an external process.
type StaticSnapshotSource struct {
	mu    sync.RWMutex
	snaps map[string]*models.UserSnapshot
}

// NewStaticSnapshotSource creates an empty in-memory snapshot source.
func NewStaticSnapshotSource() *StaticSnapshotSource {
	return &StaticSnapshotSource{snaps: make(map[string]*models.UserSnapshot)}
}

var _ SnapshotSource = (*StaticSnapshotSource)(nil)

// Set stores or replaces the snapshot for a user.
func (s *StaticSnapshotSource) Set(snap *models.UserSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.UserID] = snap
}

// Remove drops the snapshot for a user.
func (s *StaticSnapshotSource) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, userID)
}

// Snapshot returns the stored snapshot, or nil when the user has none.
func (s *StaticSnapshotSource) Snapshot(_ context.Context, userID string) (*models.UserSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[userID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}
