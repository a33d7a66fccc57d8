// Package testutil provides common test utilities and helpers for CoachPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/channel"
	"github.com/BTreeMap/CoachPipe/internal/detector"
	"github.com/BTreeMap/CoachPipe/internal/dispatch"
	"github.com/BTreeMap/CoachPipe/internal/engine"
	"github.com/BTreeMap/CoachPipe/internal/gate"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/registry"
	"github.com/BTreeMap/CoachPipe/internal/response"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/synth"
)

// Env bundles a test API server with the in-memory collaborators behind it,
// so tests can seed state directly and assert on it afterwards.
type Env struct {
	Server *api.Server
	Store  store.Store
	Hub    *registry.Hub
}

// NewTestEnv creates a full API server over in-memory dependencies: memory
// store, in-process event bus, static synthesis, and an unstarted dispatcher.
// This centralizes the test server creation logic used across test files.
func NewTestEnv() *Env {
	st := store.NewInMemoryStore()
	hub := registry.NewHub(registry.NewMemoryBus().NewBroker())

	det := detector.NewDetector(detector.NewStaticSnapshotSource())
	dispatcher := dispatch.NewDispatcher(st, []channel.Sink{channel.NewPushSink(hub)})
	eng := engine.NewEngine(st, det, gate.NewController(st), synth.NewStaticSynthesizer(), dispatcher)

	respHandler := response.NewHandler(st,
		response.WithFollowUpScheduler(eng),
		response.WithNotifier(hub),
	)

	return &Env{
		Server: api.NewServer(st, hub, respHandler, eng, ""),
		Store:  st,
		Hub:    hub,
	}
}

// Close releases the environment's background resources.
func (e *Env) Close() {
	e.Hub.Close()
	e.Store.Close()
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedUser inserts an active user into the store.
func SeedUser(t *testing.T, st store.Store, id string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	user := &models.User{
		ID:         id,
		Name:       "Test User",
		Timezone:   "UTC",
		Status:     models.UserStatusActive,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("failed to seed user %s: %v", id, err)
	}
	return user
}

// SeedDeliveredPrompt walks a fresh prompt through the persisted lifecycle up
// to delivered, so reply tests exercise the same transitions production does.
func SeedDeliveredPrompt(t *testing.T, st store.Store, promptID, userID string) *models.Prompt {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	prompt := &models.Prompt{
		ID:         promptID,
		UserID:     userID,
		TimingType: models.TimingDailyCheckin,
		Priority:   models.PriorityMedium,
		State:      models.StatePending,
		Content: models.PromptContent{
			Body: "How did today go?",
			QuickReplies: []models.QuickReply{
				{Text: "Done", Value: string(models.ActionCompleteHabit)},
				{Text: "Not today", Value: string(models.ActionSkip)},
			},
		},
		ScheduledFor: now,
		ExpiresAt:    now.Add(24 * time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("failed to seed prompt %s: %v", promptID, err)
	}
	if err := st.MarkQueued(ctx, promptID); err != nil {
		t.Fatalf("failed to queue prompt %s: %v", promptID, err)
	}
	claimed, err := st.ClaimForDelivery(ctx, promptID)
	if err != nil || !claimed {
		t.Fatalf("failed to claim prompt %s: claimed=%v err=%v", promptID, claimed, err)
	}
	if err := st.MarkDelivered(ctx, promptID, models.ChannelPush, now); err != nil {
		t.Fatalf("failed to mark prompt %s delivered: %v", promptID, err)
	}

	delivered, err := st.GetPrompt(ctx, promptID)
	if err != nil || delivered == nil {
		t.Fatalf("failed to reload seeded prompt %s: %v", promptID, err)
	}
	return delivered
}

// AssertPromptState reloads a prompt and fails the test if its state differs.
func AssertPromptState(t *testing.T, st store.Store, promptID string, expected models.PromptState) {
	t.Helper()
	prompt, err := st.GetPrompt(context.Background(), promptID)
	if err != nil {
		t.Fatalf("failed to load prompt %s: %v", promptID, err)
	}
	if prompt == nil {
		t.Fatalf("prompt %s not found", promptID)
	}
	if prompt.State != expected {
		t.Errorf("prompt %s: expected state %s, got %s", promptID, expected, prompt.State)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
