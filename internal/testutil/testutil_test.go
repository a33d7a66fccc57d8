package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestNewTestEnvServesHealth(t *testing.T) {
	env := NewTestEnv()
	defer env.Close()

	if env.Server == nil || env.Store == nil || env.Hub == nil {
		t.Fatal("NewTestEnv returned incomplete environment")
	}

	rr := httptest.NewRecorder()
	req := CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	env.Server.Handler().ServeHTTP(rr, req)

	AssertHTTPStatus(t, http.StatusOK, rr.Code, "health check")
}

func TestSeedUser(t *testing.T) {
	env := NewTestEnv()
	defer env.Close()

	seeded := SeedUser(t, env.Store, "user-1")
	if seeded.Status != models.UserStatusActive {
		t.Errorf("expected seeded user to be active, got %s", seeded.Status)
	}

	loaded, err := env.Store.GetUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if loaded == nil || loaded.ID != "user-1" {
		t.Fatalf("expected to load seeded user, got %+v", loaded)
	}
}

func TestSeedDeliveredPrompt(t *testing.T) {
	env := NewTestEnv()
	defer env.Close()

	SeedUser(t, env.Store, "user-1")
	prompt := SeedDeliveredPrompt(t, env.Store, "cp_test1", "user-1")

	if prompt.State != models.StateDelivered {
		t.Errorf("expected delivered state, got %s", prompt.State)
	}
	if prompt.DeliveredAt == nil {
		t.Error("expected DeliveredAt to be set")
	}
	if prompt.Channel != models.ChannelPush {
		t.Errorf("expected push channel, got %s", prompt.Channel)
	}

	AssertPromptState(t, env.Store, "cp_test1", models.StateDelivered)
}

func TestCreateHTTPRequest(t *testing.T) {
	// Request with JSON body
	req := CreateHTTPRequest(t, http.MethodPost, "/v1/replies", map[string]string{"prompt_id": "cp_1"})
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("failed to read request body: %v", err)
	}
	if string(body) != `{"prompt_id":"cp_1"}` {
		t.Errorf("unexpected body: %s", body)
	}

	// Request without body
	req = CreateHTTPRequest(t, http.MethodGet, "/v1/stats", nil)
	body, err = io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("failed to read empty body: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got %s", body)
	}
}

func TestMustMarshalJSONRoundTrip(t *testing.T) {
	original := models.Reply{PromptID: "cp_1", UserID: "user-1", Action: "dismiss"}
	data := MustMarshalJSON(t, original)

	var decoded models.Reply
	MustUnmarshalJSON(t, data, &decoded)

	if decoded.PromptID != original.PromptID || decoded.UserID != original.UserID || decoded.Action != original.Action {
		t.Errorf("round trip mismatch: %+v vs %+v", decoded, original)
	}
}
