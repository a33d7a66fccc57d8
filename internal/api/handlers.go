// Package api provides HTTP handlers for CoachPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// replyHandler processes a client reply to a delivered prompt (POST /v1/replies).
func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.replyHandler: processing reply", "method", r.Method, "path", r.URL.Path)

	var reply models.Reply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		slog.Warn("Server.replyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.respHandler.HandleReply(r.Context(), &reply)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			slog.Error("Server.replyHandler: failed to process reply", "error", err, "prompt_id", reply.PromptID)
			writeJSONResponse(w, status, models.Error("Failed to process reply"))
			return
		}
		slog.Warn("Server.replyHandler: reply rejected", "error", err, "prompt_id", reply.PromptID, "user_id", reply.UserID, "status", status)
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}

	slog.Info("Server.replyHandler: reply processed", "prompt_id", result.PromptID, "action", result.Action, "follow_up_scheduled", result.FollowUpScheduled)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// unacknowledgedHandler returns a user's prompts still awaiting a response,
// for client refetch after reconnect (GET /v1/users/{userID}/prompts/unacknowledged).
func (s *Server) unacknowledgedHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	slog.Debug("Server.unacknowledgedHandler: fetching delivered prompts", "user_id", userID)

	prompts, err := s.st.ListDeliveredPrompts(r.Context(), userID)
	if err != nil {
		slog.Error("Server.unacknowledgedHandler: failed to list prompts", "error", err, "user_id", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch prompts"))
		return
	}
	if prompts == nil {
		prompts = []*models.Prompt{}
	}

	slog.Debug("Server.unacknowledgedHandler: prompts fetched", "user_id", userID, "count", len(prompts))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"prompts": prompts,
		"count":   len(prompts),
	}))
}

// cancelHandler expires a prompt that has not begun delivery
// (POST /v1/prompts/{promptID}/cancel).
func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")
	slog.Debug("Server.cancelHandler: cancelling prompt", "prompt_id", promptID)

	if err := s.st.CancelPrompt(r.Context(), promptID); err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			slog.Error("Server.cancelHandler: failed to cancel prompt", "error", err, "prompt_id", promptID)
			writeJSONResponse(w, status, models.Error("Failed to cancel prompt"))
			return
		}
		slog.Warn("Server.cancelHandler: cancellation rejected", "error", err, "prompt_id", promptID, "status", status)
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}

	slog.Info("Server.cancelHandler: prompt cancelled", "prompt_id", promptID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Prompt cancelled", nil))
}

// statsHandler returns engine counters by state and the overall response rate
// (GET /v1/stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statsHandler: computing stats")

	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: failed to compute stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute stats"))
		return
	}

	slog.Debug("Server.statsHandler: stats computed", "total_prompts", stats.TotalPrompts, "active_users", stats.ActiveUsers, "queue_depth", stats.QueueDepth)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if stats, err := s.st.GetEngineStats(ctx); err != nil {
		slog.Warn("Health check: failed to get engine stats", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch engine metrics"
	} else {
		healthData["active_users"] = stats.ActiveUsers
		healthData["total_prompts"] = stats.TotalPrompts
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
