// Package api provides HTTP response utilities for CoachPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Pre-marshaled fallback response to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback response can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForError maps reply-processing and lifecycle errors onto HTTP status
// codes. Anything unrecognized reads as internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrPromptNotFound), errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPromptOwnership):
		return http.StatusForbidden
	case errors.Is(err, models.ErrStalePrompt),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicateInFlight):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyPromptID),
		errors.Is(err, models.ErrEmptyUserID),
		errors.Is(err, models.ErrResponseTooLong):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
