package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/ratelimit"
)

// Machine-readable error codes.
const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeExpired        = "session_expired"
	codeConflict       = "conflict"
	codeRateLimited    = "rate_limited"
	codeInternal       = "internal_error"
)

const genericErrorMessage = "An error occurred. Please try again or contact us directly."

var (
	notFoundResponse         = models.ErrorWithCode(codeNotFound, "Not found")
	methodNotAllowedResponse = models.ErrorWithCode(codeInvalidRequest, "Method not allowed")
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.ErrorWithCode(codeInternal, genericErrorMessage))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
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

// writeError maps service errors to status codes. Internal errors are logged
// and answered with a generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	var limitErr *ratelimit.LimitError
	switch {
	case errors.As(err, &limitErr):
		writeJSONResponse(w, http.StatusTooManyRequests, models.ErrorWithCode(codeRateLimited, limitErr.Reason))
	case errors.Is(err, models.ErrRateLimited):
		writeJSONResponse(w, http.StatusTooManyRequests, models.ErrorWithCode(codeRateLimited, "Too many requests"))
	case errors.Is(err, models.ErrValidation):
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(codeInvalidRequest, err.Error()))
	case errors.Is(err, models.ErrSessionExpired):
		writeJSONResponse(w, http.StatusGone, models.ErrorWithCode(codeExpired, "Session has expired"))
	case models.IsNotFound(err):
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(codeNotFound, err.Error()))
	case models.IsConflict(err):
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithCode(codeConflict, err.Error()))
	default:
		slog.Error(op+": request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithCode(codeInternal, genericErrorMessage))
	}
}
