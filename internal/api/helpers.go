package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/confvault/confvault/internal/middleware"
	"github.com/confvault/confvault/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// respondJSON writes a JSON response body with the given status.
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError writes a standard error envelope.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)
	h.respondJSON(w, status, middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}

// storeError maps store sentinel errors onto HTTP responses.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.respondError(w, r, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrSystemCredential):
		h.respondError(w, r, http.StatusForbidden, "SYSTEM_CREDENTIAL", "System credentials cannot be deleted", nil)
	default:
		h.logger.Error("store operation failed", "error", err, "path", r.URL.Path)
		h.respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Database operation failed", nil)
	}
}

// decodeAndValidate decodes the request body into dst and runs struct
// validation. A false return means the error response was already written.
func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", fields)
			return false
		}
		h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", nil)
		return false
	}
	return true
}

// urlUUID parses a uuid path parameter; a false return means the error
// response was already written.
func (h *Handlers) urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid UUID in path", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) requestLogger(r *http.Request) *slog.Logger {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)
	return h.logger.With("request_id", requestID)
}
