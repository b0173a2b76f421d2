package api

import (
	"net/http"

	"github.com/confvault/confvault/internal/auth"
)

// Login authenticates against the configured admin account and returns a JWT.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		h.requestLogger(r).Warn("login rejected", "username", req.Username)
		h.respondError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}
