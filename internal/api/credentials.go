package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

type credentialRequest struct {
	Name       string      `json:"name" validate:"required,min=1,max=128"`
	Username   string      `json:"username" validate:"required,min=1,max=128"`
	Password   string      `json:"password"`
	PrivateKey string      `json:"private_key"`
	Passphrase string      `json:"passphrase"`
	Community  string      `json:"community"`
	Priority   int         `json:"priority" validate:"gte=0"`
	TagIDs     []uuid.UUID `json:"tag_ids"`
}

// hasSecret reports whether the request carries any secret material.
func (req credentialRequest) hasSecret() bool {
	return req.Password != "" || req.PrivateKey != "" || req.Community != ""
}

// encryptSecret packs the request's secret fields into the encrypted payload
// the executor decrypts before a connection attempt.
func (h *Handlers) encryptSecret(req credentialRequest) (string, error) {
	payload, err := json.Marshal(connector.Credentials{
		Username:   req.Username,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
		Community:  req.Community,
	})
	if err != nil {
		return "", fmt.Errorf("encode secret payload: %w", err)
	}
	return h.auth.Encrypt(payload)
}

// CreateCredential creates a credential with its secret encrypted at rest.
func (h *Handlers) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if !req.hasSecret() {
		h.respondError(w, r, http.StatusBadRequest, "VALIDATION_FAILED",
			"One of password, private_key or community is required", nil)
		return
	}

	secret, err := h.encryptSecret(req)
	if err != nil {
		h.requestLogger(r).Error("secret encryption failed", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encrypt secret", nil)
		return
	}

	created, err := h.store.CreateCredential(r.Context(), models.Credential{
		Name:     req.Name,
		Username: req.Username,
		Secret:   secret,
		Priority: req.Priority,
		TagIDs:   req.TagIDs,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// GetCredential fetches one credential. The secret never leaves the server.
func (h *Handlers) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	cred, err := h.store.GetCredential(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, cred)
}

// ListCredentials returns all credentials ordered by priority.
func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.ListCredentials(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"credentials": creds, "count": len(creds)})
}

// UpdateCredential updates a credential. Omitting all secret fields keeps the
// stored secret.
func (h *Handlers) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req credentialRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var secret string
	if req.hasSecret() {
		var err error
		secret, err = h.encryptSecret(req)
		if err != nil {
			h.requestLogger(r).Error("secret encryption failed", "error", err)
			h.respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encrypt secret", nil)
			return
		}
	}

	updated, err := h.store.UpdateCredential(r.Context(), models.Credential{
		ID:       id,
		Name:     req.Name,
		Username: req.Username,
		Secret:   secret,
		Priority: req.Priority,
		TagIDs:   req.TagIDs,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteCredential soft-deletes a credential; system credentials are refused.
func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteCredential(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}
