package api

import (
	"net/http"

	"github.com/confvault/confvault/internal/models"
)

type tagRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
	Type string `json:"type" validate:"required,min=1,max=64"`
}

// CreateTag creates a tag.
func (h *Handlers) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	tag, err := h.store.CreateTag(r.Context(), models.Tag{Name: req.Name, Type: req.Type})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, tag)
}

// GetTag fetches one tag.
func (h *Handlers) GetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	tag, err := h.store.GetTag(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, tag)
}

// ListTags returns all tags.
func (h *Handlers) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.store.ListTags(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tags": tags, "count": len(tags)})
}

// DeleteTag soft-deletes a tag.
func (h *Handlers) DeleteTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteTag(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}
