package api

import (
	"encoding/json"
	"net/http"

	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/models"
	"github.com/google/uuid"
)

type deviceRequest struct {
	Hostname  string      `json:"hostname" validate:"required,min=1,max=255"`
	IPAddress string      `json:"ip_address" validate:"required,ip"`
	Port      int         `json:"port" validate:"gte=0,lte=65535"`
	Protocol  string      `json:"protocol" validate:"required,oneof=ssh winrm snmp"`
	Command   string      `json:"command" validate:"required"`
	Username  string      `json:"username"`
	Password  string      `json:"password"`
	TagIDs    []uuid.UUID `json:"tag_ids"`
}

// deviceSecret encrypts an inline device password, if one was supplied.
// Devices with inline credentials bypass tag-based resolution entirely.
func (h *Handlers) deviceSecret(req deviceRequest) (string, error) {
	if req.Password == "" {
		return "", nil
	}
	payload, err := json.Marshal(connector.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		return "", err
	}
	return h.auth.Encrypt(payload)
}

// CreateDevice creates a device.
func (h *Handlers) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	secret, err := h.deviceSecret(req)
	if err != nil {
		h.requestLogger(r).Error("device secret encryption failed", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encrypt secret", nil)
		return
	}

	created, err := h.store.CreateDevice(r.Context(), models.Device{
		Hostname:  req.Hostname,
		IPAddress: req.IPAddress,
		Port:      req.Port,
		Protocol:  req.Protocol,
		Command:   req.Command,
		Username:  req.Username,
		Secret:    secret,
		TagIDs:    req.TagIDs,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// GetDevice fetches one device.
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	device, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, device)
}

// ListDevices returns all devices.
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"devices": devices, "count": len(devices)})
}

// UpdateDevice updates a device. An empty password keeps the stored secret.
func (h *Handlers) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	var req deviceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	secret, err := h.deviceSecret(req)
	if err != nil {
		h.requestLogger(r).Error("device secret encryption failed", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encrypt secret", nil)
		return
	}

	updated, err := h.store.UpdateDevice(r.Context(), models.Device{
		ID:        id,
		Hostname:  req.Hostname,
		IPAddress: req.IPAddress,
		Port:      req.Port,
		Protocol:  req.Protocol,
		Command:   req.Command,
		Username:  req.Username,
		Secret:    secret,
		TagIDs:    req.TagIDs,
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeleteDevice soft-deletes a device.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.urlUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteDevice(r.Context(), id); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusNoContent, nil)
}
