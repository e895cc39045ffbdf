package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/model"
)

// DeviceService is the device registration side of the push service.
type DeviceService interface {
	RegisterDevice(ctx context.Context, userID, token, platform, deviceID string) (model.DeviceEndpoint, error)
	UnregisterDevice(ctx context.Context, userID, token string) error
	ListDevices(ctx context.Context, userID string) ([]model.DeviceEndpoint, error)
}

type DeviceHandler struct {
	devices DeviceService
	logger  *slog.Logger
}

func NewDeviceHandler(devices DeviceService, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

type deviceTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId"`
}

// Register handles POST /notifications/device-token
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}

	d, err := h.devices.RegisterDevice(r.Context(), auth.UserID(r.Context()), req.Token, req.Platform, req.DeviceID)
	if err != nil {
		h.logger.Warn("register device", "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type unregisterRequest struct {
	Token string `json:"token"`
}

// Unregister handles DELETE /notifications/device-token
func (h *DeviceHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}

	if err := h.devices.UnregisterDevice(r.Context(), auth.UserID(r.Context()), req.Token); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /notifications/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListDevices(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("list devices", "error", err)
		writeServiceError(w, err)
		return
	}
	if devices == nil {
		devices = []model.DeviceEndpoint{}
	}
	writeJSON(w, http.StatusOK, devices)
}
