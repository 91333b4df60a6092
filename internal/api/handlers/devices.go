// devices.go — device registration and heartbeat handlers, grounded in
// admin-module's api/handlers/files.go: decode → validate → call
// service → map service error to status code → writeJSON response.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/patanet7/ChirpNeighbors/internal/api/middleware"
	"github.com/patanet7/ChirpNeighbors/internal/apierr"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/service"
)

var validate = validator.New()

// Devices exposes the device registration and heartbeat endpoints.
type Devices struct {
	svc    *service.Devices
	logger *slog.Logger
}

// NewDevices constructs a Devices handler.
func NewDevices(svc *service.Devices, logger *slog.Logger) *Devices {
	return &Devices{svc: svc, logger: logger.With(slog.String("component", "api.devices"))}
}

type registerDeviceRequest struct {
	DeviceID        string            `json:"device_id" validate:"required"`
	FirmwareVersion string            `json:"firmware_version" validate:"required"`
	Capabilities    map[string]string `json:"capabilities"`
}

type deviceResponse struct {
	ID              string            `json:"id"`
	OwnerUserID     string            `json:"owner_user_id"`
	FirmwareVersion string            `json:"firmware_version"`
	Capabilities    map[string]string `json:"capabilities,omitempty"`
	LastSeen        string            `json:"last_seen"`
	BatteryVoltage  *float64          `json:"battery_voltage,omitempty"`
	RSSI            *int              `json:"rssi,omitempty"`
	SequenceHWM     int64             `json:"sequence_hwm"`
}

func mapDevice(d model.Device) deviceResponse {
	return deviceResponse{
		ID:              d.ID,
		OwnerUserID:     d.OwnerUserID,
		FirmwareVersion: d.FirmwareVersion,
		Capabilities:    d.Capabilities,
		LastSeen:        formatTime(d.LastSeen),
		BatteryVoltage:  d.BatteryVoltage,
		RSSI:            d.RSSI,
		SequenceHWM:     d.SequenceHWM,
	}
}

// RegisterDevice handles POST /v1/devices/register.
func (h *Devices) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		apierr.Unauthorized(w, "missing authenticated user")
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.ValidationError(w, "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		apierr.ValidationError(w, err.Error())
		return
	}

	device, err := h.svc.RegisterDevice(r.Context(), userID, req.DeviceID, req.FirmwareVersion, req.Capabilities)
	if err != nil {
		h.logger.Error("registering device failed", slog.String("device_id", req.DeviceID), slog.Any("error", err))
		apierr.InternalError(w, "failed to register device")
		return
	}

	writeJSON(w, http.StatusOK, mapDevice(device))
}

type heartbeatRequest struct {
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	BatteryVoltage *float64  `json:"battery_voltage"`
	RSSI           *int      `json:"rssi"`
}

// Heartbeat handles POST /v1/devices/{id}/heartbeat.
func (h *Devices) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		apierr.Unauthorized(w, "missing authenticated user")
		return
	}
	deviceID := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.ValidationError(w, "invalid JSON: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		apierr.ValidationError(w, err.Error())
		return
	}

	device, err := h.svc.Heartbeat(r.Context(), userID, deviceID, req.Timestamp, req.BatteryVoltage, req.RSSI)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			apierr.Forbidden(w, "you do not own this device")
		case errors.Is(err, service.ErrNotFound):
			apierr.NotFound(w, "device not found")
		default:
			h.logger.Error("heartbeat failed", slog.String("device_id", deviceID), slog.Any("error", err))
			apierr.InternalError(w, "failed to record heartbeat")
		}
		return
	}

	writeJSON(w, http.StatusOK, mapDevice(device))
}
