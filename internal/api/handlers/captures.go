// captures.go — capture upload and query handlers. Upload follows
// storage-element's UploadFile handler: ParseMultipartForm, FormFile,
// then a thin service call; list/get follow admin-module's
// pagination-and-ownership shape from files.go's ListFiles/GetFile.
package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patanet7/ChirpNeighbors/internal/api/middleware"
	"github.com/patanet7/ChirpNeighbors/internal/apierr"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/service"
)

// Captures exposes the capture upload, list, and get endpoints.
type Captures struct {
	svc            *service.Captures
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewCaptures constructs a Captures handler.
func NewCaptures(svc *service.Captures, maxUploadBytes int64, logger *slog.Logger) *Captures {
	return &Captures{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger.With(slog.String("component", "api.captures"))}
}

type captureResponse struct {
	ID             string   `json:"id"`
	DeviceID       string   `json:"device_id"`
	DeviceSeq      int64    `json:"device_seq"`
	ReceivedAt     string   `json:"received_at"`
	ProcessedAt    string   `json:"processed_at,omitempty"`
	Status         string   `json:"status"`
	SpeciesCode    string   `json:"species_code,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	Note           string   `json:"note,omitempty"`
	Attempt        int      `json:"attempt"`
}

func mapCapture(c model.Capture) captureResponse {
	return captureResponse{
		ID:            c.ID,
		DeviceID:      c.DeviceID,
		DeviceSeq:     c.DeviceSeq,
		ReceivedAt:    formatTime(c.ReceivedAt),
		ProcessedAt:   formatTimePtr(c.ProcessedAt),
		Status:        string(c.Status),
		SpeciesCode:   stringPtrOrEmpty(c.SpeciesCode),
		Confidence:    c.Confidence,
		FailureReason: stringPtrOrEmpty(c.FailureReason),
		Note:          stringPtrOrEmpty(c.Note),
		Attempt:       c.Attempt,
	}
}

func stringPtrOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// UploadCapture handles POST /v1/captures: a multipart form carrying
// device_id, device_sequence, and the clip bytes under "audio_file".
func (h *Captures) UploadCapture(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		apierr.Unauthorized(w, "missing authenticated user")
		return
	}

	// The admission chain itself decides PayloadTooLarge based on the
	// actual body; MaxBytesReader here just bounds the multipart
	// parser's own memory use with headroom for form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		apierr.ValidationError(w, "failed to parse multipart form: "+err.Error())
		return
	}

	deviceID := r.FormValue("device_id")
	if deviceID == "" {
		apierr.ValidationError(w, "device_id is required")
		return
	}
	deviceSeq, err := strconv.ParseInt(r.FormValue("device_sequence"), 10, 64)
	if err != nil {
		apierr.ValidationError(w, "device_sequence must be an integer")
		return
	}

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		apierr.ValidationError(w, "audio_file field is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	capture, err := h.svc.UploadCapture(r.Context(), userID, deviceID, deviceSeq, contentType, file)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			apierr.Forbidden(w, "you do not own this device")
		case errors.Is(err, service.ErrNotFound):
			apierr.NotFound(w, "device not found")
		case errors.Is(err, service.ErrPayloadTooLarge):
			apierr.PayloadTooLarge(w, fmt.Sprintf("clip exceeds the maximum of %d bytes", h.maxUploadBytes))
		case errors.Is(err, service.ErrUnsupportedMediaType):
			apierr.ValidationError(w, "unsupported audio content type: "+contentType)
		case errors.Is(err, service.ErrRateLimited):
			w.Header().Set("Retry-After", "60")
			apierr.RateLimited(w, "device upload rate limit exceeded")
		default:
			h.logger.Error("uploading capture failed", slog.String("device_id", deviceID), slog.Any("error", err))
			apierr.InternalError(w, "failed to upload capture")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, mapCapture(capture))
}

// ListCaptures handles GET /v1/captures?cursor=&limit=, returning
// {captures, next_cursor}. The cursor is an opaque token encoding the
// offset into the user's capture history, ordered newest-first.
func (h *Captures) ListCaptures(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		apierr.Unauthorized(w, "missing authenticated user")
		return
	}

	limit := paginationLimit(r)
	offset, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		apierr.ValidationError(w, "invalid cursor")
		return
	}

	captures, err := h.svc.ListCaptures(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("listing captures failed", slog.Any("error", err))
		apierr.InternalError(w, "failed to list captures")
		return
	}

	items := make([]captureResponse, len(captures))
	for i, c := range captures {
		items[i] = mapCapture(c)
	}

	var nextCursor string
	if len(captures) == limit {
		nextCursor = encodeCursor(offset + limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": items, "next_cursor": nextCursor})
}

// GetCapture handles GET /v1/captures/{id}.
func (h *Captures) GetCapture(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		apierr.Unauthorized(w, "missing authenticated user")
		return
	}

	capture, err := h.svc.GetCapture(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			apierr.Forbidden(w, "you do not own this capture")
		case errors.Is(err, service.ErrNotFound):
			apierr.NotFound(w, "capture not found")
		default:
			h.logger.Error("getting capture failed", slog.Any("error", err))
			apierr.InternalError(w, "failed to get capture")
		}
		return
	}

	writeJSON(w, http.StatusOK, mapCapture(capture))
}

// paginationLimit mirrors service.Captures.ListCaptures' own clamping
// so the limit used to decide whether to emit next_cursor here matches
// the limit actually applied to the query.
func paginationLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return limit
}

// encodeCursor and decodeCursor keep the offset out of the wire
// contract's shape: clients treat the cursor as opaque, so the
// pagination strategy behind it can change without breaking them.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid cursor offset")
	}
	return offset, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
