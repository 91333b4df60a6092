// Package service is the Ingress admission layer (C7): the business
// logic behind device registration, heartbeat, and capture upload,
// wrapping the Repository (C3), Clip Store (C1), Dispatcher (C6), and
// per-device rate limiter. Grounded in admin-module's service layer
// shape — thin methods translating domain errors into a small sentinel
// set the HTTP layer maps to status codes — generalized from its
// file-registry domain to captures.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/patanet7/ChirpNeighbors/internal/blobstore"
	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/dispatcher"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/pipeline"
	"github.com/patanet7/ChirpNeighbors/internal/ratelimit"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
)

// Sentinel errors the API layer maps to HTTP status codes. A closed
// set, per spec.md §7's error taxonomy.
var (
	ErrForbidden            = errors.New("service: caller does not own this device")
	ErrNotFound             = repository.ErrNotFound
	ErrPayloadTooLarge      = errors.New("service: clip exceeds the configured maximum size")
	ErrUnsupportedMediaType = errors.New("service: unsupported audio content type")
	ErrRateLimited          = errors.New("service: device rate limit exceeded")
)

// allowedContentTypes is the closed set of audio formats ingestion
// accepts, per spec.md §4.6 step 3.
var allowedContentTypes = map[string]bool{
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/wave":  true,
	"audio/mpeg":  true,
	"audio/mp4":   true,
	"audio/aac":   true,
	"audio/ogg":   true,
	"audio/flac":  true,
}

// Devices implements registerDevice and heartbeat.
type Devices struct {
	repo  *repository.Repository
	clock clockid.Clock
}

// NewDevices constructs a Devices service.
func NewDevices(repo *repository.Repository, clock clockid.Clock) *Devices {
	return &Devices{repo: repo, clock: clock}
}

// RegisterDevice creates or updates the Device row for the
// authenticated user, idempotently.
func (d *Devices) RegisterDevice(ctx context.Context, userID, deviceID, firmwareVersion string, capabilities map[string]string) (model.Device, error) {
	now := d.clock.Now()
	return d.repo.RegisterOrUpdateDevice(ctx, model.Device{
		ID:              deviceID,
		OwnerUserID:     userID,
		FirmwareVersion: firmwareVersion,
		Capabilities:    capabilities,
		LastSeen:        now,
	})
}

// Heartbeat validates that userID owns deviceID, then records the
// heartbeat via touchDevice using the client's declared timestamp,
// returning the refreshed Device. Monotonicity is enforced against the
// device's stored last_seen, not device_seq/sequence_hwm — that field
// tracks clip deduplication on captures and is unrelated here.
func (d *Devices) Heartbeat(ctx context.Context, userID, deviceID string, timestamp time.Time, batteryVoltage *float64, rssi *int) (model.Device, error) {
	device, err := d.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return model.Device{}, err
	}
	if device.OwnerUserID != userID {
		return model.Device{}, ErrForbidden
	}

	if err := d.repo.TouchDevice(ctx, deviceID, timestamp, batteryVoltage, rssi); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Heartbeat arrived out of order: a newer one already
			// landed, so this one is tolerated as a no-op rather than
			// erroring, per the monotonic-heartbeat invariant.
			return device, nil
		}
		return model.Device{}, err
	}
	return d.repo.GetDevice(ctx, deviceID)
}

// Captures implements uploadCapture, listCaptures, getCapture. The
// per-job deadline (spec.md §4.5) is enforced by whoever wraps the
// dispatcher's job func, not here — uploadCapture only ever enqueues.
type Captures struct {
	repo       *repository.Repository
	clips      blobstore.Store
	dispatcher *dispatcher.Dispatcher
	limiter    *ratelimit.Limiter
	ids        clockid.IDMinter
	clock      clockid.Clock
	maxBytes   int64
}

// Config tunes Captures.
type Config struct {
	MaxUploadBytes int64
}

// NewCaptures constructs a Captures service.
func NewCaptures(repo *repository.Repository, clips blobstore.Store, disp *dispatcher.Dispatcher, limiter *ratelimit.Limiter, ids clockid.IDMinter, clock clockid.Clock, cfg Config) *Captures {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 * 1024 * 1024
	}
	return &Captures{
		repo: repo, clips: clips, dispatcher: disp, limiter: limiter, ids: ids, clock: clock,
		maxBytes: cfg.MaxUploadBytes,
	}
}

// UploadCapture runs spec.md §4.6's uploadCapture admission chain: own-
// ership, content type, rate limit, size, content-addressed store,
// idempotent capture creation, dispatch.
func (c *Captures) UploadCapture(ctx context.Context, userID, deviceID string, deviceSeq int64, contentType string, body io.Reader) (model.Capture, error) {
	device, err := c.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return model.Capture{}, err
	}
	if device.OwnerUserID != userID {
		return model.Capture{}, ErrForbidden
	}

	if !allowedContentTypes[contentType] {
		return model.Capture{}, ErrUnsupportedMediaType
	}

	if !c.limiter.Allow(deviceID) {
		return model.Capture{}, ErrRateLimited
	}

	limited := io.LimitReader(body, c.maxBytes+1)
	hash, buf, err := hashAndBuffer(limited)
	if err != nil {
		return model.Capture{}, fmt.Errorf("service: reading clip body: %w", err)
	}
	if int64(buf.Len()) > c.maxBytes {
		return model.Capture{}, ErrPayloadTooLarge
	}

	if _, err := c.clips.Put(ctx, hash, buf, contentType); err != nil {
		return model.Capture{}, fmt.Errorf("service: storing clip: %w", err)
	}

	now := c.clock.Now()
	capture, err := c.repo.CreateCapture(ctx, model.Capture{
		ID:         c.ids.NewID(),
		UserID:     userID,
		DeviceID:   deviceID,
		ClipKey:    hash,
		DeviceSeq:  deviceSeq,
		ReceivedAt: now,
	})
	if err != nil {
		return model.Capture{}, fmt.Errorf("service: creating capture: %w", err)
	}

	// A capture already in a non-pending status is a duplicate-sequence
	// replay surfaced by createCapture's idempotent upsert; nothing
	// left to dispatch.
	if capture.Status != model.CaptureStatusPending {
		return capture, nil
	}

	switch c.dispatcher.Submit(capture.ID) {
	case dispatcher.Accepted, dispatcher.Deduped:
		return capture, nil
	case dispatcher.Busy:
		// Recommended default per spec.md §4.5: mark the capture
		// failed immediately so the client gets a terminal answer
		// rather than waiting on the reaper to notice it was never
		// picked up.
		failNow := c.clock.Now()
		if err := c.repo.TransitionCapture(ctx, capture.ID,
			[]model.CaptureStatus{model.CaptureStatusPending}, model.CaptureStatusFailed,
			failNow, repository.WithFailureReasonAndProcessedAt(pipeline.ReasonBusy)); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			return model.Capture{}, fmt.Errorf("service: marking busy capture failed: %w", err)
		}
		return c.repo.GetCapture(ctx, capture.ID)
	default:
		return capture, nil
	}
}

// ListCaptures returns a page of the authenticated user's captures.
func (c *Captures) ListCaptures(ctx context.Context, userID string, limit, offset int) ([]model.Capture, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return c.repo.ListCapturesForUser(ctx, userID, limit, offset)
}

// GetCapture fetches a single capture, verifying ownership.
func (c *Captures) GetCapture(ctx context.Context, userID, captureID string) (model.Capture, error) {
	capture, err := c.repo.GetCapture(ctx, captureID)
	if err != nil {
		return model.Capture{}, err
	}
	if capture.UserID != userID {
		return model.Capture{}, ErrForbidden
	}
	return capture, nil
}

func hashAndBuffer(r io.Reader) (string, *bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	hash, err := blobstore.ContentHash(r, buf)
	if err != nil {
		return "", nil, err
	}
	return hash, buf, nil
}
