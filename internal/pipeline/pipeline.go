// Package pipeline implements the Capture Pipeline (C5): the per-
// capture state machine run exactly once per active worker, orchestrating
// the Repository (C3), Clip/Asset Stores (C1/C2), Inference Clients
// (C4), and Event Bus (C8). No new third-party dependency is wired
// here — this package is pure orchestration, grounded in the same
// admission-then-call-collaborators-then-persist shape that
// storage-element's upload.go and admin-module's file handlers both
// follow, generalized into a multi-step state machine.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patanet7/ChirpNeighbors/internal/blobstore"
	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/eventbus"
	"github.com/patanet7/ChirpNeighbors/internal/inference"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
)

// Failure reasons recorded on a Capture transitioning to failed, a
// closed set per spec.md §4.4/§7.
const (
	ReasonClipMissing  = "ClipMissing"
	ReasonOrphaned     = "Orphaned"
	ReasonDeadline     = "Deadline"
	ReasonShutdown     = "Shutdown"
	ReasonTimeout      = "Timeout"
	ReasonUnavailable  = "Unavailable"
	ReasonTransport    = "Transport"
	ReasonBadRequest   = "BadRequest"
	ReasonMalformed    = "Malformed"
	ReasonBusy         = "Busy"
)

// classifierFailureReason maps an inference error into the closed
// reason set surfaced on the Capture row and in capture.failed events,
// per spec.md §7's Timeout/Unavailable/Transport taxonomy — a breaker
// tripped open is reported the same as the collaborator itself being
// down, since from the caller's perspective both mean "can't reach it
// right now."
func classifierFailureReason(err error) string {
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, inference.ErrUnavailable), errors.Is(err, inference.ErrBreakerOpen):
		return ReasonUnavailable
	case errors.Is(err, inference.ErrBadRequest):
		return ReasonBadRequest
	case errors.Is(err, inference.ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, inference.ErrTransport):
		return ReasonTransport
	default:
		return ReasonUnavailable
	}
}

// NoteArtUnavailable is recorded on a successfully classified capture
// whose art generation failed or was skipped; classification, not art,
// is the primary value, so this is a note rather than a failure.
const NoteArtUnavailable = "artUnavailable"

// Worker runs the per-capture state machine.
type Worker struct {
	repo       *repository.Repository
	clips      blobstore.Store
	assets     blobstore.Store
	classifier inference.Classifier
	generator  inference.Generator
	bus        *eventbus.Bus
	clock      clockid.Clock
	logger     *slog.Logger
}

// New constructs a Worker wired to its collaborators.
func New(
	repo *repository.Repository,
	clips blobstore.Store,
	assets blobstore.Store,
	classifier inference.Classifier,
	generator inference.Generator,
	bus *eventbus.Bus,
	clock clockid.Clock,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		repo:       repo,
		clips:      clips,
		assets:     assets,
		classifier: classifier,
		generator:  generator,
		bus:        bus,
		clock:      clock,
		logger:     logger.With(slog.String("component", "pipeline")),
	}
}

// Run executes the full pipeline for captureID, per spec.md §4.4 steps
// 1-6. Errors returned are for logging only; every reachable exit path
// already leaves the Capture row in a terminal or well-defined
// non-terminal state.
func (w *Worker) Run(ctx context.Context, captureID string) error {
	now := w.clock.Now()

	// Step 1: claim. A capture already claimed or terminated yields
	// InvalidTransition — the dispatcher may redeliver the same id, so
	// this is expected and not logged as an error.
	if err := w.repo.TransitionCapture(ctx, captureID,
		[]model.CaptureStatus{model.CaptureStatusPending}, model.CaptureStatusClassifying,
		now, repository.WithIncrementAttempt); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("pipeline: claim capture %s: %w", captureID, err)
	}

	capture, err := w.repo.GetCapture(ctx, captureID)
	if err != nil {
		return fmt.Errorf("pipeline: reload claimed capture %s: %w", captureID, err)
	}
	w.publishProgress(capture.UserID, captureID, capture.DeviceID, model.CaptureStatusClassifying, now)

	// Step 2: fetch clip.
	clip, err := w.clips.Get(ctx, capture.ClipKey)
	if err != nil {
		return w.fail(ctx, captureID, ReasonClipMissing, fmt.Errorf("fetching clip %s: %w", capture.ClipKey, err))
	}
	var buf bytes.Buffer
	_, copyErr := buf.ReadFrom(clip)
	clip.Close()
	if copyErr != nil {
		return w.fail(ctx, captureID, ReasonClipMissing, fmt.Errorf("reading clip %s: %w", capture.ClipKey, copyErr))
	}

	// Step 3: classify.
	result, err := w.classifier.Classify(ctx, inference.ClassifyRequest{
		CaptureID: captureID,
		ClipKey:   capture.ClipKey,
		ClipBytes: buf.Bytes(),
	})
	if err != nil {
		return w.fail(ctx, captureID, classifierFailureReason(err), fmt.Errorf("classifying capture %s: %w", captureID, err))
	}

	species, err := w.repo.UpsertSpecies(ctx, model.Species{
		Code:           result.SpeciesCode,
		CommonName:     result.CommonName,
		ScientificName: result.ScientificName,
		Family:         optionalString(result.Family),
	}, now)
	if err != nil {
		return fmt.Errorf("pipeline: upsert species for capture %s: %w", captureID, err)
	}

	if err := w.repo.TransitionCapture(ctx, captureID,
		[]model.CaptureStatus{model.CaptureStatusClassifying}, model.CaptureStatusClassified,
		now, repository.WithSpecies(result.SpeciesCode, result.Confidence)); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("pipeline: record classification for capture %s: %w", captureID, err)
	}
	w.publishProgress(capture.UserID, captureID, capture.DeviceID, model.CaptureStatusClassified, now)

	// Step 4: resolve art — species already has generated art.
	if species.HasAsset() {
		return w.complete(ctx, captureID, species, result.Confidence, "")
	}

	// Step 5: generate.
	if err := w.repo.TransitionCapture(ctx, captureID,
		[]model.CaptureStatus{model.CaptureStatusClassified}, model.CaptureStatusGenerating, now, nil); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("pipeline: move capture %s to generating: %w", captureID, err)
	}
	w.publishProgress(capture.UserID, captureID, capture.DeviceID, model.CaptureStatusGenerating, now)

	art, err := w.generator.Generate(ctx, inference.GenerateRequest{
		CaptureID:      captureID,
		SpeciesCode:    result.SpeciesCode,
		CommonName:     result.CommonName,
		ScientificName: result.ScientificName,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return w.fail(ctx, captureID, ReasonDeadline, fmt.Errorf("generating art for capture %s: %w", captureID, err))
		}
		// Step 6: art is optional — generation failure still completes
		// the capture successfully, with a note.
		w.logger.Warn("art generation failed, continuing without art",
			slog.String("capture_id", captureID), slog.String("species_code", result.SpeciesCode), slog.Any("error", err))
		return w.completeWithNote(ctx, captureID, species, result.Confidence, NoteArtUnavailable)
	}

	var imageURL, gifURL *string
	if len(art.ImageData) > 0 {
		url, putErr := w.assets.Put(ctx, result.SpeciesCode+"-image", bytes.NewReader(art.ImageData), "image/"+art.ImageExt)
		if putErr != nil {
			w.logger.Warn("storing generated image failed", slog.String("species_code", result.SpeciesCode), slog.Any("error", putErr))
		} else {
			imageURL = &url
		}
	}
	if len(art.GIFData) > 0 {
		url, putErr := w.assets.Put(ctx, result.SpeciesCode+"-gif", bytes.NewReader(art.GIFData), "image/gif")
		if putErr != nil {
			w.logger.Warn("storing generated gif failed", slog.String("species_code", result.SpeciesCode), slog.Any("error", putErr))
		} else {
			gifURL = &url
		}
	}

	// Racing generation: setSpeciesAsset's conditional write is the
	// single coordination point. Whichever worker's write lands first
	// wins; a loser's bytes are already durably stored under the same
	// species-keyed asset path, so nothing is wasted. A URL left nil
	// here (its Put failed) is written as NULL, not as an empty string,
	// since every non-null asset URL must correspond to a successful put.
	won, err := w.repo.SetSpeciesAsset(ctx, result.SpeciesCode, imageURL, gifURL, now)
	if err != nil {
		return fmt.Errorf("pipeline: set species asset for %s: %w", result.SpeciesCode, err)
	}
	if won {
		species.AssetImageURL = imageURL
		species.AssetGIFURL = gifURL
	} else {
		refreshed, err := w.repo.GetSpecies(ctx, result.SpeciesCode)
		if err == nil {
			species = refreshed
		}
	}

	return w.complete(ctx, captureID, species, result.Confidence, "")
}

// publishProgress announces a non-terminal status change, per spec.md
// §4.4's "every non-terminal transition publishes capture.progress
// (best-effort)". Delivery failure (no subscribers, full buffers) is
// never an error here — progress events are advisory, unlike the
// terminal events complete/fail publish.
func (w *Worker) publishProgress(userID, captureID, deviceID string, status model.CaptureStatus, now time.Time) {
	w.bus.Publish("user:"+userID, eventbus.Event{
		Type:      eventbus.EventCaptureProgress,
		CaptureID: captureID,
		Status:    string(status),
		Timestamp: now,
		DeviceID:  deviceID,
	})
}

func (w *Worker) complete(ctx context.Context, captureID string, species model.Species, confidence float64, note string) error {
	return w.completeWithNote(ctx, captureID, species, confidence, note)
}

func (w *Worker) completeWithNote(ctx context.Context, captureID string, species model.Species, confidence float64, note string) error {
	now := w.clock.Now()

	var mutate func(f *repository.TransitionFields)
	if note != "" {
		mutate = repository.WithNoteAndProcessedAt(note)
	} else {
		mutate = repository.WithProcessedAt
	}

	if err := w.repo.TransitionCapture(ctx, captureID,
		[]model.CaptureStatus{model.CaptureStatusClassified, model.CaptureStatusGenerating}, model.CaptureStatusProcessed,
		now, mutate); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("pipeline: complete capture %s: %w", captureID, err)
	}

	capture, err := w.repo.GetCapture(ctx, captureID)
	if err != nil {
		return fmt.Errorf("pipeline: reload completed capture %s: %w", captureID, err)
	}

	w.bus.Publish("user:"+capture.UserID, eventbus.Event{
		Type:           eventbus.EventCaptureProcessed,
		CaptureID:      captureID,
		Status:         string(model.CaptureStatusProcessed),
		Timestamp:      now,
		DeviceID:       capture.DeviceID,
		SpeciesCode:    species.Code,
		CommonName:     species.CommonName,
		ScientificName: species.ScientificName,
		Confidence:     confidence,
		AssetImageURL:  stringOrEmpty(species.AssetImageURL),
		AssetGIFURL:    stringOrEmpty(species.AssetGIFURL),
	})
	return nil
}

// terminalWriteTimeout bounds the fresh context substituted in when the
// job's own deadline has already expired, so the terminal write still
// lands instead of racing a context that's already cancelled.
const terminalWriteTimeout = 5 * time.Second

func (w *Worker) fail(ctx context.Context, captureID, reason string, cause error) error {
	now := w.clock.Now()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ReasonDeadline
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), terminalWriteTimeout)
		defer cancel()
	}

	if err := w.repo.TransitionCapture(ctx, captureID,
		[]model.CaptureStatus{model.CaptureStatusPending, model.CaptureStatusClassifying, model.CaptureStatusClassified, model.CaptureStatusGenerating},
		model.CaptureStatusFailed, now, repository.WithFailureReasonAndProcessedAt(reason)); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("pipeline: fail capture %s: %w", captureID, err)
	}

	capture, err := w.repo.GetCapture(ctx, captureID)
	if err == nil {
		w.bus.Publish("user:"+capture.UserID, eventbus.Event{
			Type:          eventbus.EventCaptureFailed,
			CaptureID:     captureID,
			Status:        string(model.CaptureStatusFailed),
			Timestamp:     now,
			DeviceID:      capture.DeviceID,
			FailureReason: reason,
		})
	}

	w.logger.Error("capture failed", slog.String("capture_id", captureID), slog.String("reason", reason), slog.Any("cause", cause))
	return cause
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
