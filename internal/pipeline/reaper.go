package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/eventbus"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
)

// Reaper periodically reclaims captures stuck in a non-terminal state
// because their worker crashed mid-pipeline, transitioning them to
// failed with reason Orphaned. Grounded in admin-module's dephealth.go
// ticking-goroutine-plus-context-cancel shape, applied here to reclaim
// stuck rows instead of polling dependency health.
type Reaper struct {
	repo        *repository.Repository
	bus         *eventbus.Bus
	clock       clockid.Clock
	stuckAfter  time.Duration
	logger      *slog.Logger
}

// NewReaper constructs a Reaper. stuckAfter is how long a capture may
// sit in a non-terminal state before being considered orphaned
// (spec.md default: 2 minutes).
func NewReaper(repo *repository.Repository, bus *eventbus.Bus, clock clockid.Clock, stuckAfter time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		repo:       repo,
		bus:        bus,
		clock:      clock,
		stuckAfter: stuckAfter,
		logger:     logger.With(slog.String("component", "reaper")),
	}
}

// Run ticks every interval until ctx is cancelled, reclaiming orphaned
// captures on each tick.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.logger.Error("reap pass failed", slog.Any("error", err))
			}
		}
	}
}

// ReapOnce scans for and reclaims all currently orphaned captures, and
// is also the entry point integration tests exercise directly without
// waiting for a ticker.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.stuckAfter)
	stuck, err := r.repo.ListStuckCaptures(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, c := range stuck {
		now := r.clock.Now()
		err := r.repo.TransitionCapture(ctx, c.ID,
			[]model.CaptureStatus{model.CaptureStatusPending, model.CaptureStatusClassifying, model.CaptureStatusClassified, model.CaptureStatusGenerating},
			model.CaptureStatusFailed, now, repository.WithFailureReasonAndProcessedAt(ReasonOrphaned))
		if err != nil {
			r.logger.Warn("failed to reap orphaned capture", slog.String("capture_id", c.ID), slog.Any("error", err))
			continue
		}
		r.bus.Publish("user:"+c.UserID, eventbus.Event{
			Type:          eventbus.EventCaptureFailed,
			CaptureID:     c.ID,
			Status:        string(model.CaptureStatusFailed),
			Timestamp:     now,
			DeviceID:      c.DeviceID,
			FailureReason: ReasonOrphaned,
		})
		r.logger.Info("reaped orphaned capture", slog.String("capture_id", c.ID))
	}
	return nil
}
