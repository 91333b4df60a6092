// Package dispatcher is the Dispatcher (C6): a fixed-size worker pool
// draining a bounded queue of capture ids, deduplicating in-flight
// work. The dedup set is an expirable.LRU keyed by capture id, grounded
// in query-module's cache.go wrapping of hashicorp/golang-lru/v2/
// expirable — there it caches file metadata with a TTL; here the same
// primitive tracks "already queued or running" membership with the
// entry's TTL standing in for the job's outer deadline, so a dedup
// entry that outlives its worker self-heals instead of wedging a
// capture out of future dispatch forever.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bw_dispatcher_queue_depth",
		Help: "Number of capture ids currently queued for dispatch.",
	})
	submittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bw_dispatcher_submitted_total",
		Help: "Total capture ids accepted by the dispatcher.",
	})
	dedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bw_dispatcher_deduped_total",
		Help: "Total capture ids rejected as already in flight.",
	})
	busyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bw_dispatcher_busy_total",
		Help: "Total capture ids rejected because the queue was full.",
	})
)

// SubmitResult is the outcome of Submit, per spec.md §4.5.
type SubmitResult int

const (
	// Accepted means the capture id was queued for processing.
	Accepted SubmitResult = iota
	// Deduped means the capture id is already queued or running.
	Deduped
	// Busy means the queue is full; the caller should retry later.
	Busy
)

// JobFunc processes one capture id. Returns the error (if any) the
// pipeline surfaced, purely for logging here.
type JobFunc func(ctx context.Context, captureID string) error

// FailFunc resolves a capture id that never reached the pipeline,
// marking it failed so it doesn't sit pending forever. Shutdown calls
// this for every capture id still queued when the worker pool stops,
// rather than leaving them for the reaper to reclassify as Orphaned.
type FailFunc func(ctx context.Context, captureID string) error

// drainTimeout bounds how long Shutdown waits for FailFunc to resolve
// the captures still queued, independent of the ctx passed to Shutdown
// (which may already be expired by the time draining starts).
const drainTimeout = 5 * time.Second

// Dispatcher runs a fixed pool of workers pulling capture ids off a
// bounded channel, deduplicated against an expirable in-flight set.
type Dispatcher struct {
	queue    chan string
	inFlight *expirable.LRU[string, struct{}]
	job      JobFunc
	failJob  FailFunc
	logger   *slog.Logger

	workerCount int
	cancel      context.CancelFunc
	done        chan struct{}
}

// Config tunes the dispatcher's pool and queue.
type Config struct {
	WorkerCount  int
	QueueCapacity int
	DedupTTL     time.Duration
}

// New constructs a Dispatcher. Call Run to start the worker pool.
// failJob may be nil, in which case Shutdown leaves any still-queued
// captures for the reaper to reclaim instead of failing them outright.
func New(cfg Config, job JobFunc, failJob FailFunc, logger *slog.Logger) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &Dispatcher{
		queue:       make(chan string, cfg.QueueCapacity),
		inFlight:    expirable.NewLRU[string, struct{}](cfg.QueueCapacity+cfg.WorkerCount*2, nil, cfg.DedupTTL),
		job:         job,
		failJob:     failJob,
		logger:      logger.With(slog.String("component", "dispatcher")),
		workerCount: cfg.WorkerCount,
		done:        make(chan struct{}),
	}
}

// Submit enqueues captureID for processing, returning whether it was
// Accepted, Deduped against already in-flight work, or rejected as
// Busy because the queue is full.
func (d *Dispatcher) Submit(captureID string) SubmitResult {
	if _, ok := d.inFlight.Get(captureID); ok {
		dedupedTotal.Inc()
		return Deduped
	}

	select {
	case d.queue <- captureID:
		d.inFlight.Add(captureID, struct{}{})
		submittedTotal.Inc()
		queueDepthGauge.Set(float64(len(d.queue)))
		return Accepted
	default:
		busyTotal.Inc()
		return Busy
	}
}

// Run starts the worker pool; it blocks until ctx is cancelled, then
// waits for in-flight jobs to finish before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	workerDone := make(chan struct{}, d.workerCount)
	for i := 0; i < d.workerCount; i++ {
		go func(workerID int) {
			defer func() { workerDone <- struct{}{} }()
			d.runWorker(ctx, workerID)
		}(i)
	}

	for i := 0; i < d.workerCount; i++ {
		<-workerDone
	}
	close(d.done)
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID int) {
	log := d.logger.With(slog.Int("worker", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		case captureID, ok := <-d.queue:
			if !ok {
				return
			}
			queueDepthGauge.Set(float64(len(d.queue)))
			if err := d.job(ctx, captureID); err != nil {
				log.Error("capture processing failed", slog.String("capture_id", captureID), slog.Any("error", err))
			}
			d.inFlight.Remove(captureID)
		}
	}
}

// Shutdown cancels the worker pool, waits for all workers to exit or
// ctx to expire, then drains any capture ids still sitting in the
// queue through failJob so they leave shutdown in a terminal state
// instead of stranded pending.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	var waitErr error
	select {
	case <-d.done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	d.drainQueue()
	return waitErr
}

// drainQueue fails every capture id left in the queue once the worker
// pool has stopped pulling from it. It uses its own timeout rather
// than the caller's ctx, which may already be expired by the time
// Shutdown gets here.
func (d *Dispatcher) drainQueue() {
	if d.failJob == nil {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case captureID := <-d.queue:
			d.inFlight.Remove(captureID)
			if err := d.failJob(drainCtx, captureID); err != nil {
				d.logger.Error("failing queued capture on shutdown", slog.String("capture_id", captureID), slog.Any("error", err))
			}
		default:
			return
		}
	}
}

// QueueDepth reports the current queue length, for tests and metrics.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }
