// Package breaker implements a closed/open/half-open circuit breaker
// guarding calls to the external Classifier and Generator (C4). No
// library in the retrieval pack offers one (see DESIGN.md), so this is
// hand-rolled to the exact state machine spec.md §4.3 describes: a
// rolling failure-rate window trips the breaker open; after a cooldown
// it allows one probe through (half-open); the probe's outcome decides
// whether it closes again or reopens.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/patanet7/ChirpNeighbors/internal/clockid"
)

// State is the breaker's current mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes the breaker's trip and recovery behavior.
type Config struct {
	// FailureThreshold is the rolling failure rate (0-1) that trips the
	// breaker from closed to open.
	FailureThreshold float64
	// MinSamples is the minimum number of calls in the window before
	// the failure rate is evaluated at all.
	MinSamples int
	// Window is how far back failure/success samples are considered.
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe.
	Cooldown time.Duration
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is one mutex-guarded state machine, safe for concurrent use
// by all dispatcher workers sharing a single collaborator client.
type Breaker struct {
	cfg   Config
	clock clockid.Clock

	mu          sync.Mutex
	state       State
	samples     []sample
	openedAt    time.Time
	halfOpenBusy bool
}

// New constructs a Breaker in the closed state.
func New(cfg Config, clock clockid.Clock) *Breaker {
	return &Breaker{cfg: cfg, clock: clock, state: Closed}
}

// State reports the current breaker state, for metrics/introspection.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. It returns ErrOpen if the
// breaker is open and the cooldown has not elapsed; it admits exactly
// one concurrent probe when transitioning to half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenBusy = true
		return nil
	case HalfOpen:
		if b.halfOpenBusy {
			return ErrOpen
		}
		b.halfOpenBusy = true
		return nil
	}
	return nil
}

// Report records the outcome of a call previously admitted by Allow.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.state == HalfOpen {
		b.halfOpenBusy = false
		if success {
			b.state = Closed
			b.samples = nil
		} else {
			b.state = Open
			b.openedAt = now
			b.samples = nil
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, success: success})
	b.pruneLocked(now)

	if len(b.samples) < b.cfg.MinSamples {
		return
	}

	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(b.samples))
	if rate >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = now
		b.samples = nil
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.samples = kept
}

// Do runs fn if the breaker admits the call, recording its outcome.
// ctx cancellation is treated as neither success nor failure — the
// context failed, not the collaborator.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if ctx.Err() != nil {
		// caller's context died; don't let that count against the
		// collaborator's health.
		b.mu.Lock()
		if b.state == HalfOpen {
			b.halfOpenBusy = false
		}
		b.mu.Unlock()
		return err
	}
	b.Report(err == nil)
	return err
}
