package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patanet7/ChirpNeighbors/internal/clockid"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinSamples:       4,
		Window:           time.Minute,
		Cooldown:         10 * time.Second,
	}
}

func TestBreaker_TripsOpenAfterFailureThreshold(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)

	b.Report(false)
	b.Report(false)
	b.Report(false)
	require.Equal(t, Closed, b.State())
	b.Report(false)
	require.Equal(t, Open, b.State())
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)

	b.Report(true)
	b.Report(true)
	b.Report(true)
	b.Report(false)
	require.Equal(t, Closed, b.State())
}

func TestBreaker_RejectsDuringCooldownThenHalfOpens(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)

	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	require.Equal(t, Open, b.State())
	require.ErrorIs(t, b.Allow(), ErrOpen)

	clock.Advance(testConfig().Cooldown + time.Second)
	require.NoError(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	clock.Advance(testConfig().Cooldown + time.Second)
	require.NoError(t, b.Allow())
	b.Report(true)
	require.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}
	clock.Advance(testConfig().Cooldown + time.Second)
	require.NoError(t, b.Allow())
	b.Report(false)
	require.Equal(t, Open, b.State())
}

func TestBreaker_Do_RejectsWhenOpen(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)
	for i := 0; i < 4; i++ {
		b.Report(false)
	}

	called := false
	err := b.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called)
}

func TestBreaker_Do_PropagatesCallError(t *testing.T) {
	clock := clockid.NewFixedClock(time.Now())
	b := New(testConfig(), clock)

	wantErr := errors.New("boom")
	err := b.Do(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}
