package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/dispatcher"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/ratelimit"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
)

type memStore struct {
	puts map[string][]byte
}

func newMemStore() *memStore { return &memStore{puts: map[string][]byte{}} }

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.puts[key] = b
	return "https://blobs.example/" + key, nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m.puts[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.puts[key]
	return ok, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newMockRepo(t *testing.T) (*repository.Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return repository.New(mock), mock
}

func deviceRows(id, owner string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "owner_user_id", "firmware_version", "capabilities", "last_seen",
		"battery_voltage", "rssi", "sequence_hwm", "created_at", "updated_at",
	}).AddRow(id, owner, "1.0.0", []byte("{}"), time.Now().UTC(),
		(*float64)(nil), (*int)(nil), int64(0), time.Now().UTC(), time.Now().UTC())
}

func captureRows(id, userID, deviceID string, status model.CaptureStatus, seq int64) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "user_id", "device_id", "clip_key", "device_seq", "received_at", "processed_at",
		"status", "species_code", "confidence", "failure_reason", "note", "attempt", "created_at", "updated_at",
	}).AddRow(id, userID, deviceID, "clipkey", seq, now, (*time.Time)(nil),
		status, (*string)(nil), (*float64)(nil), (*string)(nil), (*string)(nil), 0, now, now)
}

func newDispatcher(job dispatcher.JobFunc) *dispatcher.Dispatcher {
	return dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 4, DedupTTL: time.Minute}, job, nil, testLogger())
}

func TestCaptures_UploadCapture_RejectsUnsupportedContentType(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))

	disp := newDispatcher(func(ctx context.Context, id string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{})

	_, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "video/mp4", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestCaptures_UploadCapture_RejectsForeignDevice(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "someone-else"))

	disp := newDispatcher(func(ctx context.Context, id string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{})

	_, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "audio/wav", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCaptures_UploadCapture_RejectsOversizeClip(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))

	disp := newDispatcher(func(ctx context.Context, id string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{MaxUploadBytes: 4})

	_, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "audio/wav", bytes.NewReader([]byte("too many bytes")))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCaptures_UploadCapture_RejectsRateLimited(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))

	disp := newDispatcher(func(ctx context.Context, id string) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(1, 0, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{})

	_, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "audio/wav", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestCaptures_UploadCapture_AdmitsAndDispatches(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))
	mock.ExpectQuery(`INSERT INTO captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(captureRows("cap-1", "user-1", "dev-1", model.CaptureStatusPending, 1))

	submitted := make(chan string, 1)
	disp := newDispatcher(func(ctx context.Context, id string) error {
		submitted <- id
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{})

	capture, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "audio/wav", bytes.NewReader([]byte("clip-bytes")))
	require.NoError(t, err)
	require.Equal(t, model.CaptureStatusPending, capture.Status)

	select {
	case id := <-submitted:
		require.Equal(t, "cap-1", id)
	case <-time.After(time.Second):
		t.Fatal("dispatcher never received the capture")
	}
}

func TestCaptures_UploadCapture_MarksBusyCaptureFailed(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))
	mock.ExpectQuery(`INSERT INTO captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(captureRows("cap-1", "user-1", "dev-1", model.CaptureStatusPending, 1))
	mock.ExpectExec(`UPDATE captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT .* FROM captures WHERE id = \$1`).
		WithArgs("cap-1").
		WillReturnRows(captureRows("cap-1", "user-1", "dev-1", model.CaptureStatusFailed, 1))

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	disp := dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 1, DedupTTL: time.Minute}, func(ctx context.Context, id string) error {
		started <- struct{}{}
		<-block
		return nil
	}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	// Occupy the single worker and fill the single-slot queue so the
	// next Submit for our test capture comes back Busy.
	disp.Submit("occupying-the-worker")
	<-started
	disp.Submit("filling-the-queue")

	svc := NewCaptures(repo, newMemStore(), disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, Config{})
	capture, err := svc.UploadCapture(context.Background(), "user-1", "dev-1", 1, "audio/wav", bytes.NewReader([]byte("clip-bytes")))
	require.NoError(t, err)
	require.Equal(t, model.CaptureStatusFailed, capture.Status)

	close(block)
}

func TestDevices_Heartbeat_ToleratesOutOfOrderTimestampAsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	now := time.Now().UTC()
	stale := now.Add(-time.Minute)

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))
	mock.ExpectExec(`UPDATE devices`).
		WithArgs("dev-1", stale, (*float64)(nil), (*int)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	svc := NewDevices(repo, clockid.SystemClock{})
	device, err := svc.Heartbeat(context.Background(), "user-1", "dev-1", stale, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "dev-1", device.ID)
}

func TestDevices_Heartbeat_RejectsForeignDevice(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "someone-else"))

	svc := NewDevices(repo, clockid.SystemClock{})
	_, err := svc.Heartbeat(context.Background(), "user-1", "dev-1", time.Now().UTC(), nil, nil)
	require.ErrorIs(t, err, ErrForbidden)
}
