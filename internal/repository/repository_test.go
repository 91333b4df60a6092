package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/patanet7/ChirpNeighbors/internal/model"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return New(mock), mock
}

func strPtr(s string) *string { return &s }

func TestRepository_CreateCapture(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "user_id", "device_id", "clip_key", "device_seq", "received_at", "processed_at",
		"status", "species_code", "confidence", "failure_reason", "note", "attempt", "created_at", "updated_at",
	}).AddRow("cap-1", "user-1", "dev-1", "clipkey", int64(1), now, (*time.Time)(nil),
		model.CaptureStatusPending, (*string)(nil), (*float64)(nil), (*string)(nil), (*string)(nil), 0, now, now)

	mock.ExpectQuery(`INSERT INTO captures`).
		WithArgs("cap-1", "user-1", "dev-1", "clipkey", int64(1), now, model.CaptureStatusPending).
		WillReturnRows(rows)

	out, err := repo.CreateCapture(ctx, model.Capture{
		ID: "cap-1", UserID: "user-1", DeviceID: "dev-1", ClipKey: "clipkey", DeviceSeq: 1, ReceivedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, model.CaptureStatusPending, out.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetCapture_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM captures WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetCapture(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_TransitionCapture_InvalidTransition(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.TransitionCapture(ctx, "cap-1", []model.CaptureStatus{model.CaptureStatusPending}, model.CaptureStatusClassifying, now, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_TransitionCapture_OK(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.TransitionCapture(ctx, "cap-1", []model.CaptureStatus{model.CaptureStatusPending}, model.CaptureStatusClassifying, now, WithIncrementAttempt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_TouchDevice_StaleTimestampConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE devices`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.TouchDevice(ctx, "dev-1", now, nil, nil)
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetSpeciesAsset_FirstWriterWins(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE species`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	won, err := repo.SetSpeciesAsset(ctx, "amecro", strPtr("https://x/img.png"), strPtr("https://x/a.gif"), now)
	require.NoError(t, err)
	require.True(t, won)

	mock.ExpectExec(`UPDATE species`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	won, err = repo.SetSpeciesAsset(ctx, "amecro", strPtr("https://x/img2.png"), strPtr("https://x/a2.gif"), now)
	require.NoError(t, err)
	require.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}
