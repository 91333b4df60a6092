package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/patanet7/ChirpNeighbors/internal/api/middleware"
	"github.com/patanet7/ChirpNeighbors/internal/clockid"
	"github.com/patanet7/ChirpNeighbors/internal/dispatcher"
	"github.com/patanet7/ChirpNeighbors/internal/model"
	"github.com/patanet7/ChirpNeighbors/internal/ratelimit"
	"github.com/patanet7/ChirpNeighbors/internal/repository"
	"github.com/patanet7/ChirpNeighbors/internal/service"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func withUser(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), middleware.ContextKeyUserID, userID)
	return r.WithContext(ctx)
}

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

func captureRows(id, userID, deviceID string, status model.CaptureStatus) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "user_id", "device_id", "clip_key", "device_seq", "received_at", "processed_at",
		"status", "species_code", "confidence", "failure_reason", "note", "attempt", "created_at", "updated_at",
	}).AddRow(id, userID, deviceID, "clipkey", int64(1), now, (*time.Time)(nil),
		status, (*string)(nil), (*float64)(nil), (*string)(nil), (*string)(nil), 0, now, now)
}

func decodeErrorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &out))
	return out.Error.Code
}

func TestDevices_RegisterDevice_RequiresAuth(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	h := NewDevices(service.NewDevices(repo, clockid.SystemClock{}), testLogger())
	req := httptest.NewRequest(http.MethodPost, "/v1/devices/register", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDevices_RegisterDevice_ValidatesBody(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	h := NewDevices(service.NewDevices(repo, clockid.SystemClock{}), testLogger())
	req := withUser(httptest.NewRequest(http.MethodPost, "/v1/devices/register", bytes.NewReader([]byte(`{}`))), "user-1")
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", decodeErrorCode(t, rec.Body))
}

func TestDevices_RegisterDevice_Success(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO devices`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(deviceRows("dev-1", "user-1"))

	h := NewDevices(service.NewDevices(repo, clockid.SystemClock{}), testLogger())
	body := bytes.NewReader([]byte(`{"device_id":"dev-1","firmware_version":"1.0.0"}`))
	req := withUser(httptest.NewRequest(http.MethodPost, "/v1/devices/register", body), "user-1")
	rec := httptest.NewRecorder()

	h.RegisterDevice(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out deviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "dev-1", out.ID)
}

func TestDevices_Heartbeat_ForeignDeviceIsForbidden(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "someone-else"))

	h := NewDevices(service.NewDevices(repo, clockid.SystemClock{}), testLogger())
	body := bytes.NewReader([]byte(`{"timestamp":"2026-08-06T12:00:00Z"}`))
	req := withUser(httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/heartbeat", body), "user-1")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "dev-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Heartbeat(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "FORBIDDEN", decodeErrorCode(t, rec.Body))
}

func newCapturesHandler(t *testing.T, repo *repository.Repository, disp *dispatcher.Dispatcher) *Captures {
	t.Helper()
	svc := service.NewCaptures(repo, noopStore{}, disp, ratelimit.New(100, 100, time.Minute), clockid.UUIDMinter{}, clockid.SystemClock{}, service.Config{})
	return NewCaptures(svc, 10*1024*1024, testLogger())
}

type noopStore struct{}

func (noopStore) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	_, err := io.Copy(io.Discard, r)
	return "https://blobs.example/" + key, err
}
func (noopStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (noopStore) Exists(_ context.Context, key string) (bool, error) { return false, nil }

func multipartUploadBody(t *testing.T, fields map[string]string, clip []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part := make(textproto.MIMEHeader)
	part.Set("Content-Disposition", `form-data; name="audio_file"; filename="clip.wav"`)
	part.Set("Content-Type", "audio/wav")
	fw, err := w.CreatePart(part)
	require.NoError(t, err)
	_, err = fw.Write(clip)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestCaptures_UploadCapture_Success(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM devices WHERE id = \$1`).
		WithArgs("dev-1").
		WillReturnRows(deviceRows("dev-1", "user-1"))
	mock.ExpectQuery(`INSERT INTO captures`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(captureRows("cap-1", "user-1", "dev-1", model.CaptureStatusPending))

	disp := dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 4, DedupTTL: time.Minute},
		func(ctx context.Context, id string) error { return nil }, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	h := newCapturesHandler(t, repo, disp)
	body, contentType := multipartUploadBody(t, map[string]string{"device_id": "dev-1", "device_sequence": "1"}, []byte("clip-bytes"))

	req := withUser(httptest.NewRequest(http.MethodPost, "/v1/captures", body), "user-1")
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	h.UploadCapture(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCaptures_UploadCapture_MissingClipFieldIsValidationError(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	h := newCapturesHandler(t, repo, dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 1, DedupTTL: time.Minute},
		func(ctx context.Context, id string) error { return nil }, nil, testLogger()))

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("device_id", "dev-1"))
	require.NoError(t, w.WriteField("device_sequence", "1"))
	require.NoError(t, w.Close())

	req := withUser(httptest.NewRequest(http.MethodPost, "/v1/captures", buf), "user-1")
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	h.UploadCapture(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaptures_ListCaptures_EmitsNextCursorWhenPageIsFull(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM captures WHERE user_id = \$1`).
		WithArgs("user-1", 1, 0).
		WillReturnRows(captureRows("cap-1", "user-1", "dev-1", model.CaptureStatusProcessed))

	h := newCapturesHandler(t, repo, dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 1, DedupTTL: time.Minute},
		func(ctx context.Context, id string) error { return nil }, nil, testLogger()))

	req := withUser(httptest.NewRequest(http.MethodGet, "/v1/captures?limit=1", nil), "user-1")
	rec := httptest.NewRecorder()

	h.ListCaptures(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Captures   []captureResponse `json:"captures"`
		NextCursor string            `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Captures, 1)
	require.NotEmpty(t, out.NextCursor)

	offset, err := decodeCursor(out.NextCursor)
	require.NoError(t, err)
	require.Equal(t, 1, offset)
}

func TestCaptures_ListCaptures_FollowsCursorToSecondPage(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM captures WHERE user_id = \$1`).
		WithArgs("user-1", 1, 1).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "device_id", "clip_key", "device_seq", "received_at", "processed_at",
			"status", "species_code", "confidence", "failure_reason", "note", "attempt", "created_at", "updated_at",
		}))

	h := newCapturesHandler(t, repo, dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 1, DedupTTL: time.Minute},
		func(ctx context.Context, id string) error { return nil }, nil, testLogger()))

	req := withUser(httptest.NewRequest(http.MethodGet, "/v1/captures?limit=1&cursor="+encodeCursor(1), nil), "user-1")
	rec := httptest.NewRecorder()

	h.ListCaptures(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Captures   []captureResponse `json:"captures"`
		NextCursor string            `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Empty(t, out.Captures)
	require.Empty(t, out.NextCursor)
}

func TestCaptures_GetCapture_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT .* FROM captures WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	h := newCapturesHandler(t, repo, dispatcher.New(dispatcher.Config{WorkerCount: 1, QueueCapacity: 1, DedupTTL: time.Minute},
		func(ctx context.Context, id string) error { return nil }, nil, testLogger()))

	req := withUser(httptest.NewRequest(http.MethodGet, "/v1/captures/missing", nil), "user-1")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "missing")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.GetCapture(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHealth_Readyz_ReportsRepositoryFailure(t *testing.T) {
	h := NewHealth(fakePinger{err: errors.New("connection refused")}, "test")
	req := httptest.NewRequest(http.MethodGet, "/v1/readyz", nil)
	rec := httptest.NewRecorder()

	h.Readyz(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_Healthz_AlwaysOK(t *testing.T) {
	h := NewHealth(fakePinger{}, "test")
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	rec := httptest.NewRecorder()

	h.Healthz(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
