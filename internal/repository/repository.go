// Package repository is the Repository component (C3): the sole
// source of truth for Capture/Device/Species/User rows and their state
// transitions. Grounded in admin-module's repository.go: a DBTX
// interface satisfied by both *pgxpool.Pool and pgx.Tx, plus a TxRunner
// wrapping the begin/commit/rollback dance. Repository methods run
// directly on the Repository's pool, each as a single SQL statement;
// none of them goes through TxRunner. The original's request-scoped
// session object is replaced per the redesign flags: no package-level
// session state.
package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/patanet7/ChirpNeighbors/internal/model"
)

// capabilitiesJSON adapts model.Device.Capabilities (a plain
// map[string]string) to the devices.capabilities JSONB column, via the
// database/sql Valuer/Scanner fallback pgx uses for types it has no
// built-in codec for.
type capabilitiesJSON map[string]string

func (m capabilitiesJSON) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}

func (m *capabilitiesJSON) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = capabilitiesJSON{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("repository: unsupported capabilities scan source %T", src)
	}
	out := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("repository: unmarshal capabilities: %w", err)
		}
	}
	*m = out
	return nil
}

// Errors surfaced by repository methods, a closed set per spec.md §7.
var (
	ErrNotFound          = errors.New("repository: not found")
	ErrInvalidTransition = errors.New("repository: invalid state transition")
	ErrConflict          = errors.New("repository: conflict")
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// repository method run either standalone or inside a caller-managed
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the Repository relies on. It is
// an interface, not the concrete pool type, so unit tests can swap in
// pgxmock.PgxPoolIface without a real database.
type Pool interface {
	DBTX
	Ping(ctx context.Context) error
}

// TxRunner begins a transaction, runs fn, and commits or rolls back
// based on fn's error.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner wraps pool for transactional calls.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx runs fn with a DBTX bound to a fresh transaction, committing
// on success and rolling back on any error (including a panic, which
// is re-raised after rollback).
func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(ctx, tx)
	return err
}

// Repository implements every C3 operation from spec.md §4.2.
type Repository struct {
	pool Pool
}

// New constructs a Repository over an established pool.
func New(pool Pool) *Repository {
	return &Repository{pool: pool}
}

// RegisterOrUpdateDevice upserts a device row by id, refreshing
// firmware/capability metadata. Returns the owning user id unchanged
// if the device already existed.
func (r *Repository) RegisterOrUpdateDevice(ctx context.Context, d model.Device) (model.Device, error) {
	const q = `
		INSERT INTO devices (id, owner_user_id, firmware_version, capabilities, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			firmware_version = EXCLUDED.firmware_version,
			capabilities = EXCLUDED.capabilities,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
		RETURNING id, owner_user_id, firmware_version, capabilities, last_seen,
			battery_voltage, rssi, sequence_hwm, created_at, updated_at`

	var out model.Device
	var caps capabilitiesJSON
	err := r.pool.QueryRow(ctx, q, d.ID, d.OwnerUserID, d.FirmwareVersion, capabilitiesJSON(d.Capabilities), d.LastSeen).Scan(
		&out.ID, &out.OwnerUserID, &out.FirmwareVersion, &caps, &out.LastSeen,
		&out.BatteryVoltage, &out.RSSI, &out.SequenceHWM, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return model.Device{}, fmt.Errorf("repository: register device: %w", err)
	}
	out.Capabilities = map[string]string(caps)
	return out, nil
}

// TouchDevice records a heartbeat: updates last_seen to the client's
// declared heartbeatAt, plus optional battery and RSSI telemetry.
// Monotonicity is enforced against the stored last_seen directly —
// device_seq/sequence_hwm is reserved for clip deduplication on
// captures and plays no part here. Returns ErrConflict if heartbeatAt
// is not strictly after the recorded last_seen, a stale or reordered
// heartbeat arriving after a newer one.
func (r *Repository) TouchDevice(ctx context.Context, deviceID string, heartbeatAt time.Time, batteryVoltage *float64, rssi *int) error {
	const q = `
		UPDATE devices
		SET last_seen = $2, battery_voltage = COALESCE($3, battery_voltage),
			rssi = COALESCE($4, rssi), updated_at = $2
		WHERE id = $1 AND last_seen < $2`

	tag, err := r.pool.Exec(ctx, q, deviceID, heartbeatAt, batteryVoltage, rssi)
	if err != nil {
		return fmt.Errorf("repository: touch device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM devices WHERE id = $1)`, deviceID).Scan(&exists); err != nil {
			return fmt.Errorf("repository: touch device existence check: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
		}
		return fmt.Errorf("%w: heartbeat timestamp %s not newer than recorded last_seen", ErrConflict, heartbeatAt)
	}
	return nil
}

// GetDevice fetches a device by id.
func (r *Repository) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	const q = `
		SELECT id, owner_user_id, firmware_version, capabilities, last_seen,
			battery_voltage, rssi, sequence_hwm, created_at, updated_at
		FROM devices WHERE id = $1`

	var d model.Device
	var caps capabilitiesJSON
	err := r.pool.QueryRow(ctx, q, deviceID).Scan(
		&d.ID, &d.OwnerUserID, &d.FirmwareVersion, &caps, &d.LastSeen,
		&d.BatteryVoltage, &d.RSSI, &d.SequenceHWM, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Device{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("repository: get device: %w", err)
	}
	d.Capabilities = map[string]string(caps)
	return d, nil
}

// CreateCapture inserts a new capture in pending status. The
// (device_id, device_seq) pair is unique: a retried upload with the
// same sequence number returns the existing row instead of erroring,
// giving UploadCapture its idempotency per spec.md's duplicate-upload
// invariant.
func (r *Repository) CreateCapture(ctx context.Context, c model.Capture) (model.Capture, error) {
	const q = `
		INSERT INTO captures (id, user_id, device_id, clip_key, device_seq, received_at, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $6, $6)
		ON CONFLICT (device_id, device_seq) DO UPDATE SET device_id = EXCLUDED.device_id
		RETURNING id, user_id, device_id, clip_key, device_seq, received_at, processed_at,
			status, species_code, confidence, failure_reason, note, attempt, created_at, updated_at`

	var out model.Capture
	err := r.pool.QueryRow(ctx, q, c.ID, c.UserID, c.DeviceID, c.ClipKey, c.DeviceSeq, c.ReceivedAt, model.CaptureStatusPending).Scan(
		&out.ID, &out.UserID, &out.DeviceID, &out.ClipKey, &out.DeviceSeq, &out.ReceivedAt, &out.ProcessedAt,
		&out.Status, &out.SpeciesCode, &out.Confidence, &out.FailureReason, &out.Note, &out.Attempt, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return model.Capture{}, fmt.Errorf("repository: create capture: %w", err)
	}
	return out, nil
}

// GetCapture fetches a capture by id.
func (r *Repository) GetCapture(ctx context.Context, id string) (model.Capture, error) {
	const q = `
		SELECT id, user_id, device_id, clip_key, device_seq, received_at, processed_at,
			status, species_code, confidence, failure_reason, note, attempt, created_at, updated_at
		FROM captures WHERE id = $1`

	var c model.Capture
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.UserID, &c.DeviceID, &c.ClipKey, &c.DeviceSeq, &c.ReceivedAt, &c.ProcessedAt,
		&c.Status, &c.SpeciesCode, &c.Confidence, &c.FailureReason, &c.Note, &c.Attempt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Capture{}, fmt.Errorf("%w: capture %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Capture{}, fmt.Errorf("repository: get capture: %w", err)
	}
	return c, nil
}

// ListCapturesForUser returns a page of captures owned by userID, newest
// first, per the cursor-free offset pagination query-module uses for
// its file listings.
func (r *Repository) ListCapturesForUser(ctx context.Context, userID string, limit, offset int) ([]model.Capture, error) {
	const q = `
		SELECT id, user_id, device_id, clip_key, device_seq, received_at, processed_at,
			status, species_code, confidence, failure_reason, note, attempt, created_at, updated_at
		FROM captures WHERE user_id = $1
		ORDER BY received_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("repository: list captures: %w", err)
	}
	defer rows.Close()

	var out []model.Capture
	for rows.Next() {
		var c model.Capture
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.DeviceID, &c.ClipKey, &c.DeviceSeq, &c.ReceivedAt, &c.ProcessedAt,
			&c.Status, &c.SpeciesCode, &c.Confidence, &c.FailureReason, &c.Note, &c.Attempt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCapture moves a capture's status forward, guarded by a
// whitelist of acceptable current statuses (fromStates). The guard is
// enforced in one statement so concurrent transitions on the same row
// race safely: only the update whose WHERE clause still matches wins.
func (r *Repository) TransitionCapture(ctx context.Context, id string, fromStates []model.CaptureStatus, to model.CaptureStatus, now time.Time, mutate func(*TransitionFields)) error {
	fields := &TransitionFields{}
	if mutate != nil {
		mutate(fields)
	}

	const q = `
		UPDATE captures
		SET status = $2, updated_at = $3,
			attempt = CASE WHEN $4 THEN attempt + 1 ELSE attempt END,
			species_code = COALESCE($5, species_code),
			confidence = COALESCE($6, confidence),
			failure_reason = COALESCE($7, failure_reason),
			note = COALESCE($8, note),
			processed_at = CASE WHEN $9 THEN $3 ELSE processed_at END
		WHERE id = $1 AND status = ANY($10)`

	tag, err := r.pool.Exec(ctx, q, id, to, now, fields.incrementAttempt,
		fields.speciesCode, fields.confidence, fields.failureReason, fields.note, fields.setProcessedAt, statusStrings(fromStates))
	if err != nil {
		return fmt.Errorf("repository: transition capture: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: capture %s not in %v", ErrInvalidTransition, id, fromStates)
	}
	return nil
}

// TransitionFields carries the optional columns a transition may set,
// built via a mutate closure so TransitionCapture's call sites stay
// terse for the common case.
type TransitionFields struct {
	incrementAttempt bool
	speciesCode      *string
	confidence       *float64
	failureReason    *string
	note             *string
	setProcessedAt   bool
}

// WithIncrementAttempt marks a transition as consuming an attempt.
func WithIncrementAttempt(f *TransitionFields) { f.incrementAttempt = true }

// WithSpecies records the classifier's verdict on a transition.
func WithSpecies(code string, confidence float64) func(*TransitionFields) {
	return func(f *TransitionFields) {
		f.speciesCode = &code
		f.confidence = &confidence
	}
}

// WithFailureReasonAndProcessedAt records why a capture moved to failed
// and stamps processed_at, since processed_at is set iff a capture is
// in a terminal state (processed or failed) — every failing transition
// must use this.
func WithFailureReasonAndProcessedAt(reason string) func(*TransitionFields) {
	return func(f *TransitionFields) {
		f.failureReason = &reason
		f.setProcessedAt = true
	}
}

// WithProcessedAt stamps processed_at on a terminal transition.
func WithProcessedAt(f *TransitionFields) { f.setProcessedAt = true }

// WithNoteAndProcessedAt stamps processed_at and records an
// informational note (e.g. artUnavailable) on a successful terminal
// transition — distinct from WithFailureReasonAndProcessedAt, which
// marks the capture itself as failed.
func WithNoteAndProcessedAt(note string) func(*TransitionFields) {
	return func(f *TransitionFields) {
		f.note = &note
		f.setProcessedAt = true
	}
}

func statusStrings(ss []model.CaptureStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// ListStuckCaptures returns non-terminal captures whose updated_at is
// older than olderThan, for the reaper to reclaim.
func (r *Repository) ListStuckCaptures(ctx context.Context, olderThan time.Time) ([]model.Capture, error) {
	const q = `
		SELECT id, user_id, device_id, clip_key, device_seq, received_at, processed_at,
			status, species_code, confidence, failure_reason, note, attempt, created_at, updated_at
		FROM captures
		WHERE status NOT IN ('processed', 'failed') AND updated_at < $1`

	rows, err := r.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, fmt.Errorf("repository: list stuck captures: %w", err)
	}
	defer rows.Close()

	var out []model.Capture
	for rows.Next() {
		var c model.Capture
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.DeviceID, &c.ClipKey, &c.DeviceSeq, &c.ReceivedAt, &c.ProcessedAt,
			&c.Status, &c.SpeciesCode, &c.Confidence, &c.FailureReason, &c.Note, &c.Attempt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository: scan stuck capture: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertSpecies inserts a species row on first sighting or returns the
// existing one unchanged; classifier metadata (common/scientific name,
// family) never overwrites a row that already exists, since species
// identity is established once.
func (r *Repository) UpsertSpecies(ctx context.Context, s model.Species, now time.Time) (model.Species, error) {
	const q = `
		INSERT INTO species (code, common_name, scientific_name, family, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (code) DO UPDATE SET code = species.code
		RETURNING code, common_name, scientific_name, family, asset_image_url, asset_gif_url, created_at, updated_at`

	var out model.Species
	err := r.pool.QueryRow(ctx, q, s.Code, s.CommonName, s.ScientificName, s.Family, now).Scan(
		&out.Code, &out.CommonName, &out.ScientificName, &out.Family, &out.AssetImageURL, &out.AssetGIFURL, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return model.Species{}, fmt.Errorf("repository: upsert species: %w", err)
	}
	return out, nil
}

// GetSpecies fetches a species row by code.
func (r *Repository) GetSpecies(ctx context.Context, code string) (model.Species, error) {
	const q = `
		SELECT code, common_name, scientific_name, family, asset_image_url, asset_gif_url, created_at, updated_at
		FROM species WHERE code = $1`

	var s model.Species
	err := r.pool.QueryRow(ctx, q, code).Scan(
		&s.Code, &s.CommonName, &s.ScientificName, &s.Family, &s.AssetImageURL, &s.AssetGIFURL, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Species{}, fmt.Errorf("%w: species %s", ErrNotFound, code)
	}
	if err != nil {
		return model.Species{}, fmt.Errorf("repository: get species: %w", err)
	}
	return s, nil
}

// SetSpeciesAsset records generated art URLs the first time they are
// produced for a species. Concurrent generation races (two captures of
// the same never-before-seen species both triggering generation) are
// resolved here: the WHERE clause only ever lets the first writer in,
// per spec.md's species-asset-race invariant.
func (r *Repository) SetSpeciesAsset(ctx context.Context, code string, imageURL, gifURL *string, now time.Time) (won bool, err error) {
	const q = `
		UPDATE species
		SET asset_image_url = $2, asset_gif_url = $3, updated_at = $4
		WHERE code = $1 AND asset_image_url IS NULL AND asset_gif_url IS NULL`

	tag, err := r.pool.Exec(ctx, q, code, imageURL, gifURL, now)
	if err != nil {
		return false, fmt.Errorf("repository: set species asset: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (model.User, error) {
	const q = `SELECT id, handle, credential_hash, created_at FROM users WHERE id = $1`

	var u model.User
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Handle, &u.CredentialHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("repository: get user: %w", err)
	}
	return u, nil
}

// Ping verifies database reachability for the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
