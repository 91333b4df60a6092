// Package model holds the domain types shared across the coordinator:
// User, Device, Species, Capture. Rows are independent, joined only by
// id — no in-memory back-references, per the cyclic-graph redesign.
package model

import "time"

// CaptureStatus is the state of a Capture in the pipeline state machine.
type CaptureStatus string

const (
	CaptureStatusPending     CaptureStatus = "pending"
	CaptureStatusClassifying CaptureStatus = "classifying"
	CaptureStatusClassified  CaptureStatus = "classified"
	CaptureStatusGenerating  CaptureStatus = "generating"
	CaptureStatusProcessed   CaptureStatus = "processed"
	CaptureStatusFailed      CaptureStatus = "failed"
)

// Terminal reports whether the status never transitions again.
func (s CaptureStatus) Terminal() bool {
	return s == CaptureStatusProcessed || s == CaptureStatusFailed
}

// User is the identity of a clip owner. Created by out-of-scope
// registration; immutable here except credential rotation, which this
// core never performs.
type User struct {
	ID            string
	Handle        string
	CredentialHash string
	CreatedAt     time.Time
}

// Device is a physical capture endpoint, registered on first use.
type Device struct {
	ID              string
	OwnerUserID     string
	FirmwareVersion string
	Capabilities    map[string]string
	LastSeen        time.Time
	BatteryVoltage  *float64
	RSSI            *int
	SequenceHWM     int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Species is a classifier output identity, unique by code. Mutated
// only to set the asset URL on first generation; otherwise append-only.
type Species struct {
	Code           string
	CommonName     string
	ScientificName string
	Family         *string
	AssetImageURL  *string
	AssetGIFURL    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasAsset reports whether the species already has generated art.
func (s *Species) HasAsset() bool {
	return s.AssetImageURL != nil || s.AssetGIFURL != nil
}

// Capture is the top-level record of one uploaded clip.
type Capture struct {
	ID            string
	UserID        string
	DeviceID      string
	ClipKey       string
	DeviceSeq     int64
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	Status        CaptureStatus
	SpeciesCode   *string
	Confidence    *float64
	FailureReason *string
	Note          *string
	Attempt       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
