package documents

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidCrdtUpdate indicates that a CRDT update payload is invalid.
	ErrInvalidCrdtUpdate = errors.New("documents: invalid crdt update")
	// ErrInvalidCrdtSnapshot indicates that a CRDT snapshot payload is invalid.
	ErrInvalidCrdtSnapshot = errors.New("documents: invalid crdt snapshot")
	// ErrInvalidCrdtUpdateID indicates that a CRDT update identifier is invalid.
	ErrInvalidCrdtUpdateID = errors.New("documents: invalid crdt update id")
)

// DocumentID identifies one shared document. Each table lives in its own document.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID identifies the author of an update.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CrdtUpdateBase64 stores a validated base64-encoded CRDT change set.
type CrdtUpdateBase64 string

// NewCrdtUpdateBase64 validates raw input and returns a CrdtUpdateBase64.
func NewCrdtUpdateBase64(rawInput string) (CrdtUpdateBase64, error) {
	trimmed, err := validBase64(rawInput, ErrInvalidCrdtUpdate)
	return CrdtUpdateBase64(trimmed), err
}

// EncodeCrdtUpdate wraps raw change bytes.
func EncodeCrdtUpdate(raw []byte) (CrdtUpdateBase64, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidCrdtUpdate)
	}
	return CrdtUpdateBase64(base64.StdEncoding.EncodeToString(raw)), nil
}

// String returns the update payload as a string.
func (payload CrdtUpdateBase64) String() string {
	return string(payload)
}

// Bytes decodes the payload.
func (payload CrdtUpdateBase64) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(payload))
}

// CrdtSnapshotBase64 stores a validated base64-encoded full document save.
type CrdtSnapshotBase64 string

// NewCrdtSnapshotBase64 validates raw input and returns a CrdtSnapshotBase64.
func NewCrdtSnapshotBase64(rawInput string) (CrdtSnapshotBase64, error) {
	trimmed, err := validBase64(rawInput, ErrInvalidCrdtSnapshot)
	return CrdtSnapshotBase64(trimmed), err
}

// EncodeCrdtSnapshot wraps raw document bytes.
func EncodeCrdtSnapshot(raw []byte) (CrdtSnapshotBase64, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidCrdtSnapshot)
	}
	return CrdtSnapshotBase64(base64.StdEncoding.EncodeToString(raw)), nil
}

// String returns the snapshot payload as a string.
func (payload CrdtSnapshotBase64) String() string {
	return string(payload)
}

// Bytes decodes the payload.
func (payload CrdtSnapshotBase64) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(string(payload))
}

func validBase64(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if _, err := base64.StdEncoding.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: invalid base64", sentinel)
	}
	return trimmed, nil
}

// CrdtUpdateID is the server-assigned position of an update in the log.
type CrdtUpdateID int64

// NewCrdtUpdateID validates the value and returns a CrdtUpdateID.
func NewCrdtUpdateID(value int64) (CrdtUpdateID, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCrdtUpdateID, value)
	}
	return CrdtUpdateID(value), nil
}

// Int64 returns the update identifier as an int64.
func (id CrdtUpdateID) Int64() int64 {
	return int64(id)
}

// CrdtUpdateEnvelope is a validated update ready to be stored.
type CrdtUpdateEnvelope struct {
	documentID  DocumentID
	updateB64   CrdtUpdateBase64
	snapshotB64 CrdtSnapshotBase64
}

// CrdtUpdateEnvelopeConfig describes the inputs required to build a CrdtUpdateEnvelope.
// SnapshotB64 is optional; when present it must already include the update.
type CrdtUpdateEnvelopeConfig struct {
	DocumentID  DocumentID
	UpdateB64   CrdtUpdateBase64
	SnapshotB64 CrdtSnapshotBase64
}

// NewCrdtUpdateEnvelope validates the provided configuration and returns a CrdtUpdateEnvelope.
func NewCrdtUpdateEnvelope(cfg CrdtUpdateEnvelopeConfig) (CrdtUpdateEnvelope, error) {
	if cfg.DocumentID == "" {
		return CrdtUpdateEnvelope{}, fmt.Errorf("%w: empty document id", ErrInvalidCrdtUpdate)
	}
	if cfg.UpdateB64 == "" {
		return CrdtUpdateEnvelope{}, fmt.Errorf("%w: empty update", ErrInvalidCrdtUpdate)
	}
	return CrdtUpdateEnvelope{
		documentID:  cfg.DocumentID,
		updateB64:   cfg.UpdateB64,
		snapshotB64: cfg.SnapshotB64,
	}, nil
}

// DocumentID returns the envelope's document identifier.
func (envelope CrdtUpdateEnvelope) DocumentID() DocumentID {
	return envelope.documentID
}

// UpdateB64 returns the CRDT update payload.
func (envelope CrdtUpdateEnvelope) UpdateB64() CrdtUpdateBase64 {
	return envelope.updateB64
}

// SnapshotB64 returns the snapshot payload, which may be empty.
func (envelope CrdtUpdateEnvelope) SnapshotB64() CrdtSnapshotBase64 {
	return envelope.snapshotB64
}
