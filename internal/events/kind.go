package events

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates record collections and out-of-band household signals.
type Kind string

const (
	// KindContraction identifies labor contraction records.
	KindContraction Kind = "contraction"
	// KindFeeding identifies feeding session records.
	KindFeeding Kind = "feeding"
	// KindDiaper identifies diaper change records.
	KindDiaper Kind = "diaper"
	// KindPhaseChange carries the current labor phase; it is not backed by a record collection.
	KindPhaseChange Kind = "phase_change"
	// KindBabyInfo carries household baby details; it is not backed by a record collection.
	KindBabyInfo Kind = "baby_info"
)

// RecordKinds lists the kinds backed by an Event Store, in outbox order.
var RecordKinds = []Kind{KindContraction, KindFeeding, KindDiaper}

// ParseKind validates a raw kind value.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.TrimSpace(raw))
	switch kind {
	case KindContraction, KindFeeding, KindDiaper, KindPhaseChange, KindBabyInfo:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// IsRecord reports whether the kind is stored in an Event Store.
func (k Kind) IsRecord() bool {
	switch k {
	case KindContraction, KindFeeding, KindDiaper:
		return true
	default:
		return false
	}
}

// String returns the wire representation.
func (k Kind) String() string {
	return string(k)
}

// SyncStatus is local-only metadata describing whether the relay has acknowledged a record.
type SyncStatus string

const (
	// SyncStatusPending marks records awaiting a positive acknowledgment.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced marks acknowledged or remotely received records.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusOffline marks records captured while the device had no network path.
	SyncStatusOffline SyncStatus = "offline"
	// SyncStatusError marks records whose last push exhausted its attempts. They stay in the outbox.
	SyncStatusError SyncStatus = "error"
)

// ParseSyncStatus validates a persisted status value.
func ParseSyncStatus(raw string) (SyncStatus, error) {
	status := SyncStatus(strings.TrimSpace(raw))
	switch status {
	case SyncStatusPending, SyncStatusSynced, SyncStatusOffline, SyncStatusError:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncStatus, raw)
	}
}

// Unacknowledged reports whether the status still needs a push.
func (s SyncStatus) Unacknowledged() bool {
	return s != SyncStatusSynced
}

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("events: invalid record id")
	// ErrInvalidRecord indicates that a record payload failed validation.
	ErrInvalidRecord = errors.New("events: invalid record")
	// ErrDuplicateRecord indicates that a locally created record reused an existing id.
	ErrDuplicateRecord = errors.New("events: duplicate record id")
	// ErrUnknownKind indicates an unrecognised kind discriminator.
	ErrUnknownKind = errors.New("events: unknown kind")
	// ErrInvalidSyncStatus indicates an unrecognised sync status.
	ErrInvalidSyncStatus = errors.New("events: invalid sync status")
)

// RecordID is a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}
