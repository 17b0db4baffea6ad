// Package relay keeps the household envelope log used by the reference relay for dedupe and replay.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingHousehold = errors.New("household id is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew = "relay.service.new"
	opAppend     = "relay.append"
	opList       = "relay.list"

	fieldHouseholdID = "household_id"
	fieldKind        = "kind"
	fieldAfterSeq    = "after_seq"

	queryHouseholdAfter = "household_id = ? AND seq > ?"
	orderSeqAsc         = "seq ASC"

	reasonMissingDatabase  = "missing_database"
	reasonMissingHousehold = "missing_household"
	reasonInvalidEnvelope  = "invalid_envelope"
	reasonInsertFailed     = "insert_failed"
	reasonLookupFailed     = "lookup_failed"
	reasonQueryFailed      = "query_failed"
)

// ServiceError carries a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores envelopes once per household, kind and record key.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendOutcome describes the stored position of an envelope.
type AppendOutcome struct {
	seq       int64
	duplicate bool
}

// Seq returns the log position of the stored envelope.
func (outcome AppendOutcome) Seq() int64 {
	return outcome.seq
}

// Duplicate reports whether an envelope with the same key was already stored.
func (outcome AppendOutcome) Duplicate() bool {
	return outcome.duplicate
}

// Append stores the envelope unless its key is already present. Record kinds are keyed by record id,
// so the first copy of a record wins here exactly as it does on devices.
func (s *Service) Append(ctx context.Context, envelope protocol.Envelope) (AppendOutcome, error) {
	if err := envelope.Validate(); err != nil {
		s.logError(opAppend, reasonInvalidEnvelope, err)
		return AppendOutcome{}, newServiceError(opAppend, reasonInvalidEnvelope, err)
	}
	recordKey, err := recordKeyFor(envelope)
	if err != nil {
		s.logError(opAppend, reasonInvalidEnvelope, err,
			zap.String(fieldHouseholdID, envelope.HouseholdID),
			zap.String(fieldKind, envelope.Kind.String()))
		return AppendOutcome{}, newServiceError(opAppend, reasonInvalidEnvelope, err)
	}

	row := EnvelopeRow{
		HouseholdID:       envelope.HouseholdID,
		Kind:              envelope.Kind.String(),
		RecordKey:         recordKey,
		OriginDeviceID:    envelope.OriginDeviceID,
		TimestampMillis:   envelope.Timestamp,
		DataJSON:          string(envelope.Data),
		ReceivedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		s.logError(opAppend, reasonInsertFailed, result.Error,
			zap.String(fieldHouseholdID, envelope.HouseholdID),
			zap.String(fieldKind, envelope.Kind.String()))
		return AppendOutcome{}, newServiceError(opAppend, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		return AppendOutcome{seq: row.Seq}, nil
	}

	var existing EnvelopeRow
	if err := s.db.WithContext(ctx).
		Select("seq").
		Where("household_id = ? AND kind = ? AND record_key = ?", row.HouseholdID, row.Kind, row.RecordKey).
		Take(&existing).Error; err != nil {
		s.logError(opAppend, reasonLookupFailed, err,
			zap.String(fieldHouseholdID, envelope.HouseholdID),
			zap.String(fieldKind, envelope.Kind.String()))
		return AppendOutcome{}, newServiceError(opAppend, reasonLookupFailed, err)
	}
	return AppendOutcome{seq: existing.Seq, duplicate: true}, nil
}

// ListSince returns up to limit envelopes of a household stored after afterSeq, in ascending seq
// order with Seq set. Callers page by passing the last Seq back in. A non-positive limit returns
// the rest of the log.
func (s *Service) ListSince(ctx context.Context, householdID string, afterSeq int64, limit int) ([]protocol.Envelope, error) {
	if householdID == "" {
		s.logError(opList, reasonMissingHousehold, errMissingHousehold)
		return nil, newServiceError(opList, reasonMissingHousehold, errMissingHousehold)
	}

	var rows []EnvelopeRow
	query := s.db.WithContext(ctx).
		Where(queryHouseholdAfter, householdID, afterSeq).
		Order(orderSeqAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err,
			zap.String(fieldHouseholdID, householdID),
			zap.Int64(fieldAfterSeq, afterSeq))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}

	envelopes := make([]protocol.Envelope, 0, len(rows))
	for _, row := range rows {
		envelopes = append(envelopes, protocol.Envelope{
			Kind:           events.Kind(row.Kind),
			Timestamp:      row.TimestampMillis,
			Data:           []byte(row.DataJSON),
			OriginDeviceID: row.OriginDeviceID,
			HouseholdID:    row.HouseholdID,
			Seq:            row.Seq,
		})
	}
	return envelopes, nil
}

func recordKeyFor(envelope protocol.Envelope) (string, error) {
	if envelope.Kind.IsRecord() {
		return envelope.RecordID()
	}
	return hashSignal(envelope), nil
}

// hashSignal keys a signal by its origin, timestamp and payload so that retried pushes of the same
// signal collapse while later overwrites are kept.
func hashSignal(envelope protocol.Envelope) string {
	hasher := sha256.New()
	hasher.Write([]byte(envelope.OriginDeviceID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strconv.FormatInt(envelope.Timestamp, 10)))
	hasher.Write([]byte{0})
	hasher.Write(envelope.Data)
	return hex.EncodeToString(hasher.Sum(nil))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relay service error", attrs...)
}
