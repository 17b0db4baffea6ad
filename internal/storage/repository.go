// Package storage persists Event Stores and the household session in SQLite through GORM.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/household"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCollection = errors.New("collection is required")
	noOpLogger           = zap.NewNop()
)

const (
	opRepositoryNew = "storage.repository.new"
	opLoadRecords   = "storage.load_records"
	opApplyChange   = "storage.apply_change"
	opAttach        = "storage.attach"
	opLoadSession   = "storage.load_session"
	opSaveSession   = "storage.save_session"

	fieldKind     = "kind"
	fieldRecordID = "record_id"

	queryKind       = "kind = ?"
	queryKindRecord = "kind = ? AND record_id = ?"
	orderPosition   = "position ASC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingCollection = "missing_collection"
	reasonQueryFailed       = "query_failed"
	reasonStatusInvalid     = "status_invalid"
	reasonEncodeFailed      = "encode_failed"
	reasonUpsertFailed      = "upsert_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonRestoreFailed     = "restore_failed"

	sessionSlot = "device"
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

// RepositoryConfig wires a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository is the local durable store for records and the session.
type Repository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRepository validates dependencies and returns a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRepositoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadRecords returns the persisted entries of one kind in position order.
func (r *Repository) LoadRecords(ctx context.Context, kind events.Kind) ([]events.StoredRecord, error) {
	var rows []RecordRow
	if err := r.db.WithContext(ctx).
		Where(queryKind, kind.String()).
		Order(orderPosition).
		Find(&rows).Error; err != nil {
		r.logError(opLoadRecords, reasonQueryFailed, err, zap.String(fieldKind, kind.String()))
		return nil, newServiceError(opLoadRecords, reasonQueryFailed, err)
	}

	records := make([]events.StoredRecord, 0, len(rows))
	for _, row := range rows {
		status, err := events.ParseSyncStatus(row.SyncStatus)
		if err != nil {
			r.logError(opLoadRecords, reasonStatusInvalid, err,
				zap.String(fieldKind, row.Kind),
				zap.String(fieldRecordID, row.RecordID))
			return nil, newServiceError(opLoadRecords, reasonStatusInvalid, err)
		}
		records = append(records, events.StoredRecord{
			ID:       row.RecordID,
			Position: row.Position,
			Status:   status,
			Payload:  []byte(row.PayloadJSON),
		})
	}
	return records, nil
}

// Apply writes one store change: removals delete the row, everything else upserts it.
func (r *Repository) Apply(ctx context.Context, change events.Change) error {
	if change.Op == events.ChangeRemoved {
		if err := r.db.WithContext(ctx).
			Where(queryKindRecord, change.Kind.String(), change.ID).
			Delete(&RecordRow{}).Error; err != nil {
			r.logError(opApplyChange, reasonDeleteFailed, err,
				zap.String(fieldKind, change.Kind.String()),
				zap.String(fieldRecordID, change.ID))
			return newServiceError(opApplyChange, reasonDeleteFailed, err)
		}
		return nil
	}

	payload, err := json.Marshal(change.Record)
	if err != nil {
		r.logError(opApplyChange, reasonEncodeFailed, err,
			zap.String(fieldKind, change.Kind.String()),
			zap.String(fieldRecordID, change.ID))
		return newServiceError(opApplyChange, reasonEncodeFailed, err)
	}
	row := RecordRow{
		Kind:            change.Kind.String(),
		RecordID:        change.ID,
		Position:        change.Position,
		PayloadJSON:     string(payload),
		SyncStatus:      string(change.Status),
		UpdatedAtMillis: r.clock().UTC().UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "payload_json", "sync_status", "updated_at_ms"}),
	}).Create(&row).Error; err != nil {
		r.logError(opApplyChange, reasonUpsertFailed, err,
			zap.String(fieldKind, change.Kind.String()),
			zap.String(fieldRecordID, change.ID))
		return newServiceError(opApplyChange, reasonUpsertFailed, err)
	}
	return nil
}

// Attach restores the collection from disk and then writes every subsequent change through.
// The returned func stops the write-through.
func (r *Repository) Attach(ctx context.Context, collection events.Collection) (func(), error) {
	if collection == nil {
		return nil, newServiceError(opAttach, reasonMissingCollection, errMissingCollection)
	}
	records, err := r.LoadRecords(ctx, collection.Kind())
	if err != nil {
		return nil, err
	}
	if err := collection.Restore(records); err != nil {
		r.logError(opAttach, reasonRestoreFailed, err, zap.String(fieldKind, collection.Kind().String()))
		return nil, newServiceError(opAttach, reasonRestoreFailed, err)
	}
	// Write-through runs on the caller's goroutine after the store lock is released; failures are
	// logged inside Apply and the in-memory store stays authoritative.
	persistCtx := context.WithoutCancel(ctx)
	return collection.Subscribe(func(change events.Change) {
		_ = r.Apply(persistCtx, change)
	}), nil
}

// LoadSession implements household.SessionStore.
func (r *Repository) LoadSession(ctx context.Context) (household.State, bool, error) {
	var row SessionRow
	err := r.db.WithContext(ctx).Where("slot = ?", sessionSlot).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return household.State{}, false, nil
	}
	if err != nil {
		r.logError(opLoadSession, reasonQueryFailed, err)
		return household.State{}, false, newServiceError(opLoadSession, reasonQueryFailed, err)
	}
	state := household.State{DeviceID: row.DeviceID, HouseholdID: row.HouseholdID, RelayCursor: row.RelayCursor}
	if row.LastSyncMillis > 0 {
		state.LastSyncTime = time.UnixMilli(row.LastSyncMillis).UTC()
	}
	return state, true, nil
}

// SaveSession implements household.SessionStore.
func (r *Repository) SaveSession(ctx context.Context, state household.State) error {
	row := SessionRow{
		Slot:        sessionSlot,
		DeviceID:    state.DeviceID,
		HouseholdID: state.HouseholdID,
		RelayCursor: state.RelayCursor,
	}
	if !state.LastSyncTime.IsZero() {
		row.LastSyncMillis = state.LastSyncTime.UnixMilli()
	}
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		r.logError(opSaveSession, reasonUpsertFailed, err, zap.String("device_id", state.DeviceID))
		return newServiceError(opSaveSession, reasonUpsertFailed, err)
	}
	return nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("storage repository error", attrs...)
}

var _ household.SessionStore = (*Repository)(nil)
