package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/nestlog/internal/database"
	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/household"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:nestlog_storage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop(), Models()...)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func mustRepository(t *testing.T, db *gorm.DB) *Repository {
	t.Helper()
	repository, err := NewRepository(RepositoryConfig{
		Database: db,
		Clock:    func() time.Time { return time.UnixMilli(42) },
	})
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}
	return repository
}

func TestNewRepositoryRequiresDatabase(t *testing.T) {
	_, err := NewRepository(RepositoryConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "storage.repository.new.missing_database" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}

func TestAttachWritesThroughAndRestores(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	repository := mustRepository(t, db)

	store := events.NewContractionStore(events.StoreConfig{})
	detach, err := repository.Attach(ctx, store)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if _, err := store.Create(events.Contraction{ID: "c1", StartTime: 1000, Duration: 60}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := store.Merge(events.Contraction{ID: "c2", StartTime: 2000}); err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	if _, err := store.Create(events.Contraction{ID: "c3", StartTime: 3000}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	store.MarkSynced("c1")
	store.Remove("c3")
	detach()
	if _, err := store.Create(events.Contraction{ID: "c4", StartTime: 4000}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	restored := events.NewContractionStore(events.StoreConfig{})
	if _, err := repository.Attach(ctx, restored); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	all := restored.All()
	if len(all) != 2 {
		t.Fatalf("expected two persisted records, got %+v", all)
	}
	if all[0].Record.ID != "c1" || all[0].Status != events.SyncStatusSynced || all[0].Record.Duration != 60 {
		t.Fatalf("unexpected first record %+v", all[0])
	}
	if all[1].Record.ID != "c2" || all[1].Status != events.SyncStatusSynced {
		t.Fatalf("unexpected second record %+v", all[1])
	}
}

func TestLoadRecordsIsScopedByKind(t *testing.T) {
	ctx := context.Background()
	repository := mustRepository(t, openTestDatabase(t))

	if err := repository.Apply(ctx, events.Change{
		Kind:   events.KindDiaper,
		ID:     "shared-id",
		Op:     events.ChangeCreated,
		Status: events.SyncStatusPending,
		Record: events.DiaperEntry{ID: "shared-id", Timestamp: 1, Type: events.DiaperDry},
	}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	contractions, err := repository.LoadRecords(ctx, events.KindContraction)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(contractions) != 0 {
		t.Fatalf("expected no contractions, got %d", len(contractions))
	}
	diapers, err := repository.LoadRecords(ctx, events.KindDiaper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(diapers) != 1 || diapers[0].Status != events.SyncStatusPending {
		t.Fatalf("unexpected diapers %+v", diapers)
	}
}

func TestLoadRecordsRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	repository := mustRepository(t, db)
	if err := db.Create(&RecordRow{Kind: "feeding", RecordID: "f1", PayloadJSON: `{}`, SyncStatus: "lost"}).Error; err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	_, err := repository.LoadRecords(ctx, events.KindFeeding)
	if !errors.Is(err, events.ErrInvalidSyncStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repository := mustRepository(t, openTestDatabase(t))

	if _, found, err := repository.LoadSession(ctx); err != nil || found {
		t.Fatalf("expected empty session, got found=%v err=%v", found, err)
	}

	session, err := household.NewSession(ctx, household.Config{Store: repository, DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if err := session.Join(ctx, "h1"); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	at := time.UnixMilli(1700000000000)
	if err := session.RecordSync(ctx, at); err != nil {
		t.Fatalf("unexpected record sync error: %v", err)
	}
	if err := session.AdvanceCursor(ctx, "h1", 42); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}

	state, found, err := repository.LoadSession(ctx)
	if err != nil || !found {
		t.Fatalf("expected stored session, got found=%v err=%v", found, err)
	}
	if state.DeviceID != "dev-a" || state.HouseholdID != "h1" || !state.LastSyncTime.Equal(at) || state.RelayCursor != 42 {
		t.Fatalf("unexpected session state %+v", state)
	}

	reopened, err := household.NewSession(ctx, household.Config{Store: repository})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	if reopened.Cursor() != 42 {
		t.Fatalf("expected cursor to survive restart, got %d", reopened.Cursor())
	}
}
