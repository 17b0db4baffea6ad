package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/nestlog/internal/database"
	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:nestlog_relay_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop(), Models()...)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func mustService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func mustEnvelope(t *testing.T, kind events.Kind, data any, householdID, deviceID string, at int64) protocol.Envelope {
	t.Helper()
	envelope, err := protocol.NewEnvelope(kind, data, householdID, deviceID, time.UnixMilli(at))
	if err != nil {
		t.Fatalf("unexpected envelope error: %v", err)
	}
	return envelope
}

func mustAppend(t *testing.T, service *Service, envelope protocol.Envelope) AppendOutcome {
	t.Helper()
	outcome, err := service.Append(context.Background(), envelope)
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	return outcome
}

func TestAppendDeduplicatesRecordsByID(t *testing.T) {
	service := mustService(t)
	first := mustAppend(t, service, mustEnvelope(t, events.KindContraction, events.Contraction{ID: "c1", StartTime: 1, Duration: 60}, "h1", "dev-a", 10))
	if first.Duplicate() {
		t.Fatalf("expected first append to be stored")
	}
	second := mustAppend(t, service, mustEnvelope(t, events.KindContraction, events.Contraction{ID: "c1", StartTime: 1, Duration: 90}, "h1", "dev-a", 20))
	if !second.Duplicate() {
		t.Fatalf("expected second append to be a duplicate")
	}
	if second.Seq() != first.Seq() {
		t.Fatalf("expected duplicate to report original seq %d, got %d", first.Seq(), second.Seq())
	}

	other := mustAppend(t, service, mustEnvelope(t, events.KindContraction, events.Contraction{ID: "c1", StartTime: 1}, "h2", "dev-c", 30))
	if other.Duplicate() {
		t.Fatalf("expected households to be isolated")
	}

	backlog, err := service.ListSince(context.Background(), "h1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(backlog) != 1 {
		t.Fatalf("expected one envelope in backlog, got %d", len(backlog))
	}
	if string(backlog[0].Data) != `{"id":"c1","startTime":1,"duration":60}` {
		t.Fatalf("expected first copy to win, got %s", backlog[0].Data)
	}
}

func TestAppendKeepsDistinctSignals(t *testing.T) {
	service := mustService(t)
	early := mustEnvelope(t, events.KindPhaseChange, protocol.PhaseChange{Phase: "early"}, "h1", "dev-a", 10)
	mustAppend(t, service, early)
	if outcome := mustAppend(t, service, early); !outcome.Duplicate() {
		t.Fatalf("expected retried signal to collapse")
	}
	mustAppend(t, service, mustEnvelope(t, events.KindPhaseChange, protocol.PhaseChange{Phase: "active"}, "h1", "dev-a", 20))

	backlog, err := service.ListSince(context.Background(), "h1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(backlog) != 2 || backlog[1].Kind != events.KindPhaseChange {
		t.Fatalf("unexpected backlog %+v", backlog)
	}
}

func TestAppendRejectsRecordWithoutID(t *testing.T) {
	service := mustService(t)
	envelope := mustEnvelope(t, events.KindDiaper, map[string]string{"type": "wet"}, "h1", "dev-a", 1)

	_, err := service.Append(context.Background(), envelope)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "relay.append.invalid_envelope" {
		t.Fatalf("expected invalid envelope service error, got %v", err)
	}
	if !errors.Is(err, protocol.ErrMissingRecordID) {
		t.Fatalf("expected missing record id cause, got %v", err)
	}
}

func TestListSincePagesThroughTheWholeLog(t *testing.T) {
	service := mustService(t)
	for i := 1; i <= 5; i++ {
		mustAppend(t, service, mustEnvelope(t, events.KindDiaper, events.DiaperEntry{ID: fmt.Sprintf("d%d", i), Timestamp: int64(i), Type: events.DiaperWet}, "h1", "dev-a", int64(i)))
	}
	mustAppend(t, service, mustEnvelope(t, events.KindDiaper, events.DiaperEntry{ID: "other", Timestamp: 1, Type: events.DiaperWet}, "h2", "dev-c", 1))

	var ids []string
	var cursor int64
	pages := 0
	for {
		page, err := service.ListSince(context.Background(), "h1", cursor, 2)
		if err != nil {
			t.Fatalf("unexpected list error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		pages++
		for _, envelope := range page {
			if envelope.Seq <= cursor {
				t.Fatalf("expected ascending seq after %d, got %d", cursor, envelope.Seq)
			}
			cursor = envelope.Seq
			id, _ := envelope.RecordID()
			ids = append(ids, id)
		}
	}
	if pages != 3 {
		t.Fatalf("expected three pages, got %d", pages)
	}
	if strings.Join(ids, ",") != "d1,d2,d3,d4,d5" {
		t.Fatalf("expected the full household log in arrival order, got %v", ids)
	}

	rest, err := service.ListSince(context.Background(), "h1", 2, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected envelopes after seq 2, got %d", len(rest))
	}
	if _, err := service.ListSince(context.Background(), "", 0, 0); err == nil {
		t.Fatalf("expected missing household error")
	}
}

func TestReplayIndexCoversHouseholdAndSeq(t *testing.T) {
	db := openTestDatabase(t)
	var columns []struct {
		SeqNo int    `gorm:"column:seqno"`
		Name  string `gorm:"column:name"`
	}
	if err := db.Raw("PRAGMA index_info('idx_relay_envelopes_household_seq')").Scan(&columns).Error; err != nil {
		t.Fatalf("unexpected pragma error: %v", err)
	}
	if len(columns) != 2 || columns[0].Name != "household_id" || columns[1].Name != "seq" {
		t.Fatalf("expected index on (household_id, seq), got %+v", columns)
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
