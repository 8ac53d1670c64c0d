package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newWithDB(db), mock
}

func TestRecordInsertsRow(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs("session-1", "act", "hello", "hi there", 0, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Record(context.Background(), Record{
		SessionID: "session-1",
		Mode:      "act",
		Prompt:    "hello",
		Response:  "hi there",
		Success:   true,
		StartedAt: time.Now(),
		Duration:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordPropagatesInsertError(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("INSERT INTO runs").WillReturnError(context.DeadlineExceeded)

	err := store.Record(context.Background(), Record{SessionID: "s", Mode: "act"})
	if err == nil {
		t.Fatal("expected an error from a failing insert")
	}
}

func TestRecentBySessionScansRows(t *testing.T) {
	store, mock := setupMockStore(t)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows := sqlmock.NewRows([]string{"session_id", "mode", "prompt", "response", "tool_call_count", "success", "started_at", "duration_ms"}).
		AddRow("session-1", "act", "hello", "hi there", 1, 1, now, int64(42))

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE session_id = (.+)").
		WithArgs("session-1", 20).
		WillReturnRows(rows)

	records, err := store.RecentBySession(context.Background(), "session-1", 0)
	if err != nil {
		t.Fatalf("recent by session: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Success || records[0].ToolCallCount != 1 {
		t.Errorf("unexpected record: %+v", records[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
