package sessions

import (
	"testing"
	"time"

	"github.com/nexus-agent/runtime/pkg/models"
)

func TestCreateGetRoundTrips(t *testing.T) {
	m := NewManager(0)
	m.Create("s1")

	got, err := m.Get("s1", false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("expected session id s1, got %q", got.SessionID)
	}
}

func TestGetRaisesWhenExpired(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	sess := m.Create("s1")
	sess.LastUpdated = time.Now().Add(-time.Hour)

	_, err := m.Get("s1", true)
	if err == nil {
		t.Fatal("expected expired error")
	}
	if _, ok := err.(*ErrExpired); !ok {
		t.Fatalf("expected ErrExpired, got %T", err)
	}
}

func TestGetDoesNotRaiseWhenNotAskedTo(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	sess := m.Create("s1")
	sess.LastUpdated = time.Now().Add(-time.Hour)

	_, err := m.Get("s1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddToHistoryCapsAtMaxSize(t *testing.T) {
	m := NewManager(0)
	sess := m.Create("s1")
	sess.MaxHistorySize = 3

	for i := 0; i < 5; i++ {
		if err := m.AddToHistory("s1", models.Message{Role: models.RoleUser, Content: "msg"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, _ := m.Get("s1", false)
	if len(got.History) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(got.History))
	}
}

func TestCleanupExpiredRemovesOnlyStaleOnes(t *testing.T) {
	m := NewManager(time.Minute)
	m.Create("fresh")
	stale := m.Create("stale")
	stale.LastUpdated = time.Now().Add(-time.Hour)

	removed := m.CleanupExpired()
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected only 'stale' removed, got %v", removed)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 session remaining, got %d", m.Len())
	}
}

func TestExportImportRoundTrips(t *testing.T) {
	m := NewManager(0)
	m.Create("s1")
	m.AddToHistory("s1", models.Message{Role: models.RoleUser, Content: "hello"})

	data, err := m.Export("s1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	m2 := NewManager(0)
	sess, err := m2.Import(data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sess.SessionID != "s1" || len(sess.History) != 1 {
		t.Fatalf("expected imported session to match exported one, got %+v", sess)
	}
}

func TestClearEmptiesHistoryButKeepsSession(t *testing.T) {
	m := NewManager(0)
	m.Create("s1")
	m.AddToHistory("s1", models.Message{Role: models.RoleUser, Content: "hello"})

	if err := m.Clear("s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := m.Get("s1", false)
	if len(got.History) != 0 {
		t.Fatalf("expected empty history after clear, got %d", len(got.History))
	}
}
