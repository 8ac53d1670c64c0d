package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-agent/runtime/pkg/models"
)

func TestLoadMissingFileYieldsFreshSnapshot(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "does-not-exist.json"))

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Messages) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	store := NewStore(path)

	snap := models.SessionSnapshot{
		Messages:     []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Mode:         "act",
		SystemPrompt: "be helpful",
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Mode != "act" || loaded.SystemPrompt != "be helpful" || len(loaded.Messages) != 1 {
		t.Fatalf("expected round-tripped snapshot, got %+v", loaded)
	}
}

func TestLoadCorruptFileIsRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	store := NewStore(path)

	_, err := store.Load()
	if err == nil {
		t.Fatal("expected an error for a corrupt session file")
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("expected corrupt session file to be removed")
	}
}
