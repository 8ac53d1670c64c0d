package security

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nexus-agent/runtime/internal/config"
)

func TestResolveAcceptsPathUnderWorkspace(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(config.SecurityConfig{WorkspaceDir: root})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	got, err := r.Resolve("notes/todo.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(root, "notes/todo.txt")
	if got != want {
		t.Errorf("resolve = %q, want %q", got, want)
	}
}

func TestResolveRejectsTraversalOutsideWorkspace(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(config.SecurityConfig{WorkspaceDir: root})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	_, err = r.Resolve("../../etc/passwd")
	var outside *ErrOutsideWorkspace
	if !errors.As(err, &outside) {
		t.Fatalf("expected ErrOutsideWorkspace, got %v", err)
	}
}

func TestResolveRejectsRestrictedPath(t *testing.T) {
	root := t.TempDir()
	secretDir := filepath.Join(root, "secrets")
	r, err := NewResolver(config.SecurityConfig{
		WorkspaceDir:    root,
		RestrictedPaths: []string{secretDir},
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	_, err = r.Resolve("secrets/key.pem")
	var restricted *ErrRestrictedPath
	if !errors.As(err, &restricted) {
		t.Fatalf("expected ErrRestrictedPath, got %v", err)
	}
}

func TestResolveFailsClosedWithNoWorkspaceConfigured(t *testing.T) {
	r, err := NewResolver(config.SecurityConfig{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if _, err := r.Resolve("anything"); err == nil {
		t.Fatal("expected an error when no workspace root is configured")
	}
}
