// Package security implements the path-sanitisation surface §5 requires
// of file-mutating tools: resolving a tool-supplied path to an absolute
// path that is guaranteed to remain under a configured workspace root,
// with no traversal outside it and no match against a restricted-paths
// list.
//
// This is not a sandbox the runtime imposes on arbitrary tool code —
// tools remain trusted per the registry's data model (§3) — it is a
// helper a file-mutating tool's Run implementation calls on its own
// behalf, the same way the original's SecurityConfig (project_root,
// allowed_paths, restricted_paths) was consulted by individual tools
// rather than enforced centrally.
package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nexus-agent/runtime/internal/config"
)

// ErrOutsideWorkspace is returned by Resolve when path would escape the
// configured workspace root.
type ErrOutsideWorkspace struct {
	Path string
	Root string
}

func (e *ErrOutsideWorkspace) Error() string {
	return fmt.Sprintf("path %q escapes workspace root %q", e.Path, e.Root)
}

// ErrRestrictedPath is returned by Resolve when path falls under one of
// the configured restricted paths.
type ErrRestrictedPath struct {
	Path       string
	Restricted string
}

func (e *ErrRestrictedPath) Error() string {
	return fmt.Sprintf("path %q is restricted (matches %q)", e.Path, e.Restricted)
}

// Resolver validates tool-supplied paths against a SecurityConfig's
// workspace_dir and restricted_paths.
type Resolver struct {
	workspaceRoot   string
	restrictedPaths []string
}

// NewResolver builds a Resolver from a SecurityConfig. WorkspaceDir must
// be set for Resolve to accept anything; an empty WorkspaceDir makes
// every call fail closed, since there is then no root to stay under.
func NewResolver(cfg config.SecurityConfig) (*Resolver, error) {
	if cfg.WorkspaceDir == "" {
		return &Resolver{}, nil
	}
	root, err := filepath.Abs(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace_dir: %w", err)
	}
	restricted := make([]string, 0, len(cfg.RestrictedPaths))
	for _, p := range cfg.RestrictedPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve restricted path %q: %w", p, err)
		}
		restricted = append(restricted, abs)
	}
	return &Resolver{workspaceRoot: root, restrictedPaths: restricted}, nil
}

// Resolve cleans and absolutises path relative to the workspace root,
// rejecting traversal outside the root and matches against any
// restricted path. A Resolver with no configured workspace root rejects
// every call, since "remain under a configured project root" has no
// meaning without one.
func (r *Resolver) Resolve(path string) (string, error) {
	if r.workspaceRoot == "" {
		return "", &ErrOutsideWorkspace{Path: path, Root: ""}
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(r.workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(r.workspaceRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &ErrOutsideWorkspace{Path: path, Root: r.workspaceRoot}
	}

	for _, restricted := range r.restrictedPaths {
		if candidate == restricted || strings.HasPrefix(candidate, restricted+string(filepath.Separator)) {
			return "", &ErrRestrictedPath{Path: path, Restricted: restricted}
		}
	}

	return candidate, nil
}
