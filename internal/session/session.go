// Package session holds the active workspace context a tool call runs
// against, and adapts paths when the server runs inside a container.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/codegraph-dev/codegraph/internal/config"
	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

// Context is the resolved project binding.
type Context struct {
	WorkspaceRoot      string `json:"workspaceRoot"`
	SourceDir          string `json:"sourceDir"`
	ProjectID          string `json:"projectId"`
	ProjectFingerprint string `json:"projectFingerprint"`
	UsedFallback       bool   `json:"usedFallback,omitempty"`
	FallbackReason     string `json:"fallbackReason,omitempty"`
}

// Args are the optional overrides a tool call may carry.
type Args struct {
	WorkspaceRoot string
	SourceDir     string
	ProjectID     string
}

// Manager keeps the active context and notifies the owner on change so
// watchers can be rebound.
type Manager struct {
	mu       sync.RWMutex
	cfg      *config.Config
	active   *Context
	onChange func(old, new *Context)
}

// NewManager wires a manager. onChange may be nil.
func NewManager(cfg *config.Config, onChange func(old, new *Context)) *Manager {
	return &Manager{cfg: cfg, onChange: onChange}
}

// Active returns the current context, or nil before the first set.
func (m *Manager) Active() *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil
	}
	c := *m.active
	return &c
}

// Resolve merges tool args over the active context over config
// defaults: projectId defaults to basename(workspaceRoot), sourceDir to
// <workspaceRoot>/src.
func (m *Manager) Resolve(args Args) (*Context, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	root := args.WorkspaceRoot
	if root == "" && active != nil {
		root = active.WorkspaceRoot
	}
	if root == "" && m.cfg != nil {
		root = m.cfg.Workspace.Root
	}
	if root == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "workspaceRoot is required").
			WithHint("call graph_set_workspace first or pass workspaceRoot")
	}
	root = filepath.Clean(root)

	sourceDir := args.SourceDir
	if sourceDir == "" && active != nil && active.WorkspaceRoot == root {
		sourceDir = active.SourceDir
	}
	if sourceDir == "" {
		sourceDir = m.defaultSourceDir()
	}
	if !filepath.IsAbs(sourceDir) {
		sourceDir = filepath.Join(root, sourceDir)
	}

	projectID := args.ProjectID
	if projectID == "" && active != nil && active.WorkspaceRoot == root {
		projectID = active.ProjectID
	}
	if projectID == "" && m.cfg != nil {
		projectID = m.cfg.Workspace.ProjectID
	}
	if projectID == "" {
		projectID = filepath.Base(root)
	}

	ctx := &Context{
		WorkspaceRoot:      root,
		SourceDir:          sourceDir,
		ProjectID:          projectID,
		ProjectFingerprint: fingerprint(root, projectID),
	}
	return m.adaptForRuntime(ctx)
}

func (m *Manager) defaultSourceDir() string {
	if m.cfg != nil && m.cfg.Workspace.SourceDir != "" {
		return m.cfg.Workspace.SourceDir
	}
	return "src"
}

// adaptForRuntime checks reachability of the requested workspace. When
// the path does not exist here but the configured runtime mount does,
// and fallback is allowed, the context is rewritten to the mount.
func (m *Manager) adaptForRuntime(ctx *Context) (*Context, error) {
	if dirExists(ctx.WorkspaceRoot) {
		if !dirExists(ctx.SourceDir) {
			// tolerated here; build validation reports SOURCE_DIR_NOT_FOUND
			logging.Debug("source dir not present at resolve time", "sourceDir", ctx.SourceDir)
		}
		return ctx, nil
	}

	allow := m.cfg != nil && m.cfg.Workspace.AllowRuntimePathFallback
	mount := ""
	if m.cfg != nil {
		mount = m.cfg.Workspace.RuntimeMountRoot
	}
	if !allow || mount == "" || !dirExists(mount) {
		return nil, cerrors.Newf(cerrors.CodeWorkspaceNotFound,
			"workspace root %q is not reachable from this runtime", ctx.WorkspaceRoot).
			WithHint("enable allowRuntimePathFallback or pass a path visible to the server")
	}

	reason := fmt.Sprintf("%s unreachable, using runtime mount %s", ctx.WorkspaceRoot, mount)
	rel := ""
	if srel, err := filepath.Rel(ctx.WorkspaceRoot, ctx.SourceDir); err == nil && !strings.HasPrefix(srel, "..") {
		rel = srel
	}

	adapted := *ctx
	adapted.WorkspaceRoot = mount
	if rel != "" {
		adapted.SourceDir = filepath.Join(mount, rel)
	} else {
		adapted.SourceDir = filepath.Join(mount, m.defaultSourceDir())
	}
	adapted.UsedFallback = true
	adapted.FallbackReason = reason
	logging.Warn("workspace path fallback", "reason", reason)
	return &adapted, nil
}

// SetActive installs a context; the change hook runs outside the lock.
func (m *Manager) SetActive(ctx *Context) {
	m.mu.Lock()
	old := m.active
	m.active = ctx
	m.mu.Unlock()

	if m.onChange != nil && !sameContext(old, ctx) {
		m.onChange(old, ctx)
	}
}

func sameContext(a, b *Context) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.WorkspaceRoot == b.WorkspaceRoot &&
		a.SourceDir == b.SourceDir &&
		a.ProjectID == b.ProjectID
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// fingerprint is a stable short hash binding projectId to its root.
func fingerprint(root, projectID string) string {
	return fmt.Sprintf("%012x", xxhash.Sum64String(root+"\x00"+projectID)&0xffffffffffff)
}
