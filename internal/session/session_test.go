package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/codegraph/internal/config"
)

func TestResolveDefaults(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0755))

	m := NewManager(nil, nil)
	ctx, err := m.Resolve(Args{WorkspaceRoot: ws})
	require.NoError(t, err)
	assert.Equal(t, ws, ctx.WorkspaceRoot)
	assert.Equal(t, filepath.Join(ws, "src"), ctx.SourceDir)
	assert.Equal(t, filepath.Base(ws), ctx.ProjectID)
	assert.NotEmpty(t, ctx.ProjectFingerprint)
	assert.False(t, ctx.UsedFallback)
}

func TestResolveExplicitArgsWin(t *testing.T) {
	ws := t.TempDir()
	m := NewManager(nil, nil)
	m.SetActive(&Context{WorkspaceRoot: ws, SourceDir: filepath.Join(ws, "lib"), ProjectID: "old"})

	ctx, err := m.Resolve(Args{WorkspaceRoot: ws, SourceDir: "app", ProjectID: "new"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "app"), ctx.SourceDir)
	assert.Equal(t, "new", ctx.ProjectID)
}

func TestResolveInheritsActiveForSameRoot(t *testing.T) {
	ws := t.TempDir()
	m := NewManager(nil, nil)
	m.SetActive(&Context{WorkspaceRoot: ws, SourceDir: filepath.Join(ws, "lib"), ProjectID: "held"})

	ctx, err := m.Resolve(Args{WorkspaceRoot: ws})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "lib"), ctx.SourceDir)
	assert.Equal(t, "held", ctx.ProjectID)
}

func TestResolveMissingRoot(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Resolve(Args{})
	assert.Error(t, err)
}

func TestResolveUnreachableWithoutFallback(t *testing.T) {
	m := NewManager(&config.Config{}, nil)
	_, err := m.Resolve(Args{WorkspaceRoot: "/definitely/not/here"})
	assert.Error(t, err)
}

func TestResolveRuntimeFallback(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "src"), 0755))

	cfg := &config.Config{}
	cfg.Workspace.AllowRuntimePathFallback = true
	cfg.Workspace.RuntimeMountRoot = mount

	m := NewManager(cfg, nil)
	ctx, err := m.Resolve(Args{WorkspaceRoot: "/host/only/project", ProjectID: "proj"})
	require.NoError(t, err)
	assert.True(t, ctx.UsedFallback)
	assert.Equal(t, mount, ctx.WorkspaceRoot)
	assert.Equal(t, filepath.Join(mount, "src"), ctx.SourceDir)
	assert.Equal(t, "proj", ctx.ProjectID)
	assert.NotEmpty(t, ctx.FallbackReason)
}

func TestSetActiveFiresChangeHook(t *testing.T) {
	ws := t.TempDir()
	var calls int
	m := NewManager(nil, func(old, new *Context) { calls++ })

	ctx := &Context{WorkspaceRoot: ws, SourceDir: filepath.Join(ws, "src"), ProjectID: "p"}
	m.SetActive(ctx)
	assert.Equal(t, 1, calls)

	// identical context does not refire
	same := *ctx
	m.SetActive(&same)
	assert.Equal(t, 1, calls)

	other := *ctx
	other.ProjectID = "q"
	m.SetActive(&other)
	assert.Equal(t, 2, calls)
}

func TestFingerprintStable(t *testing.T) {
	assert.Equal(t, fingerprint("/a", "p"), fingerprint("/a", "p"))
	assert.NotEqual(t, fingerprint("/a", "p"), fingerprint("/b", "p"))
}
