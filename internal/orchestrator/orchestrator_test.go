package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/hashcache"
	"github.com/codegraph-dev/codegraph/internal/parser"
	"github.com/codegraph-dev/codegraph/internal/syncstate"
)

type fixture struct {
	ws     string
	src    string
	orch   *Orchestrator
	index  *graph.MemIndex
	shared *graph.MemIndex
	cache  *hashcache.Cache
	track  *syncstate.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws := t.TempDir()
	src := filepath.Join(ws, "src")
	require.NoError(t, os.MkdirAll(src, 0755))

	index := graph.NewMemIndex("proj")
	shared := graph.NewMemIndex("proj")
	cache := hashcache.Load(filepath.Join(ws, ".codegraph", "cache"), "proj")
	track := syncstate.NewTracker("proj", 10)

	return &fixture{
		ws: ws, src: src,
		index: index, shared: shared, cache: cache, track: track,
		orch: New(parser.NewAdapter(), cache, nil, index, shared, track, nil, nil),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.ws, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) run(t *testing.T, req Request) *Result {
	t.Helper()
	req.WorkspaceRoot = f.ws
	req.SourceDir = f.src
	req.ProjectID = "proj"
	res, err := f.orch.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

const fileA = `export function alpha(x: number): number {
  return x + 1;
}
`

const fileB = `import { alpha } from './a';

export function beta(): number {
  return alpha(1);
}
`

func TestFullBuildCounts(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)

	res := f.run(t, Request{Mode: ModeFull})
	assert.Equal(t, 2, res.FilesDiscovered)
	assert.Equal(t, 2, res.FilesProcessed)
	assert.Greater(t, res.Statements, 4)
	assert.NotEmpty(t, res.TxID)

	// symbols land in the in-memory index with the project's id scheme
	_, ok := f.index.Get("proj:function:src/a.ts:alpha:0")
	assert.True(t, ok)
	_, ok = f.index.Get("proj:file:src/b.ts")
	assert.True(t, ok)

	// the resolved relative import produced a REFERENCES edge
	refs := f.index.EdgesByType(graph.RelReferences)
	require.NotEmpty(t, refs)
	assert.Equal(t, "proj:file:src/a.ts", refs[0].To)

	assert.True(t, f.track.IsHealthy())
}

func TestIncrementalSkipsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)

	f.run(t, Request{Mode: ModeFull})

	// rewrite A byte-identically
	f.write(t, "src/a.ts", fileA)

	res := f.run(t, Request{Mode: ModeIncremental})
	assert.Equal(t, 2, res.FilesDiscovered)
	assert.Equal(t, 0, res.FilesChanged)
	assert.Equal(t, 0, res.FilesProcessed)
}

func TestIncrementalPicksUpNewFunction(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)
	f.run(t, Request{Mode: ModeFull})

	f.write(t, "src/a.ts", fileA+`
export function foo(): number {
  return 42;
}
`)

	res := f.run(t, Request{Mode: ModeIncremental})
	assert.Equal(t, 1, res.FilesChanged)
	assert.Equal(t, 1, res.FilesProcessed)

	_, ok := f.index.Get("proj:function:src/a.ts:foo:0")
	assert.True(t, ok)
}

func TestIncrementalExplicitChangedFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)
	f.run(t, Request{Mode: ModeFull})

	res := f.run(t, Request{
		Mode: ModeIncremental,
		ChangedFiles: []string{
			"src/a.ts",
			"src/a.ts", // duplicate collapses
			"/outside/elsewhere.ts",
			"src/not-there.ts",
			filepath.Join(f.ws, "src/b.ts"),
		},
	})
	assert.Equal(t, 2, res.FilesProcessed)
	assert.NotEmpty(t, res.Warnings) // the outside path is reported
}

func TestExcludePatterns(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/vendor/dep.ts", fileA)
	f.write(t, "src/gen/x.ts", fileA)

	res := f.run(t, Request{Mode: ModeFull, Exclude: []string{"vendor", "src/gen/**"}})
	assert.Equal(t, 1, res.FilesDiscovered)
}

func TestDotDirectoriesSkipped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/.hidden/b.ts", fileA)

	res := f.run(t, Request{Mode: ModeFull})
	assert.Equal(t, 1, res.FilesDiscovered)
}

func TestSharedIndexReconciled(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)

	f.run(t, Request{Mode: ModeFull})
	assert.Equal(t, f.index.NodeCount(), f.shared.NodeCount())
	assert.Greater(t, f.shared.NodeCount(), 0)
}

func TestParseErrorDoesNotFailBuild(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/ok.ts", fileA)
	f.write(t, "src/binary.rs", string([]byte{0xff, 0xfe, 0x00, 0x01}))

	res := f.run(t, Request{Mode: ModeFull})
	assert.Equal(t, 2, res.FilesProcessed)
	assert.NotEmpty(t, res.Warnings)
}

func TestMissingSourceDir(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), Request{
		Mode:          ModeFull,
		WorkspaceRoot: f.ws,
		SourceDir:     filepath.Join(f.ws, "nope"),
		ProjectID:     "proj",
	})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeSourceDirNotFound, cerrors.CodeOf(err))
	// the offending path is quoted in the reason
	assert.Contains(t, err.Error(), `"`+filepath.Join(f.ws, "nope")+`"`)
}

func TestFullRebuildDropsDeletedFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)
	f.run(t, Request{Mode: ModeFull})

	_, ok := f.index.Get("proj:file:src/b.ts")
	require.True(t, ok)

	// doc nodes are owned by the docs engine and must ride out the swap
	f.index.AddNode("proj:doc:README.md", graph.LabelDocument, map[string]any{"title": "Demo"})

	require.NoError(t, os.Remove(filepath.Join(f.src, "b.ts")))
	f.run(t, Request{Mode: ModeFull})

	_, ok = f.index.Get("proj:file:src/b.ts")
	assert.False(t, ok, "deleted file must leave the index on full rebuild")
	_, ok = f.index.Get("proj:file:src/a.ts")
	assert.True(t, ok)
	_, ok = f.index.Get("proj:doc:README.md")
	assert.True(t, ok, "documentation nodes survive a source rebuild")
	_, ok = f.shared.Get("proj:file:src/b.ts")
	assert.False(t, ok, "shared snapshot is replaced, not merged")
}

func TestCancelledBuildMarksDrifted(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Run(ctx, Request{
		Mode:          ModeFull,
		WorkspaceRoot: f.ws,
		SourceDir:     f.src,
		ProjectID:     "proj",
	})
	require.Error(t, err)
	for sub, state := range f.track.States() {
		assert.Equal(t, syncstate.Drifted, state, string(sub))
	}
}

func TestTestSuiteEdgesDerived(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/a.test.ts", `import { alpha } from './a';

describe('alpha', () => {
  it('adds one', () => {});
});
`)

	f.run(t, Request{Mode: ModeFull})

	tests := f.index.EdgesByType(graph.RelTests)
	require.NotEmpty(t, tests)
	assert.Equal(t, "proj:testsuite:src/a.test.ts:0", tests[0].From)
	assert.Equal(t, "proj:file:src/a.ts", tests[0].To)
}

func TestFeatureSeedsFromYAML(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.write(t, ".codegraph/features.yaml", `features:
  - name: search
    status: in_progress
    priority: high
  - name: docs
`)

	f.run(t, Request{Mode: ModeFull})

	n, ok := f.index.Get("proj:feature:search")
	require.True(t, ok)
	assert.Equal(t, graph.LabelFeature, n.Type)
	_, ok = f.index.Get("proj:feature:docs")
	assert.True(t, ok)
}

type captureSink struct {
	mu      sync.Mutex
	points  map[string]string // node id -> collection
	cleared []string
}

func (s *captureSink) Upsert(_ context.Context, collection, nodeID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.points == nil {
		s.points = make(map[string]string)
	}
	s.points[nodeID] = collection
	return nil
}

func (s *captureSink) DeleteProject(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, projectID)
	s.points = make(map[string]string)
	return nil
}

func TestEmbeddingSyncOnBuild(t *testing.T) {
	f := newFixture(t)
	sink := &captureSink{}
	f.orch.vectors = sink
	f.write(t, "src/a.ts", fileA)
	f.write(t, "src/b.ts", fileB)

	res := f.run(t, Request{Mode: ModeFull})
	assert.Greater(t, res.VectorPoints, 0)
	assert.Equal(t, []string{"proj"}, sink.cleared)

	// point ids equal graph node ids so hits join against the index
	assert.Equal(t, "files", sink.points["proj:file:src/a.ts"])
	assert.Equal(t, "functions", sink.points["proj:function:src/a.ts:alpha:0"])

	require.NoError(t, os.Remove(filepath.Join(f.src, "b.ts")))
	f.run(t, Request{Mode: ModeFull})
	_, ok := sink.points["proj:file:src/b.ts"]
	assert.False(t, ok, "full rebuild clears project points before re-upserting")
	_, ok = sink.points["proj:file:src/a.ts"]
	assert.True(t, ok)
}

func TestCachePersistedAcrossRuns(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/a.ts", fileA)
	f.run(t, Request{Mode: ModeFull})

	reloaded := hashcache.Load(filepath.Join(f.ws, ".codegraph", "cache"), "proj")
	assert.Equal(t, 1, reloaded.Len())
	entry, ok := reloaded.Get("src/a.ts")
	require.True(t, ok)
	assert.NotEmpty(t, entry.Hash)
}
