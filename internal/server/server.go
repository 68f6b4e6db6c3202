// Package server exposes the engine surface over MCP and owns the
// per-project wiring: indexes, build orchestration, retrieval, memory,
// coordination, and the watcher lifecycle.
package server

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codegraph-dev/codegraph/internal/config"
	"github.com/codegraph-dev/codegraph/internal/coordination"
	"github.com/codegraph-dev/codegraph/internal/docs"
	"github.com/codegraph-dev/codegraph/internal/drift"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/hashcache"
	"github.com/codegraph-dev/codegraph/internal/logging"
	"github.com/codegraph-dev/codegraph/internal/memory"
	"github.com/codegraph-dev/codegraph/internal/orchestrator"
	"github.com/codegraph-dev/codegraph/internal/parser"
	"github.com/codegraph-dev/codegraph/internal/ppr"
	"github.com/codegraph-dev/codegraph/internal/retriever"
	"github.com/codegraph-dev/codegraph/internal/session"
	"github.com/codegraph-dev/codegraph/internal/syncstate"
	"github.com/codegraph-dev/codegraph/internal/temporal"
	"github.com/codegraph-dev/codegraph/internal/vector"
	"github.com/codegraph-dev/codegraph/internal/watcher"
)

const serverName = "codegraph"
const serverVersion = "0.4.0"

// project bundles everything scoped to one workspace/project pair.
type project struct {
	id        string
	ctx       *session.Context
	index     *graph.MemIndex
	cache     *hashcache.Cache
	tracker   *syncstate.Tracker
	docs      *docs.Engine
	orch      *orchestrator.Orchestrator
	retriever *retriever.Retriever
	ranker    *ppr.Ranker
	temporal  *temporal.Resolver
	drift     *drift.Detector
}

// claimTargetExists resolves a claim target against the refreshed index.
// Targets arrive as full graph ids, relative paths, or bare symbol names,
// so a raw Get miss alone does not mean the target vanished.
func (p *project) claimTargetExists(targetID string) bool {
	if _, ok := p.index.Get(targetID); ok {
		return true
	}
	if len(p.index.FilesByRelPathSuffix(targetID)) > 0 {
		return true
	}
	return len(p.index.SymbolIDsByName(targetID)) > 0
}

// buildJob tracks a rebuild that outlived the sync threshold.
type buildJob struct {
	txID    string
	project string
	cancel  context.CancelFunc
	done    chan struct{}
	result  *orchestrator.Result
	err     error
}

// Server is the long-lived handle behind the tool surface.
type Server struct {
	cfg      *config.Config
	adapter  *parser.Adapter
	client   *graph.Client
	vectors  *vector.Store
	claims   *coordination.Engine
	episodes *memory.Engine
	session  *session.Manager
	mcp      *mcp.Server

	mu       sync.Mutex
	projects map[string]*project
	builds   map[string]*buildJob
	watch    *watcher.Watcher
}

// New wires a server from config. The graph store connects lazily; a
// missing vector store degrades retrieval rather than failing startup.
func New(cfg *config.Config) *Server {
	client := graph.NewClient(graph.ClientConfig{
		URI:      cfg.Graph.URI,
		User:     cfg.Graph.User,
		Password: cfg.Graph.Password,
		Database: cfg.Graph.Database,
		Timeout:  cfg.Graph.Timeout,
	})

	s := &Server{
		cfg:      cfg,
		adapter:  parser.NewAdapter(),
		client:   client,
		claims:   coordination.NewEngine(client),
		episodes: memory.NewEngine(client),
		projects: make(map[string]*project),
		builds:   make(map[string]*buildJob),
	}
	s.session = session.NewManager(cfg, s.onContextChange)
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close(ctx)
	logging.Info("server starting", "name", serverName, "version", serverVersion)
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// Close stops the watcher, cancels queued builds, and releases stores.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	jobs := make([]*buildJob, 0, len(s.builds))
	for _, job := range s.builds {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	for _, job := range jobs {
		job.cancel()
		if p := s.projectByID(job.project); p != nil {
			p.tracker.AbortRebuild("build " + job.txID + " cancelled on shutdown")
		}
	}
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			logging.Warn("vector store close failed", "error", err)
		}
	}
	if err := s.client.Close(ctx); err != nil {
		logging.Warn("graph client close failed", "error", err)
	}
}

// projectFor returns (creating on first use) the state bundle for the
// resolved session context.
func (s *Server) projectFor(sc *session.Context) *project {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sc.ProjectFingerprint
	if p, ok := s.projects[key]; ok {
		p.ctx = sc
		return p
	}

	cacheDir := filepath.Join(sc.WorkspaceRoot, config.AppDir, "cache")
	index := graph.NewMemIndex(sc.ProjectID)
	cache := hashcache.Load(cacheDir, sc.ProjectID)
	tracker := syncstate.NewTracker(sc.ProjectID, s.cfg.Sync.StateHistoryMaxSize)
	docsEngine := docs.NewEngine(s.adapter, s.client, index, cache)
	docsEngine.SetWorkspace(sc.WorkspaceRoot)

	vectors := s.ensureVectorsLocked(cacheDir)

	p := &project{
		id:       sc.ProjectID,
		ctx:      sc,
		index:    index,
		cache:    cache,
		tracker:  tracker,
		docs:     docsEngine,
		orch:     orchestrator.New(s.adapter, cache, s.client, index, nil, tracker, docsEngine, embeddingSink(vectors)),
		ranker:   ppr.NewRanker(s.client, index),
		temporal: temporal.NewResolver(s.client, sc.WorkspaceRoot),
		drift:    drift.NewDetector(s.client, vectorCounter(vectors)),
	}
	if vectors != nil {
		p.retriever = retriever.New(s.client, index, vectors)
	} else {
		p.retriever = retriever.New(s.client, index, nil)
	}
	s.projects[key] = p
	return p
}

// ensureVectorsLocked opens the shared sqlite-vec store on first use.
// Callers hold s.mu.
func (s *Server) ensureVectorsLocked(cacheDir string) *vector.Store {
	if s.vectors != nil {
		return s.vectors
	}
	path := s.cfg.Vector.Path
	if path == "" {
		path = filepath.Join(cacheDir, "vectors.db")
	}
	embedder := vector.NewOpenAIEmbedder(
		s.cfg.Vector.OpenAIKey, s.cfg.Vector.EmbeddingModel, s.cfg.Vector.Dimensions)
	store, err := vector.Open(path, embedderOrNil(embedder))
	if err != nil {
		logging.Warn("vector store unavailable", "path", path, "error", err)
		return nil
	}
	s.vectors = store
	return store
}

// onContextChange rebinds the watcher to the new source dir.
func (s *Server) onContextChange(old, next *session.Context) {
	s.mu.Lock()
	w := s.watch
	s.watch = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	if next == nil {
		return
	}

	debounce := time.Duration(s.cfg.Watcher.DebounceMs) * time.Millisecond
	next2 := *next
	nw, err := watcher.New(watcher.Options{
		Root:      next.SourceDir,
		Debounce:  debounce,
		Ignore:    s.cfg.Watcher.Ignore,
		Recursive: true,
		OnBatch:   func(paths []string) { s.onWatchBatch(&next2, paths) },
		OnError:   func(err error) { logging.Warn("watcher error", "error", err) },
	})
	if err != nil {
		logging.Warn("watcher unavailable", "root", next.SourceDir, "error", err)
		return
	}
	if err := nw.Start(); err != nil {
		logging.Warn("watcher start failed", "root", next.SourceDir, "error", err)
		return
	}
	s.mu.Lock()
	s.watch = nw
	s.mu.Unlock()
}

// onWatchBatch feeds a debounced batch into an incremental build.
func (s *Server) onWatchBatch(sc *session.Context, paths []string) {
	p := s.projectFor(sc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := p.orch.Run(ctx, orchestrator.Request{
		Mode:          orchestrator.ModeIncremental,
		WorkspaceRoot: sc.WorkspaceRoot,
		SourceDir:     sc.SourceDir,
		ProjectID:     sc.ProjectID,
		ChangedFiles:  paths,
		TxID:          newTxID(),
		TxTimestamp:   time.Now(),
	})
	if err != nil {
		logging.Warn("watch-triggered build failed", "error", err)
		return
	}
	s.claims.InvalidateStaleClaims(ctx, sc.ProjectID, p.claimTargetExists)
	logging.Info("watch-triggered build done",
		"changed", res.FilesChanged, "statements", res.Statements)
}

// projectByID finds a project bundle by project id without creating one.
func (s *Server) projectByID(projectID string) *project {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.id == projectID {
			return p
		}
	}
	return nil
}

// CancelBuilds cancels queued or running builds for the project. The
// sync subsystems drop back to drifted so the health surface reports
// the abandoned work.
func (s *Server) CancelBuilds(projectID string) int {
	s.mu.Lock()
	var jobs []*buildJob
	for _, job := range s.builds {
		if job.project == projectID {
			jobs = append(jobs, job)
		}
	}
	s.mu.Unlock()

	for _, job := range jobs {
		job.cancel()
	}
	if len(jobs) > 0 {
		if p := s.projectByID(projectID); p != nil {
			p.tracker.AbortRebuild("build cancelled by request")
		}
		logging.Info("builds cancelled", "project", projectID, "count", len(jobs))
	}
	return len(jobs)
}

// WatcherState reports the watcher machine state for health output.
func (s *Server) WatcherState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch == nil {
		return "stopped"
	}
	return string(s.watch.State())
}

func newTxID() string {
	return "tx-" + uuid.NewString()
}

func embedderOrNil(e *vector.OpenAIEmbedder) vector.Embedder {
	if e == nil {
		return nil
	}
	return e
}

func vectorCounter(v *vector.Store) drift.VectorCounter {
	if v == nil || !v.CanEmbed() {
		return nil
	}
	return v
}

// embeddingSink feeds builds into the vector store only when an
// embedder is configured; otherwise every upsert would fail.
func embeddingSink(v *vector.Store) orchestrator.EmbeddingSink {
	if v == nil || !v.CanEmbed() {
		return nil
	}
	return v
}
