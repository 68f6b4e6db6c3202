// Package orchestrator drives build transactions: discover sources,
// select changed files, parse, emit statements, execute, and reconcile
// the in-memory index.
package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/hashcache"
	"github.com/codegraph-dev/codegraph/internal/logging"
	"github.com/codegraph-dev/codegraph/internal/parser"
	"github.com/codegraph-dev/codegraph/internal/syncstate"
)

// Mode selects full or incremental processing.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// DocsIndexer runs the docs engine after a full build. Implemented by
// the docs package; nil skips the step.
type DocsIndexer interface {
	IndexDocs(ctx context.Context, builder *graph.Builder, incremental bool) (indexed, skipped int, errs []string)
}

// EmbeddingSink receives symbol text for vector indexing after parsing.
// Implemented by the vector store; nil skips the step.
type EmbeddingSink interface {
	Upsert(ctx context.Context, collection, nodeID, projectID, text string) error
	DeleteProject(projectID string) error
}

// Point ids handed to the sink equal graph node ids, so vector hits
// join directly against the index and store.
const (
	collectionFunctions = "functions"
	collectionClasses   = "classes"
	collectionFiles     = "files"
)

// Request describes one build.
type Request struct {
	Mode          Mode
	WorkspaceRoot string
	SourceDir     string
	ProjectID     string
	Exclude       []string
	ChangedFiles  []string
	TxID          string
	TxTimestamp   time.Time
	IndexDocs     bool
}

// Result is the build outcome.
type Result struct {
	TxID            string   `json:"txId"`
	TxTimestamp     int64    `json:"txTimestamp"`
	Mode            Mode     `json:"mode"`
	FilesDiscovered int      `json:"filesDiscovered"`
	FilesChanged    int      `json:"filesChanged"`
	FilesProcessed  int      `json:"filesProcessed"`
	Statements      int      `json:"statements"`
	StoreFailures   int      `json:"storeFailures"`
	DocsIndexed     int      `json:"docsIndexed"`
	VectorPoints    int      `json:"vectorPoints"`
	DurationMs      int64    `json:"durationMs"`
	Warnings        []string `json:"warnings"`
	Errors          []string `json:"errors"`
}

// Orchestrator serializes builds per project and owns the shared pieces
// a build touches.
type Orchestrator struct {
	adapter     *parser.Adapter
	cache       *hashcache.Cache
	client      *graph.Client
	index       *graph.MemIndex
	sharedIndex *graph.MemIndex
	tracker     *syncstate.Tracker
	docs        DocsIndexer
	vectors     EmbeddingSink

	buildMu sync.Mutex

	mu         sync.Mutex
	lastErrors []string
}

// New wires an orchestrator. client, sharedIndex, tracker, docs, and
// vectors may be nil; index is required.
func New(adapter *parser.Adapter, cache *hashcache.Cache, client *graph.Client,
	index, sharedIndex *graph.MemIndex, tracker *syncstate.Tracker, docs DocsIndexer,
	vectors EmbeddingSink) *Orchestrator {
	return &Orchestrator{
		adapter:     adapter,
		cache:       cache,
		client:      client,
		index:       index,
		sharedIndex: sharedIndex,
		tracker:     tracker,
		docs:        docs,
		vectors:     vectors,
	}
}

// LastErrors returns the most recent build's error list for the health
// surface.
func (o *Orchestrator) LastErrors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.lastErrors))
	copy(out, o.lastErrors)
	return out
}

// Run executes one build transaction. Concurrent calls for the same
// orchestrator queue behind the build lock.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	o.buildMu.Lock()
	defer o.buildMu.Unlock()

	start := time.Now()
	if req.TxID == "" {
		req.TxID = "tx-" + uuid.NewString()
	}
	if req.TxTimestamp.IsZero() {
		req.TxTimestamp = start.UTC()
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}

	res := &Result{
		TxID:        req.TxID,
		TxTimestamp: req.TxTimestamp.UnixMilli(),
		Mode:        req.Mode,
		Warnings:    []string{},
		Errors:      []string{},
	}

	if err := validateDirs(req); err != nil {
		return nil, err
	}

	if o.tracker != nil {
		if req.Mode == ModeFull {
			o.tracker.StartRebuild("build " + req.TxID)
		} else {
			o.tracker.StartIncremental("build " + req.TxID)
		}
	}

	discovered, err := o.discover(req)
	if err != nil {
		if o.tracker != nil {
			o.tracker.AbortRebuild("build " + req.TxID + " failed during discovery")
		}
		return nil, err
	}
	res.FilesDiscovered = len(discovered)

	selected := o.selectFiles(req, discovered, res)
	res.FilesChanged = len(selected)

	bctx := graph.BuildContext{
		ProjectID:   req.ProjectID,
		TxID:        req.TxID,
		TxTimestamp: req.TxTimestamp,
	}
	builder := graph.NewBuilder(bctx)

	var statements []graph.Statement
	if o.client != nil && o.client.Connected() {
		statements = append(statements, builder.BuildGraphTx(string(req.Mode), req.SourceDir))
	}

	parsed := o.parseAll(ctx, req, selected, res)
	res.FilesProcessed = len(parsed)

	if err := ctx.Err(); err != nil {
		if o.tracker != nil {
			o.tracker.AbortRebuild("build " + req.TxID + " cancelled")
		}
		return nil, cerrors.Wrap(cerrors.CodeInternal, "build cancelled", err)
	}

	existsFn := discoveredSet(req, discovered)

	relPaths := make([]string, 0, len(parsed))
	for rel := range parsed {
		relPaths = append(relPaths, rel)
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		pf := parsed[rel]
		statements = append(statements, builder.BuildFile(pf, existsFn)...)
		for _, warn := range pf.Warnings {
			res.Warnings = append(res.Warnings, rel+": "+warn)
		}
		if o.cache != nil {
			o.cache.Put(rel, pf.Hash, pf.LOC)
		}
	}

	statements = append(statements, builder.BuildTestEdges(parsed, existsFn)...)

	for _, st := range o.featureSeeds(req, builder, res) {
		statements = append(statements, st)
	}

	target := o.index
	if req.Mode == ModeFull {
		// Full builds reconcile into a scratch index and swap, so
		// nodes from deleted files do not linger in the mirror.
		target = graph.NewMemIndex(req.ProjectID)
	}
	for _, st := range statements {
		target.IngestStatement(st)
	}
	if target != o.index {
		carryDocs(o.index, target)
		o.index.ReplaceFrom(target)
	}
	res.Statements = len(statements)

	o.syncEmbeddings(ctx, req, parsed, res)

	if o.client != nil && o.client.Connected() {
		results := o.client.ExecuteBatch(ctx, statements)
		for i, qr := range results {
			if qr.Err != nil {
				res.StoreFailures++
				if len(res.Warnings) < 50 {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("statement %d failed: %v", i, qr.Err))
				}
			}
		}

		if req.Mode == ModeFull {
			if qr := o.client.ExecuteQuery(ctx, graph.Tombstone(bctx).Query, graph.Tombstone(bctx).Params); qr.Err != nil {
				res.Warnings = append(res.Warnings, "tombstone pass failed: "+qr.Err.Error())
			}
			if ensure := o.client.EnsureBM25Indexes(ctx); ensure.Err != nil {
				res.Warnings = append(res.Warnings, "text index provisioning failed: "+ensure.Err.Error())
			}
		}

	}

	if req.Mode == ModeFull && req.IndexDocs && o.docs != nil {
		indexed, _, docErrs := o.docs.IndexDocs(ctx, builder, false)
		res.DocsIndexed = indexed
		res.Errors = append(res.Errors, docErrs...)
	}

	if o.sharedIndex != nil {
		if req.Mode == ModeFull {
			o.sharedIndex.ReplaceFrom(o.index)
		} else {
			o.sharedIndex.SyncFrom(o.index)
		}
	}

	if o.cache != nil {
		if err := o.cache.Save(); err != nil {
			res.Warnings = append(res.Warnings, "cache save failed: "+err.Error())
		}
	}

	if o.tracker != nil {
		if req.Mode == ModeFull {
			o.tracker.CompleteRebuild("build " + req.TxID + " done")
		} else {
			o.tracker.CompleteIncremental("build " + req.TxID + " done")
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	o.mu.Lock()
	o.lastErrors = append([]string(nil), res.Errors...)
	o.mu.Unlock()

	logging.Info("build finished",
		"txId", res.TxID, "mode", string(res.Mode),
		"discovered", res.FilesDiscovered, "processed", res.FilesProcessed,
		"statements", res.Statements, "failures", res.StoreFailures,
		"durationMs", res.DurationMs)
	return res, nil
}

// carryDocs copies documentation nodes and their section edges into the
// scratch index before a full swap. The docs engine owns their
// lifecycle and refreshes them on its own schedule, so a source rebuild
// must not drop them. DOC_DESCRIBES edges whose code target vanished
// are left behind.
func carryDocs(from, to *graph.MemIndex) {
	for _, label := range []string{graph.LabelDocument, graph.LabelSection} {
		for _, n := range from.NodesByType(label) {
			to.AddNode(n.ID, n.Type, n.Properties)
		}
	}
	for _, sec := range from.NodesByType(graph.LabelSection) {
		for _, e := range from.Outgoing(sec.ID) {
			if e.Type == graph.RelDocDescribes {
				if _, ok := to.Get(e.To); !ok {
					continue
				}
			}
			to.AddEdge(e.From, e.To, e.Type)
		}
	}
}

// syncEmbeddings pushes the parsed symbols into the vector sink. Point
// ids equal graph node ids. Embedding failures degrade to warnings; a
// build never fails because the embedding backend is down.
func (o *Orchestrator) syncEmbeddings(ctx context.Context, req Request, parsed map[string]*parser.ParsedFile, res *Result) {
	if o.vectors == nil || len(parsed) == 0 {
		return
	}
	if req.Mode == ModeFull {
		if err := o.vectors.DeleteProject(req.ProjectID); err != nil {
			res.Warnings = append(res.Warnings, "vector clear failed: "+err.Error())
			return
		}
	}

	rels := make([]string, 0, len(parsed))
	for rel := range parsed {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	failures := 0
	upsert := func(collection, nodeID, text string) {
		if err := o.vectors.Upsert(ctx, collection, nodeID, req.ProjectID, text); err != nil {
			failures++
			if failures <= 5 {
				res.Warnings = append(res.Warnings, "embed failed: "+err.Error())
			}
			return
		}
		res.VectorPoints++
	}

	for _, rel := range rels {
		pf := parsed[rel]
		upsert(collectionFiles, graph.FileID(req.ProjectID, rel),
			pf.Language+" file "+rel)
		fnOrdinals := make(map[string]int)
		for _, fn := range pf.Functions {
			ord := fnOrdinals[fn.Name]
			fnOrdinals[fn.Name]++
			upsert(collectionFunctions, graph.FunctionID(req.ProjectID, rel, fn.Name, ord),
				fn.Name+" "+strings.Join(fn.Parameters, " "))
		}
		clsOrdinals := make(map[string]int)
		for _, cl := range pf.Classes {
			ord := clsOrdinals[cl.Name]
			clsOrdinals[cl.Name]++
			text := cl.Name
			if len(cl.Extends) > 0 {
				text += " extends " + strings.Join(cl.Extends, " ")
			}
			upsert(collectionClasses, graph.ClassID(req.ProjectID, rel, cl.Name, ord), text)
		}
	}
	if failures > 0 {
		logging.Warn("embedding sync incomplete",
			"project", req.ProjectID, "failures", failures, "upserted", res.VectorPoints)
	}
}

func validateDirs(req Request) error {
	if req.ProjectID == "" {
		return cerrors.New(cerrors.CodeInvalidInput, "projectId is required")
	}
	if info, err := os.Stat(req.WorkspaceRoot); err != nil || !info.IsDir() {
		return cerrors.Newf(cerrors.CodeWorkspaceNotFound,
			"workspace root %q does not exist", req.WorkspaceRoot)
	}
	if info, err := os.Stat(req.SourceDir); err != nil || !info.IsDir() {
		return cerrors.Newf(cerrors.CodeSourceDirNotFound,
			"source dir %q does not exist", req.SourceDir).
			WithHint("pass sourceDir explicitly or create the default src directory")
	}
	return nil
}

// discover walks the source dir collecting supported files, skipping
// dot-directories and excluded paths. Exclusions match as path
// substrings or doublestar globs.
func (o *Orchestrator) discover(req Request) ([]string, error) {
	var files []string
	err := filepath.WalkDir(req.SourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != req.SourceDir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if o.excluded(req, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if !o.adapter.IsSupported(path) || o.excluded(req, path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeInternal, "source walk failed", err)
	}
	sort.Strings(files)
	return files, nil
}

func (o *Orchestrator) excluded(req Request, path string) bool {
	rel, err := filepath.Rel(req.WorkspaceRoot, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range req.Exclude {
		if pat == "" {
			continue
		}
		if strings.Contains(rel, pat) {
			return true
		}
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// selectFiles applies the mode rules: full clears the cache and takes
// everything; explicit changed files are normalized and intersected
// with the discovered set; otherwise the hash cache decides.
func (o *Orchestrator) selectFiles(req Request, discovered []string, res *Result) []string {
	if req.Mode == ModeFull {
		if o.cache != nil {
			o.cache.Clear()
		}
		return discovered
	}

	discoveredSet := make(map[string]bool, len(discovered))
	for _, f := range discovered {
		discoveredSet[f] = true
	}

	if len(req.ChangedFiles) > 0 {
		seen := make(map[string]bool)
		var out []string
		for _, f := range req.ChangedFiles {
			abs := f
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(req.WorkspaceRoot, f)
			}
			abs = filepath.Clean(abs)
			if seen[abs] {
				continue
			}
			seen[abs] = true
			if !strings.HasPrefix(abs, filepath.Clean(req.WorkspaceRoot)+string(filepath.Separator)) {
				res.Warnings = append(res.Warnings, "changed file outside workspace skipped: "+f)
				continue
			}
			if !o.adapter.IsSupported(abs) {
				continue
			}
			if !discoveredSet[abs] {
				continue
			}
			out = append(out, abs)
		}
		sort.Strings(out)
		return out
	}

	if o.cache == nil {
		return discovered
	}
	var out []string
	for _, f := range discovered {
		data, err := os.ReadFile(f)
		if err != nil {
			res.Warnings = append(res.Warnings, "unreadable during selection: "+f)
			continue
		}
		rel := o.relPath(req, f)
		if o.cache.HasChanged(rel, parser.ContentHash(data)) {
			out = append(out, f)
		}
	}
	return out
}

func (o *Orchestrator) relPath(req Request, abs string) string {
	rel, err := filepath.Rel(req.WorkspaceRoot, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// parseAll reads and parses the selected files in parallel. Per-file
// failures become warnings, never build failures.
func (o *Orchestrator) parseAll(ctx context.Context, req Request, files []string, res *Result) map[string]*parser.ParsedFile {
	parsed := make(map[string]*parser.ParsedFile, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, file := range files {
		file := file
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			data, err := os.ReadFile(file)
			if err != nil {
				mu.Lock()
				res.Warnings = append(res.Warnings, "read failed: "+file)
				mu.Unlock()
				return nil
			}
			rel := o.relPath(req, file)
			pf := o.adapter.ParseFile(file, rel, data)
			mu.Lock()
			parsed[rel] = pf
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return parsed
}

// discoveredSet builds the relative-path membership probe used for
// import resolution.
func discoveredSet(req Request, discovered []string) graph.FileExists {
	set := make(map[string]bool, len(discovered))
	for _, f := range discovered {
		if rel, err := filepath.Rel(req.WorkspaceRoot, f); err == nil {
			set[filepath.ToSlash(rel)] = true
		}
	}
	return func(rel string) bool { return set[rel] }
}
