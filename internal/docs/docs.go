// Package docs indexes a whitelist of workspace markdown into the
// graph as DOCUMENT and SECTION nodes and serves search over them.
package docs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/hashcache"
	"github.com/codegraph-dev/codegraph/internal/logging"
	"github.com/codegraph-dev/codegraph/internal/parser"
)

// Whitelisted markdown locations. Anything else in the workspace is
// ignored so a vendored tree full of READMEs cannot flood the graph.
var docPatterns = []string{
	"README*.md",
	"readme*.md",
	"CHANGELOG*.md",
	"ARCHITECTURE*.md",
	"CONTRIBUTING.md",
	"docs/**/*.md",
	"doc/**/*.md",
	"adr/**/*.md",
	"**/adr/*.md",
	"**/decisions/*.md",
	"guides/**/*.md",
}

var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".codegraph":   true,
}

// Result reports one indexing pass.
type Result struct {
	Indexed    int      `json:"indexed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

// SearchHit is one docs search result.
type SearchHit struct {
	SectionID string  `json:"sectionId"`
	DocPath   string  `json:"docPath,omitempty"`
	Heading   string  `json:"heading,omitempty"`
	Content   string  `json:"content,omitempty"`
	Score     float64 `json:"score"`
}

// Engine walks, parses, and indexes workspace documentation.
type Engine struct {
	adapter *parser.Adapter
	client  *graph.Client
	index   *graph.MemIndex
	cache   *hashcache.Cache

	root string
}

// NewEngine wires a docs engine. client and cache may be nil.
func NewEngine(adapter *parser.Adapter, client *graph.Client, index *graph.MemIndex, cache *hashcache.Cache) *Engine {
	return &Engine{adapter: adapter, client: client, index: index, cache: cache}
}

// SetWorkspace points the engine at the workspace to walk. Called when
// the session context changes.
func (e *Engine) SetWorkspace(root string) { e.root = root }

// IndexDocs satisfies the orchestrator's docs hook.
func (e *Engine) IndexDocs(ctx context.Context, builder *graph.Builder, incremental bool) (int, int, []string) {
	res := e.Run(ctx, builder, incremental)
	return res.Indexed, res.Skipped, res.Errors
}

// Run walks the whitelist and indexes changed documents.
func (e *Engine) Run(ctx context.Context, builder *graph.Builder, incremental bool) *Result {
	start := time.Now()
	res := &Result{}
	if e.root == "" {
		res.Errors = append(res.Errors, "docs engine has no workspace configured")
		return res
	}

	files, err := e.discover()
	if err != nil {
		res.Errors = append(res.Errors, "docs walk failed: "+err.Error())
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	for _, abs := range files {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, "docs indexing cancelled")
			break
		}
		rel, relErr := filepath.Rel(e.root, abs)
		if relErr != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			res.Errors = append(res.Errors, rel+": "+readErr.Error())
			continue
		}
		hash := parser.ContentHash(data)
		if incremental && e.cache != nil && !e.cache.HasChanged(rel, hash) {
			res.Skipped++
			continue
		}

		doc := e.adapter.ParseDoc(abs, rel, data)
		stmts := builder.BuildDoc(doc, e.index)
		for _, st := range stmts {
			e.index.IngestStatement(st)
		}
		if e.client != nil && e.client.Connected() {
			for _, qr := range e.client.ExecuteBatch(ctx, stmts) {
				if qr.Err != nil {
					res.Errors = append(res.Errors, rel+": "+qr.Err.Error())
				}
			}
		}
		if e.cache != nil {
			e.cache.Put(rel, hash, parser.CountLines(data))
		}
		res.Indexed++
	}

	res.DurationMs = time.Since(start).Milliseconds()
	logging.Info("docs indexed",
		"indexed", res.Indexed, "skipped", res.Skipped, "errors", len(res.Errors))
	return res
}

func (e *Engine) discover() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := filepath.WalkDir(e.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != e.root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range docPatterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				if !seen[path] {
					seen[path] = true
					out = append(out, path)
				}
				break
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// SearchDocs serves a docs query from the store's fulltext index,
// falling back to an index scan when the store cannot.
func (e *Engine) SearchDocs(ctx context.Context, query, projectID string, limit int) []SearchHit {
	if limit <= 0 {
		limit = 10
	}
	if e.client != nil && e.client.Connected() && e.client.BM25IndexKnownToExist() {
		qr := e.client.FulltextSearch(ctx, graph.DocsIndexName, query, projectID, limit)
		if qr.Err == nil {
			if hits := hitsFromRows(qr.Rows); len(hits) > 0 {
				return hits
			}
		} else {
			logging.Debug("docs fulltext search failed, using scan", "error", qr.Err)
		}
	}
	return e.scanSections(query, limit)
}

// GetDocsBySymbol returns sections whose DOC_DESCRIBES edge lands on a
// node carrying the symbol.
func (e *Engine) GetDocsBySymbol(ctx context.Context, symbol, projectID string, limit int) []SearchHit {
	if limit <= 0 {
		limit = 10
	}
	if e.client != nil && e.client.Connected() {
		qr := e.client.ExecuteQuery(ctx,
			"MATCH (s:SECTION)-[:DOC_DESCRIBES]->(t) "+
				"WHERE s.projectId = $projectId AND (t.name = $symbol OR t.id ENDS WITH $suffix) "+
				"RETURN s AS node, 1.0 AS score LIMIT $limit",
			map[string]any{
				"projectId": projectID,
				"symbol":    symbol,
				"suffix":    ":" + symbol,
				"limit":     limit,
			})
		if qr.Err == nil {
			if hits := hitsFromRows(qr.Rows); len(hits) > 0 {
				return hits
			}
		}
	}
	return e.scanDocEdges(symbol, limit)
}

func (e *Engine) scanSections(query string, limit int) []SearchHit {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	var hits []SearchHit
	for _, node := range e.index.NodesByType(graph.LabelSection) {
		heading, _ := node.Properties["heading"].(string)
		content, _ := node.Properties["content"].(string)
		haystack := strings.ToLower(heading + " " + content)
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			SectionID: node.ID,
			DocPath:   docPathOf(node),
			Heading:   heading,
			Content:   truncate(content, 400),
			Score:     float64(matched) / float64(len(tokens)),
		})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (e *Engine) scanDocEdges(symbol string, limit int) []SearchHit {
	var hits []SearchHit
	for _, edge := range e.index.EdgesByType(graph.RelDocDescribes) {
		target, ok := e.index.Get(edge.To)
		if !ok {
			continue
		}
		name, _ := target.Properties["name"].(string)
		if name != symbol && !strings.HasSuffix(edge.To, ":"+symbol) {
			continue
		}
		section, ok := e.index.Get(edge.From)
		if !ok {
			continue
		}
		heading, _ := section.Properties["heading"].(string)
		content, _ := section.Properties["content"].(string)
		hits = append(hits, SearchHit{
			SectionID: section.ID,
			DocPath:   docPathOf(section),
			Heading:   heading,
			Content:   truncate(content, 400),
			Score:     1.0,
		})
	}
	sortHits(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func hitsFromRows(rows []map[string]any) []SearchHit {
	var hits []SearchHit
	for _, row := range rows {
		props, ok := row["node"].(map[string]any)
		if !ok {
			continue
		}
		id, _ := props["id"].(string)
		if id == "" {
			continue
		}
		heading, _ := props["heading"].(string)
		content, _ := props["content"].(string)
		docPath, _ := props["docPath"].(string)
		score, _ := row["score"].(float64)
		hits = append(hits, SearchHit{
			SectionID: id,
			DocPath:   docPath,
			Heading:   heading,
			Content:   truncate(content, 400),
			Score:     score,
		})
	}
	return hits
}

func docPathOf(node *graph.Node) string {
	if p, ok := node.Properties["docPath"].(string); ok {
		return p
	}
	if p, ok := node.Properties["relativePath"].(string); ok {
		return p
	}
	return ""
}

func sortHits(hits []SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].SectionID < hits[j].SectionID
	})
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
