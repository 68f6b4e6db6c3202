// Package retriever serves hybrid code search: vector similarity, BM25
// text search with a lexical fallback, and graph-neighborhood expansion,
// fused with reciprocal rank fusion.
package retriever

import (
	"context"
	"sort"
	"strings"

	"github.com/surgebase/porter2"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	defaultRRFK  = 60
)

// Mode selects which lists feed the fusion.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeBM25   Mode = "bm25"
	ModeGraph  Mode = "graph"
	ModeHybrid Mode = "hybrid"
)

// BM25Mode reports how the text list was produced.
type BM25Mode string

const (
	BM25Native          BM25Mode = "native"
	BM25LexicalFallback BM25Mode = "lexical_fallback"
)

// VectorSearcher is the pluggable similarity backend. A nil searcher or
// an erroring call degrades to the lexical fallback.
type VectorSearcher interface {
	Search(ctx context.Context, query, projectID string, limit int) ([]ScoredID, error)
}

// ScoredID is one ranked candidate from a single list.
type ScoredID struct {
	ID    string
	Score float64
}

// Request is one retrieval call.
type Request struct {
	Query     string
	ProjectID string
	Limit     int
	Types     []string
	Mode      Mode
	RRFK      int
}

// Result is one fused hit.
type Result struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Type     string  `json:"type,omitempty"`
	Name     string  `json:"name,omitempty"`
	FilePath string  `json:"filePath,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
}

// Response carries the hits plus how each backend behaved.
type Response struct {
	Results  []Result `json:"results"`
	BM25Mode BM25Mode `json:"bm25Mode"`
	Sources  []string `json:"sources"`
}

// Retriever owns the three lists and the fusion.
type Retriever struct {
	client *graph.Client
	index  *graph.MemIndex
	vector VectorSearcher

	// true only after a native BM25 query has actually been served
	bm25Served bool
}

// New wires a retriever. client and vector may be nil; the in-memory
// index is required.
func New(client *graph.Client, index *graph.MemIndex, vector VectorSearcher) *Retriever {
	return &Retriever{client: client, index: index, vector: vector}
}

// Retrieve runs one search.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "query must not be empty")
	}
	if req.ProjectID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "projectId is required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	if req.RRFK <= 0 {
		req.RRFK = defaultRRFK
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}

	resp := &Response{BM25Mode: BM25LexicalFallback}

	var lists [][]ScoredID
	addList := func(source string, list []ScoredID) {
		if len(list) > 0 {
			lists = append(lists, list)
			resp.Sources = append(resp.Sources, source)
		}
	}

	switch req.Mode {
	case ModeVector:
		addList("vector", r.vectorList(ctx, req))
	case ModeBM25:
		list, mode := r.bm25List(ctx, req)
		resp.BM25Mode = mode
		addList("bm25", list)
	case ModeGraph:
		seedList, mode := r.bm25List(ctx, req)
		resp.BM25Mode = mode
		addList("graph", r.graphExpansion(seedIDs(seedList, req.Limit), req.Limit))
	default:
		addList("vector", r.vectorList(ctx, req))
		bm25, mode := r.bm25List(ctx, req)
		resp.BM25Mode = mode
		addList("bm25", bm25)

		var seeds []string
		for _, list := range lists {
			seeds = append(seeds, seedIDs(list, req.Limit)...)
		}
		addList("graph", r.graphExpansion(dedupe(seeds, req.Limit), req.Limit))
	}

	fused := FuseRRF(lists, req.RRFK)
	fused = r.postFilter(fused, req)
	if len(fused) > req.Limit {
		fused = fused[:req.Limit]
	}

	resp.Results = r.decorate(fused)
	return resp, nil
}

// vectorList runs the similarity backend, falling through to the lexical
// scan when it is absent or errors. The fallback list still counts as
// the vector source.
func (r *Retriever) vectorList(ctx context.Context, req Request) []ScoredID {
	if r.vector != nil {
		list, err := r.vector.Search(ctx, req.Query, req.ProjectID, req.Limit)
		if err == nil {
			return list
		}
		logging.Warn("vector search failed, using lexical fallback", "error", err)
	}
	return r.lexicalScan(req.Query, req.ProjectID, req.Limit)
}

// bm25List tries the store fulltext index first, then the in-memory
// token-overlap scan.
func (r *Retriever) bm25List(ctx context.Context, req Request) ([]ScoredID, BM25Mode) {
	if r.client != nil && r.client.Connected() {
		res := r.client.FulltextSearch(ctx, graph.SymbolIndexName, req.Query, req.ProjectID, req.Limit)
		if res.Err == nil {
			r.bm25Served = true
			var list []ScoredID
			for _, row := range res.Rows {
				node, _ := row["node"].(map[string]any)
				id, _ := node["id"].(string)
				score, _ := row["score"].(float64)
				if id != "" {
					list = append(list, ScoredID{ID: id, Score: score})
				}
			}
			return list, BM25Native
		}
		logging.Warn("native text search failed, using lexical fallback", "error", res.Err)
	}
	return r.lexicalScan(req.Query, req.ProjectID, req.Limit), BM25LexicalFallback
}

// NativeBM25Served reports whether a native query has ever completed.
func (r *Retriever) NativeBM25Served() bool { return r.bm25Served }

// lexicalScan is the stemmed token-overlap scan over the in-memory
// index, covering FUNCTION, CLASS, and FILE nodes.
func (r *Retriever) lexicalScan(query, projectID string, limit int) []ScoredID {
	if r.index == nil {
		return nil
	}
	queryTokens := stemTokens(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var scored []ScoredID
	for _, label := range []string{graph.LabelFunction, graph.LabelClass, graph.LabelFile} {
		for _, n := range r.index.NodesByType(label) {
			if pid, _ := n.Properties["projectId"].(string); pid != projectID {
				continue
			}
			var haystack strings.Builder
			for _, key := range []string{"name", "relativePath", "filePath", "summary"} {
				if v, _ := n.Properties[key].(string); v != "" {
					haystack.WriteString(v)
					haystack.WriteByte(' ')
				}
			}
			nodeTokens := stemTokens(haystack.String())
			overlap := 0
			for tok := range queryTokens {
				if nodeTokens[tok] {
					overlap++
				}
			}
			if overlap > 0 {
				scored = append(scored, ScoredID{
					ID:    n.ID,
					Score: float64(overlap) / float64(len(queryTokens)),
				})
			}
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// graphExpansion scores the neighborhoods of the seed ids by weighted
// degree over incident edges in both directions.
func (r *Retriever) graphExpansion(seeds []string, limit int) []ScoredID {
	if r.index == nil || len(seeds) == 0 {
		return nil
	}
	scores := make(map[string]float64)
	for _, seed := range seeds {
		for _, e := range r.index.Outgoing(seed) {
			scores[e.To] += graph.EdgeWeight(e.Type, nil)
		}
		for _, e := range r.index.Incoming(seed) {
			scores[e.From] += graph.EdgeWeight(e.Type, nil)
		}
	}

	scored := make([]ScoredID, 0, len(scores))
	for id, s := range scores {
		scored = append(scored, ScoredID{ID: id, Score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// FuseRRF merges ranked lists with reciprocal rank fusion:
// score(id) = sum over lists of 1/(k + rank). Ties break by id.
func FuseRRF(lists [][]ScoredID, k int) []ScoredID {
	if k <= 0 {
		k = defaultRRFK
	}
	scores := make(map[string]float64)
	for _, list := range lists {
		for rank, item := range list {
			scores[item.ID] += 1.0 / float64(k+rank+1)
		}
	}
	fused := make([]ScoredID, 0, len(scores))
	for id, s := range scores {
		fused = append(fused, ScoredID{ID: id, Score: s})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// postFilter enforces project isolation and the optional type filter.
// Ids unknown to the index are kept only when their id prefix matches
// the project.
func (r *Retriever) postFilter(list []ScoredID, req Request) []ScoredID {
	typeSet := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		typeSet[strings.ToUpper(t)] = true
	}

	out := list[:0]
	for _, item := range list {
		nodeType := ""
		if r.index != nil {
			if n, ok := r.index.Get(item.ID); ok {
				if pid, _ := n.Properties["projectId"].(string); pid != "" && pid != req.ProjectID {
					continue
				}
				nodeType = n.Type
			} else if !strings.HasPrefix(item.ID, req.ProjectID+":") {
				continue
			}
		}
		if len(typeSet) > 0 && !typeSet[nodeType] {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (r *Retriever) decorate(list []ScoredID) []Result {
	results := make([]Result, 0, len(list))
	for _, item := range list {
		res := Result{ID: item.ID, Score: item.Score}
		if r.index != nil {
			if n, ok := r.index.Get(item.ID); ok {
				res.Type = n.Type
				res.Name, _ = n.Properties["name"].(string)
				res.FilePath, _ = n.Properties["filePath"].(string)
				if res.FilePath == "" {
					res.FilePath, _ = n.Properties["relativePath"].(string)
				}
				if summary, _ := n.Properties["summary"].(string); summary != "" {
					res.Snippet = summary
				}
			}
		}
		results = append(results, res)
	}
	return results
}

func seedIDs(list []ScoredID, limit int) []string {
	ids := make([]string, 0, len(list))
	for _, item := range list {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, item.ID)
	}
	return ids
}

func dedupe(ids []string, limit int) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// stemTokens lowercases, splits on non-alphanumerics and camelCase
// boundaries, and Porter-stems each token.
func stemTokens(s string) map[string]bool {
	tokens := make(map[string]bool)
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		tok := strings.ToLower(string(cur))
		cur = cur[:0]
		if len(tok) < 2 {
			return
		}
		tokens[porter2.Stem(tok)] = true
	}
	var prev rune
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum {
			flush()
			prev = r
			continue
		}
		if r >= 'A' && r <= 'Z' && prev >= 'a' && prev <= 'z' {
			flush()
		}
		cur = append(cur, r)
		prev = r
	}
	flush()
	return tokens
}
