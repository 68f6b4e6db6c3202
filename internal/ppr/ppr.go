// Package ppr ranks graph nodes with personalized PageRank biased
// toward a set of seed nodes.
package ppr

import (
	"context"
	"math"
	"sort"

	"github.com/codegraph-dev/codegraph/internal/graph"
)

const (
	defaultDamping    = 0.85
	defaultIterations = 20
	maxIterations     = 100
	maxEdgeLoad       = 20000
	maxResultsCap     = 500
)

// Options configure one ranking run.
type Options struct {
	SeedIDs     []string
	EdgeWeights map[string]float64
	Damping     float64
	Iterations  int
	MaxResults  int
	ProjectID   string
}

// RankedNode is one scored result with cached display metadata.
type RankedNode struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Type     string  `json:"type,omitempty"`
	Name     string  `json:"name,omitempty"`
	FilePath string  `json:"filePath,omitempty"`
}

// EdgeRecord is one candidate edge with endpoint metadata, as loaded
// from the store or mirrored from the in-memory index.
type EdgeRecord struct {
	FromID   string
	ToID     string
	RelType  string
	FromType string
	ToType   string
	FromName string
	ToName   string
	FromPath string
	ToPath   string
}

// Ranker runs PPR over edges fetched from the store, with the in-memory
// index as the offline fallback.
type Ranker struct {
	client *graph.Client
	index  *graph.MemIndex
}

// NewRanker wires a ranker. Either dependency may be nil.
func NewRanker(client *graph.Client, index *graph.MemIndex) *Ranker {
	return &Ranker{client: client, index: index}
}

// Rank computes the ranking. Empty seeds yield an empty result without
// touching the store.
func (r *Ranker) Rank(ctx context.Context, opts Options) ([]RankedNode, error) {
	if len(opts.SeedIDs) == 0 {
		return []RankedNode{}, nil
	}

	edges, err := r.loadEdges(ctx, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	return Compute(opts, edges), nil
}

func (r *Ranker) loadEdges(ctx context.Context, projectID string) ([]EdgeRecord, error) {
	if r.client != nil && r.client.Connected() {
		edges, err := loadStoreEdges(ctx, r.client, projectID)
		if err == nil {
			return edges, nil
		}
		// fall through to the index on store failure
	}
	if r.index != nil {
		return indexEdges(r.index), nil
	}
	return nil, nil
}

func loadStoreEdges(ctx context.Context, client *graph.Client, projectID string) ([]EdgeRecord, error) {
	res := client.ExecuteQuery(ctx,
		"MATCH (a)-[r]->(b) WHERE a.projectId = $projectId AND b.projectId = $projectId "+
			"RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, "+
			"labels(a)[0] AS fromType, labels(b)[0] AS toType, "+
			"a.name AS fromName, b.name AS toName, "+
			"a.filePath AS fromPath, b.filePath AS toPath "+
			"LIMIT $limit",
		map[string]any{"projectId": projectID, "limit": maxEdgeLoad})
	if res.Err != nil {
		return nil, res.Err
	}

	edges := make([]EdgeRecord, 0, len(res.Rows))
	for _, row := range res.Rows {
		edges = append(edges, EdgeRecord{
			FromID:   str(row["fromId"]),
			ToID:     str(row["toId"]),
			RelType:  str(row["relType"]),
			FromType: str(row["fromType"]),
			ToType:   str(row["toType"]),
			FromName: str(row["fromName"]),
			ToName:   str(row["toName"]),
			FromPath: str(row["fromPath"]),
			ToPath:   str(row["toPath"]),
		})
	}
	return edges, nil
}

func indexEdges(idx *graph.MemIndex) []EdgeRecord {
	var edges []EdgeRecord
	for _, nodeType := range []string{
		graph.LabelFile, graph.LabelFunction, graph.LabelClass,
		graph.LabelImport, graph.LabelTestSuite, graph.LabelSection,
	} {
		for _, n := range idx.NodesByType(nodeType) {
			for _, e := range idx.Outgoing(n.ID) {
				if len(edges) >= maxEdgeLoad {
					return edges
				}
				rec := EdgeRecord{FromID: e.From, ToID: e.To, RelType: e.Type, FromType: n.Type}
				rec.FromName = propStr(n, "name")
				rec.FromPath = propStr(n, "filePath")
				if to, ok := idx.Get(e.To); ok {
					rec.ToType = to.Type
					rec.ToName = propStr(to, "name")
					rec.ToPath = propStr(to, "filePath")
				}
				edges = append(edges, rec)
			}
		}
	}
	return edges
}

// Compute is the pure fixed-iteration PPR over a candidate edge set.
// There is no convergence check: a fixed budget keeps latency
// predictable regardless of graph shape.
func Compute(opts Options, edges []EdgeRecord) []RankedNode {
	damping := opts.Damping
	if damping <= 0 || damping >= 1 {
		damping = defaultDamping
	}
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	if iterations > maxIterations {
		iterations = maxIterations
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 || maxResults > maxResultsCap {
		maxResults = maxResultsCap
	}

	type meta struct {
		nodeType string
		name     string
		filePath string
	}
	nodes := make(map[string]meta)
	note := func(id, nodeType, name, filePath string) {
		if id == "" {
			return
		}
		m, ok := nodes[id]
		if !ok {
			nodes[id] = meta{nodeType, name, filePath}
			return
		}
		if m.nodeType == "" && nodeType != "" {
			m.nodeType = nodeType
			nodes[id] = m
		}
	}
	for _, s := range opts.SeedIDs {
		note(s, "", "", "")
	}

	type wedge struct {
		to string
		w  float64
	}
	outgoing := make(map[string][]wedge)
	outSum := make(map[string]float64)
	for _, e := range edges {
		if e.FromID == "" || e.ToID == "" {
			continue
		}
		note(e.FromID, e.FromType, e.FromName, e.FromPath)
		note(e.ToID, e.ToType, e.ToName, e.ToPath)
		w := graph.EdgeWeight(e.RelType, opts.EdgeWeights)
		outgoing[e.FromID] = append(outgoing[e.FromID], wedge{to: e.ToID, w: w})
		outSum[e.FromID] += w
	}

	// teleport vector: uniform over seeds
	teleport := make(map[string]float64, len(opts.SeedIDs))
	seedMass := 1.0 / float64(len(opts.SeedIDs))
	for _, s := range opts.SeedIDs {
		teleport[s] += seedMass
	}

	rank := make(map[string]float64, len(nodes))
	for id := range nodes {
		rank[id] = teleport[id]
	}

	for i := 0; i < iterations; i++ {
		next := make(map[string]float64, len(nodes))
		for id := range nodes {
			next[id] = (1 - damping) * teleport[id]
		}
		dangling := 0.0
		for id, r := range rank {
			if r > 0 && len(outgoing[id]) == 0 {
				dangling += r
			}
		}
		for from, edges := range outgoing {
			r := rank[from]
			if r == 0 {
				continue
			}
			total := outSum[from]
			for _, e := range edges {
				next[e.to] += damping * r * e.w / total
			}
		}
		// mass parked on sink nodes flows back through the teleport
		// vector instead of leaking out of the distribution
		if dangling > 0 {
			for id, tp := range teleport {
				next[id] += damping * dangling * tp
			}
		}
		rank = next
	}

	results := make([]RankedNode, 0, len(rank))
	for id, score := range rank {
		if score <= 0 {
			continue
		}
		m := nodes[id]
		results = append(results, RankedNode{
			ID:       id,
			Score:    round6(score),
			Type:     m.nodeType,
			Name:     m.name,
			FilePath: m.filePath,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func propStr(n *graph.Node, key string) string {
	if n == nil || n.Properties == nil {
		return ""
	}
	s, _ := n.Properties[key].(string)
	return s
}
