// Package drift compares the in-memory index against live store counts
// and flags divergence for the health surface.
package drift

import (
	"context"

	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

// Small count deltas are expected while a build is in flight; anything
// larger than this means the mirrors have diverged.
const nodeCountTolerance = 3

// Labels whose counts participate in detection. Claims and episodes are
// written outside builds and would produce false positives.
var indexableLabels = []string{
	graph.LabelFile,
	graph.LabelFunction,
	graph.LabelClass,
	graph.LabelImport,
	graph.LabelDocument,
	graph.LabelSection,
}

// VectorCounter reports how many embeddings a project holds.
type VectorCounter interface {
	Count(projectID string) (int, error)
}

// Report is the drift summary attached to health responses.
type Report struct {
	DriftDetected       bool           `json:"driftDetected"`
	VectorDriftDetected bool           `json:"vectorDriftDetected"`
	CachedNodes         int            `json:"cachedNodes"`
	StoreIndexableNodes int            `json:"storeIndexableNodes"`
	StoreCountsByLabel  map[string]int `json:"storeCountsByLabel,omitempty"`
	CachedEdges         int            `json:"cachedEdges"`
	VectorCount         int            `json:"vectorCount"`
	IndexedSymbols      int            `json:"indexedSymbols"`
	StoreReachable      bool           `json:"storeReachable"`
	Recommendations     []string       `json:"recommendations,omitempty"`
}

// Detector owns the comparison. vectors may be nil.
type Detector struct {
	client  *graph.Client
	vectors VectorCounter
}

func NewDetector(client *graph.Client, vectors VectorCounter) *Detector {
	return &Detector{client: client, vectors: vectors}
}

// Check compares index counts with live store counts. Recommendations
// never trigger work on their own.
func (d *Detector) Check(ctx context.Context, index *graph.MemIndex) *Report {
	report := &Report{
		CachedNodes: indexableNodeCount(index),
		CachedEdges: index.EdgeCount(),
	}

	if d.client != nil && d.client.Connected() {
		report.StoreReachable = true
		report.StoreCountsByLabel = make(map[string]int, len(indexableLabels))
		for _, label := range indexableLabels {
			n, err := d.storeCount(ctx, label, index.ProjectID())
			if err != nil {
				report.StoreReachable = false
				report.Recommendations = append(report.Recommendations,
					"store count query failed; verify graph store connectivity")
				logging.Warn("drift count query failed", "label", label, "error", err)
				break
			}
			report.StoreCountsByLabel[label] = n
			report.StoreIndexableNodes += n
		}
	} else {
		report.Recommendations = append(report.Recommendations,
			"graph store offline; serving from in-memory index only")
	}

	if report.StoreReachable {
		delta := report.CachedNodes - report.StoreIndexableNodes
		if delta < 0 {
			delta = -delta
		}
		if delta > nodeCountTolerance {
			report.DriftDetected = true
			report.Recommendations = append(report.Recommendations,
				"in-memory index and store node counts diverge; run a full rebuild")
		}
	}

	report.IndexedSymbols = symbolCount(index)
	if d.vectors != nil {
		n, err := d.vectors.Count(index.ProjectID())
		if err == nil {
			report.VectorCount = n
			if n < report.IndexedSymbols {
				report.VectorDriftDetected = true
				report.Recommendations = append(report.Recommendations,
					"vector store holds fewer embeddings than indexed symbols; re-run embedding sync")
			}
		} else {
			report.Recommendations = append(report.Recommendations,
				"vector store unavailable; semantic retrieval degraded to lexical")
		}
	}

	return report
}

func (d *Detector) storeCount(ctx context.Context, label, projectID string) (int, error) {
	qr := d.client.ExecuteQuery(ctx,
		"MATCH (n:"+label+" {projectId: $projectId}) WHERE n.validTo IS NULL RETURN count(n) AS n",
		map[string]any{"projectId": projectID})
	if qr.Err != nil {
		return 0, qr.Err
	}
	if len(qr.Rows) == 0 {
		return 0, nil
	}
	switch v := qr.Rows[0]["n"].(type) {
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	}
	return 0, nil
}

func indexableNodeCount(index *graph.MemIndex) int {
	counts := index.CountsByType()
	total := 0
	for _, label := range indexableLabels {
		total += counts[label]
	}
	return total
}

func symbolCount(index *graph.MemIndex) int {
	counts := index.CountsByType()
	return counts[graph.LabelFunction] + counts[graph.LabelClass] + counts[graph.LabelFile]
}
