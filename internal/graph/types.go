// Package graph builds and queries the code graph: deterministic node ids,
// idempotent upsert statements, the store client, and the in-memory mirror.
package graph

import "time"

// Node labels.
const (
	LabelFile      = "FILE"
	LabelFolder    = "FOLDER"
	LabelFunction  = "FUNCTION"
	LabelClass     = "CLASS"
	LabelImport    = "IMPORT"
	LabelExport    = "EXPORT"
	LabelTestSuite = "TEST_SUITE"
	LabelDocument  = "DOCUMENT"
	LabelSection   = "SECTION"
	LabelCommunity = "COMMUNITY"
	LabelFeature   = "FEATURE"
	LabelGraphTx   = "GRAPH_TX"
	LabelEpisode   = "EPISODE"
	LabelClaim     = "CLAIM"
)

// Relationship types.
const (
	RelContains     = "CONTAINS"
	RelImports      = "IMPORTS"
	RelExports      = "EXPORTS"
	RelReferences   = "REFERENCES"
	RelExtends      = "EXTENDS"
	RelImplements   = "IMPLEMENTS"
	RelTests        = "TESTS"
	RelSectionOf    = "SECTION_OF"
	RelNextSection  = "NEXT_SECTION"
	RelDocDescribes = "DOC_DESCRIBES"
	RelInvolves     = "INVOLVES"
	RelAppliesTo    = "APPLIES_TO"
	RelBelongsTo    = "BELONGS_TO"
)

// Statement is one idempotent store write: upsert keyed by (label, id),
// safe to execute twice.
type Statement struct {
	Query  string
	Params map[string]any
}

// BuildContext carries the provenance every statement in one build
// transaction shares.
type BuildContext struct {
	ProjectID   string
	TxID        string
	TxTimestamp time.Time
}

// ValidFrom is the build timestamp in epoch millis.
func (bc BuildContext) ValidFrom() int64 {
	return bc.TxTimestamp.UnixMilli()
}

// stamp adds the shared provenance fields onto node properties.
func (bc BuildContext) stamp(props map[string]any) map[string]any {
	props["projectId"] = bc.ProjectID
	props["validFrom"] = bc.ValidFrom()
	props["validTo"] = nil
	props["createdAt"] = bc.TxTimestamp.UTC().Format(time.RFC3339)
	props["txId"] = bc.TxID
	return props
}

// Node is the in-memory mirror's view of a store node.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Edge connects two nodes by id. Nodes never hold references to each
// other directly; cycles are fine.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// edgeWeights score relationship types for expansion and ranking.
var edgeWeights = map[string]float64{
	"CALLS":      0.9,
	"IMPORTS":    0.7,
	"CONTAINS":   0.5,
	"TESTS":      0.4,
	"INVOLVES":   0.3,
	"APPLIES_TO": 0.4,
	"DEFINED_IN": 0.6,
}

const defaultEdgeWeight = 0.2

// EdgeWeight returns the traversal weight for a relationship type,
// honoring overrides when provided.
func EdgeWeight(relType string, overrides map[string]float64) float64 {
	if overrides != nil {
		if w, ok := overrides[relType]; ok {
			return w
		}
	}
	if w, ok := edgeWeights[relType]; ok {
		return w
	}
	return defaultEdgeWeight
}

// DefaultEdgeWeights returns a copy of the built-in weight table.
func DefaultEdgeWeights() map[string]float64 {
	out := make(map[string]float64, len(edgeWeights))
	for k, v := range edgeWeights {
		out[k] = v
	}
	return out
}
