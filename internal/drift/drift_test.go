package drift

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/codegraph/internal/graph"
)

type stubVectors struct {
	count int
	err   error
}

func (s *stubVectors) Count(projectID string) (int, error) { return s.count, s.err }

func seededIndex() *graph.MemIndex {
	index := graph.NewMemIndex("demo")
	index.AddNode("demo:file:src/a.ts", graph.LabelFile, map[string]any{"relativePath": "src/a.ts"})
	index.AddNode("demo:function:src/a.ts:run:0", graph.LabelFunction, map[string]any{"name": "run"})
	index.AddNode("demo:class:src/a.ts:Runner:0", graph.LabelClass, map[string]any{"name": "Runner"})
	return index
}

func hasRecommendation(report *Report, fragment string) bool {
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, fragment) {
			return true
		}
	}
	return false
}

func TestCheckOfflineStore(t *testing.T) {
	d := NewDetector(nil, &stubVectors{count: 3})
	report := d.Check(context.Background(), seededIndex())

	assert.False(t, report.StoreReachable)
	assert.False(t, report.DriftDetected)
	assert.Equal(t, 3, report.CachedNodes)
	require.NotEmpty(t, report.Recommendations)
	assert.True(t, hasRecommendation(report, "offline"))
}

func TestVectorDrift(t *testing.T) {
	d := NewDetector(nil, &stubVectors{count: 1})
	report := d.Check(context.Background(), seededIndex())

	assert.True(t, report.VectorDriftDetected)
	assert.Equal(t, 3, report.IndexedSymbols)
	assert.Equal(t, 1, report.VectorCount)
	assert.True(t, hasRecommendation(report, "fewer embeddings"))
}

func TestNoVectorDriftWhenCountsMatch(t *testing.T) {
	d := NewDetector(nil, &stubVectors{count: 3})
	report := d.Check(context.Background(), seededIndex())
	assert.False(t, report.VectorDriftDetected)
}

func TestVectorStoreUnavailable(t *testing.T) {
	d := NewDetector(nil, &stubVectors{err: errors.New("closed")})
	report := d.Check(context.Background(), seededIndex())

	assert.False(t, report.VectorDriftDetected)
	assert.True(t, hasRecommendation(report, "degraded to lexical"))
}

func TestNoVectorCounter(t *testing.T) {
	d := NewDetector(nil, nil)
	report := d.Check(context.Background(), seededIndex())
	assert.False(t, report.VectorDriftDetected)
	assert.Zero(t, report.VectorCount)
}
