package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/codegraph/internal/graph"
)

func ids(list []ScoredID) []string {
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = item.ID
	}
	return out
}

func TestFuseRRFRotatedListsTieBreakLexicographic(t *testing.T) {
	lists := [][]ScoredID{
		{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		{{ID: "B"}, {ID: "C"}, {ID: "A"}},
		{{ID: "C"}, {ID: "A"}, {ID: "B"}},
	}
	fused := FuseRRF(lists, 60)
	require.Len(t, fused, 3)
	// every id holds ranks {1,2,3} once, so all scores are equal
	assert.Equal(t, fused[0].Score, fused[1].Score)
	assert.Equal(t, fused[1].Score, fused[2].Score)
	assert.Equal(t, []string{"A", "B", "C"}, ids(fused))
}

func TestFuseRRFRankDominates(t *testing.T) {
	lists := [][]ScoredID{
		{{ID: "x"}, {ID: "y"}},
		{{ID: "x"}, {ID: "z"}},
	}
	fused := FuseRRF(lists, 60)
	assert.Equal(t, "x", fused[0].ID)

	expected := 2.0 / 61.0
	assert.InDelta(t, expected, fused[0].Score, 1e-12)
}

func TestFuseRRFDeterministic(t *testing.T) {
	lists := [][]ScoredID{
		{{ID: "m"}, {ID: "n"}},
		{{ID: "n"}, {ID: "m"}},
	}
	a := FuseRRF(lists, 60)
	b := FuseRRF(lists, 60)
	assert.Equal(t, a, b)
}

func seededIndex() *graph.MemIndex {
	idx := graph.NewMemIndex("proj")
	idx.AddNode("proj:function:src/calc.ts:computeResult:0", graph.LabelFunction, map[string]any{
		"name": "computeResult", "filePath": "src/calc.ts", "projectId": "proj",
	})
	idx.AddNode("proj:function:src/other.ts:formatOutput:0", graph.LabelFunction, map[string]any{
		"name": "formatOutput", "filePath": "src/other.ts", "projectId": "proj",
	})
	idx.AddNode("proj:file:src/calc.ts", graph.LabelFile, map[string]any{
		"relativePath": "src/calc.ts", "projectId": "proj",
	})
	// a second project's node with matching tokens must never leak out
	idx.AddNode("intruder:function:src/calc.ts:computeResult:0", graph.LabelFunction, map[string]any{
		"name": "computeResult", "filePath": "src/calc.ts", "projectId": "intruder",
	})
	idx.AddEdge("proj:file:src/calc.ts", "proj:function:src/calc.ts:computeResult:0", graph.RelContains)
	return idx
}

func TestRetrieveBM25LexicalFallback(t *testing.T) {
	r := New(nil, seededIndex(), nil)
	resp, err := r.Retrieve(context.Background(), Request{
		Query: "compute result", ProjectID: "proj", Mode: ModeBM25,
	})
	require.NoError(t, err)
	assert.Equal(t, BM25LexicalFallback, resp.BM25Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "proj:function:src/calc.ts:computeResult:0", resp.Results[0].ID)
	for _, res := range resp.Results {
		assert.NotContains(t, res.ID, "intruder:")
	}
}

func TestRetrieveHybridIncludesGraphNeighbors(t *testing.T) {
	r := New(nil, seededIndex(), nil)
	resp, err := r.Retrieve(context.Background(), Request{
		Query: "computeResult", ProjectID: "proj",
	})
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, res := range resp.Results {
		found[res.ID] = true
	}
	// the containing file enters through graph expansion
	assert.True(t, found["proj:file:src/calc.ts"])
	assert.Contains(t, resp.Sources, "graph")
}

func TestRetrieveTypeFilter(t *testing.T) {
	r := New(nil, seededIndex(), nil)
	resp, err := r.Retrieve(context.Background(), Request{
		Query: "calc", ProjectID: "proj", Types: []string{"FILE"},
	})
	require.NoError(t, err)
	for _, res := range resp.Results {
		assert.Equal(t, graph.LabelFile, res.Type)
	}
}

func TestRetrieveLimit(t *testing.T) {
	idx := graph.NewMemIndex("proj")
	for i := 0; i < 30; i++ {
		id := graph.FunctionID("proj", "src/calc.ts", "compute", i)
		idx.AddNode(id, graph.LabelFunction, map[string]any{
			"name": "compute", "projectId": "proj",
		})
	}
	r := New(nil, idx, nil)
	resp, err := r.Retrieve(context.Background(), Request{
		Query: "compute", ProjectID: "proj", Limit: 5,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
}

func TestRetrieveValidation(t *testing.T) {
	r := New(nil, seededIndex(), nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "  ", ProjectID: "proj"})
	assert.Error(t, err)

	_, err = r.Retrieve(context.Background(), Request{Query: "x"})
	assert.Error(t, err)
}

type stubVector struct {
	list []ScoredID
	err  error
}

func (s *stubVector) Search(_ context.Context, _, _ string, _ int) ([]ScoredID, error) {
	return s.list, s.err
}

func TestRetrieveVectorBackend(t *testing.T) {
	vec := &stubVector{list: []ScoredID{{ID: "proj:function:src/other.ts:formatOutput:0", Score: 0.95}}}
	r := New(nil, seededIndex(), vec)

	resp, err := r.Retrieve(context.Background(), Request{
		Query: "formatting helper", ProjectID: "proj", Mode: ModeVector,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "proj:function:src/other.ts:formatOutput:0", resp.Results[0].ID)
}

func TestRetrieveVectorErrorFallsThrough(t *testing.T) {
	vec := &stubVector{err: errors.New("backend down")}
	r := New(nil, seededIndex(), vec)

	resp, err := r.Retrieve(context.Background(), Request{
		Query: "computeResult", ProjectID: "proj", Mode: ModeVector,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "proj:function:src/calc.ts:computeResult:0", resp.Results[0].ID)
}

func TestStemTokensCamelCase(t *testing.T) {
	tokens := stemTokens("computeResultQuickly")
	assert.True(t, tokens["comput"])
	assert.True(t, tokens["result"])
	// stems match across inflections
	q := stemTokens("computing results")
	for tok := range q {
		assert.True(t, tokens[tok], tok)
	}
}
