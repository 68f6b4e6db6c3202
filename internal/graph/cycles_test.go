package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// link wires file -IMPORTS-> import -REFERENCES-> file in the index.
func link(idx *MemIndex, fromFile, importID, toFile string) {
	idx.AddNode(fromFile, LabelFile, map[string]any{"relativePath": fromFile})
	idx.AddNode(toFile, LabelFile, map[string]any{"relativePath": toFile})
	idx.AddNode(importID, LabelImport, nil)
	idx.AddEdge(fromFile, importID, RelImports)
	idx.AddEdge(importID, toFile, RelReferences)
}

func TestFindImportCyclesMutual(t *testing.T) {
	idx := NewMemIndex("proj")
	link(idx, "proj:file:x.ts", "proj:import:x.ts:0", "proj:file:y.ts")
	link(idx, "proj:file:y.ts", "proj:import:y.ts:0", "proj:file:x.ts")

	cycles, err := FindImportCycles(context.Background(), idx, nil, "proj")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, 2, cycles[0].Length)
	assert.Equal(t, []string{"proj:file:x.ts", "proj:file:y.ts"}, cycles[0].Files)
}

func TestFindImportCyclesCanonicalOrder(t *testing.T) {
	// same cycle built in reverse insertion order yields the same form
	idx := NewMemIndex("proj")
	link(idx, "proj:file:y.ts", "proj:import:y.ts:0", "proj:file:x.ts")
	link(idx, "proj:file:x.ts", "proj:import:x.ts:0", "proj:file:y.ts")

	cycles, err := FindImportCycles(context.Background(), idx, nil, "proj")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"proj:file:x.ts", "proj:file:y.ts"}, cycles[0].Files)
}

func TestFindImportCyclesAcyclic(t *testing.T) {
	idx := NewMemIndex("proj")
	link(idx, "proj:file:a.ts", "proj:import:a.ts:0", "proj:file:b.ts")
	link(idx, "proj:file:b.ts", "proj:import:b.ts:0", "proj:file:c.ts")

	cycles, err := FindImportCycles(context.Background(), idx, nil, "proj")
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestFindImportCyclesLongerChain(t *testing.T) {
	idx := NewMemIndex("proj")
	link(idx, "proj:file:a.ts", "proj:import:a.ts:0", "proj:file:b.ts")
	link(idx, "proj:file:b.ts", "proj:import:b.ts:0", "proj:file:c.ts")
	link(idx, "proj:file:c.ts", "proj:import:c.ts:0", "proj:file:a.ts")

	cycles, err := FindImportCycles(context.Background(), idx, nil, "proj")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, 3, cycles[0].Length)
	assert.Equal(t, "proj:file:a.ts", cycles[0].Files[0])
}

func TestFindImportCyclesEmptyIndexNoClient(t *testing.T) {
	cycles, err := FindImportCycles(context.Background(), NewMemIndex("proj"), nil, "proj")
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestEdgeWeightDefaults(t *testing.T) {
	assert.Equal(t, 0.9, EdgeWeight("CALLS", nil))
	assert.Equal(t, 0.7, EdgeWeight("IMPORTS", nil))
	assert.Equal(t, 0.2, EdgeWeight("UNKNOWN_REL", nil))
	assert.Equal(t, 0.55, EdgeWeight("IMPORTS", map[string]float64{"IMPORTS": 0.55}))
}
