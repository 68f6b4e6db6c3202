package syncstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialStates(t *testing.T) {
	tr := NewTracker("proj", 10)
	assert.False(t, tr.IsHealthy())
	assert.Equal(t, GraphStore, tr.NeedsSync())
	for _, s := range tr.States() {
		assert.Equal(t, Uninitialized, s)
	}
}

func TestRebuildCycle(t *testing.T) {
	tr := NewTracker("proj", 10)

	tr.StartRebuild("full build")
	assert.Equal(t, Rebuilding, tr.Get(Index))
	assert.False(t, tr.IsHealthy())
	// rebuilding subsystems are not reported as needing sync
	assert.Equal(t, Subsystem(""), tr.NeedsSync())

	tr.CompleteRebuild("full build done")
	assert.True(t, tr.IsHealthy())
	assert.Equal(t, Subsystem(""), tr.NeedsSync())
}

func TestAbortRebuildDrifts(t *testing.T) {
	tr := NewTracker("proj", 10)
	tr.StartRebuild("build")
	tr.AbortRebuild("cancelled")
	assert.Equal(t, Drifted, tr.Get(GraphStore))
	assert.Equal(t, GraphStore, tr.NeedsSync())
}

func TestIncrementalTouchesOnlyIndexAndEmbeddings(t *testing.T) {
	tr := NewTracker("proj", 10)
	tr.CompleteRebuild("seed")

	tr.StartIncremental("file change")
	assert.Equal(t, Synced, tr.Get(GraphStore))
	assert.Equal(t, Synced, tr.Get(VectorStore))
	assert.Equal(t, Rebuilding, tr.Get(Index))
	assert.Equal(t, Rebuilding, tr.Get(Embeddings))

	tr.CompleteIncremental("file change done")
	assert.True(t, tr.IsHealthy())
}

func TestHistoryBounded(t *testing.T) {
	tr := NewTracker("proj", 3)
	for i := 0; i < 10; i++ {
		tr.Set(Index, Drifted, fmt.Sprintf("drift %d", i))
		tr.Set(Index, Synced, fmt.Sprintf("fix %d", i))
	}
	hist := tr.History()
	assert.Len(t, hist, 3)
	assert.Equal(t, "fix 9", hist[2].Reason)
}

func TestSetSameStateNoHistoryEntry(t *testing.T) {
	tr := NewTracker("proj", 10)
	tr.Set(Index, Drifted, "first")
	before := len(tr.History())
	tr.Set(Index, Drifted, "again")
	assert.Equal(t, before, len(tr.History()))
}
