package vector

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/codegraph/internal/retriever"
)

func TestEncodeFloat32Blob(t *testing.T) {
	blob := encodeFloat32Blob([]float32{1.5, -2.0})
	require.Len(t, blob, 8)
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(blob[0:4])))
	assert.Equal(t, float32(-2.0), math.Float32frombits(binary.LittleEndian.Uint32(blob[4:8])))
}

func TestSortScored(t *testing.T) {
	list := []retriever.ScoredID{
		{ID: "b", Score: 0.5},
		{ID: "a", Score: 0.5},
		{ID: "c", Score: 0.9},
	}
	sortScored(list)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "b", list[2].ID)
}

func TestStoreUpsertAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	vec := []float32{0.1, 0.2, 0.3}
	require.NoError(t, s.UpsertEmbedding(CollectionFunctions, "proj:function:a:run:0", "proj", "run", vec))
	require.NoError(t, s.UpsertEmbedding(CollectionFunctions, "proj:function:a:run:0", "proj", "run", vec))
	require.NoError(t, s.UpsertEmbedding(CollectionFiles, "proj:file:a.ts", "proj", "a.ts", vec))
	require.NoError(t, s.UpsertEmbedding(CollectionFiles, "other:file:b.ts", "other", "b.ts", vec))

	n, err := s.Count("proj")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete("proj:file:a.ts"))
	n, err = s.Count("proj")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreDeleteProject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.CanEmbed())

	vec := []float32{0.4, 0.5}
	require.NoError(t, s.UpsertEmbedding(CollectionFunctions, "proj:function:a:run:0", "proj", "run", vec))
	require.NoError(t, s.UpsertEmbedding(CollectionFiles, "proj:file:a.ts", "proj", "a.ts", vec))
	require.NoError(t, s.UpsertEmbedding(CollectionFiles, "other:file:b.ts", "other", "b.ts", vec))

	require.NoError(t, s.DeleteProject("proj"))

	n, err := s.Count("proj")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.Count("other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewOpenAIEmbedderDisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewOpenAIEmbedder("", "text-embedding-3-small", 1536))
	e := NewOpenAIEmbedder("sk-test", "", 0)
	require.NotNil(t, e)
	assert.Equal(t, 1536, e.Dimensions())
}
