package hashcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	c := Load(t.TempDir(), "proj")
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.HasChanged("src/a.ts", "abc"))
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c := Load(dir, "proj")
	c.Put("src/a.ts", "h1", 10)
	c.Put("src/b.ts", "h2", 20)
	require.NoError(t, c.Save())

	reloaded := Load(dir, "proj")
	assert.Equal(t, 2, reloaded.Len())
	assert.False(t, reloaded.HasChanged("src/a.ts", "h1"))
	assert.True(t, reloaded.HasChanged("src/a.ts", "h1-modified"))
	assert.True(t, reloaded.HasChanged("src/new.ts", "x"))

	entry, ok := reloaded.Get("src/b.ts")
	require.True(t, ok)
	assert.Equal(t, "h2", entry.Hash)
	assert.Equal(t, 20, entry.LOC)
}

func TestProjectMismatchStartsEmpty(t *testing.T) {
	dir := t.TempDir()

	c := Load(dir, "proj-a")
	c.Put("src/a.ts", "h1", 5)
	require.NoError(t, c.Save())

	other := Load(dir, "proj-b")
	assert.Equal(t, 0, other.Len())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file-hashes.json"), []byte("{not json"), 0644))

	c := Load(dir, "proj")
	assert.Equal(t, 0, c.Len())
}

func TestRemoveAndReset(t *testing.T) {
	dir := t.TempDir()

	c := Load(dir, "proj")
	c.Put("src/a.ts", "h1", 1)
	c.Put("src/b.ts", "h2", 2)
	c.Remove("src/a.ts")
	assert.Equal(t, []string{"src/b.ts"}, c.Paths())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestSaveSkipsWhenClean(t *testing.T) {
	dir := t.TempDir()

	c := Load(dir, "proj")
	require.NoError(t, c.Save())
	_, err := os.Stat(filepath.Join(dir, "file-hashes.json"))
	assert.True(t, os.IsNotExist(err))

	c.Put("src/a.ts", "h1", 1)
	require.NoError(t, c.Save())
	_, err = os.Stat(filepath.Join(dir, "file-hashes.json"))
	assert.NoError(t, err)

	// second save without changes is a no-op
	info1, err := os.Stat(filepath.Join(dir, "file-hashes.json"))
	require.NoError(t, err)
	require.NoError(t, c.Save())
	info2, err := os.Stat(filepath.Join(dir, "file-hashes.json"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}
