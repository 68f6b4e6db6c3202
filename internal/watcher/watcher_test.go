package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestWatcherBatchesDebouncedEvents(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var batches [][]string
	w, err := New(Options{
		Root:      dir,
		Debounce:  50 * time.Millisecond,
		Recursive: true,
		OnBatch: func(paths []string) {
			mu.Lock()
			batches = append(batches, paths)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Equal(t, StateDetecting, w.State())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ts"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ts"), []byte("2"), 0644))

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 1
	})

	mu.Lock()
	first := batches[0]
	mu.Unlock()
	// both writes land in one debounced batch, deduplicated
	seen := make(map[string]int)
	for _, p := range first {
		seen[filepath.Base(p)]++
	}
	assert.LessOrEqual(t, seen["a.ts"], 1)
	assert.LessOrEqual(t, seen["b.ts"], 1)

	waitFor(t, 2*time.Second, func() bool { return w.State() == StateDetecting })
}

func TestWatcherIgnoreList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0755))

	var mu sync.Mutex
	var got []string
	w, err := New(Options{
		Root:      dir,
		Debounce:  50 * time.Millisecond,
		Recursive: true,
		Ignore:    []string{"node_modules"},
		OnBatch: func(paths []string) {
			mu.Lock()
			got = append(got, paths...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "x.js"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.ts"), []byte("2"), 0644))

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	for _, p := range got {
		assert.NotContains(t, p, "node_modules")
	}
}

func TestWatcherStopClearsQueue(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Root: dir, Debounce: time.Hour, Recursive: true})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ts"), []byte("1"), 0644))
	waitFor(t, 2*time.Second, func() bool { return w.PendingCount() > 0 })

	w.Stop()
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 0, w.PendingCount())

	// second stop is a no-op
	w.Stop()
}
