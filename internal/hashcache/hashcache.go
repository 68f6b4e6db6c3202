// Package hashcache persists content hashes of indexed files so rebuilds
// can skip work for unchanged sources.
package hashcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/codegraph-dev/codegraph/internal/logging"
)

const (
	cacheFileName = "file-hashes.json"
	cacheVersion  = 1
)

// Entry is one file's cached state.
type Entry struct {
	Hash      string    `json:"hash"`
	LOC       int       `json:"loc"`
	Timestamp time.Time `json:"timestamp"`
}

// cacheFile is the on-disk shape. Version bumps invalidate old caches.
type cacheFile struct {
	Version   int              `json:"version"`
	ProjectID string           `json:"projectId"`
	LastBuild time.Time        `json:"lastBuild"`
	Files     map[string]Entry `json:"files"`
}

// Cache maps workspace-relative paths to content hashes. The cache is
// advisory: it decides which files get parsed, never correctness.
type Cache struct {
	mu        sync.RWMutex
	dir       string
	projectID string
	files     map[string]Entry
	dirty     bool
}

// Load reads the cache for projectID from dir. A missing, corrupt, or
// stale-versioned file yields an empty cache, never an error: the worst
// case is a full rebuild.
func Load(dir, projectID string) *Cache {
	c := &Cache{
		dir:       dir,
		projectID: projectID,
		files:     make(map[string]Entry),
	}

	data, err := os.ReadFile(filepath.Join(dir, cacheFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("hash cache unreadable, starting empty", "error", err)
		}
		return c
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		logging.Warn("hash cache corrupt, starting empty", "error", err)
		return c
	}
	if cf.Version != cacheVersion || cf.ProjectID != projectID {
		logging.Info("hash cache version or project mismatch, starting empty",
			"cachedProject", cf.ProjectID, "project", projectID)
		return c
	}
	if cf.Files != nil {
		c.files = cf.Files
	}
	return c
}

// Get returns the cached entry for relPath.
func (c *Cache) Get(relPath string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.files[relPath]
	return e, ok
}

// HasChanged reports whether relPath's content differs from the cached
// hash. Unknown paths count as changed.
func (c *Cache) HasChanged(relPath, hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.files[relPath]
	return !ok || cached.Hash != hash
}

// Put records the hash and line count for relPath.
func (c *Cache) Put(relPath, hash string, loc int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.files[relPath]; ok && cur.Hash == hash && cur.LOC == loc {
		return
	}
	c.files[relPath] = Entry{Hash: hash, LOC: loc, Timestamp: time.Now().UTC()}
	c.dirty = true
}

// Remove drops relPath, typically after a file deletion.
func (c *Cache) Remove(relPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[relPath]; !ok {
		return
	}
	delete(c.files, relPath)
	c.dirty = true
}

// Paths returns the cached paths in sorted order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := make([]string, 0, len(c.files))
	for p := range c.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

// Clear drops all entries, forcing the next build to treat every file
// as changed.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.files) == 0 {
		return
	}
	c.files = make(map[string]Entry)
	c.dirty = true
}

// Save writes the cache atomically: marshal to a temp file in the same
// directory, then rename over the target. A file lock serializes
// concurrent savers (multiple server processes on the same workspace).
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(c.dir, cacheFileName+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock hash cache: %w", err)
	}
	if !locked {
		logging.Warn("hash cache locked by another process, skipping save")
		return nil
	}
	defer lock.Unlock()

	cf := cacheFile{
		Version:   cacheVersion,
		ProjectID: c.projectID,
		LastBuild: time.Now().UTC(),
		Files:     c.files,
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hash cache: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, cacheFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.dir, cacheFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace hash cache: %w", err)
	}

	c.dirty = false
	return nil
}
