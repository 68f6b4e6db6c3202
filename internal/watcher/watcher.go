// Package watcher turns filesystem events into debounced rebuild
// batches over a single recursive watch root.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codegraph-dev/codegraph/internal/logging"
)

// State is the watcher's explicit machine state.
type State string

const (
	StateIdle       State = "idle"
	StateDetecting  State = "detecting"
	StateDebouncing State = "debouncing"
	StateRebuilding State = "rebuilding"
)

// BatchHandler receives one drained batch of changed paths. Typically an
// incremental orchestrator run.
type BatchHandler func(paths []string)

// Options configure a watcher.
type Options struct {
	Root      string
	Debounce  time.Duration
	Ignore    []string
	OnBatch   BatchHandler
	OnError   func(error)
	Recursive bool
}

// Watcher owns the fsnotify instance, the pending path set, and the
// debounce timer.
type Watcher struct {
	mu      sync.Mutex
	opts    Options
	fsw     *fsnotify.Watcher
	state   State
	pending map[string]struct{}
	timer   *time.Timer
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a watcher without starting it.
func New(opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:    opts,
		fsw:     fsw,
		state:   StateIdle,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the watch tree and begins consuming events.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.opts.Root); err != nil {
		w.fsw.Close()
		return err
	}
	w.setState(StateDetecting)
	w.wg.Add(1)
	go w.loop()
	logging.Info("watcher started", "root", w.opts.Root, "debounce", w.opts.Debounce)
	return nil
}

// State returns the current machine state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PendingCount returns the queued path count.
func (w *Watcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stop cancels the timer, closes the watcher, clears the queue, and
// returns the machine to idle. Safe to call twice.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]struct{})
	w.state = StateIdle
	close(w.done)
	w.mu.Unlock()

	w.fsw.Close()
	w.wg.Wait()
	logging.Info("watcher stopped", "root", w.opts.Root)
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	if !w.stopped && w.state != s {
		logging.Debug("watcher state", "from", string(w.state), "to", string(s))
		w.state = s
	}
	w.mu.Unlock()
}

// addWatches registers root and, when recursive, every non-ignored
// subdirectory. Symlinked directories are skipped to avoid cycles.
func (w *Watcher) addWatches(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsw.Add(root)
	}
	if !w.opts.Recursive {
		return w.fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}
	for _, pat := range w.opts.Ignore {
		pat = strings.Trim(pat, "/")
		if pat == "" {
			continue
		}
		if rel == pat || strings.HasPrefix(rel, pat+"/") ||
			strings.Contains("/"+rel+"/", "/"+pat+"/") {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.opts.OnError != nil {
				w.opts.OnError(err)
			} else {
				logging.Warn("watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.ignored(event.Name) {
		return
	}

	// new directories join the watch tree
	if event.Op&fsnotify.Create != 0 && w.opts.Recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addWatches(event.Name)
			return
		}
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.pending[event.Name] = struct{}{}
	if w.state != StateRebuilding {
		w.state = StateDebouncing
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.flush)
	w.mu.Unlock()
}

// flush drains the queue and hands the batch to the handler. Events
// arriving during the handler run accumulate and schedule another flush.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.stopped || w.state == StateRebuilding || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.pending))
	for p := range w.pending {
		batch = append(batch, p)
	}
	w.pending = make(map[string]struct{})
	w.state = StateRebuilding
	w.mu.Unlock()

	if w.opts.OnBatch != nil {
		w.opts.OnBatch(batch)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if len(w.pending) > 0 {
		w.state = StateDebouncing
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timer = time.AfterFunc(w.opts.Debounce, w.flush)
	} else {
		w.state = StateDetecting
	}
	w.mu.Unlock()
}
