// Package syncstate tracks how fresh each storage subsystem is relative
// to the workspace on disk.
package syncstate

import (
	"sync"
	"time"

	"github.com/codegraph-dev/codegraph/internal/logging"
)

// State is one subsystem's freshness.
type State string

const (
	Uninitialized State = "uninitialized"
	Synced        State = "synced"
	Drifted       State = "drifted"
	Rebuilding    State = "rebuilding"
)

// Subsystem names the four tracked stores.
type Subsystem string

const (
	GraphStore  Subsystem = "graphStore"
	Index       Subsystem = "index"
	VectorStore Subsystem = "vectorStore"
	Embeddings  Subsystem = "embeddings"
)

var allSubsystems = []Subsystem{GraphStore, Index, VectorStore, Embeddings}

// Snapshot is one recorded transition.
type Snapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	States    map[Subsystem]State `json:"states"`
	Reason    string              `json:"reason"`
}

// Tracker is the per-project state machine with a bounded history ring.
type Tracker struct {
	mu         sync.RWMutex
	projectID  string
	states     map[Subsystem]State
	history    []Snapshot
	maxHistory int
}

// NewTracker starts every subsystem at uninitialized.
func NewTracker(projectID string, maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	states := make(map[Subsystem]State, len(allSubsystems))
	for _, s := range allSubsystems {
		states[s] = Uninitialized
	}
	return &Tracker{projectID: projectID, states: states, maxHistory: maxHistory}
}

// Get returns one subsystem's state.
func (t *Tracker) Get(sub Subsystem) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[sub]
}

// States returns a copy of all four states.
func (t *Tracker) States() map[Subsystem]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Subsystem]State, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Set transitions one subsystem, logging and recording the snapshot.
func (t *Tracker) Set(sub Subsystem, state State, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[sub] == state {
		return
	}
	logging.Info("sync state transition",
		"project", t.projectID, "subsystem", string(sub),
		"from", string(t.states[sub]), "to", string(state), "reason", reason)
	t.states[sub] = state
	t.recordLocked(reason)
}

func (t *Tracker) setAllLocked(state State, reason string) {
	changed := false
	for _, sub := range allSubsystems {
		if t.states[sub] != state {
			t.states[sub] = state
			changed = true
		}
	}
	if changed {
		logging.Info("sync state transition (all)",
			"project", t.projectID, "to", string(state), "reason", reason)
		t.recordLocked(reason)
	}
}

// StartRebuild marks all four subsystems rebuilding.
func (t *Tracker) StartRebuild(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllLocked(Rebuilding, reason)
}

// CompleteRebuild marks all four subsystems synced.
func (t *Tracker) CompleteRebuild(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllLocked(Synced, reason)
}

// AbortRebuild marks everything drifted, used when a queued build is
// cancelled mid-flight.
func (t *Tracker) AbortRebuild(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllLocked(Drifted, reason)
}

// StartIncremental touches only the subsystems an incremental build
// refreshes.
func (t *Tracker) StartIncremental(reason string) {
	t.Set(Index, Rebuilding, reason)
	t.Set(Embeddings, Rebuilding, reason)
}

// CompleteIncremental marks the incremental subsystems synced.
func (t *Tracker) CompleteIncremental(reason string) {
	t.Set(Index, Synced, reason)
	t.Set(Embeddings, Synced, reason)
}

// IsHealthy reports whether all four subsystems are synced.
func (t *Tracker) IsHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range allSubsystems {
		if t.states[s] != Synced {
			return false
		}
	}
	return true
}

// NeedsSync returns the first subsystem that is neither synced nor
// rebuilding, or "" when none.
func (t *Tracker) NeedsSync() Subsystem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range allSubsystems {
		if t.states[s] != Synced && t.states[s] != Rebuilding {
			return s
		}
	}
	return ""
}

// History returns the recorded snapshots, oldest first.
func (t *Tracker) History() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) recordLocked(reason string) {
	states := make(map[Subsystem]State, len(t.states))
	for k, v := range t.states {
		states[k] = v
	}
	t.history = append(t.history, Snapshot{
		Timestamp: time.Now().UTC(),
		States:    states,
		Reason:    reason,
	})
	if len(t.history) > t.maxHistory {
		t.history = t.history[len(t.history)-t.maxHistory:]
	}
}
