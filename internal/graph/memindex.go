package graph

import (
	"encoding/json"
	"strings"
	"sync"
)

// MemIndex is a project-scoped in-memory mirror of the store, enough for
// hot-path lookups when the store is offline and for drift detection.
type MemIndex struct {
	mu        sync.RWMutex
	projectID string
	byID      map[string]*Node
	byType    map[string][]*Node
	outgoing  map[string][]Edge
	incoming  map[string][]Edge
	byRelType map[string][]Edge
	edgeCount int
}

// NewMemIndex creates an empty index for a project.
func NewMemIndex(projectID string) *MemIndex {
	return &MemIndex{
		projectID: projectID,
		byID:      make(map[string]*Node),
		byType:    make(map[string][]*Node),
		outgoing:  make(map[string][]Edge),
		incoming:  make(map[string][]Edge),
		byRelType: make(map[string][]Edge),
	}
}

// ProjectID returns the owning project.
func (m *MemIndex) ProjectID() string { return m.projectID }

// AddNode records a node. Re-adding an existing id is a no-op.
func (m *MemIndex) AddNode(id, nodeType string, properties map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addNodeLocked(id, nodeType, properties)
}

func (m *MemIndex) addNodeLocked(id, nodeType string, properties map[string]any) {
	if id == "" {
		return
	}
	if _, exists := m.byID[id]; exists {
		return
	}
	n := &Node{ID: id, Type: nodeType, Properties: properties}
	m.byID[id] = n
	m.byType[nodeType] = append(m.byType[nodeType], n)
}

// AddEdge records a directed edge. Duplicate (from, to, type) triples
// are skipped.
func (m *MemIndex) AddEdge(from, to, relType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addEdgeLocked(from, to, relType)
}

func (m *MemIndex) addEdgeLocked(from, to, relType string) {
	if from == "" || to == "" {
		return
	}
	for _, e := range m.outgoing[from] {
		if e.To == to && e.Type == relType {
			return
		}
	}
	edge := Edge{From: from, To: to, Type: relType}
	m.outgoing[from] = append(m.outgoing[from], edge)
	m.incoming[to] = append(m.incoming[to], edge)
	m.byRelType[relType] = append(m.byRelType[relType], edge)
	m.edgeCount++
}

// Get returns a node by id.
func (m *MemIndex) Get(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	return n, ok
}

// NodesByType returns the nodes carrying a label.
func (m *MemIndex) NodesByType(nodeType string) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := m.byType[nodeType]
	out := make([]*Node, len(nodes))
	copy(out, nodes)
	return out
}

// Outgoing returns edges leaving id.
func (m *MemIndex) Outgoing(id string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	edges := m.outgoing[id]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// Incoming returns edges arriving at id.
func (m *MemIndex) Incoming(id string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	edges := m.incoming[id]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgesByType returns all edges of one relationship type.
func (m *MemIndex) EdgesByType(relType string) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	edges := m.byRelType[relType]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// NodeCount returns the total node count.
func (m *MemIndex) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// EdgeCount returns the total edge count.
func (m *MemIndex) EdgeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.edgeCount
}

// CountsByType returns node counts per label.
func (m *MemIndex) CountsByType() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int, len(m.byType))
	for t, nodes := range m.byType {
		counts[t] = len(nodes)
	}
	return counts
}

// SyncFrom merges another index's nodes and edges into this one.
// Duplicates are silently skipped.
func (m *MemIndex) SyncFrom(other *MemIndex) {
	if other == nil || other == m {
		return
	}
	other.mu.RLock()
	nodes := make([]*Node, 0, len(other.byID))
	for _, n := range other.byID {
		nodes = append(nodes, n)
	}
	var edges []Edge
	for _, es := range other.outgoing {
		edges = append(edges, es...)
	}
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.addNodeLocked(n.ID, n.Type, n.Properties)
	}
	for _, e := range edges {
		m.addEdgeLocked(e.From, e.To, e.Type)
	}
}

// ReplaceFrom atomically swaps this index's contents for other's. Full
// rebuilds use it so nodes from deleted files do not linger in the
// mirror after the store tombstones them.
func (m *MemIndex) ReplaceFrom(other *MemIndex) {
	if other == nil || other == m {
		return
	}
	other.mu.RLock()
	nodes := make([]*Node, 0, len(other.byID))
	for _, n := range other.byID {
		nodes = append(nodes, n)
	}
	var edges []Edge
	for _, es := range other.outgoing {
		edges = append(edges, es...)
	}
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Node)
	m.byType = make(map[string][]*Node)
	m.outgoing = make(map[string][]Edge)
	m.incoming = make(map[string][]Edge)
	m.byRelType = make(map[string][]Edge)
	m.edgeCount = 0
	for _, n := range nodes {
		m.addNodeLocked(n.ID, n.Type, n.Properties)
	}
	for _, e := range edges {
		m.addEdgeLocked(e.From, e.To, e.Type)
	}
}

// Reset drops everything, keeping the project binding.
func (m *MemIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Node)
	m.byType = make(map[string][]*Node)
	m.outgoing = make(map[string][]Edge)
	m.incoming = make(map[string][]Edge)
	m.byRelType = make(map[string][]Edge)
	m.edgeCount = 0
}

// Snapshot is the JSON export shape used by drift checks and debugging.
type Snapshot struct {
	ProjectID    string             `json:"projectId"`
	NodeCount    int                `json:"nodeCount"`
	EdgeCount    int                `json:"edgeCount"`
	CountsByType map[string]int     `json:"countsByType"`
	NodesByType  map[string][]*Node `json:"nodesByType,omitempty"`
}

// Export serializes the index. includeNodes controls whether full node
// records are embedded or just the counters.
func (m *MemIndex) Export(includeNodes bool) ([]byte, error) {
	m.mu.RLock()
	snap := Snapshot{
		ProjectID:    m.projectID,
		NodeCount:    len(m.byID),
		EdgeCount:    m.edgeCount,
		CountsByType: make(map[string]int, len(m.byType)),
	}
	for t, nodes := range m.byType {
		snap.CountsByType[t] = len(nodes)
	}
	if includeNodes {
		snap.NodesByType = make(map[string][]*Node, len(m.byType))
		for t, nodes := range m.byType {
			snap.NodesByType[t] = append([]*Node(nil), nodes...)
		}
	}
	m.mu.RUnlock()
	return json.MarshalIndent(snap, "", "  ")
}

// IngestStatement mirrors one builder statement into the index so the
// hot path stays queryable without the store. Only node upserts and
// MATCH..MERGE edges are recognized; anything else is ignored.
func (m *MemIndex) IngestStatement(st Statement) {
	label := labelFromQuery(st.Query)
	if label == "" {
		return
	}
	if strings.HasPrefix(st.Query, "MERGE (n:") {
		id, _ := st.Params["id"].(string)
		props, _ := st.Params["props"].(map[string]any)
		m.AddNode(id, label, props)
		return
	}
	if strings.HasPrefix(st.Query, "MATCH (a:") {
		from, _ := st.Params["fromId"].(string)
		to, _ := st.Params["toId"].(string)
		m.AddEdge(from, to, relTypeFromQuery(st.Query))
	}
}

func labelFromQuery(q string) string {
	for _, prefix := range []string{"MERGE (n:", "MATCH (a:"} {
		if idx := strings.Index(q, prefix); idx >= 0 {
			rest := q[idx+len(prefix):]
			if end := strings.IndexAny(rest, " {"); end > 0 {
				return rest[:end]
			}
		}
	}
	return ""
}

func relTypeFromQuery(q string) string {
	idx := strings.Index(q, "-[")
	if idx < 0 {
		return ""
	}
	rest := q[idx+2:]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[colon+1:]
	}
	if end := strings.IndexAny(rest, "]- "); end > 0 {
		return rest[:end]
	}
	return ""
}

// FilesByRelPathSuffix returns FILE ids whose relativePath equals ref or
// ends with "/"+ref.
func (m *MemIndex) FilesByRelPathSuffix(ref string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, n := range m.byType[LabelFile] {
		rel, _ := n.Properties["relativePath"].(string)
		if rel == ref || strings.HasSuffix(rel, "/"+ref) {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// SymbolIDsByName returns FUNCTION and CLASS ids whose name matches.
func (m *MemIndex) SymbolIDsByName(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, label := range []string{LabelFunction, LabelClass} {
		for _, n := range m.byType[label] {
			if n.Properties["name"] == name {
				ids = append(ids, n.ID)
			}
		}
	}
	return ids
}
