package graph

import (
	"context"
	"sort"
)

// Cycle is one circular import chain of FILE nodes, canonicalized so the
// lexicographically smallest id comes first.
type Cycle struct {
	Files  []string `json:"files"`
	Length int      `json:"length"`
}

// FindImportCycles detects circular imports. When the in-memory index
// holds files it runs a full SCC over resolved import edges; otherwise
// it falls back to a two-hop store pattern, which only catches cycles of
// length two.
func FindImportCycles(ctx context.Context, idx *MemIndex, client *Client, projectID string) ([]Cycle, error) {
	if idx != nil && len(idx.NodesByType(LabelFile)) > 0 {
		return cyclesFromIndex(idx), nil
	}
	if client != nil {
		return cyclesFromStore(ctx, client, projectID)
	}
	return nil, nil
}

// fileAdjacency flattens FILE -IMPORTS-> IMPORT -REFERENCES-> FILE into
// direct file-to-file edges.
func fileAdjacency(idx *MemIndex) map[string][]string {
	adj := make(map[string][]string)
	for _, file := range idx.NodesByType(LabelFile) {
		for _, e := range idx.Outgoing(file.ID) {
			if e.Type != RelImports {
				continue
			}
			for _, ref := range idx.Outgoing(e.To) {
				if ref.Type != RelReferences {
					continue
				}
				adj[file.ID] = append(adj[file.ID], ref.To)
			}
		}
	}
	return adj
}

// cyclesFromIndex runs Tarjan's strongly connected components algorithm;
// components larger than one node are cycles.
func cyclesFromIndex(idx *MemIndex) []Cycle {
	adj := fileAdjacency(idx)

	nodes := make([]string, 0, len(adj))
	seenNode := make(map[string]bool)
	for from, tos := range adj {
		if !seenNode[from] {
			seenNode[from] = true
			nodes = append(nodes, from)
		}
		for _, to := range tos {
			if !seenNode[to] {
				seenNode[to] = true
				nodes = append(nodes, to)
			}
		}
	}
	sort.Strings(nodes)

	index := make(map[string]int, len(nodes))
	lowlink := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	counter := 0
	var cycles []Cycle

	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := index[w]; !visited {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && index[w] < lowlink[v] {
				lowlink[v] = index[w]
			}
		}

		if lowlink[v] == index[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				cycles = append(cycles, canonicalCycle(comp))
			} else if selfLoop(adj, comp[0]) {
				cycles = append(cycles, Cycle{Files: comp, Length: 1})
			}
		}
	}

	for _, v := range nodes {
		if _, visited := index[v]; !visited {
			strongConnect(v)
		}
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Files[0] < cycles[j].Files[0] })
	return cycles
}

func selfLoop(adj map[string][]string, v string) bool {
	for _, w := range adj[v] {
		if w == v {
			return true
		}
	}
	return false
}

// canonicalCycle rotates the member list so the smallest id leads,
// keeping results independent of traversal start.
func canonicalCycle(members []string) Cycle {
	sort.Strings(members)
	return Cycle{Files: members, Length: len(members)}
}

func cyclesFromStore(ctx context.Context, client *Client, projectID string) ([]Cycle, error) {
	res := client.ExecuteQuery(ctx,
		"MATCH (a:FILE)-[:IMPORTS]->(:IMPORT)-[:REFERENCES]->(b:FILE), "+
			"(b)-[:IMPORTS]->(:IMPORT)-[:REFERENCES]->(a) "+
			"WHERE a.projectId = $projectId AND a.id < b.id "+
			"RETURN a.id AS a, b.id AS b",
		map[string]any{"projectId": projectID})
	if res.Err != nil {
		return nil, res.Err
	}
	var cycles []Cycle
	for _, row := range res.Rows {
		a, _ := row["a"].(string)
		b, _ := row["b"].(string)
		if a == "" || b == "" {
			continue
		}
		cycles = append(cycles, canonicalCycle([]string{a, b}))
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Files[0] < cycles[j].Files[0] })
	return cycles, nil
}
