// Package temporal answers "as of when" questions: anchor resolution,
// bitemporal query guards, and graph diffs since a point in time.
package temporal

import (
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
)

// AnchorMode tells how a since-anchor was resolved.
type AnchorMode string

const (
	AnchorTx        AnchorMode = "tx"
	AnchorTimestamp AnchorMode = "timestamp"
	AnchorCommit    AnchorMode = "commit"
	AnchorAgent     AnchorMode = "agent"
)

// Anchor is a resolved temporal reference.
type Anchor struct {
	Mode    AnchorMode `json:"mode"`
	Value   string     `json:"value"`
	SinceTs int64      `json:"sinceTs"`
}

// ToEpochMillis parses an ISO-8601 string, integer epoch millis, or
// numeric string. Returns (0, false) when nothing matches.
func ToEpochMillis(anchor any) (int64, bool) {
	switch v := anchor.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

// Resolver turns since-anchors into timestamps using the store and git.
type Resolver struct {
	client        *graph.Client
	workspaceRoot string
}

// NewResolver wires a resolver. workspaceRoot is where git commands run.
func NewResolver(client *graph.Client, workspaceRoot string) *Resolver {
	return &Resolver{client: client, workspaceRoot: workspaceRoot}
}

// ResolveSinceAnchor tries, in order: an exact GRAPH_TX id, a parseable
// timestamp, a git commit hash, and finally the latest EPISODE by that
// value read as an agent id.
func (r *Resolver) ResolveSinceAnchor(ctx context.Context, since, projectID string) (*Anchor, error) {
	since = strings.TrimSpace(since)
	if since == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "since anchor must not be empty")
	}

	if ts, ok := r.lookupTx(ctx, since, projectID); ok {
		return &Anchor{Mode: AnchorTx, Value: since, SinceTs: ts}, nil
	}
	if ts, ok := ToEpochMillis(since); ok {
		return &Anchor{Mode: AnchorTimestamp, Value: since, SinceTs: ts}, nil
	}
	if ts, ok := r.lookupCommit(since); ok {
		return &Anchor{Mode: AnchorCommit, Value: since, SinceTs: ts}, nil
	}
	if ts, ok := r.lookupAgentEpisode(ctx, since, projectID); ok {
		return &Anchor{Mode: AnchorAgent, Value: since, SinceTs: ts}, nil
	}
	return nil, cerrors.Newf(cerrors.CodeAnchorNotFound, "could not resolve since anchor %q", since).
		WithHint("pass a txId, ISO timestamp, epoch millis, commit hash, or agent id")
}

func (r *Resolver) lookupTx(ctx context.Context, txID, projectID string) (int64, bool) {
	if r.client == nil || !r.client.Connected() {
		return 0, false
	}
	res := r.client.ExecuteQuery(ctx,
		"MATCH (t:GRAPH_TX {id: $id, projectId: $projectId}) RETURN t.timestamp AS ts",
		map[string]any{"id": txID, "projectId": projectID})
	if res.Err != nil || len(res.Rows) == 0 {
		return 0, false
	}
	return toInt64(res.Rows[0]["ts"])
}

var commitHashRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// lookupCommit asks git for the commit timestamp.
func (r *Resolver) lookupCommit(ref string) (int64, bool) {
	if r.workspaceRoot == "" || !commitHashRe.MatchString(strings.ToLower(ref)) {
		return 0, false
	}
	cmd := exec.Command("git", "show", "-s", "--format=%ct", ref)
	cmd.Dir = r.workspaceRoot
	out, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, false
	}
	return secs * 1000, true
}

func (r *Resolver) lookupAgentEpisode(ctx context.Context, agentID, projectID string) (int64, bool) {
	if r.client == nil || !r.client.Connected() {
		return 0, false
	}
	res := r.client.ExecuteQuery(ctx,
		"MATCH (e:EPISODE {agentId: $agentId, projectId: $projectId}) "+
			"RETURN e.createdAt AS ts ORDER BY e.createdAt DESC LIMIT 1",
		map[string]any{"agentId": agentID, "projectId": projectID})
	if res.Err != nil || len(res.Rows) == 0 {
		return 0, false
	}
	return toInt64(res.Rows[0]["ts"])
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case string:
		return ToEpochMillis(t)
	}
	return 0, false
}

// nodePatternRe matches labeled node patterns like (n:FILE ...) and
// captures the variable name.
var nodePatternRe = regexp.MustCompile(`\((\w+):([A-Z_]+)[^)]*\)`)

// ApplyTemporalFilter rewrites a read query so every labeled node
// pattern is guarded by the validity window at $asOfTs. Queries that
// already carry a WHERE get the guard ANDed in; otherwise one is added
// before the first RETURN.
func ApplyTemporalFilter(query string) string {
	matches := nodePatternRe.FindAllStringSubmatch(query, -1)
	if len(matches) == 0 {
		return query
	}

	seen := make(map[string]bool)
	var guards []string
	for _, m := range matches {
		v := m[1]
		if seen[v] {
			continue
		}
		seen[v] = true
		guards = append(guards,
			v+".validFrom <= $asOfTs AND ("+v+".validTo IS NULL OR "+v+".validTo > $asOfTs)")
	}
	guard := strings.Join(guards, " AND ")

	upper := strings.ToUpper(query)
	if idx := strings.Index(upper, " WHERE "); idx >= 0 {
		return query[:idx+7] + guard + " AND " + query[idx+7:]
	}
	if idx := strings.Index(upper, "RETURN"); idx >= 0 {
		return query[:idx] + "WHERE " + guard + " " + query[idx:]
	}
	return query
}

// Diff is the result of DiffSince.
type Diff struct {
	Added    []map[string]any `json:"added"`
	Removed  []map[string]any `json:"removed"`
	Modified []string         `json:"modified"`
	TxIDs    []string         `json:"txIds"`
}

var defaultDiffTypes = []string{graph.LabelFile, graph.LabelFunction, graph.LabelClass}

// DiffSince reports nodes added, removed, and replaced in the window
// [sinceTs, now], plus the build transactions recorded in it. A node id
// in both the added and removed sets means the entity was replaced.
func (r *Resolver) DiffSince(ctx context.Context, sinceTs int64, types []string, projectID string) (*Diff, error) {
	if r.client == nil {
		return nil, cerrors.New(cerrors.CodeStoreUnavailable, "graph store not configured")
	}
	if len(types) == 0 {
		types = defaultDiffTypes
	}

	diff := &Diff{
		Added:    []map[string]any{},
		Removed:  []map[string]any{},
		Modified: []string{},
		TxIDs:    []string{},
	}

	addedIDs := make(map[string]bool)
	removedIDs := make(map[string]bool)

	for _, label := range types {
		addRes := r.client.ExecuteQuery(ctx,
			"MATCH (n:"+label+") WHERE n.projectId = $projectId AND n.validFrom >= $since "+
				"RETURN n.id AS id, n.name AS name, labels(n)[0] AS type, n.validFrom AS validFrom",
			map[string]any{"projectId": projectID, "since": sinceTs})
		if addRes.Err != nil {
			return nil, addRes.Err
		}
		for _, row := range addRes.Rows {
			diff.Added = append(diff.Added, row)
			if id, _ := row["id"].(string); id != "" {
				addedIDs[id] = true
			}
		}

		remRes := r.client.ExecuteQuery(ctx,
			"MATCH (n:"+label+") WHERE n.projectId = $projectId AND n.validTo >= $since "+
				"RETURN n.id AS id, n.name AS name, labels(n)[0] AS type, n.validTo AS validTo",
			map[string]any{"projectId": projectID, "since": sinceTs})
		if remRes.Err != nil {
			return nil, remRes.Err
		}
		for _, row := range remRes.Rows {
			diff.Removed = append(diff.Removed, row)
			if id, _ := row["id"].(string); id != "" {
				removedIDs[id] = true
			}
		}
	}

	for id := range addedIDs {
		if removedIDs[id] {
			diff.Modified = append(diff.Modified, id)
		}
	}
	sort.Strings(diff.Modified)

	txRes := r.client.ExecuteQuery(ctx,
		"MATCH (t:GRAPH_TX) WHERE t.projectId = $projectId AND t.timestamp >= $since "+
			"RETURN t.id AS id ORDER BY t.timestamp ASC",
		map[string]any{"projectId": projectID, "since": sinceTs})
	if txRes.Err != nil {
		return nil, txRes.Err
	}
	for _, row := range txRes.Rows {
		if id, _ := row["id"].(string); id != "" {
			diff.TxIDs = append(diff.TxIDs, id)
		}
	}

	return diff, nil
}
