package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraph-dev/codegraph/internal/config"
	"github.com/codegraph-dev/codegraph/internal/syncstate"
)

// callTool invokes a handler the way the MCP transport would and
// decodes the JSON envelope.
func callTool(t *testing.T, s *Server, name string, params map[string]any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(params)
	require.NoError(t, err)
	req := &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: name, Arguments: payload},
	}

	var res *mcp.CallToolResult
	ctx := context.Background()
	switch name {
	case "graph_set_workspace":
		res, err = s.handleSetWorkspace(ctx, req)
	case "graph_rebuild":
		res, err = s.handleRebuild(ctx, req)
	case "graph_query":
		res, err = s.handleQuery(ctx, req)
	case "graph_health":
		res, err = s.handleHealth(ctx, req)
	case "find_pattern":
		res, err = s.handleFindPattern(ctx, req)
	case "retrieve":
		res, err = s.handleRetrieve(ctx, req)
	case "task_briefing":
		res, err = s.handleTaskBriefing(ctx, req)
	case "agent_claim":
		res, err = s.handleClaim(ctx, req)
	case "agent_release":
		res, err = s.handleRelease(ctx, req)
	case "agent_status":
		res, err = s.handleStatus(ctx, req)
	case "coordination_overview":
		res, err = s.handleOverview(ctx, req)
	case "episode_add":
		res, err = s.handleEpisodeAdd(ctx, req)
	case "episode_recall":
		res, err = s.handleEpisodeRecall(ctx, req)
	case "decision_query":
		res, err = s.handleDecisionQuery(ctx, req)
	case "reflect":
		res, err = s.handleReflect(ctx, req)
	case "index_docs":
		res, err = s.handleIndexDocs(ctx, req)
	case "search_docs":
		res, err = s.handleSearchDocs(ctx, req)
	default:
		t.Fatalf("unknown tool %q", name)
	}
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func dataOf(t *testing.T, envelope map[string]any) map[string]any {
	t.Helper()
	data, ok := envelope["data"].(map[string]any)
	require.True(t, ok, "expected success envelope, got %v", envelope)
	return data
}

func errorOf(t *testing.T, envelope map[string]any) map[string]any {
	t.Helper()
	body, ok := envelope["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", envelope)
	return body
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// newTestServer builds a server against a seeded workspace with the
// graph store offline. Graph URI points nowhere resolvable fast, so
// everything must serve from the in-memory index.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	writeSource(t, root, "src/auth.ts",
		"import { log } from './util';\nexport function login(user: string) {\n  return log(user);\n}\n")
	writeSource(t, root, "src/util.ts",
		"export function log(msg: string) {\n  return msg;\n}\n")
	writeSource(t, root, "README.md",
		"# Demo\n\nThe entry point is `src/auth.ts`.\n")

	cfg := config.Default()
	cfg.Workspace.Root = root
	cfg.Vector.Path = filepath.Join(root, ".codegraph", "cache", "vectors.db")

	s := New(cfg)
	t.Cleanup(func() { s.Close(context.Background()) })

	env := callTool(t, s, "graph_set_workspace", map[string]any{"workspaceRoot": root})
	data := dataOf(t, env)
	require.NotNil(t, data["context"])
	return s, root
}

func TestRebuildAndRetrieve(t *testing.T) {
	s, _ := newTestServer(t)

	env := callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"})
	data := dataOf(t, env)
	assert.Equal(t, "COMPLETED", data["status"])
	require.NotEmpty(t, data["txId"])
	result := data["result"].(map[string]any)
	assert.EqualValues(t, 2, result["filesProcessed"])

	retrieved := dataOf(t, callTool(t, s, "retrieve", map[string]any{
		"query": "login", "mode": "bm25",
	}))
	results := retrieved["results"].([]any)
	require.NotEmpty(t, results)
	first := results[0].(map[string]any)
	assert.Contains(t, first["id"], "login")
	assert.Equal(t, "lexical_fallback", retrieved["bm25Mode"])
}

func TestRebuildInvalidMode(t *testing.T) {
	s, _ := newTestServer(t)
	env := callTool(t, s, "graph_rebuild", map[string]any{"mode": "partial"})
	body := errorOf(t, env)
	assert.Equal(t, "INVALID_INPUT", body["code"])
	assert.Equal(t, true, body["recoverable"])
}

func TestFindCircularImports(t *testing.T) {
	s, root := newTestServer(t)
	writeSource(t, root, "src/x.ts", "import { y } from './y';\nexport function x() { return y(); }\n")
	writeSource(t, root, "src/y.ts", "import { x } from './x';\nexport function y() { return x(); }\n")

	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	data := dataOf(t, callTool(t, s, "find_pattern", map[string]any{"type": "circular"}))
	cycles := data["cycles"].([]any)
	require.Len(t, cycles, 1)
	cycle := cycles[0].(map[string]any)
	assert.EqualValues(t, 2, cycle["length"])
}

func TestHealthSurface(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	data := dataOf(t, callTool(t, s, "graph_health", nil))
	states := data["syncStates"].(map[string]any)
	assert.Equal(t, "synced", states["index"])
	assert.NotNil(t, data["counts"])
	assert.NotNil(t, data["drift"])
}

func TestClaimLifecycleOverTools(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	claim := dataOf(t, callTool(t, s, "agent_claim", map[string]any{
		"agentId": "agent-alpha", "targetId": "t1", "claimType": "file", "intent": "edit",
	}))
	assert.Equal(t, "CREATED", claim["status"])
	claimID := claim["claimId"].(string)

	conflict := dataOf(t, callTool(t, s, "agent_claim", map[string]any{
		"agentId": "agent-beta", "targetId": "t1", "claimType": "file", "intent": "edit",
	}))
	assert.Equal(t, "CONFLICT", conflict["status"])
	assert.Equal(t, "agent-alpha", conflict["conflictingAgentId"])

	overview := dataOf(t, callTool(t, s, "coordination_overview", nil))
	byAgent := overview["byAgent"].(map[string]any)
	assert.Contains(t, byAgent, "agent-alpha")

	released := dataOf(t, callTool(t, s, "agent_release", map[string]any{
		"claimId": claimID,
	}))
	assert.Equal(t, true, released["found"])

	status := dataOf(t, callTool(t, s, "agent_status", map[string]any{"agentId": "agent-alpha"}))
	claims := status["claims"].([]any)
	require.Len(t, claims, 1)
	assert.Equal(t, "released", claims[0].(map[string]any)["status"])
}

func TestPathClaimSurvivesRebuild(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	// claim targets arrive as relative paths, not full graph ids
	claim := dataOf(t, callTool(t, s, "agent_claim", map[string]any{
		"agentId": "agent-alpha", "targetId": "src/auth.ts", "claimType": "file", "intent": "edit",
	}))
	assert.Equal(t, "CREATED", claim["status"])
	gone := dataOf(t, callTool(t, s, "agent_claim", map[string]any{
		"agentId": "agent-alpha", "targetId": "src/gone.ts", "claimType": "file", "intent": "edit",
	}))
	assert.Equal(t, "CREATED", gone["status"])

	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	status := dataOf(t, callTool(t, s, "agent_status", map[string]any{"agentId": "agent-alpha"}))
	byTarget := map[string]string{}
	for _, c := range status["claims"].([]any) {
		m := c.(map[string]any)
		byTarget[m["targetId"].(string)] = m["status"].(string)
	}
	assert.Equal(t, "active", byTarget["src/auth.ts"])
	assert.Equal(t, "invalidated", byTarget["src/gone.ts"])
}

func TestCancelBuildsMarksDrifted(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	s.mu.Lock()
	var p *project
	for _, pp := range s.projects {
		p = pp
	}
	s.mu.Unlock()
	require.NotNil(t, p)
	require.True(t, p.tracker.IsHealthy())

	_, cancel := context.WithCancel(context.Background())
	job := &buildJob{txID: "tx-pending", project: p.id, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.builds[job.txID] = job
	s.mu.Unlock()

	assert.Equal(t, 1, s.CancelBuilds(p.id))
	for sub, state := range p.tracker.States() {
		assert.Equal(t, syncstate.Drifted, state, string(sub))
	}

	s.mu.Lock()
	delete(s.builds, job.txID)
	s.mu.Unlock()
	assert.Equal(t, 0, s.CancelBuilds("no-such-project"))
}

func TestEpisodeTools(t *testing.T) {
	s, _ := newTestServer(t)

	add := dataOf(t, callTool(t, s, "episode_add", map[string]any{
		"type": "OBSERVATION", "content": "login flow lacks rate limiting",
		"agentId": "agent-alpha",
	}))
	require.NotEmpty(t, add["episodeId"])

	bad := errorOf(t, callTool(t, s, "episode_add", map[string]any{
		"type": "DECISION", "content": "ship it", "agentId": "agent-alpha",
	}))
	assert.Equal(t, "INVALID_INPUT", bad["code"])

	recall := dataOf(t, callTool(t, s, "episode_recall", map[string]any{
		"query": "rate limiting",
	}))
	episodes := recall["episodes"].([]any)
	require.Len(t, episodes, 1)

	decisions := dataOf(t, callTool(t, s, "decision_query", map[string]any{
		"query": "rate limiting",
	}))
	assert.Empty(t, decisions["decisions"])
}

func TestDocsTools(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	indexed := dataOf(t, callTool(t, s, "index_docs", nil))
	assert.EqualValues(t, 1, indexed["indexed"])

	search := dataOf(t, callTool(t, s, "search_docs", map[string]any{"query": "entry point"}))
	hits := search["hits"].([]any)
	require.NotEmpty(t, hits)

	bySymbol := dataOf(t, callTool(t, s, "search_docs", map[string]any{"symbol": "auth.ts"}))
	symbolHits := bySymbol["hits"].([]any)
	require.NotEmpty(t, symbolHits)
}

func TestTaskBriefing(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	data := dataOf(t, callTool(t, s, "task_briefing", map[string]any{
		"task": "harden the login function", "agentId": "agent-alpha",
	}))
	seeds := data["seeds"].([]any)
	require.NotEmpty(t, seeds)
	ranked := data["rankedNodes"].([]any)
	require.NotEmpty(t, ranked)
}

func TestQueryNaturalLanguage(t *testing.T) {
	s, _ := newTestServer(t)
	dataOf(t, callTool(t, s, "graph_rebuild", map[string]any{"mode": "full"}))

	data := dataOf(t, callTool(t, s, "graph_query", map[string]any{
		"query": "login", "language": "natural", "mode": "local",
	}))
	results := data["results"].([]any)
	require.NotEmpty(t, results)
}

func TestQueryValidation(t *testing.T) {
	s, _ := newTestServer(t)
	body := errorOf(t, callTool(t, s, "graph_query", map[string]any{"query": "  "}))
	assert.Equal(t, "INVALID_INPUT", body["code"])
}
