package server

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func strProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func intProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: desc}
}

func boolProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: desc}
}

func strArrayProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "array",
		Items:       &jsonschema.Schema{Type: "string"},
		Description: desc,
	}
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// contextProps are the workspace overrides most tools accept.
func contextProps() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"workspaceRoot": strProp("Absolute path to the project workspace"),
		"sourceDir":     strProp("Source directory, absolute or relative to workspaceRoot (default src)"),
		"projectId":     strProp("Project identifier (default basename of workspaceRoot)"),
	}
}

func withContextProps(props map[string]*jsonschema.Schema) map[string]*jsonschema.Schema {
	out := contextProps()
	for k, v := range props {
		out[k] = v
	}
	return out
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name:        "graph_set_workspace",
		Description: "Set the active workspace context. Rebinds the file watcher to the new source directory.",
		InputSchema: objectSchema([]string{"workspaceRoot"}, contextProps()),
	}, s.handleSetWorkspace)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "graph_rebuild",
		Description: "Build or refresh the code graph. Returns QUEUED with a txId when the build outlives the sync threshold.",
		InputSchema: objectSchema(nil, withContextProps(map[string]*jsonschema.Schema{
			"mode":         strProp("full or incremental (default full)"),
			"indexDocs":    boolProp("Also index workspace documentation after a full build"),
			"changedFiles": strArrayProp("Explicit changed file paths for incremental mode"),
		})),
	}, s.handleRebuild)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "graph_query",
		Description: "Query the graph with Cypher or natural language. asOf anchors Cypher reads to a past timestamp.",
		InputSchema: objectSchema([]string{"query"}, withContextProps(map[string]*jsonschema.Schema{
			"query":    strProp("Cypher text or a natural-language question"),
			"language": strProp("cypher or natural (default cypher)"),
			"mode":     strProp("local, global, or hybrid for natural queries (default hybrid)"),
			"limit":    intProp("Maximum results (default 20)"),
			"asOf":     strProp("Temporal anchor: ISO-8601 timestamp or epoch millis"),
		})),
	}, s.handleQuery)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "graph_health",
		Description: "Report per-subsystem sync state, node counts, drift, and recommendations.",
		InputSchema: objectSchema(nil, contextProps()),
	}, s.handleHealth)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "diff_since",
		Description: "Temporal diff of graph entities since a transaction id, timestamp, git commit, or agent's last episode.",
		InputSchema: objectSchema([]string{"since"}, withContextProps(map[string]*jsonschema.Schema{
			"since": strProp("GRAPH_TX id, timestamp, git commit hash, or agent id"),
			"types": strArrayProp("Node labels to diff (default FILE, FUNCTION, CLASS)"),
		})),
	}, s.handleDiffSince)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_pattern",
		Description: "Detect structural patterns in the graph. Currently supports circular import detection.",
		InputSchema: objectSchema([]string{"type"}, withContextProps(map[string]*jsonschema.Schema{
			"type": strProp("Pattern type; circular finds import cycles"),
		})),
	}, s.handleFindPattern)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "retrieve",
		Description: "Hybrid retrieval over the graph: BM25, vector, and graph expansion fused with RRF.",
		InputSchema: objectSchema([]string{"query"}, withContextProps(map[string]*jsonschema.Schema{
			"query": strProp("Search text"),
			"limit": intProp("Maximum results, capped at 100 (default 10)"),
			"types": strArrayProp("Restrict to node labels, e.g. FUNCTION, CLASS, FILE"),
			"mode":  strProp("vector, bm25, graph, or hybrid (default hybrid)"),
			"rrfK":  intProp("RRF constant (default 60)"),
		})),
	}, s.handleRetrieve)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "task_briefing",
		Description: "Assemble a briefing for a task: ranked relevant code via personalized PageRank, related episodes, and active claims.",
		InputSchema: objectSchema([]string{"task"}, withContextProps(map[string]*jsonschema.Schema{
			"task":    strProp("Task description used to seed the ranking"),
			"agentId": strProp("Agent requesting the briefing"),
			"taskId":  strProp("Task identifier for episode correlation"),
			"limit":   intProp("Maximum ranked nodes (default 20)"),
		})),
	}, s.handleTaskBriefing)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "agent_claim",
		Description: "Claim a code target for exclusive work. Returns CONFLICT with the holder when already claimed.",
		InputSchema: objectSchema([]string{"agentId", "targetId", "claimType"}, withContextProps(map[string]*jsonschema.Schema{
			"agentId":   strProp("Claiming agent"),
			"targetId":  strProp("Graph node id of the target"),
			"claimType": strProp("task, file, function, or feature"),
			"intent":    strProp("What the agent plans to do"),
			"taskId":    strProp("Owning task"),
			"sessionId": strProp("Agent session"),
		})),
	}, s.handleClaim)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "agent_release",
		Description: "Release a claim.",
		InputSchema: objectSchema([]string{"claimId"}, map[string]*jsonschema.Schema{
			"claimId": strProp("Claim to release"),
			"outcome": strProp("Optional outcome note"),
		}),
	}, s.handleRelease)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "agent_status",
		Description: "List an agent's claims in the project.",
		InputSchema: objectSchema(nil, withContextProps(map[string]*jsonschema.Schema{
			"agentId": strProp("Agent to list; empty lists all agents"),
		})),
	}, s.handleStatus)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "coordination_overview",
		Description: "Active claims grouped by agent.",
		InputSchema: objectSchema(nil, contextProps()),
	}, s.handleOverview)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "episode_add",
		Description: "Record a typed episode. DECISION episodes require metadata.rationale.",
		InputSchema: objectSchema([]string{"type", "content", "agentId"}, withContextProps(map[string]*jsonschema.Schema{
			"type":      strProp("OBSERVATION, DECISION, EDIT, TEST_RESULT, ERROR, REFLECTION, or LEARNING"),
			"content":   strProp("What happened"),
			"entities":  strArrayProp("Graph node ids this episode involves"),
			"taskId":    strProp("Owning task"),
			"outcome":   strProp("success, failure, or partial"),
			"metadata":  {Type: "object", Description: "Free-form metadata; DECISION requires a rationale key"},
			"sensitive": boolProp("Exclude from default recall"),
			"agentId":   strProp("Recording agent"),
			"sessionId": strProp("Agent session"),
		})),
	}, s.handleEpisodeAdd)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "episode_recall",
		Description: "Recall episodes ranked by text match, entity overlap, and recency.",
		InputSchema: objectSchema(nil, withContextProps(episodeRecallProps())),
	}, s.handleEpisodeRecall)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "decision_query",
		Description: "Recall restricted to DECISION episodes.",
		InputSchema: objectSchema(nil, withContextProps(episodeRecallProps())),
	}, s.handleDecisionQuery)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "reflect",
		Description: "Scan recent episodes for patterns and record them as LEARNING episodes.",
		InputSchema: objectSchema(nil, withContextProps(map[string]*jsonschema.Schema{
			"agentId": strProp("Restrict to one agent"),
			"taskId":  strProp("Restrict to one task"),
			"limit":   intProp("How many recent episodes to scan (default 50)"),
		})),
	}, s.handleReflect)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "index_docs",
		Description: "Walk whitelisted workspace markdown and index it into the graph.",
		InputSchema: objectSchema(nil, withContextProps(map[string]*jsonschema.Schema{
			"incremental": boolProp("Skip documents whose hash is unchanged"),
		})),
	}, s.handleIndexDocs)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "search_docs",
		Description: "Search indexed documentation sections, or look up sections describing a symbol.",
		InputSchema: objectSchema(nil, withContextProps(map[string]*jsonschema.Schema{
			"query":  strProp("Fulltext query over headings and content"),
			"symbol": strProp("Symbol or file name; returns sections describing it"),
			"limit":  intProp("Maximum results (default 10)"),
		})),
	}, s.handleSearchDocs)
}

func episodeRecallProps() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"query":            strProp("Free-text query"),
		"agentId":          strProp("Restrict to one agent"),
		"taskId":           strProp("Restrict to one task"),
		"types":            strArrayProp("Episode types to include"),
		"entities":         strArrayProp("Graph node ids to overlap against"),
		"limit":            intProp("Maximum results (default 10)"),
		"since":            strProp("ISO-8601 timestamp lower bound"),
		"includeSensitive": boolProp("Include sensitive episodes"),
	}
}
