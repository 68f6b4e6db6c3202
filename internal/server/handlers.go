package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codegraph-dev/codegraph/internal/coordination"
	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/memory"
	"github.com/codegraph-dev/codegraph/internal/orchestrator"
	"github.com/codegraph-dev/codegraph/internal/ppr"
	"github.com/codegraph-dev/codegraph/internal/retriever"
	"github.com/codegraph-dev/codegraph/internal/session"
	"github.com/codegraph-dev/codegraph/internal/temporal"
)

// contextArgs are the workspace overrides shared across tools.
type contextArgs struct {
	WorkspaceRoot string `json:"workspaceRoot"`
	SourceDir     string `json:"sourceDir"`
	ProjectID     string `json:"projectId"`
}

func decodeArgs(req *mcp.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return cerrors.Wrap(cerrors.CodeInvalidInput, "malformed tool arguments", err)
	}
	return nil
}

// resolveProject resolves the session context and its project bundle.
func (s *Server) resolveProject(args contextArgs) (*session.Context, *project, error) {
	sc, err := s.session.Resolve(session.Args{
		WorkspaceRoot: args.WorkspaceRoot,
		SourceDir:     args.SourceDir,
		ProjectID:     args.ProjectID,
	})
	if err != nil {
		return nil, nil, err
	}
	return sc, s.projectFor(sc), nil
}

func (s *Server) handleSetWorkspace(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args contextArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if args.WorkspaceRoot == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "workspaceRoot is required"))
	}

	sc, _, err := s.resolveProject(args)
	if err != nil {
		return errorResult(err)
	}
	s.session.SetActive(sc)

	return successResult(map[string]any{
		"context":      sc,
		"watcherState": s.WatcherState(),
	}, "workspace set to "+sc.WorkspaceRoot, started)
}

type rebuildArgs struct {
	contextArgs
	Mode         string   `json:"mode"`
	IndexDocs    bool     `json:"indexDocs"`
	ChangedFiles []string `json:"changedFiles"`
}

func (s *Server) handleRebuild(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args rebuildArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}

	mode := orchestrator.ModeFull
	switch args.Mode {
	case "", "full":
	case "incremental":
		mode = orchestrator.ModeIncremental
	default:
		return errorResult(cerrors.Newf(cerrors.CodeInvalidInput, "unknown build mode %q", args.Mode))
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}
	if s.session.Active() == nil {
		s.session.SetActive(sc)
	}

	txID := newTxID()
	buildReq := orchestrator.Request{
		Mode:          mode,
		WorkspaceRoot: sc.WorkspaceRoot,
		SourceDir:     sc.SourceDir,
		ProjectID:     sc.ProjectID,
		ChangedFiles:  args.ChangedFiles,
		TxID:          txID,
		TxTimestamp:   time.Now(),
		IndexDocs:     args.IndexDocs,
	}

	bctx, cancel := context.WithCancel(context.Background())
	job := &buildJob{txID: txID, project: sc.ProjectID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(job.done)
		job.result, job.err = p.orch.Run(bctx, buildReq)
		if job.err == nil {
			s.claims.InvalidateStaleClaims(bctx, sc.ProjectID, p.claimTargetExists)
		}
		s.mu.Lock()
		delete(s.builds, txID)
		s.mu.Unlock()
	}()

	threshold := time.Duration(s.cfg.Sync.RebuildThresholdMs) * time.Millisecond
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	select {
	case <-job.done:
		cancel()
		if job.err != nil {
			return errorResult(job.err)
		}
		return successResult(map[string]any{
			"status": "COMPLETED",
			"txId":   txID,
			"result": job.result,
		}, "", started)
	case <-time.After(threshold):
		s.mu.Lock()
		s.builds[txID] = job
		s.mu.Unlock()
		return successResult(map[string]any{
			"status": "QUEUED",
			"txId":   txID,
		}, "build continues in the background; poll graph_health", started)
	}
}

type queryArgs struct {
	contextArgs
	Query    string `json:"query"`
	Language string `json:"language"`
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	AsOf     string `json:"asOf"`
}

func (s *Server) handleQuery(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args queryArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "query is required"))
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	if args.Language == "natural" {
		mode := retriever.ModeHybrid
		switch args.Mode {
		case "local":
			mode = retriever.ModeBM25
		case "global":
			mode = retriever.ModeVector
		case "", "hybrid":
		default:
			return errorResult(cerrors.Newf(cerrors.CodeInvalidInput, "unknown query mode %q", args.Mode))
		}
		resp, rErr := p.retriever.Retrieve(ctx, retriever.Request{
			Query:     args.Query,
			ProjectID: sc.ProjectID,
			Limit:     args.Limit,
			Mode:      mode,
		})
		if rErr != nil {
			return errorResult(rErr)
		}
		return successResult(resp, "", started)
	}

	if !s.client.Connected() {
		if cErr := s.client.Connect(ctx); cErr != nil {
			return errorResult(cerrors.Wrap(cerrors.CodeStoreUnavailable, "graph store unreachable", cErr).
				WithHint("start the graph store or use language=natural for index-backed search"))
		}
	}

	query := args.Query
	params := map[string]any{}
	if args.AsOf != "" {
		asOfTs, ok := temporal.ToEpochMillis(args.AsOf)
		if !ok {
			return errorResult(cerrors.Newf(cerrors.CodeAnchorNotFound, "cannot parse asOf anchor %q", args.AsOf))
		}
		query = temporal.ApplyTemporalFilter(query)
		params["asOfTs"] = asOfTs
	}
	qr := s.client.ExecuteQuery(ctx, query, params)
	if qr.Err != nil {
		return errorResult(cerrors.Wrap(cerrors.CodeStoreUnavailable, "query failed", qr.Err))
	}
	rows := qr.Rows
	if len(rows) > args.Limit {
		rows = rows[:args.Limit]
	}
	return successResult(map[string]any{"rows": rows}, "", started)
}

func (s *Server) handleHealth(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args contextArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}

	sc, p, err := s.resolveProject(args)
	if err != nil {
		return errorResult(err)
	}

	report := p.drift.Check(ctx, p.index)

	s.mu.Lock()
	queued := make([]string, 0, len(s.builds))
	for txID, job := range s.builds {
		if job.project == sc.ProjectID {
			queued = append(queued, txID)
		}
	}
	s.mu.Unlock()

	return successResult(map[string]any{
		"projectId":    sc.ProjectID,
		"syncStates":   p.tracker.States(),
		"isHealthy":    p.tracker.IsHealthy(),
		"needsSync":    p.tracker.NeedsSync(),
		"counts":       p.index.CountsByType(),
		"edgeCount":    p.index.EdgeCount(),
		"drift":        report,
		"queuedBuilds": queued,
		"watcherState": s.WatcherState(),
		"lastErrors":   p.orch.LastErrors(),
	}, "", started)
}

type diffArgs struct {
	contextArgs
	Since string   `json:"since"`
	Types []string `json:"types"`
}

func (s *Server) handleDiffSince(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args diffArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if args.Since == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "since is required"))
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	anchor, err := p.temporal.ResolveSinceAnchor(ctx, args.Since, sc.ProjectID)
	if err != nil {
		return errorResult(err)
	}
	diff, err := p.temporal.DiffSince(ctx, anchor.SinceTs, args.Types, sc.ProjectID)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{"anchor": anchor, "diff": diff}, "", started)
}

type findPatternArgs struct {
	contextArgs
	Type string `json:"type"`
}

func (s *Server) handleFindPattern(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args findPatternArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if args.Type != "circular" {
		return errorResult(cerrors.Newf(cerrors.CodeInvalidInput, "unknown pattern type %q", args.Type).
			WithHint("supported: circular"))
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}
	cycles, err := graph.FindImportCycles(ctx, p.index, s.client, sc.ProjectID)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{"cycles": cycles, "count": len(cycles)}, "", started)
}

type retrieveArgs struct {
	contextArgs
	Query string   `json:"query"`
	Limit int      `json:"limit"`
	Types []string `json:"types"`
	Mode  string   `json:"mode"`
	RRFK  int      `json:"rrfK"`
}

func (s *Server) handleRetrieve(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args retrieveArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "query is required"))
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	resp, err := p.retriever.Retrieve(ctx, retriever.Request{
		Query:     args.Query,
		ProjectID: sc.ProjectID,
		Limit:     args.Limit,
		Types:     args.Types,
		Mode:      retriever.Mode(args.Mode),
		RRFK:      args.RRFK,
	})
	if err != nil {
		return errorResult(err)
	}
	return successResult(resp, "", started)
}

type briefingArgs struct {
	contextArgs
	Task    string `json:"task"`
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleTaskBriefing(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args briefingArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if strings.TrimSpace(args.Task) == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "task is required"))
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}

	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	seeds, err := p.retriever.Retrieve(ctx, retriever.Request{
		Query:     args.Task,
		ProjectID: sc.ProjectID,
		Limit:     5,
		Mode:      retriever.ModeHybrid,
	})
	if err != nil {
		return errorResult(err)
	}
	seedIDs := make([]string, 0, len(seeds.Results))
	for _, r := range seeds.Results {
		seedIDs = append(seedIDs, r.ID)
	}

	ranked, err := p.ranker.Rank(ctx, ppr.Options{
		SeedIDs:    seedIDs,
		ProjectID:  sc.ProjectID,
		MaxResults: args.Limit,
	})
	if err != nil {
		return errorResult(err)
	}

	episodes := s.episodes.Recall(memory.RecallRequest{
		Query:     args.Task,
		ProjectID: sc.ProjectID,
		TaskID:    args.TaskID,
		Limit:     5,
	})

	return successResult(map[string]any{
		"seeds":        seedIDs,
		"rankedNodes":  ranked,
		"episodes":     episodes,
		"activeClaims": s.claims.Overview(sc.ProjectID),
	}, "", started)
}

type claimArgs struct {
	contextArgs
	AgentID   string `json:"agentId"`
	TargetID  string `json:"targetId"`
	ClaimType string `json:"claimType"`
	Intent    string `json:"intent"`
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleClaim(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args claimArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}

	sc, _, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	res, err := s.claims.Claim(ctx, coordination.ClaimRequest{
		AgentID:   args.AgentID,
		TargetID:  args.TargetID,
		ClaimType: coordination.ClaimType(args.ClaimType),
		Intent:    args.Intent,
		TaskID:    args.TaskID,
		SessionID: args.SessionID,
		ProjectID: sc.ProjectID,
	})
	if err != nil {
		return errorResult(err)
	}
	return successResult(res, "", started)
}

type releaseArgs struct {
	ClaimID string `json:"claimId"`
	Outcome string `json:"outcome"`
}

func (s *Server) handleRelease(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args releaseArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	res, err := s.claims.Release(ctx, args.ClaimID, args.Outcome)
	if err != nil {
		return errorResult(err)
	}
	return successResult(res, "", started)
}

type statusArgs struct {
	contextArgs
	AgentID string `json:"agentId"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args statusArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	sc, _, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{
		"claims": s.claims.Status(sc.ProjectID, args.AgentID),
	}, "", started)
}

func (s *Server) handleOverview(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args contextArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	sc, _, err := s.resolveProject(args)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{
		"byAgent": s.claims.Overview(sc.ProjectID),
	}, "", started)
}

type episodeAddArgs struct {
	contextArgs
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Entities  []string       `json:"entities"`
	TaskID    string         `json:"taskId"`
	Outcome   string         `json:"outcome"`
	Metadata  map[string]any `json:"metadata"`
	Sensitive bool           `json:"sensitive"`
	AgentID   string         `json:"agentId"`
	SessionID string         `json:"sessionId"`
}

func (s *Server) handleEpisodeAdd(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args episodeAddArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	sc, _, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	id, err := s.episodes.Add(ctx, memory.Episode{
		Type:      memory.EpisodeType(args.Type),
		Content:   args.Content,
		Entities:  args.Entities,
		TaskID:    args.TaskID,
		Outcome:   args.Outcome,
		Metadata:  args.Metadata,
		Sensitive: args.Sensitive,
		AgentID:   args.AgentID,
		SessionID: args.SessionID,
		ProjectID: sc.ProjectID,
	})
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{"episodeId": id}, "", started)
}

type recallArgs struct {
	contextArgs
	Query            string   `json:"query"`
	AgentID          string   `json:"agentId"`
	TaskID           string   `json:"taskId"`
	Types            []string `json:"types"`
	Entities         []string `json:"entities"`
	Limit            int      `json:"limit"`
	Since            string   `json:"since"`
	IncludeSensitive bool     `json:"includeSensitive"`
}

func (s *Server) recallRequest(args recallArgs) (memory.RecallRequest, error) {
	sc, _, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return memory.RecallRequest{}, err
	}
	r := memory.RecallRequest{
		Query:            args.Query,
		ProjectID:        sc.ProjectID,
		AgentID:          args.AgentID,
		TaskID:           args.TaskID,
		Entities:         args.Entities,
		Limit:            args.Limit,
		IncludeSensitive: args.IncludeSensitive,
	}
	for _, t := range args.Types {
		r.Types = append(r.Types, memory.EpisodeType(t))
	}
	if args.Since != "" {
		ms, ok := temporal.ToEpochMillis(args.Since)
		if !ok {
			return memory.RecallRequest{}, cerrors.Newf(cerrors.CodeAnchorNotFound, "cannot parse since anchor %q", args.Since)
		}
		t := time.UnixMilli(ms).UTC()
		r.Since = &t
	}
	return r, nil
}

func (s *Server) handleEpisodeRecall(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args recallArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	r, err := s.recallRequest(args)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{"episodes": s.episodes.Recall(r)}, "", started)
}

func (s *Server) handleDecisionQuery(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args recallArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	r, err := s.recallRequest(args)
	if err != nil {
		return errorResult(err)
	}
	return successResult(map[string]any{"decisions": s.episodes.DecisionQuery(r)}, "", started)
}

type reflectArgs struct {
	contextArgs
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleReflect(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args reflectArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	sc, _, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.episodes.Reflect(ctx, sc.ProjectID, args.AgentID, args.TaskID, args.Limit)
	if err != nil {
		return errorResult(err)
	}
	return successResult(res, "", started)
}

type indexDocsArgs struct {
	contextArgs
	Incremental bool `json:"incremental"`
}

func (s *Server) handleIndexDocs(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args indexDocsArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	builder := graph.NewBuilder(graph.BuildContext{
		ProjectID:   sc.ProjectID,
		TxID:        newTxID(),
		TxTimestamp: time.Now(),
	})
	res := p.docs.Run(ctx, builder, args.Incremental)
	if err := p.cache.Save(); err != nil {
		res.Errors = append(res.Errors, "hash cache save failed: "+err.Error())
	}
	return successResult(res, "", started)
}

type searchDocsArgs struct {
	contextArgs
	Query  string `json:"query"`
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

func (s *Server) handleSearchDocs(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	started := time.Now()
	var args searchDocsArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	if args.Query == "" && args.Symbol == "" {
		return errorResult(cerrors.New(cerrors.CodeInvalidInput, "either query or symbol is required"))
	}
	sc, p, err := s.resolveProject(args.contextArgs)
	if err != nil {
		return errorResult(err)
	}

	if args.Symbol != "" {
		hits := p.docs.GetDocsBySymbol(ctx, args.Symbol, sc.ProjectID, args.Limit)
		return successResult(map[string]any{"hits": hits}, "", started)
	}
	hits := p.docs.SearchDocs(ctx, args.Query, sc.ProjectID, args.Limit)
	return successResult(map[string]any{"hits": hits}, "", started)
}
