// Package coordination implements advisory multi-agent claims over code
// targets. Claims detect conflicts; they are not enforced by the store.
package coordination

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

// ClaimType categorizes what is being claimed.
type ClaimType string

const (
	ClaimTask     ClaimType = "task"
	ClaimFile     ClaimType = "file"
	ClaimFunction ClaimType = "function"
	ClaimFeature  ClaimType = "feature"
)

// ClaimStatus is a claim's lifecycle state.
type ClaimStatus string

const (
	StatusActive      ClaimStatus = "active"
	StatusReleased    ClaimStatus = "released"
	StatusInvalidated ClaimStatus = "invalidated"
)

// Claim is one advisory lock record.
type Claim struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agentId"`
	TargetID  string      `json:"targetId"`
	ClaimType ClaimType   `json:"claimType"`
	Intent    string      `json:"intent"`
	TaskID    string      `json:"taskId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Status    ClaimStatus `json:"status"`
	Outcome   string      `json:"outcome,omitempty"`
	ProjectID string      `json:"projectId"`
	CreatedAt time.Time   `json:"createdAt"`
	ClosedAt  *time.Time  `json:"closedAt,omitempty"`
}

// ClaimRequest creates a claim.
type ClaimRequest struct {
	AgentID   string
	TargetID  string
	ClaimType ClaimType
	Intent    string
	TaskID    string
	SessionID string
	ProjectID string
}

// ClaimResult reports creation or conflict.
type ClaimResult struct {
	Status              string `json:"status"`
	ClaimID             string `json:"claimId,omitempty"`
	ConflictingAgentID  string `json:"conflictingAgentId,omitempty"`
	ConflictingClaimID  string `json:"conflictingClaimId,omitempty"`
	ConflictingIntent   string `json:"conflictingIntent,omitempty"`
	ConflictingSinceUTC string `json:"conflictingSince,omitempty"`
}

// ReleaseResult reports a release truthfully.
type ReleaseResult struct {
	Found         bool `json:"found"`
	AlreadyClosed bool `json:"alreadyClosed"`
}

// TargetExists asks whether a claim target still exists in the graph,
// used by stale-claim invalidation after rebuilds.
type TargetExists func(targetID string) bool

// Engine holds the claim registry. The mutex is the serialization
// primitive making simultaneous claims on one target yield exactly one
// CREATED.
type Engine struct {
	mu     sync.Mutex
	claims map[string]*Claim
	client *graph.Client
}

// NewEngine wires an engine; client may be nil (claims stay in memory).
func NewEngine(client *graph.Client) *Engine {
	return &Engine{claims: make(map[string]*Claim), client: client}
}

func validClaimType(t ClaimType) bool {
	switch t {
	case ClaimTask, ClaimFile, ClaimFunction, ClaimFeature:
		return true
	}
	return false
}

// Claim creates a claim or reports the conflict. A second claim by the
// same agent on the same target returns the existing claim id.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if req.AgentID == "" || req.TargetID == "" || req.ProjectID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "agentId, targetId, and projectId are required")
	}
	if !validClaimType(req.ClaimType) {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "claimType must be one of task, file, function, feature")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.claims {
		if c.Status != StatusActive || c.ProjectID != req.ProjectID || c.TargetID != req.TargetID {
			continue
		}
		if c.AgentID == req.AgentID {
			return &ClaimResult{Status: "CREATED", ClaimID: c.ID}, nil
		}
		return &ClaimResult{
			Status:              "CONFLICT",
			ConflictingAgentID:  c.AgentID,
			ConflictingClaimID:  c.ID,
			ConflictingIntent:   c.Intent,
			ConflictingSinceUTC: c.CreatedAt.UTC().Format(time.RFC3339),
		}, nil
	}

	claim := &Claim{
		ID:        "claim-" + uuid.NewString(),
		AgentID:   req.AgentID,
		TargetID:  req.TargetID,
		ClaimType: req.ClaimType,
		Intent:    req.Intent,
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		Status:    StatusActive,
		ProjectID: req.ProjectID,
		CreatedAt: time.Now().UTC(),
	}
	e.claims[claim.ID] = claim
	e.persist(ctx, claim)

	logging.Info("claim created",
		"claimId", claim.ID, "agent", claim.AgentID, "target", claim.TargetID)
	return &ClaimResult{Status: "CREATED", ClaimID: claim.ID}, nil
}

// Release closes a claim.
func (e *Engine) Release(ctx context.Context, claimID, outcome string) (*ReleaseResult, error) {
	if claimID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "claimId is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.claims[claimID]
	if !ok {
		return &ReleaseResult{Found: false}, nil
	}
	if c.Status != StatusActive {
		return &ReleaseResult{Found: true, AlreadyClosed: true}, nil
	}
	e.closeLocked(ctx, c, StatusReleased, outcome)
	return &ReleaseResult{Found: true}, nil
}

// Status returns an agent's claims in a project, active first then by
// recency.
func (e *Engine) Status(projectID, agentID string) []*Claim {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Claim
	for _, c := range e.claims {
		if c.ProjectID != projectID {
			continue
		}
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sortClaims(out)
	return out
}

// Overview groups active claims by agent for a project.
func (e *Engine) Overview(projectID string) map[string][]*Claim {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string][]*Claim)
	for _, c := range e.claims {
		if c.ProjectID != projectID || c.Status != StatusActive {
			continue
		}
		cp := *c
		out[c.AgentID] = append(out[c.AgentID], &cp)
	}
	for _, claims := range out {
		sortClaims(claims)
	}
	return out
}

// InvalidateStaleClaims transitions active claims whose target vanished
// from the refreshed graph. Called after rebuilds.
func (e *Engine) InvalidateStaleClaims(ctx context.Context, projectID string, exists TargetExists) int {
	if exists == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.claims {
		if c.ProjectID != projectID || c.Status != StatusActive {
			continue
		}
		if exists(c.TargetID) {
			continue
		}
		e.closeLocked(ctx, c, StatusInvalidated, "target removed by rebuild")
		n++
	}
	if n > 0 {
		logging.Info("stale claims invalidated", "project", projectID, "count", n)
	}
	return n
}

// OnTaskCompleted releases every active claim the agent holds under the
// task.
func (e *Engine) OnTaskCompleted(ctx context.Context, taskID, agentID, projectID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.claims {
		if c.ProjectID != projectID || c.Status != StatusActive {
			continue
		}
		if c.TaskID != taskID || c.AgentID != agentID {
			continue
		}
		e.closeLocked(ctx, c, StatusReleased, "task completed")
		n++
	}
	return n
}

func (e *Engine) closeLocked(ctx context.Context, c *Claim, status ClaimStatus, outcome string) {
	now := time.Now().UTC()
	c.Status = status
	c.Outcome = outcome
	c.ClosedAt = &now
	e.persist(ctx, c)
}

// persist mirrors the claim into the store when connected. Failures are
// logged, never surfaced: the in-memory registry is authoritative.
func (e *Engine) persist(ctx context.Context, c *Claim) {
	if e.client == nil || !e.client.Connected() {
		return
	}
	props := map[string]any{
		"id":        c.ID,
		"agentId":   c.AgentID,
		"targetId":  c.TargetID,
		"claimType": string(c.ClaimType),
		"intent":    c.Intent,
		"taskId":    c.TaskID,
		"sessionId": c.SessionID,
		"status":    string(c.Status),
		"outcome":   c.Outcome,
		"projectId": c.ProjectID,
		"createdAt": c.CreatedAt.UnixMilli(),
	}
	res := e.client.ExecuteQuery(ctx,
		"MERGE (n:CLAIM {id: $id}) SET n += $props", map[string]any{"id": c.ID, "props": props})
	if res.Err != nil {
		logging.Warn("claim persistence failed", "claimId", c.ID, "error", res.Err)
		return
	}
	if c.Status == StatusActive {
		link := e.client.ExecuteQuery(ctx,
			"MATCH (c:CLAIM {id: $id}) MATCH (t {id: $targetId}) MERGE (c)-[:APPLIES_TO]->(t)",
			map[string]any{"id": c.ID, "targetId": c.TargetID})
		if link.Err != nil {
			logging.Debug("claim target link skipped", "claimId", c.ID, "error", link.Err)
		}
	}
}

func sortClaims(claims []*Claim) {
	sort.Slice(claims, func(i, j int) bool {
		if (claims[i].Status == StatusActive) != (claims[j].Status == StatusActive) {
			return claims[i].Status == StatusActive
		}
		if !claims[i].CreatedAt.Equal(claims[j].CreatedAt) {
			return claims[i].CreatedAt.After(claims[j].CreatedAt)
		}
		return claims[i].ID < claims[j].ID
	})
}
