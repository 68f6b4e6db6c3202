// Package memory records typed agent episodes and serves ranked recall
// over them. Episodes live in memory and mirror into the graph store as
// EPISODE nodes with INVOLVES edges when a store is connected.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/graph"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

// EpisodeType enumerates what kind of event an episode records.
type EpisodeType string

const (
	TypeObservation EpisodeType = "OBSERVATION"
	TypeDecision    EpisodeType = "DECISION"
	TypeEdit        EpisodeType = "EDIT"
	TypeTestResult  EpisodeType = "TEST_RESULT"
	TypeError       EpisodeType = "ERROR"
	TypeReflection  EpisodeType = "REFLECTION"
	TypeLearning    EpisodeType = "LEARNING"
)

var episodeTypes = map[EpisodeType]bool{
	TypeObservation: true,
	TypeDecision:    true,
	TypeEdit:        true,
	TypeTestResult:  true,
	TypeError:       true,
	TypeReflection:  true,
	TypeLearning:    true,
}

var validOutcomes = map[string]bool{"success": true, "failure": true, "partial": true}

// Episode is one recorded event.
type Episode struct {
	ID        string         `json:"id"`
	Type      EpisodeType    `json:"type"`
	Content   string         `json:"content"`
	Entities  []string       `json:"entities,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Sensitive bool           `json:"sensitive,omitempty"`
	AgentID   string         `json:"agentId"`
	SessionID string         `json:"sessionId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ProjectID string         `json:"projectId"`
}

// RecallRequest describes a recall query.
type RecallRequest struct {
	Query            string
	ProjectID        string
	AgentID          string
	TaskID           string
	Types            []EpisodeType
	Entities         []string
	Limit            int
	Since            *time.Time
	IncludeSensitive bool
}

// RecallResult is one ranked recall hit.
type RecallResult struct {
	Episode *Episode `json:"episode"`
	Score   float64  `json:"score"`
}

// ReflectResult reports a reflection pass.
type ReflectResult struct {
	ReflectionID     string   `json:"reflectionId,omitempty"`
	LearningsCreated int      `json:"learningsCreated"`
	LearningIDs      []string `json:"learningIds,omitempty"`
}

// Engine is the episodic memory store.
type Engine struct {
	client   *graph.Client
	episodes *episodeLog
}

// NewEngine wires an engine; client may be nil.
func NewEngine(client *graph.Client) *Engine {
	return &Engine{client: client, episodes: newEpisodeLog()}
}

// Add validates and persists an episode, returning its id.
func (e *Engine) Add(ctx context.Context, ep Episode) (string, error) {
	if !episodeTypes[ep.Type] {
		return "", cerrors.Newf(cerrors.CodeInvalidInput, "unknown episode type %q", ep.Type)
	}
	if strings.TrimSpace(ep.Content) == "" {
		return "", cerrors.New(cerrors.CodeInvalidInput, "episode content is required")
	}
	if ep.AgentID == "" || ep.ProjectID == "" {
		return "", cerrors.New(cerrors.CodeInvalidInput, "agentId and projectId are required")
	}
	if ep.Type == TypeDecision {
		rationale, _ := ep.Metadata["rationale"].(string)
		if strings.TrimSpace(rationale) == "" {
			return "", cerrors.New(cerrors.CodeInvalidInput, "DECISION episodes require metadata.rationale").
				WithHint("include a metadata.rationale string explaining the decision")
		}
	}
	if ep.Outcome != "" && !validOutcomes[ep.Outcome] {
		return "", cerrors.Newf(cerrors.CodeInvalidInput, "outcome %q must be success, failure, or partial", ep.Outcome)
	}

	if ep.ID == "" {
		ep.ID = "ep-" + uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}

	e.episodes.append(&ep)
	e.persist(ctx, &ep)
	return ep.ID, nil
}

// Recall ranks episodes by text match, entity overlap, and recency.
func (e *Engine) Recall(req RecallRequest) []RecallResult {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	wantTypes := map[EpisodeType]bool{}
	for _, t := range req.Types {
		wantTypes[t] = true
	}
	wantEntities := map[string]bool{}
	for _, id := range req.Entities {
		wantEntities[id] = true
	}
	queryTokens := tokenize(req.Query)

	now := time.Now().UTC()
	var results []RecallResult
	for _, ep := range e.episodes.snapshot(req.ProjectID) {
		if ep.Sensitive && !req.IncludeSensitive {
			continue
		}
		if req.AgentID != "" && ep.AgentID != req.AgentID {
			continue
		}
		if req.TaskID != "" && ep.TaskID != req.TaskID {
			continue
		}
		if len(wantTypes) > 0 && !wantTypes[ep.Type] {
			continue
		}
		if req.Since != nil && ep.CreatedAt.Before(*req.Since) {
			continue
		}
		score := scoreEpisode(ep, queryTokens, wantEntities, now)
		if score <= 0 {
			continue
		}
		results = append(results, RecallResult{Episode: ep, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Episode.ID < results[j].Episode.ID
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results
}

// DecisionQuery is recall restricted to DECISION episodes.
func (e *Engine) DecisionQuery(req RecallRequest) []RecallResult {
	req.Types = []EpisodeType{TypeDecision}
	return e.Recall(req)
}

// Reflect scans recent episodes for repeated failure and decision
// patterns and records what it finds as LEARNING episodes.
func (e *Engine) Reflect(ctx context.Context, projectID, agentID, taskID string, limit int) (*ReflectResult, error) {
	if projectID == "" {
		return nil, cerrors.New(cerrors.CodeInvalidInput, "projectId is required")
	}
	if limit <= 0 {
		limit = 50
	}

	recent := e.recentEpisodes(projectID, agentID, taskID, limit)
	if len(recent) == 0 {
		return &ReflectResult{}, nil
	}

	learnings := synthesize(recent)
	res := &ReflectResult{}
	for _, l := range learnings {
		l.AgentID = firstNonEmpty(agentID, "system")
		l.TaskID = taskID
		l.ProjectID = projectID
		id, err := e.Add(ctx, l)
		if err != nil {
			logging.Warn("learning episode rejected", "error", err)
			continue
		}
		res.LearningsCreated++
		res.LearningIDs = append(res.LearningIDs, id)
	}

	if res.LearningsCreated > 0 {
		reflection := Episode{
			Type:      TypeReflection,
			Content:   fmt.Sprintf("reviewed %d episodes, recorded %d learnings", len(recent), res.LearningsCreated),
			Entities:  res.LearningIDs,
			AgentID:   firstNonEmpty(agentID, "system"),
			TaskID:    taskID,
			ProjectID: projectID,
		}
		id, err := e.Add(ctx, reflection)
		if err == nil {
			res.ReflectionID = id
		}
	}
	return res, nil
}

func (e *Engine) recentEpisodes(projectID, agentID, taskID string, limit int) []*Episode {
	all := e.episodes.snapshot(projectID)
	var out []*Episode
	for _, ep := range all {
		if agentID != "" && ep.AgentID != agentID {
			continue
		}
		if taskID != "" && ep.TaskID != taskID {
			continue
		}
		// Prior reflection output is not raw material for the next pass.
		if ep.Type == TypeReflection || ep.Type == TypeLearning {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// synthesize derives learnings from raw episodes: entities that failed
// repeatedly, and decisions whose rationale is worth keeping.
func synthesize(recent []*Episode) []Episode {
	failuresByEntity := map[string]int{}
	for _, ep := range recent {
		if ep.Outcome != "failure" && ep.Type != TypeError {
			continue
		}
		for _, entity := range ep.Entities {
			failuresByEntity[entity]++
		}
	}

	var entities []string
	for entity, n := range failuresByEntity {
		if n >= 2 {
			entities = append(entities, entity)
		}
	}
	sort.Strings(entities)

	var learnings []Episode
	for _, entity := range entities {
		learnings = append(learnings, Episode{
			Type:     TypeLearning,
			Content:  fmt.Sprintf("%s has failed %d times recently; inspect it before further edits", entity, failuresByEntity[entity]),
			Entities: []string{entity},
			Metadata: map[string]any{"source": "failure-pattern", "failureCount": failuresByEntity[entity]},
		})
	}

	for _, ep := range recent {
		if ep.Type != TypeDecision || ep.Outcome != "success" {
			continue
		}
		rationale, _ := ep.Metadata["rationale"].(string)
		if rationale == "" {
			continue
		}
		learnings = append(learnings, Episode{
			Type:     TypeLearning,
			Content:  fmt.Sprintf("decision that worked: %s (rationale: %s)", ep.Content, rationale),
			Entities: ep.Entities,
			Metadata: map[string]any{"source": "decision-outcome", "decisionId": ep.ID},
		})
	}
	return learnings
}

func scoreEpisode(ep *Episode, queryTokens []string, wantEntities map[string]bool, now time.Time) float64 {
	text := 0.0
	if len(queryTokens) > 0 {
		haystack := strings.ToLower(ep.Content)
		matched := 0
		for _, tok := range queryTokens {
			if strings.Contains(haystack, tok) {
				matched++
			}
		}
		text = float64(matched) / float64(len(queryTokens))
	}

	entity := 0.0
	if len(wantEntities) > 0 && len(ep.Entities) > 0 {
		hit := 0
		for _, id := range ep.Entities {
			if wantEntities[id] {
				hit++
			}
		}
		entity = float64(hit) / float64(len(wantEntities))
	}

	// Half-life of 24h keeps recent work on top without burying old
	// decisions entirely.
	age := now.Sub(ep.CreatedAt).Hours()
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + age/24.0)

	if len(queryTokens) == 0 && len(wantEntities) == 0 {
		return recency
	}
	score := 2.0*text + 1.5*entity + 0.5*recency
	if text == 0 && entity == 0 {
		return 0
	}
	return score
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// persist mirrors the episode into the store as an EPISODE node with
// INVOLVES edges. Store failures do not fail the add.
func (e *Engine) persist(ctx context.Context, ep *Episode) {
	if e.client == nil || !e.client.Connected() {
		return
	}
	props := map[string]any{
		"id":        ep.ID,
		"type":      string(ep.Type),
		"content":   ep.Content,
		"entities":  ep.Entities,
		"taskId":    ep.TaskID,
		"outcome":   ep.Outcome,
		"sensitive": ep.Sensitive,
		"agentId":   ep.AgentID,
		"sessionId": ep.SessionID,
		"createdAt": ep.CreatedAt.UnixMilli(),
		"projectId": ep.ProjectID,
	}
	if rationale, ok := ep.Metadata["rationale"].(string); ok {
		props["rationale"] = rationale
	}
	res := e.client.ExecuteQuery(ctx,
		"MERGE (n:EPISODE {id: $id}) SET n += $props", map[string]any{"id": ep.ID, "props": props})
	if res.Err != nil {
		logging.Warn("episode persistence failed", "episodeId", ep.ID, "error", res.Err)
		return
	}
	for _, entity := range ep.Entities {
		link := e.client.ExecuteQuery(ctx,
			"MATCH (e:EPISODE {id: $id}) MATCH (t {id: $entityId}) MERGE (e)-[:INVOLVES]->(t)",
			map[string]any{"id": ep.ID, "entityId": entity})
		if link.Err != nil {
			logging.Debug("episode entity link skipped", "episodeId", ep.ID, "entity", entity)
		}
	}
}

// episodeLog is an append-mostly in-memory store keyed by project.
type episodeLog struct {
	mu        sync.Mutex
	byProject map[string][]*Episode
}

func newEpisodeLog() *episodeLog {
	return &episodeLog{byProject: make(map[string][]*Episode)}
}

func (l *episodeLog) append(ep *Episode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byProject[ep.ProjectID] = append(l.byProject[ep.ProjectID], ep)
}

func (l *episodeLog) snapshot(projectID string) []*Episode {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.byProject[projectID]
	out := make([]*Episode, len(src))
	copy(out, src)
	return out
}
