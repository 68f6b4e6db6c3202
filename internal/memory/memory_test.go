package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addEpisode(t *testing.T, e *Engine, ep Episode) string {
	t.Helper()
	id, err := e.Add(context.Background(), ep)
	require.NoError(t, err)
	return id
}

func TestAddValidation(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()

	_, err := e.Add(ctx, Episode{
		Type: EpisodeType("NOTE"), Content: "x", AgentID: "a", ProjectID: "demo",
	})
	assert.Error(t, err)

	_, err = e.Add(ctx, Episode{
		Type: TypeObservation, Content: "   ", AgentID: "a", ProjectID: "demo",
	})
	assert.Error(t, err)

	_, err = e.Add(ctx, Episode{
		Type: TypeDecision, Content: "use sqlite", AgentID: "a", ProjectID: "demo",
	})
	assert.Error(t, err, "DECISION without rationale must be rejected")

	_, err = e.Add(ctx, Episode{
		Type: TypeDecision, Content: "use sqlite", AgentID: "a", ProjectID: "demo",
		Metadata: map[string]any{"rationale": "no external service needed"},
	})
	assert.NoError(t, err)

	_, err = e.Add(ctx, Episode{
		Type: TypeEdit, Content: "patched", AgentID: "a", ProjectID: "demo",
		Outcome: "mostly-fine",
	})
	assert.Error(t, err)
}

func TestRecallRanksTextMatchAboveNoise(t *testing.T) {
	e := NewEngine(nil)

	relevant := addEpisode(t, e, Episode{
		Type: TypeObservation, Content: "login handler throws on empty password",
		AgentID: "a", ProjectID: "demo",
	})
	addEpisode(t, e, Episode{
		Type: TypeObservation, Content: "renamed the build script",
		AgentID: "a", ProjectID: "demo",
	})

	results := e.Recall(RecallRequest{Query: "login password", ProjectID: "demo", Limit: 5})
	require.NotEmpty(t, results)
	assert.Equal(t, relevant, results[0].Episode.ID)
	for _, r := range results {
		assert.NotEqual(t, "renamed the build script", r.Episode.Content)
	}
}

func TestRecallEntityOverlap(t *testing.T) {
	e := NewEngine(nil)

	hit := addEpisode(t, e, Episode{
		Type: TypeEdit, Content: "tightened validation",
		Entities: []string{"demo:function:src/auth.ts:login:0"},
		AgentID:  "a", ProjectID: "demo",
	})
	addEpisode(t, e, Episode{
		Type: TypeEdit, Content: "tightened validation",
		Entities: []string{"demo:function:src/billing.ts:charge:0"},
		AgentID:  "a", ProjectID: "demo",
	})

	results := e.Recall(RecallRequest{
		ProjectID: "demo",
		Entities:  []string{"demo:function:src/auth.ts:login:0"},
		Limit:     5,
	})
	require.Len(t, results, 1)
	assert.Equal(t, hit, results[0].Episode.ID)
}

func TestRecallExcludesSensitiveByDefault(t *testing.T) {
	e := NewEngine(nil)

	addEpisode(t, e, Episode{
		Type: TypeObservation, Content: "api key rotation procedure",
		Sensitive: true, AgentID: "a", ProjectID: "demo",
	})
	addEpisode(t, e, Episode{
		Type: TypeObservation, Content: "api docs updated",
		AgentID: "a", ProjectID: "demo",
	})

	defaults := e.Recall(RecallRequest{Query: "api", ProjectID: "demo", Limit: 5})
	require.Len(t, defaults, 1)
	assert.False(t, defaults[0].Episode.Sensitive)

	explicit := e.Recall(RecallRequest{
		Query: "api", ProjectID: "demo", Limit: 5, IncludeSensitive: true,
	})
	assert.Len(t, explicit, 2)
}

func TestRecallFilters(t *testing.T) {
	e := NewEngine(nil)
	old := time.Now().Add(-48 * time.Hour)

	addEpisode(t, e, Episode{
		Type: TypeError, Content: "build failed on missing import",
		AgentID: "agent-alpha", TaskID: "task-1", ProjectID: "demo", CreatedAt: old,
	})
	addEpisode(t, e, Episode{
		Type: TypeError, Content: "build failed on type mismatch",
		AgentID: "agent-beta", TaskID: "task-2", ProjectID: "demo",
	})

	since := time.Now().Add(-time.Hour)
	results := e.Recall(RecallRequest{
		Query: "build failed", ProjectID: "demo", Since: &since, Limit: 5,
	})
	require.Len(t, results, 1)
	assert.Equal(t, "agent-beta", results[0].Episode.AgentID)

	byAgent := e.Recall(RecallRequest{
		Query: "build", ProjectID: "demo", AgentID: "agent-alpha", Limit: 5,
	})
	require.Len(t, byAgent, 1)
	assert.Equal(t, "task-1", byAgent[0].Episode.TaskID)

	foreign := e.Recall(RecallRequest{Query: "build", ProjectID: "other", Limit: 5})
	assert.Empty(t, foreign)
}

func TestDecisionQuery(t *testing.T) {
	e := NewEngine(nil)

	addEpisode(t, e, Episode{
		Type: TypeObservation, Content: "storage looks slow", AgentID: "a", ProjectID: "demo",
	})
	decision := addEpisode(t, e, Episode{
		Type: TypeDecision, Content: "cache storage reads",
		Metadata: map[string]any{"rationale": "hot path dominated by repeated lookups"},
		AgentID:  "a", ProjectID: "demo",
	})

	results := e.DecisionQuery(RecallRequest{Query: "storage", ProjectID: "demo", Limit: 5})
	require.Len(t, results, 1)
	assert.Equal(t, decision, results[0].Episode.ID)
}

func TestReflectSynthesizesFailurePatterns(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()

	target := "demo:function:src/auth.ts:login:0"
	for i := 0; i < 3; i++ {
		addEpisode(t, e, Episode{
			Type: TypeTestResult, Content: "auth suite red",
			Outcome: "failure", Entities: []string{target},
			AgentID: "agent-alpha", TaskID: "task-1", ProjectID: "demo",
		})
	}
	addEpisode(t, e, Episode{
		Type: TypeDecision, Content: "retry transient store errors once",
		Outcome:  "success",
		Metadata: map[string]any{"rationale": "driver reports routing blips as transient"},
		AgentID:  "agent-alpha", TaskID: "task-1", ProjectID: "demo",
	})

	res, err := e.Reflect(ctx, "demo", "agent-alpha", "task-1", 50)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.LearningsCreated, 2)
	assert.NotEmpty(t, res.ReflectionID)

	learnings := e.Recall(RecallRequest{
		ProjectID: "demo", Types: []EpisodeType{TypeLearning},
		Entities: []string{target}, Limit: 10,
	})
	require.NotEmpty(t, learnings)
	assert.Contains(t, learnings[0].Episode.Content, "failed 3 times")
}

func TestReflectEmptyProject(t *testing.T) {
	e := NewEngine(nil)
	res, err := e.Reflect(context.Background(), "demo", "", "", 50)
	require.NoError(t, err)
	assert.Zero(t, res.LearningsCreated)
	assert.Empty(t, res.ReflectionID)
}
