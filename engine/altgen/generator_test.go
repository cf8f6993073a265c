package altgen

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/evaluator"
	"github.com/nahisaho/musubi-replan/engine/llm"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/engine/schema"
	"github.com/nahisaho/musubi-replan/pkg/config"
)

// mockClient scripts the language model for tests.
type mockClient struct {
	available bool
	response  map[string]any
	err       error
	prompts   []string
}

func (m *mockClient) CompleteJSON(
	_ context.Context,
	prompt string,
	_ *schema.Schema,
	_ *llm.CallOptions,
) (map[string]any, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockClient) IsAvailable(context.Context) bool { return m.available }

func altResponse(alts ...map[string]any) map[string]any {
	converted := make([]any, len(alts))
	for i, a := range alts {
		converted[i] = a
	}
	return map[string]any{
		"analysis":     "the deploy failed on credentials",
		"goal":         "Deploy the service",
		"alternatives": converted,
	}
}

func llmAlt(id string, confidence float64, risks ...string) map[string]any {
	riskList := make([]any, len(risks))
	for i, r := range risks {
		riskList[i] = r
	}
	return map[string]any{
		"id":          id,
		"description": "use skill fallback-" + id,
		"task": map[string]any{
			"name":  "fallback " + id,
			"skill": "fallback",
		},
		"confidence": confidence,
		"reasoning":  "historically reliable",
		"risks":      riskList,
	}
}

func failedTask() *plan.Task {
	return &plan.Task{ID: "deploy", Name: "deploy service", Skill: "deploy", Attempts: 2}
}

func emptySnapshot() *plan.Snapshot {
	return &plan.Snapshot{PlanID: "p1", MaxConcurrency: 5}
}

func mustConfig(t *testing.T, user *config.Config) *config.Config {
	t.Helper()
	cfg, err := config.Merge(user)
	require.NoError(t, err)
	return cfg
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	failure := &core.Error{Message: "deploy failed", Code: core.ErrCodeTaskExecution}

	t.Run("Should offer only the retry option when the model is unavailable", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		g := New(cfg, &mockClient{available: false}, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), failure, emptySnapshot())
		require.Len(t, alternatives, 1)
		assert.Equal(t, RetryOptionID, alternatives[0].ID)
		assert.Equal(t, core.SourceSystem, alternatives[0].Source)
		assert.Equal(t, "deploy", alternatives[0].Task.RetryOf)
	})
	t.Run("Should degrade to the retry option on model errors", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		client := &mockClient{available: true, err: fmt.Errorf("provider down")}
		g := New(cfg, client, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), failure, emptySnapshot())
		require.Len(t, alternatives, 1)
		assert.Equal(t, RetryOptionID, alternatives[0].ID)
	})
	t.Run("Should rank model alternatives above the low-confidence retry", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		client := &mockClient{available: true, response: altResponse(llmAlt("alt-a", 0.9))}
		g := New(cfg, client, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), failure, emptySnapshot())
		require.Len(t, alternatives, 2)
		assert.Equal(t, core.SourceLLM, alternatives[0].Source)
		assert.Equal(t, RetryOptionID, alternatives[1].ID)
		assert.Greater(t, alternatives[0].Confidence, alternatives[1].Confidence)
	})
	t.Run("Should link generated tasks back to the failed task", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		client := &mockClient{available: true, response: altResponse(llmAlt("alt-a", 0.9))}
		g := New(cfg, client, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), failure, emptySnapshot())
		generated := alternatives[0].Task
		assert.Equal(t, "deploy-alt-1", generated.ID)
		assert.Equal(t, "deploy", generated.OriginalTaskID)
		assert.Equal(t, "fallback", generated.Skill)
	})
	t.Run("Should truncate to the configured maximum", func(t *testing.T) {
		cfg := mustConfig(t, &config.Config{Alternatives: config.AlternativesConfig{MaxAlternatives: 2}})
		client := &mockClient{available: true, response: altResponse(
			llmAlt("a", 0.9), llmAlt("b", 0.8), llmAlt("c", 0.7), llmAlt("d", 0.6),
		)}
		g := New(cfg, client, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), failure, emptySnapshot())
		assert.Len(t, alternatives, 2)
	})
	t.Run("Should drop candidates below the confidence floor", func(t *testing.T) {
		cfg := mustConfig(t, &config.Config{Alternatives: config.AlternativesConfig{MinConfidence: 0.99}})
		client := &mockClient{available: true, response: altResponse(llmAlt("a", 0.5))}
		g := New(cfg, client, evaluator.New())
		assert.Empty(t, g.Generate(ctx, failedTask(), failure, emptySnapshot()))
	})
	t.Run("Should omit the retry option for non-retryable tasks", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		g := New(cfg, &mockClient{available: false}, evaluator.New())
		no := false
		task := failedTask()
		task.Retryable = &no
		assert.Empty(t, g.Generate(ctx, task, failure, emptySnapshot()))
	})
	t.Run("Should include failure details in the prompt", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		client := &mockClient{available: true, response: altResponse()}
		g := New(cfg, client, evaluator.New())
		g.Generate(ctx, failedTask(), failure, emptySnapshot())
		require.Len(t, client.prompts, 1)
		assert.Contains(t, client.prompts[0], "deploy failed")
		assert.Contains(t, client.prompts[0], "- id: deploy")
	})
}

func TestScore(t *testing.T) {
	ctx := context.Background()
	t.Run("Should blend the four components with the configured weights", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		eval := evaluator.New()
		client := &mockClient{available: true, response: altResponse(llmAlt("a", 1.0))}
		g := New(cfg, client, eval)
		alternatives := g.Generate(ctx, failedTask(), nil, emptySnapshot())
		require.NotEmpty(t, alternatives)
		alt := alternatives[0]
		// LLM 1.0, history prior 0.5, resource 1.0, complexity 1.0 under
		// the default 0.4/0.3/0.2/0.1 weights.
		assert.InDelta(t, 0.4*1.0+0.3*0.5+0.2*1.0+0.1*1.0, alt.Confidence, 1e-9)
		assert.InDelta(t, 0.5, alt.Breakdown.History, 1e-9)
	})
	t.Run("Should penalize unsatisfied dependencies", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		g := New(cfg, &mockClient{available: false}, evaluator.New())
		task := failedTask()
		task.Dependencies = []string{"missing"}
		alternatives := g.Generate(ctx, task, nil, emptySnapshot())
		require.Len(t, alternatives, 1)
		assert.InDelta(t, 0.7, alternatives[0].Breakdown.Resource, 1e-9)
	})
	t.Run("Should penalize risky candidates", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		client := &mockClient{available: true, response: altResponse(llmAlt("a", 0.9, "risk1", "risk2"))}
		g := New(cfg, client, evaluator.New())
		alternatives := g.Generate(ctx, failedTask(), nil, emptySnapshot())
		require.NotEmpty(t, alternatives)
		assert.InDelta(t, 0.8, alternatives[0].Breakdown.Complexity, 1e-9)
	})
	t.Run("Should penalize efforts that blow the remaining budget", func(t *testing.T) {
		cfg := mustConfig(t, nil)
		eval := evaluator.New()
		eval.RecordExecution("deploy", true, time.Hour)
		g := New(cfg, &mockClient{available: false}, eval)
		snap := emptySnapshot()
		snap.TimeRemaining = time.Minute
		alternatives := g.Generate(ctx, failedTask(), nil, snap)
		require.Len(t, alternatives, 1)
		assert.InDelta(t, 0.5, alternatives[0].Breakdown.Resource, 1e-9)
	})
}
