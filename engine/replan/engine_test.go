package replan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/executor"
	"github.com/nahisaho/musubi-replan/engine/history"
	"github.com/nahisaho/musubi-replan/engine/llm"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/engine/schema"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/events"
)

// -----------------------------------------------------------------------------
// Test Doubles
// -----------------------------------------------------------------------------

// scriptedExecutor fails or times out each task a scripted number of times,
// succeeds afterwards and records the execution order. Hooks run once per
// task ID outside the engine lock, which lets tests drive the mutation API
// mid-run exactly like an embedding application would.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	timeouts map[string]int
	hooks    map[string]func()
	fired    map[string]bool
	order    []string
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{
		failures: map[string]int{},
		timeouts: map[string]int{},
		hooks:    map[string]func(){},
		fired:    map[string]bool{},
	}
}

func (s *scriptedExecutor) ExecuteTask(
	_ context.Context,
	task *plan.Task,
	_ executor.Options,
) (*executor.Result, error) {
	s.mu.Lock()
	s.order = append(s.order, task.ID)
	fail := s.failures[task.ID] > 0
	if fail {
		s.failures[task.ID]--
	}
	timedOut := false
	if !fail && s.timeouts[task.ID] > 0 {
		s.timeouts[task.ID]--
		fail, timedOut = true, true
	}
	hook := s.hooks[task.ID]
	if s.fired[task.ID] {
		hook = nil
	} else if hook != nil {
		s.fired[task.ID] = true
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return &executor.Result{
			Success:  false,
			Duration: 5 * time.Millisecond,
			TimedOut: timedOut,
			Error: core.NewError(
				fmt.Errorf("task %s failed", task.ID),
				core.ErrCodeTaskExecution, nil,
			),
		}, nil
	}
	return &executor.Result{
		Success:  true,
		Duration: 5 * time.Millisecond,
		Output:   map[string]any{"ok": true},
	}, nil
}

func (s *scriptedExecutor) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// stubModel returns one canned JSON payload for every completion.
type stubModel struct {
	response map[string]any
	err      error
}

func (s *stubModel) CompleteJSON(
	context.Context, string, *schema.Schema, *llm.CallOptions,
) (map[string]any, error) {
	return s.response, s.err
}

func (s *stubModel) IsAvailable(context.Context) bool { return true }

func replaceResponse(skill string, confidence float64) map[string]any {
	return map[string]any{
		"analysis": "the task keeps failing on the primary path",
		"goal":     "finish the plan",
		"alternatives": []any{map[string]any{
			"id":          "alt-1",
			"description": "switch to the " + skill + " skill",
			"task": map[string]any{
				"name":  "fallback step",
				"skill": skill,
			},
			"confidence": confidence,
			"reasoning":  "the fallback path has no shared failure mode",
		}},
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testTask(id string, deps ...string) *plan.Task {
	return &plan.Task{
		ID:                id,
		Name:              id,
		Skill:             "build",
		Dependencies:      deps,
		EstimatedDuration: 30 * time.Second,
	}
}

func testPlan(tasks ...*plan.Task) *plan.Plan {
	return &plan.Plan{ID: "p1", Version: 1, Tasks: tasks}
}

func fastCfg() *config.Config {
	return &config.Config{
		Triggers: config.TriggersConfig{FailureThreshold: 1},
	}
}

func newEngine(t *testing.T, cfg *config.Config, exec executor.Executor, client llm.Client, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, exec, client, opts...)
	require.NoError(t, err)
	return e
}

// counter tallies emitted events by name.
type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCounter(e *Engine, names ...string) *counter {
	c := &counter{counts: map[string]int{}}
	for _, name := range names {
		name := name
		e.On(name, func(context.Context, events.Event) {
			c.mu.Lock()
			c.counts[name]++
			c.mu.Unlock()
		})
	}
	return c
}

func (c *counter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew(t *testing.T) {
	t.Run("Should require an executor", func(t *testing.T) {
		_, err := New(nil, nil, nil)
		require.Error(t, err)
		structured := &core.Error{}
		require.ErrorAs(t, err, &structured)
		assert.Equal(t, core.ErrCodeUsage, structured.Code)
	})
	t.Run("Should reject invalid configuration", func(t *testing.T) {
		bad := &config.Config{Alternatives: config.AlternativesConfig{MaxAlternatives: 99}}
		_, err := New(bad, newScripted(), nil)
		require.Error(t, err)
	})
	t.Run("Should report model availability", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		assert.False(t, e.IsLLMAvailable(context.Background()))
		e = newEngine(t, nil, newScripted(), &stubModel{})
		assert.True(t, e.IsLLMAvailable(context.Background()))
	})
}

func TestExecuteValidation(t *testing.T) {
	ctx := context.Background()
	t.Run("Should reject a nil plan", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		_, err := e.ExecuteWithReplanning(ctx, nil, nil)
		require.Error(t, err)
	})
	t.Run("Should reject plans with unsatisfiable dependencies", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		_, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a", "ghost")), nil)
		require.Error(t, err)
		structured := &core.Error{}
		require.ErrorAs(t, err, &structured)
		assert.Equal(t, core.ErrCodeUsage, structured.Code)
	})
	t.Run("Should reject a second concurrent execution", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		var concurrentErr error
		exec.hooks["a"] = func() {
			_, concurrentErr = e.ExecuteWithReplanning(ctx, testPlan(testTask("z")), nil)
		}
		_, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a")), nil)
		require.NoError(t, err)
		require.Error(t, concurrentErr)
	})
	t.Run("Should complete an empty plan immediately", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		result, err := e.ExecuteWithReplanning(ctx, testPlan(), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Zero(t, result.Completed)
		assert.Empty(t, exec.executed())
		assert.Empty(t, e.GetPlanHistory(nil))
	})
	t.Run("Should return no plan before the first execution", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		assert.Nil(t, e.GetCurrentPlan())
	})
}

// -----------------------------------------------------------------------------
// Failure Handling
// -----------------------------------------------------------------------------

func TestRetryFlow(t *testing.T) {
	ctx := context.Background()
	t.Run("Should retry a transient failure through the decision path", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 1
		e := newEngine(t, fastCfg(), exec, nil)
		counts := newCounter(e, events.EventReplan, events.EventError)

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 2, result.Completed)
		assert.Zero(t, result.Failed)
		assert.Equal(t, 1, result.Retries)
		assert.Equal(t, []string{"a", "b", "b"}, exec.executed())
		assert.Equal(t, 1, counts.count(events.EventReplan))
		assert.Equal(t, 1, counts.count(events.EventError))

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.TriggerTaskFailure, recorded[0].Trigger)
		assert.Equal(t, core.DecisionRetry, recorded[0].Decision)
		assert.True(t, recorded[0].Outcome.Success)
	})
	t.Run("Should requeue below the failure threshold without replanning", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 2
		e := newEngine(t, nil, exec, nil) // default threshold 3

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 2, result.Retries)
		assert.Equal(t, []string{"b", "b", "b"}, exec.executed())
		assert.Empty(t, e.GetPlanHistory(nil))
	})
	t.Run("Should complete the plan goal on success", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		_, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a")), nil)
		require.NoError(t, err)
		assert.Equal(t, core.GoalStatusCompleted, e.Tracker().Goal("plan:p1").Status)
	})
}

func TestReplaceFlow(t *testing.T) {
	ctx := context.Background()
	t.Run("Should replace a failing task with the model's alternative", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 10
		model := &stubModel{response: replaceResponse("fallback", 0.9)}
		e := newEngine(t, fastCfg(), exec, model)

		p := testPlan(testTask("a"), testTask("b"), testTask("c", "b"))
		result, err := e.ExecuteWithReplanning(ctx, p, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 3, result.Completed)
		assert.Zero(t, result.Failed)
		assert.Equal(t, 2, result.PlanVersion)
		assert.Equal(t, []string{"a", "b", "b-alt-1", "c"}, exec.executed())

		current := e.GetCurrentPlan()
		require.NotNil(t, current.FindTask("b-alt-1"))
		assert.Equal(t, "fallback", current.FindTask("b-alt-1").Skill)
		// Downstream dependencies follow the replacement.
		assert.Equal(t, []string{"b-alt-1"}, current.FindTask("c").Dependencies)

		snapshots := e.GetPlanSnapshots("p1")
		require.Len(t, snapshots, 1)
		assert.Equal(t, "task replaced", snapshots[0].Reason)

		recorded := e.GetPlanHistory(&history.Filter{Decision: core.DecisionReplace})
		require.Len(t, recorded, 1)
		require.NotNil(t, recorded[0].SelectedAlternative)
		assert.Equal(t, "b-alt-1", recorded[0].SelectedAlternative.ID)
		assert.Equal(t, 1, e.HistoryMetrics().ByDecision["replace"])
	})
	t.Run("Should abort when no viable alternative exists", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 10
		e := newEngine(t, fastCfg(), exec, nil)

		no := false
		stubborn := testTask("b")
		stubborn.Retryable = &no
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), stubborn, testTask("c")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, result.Status)
		assert.Contains(t, result.AbortReason, "no viable alternatives")
		assert.NotContains(t, exec.executed(), "c")

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.DecisionAbort, recorded[0].Decision)
		assert.False(t, recorded[0].Outcome.Success)
	})
}

func TestTimeoutTrigger(t *testing.T) {
	ctx := context.Background()
	t.Run("Should replan immediately on an executor timeout", func(t *testing.T) {
		exec := newScripted()
		exec.timeouts["b"] = 1
		e := newEngine(t, nil, exec, nil)

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.TriggerTimeout, recorded[0].Trigger)
		assert.Equal(t, core.DecisionRetry, recorded[0].Decision)
	})
}

// -----------------------------------------------------------------------------
// Human Review
// -----------------------------------------------------------------------------

func reviewCfg(fallback config.TimeoutFallback) *config.Config {
	return &config.Config{
		Triggers: config.TriggersConfig{FailureThreshold: 1},
		HumanInLoop: config.HumanInLoopConfig{
			Enabled:          true,
			Timeout:          time.Second,
			DefaultOnTimeout: fallback,
		},
	}
}

func TestHumanReview(t *testing.T) {
	ctx := context.Background()
	t.Run("Should fall back to skip when no handler is registered", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 10
		e := newEngine(t, reviewCfg(config.FallbackSkip), exec, nil)
		counts := newCounter(e, events.EventReviewRequired)

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, result.Status)
		assert.Equal(t, 1, result.Completed)
		assert.Equal(t, 1, result.Skipped)
		assert.Equal(t, 1, counts.count(events.EventReviewRequired))

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.DecisionSkip, recorded[0].Decision)
	})
	t.Run("Should apply the approved recommendation", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 1
		var reviewed *ReviewRequest
		var mu sync.Mutex
		handler := func(req *ReviewRequest) {
			mu.Lock()
			reviewed = req
			mu.Unlock()
			req.Approve("")
		}
		e := newEngine(t, reviewCfg(config.FallbackAbort), exec, nil, WithReviewHandler(handler))

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 1, result.Retries)
		mu.Lock()
		defer mu.Unlock()
		require.NotNil(t, reviewed)
		assert.Equal(t, "b", reviewed.FailedTaskID)
		assert.Equal(t, core.TriggerTaskFailure, reviewed.Trigger)
		assert.NotEmpty(t, reviewed.Alternatives)
	})
	t.Run("Should abort on rejection", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 10
		handler := func(req *ReviewRequest) { req.Reject() }
		e := newEngine(t, reviewCfg(config.FallbackSkip), exec, nil, WithReviewHandler(handler))

		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("b"), testTask("c")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, result.Status)
		assert.Contains(t, result.AbortReason, "abort at task b")
		assert.NotContains(t, exec.executed(), "c")
	})
}

// -----------------------------------------------------------------------------
// Optimization
// -----------------------------------------------------------------------------

func TestOptimizationFlow(t *testing.T) {
	ctx := context.Background()
	t.Run("Should parallelize an independent tail between dispatches", func(t *testing.T) {
		exec := newScripted()
		cfg := &config.Config{Optimizer: config.OptimizerConfig{EvaluateEvery: 1}}
		e := newEngine(t, cfg, exec, nil)
		counts := newCounter(e, events.EventOptimization)

		p := testPlan(testTask("seed"), testTask("x"), testTask("y"), testTask("z"))
		result, err := e.ExecuteWithReplanning(ctx, p, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 1, counts.count(events.EventOptimization))
		assert.Equal(t, 2, result.PlanVersion)

		current := e.GetCurrentPlan()
		assert.Equal(t, 1, current.FindTask("x").ParallelGroup)
		assert.Equal(t, 1, current.FindTask("z").ParallelGroup)

		snapshots := e.GetPlanSnapshots("p1")
		require.Len(t, snapshots, 1)
		assert.Equal(t, "optimization applied", snapshots[0].Reason)
	})
}

// -----------------------------------------------------------------------------
// Mutation API
// -----------------------------------------------------------------------------

func TestMutationAPI(t *testing.T) {
	ctx := context.Background()
	t.Run("Should add and modify tasks mid-run", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		var addErr, modErr error
		exec.hooks["a"] = func() {
			addErr = e.AddTask(ctx, &plan.Task{ID: "x", Name: "extra", Skill: "build"}, Position{Anchor: PositionEnd})
			modErr = e.ModifyTask(ctx, "b", &plan.Task{Name: "renamed"})
		}
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		require.NoError(t, addErr)
		require.NoError(t, modErr)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"a", "b", "x"}, exec.executed())

		current := e.GetCurrentPlan()
		require.NotNil(t, current.FindTask("x"))
		assert.Equal(t, "renamed", current.FindTask("b").Name)
	})
	t.Run("Should remove a pending task and its references", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		var removeErr error
		exec.hooks["a"] = func() { removeErr = e.RemoveTask(ctx, "b") }
		p := testPlan(testTask("a"), testTask("b"), testTask("c", "b"))
		result, err := e.ExecuteWithReplanning(ctx, p, nil)
		require.NoError(t, err)
		require.NoError(t, removeErr)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"a", "c"}, exec.executed())
		current := e.GetCurrentPlan()
		assert.Nil(t, current.FindTask("b"))
		assert.Empty(t, current.FindTask("c").Dependencies)
	})
	t.Run("Should reorder the pending queue", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		var reorderErr error
		exec.hooks["a"] = func() { reorderErr = e.ReorderTasks(ctx, []string{"c", "b"}) }
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b"), testTask("c")), nil)
		require.NoError(t, err)
		require.NoError(t, reorderErr)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"a", "c", "b"}, exec.executed())
	})
	t.Run("Should reject dependency-violating orders", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		var reorderErr error
		exec.hooks["a"] = func() { reorderErr = e.ReorderTasks(ctx, []string{"c", "b"}) }
		_, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b"), testTask("c", "b")), nil)
		require.NoError(t, err)
		require.Error(t, reorderErr)
		structured := &core.Error{}
		require.ErrorAs(t, reorderErr, &structured)
		assert.Equal(t, core.ErrCodeUsage, structured.Code)
		assert.Equal(t, []string{"a", "b", "c"}, exec.executed())
	})
	t.Run("Should reject every mutation while idle", func(t *testing.T) {
		e := newEngine(t, nil, newScripted(), nil)
		assert.Error(t, e.AddTask(ctx, &plan.Task{ID: "x"}, Position{}))
		assert.Error(t, e.RemoveTask(ctx, "x"))
		assert.Error(t, e.ReorderTasks(ctx, nil))
		assert.Error(t, e.ModifyTask(ctx, "x", nil))
		assert.Error(t, e.Replan("because"))
		assert.Error(t, e.ReportContextChange(map[string]any{"region": "eu"}))
	})
}

// -----------------------------------------------------------------------------
// External Control
// -----------------------------------------------------------------------------

func TestExternalControl(t *testing.T) {
	ctx := context.Background()
	t.Run("Should honor an externally requested replan", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		exec.hooks["a"] = func() { require.NoError(t, e.Replan("operator asked")) }
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"a", "b"}, exec.executed())

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.TriggerHumanRequest, recorded[0].Trigger)
	})
	t.Run("Should replan on a reported context change", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		exec.hooks["a"] = func() {
			require.NoError(t, e.ReportContextChange(map[string]any{"region": "eu"}))
		}
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, result.Status)

		recorded := e.GetPlanHistory(nil)
		require.Len(t, recorded, 1)
		assert.Equal(t, core.TriggerContextChange, recorded[0].Trigger)
	})
	t.Run("Should stop at the next suspension point on abort", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		exec.hooks["a"] = func() { e.Abort(ctx, "operator stop") }
		result, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, result.Status)
		assert.Equal(t, "operator stop", result.AbortReason)
		assert.Equal(t, []string{"a"}, exec.executed())
	})
	t.Run("Should treat context cancellation as an abort", func(t *testing.T) {
		exec := newScripted()
		e := newEngine(t, nil, exec, nil)
		runCtx, cancel := context.WithCancel(ctx)
		exec.hooks["a"] = func() { cancel() }
		result, err := e.ExecuteWithReplanning(runCtx, testPlan(testTask("a"), testTask("b")), nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, result.Status)
		assert.Equal(t, "context canceled", result.AbortReason)
		assert.Equal(t, []string{"a"}, exec.executed())
	})
}

// -----------------------------------------------------------------------------
// History Surface
// -----------------------------------------------------------------------------

func TestHistorySurface(t *testing.T) {
	ctx := context.Background()
	t.Run("Should export history as json and markdown", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 1
		e := newEngine(t, fastCfg(), exec, nil)
		_, err := e.ExecuteWithReplanning(ctx, testPlan(testTask("b")), nil)
		require.NoError(t, err)

		asJSON, err := e.ExportHistory("json")
		require.NoError(t, err)
		assert.Contains(t, asJSON, "task_failure")

		asMarkdown, err := e.ExportHistory("markdown")
		require.NoError(t, err)
		assert.Contains(t, asMarkdown, "# Replanning History")

		_, err = e.ExportHistory("csv")
		require.Error(t, err)
	})
	t.Run("Should round-trip history through import", func(t *testing.T) {
		exec := newScripted()
		exec.failures["b"] = 1
		source := newEngine(t, fastCfg(), exec, nil)
		_, err := source.ExecuteWithReplanning(ctx, testPlan(testTask("b")), nil)
		require.NoError(t, err)
		exported, err := source.ExportHistory("json")
		require.NoError(t, err)

		sink := newEngine(t, nil, newScripted(), nil)
		require.NoError(t, sink.ImportHistory([]byte(exported)))
		assert.Equal(t, 1, sink.HistoryMetrics().TotalEvents)
	})
}
