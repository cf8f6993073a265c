package goal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/events"
)

// recorder collects emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) attach(e *events.Emitter) {
	e.OnAny(func(_ context.Context, event events.Event) {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Name == name {
			n++
		}
	}
	return n
}

func newTestTracker() (*Tracker, *recorder) {
	emitter := events.NewEmitter("")
	rec := &recorder{}
	rec.attach(emitter)
	return NewTracker(DefaultConfig(), emitter), rec
}

func TestRegisterGoal(t *testing.T) {
	t.Run("Should register a goal tree recursively", func(t *testing.T) {
		tracker, _ := newTestTracker()
		root := &Goal{ID: "root", SubGoals: []*Goal{{ID: "child-a"}, {ID: "child-b"}}}
		require.NoError(t, tracker.RegisterGoal(root))
		assert.NotNil(t, tracker.Goal("child-a"))
		assert.Equal(t, core.GoalStatusPending, tracker.Goal("child-b").Status)
	})
	t.Run("Should reject duplicate goal ids", func(t *testing.T) {
		tracker, _ := newTestTracker()
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		require.Error(t, tracker.RegisterGoal(&Goal{ID: "g"}))
	})
	t.Run("Should reject cycles in the goal graph", func(t *testing.T) {
		tracker, _ := newTestTracker()
		root := &Goal{ID: "root"}
		root.SubGoals = []*Goal{{ID: "child", SubGoals: []*Goal{{ID: "root"}}}}
		require.Error(t, tracker.RegisterGoal(root))
	})
	t.Run("Should reject goals without an id", func(t *testing.T) {
		tracker, _ := newTestTracker()
		require.Error(t, tracker.RegisterGoal(&Goal{}))
	})
}

func TestRegisterGoalsFromPlan(t *testing.T) {
	t.Run("Should synthesize one sub-goal per task", func(t *testing.T) {
		tracker, _ := newTestTracker()
		p := &plan.Plan{ID: "p1", Tasks: []*plan.Task{{ID: "a"}, {ID: "b"}}}
		root, err := tracker.RegisterGoalsFromPlan(p)
		require.NoError(t, err)
		assert.Equal(t, "plan:p1", root.ID)
		require.Len(t, root.SubGoals, 2)
		assert.NotNil(t, tracker.Goal("task:a"))
	})
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	t.Run("Should clamp progress into the unit interval", func(t *testing.T) {
		tracker, _ := newTestTracker()
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(ctx, "g", 1.7, nil)
		assert.InDelta(t, 1, tracker.Goal("g").Progress, 1e-9)
	})
	t.Run("Should transition pending to in-progress to completed", func(t *testing.T) {
		tracker, rec := newTestTracker()
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(ctx, "g", 0.5, nil)
		assert.Equal(t, core.GoalStatusInProgress, tracker.Goal("g").Status)
		tracker.UpdateProgress(ctx, "g", 1, nil)
		assert.Equal(t, core.GoalStatusCompleted, tracker.Goal("g").Status)
		assert.Equal(t, 1, rec.count(events.EventGoalCompleted))
	})
	t.Run("Should recompute parents as the priority-weighted mean", func(t *testing.T) {
		tracker, _ := newTestTracker()
		root := &Goal{ID: "root", SubGoals: []*Goal{
			{ID: "heavy", Priority: 3},
			{ID: "light", Priority: 1},
		}}
		require.NoError(t, tracker.RegisterGoal(root))
		tracker.UpdateProgress(ctx, "heavy", 1, nil)
		assert.InDelta(t, 0.75, tracker.Goal("root").Progress, 1e-9)
	})
	t.Run("Should complete the root when every child completes", func(t *testing.T) {
		tracker, rec := newTestTracker()
		root := &Goal{ID: "root", SubGoals: []*Goal{{ID: "a"}, {ID: "b"}}}
		require.NoError(t, tracker.RegisterGoal(root))
		tracker.UpdateProgress(ctx, "a", 1, nil)
		tracker.UpdateProgress(ctx, "b", 1, nil)
		assert.Equal(t, core.GoalStatusCompleted, tracker.Goal("root").Status)
		assert.Equal(t, 3, rec.count(events.EventGoalCompleted))
	})
}

func TestTaskOutcomes(t *testing.T) {
	ctx := context.Background()
	t.Run("Should drive mapped goals to completion on task success", func(t *testing.T) {
		tracker, _ := newTestTracker()
		p := &plan.Plan{ID: "p1", Tasks: []*plan.Task{{ID: "a"}}}
		_, err := tracker.RegisterGoalsFromPlan(p)
		require.NoError(t, err)
		tracker.OnTaskComplete(ctx, "a")
		assert.Equal(t, core.GoalStatusCompleted, tracker.Goal("task:a").Status)
		assert.Equal(t, core.GoalStatusCompleted, tracker.Goal("plan:p1").Status)
	})
	t.Run("Should fail mapped goals on task failure", func(t *testing.T) {
		tracker, rec := newTestTracker()
		p := &plan.Plan{ID: "p1", Tasks: []*plan.Task{{ID: "a"}}}
		_, err := tracker.RegisterGoalsFromPlan(p)
		require.NoError(t, err)
		tracker.OnTaskFailed(ctx, "a", &core.Error{Message: "boom"})
		assert.Equal(t, core.GoalStatusFailed, tracker.Goal("task:a").Status)
		assert.Equal(t, 1, rec.count(events.EventGoalFailed))
	})
}

func TestPerformCheck(t *testing.T) {
	ctx := context.Background()
	t.Run("Should emit a stall exactly once at the threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StallThreshold = 3
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(cfg, emitter)
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(ctx, "g", 0.4, nil)
		for i := 0; i < 6; i++ {
			tracker.PerformCheck(ctx)
		}
		assert.Equal(t, 1, rec.count(events.EventGoalStalled))
	})
	t.Run("Should still emit the stall when no-change updates interleave", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StallThreshold = 2
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(cfg, emitter)
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(ctx, "g", 0.4, nil)
		tracker.PerformCheck(ctx)
		// Redundant updates with the same value must not step the counter
		// past the threshold.
		tracker.UpdateProgress(ctx, "g", 0.4, nil)
		tracker.UpdateProgress(ctx, "g", 0.4, nil)
		tracker.PerformCheck(ctx)
		tracker.PerformCheck(ctx)
		assert.Equal(t, 1, rec.count(events.EventGoalStalled))
	})
	t.Run("Should reset the stall counter when progress moves", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StallThreshold = 2
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(cfg, emitter)
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(ctx, "g", 0.2, nil)
		tracker.PerformCheck(ctx)
		tracker.UpdateProgress(ctx, "g", 0.3, nil)
		tracker.PerformCheck(ctx)
		assert.Zero(t, rec.count(events.EventGoalStalled))
	})
	t.Run("Should skip composite and terminal goals", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StallThreshold = 1
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(cfg, emitter)
		root := &Goal{ID: "root", SubGoals: []*Goal{{ID: "leaf"}}}
		require.NoError(t, tracker.RegisterGoal(root))
		tracker.UpdateProgress(ctx, "leaf", 1, nil)
		for i := 0; i < 3; i++ {
			tracker.PerformCheck(ctx)
		}
		assert.Zero(t, rec.count(events.EventGoalStalled))
	})
	t.Run("Should flag goals at risk of missing their deadline", func(t *testing.T) {
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(DefaultConfig(), emitter)
		deadline := time.Now().Add(time.Minute)
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g", Deadline: &deadline}))
		// No progress at all means no completion prediction.
		tracker.PerformCheck(ctx)
		assert.Equal(t, 1, rec.count(events.EventGoalAtRisk))
	})
}

func TestPredictCompletion(t *testing.T) {
	t.Run("Should report completion for finished goals", func(t *testing.T) {
		tracker, _ := newTestTracker()
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(context.Background(), "g", 1, nil)
		prediction := tracker.PredictCompletion("g")
		assert.True(t, prediction.WillComplete)
		assert.InDelta(t, 0.95, prediction.Confidence, 1e-9)
	})
	t.Run("Should not predict completion without progress", func(t *testing.T) {
		tracker, _ := newTestTracker()
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		prediction := tracker.PredictCompletion("g")
		assert.False(t, prediction.WillComplete)
		assert.InDelta(t, 0.3, prediction.Confidence, 1e-9)
	})
	t.Run("Should return low confidence for unknown goals", func(t *testing.T) {
		tracker, _ := newTestTracker()
		prediction := tracker.PredictCompletion("ghost")
		assert.False(t, prediction.WillComplete)
		assert.InDelta(t, 0.3, prediction.Confidence, 1e-9)
	})
}

func TestStartStopTracking(t *testing.T) {
	t.Run("Should run periodic checks until stopped", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CheckInterval = 10 * time.Millisecond
		cfg.StallThreshold = 1
		emitter := events.NewEmitter("")
		rec := &recorder{}
		rec.attach(emitter)
		tracker := NewTracker(cfg, emitter)
		require.NoError(t, tracker.RegisterGoal(&Goal{ID: "g"}))
		tracker.UpdateProgress(context.Background(), "g", 0.5, nil)
		ctx := context.Background()
		tracker.StartTracking(ctx)
		require.Eventually(t, func() bool {
			return rec.count(events.EventGoalStalled) >= 1
		}, time.Second, 5*time.Millisecond)
		tracker.StopTracking(ctx)
		assert.Equal(t, 1, rec.count(events.EventTrackingStarted))
		assert.Equal(t, 1, rec.count(events.EventTrackingStopped))
	})
}
