package goal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/events"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

// Config tunes the tracker's periodic checks.
type Config struct {
	CheckInterval       time.Duration
	StallThreshold      int
	MinProgressRate     float64 // progress units per minute
	CompletionThreshold float64
	RateWindow          time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		StallThreshold:      3,
		MinProgressRate:     0.01,
		CompletionThreshold: 0.999,
		RateWindow:          5 * time.Minute,
	}
}

// -----------------------------------------------------------------------------
// Tracker
// -----------------------------------------------------------------------------

// Tracker owns a forest of goals mapped to tasks, detects stalls and
// predicts completion. It enforces no cycles at registration and keeps
// parent progress equal to the priority-weighted mean of its children.
type Tracker struct {
	cfg     Config
	emitter *events.Emitter

	mu            sync.Mutex
	goals         map[string]*Goal
	parents       map[string]string
	taskGoals     map[string][]string
	snapshots     map[string][]ProgressSnapshot
	stallCounters map[string]int
	lastProgress  map[string]float64

	tracking bool
	stop     chan struct{}
	done     chan struct{}
}

func NewTracker(cfg Config, emitter *events.Emitter) *Tracker {
	if cfg.CheckInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:           cfg,
		emitter:       emitter,
		goals:         make(map[string]*Goal),
		parents:       make(map[string]string),
		taskGoals:     make(map[string][]string),
		snapshots:     make(map[string][]ProgressSnapshot),
		stallCounters: make(map[string]int),
		lastProgress:  make(map[string]float64),
	}
}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

// RegisterGoal adds a goal and, recursively, its sub-goals to the forest.
func (t *Tracker) RegisterGoal(g *Goal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(g, "")
}

func (t *Tracker) registerLocked(g *Goal, parentID string) error {
	if g.ID == "" {
		return fmt.Errorf("goal with empty id")
	}
	if _, exists := t.goals[g.ID]; exists {
		return fmt.Errorf("goal %q already registered", g.ID)
	}
	// Walking up the parent chain catches cycles before they form.
	for ancestor := parentID; ancestor != ""; ancestor = t.parents[ancestor] {
		if ancestor == g.ID {
			return fmt.Errorf("goal %q would create a cycle", g.ID)
		}
	}
	if g.Status == "" {
		g.Status = core.GoalStatusPending
	}
	t.goals[g.ID] = g
	if parentID != "" {
		t.parents[g.ID] = parentID
	}
	for _, sub := range g.SubGoals {
		if err := t.registerLocked(sub, g.ID); err != nil {
			return err
		}
	}
	return nil
}

// RegisterGoalsFromPlan synthesizes a root goal with one sub-goal per task
// and wires the task-to-goal mapping.
func (t *Tracker) RegisterGoalsFromPlan(p *plan.Plan) (*Goal, error) {
	root := &Goal{
		ID:       "plan:" + p.ID,
		Name:     "Complete plan " + p.ID,
		Type:     TypeCompletion,
		Priority: 1,
	}
	for _, task := range p.Tasks {
		sub := &Goal{
			ID:       "task:" + task.ID,
			Name:     "Complete task " + task.ID,
			Type:     TypeCompletion,
			Priority: 1,
		}
		root.SubGoals = append(root.SubGoals, sub)
	}
	if err := t.RegisterGoal(root); err != nil {
		return nil, err
	}
	t.mu.Lock()
	for _, task := range p.Tasks {
		t.taskGoals[task.ID] = append(t.taskGoals[task.ID], "task:"+task.ID)
	}
	t.mu.Unlock()
	return root, nil
}

// MapTaskToGoal links an additional goal to a task.
func (t *Tracker) MapTaskToGoal(taskID, goalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taskGoals[taskID] = append(t.taskGoals[taskID], goalID)
}

func (t *Tracker) Goal(id string) *Goal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.goals[id]
}

// -----------------------------------------------------------------------------
// Task Outcomes
// -----------------------------------------------------------------------------

// OnTaskComplete drives every goal mapped to the task to full progress.
func (t *Tracker) OnTaskComplete(ctx context.Context, taskID string) {
	t.mu.Lock()
	goalIDs := append([]string(nil), t.taskGoals[taskID]...)
	t.mu.Unlock()
	for _, goalID := range goalIDs {
		t.UpdateProgress(ctx, goalID, 1, map[string]any{"task_id": taskID})
	}
}

// OnTaskFailed marks every goal mapped to the task as failed.
func (t *Tracker) OnTaskFailed(ctx context.Context, taskID string, taskErr *core.Error) {
	t.mu.Lock()
	goalIDs := append([]string(nil), t.taskGoals[taskID]...)
	var payloads []map[string]any
	for _, goalID := range goalIDs {
		g, ok := t.goals[goalID]
		if !ok || g.Status.IsTerminal() {
			continue
		}
		g.Status = core.GoalStatusFailed
		payload := map[string]any{"goal_id": goalID, "task_id": taskID}
		if taskErr != nil {
			payload["error"] = taskErr.Message
		}
		payloads = append(payloads, payload)
	}
	t.mu.Unlock()
	for _, payload := range payloads {
		t.emit(ctx, events.EventGoalFailed, payload)
	}
}

// -----------------------------------------------------------------------------
// Progress
// -----------------------------------------------------------------------------

// UpdateProgress clamps and applies new progress to a goal, transitions its
// status, records a snapshot, maintains the stall counter and recomputes
// every ancestor's progress as the priority-weighted mean of its children.
func (t *Tracker) UpdateProgress(ctx context.Context, goalID string, progress float64, metadata map[string]any) {
	progress = clamp01(progress)
	t.mu.Lock()
	g, ok := t.goals[goalID]
	if !ok {
		t.mu.Unlock()
		logger.FromContext(ctx).Warn("progress update for unknown goal", "goal_id", goalID)
		return
	}
	changed := progress != g.Progress
	completedNow := t.applyProgressLocked(g, progress)
	// Only PerformCheck steps the stall counter; an update merely resets it
	// when progress actually moved, so the counter cannot jump past the
	// threshold between checks.
	if changed {
		t.stallCounters[goalID] = 0
	}
	t.recordSnapshotLocked(goalID, progress)
	completedParents := t.recomputeAncestorsLocked(goalID)
	t.mu.Unlock()

	payload := map[string]any{"goal_id": goalID, "progress": progress}
	for k, v := range metadata {
		payload[k] = v
	}
	t.emit(ctx, events.EventProgressUpdated, payload)
	if completedNow {
		t.emit(ctx, events.EventGoalCompleted, map[string]any{"goal_id": goalID})
	}
	for _, parentID := range completedParents {
		t.emit(ctx, events.EventGoalCompleted, map[string]any{"goal_id": parentID})
	}
}

// applyProgressLocked returns true when the update completed the goal.
func (t *Tracker) applyProgressLocked(g *Goal, progress float64) bool {
	now := time.Now()
	g.Progress = progress
	if g.Status == core.GoalStatusPending && progress > 0 {
		g.Status = core.GoalStatusInProgress
		g.StartedAt = &now
	}
	if progress >= t.cfg.CompletionThreshold && g.Status != core.GoalStatusCompleted {
		g.Status = core.GoalStatusCompleted
		g.CompletedAt = &now
		return true
	}
	return false
}

// recomputeAncestorsLocked walks up the parent chain recomputing weighted
// means. A decomposed parent keeps its status; completion still propagates.
func (t *Tracker) recomputeAncestorsLocked(goalID string) []string {
	var completed []string
	for parentID := t.parents[goalID]; parentID != ""; parentID = t.parents[parentID] {
		parent, ok := t.goals[parentID]
		if !ok || !parent.IsComposite() {
			break
		}
		var weighted, weights float64
		for _, sub := range parent.SubGoals {
			weighted += sub.Progress * sub.Weight()
			weights += sub.Weight()
		}
		if weights == 0 {
			break
		}
		progress := weighted / weights
		if progress != parent.Progress {
			t.stallCounters[parentID] = 0
		}
		if parent.Status != core.GoalStatusDecomposed {
			if t.applyProgressLocked(parent, progress) {
				completed = append(completed, parentID)
			}
		} else {
			parent.Progress = progress
		}
		t.recordSnapshotLocked(parentID, progress)
	}
	return completed
}

// recordSnapshotLocked appends to the per-goal ring; retention is twice the
// configured rate window.
func (t *Tracker) recordSnapshotLocked(goalID string, progress float64) {
	now := time.Now()
	snaps := append(t.snapshots[goalID], ProgressSnapshot{
		GoalID:    goalID,
		Progress:  progress,
		Timestamp: now,
	})
	horizon := now.Add(-2 * t.cfg.RateWindow)
	for len(snaps) > 0 && snaps[0].Timestamp.Before(horizon) {
		snaps = snaps[1:]
	}
	t.snapshots[goalID] = snaps
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
