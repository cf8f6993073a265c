package replan

import (
	"context"
	"fmt"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/history"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/events"
)

// -----------------------------------------------------------------------------
// Live Plan Mutation
// -----------------------------------------------------------------------------

// PositionAnchor places a new task relative to the pending queue.
type PositionAnchor string

const (
	PositionStart PositionAnchor = "start"
	PositionEnd   PositionAnchor = "end"
	PositionAfter PositionAnchor = "after"
)

type Position struct {
	Anchor  PositionAnchor
	AfterID string
}

func usageError(format string, args ...any) error {
	return core.NewError(fmt.Errorf(format, args...), core.ErrCodeUsage, nil)
}

// requireExecuting guards the mutation API; it must be called with e.mu
// held.
func (e *Engine) requireExecutingLocked() error {
	if !e.isExecuting {
		return usageError("no plan is executing")
	}
	return nil
}

// AddTask inserts a task into the running plan at the given position. The
// task must carry a unique ID and only reference tasks the plan knows.
func (e *Engine) AddTask(ctx context.Context, task *plan.Task, pos Position) error {
	if task == nil || task.ID == "" {
		return usageError("task with an id is required")
	}
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.plan.FindTask(task.ID) != nil {
		e.mu.Unlock()
		return usageError("task %q already exists in the plan", task.ID)
	}
	for _, dep := range task.Dependencies {
		if e.plan.FindTask(dep) == nil {
			e.mu.Unlock()
			return usageError("task %q depends on unknown task %q", task.ID, dep)
		}
	}
	task.Status = core.TaskStatusQueued
	switch pos.Anchor {
	case PositionStart:
		e.ectx.Unshift(task)
	case PositionAfter:
		idx := -1
		for i, t := range e.ectx.Pending {
			if t.ID == pos.AfterID {
				idx = i
				break
			}
		}
		if idx < 0 {
			// The anchor already ran or never existed; next up is closest.
			e.ectx.Unshift(task)
		} else {
			pending := e.ectx.Pending
			e.ectx.Pending = append(pending[:idx+1], append([]*plan.Task{task}, pending[idx+1:]...)...)
		}
	default:
		e.ectx.Pending = append(e.ectx.Pending, task)
	}
	e.plan.Tasks = append(e.plan.Tasks, task)
	e.plan.BumpVersion()
	version := e.plan.Version
	planCopy := e.plan.Clone()
	e.mu.Unlock()

	e.store.Snapshot(planCopy, "task added")
	e.emit(ctx, events.EventPlanModified, map[string]any{
		"reason":  "task added",
		"task_id": task.ID,
		"version": version,
	})
	return nil
}

// RemoveTask drops a pending task from the running plan. References to it
// from other tasks are removed; completed work is never touched.
func (e *Engine) RemoveTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	idx := -1
	for i, t := range e.ectx.Pending {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return usageError("task %q is not pending", taskID)
	}
	e.ectx.Pending = append(e.ectx.Pending[:idx], e.ectx.Pending[idx+1:]...)
	if planIdx := e.plan.TaskIndex(taskID); planIdx >= 0 {
		e.plan.Tasks = append(e.plan.Tasks[:planIdx], e.plan.Tasks[planIdx+1:]...)
	}
	for _, t := range e.plan.Tasks {
		deps := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if dep != taskID {
				deps = append(deps, dep)
			}
		}
		t.Dependencies = deps
	}
	e.plan.BumpVersion()
	version := e.plan.Version
	planCopy := e.plan.Clone()
	e.mu.Unlock()

	e.store.Snapshot(planCopy, "task removed")
	e.emit(ctx, events.EventPlanModified, map[string]any{
		"reason":  "task removed",
		"task_id": taskID,
		"version": version,
	})
	return nil
}

// ReorderTasks rearranges the pending queue. The new order must be a
// permutation of the current pending IDs and respect dependencies.
func (e *Engine) ReorderTasks(ctx context.Context, order []string) error {
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	if len(order) != len(e.ectx.Pending) {
		e.mu.Unlock()
		return usageError("order must cover all %d pending tasks", len(e.ectx.Pending))
	}
	byID := make(map[string]*plan.Task, len(e.ectx.Pending))
	for _, t := range e.ectx.Pending {
		byID[t.ID] = t
	}
	reordered := make([]*plan.Task, 0, len(order))
	for _, id := range order {
		t, ok := byID[id]
		if !ok {
			e.mu.Unlock()
			return usageError("task %q is not pending", id)
		}
		delete(byID, id)
		reordered = append(reordered, t)
	}
	if !plan.RespectsDependencies(reordered) {
		e.mu.Unlock()
		return usageError("order violates task dependencies")
	}
	e.ectx.Pending = reordered
	e.plan.BumpVersion()
	version := e.plan.Version
	e.mu.Unlock()

	e.emit(ctx, events.EventPlanModified, map[string]any{
		"reason":  "tasks reordered",
		"version": version,
	})
	return nil
}

// ModifyTask patches a pending task in place. Non-zero patch fields win.
func (e *Engine) ModifyTask(ctx context.Context, taskID string, patch *plan.Task) error {
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	var target *plan.Task
	for _, t := range e.ectx.Pending {
		if t.ID == taskID {
			target = t
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return usageError("task %q is not pending", taskID)
	}
	if patch != nil && patch.ID != "" && patch.ID != taskID {
		e.mu.Unlock()
		return usageError("task ids are immutable")
	}
	if err := target.ApplyPatch(patch); err != nil {
		e.mu.Unlock()
		return usageError("failed to patch task %q: %v", taskID, err)
	}
	e.plan.BumpVersion()
	version := e.plan.Version
	e.mu.Unlock()

	e.emit(ctx, events.EventPlanModified, map[string]any{
		"reason":  "task modified",
		"task_id": taskID,
		"version": version,
	})
	return nil
}

// -----------------------------------------------------------------------------
// External Control
// -----------------------------------------------------------------------------

// Replan queues a human-requested replan; the run loop picks it up before
// the next dispatch.
func (e *Engine) Replan(reason string) error {
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	contextID := e.ectx.ContextID
	e.mu.Unlock()
	e.enqueueTrigger(e.monitor.RequestReplan(contextID, reason))
	return nil
}

// Abort stops execution at the next suspension point. Already-dispatched
// work finishes; nothing new starts.
func (e *Engine) Abort(ctx context.Context, reason string) {
	e.abort(ctx, reason)
}

// GetCurrentPlan returns a deep copy of the current plan, or nil before the
// first execution.
func (e *Engine) GetCurrentPlan() *plan.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return nil
	}
	return e.plan.Clone()
}

// -----------------------------------------------------------------------------
// History Access
// -----------------------------------------------------------------------------

// GetPlanHistory returns recorded replanning events, optionally filtered.
func (e *Engine) GetPlanHistory(filter *history.Filter) []*history.Event {
	return e.store.Events(filter)
}

// GetPlanSnapshots returns the structural snapshots retained for a plan.
func (e *Engine) GetPlanSnapshots(planID string) []*history.PlanSnapshot {
	return e.store.Snapshots(planID)
}

// HistoryMetrics returns the aggregate replanning statistics.
func (e *Engine) HistoryMetrics() history.Metrics {
	return e.store.Metrics()
}

// ExportHistory renders the history in the requested format, "markdown" or
// "json".
func (e *Engine) ExportHistory(format string) (string, error) {
	switch format {
	case "markdown":
		return e.store.ExportMarkdown(), nil
	case "json":
		data, err := e.store.ExportJSON()
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", usageError("unknown export format %q", format)
	}
}

// ImportHistory replaces the history with a previously exported JSON
// document.
func (e *Engine) ImportHistory(data []byte) error {
	return e.store.ImportJSON(data)
}

// LoadHistory restores persisted history from disk.
func (e *Engine) LoadHistory(ctx context.Context) error {
	return e.store.Load(ctx)
}

// ReportContextChange feeds an external context delta to the monitor; an
// enabled context-change trigger is queued for the run loop.
func (e *Engine) ReportContextChange(changes map[string]any) error {
	e.mu.Lock()
	if err := e.requireExecutingLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	contextID := e.ectx.ContextID
	e.mu.Unlock()
	if trigger := e.monitor.ReportContextChange(contextID, changes); trigger != nil {
		e.enqueueTrigger(trigger)
	}
	return nil
}
