package plan

import (
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
)

const DefaultMaxConcurrency = 5

// -----------------------------------------------------------------------------
// Execution Context
// -----------------------------------------------------------------------------

// ExecutionContext is the live state of one executing plan. It is owned
// exclusively by the engine; every other component sees it only through
// Snapshot projections.
type ExecutionContext struct {
	ContextID  core.ID         `json:"context_id"`
	PlanID     string          `json:"plan_id"`
	StartTime  time.Time       `json:"start_time"`
	Completed  []CompletedTask `json:"completed"`
	Pending    []*Task         `json:"pending"`
	Failed     []FailedTask    `json:"failed"`
	Skipped    []*Task         `json:"skipped"`
	Deferred   []*Task         `json:"deferred"`
	Retries    int             `json:"retries"`
	LastUpdate time.Time       `json:"last_update"`

	MaxConcurrency int           `json:"max_concurrency"`
	TimeBudget     time.Duration `json:"time_budget,omitempty"`

	// Vars is external context handed in at Watch time and updated by
	// ReportContextChange deltas.
	Vars map[string]any `json:"vars,omitempty"`
}

func NewExecutionContext(p *Plan, vars map[string]any) *ExecutionContext {
	now := time.Now()
	pending := make([]*Task, len(p.Tasks))
	copy(pending, p.Tasks)
	ectx := &ExecutionContext{
		ContextID:      core.NewID(),
		PlanID:         p.ID,
		StartTime:      now,
		Pending:        pending,
		LastUpdate:     now,
		MaxConcurrency: DefaultMaxConcurrency,
		Vars:           core.CopyMap(vars),
	}
	if mc, ok := ectx.Vars["maxConcurrency"].(int); ok && mc > 0 {
		ectx.MaxConcurrency = mc
	}
	if budget, ok := ectx.Vars["timeBudget"].(time.Duration); ok {
		ectx.TimeBudget = budget
	}
	return ectx
}

// NextPending removes and returns the head of the pending queue.
func (e *ExecutionContext) NextPending() *Task {
	if len(e.Pending) == 0 {
		return nil
	}
	head := e.Pending[0]
	e.Pending = e.Pending[1:]
	return head
}

// Unshift puts tasks at the head of the pending queue in the given order.
func (e *ExecutionContext) Unshift(tasks ...*Task) {
	e.Pending = append(append([]*Task(nil), tasks...), e.Pending...)
	e.touch()
}

func (e *ExecutionContext) MarkCompleted(t *Task, output map[string]any, duration time.Duration) {
	t.Status = core.TaskStatusSucceeded
	e.Completed = append(e.Completed, CompletedTask{
		Task:        t,
		Output:      output,
		Duration:    duration,
		CompletedAt: time.Now(),
	})
	e.touch()
}

func (e *ExecutionContext) MarkFailed(t *Task, taskErr *core.Error) {
	t.Status = core.TaskStatusFailed
	e.Failed = append(e.Failed, FailedTask{
		Task:     t,
		Error:    taskErr,
		FailedAt: time.Now(),
	})
	e.touch()
}

func (e *ExecutionContext) MarkSkipped(t *Task) {
	t.Status = core.TaskStatusSkipped
	e.Skipped = append(e.Skipped, t)
	e.touch()
}

func (e *ExecutionContext) MarkDeferred(t *Task) {
	t.Status = core.TaskStatusDeferred
	e.Deferred = append(e.Deferred, t)
	e.touch()
}

// LastFailure returns the most recent failed task, or nil.
func (e *ExecutionContext) LastFailure() *FailedTask {
	if len(e.Failed) == 0 {
		return nil
	}
	return &e.Failed[len(e.Failed)-1]
}

func (e *ExecutionContext) Elapsed() time.Duration {
	return time.Since(e.StartTime)
}

// RemainingBudget returns the unconsumed share of the time budget; zero
// when no budget is set.
func (e *ExecutionContext) RemainingBudget() time.Duration {
	if e.TimeBudget <= 0 {
		return 0
	}
	remaining := e.TimeBudget - e.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *ExecutionContext) touch() {
	e.LastUpdate = time.Now()
}

// -----------------------------------------------------------------------------
// Sanitised Snapshot
// -----------------------------------------------------------------------------

// Snapshot is a read-only, deep-copied projection of the execution context.
// It carries no references into live structures and is what monitors,
// generators and history records receive.
type Snapshot struct {
	ContextID      core.ID        `json:"context_id"`
	PlanID         string         `json:"plan_id"`
	Elapsed        time.Duration  `json:"elapsed"`
	CompletedIDs   []string       `json:"completed_ids"`
	PendingIDs     []string       `json:"pending_ids"`
	FailedIDs      []string       `json:"failed_ids"`
	SkippedIDs     []string       `json:"skipped_ids,omitempty"`
	DeferredIDs    []string       `json:"deferred_ids,omitempty"`
	Retries        int            `json:"retries"`
	MaxConcurrency int            `json:"max_concurrency"`
	TimeRemaining  time.Duration  `json:"time_remaining,omitempty"`
	LastError      *core.Error    `json:"last_error,omitempty"`
	PendingTasks   []*Task        `json:"pending_tasks,omitempty"`
	Vars           map[string]any `json:"vars,omitempty"`
}

func (e *ExecutionContext) Snapshot() *Snapshot {
	snap := &Snapshot{
		ContextID:      e.ContextID,
		PlanID:         e.PlanID,
		Elapsed:        e.Elapsed(),
		CompletedIDs:   make([]string, 0, len(e.Completed)),
		PendingIDs:     make([]string, 0, len(e.Pending)),
		FailedIDs:      make([]string, 0, len(e.Failed)),
		Retries:        e.Retries,
		MaxConcurrency: e.MaxConcurrency,
		TimeRemaining:  e.RemainingBudget(),
		Vars:           core.CopyMap(e.Vars),
	}
	for _, c := range e.Completed {
		snap.CompletedIDs = append(snap.CompletedIDs, c.Task.ID)
	}
	for _, t := range e.Pending {
		snap.PendingIDs = append(snap.PendingIDs, t.ID)
		snap.PendingTasks = append(snap.PendingTasks, t.Clone())
	}
	for _, f := range e.Failed {
		snap.FailedIDs = append(snap.FailedIDs, f.Task.ID)
	}
	for _, t := range e.Skipped {
		snap.SkippedIDs = append(snap.SkippedIDs, t.ID)
	}
	for _, t := range e.Deferred {
		snap.DeferredIDs = append(snap.DeferredIDs, t.ID)
	}
	if last := e.LastFailure(); last != nil && last.Error != nil {
		snap.LastError = core.MustDeepCopy(last.Error)
	}
	return snap
}
