package replan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/nahisaho/musubi-replan/engine/altgen"
	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/evaluator"
	"github.com/nahisaho/musubi-replan/engine/executor"
	"github.com/nahisaho/musubi-replan/engine/goal"
	"github.com/nahisaho/musubi-replan/engine/history"
	"github.com/nahisaho/musubi-replan/engine/llm"
	"github.com/nahisaho/musubi-replan/engine/monitor"
	"github.com/nahisaho/musubi-replan/engine/optimizer"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/events"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

const triggerQueueSize = 16

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine executes a plan task by task and adapts it when triggers fire. It
// owns the execution context exclusively; collaborators only ever see
// sanitized snapshots. One engine runs one plan at a time.
type Engine struct {
	cfg       *config.Config
	executor  executor.Executor
	client    llm.Client
	emitter   *events.Emitter
	monitor   *monitor.Monitor
	evaluator *evaluator.Evaluator
	generator *altgen.Generator
	tracker   *goal.Tracker
	optimizer *optimizer.Optimizer
	store     *history.Store

	trackerCfg goal.Config
	reviewer   ReviewHandler

	mu          sync.Mutex
	plan        *plan.Plan
	ectx        *plan.ExecutionContext
	isExecuting bool
	durations   []time.Duration

	aborted     atomic.Bool
	abortReason string

	// Wall-clock timer triggers and external replan requests land here and
	// are drained by the run loop between dispatches.
	triggers chan *monitor.TriggerEvent
}

type Option func(*Engine)

// WithFilesystem swaps the history persistence filesystem, typically for an
// in-memory one in tests.
func WithFilesystem(fs afero.Fs) Option {
	return func(e *Engine) {
		e.store = history.NewStore(e.cfg.History, fs)
	}
}

func WithTrackerConfig(cfg goal.Config) Option {
	return func(e *Engine) { e.trackerCfg = cfg }
}

// WithReviewHandler registers the human review callback. Without one,
// decisions that need approval fall back to the configured timeout default.
func WithReviewHandler(h ReviewHandler) Option {
	return func(e *Engine) { e.reviewer = h }
}

// New merges the user configuration over the defaults, validates it and
// wires the component graph. The executor is required; the language model
// client may be nil, degrading generation to system alternatives only.
func New(userCfg *config.Config, exec executor.Executor, client llm.Client, opts ...Option) (*Engine, error) {
	if exec == nil {
		return nil, core.NewError(fmt.Errorf("executor is required"), core.ErrCodeUsage, nil)
	}
	cfg, err := config.Merge(userCfg)
	if err != nil {
		return nil, err
	}
	eval := evaluator.New()
	e := &Engine{
		cfg:        cfg,
		executor:   exec,
		client:     client,
		emitter:    events.NewEmitter(cfg.Integration.EventPrefix),
		monitor:    monitor.New(cfg),
		evaluator:  eval,
		generator:  altgen.New(cfg, client, eval),
		optimizer:  optimizer.New(cfg, client),
		store:      history.NewStore(cfg.History, nil),
		trackerCfg: goal.DefaultConfig(),
		triggers:   make(chan *monitor.TriggerEvent, triggerQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracker = goal.NewTracker(e.trackerCfg, e.emitter)
	e.monitor.OnTimeout(func(event monitor.TriggerEvent) {
		e.enqueueTrigger(&event)
	})
	return e, nil
}

// On subscribes a handler to engine events.
func (e *Engine) On(name string, h events.Handler) {
	e.emitter.On(name, h)
}

// Tracker exposes the goal tracker for registering custom goal hierarchies
// before execution.
func (e *Engine) Tracker() *goal.Tracker {
	return e.tracker
}

// IsLLMAvailable probes the language model client.
func (e *Engine) IsLLMAvailable(ctx context.Context) bool {
	return e.client != nil && e.client.IsAvailable(ctx)
}

// -----------------------------------------------------------------------------
// Execution Loop
// -----------------------------------------------------------------------------

// ExecuteWithReplanning runs the plan to completion, adapting it whenever a
// trigger fires. It blocks until the plan drains, the run aborts or the
// context is canceled.
func (e *Engine) ExecuteWithReplanning(ctx context.Context, p *plan.Plan, opts *ExecuteOptions) (*Result, error) {
	if p == nil {
		return nil, core.NewError(fmt.Errorf("plan is required"), core.ErrCodeUsage, nil)
	}
	if err := p.Validate(); err != nil {
		return nil, core.NewError(err, core.ErrCodeUsage, map[string]any{"plan_id": p.ID})
	}
	if opts == nil {
		opts = &ExecuteOptions{}
	}

	e.mu.Lock()
	if e.isExecuting {
		e.mu.Unlock()
		return nil, core.NewError(fmt.Errorf("engine is already executing a plan"), core.ErrCodeUsage, nil)
	}
	e.plan = p
	e.ectx = plan.NewExecutionContext(p, opts.Vars)
	e.isExecuting = true
	e.durations = nil
	contextID := e.ectx.ContextID
	e.mu.Unlock()
	e.aborted.Store(false)
	e.abortReason = ""

	log := logger.FromContext(ctx)
	log.Info("execution started", "plan_id", p.ID, "tasks", len(p.Tasks), "context_id", contextID)

	if e.cfg.ReplanningEnabled() {
		e.monitor.Watch(ctx, contextID, opts.Vars)
	}
	if _, err := e.tracker.RegisterGoalsFromPlan(p); err != nil {
		log.Warn("goal registration failed", "plan_id", p.ID, "error", err)
	}
	if opts.TrackGoals {
		e.tracker.StartTracking(ctx)
	}
	defer func() {
		if opts.TrackGoals {
			e.tracker.StopTracking(ctx)
		}
		e.monitor.Unwatch(contextID)
		e.mu.Lock()
		e.isExecuting = false
		e.mu.Unlock()
		e.store.Flush()
	}()

	for {
		if e.stopRequested(ctx) {
			break
		}
		e.drainTriggers(ctx)
		if e.stopRequested(ctx) {
			break
		}
		e.mu.Lock()
		task := e.ectx.NextPending()
		e.mu.Unlock()
		if task == nil {
			break
		}
		e.dispatch(ctx, task)
	}

	result := e.buildResult()
	log.Info("execution finished",
		"plan_id", p.ID, "status", result.Status,
		"completed", result.Completed, "failed", result.Failed, "retries", result.Retries)
	return result, nil
}

func (e *Engine) stopRequested(ctx context.Context) bool {
	if e.aborted.Load() {
		return true
	}
	if ctx.Err() != nil {
		e.abort(ctx, "context canceled")
		return true
	}
	return false
}

// drainTriggers handles queued wall-clock and externally requested triggers
// without blocking.
func (e *Engine) drainTriggers(ctx context.Context) {
	for {
		select {
		case trig := <-e.triggers:
			e.handleDeferredTrigger(ctx, trig)
		default:
			return
		}
	}
}

// enqueueTrigger parks a trigger for the run loop. When the queue is full
// the trigger is dropped; queued triggers already signal the same condition.
func (e *Engine) enqueueTrigger(event *monitor.TriggerEvent) {
	select {
	case e.triggers <- event:
	default:
	}
}

// dispatch runs one task through the executor and routes the outcome.
func (e *Engine) dispatch(ctx context.Context, task *plan.Task) {
	now := time.Now()
	e.mu.Lock()
	task.Attempts++
	task.Status = core.TaskStatusDispatched
	task.LastAttemptTime = &now
	if task.StartTime == nil {
		task.StartTime = &now
	}
	e.mu.Unlock()

	result := executor.SafeExecute(ctx, e.executor, task, executor.Options{
		Timeout: e.cfg.Triggers.TaskTimeout,
	})
	if result.Success {
		e.handleSuccess(ctx, task, result)
		return
	}
	e.handleFailure(ctx, task, result)
}

func (e *Engine) handleSuccess(ctx context.Context, task *plan.Task, result *executor.Result) {
	e.mu.Lock()
	e.ectx.MarkCompleted(task, result.Output, result.Duration)
	e.durations = append(e.durations, result.Duration)
	contextID := e.ectx.ContextID
	e.mu.Unlock()

	e.evaluator.RecordExecution(task.Skill, true, result.Duration)
	e.optimizer.RecordExecution(task.Skill, true, result.Duration)
	if e.cfg.ReplanningEnabled() {
		e.monitor.ReportResult(ctx, contextID, monitor.TaskResult{
			TaskID:  task.ID,
			Status:  monitor.ResultSuccess,
			Elapsed: result.Duration,
		})
	}
	e.tracker.OnTaskComplete(ctx, task.ID)
	e.maybeOptimize(ctx)
}

func (e *Engine) handleFailure(ctx context.Context, task *plan.Task, result *executor.Result) {
	log := logger.FromContext(ctx)
	taskErr := result.Error
	if taskErr == nil {
		taskErr = core.NewError(fmt.Errorf("task failed"), core.ErrCodeTaskExecution, nil)
	}
	status := monitor.ResultFailed
	if result.TimedOut {
		status = monitor.ResultTimeout
		if taskErr.Code == "" || taskErr.Code == core.ErrCodeTaskExecution {
			taskErr.Code = core.ErrCodeTaskTimeout
		}
	}

	e.mu.Lock()
	e.ectx.MarkFailed(task, taskErr)
	contextID := e.ectx.ContextID
	e.mu.Unlock()
	log.Warn("task failed", "task_id", task.ID, "attempt", task.Attempts, "error", taskErr.Message)
	e.emit(ctx, events.EventError, map[string]any{
		"task_id": task.ID,
		"attempt": task.Attempts,
		"code":    taskErr.Code,
		"message": taskErr.Message,
	})

	e.evaluator.RecordExecution(task.Skill, false, result.Duration)
	e.optimizer.RecordExecution(task.Skill, false, result.Duration)

	if !e.cfg.ReplanningEnabled() {
		e.tracker.OnTaskFailed(ctx, task.ID, taskErr)
		return
	}
	trigger := e.monitor.ReportResult(ctx, contextID, monitor.TaskResult{
		TaskID:  task.ID,
		Status:  status,
		Error:   taskErr,
		Elapsed: result.Duration,
	})
	if trigger != nil {
		e.handleTrigger(ctx, trigger, task, taskErr)
		return
	}

	// Below the failure threshold the task is requeued as-is; the streak in
	// the monitor keeps counting toward a trigger.
	if task.IsRetryable() && task.Attempts < e.cfg.Triggers.FailureThreshold {
		e.mu.Lock()
		task.Status = core.TaskStatusRetrying
		e.ectx.Unshift(task)
		e.ectx.Retries++
		e.mu.Unlock()
		return
	}
	e.tracker.OnTaskFailed(ctx, task.ID, taskErr)
}

// handleDeferredTrigger resolves the task a queued trigger refers to. Timer
// triggers carry no task, so the head of the pending queue stands in.
func (e *Engine) handleDeferredTrigger(ctx context.Context, trig *monitor.TriggerEvent) {
	e.mu.Lock()
	var target *plan.Task
	var targetErr *core.Error
	if len(e.ectx.Pending) > 0 {
		// The head is pulled out of the queue; the decision puts its
		// replacement (or the task itself) back.
		target = e.ectx.Pending[0]
		e.ectx.Pending = e.ectx.Pending[1:]
	} else if last := e.ectx.LastFailure(); last != nil {
		target = last.Task
		targetErr = last.Error
	}
	e.mu.Unlock()
	if target == nil {
		return
	}
	if targetErr == nil {
		targetErr = core.NewError(
			fmt.Errorf("trigger %s raised for task %s", trig.Type, target.ID),
			core.ErrCodeTaskTimeout, nil,
		)
	}
	e.handleTrigger(ctx, trig, target, targetErr)
}

// -----------------------------------------------------------------------------
// Optimization
// -----------------------------------------------------------------------------

// maybeOptimize gives the optimizer a look at the pending queue and applies
// a returned valid optimization between dispatches.
func (e *Engine) maybeOptimize(ctx context.Context) {
	if !e.cfg.ReplanningEnabled() || !e.cfg.Optimizer.IsEnabled() {
		return
	}
	e.mu.Lock()
	snap := e.ectx.Snapshot()
	e.mu.Unlock()

	opt := e.optimizer.OnTaskSuccess(ctx, snap)
	if opt == nil {
		return
	}
	if !opt.Valid {
		logger.FromContext(ctx).Debug("optimization rejected", "reason", opt.Reason)
		return
	}
	if !e.applyOptimization(opt) {
		return
	}
	e.optimizer.RecordApplied(opt)
	e.mu.Lock()
	snapshot := e.plan.Clone()
	version := e.plan.Version
	e.mu.Unlock()
	e.store.Snapshot(snapshot, "optimization applied")
	e.emit(ctx, events.EventOptimization, map[string]any{
		"type":        string(opt.Opportunity.Type),
		"description": opt.Opportunity.Description,
		"improvement": opt.Opportunity.EstimatedImprovement,
		"version":     version,
	})
}

// applyOptimization reorders the pending queue and assigns parallel groups.
// The queue is re-verified against the proposal; a mismatch (a concurrent
// mutation landed in between) drops the optimization.
func (e *Engine) applyOptimization(opt *optimizer.Optimization) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := opt.Opportunity
	if len(op.NewOrderIDs) > 0 {
		if len(op.NewOrderIDs) != len(e.ectx.Pending) {
			return false
		}
		byID := make(map[string]*plan.Task, len(e.ectx.Pending))
		for _, t := range e.ectx.Pending {
			byID[t.ID] = t
		}
		reordered := make([]*plan.Task, 0, len(op.NewOrderIDs))
		for _, id := range op.NewOrderIDs {
			t, ok := byID[id]
			if !ok {
				return false
			}
			reordered = append(reordered, t)
		}
		e.ectx.Pending = reordered
	}
	for id, group := range op.ParallelGroups {
		if t := e.plan.FindTask(id); t != nil {
			t.ParallelGroup = group
		}
	}
	e.plan.BumpVersion()
	return true
}

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

func (e *Engine) buildResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := &Result{
		PlanID:      e.plan.ID,
		PlanVersion: e.plan.Version,
		Completed:   len(e.ectx.Completed),
		Skipped:     len(e.ectx.Skipped),
		Deferred:    len(e.ectx.Deferred),
		Retries:     e.ectx.Retries,
		Duration:    e.ectx.Elapsed(),
		AbortReason: e.abortReason,
	}
	// A retried or replaced task shows up in the failed list with a
	// non-terminal status; only tasks whose latest entry stayed failed count.
	finalStatus := make(map[string]core.TaskStatus)
	for _, f := range e.ectx.Failed {
		finalStatus[f.Task.ID] = f.Task.Status
	}
	for _, status := range finalStatus {
		if status == core.TaskStatusFailed {
			result.Failed++
		}
	}
	result.Evaluation = e.evaluator.EvaluateWithDurations(e.ectx.Snapshot(), e.durations)
	switch {
	case e.aborted.Load():
		result.Status = StatusAborted
	case result.Failed == 0 && result.Skipped == 0 && result.Deferred == 0 && len(e.ectx.Pending) == 0:
		result.Status = StatusSuccess
	case result.Completed > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailed
	}
	return result
}

func (e *Engine) emit(ctx context.Context, name string, payload map[string]any) {
	if !e.cfg.Integration.EmitEvents {
		return
	}
	e.emitter.Emit(ctx, name, payload)
}

func (e *Engine) abort(ctx context.Context, reason string) {
	if e.aborted.Swap(true) {
		return
	}
	e.mu.Lock()
	e.abortReason = reason
	e.mu.Unlock()
	e.emit(ctx, events.EventAbort, map[string]any{"reason": reason})
}
