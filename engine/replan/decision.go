package replan

import (
	"context"
	"time"

	"github.com/nahisaho/musubi-replan/engine/altgen"
	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/history"
	"github.com/nahisaho/musubi-replan/engine/monitor"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/events"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

// -----------------------------------------------------------------------------
// Trigger Handling
// -----------------------------------------------------------------------------

// handleTrigger is the replanning path: generate alternatives, resolve a
// decision (through review when required), record it, then apply it. The
// history record is written before the mutation so an apply-time abort is
// still auditable.
func (e *Engine) handleTrigger(
	ctx context.Context,
	trig *monitor.TriggerEvent,
	failed *plan.Task,
	failure *core.Error,
) {
	log := logger.FromContext(ctx)
	e.mu.Lock()
	snap := e.ectx.Snapshot()
	planID := e.plan.ID
	version := e.plan.Version
	e.mu.Unlock()

	alternatives := e.generator.Generate(ctx, failed, failure, snap)
	summaries := make([]altgen.Summary, len(alternatives))
	for i, alt := range alternatives {
		summaries[i] = alt.Summarize()
	}

	event := &history.Event{
		Version:         version,
		Trigger:         trig.Type,
		PlanID:          planID,
		FailedTask:      history.SummarizeTask(failed, failure),
		Alternatives:    summaries,
		ContextSnapshot: snap,
	}

	if len(alternatives) == 0 {
		event.Decision = core.DecisionAbort
		e.store.Record(ctx, event)
		log.Warn("no viable alternatives", "task_id", failed.ID, "trigger", trig.Type)
		e.abort(ctx, "no viable alternatives for task "+failed.ID)
		e.store.UpdateOutcome(ctx, event.ID, false, core.DecisionAbort)
		e.emitReplan(ctx, trig, core.DecisionAbort, failed.ID, "", version)
		return
	}

	selected, decision := e.resolve(ctx, trig, failed, alternatives)
	event.Decision = decision
	if selected != nil {
		summary := selected.Summarize()
		event.SelectedAlternative = &summary
	}
	e.store.Record(ctx, event)

	newVersion := e.apply(ctx, decision, failed, selected)
	e.store.UpdateOutcome(ctx, event.ID, decision != core.DecisionAbort, decision)

	selectedID := ""
	if selected != nil {
		selectedID = selected.ID
	}
	e.emitReplan(ctx, trig, decision, failed.ID, selectedID, newVersion)
}

func (e *Engine) emitReplan(
	ctx context.Context,
	trig *monitor.TriggerEvent,
	decision core.DecisionType,
	failedID, selectedID string,
	version int,
) {
	e.emit(ctx, events.EventReplan, map[string]any{
		"trigger":  string(trig.Type),
		"decision": string(decision),
		"task_id":  failedID,
		"selected": selectedID,
		"version":  version,
	})
}

// -----------------------------------------------------------------------------
// Decision Resolution
// -----------------------------------------------------------------------------

// resolve picks the top-ranked alternative and routes it through human
// review when the trigger or the confidence demands it.
func (e *Engine) resolve(
	ctx context.Context,
	trig *monitor.TriggerEvent,
	failed *plan.Task,
	alternatives []*altgen.Alternative,
) (*altgen.Alternative, core.DecisionType) {
	best := alternatives[0]
	needsReview := e.cfg.HumanInLoop.AlwaysApproveTrigger(trig.Type) ||
		(e.cfg.HumanInLoop.Enabled && best.Confidence < e.cfg.Alternatives.HumanApprovalThreshold)
	if !needsReview {
		return best, decisionFor(best)
	}
	return e.review(ctx, trig, failed, alternatives)
}

// review asks the registered handler to approve or reject. A missing
// handler or an expired timeout resolves to the configured fallback.
func (e *Engine) review(
	ctx context.Context,
	trig *monitor.TriggerEvent,
	failed *plan.Task,
	alternatives []*altgen.Alternative,
) (*altgen.Alternative, core.DecisionType) {
	log := logger.FromContext(ctx)
	best := alternatives[0]
	candidates := make([]Candidate, len(alternatives))
	for i, alt := range alternatives {
		candidates[i] = Candidate{ID: alt.ID, Description: alt.Description, Confidence: alt.Confidence}
	}
	request := &ReviewRequest{
		Trigger:      trig.Type,
		FailedTaskID: failed.ID,
		Recommended:  best.ID,
		Alternatives: candidates,
		respond:      make(chan reviewResponse, 1),
	}
	e.emit(ctx, events.EventReviewRequired, map[string]any{
		"trigger":      string(trig.Type),
		"task_id":      failed.ID,
		"recommended":  best.ID,
		"alternatives": len(candidates),
	})
	if e.reviewer == nil {
		log.Warn("review required but no handler registered", "task_id", failed.ID)
		return e.reviewFallback(alternatives)
	}
	go e.reviewer(request)

	timeout := e.cfg.HumanInLoop.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case response := <-request.respond:
		if !response.approved {
			return nil, core.DecisionAbort
		}
		for _, alt := range alternatives {
			if alt.ID == response.alternativeID {
				return alt, decisionFor(alt)
			}
		}
		return best, decisionFor(best)
	case <-timer.C:
		log.Warn("human review timed out",
			"task_id", failed.ID, "timeout", timeout, "fallback", string(e.cfg.HumanInLoop.DefaultOnTimeout))
		return e.reviewFallback(alternatives)
	case <-ctx.Done():
		return nil, core.DecisionAbort
	}
}

func (e *Engine) reviewFallback(alternatives []*altgen.Alternative) (*altgen.Alternative, core.DecisionType) {
	if e.cfg.HumanInLoop.DefaultOnTimeout == config.FallbackSkip {
		for _, alt := range alternatives {
			if alt.ID == altgen.SkipOptionID && alt.Source == core.SourceSystem {
				return alt, core.DecisionSkip
			}
		}
		return nil, core.DecisionSkip
	}
	return nil, core.DecisionAbort
}

// decisionFor maps a selected alternative to the decision taxonomy: the
// synthesized retry and skip options keep their own decisions, everything
// else replaces the failed task.
func decisionFor(alt *altgen.Alternative) core.DecisionType {
	switch {
	case alt.ID == altgen.RetryOptionID && alt.Source == core.SourceSystem:
		return core.DecisionRetry
	case alt.ID == altgen.SkipOptionID && alt.Source == core.SourceSystem:
		return core.DecisionSkip
	default:
		return core.DecisionReplace
	}
}

// -----------------------------------------------------------------------------
// Decision Application
// -----------------------------------------------------------------------------

// apply mutates the execution state for the decision and returns the plan
// version afterwards.
func (e *Engine) apply(
	ctx context.Context,
	decision core.DecisionType,
	failed *plan.Task,
	selected *altgen.Alternative,
) int {
	var snapshotReason string
	e.mu.Lock()
	switch decision {
	case core.DecisionRetry:
		retry := selected.Task
		retry.Status = core.TaskStatusRetrying
		retry.Attempts = failed.Attempts
		failed.Status = core.TaskStatusRetrying
		e.ectx.Unshift(retry)
		e.ectx.Retries++
	case core.DecisionReplace, core.DecisionInsert:
		replacement := selected.Task
		replacement.Status = core.TaskStatusQueued
		if decision == core.DecisionReplace {
			failed.Status = core.TaskStatusReplaced
			e.replaceInPlanLocked(failed.ID, replacement)
			snapshotReason = "task replaced"
		} else {
			e.plan.Tasks = append(e.plan.Tasks, replacement)
			snapshotReason = "task inserted"
		}
		e.plan.BumpVersion()
		e.ectx.Unshift(replacement)
	case core.DecisionSkip:
		e.ectx.MarkSkipped(failed)
	case core.DecisionDefer:
		e.ectx.MarkDeferred(failed)
	}
	version := e.plan.Version
	var planCopy *plan.Plan
	if snapshotReason != "" {
		planCopy = e.plan.Clone()
	}
	e.mu.Unlock()

	if planCopy != nil {
		e.store.Snapshot(planCopy, snapshotReason)
		e.emit(ctx, events.EventPlanModified, map[string]any{
			"reason":  snapshotReason,
			"version": version,
		})
	}
	switch decision {
	case core.DecisionSkip, core.DecisionDefer:
		e.tracker.OnTaskFailed(ctx, failed.ID, nil)
	case core.DecisionAbort:
		e.abort(ctx, "replanning decided to abort at task "+failed.ID)
	}
	return version
}

// replaceInPlanLocked swaps the failed task for its replacement in place
// and rewires downstream dependencies to the new task ID.
func (e *Engine) replaceInPlanLocked(failedID string, replacement *plan.Task) {
	if idx := e.plan.TaskIndex(failedID); idx >= 0 {
		e.plan.Tasks[idx] = replacement
	} else {
		e.plan.Tasks = append(e.plan.Tasks, replacement)
	}
	rewire := func(t *plan.Task) {
		for i, dep := range t.Dependencies {
			if dep == failedID {
				t.Dependencies[i] = replacement.ID
			}
		}
	}
	for _, t := range e.plan.Tasks {
		rewire(t)
	}
	for _, t := range e.ectx.Pending {
		rewire(t)
	}
}
