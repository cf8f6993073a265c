package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

// -----------------------------------------------------------------------------
// Trigger Events
// -----------------------------------------------------------------------------

// TriggerEvent signals that the current plan may need to change. Data is
// plain and sanitized; it never references live engine structures.
type TriggerEvent struct {
	Type      core.TriggerType `json:"type"`
	ContextID core.ID          `json:"context_id"`
	Timestamp time.Time        `json:"timestamp"`
	Data      map[string]any   `json:"data,omitempty"`
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
)

// TaskResult is the monitor's view of one task outcome.
type TaskResult struct {
	TaskID  string        `json:"task_id"`
	Status  ResultStatus  `json:"status"`
	Error   *core.Error   `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// TimerHandler receives wall-clock timeout triggers, which fire on a timer
// goroutine between dispatches. The engine drains them on its own loop.
type TimerHandler func(event TriggerEvent)

// -----------------------------------------------------------------------------
// Monitor
// -----------------------------------------------------------------------------

// Monitor classifies task outcomes into typed trigger events. At most one
// trigger is raised per reported result; checks run failure, then timeout,
// then unreachable.
type Monitor struct {
	cfg     *config.Config
	onTimer TimerHandler

	mu      sync.Mutex
	watched map[core.ID]*watchedContext
}

type watchedContext struct {
	contextID           core.ID
	vars                map[string]any
	consecutiveFailures int
	taskResults         map[string]TaskResult
	timer               *time.Timer
	armedAt             time.Time
}

func New(cfg *config.Config) *Monitor {
	return &Monitor{
		cfg:     cfg,
		watched: make(map[core.ID]*watchedContext),
	}
}

// OnTimeout registers the handler for wall-clock timeout triggers. Must be
// set before Watch if timer triggers are wanted.
func (m *Monitor) OnTimeout(h TimerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimer = h
}

// Watch begins monitoring an execution context and resets its counters.
// When a task timeout is configured and the timeout trigger is enabled, a
// wall-clock timer is armed that fires if no result arrives in the window.
func (m *Monitor) Watch(ctx context.Context, contextID core.ID, vars map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &watchedContext{
		contextID:   contextID,
		vars:        core.CopyMap(vars),
		taskResults: make(map[string]TaskResult),
	}
	m.watched[contextID] = w
	m.armTimerLocked(ctx, w)
	logger.FromContext(ctx).Debug("monitor watching context", "context_id", contextID)
}

// Unwatch releases all resources held for the context.
func (m *Monitor) Unwatch(contextID core.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watched[contextID]; ok {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(m.watched, contextID)
	}
}

// ReportResult records a task outcome, re-arms the timeout timer and
// returns at most one trigger event.
func (m *Monitor) ReportResult(ctx context.Context, contextID core.ID, result TaskResult) *TriggerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watched[contextID]
	if !ok {
		return nil
	}
	w.taskResults[result.TaskID] = result
	m.armTimerLocked(ctx, w)

	if result.Status == ResultSuccess {
		w.consecutiveFailures = 0
		return nil
	}
	if result.Status == ResultFailed {
		w.consecutiveFailures++
	}

	// Check order is fixed: failure, then timeout, then unreachable.
	if result.Status == ResultFailed &&
		m.cfg.TriggerEnabled(core.TriggerTaskFailure) &&
		w.consecutiveFailures >= m.cfg.Triggers.FailureThreshold {
		failures := w.consecutiveFailures
		w.consecutiveFailures = 0
		return m.newEvent(contextID, core.TriggerTaskFailure, map[string]any{
			"task_id":              result.TaskID,
			"error":                errorMessage(result.Error),
			"consecutive_failures": failures,
		})
	}
	if result.Status == ResultTimeout && m.cfg.TriggerEnabled(core.TriggerTimeout) {
		return m.newEvent(contextID, core.TriggerTimeout, map[string]any{
			"task_id": result.TaskID,
			"elapsed": result.Elapsed.Milliseconds(),
		})
	}
	if m.cfg.TriggerEnabled(core.TriggerGoalUnreachable) && m.matchesUnreachable(result.Error) {
		return m.newEvent(contextID, core.TriggerGoalUnreachable, map[string]any{
			"task_id": result.TaskID,
			"error":   errorMessage(result.Error),
		})
	}
	return nil
}

// ReportContextChange applies a delta to the stored context and emits a
// ContextChanged trigger when that kind is enabled.
func (m *Monitor) ReportContextChange(contextID core.ID, changes map[string]any) *TriggerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watched[contextID]
	if !ok {
		return nil
	}
	if w.vars == nil {
		w.vars = make(map[string]any)
	}
	for k, v := range changes {
		w.vars[k] = v
	}
	if !m.cfg.TriggerEnabled(core.TriggerContextChange) {
		return nil
	}
	return m.newEvent(contextID, core.TriggerContextChange, map[string]any{
		"changes": core.CopyMap(changes),
		"context": core.CopyMap(w.vars),
	})
}

// RequestReplan emits a HumanRequest trigger unconditionally.
func (m *Monitor) RequestReplan(contextID core.ID, reason string) *TriggerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newEvent(contextID, core.TriggerHumanRequest, map[string]any{
		"reason": reason,
	})
}

// ConsecutiveFailures reports the current failure streak for a context.
func (m *Monitor) ConsecutiveFailures(contextID core.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watched[contextID]; ok {
		return w.consecutiveFailures
	}
	return 0
}

func (m *Monitor) newEvent(contextID core.ID, kind core.TriggerType, data map[string]any) *TriggerEvent {
	return &TriggerEvent{
		Type:      kind,
		ContextID: contextID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func (m *Monitor) matchesUnreachable(taskErr *core.Error) bool {
	if taskErr == nil || taskErr.Message == "" {
		return false
	}
	message := strings.ToLower(taskErr.Message)
	for _, pattern := range m.cfg.Triggers.UnreachablePatterns {
		if strings.Contains(message, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// armTimerLocked (re)arms the wall-clock timeout timer. Timer failures are
// logged, never fatal.
func (m *Monitor) armTimerLocked(ctx context.Context, w *watchedContext) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	timeout := m.cfg.Triggers.TaskTimeout
	if timeout <= 0 || !m.cfg.TriggerEnabled(core.TriggerTimeout) || m.onTimer == nil {
		return
	}
	contextID := w.contextID
	armedAt := time.Now()
	w.armedAt = armedAt
	handler := m.onTimer
	w.timer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		current, ok := m.watched[contextID]
		stale := !ok || current.armedAt != armedAt
		m.mu.Unlock()
		if stale {
			return
		}
		logger.FromContext(ctx).Warn("task timeout timer fired", "context_id", contextID, "timeout", timeout)
		handler(TriggerEvent{
			Type:      core.TriggerTimeout,
			ContextID: contextID,
			Timestamp: time.Now(),
			Data: map[string]any{
				"elapsed": time.Since(armedAt).Milliseconds(),
				"source":  "wall_clock",
			},
		})
	})
}

func errorMessage(err *core.Error) string {
	if err == nil {
		return ""
	}
	return err.Message
}
