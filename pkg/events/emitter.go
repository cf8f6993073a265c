package events

import (
	"context"
	"sync"

	"github.com/nahisaho/musubi-replan/pkg/logger"
)

// -----------------------------------------------------------------------------
// Event Names
// -----------------------------------------------------------------------------

// Event names are fixed for cross-language parity with the wider musubi
// toolchain; do not rename.
const (
	EventReplan           = "replan"
	EventReviewRequired   = "replan:review-required"
	EventPlanModified     = "plan:modified"
	EventOptimization     = "optimization"
	EventGoalCompleted    = "goal:completed"
	EventGoalFailed       = "goal:failed"
	EventGoalStalled      = "goal:stalled"
	EventGoalSlowProgress = "goal:slow-progress"
	EventGoalAtRisk       = "goal:at-risk"
	EventProgressUpdated  = "progress:updated"
	EventTrackingStarted  = "tracking:started"
	EventTrackingStopped  = "tracking:stopped"
	EventAbort            = "abort"
	EventError            = "error"
)

// -----------------------------------------------------------------------------
// Emitter
// -----------------------------------------------------------------------------

// Event is a plain-data record delivered to subscribers. Payloads must not
// hold references into live engine structures.
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(ctx context.Context, event Event)

// Emitter is a process-local synchronous publish/subscribe hub. All fan-out
// happens inline; consumers are expected to be fast and non-blocking.
type Emitter struct {
	mu       sync.RWMutex
	prefix   string
	handlers map[string][]Handler
	anyOrder []Handler
}

func NewEmitter(prefix string) *Emitter {
	return &Emitter{
		prefix:   prefix,
		handlers: make(map[string][]Handler),
	}
}

// On subscribes a handler to a single event name (without prefix).
func (e *Emitter) On(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], h)
}

// OnAny subscribes a handler to every event.
func (e *Emitter) OnAny(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.anyOrder = append(e.anyOrder, h)
}

// Emit delivers the event to all matching handlers in subscription order.
// Handler panics are logged and swallowed so one bad consumer cannot stop
// the execution loop.
func (e *Emitter) Emit(ctx context.Context, name string, payload map[string]any) {
	e.mu.RLock()
	subs := append([]Handler(nil), e.handlers[name]...)
	subs = append(subs, e.anyOrder...)
	prefix := e.prefix
	e.mu.RUnlock()
	if payload == nil {
		payload = map[string]any{}
	}
	full := name
	if prefix != "" {
		full = prefix + name
	}
	event := Event{Name: full, Payload: payload}
	for _, h := range subs {
		e.dispatch(ctx, h, event)
	}
}

func (e *Emitter) dispatch(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	h(ctx, event)
}
