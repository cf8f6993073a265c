package history

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/nahisaho/musubi-replan/engine/altgen"
	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/pkg/config"
)

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// TaskSummary is the reduced failed-task form kept in history records.
type TaskSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Skill    string `json:"skill,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func SummarizeTask(t *plan.Task, taskErr *core.Error) *TaskSummary {
	if t == nil {
		return nil
	}
	summary := &TaskSummary{ID: t.ID, Name: t.Name, Skill: t.Skill, Attempts: t.Attempts}
	if taskErr != nil {
		summary.Error = taskErr.Message
	}
	return summary
}

// Outcome records how a trigger was resolved. Applied is filled in after
// the decision takes effect, so an abort still appears in the log.
type Outcome struct {
	Success bool              `json:"success"`
	Applied core.DecisionType `json:"applied,omitempty"`
}

// Event is one append-only replanning record. Everything in it is plain
// data; sanitization happens before the record reaches the store.
type Event struct {
	ID                  core.ID           `json:"id"`
	Timestamp           time.Time         `json:"timestamp"`
	Version             int               `json:"version"`
	Trigger             core.TriggerType  `json:"trigger"`
	Decision            core.DecisionType `json:"decision"`
	PlanID              string            `json:"plan_id"`
	FailedTask          *TaskSummary      `json:"failed_task,omitempty"`
	Alternatives        []altgen.Summary  `json:"alternatives,omitempty"`
	SelectedAlternative *altgen.Summary   `json:"selected_alternative,omitempty"`
	Outcome             Outcome           `json:"outcome"`
	ContextSnapshot     *plan.Snapshot    `json:"context_snapshot,omitempty"`
}

// PlanSnapshot is a deep copy of a plan at a structural moment.
type PlanSnapshot struct {
	Plan      *plan.Plan `json:"plan"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason"`
	Version   int        `json:"version"`
}

// Metrics are incrementally maintained aggregates over the event log.
type Metrics struct {
	TotalEvents int            `json:"total_events"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	ByTrigger   map[string]int `json:"by_trigger"`
	ByDecision  map[string]int `json:"by_decision"`
	SuccessRate float64        `json:"success_rate"`
}

func newMetrics() Metrics {
	return Metrics{
		ByTrigger:  make(map[string]int),
		ByDecision: make(map[string]int),
	}
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store owns event and snapshot storage; nothing else mutates it.
type Store struct {
	cfg config.HistoryConfig
	fs  afero.Fs

	mu        sync.Mutex
	events    []*Event
	snapshots map[string][]*PlanSnapshot
	metrics   Metrics

	persistWG sync.WaitGroup
}

func NewStore(cfg config.HistoryConfig, fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{
		cfg:       cfg,
		fs:        fs,
		snapshots: make(map[string][]*PlanSnapshot),
		metrics:   newMetrics(),
	}
}

// Record appends an event, evicting the oldest past MaxEvents, and kicks a
// best-effort persist.
func (s *Store) Record(ctx context.Context, event *Event) *Event {
	if !s.cfg.IsEnabled() {
		return event
	}
	if event.ID.IsZero() {
		event.ID = core.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	if s.cfg.MaxEvents > 0 && len(s.events) > s.cfg.MaxEvents {
		s.events = s.events[len(s.events)-s.cfg.MaxEvents:]
	}
	s.applyMetricsLocked(event)
	s.mu.Unlock()
	s.persistAsync(ctx)
	return event
}

// UpdateOutcome sets the applied decision on an already-recorded event.
// Events are recorded before their decision takes effect, so the success
// and failure aggregates move with the outcome.
func (s *Store) UpdateOutcome(ctx context.Context, eventID core.ID, success bool, applied core.DecisionType) {
	s.mu.Lock()
	for _, event := range s.events {
		if event.ID == eventID {
			if event.Outcome.Success != success {
				if success {
					s.metrics.Successes++
					s.metrics.Failures--
				} else {
					s.metrics.Successes--
					s.metrics.Failures++
				}
				s.metrics.SuccessRate = float64(s.metrics.Successes) / float64(s.metrics.TotalEvents)
			}
			event.Outcome = Outcome{Success: success, Applied: applied}
			break
		}
	}
	s.mu.Unlock()
	s.persistAsync(ctx)
}

// Snapshot stores a deep copy of the plan tagged with a reason.
func (s *Store) Snapshot(p *plan.Plan, reason string) {
	if !s.cfg.IsEnabled() || p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[p.ID] = append(s.snapshots[p.ID], &PlanSnapshot{
		Plan:      p.Clone(),
		Timestamp: time.Now(),
		Reason:    reason,
		Version:   p.Version,
	})
}

// Filter narrows event queries.
type Filter struct {
	PlanID   string
	Trigger  core.TriggerType
	Decision core.DecisionType
}

// Events returns matching events in record order.
func (s *Store) Events(filter *Filter) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, event := range s.events {
		if filter != nil {
			if filter.PlanID != "" && event.PlanID != filter.PlanID {
				continue
			}
			if filter.Trigger != "" && event.Trigger != filter.Trigger {
				continue
			}
			if filter.Decision != "" && event.Decision != filter.Decision {
				continue
			}
		}
		out = append(out, event)
	}
	return out
}

// Snapshots returns the retained snapshots for a plan.
func (s *Store) Snapshots(planID string) []*PlanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*PlanSnapshot(nil), s.snapshots[planID]...)
}

func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.ByTrigger = copyCounts(s.metrics.ByTrigger)
	m.ByDecision = copyCounts(s.metrics.ByDecision)
	return m
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *Store) applyMetricsLocked(event *Event) {
	s.metrics.TotalEvents++
	if event.Outcome.Success {
		s.metrics.Successes++
	} else {
		s.metrics.Failures++
	}
	s.metrics.ByTrigger[event.Trigger.String()]++
	s.metrics.ByDecision[event.Decision.String()]++
	s.metrics.SuccessRate = float64(s.metrics.Successes) / float64(s.metrics.TotalEvents)
}

// recomputeMetricsLocked rebuilds aggregates after an import.
func (s *Store) recomputeMetricsLocked() {
	s.metrics = newMetrics()
	for _, event := range s.events {
		s.applyMetricsLocked(event)
	}
	if s.metrics.TotalEvents == 0 {
		s.metrics.SuccessRate = 0
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
