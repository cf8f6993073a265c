package evaluator

import (
	"strings"
	"sync"
	"time"

	"github.com/nahisaho/musubi-replan/engine/plan"
)

const (
	skillWindow     = 50
	remainingSample = 5
	baseEffortUnit  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Reports
// -----------------------------------------------------------------------------

type HealthBucket string

const (
	HealthHealthy  HealthBucket = "healthy"
	HealthGood     HealthBucket = "good"
	HealthDegraded HealthBucket = "degraded"
	HealthCritical HealthBucket = "critical"
	HealthFailed   HealthBucket = "failed"
)

// Evaluation quantifies the health of an in-flight plan.
type Evaluation struct {
	Progress       float64       `json:"progress"` // percent
	TasksPerMinute float64       `json:"tasks_per_minute"`
	AvgDuration    time.Duration `json:"avg_duration"`
	RetryRatio     float64       `json:"retry_ratio"`
	FailureRate    float64       `json:"failure_rate"`
	Remaining      Remaining     `json:"remaining"`
	HealthScore    float64       `json:"health_score"`
	Health         HealthBucket  `json:"health"`
}

type Remaining struct {
	Time       time.Duration `json:"time"`
	Confidence float64       `json:"confidence"`
}

// -----------------------------------------------------------------------------
// Evaluator
// -----------------------------------------------------------------------------

// Evaluator scores plan progress and compares candidate paths. It is pure
// except for its bounded per-skill performance history.
type Evaluator struct {
	mu     sync.Mutex
	skills map[string]*skillHistory
}

type skillHistory struct {
	durations []time.Duration
	successes int
	total     int
}

func New() *Evaluator {
	return &Evaluator{skills: make(map[string]*skillHistory)}
}

// Evaluate computes progress, efficiency and health for the snapshot.
func (e *Evaluator) Evaluate(snap *plan.Snapshot) *Evaluation {
	completed := len(snap.CompletedIDs)
	failed := len(snap.FailedIDs)
	pending := len(snap.PendingIDs)
	total := completed + failed + pending

	result := &Evaluation{Progress: 100}
	if total > 0 {
		result.Progress = float64(completed) / float64(total) * 100
	}
	elapsedMinutes := snap.Elapsed.Minutes()
	if elapsedMinutes > 0 {
		result.TasksPerMinute = float64(completed) / elapsedMinutes
	}
	if completed > 0 {
		result.RetryRatio = float64(snap.Retries) / float64(completed)
	}
	attempted := completed + failed
	if attempted > 0 {
		result.FailureRate = float64(failed) / float64(attempted)
	}
	result.HealthScore = healthScore(result.Progress/100, result.TasksPerMinute, result.FailureRate)
	result.Health = bucket(result.HealthScore)
	return result
}

// EvaluateWithDurations folds observed task durations into the efficiency
// and remaining-effort estimates.
func (e *Evaluator) EvaluateWithDurations(snap *plan.Snapshot, durations []time.Duration) *Evaluation {
	result := e.Evaluate(snap)
	if len(durations) == 0 {
		return result
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(len(durations))
	result.AvgDuration = avg
	if avg > 0 {
		result.Remaining.Time = avg * time.Duration(len(snap.PendingIDs))
		confidence := float64(len(durations)) / remainingSample
		if confidence > 1 {
			confidence = 1
		}
		result.Remaining.Confidence = confidence
	}
	return result
}

func healthScore(progress, tasksPerMinute, failureRate float64) float64 {
	throughput := tasksPerMinute / 2
	if throughput > 1 {
		throughput = 1
	}
	failurePenalty := 5 * failureRate
	if failurePenalty > 1 {
		failurePenalty = 1
	}
	return 0.3*progress + 0.3*throughput + 0.4*(1-failurePenalty)
}

func bucket(score float64) HealthBucket {
	switch {
	case score >= 0.8:
		return HealthHealthy
	case score >= 0.6:
		return HealthGood
	case score >= 0.4:
		return HealthDegraded
	case score >= 0.2:
		return HealthCritical
	default:
		return HealthFailed
	}
}

// -----------------------------------------------------------------------------
// Learning
// -----------------------------------------------------------------------------

// RecordExecution folds one task outcome into the skill history. The
// duration window is capped so memory never grows unbounded.
func (e *Evaluator) RecordExecution(skill string, success bool, duration time.Duration) {
	if skill == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.skills[skill]
	if !ok {
		h = &skillHistory{}
		e.skills[skill] = h
	}
	h.total++
	if success {
		h.successes++
	}
	if duration > 0 {
		h.durations = append(h.durations, duration)
		if len(h.durations) > skillWindow {
			h.durations = h.durations[len(h.durations)-skillWindow:]
		}
	}
}

// SkillSuccessRate returns the historical success rate for a skill, with a
// neutral 0.5 prior when nothing has been observed.
func (e *Evaluator) SkillSuccessRate(skill string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.skills[skill]
	if !ok || h.total == 0 {
		return 0.5
	}
	return float64(h.successes) / float64(h.total)
}

// SkillAvgDuration returns the mean observed duration for a skill, zero when
// unknown.
func (e *Evaluator) SkillAvgDuration(skill string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.skills[skill]
	if !ok || len(h.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range h.durations {
		sum += d
	}
	return sum / time.Duration(len(h.durations))
}

// -----------------------------------------------------------------------------
// Task Effort
// -----------------------------------------------------------------------------

// EstimateTaskEffort prefers the historical average for the task's skill and
// falls back to a complexity heuristic.
func (e *Evaluator) EstimateTaskEffort(t *plan.Task) time.Duration {
	if avg := e.SkillAvgDuration(t.Skill); avg > 0 {
		return avg
	}
	complexity := 1.0
	complexity += 0.5 * float64(len(t.Dependencies))
	if len(t.Parameters) > 1 {
		complexity += 0.5
	}
	name := strings.ToLower(t.Name)
	if strings.Contains(name, "analysis") || strings.Contains(name, "generate") {
		complexity += 1
	}
	if !t.IsRetryable() {
		complexity += 0.5
	}
	return time.Duration(complexity * float64(baseEffortUnit))
}
