package plan

import (
	"time"

	"dario.cat/mergo"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// -----------------------------------------------------------------------------
// Task
// -----------------------------------------------------------------------------

// Task is one unit of work in a plan. IDs are immutable across plan
// versions; a replan introduces new tasks that point back through
// OriginalTaskID.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Skill        string         `json:"skill"`
	Goal         string         `json:"goal,omitempty"`
	Description  string         `json:"description,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Retryable         *bool         `json:"retryable,omitempty"`
	Attempts          int           `json:"attempts"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	LastAttemptTime   *time.Time    `json:"last_attempt_time,omitempty"`

	// OriginalTaskID links a replan-introduced task back to the task it
	// replaces; RetryOf marks the synthesized retry option.
	OriginalTaskID string `json:"original_task_id,omitempty"`
	RetryOf        string `json:"retry_of,omitempty"`

	// ParallelGroup > 0 marks tasks the optimizer grouped into the same
	// dispatch layer; 0 means strictly sequential.
	ParallelGroup int `json:"parallel_group,omitempty"`

	Status core.TaskStatus `json:"status,omitempty"`
}

// IsRetryable treats an unset flag as retryable.
func (t *Task) IsRetryable() bool {
	return t.Retryable == nil || *t.Retryable
}

func (t *Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	return core.MustDeepCopy(t)
}

// ApplyPatch merges non-zero patch fields over the task in place.
func (t *Task) ApplyPatch(patch *Task) error {
	if patch == nil {
		return nil
	}
	return mergo.Merge(t, patch, mergo.WithOverride)
}

// -----------------------------------------------------------------------------
// Task Outcomes
// -----------------------------------------------------------------------------

type CompletedTask struct {
	Task        *Task          `json:"task"`
	Output      map[string]any `json:"output,omitempty"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
}

type FailedTask struct {
	Task     *Task       `json:"task"`
	Error    *core.Error `json:"error,omitempty"`
	FailedAt time.Time   `json:"failed_at"`
}
