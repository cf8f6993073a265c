package goal

import (
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// -----------------------------------------------------------------------------
// Goal Model
// -----------------------------------------------------------------------------

type Type string

const (
	TypeCompletion Type = "completion"
	TypeMetric     Type = "metric"
	TypeMilestone  Type = "milestone"
)

// Goal is a target of execution with progress in [0,1]. Sub-goals are owned
// by value (tree ownership); cross-references use IDs only.
type Goal struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         Type            `json:"type"`
	Target       *float64        `json:"target,omitempty"`
	Priority     int             `json:"priority"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	SubGoals     []*Goal         `json:"sub_goals,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Progress     float64         `json:"progress"`
	Status       core.GoalStatus `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Weight is the priority used for weighted means; priority 0 counts as 1.
func (g *Goal) Weight() float64 {
	if g.Priority <= 0 {
		return 1
	}
	return float64(g.Priority)
}

func (g *Goal) IsComposite() bool {
	return len(g.SubGoals) > 0
}

// ProgressSnapshot is one observation of a goal's progress, ring-buffered
// per goal for rate estimation.
type ProgressSnapshot struct {
	GoalID    string    `json:"goal_id"`
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Prediction is the tracker's completion forecast for a goal.
type Prediction struct {
	WillComplete        bool          `json:"will_complete"`
	PredictedCompletion *time.Time    `json:"predicted_completion,omitempty"`
	ETA                 time.Duration `json:"eta,omitempty"`
	Confidence          float64       `json:"confidence"`
}
