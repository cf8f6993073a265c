package replan

import (
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/evaluator"
)

// -----------------------------------------------------------------------------
// Execution Result
// -----------------------------------------------------------------------------

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Result is the final report of one ExecuteWithReplanning run.
type Result struct {
	Status      Status                `json:"status"`
	PlanID      string                `json:"plan_id"`
	PlanVersion int                   `json:"plan_version"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	Skipped     int                   `json:"skipped"`
	Deferred    int                   `json:"deferred"`
	Retries     int                   `json:"retries"`
	Duration    time.Duration         `json:"duration"`
	AbortReason string                `json:"abort_reason,omitempty"`
	Evaluation  *evaluator.Evaluation `json:"evaluation,omitempty"`
}

// ExecuteOptions tunes one run. Vars is handed to the execution context and
// the monitor; availableSkills, maxConcurrency and timeBudget are read from
// it by downstream components.
type ExecuteOptions struct {
	Vars       map[string]any
	TrackGoals bool
}

// -----------------------------------------------------------------------------
// Human Review
// -----------------------------------------------------------------------------

// ReviewRequest is handed to the registered review handler when a decision
// needs human approval. Exactly one of Approve or Reject should be called;
// later calls are ignored.
type ReviewRequest struct {
	Trigger      core.TriggerType `json:"trigger"`
	FailedTaskID string           `json:"failed_task_id"`
	Recommended  string           `json:"recommended"`
	Alternatives []Candidate      `json:"alternatives"`

	respond chan reviewResponse
}

// Candidate is the sanitized alternative view shown to reviewers.
type Candidate struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type reviewResponse struct {
	approved      bool
	alternativeID string
}

// Approve accepts the replan. An empty alternativeID selects the
// recommended alternative.
func (r *ReviewRequest) Approve(alternativeID string) {
	if alternativeID == "" {
		alternativeID = r.Recommended
	}
	select {
	case r.respond <- reviewResponse{approved: true, alternativeID: alternativeID}:
	default:
	}
}

// Reject declines the replan; execution aborts.
func (r *ReviewRequest) Reject() {
	select {
	case r.respond <- reviewResponse{}:
	default:
	}
}

// ReviewHandler receives review requests. It may block; the engine enforces
// the configured review timeout on its side.
type ReviewHandler func(req *ReviewRequest)
