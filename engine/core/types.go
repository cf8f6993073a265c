package core

// -----------------------------------------------------------------------------
// Trigger Taxonomy
// -----------------------------------------------------------------------------

// TriggerType identifies why a replan was requested.
type TriggerType string

const (
	TriggerTaskFailure     TriggerType = "task_failure"
	TriggerTimeout         TriggerType = "timeout"
	TriggerGoalUnreachable TriggerType = "goal_unreachable"
	TriggerContextChange   TriggerType = "context_change"
	TriggerHumanRequest    TriggerType = "human_request"
)

func (t TriggerType) String() string {
	return string(t)
}

// KnownTriggers lists every valid trigger kind; config validation rejects
// anything outside this set.
func KnownTriggers() []TriggerType {
	return []TriggerType{
		TriggerTaskFailure,
		TriggerTimeout,
		TriggerGoalUnreachable,
		TriggerContextChange,
		TriggerHumanRequest,
	}
}

func IsKnownTrigger(t TriggerType) bool {
	for _, known := range KnownTriggers() {
		if t == known {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Decision Taxonomy
// -----------------------------------------------------------------------------

// DecisionType is the engine's resolution of a trigger.
type DecisionType string

const (
	DecisionRetry       DecisionType = "retry"
	DecisionReplace     DecisionType = "replace"
	DecisionInsert      DecisionType = "insert"
	DecisionSkip        DecisionType = "skip"
	DecisionDefer       DecisionType = "defer"
	DecisionAbort       DecisionType = "abort"
	DecisionHumanReview DecisionType = "human_review"
)

func (d DecisionType) String() string {
	return string(d)
}

// -----------------------------------------------------------------------------
// Task Status
// -----------------------------------------------------------------------------

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusDispatched TaskStatus = "DISPATCHED"
	TaskStatusSucceeded  TaskStatus = "SUCCEEDED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusRetrying   TaskStatus = "RETRYING"
	TaskStatusReplaced   TaskStatus = "REPLACED"
	TaskStatusSkipped    TaskStatus = "SKIPPED"
	TaskStatusDeferred   TaskStatus = "DEFERRED"
	TaskStatusAborted    TaskStatus = "ABORTED"
)

func (s TaskStatus) String() string {
	return string(s)
}

// -----------------------------------------------------------------------------
// Goal Status
// -----------------------------------------------------------------------------

type GoalStatus string

const (
	GoalStatusPending    GoalStatus = "pending"
	GoalStatusInProgress GoalStatus = "in-progress"
	GoalStatusCompleted  GoalStatus = "completed"
	GoalStatusFailed     GoalStatus = "failed"
	GoalStatusBlocked    GoalStatus = "blocked"
	GoalStatusDeferred   GoalStatus = "deferred"
	GoalStatusCancelled  GoalStatus = "cancelled"
	GoalStatusDecomposed GoalStatus = "decomposed"
)

func (s GoalStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the goal can no longer make progress on its
// own. A decomposed goal stays decomposed; its children carry the work.
func (s GoalStatus) IsTerminal() bool {
	switch s {
	case GoalStatusCompleted, GoalStatusFailed, GoalStatusCancelled:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Alternative Source
// -----------------------------------------------------------------------------

type AlternativeSource string

const (
	SourceLLM    AlternativeSource = "llm"
	SourceSystem AlternativeSource = "system"
)
