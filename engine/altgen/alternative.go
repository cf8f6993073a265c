package altgen

import (
	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/plan"
)

// RetryOptionID marks the synthesized retry alternative.
const RetryOptionID = "retry"

// SkipOptionID marks a system alternative that drops the failed task.
const SkipOptionID = "skip"

// -----------------------------------------------------------------------------
// Alternative
// -----------------------------------------------------------------------------

// ConfidenceBreakdown records the inputs of the blended confidence score.
type ConfidenceBreakdown struct {
	LLM        float64 `json:"llm"`
	History    float64 `json:"history"`
	Resource   float64 `json:"resource"`
	Complexity float64 `json:"complexity"`
}

// Alternative is a candidate replacement for a failed task, produced by the
// language model or synthesized by the system.
type Alternative struct {
	ID            string                 `json:"id"`
	Description   string                 `json:"description"`
	Task          *plan.Task             `json:"task"`
	Confidence    float64                `json:"confidence"`
	LLMConfidence float64                `json:"llm_confidence"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Risks         []string               `json:"risks,omitempty"`
	Source        core.AlternativeSource `json:"source"`
	Breakdown     ConfidenceBreakdown    `json:"confidence_breakdown"`
}

// Summary is the reduced form stored in history records.
type Summary struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

func (a *Alternative) Summarize() Summary {
	return Summary{ID: a.ID, Description: a.Description, Confidence: a.Confidence}
}
