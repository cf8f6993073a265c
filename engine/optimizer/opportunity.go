package optimizer

// -----------------------------------------------------------------------------
// Opportunities
// -----------------------------------------------------------------------------

type OpportunityType string

const (
	OpportunityParallelize OpportunityType = "parallelize"
	OpportunityMerge       OpportunityType = "merge"
	OpportunityReorder     OpportunityType = "reorder"
	OpportunitySkip        OpportunityType = "skip"
	OpportunityLLM         OpportunityType = "llm"
)

// Opportunity is a proposed, not-yet-applied reshaping of the pending
// queue. NewOrderIDs is the proposed pending ordering; ParallelGroups maps
// task IDs to dispatch layers for parallelize opportunities.
type Opportunity struct {
	Type                 OpportunityType `json:"type"`
	Description          string          `json:"description"`
	EstimatedImprovement float64         `json:"estimated_improvement"`
	Confidence           float64         `json:"confidence"`
	NewOrderIDs          []string        `json:"new_order,omitempty"`
	ParallelGroups       map[string]int  `json:"parallel_groups,omitempty"`
}

// Score ranks opportunities: expected value of the improvement.
func (o *Opportunity) Score() float64 {
	return o.EstimatedImprovement * o.Confidence
}

// Optimization is a validated opportunity ready for the engine to apply
// between dispatches, or the reason it was rejected.
type Optimization struct {
	Opportunity *Opportunity `json:"opportunity"`
	Valid       bool         `json:"valid"`
	Reason      string       `json:"reason,omitempty"`
}
