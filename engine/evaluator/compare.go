package evaluator

import (
	"time"

	"github.com/nahisaho/musubi-replan/engine/plan"
)

const (
	switchCostPerTask = 5 * time.Second
	switchOverhead    = 10 * time.Second
)

// -----------------------------------------------------------------------------
// Path Comparison
// -----------------------------------------------------------------------------

type Recommendation string

const (
	StronglyRecommended Recommendation = "strongly-recommended"
	Recommended         Recommendation = "recommended"
	MarginallyBetter    Recommendation = "marginally-better"
	Equivalent          Recommendation = "equivalent"
	NotRecommended      Recommendation = "not-recommended"
)

// PathComparison quantifies switching from the current remaining path to an
// alternative one.
type PathComparison struct {
	CurrentEffort      time.Duration  `json:"current_effort"`
	AlternativeEffort  time.Duration  `json:"alternative_effort"`
	SwitchingCost      time.Duration  `json:"switching_cost"`
	ImprovementPercent float64        `json:"improvement_percent"`
	Recommendation     Recommendation `json:"recommendation"`
}

// ComparePaths estimates both paths' effort via skill history (heuristic
// fallback), charges a switching cost proportional to divergence, and maps
// the net improvement onto a recommendation.
func (e *Evaluator) ComparePaths(current, alternative []*plan.Task) *PathComparison {
	result := &PathComparison{
		CurrentEffort:     e.estimatePathEffort(current),
		AlternativeEffort: e.estimatePathEffort(alternative),
	}
	divergent := countDivergent(current, alternative)
	if divergent > 0 {
		result.SwitchingCost = switchCostPerTask*time.Duration(divergent) + switchOverhead
	}
	if result.CurrentEffort > 0 {
		net := result.CurrentEffort - result.AlternativeEffort - result.SwitchingCost
		result.ImprovementPercent = float64(net) / float64(result.CurrentEffort) * 100
	}
	result.Recommendation = recommend(result.ImprovementPercent)
	return result
}

func (e *Evaluator) estimatePathEffort(tasks []*plan.Task) time.Duration {
	var total time.Duration
	for _, t := range tasks {
		total += e.EstimateTaskEffort(t)
	}
	return total
}

// countDivergent counts tasks of either path that do not appear in the
// other.
func countDivergent(current, alternative []*plan.Task) int {
	currentIDs := make(map[string]struct{}, len(current))
	for _, t := range current {
		currentIDs[t.ID] = struct{}{}
	}
	alternativeIDs := make(map[string]struct{}, len(alternative))
	for _, t := range alternative {
		alternativeIDs[t.ID] = struct{}{}
	}
	divergent := 0
	for id := range currentIDs {
		if _, ok := alternativeIDs[id]; !ok {
			divergent++
		}
	}
	for id := range alternativeIDs {
		if _, ok := currentIDs[id]; !ok {
			divergent++
		}
	}
	return divergent
}

func recommend(improvementPercent float64) Recommendation {
	switch {
	case improvementPercent > 20:
		return StronglyRecommended
	case improvementPercent > 10:
		return Recommended
	case improvementPercent > 0:
		return MarginallyBetter
	case improvementPercent > -10:
		return Equivalent
	default:
		return NotRecommended
	}
}
