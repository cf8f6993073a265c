package altgen

import (
	"github.com/nahisaho/musubi-replan/engine/plan"
)

// score blends the four confidence components with the configured weights
// and fills in the breakdown.
func (g *Generator) score(alt *Alternative, analysis *contextAnalysis, snap *plan.Snapshot) {
	weights := g.cfg.Evaluation
	breakdown := ConfidenceBreakdown{
		LLM:        alt.LLMConfidence,
		History:    g.evaluator.SkillSuccessRate(alt.Task.Skill),
		Resource:   g.resourceScore(alt, analysis, snap),
		Complexity: complexityScore(alt),
	}
	alt.Breakdown = breakdown
	alt.Confidence = clamp01(
		weights.LLMWeight*breakdown.LLM +
			weights.HistoryWeight*breakdown.History +
			weights.ResourceWeight*breakdown.Resource +
			weights.ComplexityWeight*breakdown.Complexity,
	)
}

// resourceScore starts at 1 and deducts for a blown time budget and for
// unsatisfied dependencies.
func (g *Generator) resourceScore(alt *Alternative, analysis *contextAnalysis, snap *plan.Snapshot) float64 {
	score := 1.0
	if snap.TimeRemaining > 0 {
		estimated := g.evaluator.EstimateTaskEffort(alt.Task)
		if estimated > snap.TimeRemaining {
			score -= 0.5
		}
	}
	if g.cfg.Alternatives.RespectDependencies {
		for _, satisfied := range analysis.depSatisfied {
			if !satisfied {
				score -= 0.3
				break
			}
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// complexityScore penalizes risky, parameter-heavy candidates.
func complexityScore(alt *Alternative) float64 {
	score := 1.0 - 0.1*float64(len(alt.Risks)) - 0.02*float64(len(alt.Task.Parameters))
	if score < 0 {
		return 0
	}
	return score
}
