package optimizer

import (
	"fmt"
	"time"

	"github.com/nahisaho/musubi-replan/engine/plan"
)

const (
	defaultTaskEstimate = 30 * time.Second
	mergeOverhead       = 5 * time.Second

	parallelizeConfidence = 0.8
	mergeConfidence       = 0.7
	reorderConfidence     = 0.9
	llmConfidence         = 0.6

	reorderImprovementCap = 0.3
)

// -----------------------------------------------------------------------------
// Parallelization
// -----------------------------------------------------------------------------

// analyzeParallelization partitions pending tasks into dependency layers
// and estimates the gain of running each layer concurrently.
func (o *Optimizer) analyzeParallelization(pending []*plan.Task) *Opportunity {
	if len(pending) < 2 {
		return nil
	}
	layers := plan.DependencyLayers(pending)
	if len(layers) == len(pending) {
		return nil // nothing can run together
	}
	alreadyGrouped := true
	for _, layer := range layers {
		if len(layer) < 2 {
			continue
		}
		for _, t := range layer {
			if t.ParallelGroup == 0 {
				alreadyGrouped = false
			}
		}
	}
	if alreadyGrouped {
		return nil
	}
	var sequential, parallel time.Duration
	groups := make(map[string]int, len(pending))
	order := make([]string, 0, len(pending))
	for i, layer := range layers {
		var layerMax time.Duration
		for _, t := range layer {
			estimate := o.estimate(t)
			sequential += estimate
			if estimate > layerMax {
				layerMax = estimate
			}
			order = append(order, t.ID)
			if len(layer) > 1 {
				groups[t.ID] = i + 1
			}
		}
		parallel += layerMax
	}
	if sequential <= 0 || parallel >= sequential {
		return nil
	}
	return &Opportunity{
		Type:                 OpportunityParallelize,
		Description:          fmt.Sprintf("run %d tasks in %d dependency layers", len(pending), len(layers)),
		EstimatedImprovement: float64(sequential-parallel) / float64(sequential),
		Confidence:           parallelizeConfidence,
		NewOrderIDs:          order,
		ParallelGroups:       groups,
	}
}

// -----------------------------------------------------------------------------
// Merging
// -----------------------------------------------------------------------------

// analyzeMerging brings same-skill tasks adjacent to amortize per-skill
// setup overhead. Fires only when the ordering actually changes, which also
// makes the recommendation idempotent.
func (o *Optimizer) analyzeMerging(pending []*plan.Task) *Opportunity {
	if len(pending) < 2 {
		return nil
	}
	bySkill := make(map[string]int)
	var total time.Duration
	for _, t := range pending {
		bySkill[t.Skill]++
		total += o.estimate(t)
	}
	var saved time.Duration
	for _, count := range bySkill {
		if count > 1 {
			saved += mergeOverhead * time.Duration(count-1)
		}
	}
	if saved <= 0 || total <= 0 {
		return nil
	}
	merged := mergeOrdering(pending)
	if merged == nil || sameOrder(pending, merged) {
		return nil
	}
	order := make([]string, len(merged))
	for i, t := range merged {
		order[i] = t.ID
	}
	return &Opportunity{
		Type:                 OpportunityMerge,
		Description:          "group same-skill tasks to amortize setup overhead",
		EstimatedImprovement: float64(saved) / float64(total),
		Confidence:           mergeConfidence,
		NewOrderIDs:          order,
	}
}

// mergeOrdering produces a dependency-respecting ordering that keeps
// same-skill tasks adjacent where possible: repeatedly pick the next ready
// task, preferring the skill of the previously emitted one.
func mergeOrdering(pending []*plan.Task) []*plan.Task {
	inSet := make(map[string]struct{}, len(pending))
	for _, t := range pending {
		inSet[t.ID] = struct{}{}
	}
	emitted := make(map[string]struct{}, len(pending))
	remaining := append([]*plan.Task(nil), pending...)
	result := make([]*plan.Task, 0, len(pending))
	lastSkill := ""
	for len(remaining) > 0 {
		pick := -1
		for i, t := range remaining {
			if !ready(t, inSet, emitted) {
				continue
			}
			if pick == -1 {
				pick = i
			}
			if t.Skill == lastSkill {
				pick = i
				break
			}
		}
		if pick == -1 {
			return nil // cycle; leave it to Validate to reject
		}
		next := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		emitted[next.ID] = struct{}{}
		result = append(result, next)
		lastSkill = next.Skill
	}
	return result
}

func ready(t *plan.Task, inSet, emitted map[string]struct{}) bool {
	for _, dep := range t.Dependencies {
		if _, internal := inSet[dep]; !internal {
			continue
		}
		if _, ok := emitted[dep]; !ok {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Reordering
// -----------------------------------------------------------------------------

// analyzeReordering proposes the topological ordering when the current
// queue deviates from it.
func (o *Optimizer) analyzeReordering(pending []*plan.Task) *Opportunity {
	if len(pending) < 2 {
		return nil
	}
	sorted, err := plan.TopoSort(pending)
	if err != nil {
		return nil
	}
	outOfPosition := 0
	for i := range pending {
		if pending[i].ID != sorted[i].ID {
			outOfPosition++
		}
	}
	if outOfPosition == 0 {
		return nil
	}
	improvement := float64(outOfPosition) / float64(len(pending))
	if improvement > reorderImprovementCap {
		improvement = reorderImprovementCap
	}
	order := make([]string, len(sorted))
	for i, t := range sorted {
		order[i] = t.ID
	}
	return &Opportunity{
		Type:                 OpportunityReorder,
		Description:          fmt.Sprintf("%d of %d tasks out of dependency order", outOfPosition, len(pending)),
		EstimatedImprovement: improvement,
		Confidence:           reorderConfidence,
		NewOrderIDs:          order,
	}
}

func sameOrder(a, b []*plan.Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
