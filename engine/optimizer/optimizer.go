package optimizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/llm"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/engine/schema"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

const profileWindow = 50

// -----------------------------------------------------------------------------
// Optimizer
// -----------------------------------------------------------------------------

// Optimizer searches the pending queue for a better shape every N
// successful tasks. It never mutates the queue itself: it returns a
// validated Optimization that the engine applies between dispatches.
type Optimizer struct {
	cfg    *config.Config
	client llm.Client
	schema *schema.Schema

	mu           sync.Mutex
	successCount int
	profiles     *lru.Cache[string, *skillProfile]
	applied      []appliedRecord
}

type skillProfile struct {
	durations []time.Duration
	successes int
	total     int
}

type appliedRecord struct {
	Type      OpportunityType
	AppliedAt time.Time
}

func New(cfg *config.Config, client llm.Client) *Optimizer {
	profiles, err := lru.New[string, *skillProfile](cfg.Optimizer.MaxHistorySize)
	if err != nil {
		// MaxHistorySize is validated >= 1, so this cannot happen at
		// runtime; guard anyway for zero-value configs in tests.
		profiles, _ = lru.New[string, *skillProfile](100)
	}
	responseSchema, _ := schema.FromStruct[llmOptimizationResponse]()
	return &Optimizer{
		cfg:      cfg,
		client:   client,
		schema:   responseSchema,
		profiles: profiles,
	}
}

// -----------------------------------------------------------------------------
// Learning
// -----------------------------------------------------------------------------

// RecordExecution folds a task outcome into the per-skill profile.
func (o *Optimizer) RecordExecution(skill string, success bool, duration time.Duration) {
	if !o.cfg.Optimizer.LearningEnabled || skill == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	profile, ok := o.profiles.Get(skill)
	if !ok {
		profile = &skillProfile{}
		o.profiles.Add(skill, profile)
	}
	profile.total++
	if success {
		profile.successes++
	}
	if duration > 0 {
		profile.durations = append(profile.durations, duration)
		if len(profile.durations) > profileWindow {
			profile.durations = profile.durations[len(profile.durations)-profileWindow:]
		}
	}
}

// estimate prefers the task's own estimate, then the learned skill average,
// then a flat default.
func (o *Optimizer) estimate(t *plan.Task) time.Duration {
	if t.EstimatedDuration > 0 {
		return t.EstimatedDuration
	}
	o.mu.Lock()
	profile, ok := o.profiles.Get(t.Skill)
	o.mu.Unlock()
	if ok && len(profile.durations) > 0 {
		var sum time.Duration
		for _, d := range profile.durations {
			sum += d
		}
		return sum / time.Duration(len(profile.durations))
	}
	return defaultTaskEstimate
}

// -----------------------------------------------------------------------------
// Scheduling
// -----------------------------------------------------------------------------

// OnTaskSuccess counts successes and, on schedule, searches for the best
// valid optimization of the pending queue. Returns nil when there is
// nothing worth applying.
func (o *Optimizer) OnTaskSuccess(ctx context.Context, snap *plan.Snapshot) *Optimization {
	if !o.cfg.Optimizer.IsEnabled() {
		return nil
	}
	o.mu.Lock()
	o.successCount++
	due := o.successCount%o.cfg.Optimizer.EvaluateEvery == 0
	o.mu.Unlock()
	if !due || len(snap.PendingTasks) < 2 {
		return nil
	}
	return o.Optimize(ctx, snap)
}

// Optimize runs every enabled analyzer over the snapshot's pending tasks,
// ranks the opportunities and validates the best one.
func (o *Optimizer) Optimize(ctx context.Context, snap *plan.Snapshot) *Optimization {
	log := logger.FromContext(ctx)
	pending := snap.PendingTasks
	var opportunities []*Opportunity
	if o.cfg.Optimizer.ConsiderParallelization {
		if op := o.analyzeParallelization(pending); op != nil {
			opportunities = append(opportunities, op)
		}
	}
	if o.cfg.Optimizer.ConsiderMerging {
		if op := o.analyzeMerging(pending); op != nil {
			opportunities = append(opportunities, op)
		}
	}
	if o.cfg.Optimizer.ConsiderReordering {
		if op := o.analyzeReordering(pending); op != nil {
			opportunities = append(opportunities, op)
		}
	}
	opportunities = append(opportunities, o.llmOpportunities(ctx, pending)...)
	if len(opportunities) == 0 {
		return nil
	}
	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].Score() > opportunities[j].Score()
	})
	best := opportunities[0]
	if best.EstimatedImprovement < o.cfg.Optimizer.MinImprovementThreshold {
		log.Debug("best opportunity below improvement threshold",
			"type", best.Type, "improvement", best.EstimatedImprovement)
		return &Optimization{Opportunity: best, Valid: false, Reason: "below improvement threshold"}
	}
	if reason := o.validate(best, pending, snap.MaxConcurrency); reason != "" {
		log.Debug("opportunity rejected", "type", best.Type, "reason", reason)
		return &Optimization{Opportunity: best, Valid: false, Reason: reason}
	}
	return &Optimization{Opportunity: best, Valid: true}
}

// RecordApplied tracks applied optimizations, bounded by MaxHistorySize.
func (o *Optimizer) RecordApplied(opt *Optimization) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, appliedRecord{Type: opt.Opportunity.Type, AppliedAt: time.Now()})
	if len(o.applied) > o.cfg.Optimizer.MaxHistorySize {
		o.applied = o.applied[len(o.applied)-o.cfg.Optimizer.MaxHistorySize:]
	}
}

// validate checks dependency order and concurrency capacity for the
// proposed ordering.
func (o *Optimizer) validate(op *Opportunity, pending []*plan.Task, maxConcurrency int) string {
	if len(op.NewOrderIDs) > 0 {
		byID := make(map[string]*plan.Task, len(pending))
		for _, t := range pending {
			byID[t.ID] = t
		}
		if len(op.NewOrderIDs) != len(pending) {
			return "ordering does not cover the pending queue"
		}
		order := make([]*plan.Task, 0, len(op.NewOrderIDs))
		for _, id := range op.NewOrderIDs {
			t, ok := byID[id]
			if !ok {
				return fmt.Sprintf("ordering references unknown task %q", id)
			}
			order = append(order, t)
		}
		if !plan.RespectsDependencies(order) {
			return "ordering violates dependencies"
		}
	}
	if len(op.ParallelGroups) > 0 && maxConcurrency > 0 {
		sizes := make(map[int]int)
		for _, group := range op.ParallelGroups {
			sizes[group]++
		}
		for group, size := range sizes {
			if size > maxConcurrency {
				return fmt.Sprintf("layer %d needs %d slots, only %d allowed", group, size, maxConcurrency)
			}
		}
	}
	return ""
}

// -----------------------------------------------------------------------------
// LLM Supplement
// -----------------------------------------------------------------------------

type llmOptimizationResponse struct {
	Opportunities []llmOpportunity `json:"opportunities"`
}

type llmOpportunity struct {
	Type                 string   `json:"type"`
	Description          string   `json:"description"`
	EstimatedImprovement float64  `json:"estimated_improvement"`
	NewOrder             []string `json:"new_order,omitempty"`
}

// llmOpportunities asks the model for extra ideas, bounded by the
// optimization timeout. Any failure yields none.
func (o *Optimizer) llmOpportunities(ctx context.Context, pending []*plan.Task) []*Opportunity {
	if o.client == nil || !o.client.IsAvailable(ctx) {
		return nil
	}
	var b strings.Builder
	b.WriteString("Suggest optimizations for the remaining tasks of an execution plan.\n\n## Pending tasks\n")
	for _, t := range pending {
		fmt.Fprintf(&b, "- %s (skill %s, deps %v, est %s)\n", t.ID, t.Skill, t.Dependencies, o.estimate(t))
	}
	b.WriteString("\nRespond with JSON: ")
	b.WriteString(`{"opportunities": [{"type": "parallelize|merge|reorder|skip", "description", "estimated_improvement": 0..1, "new_order": [task ids]}]}`)
	payload, err := o.client.CompleteJSON(ctx, b.String(), o.schema, &llm.CallOptions{
		Timeout: o.cfg.Optimizer.OptimizationTimeout,
	})
	if err != nil {
		logger.FromContext(ctx).Debug("llm optimization supplement failed", "error", err)
		return nil
	}
	response, err := core.FromMapDefault[llmOptimizationResponse](payload)
	if err != nil {
		return nil
	}
	out := make([]*Opportunity, 0, len(response.Opportunities))
	for _, raw := range response.Opportunities {
		out = append(out, &Opportunity{
			Type:                 OpportunityLLM,
			Description:          fmt.Sprintf("%s: %s", raw.Type, raw.Description),
			EstimatedImprovement: raw.EstimatedImprovement,
			Confidence:           llmConfidence,
			NewOrderIDs:          raw.NewOrder,
		})
	}
	return out
}
