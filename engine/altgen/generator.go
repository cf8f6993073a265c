package altgen

import (
	"context"
	"fmt"
	"sort"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/evaluator"
	"github.com/nahisaho/musubi-replan/engine/llm"
	"github.com/nahisaho/musubi-replan/engine/plan"
	"github.com/nahisaho/musubi-replan/engine/schema"
	"github.com/nahisaho/musubi-replan/pkg/config"
	"github.com/nahisaho/musubi-replan/pkg/logger"
)

const retryInitialConfidence = 0.3

// Generator synthesizes, validates and ranks candidate replacement tasks
// when a trigger occurs. Model failures are never fatal: they degrade to an
// alternative set without LLM entries.
type Generator struct {
	cfg       *config.Config
	client    llm.Client
	evaluator *evaluator.Evaluator
	schema    *schema.Schema
}

func New(cfg *config.Config, client llm.Client, eval *evaluator.Evaluator) *Generator {
	responseSchema, err := schema.FromStruct[llmResponse]()
	if err != nil {
		// The contract struct is static; a reflection failure here is a
		// programming error. Fall back to unvalidated decode.
		responseSchema = nil
	}
	return &Generator{
		cfg:       cfg,
		client:    client,
		evaluator: eval,
		schema:    responseSchema,
	}
}

// Generate produces the ranked alternative list for a failed task. The
// returned tasks are fresh copies owned by the caller.
func (g *Generator) Generate(
	ctx context.Context,
	failed *plan.Task,
	failure *core.Error,
	snap *plan.Snapshot,
) []*Alternative {
	log := logger.FromContext(ctx)
	analysis := analyzeContext(failed, snap)

	var alternatives []*Alternative
	if g.client != nil && g.client.IsAvailable(ctx) {
		alternatives = g.fromLLM(ctx, failed, failure, analysis)
	} else {
		log.Debug("language model unavailable, skipping generation", "task_id", failed.ID)
	}

	if g.cfg.Alternatives.IncludeRetryOption && failed.IsRetryable() {
		alternatives = append(alternatives, g.retryOption(failed))
	}

	for _, alt := range alternatives {
		g.score(alt, analysis, snap)
	}
	sort.SliceStable(alternatives, func(i, j int) bool {
		return alternatives[i].Confidence > alternatives[j].Confidence
	})

	filtered := alternatives[:0]
	for _, alt := range alternatives {
		if alt.Confidence >= g.cfg.Alternatives.MinConfidence {
			filtered = append(filtered, alt)
		}
	}
	if len(filtered) > g.cfg.Alternatives.MaxAlternatives {
		filtered = filtered[:g.cfg.Alternatives.MaxAlternatives]
	}
	return filtered
}

// fromLLM asks the model for ranked alternatives. Every failure mode
// (provider error, timeout, malformed or off-schema JSON) yields an empty
// slice.
func (g *Generator) fromLLM(
	ctx context.Context,
	failed *plan.Task,
	failure *core.Error,
	analysis *contextAnalysis,
) []*Alternative {
	log := logger.FromContext(ctx)
	failureText := ""
	if failure != nil {
		failureText = failure.Message
	}
	prompt := buildPrompt(failed, failureText, analysis, g.cfg.Alternatives.MaxAlternatives)
	payload, err := g.client.CompleteJSON(ctx, prompt, g.schema, nil)
	if err != nil {
		log.Warn("alternative generation failed", "task_id", failed.ID, "error", err)
		return nil
	}
	response, err := core.FromMapDefault[llmResponse](payload)
	if err != nil {
		log.Warn("alternative response decode failed", "task_id", failed.ID, "error", err)
		return nil
	}
	alternatives := make([]*Alternative, 0, len(response.Alternatives))
	for i, raw := range response.Alternatives {
		task := &plan.Task{
			ID:             fmt.Sprintf("%s-alt-%d", failed.ID, i+1),
			Name:           raw.Task.Name,
			Skill:          raw.Task.Skill,
			Parameters:     raw.Task.Parameters,
			Dependencies:   append([]string(nil), failed.Dependencies...),
			OriginalTaskID: failed.ID,
			Status:         core.TaskStatusQueued,
		}
		alternatives = append(alternatives, &Alternative{
			ID:            task.ID,
			Description:   raw.Description,
			Task:          task,
			LLMConfidence: clamp01(raw.Confidence),
			Reasoning:     raw.Reasoning,
			Risks:         raw.Risks,
			Source:        core.SourceLLM,
		})
	}
	return alternatives
}

// retryOption synthesizes the system retry alternative.
func (g *Generator) retryOption(failed *plan.Task) *Alternative {
	task := failed.Clone()
	task.RetryOf = failed.ID
	task.Status = core.TaskStatusQueued
	return &Alternative{
		ID:            RetryOptionID,
		Description:   fmt.Sprintf("Retry task %s", failed.ID),
		Task:          task,
		LLMConfidence: retryInitialConfidence,
		Source:        core.SourceSystem,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
