package altgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nahisaho/musubi-replan/engine/plan"
)

// -----------------------------------------------------------------------------
// Context Analysis
// -----------------------------------------------------------------------------

// contextAnalysis is what the generator extracts from a sanitized snapshot
// before building the prompt.
type contextAnalysis struct {
	availableSkills []string
	completedIDs    []string
	pendingIDs      []string
	depSatisfied    map[string]bool
	remainingBudget string
	maxConcurrency  int
}

func analyzeContext(failed *plan.Task, snap *plan.Snapshot) *contextAnalysis {
	analysis := &contextAnalysis{
		completedIDs:   snap.CompletedIDs,
		pendingIDs:     snap.PendingIDs,
		depSatisfied:   make(map[string]bool, len(failed.Dependencies)),
		maxConcurrency: snap.MaxConcurrency,
	}
	completed := make(map[string]struct{}, len(snap.CompletedIDs))
	for _, id := range snap.CompletedIDs {
		completed[id] = struct{}{}
	}
	for _, dep := range failed.Dependencies {
		_, ok := completed[dep]
		analysis.depSatisfied[dep] = ok
	}
	if snap.TimeRemaining > 0 {
		analysis.remainingBudget = snap.TimeRemaining.String()
	}
	analysis.availableSkills = availableSkills(snap)
	return analysis
}

// availableSkills reads the executor's advertised skills from context vars,
// falling back to every skill seen in the plan.
func availableSkills(snap *plan.Snapshot) []string {
	if raw, ok := snap.Vars["availableSkills"]; ok {
		switch skills := raw.(type) {
		case []string:
			return skills
		case []any:
			out := make([]string, 0, len(skills))
			for _, s := range skills {
				if str, ok := s.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
	}
	seen := make(map[string]struct{})
	for _, t := range snap.PendingTasks {
		if t.Skill != "" {
			seen[t.Skill] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for skill := range seen {
		out = append(out, skill)
	}
	sort.Strings(out)
	return out
}

// extractGoal prefers the task's explicit goal, then its description, then a
// synthesized line when a feature parameter exists.
func extractGoal(t *plan.Task) string {
	if t.Goal != "" {
		return t.Goal
	}
	if t.Description != "" {
		return t.Description
	}
	if feature, ok := t.Parameters["feature"].(string); ok && feature != "" {
		return fmt.Sprintf("Execute %s for feature %q", t.Skill, feature)
	}
	return fmt.Sprintf("Execute %s", t.Skill)
}

// -----------------------------------------------------------------------------
// Prompt
// -----------------------------------------------------------------------------

func buildPrompt(failed *plan.Task, failure string, analysis *contextAnalysis, maxAlternatives int) string {
	var b strings.Builder
	b.WriteString("A task in an execution plan has failed and needs alternatives.\n\n")
	fmt.Fprintf(&b, "## Failed task\n")
	fmt.Fprintf(&b, "- id: %s\n- name: %s\n- skill: %s\n- attempts: %d\n", failed.ID, failed.Name, failed.Skill, failed.Attempts)
	if len(failed.Parameters) > 0 {
		fmt.Fprintf(&b, "- parameters: %v\n", failed.Parameters)
	}
	fmt.Fprintf(&b, "- goal: %s\n", extractGoal(failed))
	if failure != "" {
		fmt.Fprintf(&b, "\n## Error\n%s\n", failure)
	}
	fmt.Fprintf(&b, "\n## Available skills\n%s\n", strings.Join(analysis.availableSkills, ", "))
	fmt.Fprintf(&b, "\n## Plan state\n- completed: %s\n- pending: %s\n",
		strings.Join(analysis.completedIDs, ", "), strings.Join(analysis.pendingIDs, ", "))
	if len(analysis.depSatisfied) > 0 {
		b.WriteString("- dependencies of the failed task:\n")
		deps := make([]string, 0, len(analysis.depSatisfied))
		for dep := range analysis.depSatisfied {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			state := "unsatisfied"
			if analysis.depSatisfied[dep] {
				state = "satisfied"
			}
			fmt.Fprintf(&b, "  - %s: %s\n", dep, state)
		}
	}
	b.WriteString("\n## Constraints\n")
	fmt.Fprintf(&b, "- propose at most %d alternatives\n", maxAlternatives)
	fmt.Fprintf(&b, "- only use the available skills listed above\n")
	fmt.Fprintf(&b, "- max concurrency: %d\n", analysis.maxConcurrency)
	if analysis.remainingBudget != "" {
		fmt.Fprintf(&b, "- remaining time budget: %s\n", analysis.remainingBudget)
	}
	b.WriteString("\nRespond with a JSON object matching the schema: ")
	b.WriteString(`{"analysis": string, "goal": string, "alternatives": [{"id", "description", "task": {"name", "skill", "parameters"}, "confidence": 0..1, "reasoning", "risks": [string]}]}`)
	b.WriteString("\n")
	return b.String()
}

// -----------------------------------------------------------------------------
// Response Contract
// -----------------------------------------------------------------------------

// llmResponse is the JSON contract for the model. The derived schema rejects
// additional properties, so off-contract output becomes an LLM error.
type llmResponse struct {
	Analysis     string           `json:"analysis"`
	Goal         string           `json:"goal"`
	Alternatives []llmAlternative `json:"alternatives"`
}

type llmAlternative struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Task        llmTask  `json:"task"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Risks       []string `json:"risks,omitempty"`
}

type llmTask struct {
	Name       string         `json:"name"`
	Skill      string         `json:"skill"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
