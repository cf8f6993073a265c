package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// exportDocument is the on-disk and export wire layout. Unknown fields in
// imported documents are ignored.
type exportDocument struct {
	ExportTime time.Time                  `json:"export_time"`
	Metrics    Metrics                    `json:"metrics"`
	Events     []*Event                   `json:"events"`
	Snapshots  map[string][]*PlanSnapshot `json:"snapshots,omitempty"`
}

// ExportJSON serializes the full store state.
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	doc := exportDocument{
		ExportTime: time.Now(),
		Metrics:    s.metrics,
		Events:     append([]*Event(nil), s.events...),
		Snapshots:  make(map[string][]*PlanSnapshot, len(s.snapshots)),
	}
	for planID, snaps := range s.snapshots {
		doc.Snapshots[planID] = append([]*PlanSnapshot(nil), snaps...)
	}
	s.mu.Unlock()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, core.NewError(err, core.ErrCodePersist, map[string]any{"stage": "export"})
	}
	return data, nil
}

// ImportJSON replaces the store state with an exported document. Metrics
// are recomputed from the imported events rather than trusted.
func (s *Store) ImportJSON(data []byte) error {
	var doc exportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return core.NewError(err, core.ErrCodePersist, map[string]any{"stage": "import"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = doc.Events
	if s.cfg.MaxEvents > 0 && len(s.events) > s.cfg.MaxEvents {
		s.events = s.events[len(s.events)-s.cfg.MaxEvents:]
	}
	s.snapshots = doc.Snapshots
	if s.snapshots == nil {
		s.snapshots = make(map[string][]*PlanSnapshot)
	}
	s.recomputeMetricsLocked()
	return nil
}

// ExportMarkdown renders a human-readable report of the event log.
func (s *Store) ExportMarkdown() string {
	s.mu.Lock()
	events := append([]*Event(nil), s.events...)
	metrics := s.metrics
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString("# Replanning History\n\n")
	fmt.Fprintf(&b, "Exported: %s\n\n", time.Now().Format(time.RFC3339))
	b.WriteString("## Metrics\n\n")
	fmt.Fprintf(&b, "- Total events: %d\n", metrics.TotalEvents)
	fmt.Fprintf(&b, "- Successes: %d\n", metrics.Successes)
	fmt.Fprintf(&b, "- Failures: %d\n", metrics.Failures)
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n\n", metrics.SuccessRate*100)
	if len(metrics.ByTrigger) > 0 {
		b.WriteString("### By trigger\n\n")
		writeCounts(&b, metrics.ByTrigger)
	}
	if len(metrics.ByDecision) > 0 {
		b.WriteString("### By decision\n\n")
		writeCounts(&b, metrics.ByDecision)
	}
	b.WriteString("## Events\n\n")
	if len(events) == 0 {
		b.WriteString("No events recorded.\n")
		return b.String()
	}
	for _, event := range events {
		fmt.Fprintf(&b, "### %s\n\n", event.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&b, "- Trigger: %s\n", event.Trigger)
		fmt.Fprintf(&b, "- Decision: %s\n", event.Decision)
		fmt.Fprintf(&b, "- Plan: %s (v%d)\n", event.PlanID, event.Version)
		if event.FailedTask != nil {
			fmt.Fprintf(&b, "- Failed task: %s (%s, attempt %d)\n",
				event.FailedTask.ID, event.FailedTask.Skill, event.FailedTask.Attempts)
			if event.FailedTask.Error != "" {
				fmt.Fprintf(&b, "- Error: %s\n", event.FailedTask.Error)
			}
		}
		for _, alt := range event.Alternatives {
			fmt.Fprintf(&b, "- Alternative %s (%.2f): %s\n", alt.ID, alt.Confidence, alt.Description)
		}
		if event.SelectedAlternative != nil {
			fmt.Fprintf(&b, "- Selected: %s\n", event.SelectedAlternative.ID)
		}
		fmt.Fprintf(&b, "- Outcome: success=%t applied=%s\n\n", event.Outcome.Success, event.Outcome.Applied)
	}
	return b.String()
}

func writeCounts(b *strings.Builder, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %d\n", k, counts[k])
	}
	b.WriteString("\n")
}
