package goal

import (
	"context"
	"math"
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/pkg/events"
)

// -----------------------------------------------------------------------------
// Periodic Checks
// -----------------------------------------------------------------------------

// StartTracking launches the periodic check loop. Calling it while already
// tracking is a no-op.
func (t *Tracker) StartTracking(ctx context.Context) {
	t.mu.Lock()
	if t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop := t.stop
	done := t.done
	t.mu.Unlock()

	t.emit(ctx, events.EventTrackingStarted, map[string]any{"interval": t.cfg.CheckInterval.String()})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.PerformCheck(ctx)
			}
		}
	}()
}

// StopTracking stops the check loop and waits for it to exit.
func (t *Tracker) StopTracking(ctx context.Context) {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	t.tracking = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()
	<-done
	t.emit(ctx, events.EventTrackingStopped, nil)
}

// PerformCheck scans leaf goals for stalls, slow progress and deadline
// risk. Composite goals are skipped: their progress is derived, so they
// would only duplicate their children's signals.
func (t *Tracker) PerformCheck(ctx context.Context) {
	t.mu.Lock()
	type finding struct {
		event   string
		payload map[string]any
	}
	var findings []finding
	for id, g := range t.goals {
		if g.IsComposite() || g.Status.IsTerminal() {
			continue
		}
		if g.Progress == t.lastProgress[id] {
			t.stallCounters[id]++
		} else {
			t.stallCounters[id] = 0
		}
		t.lastProgress[id] = g.Progress

		if t.stallCounters[id] == t.cfg.StallThreshold {
			findings = append(findings, finding{events.EventGoalStalled, map[string]any{
				"goal_id":       id,
				"progress":      g.Progress,
				"stalled_since": t.stallCounters[id],
			}})
		}
		rate := t.progressRateLocked(id)
		if rate < t.cfg.MinProgressRate && g.Progress > 0 && g.Progress < 0.9 {
			findings = append(findings, finding{events.EventGoalSlowProgress, map[string]any{
				"goal_id":  id,
				"progress": g.Progress,
				"rate":     rate,
			}})
		}
		if g.Deadline != nil {
			prediction := t.predictLocked(id)
			remaining := time.Until(*g.Deadline)
			if !prediction.WillComplete || prediction.ETA > remaining {
				findings = append(findings, finding{events.EventGoalAtRisk, map[string]any{
					"goal_id":  id,
					"progress": g.Progress,
					"deadline": g.Deadline.Format(time.RFC3339),
				}})
			}
		}
	}
	t.mu.Unlock()
	for _, f := range findings {
		t.emit(ctx, f.event, f.payload)
	}
}

// -----------------------------------------------------------------------------
// Prediction
// -----------------------------------------------------------------------------

// PredictCompletion forecasts when a goal will finish based on recent
// progress rates. Confidence falls with rate variability, floored at 0.3
// and capped at 0.95.
func (t *Tracker) PredictCompletion(goalID string) *Prediction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.predictLocked(goalID)
}

func (t *Tracker) predictLocked(goalID string) *Prediction {
	g, ok := t.goals[goalID]
	if !ok {
		return &Prediction{Confidence: 0.3}
	}
	if g.Status == core.GoalStatusCompleted || g.Progress >= 1 {
		now := time.Now()
		return &Prediction{WillComplete: true, PredictedCompletion: &now, Confidence: 0.95}
	}
	rates := t.recentRatesLocked(goalID)
	mean := meanOf(rates)
	if mean <= 0 {
		return &Prediction{WillComplete: false, Confidence: 0.3}
	}
	// mean is progress per minute; remaining progress over rate gives ETA.
	etaMinutes := (1 - g.Progress) / mean
	eta := time.Duration(etaMinutes * float64(time.Minute))
	predicted := time.Now().Add(eta)
	confidence := 1 - coefficientOfVariation(rates, mean)
	confidence = math.Min(0.95, math.Max(0.3, confidence))
	return &Prediction{
		WillComplete:        true,
		PredictedCompletion: &predicted,
		ETA:                 eta,
		Confidence:          confidence,
	}
}

// progressRateLocked returns progress units per minute over the rate window.
func (t *Tracker) progressRateLocked(goalID string) float64 {
	snaps := t.snapshots[goalID]
	if len(snaps) < 2 {
		return 0
	}
	cutoff := time.Now().Add(-t.cfg.RateWindow)
	first := snaps[0]
	for _, s := range snaps {
		if !s.Timestamp.Before(cutoff) {
			first = s
			break
		}
	}
	last := snaps[len(snaps)-1]
	minutes := last.Timestamp.Sub(first.Timestamp).Minutes()
	if minutes <= 0 {
		return 0
	}
	return (last.Progress - first.Progress) / minutes
}

// recentRatesLocked returns the pairwise rates between consecutive
// snapshots inside the rate window.
func (t *Tracker) recentRatesLocked(goalID string) []float64 {
	snaps := t.snapshots[goalID]
	var rates []float64
	for i := 1; i < len(snaps); i++ {
		minutes := snaps[i].Timestamp.Sub(snaps[i-1].Timestamp).Minutes()
		if minutes <= 0 {
			continue
		}
		rates = append(rates, (snaps[i].Progress-snaps[i-1].Progress)/minutes)
	}
	return rates
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func coefficientOfVariation(values []float64, mean float64) float64 {
	if len(values) < 2 || mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(len(values)-1))
	return stddev / math.Abs(mean)
}

func (t *Tracker) emit(ctx context.Context, name string, payload map[string]any) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(ctx, name, payload)
}
