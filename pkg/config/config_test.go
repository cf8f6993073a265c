package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahisaho/musubi-replan/engine/core"
)

func TestDefault(t *testing.T) {
	t.Run("Should produce a valid configuration", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		assert.True(t, cfg.ReplanningEnabled())
		assert.Equal(t, 3, cfg.Triggers.FailureThreshold)
		assert.Equal(t, 5*time.Minute, cfg.Triggers.TaskTimeout)
		assert.Equal(t, 3, cfg.Alternatives.MaxAlternatives)
		assert.InDelta(t, 0.3, cfg.Alternatives.MinConfidence, 1e-9)
		assert.Equal(t, FallbackAbort, cfg.HumanInLoop.DefaultOnTimeout)
		assert.Equal(t, 100, cfg.History.MaxEvents)
	})
	t.Run("Should enable every known trigger kind", func(t *testing.T) {
		cfg := Default()
		for _, kind := range core.KnownTriggers() {
			assert.True(t, cfg.TriggerEnabled(kind), "trigger %s", kind)
		}
	})
}

func TestMerge(t *testing.T) {
	t.Run("Should return validated defaults for nil user config", func(t *testing.T) {
		cfg, err := Merge(nil)
		require.NoError(t, err)
		assert.Equal(t, Default().Triggers.FailureThreshold, cfg.Triggers.FailureThreshold)
	})
	t.Run("Should override defaults with user values", func(t *testing.T) {
		cfg, err := Merge(&Config{
			Triggers: TriggersConfig{FailureThreshold: 1, TaskTimeout: time.Second},
			Alternatives: AlternativesConfig{
				MaxAlternatives: 5,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.Triggers.FailureThreshold)
		assert.Equal(t, time.Second, cfg.Triggers.TaskTimeout)
		assert.Equal(t, 5, cfg.Alternatives.MaxAlternatives)
		// Untouched sections keep their defaults.
		assert.InDelta(t, 0.4, cfg.Evaluation.LLMWeight, 1e-9)
	})
	t.Run("Should honor an explicit top-level disable", func(t *testing.T) {
		disabled := false
		cfg, err := Merge(&Config{Enabled: &disabled})
		require.NoError(t, err)
		assert.False(t, cfg.ReplanningEnabled())
	})
	t.Run("Should reject weights that do not sum to one", func(t *testing.T) {
		_, err := Merge(&Config{
			Evaluation: EvaluationConfig{
				LLMWeight:        0.9,
				HistoryWeight:    0.9,
				ResourceWeight:   0.1,
				ComplexityWeight: 0.1,
			},
		})
		require.Error(t, err)
		structured := &core.Error{}
		require.ErrorAs(t, err, &structured)
		assert.Equal(t, core.ErrCodeInvalidConfig, structured.Code)
	})
	t.Run("Should reject unknown trigger kinds", func(t *testing.T) {
		_, err := Merge(&Config{
			Triggers: TriggersConfig{Enabled: []core.TriggerType{"power_outage"}},
		})
		require.Error(t, err)
	})
	t.Run("Should reject out-of-range alternative limits", func(t *testing.T) {
		_, err := Merge(&Config{
			Alternatives: AlternativesConfig{MaxAlternatives: 50},
		})
		require.Error(t, err)
	})
}

func TestLoadBytes(t *testing.T) {
	t.Run("Should parse yaml over defaults", func(t *testing.T) {
		cfg, err := LoadBytes([]byte(`
triggers:
  failure_threshold: 2
alternatives:
  max_alternatives: 4
  min_confidence: 0.5
`))
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Triggers.FailureThreshold)
		assert.Equal(t, 4, cfg.Alternatives.MaxAlternatives)
		assert.InDelta(t, 0.5, cfg.Alternatives.MinConfidence, 1e-9)
	})
	t.Run("Should reject unknown keys", func(t *testing.T) {
		_, err := LoadBytes([]byte("no_such_section:\n  enabled: true\n"))
		require.Error(t, err)
	})
}

func TestAlwaysApproveTrigger(t *testing.T) {
	t.Run("Should match only listed trigger kinds", func(t *testing.T) {
		hil := HumanInLoopConfig{AlwaysApprove: []core.TriggerType{core.TriggerGoalUnreachable}}
		assert.True(t, hil.AlwaysApproveTrigger(core.TriggerGoalUnreachable))
		assert.False(t, hil.AlwaysApproveTrigger(core.TriggerTaskFailure))
	})
}
