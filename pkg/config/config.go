package config

import (
	"fmt"
	"math"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// -----------------------------------------------------------------------------
// Config Tree
// -----------------------------------------------------------------------------

// Config is the validated configuration tree for the replanning engine.
// Invalid configuration is rejected at construction; nothing here changes at
// runtime.
type Config struct {
	// Enabled is a pointer so an explicit false survives the merge with the
	// defaults; nil means "use the default".
	Enabled      *bool              `json:"enabled"       yaml:"enabled"       mapstructure:"enabled"`
	Triggers     TriggersConfig     `json:"triggers"      yaml:"triggers"      mapstructure:"triggers"`
	Alternatives AlternativesConfig `json:"alternatives"  yaml:"alternatives"  mapstructure:"alternatives"`
	Evaluation   EvaluationConfig   `json:"evaluation"    yaml:"evaluation"    mapstructure:"evaluation"`
	HumanInLoop  HumanInLoopConfig  `json:"human_in_loop" yaml:"human_in_loop" mapstructure:"human_in_loop"`
	Integration  IntegrationConfig  `json:"integration"   yaml:"integration"   mapstructure:"integration"`
	History      HistoryConfig      `json:"history"       yaml:"history"       mapstructure:"history"`
	Optimizer    OptimizerConfig    `json:"optimizer"     yaml:"optimizer"     mapstructure:"optimizer"`
}

type TriggersConfig struct {
	Enabled          []core.TriggerType `json:"enabled"           yaml:"enabled"           mapstructure:"enabled"`
	FailureThreshold int                `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"gte=0"`
	TaskTimeout      time.Duration      `json:"task_timeout"      yaml:"task_timeout"      mapstructure:"task_timeout"      validate:"gte=0"`
	// Error substrings that mark a goal as unreachable. English string
	// matching is brittle, so the list is configuration rather than code.
	UnreachablePatterns []string `json:"unreachable_patterns" yaml:"unreachable_patterns" mapstructure:"unreachable_patterns"`
}

type AlternativesConfig struct {
	MaxAlternatives        int     `json:"max_alternatives"         yaml:"max_alternatives"         mapstructure:"max_alternatives"         validate:"min=1,max=10"`
	MinConfidence          float64 `json:"min_confidence"           yaml:"min_confidence"           mapstructure:"min_confidence"           validate:"gte=0,lte=1"`
	IncludeRetryOption     bool    `json:"include_retry_option"     yaml:"include_retry_option"     mapstructure:"include_retry_option"`
	RespectDependencies    bool    `json:"respect_dependencies"     yaml:"respect_dependencies"     mapstructure:"respect_dependencies"`
	HumanApprovalThreshold float64 `json:"human_approval_threshold" yaml:"human_approval_threshold" mapstructure:"human_approval_threshold" validate:"gte=0,lte=1"`
}

// EvaluationConfig holds the confidence-blend weights. They must sum to 1.
type EvaluationConfig struct {
	LLMWeight        float64 `json:"llm_weight"        yaml:"llm_weight"        mapstructure:"llm_weight"        validate:"gte=0,lte=1"`
	HistoryWeight    float64 `json:"history_weight"    yaml:"history_weight"    mapstructure:"history_weight"    validate:"gte=0,lte=1"`
	ResourceWeight   float64 `json:"resource_weight"   yaml:"resource_weight"   mapstructure:"resource_weight"   validate:"gte=0,lte=1"`
	ComplexityWeight float64 `json:"complexity_weight" yaml:"complexity_weight" mapstructure:"complexity_weight" validate:"gte=0,lte=1"`
}

type TimeoutFallback string

const (
	FallbackAbort TimeoutFallback = "abort"
	FallbackSkip  TimeoutFallback = "skip"
)

type HumanInLoopConfig struct {
	Enabled          bool               `json:"enabled"            yaml:"enabled"            mapstructure:"enabled"`
	AlwaysApprove    []core.TriggerType `json:"always_approve"     yaml:"always_approve"     mapstructure:"always_approve"`
	Timeout          time.Duration      `json:"timeout"            yaml:"timeout"            mapstructure:"timeout"            validate:"gte=0"`
	DefaultOnTimeout TimeoutFallback    `json:"default_on_timeout" yaml:"default_on_timeout" mapstructure:"default_on_timeout" validate:"oneof=abort skip"`
}

type IntegrationConfig struct {
	EmitEvents  bool   `json:"emit_events"  yaml:"emit_events"  mapstructure:"emit_events"`
	EventPrefix string `json:"event_prefix" yaml:"event_prefix" mapstructure:"event_prefix"`
}

type HistoryConfig struct {
	Enabled   *bool  `json:"enabled"    yaml:"enabled"    mapstructure:"enabled"`
	MaxEvents int    `json:"max_events" yaml:"max_events" mapstructure:"max_events" validate:"gte=1"`
	Persist   bool   `json:"persist"    yaml:"persist"    mapstructure:"persist"`
	FilePath  string `json:"file_path"  yaml:"file_path"  mapstructure:"file_path"`
}

type OptimizerConfig struct {
	Enabled                 *bool         `json:"enabled"                   yaml:"enabled"                   mapstructure:"enabled"`
	EvaluateEvery           int           `json:"evaluate_every"            yaml:"evaluate_every"            mapstructure:"evaluate_every"            validate:"gte=1"`
	MinImprovementThreshold float64       `json:"min_improvement_threshold" yaml:"min_improvement_threshold" mapstructure:"min_improvement_threshold" validate:"gte=0,lte=1"`
	OptimizationTimeout     time.Duration `json:"optimization_timeout"      yaml:"optimization_timeout"      mapstructure:"optimization_timeout"      validate:"gte=0"`
	ConsiderParallelization bool          `json:"consider_parallelization"  yaml:"consider_parallelization"  mapstructure:"consider_parallelization"`
	ConsiderMerging         bool          `json:"consider_merging"          yaml:"consider_merging"          mapstructure:"consider_merging"`
	ConsiderReordering      bool          `json:"consider_reordering"       yaml:"consider_reordering"       mapstructure:"consider_reordering"`
	ConsiderSkipping        bool          `json:"consider_skipping"         yaml:"consider_skipping"         mapstructure:"consider_skipping"`
	LearningEnabled         bool          `json:"learning_enabled"          yaml:"learning_enabled"          mapstructure:"learning_enabled"`
	MaxHistorySize          int           `json:"max_history_size"          yaml:"max_history_size"          mapstructure:"max_history_size"          validate:"gte=1"`
}

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

func Default() *Config {
	enabled := true
	return &Config{
		Enabled: &enabled,
		Triggers: TriggersConfig{
			Enabled:          core.KnownTriggers(),
			FailureThreshold: 3,
			TaskTimeout:      5 * time.Minute,
			UnreachablePatterns: []string{
				"not found",
				"permission denied",
				"impossible",
				"cannot be completed",
				"unauthorized",
			},
		},
		Alternatives: AlternativesConfig{
			MaxAlternatives:        3,
			MinConfidence:          0.3,
			IncludeRetryOption:     true,
			RespectDependencies:    true,
			HumanApprovalThreshold: 0.7,
		},
		Evaluation: EvaluationConfig{
			LLMWeight:        0.4,
			HistoryWeight:    0.3,
			ResourceWeight:   0.2,
			ComplexityWeight: 0.1,
		},
		HumanInLoop: HumanInLoopConfig{
			Enabled:          false,
			Timeout:          5 * time.Minute,
			DefaultOnTimeout: FallbackAbort,
		},
		Integration: IntegrationConfig{
			EmitEvents: true,
		},
		History: HistoryConfig{
			Enabled:   &enabled,
			MaxEvents: 100,
			Persist:   false,
			FilePath:  ".musubi/replan-history.json",
		},
		Optimizer: OptimizerConfig{
			Enabled:                 &enabled,
			EvaluateEvery:           5,
			MinImprovementThreshold: 0.1,
			OptimizationTimeout:     10 * time.Second,
			ConsiderParallelization: true,
			ConsiderMerging:         true,
			ConsiderReordering:      true,
			ConsiderSkipping:        false,
			LearningEnabled:         true,
			MaxHistorySize:          100,
		},
	}
}

// -----------------------------------------------------------------------------
// Merge & Validate
// -----------------------------------------------------------------------------

// Merge deep-merges user configuration over the defaults and validates the
// result. A nil user config yields validated defaults.
func Merge(user *Config) (*Config, error) {
	merged := Default()
	if user != nil {
		if err := mergo.Merge(merged, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Validate enforces ranges, the weight-sum invariant and known trigger
// kinds. It never mutates the config, so validating a merged config twice
// is a no-op.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return core.NewError(err, core.ErrCodeInvalidConfig, nil)
	}
	if err := c.Evaluation.checkWeightSum(); err != nil {
		return err
	}
	if err := checkTriggers(c.Triggers.Enabled); err != nil {
		return err
	}
	return checkTriggers(c.HumanInLoop.AlwaysApprove)
}

func (e *EvaluationConfig) checkWeightSum() error {
	sum := e.LLMWeight + e.HistoryWeight + e.ResourceWeight + e.ComplexityWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return core.NewError(
			fmt.Errorf("evaluation weights must sum to 1, got %v", sum),
			core.ErrCodeInvalidConfig,
			map[string]any{"sum": sum},
		)
	}
	return nil
}

func checkTriggers(triggers []core.TriggerType) error {
	for _, t := range triggers {
		if !core.IsKnownTrigger(t) {
			return core.NewError(
				fmt.Errorf("unknown trigger kind %q", t),
				core.ErrCodeInvalidConfig,
				map[string]any{"trigger": t.String()},
			)
		}
	}
	return nil
}

// ReplanningEnabled reports the top-level kill switch.
func (c *Config) ReplanningEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsEnabled reports whether history recording is on. Like the top-level
// switch, the field is a pointer so an explicit false survives the merge.
func (h *HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// IsEnabled reports whether proactive optimization is on.
func (o *OptimizerConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// TriggerEnabled reports whether the given trigger kind is active.
func (c *Config) TriggerEnabled(t core.TriggerType) bool {
	for _, enabled := range c.Triggers.Enabled {
		if enabled == t {
			return true
		}
	}
	return false
}

// AlwaysApprove reports whether the trigger kind always requires human
// approval.
func (c *HumanInLoopConfig) AlwaysApproveTrigger(t core.TriggerType) bool {
	for _, kind := range c.AlwaysApprove {
		if kind == t {
			return true
		}
	}
	return false
}
