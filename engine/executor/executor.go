package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nahisaho/musubi-replan/engine/core"
	"github.com/nahisaho/musubi-replan/engine/plan"
)

// -----------------------------------------------------------------------------
// Capability
// -----------------------------------------------------------------------------

// Result is what the external executor reports for one task. Normal
// failures come back as Success=false, not as a Go error.
type Result struct {
	Success  bool           `json:"success"`
	Duration time.Duration  `json:"duration"`
	Output   map[string]any `json:"output,omitempty"`
	Error    *core.Error    `json:"error,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

type Options struct {
	Timeout time.Duration
}

// Executor is the opaque capability that runs tasks. The engine never
// inspects or repairs it.
type Executor interface {
	ExecuteTask(ctx context.Context, task *plan.Task, opts Options) (*Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task *plan.Task, opts Options) (*Result, error)

func (f Func) ExecuteTask(ctx context.Context, task *plan.Task, opts Options) (*Result, error) {
	return f(ctx, task, opts)
}

// -----------------------------------------------------------------------------
// Safe Invocation
// -----------------------------------------------------------------------------

// SafeExecute invokes the executor and normalizes every abnormal outcome
// (panic, Go error, nil result) into a failed Result, so the engine's loop
// only ever sees task results.
func SafeExecute(ctx context.Context, exec Executor, task *plan.Task, opts Options) *Result {
	started := time.Now()
	result := func() (result *Result) {
		defer func() {
			if r := recover(); r != nil {
				result = &Result{
					Success:  false,
					Duration: time.Since(started),
					Error: core.NewError(
						fmt.Errorf("executor panicked: %v", r),
						core.ErrCodeTaskExecution,
						map[string]any{"task_id": task.ID},
					),
				}
			}
		}()
		r, err := exec.ExecuteTask(ctx, task, opts)
		if err != nil {
			return &Result{
				Success:  false,
				Duration: time.Since(started),
				Error:    core.FromError(err, core.ErrCodeTaskExecution),
			}
		}
		return r
	}()
	if result == nil {
		result = &Result{
			Success:  false,
			Duration: time.Since(started),
			Error: core.NewError(
				fmt.Errorf("executor returned no result"),
				core.ErrCodeTaskExecution,
				map[string]any{"task_id": task.ID},
			),
		}
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}
	return result
}
