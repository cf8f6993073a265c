package plan

import (
	"fmt"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// -----------------------------------------------------------------------------
// Plan
// -----------------------------------------------------------------------------

// Plan is an ordered sequence of tasks. Version increases monotonically
// with every structural mutation; task IDs never change across versions.
type Plan struct {
	ID      string  `json:"id"`
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// Validate rejects duplicate task IDs and dependencies that cannot be
// satisfied within the plan's own task set.
func (p *Plan) Validate() error {
	ids := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan %s: task with empty id", p.ID)
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("plan %s: duplicate task id %q", p.ID, t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("plan %s: task %q depends on unknown task %q", p.ID, t.ID, dep)
			}
		}
	}
	if _, err := TopoSort(p.Tasks); err != nil {
		return fmt.Errorf("plan %s: %w", p.ID, err)
	}
	return nil
}

func (p *Plan) FindTask(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (p *Plan) TaskIndex(id string) int {
	for i, t := range p.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the plan, used for audit snapshots.
func (p *Plan) Clone() *Plan {
	return core.MustDeepCopy(p)
}

// BumpVersion records a structural mutation.
func (p *Plan) BumpVersion() {
	p.Version++
}
