package plan

import "fmt"

// TopoSort returns a dependency-respecting ordering of tasks (Kahn's
// algorithm). Ties preserve the original relative order so a sort of an
// already-valid sequence is stable. Dependencies on tasks outside the slice
// are treated as already satisfied.
func TopoSort(tasks []*Task) ([]*Task, error) {
	inSet := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = t
	}
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := inSet[dep]; ok {
				indegree[t.ID]++
			}
		}
	}
	ordered := make([]*Task, 0, len(tasks))
	queue := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t)
		}
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		ordered = append(ordered, next)
		for _, t := range tasks {
			if indegree[t.ID] == 0 {
				continue
			}
			if t.DependsOn(next.ID) {
				indegree[t.ID]--
				if indegree[t.ID] == 0 {
					queue = append(queue, t)
				}
			}
		}
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("dependency cycle among %d tasks", len(tasks)-len(ordered))
	}
	return ordered, nil
}

// RespectsDependencies reports whether every task in the ordering appears
// after all of its in-slice dependencies.
func RespectsDependencies(order []*Task) bool {
	seen := make(map[string]struct{}, len(order))
	inSet := make(map[string]struct{}, len(order))
	for _, t := range order {
		inSet[t.ID] = struct{}{}
	}
	for _, t := range order {
		for _, dep := range t.Dependencies {
			if _, internal := inSet[dep]; !internal {
				continue
			}
			if _, ok := seen[dep]; !ok {
				return false
			}
		}
		seen[t.ID] = struct{}{}
	}
	return true
}

// DependencyLayers greedily partitions tasks into layers where every task's
// in-slice dependencies live in earlier layers. Used by the parallelization
// analyzer.
func DependencyLayers(tasks []*Task) [][]*Task {
	inSet := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = struct{}{}
	}
	placed := make(map[string]struct{}, len(tasks))
	remaining := append([]*Task(nil), tasks...)
	var layers [][]*Task
	for len(remaining) > 0 {
		var layer []*Task
		var rest []*Task
		for _, t := range remaining {
			ready := true
			for _, dep := range t.Dependencies {
				if _, internal := inSet[dep]; !internal {
					continue
				}
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t)
			} else {
				rest = append(rest, t)
			}
		}
		if len(layer) == 0 {
			// Cycle: dump the rest into one final layer to stay total.
			layers = append(layers, rest)
			break
		}
		for _, t := range layer {
			placed[t.ID] = struct{}{}
		}
		layers = append(layers, layer)
		remaining = rest
	}
	return layers
}
