package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownDependencyError reports a dependency name that does not refer to any
// stage in the definition.
type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Stage, e.Dependency)
}

// CircularDependencyError reports the stages left unreachable by Kahn's
// algorithm, i.e. every stage participating in (or downstream of) a cycle.
type CircularDependencyError struct {
	Stages []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency involving stages: %s", strings.Join(e.Stages, ", "))
}

// ExecutionOrder computes a total order over stage names such that every
// stage appears after all of its dependencies (Kahn's algorithm). The
// tie-break among simultaneously-ready stages is a FIFO queue seeded in
// definition order, so the result is deterministic for a fixed input.
func ExecutionOrder(stages []Stage) ([]string, error) {
	index := make(map[string]int, len(stages))
	for i := range stages {
		index[stages[i].Name] = i
	}

	indegree := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i := range stages {
		for _, dep := range stages[i].Dependencies {
			dep = strings.TrimSpace(dep)
			j, ok := index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Stage: stages[i].Name, Dependency: dep}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(stages))
	for i := range stages {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(stages))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, stages[i].Name)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(order) != len(stages) {
		emitted := make(map[string]bool, len(order))
		for _, name := range order {
			emitted[name] = true
		}
		var cyclic []string
		for i := range stages {
			if !emitted[stages[i].Name] {
				cyclic = append(cyclic, stages[i].Name)
			}
		}
		sort.Strings(cyclic)
		return nil, &CircularDependencyError{Stages: cyclic}
	}
	return order, nil
}
