package orchestrator

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// plan is the execution order of a run: levels in topological order, and
// stages within a level in declaration order. Every dependency of a stage
// sits in an earlier level.
type plan [][]*Stage

// stages returns the plan flattened into execution order.
func (p plan) stages() []*Stage {
	var out []*Stage
	for _, level := range p {
		out = append(out, level...)
	}
	return out
}

// buildPlan levels stages with a breadth-first topological sort. Unknown
// dependencies are a validation error and cycles wrap ErrDependencyCycle.
func buildPlan(stages []*Stage) (plan, error) {
	if len(stages) == 0 {
		return nil, errors.NewValidationError("pipeline has no stages")
	}

	position := make(map[string]int, len(stages))
	for i, s := range stages {
		position[s.Name] = i
	}

	inDegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := position[dep]; !ok {
				return nil, errors.NewValidationError(fmt.Sprintf("unknown dependency %q", dep)).
					WithStage(s.Name).WithField("depends_on").WithValue(dep)
			}
			inDegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var queue []string
	for _, s := range stages {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	var levels plan
	placed := 0
	for len(queue) > 0 {
		sortByPosition(queue, position)
		level := make([]*Stage, 0, len(queue))
		for _, name := range queue {
			level = append(level, stages[position[name]])
		}
		levels = append(levels, level)
		placed += len(queue)

		var next []string
		for _, name := range queue {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		queue = next
	}

	if placed < len(stages) {
		var stuck []string
		for _, s := range stages {
			if inDegree[s.Name] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", errors.ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return levels, nil
}

// sortByPosition orders names by declaration.
func sortByPosition(names []string, position map[string]int) {
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Compare(position[a], position[b])
	})
}

// groups splits a level into execution groups: each run of consecutive
// parallel stages forms one group, and every other stage is its own group.
func groups(level []*Stage) [][]*Stage {
	var out [][]*Stage
	var batch []*Stage
	for _, s := range level {
		if s.Parallel {
			batch = append(batch, s)
			continue
		}
		if len(batch) > 0 {
			out = append(out, batch)
			batch = nil
		}
		out = append(out, []*Stage{s})
	}
	if len(batch) > 0 {
		out = append(out, batch)
	}
	return out
}
