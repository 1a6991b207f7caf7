package workflow

import (
	"errors"
	"fmt"
	"sort"

	"uaef.dev/store"
)

// ErrInvalidDAG reports a definition whose edges do not form a DAG over its
// tasks.
var ErrInvalidDAG = errors.New("invalid workflow graph")

// TaskSpec is one task in a workflow definition.
type TaskSpec struct {
	ID     string
	Name   string
	Type   string
	Config map[string]interface{}
}

// EdgeSpec is one dependency edge: To runs after From.
type EdgeSpec struct {
	From string
	To   string
}

// parseTasks decodes the definition's task list.
func parseTasks(raw store.JSONList) ([]TaskSpec, error) {
	tasks := make([]TaskSpec, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: task %d is not an object", ErrInvalidDAG, i)
		}
		id, _ := entry["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: task %d has no id", ErrInvalidDAG, i)
		}
		spec := TaskSpec{ID: id}
		if name, ok := entry["name"].(string); ok && name != "" {
			spec.Name = name
		} else {
			spec.Name = id
		}
		if taskType, ok := entry["type"].(string); ok && taskType != "" {
			spec.Type = taskType
		} else {
			spec.Type = TaskTypeAgent
		}
		if config, ok := entry["config"].(map[string]interface{}); ok {
			spec.Config = config
		} else {
			spec.Config = map[string]interface{}{}
		}
		tasks = append(tasks, spec)
	}
	return tasks, nil
}

// parseEdges decodes the definition's edge list.
func parseEdges(raw store.JSONList) ([]EdgeSpec, error) {
	edges := make([]EdgeSpec, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: edge %d is not an object", ErrInvalidDAG, i)
		}
		from, _ := entry["from"].(string)
		to, _ := entry["to"].(string)
		if from == "" || to == "" {
			return nil, fmt.Errorf("%w: edge %d must have from and to", ErrInvalidDAG, i)
		}
		edges = append(edges, EdgeSpec{From: from, To: to})
	}
	return edges, nil
}

// ValidateDAG checks that the edges form a directed acyclic graph over the
// task ids: ids unique, edge endpoints known, no self-loops, no cycles.
func ValidateDAG(tasks []TaskSpec, edges []EdgeSpec) error {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if known[task.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidDAG, task.ID)
		}
		known[task.ID] = true
	}

	for _, edge := range edges {
		if !known[edge.From] {
			return fmt.Errorf("%w: edge references unknown task %q", ErrInvalidDAG, edge.From)
		}
		if !known[edge.To] {
			return fmt.Errorf("%w: edge references unknown task %q", ErrInvalidDAG, edge.To)
		}
		if edge.From == edge.To {
			return fmt.Errorf("%w: self-loop on task %q", ErrInvalidDAG, edge.From)
		}
	}

	if _, err := ExecutionOrder(tasks, edges); err != nil {
		return err
	}
	return nil
}

// dependencyMap inverts edges into a map of task id to the ids it depends on.
func dependencyMap(edges []EdgeSpec) map[string][]string {
	deps := make(map[string][]string)
	for _, edge := range edges {
		deps[edge.To] = append(deps[edge.To], edge.From)
	}
	return deps
}

// ExecutionOrder returns a topological ordering of the task ids, failing on
// cycles. Ties are broken by task id for a deterministic order.
func ExecutionOrder(tasks []TaskSpec, edges []EdgeSpec) ([]string, error) {
	inDegree := make(map[string]int, len(tasks))
	successors := make(map[string][]string)
	for _, task := range tasks {
		inDegree[task.ID] = 0
	}
	for _, edge := range edges {
		successors[edge.From] = append(successors[edge.From], edge.To)
		inDegree[edge.To]++
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, next := range successors[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(tasks) {
		return nil, fmt.Errorf("%w: cycle detected", ErrInvalidDAG)
	}
	return order, nil
}
