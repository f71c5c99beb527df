package planner

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError is returned when the DAG contains a cycle and topological
// sorting is not possible.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among tables: %s", strings.Join(e.Tables, ", "))
}

// TopoSort performs a topological sort on the DAG using Kahn's algorithm.
// It returns table names grouped by topological level: level 0 contains
// tables that reference nothing, level 1 contains tables whose references are
// all in level 0, and so on. Tables within a level are independent.
//
// Returns a CycleError if the graph contains a cycle, listing the tables
// involved in the cycle.
func TopoSort(dag *DAG) ([][]string, error) {
	// Build a mutable in-degree map.
	inDegree := make(map[string]int, len(dag.Nodes))
	for name, node := range dag.Nodes {
		inDegree[name] = len(node.Reverse)
	}

	// Seed the queue with nodes that have in-degree 0.
	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var levels [][]string
	processed := 0

	for len(queue) > 0 {
		level := make([]string, len(queue))
		copy(level, queue)
		sortByStage(dag, level)
		levels = append(levels, level)
		processed += len(level)

		var nextQueue []string
		for _, name := range queue {
			for neighbor := range dag.Nodes[name].Forward {
				inDegree[neighbor]--
				if inDegree[neighbor] == 0 {
					nextQueue = append(nextQueue, neighbor)
				}
			}
		}
		queue = nextQueue
	}

	if processed != len(dag.Nodes) {
		return nil, cycleError(inDegree)
	}

	return levels, nil
}

// Order returns a single restore order respecting every reference. Among
// the tables ready at each step the lowest stage goes first, then the name,
// so the order is deterministic.
func Order(dag *DAG) ([]string, error) {
	inDegree := make(map[string]int, len(dag.Nodes))
	var ready []string
	for name, node := range dag.Nodes {
		inDegree[name] = len(node.Reverse)
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(dag.Nodes))
	for len(ready) > 0 {
		sortByStage(dag, ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for neighbor := range dag.Nodes[next].Forward {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
			}
		}
	}

	if len(order) != len(dag.Nodes) {
		return nil, cycleError(inDegree)
	}
	return order, nil
}

func cycleError(inDegree map[string]int) *CycleError {
	// Collect names of nodes still in the graph (part of cycles).
	var names []string
	for name, deg := range inDegree {
		if deg > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return &CycleError{Tables: names}
}

func sortByStage(dag *DAG, names []string) {
	sort.Slice(names, func(i, j int) bool {
		si, sj := dag.Nodes[names[i]].Spec.Stage, dag.Nodes[names[j]].Spec.Stage
		if si != sj {
			return si < sj
		}
		return names[i] < names[j]
	})
}
