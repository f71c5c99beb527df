package planner

import "github.com/ALT-F4-LLC/crate/internal/filter"

// Phase is a group of tables that can be processed in parallel.
type Phase struct {
	Number int
	Tables []string
}

// Plan is the full execution plan: a sequence of phases with summary stats.
type Plan struct {
	Phases         []Phase
	TotalTables    int
	TotalPhases    int
	MaxParallelism int
}

// PlanFilters controls which tables are included in the generated plan.
type PlanFilters struct {
	Exclude []string
}

// GeneratePlan builds an execution plan from specs. Phase 1 contains tables
// that reference nothing, phase N contains tables whose references are all
// in earlier phases. Excluded tables are removed before sorting, so tables
// referencing them move up accordingly.
func GeneratePlan(specs []Spec, filters PlanFilters) (*Plan, error) {
	dag := BuildDAG(specs)

	if exclude := filter.ToStringSet(filters.Exclude); len(exclude) > 0 {
		keep := make(map[string]struct{}, len(dag.Nodes))
		for name := range dag.Nodes {
			if _, ok := exclude[name]; !ok {
				keep[name] = struct{}{}
			}
		}
		dag = Scope(dag, keep)
	}

	levels, err := TopoSort(dag)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, level := range levels {
		plan.Phases = append(plan.Phases, Phase{
			Number: len(plan.Phases) + 1,
			Tables: level,
		})
	}

	// Compute summary stats.
	for _, phase := range plan.Phases {
		plan.TotalTables += len(phase.Tables)
		if len(phase.Tables) > plan.MaxParallelism {
			plan.MaxParallelism = len(phase.Tables)
		}
	}
	plan.TotalPhases = len(plan.Phases)

	return plan, nil
}

// RestoreOrder returns the sequential order in which specs must be restored.
func RestoreOrder(specs []Spec) ([]string, error) {
	return Order(BuildDAG(specs))
}
