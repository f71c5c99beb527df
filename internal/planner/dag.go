package planner

// Spec declares one table of an export plan and the tables whose ids it
// references.
type Spec struct {
	Name      string
	Stage     Stage
	DependsOn []string
}

// Stage is the coarse restore phase of a table. Within the constraints of the
// dependency graph, lower stages are restored first.
type Stage int

const (
	StageAccounts Stage = iota
	StageStructure
	StageContent
	StageHistory
	StageCrossReference
)

// Node wraps a Spec with forward and reverse dependency edges.
// Forward edges point from a referenced table to the tables referencing it.
// Reverse edges point from a referencing table back to what it references.
type Node struct {
	Spec    Spec
	Forward map[string]struct{} // tables that reference this one
	Reverse map[string]struct{} // tables this one references
}

// DAG holds the directed acyclic graph of table references.
type DAG struct {
	Nodes map[string]*Node
}

// BuildDAG constructs a DAG from table specs. Only tables present in the
// input are included as nodes; references to other tables are ignored, as
// are self references, which the importer resolves in a second pass.
func BuildDAG(specs []Spec) *DAG {
	dag := &DAG{
		Nodes: make(map[string]*Node, len(specs)),
	}

	for _, s := range specs {
		dag.Nodes[s.Name] = &Node{
			Spec:    s,
			Forward: make(map[string]struct{}),
			Reverse: make(map[string]struct{}),
		}
	}

	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				continue
			}
			from, ok := dag.Nodes[dep]
			if !ok {
				continue
			}
			from.Forward[s.Name] = struct{}{}
			dag.Nodes[s.Name].Reverse[dep] = struct{}{}
		}
	}

	return dag
}

// Scope returns a new DAG holding only the named tables and the edges
// between them.
func Scope(dag *DAG, keep map[string]struct{}) *DAG {
	scoped := &DAG{
		Nodes: make(map[string]*Node, len(keep)),
	}
	for name := range keep {
		orig, ok := dag.Nodes[name]
		if !ok {
			continue
		}
		node := &Node{
			Spec:    orig.Spec,
			Forward: make(map[string]struct{}),
			Reverse: make(map[string]struct{}),
		}
		// Only include edges to other nodes in the scoped set.
		for fwd := range orig.Forward {
			if _, ok := keep[fwd]; ok {
				node.Forward[fwd] = struct{}{}
			}
		}
		for rev := range orig.Reverse {
			if _, ok := keep[rev]; ok {
				node.Reverse[rev] = struct{}{}
			}
		}
		scoped.Nodes[name] = node
	}
	return scoped
}
