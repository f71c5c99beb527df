// Package catalog describes the tables each kind of archive carries: the
// restore stage of every table, the column scoping it to its deliverable,
// and the columns referencing rows of other tables.
package catalog

import (
	"sort"

	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/planner"
)

// Logical names of the per-project card tables. Archives store them under
// the physical names recorded in the deliverables row.
const (
	Cards        = "cards"
	CardVersions = "card_versions"
)

// Ref is a column holding the id of a row in another table.
type Ref struct {
	Column string
	// Entity is the referenced table. Polymorphic references leave it empty
	// and name their targets in Types, keyed by the value of TypeColumn.
	Entity     string
	TypeColumn string
	Types      map[string]string
	// Required refs drop the row when they cannot be resolved; others are
	// unset.
	Required bool
	// Deferred refs point at tables restored later (or at the table itself)
	// and are rewritten once every table is in place.
	Deferred bool
}

// Target returns the table r points at for row.
func (r Ref) Target(row model.Row) (string, bool) {
	if r.Entity != "" {
		return r.Entity, true
	}
	t, ok := r.Types[row.String(r.TypeColumn)]
	return t, ok
}

// Table describes one archive table.
type Table struct {
	Name  string
	Stage planner.Stage
	// Scope is the column holding the owning deliverable's id.
	Scope string
	Refs  []Ref
	// OmitInTemplate tables carry operational data templates never include.
	OmitInTemplate bool
	// Personal tables hold per-user rows (user_id set) stripped from templates.
	Personal bool
	// Optional tables may be absent from an archive.
	Optional bool
}

// Ref returns the reference declared on column.
func (t *Table) Ref(column string) (Ref, bool) {
	for _, r := range t.Refs {
		if r.Column == column {
			return r, true
		}
	}
	return Ref{}, false
}

func ref(col, entity string) Ref { return Ref{Column: col, Entity: entity} }
func required(col, entity string) Ref { return Ref{Column: col, Entity: entity, Required: true} }
func userRef(col string) Ref { return ref(col, "users") }
func poly(col, typeCol string, types map[string]string) Ref {
	return Ref{Column: col, TypeColumn: typeCol, Types: types, Required: true}
}

var cardOrPage = map[string]string{"Card": Cards, "Page": "pages"}

var actionTargets = map[string]string{
	string(model.TargetPropertyDefinition): "property_definitions",
	string(model.TargetTreeConfiguration):  "tree_configurations",
}

var projectTables = []*Table{
	{Name: "users", Stage: planner.StageAccounts},
	{Name: "deliverables", Stage: planner.StageAccounts},
	{Name: "members", Stage: planner.StageAccounts, Scope: "deliverable_id", OmitInTemplate: true,
		Refs: []Ref{required("user_id", "users")}},

	{Name: "card_types", Stage: planner.StageStructure, Scope: "deliverable_id"},
	{Name: "tree_configurations", Stage: planner.StageStructure, Scope: "deliverable_id"},
	{Name: "property_definitions", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{ref("tree_configuration_id", "tree_configurations")}},
	{Name: "enumeration_values", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{required("property_definition_id", "property_definitions")}},
	{Name: "property_type_mappings", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{required("card_type_id", "card_types"), required("property_definition_id", "property_definitions")}},
	{Name: "project_variables", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{ref("card_type_id", "card_types")}},
	{Name: "variable_bindings", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{required("project_variable_id", "project_variables"), required("property_definition_id", "property_definitions")}},
	{Name: "tags", Stage: planner.StageStructure, Scope: "deliverable_id"},
	{Name: "transitions", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{ref("card_type_id", "card_types")}},
	{Name: "transition_prerequisites", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{
			required("transition_id", "transitions"),
			ref("property_definition_id", "property_definitions"),
			userRef("user_id"),
			ref("project_variable_id", "project_variables"),
		}},
	{Name: "transition_actions", Stage: planner.StageStructure, Scope: "deliverable_id",
		Refs: []Ref{
			required("transition_id", "transitions"),
			poly("target_id", "target_type", actionTargets),
			ref("variable_id", "project_variables"),
		}},

	{Name: Cards, Stage: planner.StageContent, OmitInTemplate: true,
		Refs: []Ref{required("card_type_id", "card_types"), userRef("created_by_user_id"), userRef("modified_by_user_id")}},
	{Name: "pages", Stage: planner.StageContent, Scope: "deliverable_id",
		Refs: []Ref{userRef("created_by_user_id"), userRef("modified_by_user_id")}},
	{Name: "tree_belongings", Stage: planner.StageContent, Scope: "deliverable_id", OmitInTemplate: true,
		Refs: []Ref{required("tree_configuration_id", "tree_configurations"), required("card_id", Cards)}},
	{Name: "attachments", Stage: planner.StageContent, Scope: "deliverable_id"},
	{Name: "attachings", Stage: planner.StageContent, Scope: "deliverable_id",
		Refs: []Ref{required("attachment_id", "attachments"), poly("attachable_id", "attachable_type", cardOrPage)}},
	{Name: "taggings", Stage: planner.StageContent, Scope: "deliverable_id",
		Refs: []Ref{required("tag_id", "tags"), poly("taggable_id", "taggable_type", cardOrPage)}},

	{Name: CardVersions, Stage: planner.StageHistory, OmitInTemplate: true,
		Refs: []Ref{required("card_id", Cards), ref("card_type_id", "card_types"),
			userRef("created_by_user_id"), userRef("modified_by_user_id")}},
	{Name: "events", Stage: planner.StageHistory, Scope: "deliverable_id", OmitInTemplate: true,
		Refs: []Ref{poly("origin_id", "origin_type", cardOrPage), userRef("created_by_user_id")}},
	{Name: "murmurs", Stage: planner.StageHistory, Scope: "deliverable_id", OmitInTemplate: true,
		Refs: []Ref{userRef("author_id")}},

	{Name: "card_murmur_links", Stage: planner.StageCrossReference, Scope: "deliverable_id", OmitInTemplate: true,
		Refs: []Ref{required("card_id", Cards), required("murmur_id", "murmurs")}},
	{Name: "card_list_views", Stage: planner.StageCrossReference, Scope: "deliverable_id", Personal: true,
		Refs: []Ref{userRef("user_id")}},
	{Name: "favorites", Stage: planner.StageCrossReference, Scope: "deliverable_id", Personal: true,
		Refs: []Ref{
			poly("favorited_id", "favorited_type", map[string]string{"Page": "pages", "CardListView": "card_list_views"}),
			userRef("user_id"),
		}},
	{Name: "history_subscriptions", Stage: planner.StageCrossReference, Scope: "deliverable_id",
		OmitInTemplate: true, Optional: true, Refs: []Ref{required("user_id", "users")}},
	{Name: "plugin_data", Stage: planner.StageCrossReference, Scope: "deliverable_id", OmitInTemplate: true},
	// plugins records the plugin schemas plugin_data needs; it is checked, never restored.
	{Name: "plugins", Stage: planner.StageAccounts, OmitInTemplate: true, Optional: true},
}

var programTables = []*Table{
	{Name: "deliverables", Stage: planner.StageAccounts},
	{Name: "program_projects", Stage: planner.StageStructure, Scope: "program_id",
		Refs: []Ref{required("project_id", "deliverables")}},
	{Name: "objectives", Stage: planner.StageContent, Scope: "program_id"},
	{Name: "works", Stage: planner.StageContent, Scope: "program_id",
		Refs: []Ref{required("objective_id", "objectives"), required("project_id", "deliverables")}},
	{Name: "plans", Stage: planner.StageContent, Scope: "program_id"},
}

var dependencyTables = []*Table{
	{Name: "users", Stage: planner.StageAccounts},
	{Name: "deliverables", Stage: planner.StageAccounts},
	{Name: "dependencies", Stage: planner.StageContent,
		Refs: []Ref{
			required("raising_project_id", "deliverables"),
			ref("resolving_project_id", "deliverables"),
			userRef("raising_user_id"),
		}},
	{Name: "dependency_resolving_cards", Stage: planner.StageContent,
		Refs: []Ref{required("dependency_id", "dependencies"), required("project_id", "deliverables")}},
	// Attachments are restored once it is known which dependencies survived.
	{Name: "attachments", Stage: planner.StageCrossReference, Scope: "deliverable_id"},
	{Name: "attachings", Stage: planner.StageCrossReference, Scope: "deliverable_id",
		Refs: []Ref{
			required("attachment_id", "attachments"),
			poly("attachable_id", "attachable_type", map[string]string{"Dependency": "dependencies"}),
		}},
}

// Tables returns the tables an archive of kind carries, in declaration
// order. The returned tables must not be modified.
func Tables(kind model.Kind) []*Table {
	switch kind {
	case model.KindProgram:
		return programTables
	case model.KindDependencies:
		return dependencyTables
	default:
		return projectTables
	}
}

// Lookup returns the named table of kind.
func Lookup(kind model.Kind, name string) (*Table, bool) {
	for _, t := range Tables(kind) {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Specs returns planner specs for the tables of kind. A table depends on
// every table its non-deferred references point at.
func Specs(kind model.Kind) []planner.Spec {
	tables := Tables(kind)
	specs := make([]planner.Spec, 0, len(tables))
	for _, t := range tables {
		deps := map[string]struct{}{}
		for _, r := range t.Refs {
			if r.Deferred {
				continue
			}
			if r.Entity != "" {
				deps[r.Entity] = struct{}{}
			}
			for _, target := range r.Types {
				deps[target] = struct{}{}
			}
		}
		spec := planner.Spec{Name: t.Name, Stage: t.Stage}
		for d := range deps {
			spec.DependsOn = append(spec.DependsOn, d)
		}
		sort.Strings(spec.DependsOn)
		specs = append(specs, spec)
	}
	return specs
}

// PropertyRef returns the reference a card property column of the given
// kind holds, if any. Card-valued properties may point at cards restored
// later in the same table and are always deferred.
func PropertyRef(column string, kind model.PropertyKind) (Ref, bool) {
	switch {
	case kind.RefersToUser():
		return userRef(column), true
	case kind.RefersToCard():
		return Ref{Column: column, Entity: Cards, Deferred: true}, true
	}
	return Ref{}, false
}
