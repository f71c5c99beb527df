package importer

import (
	"context"
	"fmt"
	"slices"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

const typeDependency = "Dependency"

// dependencies is the dependency-specific state of a restore.
type dependencies struct {
	*restore
	projects *projectIndex
	// dropped holds the exported ids of dependencies that were skipped, so
	// rows attached to them are skipped with them.
	dropped map[string]bool
	// exported holds the exported status of each restored dependency, keyed
	// by destination id.
	exported map[int64]model.DependencyStatus
}

func (r *restore) setupDependencies() {
	d := &dependencies{
		restore:  r,
		projects: newProjectIndex(r.ex, r.a.set["deliverables"]),
		dropped:  map[string]bool{},
		exported: map[int64]model.DependencyStatus{},
	}
	r.hooks = map[string]hooks{
		"users":                      {before: r.restoreUser},
		"deliverables":               {before: d.deliverable},
		"dependencies":               {before: d.dependency, after: d.recordStatus},
		"dependency_resolving_cards": {before: d.childOf("dependency_id"), prepare: d.resolvingCard},
		"attachments":                {before: d.attachment, after: r.copyAttachment},
		"attachings":                 {before: d.childOf("attachable_id")},
	}
	r.finish = d.finish
}

// deliverable resolves a referenced project by identifier. Dependencies on
// projects the destination lacks are skipped when they are restored.
func (d *dependencies) deliverable(ctx context.Context, rc *rowCtx) error {
	rc.done = true
	p, err := d.projects.lookup(ctx, rc.src.String("id"))
	if err != nil {
		return errs.Internal("finding project", err)
	}
	if p == nil {
		rc.skip = true
		return nil
	}
	rc.newID = p.ID
	return nil
}

// raising returns the destination project and card a dependency is raised
// from, or why it cannot be imported.
func raising(ctx context.Context, projects *projectIndex, dep model.Row) (*model.Deliverable, int64, string, error) {
	old := dep.String("raising_project_id")
	p, err := projects.lookup(ctx, old)
	if err != nil {
		return nil, 0, "", err
	}
	if p == nil {
		identifier := projects.identifier(old)
		if identifier == "" {
			identifier = old
		}
		return nil, 0, fmt.Sprintf("raising project %s does not exist", identifier), nil
	}
	number, ok := dep.Int("raising_card_number")
	if !ok {
		return p, 0, "its raising card no longer exists", nil
	}
	cardID, found, err := projects.card(ctx, p, number)
	if err != nil {
		return nil, 0, "", err
	}
	if !found {
		return p, 0, fmt.Sprintf("raising card #%d does not exist in %s", number, p.Identifier), nil
	}
	return p, cardID, "", nil
}

func (d *dependencies) dependency(ctx context.Context, rc *rowCtx) error {
	name := rc.row.String("name")
	p, cardID, why, err := raising(ctx, d.projects, rc.row)
	if err != nil {
		return errs.Internal("finding raising card", err)
	}
	if why != "" {
		d.dropped[rc.src.String("id")] = true
		d.reject(ctx, rc, errs.DependencySkipped(name, why))
		return nil
	}
	status := model.DependencyStatus(rc.row.String("status"))
	if err := model.ValidateDependencyStatus(status); err != nil {
		d.dropped[rc.src.String("id")] = true
		d.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "status", string(status), "is not a dependency status"))
		return nil
	}
	delete(rc.row, "raising_card_number")
	rc.row.SetInt("raising_card_id", cardID)

	highest, err := db.MaxInt(ctx, d.ex, "dependencies", "number", "raising_project_id = ?", p.ID)
	if err != nil {
		return errs.Internal("numbering dependency", err)
	}
	rc.row.SetInt("number", highest+1)
	// recomputed once the resolving cards are in place
	rc.row.Set("status", string(model.DependencyNew))
	return nil
}

func (d *dependencies) recordStatus(_ context.Context, rc *rowCtx) error {
	d.exported[rc.newID] = model.DependencyStatus(rc.src.String("status"))
	return nil
}

// childOf skips rows belonging to a dependency that was not imported.
func (d *dependencies) childOf(col string) func(context.Context, *rowCtx) error {
	return func(_ context.Context, rc *rowCtx) error {
		if col == "attachable_id" && rc.row.String("attachable_type") != typeDependency {
			return nil
		}
		if d.dropped[rc.row.String(col)] {
			rc.skip = true
		}
		return nil
	}
}

func (d *dependencies) resolvingCard(ctx context.Context, rc *rowCtx) error {
	projectID, _ := rc.row.Int("project_id")
	number, ok := rc.row.Int("card_number")
	if !ok {
		d.reject(ctx, rc, errs.RowOrphaned(rc.table.Name, rc.num, "card_number", rc.src.String("card_number")))
		return nil
	}
	p, err := d.projects.get(ctx, projectID)
	if err != nil {
		return errs.Internal("finding resolving project", err)
	}
	cardID, found, err := d.projects.card(ctx, p, number)
	if err != nil {
		return errs.Internal("finding resolving card", err)
	}
	if !found {
		d.reject(ctx, rc, errs.RowOrphaned(rc.table.Name, rc.num, "card_number", rc.src.String("card_number")))
		return nil
	}
	delete(rc.row, "card_number")
	rc.row.SetInt("card_id", cardID)
	return nil
}

// attachment keeps only attachments an attaching of a restored dependency
// points at.
func (d *dependencies) attachment(_ context.Context, rc *rowCtx) error {
	id := rc.src.String("id")
	for _, a := range d.a.set["attachings"] {
		if a.String("attachment_id") != id || a.String("attachable_type") != typeDependency {
			continue
		}
		if _, ok := d.remap.ResolveValue("dependencies", a.String("attachable_id")); ok {
			return nil
		}
	}
	rc.skip = true
	return nil
}

// finish derives each dependency's status from the resolving cards that
// made it into the destination.
func (d *dependencies) finish(ctx context.Context) error {
	table, _ := db.InstanceTable("dependencies")
	ids := make([]int64, 0, len(d.exported))
	for id := range d.exported {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		n, err := db.Count(ctx, d.ex, "dependency_resolving_cards", "dependency_id = ?", id)
		if err != nil {
			return errs.Internal("counting resolving cards", err)
		}
		status := model.RecomputeDependencyStatus(d.exported[id], n)
		if err := db.UpdateColumns(ctx, d.ex, table, id, model.NewRow("status", string(status))); err != nil {
			return errs.Internal("updating dependency status", err)
		}
	}
	return nil
}

// PreviewEntry is one dependency of a dependency archive.
type PreviewEntry struct {
	Name           string `json:"name"`
	RaisingProject string `json:"raising_project"`
	RaisingCard    int64  `json:"raising_card,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Preview sorts the dependencies of an archive into those an import would
// restore and those it would skip.
type Preview struct {
	Importable []PreviewEntry `json:"importable"`
	Errors     []PreviewEntry `json:"errors"`
}

// Preview reads a dependency archive and reports what importing it would
// do, without changing the destination.
func (im *Importer) Preview(ctx context.Context, path string) (*Preview, error) {
	a, cleanup, err := im.open(path)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	if a.kind != model.KindDependencies {
		return nil, errs.InvalidRequest(fmt.Sprintf("only dependency archives can be previewed, not a %s archive", a.kind))
	}

	projects := newProjectIndex(im.db, a.set["deliverables"])
	out := &Preview{Importable: []PreviewEntry{}, Errors: []PreviewEntry{}}
	for _, dep := range a.set["dependencies"] {
		_, _, why, err := raising(ctx, projects, dep)
		if err != nil {
			return nil, errs.Internal("finding raising card", err)
		}
		entry := PreviewEntry{
			Name:           dep.String("name"),
			RaisingProject: projects.identifier(dep.String("raising_project_id")),
			Reason:         why,
		}
		entry.RaisingCard, _ = dep.Int("raising_card_number")
		if why != "" {
			out.Errors = append(out.Errors, entry)
			continue
		}
		out.Importable = append(out.Importable, entry)
	}
	return out, nil
}
