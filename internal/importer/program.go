package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// program is the program-specific state of a restore.
type program struct {
	*restore
	req      Request
	projects *projectIndex
}

func (r *restore) setupProgram(req Request) {
	p := &program{restore: r, req: req, projects: newProjectIndex(r.ex, r.a.set["deliverables"])}
	r.hooks = map[string]hooks{
		"deliverables":     {before: p.deliverable},
		"program_projects": {prepare: p.programProject},
		"objectives":       {before: p.objective},
		"works":            {prepare: p.work},
	}
	r.finish = func(context.Context) error {
		if r.dest == nil {
			return errs.InvalidArchive("the archive holds no program", nil)
		}
		return nil
	}
}

// deliverable creates the program from its exported row and resolves every
// project row against the destination by identifier. A referenced project
// the destination lacks fails the import.
func (p *program) deliverable(ctx context.Context, rc *rowCtx) error {
	rc.done = true
	if model.Kind(rc.src.String("kind")) != model.KindProgram {
		d, err := p.projects.lookup(ctx, rc.src.String("id"))
		if err != nil {
			return errs.Internal("finding project", err)
		}
		if d == nil {
			return errs.ProjectMissing(rc.src.String("identifier"))
		}
		rc.newID = d.ID
		return nil
	}
	if p.dest != nil {
		rc.skip = true
		return nil
	}

	identifier := p.req.Identifier
	if identifier == "" {
		identifier = rc.src.String("identifier")
	}
	name := p.req.Name
	if name == "" {
		name = rc.src.String("name")
	}
	c, err := names.claim(ctx, p.ex, identifier, name)
	if err != nil {
		return errs.Internal("choosing a destination identifier", err)
	}
	p.claim = c
	d := &model.Deliverable{
		Identifier:    c.Identifier,
		Name:          c.Name,
		Kind:          model.KindProgram,
		Description:   rc.src.String("description"),
		SchemaVersion: db.CurrentSchemaVersion,
	}
	if err := db.CreateDeliverable(ctx, p.ex, d); err != nil {
		return errs.Internal("creating program", err)
	}
	p.dest = d
	rc.newID = d.ID
	return nil
}

// programProject checks that the project still has the property the
// program reads its done state from.
func (p *program) programProject(ctx context.Context, rc *rowCtx) error {
	done := rc.row.String("done_property_name")
	if done == "" {
		return nil
	}
	projectID, _ := rc.row.Int("project_id")
	d, err := p.projects.get(ctx, projectID)
	if err != nil {
		return errs.Internal("finding project", err)
	}
	defs, err := db.ListPropertyDefinitions(ctx, p.ex, projectID)
	if err != nil {
		return errs.Internal("reading property definitions", err)
	}
	for _, pd := range defs {
		if pd.Name == done {
			return nil
		}
	}
	return errs.IncompatibleProject(d.Identifier, fmt.Sprintf("property %s no longer exists", done))
}

func (p *program) objective(ctx context.Context, rc *rowCtx) error {
	status := rc.row.String("status")
	if err := model.ValidateObjectiveStatus(model.ObjectiveStatus(status)); err != nil {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "status", status, "is not an objective status"))
	}
	return nil
}

// work keeps a work item whose card is gone, without its card.
func (p *program) work(ctx context.Context, rc *rowCtx) error {
	number, ok := rc.row.Int("card_number")
	if !ok {
		return nil
	}
	projectID, _ := rc.row.Int("project_id")
	d, err := p.projects.get(ctx, projectID)
	if err != nil {
		return errs.Internal("finding project", err)
	}
	if _, found, err := p.projects.card(ctx, d, number); err != nil {
		return errs.Internal("finding card", err)
	} else if !found {
		rc.row.SetNull("card_number")
		p.t.Warn(ctx, errs.ReferenceUnresolved(rc.table.Name, rc.num, "card_number", rc.src.String("card_number")))
	}
	return nil
}

// projectIndex resolves the project rows an archive carries to destination
// projects by identifier.
type projectIndex struct {
	ex db.Execer
	// identifiers maps exported project ids to identifiers.
	identifiers map[string]string
	byOld       map[string]*model.Deliverable
	byID        map[int64]*model.Deliverable
}

func newProjectIndex(ex db.Execer, rows []model.Row) *projectIndex {
	ix := &projectIndex{
		ex:          ex,
		identifiers: map[string]string{},
		byOld:       map[string]*model.Deliverable{},
		byID:        map[int64]*model.Deliverable{},
	}
	for _, r := range rows {
		if model.Kind(r.String("kind")) != model.KindProgram {
			ix.identifiers[r.String("id")] = r.String("identifier")
		}
	}
	return ix
}

// identifier returns the identifier of the exported project old.
func (ix *projectIndex) identifier(old string) string { return ix.identifiers[old] }

// lookup returns the destination project for the exported project id old,
// or nil when the destination has none.
func (ix *projectIndex) lookup(ctx context.Context, old string) (*model.Deliverable, error) {
	if d, ok := ix.byOld[old]; ok {
		return d, nil
	}
	identifier, ok := ix.identifiers[old]
	if !ok {
		return nil, nil
	}
	d, err := db.FindDeliverable(ctx, ix.ex, identifier)
	if errors.Is(err, db.ErrNotFound) || (err == nil && !d.IsProject()) {
		ix.byOld[old] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ix.byOld[old] = d
	ix.byID[d.ID] = d
	return d, nil
}

// get returns the destination project with id.
func (ix *projectIndex) get(ctx context.Context, id int64) (*model.Deliverable, error) {
	if d, ok := ix.byID[id]; ok {
		return d, nil
	}
	d, err := db.GetDeliverable(ctx, ix.ex, id)
	if err != nil {
		return nil, err
	}
	ix.byID[id] = d
	return d, nil
}

// card returns the id of the card numbered number in d.
func (ix *projectIndex) card(ctx context.Context, d *model.Deliverable, number int64) (int64, bool, error) {
	rows, err := db.SelectWhere(ctx, ix.ex, d.Tables.Cards, "number = ?", number)
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	id, ok := rows[0].Int("id")
	return id, ok, nil
}
