package export

import (
	"context"
	"errors"
	"sort"

	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

// projectRefs collects the ids of projects an archive references and
// renders them as identifier-only deliverables rows. Importers resolve them
// against the destination by identifier.
type projectRefs struct {
	ids   map[int64]struct{}
	cache map[int64]*model.Deliverable
}

func newProjectRefs() *projectRefs {
	return &projectRefs{ids: map[int64]struct{}{}, cache: map[int64]*model.Deliverable{}}
}

func (p *projectRefs) add(r model.Row, col string) {
	if id, ok := r.Int(col); ok {
		p.ids[id] = struct{}{}
	}
}

func (p *projectRefs) get(ctx context.Context, ex db.Execer, id int64) (*model.Deliverable, error) {
	if d, ok := p.cache[id]; ok {
		return d, nil
	}
	d, err := db.GetDeliverable(ctx, ex, id)
	if err != nil {
		return nil, err
	}
	p.cache[id] = d
	return d, nil
}

func (p *projectRefs) rows(ctx context.Context, ex db.Execer) ([]model.Row, error) {
	ids := make([]int64, 0, len(p.ids))
	for id := range p.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]model.Row, 0, len(ids))
	for _, id := range ids {
		d, err := p.get(ctx, ex, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r := model.NewRow("identifier", d.Identifier, "name", d.Name, "kind", string(d.Kind))
		r.SetInt("id", d.ID)
		out = append(out, r)
	}
	return out, nil
}

// cardNumber returns the number of card id in project's card table.
func (p *projectRefs) cardNumber(ctx context.Context, ex db.Execer, projectID, cardID int64) (int64, bool, error) {
	d, err := p.get(ctx, ex, projectID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil || d.Tables.Cards == "" {
		return 0, false, err
	}
	rows, err := db.SelectWhere(ctx, ex, d.Tables.Cards, "id = ?", cardID)
	if err != nil || len(rows) == 0 {
		return 0, false, err
	}
	n, ok := rows[0].Int("number")
	return n, ok, nil
}

// cardIDToNumber replaces r's raw card id column with the card's number. A
// card that no longer exists leaves a null number.
func (p *projectRefs) cardIDToNumber(ctx context.Context, ex db.Execer, r model.Row, projectCol, idCol, numberCol string) error {
	projectID, ok1 := r.Int(projectCol)
	cardID, ok2 := r.Int(idCol)
	delete(r, idCol)
	r.SetNull(numberCol)
	if !ok1 || !ok2 {
		return nil
	}
	n, ok, err := p.cardNumber(ctx, ex, projectID, cardID)
	if err != nil {
		return err
	}
	if ok {
		r.SetInt(numberCol, n)
	}
	return nil
}

// gatherDependencies loads the dependencies the project raised or must
// resolve. Card ids become card numbers, which survive the move to another
// instance.
func (e *Exporter) gatherDependencies(ctx context.Context, snap *snapshot) error {
	id := snap.source.ID
	deps, err := db.SelectWhere(ctx, snap.ex, "dependencies", "raising_project_id = ? OR resolving_project_id = ?", id, id)
	if err != nil {
		return errs.Internal("reading dependencies", err)
	}

	projects := newProjectRefs()
	depIDs := map[string]bool{}
	var resolving []model.Row
	for _, dep := range deps {
		depIDs[dep.String("id")] = true
		projects.add(dep, "raising_project_id")
		projects.add(dep, "resolving_project_id")
		if err := projects.cardIDToNumber(ctx, snap.ex, dep, "raising_project_id", "raising_card_id", "raising_card_number"); err != nil {
			return errs.Internal("reading raising card", err)
		}

		rows, err := db.SelectWhere(ctx, snap.ex, "dependency_resolving_cards", "dependency_id = ?", dep.String("id"))
		if err != nil {
			return errs.Internal("reading resolving cards", err)
		}
		for _, rc := range rows {
			projects.add(rc, "project_id")
			if err := projects.cardIDToNumber(ctx, snap.ex, rc, "project_id", "card_id", "card_number"); err != nil {
				return errs.Internal("reading resolving card", err)
			}
		}
		resolving = append(resolving, rows...)
	}

	attachings, err := db.SelectWhere(ctx, snap.ex, "attachings", "attachable_type = ?", typeDependency)
	if err != nil {
		return errs.Internal("reading attachings", err)
	}
	attachings = keep(attachings, func(r model.Row) bool { return depIDs[r.String("attachable_id")] })
	var attachments []model.Row
	for _, a := range attachings {
		rows, err := db.SelectWhere(ctx, snap.ex, "attachments", "id = ?", a.String("attachment_id"))
		if err != nil {
			return errs.Internal("reading attachments", err)
		}
		attachments = append(attachments, rows...)
	}

	deliverables, err := projects.rows(ctx, snap.ex)
	if err != nil {
		return errs.Internal("reading projects", err)
	}
	snap.tables["dependencies"] = nonNil(deps)
	snap.tables["dependency_resolving_cards"] = nonNil(resolving)
	snap.tables["attachings"] = nonNil(attachings)
	snap.tables["attachments"] = nonNil(attachments)
	snap.tables["deliverables"] = deliverables
	return nil
}

// gatherProgram loads a program with the projects it plans work in.
func (e *Exporter) gatherProgram(ctx context.Context, snap *snapshot) error {
	id := snap.source.ID
	loaders := map[string]loader{
		"program_projects": scoped(snap.ex, "program_projects", "program_id", id),
		"objectives":       scoped(snap.ex, "objectives", "program_id", id),
		"works":            scoped(snap.ex, "works", "program_id", id),
		"plans":            scoped(snap.ex, "plans", "program_id", id),
	}
	if err := e.gather(ctx, snap, loaders); err != nil {
		return err
	}

	program, err := db.SelectWhere(ctx, snap.ex, "deliverables", "id = ?", id)
	if err != nil {
		return errs.Internal("reading program", err)
	}
	projects := newProjectRefs()
	for _, table := range []string{"program_projects", "works"} {
		for _, r := range snap.tables[table] {
			projects.add(r, "project_id")
		}
	}
	rows, err := projects.rows(ctx, snap.ex)
	if err != nil {
		return errs.Internal("reading projects", err)
	}
	snap.tables["deliverables"] = append(program, rows...)
	return nil
}

func nonNil(rows []model.Row) []model.Row {
	if rows == nil {
		return []model.Row{}
	}
	return rows
}
