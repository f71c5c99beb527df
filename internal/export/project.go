package export

import (
	"context"

	"github.com/google/uuid"

	"github.com/ALT-F4-LLC/crate/internal/catalog"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

const (
	typeCard       = "Card"
	typeDependency = "Dependency"
	typeView       = "CardListView"
)

// gatherProject loads every project table. Cards, versions, events and
// murmurs are streamed at write time. Template mode never reads the tables
// it would drop.
func (e *Exporter) gatherProject(ctx context.Context, snap *snapshot) error {
	d := snap.source
	ex := snap.ex
	loaders := map[string]loader{}
	for _, table := range catalog.Tables(model.KindProject) {
		if snap.template() && table.OmitInTemplate {
			continue
		}
		switch table.Name {
		case "users":
			// gathered once every other table is known
		case "deliverables":
			loaders[table.Name] = func(ctx context.Context) ([]model.Row, error) {
				return db.SelectWhere(ctx, ex, "deliverables", "id = ?", d.ID)
			}
		case catalog.Cards, catalog.CardVersions:
			physical := d.Tables.Cards
			if table.Name == catalog.CardVersions {
				physical = d.Tables.CardVersions
			}
			snap.names[table.Name] = physical
			snap.streams[table.Name] = stream{table: physical}
		case "events", "murmurs":
			snap.streams[table.Name] = stream{table: table.Name, where: table.Scope + " = ?", args: []any{d.ID}}
		case "history_subscriptions":
			if !e.mail {
				continue
			}
			loaders[table.Name] = scoped(ex, table.Name, table.Scope, d.ID)
		case "plugins":
			loaders[table.Name] = func(ctx context.Context) ([]model.Row, error) {
				return pluginRequirements(ctx, ex, d.ID)
			}
		default:
			loaders[table.Name] = scoped(ex, table.Name, table.Scope, d.ID)
		}
	}
	if err := e.gather(ctx, snap, loaders); err != nil {
		return err
	}

	// Dependencies travel in their own archive, and so do their attachments.
	var dropped []model.Row
	snap.tables["attachings"] = keep(snap.tables["attachings"], func(r model.Row) bool {
		if r.String("attachable_type") == typeDependency {
			dropped = append(dropped, r)
			return false
		}
		return true
	})
	snap.tables["attachments"] = attachedOnly(snap.tables["attachments"], snap.tables["attachings"], dropped, !snap.template())
	return nil
}

func scoped(ex db.Execer, table, scope string, id int64) loader {
	return func(ctx context.Context) ([]model.Row, error) {
		return db.SelectWhere(ctx, ex, table, scope+" = ?", id)
	}
}

// pluginRequirements returns a plugins row for every installed plugin the
// project's plugin data belongs to.
func pluginRequirements(ctx context.Context, ex db.Execer, deliverableID int64) ([]model.Row, error) {
	data, err := db.SelectRows(ctx, ex,
		`SELECT DISTINCT plugin_name FROM plugin_data WHERE deliverable_id = ? ORDER BY plugin_name`, deliverableID)
	if err != nil {
		return nil, err
	}
	installed, err := db.ListPlugins(ctx, ex)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]db.Plugin, len(installed))
	for _, p := range installed {
		versions[p.Name] = p
	}
	rows := make([]model.Row, 0, len(data))
	for _, r := range data {
		p, ok := versions[r.String("plugin_name")]
		if !ok {
			continue
		}
		row := model.NewRow("name", p.Name, "version", p.Version)
		row.SetInt("id", p.ID)
		rows = append(rows, row)
	}
	return rows, nil
}

func keep(rows []model.Row, fn func(model.Row) bool) []model.Row {
	out := rows[:0:0]
	for _, r := range rows {
		if fn(r) {
			out = append(out, r)
		}
	}
	return out
}

// attachedOnly keeps the attachments a kept attaching points at. When loose
// is set it also keeps attachments nothing points at, but never those only
// the dropped attachings pointed at.
func attachedOnly(attachments, kept, dropped []model.Row, loose bool) []model.Row {
	used := map[string]bool{}
	for _, a := range kept {
		used[a.String("attachment_id")] = true
	}
	orphaned := map[string]bool{}
	for _, a := range dropped {
		orphaned[a.String("attachment_id")] = true
	}
	return keep(attachments, func(r model.Row) bool {
		id := r.String("id")
		return used[id] || (loose && !orphaned[id])
	})
}

// templatize strips personal and operational data from a gathered project.
func templatize(snap *snapshot) {
	defs := propertyDefinitions(snap.tables["property_definitions"])

	for _, d := range snap.tables["deliverables"] {
		d.SetBool("template", true)
		d.Set("secret_key", uuid.NewString())
		d.SetInt("card_number_seq", 0)
	}

	for _, table := range catalog.Tables(model.KindProject) {
		if table.Personal {
			snap.tables[table.Name] = keep(snap.tables[table.Name], func(r model.Row) bool {
				return r.IsNull("user_id")
			})
		}
	}
	views := map[string]bool{}
	for _, v := range snap.tables["card_list_views"] {
		views[v.String("id")] = true
	}
	snap.tables["favorites"] = keep(snap.tables["favorites"], func(r model.Row) bool {
		return r.String("favorited_type") != typeView || views[r.String("favorited_id")]
	})

	for _, v := range snap.tables["project_variables"] {
		switch model.VariableType(v.String("data_type")) {
		case model.VariableUser, model.VariableCard:
			v.SetNull("value")
		}
	}

	snap.tables["transition_prerequisites"] = keep(snap.tables["transition_prerequisites"], func(r model.Row) bool {
		return r.String("kind") != "user"
	})
	for _, p := range snap.tables["transition_prerequisites"] {
		pid, _ := p.Int("property_definition_id")
		if pd, ok := defs[pid]; ok && (pd.Kind.RefersToUser() || pd.Kind.RefersToCard()) {
			p.SetNull("value")
		}
	}

	for _, r := range snap.tables["transition_actions"] {
		a := model.ActionFromRow(r)
		pd, ok := defs[a.TargetID]
		if a.TargetType != model.TargetPropertyDefinition || !ok {
			continue
		}
		if a.ValueKind != model.ValueLiteral && a.ValueKind != model.ValueVariable {
			continue
		}
		switch {
		case pd.Kind.RefersToUser():
			a.RequireInput().Apply(r)
		case pd.Kind.RefersToCard():
			a.Unset().Apply(r)
		}
	}

	// No cards travel with a template, so nothing may attach to or tag one.
	notCard := func(col string) func(model.Row) bool {
		return func(r model.Row) bool { return r.String(col) != typeCard }
	}
	snap.tables["attachings"] = keep(snap.tables["attachings"], notCard("attachable_type"))
	snap.tables["taggings"] = keep(snap.tables["taggings"], notCard("taggable_type"))
	snap.tables["attachments"] = attachedOnly(snap.tables["attachments"], snap.tables["attachings"], nil, false)

	// Templates carry no accounts.
	for _, table := range catalog.Tables(model.KindProject) {
		for _, ref := range table.Refs {
			if ref.Entity != "users" || ref.Required {
				continue
			}
			for _, r := range snap.tables[table.Name] {
				if _, present := r[ref.Column]; present {
					r.SetNull(ref.Column)
				}
			}
		}
	}
}
