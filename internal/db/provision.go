package db

import (
	"context"
	"fmt"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

// CardTables returns the definitions of a project's card and card version
// tables, with one TEXT column per property column name.
func CardTables(ts model.TableSet, propertyColumns []string) (cards, versions *Table) {
	cards = &Table{Name: ts.Cards, Columns: []Column{
		id(), unique(integer("number")), required(text("name")), text("description"), integer("card_type_id"),
		integer("version"), integer("created_by_user_id"), integer("modified_by_user_id"),
		text("created_at"), text("updated_at"),
	}}
	versions = &Table{Name: ts.CardVersions, Columns: []Column{
		id(), required(integer("card_id")), integer("number"), integer("version"), text("name"),
		text("description"), integer("card_type_id"), integer("created_by_user_id"),
		integer("modified_by_user_id"), text("updated_at"),
	}}
	for _, col := range propertyColumns {
		cards.Columns = append(cards.Columns, text(col))
		versions.Columns = append(versions.Columns, text(col))
	}
	return cards, versions
}

// ProvisionCardTables creates the per-project card tables named by ts and
// returns their definitions. A table that already exists is an error: the
// caller must pick a fresh identifier first.
func ProvisionCardTables(ctx context.Context, ex Execer, ts model.TableSet, propertyColumns []string) (cards, versions *Table, err error) {
	for _, col := range propertyColumns {
		if !model.IsPropertyColumn(col) {
			return nil, nil, fmt.Errorf("property column %q must start with %q", col, model.PropertyColumnPrefix)
		}
	}
	cards, versions = CardTables(ts, propertyColumns)
	for _, t := range []*Table{cards, versions} {
		if len(t.Name) > ex.Dialect().MaxIdentifierLength() {
			return nil, nil, fmt.Errorf("table name %q exceeds %d characters", t.Name, ex.Dialect().MaxIdentifierLength())
		}
		exists, err := TableExists(ctx, ex, t.Name)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return nil, nil, fmt.Errorf("table %s already exists", t.Name)
		}
		if err := CreateTable(ctx, ex, t); err != nil {
			return nil, nil, err
		}
	}
	return cards, versions, nil
}

// LoadCardTables returns the definitions of an existing deliverable's card
// tables, including its current property columns.
func LoadCardTables(ctx context.Context, ex Execer, d *model.Deliverable) (cards, versions *Table, err error) {
	defs, err := ListPropertyDefinitions(ctx, ex, d.ID)
	if err != nil {
		return nil, nil, err
	}
	cols := make([]string, 0, len(defs))
	for _, pd := range defs {
		cols = append(cols, pd.ColumnName)
	}
	cards, versions = CardTables(d.Tables, cols)
	return cards, versions, nil
}

// ListPropertyDefinitions returns a deliverable's property definitions in id order.
func ListPropertyDefinitions(ctx context.Context, ex Execer, deliverableID int64) ([]model.PropertyDefinition, error) {
	rows, err := SelectWhere(ctx, ex, "property_definitions", "deliverable_id = ?", deliverableID)
	if err != nil {
		return nil, err
	}
	defs := make([]model.PropertyDefinition, 0, len(rows))
	for _, r := range rows {
		pd := model.PropertyDefinition{
			Name:       r.String("name"),
			Kind:       model.PropertyKind(r.String("kind")),
			ColumnName: r.String("column_name"),
			Restricted: r.Bool("restricted"),
		}
		pd.ID, _ = r.Int("id")
		pd.TreeConfigurationID, _ = r.Int("tree_configuration_id")
		defs = append(defs, pd)
	}
	return defs, nil
}
