package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

// CurrentSchemaVersion is the instance schema version. Archives record it in
// schema_migrations so imports can detect older formats.
const CurrentSchemaVersion = model.FormatVersion

// ColumnType is the storage class of a column. Values are carried as text
// through the engine and converted at the SQL boundary.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeID
	TypeInt
	TypeBool
)

// Column describes one column of a table.
type Column struct {
	Name    string
	Type    ColumnType
	NotNull bool
	Unique  bool
}

// Table describes a table's columns in creation order.
type Table struct {
	Name    string
	Columns []Column
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the table's column names in creation order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasID reports whether the table has a surrogate id primary key.
func (t *Table) HasID() bool {
	c, ok := t.Column("id")
	return ok && c.Type == TypeID
}

// DDL renders the CREATE TABLE statement for d.
func (t *Table) DDL(d Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quote(t.Name))
	for i, c := range t.Columns {
		fmt.Fprintf(&b, "\t%s %s", quote(c.Name), d.columnType(c.Type))
		if c.NotNull && c.Type != TypeID {
			b.WriteString(" NOT NULL")
		}
		if c.Unique {
			b.WriteString(" UNIQUE")
		}
		if i < len(t.Columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")")
	return b.String()
}

func id() Column                 { return Column{Name: "id", Type: TypeID} }
func text(name string) Column    { return Column{Name: name, Type: TypeText} }
func integer(name string) Column { return Column{Name: name, Type: TypeInt} }
func boolean(name string) Column { return Column{Name: name, Type: TypeBool} }

func required(c Column) Column { c.NotNull = true; return c }
func unique(c Column) Column   { c.Unique = true; return required(c) }

// scoped prepends the id and deliverable_id columns shared by every
// project-scoped table.
func scoped(name string, cols ...Column) *Table {
	return &Table{Name: name, Columns: append([]Column{id(), required(integer("deliverable_id"))}, cols...)}
}

var instanceTables = []*Table{
	{Name: "schema_migrations", Columns: []Column{unique(text("version"))}},
	{Name: "users", Columns: []Column{
		id(), unique(text("login")), text("email"), text("name"), text("password"), text("api_key"),
		text("icon"), boolean("admin"), text("created_at"),
	}},
	{Name: "deliverables", Columns: []Column{
		id(), unique(text("identifier")), required(text("name")), required(text("kind")), boolean("template"),
		text("secret_key"), text("description"), text("icon"), integer("card_number_seq"),
		text("cards_table"), text("card_versions_table"), integer("schema_version"), text("created_at"),
	}},
	{Name: "plugins", Columns: []Column{id(), unique(text("name")), required(text("version"))}},
	{Name: "dependencies", Columns: []Column{
		id(), integer("number"), required(text("name")), text("description"), text("desired_end_date"),
		required(text("status")), required(integer("raising_project_id")), integer("raising_card_id"),
		integer("raising_user_id"), integer("resolving_project_id"), text("created_at"),
	}},
	{Name: "dependency_resolving_cards", Columns: []Column{
		id(), required(integer("dependency_id")), required(integer("project_id")), required(integer("card_id")),
	}},

	scoped("members", required(integer("user_id")), required(text("role"))),
	scoped("card_types", required(text("name")), integer("position"), text("color")),
	scoped("tree_configurations", required(text("name")), text("description")),
	scoped("property_definitions",
		required(text("name")), required(text("kind")), required(text("column_name")),
		boolean("restricted"), integer("tree_configuration_id"), integer("position")),
	scoped("enumeration_values", required(integer("property_definition_id")), required(text("value")),
		integer("position"), text("color")),
	scoped("property_type_mappings", required(integer("card_type_id")), required(integer("property_definition_id")),
		integer("position")),
	scoped("project_variables", required(text("name")), required(text("data_type")), text("value"),
		integer("card_type_id")),
	scoped("variable_bindings", required(integer("project_variable_id")), required(integer("property_definition_id"))),
	scoped("tree_belongings", required(integer("tree_configuration_id")), required(integer("card_id"))),
	scoped("transitions", required(text("name")), integer("card_type_id"), boolean("require_comment")),
	scoped("transition_prerequisites", required(integer("transition_id")), required(text("kind")),
		integer("property_definition_id"), text("value"), integer("user_id"), integer("project_variable_id")),
	scoped("transition_actions", required(integer("transition_id")), required(text("action_kind")),
		required(text("target_type")), integer("target_id"), text("value_kind"), text("value"),
		integer("variable_id")),
	scoped("pages", required(text("name")), text("content"), integer("version"), integer("created_by_user_id"),
		integer("modified_by_user_id"), text("created_at"), text("updated_at")),
	scoped("tags", required(text("name")), text("color"), text("deleted_at")),
	scoped("taggings", required(integer("tag_id")), required(integer("taggable_id")), required(text("taggable_type"))),
	scoped("attachments", required(text("file")), text("content_type"), integer("size"), text("created_at")),
	scoped("attachings", required(integer("attachment_id")), required(integer("attachable_id")),
		required(text("attachable_type"))),
	scoped("murmurs", integer("author_id"), text("body"), text("created_at")),
	scoped("card_murmur_links", required(integer("card_id")), required(integer("murmur_id"))),
	scoped("events", required(text("origin_type")), required(integer("origin_id")), integer("created_by_user_id"),
		boolean("history_generated"), text("created_at")),
	scoped("changes", required(integer("event_id")), required(text("field")), text("old_value"), text("new_value")),
	scoped("card_list_views", required(text("name")), text("params"), integer("user_id")),
	scoped("favorites", required(text("favorited_type")), required(integer("favorited_id")), integer("user_id")),
	scoped("history_subscriptions", required(integer("user_id")), text("filter_params")),
	scoped("plugin_data", required(text("plugin_name")), required(text("key")), text("value")),

	{Name: "program_projects", Columns: []Column{
		id(), required(integer("program_id")), required(integer("project_id")), text("done_property_name"),
		text("done_value"),
	}},
	{Name: "objectives", Columns: []Column{
		id(), required(integer("program_id")), required(text("name")), integer("number"), text("status"),
		text("value_statement"), integer("position"), text("start_at"), text("end_at"),
	}},
	{Name: "works", Columns: []Column{
		id(), required(integer("objective_id")), required(integer("program_id")), required(integer("project_id")),
		integer("card_number"), text("name"), boolean("completed"),
	}},
	{Name: "plans", Columns: []Column{id(), required(integer("program_id")), text("start_at"), text("end_at")}},
}

var tablesByName = func() map[string]*Table {
	m := make(map[string]*Table, len(instanceTables))
	for _, t := range instanceTables {
		m[t.Name] = t
	}
	return m
}()

// InstanceTable returns the definition of a fixed instance table.
func InstanceTable(name string) (*Table, bool) {
	t, ok := tablesByName[name]
	return t, ok
}

// InstanceTables returns every fixed instance table in creation order.
func InstanceTables() []*Table {
	out := make([]*Table, len(instanceTables))
	copy(out, instanceTables)
	return out
}

// Initialize creates all tables if they don't exist and records every
// schema version up to the current one.
func Initialize(ctx context.Context, db *DB) error {
	return WithTx(ctx, db, func(tx *Tx) error {
		for _, t := range instanceTables {
			if _, err := tx.ExecContext(ctx, t.DDL(db.dialect)); err != nil {
				return fmt.Errorf("creating table %s: %w", t.Name, err)
			}
		}
		for v := 1; v <= CurrentSchemaVersion; v++ {
			if err := recordVersion(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func recordVersion(ctx context.Context, ex Execer, v int) error {
	var n int
	if err := ex.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, strconv.Itoa(v),
	).Scan(&n); err != nil {
		return fmt.Errorf("checking schema version %d: %w", v, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES (?)`, strconv.Itoa(v),
	); err != nil {
		return fmt.Errorf("recording schema version %d: %w", v, err)
	}
	return nil
}

// SchemaVersion returns the highest recorded schema version.
func SchemaVersion(ctx context.Context, ex Execer) (int, error) {
	rows, err := ex.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var val string
		if err := rows.Scan(&val); err != nil {
			return 0, fmt.Errorf("scanning schema version: %w", err)
		}
		v, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("parsing schema version %q: %w", val, err)
		}
		if v > max {
			max = v
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if max == 0 {
		return 0, fmt.Errorf("reading schema version: no versions recorded")
	}
	return max, nil
}

// migrations is a list of migration functions keyed by the version they migrate TO.
// For example, migrations[2] migrates from version 1 to version 2. Each one
// must be safe to re-run.
var migrations = map[int]func(ctx context.Context, tx *Tx) error{
	2: func(ctx context.Context, tx *Tx) error {
		t, _ := InstanceTable("attachings")
		if _, err := tx.ExecContext(ctx, t.DDL(tx.dialect)); err != nil {
			return err
		}
		exists, err := TableExists(ctx, tx, "card_attachments")
		if err != nil || !exists {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attachings (deliverable_id, attachment_id, attachable_id, attachable_type)
SELECT a.deliverable_id, ca.attachment_id, ca.card_id, 'Card'
FROM card_attachments ca JOIN attachments a ON a.id = ca.attachment_id`); err != nil {
			return err
		}
		return DropTable(ctx, tx, "card_attachments")
	},
	3: func(ctx context.Context, tx *Tx) error {
		for _, col := range []Column{text("status"), integer("number")} {
			if err := AddColumn(ctx, tx, "objectives", col); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE objectives SET status = ? WHERE status IS NULL`,
			string(model.ObjectiveBacklog))
		return err
	},
	4: func(ctx context.Context, tx *Tx) error {
		return AddColumn(ctx, tx, "works", integer("card_number"))
	},
}

// Migrate checks the current schema version and applies any pending migrations
// sequentially. It is a no-op when already at the latest version.
func Migrate(ctx context.Context, db *DB) error {
	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		migrateFn, ok := migrations[v]
		if !ok {
			return fmt.Errorf("missing migration for version %d", v)
		}

		err := WithTx(ctx, db, func(tx *Tx) error {
			if err := migrateFn(ctx, tx); err != nil {
				return fmt.Errorf("applying migration %d: %w", v, err)
			}
			return recordVersion(ctx, tx, v)
		})
		if err != nil {
			return err
		}
	}

	return nil
}
