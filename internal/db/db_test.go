package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

func mustOpen(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustInit(t *testing.T) *DB {
	t.Helper()
	db := mustOpen(t)
	if err := Initialize(context.Background(), db); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return db
}

func TestOpenSetsForeignKeys(t *testing.T) {
	db := mustOpen(t)

	var fk int
	if err := db.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("querying foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestOpenSetsBusyTimeout(t *testing.T) {
	db := mustOpen(t)

	var timeout int
	if err := db.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("querying busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "sqlite", false},
		{"sqlite", "sqlite", false},
		{"postgres", "postgres", false},
		{"postgresql", "postgres", false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		d, err := DialectFor(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("DialectFor(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if d.Name != tt.want {
			t.Errorf("DialectFor(%q) = %q, want %q", tt.name, d.Name, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{Postgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{Postgres, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		if got := tt.dialect.Rebind(tt.in); got != tt.want {
			t.Errorf("%s.Rebind(%q) = %q, want %q", tt.dialect.Name, tt.in, got, tt.want)
		}
	}
}

func TestDDLPerDialect(t *testing.T) {
	tbl := &Table{Name: "things", Columns: []Column{id(), unique(text("name")), integer("n")}}

	sqlite := tbl.DDL(SQLite)
	pg := tbl.DDL(Postgres)

	if want := `"id" INTEGER PRIMARY KEY AUTOINCREMENT`; !strings.Contains(sqlite, want) {
		t.Errorf("sqlite DDL missing %q:\n%s", want, sqlite)
	}
	if want := `"id" BIGSERIAL PRIMARY KEY`; !strings.Contains(pg, want) {
		t.Errorf("postgres DDL missing %q:\n%s", want, pg)
	}
	if want := `"n" BIGINT`; !strings.Contains(pg, want) {
		t.Errorf("postgres DDL missing %q:\n%s", want, pg)
	}
	if want := `"name" TEXT NOT NULL UNIQUE`; !strings.Contains(sqlite, want) {
		t.Errorf("sqlite DDL missing %q:\n%s", want, sqlite)
	}
}

func TestInitializeCreatesAllTables(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	for _, tbl := range InstanceTables() {
		ok, err := TableExists(ctx, db, tbl.Name)
		if err != nil {
			t.Fatalf("TableExists(%s): %v", tbl.Name, err)
		}
		if !ok {
			t.Errorf("table %q not found", tbl.Name)
		}
	}
}

func TestInitializeSetsSchemaVersion(t *testing.T) {
	db := mustInit(t)

	v, err := SchemaVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, CurrentSchemaVersion)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	if err := Initialize(ctx, db); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}

	n, err := Count(ctx, db, "schema_migrations", "")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != CurrentSchemaVersion {
		t.Errorf("schema_migrations rows = %d after double init, want %d", n, CurrentSchemaVersion)
	}
}

func TestMigrateNoOpAtLatestVersion(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	v, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("schema version = %d after Migrate, want %d", v, CurrentSchemaVersion)
	}
}

func TestMigrateFromV1(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	// Rewind to a v1 instance: card attachments live in their own table and
	// objectives carry no status.
	if err := DropTable(ctx, db, "attachings"); err != nil {
		t.Fatalf("dropping attachings: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE card_attachments (card_id INTEGER, attachment_id INTEGER)`); err != nil {
		t.Fatalf("creating card_attachments: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version <> '1'`); err != nil {
		t.Fatalf("rewinding schema version: %v", err)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO attachments (deliverable_id, file) VALUES (7, 'a.txt')`); err != nil {
		t.Fatalf("inserting attachment: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO card_attachments (card_id, attachment_id) VALUES (3, 1)`); err != nil {
		t.Fatalf("inserting card attachment: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO objectives (program_id, name) VALUES (1, 'Launch')`); err != nil {
		t.Fatalf("inserting objective: %v", err)
	}

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	v, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("schema version = %d after migration, want %d", v, CurrentSchemaVersion)
	}

	if ok, _ := TableExists(ctx, db, "card_attachments"); ok {
		t.Error("card_attachments should be dropped after migration")
	}

	rows, err := SelectWhere(ctx, db, "attachings", "")
	if err != nil {
		t.Fatalf("selecting attachings: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("attachings = %d rows, want 1", len(rows))
	}
	if got := rows[0].String("attachable_type"); got != "Card" {
		t.Errorf("attachable_type = %q, want Card", got)
	}
	if got := rows[0].String("deliverable_id"); got != "7" {
		t.Errorf("deliverable_id = %q, want 7", got)
	}

	var status string
	if err := db.QueryRowContext(ctx, `SELECT status FROM objectives`).Scan(&status); err != nil {
		t.Fatalf("reading objective status: %v", err)
	}
	if status != "backlog" {
		t.Errorf("objective status = %q, want backlog", status)
	}
}

func TestMigrateRejectsNewerDatabase(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ('99')`); err != nil {
		t.Fatalf("inserting version: %v", err)
	}
	if err := Migrate(ctx, db); err == nil {
		t.Error("Migrate should reject a newer schema version")
	}
}

func TestInsertRowConvertsValues(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	tbl, _ := InstanceTable("property_definitions")

	r := model.NewRow("deliverable_id", "4", "name", "Status", "kind", "enumerated", "column_name", "cp_status",
		"restricted", "true", "unknown_column", "ignored")
	id, err := InsertRow(ctx, db, tbl, r)
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if id == 0 {
		t.Fatal("InsertRow returned id 0")
	}

	rows, err := SelectWhere(ctx, db, "property_definitions", "id = ?", id)
	if err != nil {
		t.Fatalf("SelectWhere: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if got := rows[0].String("restricted"); got != "1" {
		t.Errorf("restricted = %q, want 1", got)
	}
	if !rows[0].IsNull("tree_configuration_id") {
		t.Errorf("tree_configuration_id should be NULL, got %q", rows[0].String("tree_configuration_id"))
	}
}

func TestInsertRowRejectsBadValues(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	tbl, _ := InstanceTable("card_types")

	_, err := InsertRow(ctx, db, tbl, model.NewRow("deliverable_id", "abc", "name", "Story"))
	var ve *ValueError
	if !errors.As(err, &ve) {
		t.Fatalf("InsertRow error = %v, want *ValueError", err)
	}
	if ve.Column != "deliverable_id" || ve.Value != "abc" {
		t.Errorf("ValueError = %+v, want column deliverable_id value abc", ve)
	}

	_, err = InsertRow(ctx, db, tbl, model.NewRow("deliverable_id", "1"))
	if !errors.As(err, &ve) || ve.Column != "name" {
		t.Errorf("InsertRow without name: error = %v, want ValueError on name", err)
	}
}

func TestUpdateColumns(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	tbl, _ := InstanceTable("card_types")

	id, err := InsertRow(ctx, db, tbl, model.NewRow("deliverable_id", "1", "name", "Story"))
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if err := UpdateColumns(ctx, db, tbl, id, model.NewRow("name", "Bug", "color", "#f00")); err != nil {
		t.Fatalf("UpdateColumns: %v", err)
	}
	if err := UpdateColumns(ctx, db, tbl, id, model.NewRow("nope", "x")); err == nil {
		t.Error("UpdateColumns with unknown column should fail")
	}

	rows, _ := SelectWhere(ctx, db, "card_types", "id = ?", id)
	if got := rows[0].String("name"); got != "Bug" {
		t.Errorf("name = %q, want Bug", got)
	}
}

func TestProvisionCardTables(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	ts := model.TableSetFor("alpha")

	cards, versions, err := ProvisionCardTables(ctx, db, ts, []string{"cp_status", "cp_owner"})
	if err != nil {
		t.Fatalf("ProvisionCardTables: %v", err)
	}
	if cards.Name != "alpha_cards" || versions.Name != "alpha_card_versions" {
		t.Errorf("tables = %s, %s", cards.Name, versions.Name)
	}
	if ok, _ := ColumnExists(ctx, db, "alpha_cards", "cp_owner"); !ok {
		t.Error("alpha_cards.cp_owner should exist")
	}
	if ok, _ := ColumnExists(ctx, db, "alpha_card_versions", "cp_status"); !ok {
		t.Error("alpha_card_versions.cp_status should exist")
	}

	if _, _, err := ProvisionCardTables(ctx, db, ts, nil); err == nil {
		t.Error("provisioning existing tables should fail")
	}
	if _, _, err := ProvisionCardTables(ctx, db, model.TableSetFor("beta"), []string{"status"}); err == nil {
		t.Error("property column without cp_ prefix should fail")
	}
}

func TestIdentifierTaken(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	d := &model.Deliverable{Identifier: "alpha", Name: "Alpha", Kind: model.KindProject, Tables: model.TableSetFor("alpha")}
	if err := CreateDeliverable(ctx, db, d); err != nil {
		t.Fatalf("CreateDeliverable: %v", err)
	}
	if _, _, err := ProvisionCardTables(ctx, db, model.TableSetFor("orphan"), nil); err != nil {
		t.Fatalf("ProvisionCardTables: %v", err)
	}

	for ident, want := range map[string]bool{"alpha": true, "orphan": true, "gamma": false} {
		got, err := IdentifierTaken(ctx, db, ident)
		if err != nil {
			t.Fatalf("IdentifierTaken(%s): %v", ident, err)
		}
		if got != want {
			t.Errorf("IdentifierTaken(%s) = %v, want %v", ident, got, want)
		}
	}

	got, err := FindDeliverable(ctx, db, "alpha")
	if err != nil {
		t.Fatalf("FindDeliverable: %v", err)
	}
	if got.Tables.Cards != "alpha_cards" || got.Kind != model.KindProject {
		t.Errorf("FindDeliverable = %+v", got)
	}
	if _, err := FindDeliverable(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindDeliverable(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFindUserByEmailLowestID(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	first, err := CreateUser(ctx, db, &model.User{Login: "ann", Email: "shared@example.com"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := CreateUser(ctx, db, &model.User{Login: "bob", Email: "shared@example.com"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := FindUserByEmail(ctx, db, "shared@example.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if u.ID != first {
		t.Errorf("FindUserByEmail id = %d, want %d", u.ID, first)
	}
	if _, err := FindUserByEmail(ctx, db, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindUserByEmail(\"\") error = %v, want ErrNotFound", err)
	}
}

func TestAddMemberIsIdempotent(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	added, err := AddMember(ctx, db, 1, 2, model.RoleReadonlyMember)
	if err != nil || !added {
		t.Fatalf("AddMember = %v, %v, want true, nil", added, err)
	}
	added, err = AddMember(ctx, db, 1, 2, model.RoleFullMember)
	if err != nil || added {
		t.Fatalf("second AddMember = %v, %v, want false, nil", added, err)
	}
}

func TestInstallPluginUpdatesVersion(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()

	if err := InstallPlugin(ctx, db, "charts", "v1.0.0"); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}
	if err := InstallPlugin(ctx, db, "charts", "v1.2.0"); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}

	plugins, err := ListPlugins(ctx, db)
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	if len(plugins) != 1 || plugins[0].Version != "v1.2.0" {
		t.Errorf("plugins = %+v, want one charts v1.2.0", plugins)
	}
}

func TestScanWhereStopsOnCallbackError(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	tbl, _ := InstanceTable("murmurs")
	for _, body := range []string{"first", "second", "third"} {
		if _, err := InsertRow(ctx, db, tbl, model.NewRow("deliverable_id", "1", "body", body)); err != nil {
			t.Fatalf("InsertRow: %v", err)
		}
	}

	stop := errors.New("stop")
	var seen []string
	err := ScanWhere(ctx, db, "murmurs", "deliverable_id = ?", func(r model.Row) error {
		seen = append(seen, r.String("body"))
		if len(seen) == 2 {
			return stop
		}
		return nil
	}, 1)
	if !errors.Is(err, stop) {
		t.Fatalf("ScanWhere error = %v, want stop", err)
	}
	if strings.Join(seen, ",") != "first,second" {
		t.Errorf("seen = %v, want first and second in id order", seen)
	}
}

func TestDistinctIntsSkipsNullsAndSorts(t *testing.T) {
	db := mustInit(t)
	ctx := context.Background()
	tbl, _ := InstanceTable("murmurs")
	rows := []model.Row{
		model.NewRow("deliverable_id", "1", "author_id", "9"),
		model.NewRow("deliverable_id", "1", "author_id", "3"),
		model.NewRow("deliverable_id", "1", "author_id", "9"),
		model.NewRow("deliverable_id", "1"),
		model.NewRow("deliverable_id", "2", "author_id", "7"),
	}
	for _, r := range rows {
		if _, err := InsertRow(ctx, db, tbl, r); err != nil {
			t.Fatalf("InsertRow: %v", err)
		}
	}

	got, err := DistinctInts(ctx, db, "murmurs", "author_id", "deliverable_id = ?", 1)
	if err != nil {
		t.Fatalf("DistinctInts: %v", err)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 9 {
		t.Errorf("DistinctInts = %v, want [3 9]", got)
	}

	if _, err := DistinctInts(ctx, db, "murmurs", "author id", ""); err == nil {
		t.Error("DistinctInts with an invalid column name should fail")
	}
}
