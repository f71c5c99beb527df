// Package testutil seeds data databases and archives for engine tests.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
)

// AttachmentBody is the content of every seeded attachment.
var AttachmentBody = []byte("release notes\nété 2024\n")

// OpenDB returns an initialized in-memory data database.
func OpenDB(tb testing.TB) *db.DB {
	tb.Helper()
	d, err := db.OpenSQLite(":memory:")
	if err != nil {
		tb.Fatalf("Open(:memory:) failed: %v", err)
	}
	tb.Cleanup(func() { d.Close() })
	if err := db.Initialize(context.Background(), d); err != nil {
		tb.Fatalf("Initialize failed: %v", err)
	}
	return d
}

// NewTracker returns a started tracker whose records live in a database of
// their own, so an import transaction never blocks progress writes.
func NewTracker(tb testing.TB, kind model.JobKind) *progress.Tracker {
	tb.Helper()
	ctx := context.Background()
	jobs, err := db.OpenSQLite(":memory:")
	if err != nil {
		tb.Fatalf("Open(:memory:) failed: %v", err)
	}
	tb.Cleanup(func() { jobs.Close() })
	store, err := progress.NewSQLStore(ctx, jobs)
	if err != nil {
		tb.Fatalf("NewSQLStore failed: %v", err)
	}
	t, err := progress.Enqueue(ctx, store, kind, "", "")
	if err != nil {
		tb.Fatalf("Enqueue failed: %v", err)
	}
	if err := t.Start(ctx, 0); err != nil {
		tb.Fatalf("Start failed: %v", err)
	}
	return t
}

// ID formats a row id the way table files carry it.
func ID(n int64) string { return strconv.FormatInt(n, 10) }

// Insert adds a row to a fixed instance table and returns its id.
func Insert(tb testing.TB, ex db.Execer, table string, pairs ...string) int64 {
	tb.Helper()
	t, ok := db.InstanceTable(table)
	if !ok {
		tb.Fatalf("no instance table %s", table)
	}
	return InsertInto(tb, ex, t, pairs...)
}

// InsertInto adds a row to t and returns its id.
func InsertInto(tb testing.TB, ex db.Execer, t *db.Table, pairs ...string) int64 {
	tb.Helper()
	id, err := db.InsertRow(context.Background(), ex, t, model.NewRow(pairs...))
	if err != nil {
		tb.Fatalf("inserting into %s: %v", t.Name, err)
	}
	return id
}

// PutBlob stores body under key.
func PutBlob(tb testing.TB, store blob.Store, key string, body []byte) {
	tb.Helper()
	if _, err := store.Put(context.Background(), key, bytes.NewReader(body), ""); err != nil {
		tb.Fatalf("storing %s: %v", key, err)
	}
}

// Project is a seeded project with the ids tests assert against.
type Project struct {
	Deliverable     *model.Deliverable
	Cards, Versions *db.Table

	Alice, Bob int64
	CardType   int64
	// Owner is a user property, Status a restricted enumeration and Parent
	// a card property.
	Owner, Status, Parent int64
	Card1, Card2          int64
	Tags                  []int64
	Attachment            int64
	Lead                  int64
	Transition            int64
	// Actions are the variable, literal user and literal enumeration
	// actions of Transition, in that order.
	Actions []int64
	// MineView is alice's personal view, AllView the shared one.
	MineView, AllView int64
}

// User returns the id of the user with login, creating it when absent.
func User(tb testing.TB, ex db.Execer, login, email string) int64 {
	tb.Helper()
	ctx := context.Background()
	if u, err := db.FindUserByLogin(ctx, ex, login); err == nil {
		return u.ID
	}
	id, err := db.CreateUser(ctx, ex, &model.User{Login: login, Email: email, Name: login})
	if err != nil {
		tb.Fatalf("creating user %s: %v", login, err)
	}
	return id
}

// SeedProject creates a project with two cards, tags, an attachment, a
// transition, history and personal views. Files go to blobs.
func SeedProject(tb testing.TB, ex db.Execer, blobs blob.Store, identifier, name string) *Project {
	tb.Helper()
	ctx := context.Background()
	p := &Project{}
	p.Alice = User(tb, ex, "alice", "alice@example.com")
	p.Bob = User(tb, ex, "bob", "bob@example.com")

	users, _ := db.InstanceTable("users")
	if err := db.UpdateColumns(ctx, ex, users, p.Alice, model.NewRow("icon", "alice.png")); err != nil {
		tb.Fatalf("setting icon: %v", err)
	}
	PutBlob(tb, blobs, blob.UserIconKey(p.Alice, "alice.png"), []byte("alice icon"))

	p.Deliverable = &model.Deliverable{
		Identifier:    identifier,
		Name:          name,
		Kind:          model.KindProject,
		SecretKey:     "s3cret",
		Description:   "Seeded project",
		Icon:          "logo.png",
		CardNumberSeq: 2,
		Tables:        model.TableSetFor(identifier),
		SchemaVersion: db.CurrentSchemaVersion,
		CreatedAt:     time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := db.CreateDeliverable(ctx, ex, p.Deliverable); err != nil {
		tb.Fatalf("CreateDeliverable failed: %v", err)
	}
	PutBlob(tb, blobs, blob.ProjectIconKey(p.Deliverable.ID, "logo.png"), []byte("project icon"))
	dID := ID(p.Deliverable.ID)
	alice, bob := ID(p.Alice), ID(p.Bob)

	Insert(tb, ex, "members", "deliverable_id", dID, "user_id", alice, "role", model.RoleFullMember)

	p.CardType = Insert(tb, ex, "card_types", "deliverable_id", dID, "name", "Story", "position", "1")
	p.Owner = Insert(tb, ex, "property_definitions", "deliverable_id", dID, "name", "Owner",
		"kind", string(model.PropertyUser), "column_name", "cp_owner", "position", "1")
	p.Status = Insert(tb, ex, "property_definitions", "deliverable_id", dID, "name", "Status",
		"kind", string(model.PropertyEnumerated), "column_name", "cp_status", "restricted", "1", "position", "2")
	p.Parent = Insert(tb, ex, "property_definitions", "deliverable_id", dID, "name", "Parent",
		"kind", string(model.PropertyCard), "column_name", "cp_parent", "position", "3")
	for i, v := range []string{"Open", "Done"} {
		Insert(tb, ex, "enumeration_values", "deliverable_id", dID, "property_definition_id", ID(p.Status),
			"value", v, "position", strconv.Itoa(i+1))
	}
	for _, pd := range []int64{p.Owner, p.Status, p.Parent} {
		Insert(tb, ex, "property_type_mappings", "deliverable_id", dID, "card_type_id", ID(p.CardType),
			"property_definition_id", ID(pd))
	}

	var err error
	p.Cards, p.Versions, err = db.ProvisionCardTables(ctx, ex, p.Deliverable.Tables, []string{"cp_owner", "cp_parent", "cp_status"})
	if err != nil {
		tb.Fatalf("ProvisionCardTables failed: %v", err)
	}
	p.Card1 = InsertInto(tb, ex, p.Cards, "number", "1", "name", "Ship the importer", "card_type_id", ID(p.CardType),
		"version", "1", "created_by_user_id", alice, "modified_by_user_id", alice,
		"cp_owner", alice, "cp_status", "Open")
	p.Card2 = InsertInto(tb, ex, p.Cards, "number", "2", "name", "Write the manifest", "card_type_id", ID(p.CardType),
		"version", "1", "created_by_user_id", alice, "modified_by_user_id", alice,
		"cp_parent", ID(p.Card1))
	InsertInto(tb, ex, p.Versions, "card_id", ID(p.Card1), "number", "1", "version", "1", "name", "Ship the importer",
		"card_type_id", ID(p.CardType), "created_by_user_id", bob, "modified_by_user_id", bob, "cp_status", "Open")

	for _, tag := range []string{"Exported Tag", "Another Tag"} {
		id := Insert(tb, ex, "tags", "deliverable_id", dID, "name", tag)
		p.Tags = append(p.Tags, id)
		Insert(tb, ex, "taggings", "deliverable_id", dID, "tag_id", ID(id), "taggable_id", ID(p.Card1),
			"taggable_type", "Card")
	}

	p.Attachment = Insert(tb, ex, "attachments", "deliverable_id", dID, "file", "notes.txt",
		"content_type", "text/plain", "size", strconv.Itoa(len(AttachmentBody)))
	Insert(tb, ex, "attachings", "deliverable_id", dID, "attachment_id", ID(p.Attachment),
		"attachable_id", ID(p.Card1), "attachable_type", "Card")
	PutBlob(tb, blobs, blob.AttachmentKey(p.Attachment, "notes.txt"), AttachmentBody)

	p.Lead = Insert(tb, ex, "project_variables", "deliverable_id", dID, "name", "Lead",
		"data_type", string(model.VariableUser), "value", alice)
	Insert(tb, ex, "variable_bindings", "deliverable_id", dID, "project_variable_id", ID(p.Lead),
		"property_definition_id", ID(p.Owner))

	p.Transition = Insert(tb, ex, "transitions", "deliverable_id", dID, "name", "Start", "card_type_id", ID(p.CardType))
	Insert(tb, ex, "transition_prerequisites", "deliverable_id", dID, "transition_id", ID(p.Transition),
		"kind", "user", "user_id", alice)
	setOwner := func(valueKind model.ValueKind, target int64, pairs ...string) int64 {
		base := []string{"deliverable_id", dID, "transition_id", ID(p.Transition),
			"action_kind", string(model.ActionSetProperty), "target_type", string(model.TargetPropertyDefinition),
			"target_id", ID(target), "value_kind", string(valueKind)}
		return Insert(tb, ex, "transition_actions", append(base, pairs...)...)
	}
	p.Actions = []int64{
		setOwner(model.ValueVariable, p.Owner, "variable_id", ID(p.Lead)),
		setOwner(model.ValueLiteral, p.Owner, "value", alice),
		setOwner(model.ValueLiteral, p.Status, "value", "Done"),
	}

	page := Insert(tb, ex, "pages", "deliverable_id", dID, "name", "Overview", "content", "Welcome",
		"version", "1", "created_by_user_id", alice, "modified_by_user_id", alice)

	event := Insert(tb, ex, "events", "deliverable_id", dID, "origin_type", "Card", "origin_id", ID(p.Card1),
		"created_by_user_id", bob, "history_generated", "1")
	Insert(tb, ex, "changes", "deliverable_id", dID, "event_id", ID(event), "field", "name", "new_value", "Ship the importer")
	murmur := Insert(tb, ex, "murmurs", "deliverable_id", dID, "author_id", bob, "body", "#1 looks done")
	Insert(tb, ex, "card_murmur_links", "deliverable_id", dID, "card_id", ID(p.Card1), "murmur_id", ID(murmur))

	p.MineView = Insert(tb, ex, "card_list_views", "deliverable_id", dID, "name", "Mine", "params", "filter=owner",
		"user_id", alice)
	p.AllView = Insert(tb, ex, "card_list_views", "deliverable_id", dID, "name", "All", "params", "")
	Insert(tb, ex, "favorites", "deliverable_id", dID, "favorited_type", "CardListView",
		"favorited_id", ID(p.MineView), "user_id", alice)
	Insert(tb, ex, "favorites", "deliverable_id", dID, "favorited_type", "Page", "favorited_id", ID(page))
	return p
}

// AddPluginData installs plugin at version and gives p a row of its data.
func AddPluginData(tb testing.TB, ex db.Execer, p *Project, plugin, version string) {
	tb.Helper()
	if err := db.InstallPlugin(context.Background(), ex, plugin, version); err != nil {
		tb.Fatalf("InstallPlugin failed: %v", err)
	}
	Insert(tb, ex, "plugin_data", "deliverable_id", ID(p.Deliverable.ID), "plugin_name", plugin,
		"key", "board", "value", "{}")
}

// AddDependency records a dependency raised from card raisingCard of
// raising and resolved by card 1 of resolving. It carries an attachment.
func AddDependency(tb testing.TB, ex db.Execer, blobs blob.Store, name string, raising *Project, raisingCard int64, resolving *Project) int64 {
	tb.Helper()
	dep := Insert(tb, ex, "dependencies", "number", "1", "name", name, "status", string(model.DependencyAccepted),
		"raising_project_id", ID(raising.Deliverable.ID), "raising_card_id", ID(raisingCard),
		"raising_user_id", ID(raising.Alice), "resolving_project_id", ID(resolving.Deliverable.ID))
	Insert(tb, ex, "dependency_resolving_cards", "dependency_id", ID(dep),
		"project_id", ID(resolving.Deliverable.ID), "card_id", ID(resolving.Card1))
	att := Insert(tb, ex, "attachments", "deliverable_id", ID(raising.Deliverable.ID), "file", name+".txt")
	Insert(tb, ex, "attachings", "deliverable_id", ID(raising.Deliverable.ID), "attachment_id", ID(att),
		"attachable_id", ID(dep), "attachable_type", "Dependency")
	PutBlob(tb, blobs, blob.AttachmentKey(att, name+".txt"), []byte(name))
	return dep
}

// Program is a seeded program planning work in one project.
type Program struct {
	Deliverable *model.Deliverable
	Objective   int64
}

// SeedProgram creates a program whose objective plans card 1 of p.
func SeedProgram(tb testing.TB, ex db.Execer, identifier string, p *Project) *Program {
	tb.Helper()
	ctx := context.Background()
	d := &model.Deliverable{Identifier: identifier, Name: identifier, Kind: model.KindProgram,
		SchemaVersion: db.CurrentSchemaVersion}
	if err := db.CreateDeliverable(ctx, ex, d); err != nil {
		tb.Fatalf("CreateDeliverable failed: %v", err)
	}
	prog, proj := ID(d.ID), ID(p.Deliverable.ID)
	Insert(tb, ex, "program_projects", "program_id", prog, "project_id", proj,
		"done_property_name", "Status", "done_value", "Done")
	obj := Insert(tb, ex, "objectives", "program_id", prog, "name", "Launch", "number", "1",
		"status", string(model.ObjectivePlanned), "position", "1")
	Insert(tb, ex, "works", "objective_id", ID(obj), "program_id", prog, "project_id", proj,
		"card_number", "1", "name", "Ship the importer")
	Insert(tb, ex, "plans", "program_id", prog, "start_at", "2024-06-01", "end_at", "2024-09-30")
	return &Program{Deliverable: d, Objective: obj}
}

// WriteArchive packs tables, written in pages of pageSize, and any files
// into a zip archive in a temporary directory. A nil manifest writes none.
func WriteArchive(tb testing.TB, tables map[string][]model.Row, files map[string][]byte, m *tablefile.Manifest, pageSize int) string {
	tb.Helper()
	work := tb.TempDir()
	for name, rows := range tables {
		if _, err := tablefile.WritePages(work, name, tablefile.SliceSource(rows), pageSize); err != nil {
			tb.Fatalf("writing %s: %v", name, err)
		}
	}
	for key, body := range files {
		path := filepath.Join(work, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			tb.Fatalf("creating %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			tb.Fatalf("writing %s: %v", key, err)
		}
	}
	if m != nil {
		if err := tablefile.WriteManifest(work, m); err != nil {
			tb.Fatalf("WriteManifest failed: %v", err)
		}
	}
	out := filepath.Join(tb.TempDir(), "archive.zip")
	if err := tablefile.Pack(work, out); err != nil {
		tb.Fatalf("Pack failed: %v", err)
	}
	return out
}
