package export_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/export"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
	"github.com/ALT-F4-LLC/crate/internal/testutil"
)

// unpacked is an export archive extracted for inspection.
type unpacked struct {
	t        *testing.T
	dir      string
	manifest *tablefile.Manifest
}

func run(t *testing.T, src export.Source, blobs blob.Store, req export.Request, opts ...export.Option) (*unpacked, model.Job) {
	t.Helper()
	if req.Output == "" {
		req.Output = filepath.Join(t.TempDir(), req.Identifier+".zip")
	}
	tracker := testutil.NewTracker(t, model.JobExport)
	opts = append([]export.Option{export.WithWorkDir(t.TempDir()), export.WithPageSize(2)}, opts...)
	path, err := export.New(src, blobs, opts...).Export(context.Background(), tracker, req)
	require.NoError(t, err)
	assert.Equal(t, req.Output, path)

	dir := t.TempDir()
	require.NoError(t, tablefile.Unpack(path, dir))
	m, err := tablefile.ReadManifest(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	return &unpacked{t: t, dir: dir, manifest: m}, tracker.Snapshot()
}

func (u *unpacked) rows(table string) []model.Row {
	u.t.Helper()
	rows, err := tablefile.Load(u.dir, table)
	require.NoError(u.t, err, table)
	return rows
}

func (u *unpacked) has(table string) bool {
	u.t.Helper()
	ok, err := tablefile.Exists(u.dir, table)
	require.NoError(u.t, err)
	return ok
}

func (u *unpacked) file(key string) ([]byte, bool) {
	body, err := os.ReadFile(filepath.Join(u.dir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, false
	}
	require.NoError(u.t, err)
	return body, true
}

func TestExportFullProject(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	testutil.AddPluginData(t, d, p, "boards", "1.2.0")
	beta := testutil.SeedProject(t, d, blobs, "beta", "Beta")
	dep := testutil.AddDependency(t, d, blobs, "Needs API", p, p.Card1, beta)

	u, job := run(t, d, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeFull})

	assert.Equal(t, model.FormatVersion, u.manifest.FormatVersion)
	assert.Equal(t, model.KindProject, u.manifest.Kind)
	assert.Equal(t, model.ModeFull, u.manifest.Mode)
	assert.Equal(t, "alpha", u.manifest.Source)
	assert.Equal(t, 2, u.manifest.Tables["alpha_cards"])
	assert.Equal(t, 1, u.manifest.Tables["alpha_card_versions"])
	assert.Contains(t, job.Messages, "Exporting project alpha")

	t.Run("card tables keep their physical names", func(t *testing.T) {
		cards := u.rows("alpha_cards")
		require.Len(t, cards, 2)
		assert.Equal(t, "1", cards[0].String("number"))
		assert.Equal(t, testutil.ID(p.Card1), cards[1].String("cp_parent"))
		assert.False(t, u.has("cards"))
	})

	t.Run("users are redacted", func(t *testing.T) {
		users := u.rows("users")
		logins := make([]string, 0, len(users))
		for _, r := range users {
			logins = append(logins, r.String("login"))
			assert.True(t, r.IsNull("password"), r.String("login"))
			assert.True(t, r.IsNull("api_key"), r.String("login"))
		}
		assert.ElementsMatch(t, []string{"alice", "bob"}, logins)
	})

	t.Run("personal data is kept", func(t *testing.T) {
		assert.Len(t, u.rows("card_list_views"), 2)
		assert.Len(t, u.rows("favorites"), 2)
		assert.Len(t, u.rows("murmurs"), 1)
		lead := u.rows("project_variables")
		require.Len(t, lead, 1)
		assert.Equal(t, testutil.ID(p.Alice), lead[0].String("value"))
		secret := u.rows("deliverables")
		require.Len(t, secret, 1)
		assert.Equal(t, "s3cret", secret[0].String("secret_key"))
	})

	t.Run("plugin requirements", func(t *testing.T) {
		plugins := u.rows("plugins")
		require.Len(t, plugins, 1)
		assert.Equal(t, "boards", plugins[0].String("name"))
		assert.Equal(t, "1.2.0", plugins[0].String("version"))
		assert.Len(t, u.rows("plugin_data"), 1)
	})

	t.Run("derived and separate tables stay out", func(t *testing.T) {
		assert.False(t, u.has("changes"))
		assert.False(t, u.has("history_subscriptions"))
		assert.False(t, u.has("dependencies"))
		for _, a := range u.rows("attachings") {
			assert.NotEqual(t, "Dependency", a.String("attachable_type"))
		}
		attachments := u.rows("attachments")
		require.Len(t, attachments, 1)
		assert.Equal(t, "notes.txt", attachments[0].String("file"))
	})

	t.Run("files", func(t *testing.T) {
		body, ok := u.file(blob.AttachmentKey(p.Attachment, "notes.txt"))
		require.True(t, ok)
		assert.Equal(t, testutil.AttachmentBody, body)
		body, ok = u.file(blob.UserIconKey(p.Alice, "alice.png"))
		require.True(t, ok)
		assert.Equal(t, "alice icon", string(body))
		body, ok = u.file(blob.ProjectIconKey(p.Deliverable.ID, "logo.png"))
		require.True(t, ok)
		assert.Equal(t, "project icon", string(body))
		_, ok = u.file(blob.UserIconKey(p.Bob, "bob.png"))
		assert.False(t, ok)
	})

	t.Run("schema versions", func(t *testing.T) {
		versions := u.rows("schema_migrations")
		require.Len(t, versions, model.FormatVersion)
		assert.Equal(t, "1", versions[0].String("version"))
	})

	// exporting reads only
	n, err := db.Count(context.Background(), d, "dependencies", "id = ?", dep)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExportHistorySubscriptionsNeedMail(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	testutil.Insert(t, d, "history_subscriptions", "deliverable_id", testutil.ID(p.Deliverable.ID),
		"user_id", testutil.ID(p.Bob), "filter_params", "card=1")

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeFull},
		export.WithMail(true))
	subs := u.rows("history_subscriptions")
	require.Len(t, subs, 1)
	assert.Equal(t, testutil.ID(p.Bob), subs[0].String("user_id"))
}

func TestExportMissingFileWarns(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	_, err := blobs.Delete(context.Background(), blob.AttachmentKey(p.Attachment, "notes.txt"))
	require.NoError(t, err)

	u, job := run(t, d, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeFull})
	_, ok := u.file(blob.AttachmentKey(p.Attachment, "notes.txt"))
	assert.False(t, ok)
	require.Len(t, job.Warnings, 1)
	assert.Contains(t, job.Warnings[0], "notes.txt is missing from storage")
}

func TestExportTemplate(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	testutil.AddPluginData(t, d, p, "boards", "1.2.0")

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeTemplate})
	assert.Equal(t, model.ModeTemplate, u.manifest.Mode)

	deliverables := u.rows("deliverables")
	require.Len(t, deliverables, 1)
	assert.True(t, deliverables[0].Bool("template"))
	assert.NotEqual(t, "s3cret", deliverables[0].String("secret_key"))
	assert.Equal(t, "0", deliverables[0].String("card_number_seq"))

	for _, table := range []string{"alpha_cards", "alpha_card_versions", "members", "events", "murmurs",
		"card_murmur_links", "plugin_data", "plugins", "tree_belongings"} {
		assert.False(t, u.has(table), table)
	}
	assert.Empty(t, u.rows("users"))

	views := u.rows("card_list_views")
	require.Len(t, views, 1)
	assert.Equal(t, "All", views[0].String("name"))
	favorites := u.rows("favorites")
	require.Len(t, favorites, 1)
	assert.Equal(t, "Page", favorites[0].String("favorited_type"))

	vars := u.rows("project_variables")
	require.Len(t, vars, 1)
	assert.True(t, vars[0].IsNull("value"))
	assert.Empty(t, u.rows("transition_prerequisites"))

	actions := u.rows("transition_actions")
	require.Len(t, actions, 3)
	kinds := make([]model.ValueKind, 0, len(actions))
	for _, a := range actions {
		act := model.ActionFromRow(a)
		kinds = append(kinds, act.ValueKind)
		if act.ValueKind == model.ValueUserInputRequired {
			assert.True(t, a.IsNull("value"))
			assert.True(t, a.IsNull("variable_id"))
		}
	}
	assert.Equal(t, []model.ValueKind{model.ValueUserInputRequired, model.ValueUserInputRequired, model.ValueLiteral}, kinds)

	assert.Len(t, u.rows("tags"), 2)
	assert.Empty(t, u.rows("taggings"))
	assert.Empty(t, u.rows("attachments"))
	for _, pg := range u.rows("pages") {
		assert.True(t, pg.IsNull("created_by_user_id"))
	}

	_, ok := u.file(blob.AttachmentKey(p.Attachment, "notes.txt"))
	assert.False(t, ok)
	_, ok = u.file(blob.UserIconKey(p.Alice, "alice.png"))
	assert.False(t, ok)
	_, ok = u.file(blob.ProjectIconKey(p.Deliverable.ID, "logo.png"))
	assert.True(t, ok)
}

func TestExportDependencies(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	alpha := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	beta := testutil.SeedProject(t, d, blobs, "beta", "Beta")
	testutil.AddDependency(t, d, blobs, "Needs API", alpha, alpha.Card2, beta)

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindDependencies, Identifier: "alpha", Mode: model.ModeFull})

	deps := u.rows("dependencies")
	require.Len(t, deps, 1)
	assert.Equal(t, "2", deps[0].String("raising_card_number"))
	_, hasID := deps[0].Get("raising_card_id")
	assert.False(t, hasID)

	resolving := u.rows("dependency_resolving_cards")
	require.Len(t, resolving, 1)
	assert.Equal(t, "1", resolving[0].String("card_number"))

	identifiers := map[string]string{}
	for _, r := range u.rows("deliverables") {
		identifiers[r.String("id")] = r.String("identifier")
	}
	assert.Equal(t, map[string]string{
		testutil.ID(alpha.Deliverable.ID): "alpha",
		testutil.ID(beta.Deliverable.ID):  "beta",
	}, identifiers)

	attachments := u.rows("attachments")
	require.Len(t, attachments, 1)
	id, _ := attachments[0].Int("id")
	body, ok := u.file(blob.AttachmentKey(id, "Needs API.txt"))
	require.True(t, ok)
	assert.Equal(t, "Needs API", string(body))
	_, ok = u.file(blob.ProjectIconKey(alpha.Deliverable.ID, "logo.png"))
	assert.False(t, ok)
}

func TestExportDeletedRaisingCardLeavesNullNumber(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	alpha := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	beta := testutil.SeedProject(t, d, blobs, "beta", "Beta")
	testutil.AddDependency(t, d, blobs, "Orphan", alpha, alpha.Card2, beta)
	_, err := db.DeleteWhere(context.Background(), d, alpha.Deliverable.Tables.Cards, "id = ?", alpha.Card2)
	require.NoError(t, err)

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindDependencies, Identifier: "beta", Mode: model.ModeFull})
	deps := u.rows("dependencies")
	require.Len(t, deps, 1)
	assert.True(t, deps[0].IsNull("raising_card_number"))
}

func TestExportProgram(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	prog := testutil.SeedProgram(t, d, "launch", p)

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindProgram, Identifier: "launch", Mode: model.ModeFull})
	assert.Equal(t, model.KindProgram, u.manifest.Kind)

	deliverables := u.rows("deliverables")
	require.Len(t, deliverables, 2)
	assert.Equal(t, "launch", deliverables[0].String("identifier"))
	assert.Equal(t, "alpha", deliverables[1].String("identifier"))

	works := u.rows("works")
	require.Len(t, works, 1)
	assert.Equal(t, "1", works[0].String("card_number"))
	assert.Equal(t, testutil.ID(prog.Objective), works[0].String("objective_id"))
	assert.Len(t, u.rows("objectives"), 1)
	assert.Len(t, u.rows("plans"), 1)
	assert.Len(t, u.rows("program_projects"), 1)
	assert.False(t, u.has("users"))
}

func TestExportRejectsBadRequests(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	testutil.SeedProgram(t, d, "launch", p)

	tests := []struct {
		name string
		req  export.Request
		code errs.Code
	}{
		{"unknown deliverable", export.Request{Kind: model.KindProject, Identifier: "nope", Mode: model.ModeFull}, errs.CodeDeliverableNotFound},
		{"program template", export.Request{Kind: model.KindProgram, Identifier: "launch", Mode: model.ModeTemplate}, errs.CodeInvalidRequest},
		{"kind mismatch", export.Request{Kind: model.KindProgram, Identifier: "alpha", Mode: model.ModeFull}, errs.CodeInvalidRequest},
		{"bad mode", export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: "partial"}, errs.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Output = filepath.Join(t.TempDir(), "out.zip")
			_, err := export.New(d, blobs, export.WithWorkDir(t.TempDir())).Export(context.Background(),
				testutil.NewTracker(t, model.JobExport), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, &errs.Error{Code: tt.code})
			_, statErr := os.Stat(tt.req.Output)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

// concurrentWriter runs write from another connection once the export's
// read snapshot has been taken.
type concurrentWriter struct {
	*db.DB
	write func()
}

func (c concurrentWriter) BeginSnapshot(ctx context.Context) (*db.Tx, error) {
	tx, err := c.DB.BeginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := db.Count(ctx, tx, "deliverables", ""); err != nil {
		tx.Rollback()
		return nil, err
	}
	c.write()
	return tx, nil
}

func TestExportReadsOneSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crate.db")
	d, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.Initialize(ctx, d))
	other, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	src := concurrentWriter{DB: d, write: func() {
		card := testutil.InsertInto(t, other, p.Cards, "number", "3", "name", "Late card",
			"card_type_id", testutil.ID(p.CardType), "version", "1")
		testutil.Insert(t, other, "taggings", "deliverable_id", testutil.ID(p.Deliverable.ID),
			"tag_id", testutil.ID(p.Tags[0]), "taggable_id", testutil.ID(card), "taggable_type", "Card")
	}}

	u, _ := run(t, src, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeFull})

	n, err := db.Count(ctx, d, p.Cards.Name, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "the concurrent write should have landed")

	assert.Len(t, u.rows("alpha_cards"), 2)
	assert.Equal(t, 2, u.manifest.Tables["alpha_cards"])
	cards := map[string]bool{}
	for _, c := range u.rows("alpha_cards") {
		cards[c.String("id")] = true
	}
	taggings := u.rows("taggings")
	assert.Len(t, taggings, 2)
	for _, tg := range taggings {
		assert.True(t, cards[tg.String("taggable_id")], "tagging %s points at a card outside the archive", tg.String("id"))
	}
}

func TestExportStreamsLargeTablesAcrossPages(t *testing.T) {
	d := testutil.OpenDB(t)
	blobs := blob.NewMemory()
	p := testutil.SeedProject(t, d, blobs, "alpha", "Alpha")
	for i := 3; i <= 7; i++ {
		testutil.InsertInto(t, d, p.Cards, "number", strconv.Itoa(i), "name", fmt.Sprintf("card %d", i),
			"card_type_id", testutil.ID(p.CardType), "version", "1", "created_by_user_id", testutil.ID(p.Bob))
	}

	u, _ := run(t, d, blobs, export.Request{Kind: model.KindProject, Identifier: "alpha", Mode: model.ModeFull})

	pages, err := tablefile.Pages(u.dir, "alpha_cards")
	require.NoError(t, err)
	assert.Len(t, pages, 4)
	cards := u.rows("alpha_cards")
	require.Len(t, cards, 7)
	for i, c := range cards {
		assert.Equal(t, strconv.Itoa(i+1), c.String("number"))
	}
}
