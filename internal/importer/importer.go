// Package importer restores export archives into the data database. An
// import runs in one transaction: either every table it restores is
// committed, or the destination is left exactly as it was.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/catalog"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/metrics"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/plugin"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
	"github.com/ALT-F4-LLC/crate/internal/upgrade"
)

var validate = validator.New()

// Request describes one import.
type Request struct {
	Archive string `validate:"required"`
	// Name and Identifier override the source deliverable's. Collisions are
	// suffixed either way.
	Name       string `validate:"max=255"`
	Identifier string `validate:"omitempty,max=49"`
	// As is the login of the importing user, who becomes project admin of
	// an imported project.
	As string
}

// Result describes a finished import.
type Result struct {
	Kind        model.Kind
	Deliverable *model.Deliverable
	Restored    int
	Skipped     int
}

// Importer restores archives into a data database and blob store.
type Importer struct {
	db      *db.DB
	blobs   blob.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	workDir string
}

// Option configures an Importer.
type Option func(*Importer)

// WithWorkDir sets the parent of the extraction directory.
func WithWorkDir(dir string) Option { return func(im *Importer) { im.workDir = dir } }

// WithLogger sets the importer's logger.
func WithLogger(l *slog.Logger) Option { return func(im *Importer) { im.log = l } }

// WithMetrics counts restored and skipped rows into m.
func WithMetrics(m *metrics.Metrics) Option { return func(im *Importer) { im.metrics = m } }

// New returns an importer writing to d and blobs.
func New(d *db.DB, blobs blob.Store, opts ...Option) *Importer {
	im := &Importer{db: d, blobs: blobs, log: slog.Default()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// archive is an extracted, upgraded archive.
type archive struct {
	dir      string
	manifest *tablefile.Manifest
	kind     model.Kind
	version  int
	template bool
	// source is the deliverables row of the exported project or program.
	source model.Row
	set    tablefile.Set
}

func (a *archive) rowCount() int {
	n := 0
	for name, rows := range a.set {
		if _, ok := catalog.Lookup(a.kind, name); ok {
			n += len(rows)
		}
	}
	return n
}

// open extracts and reads path. The caller must call the returned cleanup.
func (im *Importer) open(path string) (*archive, func(), error) {
	dir, err := os.MkdirTemp(im.workDir, "crate-import-*")
	if err != nil {
		return nil, func() {}, errs.Internal("creating work directory", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			im.log.Warn("removing work directory", "dir", dir, "error", err)
		}
	}
	a, err := read(path, dir)
	if err != nil {
		return nil, cleanup, err
	}
	return a, cleanup, nil
}

func read(path, dir string) (*archive, error) {
	if err := tablefile.Unpack(path, dir); err != nil {
		return nil, err
	}
	manifest, err := tablefile.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest != nil && manifest.FormatVersion > model.FormatVersion {
		return nil, errs.UnsupportedVersion(manifest.FormatVersion, model.FormatVersion)
	}

	a := &archive{dir: dir, manifest: manifest}
	if a.kind, err = inferKind(dir, manifest); err != nil {
		return nil, err
	}

	deliverables, err := tablefile.Load(dir, "deliverables")
	if err != nil {
		return nil, err
	}
	names := []string{upgrade.SchemaTable}
	names = append(names, upgrade.LegacyTables...)
	var cardTables model.TableSet
	if a.kind != model.KindDependencies {
		a.source = sourceRow(deliverables, a.kind, manifest)
		if a.source == nil {
			return nil, errs.InvalidArchive(fmt.Sprintf("the archive holds no %s", a.kind), nil)
		}
		if a.kind == model.KindProject {
			cardTables = model.TableSet{Cards: a.source.String("cards_table"), CardVersions: a.source.String("card_versions_table")}
			if cardTables.Cards == "" {
				cardTables = model.TableSetFor(a.source.String("identifier"))
			}
			names = append(names, cardTables.Names()...)
		}
	}
	for _, t := range catalog.Tables(a.kind) {
		if t.Name != catalog.Cards && t.Name != catalog.CardVersions {
			names = append(names, t.Name)
		}
	}

	if a.set, err = tablefile.LoadSet(dir, names); err != nil {
		return nil, err
	}
	if a.version, err = upgrade.DetectVersion(a.set); err != nil {
		return nil, err
	}
	if _, err := upgrade.Upgrade(a.set, a.version); err != nil {
		return nil, err
	}
	if a.kind == model.KindProject {
		a.set.Rename(cardTables.Cards, catalog.Cards)
		a.set.Rename(cardTables.CardVersions, catalog.CardVersions)
	}

	a.template = a.source != nil && a.source.Bool("template")
	if manifest != nil && manifest.Mode == model.ModeTemplate {
		a.template = true
	}
	return a, nil
}

// inferKind reads the kind from the manifest, or from the tables of
// archives written before manifests existed.
func inferKind(dir string, m *tablefile.Manifest) (model.Kind, error) {
	if m != nil && m.Kind != "" {
		return m.Kind, nil
	}
	for _, probe := range []struct {
		table string
		kind  model.Kind
	}{
		{"dependencies", model.KindDependencies},
		{"objectives", model.KindProgram},
		{"program_projects", model.KindProgram},
	} {
		ok, err := tablefile.Exists(dir, probe.table)
		if err != nil {
			return "", errs.InvalidArchive("the archive could not be listed", err)
		}
		if ok {
			return probe.kind, nil
		}
	}
	ok, err := tablefile.Exists(dir, "deliverables")
	if err != nil || !ok {
		return "", errs.InvalidArchive("the archive holds no deliverable", err)
	}
	return model.KindProject, nil
}

// sourceRow picks the exported deliverable out of the deliverables rows.
// Archives also carry rows for the projects a program or dependency
// references.
func sourceRow(rows []model.Row, kind model.Kind, m *tablefile.Manifest) model.Row {
	var first model.Row
	for _, r := range rows {
		k := model.Kind(r.String("kind"))
		if k != "" && k != kind {
			continue
		}
		if m != nil && m.Source != "" && r.String("identifier") == m.Source {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

// Import restores the archive described by req. Progress, warnings and
// skipped rows go to t.
func (im *Importer) Import(ctx context.Context, t *progress.Tracker, req Request) (*Result, error) {
	if err := validate.Struct(req); err != nil {
		return nil, errs.InvalidRequest(err.Error())
	}
	if req.Identifier != "" {
		if err := model.ValidateIdentifier(req.Identifier); err != nil {
			return nil, errs.InvalidRequest(err.Error())
		}
	}

	a, cleanup, err := im.open(req.Archive)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	if a.version < model.FormatVersion {
		t.Message(ctx, "Upgraded archive from format %d to %d", a.version, model.FormatVersion)
	}
	if err := plugin.Check(ctx, im.db, plugin.Requirements(a.set["plugins"]), a.template); err != nil {
		return nil, err
	}
	t.SetTotal(ctx, a.rowCount()+2)
	t.Step(ctx, 1, fmt.Sprintf("Read %s archive with %d rows", a.kind, a.rowCount()))

	tx, err := im.db.Begin(ctx)
	if err != nil {
		return nil, errs.Internal("starting import", err)
	}
	r := newRestore(im, tx, t, a)
	result, err := r.run(ctx, req)
	defer r.release()
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			im.log.Error("rolling back import", "error", rbErr)
		}
		r.compensate(context.WithoutCancel(ctx))
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		r.compensate(context.WithoutCancel(ctx))
		return nil, errs.Internal("committing import", err)
	}
	t.Step(ctx, 1, "")

	attrs := []any{"kind", a.kind, "restored", result.Restored, "skipped", result.Skipped}
	if result.Deliverable != nil {
		attrs = append(attrs, "deliverable", result.Deliverable.Identifier)
		t.Message(ctx, "Imported %s %s", a.kind, result.Deliverable.Identifier)
	}
	im.log.Info("import committed", attrs...)
	return result, nil
}
