// Package export writes a deliverable's tables and files into a portable
// archive. Exports only ever read from the data database; everything is
// staged in a scratch directory that is zipped and removed.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/catalog"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/metrics"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/planner"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/tablefile"
	"github.com/ALT-F4-LLC/crate/internal/upgrade"
)

var validate = validator.New()

// Request describes one export.
type Request struct {
	Kind       model.Kind `validate:"required,oneof=project program dependencies"`
	Identifier string     `validate:"required"`
	Mode       model.Mode `validate:"required,oneof=full template"`
	// Output is the archive path to write.
	Output string `validate:"required"`
}

// Source is a database the exporter can read one consistent state of.
// *db.DB satisfies it.
type Source interface {
	BeginSnapshot(ctx context.Context) (*db.Tx, error)
}

// Exporter builds archives from the data database and blob store.
type Exporter struct {
	src         Source
	blobs       blob.Store
	log         *slog.Logger
	metrics     *metrics.Metrics
	pageSize    int
	concurrency int
	workDir     string
	mail        bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithPageSize sets how many rows each table page holds.
func WithPageSize(n int) Option { return func(e *Exporter) { e.pageSize = n } }

// WithConcurrency sets how many table pages or files are written at once.
func WithConcurrency(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithWorkDir sets the parent of the scratch directory.
func WithWorkDir(dir string) Option { return func(e *Exporter) { e.workDir = dir } }

// WithMail marks outbound mail as configured, which makes history
// subscriptions exportable.
func WithMail(configured bool) Option { return func(e *Exporter) { e.mail = configured } }

// WithLogger sets the exporter's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Exporter) { e.log = l } }

// WithMetrics counts exported rows into m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Exporter) { e.metrics = m } }

// New returns an exporter reading from src and blobs.
func New(src Source, blobs blob.Store, opts ...Option) *Exporter {
	e := &Exporter{
		src:         src,
		blobs:       blobs,
		log:         slog.Default(),
		pageSize:    tablefile.DefaultPageSize,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// snapshot is the staged content of one archive. Every read goes through
// ex, a read transaction held until the tables are written.
type snapshot struct {
	ex     db.Execer
	kind   model.Kind
	mode   model.Mode
	source *model.Deliverable
	// tables is keyed by logical name; names maps logical names whose
	// archive name differs (the card tables).
	tables map[string][]model.Row
	// streams are tables written straight from the database, never held in
	// memory.
	streams map[string]stream
	names   map[string]string
	files   []string
}

func newSnapshot(ex db.Execer, kind model.Kind, mode model.Mode, source *model.Deliverable) *snapshot {
	return &snapshot{
		ex:      ex,
		kind:    kind,
		mode:    mode,
		source:  source,
		tables:  map[string][]model.Row{},
		streams: map[string]stream{},
		names:   map[string]string{},
	}
}

// stream selects the rows of a table that is too large to stage.
type stream struct {
	table string
	where string
	args  []any
}

func (s stream) source(ctx context.Context, ex db.Execer) tablefile.RowSource {
	return func(yield func(model.Row) error) error {
		return db.ScanWhere(ctx, ex, s.table, s.where, yield, s.args...)
	}
}

func (s *snapshot) template() bool { return s.mode == model.ModeTemplate }

func (s *snapshot) archiveName(table string) string {
	if n, ok := s.names[table]; ok {
		return n
	}
	return table
}

// Export writes the archive described by req. Progress and warnings go to t.
func (e *Exporter) Export(ctx context.Context, t *progress.Tracker, req Request) (string, error) {
	if err := validate.Struct(req); err != nil {
		return "", errs.InvalidRequest(err.Error())
	}
	tx, err := e.src.BeginSnapshot(ctx)
	if err != nil {
		return "", errs.Internal("opening read snapshot", err)
	}
	defer tx.Rollback()

	source, err := db.FindDeliverable(ctx, tx, req.Identifier)
	if errors.Is(err, db.ErrNotFound) {
		return "", errs.DeliverableNotFound(req.Identifier)
	}
	if err != nil {
		return "", errs.Internal("loading deliverable", err)
	}
	wantKind := model.KindProject
	if req.Kind == model.KindProgram {
		wantKind = model.KindProgram
	}
	if source.Kind != wantKind {
		return "", errs.InvalidRequest(fmt.Sprintf("%s is a %s, not a %s", source.Identifier, source.Kind, wantKind))
	}
	if req.Mode == model.ModeTemplate && req.Kind != model.KindProject {
		return "", errs.InvalidRequest("only projects can be exported as templates")
	}

	snap := newSnapshot(tx, req.Kind, req.Mode, source)
	t.Message(ctx, "Exporting %s %s", req.Kind, source.Identifier)
	switch req.Kind {
	case model.KindProgram:
		err = e.gatherProgram(ctx, snap)
	case model.KindDependencies:
		err = e.gatherDependencies(ctx, snap)
	default:
		err = e.gatherProject(ctx, snap)
		if err == nil && snap.template() {
			templatize(snap)
		}
	}
	if err != nil {
		return "", err
	}
	if err := e.gatherUsers(ctx, snap); err != nil {
		return "", err
	}
	e.collectFiles(snap)

	work, err := os.MkdirTemp(e.workDir, "crate-export-*")
	if err != nil {
		return "", errs.Internal("creating work directory", err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			e.log.Warn("removing work directory", "dir", work, "error", err)
		}
	}()

	plan, err := planner.GeneratePlan(catalog.Specs(req.Kind), planner.PlanFilters{Exclude: snap.absent()})
	if err != nil {
		return "", errs.Internal("planning export", err)
	}
	// tables, schema_migrations, files, manifest and pack
	t.SetTotal(ctx, plan.TotalTables+len(snap.files)+3)

	counts, err := e.writeTables(ctx, t, snap, plan, work)
	if err != nil {
		return "", err
	}
	// Nothing below reads the database.
	if err := tx.Rollback(); err != nil {
		e.log.Warn("closing read snapshot", "error", err)
	}
	if err := e.writeSchema(work, counts); err != nil {
		return "", err
	}
	t.Step(ctx, 1, "")

	if err := e.copyFiles(ctx, t, snap, work); err != nil {
		return "", err
	}

	manifest := &tablefile.Manifest{
		FormatVersion: model.FormatVersion,
		Kind:          req.Kind,
		Mode:          req.Mode,
		Source:        source.Identifier,
		Name:          source.Name,
		ExportedAt:    time.Now().UTC(),
		Tables:        counts,
	}
	if err := tablefile.WriteManifest(work, manifest); err != nil {
		return "", errs.Internal("writing manifest", err)
	}
	t.Step(ctx, 1, "")

	if err := tablefile.Pack(work, req.Output); err != nil {
		return "", errs.Internal("packing archive", err)
	}
	t.Step(ctx, 1, fmt.Sprintf("Wrote %s (%d rows)", filepath.Base(req.Output), manifest.RowCount()))
	e.log.Info("export written", "deliverable", source.Identifier, "kind", req.Kind, "mode", req.Mode,
		"archive", req.Output, "rows", manifest.RowCount(), "files", len(snap.files))
	return req.Output, nil
}

// absent returns the catalog tables the snapshot does not carry.
func (s *snapshot) absent() []string {
	var out []string
	for _, t := range catalog.Tables(s.kind) {
		_, staged := s.tables[t.Name]
		_, streamed := s.streams[t.Name]
		if !staged && !streamed {
			out = append(out, t.Name)
		}
	}
	return out
}

// writeTables writes each plan phase and returns the row count per archive
// table name. Staged tables are written in parallel; streamed tables then
// run one at a time since they share the read transaction.
func (e *Exporter) writeTables(ctx context.Context, t *progress.Tracker, snap *snapshot, plan *planner.Plan, work string) (map[string]int, error) {
	var mu sync.Mutex
	counts := make(map[string]int, plan.TotalTables)
	write := func(ctx context.Context, table string, src tablefile.RowSource) error {
		name := snap.archiveName(table)
		n, err := tablefile.WritePages(work, name, src, e.pageSize)
		if err != nil {
			return errs.Internal("writing "+name, err)
		}
		if e.metrics != nil {
			e.metrics.Rows(string(model.JobExport), table, n)
		}
		mu.Lock()
		counts[name] = n
		mu.Unlock()
		t.Step(ctx, 1, "")
		return nil
	}

	for _, phase := range plan.Phases {
		var streamed []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, table := range phase.Tables {
			if _, ok := snap.streams[table]; ok {
				streamed = append(streamed, table)
				continue
			}
			g.Go(func() error {
				return write(gctx, table, tablefile.SliceSource(snap.tables[table]))
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, table := range streamed {
			if err := write(ctx, table, snap.streams[table].source(ctx, snap.ex)); err != nil {
				return nil, err
			}
		}
	}
	return counts, nil
}

func (e *Exporter) writeSchema(work string, counts map[string]int) error {
	rows := make([]model.Row, 0, model.FormatVersion)
	for v := 1; v <= model.FormatVersion; v++ {
		rows = append(rows, model.NewRow("version", strconv.Itoa(v)))
	}
	n, err := tablefile.WritePages(work, upgrade.SchemaTable, tablefile.SliceSource(rows), e.pageSize)
	if err != nil {
		return errs.Internal("writing schema versions", err)
	}
	counts[upgrade.SchemaTable] = n
	return nil
}

// collectFiles lists the blob keys the exported rows reference.
func (e *Exporter) collectFiles(snap *snapshot) {
	seen := map[string]bool{}
	add := func(key string) {
		if key != "" && !seen[key] {
			seen[key] = true
			snap.files = append(snap.files, key)
		}
	}
	for _, a := range snap.tables["attachments"] {
		if id, ok := a.Int("id"); ok && a.String("file") != "" {
			add(blob.AttachmentKey(id, a.String("file")))
		}
	}
	for _, u := range snap.tables["users"] {
		if id, ok := u.Int("id"); ok && u.String("icon") != "" {
			add(blob.UserIconKey(id, u.String("icon")))
		}
	}
	if snap.kind != model.KindDependencies && snap.source.Icon != "" {
		add(blob.ProjectIconKey(snap.source.ID, snap.source.Icon))
	}
	sort.Strings(snap.files)
}

// copyFiles streams every referenced blob into the work directory under its
// key. Files missing from storage are reported as warnings.
func (e *Exporter) copyFiles(ctx context.Context, t *progress.Tracker, snap *snapshot, work string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, key := range snap.files {
		g.Go(func() error {
			defer t.Step(gctx, 1, "")
			err := copyBlob(gctx, e.blobs, key, filepath.Join(work, filepath.FromSlash(key)))
			if errors.Is(err, blob.ErrNotFound) {
				t.Warn(gctx, fmt.Errorf("file %s is missing from storage and was not exported", key))
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func copyBlob(ctx context.Context, store blob.Store, key, dest string) error {
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Internal("creating file directory", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return errs.Internal("creating "+key, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return errs.Internal("copying "+key, err)
	}
	return out.Close()
}

// loader reads one staged table.
type loader func(ctx context.Context) ([]model.Row, error)

// gather loads tables into the snapshot one after another, in name order.
func (e *Exporter) gather(ctx context.Context, snap *snapshot, loaders map[string]loader) error {
	tables := make([]string, 0, len(loaders))
	for table := range loaders {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		rows, err := loaders[table](ctx)
		if err != nil {
			return errs.Internal("reading "+table, err)
		}
		if rows == nil {
			rows = []model.Row{}
		}
		snap.tables[table] = rows
	}
	return nil
}

// gatherUsers exports every account the snapshot's rows reference, with
// credentials redacted. Templates carry no users.
func (e *Exporter) gatherUsers(ctx context.Context, snap *snapshot) error {
	if _, ok := catalog.Lookup(snap.kind, "users"); !ok {
		return nil
	}
	if snap.template() {
		snap.tables["users"] = []model.Row{}
		return nil
	}
	ids, err := referencedUsers(ctx, snap)
	if err != nil {
		return errs.Internal("reading referenced users", err)
	}
	users := make([]model.Row, 0, len(ids))
	for _, id := range ids {
		rows, err := db.SelectWhere(ctx, snap.ex, "users", "id = ?", id)
		if err != nil {
			return errs.Internal("reading users", err)
		}
		for _, u := range rows {
			u.SetNull("password")
			u.SetNull("api_key")
			users = append(users, u)
		}
	}
	snap.tables["users"] = users
	return nil
}

// referencedUsers returns the sorted ids of users the snapshot points at.
// Streamed tables are asked for their distinct user ids instead.
func referencedUsers(ctx context.Context, snap *snapshot) ([]int64, error) {
	set := map[int64]struct{}{}
	add := func(r model.Row, col string) {
		if id, ok := r.Int(col); ok {
			set[id] = struct{}{}
		}
	}
	defs := propertyDefinitions(snap.tables["property_definitions"])
	for _, table := range catalog.Tables(snap.kind) {
		var cols []string
		for _, ref := range table.Refs {
			if ref.Entity == "users" {
				cols = append(cols, ref.Column)
			}
		}
		if table.Name == catalog.Cards || table.Name == catalog.CardVersions {
			for _, pd := range defs {
				if pd.Kind.RefersToUser() {
					cols = append(cols, pd.ColumnName)
				}
			}
		}

		if s, ok := snap.streams[table.Name]; ok {
			for _, col := range cols {
				ids, err := db.DistinctInts(ctx, snap.ex, s.table, col, s.where, s.args...)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					set[id] = struct{}{}
				}
			}
			continue
		}
		for _, r := range snap.tables[table.Name] {
			for _, col := range cols {
				add(r, col)
			}
		}
	}
	for _, v := range snap.tables["project_variables"] {
		if model.VariableType(v.String("data_type")) == model.VariableUser {
			add(v, "value")
		}
	}
	for _, p := range snap.tables["transition_prerequisites"] {
		pid, _ := p.Int("property_definition_id")
		if pd, ok := defs[pid]; ok && pd.Kind.RefersToUser() {
			add(p, "value")
		}
	}
	for _, a := range snap.tables["transition_actions"] {
		act := model.ActionFromRow(a)
		if pd, ok := defs[act.TargetID]; ok && act.TargetType == model.TargetPropertyDefinition &&
			pd.Kind.RefersToUser() && act.ValueKind == model.ValueLiteral {
			add(a, "value")
		}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// propertyDefinitions indexes property_definitions rows by id.
func propertyDefinitions(rows []model.Row) map[int64]model.PropertyDefinition {
	defs := make(map[int64]model.PropertyDefinition, len(rows))
	for _, r := range rows {
		id, ok := r.Int("id")
		if !ok {
			continue
		}
		pd := model.PropertyDefinition{
			ID:         id,
			Name:       r.String("name"),
			Kind:       model.PropertyKind(r.String("kind")),
			ColumnName: r.String("column_name"),
			Restricted: r.Bool("restricted"),
		}
		pd.TreeConfigurationID, _ = r.Int("tree_configuration_id")
		defs[id] = pd
	}
	return defs
}
