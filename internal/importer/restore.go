package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/catalog"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
	"github.com/ALT-F4-LLC/crate/internal/planner"
	"github.com/ALT-F4-LLC/crate/internal/progress"
	"github.com/ALT-F4-LLC/crate/internal/resolve"
)

// hooks customize how the rows of one table are restored. before runs on
// the raw row, prepare once generic references are resolved, after once the
// row is inserted.
type hooks struct {
	start   func(ctx context.Context) error
	before  func(ctx context.Context, rc *rowCtx) error
	prepare func(ctx context.Context, rc *rowCtx) error
	after   func(ctx context.Context, rc *rowCtx) error
}

// rowCtx is one archive row on its way into the destination.
type rowCtx struct {
	table *catalog.Table
	dest  *db.Table
	// num is the 1-based row number within the archive table.
	num   int
	src   model.Row
	row   model.Row
	oldID int64
	hasID bool
	newID int64
	// skip drops the row; the hook that set it has already reported why.
	skip bool
	// done means a hook stored the row itself.
	done    bool
	pending []deferred
}

// deferred is a reference rewritten once every table is restored.
type deferred struct {
	table  *db.Table
	name   string
	num    int
	id     int64
	column string
	entity string
	old    string
	// unresolved holds extra columns to set when old no longer resolves.
	unresolved model.Row
}

// deferRef postpones the rewrite of column, which holds an id of entity. The
// column is stored null until then.
func (rc *rowCtx) deferRef(column, entity string, unresolved model.Row) {
	old, ok := rc.row.Get(column)
	if !ok {
		return
	}
	rc.row.SetNull(column)
	rc.pending = append(rc.pending, deferred{
		name: rc.table.Name, num: rc.num, column: column, entity: entity, old: old, unresolved: unresolved,
	})
}

// restore is the state of one import transaction.
type restore struct {
	im    *Importer
	ex    *db.Tx
	t     *progress.Tracker
	a     *archive
	remap *resolve.Remap
	users *resolve.Users
	hooks map[string]hooks
	// finish runs after deferred references are rewritten.
	finish func(ctx context.Context) error
	// provision returns the destination card tables of a project import.
	provision func(ctx context.Context) (cards, versions *db.Table, err error)

	dest  *model.Deliverable
	claim *claim
	// written lists the blob keys this import stored.
	written  []string
	deferred []deferred

	restored int
	skipped  int
}

func newRestore(im *Importer, tx *db.Tx, t *progress.Tracker, a *archive) *restore {
	remap := resolve.New()
	return &restore{
		im:    im,
		ex:    tx,
		t:     t,
		a:     a,
		remap: remap,
		users: resolve.NewUsers(tx, remap),
		hooks: map[string]hooks{},
	}
}

func (r *restore) run(ctx context.Context, req Request) (*Result, error) {
	switch r.a.kind {
	case model.KindProgram:
		r.setupProgram(req)
	case model.KindDependencies:
		r.setupDependencies()
	default:
		r.setupProject(req)
	}

	order, err := planner.RestoreOrder(catalog.Specs(r.a.kind))
	if err != nil {
		return nil, errs.Internal("ordering tables", err)
	}
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		table, _ := catalog.Lookup(r.a.kind, name)
		if err := r.restoreTable(ctx, table); err != nil {
			return nil, err
		}
	}
	if err := r.resolveDeferred(ctx); err != nil {
		return nil, err
	}
	if r.finish != nil {
		if err := r.finish(ctx); err != nil {
			return nil, err
		}
	}
	return &Result{Kind: r.a.kind, Deliverable: r.dest, Restored: r.restored, Skipped: r.skipped}, nil
}

// release frees the destination identifier reservation.
func (r *restore) release() { r.claim.Release() }

// compensate removes what the rolled back transaction could not: the files
// this import stored.
func (r *restore) compensate(ctx context.Context) {
	for _, key := range r.written {
		if _, err := r.im.blobs.Delete(ctx, key); err != nil {
			r.im.log.Warn("removing imported file", "key", key, "error", err)
		}
	}
	r.written = nil
}

// tableFor returns the destination definition of a catalog table.
func (r *restore) tableFor(name string) (*db.Table, error) {
	t, ok := db.InstanceTable(name)
	if !ok {
		return nil, errs.Internal(fmt.Sprintf("no destination table for %s", name), nil)
	}
	return t, nil
}

func (r *restore) restoreTable(ctx context.Context, table *catalog.Table) error {
	h := r.hooks[table.Name]
	if h.start != nil {
		if err := h.start(ctx); err != nil {
			return err
		}
	}
	rows, ok := r.a.set[table.Name]
	if !ok {
		return nil
	}
	if table.Name == "plugins" {
		r.t.Step(ctx, len(rows), "")
		return nil
	}
	dest, err := r.destFor(ctx, table.Name)
	if err != nil {
		return err
	}

	restored := 0
	for i, src := range rows {
		ok, err := r.restoreRow(ctx, h, &rowCtx{table: table, dest: dest, num: i + 1, src: src})
		if err != nil {
			return err
		}
		if ok {
			restored++
		}
	}
	r.restored += restored
	if r.im.metrics != nil {
		r.im.metrics.Rows(string(model.JobImport), table.Name, restored)
	}
	r.t.Step(ctx, len(rows), fmt.Sprintf("Restored %s (%d of %d rows)", table.Name, restored, len(rows)))
	return nil
}

// destFor returns the destination table of name. Card tables are the ones
// provisioned for the destination project.
func (r *restore) destFor(ctx context.Context, name string) (*db.Table, error) {
	if name == catalog.Cards || name == catalog.CardVersions {
		if r.provision == nil || r.dest == nil {
			return nil, errs.Internal("card tables restored before their project", nil)
		}
		cards, versions, err := r.provision(ctx)
		if err != nil {
			return nil, err
		}
		if name == catalog.Cards {
			return cards, nil
		}
		return versions, nil
	}
	return r.tableFor(name)
}

// restoreRow restores one row and reports whether it was stored.
func (r *restore) restoreRow(ctx context.Context, h hooks, rc *rowCtx) (bool, error) {
	rc.row = rc.src.Clone()
	rc.oldID, rc.hasID = rc.row.Int("id")
	delete(rc.row, "id")

	if r.scope(ctx, rc); rc.skip {
		return false, nil
	}
	if h.before != nil {
		if err := h.before(ctx, rc); err != nil {
			return false, err
		}
		if rc.skip {
			return false, nil
		}
	}
	if !rc.done {
		r.resolveRefs(ctx, rc)
		if rc.skip {
			return false, nil
		}
		if h.prepare != nil {
			if err := h.prepare(ctx, rc); err != nil {
				return false, err
			}
			if rc.skip {
				return false, nil
			}
		}
	}
	if !rc.done {
		newID, err := db.InsertRow(ctx, r.ex, rc.dest, rc.row)
		var verr *db.ValueError
		if errors.As(err, &verr) {
			r.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, verr.Column, verr.Value, verr.Reason))
			return false, nil
		}
		if err != nil {
			return false, errs.Internal(fmt.Sprintf("restoring %s row %d", rc.table.Name, rc.num), err)
		}
		rc.newID = newID
	}
	if rc.hasID && rc.newID != 0 {
		if err := r.remap.Record(rc.table.Name, rc.oldID, rc.newID); err != nil {
			return false, errs.InvalidArchive(fmt.Sprintf("%s holds duplicate ids", rc.table.Name), err)
		}
	}
	for _, d := range rc.pending {
		d.table = rc.dest
		d.id = rc.newID
		r.deferred = append(r.deferred, d)
	}
	if h.after != nil {
		if err := h.after(ctx, rc); err != nil {
			return false, err
		}
	}
	return true, nil
}

// scope points the row at the destination deliverable.
func (r *restore) scope(ctx context.Context, rc *rowCtx) {
	col := rc.table.Scope
	if col == "" {
		return
	}
	if r.dest != nil {
		rc.row.SetInt(col, r.dest.ID)
		return
	}
	// Dependency archives span projects; each row keeps its own.
	v := rc.row.String(col)
	newV, ok := r.remap.ResolveValue("deliverables", v)
	if !ok {
		r.reject(ctx, rc, errs.RowOrphaned(rc.table.Name, rc.num, col, v))
		return
	}
	rc.row.Set(col, newV)
}

// resolveRefs rewrites the row's declared references to destination ids.
func (r *restore) resolveRefs(ctx context.Context, rc *rowCtx) {
	for _, ref := range rc.table.Refs {
		v, present := rc.row.Get(ref.Column)
		if !present {
			if ref.Required {
				r.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, ref.Column, "", "is required"))
				return
			}
			continue
		}
		target, ok := ref.Target(rc.row)
		if !ok {
			r.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, ref.TypeColumn, rc.row.String(ref.TypeColumn), "is not a known type"))
			return
		}
		if ref.Deferred {
			rc.deferRef(ref.Column, target, nil)
			continue
		}
		newV, ok := r.remap.ResolveValue(target, v)
		switch {
		case ok:
			rc.row.Set(ref.Column, newV)
		case ref.Required:
			r.reject(ctx, rc, errs.RowOrphaned(rc.table.Name, rc.num, ref.Column, v))
			return
		default:
			rc.row.SetNull(ref.Column)
			r.t.Warn(ctx, errs.ReferenceUnresolved(rc.table.Name, rc.num, ref.Column, v))
		}
	}
}

// reject skips the row and records why.
func (r *restore) reject(ctx context.Context, rc *rowCtx, e *errs.Error) {
	rc.skip = true
	r.skipped++
	r.t.Warn(ctx, e)
	if r.im.metrics != nil {
		r.im.metrics.Skipped(rc.table.Name, string(e.Code))
	}
}

// resolveValue resolves a raw id of entity held in column, clearing it with
// a warning when it no longer exists.
func (r *restore) resolveValue(ctx context.Context, rc *rowCtx, column, entity string) {
	v, ok := rc.row.Get(column)
	if !ok {
		return
	}
	if newV, ok := r.remap.ResolveValue(entity, v); ok {
		rc.row.Set(column, newV)
		return
	}
	rc.row.SetNull(column)
	r.t.Warn(ctx, errs.ReferenceUnresolved(rc.table.Name, rc.num, column, v))
}

// resolveDeferred rewrites every postponed reference.
func (r *restore) resolveDeferred(ctx context.Context) error {
	for _, d := range r.deferred {
		vals := model.Row{}
		if newV, ok := r.remap.ResolveValue(d.entity, d.old); ok {
			vals.Set(d.column, newV)
		} else {
			r.t.Warn(ctx, errs.ReferenceUnresolved(d.name, d.num, d.column, d.old))
			for k, v := range d.unresolved {
				vals[k] = v
			}
		}
		if len(vals) == 0 || d.id == 0 {
			continue
		}
		if err := db.UpdateColumns(ctx, r.ex, d.table, d.id, vals); err != nil {
			return errs.Internal(fmt.Sprintf("rewriting %s.%s", d.name, d.column), err)
		}
	}
	r.deferred = nil
	return nil
}

// copyFile stores the archive file at key under newKey. A file missing from
// the archive is a warning.
func (r *restore) copyFile(ctx context.Context, key, newKey string) error {
	f, err := os.Open(filepath.Join(r.a.dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		r.t.Warn(ctx, fmt.Errorf("file %s is missing from the archive and was not imported", key))
		return nil
	}
	if err != nil {
		return errs.Internal("reading "+key, err)
	}
	defer f.Close()
	if _, err := r.im.blobs.Put(ctx, newKey, f, ""); err != nil {
		return errs.Internal("storing "+newKey, err)
	}
	r.written = append(r.written, newKey)
	return nil
}

// copyAttachment stores a restored attachment's file under its new id.
func (r *restore) copyAttachment(ctx context.Context, rc *rowCtx) error {
	file := rc.row.String("file")
	if !rc.hasID || file == "" {
		return nil
	}
	return r.copyFile(ctx, blob.AttachmentKey(rc.oldID, file), blob.AttachmentKey(rc.newID, file))
}

// restoreUser resolves an exported account, copying its icon when the
// account is created.
func (r *restore) restoreUser(ctx context.Context, rc *rowCtx) error {
	if rc.src.String("login") == "" || !rc.hasID {
		r.reject(ctx, rc, errs.RowInvalid("users", rc.num, "login", "", "is required"))
		return nil
	}
	newID, created, err := r.users.Resolve(ctx, rc.src)
	if err != nil {
		return errs.Internal("resolving user "+rc.src.String("login"), err)
	}
	rc.newID = newID
	rc.done = true
	icon := rc.src.String("icon")
	if !created || icon == "" {
		return nil
	}
	if err := r.copyFile(ctx, blob.UserIconKey(rc.oldID, icon), blob.UserIconKey(newID, icon)); err != nil {
		return err
	}
	users, _ := db.InstanceTable("users")
	if err := db.UpdateColumns(ctx, r.ex, users, newID, model.NewRow("icon", icon)); err != nil {
		return errs.Internal("setting user icon", err)
	}
	return nil
}
