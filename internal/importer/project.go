package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/ALT-F4-LLC/crate/internal/blob"
	"github.com/ALT-F4-LLC/crate/internal/catalog"
	"github.com/ALT-F4-LLC/crate/internal/db"
	"github.com/ALT-F4-LLC/crate/internal/errs"
	"github.com/ALT-F4-LLC/crate/internal/model"
)

var validRoles = []string{model.RoleFullMember, model.RoleReadonlyMember, model.RoleProjectAdmin}

var validActionKinds = []model.ActionKind{model.ActionSetProperty, model.ActionRemoveFromTree}

// project is the project-specific state of a restore.
type project struct {
	*restore
	req Request

	cards, versions *db.Table
	// defs is keyed by destination property definition id, byColumn by
	// property column name.
	defs     map[int64]model.PropertyDefinition
	byColumn map[string]model.PropertyDefinition
	// enums holds the values each destination enumerated property allows.
	enums map[int64]map[string]bool
	// numbers holds the card numbers restored so far, parsed so "1" and
	// "01" collide.
	numbers map[int64]bool
	// historical holds destination ids of users the restored history names.
	historical map[int64]bool
}

func (r *restore) setupProject(req Request) {
	p := &project{
		restore:    r,
		req:        req,
		defs:       map[int64]model.PropertyDefinition{},
		byColumn:   map[string]model.PropertyDefinition{},
		enums:      map[int64]map[string]bool{},
		numbers:    map[int64]bool{},
		historical: map[int64]bool{},
	}
	r.hooks = map[string]hooks{
		"users":                    {before: r.restoreUser},
		"deliverables":             {before: p.createProject},
		"members":                  {prepare: p.member},
		"property_definitions":     {before: p.checkDefinition, after: p.recordDefinition},
		"enumeration_values":       {after: p.recordEnumValue},
		"project_variables":        {prepare: p.variable},
		"transition_prerequisites": {before: p.checkPrerequisite, prepare: p.prerequisite},
		"transition_actions":       {prepare: p.action},
		catalog.Cards:              {prepare: p.card},
		catalog.CardVersions:       {prepare: p.cardVersion, after: p.markHistorical("created_by_user_id", "modified_by_user_id")},
		"events":                   {prepare: p.event, after: p.markHistorical("created_by_user_id")},
		"murmurs":                  {after: p.markHistorical("author_id")},
		"attachments":              {after: r.copyAttachment},
	}
	r.provision = p.provisionTables
	r.finish = p.finish
}

// createProject creates the destination deliverable from the exported one,
// under a free identifier and name.
func (p *project) createProject(ctx context.Context, rc *rowCtx) error {
	if p.dest != nil {
		rc.skip = true
		return nil
	}
	identifier := p.req.Identifier
	if identifier == "" {
		identifier = rc.src.String("identifier")
	}
	name := p.req.Name
	if name == "" {
		name = rc.src.String("name")
	}
	c, err := names.claim(ctx, p.ex, identifier, name)
	if err != nil {
		return errs.Internal("choosing a destination identifier", err)
	}
	p.claim = c

	d := &model.Deliverable{
		Identifier:    c.Identifier,
		Name:          c.Name,
		Kind:          model.KindProject,
		Template:      p.a.template,
		SecretKey:     rc.src.String("secret_key"),
		Description:   rc.src.String("description"),
		Icon:          rc.src.String("icon"),
		Tables:        model.TableSetFor(c.Identifier),
		SchemaVersion: db.CurrentSchemaVersion,
	}
	if d.SecretKey == "" {
		d.SecretKey = uuid.NewString()
	}
	if err := db.CreateDeliverable(ctx, p.ex, d); err != nil {
		return errs.Internal("creating project", err)
	}
	p.dest = d
	rc.newID = d.ID
	rc.done = true
	if identifier != c.Identifier {
		p.t.Message(ctx, "Identifier %s is taken, importing as %s", identifier, c.Identifier)
	}
	if d.Icon != "" && rc.hasID {
		return p.copyFile(ctx, blob.ProjectIconKey(rc.oldID, d.Icon), blob.ProjectIconKey(d.ID, d.Icon))
	}
	return nil
}

// provisionTables creates the destination card tables on first use, with a
// column for every property definition restored so far.
func (p *project) provisionTables(ctx context.Context) (cards, versions *db.Table, err error) {
	if p.cards != nil {
		return p.cards, p.versions, nil
	}
	cols := make([]string, 0, len(p.byColumn))
	for col := range p.byColumn {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	p.cards, p.versions, err = db.ProvisionCardTables(ctx, p.ex, p.dest.Tables, cols)
	if err != nil {
		return nil, nil, errs.Internal("provisioning card tables", err)
	}
	return p.cards, p.versions, nil
}

func (p *project) member(ctx context.Context, rc *rowCtx) error {
	role := rc.row.String("role")
	if !slices.Contains(validRoles, role) {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "role", role, fmt.Sprintf("must be one of %v", validRoles)))
		return nil
	}
	userID, _ := rc.row.Int("user_id")
	inserted, err := db.AddMember(ctx, p.ex, p.dest.ID, userID, role)
	if err != nil {
		return errs.Internal("restoring membership", err)
	}
	rc.done = true
	// the account was already a member
	rc.skip = !inserted
	return nil
}

func (p *project) checkDefinition(ctx context.Context, rc *rowCtx) error {
	kind := rc.row.String("kind")
	if err := model.ValidatePropertyKind(model.PropertyKind(kind)); err != nil {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "kind", kind, "is not a property kind"))
		return nil
	}
	col := rc.row.String("column_name")
	if !model.IsPropertyColumn(col) || db.ValidateName(col) != nil {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "column_name", col, "is not a property column name"))
		return nil
	}
	if _, dup := p.byColumn[col]; dup {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "column_name", col, "is used by another property"))
	}
	return nil
}

func (p *project) recordDefinition(_ context.Context, rc *rowCtx) error {
	pd := model.PropertyDefinition{
		ID:         rc.newID,
		Name:       rc.row.String("name"),
		Kind:       model.PropertyKind(rc.row.String("kind")),
		ColumnName: rc.row.String("column_name"),
		Restricted: rc.row.Bool("restricted"),
	}
	pd.TreeConfigurationID, _ = rc.row.Int("tree_configuration_id")
	p.defs[pd.ID] = pd
	p.byColumn[pd.ColumnName] = pd
	return nil
}

func (p *project) recordEnumValue(_ context.Context, rc *rowCtx) error {
	id, _ := rc.row.Int("property_definition_id")
	if p.enums[id] == nil {
		p.enums[id] = map[string]bool{}
	}
	p.enums[id][rc.row.String("value")] = true
	return nil
}

func (p *project) allowed(pd model.PropertyDefinition, v string) bool {
	if pd.Kind != model.PropertyEnumerated || !pd.Restricted {
		return true
	}
	return p.enums[pd.ID][v]
}

func (p *project) variable(ctx context.Context, rc *rowCtx) error {
	dt := model.VariableType(rc.row.String("data_type"))
	if err := model.ValidateVariableType(dt); err != nil {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "data_type", string(dt), "is not a variable type"))
		return nil
	}
	switch dt {
	case model.VariableUser:
		p.resolveValue(ctx, rc, "value", "users")
	case model.VariableCard:
		rc.deferRef("value", catalog.Cards, nil)
	}
	return nil
}

// checkPrerequisite drops prerequisites whose subject no longer exists.
func (p *project) checkPrerequisite(ctx context.Context, rc *rowCtx) error {
	var col, entity string
	switch kind := rc.row.String("kind"); kind {
	case "user":
		col, entity = "user_id", "users"
	case "property_value":
		col, entity = "property_definition_id", "property_definitions"
	default:
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "kind", kind, "is not a prerequisite kind"))
		return nil
	}
	v := rc.row.String(col)
	if _, ok := p.remap.ResolveValue(entity, v); !ok {
		p.reject(ctx, rc, errs.RowOrphaned(rc.table.Name, rc.num, col, v))
	}
	return nil
}

func (p *project) prerequisite(ctx context.Context, rc *rowCtx) error {
	id, _ := rc.row.Int("property_definition_id")
	pd, ok := p.defs[id]
	switch {
	case !ok:
	case pd.Kind.RefersToUser():
		p.resolveValue(ctx, rc, "value", "users")
	case pd.Kind.RefersToCard():
		rc.deferRef("value", catalog.Cards, nil)
	}
	return nil
}

// action resolves a transition action's value by the kind of the property it
// sets. Values that no longer resolve leave the action setting "not set".
func (p *project) action(ctx context.Context, rc *rowCtx) error {
	a := model.ActionFromRow(rc.row)
	if !slices.Contains(validActionKinds, a.Kind) {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "action_kind", string(a.Kind), "is not an action kind"))
		return nil
	}
	if a.Kind != model.ActionSetProperty || a.TargetType != model.TargetPropertyDefinition {
		return nil
	}
	pd := p.defs[a.TargetID]
	deferCard := false
	switch a.ValueKind {
	case model.ValueLiteral:
		switch {
		case pd.Kind.RefersToUser():
			if v, ok := p.remap.ResolveValue("users", a.Value); ok {
				a.Value = v
			} else {
				p.t.Warn(ctx, errs.ReferenceUnresolved(rc.table.Name, rc.num, "value", a.Value))
				a = a.Unset()
			}
		case pd.Kind.RefersToCard():
			deferCard = true
		case !p.allowed(pd, a.Value):
			p.t.Warn(ctx, errs.ReferenceUnresolved(rc.table.Name, rc.num, "value", a.Value))
			a = a.Unset()
		}
	case model.ValueVariable:
		if a.VariableID == 0 {
			a = a.Unset()
		}
	case model.ValueNotSet, model.ValueUserInputRequired, model.ValueUserInputOptional:
	default:
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "value_kind", string(a.ValueKind), "is not a value kind"))
		return nil
	}
	a.Apply(rc.row)
	if deferCard {
		rc.deferRef("value", catalog.Cards, model.NewRow("value_kind", string(model.ValueNotSet)))
	}
	return nil
}

// properties resolves the property columns of a card or card version row.
// It reports false when the row was rejected.
func (p *project) properties(ctx context.Context, rc *rowCtx, checkAllowed bool) bool {
	for _, col := range rc.row.Columns() {
		if !model.IsPropertyColumn(col) {
			continue
		}
		pd, ok := p.byColumn[col]
		if !ok {
			delete(rc.row, col)
			continue
		}
		v, set := rc.row.Get(col)
		if !set {
			continue
		}
		switch {
		case pd.Kind.RefersToUser():
			p.resolveValue(ctx, rc, col, "users")
		case pd.Kind.RefersToCard():
			rc.deferRef(col, catalog.Cards, nil)
		case checkAllowed && !p.allowed(pd, v):
			p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, col, v, "is not an allowed value of "+pd.Name))
			return false
		}
	}
	return true
}

func (p *project) card(ctx context.Context, rc *rowCtx) error {
	raw := rc.row.String("number")
	n, ok := rc.row.Int("number")
	if !ok {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "number", raw, "is required"))
		return nil
	}
	if p.numbers[n] {
		p.reject(ctx, rc, errs.RowInvalid(rc.table.Name, rc.num, "number", raw, "duplicates another card"))
		return nil
	}
	if p.properties(ctx, rc, true) {
		p.numbers[n] = true
	}
	return nil
}

func (p *project) cardVersion(ctx context.Context, rc *rowCtx) error {
	p.properties(ctx, rc, false)
	return nil
}

// event keeps the event but not its change rows, which the destination
// regenerates.
func (p *project) event(_ context.Context, rc *rowCtx) error {
	rc.row.SetBool("history_generated", false)
	return nil
}

func (p *project) markHistorical(cols ...string) func(context.Context, *rowCtx) error {
	return func(_ context.Context, rc *rowCtx) error {
		for _, col := range cols {
			if id, ok := rc.row.Int(col); ok {
				p.historical[id] = true
			}
		}
		return nil
	}
}

// finish recomputes what the archive cannot be trusted with and enrolls the
// accounts the import created.
func (p *project) finish(ctx context.Context) error {
	if p.dest == nil {
		return errs.InvalidArchive("the archive holds no project", nil)
	}
	if _, _, err := p.provisionTables(ctx); err != nil {
		return err
	}
	seq, err := db.MaxInt(ctx, p.ex, p.dest.Tables.Cards, "number", "")
	if err != nil {
		return errs.Internal("reading card numbers", err)
	}
	vals := model.Row{}
	vals.SetInt("card_number_seq", seq)
	vals.SetInt("schema_version", int64(db.CurrentSchemaVersion))
	if err := db.UpdateDeliverable(ctx, p.ex, p.dest.ID, vals); err != nil {
		return errs.Internal("updating project", err)
	}
	p.dest.CardNumberSeq = seq

	ids := make([]int64, 0, len(p.historical))
	for id := range p.historical {
		if p.users.WasCreated(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := db.AddMember(ctx, p.ex, p.dest.ID, id, model.RoleReadonlyMember); err != nil {
			return errs.Internal("enrolling historical user", err)
		}
	}
	return p.makeAdmin(ctx)
}

// makeAdmin makes the importing user a project admin.
func (p *project) makeAdmin(ctx context.Context) error {
	if p.req.As == "" {
		return nil
	}
	u, err := db.FindUserByLogin(ctx, p.ex, p.req.As)
	if errors.Is(err, db.ErrNotFound) {
		p.t.Warn(ctx, fmt.Errorf("user %s does not exist and was not made project admin", p.req.As))
		return nil
	}
	if err != nil {
		return errs.Internal("finding importing user", err)
	}
	inserted, err := db.AddMember(ctx, p.ex, p.dest.ID, u.ID, model.RoleProjectAdmin)
	if err != nil {
		return errs.Internal("adding project admin", err)
	}
	if !inserted {
		if _, err := p.ex.ExecContext(ctx, `UPDATE members SET role = ? WHERE deliverable_id = ? AND user_id = ?`,
			model.RoleProjectAdmin, p.dest.ID, u.ID); err != nil {
			return errs.Internal("adding project admin", err)
		}
	}
	return nil
}
