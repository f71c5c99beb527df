package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

const deliverableColumns = `id, identifier, name, kind, template, secret_key, description, icon,
	card_number_seq, cards_table, card_versions_table, schema_version, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeliverable(s scanner) (*model.Deliverable, error) {
	var (
		d                         model.Deliverable
		kind                      string
		template                  sql.NullInt64
		secret, desc, icon        sql.NullString
		seq, schemaVersion        sql.NullInt64
		cardsTable, versionsTable sql.NullString
		createdAt                 sql.NullString
	)
	err := s.Scan(&d.ID, &d.Identifier, &d.Name, &kind, &template, &secret, &desc, &icon,
		&seq, &cardsTable, &versionsTable, &schemaVersion, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning deliverable: %w", err)
	}
	d.Kind = model.Kind(kind)
	d.Template = template.Int64 == 1
	d.SecretKey = secret.String
	d.Description = desc.String
	d.Icon = icon.String
	d.CardNumberSeq = seq.Int64
	d.Tables = model.TableSet{Cards: cardsTable.String, CardVersions: versionsTable.String}
	d.SchemaVersion = int(schemaVersion.Int64)
	if createdAt.Valid {
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	return &d, nil
}

// GetDeliverable returns the deliverable with the given id.
func GetDeliverable(ctx context.Context, ex Execer, id int64) (*model.Deliverable, error) {
	return scanDeliverable(ex.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE id = ?`, id))
}

// FindDeliverable returns the deliverable with the given identifier.
func FindDeliverable(ctx context.Context, ex Execer, identifier string) (*model.Deliverable, error) {
	return scanDeliverable(ex.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE identifier = ?`, identifier))
}

// ListDeliverables returns every deliverable ordered by identifier.
func ListDeliverables(ctx context.Context, ex Execer) ([]*model.Deliverable, error) {
	rows, err := ex.QueryContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing deliverables: %w", err)
	}
	defer rows.Close()

	var out []*model.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IdentifierTaken reports whether identifier is used by a deliverable or
// would collide with existing card tables.
func IdentifierTaken(ctx context.Context, ex Execer, identifier string) (bool, error) {
	n, err := Count(ctx, ex, "deliverables", "identifier = ?", identifier)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	for _, name := range model.TableSetFor(identifier).Names() {
		exists, err := TableExists(ctx, ex, name)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// NameTaken reports whether a deliverable already uses the display name.
func NameTaken(ctx context.Context, ex Execer, name string) (bool, error) {
	n, err := Count(ctx, ex, "deliverables", "name = ?", name)
	return n > 0, err
}

// CreateDeliverable inserts a deliverable and sets d.ID.
func CreateDeliverable(ctx context.Context, ex Execer, d *model.Deliverable) error {
	if err := model.ValidateIdentifier(d.Identifier); err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	r := model.NewRow(
		"identifier", d.Identifier,
		"name", d.Name,
		"kind", string(d.Kind),
		"created_at", d.CreatedAt.Format(time.RFC3339),
	)
	r.SetBool("template", d.Template)
	if d.SecretKey != "" {
		r.Set("secret_key", d.SecretKey)
	}
	if d.Description != "" {
		r.Set("description", d.Description)
	}
	if d.Icon != "" {
		r.Set("icon", d.Icon)
	}
	r.SetInt("card_number_seq", d.CardNumberSeq)
	if d.IsProject() {
		r.Set("cards_table", d.Tables.Cards)
		r.Set("card_versions_table", d.Tables.CardVersions)
	}
	r.SetInt("schema_version", int64(d.SchemaVersion))

	t, _ := InstanceTable("deliverables")
	id, err := InsertRow(ctx, ex, t, r)
	if err != nil {
		return fmt.Errorf("creating deliverable %q: %w", d.Identifier, err)
	}
	d.ID = id
	return nil
}

// UpdateDeliverable sets the given columns on a deliverable row.
func UpdateDeliverable(ctx context.Context, ex Execer, id int64, vals model.Row) error {
	t, _ := InstanceTable("deliverables")
	return UpdateColumns(ctx, ex, t, id, vals)
}
