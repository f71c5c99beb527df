package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ALT-F4-LLC/crate/internal/model"
)

// safeIdentifier matches valid SQL table and column identifiers.
var safeIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ValueError reports a value that cannot be stored in a column. Callers
// restoring rows treat it as a per-row validation failure.
type ValueError struct {
	Table  string
	Column string
	Value  string
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("%s.%s: %s (value %q)", e.Table, e.Column, e.Reason, e.Value)
}

// ValidateName returns an error if name is not a safe SQL identifier.
func ValidateName(name string) error {
	if !safeIdentifier.MatchString(name) {
		return fmt.Errorf("unsafe identifier %q", name)
	}
	return nil
}

func quote(name string) string {
	return `"` + name + `"`
}

// ScanRows runs query and calls fn for each result, in result order, as a
// model.Row. Every value is read as text.
func ScanRows(ctx context.Context, ex Execer, fn func(model.Row) error, query string, args ...any) error {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying rows: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading columns: %w", err)
	}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		r := make(model.Row, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				r.Set(c, vals[i].String)
			} else {
				r.SetNull(c)
			}
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SelectRows collects the results of query.
func SelectRows(ctx context.Context, ex Execer, query string, args ...any) ([]model.Row, error) {
	var out []model.Row
	err := ScanRows(ctx, ex, func(r model.Row) error {
		out = append(out, r)
		return nil
	}, query, args...)
	return out, err
}

// SelectWhere returns the rows of table matching where, ordered by id when the
// table has one.
func SelectWhere(ctx context.Context, ex Execer, table, where string, args ...any) ([]model.Row, error) {
	var out []model.Row
	err := ScanWhere(ctx, ex, table, where, func(r model.Row) error {
		out = append(out, r)
		return nil
	}, args...)
	return out, err
}

// ScanWhere streams the rows of table matching where to fn, in the order
// SelectWhere returns them.
func ScanWhere(ctx context.Context, ex Execer, table, where string, fn func(model.Row) error, args ...any) error {
	if err := ValidateName(table); err != nil {
		return err
	}
	q := "SELECT * FROM " + quote(table)
	if where != "" {
		q += " WHERE " + where
	}
	if t, ok := InstanceTable(table); !ok || t.HasID() {
		q += " ORDER BY id"
	}
	return ScanRows(ctx, ex, fn, q, args...)
}

// DistinctInts returns the distinct integer values of column in table
// matching where, ascending. Nulls and non-integer text are skipped.
func DistinctInts(ctx context.Context, ex Execer, table, column, where string, args ...any) ([]int64, error) {
	if err := ValidateName(table); err != nil {
		return nil, err
	}
	if err := ValidateName(column); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL", quote(column), quote(table), quote(column))
	if where != "" {
		q += " AND (" + where + ")"
	}
	var out []int64
	err := ScanRows(ctx, ex, func(r model.Row) error {
		if n, ok := r.Int(column); ok {
			out = append(out, n)
		}
		return nil
	}, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reading distinct %s.%s: %w", table, column, err)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// convert turns a row value into the Go type the column stores.
func convert(t *Table, c Column, v *string) (any, error) {
	if v == nil {
		if c.NotNull {
			return nil, &ValueError{Table: t.Name, Column: c.Name, Reason: "must not be null"}
		}
		return nil, nil
	}
	switch c.Type {
	case TypeID, TypeInt:
		if *v == "" && !c.NotNull {
			return nil, nil
		}
		n, err := strconv.ParseInt(*v, 10, 64)
		if err != nil {
			return nil, &ValueError{Table: t.Name, Column: c.Name, Value: *v, Reason: "not an integer"}
		}
		return n, nil
	case TypeBool:
		switch strings.ToLower(*v) {
		case "1", "t", "true":
			return int64(1), nil
		case "0", "f", "false", "":
			return int64(0), nil
		}
		return nil, &ValueError{Table: t.Name, Column: c.Name, Value: *v, Reason: "not a boolean"}
	default:
		return *v, nil
	}
}

// InsertRow inserts the columns of r that t defines and returns the new id.
// The id column is always assigned by the database; columns r carries that t
// does not define are ignored. Tables without an id return 0.
func InsertRow(ctx context.Context, ex Execer, t *Table, r model.Row) (int64, error) {
	var (
		cols []string
		args []any
	)
	for _, c := range t.Columns {
		if c.Type == TypeID {
			continue
		}
		v, present := r[c.Name]
		if !present && !c.NotNull {
			continue
		}
		arg, err := convert(t, c, v)
		if err != nil {
			return 0, err
		}
		cols = append(cols, quote(c.Name))
		args = append(args, arg)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("inserting into %s: no columns", t.Name)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(t.Name), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if !t.HasID() {
		if _, err := ex.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", t.Name, err)
		}
		return 0, nil
	}

	var newID int64
	if err := ex.QueryRowContext(ctx, q+" RETURNING id", args...).Scan(&newID); err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", t.Name, err)
	}
	return newID, nil
}

// UpdateColumns sets the given columns on the row with the given id.
func UpdateColumns(ctx context.Context, ex Execer, t *Table, id int64, vals model.Row) error {
	var (
		sets []string
		args []any
	)
	for _, name := range vals.Columns() {
		c, ok := t.Column(name)
		if !ok || c.Type == TypeID {
			return fmt.Errorf("updating %s: unknown column %q", t.Name, name)
		}
		arg, err := convert(t, c, vals[name])
		if err != nil {
			return err
		}
		sets = append(sets, quote(name)+" = ?")
		args = append(args, arg)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quote(t.Name), strings.Join(sets, ", "))
	if _, err := ex.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("updating %s %d: %w", t.Name, id, err)
	}
	return nil
}

// DeleteWhere deletes rows of table matching where and returns how many went.
func DeleteWhere(ctx context.Context, ex Execer, table, where string, args ...any) (int64, error) {
	if err := ValidateName(table); err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, "DELETE FROM "+quote(table)+" WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Count returns the number of rows of table matching where.
func Count(ctx context.Context, ex Execer, table, where string, args ...any) (int, error) {
	if err := ValidateName(table); err != nil {
		return 0, err
	}
	q := "SELECT COUNT(*) FROM " + quote(table)
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := ex.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// MaxInt returns the largest value of column in table matching where, or 0.
func MaxInt(ctx context.Context, ex Execer, table, column, where string, args ...any) (int64, error) {
	if err := ValidateName(table); err != nil {
		return 0, err
	}
	if err := ValidateName(column); err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", quote(column), quote(table))
	if where != "" {
		q += " WHERE " + where
	}
	var n int64
	if err := ex.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("reading max %s.%s: %w", table, column, err)
	}
	return n, nil
}

// TableExists reports whether a table named name exists.
func TableExists(ctx context.Context, ex Execer, name string) (bool, error) {
	var q string
	if ex.Dialect().Name == Postgres.Name {
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	} else {
		q = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := ex.QueryRowContext(ctx, q, name).Scan(&n); err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return n > 0, nil
}

// ColumnExists reports whether table has a column named column.
func ColumnExists(ctx context.Context, ex Execer, table, column string) (bool, error) {
	var (
		q    string
		args []any
	)
	if ex.Dialect().Name == Postgres.Name {
		q = `SELECT COUNT(*) FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?`
		args = []any{table, column}
	} else {
		if err := ValidateName(table); err != nil {
			return false, err
		}
		q = `SELECT COUNT(*) FROM pragma_table_info('` + table + `') WHERE name = ?`
		args = []any{column}
	}
	var n int
	if err := ex.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// AddColumn adds col to table unless it already exists.
func AddColumn(ctx context.Context, ex Execer, table string, col Column) error {
	if err := ValidateName(table); err != nil {
		return err
	}
	if err := ValidateName(col.Name); err != nil {
		return err
	}
	exists, err := ColumnExists(ctx, ex, table, col.Name)
	if err != nil || exists {
		return err
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table), quote(col.Name), ex.Dialect().columnType(col.Type))
	if _, err := ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// CreateTable creates t if it does not exist.
func CreateTable(ctx context.Context, ex Execer, t *Table) error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	for _, c := range t.Columns {
		if err := ValidateName(c.Name); err != nil {
			return err
		}
	}
	if _, err := ex.ExecContext(ctx, t.DDL(ex.Dialect())); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}
	return nil
}

// DropTable drops the named table if it exists.
func DropTable(ctx context.Context, ex Execer, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(name)); err != nil {
		return fmt.Errorf("dropping table %s: %w", name, err)
	}
	return nil
}
