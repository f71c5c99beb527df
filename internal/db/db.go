package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Name   string
	driver string
}

var (
	SQLite   = Dialect{Name: "sqlite", driver: "sqlite"}
	Postgres = Dialect{Name: "postgres", driver: "pgx"}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "", SQLite.Name:
		return SQLite, nil
	case Postgres.Name, "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported dialect %q: must be sqlite or postgres", name)
	}
}

// MaxIdentifierLength is the longest table or column name the dialect
// accepts. SQLite has no limit, but archives must stay importable into
// Postgres, so both use 63.
func (d Dialect) MaxIdentifierLength() int {
	return 63
}

// Rebind rewrites ? placeholders into the dialect's positional form.
// Placeholders inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.Name != Postgres.Name || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (d Dialect) columnType(t ColumnType) string {
	switch t {
	case TypeID:
		if d.Name == Postgres.Name {
			return "BIGSERIAL PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	case TypeInt:
		if d.Name == Postgres.Name {
			return "BIGINT"
		}
		return "INTEGER"
	case TypeBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// Execer is satisfied by both *DB and *Tx so helpers can run inside or
// outside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// DB is a database handle that rewrites placeholders for its dialect.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open opens the database described by dialect and dsn. For SQLite it sets
// pragmas for WAL mode, foreign key enforcement, and busy timeout.
func Open(dialect Dialect, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(dialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect.Name == SQLite.Name {
		// SQLite is single-writer; limit the pool to one connection to avoid
		// lock contention and make the single-connection intent explicit.
		sqlDB.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}

		for _, p := range pragmas {
			if _, err := sqlDB.Exec(p); err != nil {
				sqlDB.Close()
				return nil, fmt.Errorf("setting pragma %q: %w", p, err)
			}
		}
	} else if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to %s: %w", dialect.Name, err)
	}

	return &DB{sql: sqlDB, dialect: dialect}, nil
}

// OpenSQLite opens a SQLite database at path.
func OpenSQLite(path string) (*DB, error) {
	return Open(SQLite, path)
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: tx, dialect: db.dialect}, nil
}

// BeginSnapshot starts a read-only transaction whose statements all see the
// same committed state. Postgres runs it at REPEATABLE READ; a SQLite read
// transaction in WAL mode keeps its snapshot until it ends.
func (db *DB) BeginSnapshot(ctx context.Context) (*Tx, error) {
	opts := &sql.TxOptions{ReadOnly: true}
	if db.dialect.Name == Postgres.Name {
		opts.Isolation = sql.LevelRepeatableRead
	}
	tx, err := db.sql.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning read snapshot: %w", err)
	}
	return &Tx{tx: tx, dialect: db.dialect}, nil
}

// Tx is a transaction that rewrites placeholders for its dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (tx *Tx) Dialect() Dialect { return tx.dialect }

func (tx *Tx) Commit() error { return tx.tx.Commit() }

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (tx *Tx) Rollback() error {
	if err := tx.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(ctx, tx.dialect.Rebind(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, tx.dialect.Rebind(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, tx.dialect.Rebind(query), args...)
}

// WithTx runs fn in a transaction, committing on success.
func WithTx(ctx context.Context, db *DB, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
