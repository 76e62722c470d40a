package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pabawi.org/internal/auth"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

//go:embed schema/*.sql
var schemaFS embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
	sqlx.BindDriver(DriverPostgres, sqlx.DOLLAR)
}

// Store implements auth.Store on PostgreSQL (pgx) or SQLite (modernc).
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ auth.Store = (*Store)(nil)

// Open connects to driver/dsn and applies connection pool defaults.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps :memory: databases on a single connection
		db.SetMaxOpenConns(1)
		var fk int
		if err := db.GetContext(ctx, &fk, "PRAGMA foreign_keys"); err != nil {
			db.Close()
			return nil, fmt.Errorf("read foreign_keys pragma: %w", err)
		}
		if fk != 1 {
			db.Close()
			return nil, errors.New("sqlite foreign keys are disabled by the dsn")
		}
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db), nil
}

// sqliteDSN adds the foreign_keys pragma so every pooled connection enforces
// it, not only the first one.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// New wraps an existing connection; the driver name selects the dialect.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Bootstrap creates the auth tables if they do not exist yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	file := "schema/sqlite.sql"
	if s.db.DriverName() == DriverPostgres {
		file = "schema/postgres.sql"
	}
	ddl, err := schemaFS.ReadFile(file)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(ddl), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.GetContext(ctx, dest, s.q(query), args...)
}

func (s *Store) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.q(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, mapError(err)
	}
	return res, nil
}

// execOne fails with auth.ErrNotFound when no row was affected.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.db.QueryRowxContext(ctx, s.q("SELECT EXISTS("+query+")"), args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) nowUTC() time.Time { return s.now().UTC() }

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// mapError translates constraint violations into auth sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
		return err
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code&0xff != sqlite3.SQLITE_CONSTRAINT {
			return err
		}
		if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return auth.ErrNotFound
		}
		return auth.ErrConflict
	}
	return err
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
