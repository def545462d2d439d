package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateIngestion is returned when a mapping for the provider
	// message id already exists
	ErrDuplicateIngestion = errors.New("email already ingested")
)

// Supported database drivers
const (
	DriverSQLite    = "sqlite"  // modernc.org/sqlite
	DriverSQLiteCGO = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPostgres  = "postgres"
)

// Store is the persisted config store for integrations, mailboxes, tokens,
// sync configs, the mapping ledger and the event outbox.
type Store struct {
	DB     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open opens the database and applies the schema. Drivers are registered by
// the caller through blank imports.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverSQLiteCGO:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, withPragmas(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isSQLite(driver) {
		// SQLite allows a single writer; one connection keeps transactions
		// from failing with SQLITE_BUSY instead of queueing.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without touching the schema
func New(db *sqlx.DB) *Store {
	return &Store{DB: db, driver: db.DriverName(), now: time.Now}
}

// Migrate applies the embedded schema for the active dialect
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetClock overrides the time source used for timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) unix() int64 {
	return s.now().Unix()
}

func isSQLite(driver string) bool {
	return driver == DriverSQLite || driver == DriverSQLiteCGO
}

func withPragmas(driver, dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	switch driver {
	case DriverSQLite:
		return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	case DriverSQLiteCGO:
		return dsn + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	}
	return dsn
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
