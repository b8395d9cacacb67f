// Package database provides the relational store client and migration
// utilities. Two backends are supported: an embedded SQLite file (the
// default) and PostgreSQL for server deployments.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "modernc.org/sqlite"             // register pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the sql.DB handle together with its dialect so services
// can write portable queries via Rebind.
type Client struct {
	db      *sql.DB
	dialect Dialect
}

// DB returns the underlying database handle.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the active dialect.
func (c *Client) Dialect() Dialect { return c.dialect }

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens the configured backend, applies pool settings, verifies
// connectivity, and runs any pending embedded migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Dialect {
	case DialectSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// busy_timeout keeps concurrent turn/scheduler writers from
		// surfacing SQLITE_BUSY during short write bursts.
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
	case DialectPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported dialect: %q", cfg.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, dialect: cfg.Dialect}, nil
}

// Rebind converts '?' placeholders into the dialect's native form.
// Queries throughout the services layer are written with '?' and
// rebound at execution time.
func (c *Client) Rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// runMigrations applies all pending migrations from the per-dialect
// embedded directory. Migration files are embedded into the binary so
// production deployments need no external files.
func runMigrations(db *sql.DB, dialect Dialect) error {
	dir := "migrations/" + string(dialect)
	if err := checkEmbeddedMigrations(dir); err != nil {
		return err
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectPostgres:
		driver, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "genesis", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	case DialectSQLite:
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "genesis", driver)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func checkEmbeddedMigrations(dir string) error {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return nil
		}
	}
	return fmt.Errorf("no embedded migration files found in %s — binary may be built incorrectly", dir)
}
