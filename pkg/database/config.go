package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dialect identifies the backing store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds database configuration.
type Config struct {
	Dialect Dialect

	// SQLite
	Path string

	// Postgres
	DSN string

	// Connection pool settings (postgres only; sqlite is single-writer)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfigFromEnv builds a Config from DATABASE_URL.
//
// Accepted forms:
//
//	(unset)                      → sqlite file at data/genesis.db
//	sqlite://relative/or/abs.db  → sqlite file
//	postgres://user:pw@host/db   → postgres via pgx
func LoadConfigFromEnv() (Config, error) {
	url := os.Getenv("DATABASE_URL")
	switch {
	case url == "":
		return sqliteConfig(filepath.Join("data", "genesis.db")), nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqliteConfig(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return Config{
			Dialect:         DialectPostgres,
			DSN:             url,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		}, nil
	default:
		return Config{}, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}

func sqliteConfig(path string) Config {
	return Config{
		Dialect: DialectSQLite,
		Path:    path,
		// modernc sqlite serialises writers; a small pool is enough.
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
}
