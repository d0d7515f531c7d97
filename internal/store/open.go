package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// IsPostgresDSN reports whether dsn names a PostgreSQL database rather than a
// SQLite file.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Open picks the backend from the DSN and opens it.
func Open(dsn string, opts ...Option) (Store, error) {
	if IsPostgresDSN(dsn) {
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_type", "postgresql")
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	}
	slog.Debug("store.Open: detected SQLite DSN", "dsn_type", "sqlite", "db_path", dsn)
	return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
}

// openDB opens, pings and migrates a database. configure runs before the ping.
func openDB(backend, driver, dsn, migrations string, configure func(*sql.DB)) (*sql.DB, error) {
	if dsn == "" {
		slog.Error(backend+".open: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(backend+".open: failed to open connection", "error", err)
		return nil, err
	}
	configure(db)

	if err := db.Ping(); err != nil {
		slog.Error(backend+".open: ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(backend+".open: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(backend+".open: migrations applied", "driver", driver)
	return db, nil
}
