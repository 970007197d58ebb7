package engine

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB opens a SQLite database, runs migrations, and returns a Store.
func OpenDB(dsn string, resources []Resource, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run file-based migrations (members table and seed data that predate the engine)
	if err := runFileMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// Run schema-based migrations (CREATE TABLE IF NOT EXISTS for each resource)
	if err := runSchemaMigrations(db, resources, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migrations: %w", err)
	}

	store, err := NewStore(db, resources)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func runFileMigrations(db *sqlx.DB) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{NoTxWrap: true})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func runSchemaMigrations(db *sqlx.DB, resources []Resource, logger *slog.Logger) error {
	for _, res := range resources {
		sql := res.GenerateCreateSQL()
		logger.Debug("ensuring table", "resource", res.Name)
		if _, err := db.Exec(sql); err != nil {
			return fmt.Errorf("create table %s: %w", res.Name, err)
		}
	}
	return nil
}
