package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

// RunMigrations runs all pending PostgreSQL migrations.
func RunMigrations(dbURL string, schema string) error {
	slog.Info("Running database migrations...")

	if schema == "" {
		schema = "public"
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	// search_path is per session.
	db.SetMaxOpenConns(1)

	if err := ensureSchemaExists(db, schema); err != nil {
		return err
	}

	if err := migrate(db, "postgres", "migrations/postgres"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

// RunSQLiteMigrations runs all pending migrations against an open SQLite handle.
func RunSQLiteMigrations(db *sql.DB) error {
	return migrate(db, "sqlite3", "migrations/sqlite")
}

func migrate(db *sql.DB, dialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	return goose.Up(db, dir)
}

func ensureSchemaExists(db *sql.DB, schema string) error {
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec(query); err != nil {
		return err
	}
	slog.Info("Schema is ready", "schema", schema)

	setPathQuery := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec(setPathQuery); err != nil {
		return err
	}

	return nil
}
