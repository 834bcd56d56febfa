/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-voicecheck/internal/logging"
	"github.com/loqalabs/loqa-voicecheck/internal/security"
)

//go:embed *.sql
var schemaFiles embed.FS

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database wraps the audit store connection
type Database struct {
	db     *sql.DB
	driver string
	dsn    string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// NewDatabase opens the configured database and applies the schema
func NewDatabase(config DatabaseConfig) (*Database, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)

	switch config.Driver {
	case DriverSQLite:
		if config.DSN == "" {
			config.DSN = "./data/voicecheck.db"
		}
		if err := ensureDir(filepath.Dir(config.DSN)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := configureSQLite(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure SQLite: %w", err)
		}
	case DriverPostgres:
		if config.DSN == "" {
			return nil, fmt.Errorf("postgres DSN is required")
		}
		db, err = sql.Open("pgx", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	database := &Database{
		db:     db,
		driver: config.Driver,
		dsn:    config.DSN,
	}

	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.LogDatabaseOperation("connect", "detection_events",
		zap.String("driver", config.Driver),
		zap.String("target", database.target()),
	)
	return database, nil
}

// ensureDir creates directory if it doesn't exist
func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0750)
}

// configureSQLite sets SQLite pragmas for a single-writer audit log
func configureSQLite(db *sql.DB) error {
	// WAL and busy_timeout are per connection; one connection keeps them applied
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = memory",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func (d *Database) schemaFile() string {
	if d.driver == DriverPostgres {
		return "schema_postgres.sql"
	}
	return "schema.sql"
}

// migrate applies the embedded schema one statement at a time
func (d *Database) migrate() error {
	schemaSQL, err := schemaFiles.ReadFile(d.schemaFile())
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", d.schemaFile(), err)
	}

	for _, stmt := range splitStatements(string(schemaSQL)) {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.LogDatabaseOperation("migrate", "detection_events", zap.String("driver", d.driver))
	return nil
}

// splitStatements drops comment lines and splits on semicolons
func splitStatements(schema string) []string {
	var b strings.Builder
	for _, line := range strings.Split(schema, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	var stmts []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Rebind converts ? placeholders to the driver's syntax
func (d *Database) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB returns the underlying sql.DB instance
func (d *Database) DB() *sql.DB {
	return d.db
}

// Driver returns the configured driver name
func (d *Database) Driver() string {
	return d.driver
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		logging.LogDatabaseOperation("close", "detection_events", zap.String("target", d.target()))
		return d.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stats returns database statistics
func (d *Database) Stats() sql.DBStats {
	return d.db.Stats()
}

// target describes the database without leaking credentials
func (d *Database) target() string {
	if d.driver == DriverPostgres {
		return "postgres"
	}
	return security.SanitizeLogInput(d.dsn)
}

// Checkpoint forces a WAL checkpoint on SQLite; a no-op elsewhere
func (d *Database) Checkpoint() error {
	if d.driver != DriverSQLite {
		return nil
	}
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}
