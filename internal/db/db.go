// Package db is the append-only event log: decisions, action results, cost
// entries, cycles and project lifecycle events. SQLite is the default;
// a postgres:// DSN selects Postgres through pgx.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL differences between the supported drivers.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// TimeLayout is how timestamps are stored. It sorts lexically.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the stored layout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DB wraps the event database connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	dialect Dialect
}

// DialectOf reports which driver a DSN selects.
func DialectOf(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open opens or creates the database. Anything that is not a postgres URL
// is treated as a SQLite file path; ":memory:" is an in-memory database.
func Open(dsn string) (*DB, error) {
	dialect := DialectOf(dsn)
	driver := "sqlite"
	if dialect == Postgres {
		driver = "pgx"
	} else if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == SQLite {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dialect == SQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}
	return &DB{conn: conn, dsn: dsn, dialect: dialect}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect returns the database dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Rebind rewrites ? placeholders to $n for Postgres.
func (d *DB) Rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(d.Rebind(query), args...)
}

func (d *DB) query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(d.Rebind(query), args...)
}

func (d *DB) queryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(d.Rebind(query), args...)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
    id              TEXT PRIMARY KEY,
    project         TEXT NOT NULL,
    phase           TEXT,
    state           TEXT NOT NULL,
    action          TEXT NOT NULL CHECK(action IN ('continue','use_skill','notify','phase_transition','wait')),
    method          TEXT NOT NULL CHECK(method IN ('rule_based','delegated')),
    command         TEXT,
    skill_ref       TEXT,
    reasoning       TEXT,
    confidence      DOUBLE PRECISION NOT NULL,
    cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
    fallback_reason TEXT,
    timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project, timestamp);

CREATE TABLE IF NOT EXISTS action_results (
    id          {{serial}},
    decision_id TEXT NOT NULL,
    project     TEXT NOT NULL,
    action      TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    factors     INTEGER NOT NULL DEFAULT 0,
    message     TEXT,
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_results_project ON action_results(project, timestamp);

CREATE TABLE IF NOT EXISTS cost_entries (
    id           {{serial}},
    project      TEXT NOT NULL,
    model        TEXT,
    input_units  INTEGER NOT NULL DEFAULT 0,
    output_units INTEGER NOT NULL DEFAULT 0,
    usd          DOUBLE PRECISION NOT NULL,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_ts ON cost_entries(timestamp);

CREATE TABLE IF NOT EXISTS cycles (
    id          TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    projects    INTEGER NOT NULL,
    failures    INTEGER NOT NULL,
    decisions   INTEGER NOT NULL,
    cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
    cpu_percent DOUBLE PRECISION,
    rss_bytes   BIGINT
);

CREATE TABLE IF NOT EXISTS project_events (
    id        {{serial}},
    project   TEXT NOT NULL,
    event     TEXT NOT NULL,
    detail    TEXT,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_project_events ON project_events(project, timestamp);
`

func (d *DB) schema() []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	ddl := strings.ReplaceAll(schemaV1, "{{serial}}", serial)

	var stmts []string
	for _, s := range strings.Split(ddl, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

var tables = []string{"project_events", "cycles", "cost_entries", "action_results", "decisions", "schema_version"}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.queryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schema() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), FormatTime(time.Now())); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
