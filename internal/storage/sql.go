package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"

	"github.com/contextd/contextd/internal/pool"
)

// The schema is written in the portable subset both backends accept:
// TEXT primary keys generated in Go, TIMESTAMP columns bound from
// time.Time, JSON blobs as TEXT.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS projects (
    project_id  TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    owner       TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS long_memories (
    memory_id   TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    content     TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT 'general',
    importance  REAL,
    tags        TEXT NOT NULL DEFAULT '[]',
    creator     TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_long_memories_importance ON long_memories(project_id, importance DESC);
CREATE INDEX IF NOT EXISTS idx_long_memories_created ON long_memories(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS error_patterns (
    error_id            TEXT PRIMARY KEY,
    error_type          TEXT NOT NULL,
    error_scene         TEXT NOT NULL DEFAULT '',
    features            TEXT NOT NULL DEFAULT '{}',
    error_message       TEXT NOT NULL DEFAULT '',
    solution            TEXT NOT NULL DEFAULT '',
    solution_confidence REAL NOT NULL DEFAULT 0,
    block_level         TEXT NOT NULL DEFAULT 'none' CHECK (block_level IN ('none', 'warning', 'block')),
    occurrence_count    INTEGER NOT NULL DEFAULT 1,
    created_at          TIMESTAMP NOT NULL,
    last_seen_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_patterns_type ON error_patterns(error_type);
CREATE INDEX IF NOT EXISTS idx_error_patterns_seen ON error_patterns(last_seen_at DESC);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    title       TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    started_at  TIMESTAMP NOT NULL,
    ended_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, started_at DESC);

CREATE TABLE IF NOT EXISTS todos (
    todo_id     TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    content     TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'in_progress', 'done', 'canceled')),
    priority    TEXT NOT NULL DEFAULT 'medium',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_todos_project ON todos(project_id, status);

CREATE TABLE IF NOT EXISTS notes (
    note_id     TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    title       TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL,
    tags        TEXT NOT NULL DEFAULT '[]',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_project ON notes(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS decisions (
    decision_id  TEXT PRIMARY KEY,
    project_id   TEXT NOT NULL REFERENCES projects(project_id),
    title        TEXT NOT NULL,
    decision     TEXT NOT NULL,
    rationale    TEXT NOT NULL DEFAULT '',
    alternatives TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'accepted',
    decided_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id, decided_at DESC);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS quality_reports (
    report_id      TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL REFERENCES projects(project_id),
    path           TEXT NOT NULL DEFAULT '',
    total_files    INTEGER NOT NULL DEFAULT 0,
    total_lines    INTEGER NOT NULL DEFAULT 0,
    long_functions INTEGER NOT NULL DEFAULT 0,
    todo_count     INTEGER NOT NULL DEFAULT 0,
    score          REAL NOT NULL DEFAULT 0,
    details        TEXT NOT NULL DEFAULT '{}',
    created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quality_project ON quality_reports(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS code_entities (
    entity_id   TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'module',
    path        TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_name ON code_entities(project_id, name);

CREATE TABLE IF NOT EXISTS code_relations (
    relation_id TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(project_id),
    from_entity TEXT NOT NULL,
    to_entity   TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'imports',
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relations_from ON code_relations(project_id, from_entity);
CREATE INDEX IF NOT EXISTS idx_relations_to ON code_relations(project_id, to_entity);
`,
	},
}

// sqlStore implements Store over a checked-out pool connection per
// operation, so every query flows through the pool's accounting.
type sqlStore struct {
	pool   *pool.Pool
	driver string
}

// NewSQLStore runs migrations and returns a Store over the pool.
// driver is "postgres" or "sqlite".
func NewSQLStore(p *pool.Pool, driver string) (Store, error) {
	s := &sqlStore{pool: p, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SQLiteOpener returns a pool opener for the embedded backend. Pass
// ":memory:" for an in-memory store.
func SQLiteOpener(path string) pool.Opener {
	return func() (*sqlx.DB, error) {
		db, err := sqlx.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", path, err)
		}
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		return db, nil
	}
}

// PostgresOpener returns a pool opener for the networked backend.
func PostgresOpener(dsn string) pool.Opener {
	return func() (*sqlx.DB, error) {
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
}

// q converts ?-placeholders to the backend's bindvar style.
func (s *sqlStore) q(query string) string {
	if s.driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// withConn checks a connection out of the pool for the duration of fn.
func (s *sqlStore) withConn(ctx context.Context, fn func(c *sqlx.Conn) error) error {
	conn, err := s.pool.Checkout(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Checkin(conn)
	return fn(conn.Conn)
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate(ctx context.Context) error {
	return s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
		if err != nil {
			return fmt.Errorf("create schema_versions: %w", err)
		}

		for _, m := range migrations {
			var count int
			if err := c.GetContext(ctx, &count, s.q(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
				return fmt.Errorf("check migration %d: %w", m.version, err)
			}
			if count > 0 {
				continue
			}
			if _, err := c.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
			if _, err := c.ExecContext(ctx, s.q(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
		}
		return nil
	})
}

// mapError normalizes driver errors to the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// isDuplicate recognizes unique-constraint violations from both
// drivers: pq class 23505, SQLite extended codes 1555 (primary key) and
// 2067 (unique).
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == 1555 || code == 2067
	}
	// Fallback for wrapped drivers that only expose message text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// Ping probes the backing database.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool handle.
func (s *sqlStore) Close() error {
	return s.pool.Close()
}
