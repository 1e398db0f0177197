// Package database opens Postgres connections and applies the meetwise schema.
package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// ResolveURL returns configured if set, else DATABASE_URL from the
// environment, else DATABASE_URL from the nearest .env file.
func ResolveURL(configured string) (string, error) {
	if s := strings.TrimSpace(configured); s != "" {
		return s, nil
	}
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}
	return readEnvValue(envPath, "DATABASE_URL")
}

// Open returns a database/sql handle using lib/pq.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

// OpenPool returns a pgx pool for the task store, dispatch ledger and River.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pool: %w", err)
	}
	return pool, nil
}

// Migrate creates the meetwise tables if they do not exist. River's own
// schema is managed by River's migration tooling.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		session_id         TEXT NOT NULL,
		id                 TEXT NOT NULL,
		description        TEXT NOT NULL,
		owner              TEXT NOT NULL DEFAULT '',
		due_date           TIMESTAMPTZ,
		category           TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		confidence         DOUBLE PRECISION NOT NULL,
		evidence_text      TEXT NOT NULL DEFAULT '',
		origin_proposal_id TEXT NOT NULL DEFAULT '',
		manual_origin      BOOLEAN NOT NULL DEFAULT FALSE,
		source_start       BIGINT,
		source_end         BIGINT,
		retired_proposals  TEXT[] NOT NULL DEFAULT '{}',
		dispatch_state     TEXT NOT NULL DEFAULT '',
		dispatch_key       TEXT NOT NULL DEFAULT '',
		dispatch_error     TEXT NOT NULL DEFAULT '',
		external_id        TEXT NOT NULL DEFAULT '',
		reject_reason      TEXT NOT NULL DEFAULT '',
		version            BIGINT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, id),
		CHECK (status = 'proposed' OR origin_proposal_id <> '' OR manual_origin)
	)`,
	`CREATE TABLE IF NOT EXISTS task_events (
		id          BIGSERIAL PRIMARY KEY,
		session_id  TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL DEFAULT '',
		version     BIGINT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_events_task_idx ON task_events (session_id, task_id)`,
	`CREATE TABLE IF NOT EXISTS dispatch_records (
		idempotency_key TEXT PRIMARY KEY,
		task_id         TEXT NOT NULL,
		task_version    BIGINT NOT NULL,
		attempt_id      TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		external_id     TEXT NOT NULL DEFAULT '',
		payload         JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE dispatch_records ADD COLUMN IF NOT EXISTS session_id TEXT NOT NULL DEFAULT ''`,
	`DROP INDEX IF EXISTS dispatch_records_pending_idx`,
	`CREATE INDEX IF NOT EXISTS dispatch_records_session_pending_idx ON dispatch_records (session_id) WHERE outcome = 'pending'`,
	`CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		source_label TEXT NOT NULL,
		tier         TEXT NOT NULL,
		content      TEXT NOT NULL,
		indexed_at   TIMESTAMPTZ NOT NULL,
		search       TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', source_label || ' ' || content)) STORED
	)`,
	`CREATE INDEX IF NOT EXISTS documents_search_idx ON documents USING GIN (search)`,
}

func readEnvValue(path, key string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 || strings.TrimSpace(line[:eqIdx]) != key {
			continue
		}
		value := strings.Trim(strings.TrimSpace(line[eqIdx+1:]), "\"'")
		value = strings.TrimFunc(value, unicode.IsSpace)
		if value == "" {
			return "", fmt.Errorf("%s is empty in %s", key, path)
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return "", errors.New(key + " not found in environment or .env")
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
