package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetwise/internal/apperrors"
)

// PostgresLedger stores records in the dispatch_records table. Records are
// tagged with the session that queued them and ListPending only sees that
// session's rows; Get and Update go by idempotency key, which is unique
// across sessions.
type PostgresLedger struct {
	pool      *pgxpool.Pool
	sessionID string
}

func NewPostgresLedger(pool *pgxpool.Pool, sessionID string) *PostgresLedger {
	return &PostgresLedger{pool: pool, sessionID: sessionID}
}

const recordColumns = `idempotency_key, task_id, task_version, attempt_id, outcome, attempts,
	last_error, external_id, payload, created_at, updated_at`

func (l *PostgresLedger) Put(ctx context.Context, rec Record) (Record, bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to marshal payload: %w", err)
	}
	row := l.pool.QueryRow(ctx, `
		INSERT INTO dispatch_records (session_id, `+recordColumns+`)
		VALUES ($12, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+recordColumns,
		rec.IdempotencyKey, rec.TaskID, rec.TaskVersion, rec.AttemptID, string(rec.Outcome), rec.Attempts,
		rec.LastError, rec.ExternalID, payload, rec.CreatedAt, rec.UpdatedAt, l.sessionID)

	stored, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := l.Get(ctx, rec.IdempotencyKey)
		return existing, false, err
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to insert dispatch record: %w", err)
	}
	return stored, true, nil
}

func (l *PostgresLedger) Get(ctx context.Context, key string) (Record, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM dispatch_records WHERE idempotency_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load dispatch record: %w", err)
	}
	return rec, nil
}

func (l *PostgresLedger) Update(ctx context.Context, rec Record) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE dispatch_records
		SET outcome = $2, attempts = $3, last_error = $4, external_id = $5, updated_at = $6
		WHERE idempotency_key = $1`,
		rec.IdempotencyKey, string(rec.Outcome), rec.Attempts, rec.LastError, rec.ExternalID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispatch record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) ListPending(ctx context.Context) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM dispatch_records
		WHERE session_id = $1 AND outcome = $2
		ORDER BY created_at`, l.sessionID, string(Pending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending dispatches: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		outcome string
		payload []byte
	)
	err := row.Scan(&rec.IdempotencyKey, &rec.TaskID, &rec.TaskVersion, &rec.AttemptID, &outcome, &rec.Attempts,
		&rec.LastError, &rec.ExternalID, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Outcome = Outcome(outcome)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return Record{}, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	return rec, nil
}
