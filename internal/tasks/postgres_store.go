package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/extraction"
)

// PostgresStore keeps the registry in the tasks and task_events tables.
// CompareAndSwap is a single conditional UPDATE on the version column.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
}

func NewPostgresStore(pool *pgxpool.Pool, sessionID string) *PostgresStore {
	return &PostgresStore{pool: pool, sessionID: sessionID}
}

const taskColumns = `id, description, owner, due_date, category, status, confidence, evidence_text,
	origin_proposal_id, manual_origin, source_start, source_end, retired_proposals,
	dispatch_state, dispatch_key, dispatch_error, external_id, reject_reason, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t Task) error {
	start, end := rangeColumns(t.SourceRange)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (session_id, `+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		s.sessionID, t.ID, t.Description, t.Owner, t.DueDate, t.Category, string(t.Status), t.Confidence, t.EvidenceText,
		t.OriginProposalID, t.ManualOrigin, start, end, ensureSlice(t.RetiredProposals),
		string(t.DispatchState), t.DispatchKey, t.DispatchError, t.ExternalID, t.RejectReason, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.Conflictf("task %s already exists", t.ID)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = $1 AND id = $2`, s.sessionID, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, t Task, expectedVersion int64) error {
	start, end := rangeColumns(t.SourceRange)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			description = $3, owner = $4, due_date = $5, category = $6, status = $7, confidence = $8,
			evidence_text = $9, origin_proposal_id = $10, manual_origin = $11, source_start = $12, source_end = $13,
			retired_proposals = $14, dispatch_state = $15, dispatch_key = $16, dispatch_error = $17,
			external_id = $18, reject_reason = $19, version = $20, updated_at = $21
		WHERE session_id = $1 AND id = $2 AND version = $22`,
		s.sessionID, t.ID, t.Description, t.Owner, t.DueDate, t.Category, string(t.Status), t.Confidence,
		t.EvidenceText, t.OriginProposalID, t.ManualOrigin, start, end,
		ensureSlice(t.RetiredProposals), string(t.DispatchState), t.DispatchKey, t.DispatchError,
		t.ExternalID, t.RejectReason, t.Version, t.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM tasks WHERE session_id = $1 AND id = $2`, s.sessionID, t.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task version: %w", err)
	}
	return apperrors.Conflictf("task %s is at version %d, expected %d", t.ID, current, expectedVersion)
}

func (s *PostgresStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = $1 ORDER BY created_at, id`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (session_id, task_id, kind, from_status, to_status, version, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.sessionID, ev.TaskID, ev.Kind, string(ev.From), string(ev.To), ev.Version, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("failed to insert task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, kind, from_status, to_status, version, detail, created_at
		FROM task_events WHERE session_id = $1 AND task_id = $2 ORDER BY id`, s.sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var from, to string
		if err := rows.Scan(&ev.TaskID, &ev.Kind, &from, &to, &ev.Version, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		ev.From, ev.To = Status(from), Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t             Task
		status        string
		dispatchState string
		start, end    *int64
		due           *time.Time
	)
	err := row.Scan(&t.ID, &t.Description, &t.Owner, &due, &t.Category, &status, &t.Confidence, &t.EvidenceText,
		&t.OriginProposalID, &t.ManualOrigin, &start, &end, &t.RetiredProposals,
		&dispatchState, &t.DispatchKey, &t.DispatchError, &t.ExternalID, &t.RejectReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.DispatchState = DispatchState(dispatchState)
	t.DueDate = due
	if start != nil && end != nil {
		t.SourceRange = &extraction.Range{Start: *start, End: *end}
	}
	return t, nil
}

func rangeColumns(r *extraction.Range) (*int64, *int64) {
	if r == nil {
		return nil, nil
	}
	start, end := r.Start, r.End
	return &start, &end
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
