package tasks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/database"
	"github.com/meetwise/internal/extraction"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("MEETWISE_TEST_DATABASE_URL")
	if url == "" || testing.Short() {
		t.Skip("set MEETWISE_TEST_DATABASE_URL to run postgres tests")
	}
	ctx := context.Background()
	db, err := database.Open(ctx, url)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, db))
	db.Close()

	pool, err := database.OpenPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool, "test-"+uuid.NewString())
}

func TestPostgresStoreCompareAndSwap(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	task := Task{
		ID:               uuid.NewString(),
		Description:      "Prepare ESG proposal",
		Status:           StatusProposed,
		Confidence:       0.88,
		OriginProposalID: "p-1",
		SourceRange:      &extraction.Range{Start: 3, End: 4},
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.Create(ctx, task))
	assert.ErrorIs(t, s.Create(ctx, task), apperrors.ErrConflict)

	next := task.Clone()
	next.Status = StatusTodo
	next.Version = 2
	require.NoError(t, s.CompareAndSwap(ctx, next, 1))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, next, 1), apperrors.ErrConflict)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTodo, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, &extraction.Range{Start: 3, End: 4}, got.SourceRange)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, s.AppendEvent(ctx, Event{TaskID: task.ID, Kind: "moved", From: StatusProposed, To: StatusTodo, Version: 2, At: now}))
	events, err := s.Events(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StatusTodo, events[0].To)
}
