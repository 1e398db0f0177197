/*
Package jobqueue provides a River-backed dispatch queue. Records are still
written to the dispatch ledger first; the River job only carries the
idempotency key, so a job retried or duplicated by River resolves to the
same ledger record and never produces a second external effect.

The River schema must already be migrated in the target database.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/meetwise/internal/dispatch"
)

// DispatchJobArgs identifies the ledger record to deliver.
type DispatchJobArgs struct {
	IdempotencyKey string `json:"idempotency_key" river:"unique"`
	TaskID         string `json:"task_id"`
}

// Kind returns the job kind for River
func (DispatchJobArgs) Kind() string {
	return "task_dispatch"
}

// InsertOpts makes one River attempt per record: gateway retries happen
// inside Deliver with the dispatcher's backoff budget.
func (DispatchJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// DispatchWorker delivers one record through the bound Deliverer.
type DispatchWorker struct {
	river.WorkerDefaults[DispatchJobArgs]
	ledger    dispatch.Ledger
	deliverer dispatch.Deliverer
	timeout   time.Duration
	logger    zerolog.Logger
}

func (w *DispatchWorker) Timeout(*river.Job[DispatchJobArgs]) time.Duration {
	return w.timeout
}

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchJobArgs]) error {
	if w.deliverer == nil {
		return errors.New("dispatch worker not bound to a deliverer")
	}
	rec, err := w.ledger.Get(ctx, job.Args.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("load dispatch record %s: %w", job.Args.IdempotencyKey, err)
	}
	if rec.Outcome.Terminal() {
		w.logger.Debug().Str("key", rec.IdempotencyKey).Msg("dispatch already terminal, skipping job")
		return nil
	}
	out := w.deliverer.Deliver(ctx, rec)
	w.logger.Info().
		Int64("job_id", job.ID).
		Str("task_id", out.TaskID).
		Str("outcome", string(out.Outcome)).
		Msg("dispatch job finished")
	return nil
}

// RiverQueue implements dispatch.Queue on River.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
	worker *DispatchWorker
	config *QueueConfig
}

// NewRiverQueue creates the River client. Workers start with Start.
func NewRiverQueue(pool *pgxpool.Pool, ledger dispatch.Ledger, config *QueueConfig, logger zerolog.Logger) (*RiverQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	worker := &DispatchWorker{
		ledger:  ledger,
		timeout: config.JobTimeout,
		logger:  logger.With().Str("component", "jobqueue").Logger(),
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &RiverQueue{client: client, worker: worker, config: config}, nil
}

// Push inserts a job for rec.
func (q *RiverQueue) Push(ctx context.Context, rec dispatch.Record) error {
	opts := DispatchJobArgs{}.InsertOpts()
	opts.Queue = q.config.queueName()
	_, err := q.client.Insert(ctx, DispatchJobArgs{
		IdempotencyKey: rec.IdempotencyKey,
		TaskID:         rec.TaskID,
	}, &opts)
	if err != nil {
		return fmt.Errorf("failed to queue dispatch job: %w", err)
	}
	return nil
}

// Start binds d and starts the River workers.
func (q *RiverQueue) Start(ctx context.Context, d dispatch.Deliverer) error {
	q.worker.deliverer = d
	return q.client.Start(ctx)
}

// Stop waits for running jobs to finish.
func (q *RiverQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}
