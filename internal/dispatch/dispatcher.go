package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/retry"
)

// Queue moves Pending records to a Deliverer off the caller's path.
type Queue interface {
	Push(ctx context.Context, rec Record) error
	// Start begins delivering queued records through d.
	Start(ctx context.Context, d Deliverer) error
	// Stop ends intake and waits for in-flight deliveries.
	Stop(ctx context.Context) error
}

// Deliverer drives one record to a terminal outcome.
type Deliverer interface {
	Deliver(ctx context.Context, rec Record) Record
}

// Options configure a Dispatcher.
type Options struct {
	Retry  retry.Config
	Queue  Queue
	Logger zerolog.Logger
	// Workers and QueueSize size the default in-process queue.
	Workers   int
	QueueSize int
}

// Dispatcher owns the ledger, the queue and the retry policy.
type Dispatcher struct {
	ledger  Ledger
	gateway Gateway
	queue   Queue
	retry   retry.Config
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	started   bool
	draining  bool
	listeners []func(Record)
}

func New(ledger Ledger, gateway Gateway, opts Options) *Dispatcher {
	q := opts.Queue
	if q == nil {
		q = NewWorkerQueue(opts.Workers, opts.QueueSize)
	}
	return &Dispatcher{
		ledger:  ledger,
		gateway: gateway,
		queue:   q,
		retry:   opts.Retry,
		logger:  opts.Logger.With().Str("component", "dispatch").Logger(),
		now:     time.Now,
	}
}

// OnOutcome registers a listener for terminal outcomes.
func (d *Dispatcher) OnOutcome(fn func(Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Start launches the queue's workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()
	return d.queue.Start(ctx, d)
}

// Enqueue records rec as Pending and queues it. It returns once the record
// is in the ledger and on the queue, not once the gateway confirms.
// Enqueueing a key that already exists returns the stored record and queues
// nothing.
func (d *Dispatcher) Enqueue(ctx context.Context, rec Record) (Record, error) {
	d.mu.RLock()
	draining := d.draining
	d.mu.RUnlock()
	if draining {
		return Record{}, fmt.Errorf("dispatch intake: %w", apperrors.ErrClosed)
	}

	stored, created, err := d.ledger.Put(ctx, rec)
	if err != nil {
		return Record{}, apperrors.Unavailable("dispatch ledger", err)
	}
	if !created {
		d.logger.Info().
			Str("audit", "dispatch_replay").
			Str("task_id", stored.TaskID).
			Str("key", stored.IdempotencyKey).
			Str("outcome", string(stored.Outcome)).
			Msg("dispatch key already recorded")
		return stored, nil
	}

	if err := d.queue.Push(ctx, stored); err != nil {
		// the record never reached a worker; settle it so Drain does not
		// report it as in flight
		stored.Outcome = Failed
		stored.LastError = "queue: " + err.Error()
		stored.UpdatedAt = d.now()
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if uerr := d.ledger.Update(persistCtx, stored); uerr != nil {
			d.logger.Error().Err(uerr).Str("key", stored.IdempotencyKey).Msg("failed to persist dispatch outcome")
		}
		d.logger.Error().
			Err(err).
			Str("audit", "dispatch_outcome").
			Str("task_id", stored.TaskID).
			Str("key", stored.IdempotencyKey).
			Str("outcome", string(stored.Outcome)).
			Msg("dispatch could not be queued")
		return stored, apperrors.Unavailable("dispatch queue", err)
	}
	d.logger.Info().
		Str("task_id", stored.TaskID).
		Int64("version", stored.TaskVersion).
		Str("key", stored.IdempotencyKey).
		Msg("dispatch queued")
	return stored, nil
}

// Deliver submits rec with bounded retries, persists the terminal outcome and
// notifies listeners. A key already Confirmed is returned as stored with no
// gateway call.
func (d *Dispatcher) Deliver(ctx context.Context, rec Record) Record {
	if current, err := d.ledger.Get(ctx, rec.IdempotencyKey); err == nil {
		if current.Outcome.Terminal() {
			return current
		}
		rec = current
	}

	var ack Ack
	res := retry.Do(ctx, d.retry, d.logger, func(attempt int) error {
		a, err := d.gateway.Submit(ctx, rec)
		if err != nil {
			d.logger.Warn().
				Str("audit", "dispatch_retry").
				Str("task_id", rec.TaskID).
				Str("key", rec.IdempotencyKey).
				Int("attempt", attempt).
				Err(err).
				Msg("dispatch attempt failed")
			if IsReject(err) {
				return retry.Permanent(err)
			}
			return err
		}
		ack = a
		return nil
	})

	rec.Attempts += res.Attempts
	rec.UpdatedAt = d.now()
	if res.Success {
		rec.Outcome = Confirmed
		rec.ExternalID = ack.ExternalID
		rec.LastError = ""
	} else {
		rec.Outcome = Failed
		if res.LastError != nil {
			rec.LastError = res.LastError.Error()
		}
	}

	// persist even if the caller's context has ended
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.ledger.Update(persistCtx, rec); err != nil {
		d.logger.Error().Err(err).Str("key", rec.IdempotencyKey).Msg("failed to persist dispatch outcome")
	}

	ev := d.logger.Info()
	if rec.Outcome == Failed {
		ev = d.logger.Error()
	}
	ev.Str("audit", "dispatch_outcome").
		Str("task_id", rec.TaskID).
		Str("key", rec.IdempotencyKey).
		Str("outcome", string(rec.Outcome)).
		Int("attempts", rec.Attempts).
		Bool("duplicate", ack.Duplicate).
		Str("last_error", rec.LastError).
		Msg("dispatch finished")

	d.mu.RLock()
	listeners := append([]func(Record){}, d.listeners...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(rec)
	}
	return rec
}

// Drain stops intake, waits for in-flight deliveries and reports any record
// still Pending. Pending records at teardown are an operational alarm.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	if err := d.queue.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Msg("dispatch queue did not stop cleanly")
	}

	pending, err := d.ledger.ListPending(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("list pending dispatches: %w", err)
	}
	if len(pending) > 0 {
		keys := make([]string, 0, len(pending))
		for _, rec := range pending {
			keys = append(keys, rec.TaskID+"@"+rec.IdempotencyKey)
		}
		d.logger.Error().
			Str("audit", "dispatch_alarm").
			Strs("pending", keys).
			Msg("session torn down with pending dispatches")
		return fmt.Errorf("%w: %d record(s)", ErrPendingDispatches, len(pending))
	}
	return nil
}

// Get returns the stored record for key.
func (d *Dispatcher) Get(ctx context.Context, key string) (Record, error) {
	return d.ledger.Get(ctx, key)
}

// WorkerQueue is the in-process Queue: a buffered channel and a fixed pool.
type WorkerQueue struct {
	ch      chan Record
	workers int

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	started bool
}

func NewWorkerQueue(workers, size int) *WorkerQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	return &WorkerQueue{ch: make(chan Record, size), workers: workers}
}

func (q *WorkerQueue) Push(ctx context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperrors.ErrClosed
	}
	select {
	case q.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the workers. Deliveries use ctx; cancelling it aborts retries,
// which then record a Failed outcome.
func (q *WorkerQueue) Start(ctx context.Context, d Deliverer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("worker queue already started")
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for rec := range q.ch {
				d.Deliver(ctx, rec)
			}
		}()
	}
	return nil
}

// Stop closes intake and waits for queued records to be delivered.
func (q *WorkerQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
