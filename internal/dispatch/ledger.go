package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/meetwise/internal/apperrors"
)

// Ledger persists dispatch records keyed by idempotency key.
type Ledger interface {
	// Put stores rec unless its key exists. It returns the stored record and
	// whether it was created by this call.
	Put(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, key string) (Record, error)
	Update(ctx context.Context, rec Record) error
	ListPending(ctx context.Context) ([]Record, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) Put(_ context.Context, rec Record) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.IdempotencyKey]; ok {
		return existing, false, nil
	}
	l.records[rec.IdempotencyKey] = rec
	return rec, true, nil
}

func (l *MemoryLedger) Get(_ context.Context, key string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[key]
	if !ok {
		return Record{}, apperrors.ErrNotFound
	}
	return rec, nil
}

func (l *MemoryLedger) Update(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.IdempotencyKey]; !ok {
		return apperrors.ErrNotFound
	}
	l.records[rec.IdempotencyKey] = rec
	return nil
}

func (l *MemoryLedger) ListPending(_ context.Context) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if rec.Outcome == Pending {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
