package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/meetwise/internal/apperrors"
)

// Store persists tasks. CompareAndSwap is the only write path for existing
// tasks and must be atomic per task.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// CompareAndSwap replaces the stored task with t if the stored version
	// equals expectedVersion, and fails with ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, t Task, expectedVersion int64) error
	List(ctx context.Context) ([]Task, error)
	AppendEvent(ctx context.Context, ev Event) error
	Events(ctx context.Context, taskID string) ([]Event, error)
}

type entry struct {
	mu   sync.Mutex
	task Task
}

// InMemoryStore keeps one lock per task; operations on different tasks never
// contend.
type InMemoryStore struct {
	tasks sync.Map // id -> *entry

	eventsMu sync.Mutex
	events   map[string][]Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]Event)}
}

func (s *InMemoryStore) Create(_ context.Context, t Task) error {
	if _, loaded := s.tasks.LoadOrStore(t.ID, &entry{task: t.Clone()}); loaded {
		return apperrors.Conflictf("task %s already exists", t.ID)
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Task, error) {
	v, ok := s.tasks.Load(id)
	if !ok {
		return Task{}, apperrors.ErrNotFound
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

func (s *InMemoryStore) CompareAndSwap(_ context.Context, t Task, expectedVersion int64) error {
	v, ok := s.tasks.Load(t.ID)
	if !ok {
		return apperrors.ErrNotFound
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Version != expectedVersion {
		return apperrors.Conflictf("task %s is at version %d, expected %d", t.ID, e.task.Version, expectedVersion)
	}
	e.task = t.Clone()
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Task, error) {
	var out []Task
	s.tasks.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.task.Clone())
		e.mu.Unlock()
		return true
	})
	sortTasks(out)
	return out, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events[ev.TaskID] = append(s.events[ev.TaskID], ev)
	return nil
}

func (s *InMemoryStore) Events(_ context.Context, taskID string) ([]Event, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return append([]Event(nil), s.events[taskID]...), nil
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
