package tasks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/extraction"
)

// Enqueuer durably queues a dispatch record.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec dispatch.Record) (dispatch.Record, error)
}

// Options configure a Manager.
type Options struct {
	// VisibilityThreshold hides Proposed tasks below this confidence from
	// visible listings. It never affects what is stored.
	VisibilityThreshold float64
	// SupersedeRetries bounds re-read-and-retry on conflicts for automated
	// writes (supersede, dispatch completion).
	SupersedeRetries int
	Logger           zerolog.Logger
}

// Manager is the Task Lifecycle Manager.
type Manager struct {
	store     Store
	enqueuer  Enqueuer
	threshold float64
	retries   int
	logger    zerolog.Logger
	now       func() time.Time
	closed    atomic.Bool

	listenersMu sync.RWMutex
	listeners   []func(Task)
}

func NewManager(store Store, enqueuer Enqueuer, opts Options) *Manager {
	if opts.SupersedeRetries <= 0 {
		opts.SupersedeRetries = 5
	}
	return &Manager{
		store:     store,
		enqueuer:  enqueuer,
		threshold: opts.VisibilityThreshold,
		retries:   opts.SupersedeRetries,
		logger:    opts.Logger.With().Str("component", "tasks").Logger(),
		now:       time.Now,
	}
}

// Subscribe registers fn to receive a snapshot after every committed mutation.
func (m *Manager) Subscribe(fn func(Task)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Threshold() float64 { return m.threshold }

// Close seals the registry. Subsequent writes fail with ErrClosed.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		m.logger.Info().Msg("task registry sealed")
	}
}

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return fmt.Errorf("task registry: %w", apperrors.ErrClosed)
	}
	return nil
}

// IngestProposal creates a Proposed task for p, or supersedes in place the
// first live task whose evidence range overlaps p's. Any further overlapping
// live tasks are retired (Rejected, "superseded by <id>") so one utterance
// keeps a single card. Redelivering a proposal already applied returns the
// task it landed on.
func (m *Manager) IngestProposal(ctx context.Context, p extraction.Proposal) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if err := validateProposal(p); err != nil {
		return "", err
	}

	for attempt := 0; attempt <= m.retries; attempt++ {
		all, err := m.store.List(ctx)
		if err != nil {
			return "", apperrors.Unavailable("task store", err)
		}

		var (
			target *Task
			others []Task
			landed string
		)
		for i := range all {
			t := &all[i]
			if slices.Contains(t.RetiredProposals, p.ID) {
				return t.ID, nil
			}
			if t.OriginProposalID == p.ID {
				landed = t.ID
				continue
			}
			if !t.Live() || t.SourceRange == nil || !t.SourceRange.Overlaps(p.SourceRange) {
				continue
			}
			switch {
			case target == nil:
				target = t
			case CanTransition(t.Status, StatusRejected):
				others = append(others, *t)
			}
		}
		if landed != "" {
			return landed, nil
		}
		if target == nil {
			return m.createFromProposal(ctx, p)
		}

		err = m.supersede(ctx, *target, p, others)
		if err == nil {
			for _, o := range others {
				if err := m.retire(ctx, o, target.ID, p); err != nil {
					return target.ID, err
				}
			}
			return target.ID, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return "", err
		}
		m.logger.Debug().Str("task_id", target.ID).Int("attempt", attempt+1).Msg("supersede lost a race, re-reading")
	}
	m.logger.Warn().
		Str("audit", "conflict").
		Str("proposal_id", p.ID).
		Msg("supersede retry budget exhausted")
	return "", apperrors.Conflictf("proposal %s could not be applied after %d attempts", p.ID, m.retries+1)
}

// retire rejects a duplicate card left over after survivorID absorbed p.
// Tasks that moved on (approved, terminal, no longer overlapping) are left alone.
func (m *Manager) retire(ctx context.Context, t Task, survivorID string, p extraction.Proposal) error {
	for attempt := 0; attempt <= m.retries; attempt++ {
		if !t.Live() || t.SourceRange == nil || !t.SourceRange.Overlaps(p.SourceRange) {
			return nil
		}
		if !CanTransition(t.Status, StatusRejected) {
			m.logger.Warn().
				Str("audit", "retire_skipped").
				Str("task_id", t.ID).
				Str("status", string(t.Status)).
				Str("survivor", survivorID).
				Msg("overlapping task cannot be retired from its status")
			return nil
		}
		next := t.Clone()
		next.Status = StatusRejected
		next.RejectReason = "superseded by " + survivorID
		_, err := m.commit(ctx, t, next, Event{Kind: "retired", From: t.Status, To: StatusRejected, Detail: next.RejectReason})
		if err == nil {
			m.logger.Info().
				Str("audit", "supersede").
				Str("task_id", t.ID).
				Str("survivor", survivorID).
				Str("proposal_id", p.ID).
				Msg("duplicate task retired")
			return nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		if t, err = m.store.Get(ctx, t.ID); err != nil {
			return err
		}
	}
	return apperrors.Conflictf("task %s could not be retired after %d attempts", t.ID, m.retries+1)
}

func (m *Manager) createFromProposal(ctx context.Context, p extraction.Proposal) (string, error) {
	now := m.now()
	r := p.SourceRange
	t := Task{
		ID:               uuid.NewString(),
		Description:      p.Description,
		Owner:            p.SuggestedOwner,
		DueDate:          p.SuggestedDue,
		Category:         string(p.Category),
		Status:           StatusProposed,
		Confidence:       p.Confidence,
		EvidenceText:     p.Text,
		OriginProposalID: p.ID,
		SourceRange:      &r,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", err
	}
	m.record(ctx, t, Event{Kind: "created", To: StatusProposed, Detail: "proposal " + p.ID})
	m.logger.Info().
		Str("task_id", t.ID).
		Str("proposal_id", p.ID).
		Float64("confidence", p.Confidence).
		Str("range", r.String()).
		Msg("task proposed")
	return t.ID, nil
}

func (m *Manager) supersede(ctx context.Context, current Task, p extraction.Proposal, absorbed []Task) error {
	next := current.Clone()
	next.Description = p.Description
	next.EvidenceText = p.Text
	next.Confidence = p.Confidence
	if p.SuggestedOwner != "" {
		next.Owner = p.SuggestedOwner
	}
	if p.SuggestedDue != nil {
		next.DueDate = p.SuggestedDue
	}
	next.Category = string(p.Category)
	merged := extraction.Range{
		Start: min(current.SourceRange.Start, p.SourceRange.Start),
		End:   max(current.SourceRange.End, p.SourceRange.End),
	}
	next.RetiredProposals = append(next.RetiredProposals, current.OriginProposalID)
	for _, o := range absorbed {
		merged.Start = min(merged.Start, o.SourceRange.Start)
		merged.End = max(merged.End, o.SourceRange.End)
		if o.OriginProposalID != "" {
			next.RetiredProposals = append(next.RetiredProposals, o.OriginProposalID)
		}
	}
	next.SourceRange = &merged
	next.OriginProposalID = p.ID
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()

	if err := m.store.CompareAndSwap(ctx, next, current.Version); err != nil {
		return err
	}
	m.record(ctx, next, Event{Kind: "superseded", From: current.Status, To: next.Status,
		Detail: current.OriginProposalID + " -> " + p.ID})
	m.logger.Info().
		Str("audit", "supersede").
		Str("task_id", next.ID).
		Str("retired", current.OriginProposalID).
		Str("proposal_id", p.ID).
		Int64("version", next.Version).
		Msg("task superseded by newer proposal")
	return nil
}

// MoveStatus moves a task from one status to another. It fails with
// ErrConflict when expectedVersion is stale and ErrInvalidTransition when
// the move is not in the transition table, targets Dispatched, or the task
// has a dispatch pending.
func (m *Manager) MoveStatus(ctx context.Context, id string, from, to Status, expectedVersion int64) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	if !to.Valid() {
		return 0, apperrors.Validationf("unknown status %q", to)
	}
	t, err := m.load(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}

	switch {
	case t.Status != from:
		return 0, m.rejectTransition(t, to, fmt.Sprintf("task is %s, not %s", t.Status, from))
	case to == StatusDispatched:
		return 0, m.rejectTransition(t, to, "dispatch requires approval")
	case t.DispatchState == DispatchPending:
		return 0, m.rejectTransition(t, to, "dispatch in flight")
	case !CanTransition(from, to):
		return 0, m.rejectTransition(t, to, fmt.Sprintf("%s -> %s is not allowed", from, to))
	}

	next := t.Clone()
	next.Status = to
	if to == StatusRejected {
		next.RejectReason = "moved to rejected"
	}
	return m.commit(ctx, t, next, Event{Kind: "moved", From: from, To: to})
}

// MoveCard applies a board drag: the destination column names the target
// status and the task's current status is the source.
func (m *Manager) MoveCard(ctx context.Context, id, column string, expectedVersion int64) (int64, error) {
	to, ok := ColumnStatus(column)
	if !ok {
		return 0, apperrors.Validationf("unknown board column %q", column)
	}
	t, err := m.load(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}
	return m.MoveStatus(ctx, id, t.Status, to, expectedVersion)
}

// Approve queues the task for dispatch. The version is bumped and the
// idempotency key derived from the new version; the call returns once the
// record is durably queued.
func (m *Manager) Approve(ctx context.Context, id string, expectedVersion int64) (dispatch.Record, error) {
	if err := m.checkOpen(); err != nil {
		return dispatch.Record{}, err
	}
	t, err := m.load(ctx, id, expectedVersion)
	if err != nil {
		return dispatch.Record{}, err
	}
	switch {
	case t.DispatchState == DispatchPending:
		return dispatch.Record{}, m.rejectTransition(t, StatusDispatched, "dispatch already in flight")
	case !CanTransition(t.Status, StatusDispatched):
		return dispatch.Record{}, m.rejectTransition(t, StatusDispatched, fmt.Sprintf("cannot approve a %s task", t.Status))
	}

	next := t.Clone()
	next.Version = t.Version + 1
	rec := dispatch.NewRecord(t.ID, next.Version, dispatch.Payload{
		Description:  t.Description,
		Owner:        t.Owner,
		DueDate:      t.DueDate,
		Category:     t.Category,
		EvidenceText: t.EvidenceText,
	}, m.now())
	next.DispatchState = DispatchPending
	next.DispatchKey = rec.IdempotencyKey
	next.DispatchError = ""
	if _, err := m.commit(ctx, t, next, Event{Kind: "approved", From: t.Status, To: t.Status, Detail: rec.IdempotencyKey}); err != nil {
		return dispatch.Record{}, err
	}

	stored, err := m.enqueuer.Enqueue(ctx, rec)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", id).Msg("dispatch could not be queued")
		failed := rec
		failed.Outcome = dispatch.Failed
		failed.LastError = err.Error()
		if cerr := m.CompleteDispatch(context.WithoutCancel(ctx), failed); cerr != nil {
			m.logger.Error().Err(cerr).Str("task_id", id).Msg("failed to record dispatch failure")
		}
		return dispatch.Record{}, err
	}
	return stored, nil
}

// CompleteDispatch applies a terminal dispatch outcome. Confirmed moves the
// task to Dispatched; Failed re-opens it for a fresh approval with the last
// error kept. Outcomes for superseded keys are ignored.
func (m *Manager) CompleteDispatch(ctx context.Context, rec dispatch.Record) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if !rec.Outcome.Terminal() {
		return apperrors.Validationf("dispatch outcome %q is not terminal", rec.Outcome)
	}
	for attempt := 0; attempt <= m.retries; attempt++ {
		t, err := m.store.Get(ctx, rec.TaskID)
		if err != nil {
			return err
		}
		if t.DispatchKey != rec.IdempotencyKey || t.DispatchState != DispatchPending {
			m.logger.Debug().Str("task_id", t.ID).Str("key", rec.IdempotencyKey).Msg("stale dispatch outcome ignored")
			return nil
		}
		next := t.Clone()
		ev := Event{Kind: "dispatch_" + string(rec.Outcome), From: t.Status, Detail: rec.IdempotencyKey}
		if rec.Outcome == dispatch.Confirmed {
			next.Status = StatusDispatched
			next.DispatchState = DispatchConfirmed
			next.ExternalID = rec.ExternalID
		} else {
			next.DispatchState = DispatchFailed
			next.DispatchError = rec.LastError
			ev.Detail += ": " + rec.LastError
		}
		ev.To = next.Status
		_, err = m.commit(ctx, t, next, ev)
		if !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
	}
	return apperrors.Conflictf("dispatch outcome for task %s could not be applied", rec.TaskID)
}

// Reject discards the task. Only non-terminal tasks without a pending
// dispatch can be rejected, and Done tasks cannot.
func (m *Manager) Reject(ctx context.Context, id string, expectedVersion int64, reason string) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	t, err := m.load(ctx, id, expectedVersion)
	if err != nil {
		return 0, err
	}
	switch {
	case t.DispatchState == DispatchPending:
		return 0, m.rejectTransition(t, StatusRejected, "dispatch in flight")
	case !CanTransition(t.Status, StatusRejected):
		return 0, m.rejectTransition(t, StatusRejected, fmt.Sprintf("cannot reject a %s task", t.Status))
	}
	next := t.Clone()
	next.Status = StatusRejected
	next.RejectReason = strings.TrimSpace(reason)
	return m.commit(ctx, t, next, Event{Kind: "rejected", From: t.Status, To: StatusRejected, Detail: next.RejectReason})
}

// CreateManual adds an advisor-created task directly to Todo.
func (m *Manager) CreateManual(ctx context.Context, in ManualTask) (Task, error) {
	if err := m.checkOpen(); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(in.Description) == "" {
		return Task{}, apperrors.Validationf("task description is required")
	}
	now := m.now()
	t := Task{
		ID:           uuid.NewString(),
		Description:  strings.TrimSpace(in.Description),
		Owner:        in.Owner,
		DueDate:      in.DueDate,
		Category:     in.Category,
		Status:       StatusTodo,
		Confidence:   1,
		ManualOrigin: true,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return Task{}, err
	}
	m.record(ctx, t, Event{Kind: "created", To: StatusTodo, Detail: "manual"})
	m.logger.Info().Str("task_id", t.ID).Msg("manual task created")
	return t.Clone(), nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	t, err := m.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Task{}, fmt.Errorf("task %s: %w", id, apperrors.ErrNotFound)
	}
	return t, err
}

// List returns snapshots of all tasks. With visibleOnly, Proposed tasks
// below the visibility threshold are left out.
func (m *Manager) List(ctx context.Context, visibleOnly bool) ([]Task, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if !visibleOnly {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == StatusProposed && t.Confidence < m.threshold {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Events returns the audit trail of one task.
func (m *Manager) Events(ctx context.Context, id string) ([]Event, error) {
	return m.store.Events(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string, expectedVersion int64) (Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Version != expectedVersion {
		m.logger.Info().
			Str("audit", "conflict").
			Str("task_id", id).
			Int64("expected", expectedVersion).
			Int64("current", t.Version).
			Msg("stale task version")
		return Task{}, apperrors.Conflictf("task %s is at version %d, expected %d", id, t.Version, expectedVersion)
	}
	return t, nil
}

func (m *Manager) commit(ctx context.Context, prev, next Task, ev Event) (int64, error) {
	if prev.Version == next.Version {
		next.Version = prev.Version + 1
	}
	next.UpdatedAt = m.now()
	if err := m.store.CompareAndSwap(ctx, next, prev.Version); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			m.logger.Info().Str("audit", "conflict").Str("task_id", prev.ID).Int64("expected", prev.Version).Msg("concurrent task write")
		}
		return 0, err
	}
	m.record(ctx, next, ev)
	m.logger.Info().
		Str("task_id", next.ID).
		Str("kind", ev.Kind).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Int64("version", next.Version).
		Msg("task updated")
	return next.Version, nil
}

func (m *Manager) rejectTransition(t Task, to Status, why string) error {
	m.logger.Warn().
		Str("audit", "transition_rejected").
		Str("task_id", t.ID).
		Str("from", string(t.Status)).
		Str("to", string(to)).
		Int64("version", t.Version).
		Msg(why)
	return apperrors.Transitionf("task %s: %s", t.ID, why)
}

func (m *Manager) record(ctx context.Context, t Task, ev Event) {
	ev.TaskID = t.ID
	ev.Version = t.Version
	ev.At = t.UpdatedAt
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to append task event")
	}
	m.listenersMu.RLock()
	listeners := append([]func(Task){}, m.listeners...)
	m.listenersMu.RUnlock()
	snap := t.Clone()
	for _, fn := range listeners {
		fn(snap)
	}
}

func validateProposal(p extraction.Proposal) error {
	switch {
	case p.ID == "":
		return apperrors.Validationf("proposal has no id")
	case p.SourceRange.Start < 1 || p.SourceRange.End < p.SourceRange.Start:
		return apperrors.Validationf("proposal %s has invalid range %s", p.ID, p.SourceRange)
	case p.Confidence < 0 || p.Confidence > 1:
		return apperrors.Validationf("proposal %s confidence %.2f outside [0,1]", p.ID, p.Confidence)
	case strings.TrimSpace(p.Description) == "":
		return apperrors.Validationf("proposal %s has no description", p.ID)
	}
	return nil
}
