// Package session runs one meeting: it owns the transcript ingestor and wires
// the extractor, task registry, dispatcher, retrieval assistant and
// facilitator together for the lifetime of the meeting.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/config"
	"github.com/meetwise/internal/dispatch"
	"github.com/meetwise/internal/extraction"
	"github.com/meetwise/internal/facilitator"
	"github.com/meetwise/internal/retrieval"
	"github.com/meetwise/internal/retry"
	"github.com/meetwise/internal/tasks"
	"github.com/meetwise/internal/transcript"
)

// Config is the per-session configuration, passed explicitly to every
// component the session builds.
type Config struct {
	Ingest              transcript.Config
	Window              int
	VisibilityThreshold float64
	DispatchRetry       retry.Config
	Workers             int
	QueueSize           int
	Retrieval           retrieval.Config
	Topics              []facilitator.Topic
	Scheduled           time.Duration
	ReminderLead        time.Duration
}

// ConfigFrom maps the application config onto a session config.
func ConfigFrom(cfg *config.Config) Config {
	topics := make([]facilitator.Topic, 0, len(cfg.Facilitator.Topics))
	for _, t := range cfg.Facilitator.Topics {
		topics = append(topics, facilitator.Topic{Name: t.Name, Keywords: t.Keywords})
	}
	dispatchRetry := retry.DefaultConfig()
	dispatchRetry.MaxRetries = cfg.Dispatch.MaxRetries
	dispatchRetry.BaseDelay = cfg.Dispatch.BaseDelay
	dispatchRetry.MaxDelay = cfg.Dispatch.MaxDelay

	rc := retrieval.DefaultConfig()
	rc.Epsilon = cfg.Retrieval.Epsilon
	rc.LiveWindow = cfg.Retrieval.LiveWindow
	rc.Limit = cfg.Retrieval.Limit
	rc.MinScore = cfg.Retrieval.MinScore

	return Config{
		Ingest:              transcript.Config{GapTimeout: cfg.Ingest.GapTimeout, SweepInterval: cfg.Ingest.SweepInterval},
		Window:              cfg.Extraction.Window,
		VisibilityThreshold: cfg.Extraction.VisibilityThreshold,
		DispatchRetry:       dispatchRetry,
		Workers:             cfg.Dispatch.Workers,
		QueueSize:           cfg.Dispatch.QueueSize,
		Retrieval:           rc,
		Topics:              topics,
		Scheduled:           time.Duration(cfg.Facilitator.ScheduledMinutes) * time.Minute,
		ReminderLead:        time.Duration(cfg.Facilitator.ReminderLeadMinutes) * time.Minute,
	}
}

// Deps are the swappable collaborators. Nil fields get in-memory defaults.
type Deps struct {
	Store    tasks.Store
	Ledger   dispatch.Ledger
	Gateway  dispatch.Gateway
	Queue    dispatch.Queue
	Corpus   retrieval.Corpus
	Indexer  retrieval.Indexer
	Detector extraction.Detector
}

// Session is one live meeting.
type Session struct {
	id     string
	cfg    Config
	brief  Brief
	logger zerolog.Logger
	now    func() time.Time

	ingestor   *transcript.Ingestor
	cursor     *transcript.Cursor
	extractor  *extraction.Extractor
	manager    *tasks.Manager
	dispatcher *dispatch.Dispatcher
	assistant  *retrieval.Assistant
	indexer    retrieval.Indexer
	redactor   retrieval.Redactor

	startedAt time.Time
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}

	// processMu serializes the extraction pump; backlog holds items whose
	// extraction failed and must be offered again.
	processMu sync.Mutex
	backlog   []transcript.Item

	mu         sync.Mutex
	started    bool
	ended      bool
	advisories []facilitator.Prompt
	watchers   []func([]facilitator.Prompt)
}

// New builds a session. logger is expected to carry the session id already
// (logging.ForSession or a SessionLog logger).
func New(id string, cfg Config, brief Brief, deps Deps, logger zerolog.Logger) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.Validationf("session id is required")
	}
	if err := brief.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		deps.Store = tasks.NewInMemoryStore()
	}
	if deps.Ledger == nil {
		deps.Ledger = dispatch.NewMemoryLedger()
	}
	if deps.Gateway == nil {
		deps.Gateway = dispatch.NewMemoryGateway()
	}
	if deps.Corpus == nil {
		mem := retrieval.NewMemoryCorpus()
		deps.Corpus = mem
		if deps.Indexer == nil {
			deps.Indexer = mem
		}
	}
	if deps.Detector == nil {
		deps.Detector = extraction.RuleDetector{}
	}
	if cfg.Scheduled == 0 && brief.DurationMinutes > 0 {
		cfg.Scheduled = time.Duration(brief.DurationMinutes) * time.Minute
	}
	meetingDate := brief.ScheduledAt
	if meetingDate.IsZero() {
		meetingDate = time.Now()
	}

	s := &Session{
		id:     id,
		cfg:    cfg,
		brief:  brief,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.ingestor = transcript.NewIngestor(cfg.Ingest, logger)
	s.cursor = s.ingestor.NewCursor()
	s.extractor = extraction.NewExtractor(deps.Detector, extraction.Options{
		Window:      cfg.Window,
		MeetingDate: meetingDate,
		Logger:      logger,
	})
	s.dispatcher = dispatch.New(deps.Ledger, deps.Gateway, dispatch.Options{
		Retry:     cfg.DispatchRetry,
		Queue:     deps.Queue,
		Logger:    logger,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	})
	s.manager = tasks.NewManager(deps.Store, s.dispatcher, tasks.Options{
		VisibilityThreshold: cfg.VisibilityThreshold,
		Logger:              logger,
	})
	s.assistant = retrieval.NewAssistant(deps.Corpus, s.ingestor, cfg.Retrieval, logger)
	s.indexer = deps.Indexer

	s.ingestor.OnDeliver(func([]transcript.Item) { s.signal() })
	s.manager.Subscribe(func(tasks.Task) { s.signal() })
	s.dispatcher.OnOutcome(func(rec dispatch.Record) {
		if err := s.manager.CompleteDispatch(context.Background(), rec); err != nil {
			s.logger.Error().Err(err).Str("task_id", rec.TaskID).Str("key", rec.IdempotencyKey).Msg("failed to record dispatch outcome")
		}
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Brief() Brief { return s.brief }

// Tasks is the session's task registry.
func (s *Session) Tasks() *tasks.Manager { return s.manager }

func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Transcript returns the delivered stream, gaps included.
func (s *Session) Transcript() []transcript.Item { return s.ingestor.Items() }

// Ended reports whether Teardown has run.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// SetClock replaces the wall clock for the session and its ingestor.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
	s.ingestor.SetClock(now)
}

// Start loads carried-over tasks, starts dispatch workers, the gap sweeper
// and the extraction pump.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.startedAt = s.now()
	s.mu.Unlock()

	if err := s.carryOver(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if err := s.dispatcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	go s.ingestor.Run(runCtx)
	go s.pump(runCtx)

	s.refreshAdvisories(ctx)
	s.logger.Info().
		Str("title", s.brief.Title).
		Strs("advisors", s.brief.Advisors()).
		Dur("scheduled", s.cfg.Scheduled).
		Msg("session started")
	return nil
}

func (s *Session) carryOver(ctx context.Context) error {
	for _, open := range s.brief.OpenTasks {
		t, err := s.manager.CreateManual(ctx, tasks.ManualTask{
			Description: open.Description,
			Owner:       open.Owner,
			DueDate:     open.DueDate,
			Category:    open.Category,
		})
		if err != nil {
			return fmt.Errorf("carry over task %q: %w", open.Description, err)
		}
		if open.Status == tasks.StatusInProgress {
			if _, err := s.manager.MoveStatus(ctx, t.ID, tasks.StatusTodo, tasks.StatusInProgress, t.Version); err != nil {
				return fmt.Errorf("carry over task %q: %w", open.Description, err)
			}
		}
	}
	return nil
}

// Admit feeds one transcript segment into the session.
func (s *Session) Admit(ctx context.Context, raw transcript.RawSegment) (transcript.Outcome, error) {
	return s.ingestor.Admit(ctx, raw)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if err := s.Settle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("extraction pass failed; will retry on next delivery")
			}
		}
	}
}

// Settle runs extraction over everything delivered since the last pass,
// lands the proposals in the task registry and recomputes advisories. The
// pump calls it on every delivery; callers that need a consistent view
// (tests, replay, teardown) call it directly.
func (s *Session) Settle(ctx context.Context) error {
	s.processMu.Lock()
	defer s.processMu.Unlock()

	items := append(s.backlog, s.cursor.Next()...)
	s.backlog = nil
	var firstErr error
	if len(items) > 0 {
		for p, err := range s.extractor.Process(ctx, items) {
			if err != nil {
				// extraction resumes from the failed run on the next pass
				s.backlog = items
				firstErr = err
				break
			}
			if _, err := s.manager.IngestProposal(ctx, p); err != nil {
				s.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("failed to ingest proposal")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	s.refreshAdvisories(ctx)
	return firstErr
}

// Watch registers fn to receive the advisory list whenever it changes.
func (s *Session) Watch(fn func([]facilitator.Prompt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// State snapshots what the facilitator evaluates.
func (s *Session) State(ctx context.Context) facilitator.SessionState {
	all, err := s.manager.List(ctx, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("task list unavailable for advisories")
	}
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	var elapsed time.Duration
	if !startedAt.IsZero() {
		elapsed = s.now().Sub(startedAt)
	}
	return facilitator.SessionState{
		Topics:              s.cfg.Topics,
		Transcript:          transcript.Segments(s.ingestor.Items()),
		Elapsed:             elapsed,
		Scheduled:           s.cfg.Scheduled,
		ReminderLead:        s.cfg.ReminderLead,
		Tasks:               all,
		RiskFlags:           s.brief.RiskFlags,
		VisibilityThreshold: s.cfg.VisibilityThreshold,
	}
}

// Advisories evaluates the facilitator against the current state.
func (s *Session) Advisories(ctx context.Context) []facilitator.Prompt {
	return facilitator.Evaluate(s.State(ctx))
}

func (s *Session) refreshAdvisories(ctx context.Context) {
	fresh := s.Advisories(ctx)
	s.mu.Lock()
	if slices.Equal(fresh, s.advisories) {
		s.mu.Unlock()
		return
	}
	s.advisories = fresh
	watchers := append([]func([]facilitator.Prompt){}, s.watchers...)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(fresh)
	}
}

// Query answers an advisor question. Live queries use the recent transcript
// window; post-meeting queries also see uploads and the whole transcript.
func (s *Session) Query(ctx context.Context, q retrieval.Query) (retrieval.Result, error) {
	return s.assistant.Answer(ctx, q)
}

// UploadDocument redacts secrets from doc and indexes it. It returns the
// stored document and the number of secrets removed.
func (s *Session) UploadDocument(ctx context.Context, doc retrieval.Document) (retrieval.Document, int, error) {
	if s.indexer == nil {
		return retrieval.Document{}, 0, apperrors.Unavailable("document index", errors.New("no indexer configured"))
	}
	prepared, findings, err := s.redactor.PrepareUpload(doc)
	if err != nil {
		return retrieval.Document{}, 0, err
	}
	if err := s.indexer.Index(ctx, prepared); err != nil {
		return retrieval.Document{}, 0, err
	}
	if findings > 0 {
		s.logger.Warn().Str("audit", "secrets_redacted").Str("document_id", prepared.ID).Int("findings", findings).Msg("redacted secrets from upload")
	}
	return prepared, findings, nil
}

// Report summarizes a torn-down session.
type Report struct {
	SessionID         string               `json:"sessionId"`
	Segments          int                  `json:"segments"`
	Gaps              int                  `json:"gaps"`
	Tasks             map[tasks.Status]int `json:"tasks"`
	Advisories        []facilitator.Prompt `json:"advisories"`
	PendingDispatches bool                 `json:"pendingDispatches"`
	NotesDocumentID   string               `json:"notesDocumentId,omitempty"`
}

// Teardown ends the meeting: it seals the transcript, finishes extraction,
// drains dispatch to terminal outcomes, seals the task registry and indexes
// the transcript as meeting notes. Pending dispatches left after the drain
// are reported as dispatch.ErrPendingDispatches alongside the report.
func (s *Session) Teardown(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return Report{}, fmt.Errorf("session %s: %w", s.id, apperrors.ErrClosed)
	}
	s.ended = true
	started := s.started
	s.mu.Unlock()

	s.ingestor.Close()
	if err := s.Settle(ctx); err != nil {
		s.logger.Error().Err(err).Msg("final extraction pass failed")
	}

	drainErr := s.dispatcher.Drain(ctx)
	s.manager.Close()
	if started {
		s.cancel()
		<-s.done
	}

	report := Report{SessionID: s.id, Tasks: make(map[tasks.Status]int), Advisories: s.Advisories(ctx)}
	for _, item := range s.ingestor.Items() {
		if item.IsGap() {
			report.Gaps++
		} else {
			report.Segments++
		}
	}
	all, err := s.manager.List(ctx, false)
	if err != nil {
		return report, err
	}
	for _, t := range all {
		report.Tasks[t.Status]++
	}
	report.PendingDispatches = errors.Is(drainErr, dispatch.ErrPendingDispatches)

	if id, err := s.indexNotes(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to index meeting notes")
	} else {
		report.NotesDocumentID = id
	}

	s.logger.Info().
		Int("segments", report.Segments).
		Int("gaps", report.Gaps).
		Bool("pending_dispatches", report.PendingDispatches).
		Msg("session torn down")
	return report, drainErr
}

func (s *Session) indexNotes(ctx context.Context) (string, error) {
	segs := transcript.Segments(s.ingestor.Items())
	if s.indexer == nil || len(segs) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, seg := range segs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", seg.Timestamp(), seg.SpeakerID, seg.Text)
	}
	date := s.brief.ScheduledAt
	if date.IsZero() {
		date = s.now()
	}
	doc := retrieval.Document{
		ID:          "meeting-" + s.id,
		SourceLabel: fmt.Sprintf("Meeting notes: %s (%s)", s.brief.Title, date.Format("2006-01-02")),
		Content:     b.String(),
		Tier:        retrieval.TierMeetingNotes,
	}
	if err := s.indexer.Index(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}
