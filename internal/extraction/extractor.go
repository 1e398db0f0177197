package extraction

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/transcript"
)

// Extractor feeds transcript slices through a Detector and turns its
// candidates into proposals. One Extractor serves one session.
type Extractor struct {
	detector    Detector
	window      int
	meetingDate time.Time
	now         func() time.Time
	logger      zerolog.Logger

	mu         sync.Mutex
	history    []transcript.Segment // current gap-free run, trimmed to window
	lastSeq    int64
	emitted    map[Range]Proposal
	superseded map[string]bool
}

// Options configure an Extractor.
type Options struct {
	Window      int
	MeetingDate time.Time
	Logger      zerolog.Logger
}

func NewExtractor(d Detector, opts Options) *Extractor {
	if opts.Window <= 0 {
		opts.Window = 6
	}
	return &Extractor{
		detector:    d,
		window:      opts.Window,
		meetingDate: opts.MeetingDate,
		now:         time.Now,
		logger:      opts.Logger.With().Str("component", "extractor").Logger(),
		emitted:     make(map[Range]Proposal),
		superseded:  make(map[string]bool),
	}
}

// Process consumes an ordered slice of the transcript stream and lazily
// yields new proposals. Segments already processed are skipped and a range
// already emitted is never emitted again, so redelivering a slice is a no-op.
//
// The slice is split at gap markers; each gap-free run is handed to the
// detector when iteration reaches it. A detector error is yielded once and
// ends the iteration; the failed run is retried on the next call.
func (e *Extractor) Process(ctx context.Context, slice []transcript.Item) iter.Seq2[Proposal, error] {
	return func(yield func(Proposal, error) bool) {
		var run []transcript.Segment
		flush := func() bool {
			if len(run) == 0 {
				return true
			}
			batch := run
			run = nil
			props, err := e.detectRun(ctx, batch)
			if err != nil {
				yield(Proposal{}, err)
				return false
			}
			for _, p := range props {
				p, ok := e.claim(p)
				if !ok {
					continue
				}
				if !yield(p, nil) {
					return false
				}
			}
			return true
		}

		for _, item := range slice {
			if item.IsGap() {
				if !flush() {
					return
				}
				e.resetAt(item.Gap.To)
				continue
			}
			run = append(run, *item.Segment)
		}
		flush()
	}
}

// resetAt drops context at a gap so no window spans it.
func (e *Extractor) resetAt(gapEnd int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gapEnd > e.lastSeq {
		e.history = nil
		e.lastSeq = gapEnd
		e.logger.Debug().Int64("gap_end", gapEnd).Msg("context reset at transcript gap")
	}
}

func (e *Extractor) detectRun(ctx context.Context, run []transcript.Segment) ([]Proposal, error) {
	e.mu.Lock()
	var fresh []transcript.Segment
	for _, s := range run {
		if s.SequenceID > e.lastSeq {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		e.mu.Unlock()
		return nil, nil
	}
	w := Window{
		Context:     append([]transcript.Segment(nil), e.history...),
		New:         fresh,
		MeetingDate: e.meetingDate,
	}
	e.mu.Unlock()

	cands, err := e.detector.Detect(ctx, w)
	if err != nil {
		e.logger.Warn().Err(err).Int64("from", fresh[0].SequenceID).Msg("detector failed")
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// a concurrent call may have processed this run already
	if fresh[len(fresh)-1].SequenceID <= e.lastSeq {
		return nil, nil
	}
	e.lastSeq = fresh[len(fresh)-1].SequenceID
	e.history = append(e.history, fresh...)
	if len(e.history) > e.window {
		e.history = append([]transcript.Segment(nil), e.history[len(e.history)-e.window:]...)
	}

	bySeq := make(map[int64]transcript.Segment, len(w.Context)+len(w.New))
	for _, s := range w.All() {
		bySeq[s.SequenceID] = s
	}

	out := make([]Proposal, 0, len(cands))
	for _, c := range cands {
		p, ok := e.toProposal(c, bySeq, fresh[0].SequenceID)
		if !ok {
			e.logger.Warn().Int64("start", c.Start).Int64("end", c.End).Msg("detector candidate outside window dropped")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Extractor) toProposal(c Candidate, bySeq map[int64]transcript.Segment, firstNew int64) (Proposal, bool) {
	if c.Start > c.End || c.End < firstNew {
		return Proposal{}, false
	}
	var texts []string
	for seq := c.Start; seq <= c.End; seq++ {
		s, ok := bySeq[seq]
		if !ok {
			return Proposal{}, false
		}
		texts = append(texts, s.Text)
	}
	r := Range{Start: c.Start, End: c.End}
	evidence := strings.TrimSpace(c.Evidence)
	if evidence == "" {
		evidence = strings.Join(texts, " ")
	}
	speaker := c.SpeakerID
	if speaker == "" {
		speaker = bySeq[c.End].SpeakerID
	}
	desc := c.Description
	if desc == "" {
		desc = tidy(evidence)
	}
	return Proposal{
		ID:             proposalID(r, desc),
		SourceRange:    r,
		SpeakerID:      speaker,
		Text:           evidence,
		Description:    desc,
		Confidence:     clamp01(c.Confidence),
		SuggestedOwner: c.Owner,
		SuggestedDue:   c.Due,
		Category:       c.Category,
		CreatedAt:      e.now(),
	}, true
}

// claim records p as emitted and fills Supersedes. It reports false when the
// range was already emitted.
func (e *Extractor) claim(p Proposal) (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.emitted[p.SourceRange]; dup {
		return Proposal{}, false
	}
	for r, prior := range e.emitted {
		if r.Overlaps(p.SourceRange) && !e.superseded[prior.ID] {
			p.Supersedes = append(p.Supersedes, prior.ID)
			e.superseded[prior.ID] = true
		}
	}
	slices.Sort(p.Supersedes)
	e.emitted[p.SourceRange] = p
	if len(p.Supersedes) > 0 {
		e.logger.Info().
			Str("audit", "proposal_supersede").
			Str("proposal_id", p.ID).
			Strs("supersedes", p.Supersedes).
			Msg("proposal supersedes overlapping proposals")
	}
	return p, true
}

// Emitted returns the number of distinct proposals produced so far.
func (e *Extractor) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emitted)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
