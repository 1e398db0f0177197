package transcript

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
)

// ErrLateSegment is returned for a segment whose sequence id was already
// declared a permanent gap. Inserting it would re-order delivered output.
var ErrLateSegment = errors.New("segment arrived after its gap was declared permanent")

// Config bounds how long the ingestor waits for a missing segment.
type Config struct {
	GapTimeout    time.Duration `koanf:"gap_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type pending struct {
	seg     Segment
	arrived time.Time
}

// Ingestor is the single writer of a session's transcript stream.
//
// Delivered items form an append-only log ordered by sequence id. Readers
// hold their own Cursor; listeners registered with OnDeliver are pushed every
// batch of newly delivered items, in order, on the writer's goroutine.
type Ingestor struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	// writeMu serializes writers and listener notification so batches reach
	// listeners in stream order.
	writeMu   sync.Mutex
	listeners []func([]Item)

	mu        sync.RWMutex
	items     []Item
	delivered map[int64]Segment
	buffer    map[int64]pending
	watermark int64
	closed    bool
}

// NewIngestor creates an empty stream.
func NewIngestor(cfg Config, logger zerolog.Logger) *Ingestor {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.GapTimeout / 4
	}
	return &Ingestor{
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "ingestor").Logger(),
		delivered: make(map[int64]Segment),
		buffer:    make(map[int64]pending),
	}
}

// SetClock replaces the time source. Tests use it to drive gap timeouts.
func (in *Ingestor) SetClock(now func() time.Time) {
	in.writeMu.Lock()
	defer in.writeMu.Unlock()
	in.now = now
}

// OnDeliver registers a listener for newly delivered items. Listeners must
// not call back into Admit, ExpireGaps or Close.
func (in *Ingestor) OnDeliver(fn func([]Item)) {
	in.writeMu.Lock()
	defer in.writeMu.Unlock()
	in.listeners = append(in.listeners, fn)
}

// Admit validates and admits one segment.
func (in *Ingestor) Admit(ctx context.Context, raw RawSegment) (Outcome, error) {
	if err := raw.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	in.writeMu.Lock()
	defer in.writeMu.Unlock()

	now := in.now()
	seg := Segment{
		SequenceID:    raw.SequenceID,
		SpeakerID:     raw.SpeakerID,
		Text:          raw.Text,
		StartOffsetMs: raw.StartOffsetMs,
		EndOffsetMs:   raw.EndOffsetMs,
		AdmittedAt:    now,
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0, apperrors.ErrClosed
	}

	outcome, err := in.classify(seg)
	if err != nil || outcome == Duplicate {
		in.mu.Unlock()
		if err != nil {
			in.logger.Warn().Err(err).Int64("seq", seg.SequenceID).Msg("segment rejected")
		}
		return outcome, err
	}

	var fresh []Item
	if seg.SequenceID == in.watermark+1 {
		fresh = in.deliverLocked(seg)
		fresh = append(fresh, in.drainLocked()...)
		outcome = Accepted
	} else {
		in.buffer[seg.SequenceID] = pending{seg: seg, arrived: now}
		outcome = Buffered
		in.logger.Debug().Int64("seq", seg.SequenceID).Int64("watermark", in.watermark).Msg("segment buffered ahead of watermark")
	}
	fresh = append(fresh, in.expireLocked(now, false)...)
	in.mu.Unlock()

	in.notify(fresh)
	return outcome, nil
}

// classify checks a segment against delivered, gapped and buffered state.
// It returns Duplicate for an identical redelivery, or an error.
func (in *Ingestor) classify(seg Segment) (Outcome, error) {
	if seg.SequenceID <= in.watermark {
		prior, ok := in.delivered[seg.SequenceID]
		if !ok {
			return 0, ErrLateSegment
		}
		if prior.sameContent(seg) {
			return Duplicate, nil
		}
		return 0, apperrors.Conflictf("segment %d redelivered with different content", seg.SequenceID)
	}
	if p, ok := in.buffer[seg.SequenceID]; ok {
		if p.seg.sameContent(seg) {
			return Duplicate, nil
		}
		return 0, apperrors.Conflictf("segment %d redelivered with different content", seg.SequenceID)
	}
	return 0, nil
}

// ExpireGaps declares permanent every gap whose waiting segments have been
// held for at least the gap timeout, and delivers what follows it.
func (in *Ingestor) ExpireGaps(now time.Time) []Item {
	in.writeMu.Lock()
	defer in.writeMu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	fresh := in.expireLocked(now, false)
	in.mu.Unlock()

	in.notify(fresh)
	return fresh
}

// Run sweeps for expired gaps until ctx ends.
func (in *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.writeMu.Lock()
			now := in.now()
			in.writeMu.Unlock()
			in.ExpireGaps(now)
		}
	}
}

// Close flushes buffered segments, declaring every remaining gap, and seals
// the stream. The transcript is read-only afterwards.
func (in *Ingestor) Close() []Item {
	in.writeMu.Lock()
	defer in.writeMu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	fresh := in.expireLocked(in.now(), true)
	in.closed = true
	in.mu.Unlock()

	in.notify(fresh)
	in.logger.Info().Int64("watermark", in.Watermark()).Msg("transcript sealed")
	return fresh
}

func (in *Ingestor) deliverLocked(seg Segment) []Item {
	s := seg
	in.delivered[seg.SequenceID] = seg
	in.watermark = seg.SequenceID
	item := Item{Segment: &s}
	in.items = append(in.items, item)
	return []Item{item}
}

// drainLocked delivers buffered segments contiguous with the watermark.
func (in *Ingestor) drainLocked() []Item {
	var out []Item
	for {
		p, ok := in.buffer[in.watermark+1]
		if !ok {
			return out
		}
		delete(in.buffer, p.seg.SequenceID)
		out = append(out, in.deliverLocked(p.seg)...)
	}
}

func (in *Ingestor) expireLocked(now time.Time, force bool) []Item {
	var out []Item
	for len(in.buffer) > 0 {
		seqs := make([]int64, 0, len(in.buffer))
		oldest := now
		for seq, p := range in.buffer {
			seqs = append(seqs, seq)
			if p.arrived.Before(oldest) {
				oldest = p.arrived
			}
		}
		if !force && now.Sub(oldest) < in.cfg.GapTimeout {
			return out
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		gap := Gap{From: in.watermark + 1, To: seqs[0] - 1}
		in.watermark = gap.To
		item := Item{Gap: &gap}
		in.items = append(in.items, item)
		out = append(out, item)
		in.logger.Warn().
			Str("audit", "gap_declared").
			Int64("from", gap.From).
			Int64("to", gap.To).
			Msg("transcript gap declared permanent")

		out = append(out, in.drainLocked()...)
	}
	return out
}

func (in *Ingestor) notify(items []Item) {
	if len(items) == 0 {
		return
	}
	for _, fn := range in.listeners {
		fn(items)
	}
}

// Watermark is the highest sequence id delivered or declared missing.
func (in *Ingestor) Watermark() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.watermark
}

// Pending is the number of buffered segments waiting on a gap.
func (in *Ingestor) Pending() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.buffer)
}

// Closed reports whether the stream has been sealed.
func (in *Ingestor) Closed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Items returns a snapshot of the delivered stream.
func (in *Ingestor) Items() []Item {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]Item(nil), in.items...)
}

// Len is the number of delivered items, gaps included.
func (in *Ingestor) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.items)
}

// Since returns the delivered items from position pos onwards.
func (in *Ingestor) Since(pos int) []Item {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if pos < 0 {
		pos = 0
	}
	if pos >= len(in.items) {
		return nil
	}
	return append([]Item(nil), in.items[pos:]...)
}

// Recent returns up to n of the latest delivered segments that follow the
// last gap, oldest first.
func (in *Ingestor) Recent(n int) []Segment {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var out []Segment
	for i := len(in.items) - 1; i >= 0 && len(out) < n; i-- {
		it := in.items[i]
		if it.IsGap() {
			break
		}
		out = append(out, *it.Segment)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Cursor is a reader's private position in the stream.
type Cursor struct {
	in  *Ingestor
	pos int
}

// NewCursor starts a reader at the beginning of the stream.
func (in *Ingestor) NewCursor() *Cursor { return &Cursor{in: in} }

// Next returns items delivered since the previous call.
func (c *Cursor) Next() []Item {
	items := c.in.Since(c.pos)
	c.pos += len(items)
	return items
}
