package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/retry"
	"github.com/meetwise/internal/transcript"
)

// TranscriptSource is the read side of the session transcript.
type TranscriptSource interface {
	Items() []transcript.Item
	Recent(n int) []transcript.Segment
}

type Config struct {
	// Epsilon is the score distance within which tier priority decides order.
	Epsilon    float64
	LiveWindow int
	Limit      int
	MinScore   float64
	Retry      retry.Config
}

func DefaultConfig() Config {
	return Config{
		Epsilon:    0.02,
		LiveWindow: 8,
		Limit:      5,
		MinScore:   0.2,
		Retry:      retry.QueryConfig(),
	}
}

// Assistant answers advisor queries against a corpus and, after the
// meeting, the session transcript.
type Assistant struct {
	corpus     Corpus
	transcript TranscriptSource
	cfg        Config
	logger     zerolog.Logger
}

// NewAssistant builds an assistant; transcript may be nil when no session
// is attached.
func NewAssistant(corpus Corpus, transcript TranscriptSource, cfg Config, logger zerolog.Logger) *Assistant {
	def := DefaultConfig()
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = def.LiveWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Assistant{corpus: corpus, transcript: transcript, cfg: cfg, logger: logger}
}

// Answer ranks corpus entries for q. It never returns an entry without a
// source id, and sets NoMatch instead of inventing an answer.
func (a *Assistant) Answer(ctx context.Context, q Query) (Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Result{}, apperrors.Validationf("query text is required")
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeLive
	}
	if mode != ModeLive && mode != ModePostMeeting {
		return Result{}, apperrors.Validationf("unknown query mode %q", q.Mode)
	}
	if q.ContextWindow < 0 {
		return Result{}, apperrors.Validationf("context window must not be negative")
	}

	req := SearchRequest{
		Text:           text,
		Limit:          a.cfg.Limit * 2,
		IncludeUploads: mode == ModePostMeeting,
	}
	var segments []transcript.Segment
	if a.transcript != nil {
		if mode == ModeLive {
			window := q.ContextWindow
			if window == 0 {
				window = a.cfg.LiveWindow
			}
			req.Context = joinText(a.transcript.Recent(window))
		} else {
			segments = transcript.Segments(a.transcript.Items())
		}
	}

	var found []Entry
	res := retry.Do(ctx, a.cfg.Retry, a.logger, func(attempt int) error {
		var err error
		found, err = a.corpus.Search(ctx, req)
		if err != nil && (errors.Is(err, apperrors.ErrValidation) || errors.Is(err, context.Canceled)) {
			return retry.Permanent(err)
		}
		return err
	})
	if !res.Success {
		if errors.Is(res.LastError, apperrors.ErrValidation) {
			return Result{}, res.LastError
		}
		a.logger.Error().Err(res.LastError).Int("attempts", res.Attempts).Str("query", text).Msg("corpus search failed")
		return Result{}, apperrors.Unavailable("corpus search", res.LastError)
	}

	for _, seg := range segments {
		score := Score(text, "", seg.Text)
		if score <= 0 {
			continue
		}
		found = append(found, Entry{
			SourceID:    fmt.Sprintf("segment-%d", seg.SequenceID),
			SourceLabel: "Meeting transcript " + seg.Timestamp(),
			Tier:        TierMeetingNotes,
			Snippet:     fmt.Sprintf("%s: %s", seg.SpeakerID, seg.Text),
			Score:       score,
			IndexedAt:   seg.AdmittedAt,
		})
	}

	entries := Rank(found, a.cfg.Epsilon, a.cfg.MinScore, a.cfg.Limit)
	a.logger.Debug().Str("mode", string(mode)).Str("query", text).Int("hits", len(entries)).Msg("query answered")
	return Result{Query: text, Mode: mode, Entries: entries, NoMatch: len(entries) == 0}, nil
}

// Rank drops unattributed or weak entries, sorts by score, and orders each
// cluster of scores within epsilon of its head by tier priority, then
// recency, then source id.
func Rank(entries []Entry, epsilon, minScore float64, limit int) []Entry {
	kept := make([]Entry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.SourceID) == "" || e.Score < minScore || seen[e.SourceID] {
			continue
		}
		seen[e.SourceID] = true
		kept = append(kept, e)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	for head := 0; head < len(kept); {
		end := head + 1
		for end < len(kept) && kept[head].Score-kept[end].Score <= epsilon {
			end++
		}
		cluster := kept[head:end]
		sort.SliceStable(cluster, func(i, j int) bool {
			pi, pj := cluster[i].Tier.Priority(), cluster[j].Tier.Priority()
			if pi != pj {
				return pi < pj
			}
			if !cluster[i].IndexedAt.Equal(cluster[j].IndexedAt) {
				return cluster[i].IndexedAt.After(cluster[j].IndexedAt)
			}
			return cluster[i].SourceID < cluster[j].SourceID
		})
		head = end
	}

	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

func joinText(segments []transcript.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}
