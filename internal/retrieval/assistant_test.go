package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/retry"
	"github.com/meetwise/internal/transcript"
)

var day = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubCorpus struct {
	entries []Entry
	err     error
	fails   int32
	calls   atomic.Int32
	last    SearchRequest
}

func (s *stubCorpus) Search(_ context.Context, req SearchRequest) ([]Entry, error) {
	n := s.calls.Add(1)
	s.last = req
	if s.err != nil && n <= s.fails {
		return nil, s.err
	}
	return append([]Entry(nil), s.entries...), nil
}

type stubTranscript struct {
	items []transcript.Item
}

func (s stubTranscript) Items() []transcript.Item { return s.items }

func (s stubTranscript) Recent(n int) []transcript.Segment {
	segs := transcript.Segments(s.items)
	if len(segs) > n {
		segs = segs[len(segs)-n:]
	}
	return segs
}

func segItem(seq int64, speaker, text string, offsetMs int64) transcript.Item {
	return transcript.Item{Segment: &transcript.Segment{
		SequenceID:    seq,
		SpeakerID:     speaker,
		Text:          text,
		StartOffsetMs: offsetMs,
		EndOffsetMs:   offsetMs + 4000,
		AdmittedAt:    day.Add(time.Duration(offsetMs) * time.Millisecond),
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return cfg
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.SourceID)
	}
	return out
}

func TestComplianceWinsTieAgainstMarketing(t *testing.T) {
	corpus := &stubCorpus{entries: []Entry{
		{SourceID: "catalog-tax-solutions", SourceLabel: "Product Catalog", Tier: TierCatalog, Score: 0.81, IndexedAt: day.Add(time.Hour)},
		{SourceID: "compliance-tax-advice", SourceLabel: "Compliance Requirements", Tier: TierCompliance, Score: 0.81, IndexedAt: day},
	}}
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	res, err := a.Answer(context.Background(), Query{Text: "tax planning", Mode: ModeLive})
	require.NoError(t, err)

	assert.False(t, res.NoMatch)
	assert.Equal(t, []string{"compliance-tax-advice", "catalog-tax-solutions"}, ids(res.Entries))
}

func TestRankOrdersClustersByTierThenRecency(t *testing.T) {
	entries := []Entry{
		{SourceID: "catalog-old", Tier: TierCatalog, Score: 0.90, IndexedAt: day},
		{SourceID: "notes-new", Tier: TierMeetingNotes, Score: 0.89, IndexedAt: day.Add(2 * time.Hour)},
		{SourceID: "notes-old", Tier: TierMeetingNotes, Score: 0.895, IndexedAt: day},
		{SourceID: "regulatory", Tier: TierRegulatory, Score: 0.60, IndexedAt: day},
		{SourceID: "", Tier: TierCompliance, Score: 0.99},
		{SourceID: "weak", Tier: TierCompliance, Score: 0.1},
	}

	got := ids(Rank(entries, 0.02, 0.2, 0))

	want := []string{"notes-new", "notes-old", "catalog-old", "regulatory"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranking mismatch (-want +got):\n%s", diff)
	}
}

func TestRankKeepsClearScoreOrder(t *testing.T) {
	entries := []Entry{
		{SourceID: "compliance", Tier: TierCompliance, Score: 0.5},
		{SourceID: "catalog", Tier: TierCatalog, Score: 0.9},
	}
	assert.Equal(t, []string{"catalog", "compliance"}, ids(Rank(entries, 0.02, 0, 0)))
	assert.Len(t, Rank(entries, 0.02, 0, 1), 1)
}

func TestOutOfCorpusQueryReturnsNoMatch(t *testing.T) {
	corpus := NewMemoryCorpus()
	require.NoError(t, Seed(context.Background(), corpus, SeedDocuments(day)))
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	res, err := a.Answer(context.Background(), Query{Text: "quantum cryptography", Mode: ModeLive})
	require.NoError(t, err)

	assert.True(t, res.NoMatch)
	assert.Empty(t, res.Entries)
}

func TestEveryEntryCarriesAttribution(t *testing.T) {
	corpus := NewMemoryCorpus()
	require.NoError(t, Seed(context.Background(), corpus, SeedDocuments(day)))
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	for _, q := range []string{"inheritance planning", "tax planning", "ESG investment", "risk management"} {
		res, err := a.Answer(context.Background(), Query{Text: q, Mode: ModeLive})
		require.NoError(t, err, q)
		require.NotEmpty(t, res.Entries, q)
		for _, e := range res.Entries {
			assert.NotEmpty(t, e.SourceID, q)
			assert.NotEmpty(t, e.SourceLabel, q)
			assert.NotEmpty(t, e.Snippet, q)
		}
	}
}

func TestTaxPlanningPrefersComplianceInSeedCorpus(t *testing.T) {
	corpus := NewMemoryCorpus()
	require.NoError(t, Seed(context.Background(), corpus, SeedDocuments(day)))
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	res, err := a.Answer(context.Background(), Query{Text: "tax planning", Mode: ModeLive})
	require.NoError(t, err)
	require.NotEmpty(t, res.Entries)

	assert.Equal(t, TierCompliance, res.Entries[0].Tier)
}

func TestLiveModeUsesRecentWindowAsContext(t *testing.T) {
	corpus := &stubCorpus{}
	src := stubTranscript{items: []transcript.Item{
		segItem(1, "advisor", "Welcome back", 0),
		segItem(2, "client", "We worry about estate taxes", 5000),
		segItem(3, "client", "And the children inheriting", 9000),
	}}
	a := NewAssistant(corpus, src, testConfig(), zerolog.Nop())

	_, err := a.Answer(context.Background(), Query{Text: "inheritance", Mode: ModeLive, ContextWindow: 2})
	require.NoError(t, err)

	assert.Equal(t, "We worry about estate taxes And the children inheriting", corpus.last.Context)
	assert.False(t, corpus.last.IncludeUploads)
}

func TestPostMeetingModeSearchesTranscript(t *testing.T) {
	corpus := &stubCorpus{}
	src := stubTranscript{items: []transcript.Item{
		segItem(1, "advisor", "Let's review the ESG allocation", 165000),
		{Gap: &transcript.Gap{From: 2, To: 2}},
		segItem(3, "client", "The weather was lovely", 172000),
	}}
	a := NewAssistant(corpus, src, testConfig(), zerolog.Nop())

	res, err := a.Answer(context.Background(), Query{Text: "ESG allocation", Mode: ModePostMeeting})
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, "segment-1", res.Entries[0].SourceID)
	assert.Equal(t, "Meeting transcript 00:02:45", res.Entries[0].SourceLabel)
	assert.Equal(t, "advisor: Let's review the ESG allocation", res.Entries[0].Snippet)
	assert.True(t, corpus.last.IncludeUploads)
}

func TestUploadsOnlyInPostMeeting(t *testing.T) {
	corpus := NewMemoryCorpus()
	require.NoError(t, corpus.Index(context.Background(), Document{
		ID: "upload-1", SourceLabel: "Johnson trust deed", Tier: TierUpload, Content: "The family trust names both children as beneficiaries.",
	}))
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	live, err := a.Answer(context.Background(), Query{Text: "family trust beneficiaries", Mode: ModeLive})
	require.NoError(t, err)
	assert.True(t, live.NoMatch)

	post, err := a.Answer(context.Background(), Query{Text: "family trust beneficiaries", Mode: ModePostMeeting})
	require.NoError(t, err)
	assert.Equal(t, []string{"upload-1"}, ids(post.Entries))
}

func TestCorpusOutageIsRetriedThenSurfaced(t *testing.T) {
	corpus := &stubCorpus{err: errors.New("connection refused"), fails: 10}
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	_, err := a.Answer(context.Background(), Query{Text: "tax planning"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), corpus.calls.Load())
}

func TestCorpusRecoversWithinBudget(t *testing.T) {
	corpus := &stubCorpus{
		err:     errors.New("timeout"),
		fails:   1,
		entries: []Entry{{SourceID: "compliance-kyc", Tier: TierCompliance, Score: 0.7}},
	}
	a := NewAssistant(corpus, nil, testConfig(), zerolog.Nop())

	res, err := a.Answer(context.Background(), Query{Text: "kyc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"compliance-kyc"}, ids(res.Entries))
	assert.Equal(t, ModeLive, res.Mode)
}

func TestAnswerValidation(t *testing.T) {
	a := NewAssistant(&stubCorpus{}, nil, testConfig(), zerolog.Nop())

	_, err := a.Answer(context.Background(), Query{Text: "  "})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = a.Answer(context.Background(), Query{Text: "tax", Mode: "summary"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = a.Answer(context.Background(), Query{Text: "tax", ContextWindow: -1})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
