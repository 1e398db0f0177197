// Package retrieval answers advisor questions from the knowledge corpus with
// ranked, source-attributed entries. It never composes an answer of its own:
// every result entry points at the document or transcript line it came from.
package retrieval

import (
	"context"
	"strings"
	"time"
)

// Tier is a document's source priority.
type Tier string

const (
	TierCompliance   Tier = "compliance"
	TierRegulatory   Tier = "regulatory"
	TierMeetingNotes Tier = "meeting-notes"
	TierUpload       Tier = "upload"
	TierCatalog      Tier = "catalog"
)

// Priority orders tiers for near-ties; lower ranks first. Compliance and
// regulatory sources are never outranked by catalog content at equal score.
func (t Tier) Priority() int {
	switch t {
	case TierCompliance, TierRegulatory:
		return 0
	case TierMeetingNotes:
		return 1
	case TierUpload:
		return 2
	case TierCatalog:
		return 3
	}
	return 4
}

// ParseTier accepts the tier names plus a few common aliases.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "compliance":
		return TierCompliance, true
	case "regulatory", "regulation":
		return TierRegulatory, true
	case "meeting-notes", "meeting_notes", "notes":
		return TierMeetingNotes, true
	case "upload", "uploaded":
		return TierUpload, true
	case "catalog", "product", "marketing":
		return TierCatalog, true
	}
	return "", false
}

// Document is one corpus entry submitted for indexing.
type Document struct {
	ID          string    `json:"id"`
	SourceLabel string    `json:"sourceLabel"`
	Content     string    `json:"content"`
	Tier        Tier      `json:"priorityTier"`
	IndexedAt   time.Time `json:"indexedAt"`
}

// Entry is one ranked search hit.
type Entry struct {
	SourceID    string    `json:"sourceId"`
	SourceLabel string    `json:"sourceLabel"`
	Tier        Tier      `json:"tier"`
	Snippet     string    `json:"snippet"`
	Score       float64   `json:"score"`
	IndexedAt   time.Time `json:"indexedAt"`
}

// SearchRequest is what the assistant asks of a corpus.
type SearchRequest struct {
	Text string
	// Context is session text (recent or full transcript) used to bias scores.
	Context        string
	Limit          int
	IncludeUploads bool
}

// Corpus is the search capability the assistant consumes.
type Corpus interface {
	Search(ctx context.Context, req SearchRequest) ([]Entry, error)
}

// Indexer accepts documents into a corpus.
type Indexer interface {
	Index(ctx context.Context, doc Document) error
}

type Mode string

const (
	ModeLive        Mode = "live"
	ModePostMeeting Mode = "post-meeting"
)

// Query is an advisor question.
type Query struct {
	Text string `json:"text"`
	Mode Mode   `json:"mode"`
	// ContextWindow is the number of recent segments used in live mode;
	// zero means the configured default.
	ContextWindow int `json:"contextWindow,omitempty"`
}

// Result always carries attribution. NoMatch is set when Entries is empty.
type Result struct {
	Query   string  `json:"query"`
	Mode    Mode    `json:"mode"`
	Entries []Entry `json:"entries"`
	NoMatch bool    `json:"noMatch"`
}
