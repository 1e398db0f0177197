// Package extraction turns the ordered transcript stream into candidate
// action-item proposals. Proposals are immutable; a proposal whose range
// overlaps an earlier one names it in Supersedes instead of editing it.
package extraction

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/meetwise/internal/transcript"
)

type Category string

const (
	CategoryInvestment    Category = "investment"
	CategoryScheduling    Category = "scheduling"
	CategoryDocumentation Category = "documentation"
	CategoryAnalysis      Category = "analysis"
	CategoryGeneral       Category = "general"
)

// ParseCategory maps free-form labels (including model output) onto a Category.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryInvestment, CategoryScheduling, CategoryDocumentation, CategoryAnalysis:
		return c
	case "meeting":
		return CategoryScheduling
	}
	return CategoryGeneral
}

// Range is an inclusive span of transcript sequence ids.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Overlaps(o Range) bool { return r.Start <= o.End && o.Start <= r.End }

func (r Range) Contains(seq int64) bool { return seq >= r.Start && seq <= r.End }

func (r Range) String() string { return fmt.Sprintf("[%d,%d]", r.Start, r.End) }

// Proposal is a candidate action item.
type Proposal struct {
	ID             string     `json:"id"`
	SourceRange    Range      `json:"sourceSegmentRange"`
	SpeakerID      string     `json:"speakerId"`
	Text           string     `json:"text"`
	Description    string     `json:"description"`
	Confidence     float64    `json:"confidence"`
	SuggestedOwner string     `json:"suggestedOwner,omitempty"`
	SuggestedDue   *time.Time `json:"suggestedDueDate,omitempty"`
	Category       Category   `json:"category"`
	Supersedes     []string   `json:"supersedes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Candidate is what a Detector reports; the Extractor turns it into a Proposal.
type Candidate struct {
	Start       int64
	End         int64
	SpeakerID   string
	Evidence    string
	Description string
	Owner       string
	Due         *time.Time
	Category    Category
	Confidence  float64
}

// Window is the input to a Detector. Context holds earlier segments of the
// same gap-free run, New the segments not yet examined. A window never
// spans a transcript gap.
type Window struct {
	Context     []transcript.Segment
	New         []transcript.Segment
	MeetingDate time.Time
}

// All returns Context followed by New.
func (w Window) All() []transcript.Segment {
	out := make([]transcript.Segment, 0, len(w.Context)+len(w.New))
	out = append(out, w.Context...)
	return append(out, w.New...)
}

// Detector is the pluggable extraction model.
type Detector interface {
	Detect(ctx context.Context, w Window) ([]Candidate, error)
}

// proposalID derives a stable id from the evidence range and text.
func proposalID(r Range, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(r.String()))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	// 40 bits is plenty within one meeting
	n := h.Sum64() >> 24
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "p-0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{alphabet[n%36]}, out...)
		n /= 36
	}
	return "p-" + string(out)
}
