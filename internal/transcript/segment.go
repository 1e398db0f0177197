// Package transcript admits speaker-attributed speech segments and delivers
// them downstream as an ordered, append-only stream with explicit gap markers.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/meetwise/internal/apperrors"
)

// RawSegment is one segment as delivered by the transcription feed. The feed
// is at-least-once, so the same segment may arrive more than once.
type RawSegment struct {
	SequenceID    int64  `json:"sequenceId"`
	SpeakerID     string `json:"speakerId"`
	Text          string `json:"text"`
	StartOffsetMs int64  `json:"startOffsetMs"`
	EndOffsetMs   int64  `json:"endOffsetMs"`
}

// Segment is an admitted segment. It is never modified after admission.
type Segment struct {
	SequenceID    int64     `json:"sequenceId"`
	SpeakerID     string    `json:"speakerId"`
	Text          string    `json:"text"`
	StartOffsetMs int64     `json:"startOffsetMs"`
	EndOffsetMs   int64     `json:"endOffsetMs"`
	AdmittedAt    time.Time `json:"admittedAt"`
}

// Timestamp renders the recording offset as HH:MM:SS.
func (s Segment) Timestamp() string {
	total := s.StartOffsetMs / 1000
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// sameContent ignores AdmittedAt, which differs between deliveries.
func (s Segment) sameContent(o Segment) bool {
	return s.SequenceID == o.SequenceID &&
		s.SpeakerID == o.SpeakerID &&
		s.Text == o.Text &&
		s.StartOffsetMs == o.StartOffsetMs &&
		s.EndOffsetMs == o.EndOffsetMs
}

// Validate rejects malformed segments before they touch ingestor state.
func (r RawSegment) Validate() error {
	switch {
	case r.SequenceID < 1:
		return apperrors.Validationf("sequenceId %d must be positive", r.SequenceID)
	case r.StartOffsetMs < 0 || r.EndOffsetMs < 0:
		return apperrors.Validationf("segment %d has negative offsets", r.SequenceID)
	case r.EndOffsetMs < r.StartOffsetMs:
		return apperrors.Validationf("segment %d ends before it starts", r.SequenceID)
	case strings.TrimSpace(r.SpeakerID) == "":
		return apperrors.Validationf("segment %d has no speaker", r.SequenceID)
	case strings.TrimSpace(r.Text) == "":
		return apperrors.Validationf("segment %d has no text", r.SequenceID)
	}
	return nil
}

// Gap marks sequence ids From..To (inclusive) that were never received
// before the gap timeout. Consumers must not assume continuity across it.
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Item is one entry of the delivered stream: exactly one of Segment or Gap is set.
type Item struct {
	Segment *Segment `json:"segment,omitempty"`
	Gap     *Gap     `json:"gap,omitempty"`
}

// IsGap reports whether the item is a gap marker.
func (i Item) IsGap() bool { return i.Gap != nil }

// Seq is the last sequence id the item covers.
func (i Item) Seq() int64 {
	if i.Gap != nil {
		return i.Gap.To
	}
	if i.Segment != nil {
		return i.Segment.SequenceID
	}
	return 0
}

// Outcome of admitting one segment.
type Outcome int

const (
	Accepted Outcome = iota + 1
	Buffered
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// MarshalText lets outcomes travel as strings in JSON responses.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Segments filters the segment items out of a stream slice.
func Segments(items []Item) []Segment {
	out := make([]Segment, 0, len(items))
	for _, it := range items {
		if it.Segment != nil {
			out = append(out, *it.Segment)
		}
	}
	return out
}
