package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// JSONGenerator is the slice of llm.ResilientClient the detector needs.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, prompt string, target any) error
}

// LLMDetector asks a language model for action items in the window.
type LLMDetector struct {
	gen JSONGenerator
}

func NewLLMDetector(gen JSONGenerator) *LLMDetector {
	return &LLMDetector{gen: gen}
}

type llmItem struct {
	StartSeq    int64   `json:"start_seq"`
	EndSeq      int64   `json:"end_seq"`
	Description string  `json:"description"`
	Owner       string  `json:"owner"`
	DueDate     string  `json:"due_date"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	Evidence    string  `json:"evidence"`
}

type llmResponse struct {
	Items []llmItem `json:"items"`
}

// Detect implements Detector.
func (d *LLMDetector) Detect(ctx context.Context, w Window) ([]Candidate, error) {
	if len(w.New) == 0 {
		return nil, nil
	}
	var resp llmResponse
	if err := d.gen.GenerateJSON(ctx, buildPrompt(w), &resp); err != nil {
		return nil, fmt.Errorf("llm detect: %w", err)
	}

	speakers := make(map[int64]string)
	for _, s := range w.All() {
		speakers[s.SequenceID] = s.SpeakerID
	}

	out := make([]Candidate, 0, len(resp.Items))
	for _, it := range resp.Items {
		c := Candidate{
			Start:       it.StartSeq,
			End:         it.EndSeq,
			SpeakerID:   speakers[it.EndSeq],
			Evidence:    it.Evidence,
			Description: strings.TrimSpace(it.Description),
			Owner:       strings.TrimSpace(it.Owner),
			Category:    ParseCategory(it.Category),
			Confidence:  it.Confidence,
		}
		if it.DueDate != "" {
			if due, err := time.ParseInLocation(time.DateOnly, it.DueDate, w.MeetingDate.Location()); err == nil {
				c.Due = &due
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func buildPrompt(w Window) string {
	var b strings.Builder
	b.WriteString("You extract action items from a financial advisory meeting transcript.\n")
	b.WriteString("Report every commitment, request, or follow-up, including uncertain ones with a low confidence.\n")
	if !w.MeetingDate.IsZero() {
		fmt.Fprintf(&b, "The meeting takes place on %s (%s); resolve relative due dates against it.\n",
			w.MeetingDate.Format(time.DateOnly), w.MeetingDate.Weekday())
	}
	b.WriteString("Only report items whose end_seq is one of the NEW lines.\n\n")
	b.WriteString("Transcript:\n")
	for _, s := range w.Context {
		fmt.Fprintf(&b, "  [%d] %s %s: %s\n", s.SequenceID, s.Timestamp(), s.SpeakerID, s.Text)
	}
	for _, s := range w.New {
		fmt.Fprintf(&b, "  [%d] NEW %s %s: %s\n", s.SequenceID, s.Timestamp(), s.SpeakerID, s.Text)
	}
	b.WriteString(`
Respond with JSON only:
{"items":[{"start_seq":1,"end_seq":2,"description":"...","owner":"speaker id or empty","due_date":"YYYY-MM-DD or empty","category":"investment|scheduling|documentation|analysis|general","confidence":0.0,"evidence":"quoted transcript text"}]}
`)
	return b.String()
}
