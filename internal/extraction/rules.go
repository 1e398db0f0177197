package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/meetwise/internal/transcript"
)

// RuleDetector is a deterministic cue-phrase detector. It recognises
// commitments ("I'll ..."), requests ("can you ..."), scheduling cues and
// soft suggestions, and merges a request with the other speaker's
// acceptance in the following segment.
type RuleDetector struct{}

type cue struct {
	pattern    *regexp.Regexp
	kind       cueKind
	confidence float64
}

type cueKind int

const (
	cueSchedule cueKind = iota
	cueCommitment
	cueRequest
	cueSuggestion
)

var (
	cues = []cue{
		{regexp.MustCompile(`\b(schedule|follow[- ]up|set up a (call|meeting)|book a (call|meeting))\b`), cueSchedule, 0.92},
		{regexp.MustCompile(`\b(i'll|i will|i'm going to|i am going to|we'll|we will)\b`), cueCommitment, 0.85},
		{regexp.MustCompile(`\b(can you|could you|would you|please)\b`), cueRequest, 0.7},
		{regexp.MustCompile(`\b(we should|need to|let's|let us|make sure)\b`), cueSuggestion, 0.6},
	}
	acceptancePattern = regexp.MustCompile(`^(absolutely|sure|of course|certainly|definitely|will do|yes|no problem)\b`)
	hedgePattern      = regexp.MustCompile(`\b(maybe|might|perhaps|possibly|not sure)\b`)
	inDaysPattern     = regexp.MustCompile(`\bin (\d{1,2}) days?\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?]+\s+`)

	categoryKeywords = []struct {
		category Category
		words    []string
	}{
		{CategoryScheduling, []string{"schedule", "follow-up", "follow up", "meeting", "call", "calendar", "appointment"}},
		{CategoryInvestment, []string{"tax", "esg", "portfolio", "invest", "fund", "rebalanc", "allocation", "retirement", "estate"}},
		{CategoryDocumentation, []string{"document", "update", "questionnaire", "form", "paperwork", "statement", "send"}},
		{CategoryAnalysis, []string{"review", "analy", "assess", "compare", "research", "proposal"}},
	}

	weekdays = map[string]time.Weekday{
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday,
	}
)

// Detect implements Detector.
func (RuleDetector) Detect(_ context.Context, w Window) ([]Candidate, error) {
	all := w.All()
	firstNew := len(w.Context)
	var out []Candidate

	for i := firstNew; i < len(all); i++ {
		seg := all[i]
		lower := normalize(seg.Text)

		if i > 0 && acceptancePattern.MatchString(lower) {
			prev := all[i-1]
			if prev.SpeakerID != seg.SpeakerID {
				if req, ok := matchCue(prev.Text); ok && req.kind == cueRequest {
					out = append(out, mergeAcceptance(prev, seg, req, w.MeetingDate))
					continue
				}
			}
		}

		c, ok := matchCue(seg.Text)
		if !ok {
			continue
		}
		out = append(out, candidateFor(seg, c, w.MeetingDate))
	}
	return out, nil
}

func matchCue(text string) (cue, bool) {
	lower := normalize(text)
	for _, c := range cues {
		if c.pattern.MatchString(lower) {
			return c, true
		}
	}
	return cue{}, false
}

func candidateFor(seg transcript.Segment, c cue, meetingDate time.Time) Candidate {
	lower := normalize(seg.Text)
	cand := Candidate{
		Start:       seg.SequenceID,
		End:         seg.SequenceID,
		SpeakerID:   seg.SpeakerID,
		Evidence:    seg.Text,
		Description: describe(seg.Text, c.pattern),
		Category:    categorize(lower),
		Confidence:  c.confidence,
		Due:         dueDate(lower, meetingDate),
	}
	if c.kind == cueCommitment || c.kind == cueSchedule {
		cand.Owner = seg.SpeakerID
	}
	adjust(&cand, lower)
	return cand
}

// mergeAcceptance builds one candidate covering a request and its acceptance.
// The acceptance speaker owns the item.
func mergeAcceptance(req, acc transcript.Segment, c cue, meetingDate time.Time) Candidate {
	accLower := normalize(acc.Text)
	reqLower := normalize(req.Text)

	desc := describe(req.Text, c.pattern)
	if commit, ok := matchCue(acc.Text); ok && commit.kind == cueCommitment {
		desc = describe(acc.Text, commit.pattern)
	}
	due := dueDate(accLower, meetingDate)
	if due == nil {
		due = dueDate(reqLower, meetingDate)
	}
	cand := Candidate{
		Start:       req.SequenceID,
		End:         acc.SequenceID,
		SpeakerID:   acc.SpeakerID,
		Evidence:    req.Text + " " + acc.Text,
		Description: desc,
		Owner:       acc.SpeakerID,
		Due:         due,
		Category:    categorize(reqLower + " " + accLower),
		Confidence:  0.9,
	}
	adjust(&cand, accLower)
	return cand
}

func adjust(c *Candidate, lower string) {
	if c.Due != nil {
		c.Confidence += 0.05
	}
	if hedgePattern.MatchString(lower) {
		c.Confidence *= 0.6
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "’", "'")
}

// describe picks the sentence carrying the cue.
func describe(text string, pattern *regexp.Regexp) string {
	for _, sentence := range sentenceSplit.Split(strings.TrimSpace(text), -1) {
		if pattern.MatchString(normalize(sentence)) {
			return tidy(sentence)
		}
	}
	return tidy(text)
}

func tidy(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ".!?")
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func categorize(lower string) Category {
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				return ck.category
			}
		}
	}
	return CategoryGeneral
}

// dueDate resolves relative due phrases against the meeting date.
func dueDate(lower string, meetingDate time.Time) *time.Time {
	if meetingDate.IsZero() {
		return nil
	}
	day := time.Date(meetingDate.Year(), meetingDate.Month(), meetingDate.Day(), 0, 0, 0, 0, meetingDate.Location())
	at := func(d time.Time) *time.Time { return &d }

	switch {
	case strings.Contains(lower, "tomorrow"):
		return at(day.AddDate(0, 0, 1))
	case strings.Contains(lower, "next week"):
		return at(day.AddDate(0, 0, 7))
	case strings.Contains(lower, "end of the month"), strings.Contains(lower, "end of month"):
		return at(time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, day.Location()))
	case strings.Contains(lower, "end of the week"), strings.Contains(lower, "end of week"):
		return at(nextWeekday(day, time.Friday))
	}
	if m := inDaysPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return at(day.AddDate(0, 0, n))
	}
	for name, wd := range weekdays {
		if strings.Contains(lower, "by "+name) || strings.Contains(lower, "on "+name) {
			return at(nextWeekday(day, wd))
		}
	}
	return nil
}

func nextWeekday(day time.Time, wd time.Weekday) time.Time {
	ahead := (int(wd) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, ahead)
}
