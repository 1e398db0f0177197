// Package facilitator derives advisory prompts for the advisor from the
// session's current state. Evaluate is a pure view: it performs no I/O and
// never blocks, so callers can run it on every transcript or task change.
package facilitator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/meetwise/internal/extraction"
	"github.com/meetwise/internal/tasks"
	"github.com/meetwise/internal/transcript"
)

type Kind string

const (
	KindSuggestion       Kind = "suggestion"
	KindTimeReminder     Kind = "time-reminder"
	KindFollowUpDetected Kind = "follow-up"
)

// Topic is one checklist item; it counts as covered once any keyword
// appears in the transcript.
type Topic struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskFlag comes from the meeting brief.
type RiskFlag struct {
	Type     string   `json:"type"` // compliance, risk or regulatory
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Keywords []string `json:"keywords,omitempty"`
}

type Prompt struct {
	Kind    Kind   `json:"type"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

// SessionState is everything Evaluate looks at.
type SessionState struct {
	Topics              []Topic
	Transcript          []transcript.Segment
	Elapsed             time.Duration
	Scheduled           time.Duration
	ReminderLead        time.Duration
	Tasks               []tasks.Task
	RiskFlags           []RiskFlag
	VisibilityThreshold float64
}

// Evaluate returns suggestions (uncovered checklist topics in checklist
// order, then unmentioned high-severity risk flags), at most one time
// reminder, then one follow-up prompt per open scheduling task, by task id.
func Evaluate(s SessionState) []Prompt {
	text := spoken(s.Transcript)
	var out []Prompt

	for _, topic := range s.Topics {
		if mentioned(text, topic.Keywords) {
			continue
		}
		out = append(out, Prompt{
			Kind:    KindSuggestion,
			Topic:   topic.Name,
			Message: fmt.Sprintf("You haven't covered %s yet. Consider bringing it up.", topic.Name),
		})
	}
	for _, flag := range s.RiskFlags {
		if flag.Severity != SeverityHigh || mentioned(text, flag.Keywords) {
			continue
		}
		out = append(out, Prompt{
			Kind:    KindSuggestion,
			Topic:   flag.Type,
			Message: fmt.Sprintf("Open %s flag not yet discussed: %s.", flag.Type, strings.TrimSuffix(flag.Message, ".")),
		})
	}

	if p, ok := timeReminder(s.Elapsed, s.Scheduled, s.ReminderLead); ok {
		out = append(out, p)
	}

	followUps := make([]tasks.Task, 0)
	for _, t := range s.Tasks {
		if isFollowUp(t, s.VisibilityThreshold) {
			followUps = append(followUps, t)
		}
	}
	sort.Slice(followUps, func(i, j int) bool { return followUps[i].ID < followUps[j].ID })
	for _, t := range followUps {
		out = append(out, Prompt{
			Kind:    KindFollowUpDetected,
			TaskID:  t.ID,
			Message: fmt.Sprintf("Follow-up detected: %s. Consider scheduling it before the meeting ends.", strings.TrimSuffix(t.Description, ".")),
		})
	}
	return out
}

func timeReminder(elapsed, scheduled, lead time.Duration) (Prompt, bool) {
	if scheduled <= 0 {
		return Prompt{}, false
	}
	remaining := scheduled - elapsed
	switch {
	case remaining < 0:
		over := int(math.Ceil((-remaining).Minutes()))
		return Prompt{Kind: KindTimeReminder, Message: fmt.Sprintf("Meeting is %s over the scheduled time.", minutes(over))}, true
	case remaining == 0:
		return Prompt{Kind: KindTimeReminder, Message: "Scheduled meeting time is up."}, true
	case remaining <= lead:
		left := int(math.Ceil(remaining.Minutes()))
		return Prompt{Kind: KindTimeReminder, Message: fmt.Sprintf("%s remaining in the meeting.", minutes(left))}, true
	}
	return Prompt{}, false
}

func minutes(n int) string {
	if n == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}

// isFollowUp: visible, still open, scheduling tasks.
func isFollowUp(t tasks.Task, threshold float64) bool {
	if extraction.Category(t.Category) != extraction.CategoryScheduling || t.Confidence < threshold {
		return false
	}
	return t.Live() && (t.Status == tasks.StatusProposed || t.Status == tasks.StatusTodo)
}

func spoken(segments []transcript.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(strings.ToLower(s.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

func mentioned(text string, keywords []string) bool {
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}
