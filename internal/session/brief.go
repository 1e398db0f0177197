package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meetwise/internal/apperrors"
	"github.com/meetwise/internal/facilitator"
	"github.com/meetwise/internal/tasks"
)

type Participant struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	IsAdvisor bool   `json:"isAdvisor"`
}

// OpenTask is a task carried over from an earlier meeting.
type OpenTask struct {
	Description string       `json:"description"`
	Owner       string       `json:"owner"`
	DueDate     *time.Time   `json:"dueDate,omitempty"`
	Category    string       `json:"category"`
	Status      tasks.Status `json:"status"`
}

type Service struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Brief is the pre-meeting preparation for one client meeting.
type Brief struct {
	Title              string                 `json:"title"`
	Client             string                 `json:"client"`
	ScheduledAt        time.Time              `json:"scheduledAt"`
	DurationMinutes    int                    `json:"durationMinutes"`
	Participants       []Participant          `json:"participants"`
	PreviousHighlights []string               `json:"previousHighlights"`
	OpenTasks          []OpenTask             `json:"openTasks"`
	RiskFlags          []facilitator.RiskFlag `json:"riskFlags"`
	SuggestedServices  []Service              `json:"suggestedServices"`
}

// Advisors returns the names of the advisor-side participants.
func (b Brief) Advisors() []string {
	var out []string
	for _, p := range b.Participants {
		if p.IsAdvisor {
			out = append(out, p.Name)
		}
	}
	return out
}

func (b Brief) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return apperrors.Validationf("brief title is required")
	}
	if b.DurationMinutes < 0 {
		return apperrors.Validationf("brief duration must not be negative")
	}
	for i, t := range b.OpenTasks {
		if strings.TrimSpace(t.Description) == "" {
			return apperrors.Validationf("open task %d has no description", i)
		}
		switch t.Status {
		case "", tasks.StatusTodo, tasks.StatusInProgress:
		default:
			return apperrors.Validationf("open task %d has status %q; only todo and in-progress carry over", i, t.Status)
		}
	}
	for i, f := range b.RiskFlags {
		switch f.Severity {
		case facilitator.SeverityLow, facilitator.SeverityMedium, facilitator.SeverityHigh:
		default:
			return apperrors.Validationf("risk flag %d has severity %q", i, f.Severity)
		}
	}
	return nil
}

// LoadBrief reads a JSON brief from path.
func LoadBrief(path string) (Brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Brief{}, fmt.Errorf("read brief: %w", err)
	}
	var b Brief
	if err := json.Unmarshal(data, &b); err != nil {
		return Brief{}, apperrors.Validationf("parse brief %s: %v", path, err)
	}
	if err := b.Validate(); err != nil {
		return Brief{}, err
	}
	return b, nil
}

// SampleBrief is the demo quarterly review used by `meetwise serve` when no
// brief file is given.
func SampleBrief(at time.Time) Brief {
	due := func(days int) *time.Time {
		d := at.AddDate(0, 0, days)
		return &d
	}
	return Brief{
		Title:           "Quarterly Portfolio Review - Johnson Family",
		Client:          "Johnson Family",
		ScheduledAt:     at,
		DurationMinutes: 60,
		Participants: []Participant{
			{Name: "Sarah Johnson", Role: "Client"},
			{Name: "Michael Johnson", Role: "Co-Client"},
			{Name: "Emma Thompson", Role: "Senior Advisor", IsAdvisor: true},
			{Name: "David Chen", Role: "Tax Specialist", IsAdvisor: true},
		},
		PreviousHighlights: []string{
			"Discussed retirement planning timeline",
			"Reviewed current asset allocation",
			"Client expressed interest in ESG investments",
			"Agreed to increase monthly contributions",
		},
		OpenTasks: []OpenTask{
			{Description: "Review and update risk tolerance questionnaire", Owner: "Emma Thompson", DueDate: due(7), Category: "documentation", Status: tasks.StatusTodo},
			{Description: "Prepare ESG portfolio proposal", Owner: "David Chen", DueDate: due(10), Category: "investment", Status: tasks.StatusInProgress},
		},
		RiskFlags: []facilitator.RiskFlag{
			{Type: "compliance", Message: "KYC documentation expires in 30 days", Severity: facilitator.SeverityMedium, Keywords: []string{"kyc", "know your customer"}},
			{Type: "risk", Message: "Portfolio concentration in tech sector above threshold", Severity: facilitator.SeverityHigh, Keywords: []string{"concentration", "tech sector", "technology sector"}},
		},
		SuggestedServices: []Service{
			{Name: "Tax-Optimized Portfolios", Description: "Reduce tax drag on taxable accounts"},
			{Name: "Private Banking Credit Solutions", Description: "Lombard lending against the portfolio"},
			{Name: "Wealth Planning Advisory", Description: "Estate and succession planning"},
			{Name: "Alternative Investment Platform", Description: "Diversify away from listed equities"},
		},
	}
}
