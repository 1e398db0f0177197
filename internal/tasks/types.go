// Package tasks owns the canonical task registry and its lifecycle state
// machine. Every mutation is an optimistic compare-and-swap on the task's
// version; there is no registry-wide lock.
package tasks

import (
	"slices"
	"time"

	"github.com/meetwise/internal/extraction"
)

type Status string

const (
	StatusProposed   Status = "proposed"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusDispatched Status = "dispatched"
	StatusRejected   Status = "rejected"
)

// Terminal statuses admit no further transitions.
func (s Status) Terminal() bool { return s == StatusDispatched || s == StatusRejected }

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the targets reachable from each status. Dispatched is
// reached only through approval, never through a board move.
var transitions = map[Status][]Status{
	StatusProposed:   {StatusTodo, StatusRejected},
	StatusTodo:       {StatusInProgress, StatusDispatched, StatusRejected},
	StatusInProgress: {StatusDone, StatusRejected},
	StatusDone:       {StatusDispatched},
	StatusDispatched: nil,
	StatusRejected:   nil,
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ColumnStatus maps a board column onto its status.
func ColumnStatus(column string) (Status, bool) {
	switch column {
	case "todo":
		return StatusTodo, true
	case "in-progress", "inprogress", "in_progress":
		return StatusInProgress, true
	case "done":
		return StatusDone, true
	}
	return "", false
}

// DispatchState tracks the external handoff of an approved task.
type DispatchState string

const (
	DispatchNone      DispatchState = ""
	DispatchPending   DispatchState = "pending"
	DispatchConfirmed DispatchState = "confirmed"
	DispatchFailed    DispatchState = "failed"
)

type Task struct {
	ID               string            `json:"id"`
	Description      string            `json:"description"`
	Owner            string            `json:"owner,omitempty"`
	DueDate          *time.Time        `json:"dueDate,omitempty"`
	Category         string            `json:"category,omitempty"`
	Status           Status            `json:"status"`
	Confidence       float64           `json:"confidence"`
	EvidenceText     string            `json:"evidenceText,omitempty"`
	OriginProposalID string            `json:"originProposalId,omitempty"`
	ManualOrigin     bool              `json:"manualOrigin,omitempty"`
	SourceRange      *extraction.Range `json:"sourceSegmentRange,omitempty"`
	RetiredProposals []string          `json:"retiredProposals,omitempty"`
	DispatchState    DispatchState     `json:"dispatchState,omitempty"`
	DispatchKey      string            `json:"dispatchKey,omitempty"`
	DispatchError    string            `json:"dispatchError,omitempty"`
	ExternalID       string            `json:"externalId,omitempty"`
	RejectReason     string            `json:"rejectReason,omitempty"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to other components.
func (t Task) Clone() Task {
	c := t
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.SourceRange != nil {
		r := *t.SourceRange
		c.SourceRange = &r
	}
	c.RetiredProposals = slices.Clone(t.RetiredProposals)
	return c
}

// Live tasks can still be superseded by a newer proposal.
func (t Task) Live() bool {
	return !t.Status.Terminal() && t.DispatchState != DispatchPending
}

// Event is one entry of the task audit trail.
type Event struct {
	TaskID  string    `json:"taskId"`
	Kind    string    `json:"kind"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to,omitempty"`
	Version int64     `json:"version"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ManualTask is the input to CreateManual.
type ManualTask struct {
	Description string     `json:"description"`
	Owner       string     `json:"owner"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Category    string     `json:"category"`
}
