// Package dispatch delivers approved tasks to the external system of record.
//
// Every delivery is described by a Record keyed by an idempotency key derived
// from the task id and the task version at approval time. Records are
// written to a Ledger as Pending before they are queued; retries reuse the
// key, and a key that is already Confirmed is never delivered again.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	Pending   Outcome = "pending"
	Confirmed Outcome = "confirmed"
	Failed    Outcome = "failed"
)

// Terminal reports whether no further delivery will be attempted.
func (o Outcome) Terminal() bool { return o == Confirmed || o == Failed }

// Payload is the task snapshot sent to the gateway.
type Payload struct {
	Description  string     `json:"description"`
	Owner        string     `json:"owner,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	Category     string     `json:"category,omitempty"`
	EvidenceText string     `json:"evidenceText,omitempty"`
}

type Record struct {
	TaskID         string    `json:"taskId"`
	TaskVersion    int64     `json:"taskVersion"`
	AttemptID      string    `json:"dispatchAttemptId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Outcome        Outcome   `json:"outcome"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	ExternalID     string    `json:"externalId,omitempty"`
	Payload        Payload   `json:"payload"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IdempotencyKey is deterministic in (taskID, version).
func IdempotencyKey(taskID string, version int64) string {
	sum := sha256.Sum256([]byte(taskID + ":" + strconv.FormatInt(version, 10)))
	return hex.EncodeToString(sum[:16])
}

// NewRecord builds a Pending record for the given task state.
func NewRecord(taskID string, version int64, payload Payload, now time.Time) Record {
	return Record{
		TaskID:         taskID,
		TaskVersion:    version,
		AttemptID:      uuid.NewString(),
		IdempotencyKey: IdempotencyKey(taskID, version),
		Outcome:        Pending,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Ack is the gateway's acceptance of a record.
type Ack struct {
	ExternalID string `json:"id"`
	// Duplicate is set when the gateway had already applied this key.
	Duplicate bool `json:"duplicate"`
}

// RejectError is a permanent refusal by the gateway. It is never retried.
type RejectError struct {
	Status int
	Reason string
}

func (e *RejectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway rejected dispatch (%d): %s", e.Status, e.Reason)
	}
	return "gateway rejected dispatch: " + e.Reason
}

// IsReject reports whether err carries a *RejectError.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// ErrPendingDispatches is returned by Drain when records are still Pending.
var ErrPendingDispatches = errors.New("dispatches still pending at teardown")
