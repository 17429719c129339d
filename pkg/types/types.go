// Package types defines the core domain model shared by the store, the
// broker payload, the producer and the consumer.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TaskID is the store-assigned task identifier. It is the only correlation
// key between the store row, the broker message and log records.
type TaskID int64

func (id TaskID) String() string { return strconv.FormatInt(int64(id), 10) }

// Status is the lifecycle status of a task.
type Status string

// Canonical status spellings, used both in storage and on the wire.
const (
	StatusNew        Status = "new"         // created, not yet published
	StatusPending    Status = "pending"     // published to the broker
	StatusInProgress Status = "in_progress" // claimed by a consumer
	StatusCompleted  Status = "completed"   // terminal: success
	StatusFailed     Status = "failed"      // terminal: execution error
	StatusCancelled  Status = "cancelled"   // terminal: cancelled by a client
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusNew,
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Priority is informational only; it round-trips but does not affect
// scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var (
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// ParseStatus accepts exactly the canonical lowercase spelling. Other
// casings such as "CANCELLED" are rejected rather than aliased.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// ParsePriority accepts exactly the canonical lowercase spelling.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

func (p Priority) Valid() bool {
	_, err := ParsePriority(string(p))
	return err == nil
}

// Result is the opaque structured payload recorded on completion.
type Result map[string]any

// Task is one row of the task table.
type Task struct {
	ID          TaskID     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Result      Result     `json:"result"`
	Errors      *string    `json:"errors"`
}

// Message is the producer-to-consumer wire payload, one task per message.
type Message struct {
	ID          TaskID   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
}

// MessageFor builds the dispatch message for a task.
func MessageFor(t Task) Message {
	return Message{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
	}
}

// Validate checks the fields a consumer relies on.
func (m Message) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("message id must be positive, got %d", m.ID)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, m.Priority)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
	}
	return nil
}
