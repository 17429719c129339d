// Package store defines the task store contract shared by the producer, the
// consumer and the task client.
//
// Every status change is a guarded conditional update: it applies only if
// the row is still in an expected status, and reports whether it applied.
// A guard miss is a normal "lost the race" signal, not an error.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

var (
	// ErrNotFound is returned when no row has the requested id.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a guarded delete finds a row it may not remove.
	ErrConflict = errors.New("task state conflict")
	// ErrUnavailable marks a store outage. Callers should retry later.
	ErrUnavailable = errors.New("task store unavailable")
	// ErrCorrupt is returned when a row exists but cannot be decoded.
	// Retrying does not help.
	ErrCorrupt = errors.New("task row corrupt")
)

// UnavailableError wraps a driver error with the failing operation.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// Unavailable wraps err as a retryable store outage.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// NewTask is the payload accepted by Create.
type NewTask struct {
	Title       string
	Description string
	Priority    types.Priority
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Title         string // case-insensitive substring
	Priority      types.Priority
	Status        types.Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// DispatchStore is the subset used by the producer loop.
type DispatchStore interface {
	// FetchEligibleForDispatch returns up to limit NEW tasks, oldest first.
	FetchEligibleForDispatch(ctx context.Context, limit int) ([]types.Task, error)
	// MarkDispatched moves exactly the given ids from NEW to PENDING in one
	// atomic statement and returns how many rows moved.
	MarkDispatched(ctx context.Context, ids []types.TaskID) (int64, error)
	// Status returns the current status of one task.
	Status(ctx context.Context, id types.TaskID) (types.Status, error)
}

// ExecutionStore is the subset used by consumer workers.
type ExecutionStore interface {
	LoadForExecution(ctx context.Context, id types.TaskID) (*types.Task, error)
	// MarkStarted applies only from PENDING or IN_PROGRESS; started_at is
	// written once and kept on redelivery.
	MarkStarted(ctx context.Context, id types.TaskID) (bool, error)
	// MarkCompleted applies only from IN_PROGRESS.
	MarkCompleted(ctx context.Context, id types.TaskID, result types.Result) (bool, error)
	// MarkFailed applies only from IN_PROGRESS.
	MarkFailed(ctx context.Context, id types.TaskID, reason string) (bool, error)
}

// ClientStore is the subset used by the task client.
type ClientStore interface {
	Create(ctx context.Context, t NewTask) (*types.Task, error)
	Get(ctx context.Context, id types.TaskID) (*types.Task, error)
	// List returns tasks with id > cursor matching f, ordered by id.
	List(ctx context.Context, f Filter, limit int, cursor types.TaskID) ([]types.Task, error)
	// Delete removes a task unless it is COMPLETED (ErrConflict).
	Delete(ctx context.Context, id types.TaskID) error
	// Cancel moves a non-terminal task to CANCELLED.
	Cancel(ctx context.Context, id types.TaskID) (bool, error)
	Status(ctx context.Context, id types.TaskID) (types.Status, error)
}

// Store is the full task store.
type Store interface {
	DispatchStore
	ExecutionStore
	ClientStore
	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[types.Status]int64, error)
	Ping(ctx context.Context) error
	Close()
}
