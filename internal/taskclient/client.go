// Package taskclient is the collaborator-facing API over the task store:
// create, read, list, delete, cancel. It validates input and enforces the
// business rules before touching the store.
package taskclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Field limits.
const (
	MaxTitleLen       = 50
	MaxDescriptionLen = 500
	MaxListLimit      = 50
)

// CreateRequest is the input to Create. An empty Priority means low.
type CreateRequest struct {
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Priority    types.Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Client wraps a store with validation.
type Client struct {
	store store.ClientStore
	log   *slog.Logger
}

// New creates a client.
func New(st store.ClientStore, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{store: st, log: log}
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*types.Task, error) {
	if n := utf8.RuneCountInString(req.Title); n < 1 || n > MaxTitleLen {
		return nil, invalid("title", req.Title, "title must be 1 to %d characters", MaxTitleLen)
	}
	if n := utf8.RuneCountInString(req.Description); n < 1 || n > MaxDescriptionLen {
		return nil, invalid("description", nil, "description must be 1 to %d characters", MaxDescriptionLen)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityLow
	}
	if !req.Priority.Valid() {
		return nil, invalid("priority", req.Priority, "priority must be low, medium or high")
	}

	task, err := c.store.Create(ctx, store.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		return nil, storeError("create task", 0, err)
	}
	c.log.Info("Task created", "task_id", task.ID, "priority", task.Priority)
	return task, nil
}

func (c *Client) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	task, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, storeError("get task", id, err)
	}
	return task, nil
}

// List returns up to limit tasks with id greater than cursor, ordered by id.
// Pass the last id of a page as the next cursor.
func (c *Client) List(ctx context.Context, f store.Filter, limit int, cursor types.TaskID) ([]types.Task, error) {
	if limit < 1 || limit > MaxListLimit {
		return nil, invalid("limit", limit, "limit must be between 1 and %d", MaxListLimit)
	}
	if cursor < 0 {
		return nil, invalid("cursor", int64(cursor), "cursor must not be negative")
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, invalid("priority", f.Priority, "unknown priority")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", f.Status, "unknown status")
	}

	tasks, err := c.store.List(ctx, f, limit, cursor)
	if err != nil {
		return nil, storeError("list tasks", 0, err)
	}
	return tasks, nil
}

// Delete removes a task. Completed tasks are kept.
func (c *Client) Delete(ctx context.Context, id types.TaskID) error {
	task, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == types.StatusCompleted {
		return cannotDeleteCompleted(id)
	}

	err = c.store.Delete(ctx, id)
	if errors.Is(err, store.ErrConflict) {
		// Completed between the read and the delete.
		return cannotDeleteCompleted(id)
	}
	if err != nil {
		return storeError("delete task", id, err)
	}
	c.log.Info("Task deleted", "task_id", id)
	return nil
}

func (c *Client) StatusOf(ctx context.Context, id types.TaskID) (types.Status, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	status, err := c.store.Status(ctx, id)
	if err != nil {
		return "", storeError("task status", id, err)
	}
	return status, nil
}

// Cancel moves a task that has not finished to CANCELLED. A running task is
// not interrupted; its result is discarded when it finishes.
func (c *Client) Cancel(ctx context.Context, id types.TaskID) error {
	if err := checkID(id); err != nil {
		return err
	}
	ok, err := c.store.Cancel(ctx, id)
	if err != nil {
		return storeError("cancel task", id, err)
	}
	if !ok {
		status, err := c.store.Status(ctx, id)
		if err != nil {
			return storeError("cancel task", id, err)
		}
		return &Error{
			Code:    CodeCannotCancelFinished,
			Message: fmt.Sprintf("task %d is already %s", id, status),
			Value:   status,
		}
	}
	c.log.Info("Task cancelled", "task_id", id)
	return nil
}

func checkID(id types.TaskID) error {
	if id <= 0 {
		return invalid("task_id", int64(id), "task id must be positive")
	}
	return nil
}

func cannotDeleteCompleted(id types.TaskID) *Error {
	return &Error{
		Code:    CodeCannotDeleteCompleted,
		Message: fmt.Sprintf("task %d is completed and cannot be deleted", id),
	}
}

func storeError(op string, id types.TaskID, err error) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("task with id %d not found", id), Err: err}
	}
	return &Error{Code: CodeDatabase, Message: op + " failed", Err: err}
}
