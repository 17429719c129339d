// ============================================================================
// taskdispatch Worker - Claim, Check, Execute, Record
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Handles one broker delivery at a time for one subscription
//
// Per-delivery protocol:
//   1. Decode the message             malformed          -> Ack (dropped)
//   2. LoadForExecution(id)           not found, corrupt -> Reject
//                                     store error        -> Requeue
//                                     cancelled/terminal -> Ack
//                                     still NEW          -> wait, Requeue
//   3. MarkStarted (guarded)          skip               -> Ack
//                                     fail               -> Requeue
//   4. Execute with ExecTimeout       worker shutdown    -> Requeue
//                                     error or panic     -> FAILED
//   5. MarkCompleted / MarkFailed     proceed or skip    -> Ack
//                                     fail               -> Requeue
//
// Still NEW:
//   The producer publishes before it commits MarkDispatched, so a fast
//   consumer can see the task before it is PENDING. The message is held for
//   NotReadyDelay and requeued rather than dropped.
//
// Shutdown:
//   Cancelling the parent context interrupts execution. That is not the
//   task's fault, so the message is requeued and the task stays
//   IN_PROGRESS until a redelivery claims it again. Status writes after
//   execution use a context detached from cancellation and bounded by
//   StoreTimeout.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/lifecycle"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Worker executes tasks delivered by one broker subscription.
type Worker struct {
	id    int
	store store.ExecutionStore
	exec  Executor
	cfg   Config
	log   *slog.Logger
}

// NewWorker creates a worker. id only labels log records.
func NewWorker(id int, st store.ExecutionStore, exec Executor, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		id:    id,
		store: st,
		exec:  exec,
		cfg:   cfg,
		log:   cfg.Logger.With("worker", id),
	}
}

// Run consumes from c until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, c broker.Consumer) error {
	w.log.Info("Worker started")
	defer w.log.Info("Worker stopped")
	return c.Consume(ctx, w.Handle)
}

// Handle processes one delivery and returns what to do with it.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	disp := w.handle(ctx, d)
	w.cfg.Metrics.RecordDelivery(disp.String())
	return disp
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	var msg types.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Error("Dropping malformed message", "message_id", d.MessageID, "error", err)
		return broker.Ack
	}
	if err := msg.Validate(); err != nil {
		w.log.Error("Dropping invalid message", "message_id", d.MessageID, "error", err)
		return broker.Ack
	}
	log := w.log.With("task_id", msg.ID, "message_id", d.MessageID)

	task, err := w.store.LoadForExecution(ctx, msg.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Task no longer exists, rejecting message")
		return broker.Reject
	}
	if errors.Is(err, store.ErrCorrupt) {
		log.Error("Task row cannot be decoded, rejecting message", "error", err)
		return broker.Reject
	}
	if err != nil {
		log.Error("Failed to load task, requeueing", "error", err)
		return broker.Requeue
	}

	switch task.Status {
	case types.StatusCancelled:
		w.cfg.Metrics.RecordCancelledSkip()
		log.Info("Task cancelled, skipping")
		return broker.Ack
	case types.StatusCompleted, types.StatusFailed:
		log.Info("Task already finished, dropping duplicate delivery", "status", task.Status)
		return broker.Ack
	case types.StatusNew:
		log.Info("Task not yet marked dispatched, requeueing", "delay", w.cfg.NotReadyDelay)
		wait(ctx, w.cfg.NotReadyDelay)
		return broker.Requeue
	}

	switch out := lifecycle.FromUpdate(w.store.MarkStarted(ctx, task.ID)); out.Verdict {
	case lifecycle.SkipCancelled:
		w.cfg.Metrics.RecordCancelledSkip()
		log.Info("Task could not be claimed, skipping")
		return broker.Ack
	case lifecycle.Fail:
		log.Error("Failed to mark task started, requeueing", "error", out.Err)
		return broker.Requeue
	}
	log.Info("Task started", "title", task.Title, "priority", task.Priority, "redelivered", d.Redelivered)

	result, execErr := w.execute(ctx, *task)
	if execErr != nil && ctx.Err() != nil {
		log.Warn("Execution interrupted by shutdown, requeueing", "error", execErr)
		return broker.Requeue
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StoreTimeout)
	defer cancel()

	if execErr != nil {
		return w.recordFailure(storeCtx, log, task.ID, execErr)
	}
	return w.recordSuccess(storeCtx, log, task.ID, result)
}

func (w *Worker) execute(ctx context.Context, task types.Task) (types.Result, error) {
	done := w.cfg.Metrics.ExecStarted()
	defer done()

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
	defer cancel()

	result, err := w.runBody(execCtx, task)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("execution timed out after %s: %w", w.cfg.ExecTimeout, err)
	}
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		result = types.Result{"message": "successfully"}
	}
	return result, nil
}

// runBody calls the executor. A panic in the task body is a task failure,
// not a delivery failure.
func (w *Worker) runBody(ctx context.Context, task types.Task) (result types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Task body panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return w.exec.Execute(ctx, task)
}

func (w *Worker) recordSuccess(ctx context.Context, log *slog.Logger, id types.TaskID, result types.Result) broker.Disposition {
	switch out := lifecycle.FromUpdate(w.store.MarkCompleted(ctx, id, result)); out.Verdict {
	case lifecycle.Proceed:
		w.cfg.Metrics.RecordCompleted()
		log.Info("Task completed")
	case lifecycle.SkipCancelled:
		w.cfg.Metrics.RecordCancelledSkip()
		log.Info("Task cancelled during execution, result discarded")
	case lifecycle.Fail:
		log.Error("Failed to record completion, requeueing", "error", out.Err)
		return broker.Requeue
	}
	return broker.Ack
}

func (w *Worker) recordFailure(ctx context.Context, log *slog.Logger, id types.TaskID, execErr error) broker.Disposition {
	switch out := lifecycle.FromUpdate(w.store.MarkFailed(ctx, id, execErr.Error())); out.Verdict {
	case lifecycle.Proceed:
		w.cfg.Metrics.RecordFailed()
		log.Warn("Task failed", "error", execErr)
	case lifecycle.SkipCancelled:
		w.cfg.Metrics.RecordCancelledSkip()
		log.Info("Task cancelled during execution, failure discarded", "error", execErr)
	case lifecycle.Fail:
		log.Error("Failed to record failure, requeueing", "error", out.Err)
		return broker.Requeue
	}
	return broker.Ack
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
