package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/metrics"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Executor runs the body of a task. A returned error marks the task FAILED
// with err.Error() as its reason.
type Executor interface {
	Execute(ctx context.Context, task types.Task) (types.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task types.Task) (types.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task types.Task) (types.Result, error) {
	return f(ctx, task)
}

// Config tunes how a worker handles deliveries.
type Config struct {
	// NotReadyDelay is how long to hold a message whose task is still NEW
	// before requeueing it.
	NotReadyDelay time.Duration
	// ExecTimeout bounds a single execution.
	ExecTimeout time.Duration
	// StoreTimeout bounds the status writes after execution, which run
	// even while shutting down.
	StoreTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
