// ============================================================================
// taskdispatch Producer - Poll, Publish, Mark
// ============================================================================
//
// Package: internal/producer
// File: producer.go
// Function: Moves NEW tasks onto the broker and marks them PENDING
//
// One tick:
//   1. FetchEligibleForDispatch(batch)    oldest NEW tasks first
//   2. for each task:
//        Status(id) != NEW        -> skip (cancelled since the fetch)
//        Publish(message)          -> remember id on success
//                                     leave NEW on failure (next tick)
//   3. MarkDispatched(published ids)      one statement, guarded on NEW
//
// Ordering:
//   Publish happens before MarkDispatched. A crash or store outage in
//   between leaves the task NEW and it is published again on a later tick:
//   delivery is at-least-once and consumers tolerate duplicates. A consumer
//   that sees the message before step 3 commits requeues it.
//
// Errors:
//   A store error abandons the tick and is logged; ids already published in
//   that tick are still marked. The loop itself only ends when its context
//   is cancelled.
//
// ============================================================================

package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/metrics"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Config tunes the producer loop.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	Queue        string // routing key for published messages
	StoreTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TickReport summarises one tick.
type TickReport struct {
	Fetched    int
	Published  int
	Failed     int
	Skipped    int
	Dispatched int64
}

// Producer polls the store and publishes eligible tasks.
type Producer struct {
	store store.DispatchStore
	pub   broker.Publisher
	cfg   Config
	log   *slog.Logger

	healthy atomic.Bool
}

// New creates a producer.
func New(st store.DispatchStore, pub broker.Publisher, cfg Config) *Producer {
	cfg.defaults()
	p := &Producer{store: st, pub: pub, cfg: cfg, log: cfg.Logger.With("component", "producer")}
	p.healthy.Store(true)
	return p
}

// Healthy reports whether the most recent tick completed without error.
func (p *Producer) Healthy() bool { return p.healthy.Load() }

// Run ticks immediately and then every Interval until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	p.log.Info("Producer started", "interval", p.cfg.Interval, "batch_size", p.cfg.BatchSize, "queue", p.cfg.Queue)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		report, err := p.Tick(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.log.Error("Producer tick abandoned", "error", err,
				"published", report.Published, "dispatched", report.Dispatched)
		case report.Fetched > 0:
			p.log.Info("Producer tick",
				"fetched", report.Fetched,
				"published", report.Published,
				"failed", report.Failed,
				"skipped", report.Skipped,
				"dispatched", report.Dispatched)
		}

		select {
		case <-ctx.Done():
			p.log.Info("Producer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one poll-publish-mark cycle.
func (p *Producer) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	report, err := p.tick(ctx)
	p.cfg.Metrics.RecordTick(time.Since(start), err)
	p.healthy.Store(err == nil)
	return report, err
}

func (p *Producer) tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	tasks, err := p.store.FetchEligibleForDispatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("fetch eligible tasks: %w", err)
	}
	report.Fetched = len(tasks)
	if len(tasks) == 0 {
		return report, nil
	}

	published := make([]types.TaskID, 0, len(tasks))
	var tickErr error
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		status, err := p.store.Status(ctx, t.ID)
		if err != nil {
			tickErr = fmt.Errorf("recheck status of task %d: %w", t.ID, err)
			break
		}
		if status != types.StatusNew {
			report.Skipped++
			p.cfg.Metrics.RecordSkipped()
			p.log.Info("Task no longer new, not publishing", "task_id", t.ID, "status", status)
			continue
		}

		body, err := json.Marshal(types.MessageFor(t))
		if err != nil {
			report.Failed++
			p.log.Error("Failed to encode task message", "task_id", t.ID, "error", err)
			continue
		}
		if !p.pub.Publish(ctx, body, p.cfg.Queue) {
			report.Failed++
			p.cfg.Metrics.RecordPublishFailure()
			p.log.Error("Failed to publish task, will retry next tick", "task_id", t.ID)
			continue
		}
		report.Published++
		p.cfg.Metrics.RecordPublished()
		published = append(published, t.ID)
	}

	if len(published) == 0 {
		return report, tickErr
	}

	// Messages already on the broker must be marked even if we are
	// shutting down.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
	defer cancel()
	n, err := p.store.MarkDispatched(markCtx, published)
	if err != nil {
		return report, fmt.Errorf("mark %d tasks dispatched: %w", len(published), err)
	}
	report.Dispatched = n
	p.cfg.Metrics.RecordDispatched(n)
	if n < int64(len(published)) {
		p.log.Warn("Some published tasks changed status before being marked",
			"published", len(published), "dispatched", n)
	}
	return report, tickErr
}
