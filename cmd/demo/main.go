// Command demo runs the whole dispatcher in one process on the in-memory
// store and broker, and walks through the interesting cases: a normal run,
// a task cancelled before dispatch, a failing task and a store outage while
// marking tasks as dispatched.
//
//	go run ./cmd/demo [task-count]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/config"
	"github.com/ChuLiYu/taskdispatch/internal/controller"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/internal/store/memstore"
	"github.com/ChuLiYu/taskdispatch/internal/taskclient"
	"github.com/ChuLiYu/taskdispatch/internal/worker"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

func main() {
	count := 8
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n < 1 {
			fmt.Println("Usage: go run ./cmd/demo [task-count]")
			os.Exit(1)
		}
		count = n
	}
	if err := run(count); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(count int) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory
	cfg.Broker.Backend = config.BrokerMemory
	cfg.Producer.Interval = 500 * time.Millisecond
	cfg.Worker.Count = 3
	cfg.Worker.NotReadyDelay = 100 * time.Millisecond
	cfg.Metrics.Enabled = false
	cfg.Health.Enabled = false

	st := memstore.New()
	mem := broker.NewMemory(logger)
	client := taskclient.New(st, logger)

	// Titles ending in "!" fail; everything else takes a short random time.
	exec := &worker.SimulatedExecutor{MinDelay: 100 * time.Millisecond, MaxDelay: 600 * time.Millisecond}
	executor := worker.ExecutorFunc(func(ctx context.Context, task types.Task) (types.Result, error) {
		if task.Title[len(task.Title)-1] == '!' {
			return nil, errors.New("refusing to process " + task.Title)
		}
		return exec.Execute(ctx, task)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ids []types.TaskID
	for i := 1; i <= count; i++ {
		title := fmt.Sprintf("task %d", i)
		if i == count {
			title = "broken task!"
		}
		t, err := client.Create(ctx, taskclient.CreateRequest{Title: title, Description: "demo task"})
		if err != nil {
			return err
		}
		ids = append(ids, t.ID)
	}
	fmt.Printf("✓ Created %d tasks\n", len(ids))

	if err := client.Cancel(ctx, ids[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Cancelled task %d before dispatch\n", ids[0])

	st.FailNext(memstore.OpMarkDispatched, 1, errors.New("simulated connection reset"))
	fmt.Println("✓ The first MarkDispatched will fail (tasks stay NEW and are published again)")

	ctrl, err := controller.New(cfg, &controller.Backends{
		Store:     st,
		Publisher: mem,
		Subscribe: worker.SharedQueue(mem, cfg.Broker.QueueName()),
	}, controller.Options{Executor: executor, Logger: logger})
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted")
			return nil
		case <-ticker.C:
		}

		status, err := ctrl.Status(ctx)
		if err != nil {
			return err
		}
		printCounts(status.Tasks)
		if finished(status.Tasks, len(ids)) {
			break
		}
	}

	fmt.Println("\n📊 Final state:")
	tasks, err := client.List(ctx, store.Filter{}, taskclient.MaxListLimit, 0)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		detail := ""
		switch {
		case t.Errors != nil:
			detail = *t.Errors
		case t.Result != nil:
			detail = fmt.Sprint(t.Result)
		}
		fmt.Printf("  #%-3d %-14s %-10s %s\n", t.ID, t.Title, t.Status, detail)
	}
	fmt.Printf("\nMessages published: %d (duplicates are settled by the guarded updates)\n", mem.Published())
	return nil
}

func printCounts(counts map[types.Status]int64) {
	fmt.Printf("  new=%d pending=%d in_progress=%d completed=%d failed=%d cancelled=%d\n",
		counts[types.StatusNew], counts[types.StatusPending], counts[types.StatusInProgress],
		counts[types.StatusCompleted], counts[types.StatusFailed], counts[types.StatusCancelled])
}

func finished(counts map[types.Status]int64, total int) bool {
	done := counts[types.StatusCompleted] + counts[types.StatusFailed] + counts[types.StatusCancelled]
	return done == int64(total)
}
