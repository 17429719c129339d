package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/metrics"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/internal/store/memstore"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "tasks"

func setup(t *testing.T, n int) (*memstore.Store, *broker.Memory, []*types.Task) {
	t.Helper()
	s := memstore.New()
	tasks := make([]*types.Task, 0, n)
	for i := 0; i < n; i++ {
		task, err := s.Create(context.Background(), store.NewTask{
			Title:       fmt.Sprintf("task %d", i),
			Description: "generated",
			Priority:    types.PriorityMedium,
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return s, broker.NewMemory(nil), tasks
}

func newProducer(s store.DispatchStore, m broker.Publisher) *Producer {
	return New(s, m, Config{Interval: 10 * time.Millisecond, Queue: testQueue})
}

func statusOf(t *testing.T, s *memstore.Store, id types.TaskID) types.Status {
	t.Helper()
	st, err := s.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestTickPublishesAndMarks(t *testing.T) {
	s, m, tasks := setup(t, 1)
	p := newProducer(s, m)

	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Fetched: 1, Published: 1, Dispatched: 1}, report)
	assert.Equal(t, types.StatusPending, statusOf(t, s, tasks[0].ID))

	bodies := m.Bodies(testQueue)
	require.Len(t, bodies, 1)
	var msg types.Message
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, types.MessageFor(*tasks[0]), msg)
	assert.True(t, p.Healthy())
}

func TestTickWireFormat(t *testing.T) {
	s, m, _ := setup(t, 1)
	_, err := newProducer(s, m).Tick(context.Background())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(m.Bodies(testQueue)[0], &raw))
	assert.Equal(t, map[string]any{
		"id":          float64(1),
		"title":       "task 0",
		"description": "generated",
		"priority":    "medium",
		"status":      "new",
	}, raw)
}

func TestTickNTasks(t *testing.T) {
	const n = 25
	s, m, tasks := setup(t, n)

	report, err := newProducer(s, m).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, report.Published)
	assert.Equal(t, int64(n), report.Dispatched)
	assert.Equal(t, n, m.Len(testQueue))
	for _, task := range tasks {
		assert.Equal(t, types.StatusPending, statusOf(t, s, task.ID))
	}

	// A second tick finds nothing.
	report, err = newProducer(s, m).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{}, report)
	assert.Equal(t, n, m.Len(testQueue))
}

func TestTickRespectsBatchSize(t *testing.T) {
	s, m, tasks := setup(t, 5)
	p := New(s, m, Config{BatchSize: 2, Queue: testQueue})

	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Published)
	assert.Equal(t, types.StatusPending, statusOf(t, s, tasks[1].ID))
	assert.Equal(t, types.StatusNew, statusOf(t, s, tasks[2].ID))
}

func TestCancelledBeforeTickIsNeverPublished(t *testing.T) {
	s, m, tasks := setup(t, 2)
	_, err := s.Cancel(context.Background(), tasks[0].ID)
	require.NoError(t, err)

	report, err := newProducer(s, m).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 1, m.Len(testQueue))
	assert.Equal(t, types.StatusCancelled, statusOf(t, s, tasks[0].ID))
}

// cancelAfterFetch cancels a task right after the batch is read, as a
// client racing the producer would.
type cancelAfterFetch struct {
	*memstore.Store
	victim types.TaskID
}

func (c *cancelAfterFetch) FetchEligibleForDispatch(ctx context.Context, limit int) ([]types.Task, error) {
	tasks, err := c.Store.FetchEligibleForDispatch(ctx, limit)
	if err == nil {
		c.Store.Cancel(ctx, c.victim)
	}
	return tasks, err
}

func TestCancelledAfterFetchIsSkipped(t *testing.T) {
	s, m, tasks := setup(t, 3)
	p := newProducer(&cancelAfterFetch{Store: s, victim: tasks[1].ID}, m)

	report, err := p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Fetched: 3, Published: 2, Skipped: 1, Dispatched: 2}, report)
	assert.Equal(t, types.StatusCancelled, statusOf(t, s, tasks[1].ID))
}

func TestStoreOutageDuringMarkDispatched(t *testing.T) {
	s, m, tasks := setup(t, 3)
	p := newProducer(s, m)
	s.FailNext(memstore.OpMarkDispatched, 1, errors.New("connection reset by peer"))

	report, err := p.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 3, report.Published)
	assert.Zero(t, report.Dispatched)
	assert.False(t, p.Healthy())
	for _, task := range tasks {
		assert.Equal(t, types.StatusNew, statusOf(t, s, task.ID))
	}

	report, err = p.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Dispatched)
	assert.True(t, p.Healthy())
	for _, task := range tasks {
		assert.Equal(t, types.StatusPending, statusOf(t, s, task.ID))
	}
	assert.Equal(t, 6, m.Len(testQueue), "the first tick's messages are duplicates")
}

func TestPublishFailureKeepsTaskNew(t *testing.T) {
	s, m, tasks := setup(t, 3)
	m.FailPublishes(1)

	report, err := newProducer(s, m).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Fetched: 3, Published: 2, Failed: 1, Dispatched: 2}, report)
	assert.Equal(t, types.StatusNew, statusOf(t, s, tasks[0].ID))
	assert.Equal(t, types.StatusPending, statusOf(t, s, tasks[1].ID))
}

func TestFetchFailureAbandonsTick(t *testing.T) {
	s, m, _ := setup(t, 2)
	s.FailNext(memstore.OpFetch, 1, errors.New("too many connections"))

	report, err := newProducer(s, m).Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, TickReport{}, report)
	assert.Equal(t, 0, m.Len(testQueue))
}

func TestStatusFailureStillMarksPublished(t *testing.T) {
	s, m, tasks := setup(t, 3)
	// Publish task 0, then fail the recheck of task 1.
	p := newProducer(s, &failingStatusAfter{Memory: m, store: s})

	report, err := p.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, int64(1), report.Dispatched)
	assert.Equal(t, types.StatusPending, statusOf(t, s, tasks[0].ID))
	assert.Equal(t, types.StatusNew, statusOf(t, s, tasks[1].ID))
}

// failingStatusAfter arms a Status fault after the first successful publish.
type failingStatusAfter struct {
	*broker.Memory
	store *memstore.Store
	armed bool
}

func (f *failingStatusAfter) Publish(ctx context.Context, body []byte, key string) bool {
	ok := f.Memory.Publish(ctx, body, key)
	if ok && !f.armed {
		f.armed = true
		f.store.FailNext(memstore.OpStatus, 1, errors.New("connection lost"))
	}
	return ok
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s, m, _ := setup(t, 1)
	p := newProducer(s, m)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Len(testQueue) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Tasks created while running are picked up by a later tick.
	_, err := s.Create(context.Background(), store.NewTask{Title: "late", Description: "d"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return m.Len(testQueue) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTickMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	s, m, _ := setup(t, 3)
	m.FailPublishes(1)
	p := New(s, m, Config{Queue: testQueue, Metrics: collector})

	_, err := p.Tick(context.Background())
	require.NoError(t, err)

	expected := `
# HELP taskdispatch_dispatched_total Total number of tasks moved from new to pending
# TYPE taskdispatch_dispatched_total counter
taskdispatch_dispatched_total 2
# HELP taskdispatch_publish_failures_total Total number of task messages that could not be published
# TYPE taskdispatch_publish_failures_total counter
taskdispatch_publish_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"taskdispatch_dispatched_total", "taskdispatch_publish_failures_total"))
}
