// ============================================================================
// In-Memory Task Store
// ============================================================================
//
// Package: internal/store/memstore
// File: memstore.go
// Purpose: Process-local implementation of store.Store
//
// Design:
//   tasks map[TaskID]*Task is the single source of truth; order []TaskID
//   keeps creation order so FetchEligibleForDispatch is FIFO without
//   sorting. Every guarded update checks the precondition and writes under
//   the same lock, which gives the same "exactly one writer wins" behaviour
//   as a conditional UPDATE in Postgres.
//
// Fault injection:
//   FailNext(op, n, err) makes the next n calls of op return a wrapped
//   store.ErrUnavailable. Used to simulate outages in tests and the demo.
//
// ============================================================================

package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/lifecycle"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

// Operation names accepted by FailNext.
const (
	OpFetch          = "FetchEligibleForDispatch"
	OpMarkDispatched = "MarkDispatched"
	OpLoad           = "LoadForExecution"
	OpMarkStarted    = "MarkStarted"
	OpMarkCompleted  = "MarkCompleted"
	OpMarkFailed     = "MarkFailed"
	OpStatus         = "Status"
)

type fault struct {
	remaining int
	err       error
}

// Store is a thread-safe in-memory task store.
type Store struct {
	mu     sync.RWMutex
	tasks  map[types.TaskID]*types.Task
	order  []types.TaskID
	nextID types.TaskID
	faults map[string]*fault
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:  make(map[types.TaskID]*types.Task),
		order:  make([]types.TaskID, 0),
		faults: make(map[string]*fault),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next n calls of op fail with a store outage.
func (s *Store) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{remaining: n, err: err}
}

// injected must be called with s.mu held.
func (s *Store) injected(op string) error {
	f, ok := s.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return store.Unavailable(op, f.err)
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

// ----------------------------------------------------------------------------
// Client operations
// ----------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, nt store.NewTask) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	prio := nt.Priority
	if prio == "" {
		prio = types.PriorityLow
	}
	t := &types.Task{
		ID:          s.nextID,
		Title:       nt.Title,
		Description: nt.Description,
		Priority:    prio,
		Status:      types.StatusNew,
		CreatedAt:   s.now().Truncate(time.Microsecond),
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return clone(t), nil
}

func (s *Store) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) List(ctx context.Context, f store.Filter, limit int, cursor types.TaskID) ([]types.Task, error) {
	if limit <= 0 {
		return []types.Task{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Task, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		t, ok := s.tasks[id]
		if !ok || id <= cursor || !matches(t, f) {
			continue
		}
		out = append(out, *clone(t))
	}
	return out, nil
}

func matches(t *types.Task, f store.Filter) bool {
	if f.Title != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(f.Title)) {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (s *Store) Delete(ctx context.Context, id types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status == types.StatusCompleted {
		return store.ErrConflict
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, id types.TaskID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !lifecycle.Cancellable(t.Status) {
		return false, nil
	}
	t.Status = types.StatusCancelled
	return true, nil
}

func (s *Store) Status(ctx context.Context, id types.TaskID) (types.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpStatus); err != nil {
		return "", err
	}
	t, ok := s.tasks[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return t.Status, nil
}

// ----------------------------------------------------------------------------
// Producer operations
// ----------------------------------------------------------------------------

func (s *Store) FetchEligibleForDispatch(ctx context.Context, limit int) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpFetch); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []types.Task{}, nil
	}
	out := make([]types.Task, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		if t := s.tasks[id]; t != nil && t.Status == types.StatusNew {
			out = append(out, *clone(t))
		}
	}
	return out, nil
}

func (s *Store) MarkDispatched(ctx context.Context, ids []types.TaskID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpMarkDispatched); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || !lifecycle.Allowed(lifecycle.ActorProducer, t.Status, types.StatusPending) {
			continue
		}
		t.Status = types.StatusPending
		n++
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Consumer operations
// ----------------------------------------------------------------------------

func (s *Store) LoadForExecution(ctx context.Context, id types.TaskID) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpLoad); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) MarkStarted(ctx context.Context, id types.TaskID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpMarkStarted); err != nil {
		return false, err
	}
	t, ok := s.tasks[id]
	if !ok || !lifecycle.Allowed(lifecycle.ActorConsumer, t.Status, types.StatusInProgress) {
		return false, nil
	}
	t.Status = types.StatusInProgress
	if t.StartedAt == nil {
		now := s.now()
		t.StartedAt = &now
	}
	return true, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id types.TaskID, result types.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpMarkCompleted); err != nil {
		return false, err
	}
	t, ok := s.tasks[id]
	if !ok || !lifecycle.Allowed(lifecycle.ActorConsumer, t.Status, types.StatusCompleted) {
		return false, nil
	}
	now := s.now()
	t.Status = types.StatusCompleted
	t.CompletedAt = &now
	t.Result = cloneResult(result)
	return true, nil
}

func (s *Store) MarkFailed(ctx context.Context, id types.TaskID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpMarkFailed); err != nil {
		return false, err
	}
	t, ok := s.tasks[id]
	if !ok || !lifecycle.Allowed(lifecycle.ActorConsumer, t.Status, types.StatusFailed) {
		return false, nil
	}
	t.Status = types.StatusFailed
	t.Errors = &reason
	return true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.Status]int64, len(types.Statuses))
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func clone(t *types.Task) *types.Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Errors != nil {
		v := *t.Errors
		c.Errors = &v
	}
	c.Result = cloneResult(t.Result)
	return &c
}

func cloneResult(r types.Result) types.Result {
	if r == nil {
		return nil
	}
	c := make(types.Result, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

var _ store.Store = (*Store)(nil)
