// Package pgstore is the PostgreSQL implementation of store.Store.
//
// Status changes are single conditional UPDATE statements whose WHERE clause
// carries the lifecycle precondition; RowsAffected tells the caller whether
// its transition won.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/taskdispatch/internal/lifecycle"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
)

const taskColumns = `id, title, description, priority, status, created_at, started_at, completed_at, result, errors`

// Options tune the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a PostgreSQL-backed task store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a pool for databaseURL and verifies connectivity.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("ping", err)
	}
	return New(pool), nil
}

// EnsureSchema creates the tasks table and its indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			title        VARCHAR(50) NOT NULL,
			description  TEXT NOT NULL,
			priority     TEXT NOT NULL DEFAULT 'low'
			             CHECK (priority IN ('low', 'medium', 'high')),
			status       TEXT NOT NULL DEFAULT 'new'
			             CHECK (status IN ('new', 'pending', 'in_progress', 'completed', 'failed', 'cancelled')),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			result       JSONB,
			errors       TEXT
		)`)
	if err != nil {
		return classify("ensure schema", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(created_at, id) WHERE status = 'new'`)
	if err != nil {
		return classify("ensure schema", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	return classify("ensure schema", err)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() { s.pool.Close() }

// ----------------------------------------------------------------------------
// Producer operations
// ----------------------------------------------------------------------------

func (s *Store) FetchEligibleForDispatch(ctx context.Context, limit int) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE status = 'new'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("fetch eligible", err)
	}
	defer rows.Close()

	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, classify("fetch eligible", err)
	}
	return tasks, nil
}

func (s *Store) MarkDispatched(ctx context.Context, ids []types.TaskID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'pending'
		WHERE id = ANY($1) AND status = ANY($2)`,
		int64s(ids), sources(lifecycle.ActorProducer, types.StatusPending))
	if err != nil {
		return 0, classify("mark dispatched", err)
	}
	return tag.RowsAffected(), nil
}

// ----------------------------------------------------------------------------
// Consumer operations
// ----------------------------------------------------------------------------

func (s *Store) LoadForExecution(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return s.get(ctx, "load for execution", id)
}

func (s *Store) MarkStarted(ctx context.Context, id types.TaskID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = ANY($2)`,
		int64(id), sources(lifecycle.ActorConsumer, types.StatusInProgress))
	if err != nil {
		return false, classify("mark started", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id types.TaskID, result types.Result) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = GREATEST(NOW(), started_at), result = $2::jsonb
		WHERE id = $1 AND status = ANY($3)`,
		int64(id), string(payload), sources(lifecycle.ActorConsumer, types.StatusCompleted))
	if err != nil {
		return false, classify("mark completed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkFailed(ctx context.Context, id types.TaskID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', errors = $2
		WHERE id = $1 AND status = ANY($3)`,
		int64(id), reason, sources(lifecycle.ActorConsumer, types.StatusFailed))
	if err != nil {
		return false, classify("mark failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ----------------------------------------------------------------------------
// Client operations
// ----------------------------------------------------------------------------

func (s *Store) Create(ctx context.Context, nt store.NewTask) (*types.Task, error) {
	prio := nt.Priority
	if prio == "" {
		prio = types.PriorityLow
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (title, description, priority, status)
		VALUES ($1, $2, $3, 'new')
		RETURNING `+taskColumns,
		nt.Title, nt.Description, string(prio))
	t, err := scanTask(row)
	if err != nil {
		return nil, classify("create task", err)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return s.get(ctx, "get task", id)
}

func (s *Store) get(ctx context.Context, op string, id types.TaskID) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, int64(id))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Sprintf("%s %d", op, id), err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, f store.Filter, limit int, cursor types.TaskID) ([]types.Task, error) {
	query, args := buildListQuery(f, limit, cursor)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	defer rows.Close()

	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	return tasks, nil
}

// buildListQuery assembles the WHERE clause for List; keyset pagination on id.
func buildListQuery(f store.Filter, limit int, cursor types.TaskID) (string, []any) {
	conds := []string{"id > $1"}
	args := []any{int64(cursor)}

	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Title != "" {
		add("title ILIKE '%%' || $%d || '%%'", f.Title)
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CreatedAfter != nil {
		add("created_at > $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}

	args = append(args, limit)
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE %s ORDER BY id ASC LIMIT $%d",
		taskColumns, strings.Join(conds, " AND "), len(args))
	return query, args
}

func (s *Store) Delete(ctx context.Context, id types.TaskID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND status <> 'completed'`, int64(id))
	if err != nil {
		return classify("delete task", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Status(ctx, id); err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *Store) Cancel(ctx context.Context, id types.TaskID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'cancelled'
		WHERE id = $1 AND status = ANY($2)`,
		int64(id), sources(lifecycle.ActorClient, types.StatusCancelled))
	if err != nil {
		return false, classify("cancel task", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) Status(ctx context.Context, id types.TaskID) (types.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, int64(id)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", classify("task status", err)
	}
	return types.ParseStatus(status)
}

func (s *Store) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, classify("count by status", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int64, len(types.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("count by status", err)
		}
		counts[types.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count by status", err)
	}
	return counts, nil
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// classify turns driver errors into store errors. Server-side errors
// (constraint violations, bad SQL) and rows that do not decode are reported
// as-is; anything else means the database could not be reached and is
// retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, store.ErrCorrupt) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return store.Unavailable(op, err)
}

func sources(actor lifecycle.Actor, to types.Status) []string {
	from := lifecycle.Sources(actor, to)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func int64s(ids []types.TaskID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		t                types.Task
		id               int64
		priority, status string
		result           []byte
	)
	if err := row.Scan(&id, &t.Title, &t.Description, &priority, &status,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &result, &t.Errors); err != nil {
		var scanErr pgx.ScanArgError
		if errors.As(err, &scanErr) {
			return nil, fmt.Errorf("%w: column %d: %w", store.ErrCorrupt, scanErr.ColumnIndex, scanErr.Err)
		}
		return nil, err
	}
	t.ID = types.TaskID(id)
	t.Priority = types.Priority(priority)
	t.Status = types.Status(status)
	if err := decodeResult(result, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeResult(raw []byte, t *types.Task) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &t.Result); err != nil {
		return fmt.Errorf("%w: result of task %d: %w", store.ErrCorrupt, t.ID, err)
	}
	return nil
}

func scanTaskRows(rows pgx.Rows) ([]types.Task, error) {
	var tasks []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

var _ store.Store = (*Store)(nil)
