// Package store provides the SQLite-backed persistent task store.
// It is the single source of truth for task status: every transition
// happens inside a transaction so two concurrent actors can never both
// claim the same queued task.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sagehill/foreman/internal/task"
)

// Errors returned by store operations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotClaimable      = errors.New("task is not claimable")
	ErrUnknownDependency = errors.New("unknown dependency")
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	status            TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 0,
	depends_on        TEXT NOT NULL DEFAULT '[]',
	stage             TEXT NOT NULL DEFAULT '',
	workspace_ref     TEXT NOT NULL DEFAULT '',
	resume_ref        TEXT NOT NULL DEFAULT '',
	fail_reason       TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	started_at        TIMESTAMP,
	last_heartbeat_at TIMESTAMP,
	completed_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, priority DESC, created_at);
`

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the task database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return nil
}

// Create validates and persists a new task. Dependency cycles are rejected
// here, where the whole graph is visible.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	graph, err := s.dependencyGraph(ctx)
	if err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		// A dependency that never existed would hold the task forever
		// without ever surfacing as blocked.
		if _, ok := graph[dep]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	if err := task.CheckCycle(t, graph); err != nil {
		return err
	}

	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("encoding dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, status, priority, depends_on, stage,
			workspace_ref, resume_ref, fail_reason, retry_count, created_at,
			started_at, last_heartbeat_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, string(t.Status), int(t.Priority), string(deps),
		t.Stage, t.WorkspaceRef, t.ResumeRef, t.FailReason, t.RetryCount,
		t.CreatedAt, t.StartedAt, t.LastHeartbeatAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// dependencyGraph loads the full task-ID to dependency-IDs map.
func (s *Store) dependencyGraph(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, depends_on FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("loading dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[string][]string)
	for rows.Next() {
		var id, depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			return nil, fmt.Errorf("scanning dependency row: %w", err)
		}
		var deps []string
		if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
			// Malformed row: treat as having no dependencies rather than
			// failing every enqueue (data-integrity errors recover, not crash).
			deps = nil
		}
		graph[id] = deps
	}
	return graph, rows.Err()
}

const taskColumns = `id, title, status, priority, depends_on, stage,
	workspace_ref, resume_ref, fail_reason, retry_count, created_at,
	started_at, last_heartbeat_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var status, depsJSON string
	var priority int
	if err := row.Scan(&t.ID, &t.Title, &status, &priority, &depsJSON,
		&t.Stage, &t.WorkspaceRef, &t.ResumeRef, &t.FailReason, &t.RetryCount,
		&t.CreatedAt, &t.StartedAt, &t.LastHeartbeatAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if err := json.Unmarshal([]byte(depsJSON), &t.DependsOn); err != nil {
		t.DependsOn = nil
	}
	return &t, nil
}

// Get fetches a single task by ID.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}
	return t, nil
}

// ListByStatus returns all tasks with the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, string(status))
}

// ListAll returns every task, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListStaleRunning returns running tasks whose last sign of life
// (heartbeat, or start time if no heartbeat was ever recorded) is older
// than the cutoff. A running row with neither timestamp is malformed and
// counts as stale rather than hiding from recovery forever. This is the
// orphan-recovery staleness query.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	return s.list(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		  AND (COALESCE(last_heartbeat_at, started_at) IS NULL
		       OR COALESCE(last_heartbeat_at, started_at) < ?)
		ORDER BY created_at`,
		string(task.StatusRunning), cutoff)
}

// NextReady returns the next dispatchable queued task: every dependency
// completed, highest priority first, FIFO within a tier. Returns
// (nil, nil) when nothing is ready.
func (s *Store) NextReady(ctx context.Context) (*task.Task, error) {
	queued, err := s.ListByStatus(ctx, task.StatusQueued)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	statuses, err := s.statusIndex(ctx)
	if err != nil {
		return nil, err
	}

	var best *task.Task
	for _, t := range queued {
		if !depsCompleted(t, statuses) {
			continue
		}
		// queued list is created_at ascending, so strict > keeps FIFO
		// within a priority tier.
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	return best, nil
}

// ListBlocked returns queued tasks held because a dependency failed or was
// cancelled. These are surfaced, not silently dropped.
func (s *Store) ListBlocked(ctx context.Context) ([]*task.Task, error) {
	queued, err := s.ListByStatus(ctx, task.StatusQueued)
	if err != nil {
		return nil, err
	}
	statuses, err := s.statusIndex(ctx)
	if err != nil {
		return nil, err
	}

	var blocked []*task.Task
	for _, t := range queued {
		for _, dep := range t.DependsOn {
			if st, ok := statuses[dep]; ok && (st == task.StatusFailed || st == task.StatusCancelled) {
				blocked = append(blocked, t)
				break
			}
		}
	}
	return blocked, nil
}

func (s *Store) statusIndex(ctx context.Context) (map[string]task.Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("loading status index: %w", err)
	}
	defer rows.Close()

	idx := make(map[string]task.Status)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		idx[id] = task.Status(status)
	}
	return idx, rows.Err()
}

func depsCompleted(t *task.Task, statuses map[string]task.Status) bool {
	for _, dep := range t.DependsOn {
		if statuses[dep] != task.StatusCompleted {
			return false
		}
	}
	return true
}

// Claim atomically transitions a queued task to running and stamps
// StartedAt. The status guard in the UPDATE means that of two concurrent
// claims exactly one succeeds; the loser gets ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, id string) (*task.Task, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = COALESCE(started_at, ?), last_heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusRunning), now, now, id, string(task.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claiming task %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotClaimable
	}
	return s.Get(ctx, id)
}

// Heartbeat stamps a running task's last_heartbeat_at.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_heartbeat_at = ? WHERE id = ? AND status = ?`,
		time.Now(), id, string(task.StatusRunning))
	if err != nil {
		return fmt.Errorf("heartbeat for task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Fields carries the optional columns an UpdateStatus call may set.
type Fields struct {
	Stage        *string
	WorkspaceRef *string
	ResumeRef    *string
	FailReason   *string
	RetryCount   *int
}

// UpdateStatus transitions a task to the given status and applies any
// supplied fields. Terminal statuses stamp completed_at.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, fields *Fields) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status %q", status)
	}

	query := `UPDATE tasks SET status = ?`
	args := []any{string(status)}

	if status.Terminal() {
		query += `, completed_at = ?`
		args = append(args, time.Now())
	}
	if fields != nil {
		if fields.Stage != nil {
			query += `, stage = ?`
			args = append(args, *fields.Stage)
		}
		if fields.WorkspaceRef != nil {
			query += `, workspace_ref = ?`
			args = append(args, *fields.WorkspaceRef)
		}
		if fields.ResumeRef != nil {
			query += `, resume_ref = ?`
			args = append(args, *fields.ResumeRef)
		}
		if fields.FailReason != nil {
			query += `, fail_reason = ?`
			args = append(args, *fields.FailReason)
		}
		if fields.RetryCount != nil {
			query += `, retry_count = ?`
			args = append(args, *fields.RetryCount)
		}
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Requeue moves a task back to queued, bumps its retry count, and clears
// the workspace handle. Used by orphan recovery and retryable failures.
func (s *Store) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, workspace_ref = '', resume_ref = '', completed_at = NULL
		WHERE id = ?`,
		string(task.StatusQueued), id)
	if err != nil {
		return fmt.Errorf("requeueing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Cancel transitions a queued or running task to cancelled. Returns the
// status the task held before cancellation so callers know whether a
// backend teardown is needed.
func (s *Store) Cancel(ctx context.Context, id string) (task.Status, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != task.StatusQueued && t.Status != task.StatusRunning && t.Status != task.StatusPaused {
		return "", fmt.Errorf("cannot cancel task in status %q", t.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusCancelled), time.Now(), id, string(t.Status))
	if err != nil {
		return "", fmt.Errorf("cancelling task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Status changed between read and write; report the conflict.
		return "", fmt.Errorf("task %s changed state during cancellation", id)
	}
	return t.Status, nil
}

// Delete removes a task record entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
