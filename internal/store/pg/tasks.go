package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// TaskStore is the Postgres store.TaskStore.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskCols = `id, tenant_id, user_id, task_prompt, task_type, is_one_time,
	cron_expr, run_at, timezone, next_run_at, enabled, error_count, last_error,
	lease_owner, lease_expires_at, previous_outputs, created_at, updated_at`

func (s *TaskStore) Create(ctx context.Context, t *store.ScheduledTask) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	outputs, err := jsonStrings(t.PreviousOutputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, tenant_id, user_id, task_prompt, task_type, is_one_time,
		   cron_expr, run_at, timezone, next_run_at, enabled, error_count, last_error,
		   previous_outputs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, NULL, $12, $13, $13)`,
		t.ID, t.TenantID, t.UserID, t.TaskPrompt, t.TaskType, t.IsOneTime,
		nilStr(t.CronExpr), nilTime(t.RunAt), t.Timezone, t.NextRunAt.UTC(), t.Enabled,
		outputs, now)
	return err
}

func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*store.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM scheduled_tasks WHERE id = $1`, id)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *TaskStore) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM scheduled_tasks WHERE tenant_id = $1 ORDER BY next_run_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimDue stamps leases on up to limit due tasks in one statement. SKIP
// LOCKED keeps concurrent instances from blocking on each other's claims;
// the lease guard keeps them from re-claiming live work.
func (s *TaskStore) ClaimDue(ctx context.Context, owner string, limit int, leaseTTL time.Duration) ([]store.ScheduledTask, error) {
	now := time.Now().UTC()
	var tasks []store.ScheduledTask
	err := withDeadlockRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`UPDATE scheduled_tasks
			 SET lease_owner = $1, lease_expires_at = $2, updated_at = $3
			 WHERE id IN (
			   SELECT id FROM scheduled_tasks
			   WHERE enabled AND next_run_at <= $3
			     AND (lease_owner IS NULL OR lease_expires_at < $3)
			   ORDER BY next_run_at
			   LIMIT $4
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+taskCols,
			owner, now.Add(leaseTTL), now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks, err = collectTasks(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; restore due order.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].NextRunAt.Before(tasks[j-1].NextRunAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
	return tasks, nil
}

func (s *TaskStore) DeleteCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	return err
}

// CompleteRecurring reads, appends, and writes previous_outputs under a row
// lock so concurrent completions cannot drop history.
func (s *TaskStore) CompleteRecurring(ctx context.Context, id uuid.UUID, nextRun time.Time, output string, historyLimit int) error {
	return withDeadlockRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var raw []byte
		err = tx.QueryRowContext(ctx,
			`SELECT previous_outputs FROM scheduled_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		outputs, err := scanJSONStrings(raw)
		if err != nil {
			return err
		}
		outputs = append(outputs, output)
		if historyLimit > 0 && len(outputs) > historyLimit {
			outputs = outputs[len(outputs)-historyLimit:]
		}
		encoded, err := jsonStrings(outputs)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET next_run_at = $1, previous_outputs = $2, error_count = 0, last_error = NULL,
			     lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
			 WHERE id = $4`,
			nextRun.UTC(), encoded, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *TaskStore) Fail(ctx context.Context, id uuid.UUID, taskErr string, disableThreshold int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET error_count = error_count + 1, last_error = $1,
		     enabled = CASE WHEN error_count + 1 >= $2 THEN FALSE ELSE enabled END,
		     lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		 WHERE id = $4`,
		taskErr, disableThreshold, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetEnabled re-arms a task. Enabling clears the error budget so the task
// is not immediately re-disabled by stale failures.
func (s *TaskStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET enabled = $1,
		     error_count = CASE WHEN $1 THEN 0 ELSE error_count END,
		     last_error = CASE WHEN $1 THEN NULL ELSE last_error END,
		     updated_at = $2
		 WHERE id = $3`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	return err
}

func collectTasks(rows *sql.Rows) ([]store.ScheduledTask, error) {
	var out []store.ScheduledTask
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTaskRow(r rowScanner) (*store.ScheduledTask, error) {
	var t store.ScheduledTask
	var cronExpr, lastError, leaseOwner sql.NullString
	var runAt, leaseExpires sql.NullTime
	var outputs []byte
	if err := r.Scan(&t.ID, &t.TenantID, &t.UserID, &t.TaskPrompt, &t.TaskType, &t.IsOneTime,
		&cronExpr, &runAt, &t.Timezone, &t.NextRunAt, &t.Enabled, &t.ErrorCount, &lastError,
		&leaseOwner, &leaseExpires, &outputs, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.CronExpr = strPtr(cronExpr)
	t.RunAt = timePtr(runAt)
	t.LastError = strPtr(lastError)
	t.LeaseOwner = strPtr(leaseOwner)
	t.LeaseExpiresAt = timePtr(leaseExpires)
	t.NextRunAt = t.NextRunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	var err error
	t.PreviousOutputs, err = scanJSONStrings(outputs)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
