package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// TriggerStore is the Postgres store.TriggerStore.
type TriggerStore struct {
	db *sql.DB
}

func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

const triggerCols = `id, tenant_id, user_id, trigger_type, status, task_prompt, autonomy,
	config, cooldown_seconds, debounce_seconds, last_triggered_at, next_check_at, created_at`

func (s *TriggerStore) Create(ctx context.Context, t *store.Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	if t.Status == "" {
		t.Status = store.TriggerStatusActive
	}
	if len(t.Config) == 0 {
		t.Config = json.RawMessage(`{}`)
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, tenant_id, user_id, trigger_type, status, task_prompt, autonomy,
		   config, cooldown_seconds, debounce_seconds, last_triggered_at, next_check_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.TenantID, t.UserID, t.TriggerType, t.Status, t.TaskPrompt, t.Autonomy,
		[]byte(t.Config), t.CooldownSeconds, t.DebounceSeconds,
		nilTime(t.LastTriggeredAt), nilTime(t.NextCheckAt), t.CreatedAt)
	return err
}

func (s *TriggerStore) Get(ctx context.Context, id uuid.UUID) (*store.Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE id = $1`, id)
	t, err := scanTriggerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *TriggerStore) ListActive(ctx context.Context) ([]store.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE status = $1 ORDER BY created_at`,
		store.TriggerStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func (s *TriggerStore) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]store.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerCols+` FROM triggers WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func (s *TriggerStore) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(ctx,
		`UPDATE triggers SET last_triggered_at = $1 WHERE id = $2`, at.UTC(), id)
}

func (s *TriggerStore) AdvanceNextCheck(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.update(ctx,
		`UPDATE triggers SET next_check_at = $1 WHERE id = $2`, at.UTC(), id)
}

func (s *TriggerStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.update(ctx,
		`UPDATE triggers SET status = $1 WHERE id = $2`, status, id)
}

func (s *TriggerStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
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

func (s *TriggerStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	return err
}

func collectTriggers(rows *sql.Rows) ([]store.Trigger, error) {
	var out []store.Trigger
	for rows.Next() {
		t, err := scanTriggerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTriggerRow(r rowScanner) (*store.Trigger, error) {
	var t store.Trigger
	var config []byte
	var lastTriggered, nextCheck sql.NullTime
	if err := r.Scan(&t.ID, &t.TenantID, &t.UserID, &t.TriggerType, &t.Status,
		&t.TaskPrompt, &t.Autonomy, &config, &t.CooldownSeconds, &t.DebounceSeconds,
		&lastTriggered, &nextCheck, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Config = json.RawMessage(config)
	t.LastTriggeredAt = timePtr(lastTriggered)
	t.NextCheckAt = timePtr(nextCheck)
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
