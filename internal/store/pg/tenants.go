package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// TenantStore is the Postgres store.TenantStore.
type TenantStore struct {
	db *sql.DB
}

func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Create(ctx context.Context, t *store.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = store.TenantStatusActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, channel, recipient_id, status, onboarding_phase, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.Channel, t.RecipientID, t.Status, t.OnboardingPhase, now, now,
	)
	return err
}

const tenantCols = `id, name, channel, recipient_id, status, onboarding_phase, created_at, updated_at`

func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (s *TenantStore) GetByRecipient(ctx context.Context, channel, recipientID string) (*store.Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE channel = $1 AND recipient_id = $2`,
		channel, recipientID)
	return scanTenant(row)
}

func (s *TenantStore) List(ctx context.Context) ([]store.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantCols+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Tenant
	for rows.Next() {
		t, err := scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *TenantStore) SetOnboardingPhase(ctx context.Context, id uuid.UUID, phase string) error {
	return s.update(ctx, id,
		`UPDATE tenants SET onboarding_phase = $1, updated_at = $2 WHERE id = $3`, phase)
}

func (s *TenantStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.update(ctx, id,
		`UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3`, status)
}

func (s *TenantStore) update(ctx context.Context, id uuid.UUID, query, value string) error {
	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
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

func (s *TenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row *sql.Row) (*store.Tenant, error) {
	t, err := scanTenantRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func scanTenantRow(r rowScanner) (*store.Tenant, error) {
	var t store.Tenant
	if err := r.Scan(&t.ID, &t.Name, &t.Channel, &t.RecipientID,
		&t.Status, &t.OnboardingPhase, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
