package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tidewater-labs/concierge/internal/store"
)

// BrowserStore is the Postgres store.BrowserStore. Rows here are
// coordination records only; the live browser handle stays in the owning
// process.
type BrowserStore struct {
	db *sql.DB
}

func NewBrowserStore(db *sql.DB) *BrowserStore {
	return &BrowserStore{db: db}
}

const browserCols = `id, tenant_id, persistent, created_at, last_used_at, lease_owner, lease_expires_at`

func (s *BrowserStore) Insert(ctx context.Context, b *store.BrowserSession) error {
	if b.ID == uuid.Nil {
		b.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.LastUsedAt.IsZero() {
		b.LastUsedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (id, tenant_id, persistent, created_at, last_used_at, lease_owner, lease_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.TenantID, b.Persistent, b.CreatedAt, b.LastUsedAt, b.LeaseOwner, b.LeaseExpiresAt.UTC())
	return err
}

func (s *BrowserStore) Touch(ctx context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET last_used_at = $1, lease_owner = $2, lease_expires_at = $3 WHERE id = $4`,
		now, owner, now.Add(leaseTTL), id)
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

func (s *BrowserStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE id = $1`, id)
	return err
}

func (s *BrowserStore) DeleteOwned(ctx context.Context, owner string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE lease_owner = $1`, owner)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredExcept reclaims rows abandoned by dead instances. keep lists
// the caller's live handles so its own about-to-renew rows survive.
func (s *BrowserStore) DeleteExpiredExcept(ctx context.Context, keep []uuid.UUID) (int64, error) {
	ids := make([]string, len(keep))
	for i, id := range keep {
		ids[i] = id.String()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE lease_expires_at < $1 AND id <> ALL($2::uuid[])`,
		time.Now().UTC(), pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *BrowserStore) ListOwned(ctx context.Context, owner string) ([]store.BrowserSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+browserCols+` FROM browser_sessions WHERE lease_owner = $1 ORDER BY created_at`,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.BrowserSession
	for rows.Next() {
		var b store.BrowserSession
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Persistent,
			&b.CreatedAt, &b.LastUsedAt, &b.LeaseOwner, &b.LeaseExpiresAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		b.LastUsedAt = b.LastUsedAt.UTC()
		b.LeaseExpiresAt = b.LeaseExpiresAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}
