package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// SessionStore is the Postgres store.SessionStore.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionCols = `id, tenant_id, sender_id, started_at, last_activity_at, ended_at, lease_owner, lease_expires_at`

// Acquire implements the get-or-create contract in one transaction with a
// row lock on the active session. See store.SessionStore.
func (s *SessionStore) Acquire(ctx context.Context, tenantID uuid.UUID, senderID, owner string, leaseTTL, idleWindow time.Duration) (*store.ConvoSession, bool, error) {
	var sess *store.ConvoSession
	var isNew bool
	err := withDeadlockRetry(ctx, func() error {
		var err error
		sess, isNew, err = s.acquireOnce(ctx, tenantID, senderID, owner, leaseTTL, idleWindow)
		return err
	})
	return sess, isNew, err
}

func (s *SessionStore) acquireOnce(ctx context.Context, tenantID uuid.UUID, senderID, owner string, leaseTTL, idleWindow time.Duration) (*store.ConvoSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM convo_sessions
		 WHERE tenant_id = $1 AND sender_id = $2 AND ended_at IS NULL
		 FOR UPDATE`, tenantID, senderID)
	cur, err := scanSessionRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = nil
	case err != nil:
		return nil, false, err
	}

	if cur != nil && now.Sub(cur.LastActivityAt) <= idleWindow {
		// Active session. Refuse while another live lease holds it.
		if cur.LeaseOwner != nil && *cur.LeaseOwner != owner &&
			cur.LeaseExpiresAt != nil && cur.LeaseExpiresAt.After(now) {
			return nil, false, store.ErrSessionLeased
		}
		expires := now.Add(leaseTTL)
		if _, err := tx.ExecContext(ctx,
			`UPDATE convo_sessions SET lease_owner = $1, lease_expires_at = $2 WHERE id = $3`,
			owner, expires, cur.ID); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		cur.LeaseOwner = &owner
		cur.LeaseExpiresAt = &expires
		return cur, false, nil
	}

	// Stale or missing: end the old row, then create a fresh session.
	if cur != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE convo_sessions SET ended_at = $1, lease_owner = NULL, lease_expires_at = NULL WHERE id = $2`,
			now, cur.ID); err != nil {
			return nil, false, err
		}
	}

	fresh := &store.ConvoSession{
		ID:             store.GenNewID(),
		TenantID:       tenantID,
		SenderID:       senderID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	expires := now.Add(leaseTTL)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO convo_sessions (id, tenant_id, sender_id, started_at, last_activity_at, lease_owner, lease_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fresh.ID, tenantID, senderID, now, now, owner, expires)
	if err != nil {
		// Lost an insert race against another instance; the winner holds
		// the lease, so surface the same retry-after signal.
		if isUniqueViolation(err) {
			return nil, false, store.ErrSessionLeased
		}
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	fresh.LeaseOwner = &owner
	fresh.LeaseExpiresAt = &expires
	return fresh, true, nil
}

func (s *SessionStore) GetActive(ctx context.Context, tenantID uuid.UUID, senderID string) (*store.ConvoSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM convo_sessions
		 WHERE tenant_id = $1 AND sender_id = $2 AND ended_at IS NULL`,
		tenantID, senderID)
	sess, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func (s *SessionStore) Touch(ctx context.Context, sessionID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE convo_sessions SET last_activity_at = $1 WHERE id = $2 AND ended_at IS NULL`,
		time.Now().UTC(), sessionID)
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

func (s *SessionStore) End(ctx context.Context, sessionID uuid.UUID) error {
	// Idempotent: an already-ended session keeps its original ended_at.
	_, err := s.db.ExecContext(ctx,
		`UPDATE convo_sessions SET ended_at = $1, lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $2 AND ended_at IS NULL`,
		time.Now().UTC(), sessionID)
	return err
}

func (s *SessionStore) ReleaseLease(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE convo_sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1`,
		sessionID)
	return err
}

func scanSessionRow(r rowScanner) (*store.ConvoSession, error) {
	var sess store.ConvoSession
	var endedAt, leaseExpires sql.NullTime
	var leaseOwner sql.NullString
	if err := r.Scan(&sess.ID, &sess.TenantID, &sess.SenderID,
		&sess.StartedAt, &sess.LastActivityAt,
		&endedAt, &leaseOwner, &leaseExpires); err != nil {
		return nil, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	sess.EndedAt = timePtr(endedAt)
	sess.LeaseOwner = strPtr(leaseOwner)
	sess.LeaseExpiresAt = timePtr(leaseExpires)
	return &sess, nil
}
