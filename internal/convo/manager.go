// Package convo manages conversation session lifecycle on top of the
// session store: get-or-create with lease stamping, idle expiry, explicit
// end, and lease release on shutdown.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/lease"
	"github.com/tidewater-labs/concierge/internal/store"
)

// ErrUnavailable means another live instance is handling this conversation.
// Callers should retry after the lease TTL rather than error the user.
var ErrUnavailable = errors.New("convo: session held by another instance")

// Manager wraps the session store with this instance's lease identity and
// the configured idle window.
type Manager struct {
	sessions   store.SessionStore
	owner      string
	leaseTTL   time.Duration
	idleWindow time.Duration
}

func NewManager(sessions store.SessionStore, leaseTTL, idleWindow time.Duration) *Manager {
	return &Manager{
		sessions:   sessions,
		owner:      lease.Owner(),
		leaseTTL:   leaseTTL,
		idleWindow: idleWindow,
	}
}

// Owner returns the lease identity this manager stamps on sessions.
func (m *Manager) Owner() string { return m.owner }

// Ensure returns the session a new message belongs to, creating one when
// the previous session is absent or idle past the window. isNew reports
// that a fresh session row was created, which is the signal to spawn a
// fresh agent process.
func (m *Manager) Ensure(ctx context.Context, tenantID uuid.UUID, senderID string) (sess *store.ConvoSession, isNew bool, err error) {
	sess, isNew, err = m.sessions.Acquire(ctx, tenantID, senderID, m.owner, m.leaseTTL, m.idleWindow)
	if errors.Is(err, store.ErrSessionLeased) {
		return nil, false, ErrUnavailable
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire session: %w", err)
	}
	if isNew {
		slog.Info("convo: session started", "session_id", sess.ID, "tenant_id", tenantID, "sender_id", senderID)
	}
	return sess, isNew, nil
}

// Peek returns the active session without touching leases or creating one.
func (m *Manager) Peek(ctx context.Context, tenantID uuid.UUID, senderID string) (*store.ConvoSession, error) {
	return m.sessions.GetActive(ctx, tenantID, senderID)
}

// Touch advances the session's activity clock. Called once per stored
// message in either direction.
func (m *Manager) Touch(ctx context.Context, sessionID uuid.UUID) error {
	return m.sessions.Touch(ctx, sessionID)
}

// End closes the session. Idempotent. Ending is distinct from releasing
// the lease: an ended session is over, a released one is merely unowned.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID) error {
	if err := m.sessions.End(ctx, sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	slog.Info("convo: session ended", "session_id", sessionID)
	return nil
}

// Release clears this instance's lease without ending the session, so
// another instance can pick the conversation up immediately. Shutdown path.
func (m *Manager) Release(ctx context.Context, sessionID uuid.UUID) error {
	return m.sessions.ReleaseLease(ctx, sessionID)
}
