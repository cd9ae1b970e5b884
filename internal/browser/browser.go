// Package browser maintains per-tenant pools of isolated headless browser
// contexts. Live handles are process-local; a persisted row per handle lets
// other instances detect collisions and reclaim orphans.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/lease"
	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/store"
)

// ErrSessionLimit means the tenant is at its cap and every pooled session is
// persistent, so none can be evicted.
var ErrSessionLimit = errors.New("browser: tenant session limit reached")

// Handle is one live isolated browser context with its own cookie jar and
// storage.
type Handle interface {
	// Probe runs a trivial script to verify the context still answers.
	Probe() error
	Close() error
}

// Launcher spawns new handles. The rod-backed implementation is the
// production one; tests inject fakes.
type Launcher interface {
	NewHandle(ctx context.Context) (Handle, error)
	Close()
}

// Config for the pool.
type Config struct {
	MaxPerTenant int           // default 5
	IdleTTL      time.Duration // non-persistent expiry from last use, default 30 min
	PersistTTL   time.Duration // persistent expiry from creation, default 24 h
	LeaseTTL     time.Duration // persistence row lease, default 5 min
	Sweep        time.Duration // sweeper cadence, default 60 s
}

func (c *Config) defaults() {
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 5
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.PersistTTL <= 0 {
		c.PersistTTL = 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Sweep <= 0 {
		c.Sweep = 60 * time.Second
	}
}

// Session pairs a live handle with its coordination row.
type Session struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Persistent bool
	Handle     Handle
}

type pooled struct {
	id         uuid.UUID
	tenantID   uuid.UUID
	persistent bool
	createdAt  time.Time
	lastUsed   time.Time
	handle     Handle
}

// Manager owns every live handle in this process. The mutex serializes
// acquisition, eviction, and sweeping; handle scripting happens outside it.
type Manager struct {
	rows   store.BrowserStore
	launch Launcher
	cfg    Config
	owner  string

	mu       sync.Mutex
	sessions map[uuid.UUID]*pooled

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewManager(rows store.BrowserStore, launch Launcher, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		rows:     rows,
		launch:   launch,
		cfg:      cfg,
		owner:    lease.Owner(),
		sessions: make(map[uuid.UUID]*pooled),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Sweep)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep(context.Background())
			}
		}
	}()
}

// GetOrCreate returns a healthy handle for the tenant. With a session id it
// reuses the existing handle when healthy; otherwise it spawns a new one,
// evicting the oldest non-persistent session if the tenant is at cap.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID uuid.UUID, sessionID uuid.UUID, persistent bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != uuid.Nil {
		if sess, ok := m.sessions[sessionID]; ok && sess.tenantID == tenantID {
			if err := sess.handle.Probe(); err != nil {
				slog.Warn("browser: unhealthy handle replaced", "session_id", sess.id, "tenant_id", tenantID, "error", err)
				m.closeLocked(ctx, sess, "unhealthy")
			} else {
				sess.lastUsed = time.Now().UTC()
				if err := m.rows.Touch(ctx, sess.id, m.owner, m.cfg.LeaseTTL); err != nil {
					slog.Warn("browser: touch failed", "session_id", sess.id, "error", err)
				}
				return sessionOf(sess), nil
			}
		}
	}

	if err := m.makeRoomLocked(ctx, tenantID); err != nil {
		return nil, err
	}

	handle, err := m.launch.NewHandle(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn browser context: %w", err)
	}

	now := time.Now().UTC()
	row := &store.BrowserSession{
		ID:             store.GenNewID(),
		TenantID:       tenantID,
		Persistent:     persistent,
		CreatedAt:      now,
		LastUsedAt:     now,
		LeaseOwner:     m.owner,
		LeaseExpiresAt: now.Add(m.cfg.LeaseTTL),
	}
	if err := m.rows.Insert(ctx, row); err != nil {
		handle.Close()
		return nil, fmt.Errorf("insert browser session: %w", err)
	}

	sess := &pooled{
		id:         row.ID,
		tenantID:   tenantID,
		persistent: persistent,
		createdAt:  now,
		lastUsed:   now,
		handle:     handle,
	}
	m.sessions[row.ID] = sess
	metrics.BrowserSessionsActive.Inc()
	slog.Info("browser: session created", "session_id", row.ID, "tenant_id", tenantID, "persistent", persistent)
	return sessionOf(sess), nil
}

// Touch renews a session's lease and marks it used without acquiring it.
func (m *Manager) Touch(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.lastUsed = time.Now().UTC()
	return m.rows.Touch(ctx, sess.id, m.owner, m.cfg.LeaseTTL)
}

// Close discards one session regardless of its lifetimes.
func (m *Manager) Close(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	m.closeLocked(ctx, sess, "requested")
	return nil
}

// Len reports live handles, optionally scoped to one tenant.
func (m *Manager) Len(tenantID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tenantID == uuid.Nil {
		return len(m.sessions)
	}
	n := 0
	for _, sess := range m.sessions {
		if sess.tenantID == tenantID {
			n++
		}
	}
	return n
}

// makeRoomLocked enforces the per-tenant cap by evicting the oldest
// non-persistent session, or failing when only persistent ones remain.
func (m *Manager) makeRoomLocked(ctx context.Context, tenantID uuid.UUID) error {
	var mine []*pooled
	for _, sess := range m.sessions {
		if sess.tenantID == tenantID {
			mine = append(mine, sess)
		}
	}
	if len(mine) < m.cfg.MaxPerTenant {
		return nil
	}

	sort.Slice(mine, func(i, j int) bool { return mine[i].lastUsed.Before(mine[j].lastUsed) })
	for _, sess := range mine {
		if !sess.persistent {
			m.closeLocked(ctx, sess, "evicted")
			return nil
		}
	}
	return fmt.Errorf("%w: %d persistent sessions", ErrSessionLimit, len(mine))
}

// closeLocked tears one session down under the manager mutex.
func (m *Manager) closeLocked(ctx context.Context, sess *pooled, reason string) {
	if err := sess.handle.Close(); err != nil {
		slog.Debug("browser: handle close failed", "session_id", sess.id, "error", err)
	}
	if err := m.rows.Delete(ctx, sess.id); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("browser: row delete failed", "session_id", sess.id, "error", err)
	}
	delete(m.sessions, sess.id)
	metrics.BrowserSessionsActive.Dec()
	slog.Info("browser: session closed", "session_id", sess.id, "tenant_id", sess.tenantID, "reason", reason)
}

// sweep expires local handles past their lifetimes, heartbeats the rows of
// surviving ones, and reclaims rows that no longer map to any live handle.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var keep []uuid.UUID
	for _, sess := range m.sessions {
		switch {
		case !sess.persistent && now.Sub(sess.lastUsed) > m.cfg.IdleTTL:
			m.closeLocked(ctx, sess, "idle")
		case sess.persistent && now.Sub(sess.createdAt) > m.cfg.PersistTTL:
			m.closeLocked(ctx, sess, "expired")
		default:
			if err := m.rows.Touch(ctx, sess.id, m.owner, m.cfg.LeaseTTL); err != nil &&
				!errors.Is(err, store.ErrNotFound) {
				slog.Debug("browser: lease heartbeat failed", "session_id", sess.id, "error", err)
			}
			keep = append(keep, sess.id)
		}
	}
	local := make(map[uuid.UUID]bool, len(keep))
	for _, id := range keep {
		local[id] = true
	}
	m.mu.Unlock()

	if n, err := m.rows.DeleteExpiredExcept(ctx, keep); err != nil {
		slog.Warn("browser: orphan reclamation failed", "error", err)
	} else if n > 0 {
		slog.Info("browser: reclaimed orphaned sessions", "count", n)
	}

	owned, err := m.rows.ListOwned(ctx, m.owner)
	if err != nil {
		slog.Warn("browser: listing owned rows failed", "error", err)
		return
	}
	for _, row := range owned {
		if local[row.ID] {
			continue
		}
		if err := m.rows.Delete(ctx, row.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("browser: lost-handle cleanup failed", "session_id", row.ID, "error", err)
		} else {
			slog.Info("browser: reclaimed lost-handle row", "session_id", row.ID)
		}
	}
}

// Shutdown closes every local handle and deletes this instance's rows.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})

	m.mu.Lock()
	for _, sess := range m.sessions {
		if err := sess.handle.Close(); err != nil {
			slog.Debug("browser: handle close failed", "session_id", sess.id, "error", err)
		}
		metrics.BrowserSessionsActive.Dec()
	}
	n := len(m.sessions)
	m.sessions = make(map[uuid.UUID]*pooled)
	m.mu.Unlock()

	if _, err := m.rows.DeleteOwned(ctx, m.owner); err != nil {
		slog.Warn("browser: deleting owned rows failed", "error", err)
	}
	m.launch.Close()
	if n > 0 {
		slog.Info("browser: shutdown closed sessions", "count", n)
	}
}

func sessionOf(sess *pooled) *Session {
	return &Session{
		ID:         sess.id,
		TenantID:   sess.tenantID,
		Persistent: sess.persistent,
		Handle:     sess.handle,
	}
}
