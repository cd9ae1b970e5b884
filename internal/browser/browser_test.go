package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

type fakeHandle struct {
	mu       sync.Mutex
	probeErr error
	closed   bool
}

func (h *fakeHandle) Probe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probeErr
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeLauncher struct {
	mu      sync.Mutex
	spawned []*fakeHandle
	closed  bool
}

func (f *fakeLauncher) NewHandle(context.Context) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{}
	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *fakeLauncher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

type fakeBrowserRows struct {
	store.BrowserStore

	mu           sync.Mutex
	rows         map[uuid.UUID]store.BrowserSession
	touched      int
	keepSeen     [][]uuid.UUID
	ownedExtra   []store.BrowserSession
	deletedOwned int
}

func newFakeBrowserRows() *fakeBrowserRows {
	return &fakeBrowserRows{rows: make(map[uuid.UUID]store.BrowserSession)}
}

func (f *fakeBrowserRows) Insert(_ context.Context, b *store.BrowserSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[b.ID] = *b
	return nil
}

func (f *fakeBrowserRows) Touch(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	row.LastUsedAt = now
	row.LeaseOwner = owner
	row.LeaseExpiresAt = now.Add(ttl)
	f.rows[id] = row
	f.touched++
	return nil
}

func (f *fakeBrowserRows) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeBrowserRows) DeleteOwned(_ context.Context, owner string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, row := range f.rows {
		if row.LeaseOwner == owner {
			delete(f.rows, id)
			n++
		}
	}
	f.deletedOwned++
	return n, nil
}

func (f *fakeBrowserRows) DeleteExpiredExcept(_ context.Context, keep []uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepSeen = append(f.keepSeen, keep)
	return 0, nil
}

func (f *fakeBrowserRows) ListOwned(_ context.Context, owner string) ([]store.BrowserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BrowserSession
	for _, row := range f.rows {
		if row.LeaseOwner == owner {
			out = append(out, row)
		}
	}
	out = append(out, f.ownedExtra...)
	return out, nil
}

func (f *fakeBrowserRows) has(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func (f *fakeBrowserRows) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched
}

func newTestManager(cfg Config) (*Manager, *fakeBrowserRows, *fakeLauncher) {
	rows := newFakeBrowserRows()
	launch := &fakeLauncher{}
	return NewManager(rows, launch, cfg), rows, launch
}

func TestGetOrCreateSpawnsAndPersists(t *testing.T) {
	m, rows, launch := newTestManager(Config{})
	tenant := uuid.Must(uuid.NewV7())

	sess, err := m.GetOrCreate(context.Background(), tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.ID == uuid.Nil || sess.TenantID != tenant || sess.Persistent {
		t.Errorf("session = %+v", sess)
	}
	if launch.spawnCount() != 1 {
		t.Errorf("spawned %d handles, want 1", launch.spawnCount())
	}
	if !rows.has(sess.ID) {
		t.Error("persistence row missing")
	}
	if got := m.Len(tenant); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestGetOrCreateReusesHealthyHandle(t *testing.T) {
	m, rows, launch := newTestManager(Config{})
	tenant := uuid.Must(uuid.NewV7())

	first, err := m.GetOrCreate(context.Background(), tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := rows.touchCount()

	again, err := m.GetOrCreate(context.Background(), tenant, first.ID, false)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("got session %s, want %s", again.ID, first.ID)
	}
	if again.Handle != first.Handle {
		t.Error("handle was replaced despite being healthy")
	}
	if launch.spawnCount() != 1 {
		t.Errorf("spawned %d handles, want 1", launch.spawnCount())
	}
	if rows.touchCount() != before+1 {
		t.Errorf("touch count = %d, want %d", rows.touchCount(), before+1)
	}
}

func TestGetOrCreateReplacesUnhealthyHandle(t *testing.T) {
	m, rows, launch := newTestManager(Config{})
	tenant := uuid.Must(uuid.NewV7())

	first, err := m.GetOrCreate(context.Background(), tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	broken := first.Handle.(*fakeHandle)
	broken.mu.Lock()
	broken.probeErr = errors.New("target crashed")
	broken.mu.Unlock()

	replacement, err := m.GetOrCreate(context.Background(), tenant, first.ID, false)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replacement.ID == first.ID {
		t.Error("unhealthy session id was reused")
	}
	if !broken.isClosed() {
		t.Error("unhealthy handle not closed")
	}
	if rows.has(first.ID) {
		t.Error("unhealthy session row not deleted")
	}
	if launch.spawnCount() != 2 {
		t.Errorf("spawned %d handles, want 2", launch.spawnCount())
	}
	if got := m.Len(tenant); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestCapEvictsOldestNonPersistent(t *testing.T) {
	m, rows, launch := newTestManager(Config{MaxPerTenant: 2})
	tenant := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	oldest, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create oldest: %v", err)
	}
	m.mu.Lock()
	m.sessions[oldest.ID].lastUsed = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	if _, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false); err != nil {
		t.Fatalf("create second: %v", err)
	}
	third, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create third: %v", err)
	}

	if got := m.Len(tenant); got != 2 {
		t.Errorf("Len = %d, want 2 (cap)", got)
	}
	if !launch.spawned[0].isClosed() {
		t.Error("oldest session not evicted")
	}
	if rows.has(oldest.ID) {
		t.Error("evicted session row not deleted")
	}
	if !rows.has(third.ID) {
		t.Error("new session row missing")
	}
}

func TestCapAllPersistentFails(t *testing.T) {
	m, _, _ := newTestManager(Config{MaxPerTenant: 1})
	tenant := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, tenant, uuid.Nil, true); err != nil {
		t.Fatalf("create persistent: %v", err)
	}
	_, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("err = %v, want ErrSessionLimit", err)
	}
}

func TestCapIsPerTenant(t *testing.T) {
	m, _, _ := newTestManager(Config{MaxPerTenant: 1})
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, uuid.Must(uuid.NewV7()), uuid.Nil, true); err != nil {
		t.Fatalf("tenant a: %v", err)
	}
	if _, err := m.GetOrCreate(ctx, uuid.Must(uuid.NewV7()), uuid.Nil, true); err != nil {
		t.Fatalf("tenant b should have its own cap: %v", err)
	}
}

func TestSweepExpiresByLifetime(t *testing.T) {
	m, rows, _ := newTestManager(Config{IdleTTL: 30 * time.Minute, PersistTTL: 24 * time.Hour})
	tenant := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	idle, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create idle: %v", err)
	}
	oldPersist, err := m.GetOrCreate(ctx, tenant, uuid.Nil, true)
	if err != nil {
		t.Fatalf("create persistent: %v", err)
	}
	fresh, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	m.mu.Lock()
	m.sessions[idle.ID].lastUsed = time.Now().Add(-time.Hour)
	m.sessions[oldPersist.ID].createdAt = time.Now().Add(-25 * time.Hour)
	m.mu.Unlock()

	m.sweep(ctx)

	if !idle.Handle.(*fakeHandle).isClosed() {
		t.Error("idle session survived the sweep")
	}
	if !oldPersist.Handle.(*fakeHandle).isClosed() {
		t.Error("expired persistent session survived the sweep")
	}
	if fresh.Handle.(*fakeHandle).isClosed() {
		t.Error("fresh session was swept")
	}
	if rows.has(idle.ID) || rows.has(oldPersist.ID) {
		t.Error("swept session rows not deleted")
	}
	if got := m.Len(tenant); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
}

func TestSweepReclaimsLostHandleRows(t *testing.T) {
	m, rows, _ := newTestManager(Config{})
	tenant := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, tenant, uuid.Nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A row owned by this instance with no live handle behind it.
	lost := store.BrowserSession{
		ID:         uuid.Must(uuid.NewV7()),
		TenantID:   tenant,
		LeaseOwner: m.owner,
	}
	if err := rows.Insert(ctx, &lost); err != nil {
		t.Fatal(err)
	}

	m.sweep(ctx)

	if rows.has(lost.ID) {
		t.Error("lost-handle row not reclaimed")
	}
	if !rows.has(sess.ID) {
		t.Error("live session row was reclaimed")
	}

	rows.mu.Lock()
	defer rows.mu.Unlock()
	if len(rows.keepSeen) != 1 {
		t.Fatalf("DeleteExpiredExcept called %d times, want 1", len(rows.keepSeen))
	}
	keep := rows.keepSeen[0]
	if len(keep) != 1 || keep[0] != sess.ID {
		t.Errorf("keep list = %v, want [%s]", keep, sess.ID)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	m, rows, launch := newTestManager(Config{Sweep: 10 * time.Millisecond})
	m.Start()
	tenant := uuid.Must(uuid.NewV7())
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, tenant, uuid.Nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Shutdown(ctx)

	if !sess.Handle.(*fakeHandle).isClosed() {
		t.Error("handle not closed on shutdown")
	}
	if rows.has(sess.ID) {
		t.Error("owned row not deleted on shutdown")
	}
	if m.Len(uuid.Nil) != 0 {
		t.Error("session map not emptied")
	}
	launch.mu.Lock()
	defer launch.mu.Unlock()
	if !launch.closed {
		t.Error("launcher not closed")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked without Start")
	}
}

func TestTouchUnknownSession(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	if err := m.Touch(context.Background(), uuid.Must(uuid.NewV7())); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
