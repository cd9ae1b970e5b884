package convo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

type fakeSessions struct {
	store.SessionStore

	acquireOwner string
	acquireTTL   time.Duration
	acquireIdle  time.Duration
	acquireErr   error
	sess         *store.ConvoSession
	isNew        bool

	ended    []uuid.UUID
	released []uuid.UUID
}

func (f *fakeSessions) Acquire(_ context.Context, tenantID uuid.UUID, senderID, owner string, leaseTTL, idleWindow time.Duration) (*store.ConvoSession, bool, error) {
	f.acquireOwner = owner
	f.acquireTTL = leaseTTL
	f.acquireIdle = idleWindow
	if f.acquireErr != nil {
		return nil, false, f.acquireErr
	}
	return f.sess, f.isNew, nil
}

func (f *fakeSessions) End(_ context.Context, id uuid.UUID) error {
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeSessions) ReleaseLease(_ context.Context, id uuid.UUID) error {
	f.released = append(f.released, id)
	return nil
}

func TestEnsurePassesLeaseIdentity(t *testing.T) {
	fake := &fakeSessions{
		sess:  &store.ConvoSession{ID: store.GenNewID()},
		isNew: true,
	}
	m := NewManager(fake, 5*time.Minute, 24*time.Hour)

	sess, isNew, err := m.Ensure(context.Background(), store.GenNewID(), "user-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !isNew {
		t.Error("expected isNew")
	}
	if sess.ID != fake.sess.ID {
		t.Errorf("session = %v, want %v", sess.ID, fake.sess.ID)
	}
	if fake.acquireOwner != m.Owner() {
		t.Errorf("owner = %q, want %q", fake.acquireOwner, m.Owner())
	}
	if fake.acquireTTL != 5*time.Minute {
		t.Errorf("leaseTTL = %v", fake.acquireTTL)
	}
	if fake.acquireIdle != 24*time.Hour {
		t.Errorf("idleWindow = %v", fake.acquireIdle)
	}
}

func TestEnsureMapsLeasedToUnavailable(t *testing.T) {
	fake := &fakeSessions{acquireErr: store.ErrSessionLeased}
	m := NewManager(fake, time.Minute, time.Hour)

	_, _, err := m.Ensure(context.Background(), store.GenNewID(), "user-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestEndAndReleaseDelegate(t *testing.T) {
	fake := &fakeSessions{}
	m := NewManager(fake, time.Minute, time.Hour)
	id := store.GenNewID()

	if err := m.End(context.Background(), id); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := m.Release(context.Background(), id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(fake.ended) != 1 || fake.ended[0] != id {
		t.Errorf("ended = %v", fake.ended)
	}
	if len(fake.released) != 1 || fake.released[0] != id {
		t.Errorf("released = %v", fake.released)
	}
}
