package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

type fakeTriggerStore struct {
	store.TriggerStore

	mu     sync.Mutex
	active []store.Trigger
	marked int
	checks []time.Time
}

func (f *fakeTriggerStore) ListActive(context.Context) ([]store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Trigger, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakeTriggerStore) Get(_ context.Context, id uuid.UUID) (*store.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.active {
		if f.active[i].ID == id {
			t := f.active[i]
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTriggerStore) MarkTriggered(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.active {
		if f.active[i].ID == id {
			stamped := at
			f.active[i].LastTriggeredAt = &stamped
			f.marked++
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeTriggerStore) AdvanceNextCheck(_ context.Context, _ uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, at)
	return nil
}

func (f *fakeTriggerStore) markedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked
}

func (f *fakeTriggerStore) drop(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.active[:0]
	for _, t := range f.active {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	f.active = kept
}

type dispatchFunc func(ctx context.Context, trig *store.Trigger, payload string) (string, error)

func (f dispatchFunc) RunTriggered(ctx context.Context, trig *store.Trigger, payload string) (string, error) {
	return f(ctx, trig, payload)
}

func webhookTrigger(cooldown int) store.Trigger {
	return store.Trigger{
		ID:              uuid.Must(uuid.NewV7()),
		TenantID:        uuid.Must(uuid.NewV7()),
		TriggerType:     store.TriggerTypeWebhook,
		Status:          store.TriggerStatusActive,
		TaskPrompt:      "summarize the delivery",
		Config:          json.RawMessage(`{}`),
		CooldownSeconds: cooldown,
	}
}

func startEvaluator(t *testing.T, triggers store.TriggerStore, disp Dispatcher, deps Deps, cfg Config) *Evaluator {
	t.Helper()
	ev := NewEvaluator(triggers, disp, deps, cfg)
	if err := ev.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(ev.Stop)
	return ev
}

func TestFireWebhookDispatches(t *testing.T) {
	trig := webhookTrigger(0)
	ts := &fakeTriggerStore{active: []store.Trigger{trig}}
	fired := make(chan string, 4)
	disp := dispatchFunc(func(_ context.Context, got *store.Trigger, payload string) (string, error) {
		if got.ID != trig.ID {
			t.Errorf("dispatched trigger %s, want %s", got.ID, trig.ID)
		}
		fired <- payload
		return "done", nil
	})

	ev := startEvaluator(t, ts, disp, Deps{}, Config{})

	ok, err := ev.FireWebhook(trig.ID, []byte(`{"order":42}`))
	if err != nil || !ok {
		t.Fatalf("FireWebhook = (%v, %v), want (true, nil)", ok, err)
	}
	select {
	case payload := <-fired:
		if payload != `{"order":42}` {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never happened")
	}
	if got := ts.markedCount(); got != 1 {
		t.Errorf("marked %d times, want 1", got)
	}
}

func TestFireWebhookCooldownDropsSecondEvent(t *testing.T) {
	trig := webhookTrigger(3600)
	ts := &fakeTriggerStore{active: []store.Trigger{trig}}
	var calls atomic.Int32
	disp := dispatchFunc(func(context.Context, *store.Trigger, string) (string, error) {
		calls.Add(1)
		return "", nil
	})

	ev := startEvaluator(t, ts, disp, Deps{}, Config{})

	for i := 0; i < 2; i++ {
		if _, err := ev.FireWebhook(trig.ID, []byte(`{}`)); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
	}
	ev.Stop()
	if got := calls.Load(); got != 1 {
		t.Errorf("dispatched %d times, want 1 (cooldown)", got)
	}
	if got := ts.markedCount(); got != 1 {
		t.Errorf("marked %d times, want 1", got)
	}
}

func TestFireWebhookUnknownTrigger(t *testing.T) {
	ts := &fakeTriggerStore{}
	ev := startEvaluator(t, ts, dispatchFunc(func(context.Context, *store.Trigger, string) (string, error) {
		return "", nil
	}), Deps{}, Config{})

	ok, err := ev.FireWebhook(uuid.Must(uuid.NewV7()), []byte(`{}`))
	if ok || !errors.Is(err, ErrNotWebhook) {
		t.Fatalf("FireWebhook = (%v, %v), want (false, ErrNotWebhook)", ok, err)
	}
}

func TestFireWebhookRejectsNonJSON(t *testing.T) {
	trig := webhookTrigger(0)
	ts := &fakeTriggerStore{active: []store.Trigger{trig}}
	ev := startEvaluator(t, ts, dispatchFunc(func(context.Context, *store.Trigger, string) (string, error) {
		return "", nil
	}), Deps{}, Config{})

	ok, err := ev.FireWebhook(trig.ID, []byte("not json"))
	if ok || err == nil {
		t.Fatalf("FireWebhook = (%v, %v), want rejection", ok, err)
	}
}

func TestResyncDisarmsRemovedTrigger(t *testing.T) {
	trig := webhookTrigger(0)
	ts := &fakeTriggerStore{active: []store.Trigger{trig}}
	ev := startEvaluator(t, ts, dispatchFunc(func(context.Context, *store.Trigger, string) (string, error) {
		return "", nil
	}), Deps{}, Config{Resync: 20 * time.Millisecond})

	if ok, _ := ev.FireWebhook(trig.ID, []byte(`{}`)); !ok {
		t.Fatal("trigger should be armed after start")
	}

	ts.drop(trig.ID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if ok, _ := ev.FireWebhook(trig.ID, []byte(`{}`)); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trigger still armed after removal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConditionPollerFiresOnEdge(t *testing.T) {
	reg := NewRegistry()
	var state atomic.Bool
	reg.Register("flag", func(context.Context, uuid.UUID, json.RawMessage) (bool, error) {
		return state.Load(), nil
	})

	trig := store.Trigger{
		ID:          uuid.Must(uuid.NewV7()),
		TenantID:    uuid.Must(uuid.NewV7()),
		TriggerType: store.TriggerTypeCondition,
		Status:      store.TriggerStatusActive,
		Config:      json.RawMessage(`{"predicate":"flag"}`),
	}
	poller, err := newConditionPoller(trig, reg, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("newConditionPoller: %v", err)
	}

	events := make(chan Event, 16)
	poller.OnEvent(func(ev Event) { events <- ev })
	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer poller.Stop()

	// False polls must not fire.
	time.Sleep(60 * time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event while false: %+v", ev)
	default:
	}

	state.Store(true)
	select {
	case ev := <-events:
		if ev.Source != "condition" {
			t.Errorf("source = %q", ev.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on false-to-true edge")
	}

	// Staying true must not fire again.
	time.Sleep(60 * time.Millisecond)
	select {
	case ev := <-events:
		t.Fatalf("event without a new edge: %+v", ev)
	default:
	}

	// A fresh edge fires again.
	state.Store(false)
	time.Sleep(60 * time.Millisecond)
	state.Store(true)
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no event on second edge")
	}
}

func TestConditionPollerUnknownPredicate(t *testing.T) {
	trig := store.Trigger{
		ID:     uuid.Must(uuid.NewV7()),
		Config: json.RawMessage(`{"predicate":"nope"}`),
	}
	if _, err := newConditionPoller(trig, NewRegistry(), time.Second); err == nil {
		t.Fatal("expected error for unknown predicate")
	}
}

type memCreds struct {
	mu    sync.Mutex
	creds MailCreds
	saves int
}

func (m *memCreds) Load(context.Context, uuid.UUID, string) (MailCreds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *memCreds) Save(_ context.Context, _ uuid.UUID, _ string, creds MailCreds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	m.saves++
	return nil
}

func TestMailboxPollerDedupesAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"m1","from":"boss@corp.example","subject":"Q3 numbers","snippet":"see attached"},
			{"id":"m2","from":"noreply@spam.example","subject":"win big","snippet":""}
		]`))
	}))
	defer srv.Close()

	trig := store.Trigger{
		ID:          uuid.Must(uuid.NewV7()),
		TenantID:    uuid.Must(uuid.NewV7()),
		TriggerType: store.TriggerTypeEvent,
		Status:      store.TriggerStatusActive,
		Config: json.RawMessage(`{"api_base":"` + srv.URL + `",` +
			`"credential_service":"corp-mail","from_contains":"corp.example"}`),
	}
	creds := &memCreds{creds: MailCreds{
		AccessToken: "tok-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	poller, err := newMailboxPoller(trig, creds, time.Minute, 100)
	if err != nil {
		t.Fatalf("newMailboxPoller: %v", err)
	}
	events := make(chan Event, 8)
	poller.OnEvent(func(ev Event) { events <- ev })

	poller.poll(context.Background())
	poller.poll(context.Background())

	var got []Event
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			continue
		default:
		}
		break
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (filtered + deduped)", len(got))
	}
	if got[0].Source != "mailbox" {
		t.Errorf("source = %q", got[0].Source)
	}
	if want := "boss@corp.example"; !strings.Contains(got[0].Payload, want) {
		t.Errorf("payload %q does not mention %q", got[0].Payload, want)
	}
}

func TestMailboxPollerRefreshesExpiredToken(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "refresh-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			refreshes.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-2","expires_in":3600}`))
		case "/messages":
			if r.Header.Get("Authorization") != "Bearer tok-2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	trig := store.Trigger{
		ID:          uuid.Must(uuid.NewV7()),
		TenantID:    uuid.Must(uuid.NewV7()),
		TriggerType: store.TriggerTypeEvent,
		Config:      json.RawMessage(`{"api_base":"` + srv.URL + `","credential_service":"corp-mail"}`),
	}
	creds := &memCreds{creds: MailCreds{
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		TokenURL:     srv.URL + "/oauth/token",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}

	poller, err := newMailboxPoller(trig, creds, time.Minute, 100)
	if err != nil {
		t.Fatalf("newMailboxPoller: %v", err)
	}
	poller.poll(context.Background())

	if got := refreshes.Load(); got != 1 {
		t.Errorf("token refreshed %d times, want 1", got)
	}
	creds.mu.Lock()
	defer creds.mu.Unlock()
	if creds.creds.AccessToken != "tok-2" {
		t.Errorf("persisted token = %q, want tok-2", creds.creds.AccessToken)
	}
	if creds.saves != 1 {
		t.Errorf("credential saved %d times, want 1", creds.saves)
	}
}

func TestPollEvery(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		debounce int
		floor    time.Duration
		want     time.Duration
	}{
		{"floor wins over short interval", 10, 0, 5 * time.Minute, 5 * time.Minute},
		{"interval above floor kept", 900, 0, 5 * time.Minute, 15 * time.Minute},
		{"debounce raises interval", 60, 1200, time.Minute, 20 * time.Minute},
		{"unset interval uses floor", 0, 0, 5 * time.Minute, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pollEvery(tt.interval, tt.debounce, tt.floor); got != tt.want {
				t.Errorf("pollEvery(%d, %d, %v) = %v, want %v",
					tt.interval, tt.debounce, tt.floor, got, tt.want)
			}
		})
	}
}

