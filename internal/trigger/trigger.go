// Package trigger turns external events (webhooks, polled conditions, new
// mail) into agent executions equivalent to scheduled tasks, under cooldown
// and debounce rules.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/store"
)

// Event is one qualifying occurrence surfaced by an adapter.
type Event struct {
	TriggerID uuid.UUID
	TenantID  uuid.UUID
	Source    string
	Payload   string
	At        time.Time
}

// Adapter is one event source bound to one trigger row. Adapters own their
// polling cadence and internal dedup state.
type Adapter interface {
	Start(ctx context.Context) error
	Stop()
	OnEvent(fn func(Event))
}

// checkReporter is implemented by polling adapters that want next_check_at
// bookkeeping persisted after each evaluation.
type checkReporter interface {
	OnChecked(fn func(triggerID uuid.UUID, next time.Time))
}

// Dispatcher executes one accepted trigger fire through the agent runtime.
type Dispatcher interface {
	RunTriggered(ctx context.Context, trig *store.Trigger, payload string) (string, error)
}

// ErrNotWebhook means a webhook fire was addressed to a trigger of another
// type.
var ErrNotWebhook = errors.New("trigger: not a webhook trigger")

// Config for the evaluator.
type Config struct {
	PollFloor  time.Duration // minimum adapter interval, default 5 min
	DedupeKeep int           // mailbox dedup cache size, default 100
	Resync     time.Duration // trigger set reconciliation cadence, default 1 min
}

func (c *Config) defaults() {
	if c.PollFloor <= 0 {
		c.PollFloor = 5 * time.Minute
	}
	if c.DedupeKeep <= 0 {
		c.DedupeKeep = 100
	}
	if c.Resync <= 0 {
		c.Resync = time.Minute
	}
}

// Deps are the collaborator hooks adapters draw on. Predicates back
// condition triggers; Mail backs mailbox triggers.
type Deps struct {
	Predicates *Registry
	Mail       CredentialManager
}

// Evaluator owns the running adapter per active trigger and applies the
// firing rules before dispatch.
type Evaluator struct {
	triggers store.TriggerStore
	disp     Dispatcher
	cfg      Config
	deps     Deps

	mu       sync.Mutex
	running  map[uuid.UUID]Adapter
	webhooks map[uuid.UUID]uuid.UUID   // trigger id → tenant id, armed webhook receivers
	firing   map[uuid.UUID]*sync.Mutex // serializes emission per trigger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEvaluator(triggers store.TriggerStore, disp Dispatcher, deps Deps, cfg Config) *Evaluator {
	cfg.defaults()
	return &Evaluator{
		triggers: triggers,
		disp:     disp,
		cfg:      cfg,
		deps:     deps,
		running:  make(map[uuid.UUID]Adapter),
		webhooks: make(map[uuid.UUID]uuid.UUID),
		firing:   make(map[uuid.UUID]*sync.Mutex),
		done:     make(chan struct{}),
	}
}

// Start launches adapters for every active trigger and keeps the running
// set reconciled as triggers are created, paused, and deleted.
func (e *Evaluator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.resync(ctx); err != nil {
		cancel()
		return err
	}
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Resync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.resync(ctx); err != nil {
					slog.Warn("trigger: resync failed", "error", err)
				}
			}
		}
	}()
	slog.Info("trigger: evaluator started")
	return nil
}

// Stop halts every adapter and waits for in-flight dispatches.
func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.mu.Lock()
	adapters := make([]Adapter, 0, len(e.running))
	for _, a := range e.running {
		adapters = append(adapters, a)
	}
	e.running = make(map[uuid.UUID]Adapter)
	e.webhooks = make(map[uuid.UUID]uuid.UUID)
	e.firing = make(map[uuid.UUID]*sync.Mutex)
	e.mu.Unlock()

	for _, a := range adapters {
		a.Stop()
	}
	e.wg.Wait()
	slog.Info("trigger: evaluator stopped")
}

func (e *Evaluator) resync(ctx context.Context) error {
	active, err := e.triggers.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active triggers: %w", err)
	}

	want := make(map[uuid.UUID]store.Trigger, len(active))
	for _, trig := range active {
		want[trig.ID] = trig
	}

	e.mu.Lock()
	var stop []Adapter
	for id, a := range e.running {
		if _, still := want[id]; !still {
			stop = append(stop, a)
			delete(e.running, id)
			delete(e.webhooks, id)
			delete(e.firing, id)
		}
	}
	var missing []store.Trigger
	for id, trig := range want {
		if _, ok := e.running[id]; !ok {
			missing = append(missing, trig)
		}
	}
	e.mu.Unlock()

	for _, a := range stop {
		a.Stop()
	}
	for _, trig := range missing {
		if err := e.arm(ctx, trig); err != nil {
			slog.Warn("trigger: cannot arm", "trigger_id", trig.ID, "type", trig.TriggerType, "error", err)
		}
	}
	return nil
}

func (e *Evaluator) arm(ctx context.Context, trig store.Trigger) error {
	adapter, err := e.buildAdapter(trig)
	if err != nil {
		return err
	}
	adapter.OnEvent(e.handleEvent)
	if cr, ok := adapter.(checkReporter); ok {
		cr.OnChecked(e.noteChecked)
	}
	if err := adapter.Start(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.running[trig.ID] = adapter
	if trig.TriggerType == store.TriggerTypeWebhook {
		e.webhooks[trig.ID] = trig.TenantID
	}
	e.mu.Unlock()
	slog.Info("trigger: armed", "trigger_id", trig.ID, "type", trig.TriggerType, "tenant_id", trig.TenantID)
	return nil
}

func (e *Evaluator) buildAdapter(trig store.Trigger) (Adapter, error) {
	switch trig.TriggerType {
	case store.TriggerTypeWebhook:
		return newWebhookAdapter(trig), nil
	case store.TriggerTypeCondition:
		return newConditionPoller(trig, e.deps.Predicates, e.cfg.PollFloor)
	case store.TriggerTypeEvent:
		return newMailboxPoller(trig, e.deps.Mail, e.cfg.PollFloor, e.cfg.DedupeKeep)
	default:
		return nil, fmt.Errorf("trigger: unknown type %q", trig.TriggerType)
	}
}

// FireWebhook routes one authenticated webhook delivery to its armed
// trigger. Returns false when the trigger is not armed (paused, deleted,
// or not a webhook).
func (e *Evaluator) FireWebhook(triggerID uuid.UUID, payload []byte) (bool, error) {
	e.mu.Lock()
	tenantID, armed := e.webhooks[triggerID]
	e.mu.Unlock()
	if !armed {
		return false, ErrNotWebhook
	}

	summary := string(payload)
	if !json.Valid(payload) {
		return false, fmt.Errorf("trigger: webhook payload is not JSON")
	}
	e.handleEvent(Event{
		TriggerID: triggerID,
		TenantID:  tenantID,
		Source:    "webhook",
		Payload:   summary,
		At:        time.Now().UTC(),
	})
	return true, nil
}

func (e *Evaluator) fireLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.firing[id]
	if m == nil {
		m = &sync.Mutex{}
		e.firing[id] = m
	}
	return m
}

// handleEvent applies cooldown, stamps last_triggered_at, and dispatches.
// Emission is serialized per trigger so concurrent deliveries observe each
// other's cooldown stamp; different triggers never wait on each other.
func (e *Evaluator) handleEvent(ev Event) {
	lock := e.fireLock(ev.TriggerID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	trig, err := e.triggers.Get(ctx, ev.TriggerID)
	if err != nil {
		slog.Warn("trigger: event for unknown trigger", "trigger_id", ev.TriggerID, "error", err)
		return
	}
	if trig.Status != store.TriggerStatusActive {
		return
	}
	if trig.CooldownSeconds > 0 && trig.LastTriggeredAt != nil {
		until := trig.LastTriggeredAt.Add(time.Duration(trig.CooldownSeconds) * time.Second)
		if ev.At.Before(until) {
			slog.Debug("trigger: event dropped by cooldown", "trigger_id", trig.ID, "until", until)
			return
		}
	}
	if err := e.triggers.MarkTriggered(ctx, trig.ID, ev.At); err != nil {
		slog.Warn("trigger: stamping last_triggered_at failed", "trigger_id", trig.ID, "error", err)
		return
	}

	metrics.TriggerFiresTotal.WithLabelValues(trig.TriggerType).Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.disp.RunTriggered(context.Background(), trig, ev.Payload); err != nil {
			slog.Warn("trigger: dispatch failed", "trigger_id", trig.ID, "error", err)
		}
	}()
}

func (e *Evaluator) noteChecked(triggerID uuid.UUID, next time.Time) {
	if err := e.triggers.AdvanceNextCheck(context.Background(), triggerID, next); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		slog.Debug("trigger: advancing next_check_at failed", "trigger_id", triggerID, "error", err)
	}
}
