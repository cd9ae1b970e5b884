package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/concierge/internal/store"
)

// Predicate evaluates one boolean condition for a tenant. Fires happen on
// the false-to-true edge, not on every true poll.
type Predicate func(ctx context.Context, tenantID uuid.UUID, params json.RawMessage) (bool, error)

// Registry maps predicate names to their implementations. Register before
// the evaluator starts; lookups after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

func NewRegistry() *Registry {
	r := &Registry{preds: make(map[string]Predicate)}
	r.Register("http_status", predicateHTTPStatus)
	r.Register("file_exists", predicateFileExists)
	return r
}

func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = p
}

func (r *Registry) lookup(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[name]
	return p, ok
}

// predicateHTTPStatus is true when a GET to params.url answers with
// params.expect_status (default 200).
func predicateHTTPStatus(ctx context.Context, _ uuid.UUID, params json.RawMessage) (bool, error) {
	var p struct {
		URL          string `json:"url"`
		ExpectStatus int    `json:"expect_status"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false, fmt.Errorf("http_status params: %w", err)
	}
	if p.URL == "" {
		return false, fmt.Errorf("http_status params: url is required")
	}
	if p.ExpectStatus == 0 {
		p.ExpectStatus = http.StatusOK
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == p.ExpectStatus, nil
}

// predicateFileExists is true when params.path exists on this host.
func predicateFileExists(_ context.Context, _ uuid.UUID, params json.RawMessage) (bool, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false, fmt.Errorf("file_exists params: %w", err)
	}
	if p.Path == "" {
		return false, fmt.Errorf("file_exists params: path is required")
	}
	_, err := os.Stat(p.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

type conditionConfig struct {
	Predicate       string          `json:"predicate"`
	Params          json.RawMessage `json:"params"`
	IntervalSeconds int             `json:"interval_seconds"`
}

// conditionPoller evaluates a named predicate on an interval and emits on
// the false-to-true edge.
type conditionPoller struct {
	trig     store.Trigger
	pred     Predicate
	params   json.RawMessage
	interval time.Duration

	emit    func(Event)
	checked func(uuid.UUID, time.Time)

	mu   sync.Mutex
	prev bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newConditionPoller(trig store.Trigger, reg *Registry, floor time.Duration) (*conditionPoller, error) {
	if reg == nil {
		return nil, fmt.Errorf("trigger: no predicate registry configured")
	}
	var cfg conditionConfig
	if err := json.Unmarshal(trig.Config, &cfg); err != nil {
		return nil, fmt.Errorf("condition config: %w", err)
	}
	pred, ok := reg.lookup(cfg.Predicate)
	if !ok {
		return nil, fmt.Errorf("condition config: unknown predicate %q", cfg.Predicate)
	}
	return &conditionPoller{
		trig:     trig,
		pred:     pred,
		params:   cfg.Params,
		interval: pollEvery(cfg.IntervalSeconds, trig.DebounceSeconds, floor),
		done:     make(chan struct{}),
	}, nil
}

func (p *conditionPoller) OnEvent(fn func(Event))                  { p.emit = fn }
func (p *conditionPoller) OnChecked(fn func(uuid.UUID, time.Time)) { p.checked = fn }

func (p *conditionPoller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
	return nil
}

func (p *conditionPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *conditionPoller) poll(ctx context.Context) {
	now := time.Now().UTC()
	cur, err := p.pred(ctx, p.trig.TenantID, p.params)
	if err != nil {
		slog.Debug("trigger: condition poll failed", "trigger_id", p.trig.ID, "error", err)
		p.reportChecked(now)
		return
	}

	p.mu.Lock()
	fired := cur && !p.prev
	p.prev = cur
	p.mu.Unlock()

	if fired && p.emit != nil {
		p.emit(Event{
			TriggerID: p.trig.ID,
			TenantID:  p.trig.TenantID,
			Source:    "condition",
			Payload:   fmt.Sprintf("Condition %q became true.", conditionName(p.trig.Config)),
			At:        now,
		})
	}
	p.reportChecked(now)
}

func (p *conditionPoller) reportChecked(now time.Time) {
	if p.checked != nil {
		p.checked(p.trig.ID, now.Add(p.interval))
	}
}

func conditionName(raw json.RawMessage) string {
	var cfg conditionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "condition"
	}
	return cfg.Predicate
}

// pollEvery folds the configured interval, the trigger's debounce, and the
// global floor into one cadence.
func pollEvery(intervalSeconds, debounceSeconds int, floor time.Duration) time.Duration {
	d := time.Duration(intervalSeconds) * time.Second
	if deb := time.Duration(debounceSeconds) * time.Second; deb > d {
		d = deb
	}
	if d < floor {
		d = floor
	}
	return d
}
