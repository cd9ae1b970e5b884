// Package scheduler claims due tasks under a fleet-wide advisory lock and
// dispatches them through the agent runtime, at most once per due time.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidewater-labs/concierge/internal/lease"
	"github.com/tidewater-labs/concierge/internal/metrics"
	"github.com/tidewater-labs/concierge/internal/store"
)

// LeaderGate is the cross-instance tick gate. Exactly one instance holds it
// per cycle; the rest skip the tick entirely.
type LeaderGate interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Dispatcher executes one claimed task end to end (agent prompt, delivery,
// message persistence) and returns the outbound text for history.
type Dispatcher interface {
	RunScheduled(ctx context.Context, task *store.ScheduledTask) (string, error)
}

// Config for the scheduler. Zero values take the defaults.
type Config struct {
	Batch            int           // claims per tick, default 50
	LeaseTTL         time.Duration // default 5 min
	Grace            time.Duration // shutdown wait for in-flight work, default 30 s
	DisableThreshold int           // consecutive failures before disable, default 3
	OutputHistory    int           // previous_outputs kept per task, default 10
}

func (c *Config) defaults() {
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = 3
	}
	if c.OutputHistory <= 0 {
		c.OutputHistory = 10
	}
}

// Scheduler runs the per-minute claim cycle.
type Scheduler struct {
	tasks store.TaskStore
	gate  LeaderGate
	disp  Dispatcher
	cfg   Config
	owner string

	wg       sync.WaitGroup // in-flight executions
	execCtx  context.Context
	execStop context.CancelFunc

	tickStop context.CancelFunc
	loopDone chan struct{}
}

func New(tasks store.TaskStore, gate LeaderGate, disp Dispatcher, cfg Config) *Scheduler {
	cfg.defaults()
	execCtx, execStop := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:    tasks,
		gate:     gate,
		disp:     disp,
		cfg:      cfg,
		owner:    lease.Owner(),
		execCtx:  execCtx,
		execStop: execStop,
		loopDone: make(chan struct{}),
	}
}

// Start launches the tick loop: one immediate catch-up cycle, then one
// cycle per wall-clock minute.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.tickStop = cancel

	go func() {
		defer close(s.loopDone)
		if err := s.RunCycle(ctx); err != nil {
			slog.Error("scheduler: startup cycle failed", "error", err)
		}
		for {
			wait := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := s.RunCycle(ctx); err != nil {
				slog.Error("scheduler: cycle failed", "error", err)
			}
		}
	}()
	slog.Info("scheduler: started", "owner", s.owner, "batch", s.cfg.Batch)
}

// Stop ends the tick loop and waits up to the grace window for in-flight
// executions, then aborts them. Their leases expire and another instance
// reclaims the work.
func (s *Scheduler) Stop() {
	if s.tickStop != nil {
		s.tickStop()
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Grace):
		slog.Warn("scheduler: grace window expired, aborting in-flight tasks")
		s.execStop()
		<-done
	}
	s.execStop()
	slog.Info("scheduler: stopped")
}

// RunCycle attempts one claim cycle. Non-holders of the leader gate return
// immediately; the holder claims due tasks, releases the gate, and lets the
// executions run under their leases.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	held, err := s.gate.TryLock(ctx)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	defer s.gate.Unlock(ctx)

	start := time.Now()
	defer func() {
		metrics.SchedulerTickSeconds.Observe(time.Since(start).Seconds())
	}()

	claimed, err := s.tasks.ClaimDue(ctx, s.owner, s.cfg.Batch, s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}
	slog.Info("scheduler: claimed due tasks", "count", len(claimed))

	for i := range claimed {
		task := claimed[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(&task)
		}()
	}
	return nil
}

func (s *Scheduler) execute(task *store.ScheduledTask) {
	out, err := s.disp.RunScheduled(s.execCtx, task)
	if err != nil {
		slog.Warn("scheduler: task failed", "task_id", task.ID, "tenant_id", task.TenantID, "error", err)
		metrics.RecordTask("failed")
		if ferr := s.tasks.Fail(context.Background(), task.ID, err.Error(), s.cfg.DisableThreshold); ferr != nil {
			slog.Error("scheduler: recording failure failed", "task_id", task.ID, "error", ferr)
		}
		return
	}

	if task.IsOneTime {
		metrics.RecordTask("ok")
		if derr := s.tasks.DeleteCompleted(context.Background(), task.ID); derr != nil {
			slog.Error("scheduler: deleting one-time task failed", "task_id", task.ID, "error", derr)
		}
		return
	}

	next, nerr := NextFire(task, time.Now())
	if nerr != nil {
		slog.Warn("scheduler: cannot advance recurring task", "task_id", task.ID, "error", nerr)
		metrics.RecordTask("failed")
		if ferr := s.tasks.Fail(context.Background(), task.ID, nerr.Error(), s.cfg.DisableThreshold); ferr != nil {
			slog.Error("scheduler: recording failure failed", "task_id", task.ID, "error", ferr)
		}
		return
	}
	metrics.RecordTask("ok")
	if cerr := s.tasks.CompleteRecurring(context.Background(), task.ID, next, out, s.cfg.OutputHistory); cerr != nil {
		slog.Error("scheduler: completing recurring task failed", "task_id", task.ID, "error", cerr)
	}
}
