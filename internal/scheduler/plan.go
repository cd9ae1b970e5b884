package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tidewater-labs/concierge/internal/store"
)

var cronParser = gronx.New()

// PlanFirstRun fills in next_run_at and is_one_time for a new task. Exactly
// one of CronExpr and RunAt must be set.
func PlanFirstRun(t *store.ScheduledTask, now time.Time) error {
	hasCron := t.CronExpr != nil && *t.CronExpr != ""
	hasRunAt := t.RunAt != nil && !t.RunAt.IsZero()
	if hasCron == hasRunAt {
		return errors.New("scheduler: exactly one of cron_expr and run_at is required")
	}

	if hasRunAt {
		t.IsOneTime = true
		t.NextRunAt = t.RunAt.UTC()
		return nil
	}

	t.IsOneTime = false
	if !cronParser.IsValid(*t.CronExpr) {
		return fmt.Errorf("scheduler: invalid cron expression %q", *t.CronExpr)
	}
	next, err := nextInZone(*t.CronExpr, t.Timezone, now)
	if err != nil {
		return err
	}
	t.NextRunAt = next
	return nil
}

// NextFire computes a recurring task's first strictly-future fire. Missed
// fires collapse into the single catch-up execution that just ran.
func NextFire(t *store.ScheduledTask, now time.Time) (time.Time, error) {
	if t.CronExpr == nil || *t.CronExpr == "" {
		return time.Time{}, fmt.Errorf("scheduler: task %s has no cron expression", t.ID)
	}
	return nextInZone(*t.CronExpr, t.Timezone, now)
}

// nextInZone evaluates expr in the tenant's timezone and returns the next
// occurrence in UTC. An unknown zone degrades to UTC rather than failing
// the task.
func nextInZone(expr, timezone string, now time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			slog.Warn("scheduler: unknown timezone, using UTC", "timezone", timezone)
		} else {
			loc = l
		}
	}
	next, err := gronx.NextTickAfter(expr, now.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next fire for %q: %w", expr, err)
	}
	return next.UTC(), nil
}
