package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds a transport's send attempts.
type RetryPolicy struct {
	Retries    int           // additional attempts after the first, default 2
	Base       time.Duration // backoff base, doubled per retry, default 500 ms
	PerRequest time.Duration // per-attempt timeout, default 10 s
}

func (p *RetryPolicy) defaults() {
	if p.Retries < 0 {
		p.Retries = 0
	} else if p.Retries == 0 {
		p.Retries = 2
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.PerRequest <= 0 {
		p.PerRequest = 10 * time.Second
	}
}

// SendWithRetry runs fn under the policy's per-attempt timeout, retrying
// transient failures with doubling backoff. Auth and recipient failures are
// never retried.
func SendWithRetry(ctx context.Context, channel string, policy RetryPolicy, fn func(ctx context.Context) (string, error)) (string, error) {
	policy.defaults()

	var lastErr error
	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			backoff := policy.Base << (attempt - 1)
			slog.Debug("channels: retrying send", "channel", channel, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.PerRequest)
		id, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return id, nil
		}
		lastErr = err

		if errors.Is(err, ErrAuth) || errors.Is(err, ErrRecipient) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", lastErr
		}
	}
	return "", lastErr
}
