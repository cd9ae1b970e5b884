package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failNTimes(n int, class error, then string) (func(ctx context.Context) (string, error), *int) {
	attempts := new(int)
	fn := func(ctx context.Context) (string, error) {
		*attempts++
		if *attempts <= n {
			return "", &ProviderError{Channel: "test", Message: "boom", Class: class}
		}
		return then, nil
	}
	return fn, attempts
}

func TestSendWithRetryRecoversFromTransient(t *testing.T) {
	policy := RetryPolicy{Retries: 2, Base: time.Millisecond}
	fn, attempts := failNTimes(2, ErrTransport, "id-1")

	id, err := SendWithRetry(context.Background(), "test", policy, fn)
	if err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if id != "id-1" {
		t.Errorf("id = %q", id)
	}
	if *attempts != 3 {
		t.Errorf("attempts = %d, want 3", *attempts)
	}
}

func TestSendWithRetryExhaustsBudget(t *testing.T) {
	policy := RetryPolicy{Retries: 2, Base: time.Millisecond}
	fn, attempts := failNTimes(10, ErrTransport, "")

	_, err := SendWithRetry(context.Background(), "test", policy, fn)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if *attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 try + 2 retries)", *attempts)
	}
}

func TestSendWithRetryNeverRetriesAuth(t *testing.T) {
	policy := RetryPolicy{Retries: 2, Base: time.Millisecond}
	fn, attempts := failNTimes(10, ErrAuth, "")

	_, err := SendWithRetry(context.Background(), "test", policy, fn)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if *attempts != 1 {
		t.Errorf("attempts = %d, want 1", *attempts)
	}
}

func TestSendWithRetryNeverRetriesRecipient(t *testing.T) {
	policy := RetryPolicy{Retries: 2, Base: time.Millisecond}
	fn, attempts := failNTimes(10, ErrRecipient, "")

	_, err := SendWithRetry(context.Background(), "test", policy, fn)
	if !errors.Is(err, ErrRecipient) {
		t.Fatalf("err = %v, want ErrRecipient", err)
	}
	if *attempts != 1 {
		t.Errorf("attempts = %d, want 1", *attempts)
	}
}

func TestSendWithRetryNegativeRetriesDisables(t *testing.T) {
	policy := RetryPolicy{Retries: -1, Base: time.Millisecond}
	fn, attempts := failNTimes(10, ErrTransport, "")

	_, err := SendWithRetry(context.Background(), "test", policy, fn)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if *attempts != 1 {
		t.Errorf("attempts = %d, want 1", *attempts)
	}
}

func TestSendWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Retries: 5, Base: time.Hour} // backoff would stall forever

	fn := func(context.Context) (string, error) {
		cancel()
		return "", &ProviderError{Channel: "test", Message: "boom", Class: ErrTransport}
	}
	done := make(chan error, 1)
	go func() {
		_, err := SendWithRetry(ctx, "test", policy, fn)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendWithRetry did not return after cancel")
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	p.defaults()
	if p.Retries != 2 || p.Base != 500*time.Millisecond || p.PerRequest != 10*time.Second {
		t.Errorf("defaults = %+v", p)
	}
}
