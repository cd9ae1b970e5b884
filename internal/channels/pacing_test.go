package channels

import (
	"context"
	"testing"
	"time"
)

func TestPacerIndependentRecipients(t *testing.T) {
	p := NewPacer(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Wait(ctx, "telegram:1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := p.Wait(ctx, "telegram:2"); err != nil {
		t.Fatalf("second recipient wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("independent recipients blocked each other: %v", elapsed)
	}
}

func TestPacerThrottlesSameRecipient(t *testing.T) {
	p := NewPacer(1, 1)
	if err := p.Wait(context.Background(), "telegram:1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx, "telegram:1"); err == nil {
		t.Fatal("second send in the same second was not throttled")
	}
}
