package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces outbound sends per recipient so bursts of agent output do
// not trip provider flood limits. Waits rather than drops.
type Pacer struct {
	perRecipient rate.Limit
	burst        int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewPacer allows sendsPerSecond per recipient with the given burst.
func NewPacer(sendsPerSecond float64, burst int) *Pacer {
	if sendsPerSecond <= 0 {
		sendsPerSecond = 1
	}
	if burst <= 0 {
		burst = 3
	}
	return &Pacer{
		perRecipient: rate.Limit(sendsPerSecond),
		burst:        burst,
		limiters:     make(map[string]*rate.Limiter),
		lastCleanup:  time.Now(),
	}
}

// Wait blocks until the recipient's next send slot or ctx is done.
func (p *Pacer) Wait(ctx context.Context, recipient string) error {
	return p.limiter(recipient).Wait(ctx)
}

func (p *Pacer) limiter(recipient string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCleanup) > 10*time.Minute {
		p.limiters = make(map[string]*rate.Limiter)
		p.lastCleanup = time.Now()
	}

	l, ok := p.limiters[recipient]
	if !ok {
		l = rate.NewLimiter(p.perRecipient, p.burst)
		p.limiters[recipient] = l
	}
	return l
}
