// Package ratepace layers an optional, politeness-oriented pacing limiter
// on top of the account-unlock scheduling in accountpool. Where the Lock
// Manager enforces *per-account* rate windows, a Pacer caps the *aggregate*
// request rate against one queue across every account, smoothing bursts
// that would otherwise happen when many accounts all become eligible at
// once (e.g. after a mass reset). This mirrors the per-watcher
// map[string]*rate.Limiter keying used elsewhere in the codebase for
// firing scheduled watchers.
package ratepace

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer holds one token-bucket limiter per queue.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
	burst    int
}

// NewPacer builds a Pacer that allows perMinute requests per queue per
// minute, with burst allowed to exceed that briefly.
func NewPacer(perMinute, burst int) *Pacer {
	return &Pacer{
		limiters: map[string]*rate.Limiter{},
		perMin:   perMinute,
		burst:    burst,
	}
}

func (p *Pacer) limiterFor(queue string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[queue]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(p.perMin)/60.0), p.burst)
		p.limiters[queue] = l
	}
	return l
}

// Wait blocks until queue's aggregate pacing budget allows one more
// request, or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context, queue string) error {
	if p == nil {
		return nil
	}
	return p.limiterFor(queue).Wait(ctx)
}
