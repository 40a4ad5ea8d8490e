package pms

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds outbound PMS traffic for a single clinic: a semaphore caps
// in-flight requests and a sliding window keeps the call rate under the
// documented per-minute budget.
type Limiter struct {
	sem chan struct{}

	mu       sync.Mutex
	calls    []time.Time
	maxCalls int
	period   time.Duration

	now func() time.Time
}

// NewLimiter creates a limiter allowing maxConcurrent in-flight requests and
// maxCalls calls per period.
func NewLimiter(maxConcurrent, maxCalls int, period time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Limiter{
		sem:      make(chan struct{}, maxConcurrent),
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
	}
}

// Acquire blocks until a request may proceed or ctx is done. On success the
// returned release func must be called when the request finishes.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := l.waitForWindow(ctx); err != nil {
		<-l.sem
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-l.sem })
	}, nil
}

func (l *Limiter) waitForWindow(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.period - now.Sub(l.calls[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// prune drops window entries older than the period. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// InFlight reports the number of requests currently holding the semaphore.
func (l *Limiter) InFlight() int {
	return len(l.sem)
}
