package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces outbound requests per worker, not per host: node
// concurrency is intentionally held to one in-flight request, so a single
// limiter keeps the node below detection thresholds. On top of the
// configured delay floor it adds random jitter and an adaptive penalty
// that raises the delay while upstream response times degrade.
type Throttle struct {
	limiter *rate.Limiter
	floor   time.Duration
	jitter  time.Duration

	mu       sync.Mutex
	ewma     time.Duration
	baseline time.Duration
	penalty  int
}

const (
	// ewmaAlpha weights the rolling response-time mean.
	ewmaAlpha = 0.3
	// maxPenalty caps the adaptive multiplier at 8x the floor.
	maxPenalty = 3
)

// NewThrottle builds a throttle with the given delay floor and jitter
// window.
func NewThrottle(floor, jitter time.Duration) *Throttle {
	if floor <= 0 {
		floor = time.Second
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(floor), 1),
		floor:   floor,
		jitter:  jitter,
	}
}

// Wait blocks until the next request may be sent: the rate floor, a random
// jitter slice, and any adaptive penalty.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	extra := t.jitterSlice()
	t.mu.Lock()
	for i := 0; i < t.penalty; i++ {
		extra += t.floor
	}
	t.mu.Unlock()
	return sleepCtx(ctx, extra)
}

// BackoffSleep pauses for a random interval longer than the normal delay,
// used between retries of retryable responses and after blocks.
func (t *Throttle) BackoffSleep(ctx context.Context, attempt int) error {
	base := t.floor * time.Duration(attempt+2)
	return sleepCtx(ctx, base+t.jitterSlice())
}

// Observe feeds a response duration into the adaptive penalty. When the
// rolling mean exceeds twice the best observed baseline the penalty rises;
// it decays once response times recover.
func (t *Throttle) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ewma == 0 {
		t.ewma = d
	} else {
		t.ewma = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(t.ewma))
	}
	if t.baseline == 0 || t.ewma < t.baseline {
		t.baseline = t.ewma
	}
	switch {
	case t.ewma > 2*t.baseline && t.penalty < maxPenalty:
		t.penalty++
	case t.ewma <= t.baseline*6/5 && t.penalty > 0:
		t.penalty--
	}
}

// Penalty exposes the current adaptive multiplier for monitoring.
func (t *Throttle) Penalty() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.penalty
}

func (t *Throttle) jitterSlice() time.Duration {
	if t.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(t.jitter))) //nolint:gosec // pacing jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("throttle sleep: %w", ctx.Err())
	}
}
