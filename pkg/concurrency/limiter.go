// Package concurrency bounds how many export partitions run at once.
package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses new work.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks concurrency limiter performance metrics
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability
type Limiter struct {
	sem            chan struct{}
	active         int64
	metrics        Metrics
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter with a breaker that opens after 5 consecutive failures
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(5, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Capacity returns the maximum number of concurrent operations
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire waits for a free slot.
// Returns an error if context is cancelled or circuit breaker is open
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		// The breaker may have opened while this caller waited for a slot.
		if l.circuitBreaker.IsOpen() {
			<-l.sem
			return ErrCircuitOpen
		}
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
	}
}

// GoSync runs fn in the calling goroutine once a slot is free and feeds the
// outcome to the circuit breaker.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}

	l.circuitBreaker.RecordSuccess()
	return nil
}

// ForEach runs fn for every index in [0, n), at most Capacity at a time, and
// returns the error of each index (nil on success). It waits for all of them.
func (l *Limiter) ForEach(ctx context.Context, n int, fn func(i int) error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.GoSync(ctx, func() error { return fn(i) })
		}(i)
	}
	wg.Wait()
	return errs
}

// CurrentActive returns the current number of active goroutines
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}

// GetCircuitBreakerState returns the current state of the circuit breaker
func (l *Limiter) GetCircuitBreakerState() CircuitBreakerState {
	return l.circuitBreaker.GetState()
}
