package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker opens once failures over a rolling window cross a
// threshold, and probes a half-open state before fully closing again. Used
// to stop hammering a plugin endpoint that is failing every job.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker over a rolling window of the given
// size split into buckets, tripping once the failure rate over minSamples
// requests crosses failureRateOpen.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
	}
}

// Allow reports whether a call may proceed right now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 0
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult reports the outcome of a call previously allowed by Allow.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRateOpen {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("stolos")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("stolos_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("stolos")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("stolos_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

type slidingWindow struct {
	interval time.Duration
	buckets  int
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		interval: size / time.Duration(buckets),
		buckets:  buckets,
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	idx := w.currentIndex(w.nowFn())
	w.data[idx] = bucket{}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
