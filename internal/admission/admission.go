// Package admission implements the connection-admission limiter (C7): a
// FIFO bounded-concurrency gate every inbound WebSocket stream passes
// through before the handshake engine (C6) touches it, so a burst of
// connections queues and drains in arrival order instead of being
// admitted in whatever order the runtime happens to schedule goroutines.
//
// Grounded on the prior pkg/runtime/budget (typed limit/violation
// errors — ErrDeadlineExceeded here plays the same role as
// ComputeBudgetError there) and pkg/api/middleware.go's
// GlobalRateLimiter (a background goroutine reclaiming stale state
// next to the gate itself). A buffered channel is the idiomatic Go
// counting semaphore; FIFO order is what a channel already gives for
// free, so no separate wait-list or cleanup goroutine is needed here.
package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/careagent/neuron/pkg/observability"
)

// ErrDeadlineExceeded is returned by Acquire when ctx is done before a
// slot becomes available.
var ErrDeadlineExceeded = errors.New("admission: deadline exceeded waiting for a slot")

// Limiter bounds the number of concurrently admitted sessions. Every
// connection that reaches the accept loop is admitted through it —
// spec's Open Question 3 is resolved in favor of counting every
// admitted session, not just ones that go on to authenticate, so a
// flood of connections that never send a valid handshake.auth still
// consumes admission capacity and backs off new arrivals.
type Limiter struct {
	slots     chan struct{}
	admitted  int64
	rejected  int64
	maxActive int
}

// New returns a Limiter admitting at most maxActive sessions
// concurrently. Callers block (subject to ctx) beyond that.
func New(maxActive int) *Limiter {
	return &Limiter{
		slots:     make(chan struct{}, maxActive),
		maxActive: maxActive,
	}
}

// Acquire blocks until a slot is available or ctx is done, whichever
// comes first. The returned release func must be called exactly once to
// return the slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()
	select {
	case l.slots <- struct{}{}:
		atomic.AddInt64(&l.admitted, 1)
		observability.AddSpanEvent(ctx, "admission.acquire", observability.AdmissionOperation("handshake", "admitted", float64(time.Since(start).Milliseconds()))...)
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		atomic.AddInt64(&l.rejected, 1)
		observability.AddSpanEvent(ctx, "admission.acquire", observability.AdmissionOperation("handshake", "rejected", float64(time.Since(start).Milliseconds()))...)
		return nil, ErrDeadlineExceeded
	}
}

// Active reports the number of currently admitted sessions.
func (l *Limiter) Active() int {
	return len(l.slots)
}

// MaxActive reports the configured concurrency ceiling.
func (l *Limiter) MaxActive() int {
	return l.maxActive
}

// Stats is a point-in-time snapshot for observability.
type Stats struct {
	Active   int   `json:"active"`
	Max      int   `json:"max"`
	Admitted int64 `json:"admitted_total"`
	Rejected int64 `json:"rejected_total"`
}

// Snapshot returns current counters.
func (l *Limiter) Snapshot() Stats {
	return Stats{
		Active:   l.Active(),
		Max:      l.maxActive,
		Admitted: atomic.LoadInt64(&l.admitted),
		Rejected: atomic.LoadInt64(&l.rejected),
	}
}
