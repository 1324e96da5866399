// Package supervisor runs ticker-driven background tasks with explicit
// cancellation and an injectable clock, so the periodic work the shard
// manager and shard worker rely on (heartbeat checks, shardmaster polling,
// reconciliation) can be driven by tests instead of real wall-clock time.
package supervisor

import (
	"context"
	"time"
)

// Ticker is the subset of time.Ticker that Task needs. Tests can supply a
// fake that fires on demand instead of waiting on a real interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// realTicker adapts *time.Ticker to the Ticker interface.
type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTickerFunc constructs the Ticker a Task uses; tests override this to
// supply a fake clock.
type NewTickerFunc func(d time.Duration) Ticker

// DefaultNewTicker builds a Ticker backed by time.NewTicker.
func DefaultNewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Task runs fn once immediately and then again on every tick of a ticker at
// interval, until ctx is canceled. A single run of fn is never overlapped
// with the next: ticks that arrive while fn is running wait in the Ticker's
// channel (a time.Ticker holds at most one and drops the rest), so fn runs
// again as soon as it returns if a tick was held.
type Task struct {
	Name      string
	Interval  time.Duration
	Fn        func(ctx context.Context)
	NewTicker NewTickerFunc

	done chan struct{}
}

// NewTask builds a Task ready to Run. Constructing it this way (rather than
// a bare struct literal) guarantees Wait is safe to call concurrently with
// Run's startup.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		Fn:       fn,
		done:     make(chan struct{}),
	}
}

// Run starts the task and blocks until ctx is canceled. Call it in its own
// goroutine.
func (t *Task) Run(ctx context.Context) {
	newTicker := t.NewTicker
	if newTicker == nil {
		newTicker = DefaultNewTicker
	}
	if t.done == nil {
		t.done = make(chan struct{})
	}
	defer close(t.done)

	ticker := newTicker(t.Interval)
	defer ticker.Stop()

	t.Fn(ctx)

	for {
		select {
		case <-ticker.C():
			t.Fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until a started Run has returned.
func (t *Task) Wait() {
	<-t.done
}
