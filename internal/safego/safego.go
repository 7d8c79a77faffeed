// Package safego provides panic-recovering goroutine launchers for background work.
package safego

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged
// instead of crashing the process.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}

// Detached runs fire-and-forget tasks on a bounded number of goroutines. Task
// errors travel over the pool's own error channel to a single logging
// goroutine; they are never returned to whoever submitted the task.
//
// When every slot is busy, tasks wait in an optional bounded backlog and run
// as slots free up.
type Detached struct {
	name    string
	timeout time.Duration
	sem     chan struct{}
	backlog chan func(ctx context.Context) error
	errs    chan error
	wg      sync.WaitGroup
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDetached creates a pool that allows at most maxInFlight concurrent tasks,
// each bounded by timeout. onError receives every task error; nil logs via slog.
func NewDetached(name string, maxInFlight int, timeout time.Duration, onError func(error)) *Detached {
	return NewDetachedWithBacklog(name, maxInFlight, 0, timeout, onError)
}

// NewDetachedWithBacklog is NewDetached with room for backlog queued tasks
// once all maxInFlight slots are taken.
func NewDetachedWithBacklog(name string, maxInFlight, backlog int, timeout time.Duration, onError func(error)) *Detached {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if onError == nil {
		onError = func(err error) {
			slog.Error("detached task failed", "pool", name, "error", err)
		}
	}
	d := &Detached{
		name:    name,
		timeout: timeout,
		sem:     make(chan struct{}, maxInFlight),
		errs:    make(chan error, maxInFlight),
		done:    make(chan struct{}),
	}
	if backlog > 0 {
		d.backlog = make(chan func(ctx context.Context) error, backlog)
	}
	go func() {
		defer close(d.done)
		for err := range d.errs {
			onError(err)
		}
	}()
	return d
}

// Submit starts fn in the background without blocking. It reports false when
// the pool and its backlog are full or the pool is closed, in which case fn is
// not run.
func (d *Detached) Submit(fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.sem <- struct{}{}:
		d.start(fn)
		return true
	default:
	}

	select {
	case d.backlog <- fn:
	default:
		return false
	}
	// The slot holders may all have checked the backlog already.
	select {
	case d.sem <- struct{}{}:
		d.start(nil)
	default:
	}
	return true
}

// Backlog returns the number of queued tasks waiting for a slot.
func (d *Detached) Backlog() int {
	return len(d.backlog)
}

// start runs fn, then queued tasks, on a goroutine holding one slot. A nil fn
// only drains the backlog.
func (d *Detached) start(fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			if fn != nil {
				d.runTask(fn)
			}
			select {
			case fn = <-d.backlog:
				continue
			default:
			}
			<-d.sem
			// A task queued between the check above and the release would
			// otherwise wait for the next Submit.
			if len(d.backlog) == 0 {
				return
			}
			select {
			case d.sem <- struct{}{}:
				fn = nil
			default:
				return
			}
		}
	}()
}

func (d *Detached) runTask(fn func(ctx context.Context) error) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.run(ctx, fn); err != nil {
		d.errs <- err
	}
}

func (d *Detached) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s task: %v\n%s", d.name, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// InFlight returns the number of occupied slots.
func (d *Detached) InFlight() int {
	return len(d.sem)
}

// Close stops accepting tasks, waits for running and queued ones and drains
// the error channel. It is safe to call more than once.
func (d *Detached) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	close(d.errs)
	<-d.done
}
