package api

import (
	"context"
	"sync"
)

type DeferredState int

const (
	Pending DeferredState = iota
	Resolved
	Rejected
)

func (s DeferredState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Deferred is the outcome of one send cycle of a Request. OnData notifies it,
// OnClose resolves it and OnError rejects it. Once settled it never changes;
// the Request hands out a new Deferred for the next cycle.
type Deferred struct {
	mu       sync.Mutex
	state    DeferredState
	done     chan struct{}
	last     any
	notified bool
	err      error
	progress []func(data any)
}

func newDeferred() *Deferred {
	return &Deferred{
		state: Pending,
		done:  make(chan struct{}),
	}
}

func (d *Deferred) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Done is closed once the Deferred is resolved or rejected.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Result returns the most recent notification and, when rejected, the error.
func (d *Deferred) Result() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.last, d.err
}

// Wait blocks until the Deferred settles or ctx is done.
func (d *Deferred) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Progress registers fn for every notification. If the Deferred was already
// notified, fn is called at once with the most recent data.
func (d *Deferred) Progress(fn func(data any)) *Deferred {
	d.mu.Lock()
	d.progress = append(d.progress, fn)
	replay, last := d.notified, d.last
	d.mu.Unlock()

	if replay {
		fn(last)
	}
	return d
}

func (d *Deferred) notify(data any) bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return false
	}
	d.last = data
	d.notified = true
	handlers := append(([]func(any))(nil), d.progress...)
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
	return true
}

func (d *Deferred) resolve() bool {
	return d.settle(Resolved, nil)
}

func (d *Deferred) reject(err error) bool {
	if err == nil {
		err = ErrRequestAborted
	}
	return d.settle(Rejected, err)
}

func (d *Deferred) settle(state DeferredState, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Pending {
		return false
	}
	d.state = state
	d.err = err
	close(d.done)
	return true
}
