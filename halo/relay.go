package halo

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCounterInvariant means a push or pull would break pulled <= pushed <= pulled+1.
	ErrCounterInvariant = errors.New("relay counter invariant violated")
	// ErrWaitTimeout means the peer did not push or pull within the relay timeout.
	ErrWaitTimeout = errors.New("relay wait timed out")
)

// Relay is a host-resident staging buffer for one halo edge. The neighbour
// pushes into it and the owning device pulls from it. Each counter has a
// single writer: the neighbour advances pushed, the owner advances pulled.
//
// A push may only happen once the previous push has been pulled, so at every
// observation point pulled <= pushed <= pulled+1.
type Relay struct {
	buf     []byte
	timeout time.Duration

	mu      sync.Mutex
	pushed  uint64
	pulled  uint64
	changed chan struct{}
}

// NewRelay allocates a relay of size bytes. A zero timeout waits until the
// context is done.
func NewRelay(size int64, timeout time.Duration) *Relay {
	return &Relay{
		buf:     make([]byte, size),
		timeout: timeout,
		changed: make(chan struct{}),
	}
}

// Buffer is the staging memory. Write it only between WaitDrained and
// MarkPushed; read it only between WaitFilled and MarkPulled.
func (r *Relay) Buffer() []byte { return r.buf }

// Counters returns a consistent snapshot of the push and pull counts.
func (r *Relay) Counters() (pushed, pulled uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed, r.pulled
}

// MarkPushed records that the neighbour has staged new data.
func (r *Relay) MarkPushed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushed > r.pulled {
		return errors.Wrapf(ErrCounterInvariant, "push over unpulled data (pushed %d, pulled %d)", r.pushed, r.pulled)
	}
	r.pushed++
	r.broadcast()
	return nil
}

// MarkPulled records that the owner has consumed the staged data.
func (r *Relay) MarkPulled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pulled >= r.pushed {
		return errors.Wrapf(ErrCounterInvariant, "pull with nothing pushed (pushed %d, pulled %d)", r.pushed, r.pulled)
	}
	r.pulled++
	r.broadcast()
	return nil
}

// WaitFilled blocks until pushed > pulled.
func (r *Relay) WaitFilled(ctx context.Context) error {
	return r.wait(ctx, func() bool { return r.pushed > r.pulled })
}

// WaitDrained blocks until every push has been pulled.
func (r *Relay) WaitDrained(ctx context.Context) error {
	return r.wait(ctx, func() bool { return r.pushed <= r.pulled })
}

// broadcast wakes every waiter. Callers hold r.mu.
func (r *Relay) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Relay) wait(ctx context.Context, ready func() bool) error {
	var deadline <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		r.mu.Lock()
		if ready() {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		pushed, pulled := r.pushed, r.pulled
		r.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return errors.Wrapf(ErrWaitTimeout, "after %v (pushed %d, pulled %d)", r.timeout, pushed, pulled)
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "relay wait")
		}
	}
}
