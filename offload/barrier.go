package offload

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type generation struct {
	done   chan struct{}
	broken bool
}

// Barrier is a reusable rendezvous for a fixed number of parties. An offload
// sizes it to device count + 1 so the controlling goroutine and every device
// shepherd meet at the end of each round.
//
// A party whose context ends while waiting breaks the current round; every
// other waiter then returns ErrBarrierBroken. There is no retry: Reset before
// the next use.
type Barrier struct {
	parties int

	mu    sync.Mutex
	count int
	gen   *generation
}

// NewBarrier returns a barrier for parties goroutines. It panics if parties
// is less than one.
func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		panic("barrier needs at least one party")
	}
	return &Barrier{parties: parties, gen: &generation{done: make(chan struct{})}}
}

// Parties is the number of goroutines that must arrive to complete a round.
func (b *Barrier) Parties() int { return b.parties }

// Wait blocks until all parties have arrived or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	g := b.gen
	if g.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}
	b.count++
	if b.count == b.parties {
		b.count = 0
		close(g.done)
		b.gen = &generation{done: make(chan struct{})}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
		if g.broken {
			return ErrBarrierBroken
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		if g != b.gen {
			// The round completed while we were being cancelled.
			return nil
		}
		if !g.broken {
			g.broken = true
			close(g.done)
		}
		return errors.Wrap(ctx.Err(), "barrier wait")
	}
}

// Reset starts a fresh round, breaking any goroutines still waiting.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 && !b.gen.broken {
		return
	}
	if !b.gen.broken {
		b.gen.broken = true
		close(b.gen.done)
	}
	b.count = 0
	b.gen = &generation{done: make(chan struct{})}
}
