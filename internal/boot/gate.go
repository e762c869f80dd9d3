package boot

import (
	"context"
	"fmt"
	"sync"
)

// Gate holds warm harts until the cold boot hart has finished platform-wide
// initialization. The cold hart releases it exactly once; everything the cold
// hart wrote before Release is visible to a hart that returns from Wait.
type Gate struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Release opens the gate with the cold boot result. Only the first call has
// an effect; it reports whether this call opened the gate.
func (g *Gate) Release(err error) bool {
	opened := false
	g.once.Do(func() {
		g.err = err
		close(g.done)
		opened = true
	})
	return opened
}

// Released reports whether the gate is open.
func (g *Gate) Released() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the gate opens.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Wait blocks until the gate opens or ctx is done. A failed cold boot is
// returned to every waiter.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		if g.err != nil {
			return fmt.Errorf("cold boot failed: %w", g.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
