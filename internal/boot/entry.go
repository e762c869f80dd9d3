package boot

import (
	"context"
	"fmt"

	"github.com/tinyrange/bringup/internal/platform"
)

// Entry is the firmware entry point every hart runs. It pairs the resolver
// with the gate so warm harts only start bring-up after the cold boot hart
// has released them.
type Entry struct {
	Resolver    *Resolver
	Gate        *Gate
	Coordinator *Coordinator
}

// NewEntry creates an entry for one power cycle.
func NewEntry(r *Resolver, c *Coordinator) *Entry {
	return &Entry{Resolver: r, Gate: NewGate(), Coordinator: c}
}

// Run brings hart up and returns once it is ready to hand off to the next
// stage. The cold boot hart's result is passed to every warm hart, so a cold
// failure stops the whole platform.
func (e *Entry) Run(ctx context.Context, hart platform.HartID) (platform.BootEvent, error) {
	event, err := e.Resolver.Resolve(hart)
	if err != nil {
		return event, &platform.Error{Op: "resolve", Hart: hart, Err: err}
	}

	if event == platform.ColdBoot {
		err := e.Coordinator.BringUp(hart)
		e.Gate.Release(err)
		return event, err
	}

	if err := e.Gate.Wait(ctx); err != nil {
		return event, fmt.Errorf("hart %d: %w", hart, err)
	}
	return event, e.Coordinator.BringUp(hart)
}

// Exit ends hart's entry, as a suspend or hart stop does. The next Run on
// that hart is a warm boot.
func (e *Entry) Exit(hart platform.HartID) {
	e.Resolver.Exit(hart)
}
