package boot

import (
	"fmt"
	"sync"

	"github.com/tinyrange/bringup/internal/platform"
)

// Step names a bring-up step.
type Step int

const (
	StepResolve Step = iota
	StepFixup
	StepRegion
	StepColdInit
	StepWarmInit
	StepPublish
)

func (s Step) String() string {
	switch s {
	case StepResolve:
		return "resolve"
	case StepFixup:
		return "fixup"
	case StepRegion:
		return "region"
	case StepColdInit:
		return "cold init"
	case StepWarmInit:
		return "warm init"
	case StepPublish:
		return "publish"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Event is one completed (or failed) bring-up step.
type Event struct {
	Hart      platform.HartID
	Boot      platform.BootEvent
	Step      Step
	Subsystem string
	// Index is the region index for StepRegion and the number of cells changed
	// for StepFixup.
	Index int
	Err   error
}

func (e Event) String() string {
	s := fmt.Sprintf("hart %d %s %s", e.Hart, e.Boot, e.Step)
	if e.Subsystem != "" {
		s += " " + e.Subsystem
	}
	if e.Step == StepRegion || e.Step == StepFixup {
		s += fmt.Sprintf(" %d", e.Index)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Observer receives every bring-up event. It is called from the hart
// goroutines and must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Trace records events in the order they were observed.
type Trace struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (t *Trace) Observe(e Event) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (t *Trace) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Count returns how many recorded events match step and subsystem. An empty
// subsystem matches every subsystem.
func (t *Trace) Count(step Step, subsystem string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Step == step && e.Err == nil && (subsystem == "" || e.Subsystem == subsystem) {
			n++
		}
	}
	return n
}

// Reset drops every recorded event.
func (t *Trace) Reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Observers combines observers into one. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}
