package platform

import (
	"fmt"
	"sync/atomic"
)

// Subsystem is the two-phase initialization contract every driver exposes.
//
// ColdInit performs platform-wide setup and runs exactly once, on the cold
// boot hart. WarmInit performs setup private to hart and runs on every hart,
// the cold hart included, after ColdInit has completed. Base addresses and
// topology are bound when the driver is constructed.
type Subsystem interface {
	Name() string
	ColdInit() error
	WarmInit(hart HartID) error
}

// State is a position in the subsystem lifecycle.
type State int32

const (
	Uninitialized State = iota
	coldRunning
	ColdReady
	WarmReady
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case coldRunning:
		return "cold-running"
	case ColdReady:
		return "cold-ready"
	case WarmReady:
		return "warm-ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Lifecycle wraps a Subsystem and enforces Uninitialized -> ColdReady ->
// WarmReady(h). The platform-wide state is published with an atomic store
// after ColdInit returns, so a hart that observes ColdReady also observes every
// register write ColdInit made.
type Lifecycle struct {
	sub Subsystem

	state   atomic.Int32
	coldErr error // written before state moves to Failed

	harts []atomic.Int32
}

// NewLifecycle tracks sub for a platform with hartCount harts.
func NewLifecycle(sub Subsystem, hartCount uint32) *Lifecycle {
	return &Lifecycle{
		sub:   sub,
		harts: make([]atomic.Int32, hartCount),
	}
}

// Subsystem returns the wrapped driver.
func (l *Lifecycle) Subsystem() Subsystem { return l.sub }

// Name implements Subsystem.
func (l *Lifecycle) Name() string { return l.sub.Name() }

// State returns the platform-wide state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// HartState returns the state of hart h. Harts only reach WarmReady or Failed
// once the platform-wide state is ColdReady.
func (l *Lifecycle) HartState(h HartID) State {
	if int(h) >= len(l.harts) {
		return Uninitialized
	}
	return State(l.harts[h].Load())
}

// ColdInit implements Subsystem. Only the first call reaches the driver; any
// later call returns ErrColdInitRepeated, or the original failure when the
// first call failed.
func (l *Lifecycle) ColdInit() error {
	if !l.state.CompareAndSwap(int32(Uninitialized), int32(coldRunning)) {
		if l.State() == Failed {
			return l.coldErr
		}
		return fmt.Errorf("%s: %w", l.sub.Name(), ErrColdInitRepeated)
	}
	if err := l.sub.ColdInit(); err != nil {
		l.coldErr = err
		l.state.Store(int32(Failed))
		return err
	}
	l.state.Store(int32(ColdReady))
	return nil
}

// WarmInit implements Subsystem.
func (l *Lifecycle) WarmInit(hart HartID) error {
	switch l.State() {
	case ColdReady:
	case Failed:
		return l.coldErr
	default:
		return fmt.Errorf("%s: %w", l.sub.Name(), ErrColdBootIncomplete)
	}
	if int(hart) >= len(l.harts) {
		return fmt.Errorf("%s: %w: hart %d", l.sub.Name(), ErrInvalidHart, hart)
	}
	if err := l.sub.WarmInit(hart); err != nil {
		l.harts[hart].Store(int32(Failed))
		return err
	}
	l.harts[hart].Store(int32(WarmReady))
	return nil
}

var _ Subsystem = (*Lifecycle)(nil)
