package platform

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the bring-up layer matches exactly one
// of these through errors.Is.
var (
	ErrConfiguration = errors.New("platform configuration error")
	ErrHardwareFault = errors.New("hardware fault")
	ErrRange         = errors.New("index out of range")
)

var (
	ErrInconsistentBoot   = fmt.Errorf("%w: more than one hart observed cold boot", ErrConfiguration)
	ErrColdBootIncomplete = fmt.Errorf("%w: warm init before cold init completed", ErrConfiguration)
	ErrColdInitRepeated   = fmt.Errorf("%w: cold init already ran", ErrConfiguration)
	ErrHartDisabled       = fmt.Errorf("%w: hart is disabled", ErrConfiguration)
	ErrInvalidHart        = fmt.Errorf("%w: hart id exceeds hart count", ErrConfiguration)
	ErrHandoffSealed      = fmt.Errorf("%w: hand-off blob already published", ErrConfiguration)
	ErrTimeout            = fmt.Errorf("%w: timed out waiting for device", ErrHardwareFault)
)

// Error records which bring-up step failed and on which hart.
type Error struct {
	Op        string
	Hart      HartID
	Subsystem string
	Err       error
}

func (e *Error) Error() string {
	if e.Subsystem != "" {
		return fmt.Sprintf("hart %d: %s %s: %v", e.Hart, e.Subsystem, e.Op, e.Err)
	}
	return fmt.Sprintf("hart %d: %s: %v", e.Hart, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the error kind sentinel err belongs to, or nil when err does
// not come from this layer.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration
	case errors.Is(err, ErrHardwareFault):
		return ErrHardwareFault
	case errors.Is(err, ErrRange):
		return ErrRange
	default:
		return nil
	}
}

// HardwareFault wraps a driver-detected device error.
func HardwareFault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHardwareFault, fmt.Sprintf(format, args...))
}
