package platform

import "fmt"

// Console is the byte I/O contract of the platform console.
type Console interface {
	Putc(c byte) error
	// Getc returns false when no input is pending.
	Getc() (byte, bool)
}

// IPI sends and clears inter-processor interrupts.
type IPI interface {
	Send(target HartID)
	Clear(target HartID)
}

// Timer exposes the platform timer.
type Timer interface {
	Value() uint64
	EventStart(hart HartID, next uint64)
	EventStop(hart HartID)
}

// ResetType selects what a system reset does.
type ResetType uint32

const (
	ResetShutdown ResetType = iota
	ResetColdReboot
	ResetWarmReboot
)

func (t ResetType) String() string {
	switch t {
	case ResetShutdown:
		return "shutdown"
	case ResetColdReboot:
		return "cold-reboot"
	case ResetWarmReboot:
		return "warm-reboot"
	default:
		return fmt.Sprintf("ResetType(%d)", uint32(t))
	}
}

// System performs platform reset. Hardware sequencing is left to the
// implementation.
type System interface {
	Reboot(t ResetType) error
	Shutdown(t ResetType) error
}

// Capabilities is the table of platform services published once the cold
// boot hart has brought the platform up.
type Capabilities struct {
	Console Console
	IPI     IPI
	Timer   Timer
	System  System
}

// NopSystem accepts every reset request and does nothing.
type NopSystem struct{}

func (NopSystem) Reboot(ResetType) error   { return nil }
func (NopSystem) Shutdown(ResetType) error { return nil }

var _ System = NopSystem{}
