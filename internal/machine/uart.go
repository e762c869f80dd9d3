package machine

import (
	"fmt"
	"io"
	"sync"
)

// SiFive UART register offsets
const (
	UARTRegTxData = 0x00 // Transmit data; bit 31 reads back FIFO full
	UARTRegRxData = 0x04 // Receive data; bit 31 set when FIFO empty
	UARTRegTxCtrl = 0x08 // Transmit control
	UARTRegRxCtrl = 0x0c // Receive control
	UARTRegIE     = 0x10 // Interrupt enable
	UARTRegIP     = 0x14 // Interrupt pending
	UARTRegDiv    = 0x18 // Baud rate divisor
)

// Register bits
const (
	UARTTxFull   = 1 << 31
	UARTRxEmpty  = 1 << 31
	UARTRxData   = 0xff
	UARTTxCtrlEn = 1 << 0
	UARTRxCtrlEn = 1 << 0
)

// UARTSize is the size of the UART register window.
const UARTSize uint64 = 0x1000

// UARTFifoDepth is the depth of the transmit and receive FIFOs.
const UARTFifoDepth = 8

// UART implements a SiFive UART. Transmitted bytes go to Output while the
// transmitter is enabled; with it disabled the TX FIFO fills up and stays full.
type UART struct {
	mu sync.Mutex

	Output io.Writer

	txctrl uint32
	rxctrl uint32
	ie     uint32
	div    uint32

	txFifo []byte
	rxFifo []byte
}

// NewUART creates a new UART device
func NewUART(output io.Writer) *UART {
	return &UART{Output: output}
}

func (u *UART) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.txctrl, u.rxctrl, u.ie, u.div = 0, 0, 0, 0
	u.txFifo = nil
	u.rxFifo = nil
}

// Size implements Device
func (u *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, fmt.Errorf("uart: invalid access size %d", size)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case UARTRegTxData:
		if len(u.txFifo) >= UARTFifoDepth {
			return UARTTxFull, nil
		}
		return 0, nil

	case UARTRegRxData:
		if u.rxctrl&UARTRxCtrlEn == 0 || len(u.rxFifo) == 0 {
			return UARTRxEmpty, nil
		}
		c := u.rxFifo[0]
		u.rxFifo = u.rxFifo[1:]
		return uint64(c), nil

	case UARTRegTxCtrl:
		return uint64(u.txctrl), nil
	case UARTRegRxCtrl:
		return uint64(u.rxctrl), nil
	case UARTRegIE:
		return uint64(u.ie), nil
	case UARTRegIP:
		var ip uint32
		if len(u.txFifo) == 0 {
			ip |= 1
		}
		if len(u.rxFifo) > 0 {
			ip |= 2
		}
		return uint64(ip), nil
	case UARTRegDiv:
		return uint64(u.div), nil
	}

	return 0, nil
}

// Write implements Device
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 4 {
		return fmt.Errorf("uart: invalid access size %d", size)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case UARTRegTxData:
		if len(u.txFifo) >= UARTFifoDepth {
			// Dropped, as on hardware.
			return nil
		}
		u.txFifo = append(u.txFifo, byte(value))
		u.drain()

	case UARTRegTxCtrl:
		u.txctrl = uint32(value)
		u.drain()
	case UARTRegRxCtrl:
		u.rxctrl = uint32(value)
	case UARTRegIE:
		u.ie = uint32(value) & 3
	case UARTRegDiv:
		u.div = uint32(value)
	}

	return nil
}

func (u *UART) drain() {
	if u.txctrl&UARTTxCtrlEn == 0 || len(u.txFifo) == 0 {
		return
	}
	if u.Output != nil {
		u.Output.Write(u.txFifo)
	}
	u.txFifo = u.txFifo[:0]
}

// EnqueueInput adds input bytes to be read by firmware. Bytes beyond the
// FIFO depth are dropped.
func (u *UART) EnqueueInput(data []byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	room := UARTFifoDepth - len(u.rxFifo)
	if room > len(data) {
		room = len(data)
	}
	u.rxFifo = append(u.rxFifo, data[:room]...)
	return room
}

// Divisor returns the programmed baud rate divisor.
func (u *UART) Divisor() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.div
}

var _ Device = (*UART)(nil)
