package machine

import (
	"fmt"
	"sync"
	"time"
)

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// CLINTSize is the size of the CLINT register window.
const CLINTSize uint64 = 0x0001_0000

// CLINTFrequency is the rate mtime advances at.
const CLINTFrequency = 10_000_000

// CLINT implements the Core Local Interruptor for hartCount harts
type CLINT struct {
	mu sync.Mutex

	// Machine software interrupt pending, one word per hart
	msip []uint32

	// Machine timer compare value, one per hart
	mtimecmp []uint64

	// mtime is mtimeBase plus the ticks elapsed since startTime
	mtimeBase uint64
	startTime time.Time
	now       func() time.Time

	// Time scale (nanoseconds per tick)
	nsPerTick uint64
}

// NewCLINT creates a new CLINT. mtimecmp resets to zero on every hart, as on
// real parts, so firmware must arm it before enabling timer interrupts.
func NewCLINT(hartCount uint32) *CLINT {
	return &CLINT{
		msip:      make([]uint32, hartCount),
		mtimecmp:  make([]uint64, hartCount),
		startTime: time.Now(),
		now:       time.Now,
		nsPerTick: 1_000_000_000 / CLINTFrequency,
	}
}

func (c *CLINT) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.msip)
	clear(c.mtimecmp)
	c.setMtime(0)
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// getMtime returns the current mtime value
func (c *CLINT) getMtime() uint64 {
	elapsed := c.now().Sub(c.startTime).Nanoseconds()
	return c.mtimeBase + uint64(elapsed)/c.nsPerTick
}

func (c *CLINT) setMtime(v uint64) {
	c.mtimeBase = v
	c.startTime = c.now()
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	if size != 4 && size != 8 {
		return 0, fmt.Errorf("clint: invalid access size %d", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	harts := uint64(len(c.msip))
	switch {
	case offset < CLINTMsip+4*harts:
		return uint64(c.msip[offset/4]), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*harts:
		rel := offset - CLINTMtimecmp
		return readHalf(c.mtimecmp[rel/8], rel%8, size), nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return readHalf(c.getMtime(), offset-CLINTMtime, size), nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	if size != 4 && size != 8 {
		return fmt.Errorf("clint: invalid access size %d", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	harts := uint64(len(c.msip))
	switch {
	case offset < CLINTMsip+4*harts:
		c.msip[offset/4] = uint32(value & 1)

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8*harts:
		rel := offset - CLINTMtimecmp
		hart := rel / 8
		c.mtimecmp[hart] = writeHalf(c.mtimecmp[hart], rel%8, size, value)

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		c.setMtime(writeHalf(c.getMtime(), offset-CLINTMtime, size, value))
	}

	return nil
}

// readHalf returns the 32-bit half of reg selected by off, or the whole
// register for an 8-byte access.
func readHalf(reg uint64, off uint64, size int) uint64 {
	if size == 8 {
		return reg
	}
	if off >= 4 {
		return reg >> 32
	}
	return reg & 0xffffffff
}

func writeHalf(reg uint64, off uint64, size int, value uint64) uint64 {
	if size == 8 {
		return value
	}
	if off >= 4 {
		return (reg &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
	}
	return (reg &^ 0xffffffff) | (value & 0xffffffff)
}

// SoftwarePending reports whether hart has a software interrupt pending.
func (c *CLINT) SoftwarePending(hart uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(hart) < len(c.msip) && c.msip[hart] != 0
}

// TimerPending reports whether hart's timer interrupt is asserted.
func (c *CLINT) TimerPending(hart uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(hart) < len(c.mtimecmp) && c.getMtime() >= c.mtimecmp[hart]
}

// Timecmp returns hart's compare register.
func (c *CLINT) Timecmp(hart uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(hart) >= len(c.mtimecmp) {
		return 0
	}
	return c.mtimecmp[hart]
}

var _ Device = (*CLINT)(nil)
