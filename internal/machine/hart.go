package machine

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/bringup/internal/platform"
)

// XLEN is the register width of the modelled harts.
const XLEN = 64

// PMPCount is the number of PMP entries each hart implements.
const PMPCount = 16

// pmpcfg bits
const (
	PMPRead  = 0x01
	PMPWrite = 0x02
	PMPExec  = 0x04

	PMPAddrOff   = 0x00
	PMPAddrTOR   = 0x08
	PMPAddrNA4   = 0x10
	PMPAddrNAPOT = 0x18
	PMPAddrMask  = 0x18

	PMPLock = 0x80
)

// pmpShift is the granularity of pmpaddr: it holds address bits [XLEN+1:2].
const pmpShift = 2

// Hart is the per-hart register state firmware bring-up touches. Only the
// goroutine running as the hart writes it.
type Hart struct {
	ID platform.HartID

	pmpcfg  [PMPCount]uint8
	pmpaddr [PMPCount]uint64

	pmpWrites int
}

// NewHart creates a hart with every PMP entry off.
func NewHart(id platform.HartID) *Hart {
	return &Hart{ID: id}
}

// WriteRegion implements platform.RegionWriter. The region is encoded as NA4
// for four byte regions and NAPOT otherwise; a region covering the whole
// address space uses an all-ones pmpaddr.
func (h *Hart) WriteRegion(index uint32, r platform.Region) error {
	if index >= PMPCount {
		return platform.HardwareFault("hart %d: pmp entry %d not implemented", h.ID, index)
	}
	if r.Log2Size < pmpShift || r.Log2Size > XLEN {
		return platform.HardwareFault("hart %d: pmp entry %d: log2 size %d unsupported", h.ID, index, r.Log2Size)
	}
	if h.pmpcfg[index]&PMPLock != 0 {
		return platform.HardwareFault("hart %d: pmp entry %d is locked", h.ID, index)
	}

	var cfg uint8
	if r.Perm&platform.PermRead != 0 {
		cfg |= PMPRead
	}
	if r.Perm&platform.PermWrite != 0 {
		cfg |= PMPWrite
	}
	if r.Perm&platform.PermExec != 0 {
		cfg |= PMPExec
	}

	var addr uint64
	switch {
	case r.Log2Size == pmpShift:
		cfg |= PMPAddrNA4
		addr = r.Base >> pmpShift
	case r.Log2Size == XLEN:
		cfg |= PMPAddrNAPOT
		addr = ^uint64(0)
	default:
		cfg |= PMPAddrNAPOT
		mask := uint64(1)<<(r.Log2Size-pmpShift) - 1
		addr = (r.Base>>pmpShift)&^mask | mask>>1
	}

	h.pmpaddr[index] = addr
	h.pmpcfg[index] = cfg
	h.pmpWrites++
	return nil
}

// PMP returns the raw pmpcfg and pmpaddr values of entry index.
func (h *Hart) PMP(index int) (cfg uint8, addr uint64) {
	if index < 0 || index >= PMPCount {
		return 0, 0
	}
	return h.pmpcfg[index], h.pmpaddr[index]
}

// PMPWrites returns how many PMP entries have been written since reset.
func (h *Hart) PMPWrites() int { return h.pmpWrites }

// ResetPMP turns every entry off, as a hart reset does.
func (h *Hart) ResetPMP() {
	h.pmpcfg = [PMPCount]uint8{}
	h.pmpaddr = [PMPCount]uint64{}
	h.pmpWrites = 0
}

// napotRange decodes a NAPOT pmpaddr into a base and log2 size.
func napotRange(addr uint64) (base uint64, log2 uint) {
	ones := uint(bits.TrailingZeros64(^addr))
	if ones >= XLEN-1 {
		return 0, XLEN
	}
	log2 = ones + 3
	base = (addr &^ (uint64(1)<<ones - 1)) << pmpShift
	base &^= uint64(1)<<log2 - 1
	return base, log2
}

// Allows reports whether a supervisor or user mode access of size bytes at
// addr with the given permissions passes PMP. The lowest-numbered matching
// entry decides; with no match the access fails.
func (h *Hart) Allows(addr, size uint64, perm platform.Perm) bool {
	var prevTop uint64
	for i := 0; i < PMPCount; i++ {
		cfg, pa := h.pmpcfg[i], h.pmpaddr[i]

		var lo, hi uint64 // [lo, hi], hi inclusive
		matched := true
		switch cfg & PMPAddrMask {
		case PMPAddrOff:
			matched = false
		case PMPAddrTOR:
			top := pa << pmpShift
			if top == 0 || top <= prevTop {
				matched = false
			}
			lo, hi = prevTop, top-1
		case PMPAddrNA4:
			lo = pa << pmpShift
			hi = lo + 3
		case PMPAddrNAPOT:
			base, log2 := napotRange(pa)
			lo = base
			if log2 >= XLEN {
				hi = ^uint64(0)
			} else {
				hi = base + (uint64(1)<<log2 - 1)
			}
		}
		prevTop = pa << pmpShift

		if !matched || addr < lo || addr+size-1 > hi {
			continue
		}

		var want uint8
		if perm&platform.PermRead != 0 {
			want |= PMPRead
		}
		if perm&platform.PermWrite != 0 {
			want |= PMPWrite
		}
		if perm&platform.PermExec != 0 {
			want |= PMPExec
		}
		return cfg&want == want
	}
	return false
}

func (h *Hart) String() string {
	return fmt.Sprintf("hart%d", h.ID)
}

var _ platform.RegionWriter = (*Hart)(nil)
