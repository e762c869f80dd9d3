package machine

import (
	"fmt"
	"sync"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // one word per source
	PLICPendingBase   = 0x001000 // one bit per source
	PLICEnableBase    = 0x002000 // one bit per source, per context
	PLICThresholdBase = 0x200000 // threshold, then claim/complete, per context
)

// PLIC context strides
const (
	PLICEnableStride  = 0x80
	PLICContextStride = 0x1000
)

// PLICSize is the size of the PLIC register window.
const PLICSize uint64 = 0x0400_0000

// PLICMaxSources is the architectural source limit, source 0 included.
const PLICMaxSources = 1024

const plicWords = PLICMaxSources / 32

// PLIC implements the Platform Level Interrupt Controller. Every hart owns
// two contexts: 2h for M-mode and 2h+1 for S-mode.
type PLIC struct {
	mu sync.Mutex

	numSources   uint32
	priorityMask uint32

	priority [PLICMaxSources]uint32
	pending  [plicWords]uint32

	// per context
	enable    [][plicWords]uint32
	threshold []uint32
	claimed   []uint32
}

// NewPLIC creates a PLIC with numSources sources, priorities in
// [0, numPriorities] and contexts contexts.
func NewPLIC(numSources, numPriorities uint32, contexts int) (*PLIC, error) {
	if numSources == 0 || numSources >= PLICMaxSources {
		return nil, fmt.Errorf("plic: source count %d outside [1, %d)", numSources, PLICMaxSources)
	}
	if numPriorities == 0 {
		return nil, fmt.Errorf("plic: priority count is zero")
	}
	if contexts <= 0 || contexts > (PLICThresholdBase-PLICEnableBase)/PLICEnableStride {
		return nil, fmt.Errorf("plic: context count %d unsupported", contexts)
	}
	mask := uint32(1)
	for mask < numPriorities {
		mask = mask<<1 | 1
	}
	return &PLIC{
		numSources:   numSources,
		priorityMask: mask,
		enable:       make([][plicWords]uint32, contexts),
		threshold:    make([]uint32, contexts),
		claimed:      make([]uint32, contexts),
	}, nil
}

func (p *PLIC) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = [PLICMaxSources]uint32{}
	p.pending = [plicWords]uint32{}
	clear(p.enable)
	clear(p.threshold)
	clear(p.claimed)
}

// Size implements Device
func (p *PLIC) Size() uint64 { return PLICSize }

// Contexts returns the number of contexts.
func (p *PLIC) Contexts() int { return len(p.threshold) }

type plicReg int

const (
	plicNone plicReg = iota
	plicPriority
	plicPending
	plicEnable
	plicThreshold
	plicClaim
)

// decode maps offset to a register. idx is the source for priority registers
// and the word for pending and enable registers.
func (p *PLIC) decode(offset uint64) (reg plicReg, ctx int, idx uint32) {
	contexts := uint64(len(p.threshold))
	switch {
	case offset < PLICPendingBase:
		return plicPriority, 0, uint32(offset / 4)
	case offset < PLICEnableBase:
		if w := (offset - PLICPendingBase) / 4; w < plicWords {
			return plicPending, 0, uint32(w)
		}
	case offset < PLICThresholdBase:
		rel := offset - PLICEnableBase
		c, w := rel/PLICEnableStride, rel%PLICEnableStride/4
		if c < contexts && w < plicWords {
			return plicEnable, int(c), uint32(w)
		}
	default:
		rel := offset - PLICThresholdBase
		c := rel / PLICContextStride
		if c >= contexts {
			break
		}
		switch rel % PLICContextStride {
		case 0:
			return plicThreshold, int(c), 0
		case 4:
			return plicClaim, int(c), 0
		}
	}
	return plicNone, 0, 0
}

// Read implements Device. Unimplemented registers read as zero.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, fmt.Errorf("plic: invalid access size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ctx, idx := p.decode(offset)
	switch reg {
	case plicPriority:
		return uint64(p.priority[idx]), nil
	case plicPending:
		return uint64(p.pending[idx]), nil
	case plicEnable:
		return uint64(p.enable[ctx][idx]), nil
	case plicThreshold:
		return uint64(p.threshold[ctx]), nil
	case plicClaim:
		return uint64(p.claim(ctx)), nil
	}
	return 0, nil
}

// Write implements Device. Pending bits are read-only, and priority and
// enable bits of sources that do not exist are hardwired to zero.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	if size != 4 {
		return fmt.Errorf("plic: invalid access size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ctx, idx := p.decode(offset)
	switch reg {
	case plicPriority:
		if idx > 0 && idx <= p.numSources {
			p.priority[idx] = uint32(value) & p.priorityMask
		}
	case plicEnable:
		p.enable[ctx][idx] = uint32(value) & p.implementedMask(idx)
	case plicThreshold:
		p.threshold[ctx] = uint32(value) & p.priorityMask
	case plicClaim:
		if p.claimed[ctx] == uint32(value) {
			p.claimed[ctx] = 0
		}
	}
	return nil
}

// implementedMask returns the bits of enable word that map to real sources.
func (p *PLIC) implementedMask(word uint32) uint32 {
	var mask uint32
	for bit := uint32(0); bit < 32; bit++ {
		if src := word*32 + bit; src > 0 && src <= p.numSources {
			mask |= 1 << bit
		}
	}
	return mask
}

// SetPending raises or lowers a source's interrupt line.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source > p.numSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pending {
		p.pending[source/32] |= 1 << (source % 32)
	} else {
		p.pending[source/32] &^= 1 << (source % 32)
	}
}

// claim returns the highest priority source eligible for ctx and clears its
// pending bit. Ties go to the lowest source number.
func (p *PLIC) claim(ctx int) uint32 {
	var best, bestPrio uint32
	for src := uint32(1); src <= p.numSources; src++ {
		if p.eligible(ctx, src) && p.priority[src] > bestPrio {
			best, bestPrio = src, p.priority[src]
		}
	}
	if best != 0 {
		p.pending[best/32] &^= 1 << (best % 32)
		p.claimed[ctx] = best
	}
	return best
}

func (p *PLIC) eligible(ctx int, src uint32) bool {
	word, bit := src/32, uint32(1)<<(src%32)
	if p.pending[word]&bit == 0 || p.enable[ctx][word]&bit == 0 {
		return false
	}
	return p.priority[src] > p.threshold[ctx]
}

// ContextPending reports whether ctx has an interrupt above its threshold.
func (p *PLIC) ContextPending(ctx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx < 0 || ctx >= len(p.threshold) {
		return false
	}
	for src := uint32(1); src <= p.numSources; src++ {
		if p.eligible(ctx, src) {
			return true
		}
	}
	return false
}

// Priority returns a source's priority.
func (p *PLIC) Priority(source uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if source >= PLICMaxSources {
		return 0
	}
	return p.priority[source]
}

// Threshold returns a context's threshold.
func (p *PLIC) Threshold(ctx int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx < 0 || ctx >= len(p.threshold) {
		return 0
	}
	return p.threshold[ctx]
}

// Enabled reports whether source is enabled for ctx.
func (p *PLIC) Enabled(ctx int, source uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx < 0 || ctx >= len(p.threshold) || source >= PLICMaxSources {
		return false
	}
	return p.enable[ctx][source/32]&(1<<(source%32)) != 0
}

var _ Device = (*PLIC)(nil)
