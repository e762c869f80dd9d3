// Package machine models the hardware a RISC-V platform firmware brings up:
// an MMIO bus, a CLINT, a PLIC, a SiFive UART and one PMP register file per
// hart.
package machine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"
)

var cpuEndian = binary.LittleEndian

// Device is anything that answers register accesses at offsets relative to
// its own base.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// RAM is plain little-endian memory.
type RAM struct {
	mu  sync.RWMutex
	buf []byte
}

// NewRAM allocates size bytes of zeroed memory.
func NewRAM(size uint64) *RAM {
	return &RAM{buf: make([]byte, size)}
}

// window returns the bytes an access of size at offset touches.
func (r *RAM) window(offset uint64, size int) ([]byte, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("ram: invalid access size %d", size)
	}
	if offset > uint64(len(r.buf)) || uint64(len(r.buf))-offset < uint64(size) {
		return nil, fmt.Errorf("ram: access at 0x%x size %d past end 0x%x", offset, size, len(r.buf))
	}
	return r.buf[offset : offset+uint64(size)], nil
}

// Read implements Device
func (r *RAM) Read(offset uint64, size int) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, err := r.window(offset, size)
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return cpuEndian.Uint64(tmp[:]), nil
}

// Write implements Device
func (r *RAM) Write(offset uint64, size int, value uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.window(offset, size)
	if err != nil {
		return err
	}
	var tmp [8]byte
	cpuEndian.PutUint64(tmp[:], value)
	copy(b, tmp[:size])
	return nil
}

// Size implements Device
func (r *RAM) Size() uint64 { return uint64(len(r.buf)) }

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Name   string
	Base   uint64
	Size   uint64
	Device Device
}

func (d DeviceMapping) end() uint64 { return d.Base + d.Size }

// Bus routes physical addresses to devices. Mappings are kept ordered by base
// address so a lookup is a single descent of the tree.
type Bus struct {
	mu       sync.RWMutex
	mappings *btree.BTreeG[DeviceMapping]
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		mappings: btree.NewG(4, func(a, b DeviceMapping) bool { return a.Base < b.Base }),
	}
}

// AddDevice maps dev at base. Overlapping mappings are rejected.
func (bus *Bus) AddDevice(name string, base uint64, dev Device) error {
	m := DeviceMapping{Name: name, Base: base, Size: dev.Size(), Device: dev}
	if m.Size == 0 || m.end() < m.Base {
		return fmt.Errorf("bus: device %q has invalid range base=0x%x size=0x%x", name, base, m.Size)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	var conflict *DeviceMapping
	bus.mappings.DescendLessOrEqual(m, func(prev DeviceMapping) bool {
		if prev.end() > m.Base {
			conflict = &prev
		}
		return false
	})
	bus.mappings.AscendGreaterOrEqual(m, func(next DeviceMapping) bool {
		if next.Base < m.end() {
			conflict = &next
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("bus: device %q [0x%x, 0x%x) overlaps %q [0x%x, 0x%x)",
			name, m.Base, m.end(), conflict.Name, conflict.Base, conflict.end())
	}

	bus.mappings.ReplaceOrInsert(m)
	return nil
}

// Mappings returns every mapping in address order.
func (bus *Bus) Mappings() []DeviceMapping {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	out := make([]DeviceMapping, 0, bus.mappings.Len())
	bus.mappings.Ascend(func(m DeviceMapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// findDevice finds a device at the given address
func (bus *Bus) findDevice(addr uint64, size int) (Device, uint64, error) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	var (
		hit   DeviceMapping
		found bool
	)
	bus.mappings.DescendLessOrEqual(DeviceMapping{Base: addr}, func(m DeviceMapping) bool {
		if addr < m.end() {
			hit, found = m, true
		}
		return false
	})
	if !found {
		return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
	}
	if addr+uint64(size) > hit.end() {
		return nil, 0, fmt.Errorf("access at 0x%x size %d crosses the end of %q", addr, size, hit.Name)
	}
	return hit.Device, addr - hit.Base, nil
}

// Read reads from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr, size)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write writes to the bus
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr, size)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

// Read32 reads a word from the bus
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write32 writes a word to the bus
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// MMIO is the register access contract drivers program hardware through.
type MMIO interface {
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

var (
	_ Device = (*RAM)(nil)
	_ MMIO   = (*Bus)(nil)
)
