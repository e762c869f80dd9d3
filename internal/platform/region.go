package platform

import (
	"fmt"
	"strings"
)

// Perm is the access permission set of a memory protection region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// PermRWX grants every access.
const PermRWX = PermRead | PermWrite | PermExec

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerm parses "rwx" style notation. Dashes and order are ignored.
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("%w: bad permission %q", ErrConfiguration, s)
		}
	}
	return p, nil
}

// Region describes one memory protection region.
type Region struct {
	Perm     Perm
	Base     uint64
	Log2Size uint
}

func (r Region) String() string {
	return fmt.Sprintf("%s base=0x%x log2size=%d", r.Perm, r.Base, r.Log2Size)
}

// MinRegionLog2 is the smallest region a protection unit can describe (4 bytes).
const MinRegionLog2 = 2

// CheckRegion validates r for a hart with the given register width in bits.
// A region must be at least four bytes, no larger than the address space, and
// its base must be aligned to its size.
func CheckRegion(r Region, xlen uint) error {
	if r.Log2Size < MinRegionLog2 || r.Log2Size > xlen {
		return fmt.Errorf("%w: region %v: log2 size outside [%d, %d]", ErrConfiguration, r, MinRegionLog2, xlen)
	}
	if r.Log2Size < 64 && r.Base&(uint64(1)<<r.Log2Size-1) != 0 {
		return fmt.Errorf("%w: region %v: base not aligned to size", ErrConfiguration, r)
	}
	return nil
}

// RegionSource answers which memory protection regions a hart must apply.
// Implementations are pure: the same query always returns the same answer.
type RegionSource interface {
	// RegionCount never fails.
	RegionCount(hart HartID) uint32
	// RegionInfo fails with ErrRange when index >= RegionCount(hart).
	RegionInfo(hart HartID, index uint32) (Region, error)
}

// RegionWriter applies a region to a hart's protection unit. Each call is a
// hart-local operation; it is only ever invoked by the owning hart.
type RegionWriter interface {
	WriteRegion(index uint32, r Region) error
}

// StaticRegions is a RegionSource built from configuration. Harts without an
// entry in PerHart use Default.
type StaticRegions struct {
	Default []Region
	PerHart map[HartID][]Region
}

func (s *StaticRegions) regions(hart HartID) []Region {
	if r, ok := s.PerHart[hart]; ok {
		return r
	}
	return s.Default
}

// RegionCount implements RegionSource.
func (s *StaticRegions) RegionCount(hart HartID) uint32 {
	return uint32(len(s.regions(hart)))
}

// RegionInfo implements RegionSource.
func (s *StaticRegions) RegionInfo(hart HartID, index uint32) (Region, error) {
	r := s.regions(hart)
	if index >= uint32(len(r)) {
		return Region{}, fmt.Errorf("%w: region %d for hart %d (count %d)", ErrRange, index, hart, len(r))
	}
	return r[index], nil
}

var _ RegionSource = (*StaticRegions)(nil)
