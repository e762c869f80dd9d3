package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no node or property matches.
	ErrNotFound = errors.New("fdt: not found")
	// ErrMalformed is returned for blobs that cannot be walked.
	ErrMalformed = errors.New("fdt: malformed blob")
)

const fdtNopToken = 0x4

// header offsets
const (
	hdrMagic      = 0
	hdrTotalSize  = 4
	hdrOffStruct  = 8
	hdrOffStrings = 12
	hdrBootCPU    = 28
	hdrSizeStruct = 36
)

// PropertyRef locates a property value inside a blob.
type PropertyRef struct {
	Offset int
	Length int
}

type scanNode struct {
	compatible bool
	prop       PropertyRef
	found      bool
	closed     bool
}

// FindProperty locates property prop of the first node whose compatible list
// contains compatible. Only the structure block is walked; the node's other
// properties and the rest of the tree are never decoded.
func FindProperty(blob []byte, compatible, prop string) (PropertyRef, error) {
	if err := checkHeader(blob); err != nil {
		return PropertyRef{}, err
	}
	be := binary.BigEndian
	total := int(be.Uint32(blob[hdrTotalSize:]))
	offStruct := int(be.Uint32(blob[hdrOffStruct:]))
	offStrings := int(be.Uint32(blob[hdrOffStrings:]))
	sizeStruct := int(be.Uint32(blob[hdrSizeStruct:]))
	if total > len(blob) || offStruct+sizeStruct > total || offStrings > total {
		return PropertyRef{}, fmt.Errorf("%w: offsets exceed blob", ErrMalformed)
	}

	var stack []scanNode
	// Properties precede subnodes, so a node's property list is complete at
	// the first BEGIN_NODE or END_NODE that follows it.
	closeTop := func() (PropertyRef, bool) {
		if len(stack) == 0 {
			return PropertyRef{}, false
		}
		top := &stack[len(stack)-1]
		if top.closed {
			return PropertyRef{}, false
		}
		top.closed = true
		return top.prop, top.compatible && top.found
	}

	pos := offStruct
	end := offStruct + sizeStruct
	for pos+4 <= end {
		token := be.Uint32(blob[pos:])
		pos += 4
		switch token {
		case fdtBeginNodeToken:
			if ref, ok := closeTop(); ok {
				return ref, nil
			}
			n := bytes.IndexByte(blob[pos:end], 0)
			if n < 0 {
				return PropertyRef{}, fmt.Errorf("%w: unterminated node name", ErrMalformed)
			}
			pos = align4(pos + n + 1)
			stack = append(stack, scanNode{})

		case fdtEndNodeToken:
			if ref, ok := closeTop(); ok {
				return ref, nil
			}
			if len(stack) == 0 {
				return PropertyRef{}, fmt.Errorf("%w: unbalanced end node", ErrMalformed)
			}
			stack = stack[:len(stack)-1]

		case fdtPropToken:
			if pos+8 > end || len(stack) == 0 {
				return PropertyRef{}, fmt.Errorf("%w: truncated property", ErrMalformed)
			}
			length := int(be.Uint32(blob[pos:]))
			nameOff := int(be.Uint32(blob[pos+4:]))
			pos += 8
			if length < 0 || pos+length > end {
				return PropertyRef{}, fmt.Errorf("%w: property overruns structure block", ErrMalformed)
			}
			name, err := stringAt(blob[:total], offStrings+nameOff)
			if err != nil {
				return PropertyRef{}, err
			}
			top := &stack[len(stack)-1]
			switch name {
			case "compatible":
				top.compatible = listContains(blob[pos:pos+length], compatible)
			case prop:
				top.prop = PropertyRef{Offset: pos, Length: length}
				top.found = true
			}
			pos = align4(pos + length)

		case fdtNopToken:

		case fdtEndToken:
			return PropertyRef{}, ErrNotFound

		default:
			return PropertyRef{}, fmt.Errorf("%w: unknown token 0x%x at 0x%x", ErrMalformed, token, pos-4)
		}
	}
	return PropertyRef{}, fmt.Errorf("%w: missing end token", ErrMalformed)
}

// PatchCells rewrites the 32-bit cells of a property in place. fn receives
// the cell index and current value and returns the new value. It returns the
// number of cells whose value changed.
func PatchCells(blob []byte, compatible, prop string, fn func(i int, v uint32) uint32) (int, error) {
	ref, err := FindProperty(blob, compatible, prop)
	if err != nil {
		return 0, err
	}
	if ref.Length%4 != 0 {
		return 0, fmt.Errorf("%w: property %q is not a cell list", ErrMalformed, prop)
	}
	changed := 0
	for i := 0; i < ref.Length/4; i++ {
		off := ref.Offset + 4*i
		old := binary.BigEndian.Uint32(blob[off:])
		if v := fn(i, old); v != old {
			binary.BigEndian.PutUint32(blob[off:], v)
			changed++
		}
	}
	return changed, nil
}

func checkHeader(blob []byte) error {
	if len(blob) < fdtHeaderSize {
		return fmt.Errorf("%w: short header", ErrMalformed)
	}
	if binary.BigEndian.Uint32(blob[hdrMagic:]) != fdtMagic {
		return fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	return nil
}

// BootCPU returns the boot_cpuid_phys header field.
func BootCPU(blob []byte) (uint32, error) {
	if err := checkHeader(blob); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(blob[hdrBootCPU:]), nil
}

// SetBootCPU rewrites the boot_cpuid_phys header field in place.
func SetBootCPU(blob []byte, hart uint32) error {
	if err := checkHeader(blob); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(blob[hdrBootCPU:], hart)
	return nil
}

// Cells returns the 32-bit cells of a property.
func Cells(blob []byte, compatible, prop string) ([]uint32, error) {
	ref, err := FindProperty(blob, compatible, prop)
	if err != nil {
		return nil, err
	}
	if ref.Length%4 != 0 {
		return nil, fmt.Errorf("%w: property %q is not a cell list", ErrMalformed, prop)
	}
	out := make([]uint32, ref.Length/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(blob[ref.Offset+4*i:])
	}
	return out, nil
}

func stringAt(blob []byte, off int) (string, error) {
	if off < 0 || off >= len(blob) {
		return "", fmt.Errorf("%w: string offset 0x%x out of range", ErrMalformed, off)
	}
	n := bytes.IndexByte(blob[off:], 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string", ErrMalformed)
	}
	return string(blob[off : off+n]), nil
}

func listContains(list []byte, want string) bool {
	for _, s := range bytes.Split(bytes.TrimRight(list, "\x00"), []byte{0}) {
		if string(s) == want {
			return true
		}
	}
	return false
}

func align4(n int) int {
	return (n + 3) &^ 3
}
