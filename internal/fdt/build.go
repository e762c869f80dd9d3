package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

// Build serializes the node tree into an FDT blob. bootHart is recorded as
// the boot_cpuid_phys header field.
func Build(root Node, bootHart uint32) ([]byte, error) {
	w := &writer{stringsOff: make(map[string]uint32)}
	if err := w.node(root, "/"); err != nil {
		return nil, err
	}
	w.token(fdtEndToken)
	return w.blob(bootHart), nil
}

type writer struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (w *writer) node(n Node, path string) error {
	w.token(fdtBeginNodeToken)
	w.structBuf.WriteString(n.Name)
	w.structBuf.WriteByte(0)
	w.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt: %s property %q: %w", path, name, err)
		}
		w.token(fdtPropToken)
		w.u32(uint32(len(value)))
		w.u32(w.stringOffset(name))
		w.structBuf.Write(value)
		w.pad()
	}

	for _, child := range n.Children {
		if err := w.node(child, path+child.Name+"/"); err != nil {
			return err
		}
	}

	w.token(fdtEndNodeToken)
	return nil
}

func (w *writer) blob(bootHart uint32) []byte {
	structBytes := w.structBuf.Bytes()
	stringsBytes := w.strings.Bytes()

	// An empty memory reservation map is a single all-zero entry.
	const memReserveSize = 16

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := []uint32{
		fdtMagic,
		uint32(totalSize),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offMemReserve),
		fdtVersion,
		fdtLastCompVer,
		bootHart,
		uint32(len(stringsBytes)),
		uint32(len(structBytes)),
	}
	for i, v := range header {
		binary.BigEndian.PutUint32(blob[4*i:], v)
	}
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (w *writer) stringOffset(name string) uint32 {
	if off, ok := w.stringsOff[name]; ok {
		return off
	}
	off := uint32(w.strings.Len())
	w.strings.WriteString(name)
	w.strings.WriteByte(0)
	w.stringsOff[name] = off
	return off
}

func (w *writer) token(t uint32) { w.u32(t) }

func (w *writer) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structBuf.Write(tmp[:])
}

func (w *writer) pad() {
	for w.structBuf.Len()%4 != 0 {
		w.structBuf.WriteByte(0)
	}
}
