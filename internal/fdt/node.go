// Package fdt builds flattened device tree blobs and applies bounded in-place
// fixups to them.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property is a single device-tree property. Exactly one of the typed fields
// should be populated.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Str returns a string list property.
func Str(v ...string) Property { return Property{Strings: v} }

// U32 returns a cell list property.
func U32(v ...uint32) Property { return Property{U32: v} }

// U64 returns a property of 64-bit values, two cells each.
func U64(v ...uint64) Property { return Property{U64: v} }

// Flag returns an empty marker property.
func Flag() Property { return Property{Flag: true} }

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

func (p Property) definedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// encode returns the big-endian property value.
func (p Property) encode() ([]byte, error) {
	switch n := p.definedCount(); {
	case n == 0:
		return nil, fmt.Errorf("no values")
	case n > 1:
		return nil, fmt.Errorf("multiple value kinds")
	}

	var buf bytes.Buffer
	switch p.Kind() {
	case "strings":
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
	case "u32":
		for _, v := range p.U32 {
			binary.Write(&buf, binary.BigEndian, v)
		}
	case "u64":
		for _, v := range p.U64 {
			binary.Write(&buf, binary.BigEndian, v)
		}
	case "bytes":
		buf.Write(p.Bytes)
	}
	return buf.Bytes(), nil
}

// Node is a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// NewNode returns a node with no properties.
func NewNode(name string) Node {
	return Node{Name: name, Properties: make(map[string]Property)}
}

// Set adds or replaces a property and returns the node for chaining.
func (n Node) Set(name string, p Property) Node {
	if n.Properties == nil {
		n.Properties = make(map[string]Property)
	}
	n.Properties[name] = p
	return n
}

// Add appends children and returns the node for chaining.
func (n Node) Add(children ...Node) Node {
	n.Children = append(n.Children, children...)
	return n
}
