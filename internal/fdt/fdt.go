// Package fdt builds flattened device tree blobs describing the platform.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Property is a single device-tree property. Exactly one field should be
// populated; an empty property is expressed with Flag.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

func (p Property) encode() []byte {
	var buf bytes.Buffer
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			_ = binary.Write(&buf, binary.BigEndian, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			_ = binary.Write(&buf, binary.BigEndian, v)
		}
	case len(p.Bytes) > 0:
		buf.Write(p.Bytes)
	}
	return buf.Bytes()
}

// Node is a device-tree node. Children are emitted in order; properties in
// name order.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child called name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Lookup resolves a slash-separated path relative to n.
func (n Node) Lookup(path string) (Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := cur.Child(part)
		if !ok {
			return Node{}, false
		}
		cur = next
	}
	return cur, true
}

// Build serializes the node tree rooted at root into an FDT blob.
func Build(root Node) ([]byte, error) {
	b := &builder{stringsOff: make(map[string]uint32)}
	if err := b.node(root); err != nil {
		return nil, err
	}
	return b.finish(), nil
}

type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (b *builder) node(n Node) error {
	b.token(tokenBeginNode)
	b.structBuf.WriteString(n.Name)
	b.structBuf.WriteByte(0)
	b.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := n.Properties[name]
		if k := p.kinds(); k != 1 {
			return fmt.Errorf("fdt: node %q property %q has %d value kinds", n.Name, name, k)
		}
		value := p.encode()
		b.token(tokenProp)
		b.u32(uint32(len(value)))
		b.u32(b.stringOffset(name))
		b.structBuf.Write(value)
		b.pad()
	}

	for _, child := range n.Children {
		if err := b.node(child); err != nil {
			return err
		}
	}
	b.token(tokenEndNode)
	return nil
}

func (b *builder) finish() []byte {
	b.token(tokenEnd)

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()
	// One empty memory reservation entry terminates the map.
	const memReserveSize = 16

	offMemReserve := headerSize
	offStruct := offMemReserve + memReserveSize
	offStrings := offStruct + len(structBytes)
	total := offStrings + len(stringsBytes)

	blob := make([]byte, total)
	for i, v := range []uint32{
		magic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offMemReserve),
		version,
		lastCompVer,
		0, // boot cpu
		uint32(len(stringsBytes)),
		uint32(len(structBytes)),
	} {
		binary.BigEndian.PutUint32(blob[4*i:], v)
	}
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)
	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) token(t uint32) {
	b.u32(t)
}

func (b *builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.structBuf.Write(tmp[:])
}

func (b *builder) pad() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}

// Names walks the structure block of blob and returns every node path and
// property name in order, as "/node" and "/node:prop". It is meant for
// inspecting generated blobs.
func Names(blob []byte) ([]string, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return nil, fmt.Errorf("fdt: bad header")
	}
	offStruct := binary.BigEndian.Uint32(blob[8:])
	offStrings := binary.BigEndian.Uint32(blob[12:])
	sizeStruct := binary.BigEndian.Uint32(blob[36:])
	if uint64(offStruct)+uint64(sizeStruct) > uint64(len(blob)) || int(offStrings) > len(blob) {
		return nil, fmt.Errorf("fdt: blocks out of range")
	}
	s := blob[offStruct : offStruct+sizeStruct]
	cstr := func(b []byte) string {
		if i := bytes.IndexByte(b, 0); i >= 0 {
			return string(b[:i])
		}
		return string(b)
	}

	var (
		out  []string
		path []string
		pos  int
	)
	align := func() { pos = (pos + 3) &^ 3 }
	for pos+4 <= len(s) {
		tok := binary.BigEndian.Uint32(s[pos:])
		pos += 4
		switch tok {
		case tokenBeginNode:
			name := cstr(s[pos:])
			pos += len(name) + 1
			align()
			path = append(path, name)
			out = append(out, "/"+strings.TrimPrefix(strings.Join(path, "/"), "/"))
		case tokenEndNode:
			if len(path) == 0 {
				return nil, fmt.Errorf("fdt: unbalanced end node")
			}
			path = path[:len(path)-1]
		case tokenProp:
			if pos+8 > len(s) {
				return nil, fmt.Errorf("fdt: truncated property")
			}
			length := int(binary.BigEndian.Uint32(s[pos:]))
			nameOff := binary.BigEndian.Uint32(s[pos+4:])
			pos += 8 + length
			align()
			name := cstr(blob[int(offStrings)+int(nameOff):])
			out = append(out, "/"+strings.TrimPrefix(strings.Join(path, "/"), "/")+":"+name)
		case tokenNop:
		case tokenEnd:
			return out, nil
		default:
			return nil, fmt.Errorf("fdt: unknown token %#x at %d", tok, pos-4)
		}
	}
	return nil, fmt.Errorf("fdt: missing end token")
}
