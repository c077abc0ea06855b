package bplus

import (
	"TideDB/storage_engine/page"
	"TideDB/types"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

/*
SerializeNode writes a Node into a BufferSize META buffer.

Layout:

	Header (40 bytes):
	  signature   uint32  0x454E4454
	  crc         uint32  CRC32 over bytes [8, end of body)
	  nodeType    uint8   1=internal, 2=leaf
	  reserved    uint8
	  numKeys     uint16
	  reserved    uint32
	  parent      uint64  META offset, 0 for the root
	  next        uint64  leaf-only, 0 at the end of the chain
	  mirrorTID   uint64

	Body:
	  numKeys × key [32]byte
	  internal: (numKeys+1) × [ child uint64 | mirrorTID uint64 ]
	  leaf:      numKeys    × value [24]byte

Everything past the body is zero. Multi-byte fields are little-endian; keys
keep their big-endian ordered encoding.
*/

const (
	nodeSignature uint32 = 0x454E4454
	HeaderSize           = 40
	childEntrySize       = 16

	maxLeafEntries     = (page.BufferSize - HeaderSize) / (types.KeySize + types.LeafValueSize)
	maxInternalEntries = (page.BufferSize - HeaderSize - childEntrySize) / (types.KeySize + childEntrySize)
)

func bodySize(nodeType NodeType, numKeys int) int {
	if nodeType == NodeLeaf {
		return numKeys * (types.KeySize + types.LeafValueSize)
	}
	return numKeys*types.KeySize + (numKeys+1)*childEntrySize
}

func SerializeNode(node *Node, data []byte) error {
	if len(data) != page.BufferSize {
		return fmt.Errorf("serializeNode: data buffer must be %d bytes", page.BufferSize)
	}
	n := len(node.keys)
	switch node.nodeType {
	case NodeLeaf:
		if n > maxLeafEntries || len(node.values) != n {
			return fmt.Errorf("serializeNode: leaf %#x with %d keys, %d values", node.offset, n, len(node.values))
		}
	case NodeInternal:
		if n > maxInternalEntries || len(node.children) != n+1 || len(node.mirrors) != n+1 {
			return fmt.Errorf("serializeNode: internal %#x with %d keys, %d children", node.offset, n, len(node.children))
		}
	default:
		return fmt.Errorf("serializeNode: unknown node type %d", node.nodeType)
	}
	clear(data)

	// ── Header ────────────────────────────────────────────────────────────────
	binary.LittleEndian.PutUint32(data[0:4], nodeSignature)
	data[8] = byte(node.nodeType)
	binary.LittleEndian.PutUint16(data[10:12], uint16(n))
	binary.LittleEndian.PutUint64(data[16:24], node.parent)
	binary.LittleEndian.PutUint64(data[24:32], node.next)
	binary.LittleEndian.PutUint64(data[32:40], uint64(node.mirror))

	// ── Body ──────────────────────────────────────────────────────────────────
	offset := HeaderSize
	for _, k := range node.keys {
		if len(k) != types.KeySize {
			return fmt.Errorf("serializeNode: key of %d bytes", len(k))
		}
		copy(data[offset:], k)
		offset += types.KeySize
	}
	if node.nodeType == NodeInternal {
		for i, child := range node.children {
			binary.LittleEndian.PutUint64(data[offset:], child)
			binary.LittleEndian.PutUint64(data[offset+8:], uint64(node.mirrors[i]))
			offset += childEntrySize
		}
	} else {
		for _, v := range node.values {
			if len(v) != types.LeafValueSize {
				return fmt.Errorf("serializeNode: value of %d bytes", len(v))
			}
			copy(data[offset:], v)
			offset += types.LeafValueSize
		}
	}

	binary.LittleEndian.PutUint32(data[4:8], crc32.ChecksumIEEE(data[8:offset]))
	return nil
}

// DeserializeNode decodes the node stored at offset. Keys and values are
// copied out of data.
func DeserializeNode(data []byte, offset uint64) (*Node, error) {
	if len(data) != page.BufferSize {
		return nil, fmt.Errorf("%w: %#x: buffer of %d bytes", ErrCorruptNode, offset, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != nodeSignature {
		return nil, fmt.Errorf("%w: %#x: bad signature", ErrCorruptNode, offset)
	}
	nodeType := NodeType(data[8])
	numKeys := int(binary.LittleEndian.Uint16(data[10:12]))
	switch {
	case nodeType == NodeLeaf && numKeys <= maxLeafEntries:
	case nodeType == NodeInternal && numKeys <= maxInternalEntries:
	default:
		return nil, fmt.Errorf("%w: %#x: type %d with %d keys", ErrCorruptNode, offset, nodeType, numKeys)
	}
	end := HeaderSize + bodySize(nodeType, numKeys)
	if crc32.ChecksumIEEE(data[8:end]) != binary.LittleEndian.Uint32(data[4:8]) {
		return nil, fmt.Errorf("%w: %#x: crc mismatch", ErrCorruptNode, offset)
	}

	node := &Node{
		offset:   offset,
		nodeType: nodeType,
		parent:   binary.LittleEndian.Uint64(data[16:24]),
		next:     binary.LittleEndian.Uint64(data[24:32]),
		mirror:   types.TID(binary.LittleEndian.Uint64(data[32:40])),
		keys:     make([][]byte, numKeys, MaxKeys+1),
	}
	pos := HeaderSize
	for i := range node.keys {
		node.keys[i] = append([]byte(nil), data[pos:pos+types.KeySize]...)
		pos += types.KeySize
	}
	if nodeType == NodeInternal {
		node.children = make([]uint64, numKeys+1, MaxKeys+2)
		node.mirrors = make([]types.TID, numKeys+1, MaxKeys+2)
		for i := range node.children {
			node.children[i] = binary.LittleEndian.Uint64(data[pos:])
			node.mirrors[i] = types.TID(binary.LittleEndian.Uint64(data[pos+8:]))
			if node.children[i] == 0 {
				return nil, fmt.Errorf("%w: %#x: child %d is zero", ErrCorruptNode, offset, i)
			}
			pos += childEntrySize
		}
	} else {
		node.values = make([][]byte, numKeys, MaxKeys+1)
		for i := range node.values {
			node.values[i] = append([]byte(nil), data[pos:pos+types.LeafValueSize]...)
			pos += types.LeafValueSize
		}
	}
	return node, nil
}

// leafAt decodes element i of a leaf node.
func (n *Node) leafAt(i int) (types.Leaf, error) {
	leaf, err := types.DecodeLeaf(n.keys[i], n.values[i])
	if err != nil {
		return types.Leaf{}, fmt.Errorf("%w: %#x element %d: %v", ErrCorruptNode, n.offset, i, err)
	}
	return leaf, nil
}

// childIndex returns the position of child in an internal node, or -1.
func (n *Node) childIndex(child uint64) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}
