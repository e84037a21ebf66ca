package disklayout

import "encoding/binary"

// Extent maps a contiguous run of logical blocks onto a contiguous run of
// physical blocks.
//
// Terminology:
//   - Logical block: a block-sized offset within a file's content,
//     independent of physical placement.
//   - Physical block: an absolute block address on the device.
//
// NrFiles is meaningful only when the extent belongs to a directory, where
// it tallies the live entries across the directory blocks the extent covers.
// It is independent from both the index-level extent count and a directory
// block's own entry count.
type Extent struct {
	Block   uint32 // first logical block covered
	Len     uint32 // blocks covered, 1..MaxBlocksPerExtent
	Start   uint32 // first physical block
	NrFiles uint32
}

// Covers reports whether logical falls within the extent's range.
func (e *Extent) Covers(logical uint32) bool {
	return logical >= e.Block && logical < e.Block+e.Len
}

// IndexBlock is the one-block extent index of an inode: a 4-byte count of
// extents in use followed by the extent array filling the rest of the block.
// Extents are sorted by logical start and non-overlapping; growth only ever
// appends, so NrEntries reaching MaxExtents is a permanent ceiling for the
// file.
type IndexBlock struct {
	NrEntries uint32
	Extents   [MaxExtents]Extent
}

// Search scans the extent array in order and returns the physical block
// backing the given logical block, or false when no extent covers it.
func (ix *IndexBlock) Search(logical uint32) (uint32, bool) {
	for i := uint32(0); i < ix.NrEntries; i++ {
		e := &ix.Extents[i]
		if e.Covers(logical) {
			return e.Start + (logical - e.Block), true
		}
	}
	return 0, false
}

// Find returns the index of the extent covering logical, or -1.
func (ix *IndexBlock) Find(logical uint32) int {
	for i := uint32(0); i < ix.NrEntries; i++ {
		if ix.Extents[i].Covers(logical) {
			return int(i)
		}
	}
	return -1
}

func (ix *IndexBlock) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], ix.NrEntries)
	off := 4
	for i := range ix.Extents {
		e := &ix.Extents[i]
		binary.LittleEndian.PutUint32(b[off+0:], e.Block)
		binary.LittleEndian.PutUint32(b[off+4:], e.Len)
		binary.LittleEndian.PutUint32(b[off+8:], e.Start)
		binary.LittleEndian.PutUint32(b[off+12:], e.NrFiles)
		off += ExtentSize
	}
}

func DecodeIndexBlock(b []byte) *IndexBlock {
	ix := new(IndexBlock)
	ix.NrEntries = binary.LittleEndian.Uint32(b[0:])
	off := 4
	for i := range ix.Extents {
		e := &ix.Extents[i]
		e.Block = binary.LittleEndian.Uint32(b[off+0:])
		e.Len = binary.LittleEndian.Uint32(b[off+4:])
		e.Start = binary.LittleEndian.Uint32(b[off+8:])
		e.NrFiles = binary.LittleEndian.Uint32(b[off+12:])
		off += ExtentSize
	}
	return ix
}
