// Package disklayout provides the bit-exact on-disk records of the
// filesystem and the geometry derived from them. All records are fixed-size,
// little-endian, and contained within one 4096-byte block.
//
// Partition layout:
//
//	+---------------+
//	|  superblock   |  1 block
//	+---------------+
//	|  inode store  |  sb.NrIstoreBlocks blocks
//	+---------------+
//	| ifree bitmap  |  sb.NrIfreeBlocks blocks
//	+---------------+
//	| bfree bitmap  |  sb.NrBfreeBlocks blocks
//	+---------------+
//	|  data blocks  |  rest of the device
//	+---------------+
package disklayout

const (
	// BlockSize is the fixed device block size.
	BlockSize = 4096

	// Magic identifies the filesystem; a superblock without it is rejected.
	Magic = 0xDEADCE

	// SuperBlockNum is where the superblock lives.
	SuperBlockNum = 0

	// InodeSize is the on-disk inode record size.
	InodeSize = 72

	// InodesPerBlock inode records are packed per inode-store block.
	InodesPerBlock = BlockSize / InodeSize

	// InlineDataLen is the inode's inline buffer, holding short symlink
	// targets without an extent index.
	InlineDataLen = 32

	// ExtentSize is the on-disk extent record size.
	ExtentSize = 16

	// MaxExtents is the extent index capacity: a 4-byte count followed by
	// extents filling the remainder of the block.
	MaxExtents = (BlockSize - 4) / ExtentSize

	// MaxBlocksPerExtent caps the length of one extent's physical run.
	MaxBlocksPerExtent = 8

	// MaxFileSize is the hard file-size ceiling implied by the index
	// capacity. Exceeding it is permanent, not a transient failure.
	MaxFileSize = MaxBlocksPerExtent * BlockSize * MaxExtents

	// FilenameLen is the fixed directory-entry name buffer.
	FilenameLen = 255

	// DirEntrySize is the on-disk directory entry record size.
	DirEntrySize = 4 + 4 + FilenameLen

	// FilesPerBlock directory entries fit in one directory block after its
	// 4-byte entry count.
	FilesPerBlock = BlockSize / DirEntrySize

	// FilesPerExtent is the entry capacity of one fully-grown extent.
	FilesPerExtent = FilesPerBlock * MaxBlocksPerExtent

	// MaxSubfiles is the entry capacity of one directory.
	MaxSubfiles = FilesPerExtent * MaxExtents

	// BitsPerBlock is the number of inodes/blocks one bitmap block covers.
	BitsPerBlock = BlockSize * 8
)

// blocksFor returns how many blocks hold n items at per items per block.
func blocksFor(n, per uint32) uint32 {
	return (n + per - 1) / per
}

// IstoreBlocks returns the inode-store size for nrInodes inodes.
func IstoreBlocks(nrInodes uint32) uint32 {
	return blocksFor(nrInodes, InodesPerBlock)
}

// BitmapBlocks returns the bitmap size covering n bits.
func BitmapBlocks(n uint32) uint32 {
	return blocksFor(n, BitsPerBlock)
}
