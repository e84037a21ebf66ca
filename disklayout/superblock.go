package disklayout

import (
	"encoding/binary"
	"fmt"

	"github.com/hfyeh/simplefs/common"
)

// SuperBlock is the record at block 0: global geometry plus the two free
// counters. The counters must equal the popcount of the matching bitmap;
// that check belongs to the allocator, which mirrors the bitmaps at mount.
type SuperBlock struct {
	Magic          uint32
	NrBlocks       uint32 // total blocks, metadata included
	NrInodes       uint32
	NrIstoreBlocks uint32
	NrIfreeBlocks  uint32
	NrBfreeBlocks  uint32
	NrFreeInodes   uint32
	NrFreeBlocks   uint32
}

// NewSuperBlock derives the layout for a device of nrBlocks blocks holding
// nrInodes inodes, with everything free except the metadata region.
func NewSuperBlock(nrBlocks, nrInodes uint32) *SuperBlock {
	sb := &SuperBlock{
		Magic:          Magic,
		NrBlocks:       nrBlocks,
		NrInodes:       nrInodes,
		NrIstoreBlocks: IstoreBlocks(nrInodes),
		NrIfreeBlocks:  BitmapBlocks(nrInodes),
		NrBfreeBlocks:  BitmapBlocks(nrBlocks),
	}
	sb.NrFreeInodes = nrInodes - 1 // root
	sb.NrFreeBlocks = nrBlocks - sb.DataStart()
	return sb
}

func (sb *SuperBlock) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:], sb.NrBlocks)
	binary.LittleEndian.PutUint32(b[8:], sb.NrInodes)
	binary.LittleEndian.PutUint32(b[12:], sb.NrIstoreBlocks)
	binary.LittleEndian.PutUint32(b[16:], sb.NrIfreeBlocks)
	binary.LittleEndian.PutUint32(b[20:], sb.NrBfreeBlocks)
	binary.LittleEndian.PutUint32(b[24:], sb.NrFreeInodes)
	binary.LittleEndian.PutUint32(b[28:], sb.NrFreeBlocks)
}

func DecodeSuperBlock(b []byte) *SuperBlock {
	return &SuperBlock{
		Magic:          binary.LittleEndian.Uint32(b[0:]),
		NrBlocks:       binary.LittleEndian.Uint32(b[4:]),
		NrInodes:       binary.LittleEndian.Uint32(b[8:]),
		NrIstoreBlocks: binary.LittleEndian.Uint32(b[12:]),
		NrIfreeBlocks:  binary.LittleEndian.Uint32(b[16:]),
		NrBfreeBlocks:  binary.LittleEndian.Uint32(b[20:]),
		NrFreeInodes:   binary.LittleEndian.Uint32(b[24:]),
		NrFreeBlocks:   binary.LittleEndian.Uint32(b[28:]),
	}
}

// Validate rejects a superblock whose magic is wrong or whose stored layout
// counts disagree with the sizes derived from its totals. Either condition
// is fatal: the volume must not be mounted.
func (sb *SuperBlock) Validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("%w: bad magic %#x", common.ErrCorruptSuper, sb.Magic)
	}
	if sb.NrIstoreBlocks != IstoreBlocks(sb.NrInodes) ||
		sb.NrIfreeBlocks != BitmapBlocks(sb.NrInodes) ||
		sb.NrBfreeBlocks != BitmapBlocks(sb.NrBlocks) {
		return fmt.Errorf("%w: layout counts disagree with totals", common.ErrCorruptSuper)
	}
	if sb.DataStart() >= sb.NrBlocks {
		return fmt.Errorf("%w: no room for data blocks", common.ErrCorruptSuper)
	}
	return nil
}

// Block ranges of the metadata regions, in layout order.

func (sb *SuperBlock) IstoreStart() common.Bnum {
	return 1
}

func (sb *SuperBlock) IfreeStart() common.Bnum {
	return 1 + sb.NrIstoreBlocks
}

func (sb *SuperBlock) BfreeStart() common.Bnum {
	return 1 + sb.NrIstoreBlocks + sb.NrIfreeBlocks
}

func (sb *SuperBlock) DataStart() common.Bnum {
	return 1 + sb.NrIstoreBlocks + sb.NrIfreeBlocks + sb.NrBfreeBlocks
}

// InodeLocation returns the block and in-block byte offset of an inode
// record in the inode store.
func (sb *SuperBlock) InodeLocation(ino common.Inum) (common.Bnum, uint32) {
	return sb.IstoreStart() + ino/InodesPerBlock, (ino % InodesPerBlock) * InodeSize
}
