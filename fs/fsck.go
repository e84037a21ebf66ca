package fs

import (
	"fmt"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

// Check walks an unmounted volume and reports inconsistencies: free
// counters that disagree with bitmap popcounts, inode records out of step
// with the inode bitmap, and extent indexes referencing free or out-of-range
// blocks. A validation failure of the superblock itself is returned as an
// error since nothing else can be trusted after it.
func Check(dev common.BlockDevice) ([]string, error) {
	buf := make([]byte, disklayout.BlockSize)
	if err := dev.ReadBlock(disklayout.SuperBlockNum, buf); err != nil {
		return nil, err
	}
	sb := disklayout.DecodeSuperBlock(buf)
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	ifree, err := readRegion(dev, sb.IfreeStart(), sb.NrIfreeBlocks)
	if err != nil {
		return nil, err
	}
	bfree, err := readRegion(dev, sb.BfreeStart(), sb.NrBfreeBlocks)
	if err != nil {
		return nil, err
	}

	var problems []string
	report := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if n := countFree(ifree, sb.NrInodes); n != sb.NrFreeInodes {
		report("free-inode counter %d, bitmap has %d free bits", sb.NrFreeInodes, n)
	}
	if n := countFree(bfree, sb.NrBlocks); n != sb.NrFreeBlocks {
		report("free-block counter %d, bitmap has %d free bits", sb.NrFreeBlocks, n)
	}

	for ino := uint32(0); ino < sb.NrInodes; ino++ {
		bnum, off := sb.InodeLocation(ino)
		if err := dev.ReadBlock(bnum, buf); err != nil {
			return problems, err
		}
		di := disklayout.DecodeInode(buf[off : off+disklayout.InodeSize])
		used := testBit(ifree, ino)
		if !used {
			if di.Mode != 0 || di.Nlink != 0 {
				report("inode %d is free but holds a record", ino)
			}
			continue
		}
		if di.Nlink == 0 {
			report("inode %d is allocated with zero link count", ino)
		}
		if di.EiBlock == 0 {
			continue
		}
		if di.EiBlock >= sb.NrBlocks || !testBit(bfree, di.EiBlock) {
			report("inode %d: extent index block %d not allocated", ino, di.EiBlock)
			continue
		}
		if err := dev.ReadBlock(di.EiBlock, buf); err != nil {
			return problems, err
		}
		checkIndex(ino, &di, disklayout.DecodeIndexBlock(buf), sb, bfree, report)
	}
	return problems, nil
}

func checkIndex(ino uint32, di *disklayout.Inode, ix *disklayout.IndexBlock, sb *disklayout.SuperBlock, bfree []byte, report func(string, ...interface{})) {
	if ix.NrEntries > disklayout.MaxExtents {
		report("inode %d: extent count %d above capacity", ino, ix.NrEntries)
		return
	}
	prevEnd := uint32(0)
	for i := uint32(0); i < ix.NrEntries; i++ {
		e := &ix.Extents[i]
		if e.Len == 0 || e.Len > disklayout.MaxBlocksPerExtent {
			report("inode %d: extent %d has bad length %d", ino, i, e.Len)
			continue
		}
		if i > 0 && e.Block < prevEnd {
			report("inode %d: extent %d overlaps logical coverage", ino, i)
		}
		prevEnd = e.Block + e.Len
		if e.Start < sb.DataStart() || e.Start+e.Len > sb.NrBlocks {
			report("inode %d: extent %d outside data area", ino, i)
			continue
		}
		for b := e.Start; b < e.Start+e.Len; b++ {
			if !testBit(bfree, b) {
				report("inode %d: extent %d references free block %d", ino, i, b)
			}
		}
		if !di.IsDirectory() && e.NrFiles != 0 {
			report("inode %d: non-directory extent %d carries entry count", ino, i)
		}
	}
}

func readRegion(dev common.BlockDevice, start common.Bnum, count uint32) ([]byte, error) {
	out := make([]byte, int(count)*disklayout.BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := dev.ReadBlock(start+i, out[int(i)*disklayout.BlockSize:(int(i)+1)*disklayout.BlockSize]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func testBit(bm []byte, i uint32) bool {
	return bm[i/8]&(1<<(i%8)) != 0
}

// countFree popcounts free bits among the first n.
func countFree(bm []byte, n uint32) uint32 {
	var free uint32
	for i := uint32(0); i < n; i++ {
		if !testBit(bm, i) {
			free++
		}
	}
	return free
}
