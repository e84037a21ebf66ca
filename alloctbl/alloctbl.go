// Package alloctbl manages the free/used state of inodes and data blocks.
// Both bitmaps are mirrored into memory from their on-disk blocks at mount
// and written back on Sync. Every mutation runs under one allocation lock:
// bitmap bits and the free counters change as a single logical unit.
package alloctbl

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

type AllocTbl struct {
	mu sync.Mutex

	cache common.BlockCache
	sb    *disklayout.SuperBlock // geometry only; counters live below

	ifree []byte // one bit per inode, set = used
	bfree []byte // one bit per block, set = used

	freeInodes uint32
	freeBlocks uint32

	isearch uint32 // start searching for unallocated inodes here
	idirty  bool
	bdirty  bool
}

// New mirrors both bitmaps from disk and reconciles their popcounts against
// the superblock's stored free counters. A disagreement means the volume
// needs offline repair; the mount must abort.
func New(sb *disklayout.SuperBlock, cache common.BlockCache) (*AllocTbl, error) {
	a := &AllocTbl{
		cache: cache,
		sb:    sb,
		ifree: make([]byte, int(sb.NrIfreeBlocks)*disklayout.BlockSize),
		bfree: make([]byte, int(sb.NrBfreeBlocks)*disklayout.BlockSize),
	}
	if err := a.readBitmap(sb.IfreeStart(), a.ifree); err != nil {
		return nil, err
	}
	if err := a.readBitmap(sb.BfreeStart(), a.bfree); err != nil {
		return nil, err
	}

	a.freeInodes = countFree(a.ifree, sb.NrInodes)
	a.freeBlocks = countFree(a.bfree, sb.NrBlocks)
	if a.freeInodes != sb.NrFreeInodes {
		return nil, fmt.Errorf("%w: %d free inode bits, counter says %d",
			common.ErrBitmapMismatch, a.freeInodes, sb.NrFreeInodes)
	}
	if a.freeBlocks != sb.NrFreeBlocks {
		return nil, fmt.Errorf("%w: %d free block bits, counter says %d",
			common.ErrBitmapMismatch, a.freeBlocks, sb.NrFreeBlocks)
	}
	return a, nil
}

// AllocInode finds the lowest free inode, marks it used and decrements the
// free-inode counter.
func (a *AllocTbl) AllocInode() (common.Inum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ino := a.isearch; ino < a.sb.NrInodes; ino++ {
		if !testBit(a.ifree, ino) {
			setBit(a.ifree, ino)
			a.freeInodes--
			a.idirty = true
			a.isearch = ino // all bits below remain used
			return ino, nil
		}
	}
	logrus.Warn("alloctbl: out of inodes on device")
	return 0, common.ErrNoSpace
}

// FreeInode returns an inode to the bitmap. Freeing an inode that is not
// allocated is a caller bug, not a runtime condition.
func (a *AllocTbl) FreeInode(ino common.Inum) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ino >= a.sb.NrInodes || !testBit(a.ifree, ino) {
		panic(fmt.Sprintf("alloctbl: tried to free unused inode %d", ino))
	}
	clearBit(a.ifree, ino)
	a.freeInodes++
	a.idirty = true
	if ino < a.isearch {
		a.isearch = ino
	}
}

// AllocBlocks finds the first run of n contiguous free blocks, marks it
// used and returns its start. Fragmentation is a real failure mode: the run
// may be unavailable even when n free blocks exist in total.
func (a *AllocTbl) AllocBlocks(n uint32) (common.Bnum, error) {
	if n == 0 || n > disklayout.MaxBlocksPerExtent {
		panic(fmt.Sprintf("alloctbl: bad run length %d", n))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var run uint32
	for b := a.sb.DataStart(); b < a.sb.NrBlocks; b++ {
		if testBit(a.bfree, b) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := b - n + 1
			for i := start; i <= b; i++ {
				setBit(a.bfree, i)
			}
			a.freeBlocks -= n
			a.bdirty = true
			return start, nil
		}
	}
	logrus.WithField("run", n).Warn("alloctbl: no free block run on device")
	return 0, common.ErrNoSpace
}

// FreeBlocks returns a run to the bitmap. Any block in the run already free
// is a caller bug.
func (a *AllocTbl) FreeBlocks(start common.Bnum, n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if start < a.sb.DataStart() || start+n > a.sb.NrBlocks {
		panic(fmt.Sprintf("alloctbl: free of block run %d+%d outside data area", start, n))
	}
	for b := start; b < start+n; b++ {
		if !testBit(a.bfree, b) {
			panic(fmt.Sprintf("alloctbl: tried to free unused block %d", b))
		}
		clearBit(a.bfree, b)
	}
	a.freeBlocks += n
	a.bdirty = true
}

// FreeCounts returns the current free-inode and free-block counters.
func (a *AllocTbl) FreeCounts() (inodes, blocks uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeInodes, a.freeBlocks
}

// Sync writes dirty bitmaps back through the cache and copies the counters
// into sb so the superblock manager can persist them with the same state.
func (a *AllocTbl) Sync(sb *disklayout.SuperBlock) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.idirty {
		if err := a.writeBitmap(a.sb.IfreeStart(), a.ifree); err != nil {
			return err
		}
		a.idirty = false
	}
	if a.bdirty {
		if err := a.writeBitmap(a.sb.BfreeStart(), a.bfree); err != nil {
			return err
		}
		a.bdirty = false
	}
	sb.NrFreeInodes = a.freeInodes
	sb.NrFreeBlocks = a.freeBlocks
	return nil
}

func (a *AllocTbl) readBitmap(start common.Bnum, dst []byte) error {
	for i := 0; i*disklayout.BlockSize < len(dst); i++ {
		cb, err := a.cache.Get(start+common.Bnum(i), common.NORMAL)
		if err != nil {
			return err
		}
		copy(dst[i*disklayout.BlockSize:], cb.Data)
		if err := a.cache.Put(cb); err != nil {
			return err
		}
	}
	return nil
}

func (a *AllocTbl) writeBitmap(start common.Bnum, src []byte) error {
	for i := 0; i*disklayout.BlockSize < len(src); i++ {
		cb, err := a.cache.Get(start+common.Bnum(i), common.NO_READ)
		if err != nil {
			return err
		}
		copy(cb.Data, src[i*disklayout.BlockSize:])
		cb.Dirty = true
		if err := a.cache.Put(cb); err != nil {
			return err
		}
	}
	return nil
}

func testBit(bm []byte, i uint32) bool {
	return bm[i/8]&(1<<(i%8)) != 0
}

func setBit(bm []byte, i uint32) {
	bm[i/8] |= 1 << (i % 8)
}

func clearBit(bm []byte, i uint32) {
	bm[i/8] &^= 1 << (i % 8)
}

// countFree popcounts the free bits among the first n of the bitmap.
func countFree(bm []byte, n uint32) uint32 {
	var used uint32
	for i := uint32(0); i < n/8; i++ {
		used += uint32(bits.OnesCount8(bm[i]))
	}
	for i := n - n%8; i < n; i++ {
		if testBit(bm, i) {
			used++
		}
	}
	return n - used
}
