// Package extent implements the per-inode extent index: the mapping from
// logical block ranges to physical block ranges, its search, and its
// append-only growth.
package extent

import (
	"errors"
	"fmt"

	"github.com/hfyeh/simplefs/alloctbl"
	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

// Init zeroes a freshly allocated index block.
func Init(cache common.BlockCache, eiBlock common.Bnum) error {
	cb, err := cache.Get(eiBlock, common.NO_READ)
	if err != nil {
		return err
	}
	cb.Dirty = true
	return cache.Put(cb)
}

// Search maps a logical block to its physical block through the index at
// eiBlock. Returns ErrNotFound when no extent covers it.
func Search(cache common.BlockCache, eiBlock common.Bnum, logical uint32) (common.Bnum, error) {
	cb, err := cache.Get(eiBlock, common.NORMAL)
	if err != nil {
		return 0, err
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)
	if err := cache.Put(cb); err != nil {
		return 0, err
	}
	phys, ok := ix.Search(logical)
	if !ok {
		return 0, common.ErrNotFound
	}
	return phys, nil
}

// Grow makes logical mapped. If an extent already covers it the existing
// physical block is returned (idempotent). Otherwise a run of up to
// MaxBlocksPerExtent contiguous blocks is allocated — shorter under
// fragmentation, and never long enough to reach an extent already covering
// higher logical blocks — zeroed, made durable, and only then inserted into
// the index in logical order as a new extent starting at logical. A crash
// mid-growth therefore leaves at worst unreferenced space, never a reference
// into uninitialized data.
//
// Returns the physical block for logical and the number of blocks newly
// allocated. Fails with ErrFileTooLarge when the extent array is full; that
// condition is permanent for this file.
func Grow(cache common.BlockCache, alloc *alloctbl.AllocTbl, eiBlock common.Bnum, logical uint32) (common.Bnum, uint32, error) {
	cb, err := cache.Get(eiBlock, common.NORMAL)
	if err != nil {
		return 0, 0, err
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)

	if phys, ok := ix.Search(logical); ok {
		return phys, 0, cache.Put(cb)
	}
	if ix.NrEntries >= disklayout.MaxExtents {
		cache.Put(cb)
		return 0, 0, common.ErrFileTooLarge
	}

	// Sparse growth may land below existing extents; the run must stop
	// before the first of them.
	limit := uint32(disklayout.MaxBlocksPerExtent)
	for i := uint32(0); i < ix.NrEntries; i++ {
		if e := &ix.Extents[i]; e.Block > logical && e.Block-logical < limit {
			limit = e.Block - logical
		}
	}

	// Take the longest contiguous run still available.
	var start common.Bnum
	var got uint32
	for want := limit; want >= 1; want-- {
		start, err = alloc.AllocBlocks(want)
		if err == nil {
			got = want
			break
		}
		if !errors.Is(err, common.ErrNoSpace) {
			cache.Put(cb)
			return 0, 0, err
		}
	}
	if got == 0 {
		cache.Put(cb)
		return 0, 0, common.ErrNoSpace
	}

	// New data blocks must be durable before the extent record referencing
	// them is linked into the index.
	if err := zeroRun(cache, start, got); err == nil {
		err = cache.Sync()
	} else {
		cache.Flush()
	}
	if err != nil {
		alloc.FreeBlocks(start, got)
		cache.Put(cb)
		return 0, 0, fmt.Errorf("extent: init run %d+%d: %w", start, got, err)
	}

	// Insert in logical order so the array stays sorted and non-overlapping
	// even when sparse writes touch blocks out of order.
	pos := ix.NrEntries
	for pos > 0 && ix.Extents[pos-1].Block > logical {
		ix.Extents[pos] = ix.Extents[pos-1]
		pos--
	}
	ix.Extents[pos] = disklayout.Extent{Block: logical, Len: got, Start: start}
	ix.NrEntries++
	ix.Encode(cb.Data)
	cb.Dirty = true
	if err := cache.Put(cb); err != nil {
		alloc.FreeBlocks(start, got)
		return 0, 0, err
	}
	return start, got, nil
}

// FreeAll returns every extent's run to the allocator and zeroes the index.
// Returns the number of data blocks freed; the index block itself belongs
// to the caller.
func FreeAll(cache common.BlockCache, alloc *alloctbl.AllocTbl, eiBlock common.Bnum) (uint32, error) {
	cb, err := cache.Get(eiBlock, common.NORMAL)
	if err != nil {
		return 0, err
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)

	var freed uint32
	for i := uint32(0); i < ix.NrEntries; i++ {
		e := &ix.Extents[i]
		alloc.FreeBlocks(e.Start, e.Len)
		freed += e.Len
	}
	*ix = disklayout.IndexBlock{}
	ix.Encode(cb.Data)
	cb.Dirty = true
	return freed, cache.Put(cb)
}

func zeroRun(cache common.BlockCache, start common.Bnum, n uint32) error {
	for i := uint32(0); i < n; i++ {
		cb, err := cache.Get(start+i, common.NO_READ)
		if err != nil {
			return err
		}
		cb.Dirty = true
		if err := cache.Put(cb); err != nil {
			return err
		}
	}
	return nil
}
