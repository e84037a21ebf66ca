package extent_test

import (
	"errors"
	"testing"

	"github.com/hfyeh/simplefs/alloctbl"
	"github.com/hfyeh/simplefs/bcache"
	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/device"
	"github.com/hfyeh/simplefs/disklayout"
	"github.com/hfyeh/simplefs/extent"
	"github.com/hfyeh/simplefs/fs"
)

// newTestIndex formats an in-memory volume and hands back a fresh extent
// index block with its allocator and cache.
func newTestIndex(t *testing.T, nrBlocks uint32) (common.BlockCache, *alloctbl.AllocTbl, common.Bnum) {
	t.Helper()
	dev := device.NewRamDevice(nrBlocks)
	if err := fs.Format(dev, nrBlocks, 56); err != nil {
		t.Fatalf("format: %v", err)
	}
	cache := bcache.NewLRUCache(dev, 64, 32, nil)
	cb, err := cache.Get(disklayout.SuperBlockNum, common.NORMAL)
	if err != nil {
		t.Fatal(err)
	}
	sb := disklayout.DecodeSuperBlock(cb.Data)
	if err := cache.Put(cb); err != nil {
		t.Fatal(err)
	}
	alloc, err := alloctbl.New(sb, cache)
	if err != nil {
		t.Fatal(err)
	}
	ei, err := alloc.AllocBlocks(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := extent.Init(cache, ei); err != nil {
		t.Fatal(err)
	}
	return cache, alloc, ei
}

func TestGrowThenSearch(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	phys, allocated, err := extent.Grow(cache, alloc, ei, 0)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if allocated != disklayout.MaxBlocksPerExtent {
		t.Fatalf("allocated %d blocks, want a full run of %d", allocated, disklayout.MaxBlocksPerExtent)
	}

	// The whole run is now covered.
	for logical := uint32(0); logical < allocated; logical++ {
		got, err := extent.Search(cache, ei, logical)
		if err != nil {
			t.Fatalf("search(%d): %v", logical, err)
		}
		if got != phys+logical {
			t.Errorf("search(%d) = %d, want %d", logical, got, phys+logical)
		}
	}
	if _, err := extent.Search(cache, ei, allocated); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("search past coverage returned %v, want ErrNotFound", err)
	}
}

func TestGrowIdempotent(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	first, _, err := extent.Grow(cache, alloc, ei, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, freeBefore := alloc.FreeCounts()

	phys, allocated, err := extent.Grow(cache, alloc, ei, 3)
	if err != nil {
		t.Fatal(err)
	}
	if allocated != 0 {
		t.Errorf("grow of a mapped block allocated %d blocks", allocated)
	}
	if phys != first+3 {
		t.Errorf("grow of a mapped block returned %d, want %d", phys, first+3)
	}
	if _, freeAfter := alloc.FreeCounts(); freeAfter != freeBefore {
		t.Error("idempotent grow changed the free-block counter")
	}
}

func TestGrowAppendsExtents(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	a, _, err := extent.Grow(cache, alloc, ei, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := extent.Grow(cache, alloc, ei, 8)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("second extent reuses the first extent's run")
	}
	got, err := extent.Search(cache, ei, 11)
	if err != nil {
		t.Fatal(err)
	}
	if got != b+3 {
		t.Errorf("search(11) = %d, want %d", got, b+3)
	}
}

func TestGrowPartialRunUnderFragmentation(t *testing.T) {
	// Eight data blocks after format; one becomes the test index, six get
	// fragmented so only single-block runs survive.
	cache, alloc, ei := newTestIndex(t, 13)

	singles := make([]common.Bnum, 6)
	for i := range singles {
		b, err := alloc.AllocBlocks(1)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		singles[i] = b
	}
	for i := 0; i < len(singles); i += 2 {
		alloc.FreeBlocks(singles[i], 1)
	}

	phys, allocated, err := extent.Grow(cache, alloc, ei, 0)
	if err != nil {
		t.Fatalf("grow on fragmented volume: %v", err)
	}
	if allocated != 1 {
		t.Errorf("allocated a run of %d, want the longest available run of 1", allocated)
	}
	if phys != singles[0] {
		t.Errorf("run starts at %d, want first-fit %d", phys, singles[0])
	}
}

func TestGrowNoSpace(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 13)

	// Consume the remaining seven data blocks.
	for {
		if _, err := alloc.AllocBlocks(1); err != nil {
			break
		}
	}
	if _, _, err := extent.Grow(cache, alloc, ei, 0); !errors.Is(err, common.ErrNoSpace) {
		t.Errorf("grow on a full volume returned %v, want ErrNoSpace", err)
	}
}

func TestGrowCapacityCeiling(t *testing.T) {
	// Enough room for all 255 full extents: 2040 data blocks plus
	// metadata, the root index and the test index.
	cache, alloc, ei := newTestIndex(t, 2200)

	for i := 0; i < disklayout.MaxExtents; i++ {
		logical := uint32(i * disklayout.MaxBlocksPerExtent)
		if _, allocated, err := extent.Grow(cache, alloc, ei, logical); err != nil {
			t.Fatalf("grow extent %d: %v", i, err)
		} else if allocated != disklayout.MaxBlocksPerExtent {
			t.Fatalf("extent %d got a short run of %d", i, allocated)
		}
	}

	// The file now spans exactly MaxFileSize; one more block is permanent
	// failure, not ErrNoSpace.
	last := uint32(disklayout.MaxExtents * disklayout.MaxBlocksPerExtent)
	if _, _, err := extent.Grow(cache, alloc, ei, last); !errors.Is(err, common.ErrFileTooLarge) {
		t.Errorf("grow past capacity returned %v, want ErrFileTooLarge", err)
	}
}

// Sparse growth below an existing extent must keep the array sorted by
// logical start.
func TestGrowSparseKeepsSortedIndex(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	if _, _, err := extent.Grow(cache, alloc, ei, 16); err != nil {
		t.Fatal(err)
	}
	if _, _, err := extent.Grow(cache, alloc, ei, 0); err != nil {
		t.Fatal(err)
	}

	cb, err := cache.Get(ei, common.NORMAL)
	if err != nil {
		t.Fatal(err)
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)
	if err := cache.Put(cb); err != nil {
		t.Fatal(err)
	}
	if ix.NrEntries != 2 {
		t.Fatalf("index holds %d extents, want 2", ix.NrEntries)
	}
	if ix.Extents[0].Block != 0 || ix.Extents[1].Block != 16 {
		t.Errorf("extents at logical (%d, %d), want sorted (0, 16)",
			ix.Extents[0].Block, ix.Extents[1].Block)
	}
}

// A run grown between two extents stops before the next one's coverage.
func TestGrowStopsAtNextExtent(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	high, _, err := extent.Grow(cache, alloc, ei, 16)
	if err != nil {
		t.Fatal(err)
	}
	phys, allocated, err := extent.Grow(cache, alloc, ei, 12)
	if err != nil {
		t.Fatal(err)
	}
	if allocated != 4 {
		t.Errorf("allocated a run of %d, want 4 (capped by the next extent)", allocated)
	}
	for logical := uint32(12); logical < 16; logical++ {
		got, err := extent.Search(cache, ei, logical)
		if err != nil {
			t.Fatalf("search(%d): %v", logical, err)
		}
		if got != phys+(logical-12) {
			t.Errorf("search(%d) = %d, want %d", logical, got, phys+(logical-12))
		}
	}
	// Logical 16 still belongs to the original extent.
	got, err := extent.Search(cache, ei, 16)
	if err != nil {
		t.Fatal(err)
	}
	if got != high {
		t.Errorf("search(16) = %d, want %d", got, high)
	}
}

func TestFreeAll(t *testing.T) {
	cache, alloc, ei := newTestIndex(t, 256)

	if _, _, err := extent.Grow(cache, alloc, ei, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := extent.Grow(cache, alloc, ei, 8); err != nil {
		t.Fatal(err)
	}
	_, freeBefore := alloc.FreeCounts()

	freed, err := extent.FreeAll(cache, alloc, ei)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 16 {
		t.Errorf("freed %d blocks, want 16", freed)
	}
	if _, freeAfter := alloc.FreeCounts(); freeAfter != freeBefore+16 {
		t.Errorf("free counter %d after FreeAll, want %d", freeAfter, freeBefore+16)
	}
	if _, err := extent.Search(cache, ei, 0); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("search after FreeAll returned %v, want ErrNotFound", err)
	}
}
