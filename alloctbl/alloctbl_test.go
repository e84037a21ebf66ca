package alloctbl_test

import (
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/hfyeh/simplefs/alloctbl"
	"github.com/hfyeh/simplefs/bcache"
	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/device"
	"github.com/hfyeh/simplefs/disklayout"
	"github.com/hfyeh/simplefs/fs"
)

// newTestAlloc formats a fresh in-memory volume and opens its allocator.
func newTestAlloc(t *testing.T, nrBlocks, nrInodes uint32) (*alloctbl.AllocTbl, *disklayout.SuperBlock) {
	t.Helper()
	dev := device.NewRamDevice(nrBlocks)
	if err := fs.Format(dev, nrBlocks, nrInodes); err != nil {
		t.Fatalf("format: %v", err)
	}
	cache := bcache.NewLRUCache(dev, 32, 16, nil)
	cb, err := cache.Get(disklayout.SuperBlockNum, common.NORMAL)
	if err != nil {
		t.Fatalf("read superblock: %v", err)
	}
	sb := disklayout.DecodeSuperBlock(cb.Data)
	if err := cache.Put(cb); err != nil {
		t.Fatal(err)
	}
	a, err := alloctbl.New(sb, cache)
	if err != nil {
		t.Fatalf("open allocator: %v", err)
	}
	return a, sb
}

func TestAllocInodeDistinctFirstFit(t *testing.T) {
	a, sb := newTestAlloc(t, 64, 200)

	freeBefore, _ := a.FreeCounts()
	const n = 100
	seen := make(map[common.Inum]bool)
	for i := 0; i < n; i++ {
		ino, err := a.AllocInode()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[ino] {
			t.Fatalf("inode %d allocated twice", ino)
		}
		if ino >= sb.NrInodes {
			t.Fatalf("inode %d out of range", ino)
		}
		seen[ino] = true
	}
	freeAfter, _ := a.FreeCounts()
	if freeBefore-freeAfter != n {
		t.Errorf("free-inode counter dropped by %d, want %d", freeBefore-freeAfter, n)
	}

	// Free a few and check the lowest one comes back first.
	for _, ino := range []common.Inum{50, 7, 23} {
		a.FreeInode(ino)
	}
	ino, err := a.AllocInode()
	if err != nil {
		t.Fatal(err)
	}
	if ino != 7 {
		t.Errorf("reallocation returned %d, want lowest free inode 7", ino)
	}
}

func TestAllocInodeExhaustion(t *testing.T) {
	a, sb := newTestAlloc(t, 64, 60)

	// One inode is the root; the rest must allocate, then nothing more.
	for i := uint32(1); i < sb.NrInodes; i++ {
		if _, err := a.AllocInode(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := a.AllocInode(); !errors.Is(err, common.ErrNoSpace) {
		t.Errorf("exhausted allocator returned %v, want ErrNoSpace", err)
	}
}

func TestAllocBlocksContiguous(t *testing.T) {
	a, _ := newTestAlloc(t, 128, 56)

	start, err := a.AllocBlocks(8)
	if err != nil {
		t.Fatal(err)
	}
	next, err := a.AllocBlocks(8)
	if err != nil {
		t.Fatal(err)
	}
	if next != start+8 {
		t.Errorf("second run starts at %d, want %d", next, start+8)
	}
	a.FreeBlocks(start, 8)
	again, err := a.AllocBlocks(4)
	if err != nil {
		t.Fatal(err)
	}
	if again != start {
		t.Errorf("first-fit reallocation at %d, want %d", again, start)
	}
}

func TestAllocBlocksFragmentation(t *testing.T) {
	// Geometry: 1 superblock + 1 istore + 1 ifree + 1 bfree, root index at
	// block 4, eight data blocks behind it.
	a, sb := newTestAlloc(t, 13, 56)
	if sb.DataStart() != 4 {
		t.Fatalf("data starts at %d, expected 4", sb.DataStart())
	}

	blocks := make([]common.Bnum, 8)
	for i := range blocks {
		b, err := a.AllocBlocks(1)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		blocks[i] = b
	}
	// Free every other block: four free blocks, but no run of two.
	for i := 0; i < len(blocks); i += 2 {
		a.FreeBlocks(blocks[i], 1)
	}
	_, freeBlocks := a.FreeCounts()
	if freeBlocks != 4 {
		t.Fatalf("free blocks = %d, want 4", freeBlocks)
	}
	if _, err := a.AllocBlocks(2); !errors.Is(err, common.ErrNoSpace) {
		t.Errorf("fragmented run request returned %v, want ErrNoSpace", err)
	}
	// Single blocks still allocate, lowest first.
	b, err := a.AllocBlocks(1)
	if err != nil {
		t.Fatal(err)
	}
	if b != blocks[0] {
		t.Errorf("single block at %d, want %d", b, blocks[0])
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a, _ := newTestAlloc(t, 64, 56)

	ino, err := a.AllocInode()
	if err != nil {
		t.Fatal(err)
	}
	a.FreeInode(ino)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("double inode free did not panic")
			}
		}()
		a.FreeInode(ino)
	}()

	b, err := a.AllocBlocks(2)
	if err != nil {
		t.Fatal(err)
	}
	a.FreeBlocks(b, 2)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("double block free did not panic")
			}
		}()
		a.FreeBlocks(b, 2)
	}()
}

func TestBitmapMismatchRejected(t *testing.T) {
	dev := device.NewRamDevice(64)
	if err := fs.Format(dev, 64, 56); err != nil {
		t.Fatal(err)
	}
	cache := bcache.NewLRUCache(dev, 32, 16, nil)
	cb, err := cache.Get(disklayout.SuperBlockNum, common.NORMAL)
	if err != nil {
		t.Fatal(err)
	}
	sb := disklayout.DecodeSuperBlock(cb.Data)
	if err := cache.Put(cb); err != nil {
		t.Fatal(err)
	}

	sb.NrFreeInodes-- // counter no longer matches the bitmap popcount
	if _, err := alloctbl.New(sb, cache); !errors.Is(err, common.ErrBitmapMismatch) {
		t.Errorf("mismatched counter accepted: %v", err)
	}
}

// K concurrent single-block requests against F free blocks must produce
// exactly F successes with pairwise distinct blocks and K-F ErrNoSpace.
func TestConcurrentBlockAlloc(t *testing.T) {
	a, _ := newTestAlloc(t, 13, 56)
	_, free := a.FreeCounts()
	if free != 8 {
		t.Fatalf("free blocks = %d, want 8", free)
	}

	const k = 32
	var mu sync.Mutex
	var got []common.Bnum
	var noSpace int

	var g errgroup.Group
	for i := 0; i < k; i++ {
		g.Go(func() error {
			b, err := a.AllocBlocks(1)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, common.ErrNoSpace) {
				noSpace++
				return nil
			}
			if err != nil {
				return err
			}
			got = append(got, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(got) != int(free) {
		t.Errorf("%d successful allocations, want %d", len(got), free)
	}
	if noSpace != k-int(free) {
		t.Errorf("%d ErrNoSpace failures, want %d", noSpace, k-int(free))
	}
	seen := make(map[common.Bnum]bool)
	for _, b := range got {
		if seen[b] {
			t.Errorf("block %d allocated twice", b)
		}
		seen[b] = true
	}
	if in, blocks := a.FreeCounts(); blocks != 0 {
		t.Errorf("free counters after exhaustion = (%d, %d), want 0 blocks", in, blocks)
	}
}
