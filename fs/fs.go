// Package fs ties the core together into a filesystem instance: superblock
// validation at mount, the directory block manager, file data mapping, and
// explicit sync/unmount teardown. A FileSystem owns all of its state — the
// block cache, the allocator, the inode table — nothing here is process
// global.
package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hfyeh/simplefs/alloctbl"
	"github.com/hfyeh/simplefs/bcache"
	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
	"github.com/hfyeh/simplefs/inode"
)

type FileSystem struct {
	dev    common.BlockDevice
	cache  common.BlockCache
	sb     *disklayout.SuperBlock
	alloc  *alloctbl.AllocTbl
	store  *inode.Store
	itable *inode.Table
	trans  common.Trans
	log    *logrus.Logger

	cacheSlots int
}

// Option configures Mount.
type Option func(*FileSystem)

// WithTrans plugs in a journal's transaction bracketing. The core calls it
// around multi-block updates; correctness does not depend on it.
func WithTrans(t common.Trans) Option {
	return func(fs *FileSystem) { fs.trans = t }
}

// WithCacheSlots sets the number of block frames the cache holds.
func WithCacheSlots(n int) Option {
	return func(fs *FileSystem) { fs.cacheSlots = n }
}

// WithLogger routes the instance's log output.
func WithLogger(l *logrus.Logger) Option {
	return func(fs *FileSystem) { fs.log = l }
}

// Mount loads and validates the superblock, mirrors the bitmaps, and
// reconciles their popcounts against the stored free counters. Any magic or
// geometry mismatch fails with ErrCorruptSuper, a counter disagreement with
// ErrBitmapMismatch; both abort the mount.
func Mount(dev common.BlockDevice, opts ...Option) (*FileSystem, error) {
	fs := &FileSystem{
		dev:        dev,
		trans:      common.NopTrans{},
		log:        logrus.StandardLogger(),
		cacheSlots: 128,
	}
	for _, o := range opts {
		o(fs)
	}
	fs.cache = bcache.NewLRUCache(dev, fs.cacheSlots, 64, fs.trans)

	cb, err := fs.cache.Get(disklayout.SuperBlockNum, common.NORMAL)
	if err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	fs.sb = disklayout.DecodeSuperBlock(cb.Data)
	if err := fs.cache.Put(cb); err != nil {
		return nil, err
	}
	if err := fs.sb.Validate(); err != nil {
		return nil, err
	}

	fs.alloc, err = alloctbl.New(fs.sb, fs.cache)
	if err != nil {
		return nil, err
	}
	fs.store = inode.NewStore(fs.cache, fs.sb)
	fs.itable = inode.NewTable(fs.store)

	freeInodes, freeBlocks := fs.alloc.FreeCounts()
	fs.log.WithFields(logrus.Fields{
		"blocks":      fs.sb.NrBlocks,
		"inodes":      fs.sb.NrInodes,
		"free_blocks": freeBlocks,
		"free_inodes": freeInodes,
	}).Info("mounted simplefs volume")
	return fs, nil
}

// SuperBlock returns the volume geometry. The free counters it carries are
// refreshed on Sync; the live values are the allocator's.
func (fs *FileSystem) SuperBlock() disklayout.SuperBlock {
	return *fs.sb
}

// FreeCounts returns the live free-inode and free-block counters.
func (fs *FileSystem) FreeCounts() (inodes, blocks uint32) {
	return fs.alloc.FreeCounts()
}

// Sync persists all volatile state: dirty inodes, both bitmaps, the
// superblock with refreshed free counters, and finally the cache itself.
func (fs *FileSystem) Sync() error {
	if err := fs.itable.Flush(); err != nil {
		return err
	}
	if err := fs.alloc.Sync(fs.sb); err != nil {
		return err
	}
	cb, err := fs.cache.Get(disklayout.SuperBlockNum, common.NO_READ)
	if err != nil {
		return err
	}
	fs.sb.Encode(cb.Data)
	cb.Dirty = true
	if err := fs.cache.Put(cb); err != nil {
		return err
	}
	return fs.cache.Sync()
}

// Unmount syncs and releases the instance. The device is closed; the block
// cache and inode table do not survive it.
func (fs *FileSystem) Unmount() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	fs.cache.Invalidate()
	fs.log.Info("unmounted simplefs volume")
	return fs.dev.Close()
}

// Format initializes a device: superblock, zeroed inode store, both
// bitmaps with the metadata region marked used, and a root directory inode
// with an empty extent index. The device is written directly, not through a
// cache; Format must not run on a mounted volume.
func Format(dev common.BlockDevice, nrBlocks, nrInodes uint32) error {
	if nrInodes == 0 {
		return fmt.Errorf("format: need at least one inode")
	}
	sb := disklayout.NewSuperBlock(nrBlocks, nrInodes)
	if err := sb.Validate(); err != nil {
		return fmt.Errorf("format: %d blocks / %d inodes: %w", nrBlocks, nrInodes, err)
	}
	rootEi := sb.DataStart()
	if rootEi+1 >= nrBlocks {
		return fmt.Errorf("format: %d blocks leave no room for data", nrBlocks)
	}
	sb.NrFreeBlocks-- // root directory's extent index block

	buf := make([]byte, disklayout.BlockSize)
	sb.Encode(buf)
	if err := dev.WriteBlock(disklayout.SuperBlockNum, buf); err != nil {
		return err
	}

	// Inode store: all zero except the root record.
	root := disklayout.Inode{
		Mode:    disklayout.ModeDir | 0755,
		Nlink:   2,
		Blocks:  1,
		EiBlock: rootEi,
		CTime:   now(),
		ATime:   now(),
		MTime:   now(),
	}
	for i := uint32(0); i < sb.NrIstoreBlocks; i++ {
		zero(buf)
		if i == 0 {
			root.Encode(buf[:disklayout.InodeSize])
		}
		if err := dev.WriteBlock(sb.IstoreStart()+i, buf); err != nil {
			return err
		}
	}

	// Inode bitmap: only the root inode is used.
	if err := writeBitmapBlocks(dev, sb.IfreeStart(), sb.NrIfreeBlocks, buf, func(bit uint32) bool {
		return bit == uint32(common.RootInum)
	}); err != nil {
		return err
	}

	// Block bitmap: the metadata region plus the root index block.
	if err := writeBitmapBlocks(dev, sb.BfreeStart(), sb.NrBfreeBlocks, buf, func(bit uint32) bool {
		return bit <= rootEi
	}); err != nil {
		return err
	}

	// Root extent index: empty.
	zero(buf)
	if err := dev.WriteBlock(rootEi, buf); err != nil {
		return err
	}

	if err := dev.Sync(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"blocks": nrBlocks,
		"inodes": nrInodes,
	}).Info("formatted simplefs volume")
	return nil
}

func writeBitmapBlocks(dev common.BlockDevice, start common.Bnum, count uint32, buf []byte, used func(bit uint32) bool) error {
	for i := uint32(0); i < count; i++ {
		zero(buf)
		base := i * disklayout.BitsPerBlock
		for j := uint32(0); j < disklayout.BitsPerBlock; j++ {
			if used(base + j) {
				buf[j/8] |= 1 << (j % 8)
			}
		}
		if err := dev.WriteBlock(start+i, buf); err != nil {
			return err
		}
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
