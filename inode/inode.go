// Package inode provides the fixed-size inode record store and the
// in-memory inode table. The table is owned by one filesystem instance:
// it is built at mount and torn down at unmount, never process-global.
package inode

import (
	"sync"

	"github.com/google/btree"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

// Inode is the in-memory representation of an inode: the disk record plus
// the bookkeeping the core needs. The embedded mutex serializes all
// mutations of the record and of the file's extent index, so concurrent
// writers to the same file never interleave extent appends.
type Inode struct {
	disklayout.Inode

	Num   common.Inum
	Count int // clients holding this inode
	Dirty bool

	mu sync.Mutex
}

func (ip *Inode) Lock()   { ip.mu.Lock() }
func (ip *Inode) Unlock() { ip.mu.Unlock() }

// Store reads and writes inode records at their fixed slots in the
// inode-store blocks. It decides nothing about allocation.
type Store struct {
	cache common.BlockCache
	sb    *disklayout.SuperBlock
}

func NewStore(cache common.BlockCache, sb *disklayout.SuperBlock) *Store {
	return &Store{cache: cache, sb: sb}
}

// Get reads the record for ino.
func (s *Store) Get(ino common.Inum) (disklayout.Inode, error) {
	if ino >= s.sb.NrInodes {
		return disklayout.Inode{}, common.ErrNotFound
	}
	bnum, off := s.sb.InodeLocation(ino)
	cb, err := s.cache.Get(bnum, common.NORMAL)
	if err != nil {
		return disklayout.Inode{}, err
	}
	di := disklayout.DecodeInode(cb.Data[off : off+disklayout.InodeSize])
	return di, s.cache.Put(cb)
}

// Put overwrites the whole record for ino.
func (s *Store) Put(ino common.Inum, di *disklayout.Inode) error {
	if ino >= s.sb.NrInodes {
		return common.ErrNotFound
	}
	bnum, off := s.sb.InodeLocation(ino)
	cb, err := s.cache.Get(bnum, common.NORMAL)
	if err != nil {
		return err
	}
	di.Encode(cb.Data[off : off+disklayout.InodeSize])
	cb.Dirty = true
	return s.cache.Put(cb)
}

// Table caches in-memory inodes by inode number. Lookups share one object
// per inode so that its lock actually serializes mutations.
type Table struct {
	mu     sync.Mutex
	store  *Store
	inodes *btree.BTreeG[*Inode]
}

func NewTable(store *Store) *Table {
	return &Table{
		store: store,
		inodes: btree.NewG[*Inode](8, func(a, b *Inode) bool {
			return a.Num < b.Num
		}),
	}
}

// Get returns the shared in-memory inode for ino, loading the record from
// the store on first use.
func (t *Table) Get(ino common.Inum) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ip, ok := t.inodes.Get(&Inode{Num: ino}); ok {
		ip.Count++
		return ip, nil
	}
	di, err := t.store.Get(ino)
	if err != nil {
		return nil, err
	}
	ip := &Inode{Inode: di, Num: ino, Count: 1}
	t.inodes.ReplaceOrInsert(ip)
	return ip, nil
}

// Put releases one reference. The last Put of a dirty inode writes the
// record back and evicts it from the table.
func (t *Table) Put(ip *Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ip.Count--
	if ip.Count > 0 {
		return nil
	}
	var err error
	if ip.Dirty {
		err = t.store.Put(ip.Num, &ip.Inode)
		ip.Dirty = err != nil
	}
	if err == nil {
		t.inodes.Delete(ip)
	}
	return err
}

// Remove drops the inode without writing it back. Used when the inode has
// been deleted and its slot returned to the allocator.
func (t *Table) Remove(ip *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ip.Count--
	ip.Dirty = false
	if ip.Count <= 0 {
		t.inodes.Delete(ip)
	}
}

// Flush writes all dirty inodes back, in inode-number order.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	t.inodes.Ascend(func(ip *Inode) bool {
		if ip.Dirty {
			if err = t.store.Put(ip.Num, &ip.Inode); err != nil {
				return false
			}
			ip.Dirty = false
		}
		return true
	})
	return err
}
