// Package common holds the types and interfaces shared between the
// filesystem core and its collaborators: the raw block device, the block
// cache, and the optional journal bracketing.
package common

// Inum is an inode number, Bnum an absolute block number on the device.
type Inum = uint32
type Bnum = uint32

// RootInum is the inode number of the root directory, allocated at format
// time as the first bit of the inode bitmap.
const RootInum Inum = 0

// BlockDevice is the raw fixed-size block I/O the core runs against. Reads
// and writes transfer exactly one block; Sync makes previous writes durable.
type BlockDevice interface {
	ReadBlock(b Bnum, buf []byte) error
	WriteBlock(b Bnum, buf []byte) error
	Sync() error
	Close() error
}

// CacheBlock is a block held by the cache. Data is the full block frame,
// Dirty marks it for write-back. Buf is reserved for the cache policy.
type CacheBlock struct {
	Data     []byte
	Blocknum Bnum
	Dirty    bool

	Buf interface{}
}

// Read flags for BlockCache.Get.
const (
	NORMAL  = iota // read the block from the device if not cached
	NO_READ        // caller will overwrite the whole block; skip the read
)

// BlockCache caches device blocks. Get pins a block until the matching Put;
// dirty blocks are written back on eviction or Flush.
type BlockCache interface {
	Get(b Bnum, flag int) (*CacheBlock, error)
	Put(cb *CacheBlock) error
	Flush() error
	Sync() error
	Invalidate()
}

// Trans is the transaction bracketing offered to a journaling collaborator.
// The core calls Begin before a multi-block update, Intent for every block
// it is about to dirty, Commit when the update is complete, and Abort when
// the update fails partway so the intent sequence is abandoned. The core is
// correct without a journal; bracketing exists for crash durability only.
type Trans interface {
	Begin() error
	Intent(b Bnum) error
	Commit() error
	Abort()
}

// NopTrans is the default Trans for journal-less operation.
type NopTrans struct{}

func (NopTrans) Begin() error       { return nil }
func (NopTrans) Intent(Bnum) error  { return nil }
func (NopTrans) Commit() error      { return nil }
func (NopTrans) Abort()             {}

var _ Trans = NopTrans{}
