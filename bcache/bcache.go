// Package bcache implements an LRU block cache between the filesystem core
// and the raw block device. Blocks are pinned from Get until the matching
// Put; dirty blocks are written back on eviction, Flush or Sync.
package bcache

import (
	"fmt"
	"sync"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
)

// noBlock marks an unused cache slot.
const noBlock = ^common.Bnum(0)

// An elaboration of the CacheBlock type, decorated with the members we need
// to handle the LRU cache policy.
type lruBuf struct {
	*common.CacheBlock

	count int // the number of clients of this block

	prev *lruBuf // used to link all free bufs in a chain
	next *lruBuf // used to link all free bufs the other way

	bHash *lruBuf // used to link all bufs on a hash chain together
}

type LRUCache struct {
	mu sync.Mutex

	dev   common.BlockDevice
	trans common.Trans

	buf      []*lruBuf // static list of cache blocks
	bufHash  []*lruBuf // the buffer hash table
	hashMask common.Bnum
	front    *lruBuf // least recently used unpinned block
	rear     *lruBuf // most recently used unpinned block
}

var _ common.BlockCache = (*LRUCache)(nil)

// NewLRUCache creates a cache of numslots block frames over dev. numhash
// must be a power of two. Dirty blocks announce themselves to trans before
// they can reach the device.
func NewLRUCache(dev common.BlockDevice, numslots, numhash int, trans common.Trans) *LRUCache {
	if trans == nil {
		trans = common.NopTrans{}
	}
	c := &LRUCache{
		dev:      dev,
		trans:    trans,
		buf:      make([]*lruBuf, numslots),
		bufHash:  make([]*lruBuf, numhash),
		hashMask: common.Bnum(numhash - 1),
	}
	for i := range c.buf {
		c.buf[i] = &lruBuf{
			CacheBlock: &common.CacheBlock{
				Data:     make([]byte, disklayout.BlockSize),
				Blocknum: noBlock,
			},
		}
		c.buf[i].Buf = c.buf[i]
		c.appendRear(c.buf[i])
	}
	return c
}

// Get returns the block pinned. With NO_READ the caller promises to
// overwrite the whole frame, so no device read happens for a cache miss.
func (c *LRUCache) Get(b common.Bnum, flag int) (*common.CacheBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Search the hash chain first.
	for lb := c.bufHash[b&c.hashMask]; lb != nil; lb = lb.bHash {
		if lb.Blocknum == b {
			if lb.count == 0 {
				c.unlink(lb)
			}
			lb.count++
			return lb.CacheBlock, nil
		}
	}

	// Not cached; reclaim the least recently used unpinned frame.
	lb := c.front
	if lb == nil {
		return nil, fmt.Errorf("bcache: all buffers in use: %w", common.ErrBusy)
	}
	c.unlink(lb)
	if lb.Dirty {
		if err := c.writeBack(lb); err != nil {
			c.appendFront(lb)
			return nil, err
		}
	}
	if lb.Blocknum != noBlock {
		c.unhash(lb)
	}

	lb.Blocknum = b
	lb.Dirty = false
	lb.bHash = c.bufHash[b&c.hashMask]
	c.bufHash[b&c.hashMask] = lb

	if flag == common.NO_READ {
		for i := range lb.Data {
			lb.Data[i] = 0
		}
	} else if err := c.dev.ReadBlock(b, lb.Data); err != nil {
		c.unhash(lb)
		lb.Blocknum = noBlock
		c.appendFront(lb)
		return nil, err
	}
	lb.count++
	return lb.CacheBlock, nil
}

// Put unpins the block. A dirty block is announced to the journal here;
// the actual write-back happens on eviction or Flush.
func (c *LRUCache) Put(cb *common.CacheBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lb := cb.Buf.(*lruBuf)
	if lb.count <= 0 {
		panic("bcache: put of unpinned block")
	}
	var err error
	if cb.Dirty {
		err = c.trans.Intent(cb.Blocknum)
	}
	lb.count--
	if lb.count == 0 {
		c.appendRear(lb)
	}
	return err
}

// Flush writes every dirty unpinned block back to the device.
func (c *LRUCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lb := range c.buf {
		if lb.Dirty && lb.Blocknum != noBlock {
			if err := c.writeBack(lb); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sync flushes the cache and makes the device durable.
func (c *LRUCache) Sync() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.dev.Sync()
}

// Invalidate drops all unpinned blocks without writing them back.
func (c *LRUCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lb := range c.buf {
		if lb.count == 0 && lb.Blocknum != noBlock {
			c.unhash(lb)
			lb.Blocknum = noBlock
			lb.Dirty = false
		}
	}
}

func (c *LRUCache) writeBack(lb *lruBuf) error {
	if err := c.dev.WriteBlock(lb.Blocknum, lb.Data); err != nil {
		return fmt.Errorf("bcache: write back block %d: %w", lb.Blocknum, err)
	}
	lb.Dirty = false
	return nil
}

// unlink removes lb from the LRU list.
func (c *LRUCache) unlink(lb *lruBuf) {
	if lb.prev != nil {
		lb.prev.next = lb.next
	} else {
		c.front = lb.next
	}
	if lb.next != nil {
		lb.next.prev = lb.prev
	} else {
		c.rear = lb.prev
	}
	lb.prev, lb.next = nil, nil
}

// appendRear makes lb the most recently used block.
func (c *LRUCache) appendRear(lb *lruBuf) {
	lb.prev = c.rear
	lb.next = nil
	if c.rear != nil {
		c.rear.next = lb
	} else {
		c.front = lb
	}
	c.rear = lb
}

// appendFront returns lb to the reclaim end of the list.
func (c *LRUCache) appendFront(lb *lruBuf) {
	lb.next = c.front
	lb.prev = nil
	if c.front != nil {
		c.front.prev = lb
	} else {
		c.rear = lb
	}
	c.front = lb
}

// unhash removes lb from its hash chain.
func (c *LRUCache) unhash(lb *lruBuf) {
	h := lb.Blocknum & c.hashMask
	if c.bufHash[h] == lb {
		c.bufHash[h] = lb.bHash
		lb.bHash = nil
		return
	}
	for p := c.bufHash[h]; p != nil; p = p.bHash {
		if p.bHash == lb {
			p.bHash = lb.bHash
			lb.bHash = nil
			return
		}
	}
}
