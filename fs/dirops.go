package fs

import (
	"errors"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
	"github.com/hfyeh/simplefs/extent"
	"github.com/hfyeh/simplefs/inode"
)

// A directory's content is a sequence of directory blocks reached through
// its extent index, exactly as file data blocks are. Entry bookkeeping runs
// at three scopes, each owned here: a block's own entry count, the covering
// extent's entry tally, and the index-level count of extents in use.

// DirEntry is one live directory entry as reported to callers.
type DirEntry struct {
	Name  string
	Inode common.Inum
}

// DirCursor addresses a position in a directory listing: extent, block
// within the extent, entry within the block. The zero value is the start.
type DirCursor struct {
	Extent uint32
	Block  uint32
	Entry  uint32
}

// AddEntry inserts an entry into a directory. Fails with ErrExists for a
// duplicate name, ErrDirFull once the directory's entry capacity is
// exhausted, and ErrNoSpace when a fresh directory block cannot be
// allocated.
func (fs *FileSystem) AddEntry(dir common.Inum, name string, target common.Inum) error {
	ip, err := fs.getDir(dir)
	if err != nil {
		return err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	if err := fs.trans.Begin(); err != nil {
		return err
	}
	if err := fs.addEntryLocked(ip, name, target); err != nil {
		fs.trans.Abort()
		return err
	}
	return fs.trans.Commit()
}

func (fs *FileSystem) addEntryLocked(ip *inode.Inode, name string, target common.Inum) error {
	if err := checkName(name); err != nil {
		return err
	}
	ix, err := fs.readIndex(ip)
	if err != nil {
		return err
	}

	// One pass over the live entries: reject duplicates, remember the first
	// block with a free slot.
	var total uint32
	slotExt := -1
	var slotBlock common.Bnum
	for e := uint32(0); e < ix.NrEntries; e++ {
		ext := &ix.Extents[e]
		total += ext.NrFiles
		for j := uint32(0); j < ext.Len; j++ {
			db, err := fs.readDirBlock(ext.Start + j)
			if err != nil {
				return err
			}
			for k := uint32(0); k < db.NrFiles; k++ {
				if db.Files[k].Name() == name {
					return common.ErrExists
				}
			}
			if slotExt < 0 && db.NrFiles < disklayout.FilesPerBlock {
				slotExt = int(e)
				slotBlock = ext.Start + j
			}
		}
	}

	if slotExt < 0 {
		if total >= disklayout.MaxSubfiles {
			return common.ErrDirFull
		}
		// Grow the directory by one extent; its blocks arrive zeroed, so
		// every one of them is a valid empty directory block.
		logical := coveredEnd(ix)
		phys, allocated, err := extent.Grow(fs.cache, fs.alloc, ip.EiBlock, logical)
		if errors.Is(err, common.ErrFileTooLarge) {
			return common.ErrDirFull
		}
		if err != nil {
			return err
		}
		ip.Blocks += allocated
		ip.Size += allocated * disklayout.BlockSize
		ip.Dirty = true
		if ix, err = fs.readIndex(ip); err != nil {
			return err
		}
		slotExt = ix.Find(logical)
		slotBlock = phys
	}

	// Entry block first, counters second: a crash in between leaves an
	// entry invisible to the counters, never a counted ghost.
	if err := fs.editDirBlock(slotBlock, func(db *disklayout.DirBlock) {
		f := &db.Files[db.NrFiles]
		f.Inode = target
		f.NrBlk = 1
		f.SetName(name)
		db.NrFiles++
	}); err != nil {
		return err
	}
	if err := fs.editIndex(ip, func(ix *disklayout.IndexBlock) {
		ix.Extents[slotExt].NrFiles++
	}); err != nil {
		return err
	}
	ip.MTime = now()
	ip.Dirty = true
	return nil
}

// RemoveEntry removes an entry by name, compacting its block by moving the
// last live entry into the vacated slot. Fails with ErrNotFound if absent.
func (fs *FileSystem) RemoveEntry(dir common.Inum, name string) error {
	ip, err := fs.getDir(dir)
	if err != nil {
		return err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	if err := fs.trans.Begin(); err != nil {
		return err
	}
	if _, err := fs.removeEntryLocked(ip, name); err != nil {
		fs.trans.Abort()
		return err
	}
	return fs.trans.Commit()
}

// removeEntryLocked deletes the entry and returns the inode number it
// pointed at.
func (fs *FileSystem) removeEntryLocked(ip *inode.Inode, name string) (common.Inum, error) {
	ix, err := fs.readIndex(ip)
	if err != nil {
		return 0, err
	}
	for e := uint32(0); e < ix.NrEntries; e++ {
		ext := &ix.Extents[e]
		for j := uint32(0); j < ext.Len; j++ {
			bnum := ext.Start + j
			db, err := fs.readDirBlock(bnum)
			if err != nil {
				return 0, err
			}
			for k := uint32(0); k < db.NrFiles; k++ {
				if db.Files[k].Name() != name {
					continue
				}
				target := db.Files[k].Inode
				if err := fs.editDirBlock(bnum, func(db *disklayout.DirBlock) {
					last := db.NrFiles - 1
					if k != last {
						db.Files[k] = db.Files[last]
					}
					db.Files[last] = disklayout.DirEntry{}
					db.NrFiles--
				}); err != nil {
					return 0, err
				}
				if err := fs.editIndex(ip, func(ix *disklayout.IndexBlock) {
					ix.Extents[e].NrFiles--
				}); err != nil {
					return 0, err
				}
				ip.MTime = now()
				ip.Dirty = true
				return target, nil
			}
		}
	}
	return 0, common.ErrNotFound
}

// Lookup finds the inode number an entry points at.
func (fs *FileSystem) Lookup(dir common.Inum, name string) (common.Inum, error) {
	ip, err := fs.getDir(dir)
	if err != nil {
		return 0, err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	return fs.lookupLocked(ip, name)
}

func (fs *FileSystem) lookupLocked(ip *inode.Inode, name string) (common.Inum, error) {
	ix, err := fs.readIndex(ip)
	if err != nil {
		return 0, err
	}
	for e := uint32(0); e < ix.NrEntries; e++ {
		ext := &ix.Extents[e]
		for j := uint32(0); j < ext.Len; j++ {
			db, err := fs.readDirBlock(ext.Start + j)
			if err != nil {
				return 0, err
			}
			for k := uint32(0); k < db.NrFiles; k++ {
				if db.Files[k].Name() == name {
					return db.Files[k].Inode, nil
				}
			}
		}
	}
	return 0, common.ErrNotFound
}

// ReadDir lists up to n live entries starting at pos, in extent order, and
// returns the cursor for the next call. n <= 0 lists to the end. The cursor
// is the only iteration state; restarting from an old cursor is legal and
// reflects the directory as it is then.
func (fs *FileSystem) ReadDir(dir common.Inum, pos DirCursor, n int) ([]DirEntry, DirCursor, error) {
	ip, err := fs.getDir(dir)
	if err != nil {
		return nil, pos, err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()

	ix, err := fs.readIndex(ip)
	if err != nil {
		return nil, pos, err
	}
	var out []DirEntry
	for e := pos.Extent; e < ix.NrEntries; e++ {
		ext := &ix.Extents[e]
		j := uint32(0)
		if e == pos.Extent {
			j = pos.Block
		}
		for ; j < ext.Len; j++ {
			db, err := fs.readDirBlock(ext.Start + j)
			if err != nil {
				// Resume where this call would have: a retry from the
				// returned cursor must not re-yield earlier entries.
				next := DirCursor{Extent: e, Block: j}
				if e == pos.Extent && j == pos.Block {
					next.Entry = pos.Entry
				}
				return out, next, err
			}
			k := uint32(0)
			if e == pos.Extent && j == pos.Block {
				k = pos.Entry
			}
			for ; k < db.NrFiles; k++ {
				if n > 0 && len(out) == n {
					return out, DirCursor{Extent: e, Block: j, Entry: k}, nil
				}
				out = append(out, DirEntry{
					Name:  db.Files[k].Name(),
					Inode: db.Files[k].Inode,
				})
			}
		}
	}
	return out, DirCursor{Extent: ix.NrEntries}, nil
}

// entryTotal sums the extent-level tallies: the directory's live entry
// count.
func entryTotal(ix *disklayout.IndexBlock) uint32 {
	var total uint32
	for e := uint32(0); e < ix.NrEntries; e++ {
		total += ix.Extents[e].NrFiles
	}
	return total
}

// coveredEnd returns the first logical block past the index's coverage.
func coveredEnd(ix *disklayout.IndexBlock) uint32 {
	if ix.NrEntries == 0 {
		return 0
	}
	last := &ix.Extents[ix.NrEntries-1]
	return last.Block + last.Len
}

func checkName(name string) error {
	if len(name) == 0 {
		return common.ErrNotFound
	}
	if len(name) > disklayout.FilenameLen {
		return common.ErrNameTooLong
	}
	return nil
}

// getDir fetches an inode and insists it is a directory.
func (fs *FileSystem) getDir(dir common.Inum) (*inode.Inode, error) {
	ip, err := fs.itable.Get(dir)
	if err != nil {
		return nil, err
	}
	if !ip.IsDirectory() {
		fs.itable.Put(ip)
		return nil, common.ErrNotDir
	}
	return ip, nil
}

func (fs *FileSystem) readIndex(ip *inode.Inode) (*disklayout.IndexBlock, error) {
	cb, err := fs.cache.Get(ip.EiBlock, common.NORMAL)
	if err != nil {
		return nil, err
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)
	return ix, fs.cache.Put(cb)
}

func (fs *FileSystem) editIndex(ip *inode.Inode, edit func(*disklayout.IndexBlock)) error {
	cb, err := fs.cache.Get(ip.EiBlock, common.NORMAL)
	if err != nil {
		return err
	}
	ix := disklayout.DecodeIndexBlock(cb.Data)
	edit(ix)
	ix.Encode(cb.Data)
	cb.Dirty = true
	return fs.cache.Put(cb)
}

func (fs *FileSystem) readDirBlock(b common.Bnum) (*disklayout.DirBlock, error) {
	cb, err := fs.cache.Get(b, common.NORMAL)
	if err != nil {
		return nil, err
	}
	db := disklayout.DecodeDirBlock(cb.Data)
	return db, fs.cache.Put(cb)
}

func (fs *FileSystem) editDirBlock(b common.Bnum, edit func(*disklayout.DirBlock)) error {
	cb, err := fs.cache.Get(b, common.NORMAL)
	if err != nil {
		return err
	}
	db := disklayout.DecodeDirBlock(cb.Data)
	edit(db)
	db.Encode(cb.Data)
	cb.Dirty = true
	return fs.cache.Put(cb)
}
