package fs

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hfyeh/simplefs/common"
	"github.com/hfyeh/simplefs/disklayout"
	"github.com/hfyeh/simplefs/extent"
)

func now() uint32 {
	return uint32(time.Now().Unix())
}

// Create allocates an inode, initializes its record with an empty extent
// index, and links it into the parent directory. mode carries the S_IFMT
// type bits; plain permission bits create a regular file.
func (fs *FileSystem) Create(parent common.Inum, name string, mode uint32) (common.Inum, error) {
	if mode&disklayout.ModeTypeMask == 0 {
		mode |= disklayout.ModeRegular
	}
	dp, err := fs.getDir(parent)
	if err != nil {
		return 0, err
	}
	defer fs.itable.Put(dp)

	dp.Lock()
	defer dp.Unlock()

	if _, err := fs.lookupLocked(dp, name); err == nil {
		return 0, common.ErrExists
	}
	if err := fs.trans.Begin(); err != nil {
		return 0, err
	}

	ino, err := fs.alloc.AllocInode()
	if err != nil {
		fs.trans.Abort()
		return 0, err
	}
	ei, err := fs.alloc.AllocBlocks(1)
	if err != nil {
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}
	if err := extent.Init(fs.cache, ei); err != nil {
		fs.alloc.FreeBlocks(ei, 1)
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}

	di := disklayout.Inode{
		Mode:    mode,
		Nlink:   1,
		Blocks:  1,
		EiBlock: ei,
		CTime:   now(),
		ATime:   now(),
		MTime:   now(),
	}
	if di.IsDirectory() {
		di.Nlink = 2
	}
	if err := fs.store.Put(ino, &di); err != nil {
		fs.alloc.FreeBlocks(ei, 1)
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}

	if err := fs.addEntryLocked(dp, name, ino); err != nil {
		// The record is already on disk; zero it before the slot goes back
		// to the allocator, so the failed create leaves nothing visible.
		fs.store.Put(ino, &disklayout.Inode{})
		fs.alloc.FreeBlocks(ei, 1)
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}
	if di.IsDirectory() {
		dp.Nlink++
		dp.Dirty = true
	}
	return ino, fs.trans.Commit()
}

// Mkdir creates a directory.
func (fs *FileSystem) Mkdir(parent common.Inum, name string, mode uint32) (common.Inum, error) {
	return fs.Create(parent, name, disklayout.ModeDir|(mode&^disklayout.ModeTypeMask))
}

// Symlink creates a symlink holding target in the inode's inline buffer.
// Targets that do not fit the buffer (with its terminating zero) are
// rejected; they are never spilled to data blocks.
func (fs *FileSystem) Symlink(parent common.Inum, name, target string) (common.Inum, error) {
	if len(target)+1 > disklayout.InlineDataLen {
		return 0, common.ErrNameTooLong
	}
	dp, err := fs.getDir(parent)
	if err != nil {
		return 0, err
	}
	defer fs.itable.Put(dp)

	dp.Lock()
	defer dp.Unlock()

	if _, err := fs.lookupLocked(dp, name); err == nil {
		return 0, common.ErrExists
	}
	if err := fs.trans.Begin(); err != nil {
		return 0, err
	}
	ino, err := fs.alloc.AllocInode()
	if err != nil {
		fs.trans.Abort()
		return 0, err
	}
	di := disklayout.Inode{
		Mode:  disklayout.ModeSymlink | 0777,
		Nlink: 1,
		Size:  uint32(len(target)),
		CTime: now(),
		ATime: now(),
		MTime: now(),
	}
	copy(di.Data[:], target)
	if err := fs.store.Put(ino, &di); err != nil {
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}
	if err := fs.addEntryLocked(dp, name, ino); err != nil {
		fs.store.Put(ino, &disklayout.Inode{})
		fs.alloc.FreeInode(ino)
		fs.trans.Abort()
		return 0, err
	}
	return ino, fs.trans.Commit()
}

// Readlink returns a symlink's target from the inline buffer.
func (fs *FileSystem) Readlink(ino common.Inum) (string, error) {
	ip, err := fs.itable.Get(ino)
	if err != nil {
		return "", err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	if !ip.IsSymlink() {
		return "", fmt.Errorf("readlink: inode %d is not a symlink", ino)
	}
	return string(ip.Data[:ip.Size]), nil
}

// Unlink removes a directory entry and drops one link on its inode. At link
// count zero the inode's extents, its index block and its slot all return
// to the allocator. Directories must be empty.
func (fs *FileSystem) Unlink(parent common.Inum, name string) error {
	dp, err := fs.getDir(parent)
	if err != nil {
		return err
	}
	defer fs.itable.Put(dp)

	dp.Lock()
	defer dp.Unlock()

	ino, err := fs.lookupLocked(dp, name)
	if err != nil {
		return err
	}
	ip, err := fs.itable.Get(ino)
	if err != nil {
		return err
	}

	ip.Lock()
	isDir := ip.IsDirectory()
	if isDir {
		ix, err := fs.readIndex(ip)
		if err != nil {
			ip.Unlock()
			fs.itable.Put(ip)
			return err
		}
		if entryTotal(ix) != 0 {
			ip.Unlock()
			fs.itable.Put(ip)
			return common.ErrNotEmpty
		}
	}

	if err := fs.trans.Begin(); err != nil {
		ip.Unlock()
		fs.itable.Put(ip)
		return err
	}
	if _, err := fs.removeEntryLocked(dp, name); err != nil {
		ip.Unlock()
		fs.itable.Put(ip)
		fs.trans.Abort()
		return err
	}
	if isDir {
		// A directory holds one link on its parent.
		ip.Nlink -= 2
		dp.Nlink--
		dp.Dirty = true
	} else {
		ip.Nlink--
	}

	if ip.Nlink > 0 {
		ip.CTime = now()
		ip.Dirty = true
		ip.Unlock()
		fs.itable.Put(ip)
		return fs.trans.Commit()
	}

	// Last link gone: reclaim data, index block, and the inode slot.
	if ip.EiBlock != 0 {
		if _, err := extent.FreeAll(fs.cache, fs.alloc, ip.EiBlock); err != nil {
			ip.Unlock()
			fs.itable.Put(ip)
			fs.trans.Abort()
			return err
		}
		fs.alloc.FreeBlocks(ip.EiBlock, 1)
	}
	if err := fs.store.Put(ino, &disklayout.Inode{}); err != nil {
		ip.Unlock()
		fs.itable.Put(ip)
		fs.trans.Abort()
		return err
	}
	fs.alloc.FreeInode(ino)
	ip.Unlock()
	fs.itable.Remove(ip)
	return fs.trans.Commit()
}

// Stat returns a copy of the inode record.
func (fs *FileSystem) Stat(ino common.Inum) (disklayout.Inode, error) {
	ip, err := fs.itable.Get(ino)
	if err != nil {
		return disklayout.Inode{}, err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	return ip.Inode, nil
}

// ReadAt reads file data at off, zero-filling any hole inside the file
// size. Reading at or past the end returns io.EOF.
func (fs *FileSystem) ReadAt(ino common.Inum, p []byte, off int64) (int, error) {
	ip, err := fs.itable.Get(ino)
	if err != nil {
		return 0, err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	if ip.IsDirectory() {
		return 0, common.ErrIsDir
	}

	size := int64(ip.Size)
	if off >= size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > size {
		p = p[:size-off]
	}

	read := 0
	for read < len(p) {
		logical := uint32((off + int64(read)) / disklayout.BlockSize)
		boff := int((off + int64(read)) % disklayout.BlockSize)
		chunk := disklayout.BlockSize - boff
		if chunk > len(p)-read {
			chunk = len(p) - read
		}

		phys, err := extent.Search(fs.cache, ip.EiBlock, logical)
		if errors.Is(err, common.ErrNotFound) {
			// Hole: unwritten blocks inside the size read as zeros.
			for i := 0; i < chunk; i++ {
				p[read+i] = 0
			}
			read += chunk
			continue
		}
		if err != nil {
			return read, err
		}
		cb, err := fs.cache.Get(phys, common.NORMAL)
		if err != nil {
			return read, err
		}
		copy(p[read:read+chunk], cb.Data[boff:])
		if err := fs.cache.Put(cb); err != nil {
			return read, err
		}
		read += chunk
	}
	return read, nil
}

// WriteAt writes file data at off, growing the extent index as blocks are
// first touched. Fails with ErrFileTooLarge before writing anything when
// the write would pass the per-file ceiling.
func (fs *FileSystem) WriteAt(ino common.Inum, p []byte, off int64) (int, error) {
	ip, err := fs.itable.Get(ino)
	if err != nil {
		return 0, err
	}
	defer fs.itable.Put(ip)

	ip.Lock()
	defer ip.Unlock()
	if ip.IsDirectory() {
		return 0, common.ErrIsDir
	}
	if off+int64(len(p)) > disklayout.MaxFileSize {
		return 0, common.ErrFileTooLarge
	}
	if err := fs.trans.Begin(); err != nil {
		return 0, err
	}

	written := 0
	for written < len(p) {
		logical := uint32((off + int64(written)) / disklayout.BlockSize)
		boff := int((off + int64(written)) % disklayout.BlockSize)
		chunk := disklayout.BlockSize - boff
		if chunk > len(p)-written {
			chunk = len(p) - written
		}

		phys, allocated, err := extent.Grow(fs.cache, fs.alloc, ip.EiBlock, logical)
		if err != nil {
			fs.trans.Abort()
			return written, err
		}
		ip.Blocks += allocated

		flag := common.NORMAL
		if chunk == disklayout.BlockSize {
			flag = common.NO_READ
		}
		cb, err := fs.cache.Get(phys, flag)
		if err != nil {
			fs.trans.Abort()
			return written, err
		}
		copy(cb.Data[boff:], p[written:written+chunk])
		cb.Dirty = true
		if err := fs.cache.Put(cb); err != nil {
			fs.trans.Abort()
			return written, err
		}
		written += chunk
	}

	if end := off + int64(written); end > int64(ip.Size) {
		ip.Size = uint32(end)
	}
	ip.MTime = now()
	ip.Dirty = true
	return written, fs.trans.Commit()
}
