package disklayout

import (
	"bytes"
	"encoding/binary"
)

// DirEntry is one fixed-size record inside a directory block. NrBlk is the
// entry's block-usage counter; it is carried on disk but always written as 1.
type DirEntry struct {
	Inode    uint32
	NrBlk    uint32
	Filename [FilenameLen]byte
}

// Name returns the filename without its zero padding.
func (de *DirEntry) Name() string {
	if i := bytes.IndexByte(de.Filename[:], 0); i >= 0 {
		return string(de.Filename[:i])
	}
	return string(de.Filename[:])
}

// SetName stores name in the fixed filename buffer, zero padded.
func (de *DirEntry) SetName(name string) {
	de.Filename = [FilenameLen]byte{}
	copy(de.Filename[:], name)
}

// DirBlock is a directory block: a 4-byte entry count followed by the entry
// array. Live entries are kept dense at the front; removal compacts by
// moving the last live entry into the vacated slot.
type DirBlock struct {
	NrFiles uint32
	Files   [FilesPerBlock]DirEntry
}

func (db *DirBlock) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], db.NrFiles)
	off := 4
	for i := range db.Files {
		f := &db.Files[i]
		binary.LittleEndian.PutUint32(b[off+0:], f.Inode)
		binary.LittleEndian.PutUint32(b[off+4:], f.NrBlk)
		copy(b[off+8:off+8+FilenameLen], f.Filename[:])
		off += DirEntrySize
	}
}

func DecodeDirBlock(b []byte) *DirBlock {
	db := new(DirBlock)
	db.NrFiles = binary.LittleEndian.Uint32(b[0:])
	off := 4
	for i := range db.Files {
		f := &db.Files[i]
		f.Inode = binary.LittleEndian.Uint32(b[off+0:])
		f.NrBlk = binary.LittleEndian.Uint32(b[off+4:])
		copy(f.Filename[:], b[off+8:off+8+FilenameLen])
		off += DirEntrySize
	}
	return db
}
