package disklayout

import "encoding/binary"

// File type bits of Inode.Mode, following the usual S_IFMT encoding.
const (
	ModeTypeMask = 0xF000
	ModeRegular  = 0x8000
	ModeDir      = 0x4000
	ModeSymlink  = 0xA000
)

// Inode is the fixed-size record stored in the inode-store blocks. EiBlock
// points at the block holding the file's extent index; symlinks short enough
// for the inline buffer carry no extent index at all.
type Inode struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint32
	CTime   uint32
	ATime   uint32
	MTime   uint32
	Blocks  uint32 // blocks allocated, extent index block included
	Nlink   uint32
	EiBlock uint32
	Data    [InlineDataLen]byte
}

func (in *Inode) IsDirectory() bool {
	return in.Mode&ModeTypeMask == ModeDir
}

func (in *Inode) IsRegular() bool {
	return in.Mode&ModeTypeMask == ModeRegular
}

func (in *Inode) IsSymlink() bool {
	return in.Mode&ModeTypeMask == ModeSymlink
}

func (in *Inode) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], in.Mode)
	binary.LittleEndian.PutUint32(b[4:], in.UID)
	binary.LittleEndian.PutUint32(b[8:], in.GID)
	binary.LittleEndian.PutUint32(b[12:], in.Size)
	binary.LittleEndian.PutUint32(b[16:], in.CTime)
	binary.LittleEndian.PutUint32(b[20:], in.ATime)
	binary.LittleEndian.PutUint32(b[24:], in.MTime)
	binary.LittleEndian.PutUint32(b[28:], in.Blocks)
	binary.LittleEndian.PutUint32(b[32:], in.Nlink)
	binary.LittleEndian.PutUint32(b[36:], in.EiBlock)
	copy(b[40:40+InlineDataLen], in.Data[:])
}

func DecodeInode(b []byte) Inode {
	var in Inode
	in.Mode = binary.LittleEndian.Uint32(b[0:])
	in.UID = binary.LittleEndian.Uint32(b[4:])
	in.GID = binary.LittleEndian.Uint32(b[8:])
	in.Size = binary.LittleEndian.Uint32(b[12:])
	in.CTime = binary.LittleEndian.Uint32(b[16:])
	in.ATime = binary.LittleEndian.Uint32(b[20:])
	in.MTime = binary.LittleEndian.Uint32(b[24:])
	in.Blocks = binary.LittleEndian.Uint32(b[28:])
	in.Nlink = binary.LittleEndian.Uint32(b[32:])
	in.EiBlock = binary.LittleEndian.Uint32(b[36:])
	copy(in.Data[:], b[40:40+InlineDataLen])
	return in
}
