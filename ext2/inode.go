package ext2

// Inode mode bits.
const (
	ModeFmtMask uint16 = 0xf000
	ModeDir     uint16 = 0x4000
	ModeRegular uint16 = 0x8000
	ModeSymlink uint16 = 0xa000
)

// NumBlockPointers is the size of the inode block pointer table: twelve
// direct pointers, then single, double and triple indirect.
const NumBlockPointers = 15

const (
	firstIndirect  = 12
	doubleIndirect = 13
	tripleIndirect = 14
)

// Inode is the decoded on-disk metadata of one file or directory.
type Inode struct {
	Mode       uint16
	UID        uint16
	GID        uint16
	Size       uint32
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	LinksCount uint16
	Blocks512  uint32
	Flags      uint32
	Block      [NumBlockPointers]uint32
}

// DecodeInode parses one inode record. b must hold at least the 128 bytes
// of the revision-0 inode layout; larger on-disk inode sizes only append
// fields this driver does not use.
func DecodeInode(b []byte) Inode {
	var in Inode
	in.Mode = le.Uint16(b[0:])
	in.UID = le.Uint16(b[2:])
	in.Size = le.Uint32(b[4:])
	in.ATime = le.Uint32(b[8:])
	in.CTime = le.Uint32(b[12:])
	in.MTime = le.Uint32(b[16:])
	in.DTime = le.Uint32(b[20:])
	in.GID = le.Uint16(b[24:])
	in.LinksCount = le.Uint16(b[26:])
	in.Blocks512 = le.Uint32(b[28:])
	in.Flags = le.Uint32(b[32:])
	for i := range in.Block {
		in.Block[i] = le.Uint32(b[40+4*i:])
	}
	return in
}

func (in *Inode) IsDir() bool {
	return in.Mode&ModeFmtMask == ModeDir
}

func (in *Inode) IsRegular() bool {
	return in.Mode&ModeFmtMask == ModeRegular
}
