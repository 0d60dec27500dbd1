package ext2

// GroupDesc locates one block group's metadata.
type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

func DecodeGroupDesc(b []byte) GroupDesc {
	return GroupDesc{
		BlockBitmap:     le.Uint32(b[0:]),
		InodeBitmap:     le.Uint32(b[4:]),
		InodeTable:      le.Uint32(b[8:]),
		FreeBlocksCount: le.Uint16(b[12:]),
		FreeInodesCount: le.Uint16(b[14:]),
		UsedDirsCount:   le.Uint16(b[16:]),
	}
}
