package ext2

// Directory entry file type tags.
const (
	FileTypeUnknown  uint8 = 0
	FileTypeRegular  uint8 = 1
	FileTypeDir      uint8 = 2
	FileTypeCharDev  uint8 = 3
	FileTypeBlockDev uint8 = 4
	FileTypeFifo     uint8 = 5
	FileTypeSocket   uint8 = 6
	FileTypeSymlink  uint8 = 7
)

// dirEntryHeaderSize covers inode (u32), record length (u16), name length
// (u8) and file type (u8); the name bytes follow.
const dirEntryHeaderSize = 8

// MaxNameLen is the longest representable entry name.
const MaxNameLen = 255

// DirEntry is one decoded directory record.
type DirEntry struct {
	Ino      Ino
	FileType uint8
	Name     string
}

// decodeDirEntry parses the record starting at b[0] and returns it along
// with its on-disk record length. A zero record length marks a corrupt
// block: records must always advance.
func decodeDirEntry(b []byte) (DirEntry, uint16) {
	if len(b) < dirEntryHeaderSize {
		return DirEntry{}, 0
	}
	ino := Ino(le.Uint32(b[0:]))
	recLen := le.Uint16(b[4:])
	nameLen := int(b[6])
	fileType := b[7]

	if int(recLen) < dirEntryHeaderSize+nameLen || int(recLen) > len(b) {
		return DirEntry{}, 0
	}
	return DirEntry{
		Ino:      ino,
		FileType: fileType,
		Name:     string(b[dirEntryHeaderSize : dirEntryHeaderSize+nameLen]),
	}, recLen
}
