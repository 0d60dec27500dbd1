// Package ext2test builds small deterministic ext2 images in memory for
// driver tests. Images are single-group, revision 1 with the filetype
// directory feature, 1 KiB blocks and 128-byte inodes.
package ext2test

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

const (
	BlockSize = 1024

	inodesPerGroup = 128
	inodeSize      = 128

	// Fixed layout: boot block, superblock, group descriptors, block
	// bitmap, inode bitmap, then the inode table.
	superBlock      = 1
	gdtBlock        = 2
	blockBitmapBlk  = 3
	inodeBitmapBlk  = 4
	inodeTableBlock = 5
	inodeTableBlks  = inodesPerGroup * inodeSize / BlockSize

	firstDataBlk = inodeTableBlock + inodeTableBlks

	rootIno      = 2
	firstFreeIno = 11

	magic          = 0xef53
	featFiletype   = 0x0002
	modeDir        = 0x4000
	modeRegular    = 0x8000
	ftypeRegular   = 1
	ftypeDir       = 2
	direntFixedLen = 8
)

type inodeRec struct {
	mode  uint16
	size  uint32
	links uint16
	block [15]uint32
}

type entry struct {
	ino   uint32
	ftype uint8
	name  string
}

// Dir collects the entries of one directory until Build serializes them.
type Dir struct {
	b       *Builder
	ino     uint32
	parent  uint32
	entries []entry
}

// Builder assembles an image block by block. Allocation is strictly
// sequential so the same calls always produce the same bytes.
type Builder struct {
	img       []byte
	blocks    uint32
	nextBlock uint32
	nextIno   uint32
	inodes    map[uint32]*inodeRec
	dirs      []*Dir
	root      *Dir
}

// New returns a builder for an image of blocks 1 KiB blocks. 64 blocks is
// the practical minimum for the fixed metadata layout.
func New(blocks uint32) *Builder {
	if blocks < 64 {
		panic("ext2test: image too small")
	}
	b := &Builder{
		img:       make([]byte, blocks*BlockSize),
		blocks:    blocks,
		nextBlock: firstDataBlk,
		nextIno:   firstFreeIno,
		inodes:    map[uint32]*inodeRec{},
	}
	b.root = &Dir{b: b, ino: rootIno, parent: rootIno}
	b.dirs = append(b.dirs, b.root)
	b.inodes[rootIno] = &inodeRec{mode: modeDir, links: 2}
	return b
}

// Root is the image's root directory.
func (b *Builder) Root() *Dir { return b.root }

func (b *Builder) allocBlock() uint32 {
	if b.nextBlock >= b.blocks {
		panic("ext2test: out of blocks")
	}
	n := b.nextBlock
	b.nextBlock++
	return n
}

func (b *Builder) allocIno() uint32 {
	if b.nextIno >= inodesPerGroup {
		panic("ext2test: out of inodes")
	}
	n := b.nextIno
	b.nextIno++
	return n
}

func (b *Builder) blockBuf(n uint32) []byte {
	return b.img[n*BlockSize : (n+1)*BlockSize]
}

// writeData stores data in freshly allocated blocks and fills the inode's
// pointer table, spilling into a single indirect block past the twelfth.
func (b *Builder) writeData(rec *inodeRec, data []byte) {
	nblocks := (len(data) + BlockSize - 1) / BlockSize
	if nblocks > 12+BlockSize/4 {
		panic("ext2test: file needs a double indirect block")
	}

	var indirect []byte
	for i := 0; i < nblocks; i++ {
		blk := b.allocBlock()
		end := (i + 1) * BlockSize
		if end > len(data) {
			end = len(data)
		}
		copy(b.blockBuf(blk), data[i*BlockSize:end])

		if i < 12 {
			rec.block[i] = blk
			continue
		}
		if indirect == nil {
			ind := b.allocBlock()
			rec.block[12] = ind
			indirect = b.blockBuf(ind)
		}
		le.PutUint32(indirect[(i-12)*4:], blk)
	}
	rec.size = uint32(len(data))
}

// AddFile creates a regular file in the directory and returns its inode
// number.
func (d *Dir) AddFile(name string, data []byte) uint32 {
	ino := d.b.allocIno()
	rec := &inodeRec{mode: modeRegular, links: 1}
	d.b.writeData(rec, data)
	d.b.inodes[ino] = rec
	d.entries = append(d.entries, entry{ino: ino, ftype: ftypeRegular, name: name})
	return ino
}

// AddSparseFile creates a regular file of the given size whose pointer
// table stays all zero, so every read hits a hole.
func (d *Dir) AddSparseFile(name string, size uint32) uint32 {
	ino := d.b.allocIno()
	d.b.inodes[ino] = &inodeRec{mode: modeRegular, links: 1, size: size}
	d.entries = append(d.entries, entry{ino: ino, ftype: ftypeRegular, name: name})
	return ino
}

// AddDir creates a subdirectory and returns it for further population.
func (d *Dir) AddDir(name string) *Dir {
	ino := d.b.allocIno()
	sub := &Dir{b: d.b, ino: ino, parent: d.ino}
	d.b.dirs = append(d.b.dirs, sub)
	d.b.inodes[ino] = &inodeRec{mode: modeDir, links: 2}
	d.entries = append(d.entries, entry{ino: ino, ftype: ftypeDir, name: name})
	return sub
}

func direntLen(name string) int {
	n := direntFixedLen + len(name)
	return (n + 3) &^ 3
}

// serializeDir packs ".", ".." and the collected entries into directory
// blocks. The last record of each block is stretched to the block end.
func (b *Builder) serializeDir(d *Dir) {
	all := append([]entry{
		{ino: d.ino, ftype: ftypeDir, name: "."},
		{ino: d.parent, ftype: ftypeDir, name: ".."},
	}, d.entries...)

	rec := b.inodes[d.ino]
	var buf []byte
	var pos, lastPos int
	flush := func() {
		if buf == nil {
			return
		}
		// Stretch the final record.
		le.PutUint16(buf[lastPos+4:], uint16(BlockSize-lastPos))
		blkIdx := int(rec.size) / BlockSize
		if blkIdx >= 12 {
			panic("ext2test: directory too large")
		}
		blk := b.allocBlock()
		rec.block[blkIdx] = blk
		copy(b.blockBuf(blk), buf)
		rec.size += BlockSize
		buf = nil
	}

	for _, e := range all {
		need := direntLen(e.name)
		if buf == nil || pos+need > BlockSize {
			flush()
			buf = make([]byte, BlockSize)
			pos = 0
		}
		le.PutUint32(buf[pos:], e.ino)
		le.PutUint16(buf[pos+4:], uint16(need))
		buf[pos+6] = uint8(len(e.name))
		buf[pos+7] = e.ftype
		copy(buf[pos+8:], e.name)
		lastPos = pos
		pos += need
	}
	flush()
}

func (b *Builder) writeInode(ino uint32, rec *inodeRec) {
	off := int(inodeTableBlock)*BlockSize + int(ino-1)*inodeSize
	p := b.img[off : off+inodeSize]
	le.PutUint16(p[0:], rec.mode)
	le.PutUint32(p[4:], rec.size)
	le.PutUint16(p[26:], rec.links)
	le.PutUint32(p[28:], rec.size/512)
	for i, blk := range rec.block {
		le.PutUint32(p[40+4*i:], blk)
	}
}

func (b *Builder) writeSuperblock() {
	p := b.img[superBlock*BlockSize:]
	le.PutUint32(p[0:], inodesPerGroup)            // inodes count
	le.PutUint32(p[4:], b.blocks)                  // blocks count
	le.PutUint32(p[12:], b.blocks-b.nextBlock)     // free blocks
	le.PutUint32(p[16:], inodesPerGroup-b.nextIno) // free inodes
	le.PutUint32(p[20:], 1)                        // first data block
	le.PutUint32(p[24:], 0)                        // log block size
	le.PutUint32(p[32:], b.blocks)                 // blocks per group
	le.PutUint32(p[40:], inodesPerGroup)           // inodes per group
	le.PutUint16(p[56:], magic)
	le.PutUint16(p[58:], 1) // state: clean
	le.PutUint32(p[76:], 1) // revision
	le.PutUint32(p[84:], firstFreeIno)
	le.PutUint16(p[88:], inodeSize)
	le.PutUint32(p[96:], featFiletype)
}

func (b *Builder) writeGroupDesc() {
	p := b.img[gdtBlock*BlockSize:]
	le.PutUint32(p[0:], blockBitmapBlk)
	le.PutUint32(p[4:], inodeBitmapBlk)
	le.PutUint32(p[8:], inodeTableBlock)
	le.PutUint16(p[12:], uint16(b.blocks-b.nextBlock))
	le.PutUint16(p[14:], uint16(inodesPerGroup-b.nextIno))
	le.PutUint16(p[16:], uint16(len(b.dirs)))
}

func (b *Builder) writeBitmaps() {
	bb := b.blockBuf(blockBitmapBlk)
	for i := uint32(0); i < b.nextBlock; i++ {
		bb[i/8] |= 1 << (i % 8)
	}
	ib := b.blockBuf(inodeBitmapBlk)
	for i := uint32(0); i < b.nextIno; i++ {
		ib[i/8] |= 1 << (i % 8)
	}
}

// Build serializes directories and metadata and returns the image. The
// builder must not be used afterwards.
func (b *Builder) Build() []byte {
	for _, d := range b.dirs {
		b.serializeDir(d)
	}
	for ino, rec := range b.inodes {
		b.writeInode(ino, rec)
	}
	b.writeBitmaps()
	b.writeSuperblock()
	b.writeGroupDesc()
	return b.img
}

// CorruptDirent zeroes the record length of the first entry of the block
// at blk, producing a directory block a scan must reject.
func CorruptDirent(img []byte, blk uint32) {
	le.PutUint16(img[blk*BlockSize+4:], 0)
}

// Layout describes the fixed block layout, useful when a test fails.
func Layout() string {
	return fmt.Sprintf("sb=%d gdt=%d bbm=%d ibm=%d itab=%d..%d data=%d",
		superBlock, gdtBlock, blockBitmapBlk, inodeBitmapBlk,
		inodeTableBlock, inodeTableBlock+inodeTableBlks-1, firstDataBlk)
}
