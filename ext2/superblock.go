// Package ext2 interprets the ext2 on-disk format read-only on top of a
// sector-addressed block device: superblock and group descriptor parsing,
// inode reads, directory scans and file reads. Write operations exist as
// stubs that fail with ENOSYS.
package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/embd-io/go-blkvfs/errno"
)

var le = binary.LittleEndian

const (
	// SuperMagic identifies an ext2 superblock.
	SuperMagic uint16 = 0xef53

	// SuperblockOffset is the fixed byte offset of the superblock,
	// regardless of block size.
	SuperblockOffset = 1024

	// SuperblockSize is the on-disk size reserved for the superblock.
	SuperblockSize = 1024

	MinBlockSize = 1024
	MaxBlockSize = 4096

	// GroupDescSize is the on-disk size of one group descriptor.
	GroupDescSize = 32

	// DefaultInodeSize applies to revision-0 filesystems, which carry no
	// inode size field.
	DefaultInodeSize = 128

	// RootIno is the reserved inode number of the root directory.
	RootIno Ino = 2
)

// Ino is a 1-based on-disk inode number; 0 is invalid and doubles as the
// not-found sentinel in directory entries.
type Ino uint32

type Superblock struct {
	InodesCount    uint32
	BlocksCount    uint32
	FreeBlocks     uint32
	FreeInodes     uint32
	FirstDataBlock uint32
	LogBlockSize   uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	Magic          uint16
	State          uint16
	RevLevel       uint32
	FirstIno       uint32
	InodeSize      uint16

	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
}

// DecodeSuperblock parses the 1024-byte superblock region and validates
// the magic field.
func DecodeSuperblock(b []byte) (Superblock, error) {
	var sb Superblock
	if len(b) < SuperblockSize {
		return sb, fmt.Errorf("ext2: superblock buffer %d bytes: %w", len(b), errno.EINVAL)
	}

	sb.Magic = le.Uint16(b[56:])
	if sb.Magic != SuperMagic {
		return Superblock{}, fmt.Errorf(
			"ext2: magic %#04x, want %#04x: %w", sb.Magic, SuperMagic, errno.EFSBADSUPER)
	}

	sb.InodesCount = le.Uint32(b[0:])
	sb.BlocksCount = le.Uint32(b[4:])
	sb.FreeBlocks = le.Uint32(b[12:])
	sb.FreeInodes = le.Uint32(b[16:])
	sb.FirstDataBlock = le.Uint32(b[20:])
	sb.LogBlockSize = le.Uint32(b[24:])
	sb.BlocksPerGroup = le.Uint32(b[32:])
	sb.InodesPerGroup = le.Uint32(b[40:])
	sb.State = le.Uint16(b[58:])
	sb.RevLevel = le.Uint32(b[76:])

	if sb.RevLevel > 0 {
		sb.FirstIno = le.Uint32(b[84:])
		sb.InodeSize = le.Uint16(b[88:])
		sb.FeatureCompat = le.Uint32(b[92:])
		sb.FeatureIncompat = le.Uint32(b[96:])
		sb.FeatureROCompat = le.Uint32(b[100:])
	} else {
		sb.FirstIno = 11
		sb.InodeSize = DefaultInodeSize
	}

	return sb, nil
}

// BlockSize derives the block size in bytes. The caller validates range.
func (sb *Superblock) BlockSize() uint32 {
	return MinBlockSize << sb.LogBlockSize
}
