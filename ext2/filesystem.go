package ext2

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/internal/util"
	"github.com/embd-io/go-blkvfs/stats"
)

// BlockDevice is the slice of the block transport this driver needs.
// *virtio.Device satisfies it.
type BlockDevice interface {
	ReadSectors(sector uint64, buf []byte) (int, error)
	Capacity() uint64
}

const sectorSize = 512

// FileSystem is one mounted ext2 volume. It holds no inode or data cache:
// every operation re-reads the transport.
type FileSystem struct {
	dev BlockDevice

	super      Superblock
	blockSize  uint32
	groupCount uint32
	groups     []GroupDesc

	inodeSize uint32
}

// Mount reads and validates the superblock, then loads the group
// descriptor table. On any failure no filesystem handle is retained.
func Mount(dev BlockDevice) (*FileSystem, error) {
	if dev == nil {
		return nil, fmt.Errorf("ext2: nil device: %w", errno.EINVAL)
	}

	// The superblock sits at byte 1024: sectors 2 and 3.
	sbBuf := make([]byte, SuperblockSize)
	if _, err := dev.ReadSectors(SuperblockOffset/sectorSize, sbBuf); err != nil {
		return nil, fmt.Errorf("ext2: reading superblock: %w", err)
	}

	super, err := DecodeSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}

	blockSize := super.BlockSize()
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("ext2: block size %d: %w", blockSize, errno.EFSBADSUPER)
	}
	if super.BlocksPerGroup == 0 || super.InodesPerGroup == 0 {
		return nil, fmt.Errorf("ext2: zero group geometry: %w", errno.EFSBADSUPER)
	}
	// Inodes are never smaller than the revision-0 record; a smaller value
	// would make inode-table offsets run past their block.
	inodeSize := uint32(super.InodeSize)
	if inodeSize < DefaultInodeSize || blockSize%inodeSize != 0 {
		return nil, fmt.Errorf("ext2: inode size %d: %w", inodeSize, errno.EFSBADSUPER)
	}

	fs := &FileSystem{
		dev:       dev,
		super:     super,
		blockSize: blockSize,
		inodeSize: inodeSize,
	}
	fs.groupCount = uint32(util.DivCeil(uint64(super.BlocksCount), uint64(super.BlocksPerGroup)))

	// The descriptor table occupies whole blocks right after the
	// superblock's block.
	gdtBlocks := util.DivCeil(uint64(fs.groupCount)*GroupDescSize, uint64(blockSize))
	gdtBuf := make([]byte, gdtBlocks*uint64(blockSize))
	gdtStart := super.FirstDataBlock + 1
	for i := uint64(0); i < gdtBlocks; i++ {
		if err := fs.readBlock(gdtStart+uint32(i), gdtBuf[i*uint64(blockSize):(i+1)*uint64(blockSize)]); err != nil {
			return nil, fmt.Errorf("ext2: reading group descriptors: %w", err)
		}
	}

	fs.groups = make([]GroupDesc, fs.groupCount)
	for i := range fs.groups {
		fs.groups[i] = DecodeGroupDesc(gdtBuf[i*GroupDescSize:])
	}

	stats.AddMount()
	log.Infof("ext2: mounted: %d blocks of %d bytes, %d inodes, %d groups",
		super.BlocksCount, blockSize, super.InodesCount, fs.groupCount)
	return fs, nil
}

// Unmount releases the filesystem's buffers. Safe on a nil receiver and
// idempotent.
func (fs *FileSystem) Unmount() {
	if fs == nil {
		return
	}
	fs.groups = nil
	fs.dev = nil
	log.Info("ext2: unmounted")
}

func (fs *FileSystem) Super() Superblock { return fs.super }

func (fs *FileSystem) BlockSize() uint32 { return fs.blockSize }

func (fs *FileSystem) GroupCount() uint32 { return fs.groupCount }

// readBlock reads filesystem block n, len(buf) == blockSize.
func (fs *FileSystem) readBlock(n uint32, buf []byte) error {
	if fs.dev == nil {
		return fmt.Errorf("ext2: not mounted: %w", errno.EINVAL)
	}
	sector := uint64(n) * uint64(fs.blockSize) / sectorSize
	if _, err := fs.dev.ReadSectors(sector, buf); err != nil {
		return fmt.Errorf("ext2: block %d: %w", n, err)
	}
	return nil
}

// ReadInode fetches inode number ino from its group's inode table. Inode 0
// is invalid; numbers beyond the superblock's count are out of range.
func (fs *FileSystem) ReadInode(ino Ino) (Inode, error) {
	if fs == nil || fs.dev == nil || ino == 0 {
		return Inode{}, fmt.Errorf("ext2: inode %d: %w", ino, errno.EINVAL)
	}
	if uint32(ino) > fs.super.InodesCount {
		return Inode{}, fmt.Errorf("ext2: inode %d of %d: %w",
			ino, fs.super.InodesCount, errno.EFSBADINO)
	}

	group := (uint32(ino) - 1) / fs.super.InodesPerGroup
	index := (uint32(ino) - 1) % fs.super.InodesPerGroup
	if group >= fs.groupCount {
		return Inode{}, fmt.Errorf("ext2: inode %d in group %d: %w", ino, group, errno.EFSCORRUPT)
	}

	byteOff := uint64(index) * uint64(fs.inodeSize)
	block := fs.groups[group].InodeTable + uint32(byteOff/uint64(fs.blockSize))
	offset := uint32(byteOff % uint64(fs.blockSize))

	buf := make([]byte, fs.blockSize)
	if err := fs.readBlock(block, buf); err != nil {
		return Inode{}, err
	}
	return DecodeInode(buf[offset:]), nil
}

// errStopIteration terminates a directory walk early.
var errStopIteration = errors.New("stop iteration")

// ListDir walks every live entry of the directory in block order, skipping
// deleted and padding records. fn returning an error stops the walk; the
// error is passed through unless it is errStopIteration.
func (fs *FileSystem) ListDir(dir *Inode, fn func(DirEntry) error) error {
	if fs == nil || fs.dev == nil || dir == nil {
		return fmt.Errorf("ext2: list dir: %w", errno.EINVAL)
	}
	if !dir.IsDir() {
		return fmt.Errorf("ext2: not a directory: %w", errno.ENOTDIR)
	}

	buf := make([]byte, fs.blockSize)
	size := uint64(dir.Size)

	for off := uint64(0); off < size; off += uint64(fs.blockSize) {
		n, err := fs.ReadFile(dir, off, buf)
		if err != nil {
			return err
		}
		block := buf[:n]

		for pos := 0; pos+dirEntryHeaderSize <= len(block); {
			ent, recLen := decodeDirEntry(block[pos:])
			if recLen == 0 {
				return fmt.Errorf("ext2: dirent at %d+%d: %w", off, pos, errno.EFSBADDIR)
			}
			if ent.Ino != 0 && len(ent.Name) > 0 {
				if err := fn(ent); err != nil {
					if errors.Is(err, errStopIteration) {
						return nil
					}
					return err
				}
			}
			pos += int(recLen)
		}
	}
	return nil
}

// Lookup scans the directory for an exact name match and returns its inode
// number. A miss returns inode 0 and ENOENT.
func (fs *FileSystem) Lookup(dir *Inode, name string) (Ino, error) {
	var found Ino
	err := fs.ListDir(dir, func(ent DirEntry) error {
		if ent.Name == name {
			found = ent.Ino
			return errStopIteration
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, fmt.Errorf("ext2: %q: %w", name, errno.ENOENT)
	}
	stats.AddLookup()
	return found, nil
}

// ReadFile copies up to len(buf) bytes of the inode's data starting at
// byte offset off. The result is clamped to the inode's recorded size:
// reads at or past end of file return 0, never an error. Holes read as
// zeros.
func (fs *FileSystem) ReadFile(inode *Inode, off uint64, buf []byte) (int, error) {
	if fs == nil || fs.dev == nil || inode == nil {
		return 0, fmt.Errorf("ext2: read file: %w", errno.EINVAL)
	}

	size := uint64(inode.Size)
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	want := uint64(len(buf))
	if off+want > size {
		want = size - off
	}

	block := make([]byte, fs.blockSize)
	var done uint64
	for done < want {
		idx := uint32((off + done) / uint64(fs.blockSize))
		within := uint32((off + done) % uint64(fs.blockSize))
		chunk := uint64(fs.blockSize - within)
		if chunk > want-done {
			chunk = want - done
		}

		ptr, err := fs.blockForIndex(inode, idx)
		if err != nil {
			return int(done), err
		}
		if ptr == 0 {
			// Sparse block.
			for i := uint64(0); i < chunk; i++ {
				buf[done+i] = 0
			}
		} else {
			if err := fs.readBlock(ptr, block); err != nil {
				return int(done), err
			}
			copy(buf[done:done+chunk], block[within:])
		}
		done += chunk
	}
	return int(done), nil
}

// blockForIndex resolves a file-relative block index to an on-disk block
// number through the inode's direct and indirect pointer tables. A zero
// return with nil error marks a hole.
func (fs *FileSystem) blockForIndex(inode *Inode, idx uint32) (uint32, error) {
	ptrsPerBlock := fs.blockSize / 4

	if idx < firstIndirect {
		return inode.Block[idx], nil
	}
	idx -= firstIndirect

	if idx < ptrsPerBlock {
		return fs.indirectEntry(inode.Block[firstIndirect], idx)
	}
	idx -= ptrsPerBlock

	if idx < ptrsPerBlock*ptrsPerBlock {
		ptr, err := fs.indirectEntry(inode.Block[doubleIndirect], idx/ptrsPerBlock)
		if err != nil || ptr == 0 {
			return ptr, err
		}
		return fs.indirectEntry(ptr, idx%ptrsPerBlock)
	}
	idx -= ptrsPerBlock * ptrsPerBlock

	if uint64(idx) < uint64(ptrsPerBlock)*uint64(ptrsPerBlock)*uint64(ptrsPerBlock) {
		ptr, err := fs.indirectEntry(inode.Block[tripleIndirect], idx/(ptrsPerBlock*ptrsPerBlock))
		if err != nil || ptr == 0 {
			return ptr, err
		}
		if ptr, err = fs.indirectEntry(ptr, idx/ptrsPerBlock%ptrsPerBlock); err != nil || ptr == 0 {
			return ptr, err
		}
		return fs.indirectEntry(ptr, idx%ptrsPerBlock)
	}

	return 0, fmt.Errorf("ext2: block index %d: %w", idx, errno.EINVAL)
}

// indirectEntry reads entry i of the indirect block at ptr. A zero ptr is
// a hole covering the whole indirect range.
func (fs *FileSystem) indirectEntry(ptr uint32, i uint32) (uint32, error) {
	if ptr == 0 {
		return 0, nil
	}
	buf := make([]byte, fs.blockSize)
	if err := fs.readBlock(ptr, buf); err != nil {
		return 0, err
	}
	return le.Uint32(buf[i*4:]), nil
}
