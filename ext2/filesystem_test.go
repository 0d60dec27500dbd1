package ext2_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/ext2"
	"github.com/embd-io/go-blkvfs/ext2/ext2test"
	"github.com/embd-io/go-blkvfs/vfs"
)

// imgDevice serves an in-memory image as a sector device, standing in for
// the virtio transport.
type imgDevice struct {
	img []byte
}

func (d *imgDevice) ReadSectors(sector uint64, buf []byte) (int, error) {
	off := sector * 512
	if off+uint64(len(buf)) > uint64(len(d.img)) {
		return 0, fmt.Errorf("read past device end: %w", errno.EBLKIO)
	}
	copy(buf, d.img[off:])
	return len(buf) / 512, nil
}

func (d *imgDevice) Capacity() uint64 { return uint64(len(d.img)) / 512 }

func buildTestImage(t *testing.T) ([]byte, *ext2.FileSystem) {
	t.Helper()

	b := ext2test.New(256)
	root := b.Root()
	root.AddFile("hello.txt", []byte("Hello, world\n"))
	root.AddFile("empty", nil)
	sub := root.AddDir("sub")
	sub.AddFile("nested.bin", bytes.Repeat([]byte{0xa5}, 100))
	img := b.Build()

	fs, err := ext2.Mount(&imgDevice{img: img})
	require.NoError(t, err, ext2test.Layout())
	t.Cleanup(fs.Unmount)
	return img, fs
}

func TestMount(t *testing.T) {
	_, fs := buildTestImage(t)

	assert.Equal(t, uint32(1024), fs.BlockSize())
	assert.Equal(t, uint32(1), fs.GroupCount())
	assert.Equal(t, uint32(256), fs.Super().BlocksCount)
}

func TestMountBadMagic(t *testing.T) {
	img := ext2test.New(64).Build()
	img[1024+56] = 0
	img[1024+57] = 0

	_, err := ext2.Mount(&imgDevice{img: img})
	assert.ErrorIs(t, err, errno.EFSBADSUPER)
}

func TestMountTinyInodeSize(t *testing.T) {
	b := ext2test.New(256)
	b.Root().AddFile("f", bytes.Repeat([]byte{1}, 64))
	img := b.Build()

	// An undersized s_inode_size would let inode-table offsets run past
	// their block; the mount must refuse it outright.
	img[1024+88] = 64
	img[1024+89] = 0

	_, err := ext2.Mount(&imgDevice{img: img})
	assert.ErrorIs(t, err, errno.EFSBADSUPER)
}

func TestMountNilDevice(t *testing.T) {
	_, err := ext2.Mount(nil)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestReadInodeBounds(t *testing.T) {
	_, fs := buildTestImage(t)

	_, err := fs.ReadInode(0)
	assert.ErrorIs(t, err, errno.EINVAL)

	_, err = fs.ReadInode(ext2.Ino(fs.Super().InodesCount + 1))
	assert.ErrorIs(t, err, errno.EFSBADINO)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
}

func TestLookup(t *testing.T) {
	_, fs := buildTestImage(t)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)

	ino, err := fs.Lookup(&root, "hello.txt")
	require.NoError(t, err)
	assert.NotEqual(t, ext2.Ino(0), ino)

	_, err = fs.Lookup(&root, "missing")
	assert.ErrorIs(t, err, errno.ENOENT)

	// Lookups only work on directories.
	file, err := fs.ReadInode(ino)
	require.NoError(t, err)
	_, err = fs.Lookup(&file, "anything")
	assert.ErrorIs(t, err, errno.ENOTDIR)
}

func TestListDir(t *testing.T) {
	_, fs := buildTestImage(t)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)

	var names []string
	err = fs.ListDir(&root, func(ent ext2.DirEntry) error {
		names = append(names, ent.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "hello.txt", "empty", "sub"}, names)
}

func TestListDirCorrupt(t *testing.T) {
	img, fs := buildTestImage(t)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)
	ext2test.CorruptDirent(img, root.Block[0])

	err = fs.ListDir(&root, func(ext2.DirEntry) error { return nil })
	assert.ErrorIs(t, err, errno.EFSBADDIR)
}

func TestReadFile(t *testing.T) {
	_, fs := buildTestImage(t)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)
	ino, err := fs.Lookup(&root, "hello.txt")
	require.NoError(t, err)
	inode, err := fs.ReadInode(ino)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := fs.ReadFile(&inode, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world\n", string(buf[:n]))

	// Offset read.
	n, err = fs.ReadFile(&inode, 7, buf)
	require.NoError(t, err)
	assert.Equal(t, "world\n", string(buf[:n]))

	// At and past end of file.
	n, err = fs.ReadFile(&inode, uint64(inode.Size), buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = fs.ReadFile(&inode, uint64(inode.Size)+100, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadFileIndirect(t *testing.T) {
	// 40 KiB spans the twelve direct pointers and spills into the single
	// indirect block.
	data := make([]byte, 40<<10)
	for i := range data {
		data[i] = byte(i * 7)
	}

	b := ext2test.New(256)
	b.Root().AddFile("big", data)
	fs, err := ext2.Mount(&imgDevice{img: b.Build()})
	require.NoError(t, err)
	defer fs.Unmount()

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)
	ino, err := fs.Lookup(&root, "big")
	require.NoError(t, err)
	inode, err := fs.ReadInode(ino)
	require.NoError(t, err)

	got := make([]byte, len(data))
	n, err := fs.ReadFile(&inode, 0, got)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	// A read straddling the direct/indirect boundary.
	chunk := make([]byte, 2048)
	n, err = fs.ReadFile(&inode, 12<<10-1024, chunk)
	require.NoError(t, err)
	require.Equal(t, len(chunk), n)
	assert.Equal(t, data[12<<10-1024:12<<10+1024], chunk)
}

func TestReadFileSparse(t *testing.T) {
	b := ext2test.New(64)
	b.Root().AddSparseFile("holes", 3000)
	fs, err := ext2.Mount(&imgDevice{img: b.Build()})
	require.NoError(t, err)
	defer fs.Unmount()

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)
	ino, err := fs.Lookup(&root, "holes")
	require.NoError(t, err)
	inode, err := fs.ReadInode(ino)
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xff}, 3000)
	n, err := fs.ReadFile(&inode, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3000, n)
	assert.Equal(t, make([]byte, 3000), buf)
}

func TestWriteStubs(t *testing.T) {
	_, fs := buildTestImage(t)

	root, err := fs.ReadInode(ext2.RootIno)
	require.NoError(t, err)

	_, err = fs.WriteFile(&root, 0, []byte("x"))
	assert.ErrorIs(t, err, errno.ENOSYS)
	_, err = fs.CreateFile(&root, "new")
	assert.ErrorIs(t, err, errno.ENOSYS)
	_, err = fs.CreateDir(&root, "newdir")
	assert.ErrorIs(t, err, errno.ENOSYS)
	assert.ErrorIs(t, fs.RemoveFile(&root, "hello.txt"), errno.ENOSYS)
	assert.ErrorIs(t, fs.RemoveDir(&root, "sub"), errno.ENOSYS)
}

func TestRootNode(t *testing.T) {
	_, fs := buildTestImage(t)

	root, err := fs.Root()
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDir, root.Type())

	// Byte reads on a directory are refused.
	r, ok := root.(vfs.FileReader)
	require.True(t, ok)
	_, err = r.ReadAt(make([]byte, 16), 0)
	assert.ErrorIs(t, err, errno.EISDIR)

	node, err := root.Lookup("sub")
	require.NoError(t, err)
	sub, ok := node.(vfs.Directory)
	require.True(t, ok)

	ents, err := sub.ReadDir()
	require.NoError(t, err)
	require.Len(t, ents, 3)
	assert.Equal(t, "nested.bin", ents[2].Name)
	assert.Equal(t, vfs.TypeFile, ents[2].Type)

	file, err := sub.Lookup("nested.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), file.Size())
	assert.Equal(t, vfs.TypeFile, file.Type())
}
