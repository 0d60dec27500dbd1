package memfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/memfs"
	"github.com/embd-io/go-blkvfs/vfs"
)

func TestFileGrowth(t *testing.T) {
	root := memfs.New().Root()

	node, err := root.Create("f")
	require.NoError(t, err)
	f := node.(vfs.FileWriter)

	n, err := f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Writing past the end zero-fills the gap.
	_, err = f.WriteAt([]byte("!"), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), f.Size())

	buf := make([]byte, 11)
	_, err = node.(vfs.FileReader).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\x00\x00\x00\x00\x00!", string(buf))
}

func TestTruncateBothWays(t *testing.T) {
	root := memfs.New().Root()
	node, err := root.Create("f")
	require.NoError(t, err)
	f := node.(interface {
		vfs.FileWriter
		vfs.Truncater
	})

	_, err = f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))
	assert.Equal(t, uint64(4), f.Size())

	require.NoError(t, f.Truncate(8))
	assert.Equal(t, uint64(8), f.Size())
	buf := make([]byte, 8)
	_, err = node.(vfs.FileReader).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123\x00\x00\x00\x00", string(buf))
}

func TestDirSemantics(t *testing.T) {
	root := memfs.New().Root()

	_, err := root.Create("f")
	require.NoError(t, err)
	_, err = root.Create("f")
	assert.ErrorIs(t, err, errno.EEXIST)

	_, err = root.Mkdir("d")
	require.NoError(t, err)
	_, err = root.Mkdir("d")
	assert.ErrorIs(t, err, errno.EEXIST)

	assert.ErrorIs(t, root.Unlink("d"), errno.EISDIR)
	assert.ErrorIs(t, root.Rmdir("f"), errno.ENOTDIR)
	assert.ErrorIs(t, root.Rmdir("missing"), errno.ENOENT)

	for _, bad := range []string{"", ".", ".."} {
		_, err = root.Create(bad)
		assert.ErrorIs(t, err, errno.EINVAL, "name %q", bad)
	}

	ents, err := root.ReadDir()
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "d", ents[0].Name)
	assert.Equal(t, vfs.TypeDir, ents[0].Type)
	assert.Equal(t, "f", ents[1].Name)

	require.NoError(t, root.Rmdir("d"))
	require.NoError(t, root.Unlink("f"))
}
