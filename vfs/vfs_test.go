package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/memfs"
	"github.com/embd-io/go-blkvfs/vfs"
)

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	fs := memfs.New()
	v := vfs.New()
	v.MountRoot(fs.Root())
	return v
}

func writeFile(t *testing.T, v *vfs.VFS, path, content string) {
	t.Helper()
	fd, err := v.Open(path, vfs.O_WRONLY|vfs.O_CREAT)
	require.NoError(t, err)
	n, err := v.Write(fd, []byte(content))
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.NoError(t, v.Close(fd))
}

func TestOpenRequiresAccessMode(t *testing.T) {
	v := newTestVFS(t)
	_, err := v.Open("/x", vfs.O_CREAT)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestOpenMissing(t *testing.T) {
	v := newTestVFS(t)
	_, err := v.Open("/nonexistent", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestNoRootMounted(t *testing.T) {
	v := vfs.New()
	_, err := v.Open("/anything", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.ENOENT)
}

func TestCreateWriteReadBack(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/note.txt", "persist me")

	fd, err := v.Open("/note.txt", vfs.O_RDONLY)
	require.NoError(t, err)
	// First user descriptor after the reserved console fds.
	assert.Equal(t, 3, fd)

	buf := make([]byte, 32)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "persist me", string(buf[:n]))

	// The cursor is at end of file now.
	n, err = v.Read(fd, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, v.Close(fd))
}

func TestIndependentCursors(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "abcdef")

	fd1, err := v.Open("/f", vfs.O_RDONLY)
	require.NoError(t, err)
	fd2, err := v.Open("/f", vfs.O_RDONLY)
	require.NoError(t, err)
	require.NotEqual(t, fd1, fd2)

	buf := make([]byte, 3)
	_, err = v.Read(fd1, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	_, err = v.Read(fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf), "second descriptor starts at zero")

	_, err = v.Read(fd1, buf)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf))
}

func TestAccessModeEnforced(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "data")

	fd, err := v.Open("/f", vfs.O_RDONLY)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("x"))
	assert.ErrorIs(t, err, errno.EBADF)
	require.NoError(t, v.Close(fd))

	fd, err = v.Open("/f", vfs.O_WRONLY)
	require.NoError(t, err)
	_, err = v.Read(fd, make([]byte, 4))
	assert.ErrorIs(t, err, errno.EBADF)
	require.NoError(t, v.Close(fd))
}

func TestSeek(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "0123456789")

	fd, err := v.Open("/f", vfs.O_RDONLY)
	require.NoError(t, err)
	defer v.Close(fd)

	pos, err := v.Seek(fd, 4, vfs.SeekSet)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)

	buf := make([]byte, 2)
	_, err = v.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "45", string(buf))

	pos, err = v.Seek(fd, -2, vfs.SeekCur)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), pos)

	pos, err = v.Seek(fd, -1, vfs.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), pos)

	// Past end of file is allowed; reads there return 0.
	pos, err = v.Seek(fd, 100, vfs.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), pos)
	n, err := v.Read(fd, buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A negative result is not.
	_, err = v.Seek(fd, -1, vfs.SeekSet)
	assert.ErrorIs(t, err, errno.EINVAL)

	_, err = v.Seek(fd, 0, 42)
	assert.ErrorIs(t, err, errno.EINVAL)
}

func TestAppend(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/log", "first\n")

	fd, err := v.Open("/log", vfs.O_WRONLY|vfs.O_APPEND)
	require.NoError(t, err)
	_, err = v.Write(fd, []byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	st, err := v.Stat("/log")
	require.NoError(t, err)
	assert.Equal(t, uint64(len("first\nsecond\n")), st.Size)
}

func TestTruncate(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "long content here")

	fd, err := v.Open("/f", vfs.O_WRONLY|vfs.O_TRUNC)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	st, err := v.Stat("/f")
	require.NoError(t, err)
	assert.Zero(t, st.Size)
}

func TestTruncateNeedsWriteAccess(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "keep this")

	fd, err := v.Open("/f", vfs.O_RDONLY|vfs.O_TRUNC)
	require.NoError(t, err)
	require.NoError(t, v.Close(fd))

	st, err := v.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(len("keep this")), st.Size)
}

func TestDescriptorExhaustion(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "x")

	var fds []int
	for {
		fd, err := v.Open("/f", vfs.O_RDONLY)
		if err != nil {
			assert.ErrorIs(t, err, errno.EMFILE)
			break
		}
		fds = append(fds, fd)
	}
	assert.Len(t, fds, vfs.MaxOpenFiles-3)

	// Closing one slot frees it for reuse.
	require.NoError(t, v.Close(fds[0]))
	fd, err := v.Open("/f", vfs.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, fds[0], fd)
}

func TestBadDescriptor(t *testing.T) {
	v := newTestVFS(t)

	for _, fd := range []int{-1, 0, 1, 2, 3, vfs.MaxOpenFiles, 99} {
		_, err := v.Read(fd, make([]byte, 1))
		assert.ErrorIs(t, err, errno.EBADF, "fd %d", fd)
	}
	assert.ErrorIs(t, v.Close(5), errno.EBADF)
}

func TestDirectories(t *testing.T) {
	v := newTestVFS(t)

	require.NoError(t, v.Mkdir("/docs"))
	writeFile(t, v, "/docs/a.txt", "a")
	writeFile(t, v, "/docs/b.txt", "b")

	ents, err := v.ReadDir("/docs")
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "a.txt", ents[0].Name)
	assert.Equal(t, vfs.TypeFile, ents[0].Type)

	st, err := v.Stat("/docs")
	require.NoError(t, err)
	assert.Equal(t, vfs.TypeDir, st.Type)

	// Directories cannot be opened for writing.
	_, err = v.Open("/docs", vfs.O_WRONLY)
	assert.ErrorIs(t, err, errno.EISDIR)

	// But reading a directory descriptor is also a directory error.
	fd, err := v.Open("/docs", vfs.O_RDONLY)
	require.NoError(t, err)
	_, err = v.Read(fd, make([]byte, 8))
	assert.ErrorIs(t, err, errno.EISDIR)
	require.NoError(t, v.Close(fd))

	assert.ErrorIs(t, v.Rmdir("/docs"), errno.ENOTEMPTY)
	require.NoError(t, v.Unlink("/docs/a.txt"))
	require.NoError(t, v.Unlink("/docs/b.txt"))
	require.NoError(t, v.Rmdir("/docs"))
	assert.False(t, v.Exists("/docs"))
}

func TestPathValidation(t *testing.T) {
	v := newTestVFS(t)

	_, err := v.Open("relative", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.EINVAL)
	_, err = v.Open("", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.EINVAL)
	_, err = v.Open("/a/../b", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.EINVAL)

	// Extra slashes and dots collapse.
	writeFile(t, v, "/f", "x")
	assert.True(t, v.Exists("//./f"))
}

func TestLookupThroughFile(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, "/f", "x")

	_, err := v.Open("/f/child", vfs.O_RDONLY)
	assert.ErrorIs(t, err, errno.ENOTDIR)
}
