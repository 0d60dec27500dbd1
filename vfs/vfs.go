package vfs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/stats"
)

// Open flags. Read and write are independent bits so O_RDWR is their union.
const (
	O_RDONLY = 1 << iota
	O_WRONLY
	O_CREAT
	O_TRUNC
	O_APPEND

	O_RDWR = O_RDONLY | O_WRONLY
)

// Seek whence values.
const (
	SeekSet = iota
	SeekCur
	SeekEnd
)

// MaxOpenFiles bounds the descriptor table. Descriptors 0-2 are reserved
// for the console and never handed out.
const (
	MaxOpenFiles = 32
	firstUserFd  = 3
)

type openFile struct {
	node   Node
	path   string
	flags  int
	cursor uint64
}

// VFS routes descriptor operations to a mounted root directory. All state
// sits behind one mutex: descriptor operations are short and never block
// on each other.
type VFS struct {
	mu    sync.Mutex
	root  Directory
	files [MaxOpenFiles]*openFile
}

// New returns a VFS with nothing mounted. Every operation fails with
// ENOENT until MountRoot is called.
func New() *VFS {
	return &VFS{}
}

// MountRoot installs dir as the filesystem root, replacing any previous
// root.
func (v *VFS) MountRoot(dir Directory) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.root = dir
	log.Debug("vfs: root mounted")
}

// splitPath validates an absolute path and splits it into components.
// "/" yields an empty slice.
func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("vfs: path %q: %w", path, errno.EINVAL)
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
		case "..":
			return nil, fmt.Errorf("vfs: path %q: %w", path, errno.EINVAL)
		default:
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// resolve walks path from the root. Caller holds v.mu.
func (v *VFS) resolve(path string) (Node, error) {
	if v.root == nil {
		return nil, fmt.Errorf("vfs: no root mounted: %w", errno.ENOENT)
	}
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var cur Node = v.root
	for _, name := range parts {
		dir, ok := cur.(Directory)
		if !ok {
			return nil, fmt.Errorf("vfs: %q: %w", path, errno.ENOTDIR)
		}
		next, err := dir.Lookup(name)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// parentOf resolves the directory holding the last component of path and
// returns it together with that component.
func (v *VFS) parentOf(path string) (Directory, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("vfs: %q: %w", path, errno.EINVAL)
	}
	node, err := v.resolve("/" + strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	dir, ok := node.(Directory)
	if !ok {
		return nil, "", fmt.Errorf("vfs: %q: %w", path, errno.ENOTDIR)
	}
	return dir, parts[len(parts)-1], nil
}

func (v *VFS) allocFd(f *openFile) (int, error) {
	for fd := firstUserFd; fd < MaxOpenFiles; fd++ {
		if v.files[fd] == nil {
			v.files[fd] = f
			return fd, nil
		}
	}
	return -1, fmt.Errorf("vfs: descriptor table full: %w", errno.EMFILE)
}

func (v *VFS) file(fd int) (*openFile, error) {
	if fd < firstUserFd || fd >= MaxOpenFiles || v.files[fd] == nil {
		return nil, fmt.Errorf("vfs: fd %d: %w", fd, errno.EBADF)
	}
	return v.files[fd], nil
}

// Open resolves path and binds it to a new descriptor. With O_CREAT a
// missing last component is created in its parent, which must support
// mutation; the node returned by Create is used directly so a concurrent
// removal cannot slip between create and a second resolve.
func (v *VFS) Open(path string, flags int) (int, error) {
	if flags&O_RDWR == 0 {
		return -1, fmt.Errorf("vfs: open %q: no access mode: %w", path, errno.EINVAL)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.resolve(path)
	if err != nil && flags&O_CREAT != 0 && errors.Is(err, errno.ENOENT) {
		var dir Directory
		var name string
		if dir, name, err = v.parentOf(path); err == nil {
			mdir, ok := dir.(MutableDirectory)
			if !ok {
				return -1, fmt.Errorf("vfs: create %q: %w", path, errno.ENOTSUP)
			}
			node, err = mdir.Create(name)
		}
	}
	if err != nil {
		return -1, err
	}

	if node.Type() == TypeDir && flags&O_WRONLY != 0 {
		return -1, fmt.Errorf("vfs: open %q: %w", path, errno.EISDIR)
	}
	// Truncation needs write access; a read-only descriptor must not
	// destroy data.
	if flags&O_TRUNC != 0 && flags&O_WRONLY != 0 {
		t, ok := node.(Truncater)
		if !ok {
			return -1, fmt.Errorf("vfs: truncate %q: %w", path, errno.ENOTSUP)
		}
		if err := t.Truncate(0); err != nil {
			return -1, err
		}
	}
	if o, ok := node.(Opener); ok {
		if err := o.Open(); err != nil {
			return -1, err
		}
	}

	f := &openFile{node: node, path: path, flags: flags}
	if flags&O_APPEND != 0 {
		f.cursor = node.Size()
	}
	fd, err := v.allocFd(f)
	if err != nil {
		if c, ok := node.(Closer); ok {
			c.Close()
		}
		return -1, err
	}
	stats.AddOpen()
	log.Debugf("vfs: open %q flags %#x -> fd %d", path, flags, fd)
	return fd, nil
}

// Close releases the descriptor. The backend's Closer, if any, runs after
// the slot is freed so a failing close cannot leak the descriptor.
func (v *VFS) Close(fd int) error {
	v.mu.Lock()
	f, err := v.file(fd)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.files[fd] = nil
	v.mu.Unlock()

	if c, ok := f.node.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Read copies up to len(buf) bytes from the descriptor's cursor and
// advances it by the amount read. 0 with a nil error is end of file.
func (v *VFS) Read(fd int, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.file(fd)
	if err != nil {
		return 0, err
	}
	if f.flags&O_RDONLY == 0 {
		return 0, fmt.Errorf("vfs: fd %d not open for reading: %w", fd, errno.EBADF)
	}
	r, ok := f.node.(FileReader)
	if !ok {
		if f.node.Type() == TypeDir {
			return 0, fmt.Errorf("vfs: fd %d: %w", fd, errno.EISDIR)
		}
		return 0, fmt.Errorf("vfs: fd %d: %w", fd, errno.ENOTSUP)
	}
	n, err := r.ReadAt(buf, f.cursor)
	f.cursor += uint64(n)
	if err == nil {
		stats.AddRead()
	}
	return n, err
}

// Write copies buf at the descriptor's cursor and advances it by the
// amount written.
func (v *VFS) Write(fd int, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.file(fd)
	if err != nil {
		return 0, err
	}
	if f.flags&O_WRONLY == 0 {
		return 0, fmt.Errorf("vfs: fd %d not open for writing: %w", fd, errno.EBADF)
	}
	w, ok := f.node.(FileWriter)
	if !ok {
		return 0, fmt.Errorf("vfs: fd %d: %w", fd, errno.ENOTSUP)
	}
	n, err := w.WriteAt(buf, f.cursor)
	f.cursor += uint64(n)
	if err == nil {
		stats.AddWrite()
	}
	return n, err
}

// Seek repositions the cursor. Seeking past end of file is allowed; a
// resulting negative position is not.
func (v *VFS) Seek(fd int, offset int64, whence int) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := v.file(fd)
	if err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.cursor)
	case SeekEnd:
		base = int64(f.node.Size())
	default:
		return 0, fmt.Errorf("vfs: seek fd %d: whence %d: %w", fd, whence, errno.EINVAL)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("vfs: seek fd %d to %d: %w", fd, pos, errno.EINVAL)
	}
	f.cursor = uint64(pos)
	stats.AddSeek()
	return f.cursor, nil
}

// ReadDir enumerates the entries of the directory at path.
func (v *VFS) ReadDir(path string) ([]DirInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	dir, ok := node.(Directory)
	if !ok {
		return nil, fmt.Errorf("vfs: readdir %q: %w", path, errno.ENOTDIR)
	}
	return dir.ReadDir()
}

// Stat reports the metadata of the node at path.
func (v *VFS) Stat(path string) (Stat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	node, err := v.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Size: node.Size(), Type: node.Type()}, nil
}

// Exists reports whether path resolves.
func (v *VFS) Exists(path string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.resolve(path)
	return err == nil
}

// Mkdir creates a directory as a child of its parent, which must support
// mutation.
func (v *VFS) Mkdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir, name, err := v.parentOf(path)
	if err != nil {
		return err
	}
	mdir, ok := dir.(MutableDirectory)
	if !ok {
		return fmt.Errorf("vfs: mkdir %q: %w", path, errno.ENOTSUP)
	}
	_, err = mdir.Mkdir(name)
	return err
}

// Rmdir removes an empty directory.
func (v *VFS) Rmdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir, name, err := v.parentOf(path)
	if err != nil {
		return err
	}
	mdir, ok := dir.(MutableDirectory)
	if !ok {
		return fmt.Errorf("vfs: rmdir %q: %w", path, errno.ENOTSUP)
	}
	return mdir.Rmdir(name)
}

// Unlink removes a file entry.
func (v *VFS) Unlink(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dir, name, err := v.parentOf(path)
	if err != nil {
		return err
	}
	mdir, ok := dir.(MutableDirectory)
	if !ok {
		return fmt.Errorf("vfs: unlink %q: %w", path, errno.ENOTSUP)
	}
	return mdir.Unlink(name)
}
