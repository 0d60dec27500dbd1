// Package memfs is an in-memory filesystem backend implementing every vfs
// capability, including the write path the on-disk driver lacks. It backs
// scratch mounts and tests.
package memfs

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/vfs"
)

// File is a growable byte buffer with open/close accounting.
type File struct {
	mu   sync.Mutex
	ino  uint64
	data []byte
	open int
}

// Dir maps names to child nodes.
type Dir struct {
	mu       sync.Mutex
	fs       *FS
	ino      uint64
	children map[string]vfs.Node
}

// FS hands out inode numbers; all other state lives in the nodes.
type FS struct {
	mu      sync.Mutex
	nextIno uint64
	root    *Dir
}

var (
	_ vfs.FileReader       = (*File)(nil)
	_ vfs.FileWriter       = (*File)(nil)
	_ vfs.Truncater        = (*File)(nil)
	_ vfs.Opener           = (*File)(nil)
	_ vfs.Closer           = (*File)(nil)
	_ vfs.MutableDirectory = (*Dir)(nil)
)

// New returns an empty filesystem.
func New() *FS {
	fs := &FS{nextIno: 2}
	fs.root = &Dir{fs: fs, ino: 1, children: map[string]vfs.Node{}}
	return fs
}

// Root returns the root directory.
func (fs *FS) Root() *Dir { return fs.root }

func (fs *FS) allocIno() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino := fs.nextIno
	fs.nextIno++
	return ino
}

func (f *File) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.data))
}

func (f *File) Type() vfs.NodeType { return vfs.TypeFile }

func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open++
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open > 0 {
		f.open--
	}
	return nil
}

func (f *File) ReadAt(p []byte, off uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= uint64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *File) WriteAt(p []byte, off uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if need := off + uint64(len(p)); need > uint64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *File) Truncate(size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size <= uint64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (d *Dir) Size() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.children))
}

func (d *Dir) Type() vfs.NodeType { return vfs.TypeDir }

func (d *Dir) Lookup(name string) (vfs.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.children[name]
	if !ok {
		return nil, fmt.Errorf("memfs: %q: %w", name, errno.ENOENT)
	}
	return child, nil
}

func (d *Dir) ReadDir() ([]vfs.DirInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := maps.Keys(d.children)
	slices.Sort(names)

	out := make([]vfs.DirInfo, 0, len(names))
	for _, name := range names {
		child := d.children[name]
		var ino uint64
		switch n := child.(type) {
		case *File:
			ino = n.ino
		case *Dir:
			ino = n.ino
		}
		out = append(out, vfs.DirInfo{Name: name, Type: child.Type(), Ino: ino})
	}
	return out, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("memfs: name %q: %w", name, errno.EINVAL)
	}
	return nil
}

func (d *Dir) Create(name string) (vfs.Node, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; ok {
		return nil, fmt.Errorf("memfs: %q: %w", name, errno.EEXIST)
	}
	f := &File{ino: d.fs.allocIno()}
	d.children[name] = f
	return f, nil
}

func (d *Dir) Mkdir(name string) (vfs.Node, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.children[name]; ok {
		return nil, fmt.Errorf("memfs: %q: %w", name, errno.EEXIST)
	}
	sub := &Dir{fs: d.fs, ino: d.fs.allocIno(), children: map[string]vfs.Node{}}
	d.children[name] = sub
	return sub, nil
}

func (d *Dir) Rmdir(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.children[name]
	if !ok {
		return fmt.Errorf("memfs: %q: %w", name, errno.ENOENT)
	}
	sub, ok := child.(*Dir)
	if !ok {
		return fmt.Errorf("memfs: %q: %w", name, errno.ENOTDIR)
	}
	sub.mu.Lock()
	empty := len(sub.children) == 0
	sub.mu.Unlock()
	if !empty {
		return fmt.Errorf("memfs: %q: %w", name, errno.ENOTEMPTY)
	}
	delete(d.children, name)
	return nil
}

func (d *Dir) Unlink(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	child, ok := d.children[name]
	if !ok {
		return fmt.Errorf("memfs: %q: %w", name, errno.ENOENT)
	}
	if _, isDir := child.(*Dir); isDir {
		return fmt.Errorf("memfs: %q: %w", name, errno.EISDIR)
	}
	delete(d.children, name)
	return nil
}
