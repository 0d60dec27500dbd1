package ext2

import (
	"fmt"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/vfs"
)

// node adapts one inode to the vfs capability interfaces. The inode is
// snapshotted at resolve time; the volume is read-only so the snapshot
// cannot go stale.
type node struct {
	fs    *FileSystem
	ino   Ino
	inode Inode
}

var (
	_ vfs.FileReader       = (*node)(nil)
	_ vfs.FileWriter       = (*node)(nil)
	_ vfs.MutableDirectory = (*node)(nil)
)

// Root returns the filesystem's root directory as a vfs node.
func (fs *FileSystem) Root() (vfs.Directory, error) {
	inode, err := fs.ReadInode(RootIno)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, fmt.Errorf("ext2: root inode: %w", errno.EFSCORRUPT)
	}
	return &node{fs: fs, ino: RootIno, inode: inode}, nil
}

// NodeFor exposes an arbitrary inode as a vfs node.
func (fs *FileSystem) NodeFor(ino Ino) (vfs.Node, error) {
	inode, err := fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	return &node{fs: fs, ino: ino, inode: inode}, nil
}

func (n *node) Size() uint64 { return uint64(n.inode.Size) }

func (n *node) Type() vfs.NodeType {
	switch n.inode.Mode & ModeFmtMask {
	case ModeDir:
		return vfs.TypeDir
	case ModeRegular:
		return vfs.TypeFile
	case ModeSymlink:
		return vfs.TypeSymlink
	default:
		return vfs.TypeUnknown
	}
}

func (n *node) ReadAt(p []byte, off uint64) (int, error) {
	if n.inode.IsDir() {
		return 0, fmt.Errorf("ext2: inode %d: %w", n.ino, errno.EISDIR)
	}
	return n.fs.ReadFile(&n.inode, off, p)
}

func (n *node) WriteAt(p []byte, off uint64) (int, error) {
	if n.inode.IsDir() {
		return 0, fmt.Errorf("ext2: inode %d: %w", n.ino, errno.EISDIR)
	}
	return n.fs.WriteFile(&n.inode, off, p)
}

func (n *node) Lookup(name string) (vfs.Node, error) {
	if !n.inode.IsDir() {
		return nil, fmt.Errorf("ext2: inode %d: %w", n.ino, errno.ENOTDIR)
	}
	ino, err := n.fs.Lookup(&n.inode, name)
	if err != nil {
		return nil, err
	}
	inode, err := n.fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	return &node{fs: n.fs, ino: ino, inode: inode}, nil
}

func (n *node) ReadDir() ([]vfs.DirInfo, error) {
	var out []vfs.DirInfo
	err := n.fs.ListDir(&n.inode, func(ent DirEntry) error {
		out = append(out, vfs.DirInfo{
			Name: ent.Name,
			Type: dirInfoType(ent.FileType),
			Ino:  uint64(ent.Ino),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dirInfoType(ft uint8) vfs.NodeType {
	switch ft {
	case FileTypeDir:
		return vfs.TypeDir
	case FileTypeRegular:
		return vfs.TypeFile
	case FileTypeSymlink:
		return vfs.TypeSymlink
	default:
		return vfs.TypeUnknown
	}
}

func (n *node) Create(name string) (vfs.Node, error) {
	ino, err := n.fs.CreateFile(&n.inode, name)
	if err != nil {
		return nil, err
	}
	inode, err := n.fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	return &node{fs: n.fs, ino: ino, inode: inode}, nil
}

func (n *node) Mkdir(name string) (vfs.Node, error) {
	ino, err := n.fs.CreateDir(&n.inode, name)
	if err != nil {
		return nil, err
	}
	inode, err := n.fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	return &node{fs: n.fs, ino: ino, inode: inode}, nil
}

func (n *node) Rmdir(name string) error {
	return n.fs.RemoveDir(&n.inode, name)
}

func (n *node) Unlink(name string) error {
	return n.fs.RemoveFile(&n.inode, name)
}
