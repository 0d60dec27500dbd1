package ext2

import (
	"fmt"

	"github.com/embd-io/go-blkvfs/errno"
)

// The write path is not implemented: the driver mounts volumes read-only.
// These entry points exist so callers can distinguish "unsupported" from
// "bad request".

func (fs *FileSystem) WriteFile(inode *Inode, off uint64, buf []byte) (int, error) {
	return 0, fmt.Errorf("ext2: write: %w", errno.ENOSYS)
}

func (fs *FileSystem) CreateFile(dir *Inode, name string) (Ino, error) {
	return 0, fmt.Errorf("ext2: create %q: %w", name, errno.ENOSYS)
}

func (fs *FileSystem) CreateDir(dir *Inode, name string) (Ino, error) {
	return 0, fmt.Errorf("ext2: mkdir %q: %w", name, errno.ENOSYS)
}

func (fs *FileSystem) RemoveFile(dir *Inode, name string) error {
	return fmt.Errorf("ext2: unlink %q: %w", name, errno.ENOSYS)
}

func (fs *FileSystem) RemoveDir(dir *Inode, name string) error {
	return fmt.Errorf("ext2: rmdir %q: %w", name, errno.ENOSYS)
}
