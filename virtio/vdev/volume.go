package vdev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/embd-io/go-blkvfs/errno"
)

// Volume is the storage behind a simulated device.
type Volume interface {
	Read(offset uint64, buf []byte) error
	Write(offset uint64, buf []byte) error
	Size() uint64
	Sync() error
}

type MemoryVolume struct {
	buf []byte
}

func NewMemoryVolume(capacity uint64) *MemoryVolume {
	return &MemoryVolume{buf: make([]byte, capacity)}
}

// NewMemoryVolumeFrom wraps an existing image. The image is aliased, not
// copied.
func NewMemoryVolumeFrom(img []byte) *MemoryVolume {
	return &MemoryVolume{buf: img}
}

func (v *MemoryVolume) Read(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(v.buf)) {
		return fmt.Errorf("vdev: read past volume end: %w", errno.EINVAL)
	}
	copy(buf, v.buf[offset:])
	return nil
}

func (v *MemoryVolume) Write(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(v.buf)) {
		return fmt.Errorf("vdev: write past volume end: %w", errno.EINVAL)
	}
	copy(v.buf[offset:], buf)
	return nil
}

func (v *MemoryVolume) Size() uint64 { return uint64(len(v.buf)) }

func (v *MemoryVolume) Sync() error { return nil }

// FileVolume maps a disk image file into memory.
type FileVolume struct {
	f    *os.File
	data []byte
	ro   bool
}

func OpenFileVolume(path string, readOnly bool) (*FileVolume, error) {
	flags, prot := os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if readOnly {
		flags, prot = os.O_RDONLY, unix.PROT_READ
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("vdev: opening image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vdev: stat image: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vdev: mmap image: %w", err)
	}
	return &FileVolume{f: f, data: data, ro: readOnly}, nil
}

func (v *FileVolume) Read(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(v.data)) {
		return fmt.Errorf("vdev: read past volume end: %w", errno.EINVAL)
	}
	copy(buf, v.data[offset:])
	return nil
}

func (v *FileVolume) Write(offset uint64, buf []byte) error {
	if v.ro {
		return fmt.Errorf("vdev: volume mapped read-only: %w", errno.EROFS)
	}
	if offset+uint64(len(buf)) > uint64(len(v.data)) {
		return fmt.Errorf("vdev: write past volume end: %w", errno.EINVAL)
	}
	copy(v.data[offset:], buf)
	return nil
}

func (v *FileVolume) Size() uint64 { return uint64(len(v.data)) }

func (v *FileVolume) Sync() error {
	if v.ro {
		return nil
	}
	return unix.Msync(v.data, unix.MS_SYNC)
}

func (v *FileVolume) Close() error {
	if err := unix.Munmap(v.data); err != nil {
		v.f.Close()
		return err
	}
	return v.f.Close()
}
