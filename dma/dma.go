// Package dma models the DMA-capable guest memory the block transport and
// the device share. Regions carry both a bus address, which the device side
// uses to address the memory, and a byte-slice view for the driver side.
package dma

import (
	"fmt"
	"sync"

	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/internal/util"
)

// Region is one allocation out of a Memory arena. Addr is the bus address
// of the first byte; B aliases the arena, so device-side writes through
// Memory.Bytes are visible here without copying.
type Region struct {
	Addr uint64
	B    []byte
}

type span struct {
	off  uint64
	size uint64
}

// Memory is a fixed-size arena with first-fit allocation over a free list.
// All methods are safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	base uint64
	buf  []byte
	free []span
}

// NewMemory creates an arena of the given size whose first byte has the
// given bus address.
func NewMemory(size uint64, base uint64) *Memory {
	return &Memory{
		base: base,
		buf:  make([]byte, size),
		free: []span{{off: 0, size: size}},
	}
}

func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

// Alloc carves a region of the given size, aligned to align bytes (align
// must be a power of two; 0 or 1 means unaligned).
func (m *Memory) Alloc(size, align uint64) (Region, error) {
	if size == 0 {
		return Region{}, fmt.Errorf("dma: zero-size allocation: %w", errno.EINVAL)
	}
	if align == 0 {
		align = 1
	}
	if !util.IsPowerOfTwo(align) {
		return Region{}, fmt.Errorf("dma: alignment %d: %w", align, errno.EMEMALIGN)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, f := range m.free {
		start := util.Roundup64(f.off, align)
		pad := start - f.off
		if f.size < pad+size {
			continue
		}
		// Split the span: padding stays free, the tail (if any) stays free.
		rest := f.size - pad - size
		if pad > 0 && rest > 0 {
			m.free[i] = span{off: f.off, size: pad}
			m.free = append(m.free, span{off: start + size, size: rest})
		} else if pad > 0 {
			m.free[i] = span{off: f.off, size: pad}
		} else if rest > 0 {
			m.free[i] = span{off: start + size, size: rest}
		} else {
			m.free = append(m.free[:i], m.free[i+1:]...)
		}
		return Region{Addr: m.base + start, B: m.buf[start : start+size : start+size]}, nil
	}
	return Region{}, fmt.Errorf("dma: %d bytes: %w", size, errno.ENOMEM)
}

// Free returns a region to the arena. Freeing a zero Region is a no-op.
func (m *Memory) Free(r Region) {
	if r.B == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, span{off: r.Addr - m.base, size: uint64(len(r.B))})
	m.coalesce()
}

func (m *Memory) coalesce() {
	// Insertion-sort scale: the arena holds a handful of spans at a time.
	for i := 1; i < len(m.free); i++ {
		for j := i; j > 0 && m.free[j].off < m.free[j-1].off; j-- {
			m.free[j], m.free[j-1] = m.free[j-1], m.free[j]
		}
	}
	out := m.free[:0]
	for _, f := range m.free {
		if n := len(out); n > 0 && out[n-1].off+out[n-1].size == f.off {
			out[n-1].size += f.size
		} else {
			out = append(out, f)
		}
	}
	m.free = out
}

// Bytes resolves a bus address range to the backing bytes. This is the
// device side's access path; addresses outside the arena fault.
func (m *Memory) Bytes(addr uint64, n uint64) ([]byte, error) {
	if addr < m.base || addr+n > m.base+uint64(len(m.buf)) || addr+n < addr {
		return nil, fmt.Errorf("dma: address %#x+%d: %w", addr, n, errno.EMEMFAULT)
	}
	off := addr - m.base
	return m.buf[off : off+n : off+n], nil
}
