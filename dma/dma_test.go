package dma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embd-io/go-blkvfs/errno"
)

func TestAllocAligned(t *testing.T) {
	m := NewMemory(4096, 0x80000000)

	a, err := m.Alloc(10, 1)
	require.NoError(t, err)
	b, err := m.Alloc(512, 512)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x80000000), a.Addr)
	assert.Zero(t, b.Addr%512)
	assert.Len(t, b.B, 512)
}

func TestBytesSharesBacking(t *testing.T) {
	m := NewMemory(1024, 0)
	r, err := m.Alloc(16, 1)
	require.NoError(t, err)

	view, err := m.Bytes(r.Addr, 16)
	require.NoError(t, err)
	view[0] = 0xAB
	assert.Equal(t, byte(0xAB), r.B[0])
}

func TestBytesFaultsOutsideArena(t *testing.T) {
	m := NewMemory(1024, 0x1000)

	_, err := m.Bytes(0x0, 8)
	assert.True(t, errors.Is(err, errno.EMEMFAULT))
	_, err = m.Bytes(0x1000+1020, 8)
	assert.True(t, errors.Is(err, errno.EMEMFAULT))
}

func TestExhaustionAndReuse(t *testing.T) {
	m := NewMemory(1024, 0)
	r1, err := m.Alloc(1024, 1)
	require.NoError(t, err)

	_, err = m.Alloc(1, 1)
	assert.True(t, errors.Is(err, errno.ENOMEM))

	m.Free(r1)
	r2, err := m.Alloc(1024, 1)
	require.NoError(t, err)
	assert.Equal(t, r1.Addr, r2.Addr)
}

func TestFreeCoalesces(t *testing.T) {
	m := NewMemory(256, 0)
	a, _ := m.Alloc(64, 1)
	b, _ := m.Alloc(64, 1)
	c, _ := m.Alloc(128, 1)

	m.Free(a)
	m.Free(c)
	m.Free(b)

	r, err := m.Alloc(256, 1)
	require.NoError(t, err)
	assert.Len(t, r.B, 256)
}

func TestBadAlignment(t *testing.T) {
	m := NewMemory(256, 0)
	_, err := m.Alloc(8, 3)
	assert.True(t, errors.Is(err, errno.EMEMALIGN))
}
