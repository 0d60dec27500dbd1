package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/embd-io/go-blkvfs/dma"
	"github.com/embd-io/go-blkvfs/errno"
)

var le = binary.LittleEndian

// virtqueue is the driver-side view of one split virtqueue: a descriptor
// table, an available ring and a used ring, all living in DMA memory so the
// device can address them. Free descriptors are chained through their next
// fields; a descriptor is on the free list exactly when no outstanding
// available-ring entry still references it.
type virtqueue struct {
	size uint16

	desc  dma.Region
	avail dma.Region
	used  dma.Region

	freeHead uint16
	numFree  uint16
	lastUsed uint16
}

func newVirtqueue(mem *dma.Memory, size uint16) (*virtqueue, error) {
	q := &virtqueue{size: size}

	var err error
	if q.desc, err = mem.Alloc(uint64(size)*descEntrySize, 16); err != nil {
		return nil, fmt.Errorf("virtio: descriptor table: %w", err)
	}
	// flags u16, idx u16, ring[size] u16, used_event u16
	if q.avail, err = mem.Alloc(4+uint64(size)*2+2, 2); err != nil {
		mem.Free(q.desc)
		return nil, fmt.Errorf("virtio: available ring: %w", err)
	}
	// flags u16, idx u16, ring[size] {id u32, len u32}, avail_event u16
	if q.used, err = mem.Alloc(4+uint64(size)*usedElemSize+2, 4); err != nil {
		mem.Free(q.desc)
		mem.Free(q.avail)
		return nil, fmt.Errorf("virtio: used ring: %w", err)
	}

	// Chain every descriptor onto the free list.
	for i := uint16(0); i < size; i++ {
		le.PutUint16(q.desc.B[int(i)*descEntrySize+14:], i+1)
	}
	q.freeHead = 0
	q.numFree = size
	return q, nil
}

func (q *virtqueue) release(mem *dma.Memory) {
	mem.Free(q.desc)
	mem.Free(q.avail)
	mem.Free(q.used)
}

// allocDesc pops one descriptor off the free list.
func (q *virtqueue) allocDesc() (uint16, error) {
	if q.numFree == 0 {
		return 0, fmt.Errorf("virtio: no free descriptors: %w", errno.ENOMEM)
	}
	i := q.freeHead
	q.freeHead = le.Uint16(q.desc.B[int(i)*descEntrySize+14:])
	q.numFree--
	return i, nil
}

// setDesc fills descriptor i. next is only meaningful when flags has
// DescFNext set.
func (q *virtqueue) setDesc(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	b := q.desc.B[int(i)*descEntrySize:]
	le.PutUint64(b[0:], addr)
	le.PutUint32(b[8:], length)
	le.PutUint16(b[12:], flags)
	le.PutUint16(b[14:], next)
}

// freeChain returns a descriptor chain, starting at head, to the free list.
func (q *virtqueue) freeChain(head uint16) {
	for {
		b := q.desc.B[int(head)*descEntrySize:]
		flags := le.Uint16(b[12:])
		next := le.Uint16(b[14:])

		le.PutUint16(b[14:], q.freeHead)
		q.freeHead = head
		q.numFree++

		if flags&DescFNext == 0 {
			return
		}
		head = next
	}
}

// pushAvail publishes a chain head in the available ring and advances the
// ring index. The device does not see the entry until the index store.
func (q *virtqueue) pushAvail(head uint16) {
	idx := le.Uint16(q.avail.B[2:])
	le.PutUint16(q.avail.B[4+int(idx%q.size)*2:], head)
	le.PutUint16(q.avail.B[2:], idx+1)
}

// popUsed consumes the next completion from the used ring, if any.
func (q *virtqueue) popUsed() (id uint32, length uint32, ok bool) {
	idx := le.Uint16(q.used.B[2:])
	if idx == q.lastUsed {
		return 0, 0, false
	}
	b := q.used.B[4+int(q.lastUsed%q.size)*usedElemSize:]
	id = le.Uint32(b[0:])
	length = le.Uint32(b[4:])
	q.lastUsed++
	return id, length, true
}
