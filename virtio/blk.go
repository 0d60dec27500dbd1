package virtio

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/embd-io/go-blkvfs/dma"
	"github.com/embd-io/go-blkvfs/errno"
	"github.com/embd-io/go-blkvfs/internal/util"
	"github.com/embd-io/go-blkvfs/stats"
)

// Device is one probed virtio block device. All I/O is synchronous: a
// request is published, the device is notified, and the caller busy-polls
// the used ring for the completion.
type Device struct {
	mu  sync.Mutex
	bus Bus
	mem *dma.Memory

	features  uint64
	capacity  uint64 // sectors
	blockSize uint32
	readOnly  bool

	queue *virtqueue

	pollTimeout time.Duration

	reads      uint64
	writes     uint64
	errorCount uint64
}

type Option func(*Device)

// WithPollTimeout bounds how long an I/O call waits for the device to post
// a completion. Zero (the default) polls forever: a device that never
// completes a request hangs the caller.
func WithPollTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.pollTimeout = d }
}

// driverFeatures is the set of device features this driver understands.
// Anything else the device offers is left unacknowledged.
const driverFeatures = FeatureRO | FeatureBlkSize | FeatureFlush | FeatureGeometry

// Probe checks for a virtio block device behind bus and brings it up:
// reset, status handshake, feature negotiation, virtqueue setup, and
// configuration read. A missing or foreign device fails with EBLKNODEV so
// callers can scan several candidate windows.
func Probe(bus Bus, mem *dma.Memory, opts ...Option) (*Device, error) {
	if bus.Read32(RegMagicValue) != Magic {
		return nil, fmt.Errorf("virtio: bad magic: %w", errno.EBLKNODEV)
	}
	if v := bus.Read32(RegVersion); v == 0 {
		return nil, fmt.Errorf("virtio: no device version: %w", errno.EBLKNODEV)
	}
	if id := bus.Read32(RegDeviceID); id != DeviceIDBlock {
		return nil, fmt.Errorf("virtio: device type %d: %w", id, errno.EBLKNODEV)
	}

	dev := &Device{bus: bus, mem: mem}
	for _, opt := range opts {
		opt(dev)
	}

	// Reset, then acknowledge the device and declare a driver for it.
	bus.Write32(RegStatus, 0)
	bus.Write32(RegStatus, StatusAcknowledge)
	bus.Write32(RegStatus, StatusAcknowledge|StatusDriver)

	bus.Write32(RegDeviceFeaturesSel, 0)
	offered := uint64(bus.Read32(RegDeviceFeatures))
	bus.Write32(RegDeviceFeaturesSel, 1)
	offered |= uint64(bus.Read32(RegDeviceFeatures)) << 32

	dev.features = offered & driverFeatures
	bus.Write32(RegDriverFeaturesSel, 0)
	bus.Write32(RegDriverFeatures, uint32(dev.features))
	bus.Write32(RegDriverFeaturesSel, 1)
	bus.Write32(RegDriverFeatures, uint32(dev.features>>32))

	bus.Write32(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if bus.Read32(RegStatus)&StatusFeaturesOK == 0 {
		bus.Write32(RegStatus, StatusFailed)
		return nil, fmt.Errorf("virtio: feature negotiation rejected: %w", errno.EBLKUNSUPP)
	}

	if err := dev.setupQueue(); err != nil {
		bus.Write32(RegStatus, StatusFailed)
		return nil, err
	}

	bus.Write32(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	dev.capacity = uint64(bus.Read32(ConfigCapacityLow)) |
		uint64(bus.Read32(ConfigCapacityHigh))<<32
	dev.blockSize = SectorSize
	if dev.features&FeatureBlkSize != 0 {
		dev.blockSize = bus.Read32(ConfigBlkSize)
	}
	dev.readOnly = dev.features&FeatureRO != 0

	log.Infof("virtio-blk: %d sectors, block size %d, read-only %v, queue %d",
		dev.capacity, dev.blockSize, dev.readOnly, dev.queue.size)
	return dev, nil
}

func (dev *Device) setupQueue() error {
	dev.bus.Write32(RegQueueSel, 0)
	max := dev.bus.Read32(RegQueueNumMax)
	if max == 0 {
		return fmt.Errorf("virtio: queue 0 unavailable: %w", errno.EBLKNODEV)
	}

	size := uint16(max)
	if size > DefaultQueueSize {
		size = DefaultQueueSize
	}
	for !util.IsPowerOfTwo(uint64(size)) {
		size--
	}

	q, err := newVirtqueue(dev.mem, size)
	if err != nil {
		return err
	}
	dev.queue = q

	dev.bus.Write32(RegQueueNum, uint32(size))
	dev.bus.Write32(RegQueueDescLow, uint32(q.desc.Addr))
	dev.bus.Write32(RegQueueDescHigh, uint32(q.desc.Addr>>32))
	dev.bus.Write32(RegQueueAvailLow, uint32(q.avail.Addr))
	dev.bus.Write32(RegQueueAvailHigh, uint32(q.avail.Addr>>32))
	dev.bus.Write32(RegQueueUsedLow, uint32(q.used.Addr))
	dev.bus.Write32(RegQueueUsedHigh, uint32(q.used.Addr>>32))
	dev.bus.Write32(RegQueueReady, 1)
	return nil
}

// Close resets the device and releases the ring memory. The device must
// not be used afterwards.
func (dev *Device) Close() {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.bus.Write32(RegStatus, 0)
	if dev.queue != nil {
		dev.queue.release(dev.mem)
		dev.queue = nil
	}
}

// Capacity returns the device capacity in 512-byte sectors.
func (dev *Device) Capacity() uint64 { return dev.capacity }

// BlockSize returns the device's preferred block size in bytes.
func (dev *Device) BlockSize() uint32 { return dev.blockSize }

// ReadOnly reports whether the device negotiated the read-only feature.
func (dev *Device) ReadOnly() bool { return dev.readOnly }

// Counters returns the cumulative successful read and write sector counts
// and the error count.
func (dev *Device) Counters() (reads, writes, errors uint64) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.reads, dev.writes, dev.errorCount
}

// ReadSectors reads len(buf)/512 sectors starting at sector into buf.
// len(buf) must be a positive multiple of the sector size. Returns the
// number of sectors completed.
func (dev *Device) ReadSectors(sector uint64, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("virtio: read buffer %d bytes: %w", len(buf), errno.EINVAL)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.transfer(ReqTypeIn, sector, buf, true); err != nil {
		return 0, err
	}
	n := len(buf) / SectorSize
	dev.reads += uint64(n)
	stats.AddSectorsRead(uint64(n))
	return n, nil
}

// WriteSectors writes len(buf)/512 sectors starting at sector from buf.
// Returns the number of sectors completed.
func (dev *Device) WriteSectors(sector uint64, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("virtio: write buffer %d bytes: %w", len(buf), errno.EINVAL)
	}
	if dev.readOnly {
		return 0, fmt.Errorf("virtio: write to read-only device: %w", errno.EROFS)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.transfer(ReqTypeOut, sector, buf, false); err != nil {
		return 0, err
	}
	n := len(buf) / SectorSize
	dev.writes += uint64(n)
	stats.AddSectorsWritten(uint64(n))
	return n, nil
}

// Flush asks the device to commit its write cache. Fails with EBLKUNSUPP
// unless the flush feature was negotiated.
func (dev *Device) Flush() error {
	if dev.features&FeatureFlush == 0 {
		return fmt.Errorf("virtio: flush not negotiated: %w", errno.EBLKUNSUPP)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.transfer(ReqTypeFlush, 0, nil, false); err != nil {
		return err
	}
	stats.AddFlush()
	return nil
}

// transfer runs one request through the virtqueue and blocks until the
// device posts its completion. data may be nil (flush). Caller buffers are
// not DMA-addressable, so data is bounced through the arena.
func (dev *Device) transfer(reqType uint32, sector uint64, data []byte, deviceWrites bool) error {
	q := dev.queue
	if q == nil {
		return fmt.Errorf("virtio: device closed: %w", errno.ENODEV)
	}

	header, err := dev.mem.Alloc(ReqHeaderSize, 8)
	if err != nil {
		return err
	}
	defer dev.mem.Free(header)
	le.PutUint32(header.B[0:], reqType)
	le.PutUint32(header.B[4:], 0) // reserved
	le.PutUint64(header.B[8:], sector)

	var bounce dma.Region
	if len(data) > 0 {
		if bounce, err = dev.mem.Alloc(uint64(len(data)), SectorSize); err != nil {
			return err
		}
		defer dev.mem.Free(bounce)
		if !deviceWrites {
			copy(bounce.B, data)
		}
	}

	status, err := dev.mem.Alloc(1, 1)
	if err != nil {
		return err
	}
	defer dev.mem.Free(status)
	status.B[0] = 0xff

	head, err := q.allocDesc()
	if err != nil {
		return err
	}
	var dataDesc, statusDesc uint16
	if statusDesc, err = q.allocDesc(); err != nil {
		q.setDesc(head, 0, 0, 0, 0)
		q.freeChain(head)
		return err
	}
	if len(data) > 0 {
		// Three-descriptor chain: header, data, status.
		if dataDesc, err = q.allocDesc(); err != nil {
			q.setDesc(head, 0, 0, 0, 0)
			q.setDesc(statusDesc, 0, 0, 0, 0)
			q.freeChain(head)
			q.freeChain(statusDesc)
			return err
		}
		q.setDesc(head, header.Addr, ReqHeaderSize, DescFNext, dataDesc)
		dataFlags := uint16(DescFNext)
		if deviceWrites {
			dataFlags |= DescFWrite
		}
		q.setDesc(dataDesc, bounce.Addr, uint32(len(data)), dataFlags, statusDesc)
	} else {
		q.setDesc(head, header.Addr, ReqHeaderSize, DescFNext, statusDesc)
	}
	q.setDesc(statusDesc, status.Addr, 1, DescFWrite, 0)

	q.pushAvail(head)
	dev.bus.Write32(RegQueueNotify, 0)

	if err := dev.waitUsed(head); err != nil {
		return err
	}
	q.freeChain(head)

	switch status.B[0] {
	case ReqStatusOK:
	case ReqStatusUnsupp:
		dev.errorCount++
		stats.AddDeviceError()
		return fmt.Errorf("virtio: request type %d: %w", reqType, errno.EBLKUNSUPP)
	default:
		dev.errorCount++
		stats.AddDeviceError()
		return fmt.Errorf("virtio: sector %d: %w", sector, errno.EBLKIO)
	}

	if deviceWrites && len(data) > 0 {
		copy(data, bounce.B)
	}
	return nil
}

// waitUsed busy-polls the used ring until the chain at head completes.
func (dev *Device) waitUsed(head uint16) error {
	var deadline time.Time
	if dev.pollTimeout > 0 {
		deadline = time.Now().Add(dev.pollTimeout)
	}
	for {
		if id, _, ok := dev.queue.popUsed(); ok {
			if id != uint32(head) {
				// The device answered a chain we did not publish; the
				// ring state is no longer trustworthy.
				dev.errorCount++
				stats.AddDeviceError()
				return fmt.Errorf("virtio: used id %d, want %d: %w", id, head, errno.EBLKIO)
			}
			dev.bus.Write32(RegInterruptACK, dev.bus.Read32(RegInterruptStatus))
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			// The chain stays allocated: the device may still write it.
			dev.errorCount++
			stats.AddDeviceError()
			return fmt.Errorf("virtio: no completion after %v: %w", dev.pollTimeout, errno.EBLKTIMEOUT)
		}
	}
}
