// Package vdev implements the device side of the virtio-blk MMIO protocol
// in software, backed by a Volume. It exists so the driver, and everything
// stacked on it, can run without hardware: tests and the example harness
// plug a vdev.Device in wherever a real register window would be.
//
// Descriptor chains published on the queue are processed synchronously
// during the QueueNotify register write, so a completion is always visible
// to the driver's first poll of the used ring.
package vdev

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/embd-io/go-blkvfs/dma"
	"github.com/embd-io/go-blkvfs/virtio"
)

var le = binary.LittleEndian

type Device struct {
	mu  sync.Mutex
	mem *dma.Memory
	vol Volume

	features uint64
	queueMax uint16

	// Register file.
	status     uint32
	devFeatSel uint32
	drvFeatSel uint32
	drvFeat    uint64
	queueSel   uint32
	queueNum   uint32
	queueReady bool
	descAddr   uint64
	availAddr  uint64
	usedAddr   uint64
	intrStatus uint32

	lastAvail uint16
	usedIdx   uint16

	failNext int
}

type Option func(*Device)

// ReadOnly makes the device offer the read-only feature and reject writes.
func ReadOnly() Option {
	return func(d *Device) { d.features |= virtio.FeatureRO }
}

// WithoutFlush removes the flush feature from the offered set.
func WithoutFlush() Option {
	return func(d *Device) { d.features &^= virtio.FeatureFlush }
}

// WithQueueMax overrides the advertised maximum queue size.
func WithQueueMax(n uint16) Option {
	return func(d *Device) { d.queueMax = n }
}

func New(mem *dma.Memory, vol Volume, opts ...Option) *Device {
	d := &Device{
		mem:      mem,
		vol:      vol,
		features: virtio.FeatureBlkSize | virtio.FeatureFlush | virtio.FeatureGeometry,
		queueMax: 256,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// FailRequests forces the next n requests to complete with an I/O error
// status.
func (d *Device) FailRequests(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

func (d *Device) reset() {
	d.status = 0
	d.devFeatSel, d.drvFeatSel = 0, 0
	d.drvFeat = 0
	d.queueSel, d.queueNum = 0, 0
	d.queueReady = false
	d.descAddr, d.availAddr, d.usedAddr = 0, 0, 0
	d.intrStatus = 0
	d.lastAvail, d.usedIdx = 0, 0
}

func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegMagicValue:
		return virtio.Magic
	case virtio.RegVersion:
		return 2
	case virtio.RegDeviceID:
		return virtio.DeviceIDBlock
	case virtio.RegVendorID:
		return 0x554d4551 // 'QEMU'
	case virtio.RegDeviceFeatures:
		if d.devFeatSel == 0 {
			return uint32(d.features)
		}
		return uint32(d.features >> 32)
	case virtio.RegQueueNumMax:
		if d.queueSel != 0 {
			return 0
		}
		return uint32(d.queueMax)
	case virtio.RegInterruptStatus:
		return d.intrStatus
	case virtio.RegStatus:
		return d.status
	case virtio.RegConfigGeneration:
		return 0
	case virtio.ConfigCapacityLow:
		return uint32(d.vol.Size() / virtio.SectorSize)
	case virtio.ConfigCapacityHigh:
		return uint32(d.vol.Size() / virtio.SectorSize >> 32)
	case virtio.ConfigGeometry:
		return 0
	case virtio.ConfigBlkSize:
		return virtio.SectorSize
	}
	return 0
}

func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case virtio.RegDeviceFeaturesSel:
		d.devFeatSel = v
	case virtio.RegDriverFeaturesSel:
		d.drvFeatSel = v
	case virtio.RegDriverFeatures:
		if d.drvFeatSel == 0 {
			d.drvFeat = d.drvFeat&^0xffffffff | uint64(v)
		} else {
			d.drvFeat = d.drvFeat&0xffffffff | uint64(v)<<32
		}
	case virtio.RegQueueSel:
		d.queueSel = v
	case virtio.RegQueueNum:
		if d.queueSel == 0 {
			d.queueNum = v
		}
	case virtio.RegQueueReady:
		if d.queueSel == 0 {
			d.queueReady = v != 0
		}
	case virtio.RegQueueNotify:
		d.process()
	case virtio.RegInterruptACK:
		d.intrStatus &^= v
	case virtio.RegStatus:
		if v == 0 {
			d.reset()
			return
		}
		// A driver acknowledging features the device never offered does
		// not get FEATURES_OK back.
		if v&virtio.StatusFeaturesOK != 0 && d.drvFeat&^d.features != 0 {
			v &^= virtio.StatusFeaturesOK
		}
		d.status = v
	case virtio.RegQueueDescLow:
		if d.queueSel == 0 {
			d.descAddr = d.descAddr&^0xffffffff | uint64(v)
		}
	case virtio.RegQueueDescHigh:
		if d.queueSel == 0 {
			d.descAddr = d.descAddr&0xffffffff | uint64(v)<<32
		}
	case virtio.RegQueueAvailLow:
		if d.queueSel == 0 {
			d.availAddr = d.availAddr&^0xffffffff | uint64(v)
		}
	case virtio.RegQueueAvailHigh:
		if d.queueSel == 0 {
			d.availAddr = d.availAddr&0xffffffff | uint64(v)<<32
		}
	case virtio.RegQueueUsedLow:
		if d.queueSel == 0 {
			d.usedAddr = d.usedAddr&^0xffffffff | uint64(v)
		}
	case virtio.RegQueueUsedHigh:
		if d.queueSel == 0 {
			d.usedAddr = d.usedAddr&0xffffffff | uint64(v)<<32
		}
	}
}

type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (d *Device) readDesc(i uint16) (desc, bool) {
	b, err := d.mem.Bytes(d.descAddr+uint64(i)*16, 16)
	if err != nil {
		log.Errorf("vdev: descriptor %d: %v", i, err)
		return desc{}, false
	}
	return desc{
		addr:  le.Uint64(b[0:]),
		len:   le.Uint32(b[8:]),
		flags: le.Uint16(b[12:]),
		next:  le.Uint16(b[14:]),
	}, true
}

// process drains the available ring, executing each descriptor chain and
// posting a used-ring entry for it.
func (d *Device) process() {
	if !d.queueReady || d.status&virtio.StatusDriverOK == 0 || d.queueNum == 0 {
		return
	}

	availIdxB, err := d.mem.Bytes(d.availAddr+2, 2)
	if err != nil {
		log.Errorf("vdev: available ring: %v", err)
		return
	}

	for d.lastAvail != le.Uint16(availIdxB) {
		slot := uint64(d.lastAvail % uint16(d.queueNum))
		headB, err := d.mem.Bytes(d.availAddr+4+slot*2, 2)
		if err != nil {
			log.Errorf("vdev: available ring entry: %v", err)
			return
		}
		head := le.Uint16(headB)
		written := d.handleChain(head)
		d.pushUsed(head, written)
		d.lastAvail++
	}
}

// handleChain executes one request chain and returns the number of bytes
// the device wrote into driver memory (data plus the status byte).
func (d *Device) handleChain(head uint16) uint32 {
	var chain []desc
	for i, hops := head, uint32(0); ; hops++ {
		if hops > d.queueNum {
			log.Errorf("vdev: descriptor loop at %d", head)
			return 0
		}
		dsc, ok := d.readDesc(i)
		if !ok {
			return 0
		}
		chain = append(chain, dsc)
		if dsc.flags&virtio.DescFNext == 0 {
			break
		}
		i = dsc.next
	}

	if len(chain) < 2 || chain[0].len < virtio.ReqHeaderSize {
		log.Errorf("vdev: malformed chain at %d", head)
		return 0
	}
	last := chain[len(chain)-1]
	if last.flags&virtio.DescFWrite == 0 || last.len < 1 {
		log.Errorf("vdev: chain at %d has no status descriptor", head)
		return 0
	}
	statusB, err := d.mem.Bytes(last.addr, 1)
	if err != nil {
		log.Errorf("vdev: status buffer: %v", err)
		return 0
	}

	headerB, err := d.mem.Bytes(chain[0].addr, virtio.ReqHeaderSize)
	if err != nil {
		statusB[0] = virtio.ReqStatusIOErr
		return 1
	}
	reqType := le.Uint32(headerB[0:])
	sector := le.Uint64(headerB[8:])

	if d.failNext > 0 {
		d.failNext--
		statusB[0] = virtio.ReqStatusIOErr
		return 1
	}

	status, written := d.execute(reqType, sector, chain[1:len(chain)-1])
	statusB[0] = status
	return written + 1
}

func (d *Device) execute(reqType uint32, sector uint64, data []desc) (byte, uint32) {
	offset := sector * virtio.SectorSize

	switch reqType {
	case virtio.ReqTypeIn:
		var written uint32
		for _, dsc := range data {
			if dsc.flags&virtio.DescFWrite == 0 {
				return virtio.ReqStatusIOErr, written
			}
			buf, err := d.mem.Bytes(dsc.addr, uint64(dsc.len))
			if err != nil {
				return virtio.ReqStatusIOErr, written
			}
			if err := d.vol.Read(offset, buf); err != nil {
				return virtio.ReqStatusIOErr, written
			}
			offset += uint64(dsc.len)
			written += dsc.len
		}
		return virtio.ReqStatusOK, written

	case virtio.ReqTypeOut:
		if d.features&virtio.FeatureRO != 0 {
			return virtio.ReqStatusIOErr, 0
		}
		for _, dsc := range data {
			if dsc.flags&virtio.DescFWrite != 0 {
				return virtio.ReqStatusIOErr, 0
			}
			buf, err := d.mem.Bytes(dsc.addr, uint64(dsc.len))
			if err != nil {
				return virtio.ReqStatusIOErr, 0
			}
			if err := d.vol.Write(offset, buf); err != nil {
				return virtio.ReqStatusIOErr, 0
			}
			offset += uint64(dsc.len)
		}
		return virtio.ReqStatusOK, 0

	case virtio.ReqTypeFlush:
		if d.features&virtio.FeatureFlush == 0 {
			return virtio.ReqStatusUnsupp, 0
		}
		if err := d.vol.Sync(); err != nil {
			return virtio.ReqStatusIOErr, 0
		}
		return virtio.ReqStatusOK, 0
	}
	return virtio.ReqStatusUnsupp, 0
}

func (d *Device) pushUsed(head uint16, written uint32) {
	slot := uint64(d.usedIdx % uint16(d.queueNum))
	elem, err := d.mem.Bytes(d.usedAddr+4+slot*8, 8)
	if err != nil {
		log.Errorf("vdev: used ring entry: %v", err)
		return
	}
	le.PutUint32(elem[0:], uint32(head))
	le.PutUint32(elem[4:], written)

	d.usedIdx++
	idxB, err := d.mem.Bytes(d.usedAddr+2, 2)
	if err != nil {
		log.Errorf("vdev: used ring index: %v", err)
		return
	}
	le.PutUint16(idxB, d.usedIdx)
	d.intrStatus |= 1
}
