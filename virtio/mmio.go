// Package virtio implements the driver side of the virtio-blk protocol:
// device discovery and feature negotiation over a memory-mapped register
// block, split-virtqueue ring management in DMA memory, and synchronous
// sector read/write/flush on top of it.
package virtio

// MMIO register offsets from the device base address. Each register is a
// 32-bit access; 64-bit quantities are split into low/high pairs.
const (
	RegMagicValue        = 0x000 // 'virt'
	RegVersion           = 0x004
	RegDeviceID          = 0x008 // 2 = block
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

// Device-specific configuration offsets, relative to RegConfig.
const (
	ConfigCapacityLow  = RegConfig + 0 // 64-bit sector count
	ConfigCapacityHigh = RegConfig + 4
	ConfigGeometry     = RegConfig + 16 // cylinders u16, heads u8, sectors u8
	ConfigBlkSize      = RegConfig + 20
)

const (
	Magic         = 0x74726976 // 'virt', little-endian
	DeviceIDBlock = 2
)

// Device status bits.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Block device feature bits.
const (
	FeatureSizeMax   = 1 << 1
	FeatureSegMax    = 1 << 2
	FeatureGeometry  = 1 << 4
	FeatureRO        = 1 << 5
	FeatureBlkSize   = 1 << 6
	FeatureFlush     = 1 << 9
	FeatureTopology  = 1 << 10
	FeatureConfigWCE = 1 << 11
)

// Request types.
const (
	ReqTypeIn    = 0
	ReqTypeOut   = 1
	ReqTypeFlush = 4
)

// Request status bytes, written by the device.
const (
	ReqStatusOK     = 0
	ReqStatusIOErr  = 1
	ReqStatusUnsupp = 2
)

// Descriptor flags.
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

const (
	// SectorSize is the fixed addressable unit of the transport.
	SectorSize = 512

	// DefaultQueueSize caps the negotiated queue size.
	DefaultQueueSize = 128

	// ReqHeaderSize is the size of the request header descriptor:
	// type u32, reserved u32, sector u64.
	ReqHeaderSize = 16

	descEntrySize = 16
	usedElemSize  = 8
)

// Bus is 32-bit register access into one device's MMIO window. Offsets are
// byte offsets from the device base address.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}
