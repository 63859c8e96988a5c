// Package virtio implements a modern (non-transitional) virtio-net PCI
// stub: discovery and the capability chain {COMMON_CFG, NOTIFY_CFG,
// ISR_CFG} are emulated so a guest driver can find and size the device;
// virtqueues are not processed, so writes to the BAR0 window are accepted
// and discarded.
package virtio

import (
	"bytes"
	"encoding/binary"

	"github.com/smallkirby/zvm/pci"
)

// PCI identity for a non-transitional ("modern") virtio-net function.
const (
	VendorID = 0x1AF4
	DeviceID = 0x1041

	classNetworkController = 0x02
	subclassEthernet       = 0x00

	commandIOSpaceEnable   = 1 << 0
	statusCapabilitiesList = 1 << 4
)

// BAR0 window: base I/O port and size.
const (
	BAR0Base = 0x1000
	BAR0Size = 0x100
)

// Capability config types.
const (
	cfgTypeCommon = 1
	cfgTypeNotify = 2
	cfgTypeISR    = 3
)

const capVndrVirtio = 0x09

// CommonConfig is VirtioPciCommonConfig: the fields the COMMON_CFG
// capability exposes at BAR0 offset 0. Exposed read-only; nothing in this
// stub mutates it in response to guest writes.
type CommonConfig struct {
	DeviceFeaturesSel uint32
	DeviceFeatures    uint32
	DriverFeaturesSel uint32
	DriverFeatures    uint32
	MsixConfig        uint16
	NumQueues         uint16
	DeviceStatus      uint8
	ConfigGeneration  uint8
	QueueSelect       uint16
	QueueSize         uint16
	QueueMsixVector   uint16
	QueueEnable       uint16
	QueueNotifyOff    uint16
	QueueDesc         uint64
	QueueAvail        uint64
	QueueUsed         uint64
}

const commonConfigSize = 56

// Bytes serializes the common config struct to its wire form.
func (c *CommonConfig) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, c)

	return buf.Bytes()
}

// capability is a virtio_pci_cap entry: 16 bytes, chained via CapNext.
type capability struct {
	CapVndr uint8
	CapNext uint8
	CapLen  uint8
	CfgType uint8
	Bar     uint8
	_       [3]uint8
	Offset  uint32
	Length  uint32
}

const capabilitySize = 16

func (c *capability) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, c)

	return buf.Bytes()
}

// capabilitiesOffset is where the capability chain begins: immediately
// after the 64-byte Type-0 header.
const capabilitiesOffset = 64

// Net is the virtio-net modern discovery stub: PCI identity, capability
// chain, and a CommonConfig window. It claims no real queues.
type Net struct {
	hdr  pci.Type0Header
	caps [3]capability
	cfg  CommonConfig
}

// NewNet constructs the virtio-net PCI function.
func NewNet() *Net {
	n := &Net{
		cfg: CommonConfig{NumQueues: 1},
	}

	n.hdr.VendorID = VendorID
	n.hdr.DeviceID = DeviceID
	n.hdr.ClassCode = classNetworkController
	n.hdr.SubClass = subclassEthernet
	n.hdr.Command = commandIOSpaceEnable
	n.hdr.Status = statusCapabilitiesList
	n.hdr.BAR[0] = BAR0Base | 0x1
	n.hdr.CapabilitiesPointer = capabilitiesOffset

	n.caps[0] = capability{
		CapVndr: capVndrVirtio,
		CapNext: capabilitiesOffset + capabilitySize,
		CapLen:  capabilitySize,
		CfgType: cfgTypeCommon,
		Bar:     0,
		Offset:  0,
		Length:  commonConfigSize,
	}
	n.caps[1] = capability{
		CapVndr: capVndrVirtio,
		CapNext: capabilitiesOffset + 2*capabilitySize,
		CapLen:  capabilitySize,
		CfgType: cfgTypeNotify,
		Bar:     0,
		Offset:  commonConfigSize,
		Length:  4,
	}
	n.caps[2] = capability{
		CapVndr: capVndrVirtio,
		CapNext: 0,
		CapLen:  capabilitySize,
		CfgType: cfgTypeISR,
		Bar:     0,
		Offset:  commonConfigSize,
		Length:  1,
	}

	return n
}

// IORange reports the BAR0 I/O window.
func (n *Net) IORange() (start, end uint64) { return BAR0Base, BAR0Base + BAR0Size }

// Header returns the Type-0 header.
func (n *Net) Header() *pci.Type0Header { return &n.hdr }

// In reads from the COMMON_CFG window at BAR0 offset 0..commonConfigSize.
// Reads outside that window have no effect.
func (n *Net) In(port uint64, data []byte) error {
	off := port - BAR0Base
	if off >= commonConfigSize {
		return nil
	}

	b := n.cfg.Bytes()
	copy(data, b[off:])

	return nil
}

// Out accepts and discards writes to BAR0: this stub does not process
// virtqueues.
func (n *Net) Out(port uint64, data []byte) error { return nil }

// ConfigIn serves the three capability descriptor windows that live right
// after the header.
func (n *Net) ConfigIn(offset uint64, data []byte) error {
	rel := offset - capabilitiesOffset
	if rel >= uint64(len(n.caps))*capabilitySize {
		return nil
	}

	idx := rel / capabilitySize
	capOff := rel % capabilitySize

	b := n.caps[idx].Bytes()
	copy(data, b[capOff:])

	return nil
}

// ConfigOut is a no-op: the capability descriptors are immutable.
func (n *Net) ConfigOut(offset uint64, data []byte) error { return nil }

// Deinit is a no-op: the stub holds no OS resources.
func (n *Net) Deinit() error { return nil }
