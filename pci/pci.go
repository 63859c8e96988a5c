// Package pci implements configuration-space access mechanism #1: the
// 0xCF8/0xCFC PIO windows, a bus-0/function-0-only device list addressed by
// ConfigAddress.Device, a host bridge at index 0, and the BAR0-size probe
// convention every device in this VMM shares.
package pci

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CONFIG_ADDRESS / CONFIG_DATA, the two PIO windows of mechanism #1.
const (
	ConfigAddressPort = 0xCF8
	ConfigDataPort    = 0xCFC
)

// bar0Offset is the only BAR slot whose size-probe convention this VMM
// honors; no emulated device maps more than one I/O window.
const bar0Offset = 0x10

const headerSize = 64

// Type0Header is a PCI Type-0 configuration header: bit-exact, exactly
// 64 bytes on the wire.
type Type0Header struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ProgIF                  uint8
	SubClass                uint8
	ClassCode               uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	_                       [3]uint8
	_                       uint32
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

// Bytes serializes the header to its 64-byte wire form.
func (h *Type0Header) Bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, h)

	return buf.Bytes()
}

// SetBytes decodes b (exactly headerSize bytes) back into the header.
func (h *Type0Header) SetBytes(b []byte) {
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, h)
}

// Device is the capability surface each PCI function exposes: an I/O range
// claimed on the PIO bus, its Type-0 header, PIO in/out, and
// configuration-space in/out for registers the header doesn't cover
// (capability descriptor windows).
type Device interface {
	IORange() (start, end uint64)
	Header() *Type0Header
	In(port uint64, data []byte) error
	Out(port uint64, data []byte) error
	ConfigIn(offset uint64, data []byte) error
	ConfigOut(offset uint64, data []byte) error
	Deinit() error
}

// ConfigAddress is the unpacked view of the 32-bit mechanism-#1 address
// register: {offset:8, function:3, device:5, bus:8, reserved:7, enable:1}.
type ConfigAddress struct {
	Offset   uint8
	Function uint8
	Device   uint8
	Bus      uint8
	Enable   bool
}

func decodeConfigAddress(raw uint32) ConfigAddress {
	return ConfigAddress{
		Offset:   uint8(raw),
		Function: uint8((raw >> 8) & 0x7),
		Device:   uint8((raw >> 11) & 0x1F),
		Bus:      uint8((raw >> 16) & 0xFF),
		Enable:   raw&(1<<31) != 0,
	}
}

// PCI is the configuration-space-mechanism-#1 subsystem: the address
// register plus the bus-0 device list.
type PCI struct {
	addr    [4]byte // raw bytes of CONFIG_ADDRESS, little-endian
	Devices []Device
}

// New constructs the PCI subsystem with devices in device-index order;
// index 0 must be the host bridge.
func New(devices ...Device) *PCI {
	return &PCI{Devices: devices}
}

func (p *PCI) configAddress() uint32 {
	return binary.LittleEndian.Uint32(p.addr[:])
}

// ConfigAddrIn services a guest IN against 0xCF8..0xCFB.
func (p *PCI) ConfigAddrIn(port uint64, data []byte) error {
	off := port - ConfigAddressPort
	if off+uint64(len(data)) > 4 {
		return fmt.Errorf("pci: CONFIG_ADDRESS read at port %#x overruns register", port)
	}

	copy(data, p.addr[off:])

	return nil
}

// ConfigAddrOut services a guest OUT against 0xCF8..0xCFB.
func (p *PCI) ConfigAddrOut(port uint64, data []byte) error {
	off := port - ConfigAddressPort
	if off+uint64(len(data)) > 4 {
		return fmt.Errorf("pci: CONFIG_ADDRESS write at port %#x overruns register", port)
	}

	copy(p.addr[off:], data)

	return nil
}

func (p *PCI) device(addr ConfigAddress) Device {
	if !addr.Enable || addr.Bus != 0 || addr.Function != 0 {
		return nil
	}

	if int(addr.Device) >= len(p.Devices) {
		return nil
	}

	return p.Devices[addr.Device]
}

// ConfigDataIn services a guest IN against 0xCFC..0xCFF: config-space reads
// dispatched via the current CONFIG_ADDRESS value.
func (p *PCI) ConfigDataIn(port uint64, data []byte) error {
	addr := decodeConfigAddress(p.configAddress())
	regOffset := uint64(addr.Offset) + (port - ConfigDataPort)

	dev := p.device(addr)
	if dev == nil {
		for i := range data {
			data[i] = 0xFF
		}

		return nil
	}

	if regOffset < headerSize {
		hdr := dev.Header()

		if regOffset == bar0Offset && len(data) == 4 && hdr.BAR[0] == 0xFFFF_FFFF {
			start, end := dev.IORange()
			binary.LittleEndian.PutUint32(data, uint32(end-start))

			return nil
		}

		copy(data, hdr.Bytes()[regOffset:])

		return nil
	}

	return dev.ConfigIn(regOffset, data)
}

// ConfigDataOut services a guest OUT against 0xCFC..0xCFF.
func (p *PCI) ConfigDataOut(port uint64, data []byte) error {
	addr := decodeConfigAddress(p.configAddress())
	regOffset := uint64(addr.Offset) + (port - ConfigDataPort)

	dev := p.device(addr)
	if dev == nil {
		return nil
	}

	if regOffset < headerSize {
		hdr := dev.Header()
		raw := hdr.Bytes()
		copy(raw[regOffset:], data)
		hdr.SetBytes(raw)

		return nil
	}

	// Every current device's ConfigOut is a no-op; the dispatch stays so a
	// device with mutable capability state has somewhere to plug in.
	return dev.ConfigOut(regOffset, data)
}

// Deinit tears down every device on the bus, returning the first failure.
func (p *PCI) Deinit() error {
	var firstErr error

	for _, d := range p.Devices {
		if err := d.Deinit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
