package pci_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/smallkirby/zvm/pci"
)

// fakeDevice is a minimal pci.Device with a non-empty BAR0 I/O window, used
// to exercise the BAR0 size-probe convention independent of any real device.
type fakeDevice struct {
	hdr pci.Type0Header
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) IORange() (start, end uint64)               { return 0xC000, 0xC000 + 0x40 }
func (d *fakeDevice) Header() *pci.Type0Header                   { return &d.hdr }
func (d *fakeDevice) In(port uint64, data []byte) error          { return nil }
func (d *fakeDevice) Out(port uint64, data []byte) error         { return nil }
func (d *fakeDevice) ConfigIn(offset uint64, data []byte) error  { return nil }
func (d *fakeDevice) ConfigOut(offset uint64, data []byte) error { return nil }
func (d *fakeDevice) Deinit() error                              { return nil }

func selectDevice(p *pci.PCI, bus, device, function, offset uint8) {
	addr := uint32(offset) | uint32(function)<<8 | uint32(device)<<11 | uint32(bus)<<16 | 1<<31

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, addr)

	if err := p.ConfigAddrOut(pci.ConfigAddressPort, buf); err != nil {
		panic(err)
	}
}

func TestType0HeaderSize(t *testing.T) {
	t.Parallel()

	if got := unsafe.Sizeof(pci.Type0Header{}); got != 64 {
		t.Fatalf("sizeof(Type0Header): got %d, want 64", got)
	}
}

// TestConfigAddressIs4Bytes confirms CONFIG_ADDRESS is exactly a 32-bit
// register: a read or write entirely past its 4 bytes must be rejected.
func TestConfigAddressIs4Bytes(t *testing.T) {
	t.Parallel()

	p := pci.New(newFakeDevice())

	if err := p.ConfigAddrOut(pci.ConfigAddressPort+4, []byte{0}); err == nil {
		t.Fatalf("ConfigAddrOut(port+4): got nil error, want non-nil (register is 4 bytes)")
	}

	if err := p.ConfigAddrIn(pci.ConfigAddressPort+4, []byte{0}); err == nil {
		t.Fatalf("ConfigAddrIn(port+4): got nil error, want non-nil (register is 4 bytes)")
	}

	if err := p.ConfigAddrOut(pci.ConfigAddressPort+3, make([]byte, 1)); err != nil {
		t.Fatalf("ConfigAddrOut(port+3, 1 byte): got %v, want nil (last valid byte)", err)
	}
}

func TestBAR0SizeProbe(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	p := pci.New(dev)

	selectDevice(p, 0, 0, 0, 0x10) // BAR0 offset

	probe := make([]byte, 4)
	binary.LittleEndian.PutUint32(probe, 0xFFFF_FFFF)

	if err := p.ConfigDataOut(pci.ConfigDataPort, probe); err != nil {
		t.Fatalf("ConfigDataOut(BAR0, 0xFFFFFFFF): got %v, want nil", err)
	}

	got := make([]byte, 4)

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(BAR0): got %v, want nil", err)
	}

	if want := uint32(0x40); binary.LittleEndian.Uint32(got) != want {
		t.Fatalf("BAR0 size probe: got %#x, want %#x", binary.LittleEndian.Uint32(got), want)
	}

	// Writing back a real value must round-trip unchanged, and must not
	// panic (regression test for unexported padding fields in Type0Header
	// being decoded by binary.Read inside SetBytes).
	real := make([]byte, 4)
	binary.LittleEndian.PutUint32(real, 0x1001)

	if err := p.ConfigDataOut(pci.ConfigDataPort, real); err != nil {
		t.Fatalf("ConfigDataOut(BAR0, 0x1001): got %v, want nil", err)
	}

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(BAR0) after write-back: got %v, want nil", err)
	}

	if binary.LittleEndian.Uint32(got) != 0x1001 {
		t.Fatalf("BAR0 write-back: got %#x, want %#x", binary.LittleEndian.Uint32(got), 0x1001)
	}
}

func TestConfigHeaderWriteRoundTrips(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	p := pci.New(dev)

	selectDevice(p, 0, 0, 0, 0x00) // VendorID

	if err := p.ConfigDataOut(pci.ConfigDataPort, []byte{0x34, 0x12}); err != nil {
		t.Fatalf("ConfigDataOut(VendorID): got %v, want nil", err)
	}

	got := make([]byte, 2)

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(VendorID): got %v, want nil", err)
	}

	if binary.LittleEndian.Uint16(got) != 0x1234 {
		t.Fatalf("VendorID write-back: got %#x, want %#x", binary.LittleEndian.Uint16(got), 0x1234)
	}
}

func TestUnselectedDeviceReadsAllOnes(t *testing.T) {
	t.Parallel()

	p := pci.New(newFakeDevice())

	selectDevice(p, 0, 7, 0, 0x00) // no device at index 7

	got := make([]byte, 4)

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(unselected): got %v, want nil", err)
	}

	for _, b := range got {
		if b != 0xFF {
			t.Fatalf("ConfigDataIn(unselected): got %#x, want 0xFFFFFFFF", got)
		}
	}
}
