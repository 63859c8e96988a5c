package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/smallkirby/zvm/pci"
	"github.com/smallkirby/zvm/virtio"
)

func TestHeaderIdentity(t *testing.T) {
	t.Parallel()

	n := virtio.NewNet()
	hdr := n.Header()

	if hdr.VendorID != 0x1AF4 || hdr.DeviceID != 0x1041 {
		t.Fatalf("identity: got %04x:%04x, want 1af4:1041", hdr.VendorID, hdr.DeviceID)
	}

	if hdr.Command&0x1 == 0 {
		t.Fatalf("command: I/O space not enabled (%#x)", hdr.Command)
	}

	if hdr.Status&(1<<4) == 0 {
		t.Fatalf("status: capabilities list bit not set (%#x)", hdr.Status)
	}

	if hdr.BAR[0] != virtio.BAR0Base|0x1 {
		t.Fatalf("BAR0: got %#x, want %#x (I/O space BAR)", hdr.BAR[0], virtio.BAR0Base|0x1)
	}
}

// TestCapabilityChain walks cap_next from the capabilities pointer and
// checks the {COMMON_CFG, NOTIFY_CFG, ISR_CFG} chain terminates.
func TestCapabilityChain(t *testing.T) {
	t.Parallel()

	n := virtio.NewNet()

	wantTypes := []byte{1, 2, 3} // COMMON_CFG, NOTIFY_CFG, ISR_CFG
	off := uint64(n.Header().CapabilitiesPointer)

	for i, want := range wantTypes {
		desc := make([]byte, 16)

		if err := n.ConfigIn(off, desc); err != nil {
			t.Fatalf("ConfigIn(%#x): got %v, want nil", off, err)
		}

		if desc[0] != 0x09 {
			t.Fatalf("cap %d: cap_vndr got %#x, want 0x09", i, desc[0])
		}

		if desc[3] != want {
			t.Fatalf("cap %d: cfg_type got %d, want %d", i, desc[3], want)
		}

		next := uint64(desc[1])
		if i == len(wantTypes)-1 {
			if next != 0 {
				t.Fatalf("last cap: cap_next got %#x, want 0", next)
			}

			break
		}

		if next == 0 {
			t.Fatalf("cap %d: chain terminated early", i)
		}

		off = next
	}
}

func TestCommonConfigReadable(t *testing.T) {
	t.Parallel()

	n := virtio.NewNet()

	// num_queues lives at offset 18 of VirtioPciCommonConfig.
	buf := make([]byte, 2)

	if err := n.In(virtio.BAR0Base+18, buf); err != nil {
		t.Fatalf("In(num_queues): got %v, want nil", err)
	}

	if got := binary.LittleEndian.Uint16(buf); got != 1 {
		t.Fatalf("num_queues: got %d, want 1", got)
	}

	// Writes are accepted and discarded.
	if err := n.Out(virtio.BAR0Base, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("Out(BAR0): got %v, want nil", err)
	}

	if err := n.In(virtio.BAR0Base, buf); err != nil {
		t.Fatalf("In(BAR0) after write: got %v, want nil", err)
	}

	if got := binary.LittleEndian.Uint16(buf); got != 0 {
		t.Fatalf("device_features_sel after discarded write: got %#x, want 0", got)
	}
}

// TestBAR0SizeProbeOnBus exercises the size-probe protocol end to end
// through the configuration-space mechanism, with the host bridge at
// device 0 and virtio-net at device 1.
func TestBAR0SizeProbeOnBus(t *testing.T) {
	t.Parallel()

	p := pci.New(pci.NewBridge(), virtio.NewNet())

	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, 0x10|uint32(1)<<11|1<<31) // device 1, BAR0

	if err := p.ConfigAddrOut(pci.ConfigAddressPort, addr); err != nil {
		t.Fatalf("ConfigAddrOut: got %v, want nil", err)
	}

	got := make([]byte, 4)

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(BAR0): got %v, want nil", err)
	}

	if binary.LittleEndian.Uint32(got) != 0x1001 {
		t.Fatalf("BAR0 initial: got %#x, want 0x1001", binary.LittleEndian.Uint32(got))
	}

	probe := make([]byte, 4)
	binary.LittleEndian.PutUint32(probe, 0xFFFF_FFFF)

	if err := p.ConfigDataOut(pci.ConfigDataPort, probe); err != nil {
		t.Fatalf("ConfigDataOut(0xFFFFFFFF): got %v, want nil", err)
	}

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(size): got %v, want nil", err)
	}

	if binary.LittleEndian.Uint32(got) != virtio.BAR0Size {
		t.Fatalf("BAR0 size probe: got %#x, want %#x", binary.LittleEndian.Uint32(got), uint32(virtio.BAR0Size))
	}

	restore := make([]byte, 4)
	binary.LittleEndian.PutUint32(restore, 0x1001)

	if err := p.ConfigDataOut(pci.ConfigDataPort, restore); err != nil {
		t.Fatalf("ConfigDataOut(restore): got %v, want nil", err)
	}

	if err := p.ConfigDataIn(pci.ConfigDataPort, got); err != nil {
		t.Fatalf("ConfigDataIn(restored): got %v, want nil", err)
	}

	if binary.LittleEndian.Uint32(got) != 0x1001 {
		t.Fatalf("BAR0 restored: got %#x, want 0x1001", binary.LittleEndian.Uint32(got))
	}
}
