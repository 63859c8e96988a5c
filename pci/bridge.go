package pci

// Bridge is the synthetic host bridge at bus 0 device 0. Guests only
// recognize configuration mechanism #1 when device 0 answers as a host
// bridge; it claims no PIO range and every capability method is a no-op.
type Bridge struct {
	hdr Type0Header
}

// hostBridgeBAR2 is the Type-1 bus-number scaffold guests expect to see
// pre-populated at BAR2 when probing a host bridge.
const hostBridgeBAR2 = 0x00FFFF00

// NewBridge constructs the bus-0/device-0 host bridge.
func NewBridge() *Bridge {
	b := &Bridge{
		hdr: Type0Header{
			VendorID:  0x1AE0,
			ClassCode: 0x06,
			SubClass:  0x00,
		},
	}
	b.hdr.BAR[2] = hostBridgeBAR2

	return b
}

// IORange reports an empty range: the host bridge owns no PIO window.
func (b *Bridge) IORange() (start, end uint64) { return 0, 0 }

// Header returns the bridge's Type-0 header.
func (b *Bridge) Header() *Type0Header { return &b.hdr }

// In is a no-op; the host bridge is never reached through the PIO registry.
func (b *Bridge) In(port uint64, data []byte) error { return nil }

// Out is a no-op.
func (b *Bridge) Out(port uint64, data []byte) error { return nil }

// ConfigIn is a no-op; the bridge has no capability chain beyond the header.
func (b *Bridge) ConfigIn(offset uint64, data []byte) error { return nil }

// ConfigOut is a no-op.
func (b *Bridge) ConfigOut(offset uint64, data []byte) error { return nil }

// Deinit is a no-op.
func (b *Bridge) Deinit() error { return nil }
