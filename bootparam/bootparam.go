// Package bootparam holds bit-exact ports of the Linux x86 32-bit boot
// protocol's zero-page structures. It decodes a bzImage's setup header and
// builds the BootParams block the guest kernel expects to find at RSI on
// entry.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Loadflags bits (SetupHeader.LoadFlags).
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// E820 entry types.
const (
	E820Ram        = 1
	E820Reserved   = 2
	E820ACPI       = 3
	E820NVS        = 4
	E820Unusable   = 5
	maxE820Entries = 128
)

// SetupHeader is the bzImage setup header through kernel_info_offset:
// exactly 0x7B bytes on the wire.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	Syssize             uint32
	RamSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwtch       uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	Xloadflags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

const setupHeaderSize = 0x7B

// E820Entry is one boot_e820_entry: a physical address range and its type.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Zero-page layout offsets.
const (
	e820EntriesOff = 0x1E8
	setupHeaderOff = 0x1F1
	e820MapOff     = 0x2D0

	// BootParamsSize is the fixed zero-page size.
	BootParamsSize = 0x1000
)

// BootParams is the zero-page: BootParamsSize bytes, with SetupHeader and
// the E820 table at their documented offsets. Only the fields this VMM
// mutates are named; everything else round-trips as opaque padding.
type BootParams struct {
	Pad0        [e820EntriesOff]byte
	E820Entries uint8
	Pad1        [setupHeaderOff - e820EntriesOff - 1]byte
	Hdr         SetupHeader
	Pad2        [e820MapOff - setupHeaderOff - setupHeaderSize]byte
	E820Map     [maxE820Entries]E820Entry
	Pad3        [BootParamsSize - e820MapOff - maxE820Entries*20]byte
}

// New decodes a BootParams from the first BootParamsSize bytes of a bzImage.
// A zero SetupSects means 4, a quirk inherited from very old boot loaders.
func New(kernel io.ReaderAt) (*BootParams, error) {
	buf := make([]byte, BootParamsSize)
	if _, err := kernel.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("reading bzImage header: %w", err)
	}

	bp := &BootParams{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, bp); err != nil {
		return nil, fmt.Errorf("decoding boot params: %w", err)
	}

	if bp.Hdr.SetupSects == 0 {
		bp.Hdr.SetupSects = 4
	}

	return bp, nil
}

// Bytes serializes the BootParams back into its wire form.
func (bp *BootParams) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, bp); err != nil {
		return nil, fmt.Errorf("encoding boot params: %w", err)
	}

	return buf.Bytes(), nil
}

// AddE820Entry appends one range to the E820 table and bumps the count.
func (bp *BootParams) AddE820Entry(addr, size uint64, typ uint32) {
	bp.E820Map[bp.E820Entries] = E820Entry{Addr: addr, Size: size, Type: typ}
	bp.E820Entries++
}
