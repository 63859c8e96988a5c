// Package kvm is a thin typed binding over the host kernel's /dev/kvm ioctl
// surface: open the subsystem handle, create a VM, create a vCPU, get/set
// register state, register memory, and drive the run loop's blocking ioctl.
package kvm

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/smallkirby/zvm/vmmerr"
)

// ioctl request numbers, taken from the kernel's kvm.h.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMMapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90
	kvmIRQLine             = 0xc008ae67
	kvmTranslate           = 0xc018ae85

	// ExitUnknown .. ExitInternalError are KVM_EXIT_* reasons reported in
	// RunData.ExitReason.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHlt           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitS390SieIC     = 13
	ExitS390Reset     = 14
	ExitDCR           = 15
	ExitNMI           = 16
	ExitInternalError = 17

	// ExitIODirectionIn / ExitIODirectionOut are the two I/O sub-record
	// directions.
	ExitIODirectionIn  = 0
	ExitIODirectionOut = 1

	// NumInterrupts is the width of the local APIC pending-interrupt bitmap.
	NumInterrupts = 0x100

	// APIVersion is the only KVM API version this VMM speaks.
	APIVersion = 12
)

// ErrUnexpectedExitReason is returned by the run loop when a VM-exit reason
// is not one this VMM knows how to handle.
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// Regs is the general-purpose register snapshot (KVM_GET/SET_REGS).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is a single segment descriptor as exposed by KVM_GET/SET_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a pseudo-descriptor (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs is the special-register snapshot (KVM_GET/SET_SREGS).
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(NumInterrupts + 63) / 64]uint64
}

// RunData mirrors struct kvm_run: the shared-memory window the host kernel
// mmaps over a vCPU fd. Only the fields this VMM reads are named; the rest
// of the union lives in Data.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io sub-record out of RunData.Data for an ExitIO exit:
// direction, size (bytes), port, repeat count, and the byte offset (from the
// start of RunData) of the data buffer.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// Bytes returns the size-byte window of run-state data starting at offset
// (one repetition of an IO exit's data buffer), as a slice sharing memory
// with the mmap'd run-state.
func (r *RunData) Bytes(offset, size uint64) []byte {
	return (*(*[256]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(r)) + uintptr(offset))))[0:size]
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, fmt.Errorf("ioctl %#x: %w: %w", op, errno, vmmerr.ErrIoctlFailed)
	}

	return res, nil
}

// GetAPIVersion returns the KVM_GET_API_VERSION value; callers must check
// it equals APIVersion before doing anything else.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetAPIVersion), uintptr(0))
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmCreateVM), uintptr(0))
}

// CreateVCPU creates vCPU vcpuID within the given VM and returns its fd.
func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(vcpuID))
}

// Run blocks until the vCPU exits. EAGAIN/EINTR (a signal arrived while
// blocked in the kernel) are not treated as failure; the caller should
// inspect RunData.ExitReason either way.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, uintptr(kvmRun), uintptr(0))
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return nil
		}
	}

	return err
}

// GetVCPUMMmapSize returns the size in bytes of the run-state mmap window.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), uintptr(0))
}

// GetSregs reads the special-register snapshot.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetSregs), uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

// SetSregs writes the special-register snapshot.
func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetSregs), uintptr(unsafe.Pointer(&sregs)))

	return err
}

// GetRegs reads the general-purpose register snapshot.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := ioctl(vcpuFd, uintptr(kvmGetRegs), uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

// SetRegs writes the general-purpose register snapshot.
func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetRegs), uintptr(unsafe.Pointer(&regs)))

	return err
}

// UserspaceMemoryRegion describes a guest-physical memory slot backed by
// host userspace memory (KVM_SET_USER_MEMORY_REGION).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page logging (unused by
// this VMM; kept for parity with the region flag bits KVM defines).
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks the region read-only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion registers or updates a memory slot on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr reserves a 3-page TSS area at the given guest-physical address.
// Required on Intel hosts; must be called before any vCPU is created.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, uintptr(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves a single identity-mapped page at the given
// guest-physical address. Required on Intel hosts; must be called before
// any vCPU is created.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := addr
	_, err := ioctl(vmFd, uintptr(kvmSetIdentityMapAddr), uintptr(unsafe.Pointer(&a)))

	return err
}

// IRQLevel is the KVM_IRQ_LINE argument: a GSI number and the level to set
// it to. Edge-triggered interrupts are delivered by setting level 1 then 0.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine asserts or deasserts GSI irq via the in-kernel irqchip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLevel := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFd, uintptr(kvmIRQLine), uintptr(unsafe.Pointer(&irqLevel)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller model (IOAPIC
// plus a local APIC per vCPU).
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, uintptr(kvmCreateIRQChip), 0)

	return err
}

// PitConfig is the KVM_CREATE_PIT2 argument.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 PIT with an all-zero configuration.
// Valid only after CreateIRQChip.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{Flags: 0}
	_, err := ioctl(vmFd, uintptr(kvmCreatePIT2), uintptr(unsafe.Pointer(&pit)))

	return err
}

// maxCPUIDEntries bounds the fixed-size entry array KVM_GET_SUPPORTED_CPUID
// fills in; the host never returns more than this on any x86_64 kernel this
// VMM targets.
const maxCPUIDEntries = 100

// CPUID is the KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2 argument: a
// fixed-capacity entry table prefixed by the entry count actually in use.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is a single CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills cpuid with the set of CPUID leaves the host and
// KVM jointly support.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(kvmFd, uintptr(kvmGetSupportedCPUID), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs cpuid on the given vCPU.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetCPUID2), uintptr(unsafe.Pointer(cpuid)))

	return err
}

// Translation is the KVM_TRANSLATE result: the guest-virtual-to-physical
// mapping the host's current page tables produce for LinearAddress.
type Translation struct {
	LinearAddress uint64

	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Translate walks the guest's page tables for vaddr. Primarily a debugging
// aid for diagnosing an unexpected VM-exit's faulting address.
func Translate(vcpuFd uintptr, vaddr uint64) (Translation, error) {
	t := Translation{LinearAddress: vaddr}
	_, err := ioctl(vcpuFd, uintptr(kvmTranslate), uintptr(unsafe.Pointer(&t)))

	return t, err
}
