// Package machine is the VM orchestrator: it brings a single-vCPU guest up
// through the KVM ioctl sequence, loads a Linux bzImage (plus optional
// initrd) per the x86 32-bit boot protocol, and runs the cooperative
// VM-exit dispatch loop that routes PIO traffic to the emulated devices.
package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/smallkirby/zvm/bootparam"
	"github.com/smallkirby/zvm/kvm"
	"github.com/smallkirby/zvm/pci"
	"github.com/smallkirby/zvm/pio"
	"github.com/smallkirby/zvm/ps2"
	"github.com/smallkirby/zvm/serial"
	"github.com/smallkirby/zvm/virtio"
	"github.com/smallkirby/zvm/vmmerr"
)

// Guest physical memory layout.
const (
	PageSize = 0x1000

	BootParamAddr = 0x0001_0000
	CmdlineAddr   = 0x0002_0000
	KernelBase    = 0x0010_0000
	InitrdAddr    = 0x3000_0000

	// MinMemSize is the smallest guest memory size LoadLinux accepts.
	MinMemSize = 1 << 30

	// MaxMemSize is the largest guest memory size New accepts: memory must
	// leave room for the TSS (3 pages) and identity map (1 page) placed
	// just above it.
	MaxMemSize = (1 << 32) - 4*PageSize
)

var logger = logrus.WithField("component", "machine")

// ErrPowerCycle is returned internally when the guest writes the RESTART
// value to the 0xCF9 reset port; the run loop treats it as a clean
// shutdown.
var ErrPowerCycle = errors.New("guest requested power cycle via 0xcf9")

// resetPort turns a write of 0xE to 0xCF9 into ErrPowerCycle.
type resetPort struct{}

func (resetPort) In(port uint64, data []byte) error { return nil }

func (resetPort) Out(port uint64, data []byte) error {
	const restart = 0xE

	if len(data) == 1 && data[0] == restart {
		return ErrPowerCycle
	}

	return nil
}

// pciRouter adapts *pci.PCI onto the pio.Device interface: it claims the
// entire port space as the PCI catch-all, routing config-space accesses and
// BAR-mapped device PIO, and no-op'ing everything else.
type pciRouter struct {
	pci *pci.PCI
}

func (r *pciRouter) dispatch(port uint64, data []byte, out bool) error {
	switch {
	case port >= pci.ConfigAddressPort && port < pci.ConfigAddressPort+4:
		if out {
			return r.pci.ConfigAddrOut(port, data)
		}

		return r.pci.ConfigAddrIn(port, data)
	case port >= pci.ConfigDataPort && port < pci.ConfigDataPort+4:
		if out {
			return r.pci.ConfigDataOut(port, data)
		}

		return r.pci.ConfigDataIn(port, data)
	}

	for _, d := range r.pci.Devices {
		start, end := d.IORange()
		if start == end {
			continue
		}

		if port >= start && port < end {
			if out {
				return d.Out(port, data)
			}

			return d.In(port, data)
		}
	}

	return nil
}

func (r *pciRouter) In(port uint64, data []byte) error  { return r.dispatch(port, data, false) }
func (r *pciRouter) Out(port uint64, data []byte) error { return r.dispatch(port, data, true) }

// Machine is the VM orchestrator. It exclusively owns guest memory, the PIO
// device registry, the UART, the PS/2 controller, the PCI subsystem, and
// the vCPU handle.
type Machine struct {
	kvmFile     *os.File
	kvmFd, vmFd uintptr
	vcpuFd      uintptr
	runSize     uintptr
	run         *kvm.RunData
	mem         []byte
	memSize     uint64

	registry pio.Registry
	uart     *serial.UART
	ps2      *ps2.Controller
	pci      *pci.PCI
}

// New brings up a VM: KVM handle and API-version check, VM creation, TSS
// and identity-map placement just above guest memory, in-kernel irqchip and
// PIT, guest memory as slot 0, vCPU 0 with its run-state mapping, CPUID
// shaping, flat 32-bit protected mode, and finally the emulated devices.
// The order matters: the TSS and identity-map ioctls reject a VM that
// already has a vCPU.
func New(memSize uint64) (*Machine, error) {
	if memSize > MaxMemSize {
		return nil, fmt.Errorf("guest memory %#x exceeds %#x: %w", memSize, uint64(MaxMemSize), vmmerr.ErrGMemNotEnough)
	}

	m := &Machine{memSize: memSize}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	m.kvmFile = devKVM
	m.kvmFd = devKVM.Fd()

	ver, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return nil, err
	}

	if ver != kvm.APIVersion {
		return nil, fmt.Errorf("kvm api version %d, want %d: %w", ver, kvm.APIVersion, vmmerr.ErrAPIIncompatible)
	}

	logger.WithField("api_version", ver).Debug("kvm api version checked")

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	logger.Debug("vm created")

	if err := kvm.SetTSSAddr(m.vmFd, uint32(memSize)); err != nil {
		return nil, fmt.Errorf("SetTSSAddr: %w", err)
	}

	logger.WithField("addr", fmt.Sprintf("%#x", memSize)).Debug("tss area registered")

	identityMapAddr := uint32(memSize) + 3*PageSize
	if err := kvm.SetIdentityMapAddr(m.vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	logger.WithField("addr", fmt.Sprintf("%#x", identityMapAddr)).Debug("identity map registered")

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	logger.Debug("irqchip created")

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return nil, fmt.Errorf("CreatePIT2: %w", err)
	}

	logger.Debug("pit created")

	m.mem, err = syscall.Mmap(-1, 0, int(memSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w: %w", err, vmmerr.ErrNoMemory)
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("SetUserMemoryRegion: %w", err)
	}

	logger.WithField("bytes", memSize).Debug("guest memory registered as slot 0")

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return nil, err
	}

	m.runSize = mmapSize

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return nil, fmt.Errorf("CreateVCPU: %w", err)
	}

	runBytes, err := syscall.Mmap(int(m.vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run state: %w: %w", err, vmmerr.ErrNoMemory)
	}

	m.run = (*kvm.RunData)(unsafe.Pointer(&runBytes[0]))

	logger.Debug("vcpu 0 created")

	if err := m.shapeCPUID(); err != nil {
		return nil, err
	}

	if err := m.initFlatProtectedMode(); err != nil {
		return nil, err
	}

	m.installDevices()

	return m, nil
}

func (m *Machine) shapeCPUID() error {
	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	if err := kvm.ShapeCPUID(&cpuid); err != nil {
		return err
	}

	if err := kvm.SetCPUID2(m.vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("SetCPUID2: %w", err)
	}

	logger.Debug("cpuid shaped")

	return nil
}

func (m *Machine) initFlatProtectedMode() error {
	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return err
	}

	for _, seg := range []*kvm.Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		seg.Base = 0
		seg.Limit = 0xFFFFFFFF
		seg.G = 1
	}

	sregs.CS.DB = 1
	sregs.SS.DB = 1
	sregs.CR0 |= 1 // protected mode enable

	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return err
	}

	logger.Debug("flat 32-bit protected mode installed")

	return nil
}

func (m *Machine) installDevices() {
	m.uart = serial.New(m.vmFd)
	m.ps2 = ps2.New()
	m.pci = pci.New(pci.NewBridge(), virtio.NewNet())

	m.registry.Add(serial.COM1Addr, serial.COM1Addr+7, m.uart)
	m.registry.Add(ps2.PortData, ps2.PortStatus, m.ps2)
	m.registry.Add(0xCF9, 0xCF9, resetPort{})
	m.registry.Add(0x0000, 0xFFFF, &pciRouter{pci: m.pci})

	logger.Debug("devices installed")
}

// UART returns the emulated COM1 UART so a TTY pump can feed it host key
// presses.
func (m *Machine) UART() *serial.UART { return m.uart }

// LoadLinux lays out a bzImage, optional initrd, command line, and the
// zero-page in guest memory per the x86 32-bit boot protocol, then points
// vCPU 0 at the kernel's protected-mode entry with RSI = zero-page.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, cmdline string) error {
	if m.memSize < MinMemSize {
		return fmt.Errorf("guest memory %#x below %#x: %w", m.memSize, uint64(MinMemSize), vmmerr.ErrGMemNotEnough)
	}

	bp, err := bootparam.New(kernel)
	if err != nil {
		return err
	}

	bp.AddE820Entry(0, KernelBase, bootparam.E820Ram)
	bp.AddE820Entry(KernelBase, m.memSize-KernelBase, bootparam.E820Ram)

	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.LoadFlags |= bootparam.LoadedHigh | bootparam.CanUseHeap | bootparam.KeepSegments
	bp.Hdr.HeapEndPtr = uint16(BootParamAddr - 0x200)
	bp.Hdr.CmdlinePtr = CmdlineAddr
	bp.Hdr.VidMode = 0xFFFF

	var initrdSize int

	if initrd != nil {
		if uint64(InitrdAddr) >= m.memSize {
			return fmt.Errorf("initrd base %#x beyond guest memory: %w", uint64(InitrdAddr), vmmerr.ErrGMemNotEnough)
		}

		n, fits, err := readInto(initrd, m.mem[InitrdAddr:], 0)
		if err != nil {
			return fmt.Errorf("reading initrd: %w", err)
		}

		if !fits {
			return fmt.Errorf("initrd overruns guest memory %#x: %w", m.memSize, vmmerr.ErrGMemNotEnough)
		}

		initrdSize = n
	}

	if initrdSize > 0 {
		if uint64(InitrdAddr)+uint64(initrdSize) > uint64(bp.Hdr.InitrdAddrMax) {
			return fmt.Errorf("initrd overruns initrd_addr_max %#x: %w", bp.Hdr.InitrdAddrMax, vmmerr.ErrGMemNotEnough)
		}

		bp.Hdr.RamdiskImage = InitrdAddr
		bp.Hdr.RamdiskSize = uint32(initrdSize)
	}

	// Guest memory is zero-initialized, so writing the string plus its NUL
	// leaves the rest of the cmdline window zero-padded.
	copy(m.mem[CmdlineAddr:], cmdline)
	m.mem[CmdlineAddr+len(cmdline)] = 0

	bpBytes, err := bp.Bytes()
	if err != nil {
		return err
	}

	copy(m.mem[BootParamAddr:], bpBytes)

	setupBytes := int64(bp.Hdr.SetupSects+1) * 512

	if _, fits, err := readInto(kernel, m.mem[KernelBase:], setupBytes); err != nil {
		return fmt.Errorf("reading kernel: %w", err)
	} else if !fits {
		return fmt.Errorf("kernel overruns guest memory %#x: %w", m.memSize, vmmerr.ErrGMemNotEnough)
	}

	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return err
	}

	regs.RIP = KernelBase
	regs.RSI = BootParamAddr
	regs.RFLAGS = 0x2

	if err := kvm.SetRegs(m.vcpuFd, regs); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"cmdline": cmdline, "initrd_bytes": initrdSize}).Debug("linux kernel loaded")

	return nil
}

// readInto reads r starting at off into dst. fits reports whether r was
// fully consumed: it is false when r still has bytes past the window.
func readInto(r io.ReaderAt, dst []byte, off int64) (n int, fits bool, err error) {
	n, err = r.ReadAt(dst, off)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, true, nil
		}

		return n, false, err
	}

	if n < len(dst) {
		return n, true, nil
	}

	var probe [1]byte

	pn, _ := r.ReadAt(probe[:], off+int64(n))

	return n, pn == 0, nil
}

// portNMIAck is the NMI-status port; reading it while servicing a spurious
// NMI must report 0x20 so the guest's NMI handler doesn't loop forever.
const portNMIAck = 0x61

// RunLoop drives the vCPU until the guest halts, shuts down, or an error
// occurs. It locks the OS thread for its duration: vCPU ioctls must all
// come from the thread that created the vCPU.
func (m *Machine) RunLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := m.RunOnce()
		if err != nil {
			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce executes a single host-kernel run() and services the resulting
// VM-exit. It returns false when the loop should stop (HLT, SHUTDOWN, or a
// clean power-cycle request).
func (m *Machine) RunOnce() (bool, error) {
	if err := kvm.Run(m.vcpuFd); err != nil {
		return false, err
	}

	switch m.run.ExitReason {
	case kvm.ExitIO:
		return m.handleIO()
	case kvm.ExitHlt:
		logger.Debug("guest halted")

		return false, nil
	case kvm.ExitShutdown:
		logger.Debug("guest shut down")

		return false, nil
	default:
		m.logUnexpectedExit()

		return false, fmt.Errorf("%w: %d", kvm.ErrUnexpectedExitReason, m.run.ExitReason)
	}
}

func (m *Machine) handleIO() (bool, error) {
	direction, size, port, count, offset := m.run.IO()

	if port == portNMIAck && direction == kvm.ExitIODirectionIn {
		m.run.Bytes(offset, size)[0] = 0x20

		return true, nil
	}

	// String instructions (INS/OUTS with REP) report count > 1; each
	// repetition gets its own size-byte window within the run-state buffer.
	for i := uint64(0); i < count; i++ {
		data := m.run.Bytes(offset+i*size, size)

		var err error

		if direction == kvm.ExitIODirectionOut {
			err = m.registry.Out(port, data)
		} else {
			err = m.registry.In(port, data)
		}

		if err != nil {
			if errors.Is(err, ErrPowerCycle) {
				logger.Info("guest requested power cycle via 0xcf9")

				return false, nil
			}

			return false, err
		}
	}

	return true, nil
}

// logUnexpectedExit decodes the faulting vCPU's register file for a
// readable log line.
func (m *Machine) logUnexpectedExit() {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		logger.WithError(err).Error("unexpected vm-exit, and GetRegs also failed")

		return
	}

	fields := logrus.Fields{"exit_reason": m.run.ExitReason}

	for _, reg := range []x86asm.Reg{x86asm.RIP, x86asm.RAX, x86asm.RSP} {
		if v, err := DecodeFaultingRegister(&regs, reg); err == nil {
			fields[reg.String()] = fmt.Sprintf("%#x", *v)
		}
	}

	if tr, err := kvm.Translate(m.vcpuFd, regs.RIP); err == nil && tr.Valid != 0 {
		fields["rip_phys"] = fmt.Sprintf("%#x", tr.PhysicalAddress)
	}

	logger.WithFields(fields).Error("unexpected vm-exit")
}

// Translate walks the guest's page tables for vaddr, surfacing the
// host-kernel KVM_TRANSLATE query for callers that want to inspect the
// guest's virtual-to-physical mapping directly.
func (m *Machine) Translate(vaddr uint64) (kvm.Translation, error) {
	return kvm.Translate(m.vcpuFd, vaddr)
}

// DecodeFaultingRegister returns a pointer to the named register within r.
func DecodeFaultingRegister(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RIP:
		return &r.RIP, nil
	default:
		return nil, fmt.Errorf("register %v not decoded", reg)
	}
}

// GetRegs reads the vCPU's general-purpose register snapshot.
func (m *Machine) GetRegs() (kvm.Regs, error) { return kvm.GetRegs(m.vcpuFd) }

// SetRegs writes the vCPU's general-purpose register snapshot.
func (m *Machine) SetRegs(regs kvm.Regs) error { return kvm.SetRegs(m.vcpuFd, regs) }

// GetSregs reads the vCPU's special-register snapshot.
func (m *Machine) GetSregs() (kvm.Sregs, error) { return kvm.GetSregs(m.vcpuFd) }

// SetSregs writes the vCPU's special-register snapshot.
func (m *Machine) SetSregs(sregs kvm.Sregs) error { return kvm.SetSregs(m.vcpuFd, sregs) }

// ReadAt implements io.ReaderAt over guest physical memory.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("ReadAt offset %#x out of range", off)
	}

	return copy(b, m.mem[off:]), nil
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, fmt.Errorf("WriteAt offset %#x out of range", off)
	}

	return copy(m.mem[off:], b), nil
}

// Close unmaps the run-state window and closes the vCPU, VM, and subsystem
// handles in reverse order of creation.
func (m *Machine) Close() error {
	var firstErr error

	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.pci != nil {
		note(m.pci.Deinit())
	}

	if m.run != nil && m.runSize > 0 {
		runBytes := unsafe.Slice((*byte)(unsafe.Pointer(m.run)), m.runSize)
		note(syscall.Munmap(runBytes))
	}

	if m.vcpuFd != 0 {
		note(syscall.Close(int(m.vcpuFd)))
	}

	if m.mem != nil {
		note(syscall.Munmap(m.mem))
	}

	if m.vmFd != 0 {
		note(syscall.Close(int(m.vmFd)))
	}

	if m.kvmFile != nil {
		note(m.kvmFile.Close())
	}

	return firstErr
}
