// Package serial emulates a 16450-class 8250 UART wired up as COM1. It is
// DLAB-banked, drives guest IRQ 4 on RX availability and IER writes, and
// exposes the single Input entry point the TTY pump uses to push host key
// presses into the guest.
package serial

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/smallkirby/zvm/kvm"
)

// COM1Addr is the base port of the emulated COM1 UART.
const COM1Addr = 0x3F8

// IRQ is the legacy PIC line COM1 is wired to.
const IRQ = 4

// IER "interrupt required" bits.
const (
	ierERDAI = 1 << 0 // enable received data available interrupt
	ierETHRE = 1 << 1 // enable transmitter holding register empty interrupt
	ierERLS  = 1 << 2 // enable receiver line status interrupt
	ierEMS   = 1 << 3 // enable modem status interrupt
)

// LCR bits.
const lcrDLAB = 1 << 7

// LSR bits.
const (
	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmitter holding register empty
	lsrDHRE = 1 << 6 // data holding register empty (no TX FIFO modeled: tied to THRE)
)

// defaultDivisor is 115200/9600, the 8250's default 9600-baud rate.
const defaultDivisor = 12

var logger = logrus.WithField("component", "serial")

// UART models one emulated COM1 device.
type UART struct {
	mu sync.Mutex

	vmFd uintptr

	rbr     byte // last byte written by Input, consumed by an RBR read
	rxValid bool
	thr     byte

	ier uint8
	lcr uint8
	mcr uint8
	lsr uint8
	msr uint8
	scr uint8

	divisor uint16
}

// New constructs a COM1 UART whose interrupt injections ride the given VM
// fd's KVM_IRQ_LINE ioctl.
func New(vmFd uintptr) *UART {
	return &UART{
		vmFd:    vmFd,
		lsr:     lsrTHRE | lsrDHRE,
		divisor: defaultDivisor,
	}
}

func (u *UART) interruptPending() bool {
	return u.ier&(ierERDAI|ierETHRE|ierERLS|ierEMS) != 0
}

func (u *UART) raiseIRQ() {
	if err := kvm.IRQLine(u.vmFd, IRQ, 1); err != nil {
		logger.WithError(err).Error("raising COM1 IRQ")
	}

	if err := kvm.IRQLine(u.vmFd, IRQ, 0); err != nil {
		logger.WithError(err).Error("lowering COM1 IRQ")
	}
}

// In services a guest IN instruction against one of the 8 COM1 ports.
func (u *UART) In(port uint64, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("serial: IN port %#x: expected 1 byte, got %d", port, len(data))
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&lcrDLAB != 0

	switch port - COM1Addr {
	case 0:
		if dlab {
			data[0] = byte(u.divisor)
			return nil
		}

		if u.rxValid {
			data[0] = u.rbr
			u.rxValid = false
			u.lsr &^= lsrDR
		} else {
			data[0] = 0
		}
	case 1:
		if dlab {
			data[0] = byte(u.divisor >> 8)
		} else {
			data[0] = u.ier
		}
	case 2:
		data[0] = u.iir()
	case 3:
		data[0] = u.lcr
	case 4:
		data[0] = u.mcr
	case 5:
		data[0] = u.lsr
	case 6:
		data[0] = u.msr
	case 7:
		data[0] = u.scr
	default:
		data[0] = 0
	}

	return nil
}

// iir reports the interrupt-pending indication. This stub models a
// single-cause ID: no interrupt pending (0x1) unless one is latched.
func (u *UART) iir() byte {
	if u.interruptPending() && u.rxValid {
		return 0x4 // RX data available
	}

	return 0x1 // no interrupt pending
}

// Out services a guest OUT instruction against one of the 8 COM1 ports.
func (u *UART) Out(port uint64, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("serial: OUT port %#x: expected 1 byte, got %d", port, len(data))
	}

	u.mu.Lock()

	dlab := u.lcr&lcrDLAB != 0
	b := data[0]

	switch port - COM1Addr {
	case 0:
		if dlab {
			u.divisor = (u.divisor &^ 0xFF) | uint16(b)
		} else {
			u.thr = b
			fmt.Fprintf(os.Stderr, "%c", b)
		}
	case 1:
		if dlab {
			u.divisor = (u.divisor & 0xFF) | uint16(b)<<8
		} else {
			u.ier = b

			if u.interruptPending() {
				u.mu.Unlock()
				u.raiseIRQ()

				return nil
			}
		}
	case 2:
		// FCR write; no FIFO is modeled, so this is accepted and ignored.
	case 3:
		u.lcr = b
	case 4:
		u.mcr = b
	case 5:
		u.mu.Unlock()
		return fmt.Errorf("serial: write to LSR (RO register) at port %#x", port)
	case 6:
		u.msr = b
	case 7:
		u.scr = b
	}

	u.mu.Unlock()

	return nil
}

// LCR returns the raw line-control register value.
func (u *UART) LCR() byte {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.lcr
}

// WordLength decodes LCR bits [1:0].
func (u *UART) WordLength() byte { return u.LCR() & 0x3 }

// StopBits decodes LCR bit 2.
func (u *UART) StopBits() byte { return (u.LCR() >> 2) & 0x1 }

// Parity decodes LCR bits [5:3].
func (u *UART) Parity() byte { return (u.LCR() >> 3) & 0x7 }

// BreakEnable decodes LCR bit 6.
func (u *UART) BreakEnable() bool { return u.LCR()&(1<<6) != 0 }

// DLAB decodes LCR bit 7.
func (u *UART) DLAB() bool { return u.LCR()&lcrDLAB != 0 }

// Input feeds one host byte into the UART's single-slot RX FIFO. It returns
// 1 if the byte was accepted, 0 if the slot was already full. This is the
// sole entry point the TTY pump uses.
func (u *UART) Input(b byte) int {
	u.mu.Lock()

	if u.rxValid {
		u.mu.Unlock()

		return 0
	}

	u.rbr = b
	u.rxValid = true
	u.lsr |= lsrDR

	u.mu.Unlock()

	u.raiseIRQ()

	return 1
}
