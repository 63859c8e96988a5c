// Package ttypump implements the raw-mode TTY input pump: it puts the host
// terminal into raw, non-blocking mode and feeds key presses into the guest
// UART from a background goroutine. Pump carries an explicit stop channel
// so Stop always restores the terminal instead of abandoning the goroutine.
package ttypump

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var logger = logrus.WithField("component", "ttypump")

// UART is the capability this pump needs from the serial device: a single
// slot RX FIFO it can push bytes into.
type UART interface {
	Input(b byte) int
}

// readChunk bounds a single non-blocking read.
const readChunk = 256

// retryDelay is the short pause between delivered bytes, between delivery
// retries, and between idle polls of the non-blocking tty fd.
const retryDelay = 10 * time.Millisecond

// Pump owns the raw-mode /dev/tty and the background reader goroutine.
type Pump struct {
	tty  *os.File
	orig unix.Termios
	uart UART

	stop chan struct{}
	done chan struct{}
}

// New opens /dev/tty, captures its current termios, and switches it to raw
// non-blocking mode. Ctrl-C/Ctrl-Z are intentionally left enabled (ISIG is
// not cleared) so the process can still be killed.
func New(uart UART) (*Pump, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	orig, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		tty.Close()

		return nil, err
	}

	raw := *orig
	raw.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN
	raw.Iflag &^= unix.IXON | unix.ICRNL | unix.BRKINT | unix.INPCK | unix.ISTRIP
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 0
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, &raw); err != nil {
		tty.Close()

		return nil, err
	}

	return &Pump{
		tty:  tty,
		orig: *orig,
		uart: uart,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Run feeds host key presses into the UART until Stop is called. Intended
// to run on its own goroutine.
func (p *Pump) Run() {
	defer close(p.done)

	buf := make([]byte, readChunk)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		// With VMIN=0/VTIME=0 a drained tty reads 0 bytes, which os.File
		// surfaces as io.EOF; treat it as an idle poll, not a failure.
		n, err := p.tty.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			logger.WithError(err).Warn("tty read failed")
			time.Sleep(retryDelay)

			continue
		}

		if n == 0 {
			time.Sleep(retryDelay)

			continue
		}

		for _, b := range buf[:n] {
			if !p.deliver(b) {
				return
			}
		}
	}
}

// deliver pushes one byte into the UART, retrying while its single RX slot
// is full. It reports false when the pump was stopped mid-delivery.
func (p *Pump) deliver(b byte) bool {
	for p.uart.Input(b) == 0 {
		logger.Warn("UART RX slot full, retrying")

		select {
		case <-p.stop:
			return false
		case <-time.After(retryDelay):
		}
	}

	select {
	case <-p.stop:
		return false
	case <-time.After(retryDelay):
	}

	return true
}

// Stop signals Run to exit, waits for it, and restores the original
// termios. Callers defer it so the terminal comes back on every normal
// exit path; a fatal signal still leaves the tty raw.
func (p *Pump) Stop() error {
	close(p.stop)
	<-p.done

	err := unix.IoctlSetTermios(int(p.tty.Fd()), unix.TCSETS, &p.orig)
	if cerr := p.tty.Close(); err == nil {
		err = cerr
	}

	return err
}
