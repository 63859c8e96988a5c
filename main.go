// Command zvm is a minimal type-2 x86_64 KVM hypervisor: it boots an
// unmodified Linux bzImage (with an optional initrd) on a single virtual
// CPU and pumps host keystrokes into the guest's COM1 console.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/smallkirby/zvm/config"
	"github.com/smallkirby/zvm/kvm"
	"github.com/smallkirby/zvm/machine"
	"github.com/smallkirby/zvm/ttypump"
	"github.com/smallkirby/zvm/vmmerr"
)

// Process exit codes.
const (
	exitOK             = 0
	exitMemoryParse    = 1
	exitFileOpen       = 9
	exitUnexpectedExit = 99
	exitOther          = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("zvm", flag.ContinueOnError)

	kernelPath := flagSet.String("kernel", "", "path to a bzImage (required)")
	initrdPath := flagSet.String("initrd", "", "path to an initrd image (optional)")
	memoryStr := flagSet.String("memory", "", "guest memory size, e.g. 1G, 512M (default 1 GiB)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}

		return exitOther
	}

	if *kernelPath == "" {
		fmt.Fprintln(os.Stderr, "zvm: --kernel is required")

		return exitFileOpen
	}

	cfg := config.Config{
		KernelPath: *kernelPath,
		InitrdPath: *initrdPath,
		CmdLine:    config.DefaultCmdLine,
	}

	if *memoryStr == "" {
		cfg.MemoryBytes = config.DefaultMemory
	} else {
		mem, err := config.ParseMemory(*memoryStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "zvm: %v\n", err)

			return exitMemoryParse
		}

		cfg.MemoryBytes = mem
	}

	if err := boot(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "zvm: %v\n", err)

		var pathErr *fs.PathError

		switch {
		case errors.Is(err, vmmerr.ErrInvalidMemoryUnit):
			return exitMemoryParse
		case errors.As(err, &pathErr):
			return exitFileOpen
		case errors.Is(err, kvm.ErrUnexpectedExitReason):
			return exitUnexpectedExit
		default:
			return exitOther
		}
	}

	return exitOK
}

func boot(cfg config.Config) error {
	kernel, err := os.Open(cfg.KernelPath)
	if err != nil {
		return err
	}
	defer kernel.Close()

	var initrd io.ReaderAt

	if cfg.InitrdPath != "" {
		initrdFile, err := os.Open(cfg.InitrdPath)
		if err != nil {
			return err
		}

		defer initrdFile.Close()

		initrd = initrdFile
	}

	m, err := machine.New(cfg.MemoryBytes)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.LoadLinux(kernel, initrd, cfg.CmdLine); err != nil {
		return err
	}

	pump, err := ttypump.New(m.UART())
	if err != nil {
		logrus.WithError(err).Warn("tty pump unavailable; running without host keyboard input")
	} else {
		go pump.Run()

		defer func() {
			if err := pump.Stop(); err != nil {
				logrus.WithError(err).Warn("failed to restore terminal state")
			}
		}()
	}

	return m.RunLoop()
}
