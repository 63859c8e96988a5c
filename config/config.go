// Package config holds the single boundary record the CLI hands to the
// core, plus the one string grammar the core cannot avoid understanding:
// the --memory size suffix.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smallkirby/zvm/vmmerr"
)

// DefaultMemory is the default guest memory size (1 GiB) when --memory is
// not given.
const DefaultMemory = 1 << 30

// DefaultCmdLine is the kernel command line used when none is supplied.
const DefaultCmdLine = "console=ttyS0"

// Config is the configuration record the core consumes.
type Config struct {
	KernelPath  string
	InitrdPath  string
	MemoryBytes uint64
	CmdLine     string
}

// ParseMemory parses a --memory string: a number followed by a unit
// (K|k|M|m|G|g), an optional trailing B/b, and optional surrounding
// whitespace. "32GB" -> 32*2^30, "10kb" -> 10*2^10, "  1m" -> 2^20.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory string: %w", vmmerr.ErrInvalidMemoryUnit)
	}

	s = strings.TrimSuffix(s, "B")
	s = strings.TrimSuffix(s, "b")

	if s == "" {
		return 0, fmt.Errorf("%q: %w", s, vmmerr.ErrInvalidMemoryUnit)
	}

	unit := s[len(s)-1:]

	var shift uint
	switch unit {
	case "K", "k":
		shift = 10
	case "M", "m":
		shift = 20
	case "G", "g":
		shift = 30
	default:
		return 0, fmt.Errorf("%q: unrecognized unit %q: %w", s, unit, vmmerr.ErrInvalidMemoryUnit)
	}

	numStr := strings.TrimSpace(s[:len(s)-1])

	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %w", numStr, err, vmmerr.ErrInvalidMemoryUnit)
	}

	return n << shift, nil
}
