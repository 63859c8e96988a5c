// Package vmmerr collects the VMM's closed error taxonomy.
//
// Every fatal condition the core can hit is one of these sentinels, wrapped
// with %w at the call site so errors.Is keeps working through the wrapping.
package vmmerr

import "errors"

var (
	// ErrIoctlFailed is returned when a host-kernel ioctl returns a negative result.
	ErrIoctlFailed = errors.New("ioctl failed")

	// ErrNoMemory is returned when a guest memory mapping fails.
	ErrNoMemory = errors.New("memory mapping failed")

	// ErrAPIIncompatible is returned when the KVM API version is not 12.
	ErrAPIIncompatible = errors.New("incompatible kvm api version")

	// ErrNotReady is returned when setup steps run out of order.
	ErrNotReady = errors.New("vm not ready for this operation")

	// ErrGMemNotEnough is returned when guest memory is too small or too large
	// for the requested placement.
	ErrGMemNotEnough = errors.New("guest memory size out of bounds")

	// ErrInvalidMemoryUnit is returned when a --memory string cannot be parsed.
	ErrInvalidMemoryUnit = errors.New("invalid memory unit")
)
