package kvm

import (
	"fmt"

	"github.com/smallkirby/zvm/vmmerr"
)

// CPUID leaf numbers this shaper inspects.
const (
	CPUIDSignature              = 0x4000_0000
	CPUIDFeatureInformation     = 0x0000_0001
	CPUIDExtendedFeatureFlags   = 0x0000_0007
	cpuidSignatureEax           = 0x4000_0001
	cpuidSignatureEbx           = 0x4B4D564B // "KVMK"
	cpuidSignatureEcx           = 0x564B4D56 // "VMKV"
	cpuidSignatureEdx           = 0x0000004D // "M"
	featureInfoHypervisorBitECX = 1 << 31
	extendedFeatureFlagsFSRMEDX = 1 << 4
)

// errNoSignatureLeaf is wrapped into vmmerr.ErrNotReady when the host does
// not advertise the KVM_CPUID_SIGNATURE leaf at all; without it a guest
// cannot detect it is running under KVM.
var errNoSignatureLeaf = fmt.Errorf("host did not report KVM_CPUID_SIGNATURE leaf")

// ShapeCPUID rewrites the host-supported CPUID table in place: it pins the
// KVM signature leaf, sets the hypervisor-present bit in the standard
// feature leaf, and clears FSRM in the extended feature flags leaf.
// Advertising FSRM crashes guest kernels that patch the memmove prologue
// while executing inside it, so the bit stays masked unconditionally.
func ShapeCPUID(cpuid *CPUID) error {
	sawSignature := false

	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case CPUIDSignature:
			sawSignature = true
			e.Eax = cpuidSignatureEax
			e.Ebx = cpuidSignatureEbx
			e.Ecx = cpuidSignatureEcx
			e.Edx = cpuidSignatureEdx
		case CPUIDFeatureInformation:
			e.Ecx |= featureInfoHypervisorBitECX
		case CPUIDExtendedFeatureFlags:
			e.Edx &^= extendedFeatureFlagsFSRMEDX
		}
	}

	if !sawSignature {
		return fmt.Errorf("%w: %w", errNoSignatureLeaf, vmmerr.ErrNotReady)
	}

	return nil
}
