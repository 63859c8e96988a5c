package kvm_test

import (
	"errors"
	"testing"

	"github.com/smallkirby/zvm/kvm"
	"github.com/smallkirby/zvm/vmmerr"
)

func TestShapeCPUID(t *testing.T) {
	t.Parallel()

	cpuid := kvm.CPUID{Nent: 3}
	cpuid.Entries[0] = kvm.CPUIDEntry2{Function: kvm.CPUIDSignature}
	cpuid.Entries[1] = kvm.CPUIDEntry2{Function: kvm.CPUIDFeatureInformation, Ecx: 0x1}
	cpuid.Entries[2] = kvm.CPUIDEntry2{Function: kvm.CPUIDExtendedFeatureFlags, Edx: 0xFF}

	if err := kvm.ShapeCPUID(&cpuid); err != nil {
		t.Fatalf("ShapeCPUID: got %v, want nil", err)
	}

	sig := cpuid.Entries[0]
	if sig.Eax != 0x4000_0001 || sig.Ebx != 0x4B4D564B || sig.Ecx != 0x564B4D56 || sig.Edx != 0x0000004D {
		t.Fatalf("signature leaf: got eax=%#x ebx=%#x ecx=%#x edx=%#x", sig.Eax, sig.Ebx, sig.Ecx, sig.Edx)
	}

	if cpuid.Entries[1].Ecx&(1<<31) == 0 {
		t.Fatalf("feature information leaf: hypervisor bit not set (ecx=%#x)", cpuid.Entries[1].Ecx)
	}

	if cpuid.Entries[1].Ecx&0x1 == 0 {
		t.Fatalf("feature information leaf: pre-existing bits lost (ecx=%#x)", cpuid.Entries[1].Ecx)
	}

	if got := cpuid.Entries[2].Edx; got != 0xFF&^(1<<4) {
		t.Fatalf("extended feature flags leaf: got edx=%#x, want FSRM (bit 4) cleared", got)
	}
}

func TestShapeCPUIDMissingSignature(t *testing.T) {
	t.Parallel()

	cpuid := kvm.CPUID{Nent: 1}
	cpuid.Entries[0] = kvm.CPUIDEntry2{Function: kvm.CPUIDFeatureInformation}

	if err := kvm.ShapeCPUID(&cpuid); !errors.Is(err, vmmerr.ErrNotReady) {
		t.Fatalf("ShapeCPUID without signature leaf: got %v, want %v", err, vmmerr.ErrNotReady)
	}
}
