package kvmsys

import "unsafe"

const maxCPUIDEntries = 100

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
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

// CPUID mirrors struct kvm_cpuid2, fixed at maxCPUIDEntries entries so it
// can cross the ioctl boundary without a variable-length trailer.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID fills out with the set of CPUID leaves KVM can
// virtualize on the host.
func GetSupportedCPUID(kvmFd uintptr, out *CPUID) error {
	out.Nent = maxCPUIDEntries
	_, err := ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(out)))

	return err
}

// SetCPUID2 installs the CPUID leaves a vcpu will report to the guest.
func SetCPUID2(vcpuFd uintptr, in *CPUID) error {
	_, err := ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(in)))

	return err
}

// StampKVMSignature overwrites the KVM leaf of cpuid with the "KVMKVMKVM"
// paravirt signature, matching what a normal KVM guest observes. Snapshot
// targets taken from real hardware rarely probe this leaf, but code that
// does must see a consistent answer across every replay of the snapshot.
func StampKVMSignature(cpuid *CPUID) {
	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function != CPUIDSignature {
			continue
		}

		cpuid.Entries[i].Eax = CPUIDFeatures
		cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
		cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
		cpuid.Entries[i].Edx = 0x4d       // M
	}
}
