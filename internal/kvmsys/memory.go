package kvmsys

import "unsafe"

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region. The
// nested paging manager installs one of these per guest page it
// materializes, and later re-installs it with different backing, rather than the single whole-RAM region a boot
// hypervisor uses; Slot numbers are managed by the caller (internal/nested)
// and must stay below the value reported by CheckExtension(CapNRMemSlots).
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// SetLogDirtyPages marks the region for KVM's own dirty-page log; snapfuzz
// does not use this log (it tracks dirty pages itself, see
// internal/nested), so it is exposed for completeness and tests only.
func (r *UserspaceMemoryRegion) SetLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetReadonly marks the region read-only from the guest's perspective,
// used for slots backed by a snapshot frame or its patched overlay; pinned
// input pages and dirty frames are installed writable.
func (r *UserspaceMemoryRegion) SetReadonly() {
	r.Flags |= memReadonly
}

// SetUserMemoryRegion installs or updates a memory slot. Passing a region
// with MemorySize 0 for an existing slot removes it.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}
