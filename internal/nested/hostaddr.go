package nested

import "unsafe"

// hostAddr returns the host virtual address of buf's backing array, the
// UserspaceAddr field KVM_SET_USER_MEMORY_REGION expects. buf must be
// backed by mmap'd or otherwise pinned memory for the lifetime of the
// slot it backs (see New's use of unix.Mmap for the dirty pool).
func hostAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
