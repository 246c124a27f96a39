package kvmsys

import (
	"fmt"
	"syscall"
	"unsafe"
)

// RunData mirrors the fixed header of struct kvm_run followed by its
// exit-reason union, kept as a raw byte array and decoded per exit reason
// by the MMIO, IO and Exception accessors below; nested-page-fault and
// software-breakpoint handling need the mmio and exception members.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [256]byte
}

// MapRunData overlays RunData on the mmap'd kvm_run page for a vcpu.
func MapRunData(mem []byte) *RunData {
	return (*RunData)(unsafe.Pointer(&mem[0]))
}

// MmapVCPU maps the kvm_run structure shared with the kernel for vcpuFd.
func MmapVCPU(vcpuFd uintptr, size int) (*RunData, []byte, error) {
	mem, err := syscall.Mmap(int(vcpuFd), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}

	return MapRunData(mem), mem, nil
}

// ioExit mirrors the kvm_run.io union member.
type ioExit struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	DataOff   uint64
}

// IO decodes an ExitIO exit into (direction, size in bytes, port, repeat
// count, and the bytes themselves).
func (r *RunData) IO() (direction uint8, size uint8, port uint16, count uint32, bytes []byte) {
	io := (*ioExit)(unsafe.Pointer(&r.Data[0]))
	n := int(io.Size) * int(io.Count)
	bytes = unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(r), io.DataOff)), n)

	return io.Direction, io.Size, io.Port, io.Count, bytes
}

// mmioExit mirrors the kvm_run.mmio union member.
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// MMIO decodes an ExitMMIO exit. is nested-page-fault substitute (see
// internal/nested): PhysAddr is the faulting guest-physical address, Data
// holds the bytes to satisfy a read (the caller must fill it in before the
// next Run call completes the exit) or the bytes the guest wrote.
func (r *RunData) MMIO() (physAddr uint64, data []byte, isWrite bool) {
	m := (*mmioExit)(unsafe.Pointer(&r.Data[0]))

	return m.PhysAddr, m.Data[:m.Len], m.IsWrite != 0
}

// SetMMIOReadData fills in the bytes KVM hands back to the guest to satisfy
// a pending MMIO read exit, then re-enters guest mode on the next Run.
func (r *RunData) SetMMIOReadData(b []byte) {
	m := (*mmioExit)(unsafe.Pointer(&r.Data[0]))
	copy(m.Data[:], b)
}

// exceptionExit mirrors the kvm_run.ex union member.
type exceptionExit struct {
	Exception uint32
	ErrorCode uint32
}

// Exception decodes an ExitException exit, reporting the vector and error
// code. Software breakpoints (INT3) surface here as vector 3.
func (r *RunData) Exception() (vector uint32, errorCode uint32) {
	ex := (*exceptionExit)(unsafe.Pointer(&r.Data[0]))

	return ex.Exception, ex.ErrorCode
}

// ErrUnexpectedExit is returned when the backend's Run observes an exit
// reason it does not know how to handle.
var ErrUnexpectedExit = fmt.Errorf("kvmsys: unexpected exit reason")
