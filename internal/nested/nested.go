// Package nested implements the per-VM nested paging manager: GPA->HPA
// translation, copy-on-write, and O(dirty-list) revert. A bare-metal
// hypervisor would hand-build a PML4/PDPT/PD/PT tree; hosted on KVM the
// tree collapses to one memory slot per resident guest frame, and walking
// the tree to allocate missing intermediate pages becomes assigning a
// slot number to a gfn the first time it is touched. Once assigned, a
// slot number is never freed, so an iteration only pays for the leaves it
// touches; only the slot's *backing* (read-only source/overlay vs.
// read-write dirty frame) changes across faults and reverts.
package nested

import (
	"errors"
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/kvmsys"
	"github.com/snapfuzz/snapfuzz/internal/patch"
	"github.com/snapfuzz/snapfuzz/internal/snapshot"
	"golang.org/x/sys/unix"
)

// FaultOutcome classifies the result of HandleFault.
type FaultOutcome int

const (
	// FaultOutcomeOK means the fault was resolved; re-enter the guest to
	// re-execute the faulting instruction.
	FaultOutcomeOK FaultOutcome = iota
	// FaultOutcomeUnmappedGuestMemory means the snapshot has no frame
	// for the faulting gfn, a bug indicator.
	FaultOutcomeUnmappedGuestMemory
	// FaultOutcomeDirtyPoolExhausted means a write fault needed a dirty
	// frame and the pool was empty, a capacity signal rather than a bug.
	FaultOutcomeDirtyPoolExhausted
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultOutcomeUnmappedGuestMemory:
		return "UnmappedGuestMemory"
	case FaultOutcomeDirtyPoolExhausted:
		return "DirtyPoolExhausted"
	default:
		return "OK"
	}
}

var (
	// ErrSlotsExhausted is returned when a gfn is touched for the first
	// time but the host KVM_CAP_NR_MEMSLOTS budget is already spent.
	// Hand-rolled page tables have no such limit; internal/fuzzloop
	// treats it as fatal for the VM, since the working set can never be
	// materialised.
	ErrSlotsExhausted = errors.New("nested: memory slot budget exhausted")

	errBadFrameSize = errors.New("nested: frame buffer is not FrameSize bytes")
)

const frameSize = snapshot.FrameSize

// residency tags how a gfn's slot is currently backed.
type residency int

const (
	residentNone    residency = iota // slot assigned, no read-only backing recorded yet
	residentSource                   // read-only, backed by the Snapshot Store directly
	residentOverlay                  // read-only, backed by a cached patched copy
	residentDirty                    // read-write, backed by a pool frame
	residentInput                    // read-write, pinned, never touched by revert
)

type slot struct {
	num  uint32
	gfn  uint64
	res  residency
	dirt int // index into Manager.dirtyPool when res == residentDirty; -1 otherwise
}

// dirtyRecord is one entry of the dirty list: the slot touched by a COW
// and the residency/frame it must revert to.
type dirtyRecord struct {
	gfn      uint64
	priorRes residency
	frameIdx int
}

// MemSlotInstaller is the KVM surface the nested paging manager drives to
// install/replace a leaf translation. Satisfied in production by VMFd,
// a thin adapter over kvmsys.SetUserMemoryRegion; package tests supply a
// fake so fault/dirty/revert logic is exercised without a real /dev/kvm.
type MemSlotInstaller interface {
	SetUserMemoryRegion(region *kvmsys.UserspaceMemoryRegion) error
}

// VMFd adapts a raw KVM VM file descriptor to MemSlotInstaller.
type VMFd uintptr

// SetUserMemoryRegion implements MemSlotInstaller.
func (fd VMFd) SetUserMemoryRegion(region *kvmsys.UserspaceMemoryRegion) error {
	return kvmsys.SetUserMemoryRegion(uintptr(fd), region)
}

// Manager owns one VM's nested-paging state. Touched only by the VM's
// owning goroutine; no internal locking.
type Manager struct {
	inst    MemSlotInstaller
	snap    *snapshot.Store
	patches *patch.Table

	maxSlots uint32
	nextSlot uint32
	slots    map[uint64]*slot // gfn -> slot, once assigned never removed

	overlay map[uint64][]byte // gfn -> cached patched copy, computed once

	dirtyPoolMem []byte   // one mmap'd region backing every dirty frame
	dirtyPool    [][]byte // frameSize-sized slices into dirtyPoolMem
	freeDirty    []int    // stack of free dirtyPool indices
	dirtyList    []dirtyRecord

	pinnedMem map[uint64][]byte // gfn -> host bytes for the input region
}

// New creates a Manager for one VM. maxSlots should come from
// kvmsys.CheckExtension(kvmFd, kvmsys.CapNRMemSlots); dirtyPoolFrames
// fixes the per-VM dirty frame pool size.
func New(inst MemSlotInstaller, snap *snapshot.Store, patches *patch.Table, maxSlots uint32, dirtyPoolFrames int) (*Manager, error) {
	poolMem, err := unix.Mmap(-1, 0, dirtyPoolFrames*frameSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("nested: mmap dirty pool: %w", err)
	}

	m := &Manager{
		inst:      inst,
		snap:      snap,
		patches:   patches,
		maxSlots:  maxSlots,
		slots:     map[uint64]*slot{},
		overlay:   map[uint64][]byte{},
		pinnedMem: map[uint64][]byte{},

		dirtyPoolMem: poolMem,
		dirtyPool:    make([][]byte, dirtyPoolFrames),
		freeDirty:    make([]int, dirtyPoolFrames),
	}

	for i := 0; i < dirtyPoolFrames; i++ {
		m.dirtyPool[i] = poolMem[i*frameSize : (i+1)*frameSize : (i+1)*frameSize]
		m.freeDirty[i] = dirtyPoolFrames - 1 - i
	}

	return m, nil
}

// Close releases the dirty pool's mmap'd backing. Callers normally hold a
// Manager for the VM's lifetime and never call this until teardown.
func (m *Manager) Close() error {
	return unix.Munmap(m.dirtyPoolMem)
}

// InstallInputMapping pins hostPages (the per-VM input page set) at gpaBase,
// read-write, for the VM's lifetime. Pinned mappings are never touched by
// Revert.
func (m *Manager) InstallInputMapping(gpaBase uint64, hostPages []byte) error {
	if len(hostPages)%frameSize != 0 {
		return errBadFrameSize
	}

	nframes := len(hostPages) / frameSize

	for i := 0; i < nframes; i++ {
		gfn := gpaBase/frameSize + uint64(i)
		host := hostPages[i*frameSize : (i+1)*frameSize : (i+1)*frameSize]

		s, err := m.assignSlot(gfn)
		if err != nil {
			return err
		}

		s.res = residentInput
		m.pinnedMem[gfn] = host

		if err := m.installRegion(s, host, true); err != nil {
			return fmt.Errorf("nested: install input mapping at gfn %d: %w", gfn, err)
		}
	}

	return nil
}

// assignSlot returns the slot for gfn, allocating a fresh slot number the
// first time gfn is touched. Slot numbers are never freed.
func (m *Manager) assignSlot(gfn uint64) (*slot, error) {
	if s, ok := m.slots[gfn]; ok {
		return s, nil
	}

	if m.nextSlot >= m.maxSlots {
		return nil, ErrSlotsExhausted
	}

	s := &slot{num: m.nextSlot, gfn: gfn, dirt: -1}
	m.nextSlot++
	m.slots[gfn] = s

	return s, nil
}

func (m *Manager) installRegion(s *slot, host []byte, writable bool) error {
	region := kvmsys.UserspaceMemoryRegion{
		Slot:          s.num,
		GuestPhysAddr: s.gfn * frameSize,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: hostAddr(host),
	}

	if !writable {
		region.SetReadonly()
	}

	return m.inst.SetUserMemoryRegion(&region)
}

// sourceImage returns the bytes that should back a read-only mapping of
// gfn: the Snapshot Store's frame directly when the page carries no patch
// entries (so the hot path never allocates), or a lazily-computed,
// permanently-cached overlay when it does, which is how breakpoint and
// end-marker bytes become guest-visible without mutating the shared
// snapshot. Patches never change after load, so the overlay is computed
// once and reused for the program's lifetime.
func (m *Manager) sourceImage(gfn uint64) ([]byte, FaultOutcome, error) {
	frame, ok := m.snap.Frame(gfn)
	if !ok {
		return nil, FaultOutcomeUnmappedGuestMemory, nil
	}

	if !m.patches.HasPage(gfn) {
		return frame, FaultOutcomeOK, nil
	}

	if cached, ok := m.overlay[gfn]; ok {
		return cached, FaultOutcomeOK, nil
	}

	buf := make([]byte, frameSize)
	copy(buf, frame)

	if err := m.patches.Overlay(gfn, buf); err != nil {
		return nil, FaultOutcomeOK, fmt.Errorf("nested: overlay gfn %d: %w", gfn, err)
	}

	m.overlay[gfn] = buf

	return buf, FaultOutcomeOK, nil
}

// HandleFault resolves one guest access at gpa: pinned range first, then
// the snapshot; reads install the source image read-only, writes COW into
// a dirty frame and record the prior state for revert.
func (m *Manager) HandleFault(gpa uint64, isWrite bool) (FaultOutcome, error) {
	gfn := gpa / frameSize

	if host, ok := m.pinnedMem[gfn]; ok {
		// Step 2 pinned-range case: should never miss after arm, but stay
		// correct if it ever does (e.g. a stray access pattern).
		s := m.slots[gfn]

		return FaultOutcomeOK, m.installRegion(s, host, true)
	}

	src, outcome, err := m.sourceImage(gfn)
	if err != nil || outcome != FaultOutcomeOK {
		return outcome, err
	}

	s, err := m.assignSlot(gfn)
	if err != nil {
		return FaultOutcomeOK, err
	}

	if !isWrite {
		kind := residentSource
		if m.patches.HasPage(gfn) {
			kind = residentOverlay
		}

		if s.res == kind {
			// Already installed read-only with the right backing; a
			// read fault here would be unusual but is harmless to redo.
			return FaultOutcomeOK, nil
		}

		s.res = kind

		return FaultOutcomeOK, m.installRegion(s, src, false)
	}

	return m.handleWriteFault(s, src)
}

func (m *Manager) handleWriteFault(s *slot, src []byte) (FaultOutcome, error) {
	if s.res == residentDirty {
		// Already privately backed and writable; nothing to do. Real KVM
		// would not re-fault here since the slot is already RW.
		return FaultOutcomeOK, nil
	}

	if len(m.freeDirty) == 0 {
		return FaultOutcomeDirtyPoolExhausted, nil
	}

	idx := m.freeDirty[len(m.freeDirty)-1]
	m.freeDirty = m.freeDirty[:len(m.freeDirty)-1]

	dst := m.dirtyPool[idx]
	copy(dst, src)

	m.dirtyList = append(m.dirtyList, dirtyRecord{
		gfn:      s.gfn,
		priorRes: s.res,
		frameIdx: idx,
	})

	s.dirt = idx
	s.res = residentDirty

	return FaultOutcomeOK, m.installRegion(s, dst, true)
}

// ForceWriteFault ensures gfn is resident in a private, writable dirty
// frame and returns that frame's live bytes, without waiting for the guest
// to actually fault. The byte a removed breakpoint must restore always
// lands in the VM's private page this way, never the shared snapshot
// buffer.
func (m *Manager) ForceWriteFault(gpa uint64) ([]byte, FaultOutcome, error) {
	gfn := gpa / frameSize

	if host, ok := m.pinnedMem[gfn]; ok {
		return host, FaultOutcomeOK, nil
	}

	src, outcome, err := m.sourceImage(gfn)
	if err != nil || outcome != FaultOutcomeOK {
		return nil, outcome, err
	}

	s, err := m.assignSlot(gfn)
	if err != nil {
		return nil, FaultOutcomeOK, err
	}

	outcome, err = m.handleWriteFault(s, src)
	if err != nil || outcome != FaultOutcomeOK {
		return nil, outcome, err
	}

	return m.dirtyPool[s.dirt], FaultOutcomeOK, nil
}

// RemoveBreakpoint restores orig at gpa in every replica this VM can see:
// the cached overlay, so future read faults and reverts install the
// un-breakpointed image, and the currently mapped frame, via a forced
// write fault that lands the edit in a private COW page. The shared
// snapshot is never touched, so other VMs keep hitting the breakpoint
// until they individually cover it. The overlay map doubles as the per-VM
// breakpoint cache: entries this VM has overlaid but not yet hit still
// carry the planted byte, hit entries carry orig.
func (m *Manager) RemoveBreakpoint(gpa uint64, orig byte) (FaultOutcome, error) {
	gfn := gpa / frameSize
	off := gpa % frameSize

	if host, ok := m.pinnedMem[gfn]; ok {
		host[off] = orig

		return FaultOutcomeOK, nil
	}

	src, outcome, err := m.sourceImage(gfn)
	if err != nil || outcome != FaultOutcomeOK {
		return outcome, err
	}

	ov, ok := m.overlay[gfn]
	if !ok {
		ov = make([]byte, frameSize)
		copy(ov, src)
		m.overlay[gfn] = ov
	}

	ov[off] = orig

	frame, outcome, err := m.ForceWriteFault(gpa)
	if err != nil || outcome != FaultOutcomeOK {
		return outcome, err
	}

	frame[off] = orig

	return FaultOutcomeOK, nil
}

// Peek returns up to n guest-visible bytes starting at gpa, read from
// whichever backing currently serves the page (pinned input, dirty frame,
// cached overlay, or the Snapshot Store directly), truncated at the page
// boundary. It never installs a mapping or faults; internal/fuzzloop uses
// it to complete pending read faults and to hand instruction bytes at RIP
// to the bug reporter.
func (m *Manager) Peek(gpa uint64, n int) ([]byte, error) {
	gfn := gpa / frameSize
	off := gpa % frameSize

	if rem := frameSize - off; uint64(n) > rem {
		n = int(rem)
	}

	if host, ok := m.pinnedMem[gfn]; ok {
		return host[off : off+uint64(n)], nil
	}

	if s, ok := m.slots[gfn]; ok && s.res == residentDirty {
		return m.dirtyPool[s.dirt][off : off+uint64(n)], nil
	}

	src, outcome, err := m.sourceImage(gfn)
	if err != nil {
		return nil, err
	}

	if outcome != FaultOutcomeOK {
		return nil, fmt.Errorf("nested: Peek: gfn %d: %s", gfn, outcome)
	}

	return src[off : off+uint64(n)], nil
}

// Revert restores every dirty entry to its pre-COW backing and empties the
// dirty list. Cost is O(dirty list length), independent of how many pages
// the VM has ever touched; idempotent; pinned mappings survive.
func (m *Manager) Revert() error {
	for i := len(m.dirtyList) - 1; i >= 0; i-- {
		rec := m.dirtyList[i]
		s := m.slots[rec.gfn]

		src, outcome, err := m.sourceImage(rec.gfn)
		if err != nil {
			return err
		}

		if outcome != FaultOutcomeOK {
			return fmt.Errorf("nested: revert gfn %d: %s", rec.gfn, outcome)
		}

		if err := m.installRegion(s, src, false); err != nil {
			return fmt.Errorf("nested: revert gfn %d: %w", rec.gfn, err)
		}

		s.res = rec.priorRes
		s.dirt = -1
		m.freeDirty = append(m.freeDirty, rec.frameIdx)
	}

	m.dirtyList = m.dirtyList[:0]

	return nil
}

// DirtyLen reports the current dirty list length, the dirty_pages column
// of the statistics rows.
func (m *Manager) DirtyLen() int {
	return len(m.dirtyList)
}
