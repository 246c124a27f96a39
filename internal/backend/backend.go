// Package backend is a uniform contract over the host CPU's hardware-
// virtualization extension, regardless of vendor. Bare-metal hypervisors
// hand-roll VMX or SVM control structures; hosted on Linux/KVM both
// vendors are driven through the identical /dev/kvm ioctl surface in
// internal/kvmsys, so the vendor-specific constructors here exist to keep
// the vendor distinction visible at the Go type level, not because the
// wire format differs.
package backend

import (
	"context"
	"fmt"

	"github.com/snapfuzz/snapfuzz/internal/kvmsys"
)

// State is the per-VM lifecycle state:
// Cold -> FeatureOn -> Armed -> Ready -> Exited -> {Ready,Reverting,Down}.
type State int

const (
	Cold State = iota
	FeatureOn
	Armed
	Ready
	Exited
	Reverting
	Down
)

func (s State) String() string {
	switch s {
	case Cold:
		return "Cold"
	case FeatureOn:
		return "FeatureOn"
	case Armed:
		return "Armed"
	case Ready:
		return "Ready"
	case Exited:
		return "Exited"
	case Reverting:
		return "Reverting"
	case Down:
		return "Down"
	default:
		return "Unknown"
	}
}

// ErrBadTransition is returned when a caller drives the state machine out
// of order (e.g. Run before LoadGuest).
var ErrBadTransition = fmt.Errorf("backend: illegal state transition")

// legal maps each state to the states reachable from it in one step.
var legal = map[State][]State{
	Cold:      {FeatureOn},
	FeatureOn: {Armed},
	Armed:     {Ready},
	Ready:     {Exited},
	Exited:    {Ready, Reverting, Down},
	Reverting: {Ready},
	Down:      {},
}

func transition(from, to State) error {
	for _, want := range legal[from] {
		if want == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
}

// ExitKind classifies a normalised exit.
type ExitKind int

const (
	ExitNestedPageFault ExitKind = iota
	ExitException
	ExitPreemptionTimer
	ExitFatal
)

func (k ExitKind) String() string {
	switch k {
	case ExitNestedPageFault:
		return "NestedPageFault"
	case ExitException:
		return "Exception"
	case ExitPreemptionTimer:
		return "PreemptionTimer"
	case ExitFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Exception vectors the exit handlers care about.
const (
	VectorDebug             = 1
	VectorBreakpoint        = 3
	VectorUndefinedOpcode   = 6
	VectorGeneralProtection = 13
	VectorPageFault         = 14
)

// NormalisedExit is the normalised exit reason, flattened into one struct
// since Go has no sum types; only the fields relevant to Kind are
// meaningful.
type NormalisedExit struct {
	Kind ExitKind

	GPA       uint64
	IsWrite   bool
	AccessLen int // bytes the faulting access covers; meaningful for reads the caller must complete

	RIP       uint64
	Vector    uint32
	ErrorCode uint32

	Detail string
}

// EventKind identifies an event InjectEvent can deliver. Unused by
// default; kept for interface completeness.
type EventKind int

// VMState carries the arm-time parameters for Initialize. KVM's event
// intercept mask is implicit in the exit reasons it reports rather than
// an explicit bitmask the caller installs, so InterceptMask is carried
// for documentation only and is not written to any ioctl.
type VMState struct {
	KVMPath       string
	InterceptMask []ExitKind
}

// Backend is the uniform per-VM contract over a virtualization engine.
// LoadGuest takes kvmsys.Regs/Sregs rather than
// internal/snapshot.RegisterBlock directly:
// internal/snapshot.RegisterBlock.ToRegs/ToSregs already project into
// these shapes, and backend stays ignorant of the snapshot wire format.
type Backend interface {
	Vendor() string
	State() State
	Enable() error
	Initialize(vm VMState) error
	LoadGuest(regs kvmsys.Regs, sregs kvmsys.Sregs) error
	Run(ctx context.Context) (NormalisedExit, error)
	// Resume moves Exited back to Ready without touching guest registers,
	// so the next Run re-executes the faulting instruction after a nested
	// page fault or breakpoint has been handled.
	Resume() error
	// BeginRevert moves Exited to Reverting at iteration end; the caller
	// then drives nested.Manager.Revert and re-arms via LoadGuest.
	BeginRevert() error
	// CompleteMMIORead hands the resolved bytes back to a pending read
	// fault so the in-flight guest access completes on the next Run.
	CompleteMMIORead(data []byte) error
	InjectEvent(kind EventKind) error
	// MaxSlots reports the host's memory-slot budget, queried at
	// Initialize; internal/nested sizes its slot table against it.
	MaxSlots() uint32
	// VMFd exposes the raw KVM VM file descriptor so internal/campaign can
	// wire a *nested.Manager to it via nested.VMFd; only internal/nested
	// needs to touch memory slots, so the full ioctl surface stays private
	// to this package and internal/kvmsys.
	VMFd() uintptr
	Close() error
}
