package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/kvmsys"
	"golang.org/x/sys/unix"
)

// Identity-map and TSS addresses KVM reserves for protected-mode guest
// entry, chosen far above any fuzzing target's working set so they never
// collide with a snapshot's own guest-physical layout.
const (
	tssAddr                = 0xffffd000
	identityMapAddr uint64 = 0xffffc000
)

var (
	// ErrFeatureUnavailable is returned by Enable when the host has no
	// usable /dev/kvm; the campaign halts this logical processor only.
	ErrFeatureUnavailable = errors.New("backend: /dev/kvm unavailable")
	errNotReady           = errors.New("backend: not in Ready state")
)

// kvmBackend is the shared implementation behind both NewVMXBackend and
// NewSVMBackend: both vendors drive the identical KVM ioctl surface,
// only the Vendor tag differs.
type kvmBackend struct {
	vendor  string
	state   State
	kvmPath string

	kvmFile             *os.File // kept referenced so the finalizer never closes kvmFd
	kvmFd, vmFd, vcpuFd uintptr
	run                 *kvmsys.RunData
	runMem              []byte
	tid                 int
	maxSlots            uint32
}

// NewVMXBackend returns a Backend tagged for an Intel VMX host, driving
// /dev/kvm at kvmPath.
func NewVMXBackend(kvmPath string) Backend { return &kvmBackend{vendor: "vmx", kvmPath: kvmPath} }

// NewSVMBackend returns a Backend tagged for an AMD SVM host, driving
// /dev/kvm at kvmPath.
func NewSVMBackend(kvmPath string) Backend { return &kvmBackend{vendor: "svm", kvmPath: kvmPath} }

func (b *kvmBackend) Vendor() string { return b.vendor }
func (b *kvmBackend) State() State   { return b.state }

// Enable opens /dev/kvm and checks the API version; idempotent. On
// Linux/KVM there is no separate "turn on VMX/SVM" step at userspace
// level, the kernel module already did that at load time, so Enable's job
// reduces to confirming the feature is actually usable from this process.
func (b *kvmBackend) Enable() error {
	if b.state != Cold {
		if b.state == FeatureOn {
			return nil // idempotent
		}

		return fmt.Errorf("%w: %s -> FeatureOn", ErrBadTransition, b.state)
	}

	f, err := os.OpenFile(b.kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureUnavailable, err)
	}

	b.kvmFile = f
	b.kvmFd = f.Fd()

	ver, err := kvmsys.GetAPIVersion(b.kvmFd)
	if err != nil {
		f.Close()

		return fmt.Errorf("%w: GetAPIVersion: %v", ErrFeatureUnavailable, err)
	}

	if ver != 12 {
		f.Close()

		return fmt.Errorf("%w: unexpected KVM API version %d", ErrFeatureUnavailable, ver)
	}

	b.state = FeatureOn

	return nil
}

// Initialize arms the per-CPU control structure: creates the VM and vcpu
// file descriptors, installs the protected-mode scaffolding KVM requires
// (TSS/identity-map addresses), and maps the shared kvm_run page.
func (b *kvmBackend) Initialize(state VMState) error {
	if err := transition(b.state, Armed); err != nil {
		return err
	}

	var err error

	b.vmFd, err = kvmsys.CreateVM(b.kvmFd)
	if err != nil {
		return fmt.Errorf("backend: CreateVM: %w", err)
	}

	if err := kvmsys.SetTSSAddr(b.vmFd, tssAddr); err != nil {
		return fmt.Errorf("backend: SetTSSAddr: %w", err)
	}

	if err := kvmsys.SetIdentityMapAddr(b.vmFd, identityMapAddr); err != nil {
		return fmt.Errorf("backend: SetIdentityMapAddr: %w", err)
	}

	b.vcpuFd, err = kvmsys.CreateVCPU(b.vmFd, 0)
	if err != nil {
		return fmt.Errorf("backend: CreateVCPU: %w", err)
	}

	mmapSize, err := kvmsys.GetVCPUMmapSize(b.kvmFd)
	if err != nil {
		return fmt.Errorf("backend: GetVCPUMmapSize: %w", err)
	}

	b.run, b.runMem, err = kvmsys.MmapVCPU(b.vcpuFd, int(mmapSize))
	if err != nil {
		return fmt.Errorf("backend: MmapVCPU: %w", err)
	}

	var cpuid kvmsys.CPUID
	if err := kvmsys.GetSupportedCPUID(b.kvmFd, &cpuid); err != nil {
		return fmt.Errorf("backend: GetSupportedCPUID: %w", err)
	}

	kvmsys.StampKVMSignature(&cpuid)

	if err := kvmsys.SetCPUID2(b.vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("backend: SetCPUID2: %w", err)
	}

	slots, err := kvmsys.CheckExtension(b.kvmFd, kvmsys.CapNRMemSlots)
	if err != nil {
		return fmt.Errorf("backend: CheckExtension(NR_MEMSLOTS): %w", err)
	}

	if slots <= 0 {
		return fmt.Errorf("backend: CheckExtension(NR_MEMSLOTS): no slots reported")
	}

	b.maxSlots = uint32(slots)
	b.tid = unix.Gettid()
	b.state = Armed

	return nil
}

// LoadGuest copies the guest register block into the control structure,
// moving Armed->Ready or Exited/Reverting->Ready.
func (b *kvmBackend) LoadGuest(regs kvmsys.Regs, sregs kvmsys.Sregs) error {
	switch b.state {
	case Armed, Exited, Reverting:
	default:
		return fmt.Errorf("%w: %s -> Ready", ErrBadTransition, b.state)
	}

	if err := kvmsys.SetSregs(b.vcpuFd, sregs); err != nil {
		return fmt.Errorf("backend: SetSregs: %w", err)
	}

	if err := kvmsys.SetRegs(b.vcpuFd, regs); err != nil {
		return fmt.Errorf("backend: SetRegs: %w", err)
	}

	b.state = Ready

	return nil
}

// Run performs one world switch and returns on exit with a normalised
// reason. When ctx carries a deadline, a timer delivers SIGALRM to this
// goroutine's OS thread (captured at Initialize time via unix.Gettid,
// which requires the caller to have already called runtime.LockOSThread;
// see internal/campaign) to interrupt a guest stuck in a loop. KVM
// reports the resulting EINTR as KVM_EXIT_INTR, which this method maps to
// PreemptionTimer.
func (b *kvmBackend) Run(ctx context.Context) (NormalisedExit, error) {
	if b.state != Ready {
		return NormalisedExit{}, fmt.Errorf("%w: Run", errNotReady)
	}

	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d < 0 {
			d = 0
		}

		tid := b.tid
		pid := os.Getpid()
		timer := time.AfterFunc(d, func() {
			_ = unix.Tgkill(pid, tid, unix.SIGALRM)
		})

		defer timer.Stop()
	}

	runErr := kvmsys.Run(b.vcpuFd)

	reason := b.run.ExitReason

	switch {
	case reason == kvmsys.ExitIntr, errors.Is(runErr, syscall.EINTR):
		b.state = Exited

		return NormalisedExit{Kind: ExitPreemptionTimer}, nil

	case reason == kvmsys.ExitMMIO:
		gpa, data, isWrite := b.run.MMIO()

		regs, _ := kvmsys.GetRegs(b.vcpuFd)
		b.state = Exited

		return NormalisedExit{
			Kind: ExitNestedPageFault, GPA: gpa, IsWrite: isWrite, AccessLen: len(data), RIP: regs.RIP,
		}, nil

	case reason == kvmsys.ExitException:
		vector, errCode := b.run.Exception()

		regs, _ := kvmsys.GetRegs(b.vcpuFd)
		b.state = Exited

		return NormalisedExit{
			Kind: ExitException, Vector: vector, ErrorCode: errCode, RIP: regs.RIP,
		}, nil

	case reason == kvmsys.ExitFailEntry, reason == kvmsys.ExitInternalError:
		b.state = Down

		return NormalisedExit{
			Kind: ExitFatal, Detail: fmt.Sprintf("exit reason %d", reason),
		}, nil

	default:
		b.state = Down

		err := runErr
		if err == nil {
			err = fmt.Errorf("%w: %d", kvmsys.ErrUnexpectedExit, reason)
		}

		return NormalisedExit{Kind: ExitFatal, Detail: fmt.Sprintf("exit reason %d", reason)}, err
	}
}

// Resume re-arms the vcpu after an exit has been handled. KVM preserves
// guest registers across KVM_RUN, so no state is written; the next Run
// re-executes (or, for a completed read fault, finishes) the faulting
// instruction.
func (b *kvmBackend) Resume() error {
	if err := transition(b.state, Ready); err != nil {
		return err
	}

	b.state = Ready

	return nil
}

// BeginRevert marks the iteration boundary. The caller drives the nested
// paging manager's Revert while in this state, then LoadGuest moves the
// vcpu back to Ready for the next iteration.
func (b *kvmBackend) BeginRevert() error {
	if err := transition(b.state, Reverting); err != nil {
		return err
	}

	b.state = Reverting

	return nil
}

// CompleteMMIORead fills in the bytes that satisfy the read access behind
// the most recent nested-page-fault exit.
func (b *kvmBackend) CompleteMMIORead(data []byte) error {
	if b.state != Exited {
		return fmt.Errorf("%w: CompleteMMIORead in %s", ErrBadTransition, b.state)
	}

	b.run.SetMMIOReadData(data)

	return nil
}

func (b *kvmBackend) MaxSlots() uint32 { return b.maxSlots }

// InjectEvent is unused; snapfuzz never needs to inject a synthetic event
// into a guest it fully controls via register/memory replay.
func (b *kvmBackend) InjectEvent(EventKind) error {
	return fmt.Errorf("backend: InjectEvent: %w", errors.New("not supported"))
}

func (b *kvmBackend) VMFd() uintptr { return b.vmFd }

// Close unmaps the kvm_run page. The vcpu/vm/kvm file descriptors are
// left for the process's normal fd cleanup at exit.
func (b *kvmBackend) Close() error {
	if b.runMem == nil {
		return nil
	}

	return syscall.Munmap(b.runMem)
}
