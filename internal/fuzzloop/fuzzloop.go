// Package fuzzloop drives one VM's fuzzing iterations: inject -> run ->
// classify exit -> revert -> advance input. A Loop owns its VM's backend,
// nested paging manager, mutation cursor and bookkeeping exclusively; the
// corpus, coverage set and log sink are the only shared pieces it
// touches, each behind its own mutex.
package fuzzloop

import (
	"context"
	"fmt"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/mutator"
	"github.com/snapfuzz/snapfuzz/internal/nested"
	"github.com/snapfuzz/snapfuzz/internal/patch"
	"github.com/snapfuzz/snapfuzz/internal/report"
	"github.com/snapfuzz/snapfuzz/internal/snapshot"
	"golang.org/x/sys/unix"
)

// recentCoverageDepth bounds the stack of recent coverage additions
// attached to bug records.
const recentCoverageDepth = 8

// maxInstBytes is the longest x86 instruction encoding; Peek'd at RIP for
// bug-record disassembly.
const maxInstBytes = 15

// Outcome classifies one completed iteration.
type Outcome int

const (
	// OutcomeComplete means the guest reached the end-marker #UD: the
	// target parsed the input and returned normally.
	OutcomeComplete Outcome = iota
	// OutcomeBug means a bug record was emitted and the iteration ended.
	OutcomeBug
	// OutcomeHang means the preemption deadline fired.
	OutcomeHang
	// OutcomeCapacity means the dirty pool ran out; not a bug.
	OutcomeCapacity
	// OutcomeDown means the backend hit a fatal entry failure and this VM
	// will not run again.
	OutcomeDown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "Complete"
	case OutcomeBug:
		return "Bug"
	case OutcomeHang:
		return "Hang"
	case OutcomeCapacity:
		return "Capacity"
	case OutcomeDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// Config carries the per-VM knobs the campaign resolves from its CLI.
type Config struct {
	VM          int
	InputGPA    uint64
	InputSize   int
	IterTimeout time.Duration
	// StatsEvery emits one statistics row per that many iterations;
	// 0 disables the rows.
	StatsEvery uint64
}

// Loop drives one VM. Not safe for concurrent use; exactly one goroutine
// owns a Loop for its lifetime.
type Loop struct {
	cfg Config

	be      backend.Backend
	mgr     *nested.Manager
	snap    *snapshot.Store
	patches *patch.Table
	corp    *corpus.Corpus
	strat   mutator.Strategy
	cov     *coverage.Set
	sink    *report.Sink

	inputMem []byte

	curID     string
	curBase   []byte
	rotate    bool
	iter      uint64
	start     time.Time
	recent    []uint64
	novel     []uint64 // novelties of the current iteration
	vmexits   uint64
	guestDur  time.Duration
	windowBB  int
	lastDirty int
}

// New builds the Loop for one armed VM: it allocates the pinned input
// pages and installs them into the nested paging tree at cfg.InputGPA.
// The backend must already be Armed (Enable+Initialize done on the
// owning, OS-locked thread).
func New(cfg Config, be backend.Backend, mgr *nested.Manager, snap *snapshot.Store,
	patches *patch.Table, corp *corpus.Corpus, strat mutator.Strategy,
	cov *coverage.Set, sink *report.Sink,
) (*Loop, error) {
	if cfg.InputSize%snapshot.FrameSize != 0 || cfg.InputSize == 0 {
		return nil, fmt.Errorf("fuzzloop: input size %d is not a whole number of frames", cfg.InputSize)
	}

	mem, err := unix.Mmap(-1, 0, cfg.InputSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("fuzzloop: mmap input pages: %w", err)
	}

	if err := mgr.InstallInputMapping(cfg.InputGPA, mem); err != nil {
		unix.Munmap(mem)

		return nil, fmt.Errorf("fuzzloop: install input mapping: %w", err)
	}

	return &Loop{
		cfg:      cfg,
		be:       be,
		mgr:      mgr,
		snap:     snap,
		patches:  patches,
		corp:     corp,
		strat:    strat,
		cov:      cov,
		sink:     sink,
		inputMem: mem,
		start:    time.Now(),
	}, nil
}

// Close releases the input pages.
func (l *Loop) Close() error {
	return unix.Munmap(l.inputMem)
}

// Run iterates until the VM goes Down or ctx is cancelled. The caller's
// goroutine must hold runtime.LockOSThread for the whole call: the
// backend's vcpu ioctls and its preemption-deadline signal both target
// the thread captured at Initialize.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		outcome, err := l.RunOne(ctx)
		if err != nil {
			return err
		}

		if outcome == OutcomeDown {
			return nil
		}
	}
}

// RunOne executes one full iteration.
func (l *Loop) RunOne(ctx context.Context) (Outcome, error) {
	l.iter++
	l.novel = l.novel[:0]

	// Step 1: advance the input.
	if l.curBase == nil || l.rotate {
		l.curID, l.curBase = l.corp.Checkout()
		l.rotate = false
	}

	mutated := l.strat.Next(l.curBase)
	l.rotate = l.strat.Rollover()

	n := copy(l.inputMem, mutated)
	for i := n; i < len(l.inputMem); i++ {
		l.inputMem[i] = 0
	}

	// Step 2: reset guest registers from the snapshot.
	regs := l.snap.Registers()
	if err := l.be.LoadGuest(regs.ToRegs(), regs.ToSregs()); err != nil {
		return OutcomeDown, fmt.Errorf("fuzzloop: LoadGuest: %w", err)
	}

	// Step 3: run to a terminator event.
	outcome, err := l.runUntilTerminator(ctx)
	if err != nil {
		return outcome, err
	}

	// Step 4: novel coverage keeps the mutated input.
	if len(l.novel) > 0 {
		l.windowBB += len(l.novel)
		l.corp.Submit(fmt.Sprintf("%s+%d", l.curID, l.strat.Pos()), mutated)
	}

	// Step 5: revert.
	l.lastDirty = l.mgr.DirtyLen()

	if outcome != OutcomeDown {
		if err := l.be.BeginRevert(); err != nil {
			return OutcomeDown, fmt.Errorf("fuzzloop: BeginRevert: %w", err)
		}

		if err := l.mgr.Revert(); err != nil {
			return OutcomeDown, fmt.Errorf("fuzzloop: Revert: %w", err)
		}
	}

	l.maybeEmitStats()

	return outcome, nil
}

func (l *Loop) runUntilTerminator(ctx context.Context) (Outcome, error) {
	runCtx := ctx

	if l.cfg.IterTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.cfg.IterTimeout)

		defer cancel()
	}

	for {
		enter := time.Now()
		exit, err := l.be.Run(runCtx)
		l.guestDur += time.Since(enter)
		l.vmexits++

		if err != nil {
			l.warn(report.CauseFatalVMEntry, exit.GPA, exit.RIP)

			return OutcomeDown, nil
		}

		switch exit.Kind {
		case backend.ExitNestedPageFault:
			outcome, done, err := l.onNestedPageFault(exit)
			if err != nil || done {
				return outcome, err
			}

		case backend.ExitException:
			outcome, done, err := l.onException(exit)
			if err != nil || done {
				return outcome, err
			}

		case backend.ExitPreemptionTimer:
			l.warn(report.CauseHangDetected, 0, exit.RIP)

			return OutcomeHang, nil

		case backend.ExitFatal:
			l.warn(report.CauseFatalVMEntry, 0, exit.RIP)

			return OutcomeDown, nil
		}
	}
}

// onNestedPageFault dispatches a nested page fault to the paging manager.
// done=false means the fault was resolved and the guest should re-enter.
func (l *Loop) onNestedPageFault(exit backend.NormalisedExit) (Outcome, bool, error) {
	outcome, err := l.mgr.HandleFault(exit.GPA, exit.IsWrite)
	if err != nil {
		// Slot budget exhaustion and ioctl failures are not per-iteration
		// conditions; treat like a fatal backend failure.
		l.warn(report.CauseFatalVMEntry, exit.GPA, exit.RIP)

		return OutcomeDown, true, nil
	}

	switch outcome {
	case nested.FaultOutcomeUnmappedGuestMemory:
		l.warn(report.CauseUnmappedGuestMemory, exit.GPA, exit.RIP)

		return OutcomeBug, true, nil

	case nested.FaultOutcomeDirtyPoolExhausted:
		l.warn(report.CauseDirtyPoolExhausted, exit.GPA, exit.RIP)

		return OutcomeCapacity, true, nil
	}

	if !exit.IsWrite {
		// The faulting read is in flight; hand it the freshly-resolved
		// bytes so the guest completes it on re-entry.
		data, err := l.mgr.Peek(exit.GPA, exit.AccessLen)
		if err != nil {
			return OutcomeDown, true, fmt.Errorf("fuzzloop: peek after read fault: %w", err)
		}

		if err := l.be.CompleteMMIORead(data); err != nil {
			return OutcomeDown, true, fmt.Errorf("fuzzloop: CompleteMMIORead: %w", err)
		}
	}

	if err := l.be.Resume(); err != nil {
		return OutcomeDown, true, fmt.Errorf("fuzzloop: Resume: %w", err)
	}

	return OutcomeComplete, false, nil
}

// onException classifies an exception exit. The guest runs with identity
// VA->GPA, so the reported RIP is also the guest-physical address of the
// faulting instruction.
func (l *Loop) onException(exit backend.NormalisedExit) (Outcome, bool, error) {
	switch exit.Vector {
	case backend.VectorBreakpoint:
		return l.onBreakpoint(exit)

	case backend.VectorUndefinedOpcode:
		if l.patches.KindAt(exit.RIP) == patch.EndMarker {
			return OutcomeComplete, true, nil
		}

		l.warn(report.CauseUndefinedOpcode, exit.RIP, exit.RIP)

		return OutcomeBug, true, nil

	case backend.VectorGeneralProtection:
		l.warn(report.CauseGeneralProtection, exit.GPA, exit.RIP)

		return OutcomeBug, true, nil

	case backend.VectorPageFault:
		l.warn(report.CausePageFault, exit.GPA, exit.RIP)

		return OutcomeBug, true, nil

	default:
		l.warn(report.CauseUnexpectedException, exit.GPA, exit.RIP)

		return OutcomeBug, true, nil
	}
}

// onBreakpoint resolves a #BP exit against the coverage tracker, then
// removes the one-shot breakpoint from the page this VM currently sees:
// a forced write fault lands the edit in a private COW frame, never the
// shared snapshot.
func (l *Loop) onBreakpoint(exit backend.NormalisedExit) (Outcome, bool, error) {
	action, novelty := l.cov.OnBreakpoint(exit.RIP, l.patches)
	if action == coverage.NotOurs {
		l.warn(report.CauseUnexpectedBreakpoint, exit.RIP, exit.RIP)

		return OutcomeBug, true, nil
	}

	if novelty != nil {
		l.sink.Coverage(l.cfg.VM, novelty.GPA)
		l.novel = append(l.novel, novelty.GPA)

		l.recent = append(l.recent, novelty.GPA)
		if len(l.recent) > recentCoverageDepth {
			l.recent = l.recent[len(l.recent)-recentCoverageDepth:]
		}
	}

	// The original byte is whatever the snapshot holds under the planted
	// breakpoint; the overlay only ever replaced it in guest-visible
	// copies.
	src, ok := l.snap.Frame(exit.RIP / snapshot.FrameSize)
	if !ok {
		l.warn(report.CauseUnmappedGuestMemory, exit.RIP, exit.RIP)

		return OutcomeBug, true, nil
	}

	outcome, err := l.mgr.RemoveBreakpoint(exit.RIP, src[exit.RIP%snapshot.FrameSize])
	if err != nil {
		l.warn(report.CauseFatalVMEntry, exit.RIP, exit.RIP)

		return OutcomeDown, true, nil
	}

	switch outcome {
	case nested.FaultOutcomeUnmappedGuestMemory:
		l.warn(report.CauseUnmappedGuestMemory, exit.RIP, exit.RIP)

		return OutcomeBug, true, nil

	case nested.FaultOutcomeDirtyPoolExhausted:
		l.warn(report.CauseDirtyPoolExhausted, exit.RIP, exit.RIP)

		return OutcomeCapacity, true, nil
	}

	if err := l.be.Resume(); err != nil {
		return OutcomeDown, true, fmt.Errorf("fuzzloop: Resume: %w", err)
	}

	return OutcomeComplete, false, nil
}

func (l *Loop) warn(cause report.Cause, gpa, rip uint64) {
	rec := report.Record{
		VM:          l.cfg.VM,
		CorpusID:    l.curID,
		MutationPos: l.strat.Pos(),
		Cause:       cause,
		GPA:         gpa,
		RIP:         rip,
	}

	if rip != 0 {
		if code, err := l.mgr.Peek(rip, maxInstBytes); err == nil {
			rec.InstBytes = code
		}
	}

	if len(l.recent) > 0 {
		rec.RecentCoverage = append([]uint64(nil), l.recent...)
	}

	l.sink.Warn(rec)
}

func (l *Loop) maybeEmitStats() {
	if l.cfg.StatsEvery == 0 || l.iter%l.cfg.StatsEvery != 0 {
		return
	}

	elapsed := time.Since(l.start)

	l.sink.Stats(report.Stats{
		Time:       elapsed,
		Iteration:  l.iter,
		DirtyPages: l.lastDirty,
		NewBB:      l.windowBB,
		TotalTicks: elapsed.Milliseconds(),
		GuestTicks: l.guestDur.Milliseconds(),
		VMExits:    l.vmexits,
	})

	l.windowBB = 0
}

// Iterations reports how many iterations this loop has started.
func (l *Loop) Iterations() uint64 {
	return l.iter
}
