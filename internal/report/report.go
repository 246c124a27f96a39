// Package report implements bug records and the textual log surface:
// INFO/WARN lines, COVERAGE: records, and the CSV-shaped per-iteration
// statistics row. One mutex serialises every record so the interleaving
// of coverage lines and warnings stays deterministic in the log, the same
// role the terminal write path plays in the multi-vcpu output of a
// booting guest.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/arch/x86/x86asm"
)

// Cause classifies why an iteration aborted.
type Cause int

const (
	CauseUnmappedGuestMemory Cause = iota
	CauseUnexpectedBreakpoint
	CauseUndefinedOpcode
	CauseGeneralProtection
	CausePageFault
	CauseUnexpectedException
	CauseHangDetected
	CauseDirtyPoolExhausted
	CauseFatalVMEntry
)

func (c Cause) String() string {
	switch c {
	case CauseUnmappedGuestMemory:
		return "UnmappedGuestMemory"
	case CauseUnexpectedBreakpoint:
		return "UnexpectedBreakpoint"
	case CauseUndefinedOpcode:
		return "UndefinedOpcodeOutsideEndMarker"
	case CauseGeneralProtection:
		return "GeneralProtection"
	case CausePageFault:
		return "PageFault"
	case CauseUnexpectedException:
		return "UnexpectedException"
	case CauseHangDetected:
		return "HangDetected"
	case CauseDirtyPoolExhausted:
		return "DirtyPoolExhausted"
	case CauseFatalVMEntry:
		return "FatalVmEntryFailure"
	default:
		return "Unknown"
	}
}

// Bug reports whether the cause indicates a target defect, as opposed to
// a capacity or timeout signal the campaign expects to see occasionally.
func (c Cause) Bug() bool {
	switch c {
	case CauseHangDetected, CauseDirtyPoolExhausted:
		return false
	default:
		return true
	}
}

// Record is one per-iteration warning record.
type Record struct {
	VM          int
	CorpusID    string
	MutationPos int
	Cause       Cause
	GPA         uint64
	RIP         uint64
	// InstBytes holds the guest-visible bytes at RIP, when the fuzzing
	// loop could read them; Warn decodes them for the log.
	InstBytes []byte
	// RecentCoverage is the short stack of the VM's most recent coverage
	// additions, newest last.
	RecentCoverage []uint64
}

// Disasm decodes the instruction at the start of code, executing at rip,
// into GNU syntax. Returns "?" when the bytes do not decode; bug records
// stay useful even when the faulting bytes are garbage.
func Disasm(code []byte, rip uint64) string {
	if len(code) == 0 {
		return "?"
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "?"
	}

	return x86asm.GNUSyntax(inst, rip, nil)
}

// Stats is one iteration-statistics row.
type Stats struct {
	Time       time.Duration
	Iteration  uint64
	DirtyPages int
	NewBB      int
	TotalTicks int64
	GuestTicks int64
	VMExits    uint64
}

// Sink is the serialised log surface. Safe for concurrent use from every
// VM goroutine.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink returns a Sink writing to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Infof emits one INFO line.
func (s *Sink) Infof(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "INFO "+format+"\n", args...)
}

// Warn emits one WARN record for an aborting iteration.
func (s *Sink) Warn(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "WARN vm=%d cause=%s corpus=%s pos=%d gpa=0x%x rip=0x%x",
		r.VM, r.Cause, r.CorpusID, r.MutationPos, r.GPA, r.RIP)

	if len(r.InstBytes) > 0 {
		fmt.Fprintf(s.w, " inst=%q", Disasm(r.InstBytes, r.RIP))
	}

	if len(r.RecentCoverage) > 0 {
		parts := make([]string, len(r.RecentCoverage))
		for i, gpa := range r.RecentCoverage {
			parts[i] = fmt.Sprintf("0x%x", gpa)
		}

		fmt.Fprintf(s.w, " recent=%s", strings.Join(parts, ","))
	}

	fmt.Fprintln(s.w)
}

// Coverage emits one COVERAGE: record for newly-hit basic blocks.
func (s *Sink) Coverage(vm int, gpas ...uint64) {
	if len(gpas) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "COVERAGE: vm=%d", vm)

	for _, gpa := range gpas {
		fmt.Fprintf(s.w, " 0x%x", gpa)
	}

	fmt.Fprintln(s.w)
}

// Stats emits one CSV-shaped statistics row:
// (time, iteration, dirty_pages, new_bb, total_ticks, guest_ticks, vmexits).
func (s *Sink) Stats(st Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "%d,%d,%d,%d,%d,%d,%d\n",
		st.Time.Milliseconds(), st.Iteration, st.DirtyPages, st.NewBB,
		st.TotalTicks, st.GuestTicks, st.VMExits)
}
