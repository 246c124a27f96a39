package report_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/report"
)

func TestWarnRecordFields(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	sink := report.NewSink(out)

	sink.Warn(report.Record{
		VM:          3,
		CorpusID:    "seed-7",
		MutationPos: 42,
		Cause:       report.CauseGeneralProtection,
		GPA:         0x1000,
		RIP:         0x1005,
		InstBytes:   []byte{0xC3},
		RecentCoverage: []uint64{
			0x10, 0x20,
		},
	})

	got := out.String()

	for _, want := range []string{
		"WARN", "vm=3", "cause=GeneralProtection", "corpus=seed-7",
		"pos=42", "gpa=0x1000", "rip=0x1005", "ret", "recent=0x10,0x20",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("record missing %q: %q", want, got)
		}
	}
}

func TestDisasmDecodesAndTolerarateGarbage(t *testing.T) {
	t.Parallel()

	// GNU syntax spells a 64-bit near return with its operand-size suffix.
	if got := report.Disasm([]byte{0xC3}, 0x100); got != "retq" {
		t.Errorf("have: %q, want: retq", got)
	}

	// nop
	if got := report.Disasm([]byte{0x90}, 0); got != "nop" {
		t.Errorf("have: %q, want: nop", got)
	}

	if got := report.Disasm(nil, 0); got != "?" {
		t.Errorf("have: %q, want: ? for empty bytes", got)
	}
}

func TestCoverageRecordShape(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	sink := report.NewSink(out)

	sink.Coverage(1, 0x4010, 0x4020)

	got := out.String()
	if !strings.HasPrefix(got, "COVERAGE: ") {
		t.Fatalf("missing COVERAGE: prefix: %q", got)
	}

	if !strings.Contains(got, "0x4010") || !strings.Contains(got, "0x4020") {
		t.Fatalf("missing GPAs: %q", got)
	}

	out.Reset()
	sink.Coverage(1)

	if out.Len() != 0 {
		t.Fatalf("empty coverage must emit nothing: %q", out.String())
	}
}

func TestStatsRowIsCSV(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	sink := report.NewSink(out)

	sink.Stats(report.Stats{
		Time:       1500 * time.Millisecond,
		Iteration:  100,
		DirtyPages: 7,
		NewBB:      2,
		TotalTicks: 1500,
		GuestTicks: 900,
		VMExits:    450,
	})

	got := strings.TrimSpace(out.String())
	want := "1500,100,7,2,1500,900,450"

	if got != want {
		t.Fatalf("have: %q, want: %q", got, want)
	}
}

func TestCauseBugClassification(t *testing.T) {
	t.Parallel()

	bugs := []report.Cause{
		report.CauseUnmappedGuestMemory,
		report.CauseUnexpectedBreakpoint,
		report.CauseUndefinedOpcode,
		report.CauseGeneralProtection,
		report.CausePageFault,
		report.CauseFatalVMEntry,
	}

	for _, c := range bugs {
		if !c.Bug() {
			t.Errorf("%s must classify as a bug", c)
		}
	}

	for _, c := range []report.Cause{report.CauseHangDetected, report.CauseDirtyPoolExhausted} {
		if c.Bug() {
			t.Errorf("%s must not classify as a bug", c)
		}
	}
}
