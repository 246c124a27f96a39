package snapshot

import "github.com/snapfuzz/snapfuzz/internal/kvmsys"

// RegisterBlock is the fixed-offset metadata frame trailing a snapshot
// file's guest-physical frames. Field order is the wire format: changing
// it changes the file format.
type RegisterBlock struct {
	GPRs   [16]uint64 // RAX,RBX,RCX,RDX,RSI,RDI,RSP,RBP,R8..R15, in that order
	RIP    uint64
	RFLAGS uint64
	CR0    uint64
	CR3    uint64
	CR4    uint64
	EFER   uint64
	CS     kvmsys.Segment
	DS     kvmsys.Segment
	SS     kvmsys.Segment
	ES     kvmsys.Segment
	FS     kvmsys.Segment
	GS     kvmsys.Segment
	TR     kvmsys.Segment
	LDT    kvmsys.Segment
	GDT    kvmsys.Descriptor
	IDT    kvmsys.Descriptor
	_      [3696]byte // reserved tail, pads the block to FrameSize
}

// GPR indices into RegisterBlock.GPRs, matching the wire format's order.
const (
	RAX = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// ToRegs projects the integer GPR file into kvmsys.Regs, the shape the
// virtualization backend's LoadGuest expects.
func (rb RegisterBlock) ToRegs() kvmsys.Regs {
	return kvmsys.Regs{
		RAX: rb.GPRs[RAX], RBX: rb.GPRs[RBX], RCX: rb.GPRs[RCX], RDX: rb.GPRs[RDX],
		RSI: rb.GPRs[RSI], RDI: rb.GPRs[RDI], RSP: rb.GPRs[RSP], RBP: rb.GPRs[RBP],
		R8: rb.GPRs[R8], R9: rb.GPRs[R9], R10: rb.GPRs[R10], R11: rb.GPRs[R11],
		R12: rb.GPRs[R12], R13: rb.GPRs[R13], R14: rb.GPRs[R14], R15: rb.GPRs[R15],
		RIP: rb.RIP, RFLAGS: rb.RFLAGS,
	}
}

// ToSregs projects the control/segment state into kvmsys.Sregs.
func (rb RegisterBlock) ToSregs() kvmsys.Sregs {
	return kvmsys.Sregs{
		CS: rb.CS, DS: rb.DS, ES: rb.ES, FS: rb.FS, GS: rb.GS, SS: rb.SS,
		TR: rb.TR, LDT: rb.LDT, GDT: rb.GDT, IDT: rb.IDT,
		CR0: rb.CR0, CR3: rb.CR3, CR4: rb.CR4, EFER: rb.EFER,
	}
}
