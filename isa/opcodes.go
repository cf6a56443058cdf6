// Package isa defines the IHVM instruction encoding: the 7-bit opcode
// space, the operand-shape families that determine how the remaining bits
// of the 32-bit instruction word (and any trailing immediate bytes) are
// carved up, and the pure decoder (C1). Opcodes are numbered
// consecutively from 0 (nop) to 14 (panic) in the order of doc.go's
// table; operand shape does not determine the numbering (nop, loop.end
// and halt share a shape but are 0, 8 and 12).
package isa

// Op identifies a decoded instruction's opcode. The spec's own opcode
// table repeats 0000000 for nop, send, copy, length_of, halt, debug_log
// and panic — a documentation defect called out in spec.md §9 — so this
// table assigns fresh, disjoint values instead and this file is the ABI
// note the spec asks implementers to publish.
type Op byte

const (
	OpNop Op = iota
	OpMove
	OpLoad
	OpStore
	OpLoadImm
	OpArith
	OpBranch
	OpLoopBegin
	OpLoopEnd
	OpSend
	OpCopy
	OpLengthOf
	OpHalt
	OpDebugLog
	OpPanic
	opCount
)

var opNames = [opCount]string{
	OpNop:       "nop",
	OpMove:      "move",
	OpLoad:      "load",
	OpStore:     "store",
	OpLoadImm:   "load_imm",
	OpArith:     "arith",
	OpBranch:    "branch",
	OpLoopBegin: "loop",
	OpLoopEnd:   "loop.end",
	OpSend:      "send",
	OpCopy:      "copy",
	OpLengthOf:  "length_of",
	OpHalt:      "halt",
	OpDebugLog:  "debug_log",
	OpPanic:     "panic",
}

func (o Op) String() string {
	if o < opCount {
		return opNames[o]
	}
	return "invalid"
}

// Valid reports whether the byte value names a real opcode.
func Valid(b byte) bool { return Op(b) < opCount }

// ArithVariant enumerates the arith/compare instruction's 9-bit variant
// field (spec.md §4.4).
type ArithVariant byte

const (
	ArithAdd ArithVariant = iota
	ArithSub
	ArithMul
	ArithDivU
	ArithModU
	ArithAnd
	ArithOr
	ArithXor
	ArithInvert
	ArithShiftLeft
	ArithShiftRight
	ArithArithShiftRight
	arithVariantCount
)

func (v ArithVariant) Valid() bool { return v < arithVariantCount }

// BranchTest enumerates the branch instruction's 3-bit test-kind field.
// One value (7) is reserved: Decode rejects it, so a program encoding it
// fails verification with DecodeFailure.
type BranchTest byte

const (
	BranchAlways BranchTest = iota
	BranchEqZero
	BranchNeZero
	BranchLtZero
	BranchGtZero
	BranchLeZero
	BranchGeZero
	branchTestCount
)

func (t BranchTest) Valid() bool { return t < branchTestCount }

// LoadImmWidth enumerates the load-imm instruction's width field.
type LoadImmWidth byte

const (
	LoadImmWidth16 LoadImmWidth = iota
	LoadImmWidth32
	LoadImmWidth48
	LoadImmWidth64
)

// TrailingBytes returns how many bytes beyond the 32-bit instruction word
// this width consumes.
func (w LoadImmWidth) TrailingBytes() int {
	switch w {
	case LoadImmWidth16:
		return 0
	case LoadImmWidth32:
		return 4
	case LoadImmWidth48:
		return 4 // high two bytes live in the instruction word itself
	case LoadImmWidth64:
		return 8
	default:
		return 0
	}
}

// EncodedLength returns the total instruction length in bytes, including
// the base 4-byte word.
func (w LoadImmWidth) EncodedLength() int { return 4 + w.TrailingBytes() }

// Region indices. 0 is the kernel-owned scratch region; 1..7 are
// driver-supplied.
const (
	RegionScratch = 0
	MaxRegion     = 7
	NumRegions    = MaxRegion + 1
)

// NumRegisters is the size of the IHVM register file (A0..A15).
const NumRegisters = 16
