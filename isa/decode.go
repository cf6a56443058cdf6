package isa

import "fmt"

// DecodeError is returned by Decode for a word that cannot be interpreted
// as any known instruction. It carries the byte offset of the offending
// instruction so the verifier (and any assembler tooling) can report a
// precise location.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("isa: decode failure at offset %d: %s", e.Offset, e.Reason)
}

// Instruction is a decoded IHVM instruction. Only the fields relevant to
// Op are meaningful; the rest are zero. This mirrors the teacher's tagged
// struct with per-family decode helpers rather than one struct per
// opcode — a small enough instruction set that a single flat struct reads
// more clearly than a sum type with fifteen variants.
type Instruction struct {
	Op     Op
	Length int // total encoded length in bytes, including trailing immediate bytes

	// Register operands. Meaning depends on Op; see decode*.go comments.
	Dst, Src       int
	A, B, X        int
	Region, Region2 int
	OffsetReg, LengthReg int
	OutReg, CountReg     int
	SrcOffReg, DstOffReg int
	BaseReg, IndexReg, DataReg int

	Indexed bool
	Stride  uint8

	Arith ArithVariant

	BranchKind    BranchTest
	BranchTestReg int
	BranchOffset  uint32 // forward count, in instructions

	ImmWidth         LoadImmWidth
	ImmZeroRemaining bool
	ImmValue         uint64

	Tag uint32 // debug_log tag / panic code, 23 bits

	// ReservedBits carries whatever bits of the instruction word this
	// opcode's field layout leaves unclaimed, for the verifier's
	// "reserved bit set" check. Never consulted by the decoder itself.
	ReservedBits uint32
}

func bits(word uint32, hi, lo int) uint32 {
	width := uint(hi - lo + 1)
	mask := uint32(1)<<width - 1
	return (word >> uint(lo)) & mask
}

func word32(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
}

// Decode reads one instruction starting at byte offset off of program. It
// never reads outside program's bounds and never panics: truncated or
// unrecognized encodings come back as a *DecodeError.
func Decode(program []byte, off int) (Instruction, error) {
	if off < 0 || off+4 > len(program) {
		return Instruction{}, &DecodeError{off, "truncated instruction word"}
	}
	word := word32(program[off : off+4])
	op := Op(bits(word, 6, 0))
	if !Valid(byte(op)) {
		return Instruction{}, &DecodeError{off, fmt.Sprintf("unknown opcode %d", op)}
	}

	var inst Instruction
	inst.Op = op
	inst.Length = 4

	switch op {
	case OpNop, OpHalt, OpLoopEnd:
		inst.ReservedBits = bits(word, 31, 7)

	case OpMove:
		inst.Src = int(bits(word, 31, 28))
		inst.Dst = int(bits(word, 27, 24))
		inst.ReservedBits = bits(word, 23, 7)

	case OpLoad, OpStore:
		inst.Indexed = bits(word, 8, 8) != 0
		inst.Stride = uint8(bits(word, 15, 9))
		inst.Region = int(bits(word, 18, 16))
		inst.IndexReg = int(bits(word, 23, 19))
		inst.BaseReg = int(bits(word, 27, 24))
		inst.DataReg = int(bits(word, 31, 28))
		inst.ReservedBits = bits(word, 7, 7)

	case OpLoadImm:
		variant := bits(word, 11, 8)
		inst.Dst = int(bits(word, 15, 12))
		inst.ImmWidth = LoadImmWidth(variant & 0x3)
		inst.ImmZeroRemaining = variant&0x4 != 0
		if variant&0x8 != 0 {
			return Instruction{}, &DecodeError{off, "load_imm reserved variant bit set"}
		}
		trailing := inst.ImmWidth.TrailingBytes()
		inst.Length = 4 + trailing
		if off+inst.Length > len(program) {
			return Instruction{}, &DecodeError{off, "load_imm: truncated trailing immediate"}
		}
		switch inst.ImmWidth {
		case LoadImmWidth16:
			inst.ImmValue = uint64(bits(word, 31, 16))
		case LoadImmWidth32:
			inst.ImmValue = uint64(word32(program[off+4 : off+8]))
			inst.ReservedBits = bits(word, 31, 16)
		case LoadImmWidth48:
			hi := uint64(bits(word, 31, 16))
			lo := uint64(word32(program[off+4 : off+8]))
			inst.ImmValue = hi<<32 | lo
		case LoadImmWidth64:
			lo := uint64(word32(program[off+4 : off+8]))
			hi := uint64(word32(program[off+8 : off+12]))
			inst.ImmValue = hi<<32 | lo
			inst.ReservedBits = bits(word, 31, 16)
		}
		inst.ReservedBits |= bits(word, 7, 7)

	case OpArith:
		inst.A = int(bits(word, 31, 28))
		inst.B = int(bits(word, 27, 24))
		inst.X = int(bits(word, 23, 19))
		variant := ArithVariant(bits(word, 18, 10))
		if !variant.Valid() {
			return Instruction{}, &DecodeError{off, fmt.Sprintf("unknown arith variant %d", variant)}
		}
		inst.Arith = variant
		inst.ReservedBits = bits(word, 9, 7)

	case OpBranch:
		kind := BranchTest(bits(word, 9, 7))
		if !kind.Valid() {
			return Instruction{}, &DecodeError{off, fmt.Sprintf("unknown branch test kind %d", kind)}
		}
		inst.BranchKind = kind
		inst.BranchTestReg = int(bits(word, 14, 10))
		inst.BranchOffset = bits(word, 31, 15)

	case OpLoopBegin:
		inst.CountReg = int(bits(word, 27, 24))
		inst.ReservedBits = bits(word, 23, 7) | bits(word, 31, 28)

	case OpSend:
		inst.OutReg = int(bits(word, 13, 10))
		inst.Region = int(bits(word, 16, 14))
		inst.OffsetReg = int(bits(word, 27, 24))
		inst.LengthReg = int(bits(word, 31, 28))
		inst.ReservedBits = bits(word, 9, 7) | bits(word, 23, 17)

	case OpCopy:
		inst.Region = int(bits(word, 15, 13))   // src region
		inst.Region2 = int(bits(word, 18, 16))  // dst region
		inst.SrcOffReg = int(bits(word, 23, 19))
		inst.DstOffReg = int(bits(word, 27, 24))
		inst.LengthReg = int(bits(word, 31, 28))
		inst.ReservedBits = bits(word, 12, 7)

	case OpLengthOf:
		inst.Region = int(bits(word, 27, 25))
		inst.OutReg = int(bits(word, 31, 28))
		inst.ReservedBits = bits(word, 24, 7)

	case OpDebugLog, OpPanic:
		inst.Tag = bits(word, 31, 9)
		inst.ReservedBits = bits(word, 8, 7)

	default:
		return Instruction{}, &DecodeError{off, fmt.Sprintf("unhandled opcode %d", op)}
	}

	return inst, nil
}
