package isa

// Encode serializes inst back into its wire form. It is the inverse of
// Decode and exists primarily so tests can assert
// Decode(Encode(op)) == op, and so cmd/ihvmctl's assembler has something to
// call. Encode does not validate register ranges or reserved-bit policy —
// that is the verifier's job; Encode trusts its caller the way a real
// assembler trusts its own code generator.
func Encode(inst Instruction) []byte {
	setBits := func(word *uint32, hi, lo int, v uint32) {
		width := uint(hi - lo + 1)
		mask := uint32(1)<<width - 1
		*word |= (v & mask) << uint(lo)
	}
	boolBit := func(b bool) uint32 {
		if b {
			return 1
		}
		return 0
	}

	var word uint32
	setBits(&word, 6, 0, uint32(inst.Op))

	switch inst.Op {
	case OpNop, OpHalt, OpLoopEnd:

	case OpMove:
		setBits(&word, 31, 28, uint32(inst.Src))
		setBits(&word, 27, 24, uint32(inst.Dst))

	case OpLoad, OpStore:
		setBits(&word, 8, 8, boolBit(inst.Indexed))
		setBits(&word, 15, 9, uint32(inst.Stride))
		setBits(&word, 18, 16, uint32(inst.Region))
		setBits(&word, 23, 19, uint32(inst.IndexReg))
		setBits(&word, 27, 24, uint32(inst.BaseReg))
		setBits(&word, 31, 28, uint32(inst.DataReg))

	case OpLoadImm:
		variant := uint32(inst.ImmWidth) & 0x3
		if inst.ImmZeroRemaining {
			variant |= 0x4
		}
		setBits(&word, 11, 8, variant)
		setBits(&word, 15, 12, uint32(inst.Dst))
		trailing := inst.ImmWidth.TrailingBytes()
		switch inst.ImmWidth {
		case LoadImmWidth16:
			setBits(&word, 31, 16, uint32(inst.ImmValue))
			return encodeWord(word)
		case LoadImmWidth32:
			buf := encodeWord(word)
			return append(buf, leBytes(uint32(inst.ImmValue), 4)...)
		case LoadImmWidth48:
			setBits(&word, 31, 16, uint32(inst.ImmValue>>32))
			buf := encodeWord(word)
			return append(buf, leBytes(uint32(inst.ImmValue), 4)...)
		case LoadImmWidth64:
			buf := encodeWord(word)
			buf = append(buf, leBytes(uint32(inst.ImmValue), 4)...)
			buf = append(buf, leBytes(uint32(inst.ImmValue>>32), 4)...)
			return buf
		}
		_ = trailing

	case OpArith:
		setBits(&word, 31, 28, uint32(inst.A))
		setBits(&word, 27, 24, uint32(inst.B))
		setBits(&word, 23, 19, uint32(inst.X))
		setBits(&word, 18, 10, uint32(inst.Arith))

	case OpBranch:
		setBits(&word, 9, 7, uint32(inst.BranchKind))
		setBits(&word, 14, 10, uint32(inst.BranchTestReg))
		setBits(&word, 31, 15, inst.BranchOffset)

	case OpLoopBegin:
		setBits(&word, 27, 24, uint32(inst.CountReg))

	case OpSend:
		setBits(&word, 13, 10, uint32(inst.OutReg))
		setBits(&word, 16, 14, uint32(inst.Region))
		setBits(&word, 27, 24, uint32(inst.OffsetReg))
		setBits(&word, 31, 28, uint32(inst.LengthReg))

	case OpCopy:
		setBits(&word, 15, 13, uint32(inst.Region))
		setBits(&word, 18, 16, uint32(inst.Region2))
		setBits(&word, 23, 19, uint32(inst.SrcOffReg))
		setBits(&word, 27, 24, uint32(inst.DstOffReg))
		setBits(&word, 31, 28, uint32(inst.LengthReg))

	case OpLengthOf:
		setBits(&word, 27, 25, uint32(inst.Region))
		setBits(&word, 31, 28, uint32(inst.OutReg))

	case OpDebugLog, OpPanic:
		setBits(&word, 31, 9, inst.Tag)
	}

	return encodeWord(word)
}

func encodeWord(w uint32) []byte {
	return leBytes(w, 4)
}

func leBytes(v uint32, n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(v >> uint(8*i))
	}
	return buf
}
