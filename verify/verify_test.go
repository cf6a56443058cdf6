package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cavern-os/ihvm/isa"
)

func encodeAll(insts ...isa.Instruction) []byte {
	var out []byte
	for _, inst := range insts {
		out = append(out, isa.Encode(inst)...)
	}
	return out
}

func TestVerifyHaltImmediately(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpHalt})
	res, err := Verify(program, RegionShape{}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.UpperBound)
	require.Equal(t, []int{0}, res.Boundaries)
}

func TestVerifyRejectsReservedBit(t *testing.T) {
	program := []byte{0x00, 0x00, 0x00, 0x80} // nop with a reserved bit set
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReservedBitSet, verr.Kind)
}

func setWordBit(program []byte, wordOffset, bit int) {
	byteIndex := wordOffset + bit/8
	program[byteIndex] |= 1 << uint(bit%8)
}

func TestVerifyRejectsReservedBitInSend(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpSend, Region: 1, OffsetReg: 0, LengthReg: 1, OutReg: 2})
	setWordBit(program, 0, 19) // reserved gap between region[16:14] and offset_reg[27:24]
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReservedBitSet, verr.Kind)
}

func TestVerifyRejectsReservedBitInLoopBegin(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpLoopBegin, CountReg: 0}, isa.Instruction{Op: isa.OpLoopEnd})
	setWordBit(program, 0, 31) // reserved bit past count_reg[27:24]
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReservedBitSet, verr.Kind)
}

func TestVerifyRejectsBadRegion(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpLengthOf, Region: 3, OutReg: 1})
	_, err := Verify(program, RegionShape{}, 1000) // region 3 not present
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, BadRegion, verr.Kind)
}

func TestVerifyRejectsZeroOffsetBranch(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpBranch, BranchKind: isa.BranchAlways, BranchOffset: 0})
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, BackwardBranch, verr.Kind)
}

func TestVerifyRejectsOutOfBoundsBranch(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpBranch, BranchKind: isa.BranchAlways, BranchOffset: 5},
		isa.Instruction{Op: isa.OpHalt},
	)
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, OutOfBoundsBranch, verr.Kind)
}

func TestVerifyForwardBranchOK(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 1},
		isa.Instruction{Op: isa.OpBranch, BranchKind: isa.BranchNeZero, BranchTestReg: 0, BranchOffset: 2},
		isa.Instruction{Op: isa.OpPanic, Tag: 0xAAAAAA & 0x7FFFFF},
		isa.Instruction{Op: isa.OpHalt},
	)
	res, err := Verify(program, RegionShape{}, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(4), res.UpperBound)
}

func TestVerifyRejectsUnmatchedLoop(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpLoopBegin, CountReg: 1})
	_, err := Verify(program, RegionShape{}, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, UnmatchedLoop, verr.Kind)
}

func TestVerifyRejectsExcessNesting(t *testing.T) {
	var insts []isa.Instruction
	for i := 0; i <= MaxLoopDepth; i++ {
		insts = append(insts, isa.Instruction{Op: isa.OpLoopBegin, CountReg: 1})
	}
	for i := 0; i <= MaxLoopDepth; i++ {
		insts = append(insts, isa.Instruction{Op: isa.OpLoopEnd})
	}
	_, err := Verify(encodeAll(insts...), RegionShape{}, 1000000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, NestingTooDeep, verr.Kind)
}

func TestVerifyLoopBudgetedAtCeiling(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoopBegin, CountReg: 0},
		isa.Instruction{Op: isa.OpNop},
		isa.Instruction{Op: isa.OpLoopEnd},
		isa.Instruction{Op: isa.OpHalt},
	)
	res, err := Verify(program, RegionShape{}, 50)
	require.NoError(t, err)
	require.Equal(t, uint64(50), res.UpperBound)
}

func TestVerifyRejectsCycleBudgetExceeded(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpNop},
		isa.Instruction{Op: isa.OpNop},
		isa.Instruction{Op: isa.OpNop},
	)
	_, err := Verify(program, RegionShape{}, 2)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, CycleBudgetExceeded, verr.Kind)
}

func TestVerifyIdempotent(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 3, ImmWidth: isa.LoadImmWidth64, ImmValue: 0xDEADBEEFCAFEF00D},
		isa.Instruction{Op: isa.OpHalt},
	)
	r1, err1 := Verify(program, RegionShape{}, 1000)
	r2, err2 := Verify(program, RegionShape{}, 1000)
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, r1, r2)
}

func TestVerifyCachedReturnsSameResult(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpHalt})
	shape := RegionShape{}
	r1, err := VerifyCached(program, shape, 1000)
	require.NoError(t, err)
	r2, err := VerifyCached(program, shape, 1000)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

// A store naming a present but read-only region verifies successfully:
// spec.md §7 defines BadRegion as an absent index, not an access-mode
// mismatch. The mismatch itself is a runtime ACCESS_VIOLATION, per C3
// step 3 (region.TestWriteToReadOnlyRegionFaults exercises that path).
func TestVerifyAllowsStoreToReadOnlyRegionStatically(t *testing.T) {
	shape := RegionShape{}
	shape.Present[1] = true
	shape.Mode[1] = 0 // read-only
	program := encodeAll(isa.Instruction{Op: isa.OpStore, Region: 1, BaseReg: 0, DataReg: 1})
	_, err := Verify(program, shape, 1000)
	require.NoError(t, err)
}

func TestVerifyRejectsBadRegister(t *testing.T) {
	// index_reg is a 5-bit field but only registers 0..15 exist; 16 is
	// in-field but out of range.
	program := encodeAll(isa.Instruction{Op: isa.OpLoad, Region: 1, IndexReg: 16, BaseReg: 0, DataReg: 0})
	shape := RegionShape{}
	shape.Present[1] = true
	shape.Mode[1] = 1
	_, err := Verify(program, shape, 1000)
	require.Error(t, err)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, BadRegister, verr.Kind)
}
