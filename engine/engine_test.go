package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cavern-os/ihvm/hostbridge"
	"github.com/cavern-os/ihvm/isa"
	"github.com/cavern-os/ihvm/region"
)

func encodeAll(insts ...isa.Instruction) []byte {
	var out []byte
	for _, inst := range insts {
		out = append(out, isa.Encode(inst)...)
	}
	return out
}

func newTestEngine(t *testing.T, program []byte, maxCycles uint64) (*Engine, *region.Table, *hostbridge.Simulated) {
	t.Helper()
	regions := &region.Table{}
	require.NoError(t, regions.Bind(isa.RegionScratch, &region.Binding{Bytes: make([]byte, 64), Mode: region.ReadWrite}))
	bridge := hostbridge.NewSimulated()
	return New(1, 42, program, regions, maxCycles, bridge), regions, bridge
}

// Scenario 1: halt immediately.
func TestScenarioHaltImmediately(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpHalt})
	eng, _, bridge := newTestEngine(t, program, 1000)
	bridge.Attach(eng.DriverPID, 4)

	state := eng.Run()
	require.Equal(t, Halted, state)
	require.Equal(t, uint64(1000-1), 1000-eng.Cycle)
	_, ok := bridge.Receive(eng.DriverPID)
	require.False(t, ok)
}

// Scenario 2: load-immediate then halt.
func TestScenarioLoadImmediateThenHalt(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 3, ImmWidth: isa.LoadImmWidth64, ImmValue: 0xDEADBEEFCAFEF00D, ImmZeroRemaining: true},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)

	state := eng.Run()
	require.Equal(t, Halted, state)
	require.Equal(t, uint64(0xDEADBEEFCAFEF00D), eng.Registers[3])
	for i, r := range eng.Registers {
		if i == 3 {
			continue
		}
		require.Zero(t, r)
	}
}

// Scenario 3: divide by zero.
func TestScenarioDivideByZero(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 10},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 0},
		isa.Instruction{Op: isa.OpArith, Arith: isa.ArithDivU, A: 0, B: 1, X: 2},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)

	state := eng.Run()
	require.Equal(t, Panicked, state)
	require.Equal(t, PanicDivByZero, eng.PanicCode())
}

// Scenario 4: forward branch not taken when condition fails, taken here
// since A0 != 0 skips the panic instruction.
func TestScenarioForwardBranch(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 1},
		isa.Instruction{Op: isa.OpBranch, BranchKind: isa.BranchNeZero, BranchTestReg: 0, BranchOffset: 2},
		isa.Instruction{Op: isa.OpPanic, Tag: 0xAAAAAA & 0x7FFFFF},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)

	state := eng.Run()
	require.Equal(t, Halted, state)
}

// Scenario 5: bounded loop copy, four iterations of an 8-byte constant
// from S into successive 8-byte windows of R1.
func TestScenarioBoundedLoopCopy(t *testing.T) {
	program := encodeAll(
		// A0 = 4 (loop count), A1 = 0 (src offset in S, constant lives at S[0:8]),
		// A2 = 0 (dst offset in R1, advances by A4=8 each iteration).
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 4},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 0},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 2, ImmWidth: isa.LoadImmWidth16, ImmValue: 0},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 4, ImmWidth: isa.LoadImmWidth16, ImmValue: 8},
		isa.Instruction{Op: isa.OpLoopBegin, CountReg: 0},
		isa.Instruction{Op: isa.OpCopy, Region: isa.RegionScratch, Region2: 1, SrcOffReg: 1, DstOffReg: 2, LengthReg: 4},
		isa.Instruction{Op: isa.OpArith, Arith: isa.ArithAdd, A: 2, B: 4, X: 2},
		isa.Instruction{Op: isa.OpLoopEnd},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, regions, _ := newTestEngine(t, program, 1000)
	const constant = uint64(0x0102030405060708)
	copy(regions.Binding(isa.RegionScratch).Bytes[0:8], le64(constant))
	require.NoError(t, regions.Bind(1, &region.Binding{Bytes: make([]byte, 32), Mode: region.ReadWrite}))

	state := eng.Run()
	require.Equal(t, Halted, state)
	dst := regions.Binding(1).Bytes
	for i := 0; i < 4; i++ {
		require.Equal(t, le64(constant), dst[i*8:i*8+8], "window %d", i)
	}
}

func le64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> uint(8*i))
	}
	return buf
}

// Scenario 6: out-of-bounds store.
func TestScenarioOutOfBoundsStore(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 12}, // base_reg value
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 1},  // index_reg value
		isa.Instruction{Op: isa.OpLoadImm, Dst: 2, ImmWidth: isa.LoadImmWidth16, ImmValue: 0xFF}, // data_reg value
		isa.Instruction{
			Op: isa.OpStore, Indexed: true, Stride: 3, // index << 3 == +8
			Region: 1, BaseReg: 0, IndexReg: 1, DataReg: 2,
		},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, regions, _ := newTestEngine(t, program, 1000)
	require.NoError(t, regions.Bind(1, &region.Binding{Bytes: make([]byte, 16), Mode: region.ReadWrite}))
	before := append([]byte(nil), regions.Binding(1).Bytes...)

	state := eng.Run()
	require.Equal(t, Panicked, state)
	require.Equal(t, uint64(kindOutOfBounds), eng.PanicCode().Kind())
	require.Equal(t, uint64(20), eng.PanicCode().Detail()) // offset = 12 + (1<<3) = 20
	require.Equal(t, before, regions.Binding(1).Bytes)
}

// Scenario 7: cycle exhaustion.
func TestScenarioCycleExhaustion(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpNop},
		isa.Instruction{Op: isa.OpNop},
		isa.Instruction{Op: isa.OpNop},
	)
	eng, _, _ := newTestEngine(t, program, 2)

	state := eng.Run()
	require.Equal(t, Panicked, state)
	require.Equal(t, CycleExhausted, eng.PanicCode())
}

// Scenario 8: send success.
func TestScenarioSendSuccess(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 0}, // offset
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 8}, // length
		isa.Instruction{Op: isa.OpSend, Region: isa.RegionScratch, OffsetReg: 0, LengthReg: 1, OutReg: 2},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, bridge := newTestEngine(t, program, 1000)
	bridge.Attach(eng.DriverPID, 4)

	state := eng.Run()
	require.Equal(t, Halted, state)
	require.NotZero(t, eng.Registers[2])
	msg, ok := bridge.Receive(eng.DriverPID)
	require.True(t, ok)
	require.Equal(t, uint32(eng.Registers[2]), msg.ID)
}

func TestArithSubIsAMinusB(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 10},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 3},
		isa.Instruction{Op: isa.OpArith, Arith: isa.ArithSub, A: 0, B: 1, X: 2},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)
	require.Equal(t, Halted, eng.Run())
	require.Equal(t, uint64(7), eng.Registers[2])
}

func TestArithShiftBoundaryYieldsZero(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 1},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 64},
		isa.Instruction{Op: isa.OpArith, Arith: isa.ArithShiftLeft, A: 0, B: 1, X: 2},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)
	require.Equal(t, Halted, eng.Run())
	require.Zero(t, eng.Registers[2])
}

func TestLoopZeroCountSkipsBody(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 0},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 0},
		isa.Instruction{Op: isa.OpLoopBegin, CountReg: 0},
		isa.Instruction{Op: isa.OpLoadImm, Dst: 1, ImmWidth: isa.LoadImmWidth16, ImmValue: 99},
		isa.Instruction{Op: isa.OpLoopEnd},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng, _, _ := newTestEngine(t, program, 1000)
	require.Equal(t, Halted, eng.Run())
	require.Zero(t, eng.Registers[1])
}

func TestAbsentRegionPanics(t *testing.T) {
	program := encodeAll(isa.Instruction{Op: isa.OpLengthOf, Region: 3, OutReg: 0}, isa.Instruction{Op: isa.OpHalt})
	eng, _, _ := newTestEngine(t, program, 1000)
	require.Equal(t, Panicked, eng.Run())
	require.Equal(t, uint64(kindAbsentRegion), eng.PanicCode().Kind())
}

func TestDeterministicGivenSameInputs(t *testing.T) {
	program := encodeAll(
		isa.Instruction{Op: isa.OpLoadImm, Dst: 0, ImmWidth: isa.LoadImmWidth16, ImmValue: 7},
		isa.Instruction{Op: isa.OpHalt},
	)
	eng1, _, _ := newTestEngine(t, program, 1000)
	eng2, _, _ := newTestEngine(t, program, 1000)
	require.Equal(t, eng1.Run(), eng2.Run())
	require.Equal(t, eng1.Registers, eng2.Registers)
	require.Equal(t, eng1.Cycle, eng2.Cycle)
}
