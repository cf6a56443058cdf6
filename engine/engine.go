// Package engine implements the IHVM's fetch/decode/execute loop (C4):
// the register file, instruction pointer, cycle counter, and per-opcode
// dispatch. It is grounded on the teacher's PVM interpreter loop shape
// (decode at pc, dispatch by opcode, advance pc by the instruction's
// encoded length) narrowed to this ISA's flat, non-recompiled
// interpretation — no JIT, per spec.md §1's non-goals.
package engine

import (
	"github.com/cavern-os/ihvm/hostbridge"
	"github.com/cavern-os/ihvm/isa"
	"github.com/cavern-os/ihvm/log"
	"github.com/cavern-os/ihvm/metrics"
	"github.com/cavern-os/ihvm/region"
)

// State is the VM's coarse lifecycle state, per spec.md §3.
type State uint8

const (
	Running State = iota
	Halted
	Panicked
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Panicked:
		return "panicked"
	default:
		return "invalid"
	}
}

// MaxLoopDepth mirrors verify.MaxLoopDepth; kept as an independently
// named constant here so the engine never has to import the verify
// package just for this one number, and so runtime loop-stack overflow
// (defense in depth; the verifier should already have rejected it
// statically) can be checked without a cross-package dependency.
const MaxLoopDepth = 16

type loopFrame struct {
	bodyStart int
	remaining uint64
}

// Engine is one VM instance's interpreter: a register file, a bound
// region table, an instruction pointer, a remaining cycle budget, and the
// host bridge it dispatches send/debug_log/panic effects through.
type Engine struct {
	HandlerID uint32
	DriverPID uint32 // owning driver process, target of send and panic messages
	Boundary  []int  // decoded instruction boundaries from verification, ip must land on one

	Registers [16]uint64
	Regions   *region.Table

	IP    int
	Cycle uint64 // cycles consumed so far, for metrics and debug snapshots

	cyclesRemaining uint64
	state           State
	panicCode       PanicCode

	program []byte
	bridge  hostbridge.Bridge
	loops   []loopFrame

	debugFrames bool
}

// New constructs an Engine ready to run program (already verified) with
// the given cycle budget, region table, and host bridge.
func New(handlerID, driverPID uint32, program []byte, regions *region.Table, maxCycles uint64, bridge hostbridge.Bridge) *Engine {
	return &Engine{
		HandlerID:       handlerID,
		DriverPID:       driverPID,
		program:         program,
		Regions:         regions,
		cyclesRemaining: maxCycles,
		bridge:          bridge,
		state:           Running,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// PanicCode returns the terminal panic code, meaningful only once State()
// is Panicked.
func (e *Engine) PanicCode() PanicCode { return e.panicCode }

func (e *Engine) fault(code PanicCode) {
	e.state = Panicked
	e.panicCode = code
}

// Run executes until Halted, Panicked, or end-of-blob (which is treated
// as an implicit Halted, matching "Execution ends at halt, panic,
// end-of-blob, or cycle-budget exhaustion" in spec.md §2). It returns the
// terminal state.
func (e *Engine) Run() State {
	for e.state == Running {
		e.step()
	}
	metrics.CyclesPerInvocation.Observe(float64(e.Cycle))
	metrics.CyclesTotal.WithLabelValues(e.state.String()).Add(float64(e.Cycle))
	if e.state == Halted {
		metrics.HaltsTotal.Inc()
	}
	if e.state == Panicked {
		metrics.PanicsTotal.WithLabelValues(kindLabel(e.panicCode)).Inc()
	}
	return e.state
}

func kindLabel(c PanicCode) string {
	return c.String()
}

// step executes exactly one fetch/decode/execute cycle. Run calls it in
// a loop (vm.Registry always uses Run); Step wraps it for callers that
// single-step.
func (e *Engine) step() {
	if e.cyclesRemaining == 0 {
		e.fault(CycleExhausted)
		return
	}
	if e.IP >= len(e.program) {
		e.state = Halted
		return
	}

	inst, err := isa.Decode(e.program, e.IP)
	if err != nil {
		// The verifier is supposed to make this unreachable; treat it as
		// an access violation at the current ip rather than panicking
		// the host process.
		e.fault(AccessViolation(uint64(e.IP)))
		return
	}

	e.cyclesRemaining--
	e.Cycle++

	nextIP := e.IP + inst.Length
	e.dispatch(inst, nextIP)
}

// Step runs a single instruction and reports whether the engine is still
// Running afterward. Nothing in this module calls it; cmd/ihvmctl's
// subcommands run programs to completion through vm.Registry.
func (e *Engine) Step() bool {
	if e.state != Running {
		return false
	}
	e.step()
	return e.state == Running
}

func (e *Engine) dispatch(inst isa.Instruction, nextIP int) {
	switch inst.Op {
	case isa.OpNop:
		e.IP = nextIP

	case isa.OpMove:
		e.Registers[inst.Dst] = e.Registers[inst.Src]
		e.IP = nextIP

	case isa.OpLoad:
		e.execLoad(inst, nextIP)

	case isa.OpStore:
		e.execStore(inst, nextIP)

	case isa.OpLoadImm:
		e.execLoadImm(inst, nextIP)

	case isa.OpArith:
		e.execArith(inst, nextIP)

	case isa.OpBranch:
		e.execBranch(inst, nextIP)

	case isa.OpLoopBegin:
		e.execLoopBegin(inst, nextIP)

	case isa.OpLoopEnd:
		e.execLoopEnd(nextIP)

	case isa.OpSend:
		e.execSend(inst, nextIP)

	case isa.OpCopy:
		e.execCopy(inst, nextIP)

	case isa.OpLengthOf:
		e.execLengthOf(inst, nextIP)

	case isa.OpHalt:
		e.state = Halted

	case isa.OpDebugLog:
		e.execDebugLog(inst, nextIP)

	case isa.OpPanic:
		e.fault(UserPanic(inst.Tag))

	default:
		e.fault(AccessViolation(uint64(e.IP)))
	}
}

func (e *Engine) effectiveOffset(inst isa.Instruction) uint64 {
	base := e.Registers[inst.BaseReg]
	if !inst.Indexed {
		return base
	}
	return base + (e.Registers[inst.IndexReg] << inst.Stride)
}

func (e *Engine) execLoad(inst isa.Instruction, nextIP int) {
	offset := e.effectiveOffset(inst)
	v, err := e.Regions.ReadWord(inst.Region, offset, 8, false)
	if err != nil {
		e.faultFromRegionError(err, offset)
		return
	}
	e.Registers[inst.DataReg] = v
	e.IP = nextIP
}

func (e *Engine) execStore(inst isa.Instruction, nextIP int) {
	offset := e.effectiveOffset(inst)
	if err := e.Regions.WriteWord(inst.Region, offset, 8, e.Registers[inst.DataReg], false); err != nil {
		e.faultFromRegionError(err, offset)
		return
	}
	e.IP = nextIP
}

func (e *Engine) faultFromRegionError(err error, offset uint64) {
	if aerr, ok := err.(*region.AccessError); ok {
		switch aerr.Fault {
		case region.FaultAbsentRegion:
			e.fault(AbsentRegion(offset))
		case region.FaultOutOfBounds:
			e.fault(OutOfBounds(aerr.Offset))
		case region.FaultAccessViolation:
			e.fault(AccessViolation(offset))
		default:
			e.fault(AccessViolation(offset))
		}
		return
	}
	e.fault(AccessViolation(offset))
}

func (e *Engine) execLoadImm(inst isa.Instruction, nextIP int) {
	if inst.ImmZeroRemaining {
		e.Registers[inst.Dst] = inst.ImmValue
	} else {
		mask := widthMask(inst.ImmWidth)
		e.Registers[inst.Dst] = (e.Registers[inst.Dst] &^ mask) | (inst.ImmValue & mask)
	}
	e.IP = nextIP
}

func widthMask(w isa.LoadImmWidth) uint64 {
	switch w {
	case isa.LoadImmWidth16:
		return 0xFFFF
	case isa.LoadImmWidth32:
		return 0xFFFF_FFFF
	case isa.LoadImmWidth48:
		return 0xFFFF_FFFF_FFFF
	default:
		return ^uint64(0)
	}
}

func (e *Engine) execArith(inst isa.Instruction, nextIP int) {
	result, ok := evalArith(inst.Arith, e.Registers[inst.A], e.Registers[inst.B])
	if !ok {
		e.fault(PanicDivByZero)
		return
	}
	e.Registers[inst.X] = result
	e.IP = nextIP
}

func (e *Engine) execBranch(inst isa.Instruction, nextIP int) {
	if !evalBranchTest(inst.BranchKind, e.Registers[inst.BranchTestReg]) {
		e.IP = nextIP
		return
	}
	target, ok := forwardTarget(e.program, e.IP, inst.BranchOffset)
	if !ok {
		// Unreachable after verification; fail closed rather than
		// running off the end of the program.
		e.fault(AccessViolation(uint64(e.IP)))
		return
	}
	e.IP = target
}

func forwardTarget(program []byte, from int, count uint32) (int, bool) {
	cur := from
	for i := uint32(0); i < count; i++ {
		if cur >= len(program) {
			return 0, false
		}
		inst, err := isa.Decode(program, cur)
		if err != nil {
			return 0, false
		}
		cur += inst.Length
	}
	if cur > len(program) {
		return 0, false
	}
	return cur, true
}

func (e *Engine) execLoopBegin(inst isa.Instruction, nextIP int) {
	count := e.Registers[inst.CountReg]
	if count == 0 {
		// skip the body: find the matching loop.end by scanning forward
		// with a nesting counter, since loop bodies may themselves
		// contain nested loops.
		target, ok := skipLoopBody(e.program, nextIP)
		if !ok {
			e.fault(AccessViolation(uint64(e.IP)))
			return
		}
		e.IP = target
		return
	}
	if len(e.loops) >= MaxLoopDepth {
		e.fault(LoopDepth)
		return
	}
	e.loops = append(e.loops, loopFrame{bodyStart: nextIP, remaining: count - 1})
	e.IP = nextIP
}

func skipLoopBody(program []byte, from int) (int, bool) {
	depth := 1
	cur := from
	for cur < len(program) {
		inst, err := isa.Decode(program, cur)
		if err != nil {
			return 0, false
		}
		cur += inst.Length
		switch inst.Op {
		case isa.OpLoopBegin:
			depth++
		case isa.OpLoopEnd:
			depth--
			if depth == 0 {
				return cur, true
			}
		}
	}
	return 0, false
}

func (e *Engine) execLoopEnd(nextIP int) {
	if len(e.loops) == 0 {
		// Unreachable after verification.
		e.fault(AccessViolation(uint64(e.IP)))
		return
	}
	top := &e.loops[len(e.loops)-1]
	if top.remaining == 0 {
		e.loops = e.loops[:len(e.loops)-1]
		e.IP = nextIP
		return
	}
	top.remaining--
	e.IP = top.bodyStart
}

func (e *Engine) execSend(inst isa.Instruction, nextIP int) {
	offset := e.Registers[inst.OffsetReg]
	length := e.Registers[inst.LengthReg]
	data, err := e.Regions.Read(inst.Region, offset, length)
	if err != nil {
		e.faultFromRegionError(err, offset)
		return
	}
	id, ok := e.bridge.PostMessage(e.DriverPID, data)
	if !ok {
		e.Registers[inst.OutReg] = 0
	} else {
		e.Registers[inst.OutReg] = uint64(id)
	}
	e.IP = nextIP
}

func (e *Engine) execCopy(inst isa.Instruction, nextIP int) {
	srcOff := e.Registers[inst.SrcOffReg]
	dstOff := e.Registers[inst.DstOffReg]
	length := e.Registers[inst.LengthReg]
	if err := e.Regions.Copy(inst.Region2, dstOff, inst.Region, srcOff, length); err != nil {
		e.faultFromRegionError(err, dstOff)
		return
	}
	e.IP = nextIP
}

func (e *Engine) execLengthOf(inst isa.Instruction, nextIP int) {
	b := e.Regions.Binding(inst.Region)
	if b == nil {
		e.fault(AbsentRegion(uint64(inst.Region)))
		return
	}
	e.Registers[inst.OutReg] = uint64(b.Length())
	e.IP = nextIP
}

func (e *Engine) execDebugLog(inst isa.Instruction, nextIP int) {
	if e.debugFrames {
		e.emitSnapshot(inst.Tag)
	}
	e.IP = nextIP
}

// EnableDebugFrames turns on debug_log frame emission; in release
// configurations (the default) debug_log is a nop per spec.md §4.1.
func (e *Engine) EnableDebugFrames(enabled bool) { e.debugFrames = enabled }

func (e *Engine) emitSnapshot(tag uint32) {
	snap := hostbridge.Snapshot{
		HandlerID: e.HandlerID,
		IP:        e.IP,
		Registers: e.Registers,
	}
	if b := e.Regions.Binding(isa.RegionScratch); b != nil {
		snap.ScratchLen = len(b.Bytes)
	}
	e.bridge.DebugLog(snap, tag)
	log.Trace(log.ModuleEngine, "debug_log", "handler_id", e.HandlerID, "tag", tag, "ip", e.IP)
}
