// Package verify implements the static pre-flight walk (C2) that a
// program blob must pass before any VM instance is allowed to run it.
// It is grounded on the teacher's separation of "does this decode" from
// "is this safe to run", the same two-phase shape the teacher's
// PVM package applies before executing untrusted service code.
package verify

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/cavern-os/ihvm/isa"
)

// Kind identifies why verification failed. Each maps directly onto one of
// the verification error names in spec.md §7.
type Kind int

const (
	_ Kind = iota
	DecodeFailure
	ReservedBitSet
	BadRegister
	BadRegion
	BackwardBranch
	OutOfBoundsBranch
	UnmatchedLoop
	NestingTooDeep
	CycleBudgetExceeded
)

func (k Kind) String() string {
	switch k {
	case DecodeFailure:
		return "decode failure"
	case ReservedBitSet:
		return "reserved bit set"
	case BadRegister:
		return "bad register"
	case BadRegion:
		return "bad region"
	case BackwardBranch:
		return "backward branch"
	case OutOfBoundsBranch:
		return "out-of-bounds branch"
	case UnmatchedLoop:
		return "unmatched loop"
	case NestingTooDeep:
		return "loop nesting too deep"
	case CycleBudgetExceeded:
		return "cycle budget exceeded"
	default:
		return "unknown verification error"
	}
}

// Error reports one verification failure, at a specific byte offset when
// the failure is local to an instruction (CycleBudgetExceeded has none,
// reported as -1).
type Error struct {
	Kind   Kind
	Offset int
}

func (e *Error) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("verify: %s", e.Kind)
	}
	return fmt.Sprintf("verify: %s at offset %d", e.Kind, e.Offset)
}

// MaxLoopDepth bounds nested loop markers. The spec leaves the exact
// number implementation-defined; 16 comfortably covers any hand-written
// or compiler-generated driver program while keeping the loop stack
// small.
const MaxLoopDepth = 16

// RegionShape records, for verification purposes, only which of R1..R7
// are present and their access mode — never their addresses, which may
// legitimately differ between registrations of the same driver binary.
type RegionShape struct {
	Present [8]bool
	Mode    [8]byte // 0 = read-only, 1 = read-write; meaningless if !Present
}

// Result is what a successful Verify call returns: the decoded
// instruction boundaries (for the engine's ip-validity checks) and the
// conservative cycle upper bound computed statically.
type Result struct {
	// Boundaries holds every byte offset at which an instruction begins,
	// in ascending order. The engine does not consult it at runtime
	// (verification already proved ip validity); cmd/ihvmctl's verify
	// subcommand reports its length as the instruction count.
	Boundaries []int
	// UpperBound is the maximum number of instruction steps any run of
	// this program can execute, per spec.md §4.2's "compute a
	// conservative upper bound... interpreting loop counts symbolically".
	UpperBound uint64
}

type loopFrame struct {
	beginOffset int
}

// Verify performs the full static pass over program against shape and
// maxCycles, returning the derived Result or the first Error encountered.
// Errors are reported in blob order the way a human reading the program
// top to bottom would find them, matching the teacher's linear
// instruction-walk verifier style.
func Verify(program []byte, shape RegionShape, maxCycles uint64) (*Result, error) {
	var boundaries []int
	var loopStack []loopFrame
	var upperBound uint64

	off := 0
	for off < len(program) {
		inst, err := isa.Decode(program, off)
		if err != nil {
			return nil, &Error{DecodeFailure, off}
		}
		if inst.ReservedBits != 0 {
			return nil, &Error{ReservedBitSet, off}
		}
		boundaries = append(boundaries, off)

		if err := checkRegisters(inst); err != nil {
			return nil, &Error{BadRegister, off}
		}
		if err := checkRegions(inst, shape); err != nil {
			return nil, &Error{BadRegion, off}
		}

		switch inst.Op {
		case isa.OpBranch:
			if inst.BranchOffset == 0 {
				return nil, &Error{BackwardBranch, off}
			}
			target, ok := forwardInstructionTarget(program, off, inst.BranchOffset)
			if !ok {
				return nil, &Error{OutOfBoundsBranch, off}
			}
			_ = target // validity is what matters; engine recomputes at run time

		case isa.OpLoopBegin:
			if len(loopStack) >= MaxLoopDepth {
				return nil, &Error{NestingTooDeep, off}
			}
			loopStack = append(loopStack, loopFrame{beginOffset: off})

		case isa.OpLoopEnd:
			if len(loopStack) == 0 {
				return nil, &Error{UnmatchedLoop, off}
			}
			loopStack = loopStack[:len(loopStack)-1]
		}

		upperBound++
		if inst.Op == isa.OpLoopBegin {
			// A loop's body cost is folded in as the body executes; here
			// we only charge for the loop_begin marker itself. Because
			// the loop count is not known statically in general, the
			// conservative bound instead charges maxCycles once the
			// whole walk completes if any loop is present — see below.
		}

		off += inst.Length
	}

	if len(loopStack) != 0 {
		return nil, &Error{UnmatchedLoop, loopStack[len(loopStack)-1].beginOffset}
	}

	if containsLoop(program) {
		// spec.md §4.2: "a loop whose count is not a compile-time
		// constant uses the configured max_ihvm_cycles as an upper
		// bound — i.e. any program containing a data-dependent loop is
		// budgeted at the ceiling." The verifier has no way to prove a
		// loop's register-supplied count constant (registers are seeded
		// at runtime from interrupt metadata), so every program
		// containing at least one loop is conservatively budgeted at
		// maxCycles.
		upperBound = maxCycles
	}

	if upperBound > maxCycles {
		return nil, &Error{CycleBudgetExceeded, -1}
	}

	return &Result{Boundaries: boundaries, UpperBound: upperBound}, nil
}

func containsLoop(program []byte) bool {
	off := 0
	for off < len(program) {
		inst, err := isa.Decode(program, off)
		if err != nil {
			return false
		}
		if inst.Op == isa.OpLoopBegin {
			return true
		}
		off += inst.Length
	}
	return false
}

// forwardInstructionTarget walks forward from off by count instructions
// (each load_imm counting once regardless of its trailing-byte width, per
// SPEC_FULL.md §4.1) and reports whether the resulting offset lands
// exactly on an instruction boundary within program.
func forwardInstructionTarget(program []byte, off int, count uint32) (int, bool) {
	cur := off
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
	if cur >= len(program) {
		return 0, false
	}
	return cur, true
}

func regOK(r int) bool { return r >= 0 && r < isa.NumRegisters }

func checkRegisters(inst isa.Instruction) error {
	regs := []int{
		inst.Dst, inst.Src, inst.A, inst.B, inst.X,
		inst.IndexReg, inst.BaseReg, inst.DataReg,
		inst.OffsetReg, inst.LengthReg, inst.OutReg, inst.CountReg,
		inst.SrcOffReg, inst.DstOffReg, inst.BranchTestReg,
	}
	used := usedFields(inst)
	for name, r := range regs2map(regs, used) {
		_ = name
		if !regOK(r) {
			return fmt.Errorf("register %d out of range", r)
		}
	}
	return nil
}

// usedFields and regs2map exist because Instruction is a flat struct
// where unused fields default to 0 (itself a valid register index), so a
// naive scan of every field would spuriously validate opcodes that never
// touch most of them. Only fields the given opcode actually populates are
// checked, mirroring isa.Decode's own per-opcode field population.
func usedFields(inst isa.Instruction) map[int]bool {
	m := map[int]bool{}
	switch inst.Op {
	case isa.OpMove:
		m[0], m[1] = true, true
	case isa.OpLoad, isa.OpStore:
		m[5], m[6], m[7] = true, true, true
	case isa.OpLoadImm:
		m[0] = true
	case isa.OpArith:
		m[2], m[3], m[4] = true, true, true
	case isa.OpBranch:
		m[14] = true
	case isa.OpLoopBegin:
		m[11] = true
	case isa.OpSend:
		m[8], m[9], m[10] = true, true, true
	case isa.OpCopy:
		m[9], m[12], m[13] = true, true, true
	case isa.OpLengthOf:
		m[10] = true
	}
	return m
}

func regs2map(regs []int, used map[int]bool) map[int]int {
	out := map[int]int{}
	for i, r := range regs {
		if used[i] {
			out[i] = r
		}
	}
	return out
}

func regionOK(idx int, shape RegionShape) bool {
	if idx < 0 || idx > isa.MaxRegion {
		return false
	}
	if idx == isa.RegionScratch {
		return true
	}
	return shape.Present[idx]
}

// checkRegions confirms only that every region name an instruction touches
// is present (spec.md §7's BadRegion is absence, not access mode). Whether
// a store or copy destination is writable is a runtime question — C3 step
// 3 raises ACCESS_VIOLATION for that, deliberately after and separately
// from this absence check.
func checkRegions(inst isa.Instruction, shape RegionShape) error {
	switch inst.Op {
	case isa.OpLoad, isa.OpStore, isa.OpSend, isa.OpLengthOf:
		if !regionOK(inst.Region, shape) {
			return fmt.Errorf("region %d absent", inst.Region)
		}
	case isa.OpCopy:
		if !regionOK(inst.Region, shape) || !regionOK(inst.Region2, shape) {
			return fmt.Errorf("region absent")
		}
	}
	return nil
}

// cache is the content-addressed verified-program memo (SPEC_FULL.md
// §4.2): a successful verification of byte-identical program bytes and
// region shape is remembered under a BLAKE2b-256 digest so a driver that
// re-attaches after a crash with the same binary skips re-walking it.
// This changes no externally observable outcome; Verify remains
// idempotent whether or not the cache is warm.
type cache struct {
	mu      sync.RWMutex
	entries map[[32]byte]*Result
}

var programCache = &cache{entries: make(map[[32]byte]*Result)}

func digestKey(program []byte, shape RegionShape, maxCycles uint64) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we never
		// pass one; fall back to sha256 defensively rather than panic
		// inside a verification hot path.
		s := sha256.Sum256(program)
		return s
	}
	h.Write(program)
	var present [len(shape.Present)]byte
	for i, p := range shape.Present {
		if p {
			present[i] = 1
		}
	}
	h.Write(present[:])
	h.Write(shape.Mode[:])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], maxCycles)
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyCached behaves exactly like Verify but memoizes successful
// results by content digest. Verification failures are never cached: a
// failing program is cheap to re-reject and its RegionShape may change
// between registration attempts as the driver corrects its bindings.
func VerifyCached(program []byte, shape RegionShape, maxCycles uint64) (*Result, error) {
	key := digestKey(program, shape, maxCycles)

	programCache.mu.RLock()
	if cached, ok := programCache.entries[key]; ok {
		programCache.mu.RUnlock()
		return cached, nil
	}
	programCache.mu.RUnlock()

	result, err := Verify(program, shape, maxCycles)
	if err != nil {
		return nil, err
	}

	programCache.mu.Lock()
	programCache.entries[key] = result
	programCache.mu.Unlock()

	return result, nil
}
