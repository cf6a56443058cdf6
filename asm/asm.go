// Package asm implements a small, purely mechanical textual assembly
// format for IHVM programs, used only by cmd/ihvmctl's host simulator —
// it is not part of the ABI spec.md defines and carries no wire-format
// commitment. One instruction per line, comments start with '#', blank
// lines ignored: `mnemonic key=value key=value ...`, optionally preceded
// by an `offset:` label such as Disassemble emits. It exists so a
// driver-author test case can be written and read back as text instead
// of a hand-encoded byte slice.
package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cavern-os/ihvm/isa"
)

var mnemonicToOp = map[string]isa.Op{
	"nop": isa.OpNop, "move": isa.OpMove, "load": isa.OpLoad, "store": isa.OpStore,
	"load_imm.16": isa.OpLoadImm, "load_imm.32": isa.OpLoadImm, "load_imm.48": isa.OpLoadImm, "load_imm.64": isa.OpLoadImm,
	"arith": isa.OpArith, "branch": isa.OpBranch, "loop": isa.OpLoopBegin, "loop.end": isa.OpLoopEnd,
	"send": isa.OpSend, "copy": isa.OpCopy, "length_of": isa.OpLengthOf, "halt": isa.OpHalt,
	"debug_log": isa.OpDebugLog, "panic": isa.OpPanic,
}

var arithNames = map[string]isa.ArithVariant{
	"add": isa.ArithAdd, "sub": isa.ArithSub, "mul": isa.ArithMul, "divu": isa.ArithDivU, "modu": isa.ArithModU,
	"and": isa.ArithAnd, "or": isa.ArithOr, "xor": isa.ArithXor, "invert": isa.ArithInvert,
	"shl": isa.ArithShiftLeft, "shr": isa.ArithShiftRight, "ashr": isa.ArithArithShiftRight,
}

var arithLabels = invertArith(arithNames)

func invertArith(m map[string]isa.ArithVariant) map[isa.ArithVariant]string {
	out := make(map[isa.ArithVariant]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

var branchNames = map[string]isa.BranchTest{
	"always": isa.BranchAlways, "eqz": isa.BranchEqZero, "nez": isa.BranchNeZero,
	"ltz": isa.BranchLtZero, "gtz": isa.BranchGtZero, "lez": isa.BranchLeZero, "gez": isa.BranchGeZero,
}

var branchLabels = invertBranch(branchNames)

func invertBranch(m map[string]isa.BranchTest) map[isa.BranchTest]string {
	out := make(map[isa.BranchTest]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

type fields map[string]string

func parseFields(tokens []string) (fields, error) {
	f := fields{}
	for _, tok := range tokens {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("asm: malformed operand %q", tok)
		}
		f[kv[0]] = kv[1]
	}
	return f, nil
}

func (f fields) intOr(key string, def int) (int, error) {
	v, ok := f[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("asm: bad integer for %s: %q", key, v)
	}
	return int(n), nil
}

func (f fields) uint64Or(key string, def uint64) (uint64, error) {
	v, ok := f[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("asm: bad integer for %s: %q", key, v)
	}
	return n, nil
}

func (f fields) boolOr(key string, def bool) bool {
	v, ok := f[key]
	if !ok {
		return def
	}
	return v == "1" || v == "true"
}

// Assemble parses src and returns the encoded IHVM program bytes.
func Assemble(src string) ([]byte, error) {
	var out []byte
	for lineNo, rawLine := range strings.Split(src, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		if strings.HasSuffix(tokens[0], ":") {
			// byte-offset label as emitted by Disassemble
			tokens = tokens[1:]
			if len(tokens) == 0 {
				continue
			}
		}
		mnemonic := tokens[0]
		f, err := parseFields(tokens[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		inst, err := assembleInstruction(mnemonic, f)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		out = append(out, isa.Encode(inst)...)
	}
	return out, nil
}

func assembleInstruction(mnemonic string, f fields) (isa.Instruction, error) {
	op, ok := mnemonicToOp[mnemonic]
	if !ok {
		return isa.Instruction{}, fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	inst := isa.Instruction{Op: op}

	switch op {
	case isa.OpNop, isa.OpHalt, isa.OpLoopEnd:

	case isa.OpMove:
		inst.Dst, _ = f.intOr("dst", 0)
		inst.Src, _ = f.intOr("src", 0)

	case isa.OpLoad, isa.OpStore:
		inst.Region, _ = f.intOr("region", 0)
		inst.BaseReg, _ = f.intOr("base", 0)
		inst.DataReg, _ = f.intOr("data", 0)
		inst.IndexReg, _ = f.intOr("index", 0)
		stride, _ := f.intOr("stride", 0)
		inst.Stride = uint8(stride)
		inst.Indexed = f.boolOr("indexed", false)

	case isa.OpLoadImm:
		inst.Dst, _ = f.intOr("dst", 0)
		val, err := f.uint64Or("value", 0)
		if err != nil {
			return inst, err
		}
		inst.ImmValue = val
		inst.ImmZeroRemaining = f.boolOr("zero_remaining", true)
		switch mnemonic {
		case "load_imm.16":
			inst.ImmWidth = isa.LoadImmWidth16
		case "load_imm.32":
			inst.ImmWidth = isa.LoadImmWidth32
		case "load_imm.48":
			inst.ImmWidth = isa.LoadImmWidth48
		case "load_imm.64":
			inst.ImmWidth = isa.LoadImmWidth64
		}

	case isa.OpArith:
		name, ok := f["op"]
		if !ok {
			return inst, fmt.Errorf("arith requires op=<name>")
		}
		variant, ok := arithNames[name]
		if !ok {
			return inst, fmt.Errorf("unknown arith op %q", name)
		}
		inst.Arith = variant
		inst.A, _ = f.intOr("a", 0)
		inst.B, _ = f.intOr("b", 0)
		inst.X, _ = f.intOr("x", 0)

	case isa.OpBranch:
		name, ok := f["kind"]
		if !ok {
			return inst, fmt.Errorf("branch requires kind=<name>")
		}
		kind, ok := branchNames[name]
		if !ok {
			return inst, fmt.Errorf("unknown branch kind %q", name)
		}
		inst.BranchKind = kind
		inst.BranchTestReg, _ = f.intOr("test", 0)
		offset, _ := f.uint64Or("offset", 0)
		inst.BranchOffset = uint32(offset)

	case isa.OpLoopBegin:
		inst.CountReg, _ = f.intOr("count", 0)

	case isa.OpSend:
		inst.Region, _ = f.intOr("region", 0)
		inst.OffsetReg, _ = f.intOr("offset", 0)
		inst.LengthReg, _ = f.intOr("length", 0)
		inst.OutReg, _ = f.intOr("out", 0)

	case isa.OpCopy:
		inst.Region, _ = f.intOr("src_region", 0)
		inst.Region2, _ = f.intOr("dst_region", 0)
		inst.SrcOffReg, _ = f.intOr("src_off", 0)
		inst.DstOffReg, _ = f.intOr("dst_off", 0)
		inst.LengthReg, _ = f.intOr("length", 0)

	case isa.OpLengthOf:
		inst.Region, _ = f.intOr("region", 0)
		inst.OutReg, _ = f.intOr("out", 0)

	case isa.OpDebugLog, isa.OpPanic:
		tag, _ := f.uint64Or("tag", 0)
		inst.Tag = uint32(tag) & 0x7FFFFF
	}

	return inst, nil
}

// Disassemble renders program as a listing of the same textual format
// Assemble accepts, prefixed with the byte offset of each instruction.
func Disassemble(program []byte) (string, error) {
	var sb strings.Builder
	off := 0
	for off < len(program) {
		inst, err := isa.Decode(program, off)
		if err != nil {
			return "", fmt.Errorf("offset %d: %w", off, err)
		}
		fmt.Fprintf(&sb, "%06d: %s\n", off, disassembleInstruction(inst))
		off += inst.Length
	}
	return sb.String(), nil
}

func disassembleInstruction(inst isa.Instruction) string {
	switch inst.Op {
	case isa.OpNop:
		return "nop"
	case isa.OpHalt:
		return "halt"
	case isa.OpLoopEnd:
		return "loop.end"
	case isa.OpMove:
		return fmt.Sprintf("move dst=%d src=%d", inst.Dst, inst.Src)
	case isa.OpLoad:
		return fmt.Sprintf("load region=%d base=%d data=%d index=%d stride=%d indexed=%v",
			inst.Region, inst.BaseReg, inst.DataReg, inst.IndexReg, inst.Stride, inst.Indexed)
	case isa.OpStore:
		return fmt.Sprintf("store region=%d base=%d data=%d index=%d stride=%d indexed=%v",
			inst.Region, inst.BaseReg, inst.DataReg, inst.IndexReg, inst.Stride, inst.Indexed)
	case isa.OpLoadImm:
		mnemonic := map[isa.LoadImmWidth]string{
			isa.LoadImmWidth16: "load_imm.16", isa.LoadImmWidth32: "load_imm.32",
			isa.LoadImmWidth48: "load_imm.48", isa.LoadImmWidth64: "load_imm.64",
		}[inst.ImmWidth]
		return fmt.Sprintf("%s dst=%d value=0x%x zero_remaining=%v", mnemonic, inst.Dst, inst.ImmValue, inst.ImmZeroRemaining)
	case isa.OpArith:
		return fmt.Sprintf("arith op=%s a=%d b=%d x=%d", arithLabels[inst.Arith], inst.A, inst.B, inst.X)
	case isa.OpBranch:
		return fmt.Sprintf("branch kind=%s test=%d offset=%d", branchLabels[inst.BranchKind], inst.BranchTestReg, inst.BranchOffset)
	case isa.OpLoopBegin:
		return fmt.Sprintf("loop count=%d", inst.CountReg)
	case isa.OpSend:
		return fmt.Sprintf("send region=%d offset=%d length=%d out=%d", inst.Region, inst.OffsetReg, inst.LengthReg, inst.OutReg)
	case isa.OpCopy:
		return fmt.Sprintf("copy src_region=%d dst_region=%d src_off=%d dst_off=%d length=%d",
			inst.Region, inst.Region2, inst.SrcOffReg, inst.DstOffReg, inst.LengthReg)
	case isa.OpLengthOf:
		return fmt.Sprintf("length_of region=%d out=%d", inst.Region, inst.OutReg)
	case isa.OpDebugLog:
		return fmt.Sprintf("debug_log tag=0x%06x", inst.Tag)
	case isa.OpPanic:
		return fmt.Sprintf("panic tag=0x%06x", inst.Tag)
	default:
		return fmt.Sprintf("<unknown opcode %d>", inst.Op)
	}
}
