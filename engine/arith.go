package engine

import "github.com/cavern-os/ihvm/isa"

// evalArith computes x = a OP b for the given variant, per SPEC_FULL.md
// §9 Open Question 2 (sub(a,b) = a - b) and spec.md §4.4's semantics. It
// returns ok=false only for divide/modulo by zero, which the caller turns
// into PanicDivByZero.
func evalArith(variant isa.ArithVariant, a, b uint64) (result uint64, ok bool) {
	switch variant {
	case isa.ArithAdd:
		return a + b, true
	case isa.ArithSub:
		return a - b, true
	case isa.ArithMul:
		return a * b, true
	case isa.ArithDivU:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case isa.ArithModU:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case isa.ArithAnd:
		return a & b, true
	case isa.ArithOr:
		return a | b, true
	case isa.ArithXor:
		return a ^ b, true
	case isa.ArithInvert:
		return ^a, true
	case isa.ArithShiftLeft:
		if b >= 64 {
			return 0, true
		}
		return a << b, true
	case isa.ArithShiftRight:
		if b >= 64 {
			return 0, true
		}
		return a >> b, true
	case isa.ArithArithShiftRight:
		signed := int64(a)
		if b >= 64 {
			if signed < 0 {
				return ^uint64(0), true
			}
			return 0, true
		}
		return uint64(signed >> b), true
	default:
		return 0, true
	}
}

// evalBranchTest reports whether the branch should be taken, per
// spec.md §4.4: the test register's value interpreted as signed against
// zero.
func evalBranchTest(kind isa.BranchTest, value uint64) bool {
	signed := int64(value)
	switch kind {
	case isa.BranchAlways:
		return true
	case isa.BranchEqZero:
		return signed == 0
	case isa.BranchNeZero:
		return signed != 0
	case isa.BranchLtZero:
		return signed < 0
	case isa.BranchGtZero:
		return signed > 0
	case isa.BranchLeZero:
		return signed <= 0
	case isa.BranchGeZero:
		return signed >= 0
	default:
		return false
	}
}
