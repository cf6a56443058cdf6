package asm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cavern-os/ihvm/isa"
)

func TestAssembleDisassembleRoundTrip(t *testing.T) {
	src := `
# divide by zero scenario
load_imm.16 dst=0 value=10
load_imm.16 dst=1 value=0
arith op=divu a=0 b=1 x=2
halt
`
	program, err := Assemble(src)
	require.NoError(t, err)

	listing, err := Disassemble(program)
	require.NoError(t, err)
	require.Contains(t, listing, "load_imm.16 dst=0 value=0xa")
	require.Contains(t, listing, "arith op=divu a=0 b=1 x=2")
	require.Contains(t, listing, "halt")

	reassembled, err := Assemble(listing)
	require.NoError(t, err)
	require.Equal(t, program, reassembled)
}

func TestAssembleUnknownMnemonic(t *testing.T) {
	_, err := Assemble("frobnicate a=1")
	require.Error(t, err)
}

func TestAssembleLoadImmWidths(t *testing.T) {
	src := "load_imm.64 dst=3 value=0xDEADBEEFCAFEF00D\nhalt\n"
	program, err := Assemble(src)
	require.NoError(t, err)

	inst, err := isa.Decode(program, 0)
	require.NoError(t, err)
	require.Equal(t, isa.LoadImmWidth64, inst.ImmWidth)
	require.Equal(t, uint64(0xDEADBEEFCAFEF00D), inst.ImmValue)
}
