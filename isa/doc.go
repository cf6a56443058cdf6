// This file is the ABI note spec.md §9 asks implementers to publish: the
// frozen, disjoint opcode assignment and bit-field layout for every IHVM
// instruction. Field ranges are inclusive [hi:lo], bit 0 is the
// little-endian word's least significant bit.
//
//	opcode  mnemonic    fields
//	0       nop         (none)
//	1       move        src:reg[31:28] dst:reg[27:24]
//	2       load        indexed:1[8] stride:7[15:9] region:3[18:16] index_reg:5[23:19] base_reg:4[27:24] data_reg:4[31:28]
//	3       store       same layout as load
//	4       load_imm    variant:4[11:8] dst:reg[15:12] value:16[31:16] (width 16; high 16 bits for width 48) | trailing bytes (width 32/48/64)
//	5       arith       a:reg[31:28] b:reg[27:24] x:reg[23:19] variant:9[18:10]
//	6       branch      kind:3[9:7] test:reg[14:10] offset:u17[31:15]
//	7       loop        count_reg:reg[27:24]
//	8       loop.end    (none; closes the innermost open loop)
//	9       send        out_reg:reg[13:10] region:3[16:14] offset_reg:reg[27:24] length_reg:reg[31:28]
//	10      copy        src_region:3[15:13] dst_region:3[18:16] src_off_reg:5[23:19] dst_off_reg:4[27:24] len_reg:4[31:28]
//	11      length_of   region:3[27:25] out_reg:4[31:28]
//	12      halt        (none)
//	13      debug_log   tag:u23[31:9]
//	14      panic       code:u23[31:9]
//
// This resolves spec.md's Open Questions: opcodes are unique and disjoint;
// send's out_reg/region no longer overlap (out_reg now at [13:10], region
// at [16:14]); sub is defined as a-b (see engine/arith.go).
package isa
