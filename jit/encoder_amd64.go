package jit

import "github.com/rivetvm/rivet/ir"

// x86-64 instruction encoder. Opcode constants carry prefix requirements in
// high bits; the emit helpers assemble prefix + escape + opcode + ModR/M +
// SIB + displacement + immediate from them.

// Prefix flags folded into opcode constants.
const (
	pEXT    uint32 = 0x100   // 0x0F escape
	pEXT38  uint32 = 0x200   // 0x0F 0x38 escape
	pDATA16 uint32 = 0x400   // 0x66 operand-size prefix
	pREXW   uint32 = 0x1000  // REX.W
	pREXBR  uint32 = 0x2000  // reg field is a byte register
	pREXBRM uint32 = 0x4000  // r/m field is a byte register
	pEXT3A  uint32 = 0x10000 // 0x0F 0x3A escape
	pSIMDF3 uint32 = 0x20000 // 0xF3 prefix
	pSIMDF2 uint32 = 0x40000 // 0xF2 prefix
)

// Opcode constants.
const (
	opcArithEvIb uint32 = 0x83
	opcArithEvIz uint32 = 0x81
	opcArithGvEv uint32 = 0x03
	opcArithEvGv uint32 = 0x01

	opcShift1  uint32 = 0xD1
	opcShiftIb uint32 = 0xC1
	opcShiftCL uint32 = 0xD3

	opcMovBEvGv uint32 = 0x88
	opcMovLEvGv uint32 = 0x89
	opcMovLGvEv uint32 = 0x8B
	opcMovLEvIz uint32 = 0xC7
	opcMovLIv   uint32 = 0xB8

	opcMovzbl uint32 = 0xB6 | pEXT
	opcMovzwl uint32 = 0xB7 | pEXT
	opcMovsbl uint32 = 0xBE | pEXT
	opcMovswl uint32 = 0xBF | pEXT
	opcMovslq uint32 = 0x63 | pREXW

	opcJccLong uint32 = 0x80 | pEXT
	opcJmpLong uint32 = 0xE9
	opcCallJz  uint32 = 0xE8

	opcLzcnt  uint32 = 0xBD | pEXT | pSIMDF3
	opcTzcnt  uint32 = 0xBC | pEXT | pSIMDF3
	opcPopcnt uint32 = 0xB8 | pEXT | pSIMDF3
	opcBswap  uint32 = 0xC8 | pEXT
	opcAndn   uint32 = 0xF2 | pEXT38

	opcCmovcc uint32 = 0x40 | pEXT
	opcSetcc  uint32 = 0x90 | pEXT | pREXBRM
	opcTestL  uint32 = 0x85

	opcGrp3Ev uint32 = 0xF7
	opcGrp5   uint32 = 0xFF

	opcImulGvEv uint32 = 0xAF | pEXT

	opcLea     uint32 = 0x8D
	opcPushR32 uint32 = 0x50
	opcPopR32  uint32 = 0x58
	opcRet     uint32 = 0xC3

	opcShldIb uint32 = 0xA4 | pEXT
	opcShrdIb uint32 = 0xAC | pEXT
)

// arithOp selects the /r extension of the 0x81/0x83 group and the base of
// the two-register arithmetic opcodes.
type arithOp uint8

const (
	arithAdd arithOp = 0
	arithOr  arithOp = 1
	arithAdc arithOp = 2
	arithSbb arithOp = 3
	arithAnd arithOp = 4
	arithSub arithOp = 5
	arithXor arithOp = 6
	arithCmp arithOp = 7
)

// shiftOp selects the /r extension of the shift group.
type shiftOp uint8

const (
	shiftRol shiftOp = 0
	shiftRor shiftOp = 1
	shiftShl shiftOp = 4
	shiftShr shiftOp = 5
	shiftSar shiftOp = 7
)

// Group 3 (0xF7) extensions.
const (
	ext3Not  uint8 = 2
	ext3Neg  uint8 = 3
	ext3Mul  uint8 = 4
	ext3Imul uint8 = 5
	ext3Div  uint8 = 6
	ext3Idiv uint8 = 7
)

// Group 5 (0xFF) extensions.
const (
	ext5CallN uint8 = 2
	ext5JmpN  uint8 = 4
)

// x86Cond is the condition nibble of Jcc/SETcc/CMOVcc.
type x86Cond uint8

const (
	ccB  x86Cond = 0x2
	ccAE x86Cond = 0x3
	ccE  x86Cond = 0x4
	ccNE x86Cond = 0x5
	ccBE x86Cond = 0x6
	ccA  x86Cond = 0x7
	ccL  x86Cond = 0xC
	ccGE x86Cond = 0xD
	ccLE x86Cond = 0xE
	ccG  x86Cond = 0xF
)

// x86CondOf maps an IR condition to the x86 condition nibble. Test
// conditions share Eq/Ne but compare with TEST instead of CMP.
func x86CondOf(c ir.Cond) x86Cond {
	switch c {
	case ir.CondEq, ir.CondTstEq:
		return ccE
	case ir.CondNe, ir.CondTstNe:
		return ccNE
	case ir.CondLt:
		return ccL
	case ir.CondGe:
		return ccGE
	case ir.CondLe:
		return ccLE
	case ir.CondGt:
		return ccG
	case ir.CondLtu:
		return ccB
	case ir.CondGeu:
		return ccAE
	case ir.CondLeu:
		return ccBE
	case ir.CondGtu:
		return ccA
	}
	panic("jit: no x86 condition for " + c.String())
}

// invert flips the sense of an x86 condition (low bit of the nibble).
func (c x86Cond) invert() x86Cond { return c ^ 1 }

func rexwFlag(rexw bool) uint32 {
	if rexw {
		return pREXW
	}
	return 0
}

// emitOpc writes prefixes, REX, escapes and the opcode byte. r goes to the
// ModR/M reg field, rm to r/m, index to the SIB index (0xFF when unused).
func emitOpc(buf *CodeBuffer, opc uint32, r, rm, index uint8) {
	var rex uint8
	if opc&pREXW != 0 {
		rex |= 0x08
	}
	if r >= 8 {
		rex |= 0x04
	}
	if index != 0xFF && index >= 8 {
		rex |= 0x02
	}
	if rm >= 8 {
		rex |= 0x01
	}
	// Byte-register access to SPL/BPL/SIL/DIL needs a bare REX.
	if rex == 0 && (opc&pREXBR != 0 && r >= 4 || opc&pREXBRM != 0 && rm >= 4) {
		rex = 0x40
	}

	if opc&pDATA16 != 0 {
		buf.Emit8(0x66)
	}
	if opc&pSIMDF3 != 0 {
		buf.Emit8(0xF3)
	} else if opc&pSIMDF2 != 0 {
		buf.Emit8(0xF2)
	}
	if rex != 0 {
		buf.Emit8(0x40 | rex)
	}
	if opc&(pEXT|pEXT38|pEXT3A) != 0 {
		buf.Emit8(0x0F)
		if opc&pEXT38 != 0 {
			buf.Emit8(0x38)
		} else if opc&pEXT3A != 0 {
			buf.Emit8(0x3A)
		}
	}
	buf.Emit8(uint8(opc))
}

// emitModRM encodes a register-register operation.
func emitModRM(buf *CodeBuffer, opc uint32, r, rm uint8) {
	emitOpc(buf, opc, r, rm, 0xFF)
	buf.Emit8(0xC0 | (r&7)<<3 | rm&7)
}

// emitModRMExt encodes a group operation with /ext in the reg field.
func emitModRMExt(buf *CodeBuffer, opc uint32, ext, rm uint8) {
	emitOpc(buf, opc, ext&7, rm, 0xFF)
	buf.Emit8(0xC0 | (ext&7)<<3 | rm&7)
}

// emitMemOperand writes ModR/M (+SIB) + displacement for [base + offset].
// Two encodings need care: base low bits 100 always takes a SIB byte, and
// base low bits 101 with zero displacement must use mod=01 disp8=0 since
// mod=00 rm=101 means RIP-relative.
func emitMemOperand(buf *CodeBuffer, r, base uint8, offset int32) {
	r3 := r & 7
	b3 := base & 7
	switch {
	case offset == 0 && b3 != 5:
		if b3 == 4 {
			buf.Emit8(r3<<3 | 0x04)
			buf.Emit8(0x24)
		} else {
			buf.Emit8(r3<<3 | b3)
		}
	case offset >= -128 && offset <= 127:
		if b3 == 4 {
			buf.Emit8(0x44 | r3<<3)
			buf.Emit8(0x24)
		} else {
			buf.Emit8(0x40 | r3<<3 | b3)
		}
		buf.Emit8(uint8(offset))
	default:
		if b3 == 4 {
			buf.Emit8(0x84 | r3<<3)
			buf.Emit8(0x24)
		} else {
			buf.Emit8(0x80 | r3<<3 | b3)
		}
		buf.Emit32(uint32(offset))
	}
}

// emitModRMOffset encodes op reg, [base + offset].
func emitModRMOffset(buf *CodeBuffer, opc uint32, r, base uint8, offset int32) {
	emitOpc(buf, opc, r, base, 0xFF)
	emitMemOperand(buf, r, base, offset)
}

// emitModRMSIB encodes op reg, [base + index<<shift + offset].
func emitModRMSIB(buf *CodeBuffer, opc uint32, r, base, index uint8, shift uint8, offset int32) {
	emitOpc(buf, opc, r, base, index)
	r3 := r & 7
	b3 := base & 7
	sib := shift<<6 | (index&7)<<3 | b3
	switch {
	case offset == 0 && b3 != 5:
		buf.Emit8(r3<<3 | 0x04)
		buf.Emit8(sib)
	case offset >= -128 && offset <= 127:
		buf.Emit8(0x44 | r3<<3)
		buf.Emit8(sib)
		buf.Emit8(uint8(offset))
	default:
		buf.Emit8(0x84 | r3<<3)
		buf.Emit8(sib)
		buf.Emit32(uint32(offset))
	}
}

// Arithmetic.

func emitArithRR(buf *CodeBuffer, op arithOp, rexw bool, dst, src uint8) {
	opc := (opcArithGvEv + uint32(op)<<3) | rexwFlag(rexw)
	emitModRM(buf, opc, dst, src)
}

func emitArithRI(buf *CodeBuffer, op arithOp, rexw bool, dst uint8, imm int32) {
	w := rexwFlag(rexw)
	if imm >= -128 && imm <= 127 {
		emitModRMExt(buf, opcArithEvIb|w, uint8(op), dst)
		buf.Emit8(uint8(imm))
	} else {
		emitModRMExt(buf, opcArithEvIz|w, uint8(op), dst)
		buf.Emit32(uint32(imm))
	}
}

func emitNeg(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Neg, reg)
}

func emitNot(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Not, reg)
}

// Shifts.

func emitShiftRI(buf *CodeBuffer, op shiftOp, rexw bool, dst uint8, imm uint8) {
	w := rexwFlag(rexw)
	if imm == 1 {
		emitModRMExt(buf, opcShift1|w, uint8(op), dst)
	} else {
		emitModRMExt(buf, opcShiftIb|w, uint8(op), dst)
		buf.Emit8(imm)
	}
}

func emitShiftCL(buf *CodeBuffer, op shiftOp, rexw bool, dst uint8) {
	emitModRMExt(buf, opcShiftCL|rexwFlag(rexw), uint8(op), dst)
}

// Data movement.

func emitMovRR(buf *CodeBuffer, rexw bool, dst, src uint8) {
	emitModRM(buf, opcMovLEvGv|rexwFlag(rexw), src, dst)
}

// emitMovRI materializes an immediate with the shortest usable form:
// xor for zero, mov r32 for unsigned 32-bit (implicit zero extension),
// sign-extended imm32, then the 10-byte movabs.
func emitMovRI(buf *CodeBuffer, rexw bool, reg uint8, val uint64) {
	switch {
	case val == 0:
		emitModRM(buf, 0x31, reg, reg)
	case !rexw || val <= 0xFFFFFFFF:
		emitOpc(buf, opcMovLIv+uint32(reg&7), 0, reg, 0xFF)
		buf.Emit32(uint32(val))
	case int64(val) >= -0x80000000 && int64(val) <= 0x7FFFFFFF:
		emitModRMExt(buf, opcMovLEvIz|pREXW, 0, reg)
		buf.Emit32(uint32(val))
	default:
		emitOpc(buf, (opcMovLIv+uint32(reg&7))|pREXW, 0, reg, 0xFF)
		buf.Emit64(val)
	}
}

func emitMovzx(buf *CodeBuffer, opc uint32, dst, src uint8) {
	emitModRM(buf, opc, dst, src)
}

func emitMovsx(buf *CodeBuffer, opc uint32, dst, src uint8) {
	emitModRM(buf, opc, dst, src)
}

func emitBswap(buf *CodeBuffer, rexw bool, reg uint8) {
	// BSWAP carries the register in the opcode byte: 0F C8+rd.
	emitOpc(buf, (opcBswap+uint32(reg&7))|rexwFlag(rexw), 0, reg, 0xFF)
}

// emitRolw8 rotates the low 16 bits by 8 (the bswap16 core).
func emitRolw8(buf *CodeBuffer, reg uint8) {
	emitModRMExt(buf, opcShiftIb|pDATA16, uint8(shiftRol), reg)
	buf.Emit8(8)
}

// Memory.

func emitLoad(buf *CodeBuffer, rexw bool, dst, base uint8, offset int32) {
	emitModRMOffset(buf, opcMovLGvEv|rexwFlag(rexw), dst, base, offset)
}

func emitStore(buf *CodeBuffer, rexw bool, src, base uint8, offset int32) {
	emitModRMOffset(buf, opcMovLEvGv|rexwFlag(rexw), src, base, offset)
}

func emitStoreByte(buf *CodeBuffer, src, base uint8, offset int32) {
	emitModRMOffset(buf, opcMovBEvGv|pREXBR, src, base, offset)
}

func emitStoreWord(buf *CodeBuffer, src, base uint8, offset int32) {
	emitModRMOffset(buf, opcMovLEvGv|pDATA16, src, base, offset)
}

func emitLeaSIB(buf *CodeBuffer, rexw bool, dst, base, index uint8, shift uint8, offset int32) {
	emitModRMSIB(buf, opcLea|rexwFlag(rexw), dst, base, index, shift, offset)
}

func emitLoadSIB(buf *CodeBuffer, opc uint32, dst, base, index uint8) {
	emitModRMSIB(buf, opc, dst, base, index, 0, 0)
}

func emitStoreSIB(buf *CodeBuffer, opc uint32, src, base, index uint8) {
	emitModRMSIB(buf, opc, src, base, index, 0, 0)
}

// Multiply / divide.

func emitMul1(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Mul, reg)
}

func emitImul1(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Imul, reg)
}

func emitImulRR(buf *CodeBuffer, rexw bool, dst, src uint8) {
	emitModRM(buf, opcImulGvEv|rexwFlag(rexw), dst, src)
}

func emitDiv(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Div, reg)
}

func emitIdiv(buf *CodeBuffer, rexw bool, reg uint8) {
	emitModRMExt(buf, opcGrp3Ev|rexwFlag(rexw), ext3Idiv, reg)
}

// Bit counting.

func emitLzcnt(buf *CodeBuffer, rexw bool, dst, src uint8) {
	emitModRM(buf, opcLzcnt|rexwFlag(rexw), dst, src)
}

func emitTzcnt(buf *CodeBuffer, rexw bool, dst, src uint8) {
	emitModRM(buf, opcTzcnt|rexwFlag(rexw), dst, src)
}

func emitPopcnt(buf *CodeBuffer, rexw bool, dst, src uint8) {
	emitModRM(buf, opcPopcnt|rexwFlag(rexw), dst, src)
}

// emitAndn encodes the BMI1 three-address ANDN via VEX: dst = ^src1 & src2.
func emitAndn(buf *CodeBuffer, rexw bool, dst, src1, src2 uint8) {
	emitVexModRM(buf, opcAndn|rexwFlag(rexw), dst, src1, src2)
}

// Branches and comparisons.

func emitJcc(buf *CodeBuffer, cond x86Cond, target int) {
	emitOpc(buf, opcJccLong+uint32(cond), 0, 0, 0xFF)
	disp := int64(target) - int64(buf.Offset()+4)
	buf.Emit32(uint32(disp))
}

func emitJmp(buf *CodeBuffer, target int) {
	buf.Emit8(uint8(opcJmpLong))
	disp := int64(target) - int64(buf.Offset()+4)
	buf.Emit32(uint32(disp))
}

func emitJmpReg(buf *CodeBuffer, reg uint8) {
	emitModRMExt(buf, opcGrp5, ext5JmpN, reg)
}

func emitCallReg(buf *CodeBuffer, reg uint8) {
	emitModRMExt(buf, opcGrp5, ext5CallN, reg)
}

func emitSetcc(buf *CodeBuffer, cond x86Cond, dst uint8) {
	emitModRMExt(buf, opcSetcc+uint32(cond), 0, dst)
}

func emitCmovcc(buf *CodeBuffer, cond x86Cond, rexw bool, dst, src uint8) {
	emitModRM(buf, (opcCmovcc+uint32(cond))|rexwFlag(rexw), dst, src)
}

func emitTestRR(buf *CodeBuffer, rexw bool, a, b uint8) {
	emitModRM(buf, opcTestL|rexwFlag(rexw), a, b)
}

// Misc.

func emitPush(buf *CodeBuffer, reg uint8) {
	emitOpc(buf, opcPushR32+uint32(reg&7), 0, reg, 0xFF)
}

func emitPop(buf *CodeBuffer, reg uint8) {
	emitOpc(buf, opcPopR32+uint32(reg&7), 0, reg, 0xFF)
}

func emitRet(buf *CodeBuffer) {
	buf.Emit8(uint8(opcRet))
}

func emitStc(buf *CodeBuffer) {
	buf.Emit8(0xF9)
}

func emitCqo(buf *CodeBuffer) {
	buf.Emit8(0x48)
	buf.Emit8(0x99)
}

func emitCdq(buf *CodeBuffer) {
	buf.Emit8(0x99)
}

func emitMfence(buf *CodeBuffer) {
	buf.Emit8(0x0F)
	buf.Emit8(0xAE)
	buf.Emit8(0xF0)
}

func emitShrdRI(buf *CodeBuffer, rexw bool, dst, src uint8, imm uint8) {
	emitModRM(buf, opcShrdIb|rexwFlag(rexw), src, dst)
	buf.Emit8(imm)
}

// emitNops writes n bytes of recommended multi-byte NOP padding.
func emitNops(buf *CodeBuffer, n int) {
	for n > 0 {
		switch n {
		case 1:
			buf.Emit8(0x90)
			n -= 1
		case 2:
			buf.EmitBytes([]byte{0x66, 0x90})
			n -= 2
		case 3:
			buf.EmitBytes([]byte{0x0F, 0x1F, 0x00})
			n -= 3
		case 4:
			buf.EmitBytes([]byte{0x0F, 0x1F, 0x40, 0x00})
			n -= 4
		case 5:
			buf.EmitBytes([]byte{0x0F, 0x1F, 0x44, 0x00, 0x00})
			n -= 5
		case 6:
			buf.EmitBytes([]byte{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00})
			n -= 6
		case 7:
			buf.EmitBytes([]byte{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00})
			n -= 7
		default:
			buf.EmitBytes([]byte{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00})
			n -= 8
		}
	}
}

// emitVexModRM writes a 2- or 3-byte VEX prefix plus opcode and a
// register-register ModR/M. v is the VEX.vvvv (second source) operand.
func emitVexModRM(buf *CodeBuffer, opc uint32, r, v, rm uint8) {
	var rBit uint8 = 0x80
	if r >= 8 {
		rBit = 0
	}
	var xBit uint8 = 0x40
	var bBit uint8 = 0x20
	if rm >= 8 {
		bBit = 0
	}
	vvvv := (^v & 0x0F) << 3
	var w uint8
	if opc&pREXW != 0 {
		w = 0x80
	}
	var pp uint8
	switch {
	case opc&pDATA16 != 0:
		pp = 1
	case opc&pSIMDF3 != 0:
		pp = 2
	case opc&pSIMDF2 != 0:
		pp = 3
	}
	var mm uint8 = 1
	if opc&pEXT38 != 0 {
		mm = 2
	} else if opc&pEXT3A != 0 {
		mm = 3
	}

	if mm == 1 && w == 0 && bBit != 0 {
		buf.Emit8(0xC5)
		buf.Emit8(rBit | vvvv | pp)
	} else {
		buf.Emit8(0xC4)
		buf.Emit8(rBit | xBit | bBit | mm)
		buf.Emit8(w | vvvv | pp)
	}
	buf.Emit8(uint8(opc))
	buf.Emit8(0xC0 | (r&7)<<3 | rm&7)
}
