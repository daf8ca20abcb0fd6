package riscv

import (
	"encoding/binary"

	"github.com/rivetvm/rivet/ir"
)

// disasJump records how the block being translated ends.
type disasJump int

const (
	jumpNext disasJump = iota
	jumpTooMany
	jumpBranch
	jumpIndirect
	jumpException
)

// disas is the per-TB translation state driving the IR builder.
type disas struct {
	ctx *ir.Context
	cpu *CPU

	// PC of the instruction being translated.
	pc uint64

	numInsns uint32
	maxInsns uint32
	jmp      disasJump
}

// GenCode implements engine.GuestCPU: it drives the translator loop
// tb_start -> (insn_start; translate_insn)* -> tb_stop for one block and
// returns the guest bytes covered.
func (c *CPU) GenCode(ctx *ir.Context, pc uint64, maxInsns uint32) uint32 {
	c.bindGlobals(ctx)
	dc := &disas{ctx: ctx, cpu: c, pc: pc, maxInsns: maxInsns}

	dc.tbStart()
	for {
		dc.insnStart()
		dc.translateInsn()
		if dc.jmp != jumpNext {
			break
		}
		if dc.numInsns >= dc.maxInsns {
			dc.jmp = jumpTooMany
			break
		}
	}
	dc.tbStop()
	return dc.numInsns * 4
}

func (dc *disas) tbStart() {}

func (dc *disas) insnStart() {
	dc.ctx.GenInsnStart(dc.pc)
}

// tbStop terminates blocks that fell off the end (straight-line code or
// instruction budget) with a chainable jump to the next PC. Branches,
// indirect jumps and exceptions have already emitted their exits.
func (dc *disas) tbStop() {
	switch dc.jmp {
	case jumpNext, jumpTooMany:
		dc.gotoTB(0, dc.pc)
	}
}

// Builder conveniences.

func (dc *disas) tmp() ir.TempIdx { return dc.ctx.NewTemp(ir.I64) }

func (dc *disas) konst(v uint64) ir.TempIdx { return dc.ctx.NewConst(ir.I64, v) }

// src returns the temp to read for a source register; x0 reads as the
// constant zero.
func (dc *disas) src(r int) ir.TempIdx {
	if r == 0 {
		return dc.konst(0)
	}
	return dc.cpu.gpr[r]
}

// dst returns the temp a result lands in. Writes to x0 are redirected into
// a scratch temp so the zero register never changes.
func (dc *disas) dst(r int) ir.TempIdx {
	if r == 0 {
		return dc.tmp()
	}
	return dc.cpu.gpr[r]
}

// sext32 sign-extends the low 32 bits of s into d (the W-form epilogue).
func (dc *disas) sext32(d, s ir.TempIdx) {
	dc.ctx.GenSExtract(ir.I64, d, s, 0, 32)
}

// gotoTB ends the block with a patchable direct jump: the next PC reaches
// the state struct before the jump, and the fall-through exit word names
// this TB and slot so the loop can chain it.
func (dc *disas) gotoTB(slot uint32, dest uint64) {
	dc.ctx.GenMovi(ir.I64, dc.cpu.pcG, dest)
	dc.ctx.GenGotoTb(slot)
	dc.ctx.GenExitTb(ir.EncodeTBExit(dc.ctx.TbIdx, slot))
}

// exitException ends the block with a guest exception at the current
// instruction.
func (dc *disas) exitException(excp uint32) {
	dc.ctx.GenMovi(ir.I64, dc.cpu.pcG, dc.pc)
	dc.ctx.GenExitTb(ir.EncodeTBExcp(excp))
	dc.jmp = jumpException
}

// translateInsn lowers one guest instruction and advances the PC.
func (dc *disas) translateInsn() {
	if dc.pc+4 > uint64(len(dc.cpu.Mem)) {
		dc.exitException(ir.ExcpIllegal)
		return
	}
	i := insn(binary.LittleEndian.Uint32(dc.cpu.Mem[dc.pc:]))
	dc.numInsns++

	switch i.opcode() {
	case opcLUI:
		if i.rd() != 0 {
			dc.ctx.GenMovi(ir.I64, dc.dst(i.rd()), uint64(i.immU()))
		}
	case opcAUIPC:
		if i.rd() != 0 {
			dc.ctx.GenMovi(ir.I64, dc.dst(i.rd()), dc.pc+uint64(i.immU()))
		}
	case opcJAL:
		dc.transJAL(i)
		return
	case opcJALR:
		dc.transJALR(i)
		return
	case opcBRANCH:
		dc.transBranch(i)
		return
	case opcLOAD:
		dc.transLoad(i)
	case opcSTORE:
		dc.transStore(i)
	case opcOPIMM:
		dc.transOpImm(i)
	case opcOP:
		dc.transOp(i)
	case opcOPIMM32:
		dc.transOpImm32(i)
	case opcOP32:
		dc.transOp32(i)
	case opcMISC:
		// FENCE and FENCE.I. A full barrier is stronger than either
		// requires.
		dc.ctx.GenMb(0)
	case opcSYSTEM:
		switch uint32(i) {
		case 0x00000073: // ecall
			dc.exitException(ir.ExcpEcall)
			return
		case 0x00100073: // ebreak
			dc.exitException(ir.ExcpEbreak)
			return
		default:
			dc.exitException(ir.ExcpIllegal)
			return
		}
	default:
		dc.exitException(ir.ExcpIllegal)
		return
	}

	dc.pc += 4
}

func (dc *disas) transJAL(i insn) {
	target := dc.pc + uint64(i.immJ())
	if i.rd() != 0 {
		dc.ctx.GenMovi(ir.I64, dc.dst(i.rd()), dc.pc+4)
	}
	dc.numInsnsAdvance()
	dc.gotoTB(0, target)
	dc.jmp = jumpBranch
}

func (dc *disas) transJALR(i insn) {
	ctx := dc.ctx
	// Target computed before the link write: rs1 may alias rd.
	t := dc.tmp()
	ctx.GenAdd(ir.I64, t, dc.src(i.rs1()), dc.konst(uint64(i.immI())))
	ctx.GenAnd(ir.I64, t, t, dc.konst(^uint64(1)))
	if i.rd() != 0 {
		ctx.GenMovi(ir.I64, dc.dst(i.rd()), dc.pc+4)
	}
	ctx.GenMov(ir.I64, dc.cpu.pcG, t)
	dc.numInsnsAdvance()
	// Indirect target: not statically chainable, resolved through the
	// per-TB exit cache on the next loop iteration.
	ctx.GenExitTb(ir.EncodeTBExit(ctx.TbIdx, ir.TBExitNochain))
	dc.jmp = jumpIndirect
}

func (dc *disas) transBranch(i insn) {
	var cond ir.Cond
	switch i.funct3() {
	case 0:
		cond = ir.CondEq
	case 1:
		cond = ir.CondNe
	case 4:
		cond = ir.CondLt
	case 5:
		cond = ir.CondGe
	case 6:
		cond = ir.CondLtu
	case 7:
		cond = ir.CondGeu
	default:
		dc.exitException(ir.ExcpIllegal)
		return
	}
	target := dc.pc + uint64(i.immB())
	next := dc.pc + 4

	l := dc.ctx.NewLabel()
	dc.ctx.GenBrCond(ir.I64, dc.src(i.rs1()), dc.src(i.rs2()), cond, l)
	dc.numInsnsAdvance()
	dc.gotoTB(1, next)
	dc.ctx.GenSetLabel(l)
	dc.gotoTB(0, target)
	dc.jmp = jumpBranch
}

// numInsnsAdvance moves the translator past a control-transfer insn; the
// helpers that emit exits want dc.pc untouched until they are done.
func (dc *disas) numInsnsAdvance() {
	dc.pc += 4
}

func (dc *disas) transLoad(i insn) {
	var mop ir.MemOp
	switch i.funct3() {
	case 0:
		mop = ir.MemOpSB
	case 1:
		mop = ir.MemOpSW
	case 2:
		mop = ir.MemOpSL
	case 3:
		mop = ir.MemOpUQ
	case 4:
		mop = ir.MemOpUB
	case 5:
		mop = ir.MemOpUW
	case 6:
		mop = ir.MemOpUL
	default:
		dc.exitException(ir.ExcpIllegal)
		return
	}
	addr := dc.tmp()
	dc.ctx.GenAdd(ir.I64, addr, dc.src(i.rs1()), dc.konst(uint64(i.immI())))
	// Loads to x0 still perform the access; the result is discarded.
	dc.ctx.GenQemuLd(ir.I64, dc.dst(i.rd()), addr, mop)
}

func (dc *disas) transStore(i insn) {
	var mop ir.MemOp
	switch i.funct3() {
	case 0:
		mop = ir.MemOpUB
	case 1:
		mop = ir.MemOpUW
	case 2:
		mop = ir.MemOpUL
	case 3:
		mop = ir.MemOpUQ
	default:
		dc.exitException(ir.ExcpIllegal)
		return
	}
	addr := dc.tmp()
	dc.ctx.GenAdd(ir.I64, addr, dc.src(i.rs1()), dc.konst(uint64(i.immS())))
	dc.ctx.GenQemuSt(ir.I64, dc.src(i.rs2()), addr, mop)
}

func (dc *disas) transOpImm(i insn) {
	if i.rd() == 0 {
		return // architectural nop
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())
	imm := dc.konst(uint64(i.immI()))

	switch i.funct3() {
	case 0: // addi
		ctx.GenAdd(ir.I64, d, a, imm)
	case 1: // slli
		if i.funct7()>>1 != 0 {
			dc.exitException(ir.ExcpIllegal)
			return
		}
		ctx.GenShl(ir.I64, d, a, dc.konst(uint64(i.shamt())))
	case 2: // slti
		ctx.GenSetCond(ir.I64, d, a, imm, ir.CondLt)
	case 3: // sltiu
		ctx.GenSetCond(ir.I64, d, a, imm, ir.CondLtu)
	case 4: // xori
		ctx.GenXor(ir.I64, d, a, imm)
	case 5: // srli/srai
		sh := dc.konst(uint64(i.shamt()))
		if i.funct7()>>1 == 0x10 {
			ctx.GenSar(ir.I64, d, a, sh)
		} else if i.funct7()>>1 == 0 {
			ctx.GenShr(ir.I64, d, a, sh)
		} else {
			dc.exitException(ir.ExcpIllegal)
			return
		}
	case 6: // ori
		ctx.GenOr(ir.I64, d, a, imm)
	case 7: // andi
		ctx.GenAnd(ir.I64, d, a, imm)
	}
}

func (dc *disas) transOp(i insn) {
	if i.funct7() == 1 {
		dc.transOpM(i)
		return
	}
	if i.rd() == 0 {
		return
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())
	b := dc.src(i.rs2())

	switch {
	case i.funct3() == 0 && i.funct7() == 0: // add
		ctx.GenAdd(ir.I64, d, a, b)
	case i.funct3() == 0 && i.funct7() == 0x20: // sub
		ctx.GenSub(ir.I64, d, a, b)
	case i.funct3() == 1: // sll
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(63))
		ctx.GenShl(ir.I64, d, a, amt)
	case i.funct3() == 2: // slt
		ctx.GenSetCond(ir.I64, d, a, b, ir.CondLt)
	case i.funct3() == 3: // sltu
		ctx.GenSetCond(ir.I64, d, a, b, ir.CondLtu)
	case i.funct3() == 4: // xor
		ctx.GenXor(ir.I64, d, a, b)
	case i.funct3() == 5 && i.funct7() == 0: // srl
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(63))
		ctx.GenShr(ir.I64, d, a, amt)
	case i.funct3() == 5 && i.funct7() == 0x20: // sra
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(63))
		ctx.GenSar(ir.I64, d, a, amt)
	case i.funct3() == 6: // or
		ctx.GenOr(ir.I64, d, a, b)
	case i.funct3() == 7: // and
		ctx.GenAnd(ir.I64, d, a, b)
	default:
		dc.exitException(ir.ExcpIllegal)
	}
}

// transOpM lowers the M extension (RV64M, 64-bit forms).
func (dc *disas) transOpM(i insn) {
	if i.rd() == 0 {
		return
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())
	b := dc.src(i.rs2())

	switch i.funct3() {
	case 0: // mul
		ctx.GenMul(ir.I64, d, a, b)
	case 1: // mulh
		ctx.GenMulSH(ir.I64, d, a, b)
	case 2: // mulhsu
		dc.genMulhsu(d, a, b)
	case 3: // mulhu
		ctx.GenMulUH(ir.I64, d, a, b)
	case 4: // div
		dc.genDiv(d, a, b)
	case 5: // divu
		dc.genDivu(d, a, b)
	case 6: // rem
		dc.genRem(d, a, b)
	case 7: // remu
		dc.genRemu(d, a, b)
	}
}

// genMulhsu computes the high half of signed(a) * unsigned(b):
// the unsigned high word minus b where a is negative.
func (dc *disas) genMulhsu(d, a, b ir.TempIdx) {
	ctx := dc.ctx
	hi := dc.tmp()
	ctx.GenMulUH(ir.I64, hi, a, b)
	sign := dc.tmp()
	ctx.GenSar(ir.I64, sign, a, dc.konst(63))
	ctx.GenAnd(ir.I64, sign, sign, b)
	ctx.GenSub(ir.I64, d, hi, sign)
}

// RISC-V division never traps: the divisor is laundered through movcond so
// the host divide cannot fault, and the architected special-case results
// are selected afterwards.

func (dc *disas) genDiv(d, a, b ir.TempIdx) {
	ctx := dc.ctx
	zero := dc.konst(0)
	one := dc.konst(1)
	minI64 := dc.konst(1 << 63)

	// Overflow predicate: a == MIN && b == -1.
	ovf := dc.tmp()
	ctx.GenSetCond(ir.I64, ovf, a, minI64, ir.CondEq)
	t := dc.tmp()
	ctx.GenSetCond(ir.I64, t, b, dc.konst(^uint64(0)), ir.CondEq)
	ctx.GenAnd(ir.I64, ovf, ovf, t)

	// Divisor with the faulting cases replaced by 1.
	safe := dc.tmp()
	ctx.GenMovCond(ir.I64, safe, b, zero, one, b, ir.CondEq)
	safe2 := dc.tmp()
	ctx.GenMovCond(ir.I64, safe2, ovf, zero, one, safe, ir.CondNe)

	q := dc.tmp()
	ctx.GenDivS(ir.I64, q, a, safe2)
	q2 := dc.tmp()
	ctx.GenMovCond(ir.I64, q2, b, zero, dc.konst(^uint64(0)), q, ir.CondEq)
	ctx.GenMovCond(ir.I64, d, ovf, zero, minI64, q2, ir.CondNe)
}

func (dc *disas) genDivu(d, a, b ir.TempIdx) {
	ctx := dc.ctx
	zero := dc.konst(0)
	safe := dc.tmp()
	ctx.GenMovCond(ir.I64, safe, b, zero, dc.konst(1), b, ir.CondEq)
	q := dc.tmp()
	ctx.GenDivU(ir.I64, q, a, safe)
	ctx.GenMovCond(ir.I64, d, b, zero, dc.konst(^uint64(0)), q, ir.CondEq)
}

func (dc *disas) genRem(d, a, b ir.TempIdx) {
	ctx := dc.ctx
	zero := dc.konst(0)
	one := dc.konst(1)
	minI64 := dc.konst(1 << 63)

	ovf := dc.tmp()
	ctx.GenSetCond(ir.I64, ovf, a, minI64, ir.CondEq)
	t := dc.tmp()
	ctx.GenSetCond(ir.I64, t, b, dc.konst(^uint64(0)), ir.CondEq)
	ctx.GenAnd(ir.I64, ovf, ovf, t)

	safe := dc.tmp()
	ctx.GenMovCond(ir.I64, safe, b, zero, one, b, ir.CondEq)
	safe2 := dc.tmp()
	ctx.GenMovCond(ir.I64, safe2, ovf, zero, one, safe, ir.CondNe)

	r := dc.tmp()
	ctx.GenRemS(ir.I64, r, a, safe2)
	r2 := dc.tmp()
	ctx.GenMovCond(ir.I64, r2, b, zero, a, r, ir.CondEq)
	ctx.GenMovCond(ir.I64, d, ovf, zero, zero, r2, ir.CondNe)
}

func (dc *disas) genRemu(d, a, b ir.TempIdx) {
	ctx := dc.ctx
	zero := dc.konst(0)
	safe := dc.tmp()
	ctx.GenMovCond(ir.I64, safe, b, zero, dc.konst(1), b, ir.CondEq)
	r := dc.tmp()
	ctx.GenRemU(ir.I64, r, a, safe)
	ctx.GenMovCond(ir.I64, d, b, zero, a, r, ir.CondEq)
}

func (dc *disas) transOpImm32(i insn) {
	if i.rd() == 0 {
		return
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())

	switch i.funct3() {
	case 0: // addiw
		t := dc.tmp()
		ctx.GenAdd(ir.I64, t, a, dc.konst(uint64(i.immI())))
		dc.sext32(d, t)
	case 1: // slliw
		t := dc.tmp()
		ctx.GenShl(ir.I64, t, a, dc.konst(uint64(i.shamtW())))
		dc.sext32(d, t)
	case 5: // srliw/sraiw
		sh := dc.konst(uint64(i.shamtW()))
		t := dc.tmp()
		if i.funct7() == 0x20 {
			dc.sext32(t, a)
			ctx.GenSar(ir.I64, t, t, sh)
		} else if i.funct7() == 0 {
			ctx.GenExtract(ir.I64, t, a, 0, 32)
			ctx.GenShr(ir.I64, t, t, sh)
		} else {
			dc.exitException(ir.ExcpIllegal)
			return
		}
		dc.sext32(d, t)
	default:
		dc.exitException(ir.ExcpIllegal)
	}
}

func (dc *disas) transOp32(i insn) {
	if i.funct7() == 1 {
		dc.transOpM32(i)
		return
	}
	if i.rd() == 0 {
		return
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())
	b := dc.src(i.rs2())
	t := dc.tmp()

	switch {
	case i.funct3() == 0 && i.funct7() == 0: // addw
		ctx.GenAdd(ir.I64, t, a, b)
	case i.funct3() == 0 && i.funct7() == 0x20: // subw
		ctx.GenSub(ir.I64, t, a, b)
	case i.funct3() == 1: // sllw
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(31))
		ctx.GenShl(ir.I64, t, a, amt)
	case i.funct3() == 5 && i.funct7() == 0: // srlw
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(31))
		ctx.GenExtract(ir.I64, t, a, 0, 32)
		ctx.GenShr(ir.I64, t, t, amt)
	case i.funct3() == 5 && i.funct7() == 0x20: // sraw
		amt := dc.tmp()
		ctx.GenAnd(ir.I64, amt, b, dc.konst(31))
		dc.sext32(t, a)
		ctx.GenSar(ir.I64, t, t, amt)
	default:
		dc.exitException(ir.ExcpIllegal)
		return
	}
	dc.sext32(d, t)
}

// transOpM32 lowers the RV64M W forms over sign- or zero-extended 32-bit
// operands; the 64-bit divide cannot overflow for them, so only the
// divide-by-zero results need selecting.
func (dc *disas) transOpM32(i insn) {
	if i.rd() == 0 {
		return
	}
	ctx := dc.ctx
	d := dc.dst(i.rd())
	a := dc.src(i.rs1())
	b := dc.src(i.rs2())
	zero := dc.konst(0)

	switch i.funct3() {
	case 0: // mulw
		t := dc.tmp()
		ctx.GenMul(ir.I64, t, a, b)
		dc.sext32(d, t)
	case 4: // divw
		sa, sb := dc.tmp(), dc.tmp()
		dc.sext32(sa, a)
		dc.sext32(sb, b)
		safe := dc.tmp()
		ctx.GenMovCond(ir.I64, safe, sb, zero, dc.konst(1), sb, ir.CondEq)
		q := dc.tmp()
		ctx.GenDivS(ir.I64, q, sa, safe)
		q2 := dc.tmp()
		ctx.GenMovCond(ir.I64, q2, sb, zero, dc.konst(^uint64(0)), q, ir.CondEq)
		dc.sext32(d, q2)
	case 5: // divuw
		za, zb := dc.tmp(), dc.tmp()
		ctx.GenExtract(ir.I64, za, a, 0, 32)
		ctx.GenExtract(ir.I64, zb, b, 0, 32)
		safe := dc.tmp()
		ctx.GenMovCond(ir.I64, safe, zb, zero, dc.konst(1), zb, ir.CondEq)
		q := dc.tmp()
		ctx.GenDivU(ir.I64, q, za, safe)
		q2 := dc.tmp()
		ctx.GenMovCond(ir.I64, q2, zb, zero, dc.konst(^uint64(0)), q, ir.CondEq)
		dc.sext32(d, q2)
	case 6: // remw
		sa, sb := dc.tmp(), dc.tmp()
		dc.sext32(sa, a)
		dc.sext32(sb, b)
		safe := dc.tmp()
		ctx.GenMovCond(ir.I64, safe, sb, zero, dc.konst(1), sb, ir.CondEq)
		r := dc.tmp()
		ctx.GenRemS(ir.I64, r, sa, safe)
		r2 := dc.tmp()
		ctx.GenMovCond(ir.I64, r2, sb, zero, sa, r, ir.CondEq)
		dc.sext32(d, r2)
	case 7: // remuw
		za, zb := dc.tmp(), dc.tmp()
		ctx.GenExtract(ir.I64, za, a, 0, 32)
		ctx.GenExtract(ir.I64, zb, b, 0, 32)
		safe := dc.tmp()
		ctx.GenMovCond(ir.I64, safe, zb, zero, dc.konst(1), zb, ir.CondEq)
		r := dc.tmp()
		ctx.GenRemU(ir.I64, r, za, safe)
		r2 := dc.tmp()
		ctx.GenMovCond(ir.I64, r2, zb, zero, za, r, ir.CondEq)
		dc.sext32(d, r2)
	default:
		dc.exitException(ir.ExcpIllegal)
	}
}
