package ir

// IR builder: one small emitter per opcode family. Builders only record
// intent — no optimization, liveness or allocation happens here. Opcodes the
// backend does not implement directly (NOT_PRESENT arithmetic) are expanded
// into supported sequences at emission time.

// Carg encodes a raw integer as a constant argument slot.
func Carg(v uint32) TempIdx { return TempIdx(v) }

func (c *Context) emitBinary(opc Opcode, ty Type, d, a, b TempIdx) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), opc, ty, d, a, b))
	return d
}

func (c *Context) emitUnary(opc Opcode, ty Type, d, s TempIdx) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), opc, ty, d, s))
	return d
}

// GenMov emits d = s.
func (c *Context) GenMov(ty Type, d, s TempIdx) TempIdx {
	return c.emitUnary(OpMov, ty, d, s)
}

// GenMovi emits d = const(val).
func (c *Context) GenMovi(ty Type, d TempIdx, val uint64) TempIdx {
	return c.GenMov(ty, d, c.NewConst(ty, val))
}

// Binary ALU.

func (c *Context) GenAdd(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpAdd, ty, d, a, b) }
func (c *Context) GenSub(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpSub, ty, d, a, b) }
func (c *Context) GenMul(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpMul, ty, d, a, b) }
func (c *Context) GenAnd(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpAnd, ty, d, a, b) }
func (c *Context) GenOr(ty Type, d, a, b TempIdx) TempIdx  { return c.emitBinary(OpOr, ty, d, a, b) }
func (c *Context) GenXor(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpXor, ty, d, a, b) }
func (c *Context) GenShl(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpShl, ty, d, a, b) }
func (c *Context) GenShr(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpShr, ty, d, a, b) }
func (c *Context) GenSar(ty Type, d, a, b TempIdx) TempIdx { return c.emitBinary(OpSar, ty, d, a, b) }
func (c *Context) GenRotl(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpRotL, ty, d, a, b)
}
func (c *Context) GenRotr(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpRotR, ty, d, a, b)
}
func (c *Context) GenAndc(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpAndC, ty, d, a, b)
}

// GenOrc emits d = a | ^b, expanded since the backend has no orc.
func (c *Context) GenOrc(ty Type, d, a, b TempIdx) TempIdx {
	t := c.NewTemp(ty)
	c.GenNot(ty, t, b)
	return c.GenOr(ty, d, a, t)
}

// GenEqv emits d = ^(a ^ b), expanded.
func (c *Context) GenEqv(ty Type, d, a, b TempIdx) TempIdx {
	c.GenXor(ty, d, a, b)
	return c.GenNot(ty, d, d)
}

// GenNand emits d = ^(a & b), expanded.
func (c *Context) GenNand(ty Type, d, a, b TempIdx) TempIdx {
	c.GenAnd(ty, d, a, b)
	return c.GenNot(ty, d, d)
}

// GenNor emits d = ^(a | b), expanded.
func (c *Context) GenNor(ty Type, d, a, b TempIdx) TempIdx {
	c.GenOr(ty, d, a, b)
	return c.GenNot(ty, d, d)
}

// Unary.

func (c *Context) GenNeg(ty Type, d, s TempIdx) TempIdx { return c.emitUnary(OpNeg, ty, d, s) }
func (c *Context) GenNot(ty Type, d, s TempIdx) TempIdx { return c.emitUnary(OpNot, ty, d, s) }

// GenSetCond emits d = (a cond b) ? 1 : 0.
func (c *Context) GenSetCond(ty Type, d, a, b TempIdx, cond Cond) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpSetCond, ty, d, a, b, Carg(uint32(cond))))
	return d
}

// GenNegSetCond emits d = (a cond b) ? -1 : 0.
func (c *Context) GenNegSetCond(ty Type, d, a, b TempIdx, cond Cond) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpNegSetCond, ty, d, a, b, Carg(uint32(cond))))
	return d
}

// GenMovCond emits d = (c1 cond c2) ? v1 : v2.
func (c *Context) GenMovCond(ty Type, d, c1, c2, v1, v2 TempIdx, cond Cond) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpMovCond, ty, d, c1, c2, v1, v2, Carg(uint32(cond))))
	return d
}

// Widening multiply / division.

// GenMulS2 emits (lo, hi) = a * b, signed.
func (c *Context) GenMulS2(ty Type, lo, hi, a, b TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpMulS2, ty, lo, hi, a, b))
}

// GenMulU2 emits (lo, hi) = a * b, unsigned.
func (c *Context) GenMulU2(ty Type, lo, hi, a, b TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpMulU2, ty, lo, hi, a, b))
}

// GenMulSH emits d = high half of a*b, signed. Expanded through muls2.
func (c *Context) GenMulSH(ty Type, d, a, b TempIdx) TempIdx {
	lo := c.NewTemp(ty)
	c.GenMulS2(ty, lo, d, a, b)
	return d
}

// GenMulUH emits d = high half of a*b, unsigned. Expanded through mulu2.
func (c *Context) GenMulUH(ty Type, d, a, b TempIdx) TempIdx {
	lo := c.NewTemp(ty)
	c.GenMulU2(ty, lo, d, a, b)
	return d
}

// GenDivS2 emits (q, r) = hi:lo / divisor, signed.
func (c *Context) GenDivS2(ty Type, q, r, lo, hi, divisor TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpDivS2, ty, q, r, lo, hi, divisor))
}

// GenDivU2 emits (q, r) = hi:lo / divisor, unsigned.
func (c *Context) GenDivU2(ty Type, q, r, lo, hi, divisor TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpDivU2, ty, q, r, lo, hi, divisor))
}

// GenDivS emits d = a / b signed, expanded through divs2 with the high word
// produced by sign extension. The caller must guard against b == 0.
func (c *Context) GenDivS(ty Type, d, a, b TempIdx) TempIdx {
	hi := c.NewTemp(ty)
	c.GenSar(ty, hi, a, c.NewConst(ty, uint64(ty.SizeBits()-1)))
	r := c.NewTemp(ty)
	c.GenDivS2(ty, d, r, a, hi, b)
	return d
}

// GenDivU emits d = a / b unsigned, expanded through divu2 with a zero high
// word. The caller must guard against b == 0.
func (c *Context) GenDivU(ty Type, d, a, b TempIdx) TempIdx {
	hi := c.NewTemp(ty)
	c.GenMovi(ty, hi, 0)
	r := c.NewTemp(ty)
	c.GenDivU2(ty, d, r, a, hi, b)
	return d
}

// GenRemS emits d = a % b signed via divs2's remainder output.
func (c *Context) GenRemS(ty Type, d, a, b TempIdx) TempIdx {
	hi := c.NewTemp(ty)
	c.GenSar(ty, hi, a, c.NewConst(ty, uint64(ty.SizeBits()-1)))
	q := c.NewTemp(ty)
	c.GenDivS2(ty, q, d, a, hi, b)
	return d
}

// GenRemU emits d = a % b unsigned via divu2's remainder output.
func (c *Context) GenRemU(ty Type, d, a, b TempIdx) TempIdx {
	hi := c.NewTemp(ty)
	c.GenMovi(ty, hi, 0)
	q := c.NewTemp(ty)
	c.GenDivU2(ty, q, d, a, hi, b)
	return d
}

// Carry arithmetic.

func (c *Context) GenAddCO(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpAddCO, ty, d, a, b)
}
func (c *Context) GenAddCI(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpAddCI, ty, d, a, b)
}
func (c *Context) GenAddCIO(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpAddCIO, ty, d, a, b)
}
func (c *Context) GenAddC1O(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpAddC1O, ty, d, a, b)
}
func (c *Context) GenSubBO(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpSubBO, ty, d, a, b)
}
func (c *Context) GenSubBI(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpSubBI, ty, d, a, b)
}
func (c *Context) GenSubBIO(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpSubBIO, ty, d, a, b)
}
func (c *Context) GenSubB1O(ty Type, d, a, b TempIdx) TempIdx {
	return c.emitBinary(OpSubB1O, ty, d, a, b)
}

// Bit field.

// GenExtract emits d = (s >> ofs) & ((1<<len)-1).
func (c *Context) GenExtract(ty Type, d, s TempIdx, ofs, length uint32) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpExtract, ty, d, s, Carg(ofs), Carg(length)))
	return d
}

// GenSExtract emits d = sign_extend((s >> ofs) mod 2^len).
func (c *Context) GenSExtract(ty Type, d, s TempIdx, ofs, length uint32) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpSExtract, ty, d, s, Carg(ofs), Carg(length)))
	return d
}

// GenDeposit emits d = a with bits [ofs, ofs+len) replaced by b.
func (c *Context) GenDeposit(ty Type, d, a, b TempIdx, ofs, length uint32) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpDeposit, ty, d, a, b, Carg(ofs), Carg(length)))
	return d
}

// GenExtract2 emits d = (hi:lo >> shift) truncated to the type width.
func (c *Context) GenExtract2(ty Type, d, lo, hi TempIdx, shift uint32) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpExtract2, ty, d, lo, hi, Carg(shift)))
	return d
}

// Byte swap flags for the bswap16/bswap32 carg.
const (
	BswapIZ uint32 = 1 // input is zero-extended past the swapped width
	BswapOZ uint32 = 2 // output must be zero-extended
	BswapOS uint32 = 4 // output must be sign-extended
)

func (c *Context) genBswap(opc Opcode, ty Type, d, s TempIdx, flags uint32) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), opc, ty, d, s, Carg(flags)))
	return d
}

func (c *Context) GenBswap16(ty Type, d, s TempIdx, flags uint32) TempIdx {
	return c.genBswap(OpBswap16, ty, d, s, flags)
}
func (c *Context) GenBswap32(ty Type, d, s TempIdx, flags uint32) TempIdx {
	return c.genBswap(OpBswap32, ty, d, s, flags)
}
func (c *Context) GenBswap64(d, s TempIdx) TempIdx {
	return c.genBswap(OpBswap64, I64, d, s, 0)
}

// Bit counting. Clz/Ctz take a fallback input used when the source is zero;
// the x86-64 backend realizes it with LZCNT/TZCNT, whose zero-input result is
// the operand width.

func (c *Context) GenClz(ty Type, d, s, zeroVal TempIdx) TempIdx {
	return c.emitBinary(OpClz, ty, d, s, zeroVal)
}
func (c *Context) GenCtz(ty Type, d, s, zeroVal TempIdx) TempIdx {
	return c.emitBinary(OpCtz, ty, d, s, zeroVal)
}
func (c *Context) GenCtPop(ty Type, d, s TempIdx) TempIdx {
	return c.emitUnary(OpCtPop, ty, d, s)
}

// Width conversions (fixed result type).

func (c *Context) GenExtI32I64(d, s TempIdx) TempIdx   { return c.emitUnary(OpExtI32I64, I64, d, s) }
func (c *Context) GenExtUI32I64(d, s TempIdx) TempIdx  { return c.emitUnary(OpExtUI32I64, I64, d, s) }
func (c *Context) GenExtrlI64I32(d, s TempIdx) TempIdx { return c.emitUnary(OpExtrlI64I32, I32, d, s) }
func (c *Context) GenExtrhI64I32(d, s TempIdx) TempIdx { return c.emitUnary(OpExtrhI64I32, I32, d, s) }

// Host memory access against a base register plus constant offset.

func (c *Context) genLd(opc Opcode, ty Type, d, base TempIdx, offset int64) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), opc, ty, d, base, Carg(uint32(offset))))
	return d
}

func (c *Context) GenLd(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd, ty, d, base, offset)
}
func (c *Context) GenLd8U(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd8U, ty, d, base, offset)
}
func (c *Context) GenLd8S(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd8S, ty, d, base, offset)
}
func (c *Context) GenLd16U(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd16U, ty, d, base, offset)
}
func (c *Context) GenLd16S(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd16S, ty, d, base, offset)
}
func (c *Context) GenLd32U(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd32U, ty, d, base, offset)
}
func (c *Context) GenLd32S(ty Type, d, base TempIdx, offset int64) TempIdx {
	return c.genLd(OpLd32S, ty, d, base, offset)
}

func (c *Context) genSt(opc Opcode, ty Type, s, base TempIdx, offset int64) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), opc, ty, s, base, Carg(uint32(offset))))
}

func (c *Context) GenSt(ty Type, s, base TempIdx, offset int64) {
	c.genSt(OpSt, ty, s, base, offset)
}
func (c *Context) GenSt8(ty Type, s, base TempIdx, offset int64) {
	c.genSt(OpSt8, ty, s, base, offset)
}
func (c *Context) GenSt16(ty Type, s, base TempIdx, offset int64) {
	c.genSt(OpSt16, ty, s, base, offset)
}
func (c *Context) GenSt32(ty Type, s, base TempIdx, offset int64) {
	c.genSt(OpSt32, ty, s, base, offset)
}

// Guest memory access.

// GenQemuLd emits d = guest_load(addr) with the access described by memop.
func (c *Context) GenQemuLd(ty Type, d, addr TempIdx, memop MemOp) TempIdx {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpQemuLd, ty, d, addr, Carg(uint32(memop))))
	return d
}

// GenQemuSt emits guest_store(addr, s).
func (c *Context) GenQemuSt(ty Type, s, addr TempIdx, memop MemOp) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpQemuSt, ty, s, addr, Carg(uint32(memop))))
}

// Control flow. Branch builders record only the label id; the label use
// becomes a relocation when the host branch instruction is emitted.

// GenBr emits an unconditional branch to the label.
func (c *Context) GenBr(label TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpBr, I64, Carg(uint32(label))))
}

// GenBrCond emits a conditional branch to the label.
func (c *Context) GenBrCond(ty Type, a, b TempIdx, cond Cond, label TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpBrCond, ty, a, b, Carg(uint32(cond)), Carg(uint32(label))))
}

// GenSetLabel places the label at the current position.
func (c *Context) GenSetLabel(label TempIdx) {
	c.Label(label).Present = true
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpSetLabel, I64, Carg(uint32(label))))
}

// GenGotoTb emits a patchable direct jump for chain slot n (0 or 1).
func (c *Context) GenGotoTb(slot uint32) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpGotoTb, I64, Carg(slot)))
}

// GenExitTb returns to the execution loop with the given pre-encoded exit
// value.
func (c *Context) GenExitTb(val uint32) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpExitTb, I64, Carg(val)))
}

// GenGotoPtr emits an indirect jump through the register holding the host
// address in s.
func (c *Context) GenGotoPtr(s TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpGotoPtr, I64, s))
}

// GenMb emits a memory barrier. The carg carries barrier kind bits.
func (c *Context) GenMb(kind uint32) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpMb, I64, Carg(kind)))
}

// GenCall emits a helper call to the given host function address with nargs
// stack-passed arguments. Caller-saved registers are clobbered.
func (c *Context) GenCall(fn uint64, nargs uint32) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpCall, I64,
		Carg(uint32(fn)), Carg(uint32(fn>>32)), Carg(nargs)))
}

// GenInsnStart marks a guest instruction boundary at pc.
func (c *Context) GenInsnStart(pc uint64) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpInsnStart, I64,
		Carg(uint32(pc)), Carg(uint32(pc>>32))))
}

// GenDiscard marks a temp's value as unused from here on.
func (c *Context) GenDiscard(ty Type, d TempIdx) {
	c.EmitOp(NewOpArgs(c.NextOpIdx(), OpDiscard, ty, d))
}
