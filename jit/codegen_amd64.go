package jit

import (
	"fmt"

	"github.com/rivetvm/rivet/ir"
)

// Backend is the x86-64 code generator. One instance is shared by all vCPU
// threads; the mutable per-pass state (goto_tb offsets) is only touched
// under the engine's translate lock.
type Backend struct {
	// Offsets of the fixed entry/exit stubs in the code buffer.
	PrologueOffset     int
	EpilogueZeroOffset int
	TBRetOffset        int
	CodeGenStart       int

	// Byte offset of the guest-base field inside the CPU state struct,
	// loaded into the reserved base register by the prologue.
	guestBaseOffset int32

	// goto_tb sites recorded during the current codegen pass:
	// (jump instruction offset, reset offset).
	gotoTBSites [][2]int
}

// NewBackend returns a backend that finds the guest base pointer at the
// given byte offset inside the CPU state struct.
func NewBackend(guestBaseOffset int32) *Backend {
	return &Backend{guestBaseOffset: guestBaseOffset}
}

// InitContext applies the backend's frame layout and reserved registers.
func (be *Backend) InitContext(ctx *ir.Context) {
	ctx.ReservedRegs = reservedRegs
	ctx.SetFrame(regRSP, staticCallArgsSize, cpuTempBufNLongs*8)
}

// EmitPrologue writes the single entry stub. Convention:
// fn(env *CPUState, tbCode uintptr) -> exit word. env lands in AREG0, the
// guest base is loaded into its reserved register, then control jumps to
// the TB code passed in the second argument register.
func (be *Backend) EmitPrologue(buf *CodeBuffer) {
	be.PrologueOffset = buf.Offset()
	for _, reg := range calleeSaved {
		emitPush(buf, reg)
	}
	emitMovRR(buf, true, areg0, callArgRegs[0])
	emitLoad(buf, true, guestBaseReg, areg0, be.guestBaseOffset)
	emitArithRI(buf, arithSub, true, regRSP, stackAddend)
	emitJmpReg(buf, callArgRegs[1])
	be.CodeGenStart = buf.Offset()
}

// EmitEpilogue writes the two exit stubs: the zero return path and the
// common TB return path.
func (be *Backend) EmitEpilogue(buf *CodeBuffer) {
	be.EpilogueZeroOffset = buf.Offset()
	emitMovRI(buf, false, regRAX, 0)
	be.TBRetOffset = buf.Offset()
	emitArithRI(buf, arithAdd, true, regRSP, stackAddend)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		emitPop(buf, calleeSaved[i])
	}
	emitRet(buf)
	be.CodeGenStart = buf.Offset()
}

// PatchJump atomically redirects the goto_tb jump at jumpOffset to
// targetOffset. Callable concurrently from any vCPU thread; the 4-byte
// displacement field is 4-byte aligned by construction.
func (be *Backend) PatchJump(buf *CodeBuffer, jumpOffset, targetOffset int) {
	disp := int64(targetOffset) - int64(jumpOffset+5)
	if disp < -0x80000000 || disp > 0x7FFFFFFF {
		panic(fmt.Sprintf("jit: jump displacement %#x out of range", disp))
	}
	buf.AtomicPatch32(jumpOffset+1, uint32(disp))
}

// GotoTBSites returns the goto_tb offsets recorded by the last pass, indexed
// by chain slot; a slot without a goto_tb holds -1.
func (be *Backend) GotoTBSites() [][2]int { return be.gotoTBSites }

// ClearGotoTBSites resets recording before a new pass.
func (be *Backend) ClearGotoTBSites() { be.gotoTBSites = be.gotoTBSites[:0] }

// Allocator primitives.

func (be *Backend) outMov(buf *CodeBuffer, ty ir.Type, dst, src uint8) {
	if dst == src {
		return
	}
	emitMovRR(buf, ty == ir.I64, dst, src)
}

func (be *Backend) outMovi(buf *CodeBuffer, ty ir.Type, dst uint8, val uint64) {
	emitMovRI(buf, ty == ir.I64, dst, val)
}

func (be *Backend) outLd(buf *CodeBuffer, ty ir.Type, dst, base uint8, offset int64) {
	emitLoad(buf, ty == ir.I64, dst, base, int32(offset))
}

func (be *Backend) outSt(buf *CodeBuffer, ty ir.Type, src, base uint8, offset int64) {
	emitStore(buf, ty == ir.I64, src, base, int32(offset))
}

// emitGotoTB writes a patchable direct jump whose displacement field is
// 4-byte aligned, so chaining can patch it with one aligned store. Returns
// the jump instruction offset and the reset (fall-through) offset.
func (be *Backend) emitGotoTB(buf *CodeBuffer) (jmp, reset int) {
	aligned := (buf.Offset() + 1 + 3) &^ 3
	emitNops(buf, aligned-(buf.Offset()+1))
	jmp = buf.Offset()
	buf.Emit8(uint8(opcJmpLong))
	buf.Emit32(0)
	reset = buf.Offset()
	return jmp, reset
}

// emitExitTB returns to the execution loop with the pre-encoded exit word.
func (be *Backend) emitExitTB(buf *CodeBuffer, val uint64) {
	if val == 0 {
		emitJmp(buf, be.EpilogueZeroOffset)
		return
	}
	emitMovRI(buf, true, regRAX, val)
	emitJmp(buf, be.TBRetOffset)
}

// emitCmpOrTest emits the flag-setting compare for a condition.
func emitCmpOrTest(buf *CodeBuffer, cond ir.Cond, rexw bool, a, b uint8) {
	if cond.IsTst() {
		emitTestRR(buf, rexw, a, b)
	} else {
		emitArithRR(buf, arithCmp, rexw, a, b)
	}
}

// emitOp generates host code for one op. The allocator guarantees that
// every register in oregs/iregs satisfies the op's constraints: aliased
// outputs share their input's register and newreg outputs are disjoint from
// all inputs.
func (be *Backend) emitOp(buf *CodeBuffer, ctx *ir.Context, op *ir.Op,
	oregs, iregs []uint8, cargs []uint32) {
	rexw := op.Ty == ir.I64
	switch op.Opc {
	case ir.OpAdd:
		switch {
		case oregs[0] == iregs[0]:
			emitArithRR(buf, arithAdd, rexw, oregs[0], iregs[1])
		case oregs[0] == iregs[1]:
			emitArithRR(buf, arithAdd, rexw, oregs[0], iregs[0])
		default:
			emitLeaSIB(buf, rexw, oregs[0], iregs[0], iregs[1], 0, 0)
		}

	case ir.OpSub:
		emitArithRR(buf, arithSub, rexw, oregs[0], iregs[1])
	case ir.OpAnd:
		emitArithRR(buf, arithAnd, rexw, oregs[0], iregs[1])
	case ir.OpOr:
		emitArithRR(buf, arithOr, rexw, oregs[0], iregs[1])
	case ir.OpXor:
		emitArithRR(buf, arithXor, rexw, oregs[0], iregs[1])
	case ir.OpMul:
		emitImulRR(buf, rexw, oregs[0], iregs[1])

	case ir.OpNeg:
		emitNeg(buf, rexw, oregs[0])
	case ir.OpNot:
		emitNot(buf, rexw, oregs[0])

	case ir.OpShl, ir.OpShr, ir.OpSar, ir.OpRotL, ir.OpRotR:
		var sop shiftOp
		switch op.Opc {
		case ir.OpShl:
			sop = shiftShl
		case ir.OpShr:
			sop = shiftShr
		case ir.OpSar:
			sop = shiftSar
		case ir.OpRotL:
			sop = shiftRol
		case ir.OpRotR:
			sop = shiftRor
		}
		// Count is pinned to CL by the constraint.
		emitShiftCL(buf, sop, rexw, oregs[0])

	case ir.OpSetCond, ir.OpNegSetCond:
		cond := ir.Cond(cargs[0])
		emitCmpOrTest(buf, cond, rexw, iregs[0], iregs[1])
		emitSetcc(buf, x86CondOf(cond), oregs[0])
		emitMovzx(buf, opcMovzbl|pREXBRM, oregs[0], oregs[0])
		if op.Opc == ir.OpNegSetCond {
			emitNeg(buf, rexw, oregs[0])
		}

	case ir.OpMovCond:
		// oregs[0] == iregs[2] (the taken value) via oalias; move the
		// else-value in when the condition is false.
		cond := ir.Cond(cargs[0])
		emitCmpOrTest(buf, cond, rexw, iregs[0], iregs[1])
		emitCmovcc(buf, x86CondOf(cond).invert(), rexw, oregs[0], iregs[3])

	case ir.OpBrCond:
		cond := ir.Cond(cargs[0])
		emitCmpOrTest(buf, cond, rexw, iregs[0], iregs[1])
		label := ctx.Label(ir.TempIdx(cargs[1]))
		if label.HasValue {
			emitJcc(buf, x86CondOf(cond), label.Value)
		} else {
			emitOpc(buf, opcJccLong+uint32(x86CondOf(cond)), 0, 0, 0xFF)
			buf.Emit32(0)
		}

	case ir.OpMulS2:
		emitImul1(buf, rexw, iregs[1])
	case ir.OpMulU2:
		emitMul1(buf, rexw, iregs[1])
	case ir.OpDivS2:
		emitIdiv(buf, rexw, iregs[2])
	case ir.OpDivU2:
		emitDiv(buf, rexw, iregs[2])

	case ir.OpAddCO:
		emitArithRR(buf, arithAdd, rexw, oregs[0], iregs[1])
	case ir.OpAddCI, ir.OpAddCIO:
		emitArithRR(buf, arithAdc, rexw, oregs[0], iregs[1])
	case ir.OpAddC1O:
		emitStc(buf)
		emitArithRR(buf, arithAdc, rexw, oregs[0], iregs[1])
	case ir.OpSubBO:
		emitArithRR(buf, arithSub, rexw, oregs[0], iregs[1])
	case ir.OpSubBI, ir.OpSubBIO:
		emitArithRR(buf, arithSbb, rexw, oregs[0], iregs[1])
	case ir.OpSubB1O:
		emitStc(buf)
		emitArithRR(buf, arithSbb, rexw, oregs[0], iregs[1])

	case ir.OpAndC:
		// ANDN dst, b, a computes a & ^b.
		emitAndn(buf, rexw, oregs[0], iregs[1], iregs[0])

	case ir.OpExtract:
		be.emitExtract(buf, rexw, oregs[0], cargs[0], cargs[1], false)
	case ir.OpSExtract:
		be.emitExtract(buf, rexw, oregs[0], cargs[0], cargs[1], true)

	case ir.OpDeposit:
		// oregs[0] == iregs[0]; the partial-width mov overwrites the low
		// len bits with iregs[1].
		ofs, length := cargs[0], cargs[1]
		if ofs != 0 {
			panic(fmt.Sprintf("jit: deposit at ofs=%d unsupported", ofs))
		}
		switch length {
		case 8:
			emitModRM(buf, opcMovBEvGv|pREXBR|pREXBRM, iregs[1], oregs[0])
		case 16:
			emitModRM(buf, opcMovLEvGv|pDATA16, iregs[1], oregs[0])
		default:
			panic(fmt.Sprintf("jit: deposit len=%d unsupported", length))
		}

	case ir.OpExtract2:
		// dst == lo input; shift hi:lo right into dst.
		emitShrdRI(buf, rexw, oregs[0], iregs[1], uint8(cargs[0]))

	case ir.OpBswap16:
		flags := cargs[0]
		switch {
		case flags&ir.BswapOS != 0:
			if rexw {
				emitBswap(buf, true, oregs[0])
				emitShiftRI(buf, shiftSar, true, oregs[0], 48)
			} else {
				emitBswap(buf, false, oregs[0])
				emitShiftRI(buf, shiftSar, false, oregs[0], 16)
			}
		case flags&(ir.BswapIZ|ir.BswapOZ) == ir.BswapOZ:
			emitBswap(buf, false, oregs[0])
			emitShiftRI(buf, shiftShr, false, oregs[0], 16)
		default:
			emitRolw8(buf, oregs[0])
		}
	case ir.OpBswap32:
		emitBswap(buf, false, oregs[0])
		if cargs[0]&ir.BswapOS != 0 {
			emitMovsx(buf, opcMovslq, oregs[0], oregs[0])
		}
	case ir.OpBswap64:
		emitBswap(buf, true, oregs[0])

	case ir.OpClz:
		emitLzcnt(buf, rexw, oregs[0], iregs[0])
	case ir.OpCtz:
		emitTzcnt(buf, rexw, oregs[0], iregs[0])
	case ir.OpCtPop:
		emitPopcnt(buf, rexw, oregs[0], iregs[0])

	case ir.OpExtI32I64:
		emitMovsx(buf, opcMovslq, oregs[0], iregs[0])
	case ir.OpExtUI32I64, ir.OpExtrlI64I32:
		// 32-bit mov zero-extends; truncation is the same operation.
		// Emitted even for dst==src, where it still clears the top half.
		emitMovRR(buf, false, oregs[0], iregs[0])
	case ir.OpExtrhI64I32:
		emitShiftRI(buf, shiftShr, true, oregs[0], 32)

	case ir.OpLd:
		emitLoad(buf, rexw, oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd8U:
		emitModRMOffset(buf, opcMovzbl, oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd8S:
		emitModRMOffset(buf, opcMovsbl|rexwFlag(rexw), oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd16U:
		emitModRMOffset(buf, opcMovzwl, oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd16S:
		emitModRMOffset(buf, opcMovswl|rexwFlag(rexw), oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd32U:
		emitLoad(buf, false, oregs[0], iregs[0], int32(cargs[0]))
	case ir.OpLd32S:
		emitModRMOffset(buf, opcMovslq, oregs[0], iregs[0], int32(cargs[0]))

	case ir.OpSt:
		emitStore(buf, rexw, iregs[0], iregs[1], int32(cargs[0]))
	case ir.OpSt8:
		emitStoreByte(buf, iregs[0], iregs[1], int32(cargs[0]))
	case ir.OpSt16:
		emitStoreWord(buf, iregs[0], iregs[1], int32(cargs[0]))
	case ir.OpSt32:
		emitStore(buf, false, iregs[0], iregs[1], int32(cargs[0]))

	case ir.OpQemuLd:
		be.emitQemuLd(buf, rexw, oregs[0], iregs[0], ir.MemOp(cargs[0]))
	case ir.OpQemuSt:
		be.emitQemuSt(buf, iregs[0], iregs[1], ir.MemOp(cargs[0]))

	case ir.OpExitTb:
		be.emitExitTB(buf, uint64(cargs[0]))
	case ir.OpGotoTb:
		jmp, reset := be.emitGotoTB(buf)
		slot := int(cargs[0])
		for len(be.gotoTBSites) <= slot {
			be.gotoTBSites = append(be.gotoTBSites, [2]int{-1, -1})
		}
		be.gotoTBSites[slot] = [2]int{jmp, reset}
	case ir.OpGotoPtr:
		emitJmpReg(buf, iregs[0])

	case ir.OpCall:
		fn := uint64(cargs[1])<<32 | uint64(cargs[0])
		emitMovRI(buf, true, regR11, fn)
		emitCallReg(buf, regR11)

	default:
		panic(fmt.Sprintf("jit: emitOp: unhandled opcode %s", op.Opc))
	}
}

// emitExtract lowers a bit-field extract. ofs=0 widths with a direct
// instruction use movzx/movsx; the general case shifts the field to the top
// and back down (the output aliases the input).
func (be *Backend) emitExtract(buf *CodeBuffer, rexw bool, reg uint8, ofs, length uint32, signed bool) {
	width := uint32(32)
	if rexw {
		width = 64
	}
	if ofs == 0 {
		switch {
		case length == 8 && !signed:
			emitMovzx(buf, opcMovzbl|pREXBRM, reg, reg)
			return
		case length == 8 && signed:
			emitMovsx(buf, opcMovsbl|pREXBRM|rexwFlag(rexw), reg, reg)
			return
		case length == 16 && !signed:
			emitMovzx(buf, opcMovzwl, reg, reg)
			return
		case length == 16 && signed:
			emitMovsx(buf, opcMovswl|rexwFlag(rexw), reg, reg)
			return
		case length == 32 && !signed:
			// mov r32,r32 with dst==src still zero-extends the top half.
			emitMovRR(buf, false, reg, reg)
			return
		case length == 32 && signed:
			emitMovsx(buf, opcMovslq, reg, reg)
			return
		}
	}
	if ofs+length > width {
		panic(fmt.Sprintf("jit: extract ofs=%d len=%d exceeds width %d", ofs, length, width))
	}
	up := shiftShr
	if signed {
		up = shiftSar
	}
	if ofs+length == width {
		emitShiftRI(buf, up, rexw, reg, uint8(ofs))
		return
	}
	emitShiftRI(buf, shiftShl, rexw, reg, uint8(width-ofs-length))
	emitShiftRI(buf, up, rexw, reg, uint8(width-length))
}

// emitQemuLd lowers a guest load: mov with the access width against
// [guest_base + addr].
func (be *Backend) emitQemuLd(buf *CodeBuffer, rexw bool, dst, addr uint8, memop ir.MemOp) {
	if memop.IsBswap() {
		panic("jit: byte-swapped guest access unsupported")
	}
	gb := guestBaseReg
	switch {
	case memop.Size() == ir.MemOpSize8 && !memop.IsSigned():
		emitLoadSIB(buf, opcMovzbl, dst, gb, addr)
	case memop.Size() == ir.MemOpSize8:
		emitLoadSIB(buf, opcMovsbl|rexwFlag(rexw), dst, gb, addr)
	case memop.Size() == ir.MemOpSize16 && !memop.IsSigned():
		emitLoadSIB(buf, opcMovzwl, dst, gb, addr)
	case memop.Size() == ir.MemOpSize16:
		emitLoadSIB(buf, opcMovswl|rexwFlag(rexw), dst, gb, addr)
	case memop.Size() == ir.MemOpSize32 && !memop.IsSigned():
		emitLoadSIB(buf, opcMovLGvEv, dst, gb, addr)
	case memop.Size() == ir.MemOpSize32:
		emitLoadSIB(buf, opcMovslq, dst, gb, addr)
	default:
		emitLoadSIB(buf, opcMovLGvEv|pREXW, dst, gb, addr)
	}
}

// emitQemuSt lowers a guest store.
func (be *Backend) emitQemuSt(buf *CodeBuffer, val, addr uint8, memop ir.MemOp) {
	if memop.IsBswap() {
		panic("jit: byte-swapped guest access unsupported")
	}
	gb := guestBaseReg
	switch memop.Size() {
	case ir.MemOpSize8:
		emitStoreSIB(buf, opcMovBEvGv|pREXBR, val, gb, addr)
	case ir.MemOpSize16:
		emitStoreSIB(buf, opcMovLEvGv|pDATA16, val, gb, addr)
	case ir.MemOpSize32:
		emitStoreSIB(buf, opcMovLEvGv, val, gb, addr)
	default:
		emitStoreSIB(buf, opcMovLEvGv|pREXW, val, gb, addr)
	}
}
