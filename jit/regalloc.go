package jit

import (
	"fmt"

	"github.com/rivetvm/rivet/ir"
)

// Greedy, constraint-driven register allocator fused with host-code
// emission. One forward pass per TB: for each op, inputs are materialized
// into registers satisfying their constraints, outputs are allocated, the
// backend emits bytes, and dead values release their registers.

// regAlloc carries the allocation state of one codegen pass.
type regAlloc struct {
	ctx *ir.Context
	be  *Backend
	buf *CodeBuffer

	// Host register -> occupying temp, or -1.
	regToTemp [16]int32
	freeRegs  ir.RegSet
	// Fixed by the backend; excludes RSP and AREG0.
	allocatable ir.RegSet
	// Registers owned by fixed temps: occupied forever, never evicted.
	fixedRegs ir.RegSet
}

func newRegAlloc(ctx *ir.Context, be *Backend, buf *CodeBuffer) *regAlloc {
	ra := &regAlloc{ctx: ctx, be: be, buf: buf, allocatable: allocatableRegs}
	for i := range ra.regToTemp {
		ra.regToTemp[i] = -1
	}
	ra.freeRegs = ra.allocatable
	for i := uint32(0); i < ctx.NbGlobals(); i++ {
		t := ctx.Temp(ir.TempIdx(i))
		if t.Kind == ir.TempFixed {
			ra.assign(t.Reg, t.Idx)
			ra.fixedRegs = ra.fixedRegs.Set(t.Reg)
		}
	}
	return ra
}

func (ra *regAlloc) assign(reg uint8, idx ir.TempIdx) {
	ra.regToTemp[reg] = int32(idx)
	ra.freeRegs = ra.freeRegs.Clear(reg)
}

func (ra *regAlloc) release(reg uint8) {
	ra.regToTemp[reg] = -1
	if ra.allocatable.Contains(reg) {
		ra.freeRegs = ra.freeRegs.Set(reg)
	}
}

// tempSync writes a global's register back to CPU-state memory.
func (ra *regAlloc) tempSync(idx ir.TempIdx) {
	t := ra.ctx.Temp(idx)
	if t.MemCoherent || t.Reg == noRegSentinel {
		return
	}
	if t.MemBase == noTempSentinel {
		return
	}
	base := ra.ctx.Temp(t.MemBase)
	ra.be.outSt(ra.buf, t.Ty, t.Reg, base.Reg, t.MemOffset)
	t.MemCoherent = true
}

const (
	noRegSentinel  = 0xFF
	noTempSentinel = ir.TempIdx(0xFFFFFFFF)
)

// bbEnd resets the allocation state at a basic-block boundary. Control can
// reach the next block from more than one place, so no value may live only
// in a register: globals are written back and demoted to memory, TB-scoped
// temps spill to their frame slots, EBB temps die, materialized constants
// revert to immediates. Register contents stay intact, so an op emitted
// right after (compare-and-branch) may still read the recorded registers.
func (ra *regAlloc) bbEnd() {
	for i := uint32(0); i < ra.ctx.NbTemps(); i++ {
		idx := ir.TempIdx(i)
		t := ra.ctx.Temp(idx)
		switch t.Kind {
		case ir.TempFixed:
			// Pinned forever.
		case ir.TempGlobal:
			if t.ValType == ir.ValReg {
				ra.tempSync(idx)
				ra.release(t.Reg)
				t.ValType = ir.ValMem
				t.Reg = noRegSentinel
			}
		case ir.TempTb:
			if t.ValType == ir.ValReg {
				off := ra.ctx.AllocTempFrame(idx)
				ra.be.outSt(ra.buf, t.Ty, t.Reg, ra.ctx.FrameReg, off)
				ra.release(t.Reg)
				t.ValType = ir.ValMem
				t.Reg = noRegSentinel
				t.MemCoherent = true
			}
		case ir.TempConst:
			if t.ValType == ir.ValReg {
				ra.release(t.Reg)
				t.ValType = ir.ValConst
				t.Reg = noRegSentinel
			}
		default: // Ebb
			if t.ValType == ir.ValReg {
				ra.release(t.Reg)
			}
			t.ValType = ir.ValDead
			t.Reg = noRegSentinel
		}
	}
}

// evictReg frees reg by syncing its global occupant to memory or moving a
// local occupant to another free register. Fixed temps are never evicted.
func (ra *regAlloc) evictReg(reg uint8) {
	occ := ra.regToTemp[reg]
	if occ < 0 {
		return
	}
	idx := ir.TempIdx(occ)
	t := ra.ctx.Temp(idx)
	switch {
	case t.Kind == ir.TempFixed:
		panic(fmt.Sprintf("jit: attempted eviction of fixed temp %s from %s", t.Name, regName(reg)))
	case t.Kind == ir.TempGlobal:
		ra.tempSync(idx)
		t.ValType = ir.ValMem
		t.Reg = noRegSentinel
		t.MemCoherent = true
		ra.release(reg)
	default:
		free := ra.freeRegs.Clear(reg)
		dst, ok := free.First()
		if !ok {
			panic(fmt.Sprintf("jit: no free register to evict %s", regName(reg)))
		}
		ra.be.outMov(ra.buf, t.Ty, dst, reg)
		ra.release(reg)
		ra.assign(dst, idx)
		t.Reg = dst
	}
}

// regAllocPick returns a register in required∖forbidden, preferring free
// members of preferred, then any free member, then evicting an occupant.
// When every required register is forbidden — a fixed constraint colliding
// with an earlier input — the forbidden set is ignored and the occupant is
// evicted; the caller re-reads input locations afterwards.
func (ra *regAlloc) regAllocPick(required, forbidden, preferred ir.RegSet) uint8 {
	candidates := required.Intersect(ra.allocatable).Subtract(forbidden)
	if r, ok := candidates.Intersect(ra.freeRegs).Intersect(preferred).First(); ok {
		return r
	}
	if r, ok := candidates.Intersect(ra.freeRegs).First(); ok {
		return r
	}
	if r, ok := candidates.Subtract(ra.fixedRegs).First(); ok {
		ra.evictReg(r)
		return r
	}
	forced := required.Intersect(ra.allocatable).Subtract(ra.fixedRegs)
	r, ok := forced.First()
	if !ok {
		panic(fmt.Sprintf("jit: unsatisfiable register constraint: required=%#x forbidden=%#x", required, forbidden))
	}
	ra.evictReg(r)
	return r
}

// tempLoadTo materializes a temp into a register satisfying
// required∖forbidden: constants via movi, memory residents via a load,
// misplaced register residents via a mov.
func (ra *regAlloc) tempLoadTo(idx ir.TempIdx, required, forbidden, preferred ir.RegSet) uint8 {
	t := ra.ctx.Temp(idx)
	switch t.ValType {
	case ir.ValReg:
		cur := t.Reg
		if required.Contains(cur) && !forbidden.Contains(cur) {
			return cur
		}
		dst := ra.regAllocPick(required, forbidden, preferred)
		ra.be.outMov(ra.buf, t.Ty, dst, cur)
		ra.release(cur)
		ra.assign(dst, idx)
		t.Reg = dst
		return dst
	case ir.ValConst:
		reg := ra.regAllocPick(required, forbidden, preferred)
		ra.assign(reg, idx)
		ra.be.outMovi(ra.buf, t.Ty, reg, t.Val)
		t.ValType = ir.ValReg
		t.Reg = reg
		return reg
	case ir.ValMem:
		reg := ra.regAllocPick(required, forbidden, preferred)
		ra.assign(reg, idx)
		if t.MemBase != noTempSentinel {
			base := ra.ctx.Temp(t.MemBase)
			ra.be.outLd(ra.buf, t.Ty, reg, base.Reg, t.MemOffset)
		} else {
			// Frame-resident local spilled at a block boundary.
			ra.be.outLd(ra.buf, t.Ty, reg, ra.ctx.FrameReg, t.MemOffset)
		}
		t.ValType = ir.ValReg
		t.Reg = reg
		t.MemCoherent = true
		return reg
	}
	panic(fmt.Sprintf("jit: load of dead temp %d", idx))
}

// releaseOldReg frees the register a temp currently occupies before it is
// redefined into a new one.
func (ra *regAlloc) releaseOldReg(idx ir.TempIdx) {
	t := ra.ctx.Temp(idx)
	if t.ValType == ir.ValReg && t.Reg != noRegSentinel &&
		ra.regToTemp[t.Reg] == int32(idx) {
		ra.release(t.Reg)
	}
}

// tempDead releases a local temp's register and marks the value dead.
// Globals and fixed temps keep their state.
func (ra *regAlloc) tempDead(idx ir.TempIdx) {
	t := ra.ctx.Temp(idx)
	if t.IsGlobalOrFixed() {
		return
	}
	if t.ValType == ir.ValReg && t.Reg != noRegSentinel {
		// An aliased output may have taken the register already; only
		// release it if we still own it.
		if ra.regToTemp[t.Reg] == int32(idx) {
			ra.release(t.Reg)
		}
	}
	if t.Kind == ir.TempConst {
		// Constants revert to their immediate form.
		t.ValType = ir.ValConst
		t.Reg = noRegSentinel
		return
	}
	t.ValType = ir.ValDead
	t.Reg = noRegSentinel
}

// regallocOp is the generic constraint-driven path shared by every opcode
// without a dedicated fast path.
func (ra *regAlloc) regallocOp(op *ir.Op, ct *OpConstraint) {
	def := op.Opc.Def()
	nbOArgs := int(def.NbOArgs)
	nbIArgs := int(def.NbIArgs)
	nbCArgs := int(def.NbCArgs)
	life := op.Life

	var iRegs [ir.MaxOpArgs]uint8
	var iReusable [ir.MaxOpArgs]bool
	var iAllocated ir.RegSet

	// 1. Load inputs per constraint. An aliased, dying, writable input is
	// flagged reusable so its register can carry the output.
	for i := 0; i < nbIArgs; i++ {
		argCt := &ct.Args[nbOArgs+i]
		idx := op.Args[nbOArgs+i]
		t := ra.ctx.Temp(idx)
		readonly := t.IsGlobalOrFixed() || t.IsConst()

		var preferred ir.RegSet
		if argCt.IAlias && life.IsDead(nbOArgs+i) && !readonly {
			preferred = op.OutputPref[argCt.AliasIndex]
			iReusable[i] = true
		}
		reg := ra.tempLoadTo(idx, argCt.Regs, iAllocated, preferred)
		iRegs[i] = reg
		iAllocated = iAllocated.Set(reg)
	}

	// 2. Input fixup: a later fixed constraint can displace an earlier
	// input, so re-read the final locations.
	iAllocated = 0
	for i := 0; i < nbIArgs; i++ {
		t := ra.ctx.Temp(op.Args[nbOArgs+i])
		if t.ValType == ir.ValReg {
			iRegs[i] = t.Reg
			iAllocated = iAllocated.Set(t.Reg)
		}
	}

	// Helper calls clobber the caller-saved set; everything live there is
	// moved out or synced first.
	if op.Opc == ir.OpCall {
		ra.evictCallClobbered()
	}

	// 3. Allocate outputs. Dead-input freeing is deferred until after
	// emission so the recorded input registers stay valid.
	var oRegs [ir.MaxOpArgs]uint8
	var oAllocated ir.RegSet
	for k := 0; k < nbOArgs; k++ {
		argCt := &ct.Args[k]
		dstIdx := op.Args[k]

		var reg uint8
		switch {
		case argCt.OAlias:
			ai := int(argCt.AliasIndex)
			if iReusable[ai] {
				reg = iRegs[ai]
			} else {
				// The aliased input stays live: copy its value to a
				// fresh register and let the output clobber the
				// original.
				oldReg := iRegs[ai]
				srcIdx := op.Args[nbOArgs+ai]
				src := ra.ctx.Temp(srcIdx)
				copyReg := ra.regAllocPick(ra.allocatable,
					iAllocated.Union(oAllocated), 0)
				ra.be.outMov(ra.buf, src.Ty, copyReg, oldReg)
				ra.assign(copyReg, srcIdx)
				src.Reg = copyReg
				reg = oldReg
			}
		case argCt.NewReg:
			reg = ra.regAllocPick(argCt.Regs, iAllocated.Union(oAllocated), 0)
		default:
			reg = ra.regAllocPick(argCt.Regs, oAllocated, 0)
		}

		ra.assign(reg, dstIdx)
		dst := ra.ctx.Temp(dstIdx)
		dst.ValType = ir.ValReg
		dst.Reg = reg
		dst.MemCoherent = false
		oRegs[k] = reg
		oAllocated = oAllocated.Set(reg)
	}

	// 4. Output fixup: allocation may have moved an input; re-read. Inputs
	// this op also redefines keep their recorded register, where the old
	// value still lives.
	for i := 0; i < nbIArgs; i++ {
		idx := op.Args[nbOArgs+i]
		redefined := false
		for k := 0; k < nbOArgs; k++ {
			if op.Args[k] == idx {
				redefined = true
				break
			}
		}
		if redefined {
			continue
		}
		t := ra.ctx.Temp(idx)
		if t.ValType == ir.ValReg {
			iRegs[i] = t.Reg
		}
	}

	// 5. Collect constant args and emit.
	var cargs [ir.MaxOpArgs]uint32
	cstart := nbOArgs + nbIArgs
	for i := 0; i < nbCArgs; i++ {
		cargs[i] = uint32(op.Args[cstart+i])
	}
	ra.be.emitOp(ra.buf, ra.ctx, op, oRegs[:nbOArgs], iRegs[:nbIArgs], cargs[:nbCArgs])

	// Release stale registers left behind when an op redefines one of its
	// own inputs: the old register carried the input value through
	// emission and is free now.
	for k := 0; k < nbOArgs; k++ {
		dstIdx := op.Args[k]
		t := ra.ctx.Temp(dstIdx)
		for reg := uint8(0); reg < 16; reg++ {
			if ra.regToTemp[reg] == int32(dstIdx) && reg != t.Reg {
				ra.release(reg)
			}
		}
	}

	// 6. Free dead inputs, then dead outputs. An input temp that this op
	// also redefines as an output is skipped: its state now describes the
	// output value.
	for i := 0; i < nbIArgs; i++ {
		if !life.IsDead(nbOArgs + i) {
			continue
		}
		idx := op.Args[nbOArgs+i]
		redefined := false
		for k := 0; k < nbOArgs; k++ {
			if op.Args[k] == idx {
				redefined = true
				break
			}
		}
		if !redefined {
			ra.tempDead(idx)
		}
	}
	for k := 0; k < nbOArgs; k++ {
		if life.IsDead(k) {
			ra.tempDead(op.Args[k])
		}
	}

	// 7. Write back globals whose last use was this op.
	for i := 0; i < nbIArgs; i++ {
		if life.IsSync(nbOArgs + i) {
			idx := op.Args[nbOArgs+i]
			ra.tempSync(idx)
		}
	}
}

// evictCallClobbered clears the caller-saved registers ahead of a helper
// call: globals sync to memory, locals move to callee-saved registers.
func (ra *regAlloc) evictCallClobbered() {
	for reg := uint8(0); reg < 16; reg++ {
		if !callClobbered.Contains(reg) || ra.regToTemp[reg] < 0 {
			continue
		}
		idx := ir.TempIdx(ra.regToTemp[reg])
		t := ra.ctx.Temp(idx)
		if t.Kind == ir.TempGlobal {
			ra.evictReg(reg)
			continue
		}
		safe := ra.freeRegs.Subtract(callClobbered)
		dst, ok := safe.First()
		if !ok {
			panic("jit: no callee-saved register free across call")
		}
		ra.be.outMov(ra.buf, t.Ty, dst, reg)
		ra.release(reg)
		ra.assign(dst, idx)
		t.Reg = dst
	}
}

// allocMov is the dedicated mov path: when the source dies here and is not
// read-only, the destination simply takes over its register.
func (ra *regAlloc) allocMov(op *ir.Op) {
	dstIdx, srcIdx := op.Args[0], op.Args[1]
	life := op.Life

	if dstIdx == srcIdx {
		if life.IsSync(1) {
			ra.tempSync(srcIdx)
		}
		return
	}

	// A constant source that was never materialized turns into a direct
	// load-immediate of the destination.
	if src := ra.ctx.Temp(srcIdx); src.ValType == ir.ValConst {
		ra.releaseOldReg(dstIdx)
		dstReg := ra.regAllocPick(ra.allocatable, 0, op.OutputPref[0])
		ra.assign(dstReg, dstIdx)
		ra.be.outMovi(ra.buf, op.Ty, dstReg, src.Val)
		dst := ra.ctx.Temp(dstIdx)
		dst.ValType = ir.ValReg
		dst.Reg = dstReg
		dst.MemCoherent = false
		if life.IsDead(0) {
			ra.tempDead(dstIdx)
		}
		return
	}

	srcReg := ra.tempLoadTo(srcIdx, ra.allocatable, 0, op.OutputPref[0])
	if life.IsSync(1) {
		ra.tempSync(srcIdx)
	}

	src := ra.ctx.Temp(srcIdx)
	dst := ra.ctx.Temp(dstIdx)
	readonly := src.IsGlobalOrFixed() || src.IsConst()
	ra.releaseOldReg(dstIdx)

	var dstReg uint8
	if life.IsDead(1) && !readonly {
		// Rename: the register changes owner, no host mov needed.
		ra.tempDead(srcIdx)
		dstReg = srcReg
		ra.assign(dstReg, dstIdx)
	} else {
		if life.IsDead(1) {
			ra.tempDead(srcIdx)
		}
		dstReg = ra.regAllocPick(ra.allocatable, 0, op.OutputPref[0])
		ra.assign(dstReg, dstIdx)
		ra.be.outMov(ra.buf, op.Ty, dstReg, srcReg)
	}

	dst.ValType = ir.ValReg
	dst.Reg = dstReg
	dst.MemCoherent = false
	if life.IsDead(0) {
		ra.tempDead(dstIdx)
	}
}

// RegallocAndCodegen drives the per-op dispatch: label placement and
// back-patching, branch emission with use recording, TB exits, and the
// generic constraint path for everything else.
func RegallocAndCodegen(ctx *ir.Context, be *Backend, buf *CodeBuffer) {
	ra := newRegAlloc(ctx, be, buf)
	ops := ctx.Ops()
	insn := 0
	tbStart := buf.Offset()

	for oi := range ops {
		op := &ops[oi]
		def := op.Opc.Def()

		switch op.Opc {
		case ir.OpNop, ir.OpDiscard:
			// Nothing to emit. Discarded values simply die.
			if op.Opc == ir.OpDiscard {
				ra.tempDead(op.Args[0])
			}

		case ir.OpInsnStart:
			// Track where each guest instruction's host code ends: each
			// insn_start closes the previous instruction, the last one is
			// closed after the loop.
			if insn > 0 && insn <= ir.MaxInsns {
				ctx.InsnEndOff = append(ctx.InsnEndOff, uint16(buf.Offset()-tbStart))
			}
			insn++

		case ir.OpMov:
			ra.allocMov(op)

		case ir.OpSetLabel:
			ra.bbEnd()
			labelID := ir.TempIdx(op.Args[0])
			offset := buf.Offset()
			label := ctx.Label(labelID)
			label.SetValue(offset)
			for _, use := range label.Uses {
				switch use.Kind {
				case ir.Rel32:
					disp := int64(offset) - int64(use.Offset+4)
					buf.Patch32(use.Offset, uint32(disp))
				}
			}
			label.Uses = label.Uses[:0]

		case ir.OpBr:
			ra.bbEnd()
			labelID := ir.TempIdx(op.Args[0])
			label := ctx.Label(labelID)
			if label.HasValue {
				emitJmp(buf, label.Value)
			} else {
				buf.Emit8(uint8(opcJmpLong))
				patchOff := buf.Offset()
				buf.Emit32(0)
				label.AddUse(patchOff, ir.Rel32)
			}

		case ir.OpBrCond:
			ra.allocBrCond(op)

		case ir.OpExitTb, ir.OpGotoTb:
			ra.bbEnd()
			var cargs [1]uint32
			cargs[0] = uint32(op.Args[def.NbOArgs+def.NbIArgs])
			be.emitOp(buf, ctx, op, nil, nil, cargs[:])

		case ir.OpGotoPtr:
			ct := opConstraint(op.Opc)
			reg := ra.tempLoadTo(op.Args[0], ct.Args[0].Regs, 0, 0)
			if op.Life.IsDead(0) {
				ra.tempDead(op.Args[0])
			}
			ra.bbEnd()
			be.emitOp(buf, ctx, op, nil, []uint8{reg}, nil)

		case ir.OpMb:
			emitMfence(buf)

		default:
			if def.Flags.Has(ir.OpFlagVector) {
				panic(fmt.Sprintf("jit: vector opcode %s has no x86-64 lowering", op.Opc))
			}
			ra.regallocOp(op, opConstraint(op.Opc))
			if def.Flags.Has(ir.OpFlagBBEnd) {
				ra.bbEnd()
			}
		}
	}
	if insn > 0 && insn <= ir.MaxInsns {
		ctx.InsnEndOff = append(ctx.InsnEndOff, uint16(buf.Offset()-tbStart))
	}

	// A finished TB must leave no label dangling.
	for i := range ctx.Labels() {
		l := ctx.Label(ir.TempIdx(i))
		if l.HasPendingUses() {
			panic(fmt.Sprintf("jit: label %d has unresolved uses at end of TB", l.ID))
		}
	}
}

// allocBrCond loads the compare operands, syncs globals before the branch
// (both successor paths must observe memory-resident globals), emits the
// compare+jcc and records the label use at the displacement field.
func (ra *regAlloc) allocBrCond(op *ir.Op) {
	ct := opConstraint(ir.OpBrCond)
	life := op.Life

	var iRegs [2]uint8
	var iAllocated ir.RegSet
	for i := 0; i < 2; i++ {
		reg := ra.tempLoadTo(op.Args[i], ct.Args[i].Regs, iAllocated, 0)
		iRegs[i] = reg
		iAllocated = iAllocated.Set(reg)
	}
	// Later input loading may displace the first operand.
	for i := 0; i < 2; i++ {
		if t := ra.ctx.Temp(op.Args[i]); t.ValType == ir.ValReg {
			iRegs[i] = t.Reg
		}
	}

	cargs := [2]uint32{uint32(op.Args[2]), uint32(op.Args[3])}

	for i := 0; i < 2; i++ {
		if life.IsDead(i) {
			ra.tempDead(op.Args[i])
		}
	}

	ra.bbEnd()

	labelID := ir.TempIdx(cargs[1])
	resolved := ra.ctx.Label(labelID).HasValue

	ra.be.emitOp(ra.buf, ra.ctx, op, nil, iRegs[:], cargs[:])

	if !resolved {
		ra.ctx.Label(labelID).AddUse(ra.buf.Offset()-4, ir.Rel32)
	}
}
