package jit

import (
	"math/bits"

	"github.com/rivetvm/rivet/ir"
)

// Single-pass IR optimizer: copy propagation, constant folding, algebraic
// simplification and static branch folding. Runs before liveness. The pass
// is deterministic and idempotent on its own output.

// tempInfo is the per-temp knowledge carried through the pass.
type tempInfo struct {
	isConst bool
	val     uint64
	// Canonical copy source; -1 when unknown.
	copyOf int32
}

func typeMask(ty ir.Type) uint64 {
	if ty == ir.I32 {
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

// evalCond evaluates a comparison on two constants at the given width.
func evalCond(a, b uint64, cond ir.Cond, ty ir.Type) bool {
	mask := typeMask(ty)
	a &= mask
	b &= mask
	sa, sb := int64(a), int64(b)
	if ty == ir.I32 {
		sa, sb = int64(int32(a)), int64(int32(b))
	}
	switch cond {
	case ir.CondAlways:
		return true
	case ir.CondNever:
		return false
	case ir.CondEq:
		return a == b
	case ir.CondNe:
		return a != b
	case ir.CondLt:
		return sa < sb
	case ir.CondGe:
		return sa >= sb
	case ir.CondLe:
		return sa <= sb
	case ir.CondGt:
		return sa > sb
	case ir.CondLtu:
		return a < b
	case ir.CondGeu:
		return a >= b
	case ir.CondLeu:
		return a <= b
	case ir.CondGtu:
		return a > b
	case ir.CondTstEq:
		return a&b == 0
	case ir.CondTstNe:
		return a&b != 0
	}
	return false
}

// Optimize rewrites the context's op list in place.
func Optimize(ctx *ir.Context) {
	o := newOptimizer(ctx)

	for oi := 0; oi < ctx.NumOps(); oi++ {
		op := ctx.Op(ir.OpIdx(oi))
		opc := op.Opc
		def := opc.Def()

		// Cross-BB propagation is unsound: drop everything at block
		// boundaries.
		switch opc {
		case ir.OpSetLabel, ir.OpBr, ir.OpExitTb, ir.OpGotoTb, ir.OpGotoPtr, ir.OpCall:
			o.invalidateOutputs(op, def)
			o.resetAll()
			continue
		}

		// Ops we do not reason about still clobber their outputs.
		if def.Flags.Has(ir.OpFlagSideEffects) || def.Flags.Has(ir.OpFlagVector) ||
			opc == ir.OpNop || opc == ir.OpInsnStart || opc == ir.OpDiscard {
			o.invalidateOutputs(op, def)
			continue
		}

		// Copy propagation on inputs.
		iStart := int(def.NbOArgs)
		for i := 0; i < int(def.NbIArgs); i++ {
			if src := o.copySource(op.Args[iStart+i]); src >= 0 {
				op.Args[iStart+i] = ir.TempIdx(src)
			}
		}

		switch opc {
		case ir.OpMov:
			o.foldMov(op)
		case ir.OpNeg, ir.OpNot:
			o.foldUnary(op)
		case ir.OpExtI32I64, ir.OpExtUI32I64, ir.OpExtrlI64I32, ir.OpExtrhI64I32:
			o.foldExt(op)
		case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
			ir.OpAndC, ir.OpShl, ir.OpShr, ir.OpSar, ir.OpRotL, ir.OpRotR:
			o.foldBinary(op)
		case ir.OpBrCond:
			o.foldBrCond(op)
		default:
			o.invalidateOutputs(op, def)
		}
	}
}

type optimizer struct {
	ctx  *ir.Context
	info []tempInfo
}

func newOptimizer(ctx *ir.Context) *optimizer {
	o := &optimizer{ctx: ctx, info: make([]tempInfo, ctx.NbTemps())}
	for i := range o.info {
		o.info[i].copyOf = -1
		t := ctx.Temp(ir.TempIdx(i))
		if t.IsConst() {
			o.info[i].isConst = true
			o.info[i].val = t.Val
		}
	}
	return o
}

func (o *optimizer) grow(idx int) {
	for len(o.info) <= idx {
		o.info = append(o.info, tempInfo{copyOf: -1})
	}
}

func (o *optimizer) ti(idx ir.TempIdx) tempInfo {
	if int(idx) < len(o.info) {
		return o.info[idx]
	}
	return tempInfo{copyOf: -1}
}

func (o *optimizer) copySource(idx ir.TempIdx) int32 {
	if int(idx) < len(o.info) {
		return o.info[idx].copyOf
	}
	return -1
}

func (o *optimizer) resetAll() {
	for i := range o.info {
		o.info[i].copyOf = -1
		if !o.ctx.Temp(ir.TempIdx(i)).IsConst() {
			o.info[i].isConst = false
		}
	}
}

// invalidateOne forgets what is known about dst and severs any copy chains
// pointing at it: when a source temp is redefined, its copies must not keep
// stale records.
func (o *optimizer) invalidateOne(dst ir.TempIdx) {
	o.grow(int(dst))
	o.info[dst].isConst = false
	o.info[dst].copyOf = -1
	for i := range o.info {
		if o.info[i].copyOf == int32(dst) {
			o.info[i].copyOf = -1
		}
	}
}

func (o *optimizer) invalidateOutputs(op *ir.Op, def *ir.OpDef) {
	for _, a := range op.Args[:def.NbOArgs] {
		if int(a) < len(o.info) && o.ctx.Temp(a).IsConst() {
			continue
		}
		o.invalidateOne(a)
	}
}

func (o *optimizer) setConst(dst ir.TempIdx, val uint64) {
	o.grow(int(dst))
	// dst is redefined; sever incoming copies first.
	o.invalidateOne(dst)
	o.info[dst].isConst = true
	o.info[dst].val = val
}

func (o *optimizer) setCopy(dst, src ir.TempIdx) {
	o.grow(int(dst))
	o.invalidateOne(dst)
	si := o.ti(src)
	if si.isConst {
		o.info[dst].isConst = true
		o.info[dst].val = si.val
	} else {
		// Canonicalize through src's own copy source.
		canonical := src
		if si.copyOf >= 0 {
			canonical = ir.TempIdx(si.copyOf)
		}
		o.info[dst].copyOf = int32(canonical)
	}
}

// replaceWithConst rewrites the op into `mov dst, const(val)`.
func (o *optimizer) replaceWithConst(op *ir.Op, dst ir.TempIdx, val uint64, ty ir.Type) {
	masked := val & typeMask(ty)
	c := o.ctx.NewConst(ty, masked)
	o.grow(int(c))
	o.info[c].isConst = true
	o.info[c].val = masked

	op.Opc = ir.OpMov
	op.Ty = ty
	op.Args[0] = dst
	op.Args[1] = c
	op.NArgs = 2

	o.setConst(dst, masked)
}

// replaceWithMov rewrites the op into `mov dst, src`. Only explicit IR movs
// establish copy records; rewrites conservatively invalidate the
// destination instead.
func (o *optimizer) replaceWithMov(op *ir.Op, dst, src ir.TempIdx) {
	op.Opc = ir.OpMov
	op.Args[0] = dst
	op.Args[1] = src
	op.NArgs = 2
	o.invalidateOne(dst)
}

func (o *optimizer) foldMov(op *ir.Op) {
	dst, src := op.Args[0], op.Args[1]
	si := o.ti(src)
	if si.isConst {
		o.setConst(dst, si.val&typeMask(op.Ty))
	} else {
		o.setCopy(dst, src)
	}
}

func (o *optimizer) foldUnary(op *ir.Op) {
	dst, src := op.Args[0], op.Args[1]
	si := o.ti(src)
	if !si.isConst {
		o.invalidateOne(dst)
		return
	}
	mask := typeMask(op.Ty)
	var val uint64
	switch op.Opc {
	case ir.OpNeg:
		val = -si.val & mask
	case ir.OpNot:
		val = ^si.val & mask
	}
	o.replaceWithConst(op, dst, val, op.Ty)
}

func (o *optimizer) foldExt(op *ir.Op) {
	dst, src := op.Args[0], op.Args[1]
	si := o.ti(src)
	if !si.isConst {
		o.invalidateOne(dst)
		return
	}
	var val uint64
	outTy := ir.I32
	switch op.Opc {
	case ir.OpExtI32I64:
		val = uint64(int64(int32(si.val)))
		outTy = ir.I64
	case ir.OpExtUI32I64:
		val = si.val & 0xFFFFFFFF
		outTy = ir.I64
	case ir.OpExtrlI64I32:
		val = si.val & 0xFFFFFFFF
	case ir.OpExtrhI64I32:
		val = si.val >> 32
	}
	o.replaceWithConst(op, dst, val, outTy)
}

// evalBinary folds a binary op over two constants, truncating to the type
// width.
func evalBinary(opc ir.Opcode, a, b uint64, ty ir.Type) (uint64, bool) {
	mask := typeMask(ty)
	width := ty.SizeBits()
	sh := uint32(b) % width
	var r uint64
	switch opc {
	case ir.OpAdd:
		r = a + b
	case ir.OpSub:
		r = a - b
	case ir.OpMul:
		r = a * b
	case ir.OpAnd:
		r = a & b
	case ir.OpOr:
		r = a | b
	case ir.OpXor:
		r = a ^ b
	case ir.OpAndC:
		r = a &^ b
	case ir.OpShl:
		r = a << sh
	case ir.OpShr:
		r = (a & mask) >> sh
	case ir.OpSar:
		if ty == ir.I32 {
			r = uint64(uint32(int32(a) >> sh))
		} else {
			r = uint64(int64(a) >> sh)
		}
	case ir.OpRotL:
		if ty == ir.I32 {
			r = uint64(bits.RotateLeft32(uint32(a), int(sh)))
		} else {
			r = bits.RotateLeft64(a, int(sh))
		}
	case ir.OpRotR:
		if ty == ir.I32 {
			r = uint64(bits.RotateLeft32(uint32(a), -int(sh)))
		} else {
			r = bits.RotateLeft64(a, -int(sh))
		}
	default:
		return 0, false
	}
	return r & mask, true
}

func (o *optimizer) foldBinary(op *ir.Op) {
	opc, ty := op.Opc, op.Ty
	dst, aIdx, bIdx := op.Args[0], op.Args[1], op.Args[2]
	ai, bi := o.ti(aIdx), o.ti(bIdx)
	mask := typeMask(ty)

	if ai.isConst && bi.isConst {
		if val, ok := evalBinary(opc, ai.val&mask, bi.val&mask, ty); ok {
			o.replaceWithConst(op, dst, val, ty)
			return
		}
	}

	if o.simplify(op, opc, dst, aIdx, bIdx, ai, bi, ty) {
		return
	}

	// Same-operand identities.
	if aIdx == bIdx {
		switch opc {
		case ir.OpAnd, ir.OpOr:
			o.replaceWithMov(op, dst, aIdx)
			return
		case ir.OpXor, ir.OpSub:
			o.replaceWithConst(op, dst, 0, ty)
			return
		}
	}

	o.invalidateOne(dst)
}

// simplify applies single-constant algebraic identities. Reports whether
// the op was rewritten.
func (o *optimizer) simplify(op *ir.Op, opc ir.Opcode, dst, aIdx, bIdx ir.TempIdx,
	ai, bi tempInfo, ty ir.Type) bool {
	mask := typeMask(ty)
	allOnes := mask

	if bi.isConst {
		b := bi.val & mask
		switch {
		case b == 0 && (opc == ir.OpAdd || opc == ir.OpSub || opc == ir.OpOr ||
			opc == ir.OpXor || opc == ir.OpShl || opc == ir.OpShr ||
			opc == ir.OpSar || opc == ir.OpRotL || opc == ir.OpRotR):
			o.replaceWithMov(op, dst, aIdx)
			return true
		case b == 0 && (opc == ir.OpMul || opc == ir.OpAnd):
			o.replaceWithConst(op, dst, 0, ty)
			return true
		case b == 1 && opc == ir.OpMul:
			o.replaceWithMov(op, dst, aIdx)
			return true
		case b == allOnes && opc == ir.OpAnd:
			o.replaceWithMov(op, dst, aIdx)
			return true
		case b == allOnes && opc == ir.OpOr:
			o.replaceWithConst(op, dst, allOnes, ty)
			return true
		case b == allOnes && opc == ir.OpAndC:
			o.replaceWithConst(op, dst, 0, ty)
			return true
		}
	}

	if ai.isConst {
		a := ai.val & mask
		switch {
		case a == 0 && opc == ir.OpAdd:
			o.replaceWithMov(op, dst, bIdx)
			return true
		case a == 0 && opc == ir.OpSub:
			// 0 - x strength-reduces to neg.
			op.Opc = ir.OpNeg
			op.Args[0] = dst
			op.Args[1] = bIdx
			op.NArgs = 2
			o.invalidateOne(dst)
			return true
		case a == 0 && (opc == ir.OpMul || opc == ir.OpAnd):
			o.replaceWithConst(op, dst, 0, ty)
			return true
		case a == allOnes && opc == ir.OpOr:
			o.replaceWithConst(op, dst, allOnes, ty)
			return true
		}
	}

	return false
}

func (o *optimizer) foldBrCond(op *ir.Op) {
	aIdx, bIdx := op.Args[0], op.Args[1]
	condC, labelC := op.Args[2], op.Args[3]
	ai, bi := o.ti(aIdx), o.ti(bIdx)
	if !ai.isConst || !bi.isConst {
		return
	}
	if evalCond(ai.val, bi.val, ir.Cond(condC), op.Ty) {
		op.Opc = ir.OpBr
		op.Args[0] = labelC
		op.NArgs = 1
	} else {
		op.Opc = ir.OpNop
		op.NArgs = 0
	}
}
