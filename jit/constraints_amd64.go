package jit

import "github.com/rivetvm/rivet/ir"

// Per-opcode register constraints for the x86-64 backend. The table is built
// once at init and checked against the opcode descriptor table.

var opConstraints map[ir.Opcode]*OpConstraint

func init() {
	r := allocatableRegs
	// The divisor and the free multiplicand must avoid the implicit
	// RAX:RDX pair.
	rNoAXDX := r.Subtract(ir.RegSetOf(regRAX, regRDX))

	c := func(oc OpConstraint) *OpConstraint { return &oc }

	opConstraints = map[ir.Opcode]*OpConstraint{
		// Add stays three-address thanks to LEA.
		ir.OpAdd: c(o1i2(r, r, r)),

		// Destructive two-operand binops.
		ir.OpSub: c(o1i2Alias(r, r)),
		ir.OpMul: c(o1i2Alias(r, r)),
		ir.OpAnd: c(o1i2Alias(r, r)),
		ir.OpOr:  c(o1i2Alias(r, r)),
		ir.OpXor: c(o1i2Alias(r, r)),

		// Carry/borrow arithmetic shares the destructive shape.
		ir.OpAddCO:  c(o1i2Alias(r, r)),
		ir.OpAddCI:  c(o1i2Alias(r, r)),
		ir.OpAddCIO: c(o1i2Alias(r, r)),
		ir.OpAddC1O: c(o1i2Alias(r, r)),
		ir.OpSubBO:  c(o1i2Alias(r, r)),
		ir.OpSubBI:  c(o1i2Alias(r, r)),
		ir.OpSubBIO: c(o1i2Alias(r, r)),
		ir.OpSubB1O: c(o1i2Alias(r, r)),

		// BMI1 ANDN is three-address.
		ir.OpAndC: c(o1i2(r, r, r)),

		// Destructive unaries.
		ir.OpNeg: c(o1i1Alias(r)),
		ir.OpNot: c(o1i1Alias(r)),

		// Shift counts are pinned to CL.
		ir.OpShl:  c(o1i2AliasFixed(r, regRCX)),
		ir.OpShr:  c(o1i2AliasFixed(r, regRCX)),
		ir.OpSar:  c(o1i2AliasFixed(r, regRCX)),
		ir.OpRotL: c(o1i2AliasFixed(r, regRCX)),
		ir.OpRotR: c(o1i2AliasFixed(r, regRCX)),

		// SETcc writes only the low byte, so the output must not land on
		// either compare operand.
		ir.OpSetCond:    c(n1i2(r, r, r)),
		ir.OpNegSetCond: c(n1i2(r, r, r)),
		ir.OpMovCond:    c(o1i4Alias2(r, r, r, r)),

		ir.OpBrCond: c(o0i2(r, r)),

		// Widening multiply and divide around the RAX:RDX pair.
		ir.OpMulS2: c(o2i2Fixed(regRAX, regRDX, rNoAXDX)),
		ir.OpMulU2: c(o2i2Fixed(regRAX, regRDX, rNoAXDX)),
		ir.OpDivS2: c(o2i3Fixed(regRAX, regRDX, rNoAXDX)),
		ir.OpDivU2: c(o2i3Fixed(regRAX, regRDX, rNoAXDX)),

		// Bit field.
		ir.OpExtract:  c(o1i1Alias(r)),
		ir.OpSExtract: c(o1i1Alias(r)),
		ir.OpDeposit:  c(o1i2Alias(r, r)),
		ir.OpExtract2: c(o1i2Alias(r, r)),

		// Byte swap works in place.
		ir.OpBswap16: c(o1i1Alias(r)),
		ir.OpBswap32: c(o1i1Alias(r)),
		ir.OpBswap64: c(o1i1Alias(r)),

		// LZCNT/TZCNT read the source after the output is allocated, so
		// the output must be disjoint.
		ir.OpClz:   c(n1i2(r, r, r)),
		ir.OpCtz:   c(n1i2(r, r, r)),
		ir.OpCtPop: c(o1i1(r, r)),

		// Width conversions.
		ir.OpExtI32I64:   c(o1i1(r, r)),
		ir.OpExtUI32I64:  c(o1i1(r, r)),
		ir.OpExtrlI64I32: c(o1i1(r, r)),
		ir.OpExtrhI64I32: c(o1i1Alias(r)),

		// Host loads/stores.
		ir.OpLd:    c(o1i1(r, r)),
		ir.OpLd8U:  c(o1i1(r, r)),
		ir.OpLd8S:  c(o1i1(r, r)),
		ir.OpLd16U: c(o1i1(r, r)),
		ir.OpLd16S: c(o1i1(r, r)),
		ir.OpLd32U: c(o1i1(r, r)),
		ir.OpLd32S: c(o1i1(r, r)),
		ir.OpSt:    c(o0i2(r, r)),
		ir.OpSt8:   c(o0i2(r, r)),
		ir.OpSt16:  c(o0i2(r, r)),
		ir.OpSt32:  c(o0i2(r, r)),

		// Guest memory through the reserved base register.
		ir.OpQemuLd: c(o1i1(r, r)),
		ir.OpQemuSt: c(o0i2(r, r)),

		ir.OpGotoPtr: c(o0i1(r)),
	}
}

// opConstraint returns the constraint vector for opc. Missing entries mean
// the op reaches codegen without register requirements.
func opConstraint(opc ir.Opcode) *OpConstraint {
	if ct, ok := opConstraints[opc]; ok {
		return ct
	}
	return &emptyConstraint
}

var emptyConstraint OpConstraint
