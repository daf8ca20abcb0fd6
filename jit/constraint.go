package jit

import "github.com/rivetvm/rivet/ir"

// ArgConstraint declares the register requirements of one op argument.
type ArgConstraint struct {
	// Allowed host registers.
	Regs ir.RegSet
	// Output takes the register of the input named by AliasIndex.
	OAlias bool
	// Input may be consumed by the output named by AliasIndex.
	IAlias     bool
	AliasIndex uint8
	// Output register must not overlap any input register.
	NewReg bool
}

// OpConstraint is the per-opcode argument constraint vector, indexed like
// the op's args: [outputs | inputs].
type OpConstraint struct {
	Args [ir.MaxOpArgs]ArgConstraint
}

// Constraint vector builders mirroring the common x86-64 shapes.

func conR(regs ir.RegSet) ArgConstraint { return ArgConstraint{Regs: regs} }

func conFixed(reg uint8) ArgConstraint {
	return ArgConstraint{Regs: ir.RegSetOf(reg)}
}

func conNew(regs ir.RegSet) ArgConstraint {
	return ArgConstraint{Regs: regs, NewReg: true}
}

func conOAlias(regs ir.RegSet, input uint8) ArgConstraint {
	return ArgConstraint{Regs: regs, OAlias: true, AliasIndex: input}
}

func conIAlias(regs ir.RegSet, output uint8) ArgConstraint {
	return ArgConstraint{Regs: regs, IAlias: true, AliasIndex: output}
}

// o1i1 is one output, one input, no alias.
func o1i1(o0, i0 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conR(o0)
	c.Args[1] = conR(i0)
	return c
}

// o1i1Alias is a destructive unary op: out == in.
func o1i1Alias(o0 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conOAlias(o0, 0)
	c.Args[1] = conIAlias(o0, 0)
	return c
}

// o1i2 is a three-address binary op.
func o1i2(o0, i0, i1 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conR(o0)
	c.Args[1] = conR(i0)
	c.Args[2] = conR(i1)
	return c
}

// o1i2Alias is a destructive binary op: out == in0.
func o1i2Alias(o0, i1 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conOAlias(o0, 0)
	c.Args[1] = conIAlias(o0, 0)
	c.Args[2] = conR(i1)
	return c
}

// o1i2AliasFixed is a destructive binary op with input 1 pinned to one
// register (shift counts in RCX).
func o1i2AliasFixed(o0 ir.RegSet, i1Reg uint8) OpConstraint {
	c := o1i2Alias(o0, ir.RegSetOf(i1Reg))
	return c
}

// n1i2 is one newreg output, two inputs (setcond-style).
func n1i2(o0, i0, i1 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conNew(o0)
	c.Args[1] = conR(i0)
	c.Args[2] = conR(i1)
	return c
}

// o0i1 is a pure single-input op (goto_ptr).
func o0i1(i0 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conR(i0)
	return c
}

// o0i2 is a two-input op with no outputs (branches, stores).
func o0i2(i0, i1 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conR(i0)
	c.Args[1] = conR(i1)
	return c
}

// o0i3 is a three-input op with no outputs.
func o0i3(i0, i1, i2 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conR(i0)
	c.Args[1] = conR(i1)
	c.Args[2] = conR(i2)
	return c
}

// o2i2Fixed is the widening multiply shape: outputs pinned to (o0Reg, o1Reg),
// input 0 aliased into o0Reg, input 1 anywhere in i1.
func o2i2Fixed(o0Reg, o1Reg uint8, i1 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conOAlias(ir.RegSetOf(o0Reg), 0)
	c.Args[1] = conFixed(o1Reg)
	c.Args[2] = conIAlias(ir.RegSetOf(o0Reg), 0)
	c.Args[3] = conR(i1)
	return c
}

// o2i3Fixed is the widening divide shape: quotient/remainder pinned,
// low/high inputs aliased into them, divisor anywhere in i2.
func o2i3Fixed(o0Reg, o1Reg uint8, i2 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conOAlias(ir.RegSetOf(o0Reg), 0)
	c.Args[1] = conOAlias(ir.RegSetOf(o1Reg), 1)
	c.Args[2] = conIAlias(ir.RegSetOf(o0Reg), 0)
	c.Args[3] = conIAlias(ir.RegSetOf(o1Reg), 1)
	c.Args[4] = conR(i2)
	return c
}

// o1i4Alias2 is the movcond shape: the output aliases input 2 (the
// taken-value), the compare operands and the else-value are free.
func o1i4Alias2(o0, i0, i1, i3 ir.RegSet) OpConstraint {
	var c OpConstraint
	c.Args[0] = conOAlias(o0, 2)
	c.Args[1] = conR(i0)
	c.Args[2] = conR(i1)
	c.Args[3] = conIAlias(o0, 0)
	c.Args[4] = conR(i3)
	return c
}
