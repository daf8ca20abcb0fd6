package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// requireWellFormed checks the universal op invariant: the argument count
// matches the descriptor and every temp reference exists.
func requireWellFormed(t *testing.T, ctx *Context) {
	t.Helper()
	for _, op := range ctx.Ops() {
		def := op.Opc.Def()
		require.EqualValues(t, def.NbArgs(), op.NArgs, "%s arg count", op.Opc)
		for _, a := range op.OArgs() {
			require.Less(t, uint32(a), ctx.NbTemps(), "%s output", op.Opc)
		}
		for _, a := range op.IArgs() {
			require.Less(t, uint32(a), ctx.NbTemps(), "%s input", op.Opc)
		}
	}
}

func TestBuilderArgLayout(t *testing.T) {
	ctx := NewContext()
	d := ctx.NewTemp(I64)
	a := ctx.NewTemp(I64)
	b := ctx.NewTemp(I64)

	ctx.GenAdd(I64, d, a, b)
	op := ctx.Op(0)
	require.Equal(t, OpAdd, op.Opc)
	require.Equal(t, I64, op.Ty)
	require.Equal(t, []TempIdx{d}, op.OArgs())
	require.Equal(t, []TempIdx{a, b}, op.IArgs())
	require.Empty(t, op.CArgs())

	ctx.GenSetCond(I64, d, a, b, CondLtu)
	op = ctx.Op(1)
	require.Equal(t, []TempIdx{a, b}, op.IArgs())
	require.Equal(t, []TempIdx{Carg(uint32(CondLtu))}, op.CArgs())

	requireWellFormed(t, ctx)
}

func TestBuilderBranchRecordsLabelIDOnly(t *testing.T) {
	ctx := NewContext()
	a := ctx.NewTemp(I64)
	b := ctx.NewTemp(I64)
	l := ctx.NewLabel()

	ctx.GenBrCond(I64, a, b, CondEq, l)
	op := ctx.Op(0)
	require.Equal(t, OpBrCond, op.Opc)
	require.Equal(t, TempIdx(l), op.CArgs()[1], "label id travels as a carg")
	// No relocation exists yet: that happens at host-branch emission.
	require.Empty(t, ctx.Label(l).Uses)

	ctx.GenSetLabel(l)
	require.True(t, ctx.Label(l).Present)
	requireWellFormed(t, ctx)
}

func TestBuilderMemoryOps(t *testing.T) {
	ctx := NewContext()
	env := ctx.NewFixed(I64, 5, "env")
	v := ctx.NewTemp(I64)
	addr := ctx.NewTemp(I64)

	ctx.GenLd(I64, v, env, 256)
	ctx.GenSt(I64, v, env, 256)
	ctx.GenQemuLd(I64, v, addr, MemOpSL)
	ctx.GenQemuSt(I64, v, addr, MemOpUQ)

	ld := ctx.Op(0)
	require.EqualValues(t, 256, uint32(ld.CArgs()[0]))
	qld := ctx.Op(2)
	require.EqualValues(t, uint32(MemOpSL), uint32(qld.CArgs()[0]))
	requireWellFormed(t, ctx)
}

func TestBuilderExpandsMissingOps(t *testing.T) {
	// Ops the backend cannot emit directly never reach the op stream.
	ctx := NewContext()
	d := ctx.NewTemp(I64)
	a := ctx.NewTemp(I64)
	b := ctx.NewTemp(I64)

	ctx.GenOrc(I64, d, a, b)
	ctx.GenEqv(I64, d, a, b)
	ctx.GenNand(I64, d, a, b)
	ctx.GenNor(I64, d, a, b)
	ctx.GenMulSH(I64, d, a, b)
	ctx.GenDivS(I64, d, a, b)

	for _, op := range ctx.Ops() {
		require.False(t, op.Opc.Def().Flags.Has(OpFlagNotPresent) && op.Opc != OpMov,
			"op %s must not reach the backend", op.Opc)
	}
	requireWellFormed(t, ctx)
}

func TestBuilderInsnStartSplitsPC(t *testing.T) {
	ctx := NewContext()
	ctx.GenInsnStart(0x1_2345_6789)
	op := ctx.Op(0)
	require.EqualValues(t, 0x23456789, uint32(op.CArgs()[0]))
	require.EqualValues(t, 0x1, uint32(op.CArgs()[1]))
}

func TestBuilderExitEncodings(t *testing.T) {
	require.EqualValues(t, (5+1)<<2|1, EncodeTBExit(5, TBExitIdx1))
	require.EqualValues(t, (9+1)<<2|2, EncodeTBExit(9, TBExitNochain))
	require.EqualValues(t, uint32(ExcpEcall)<<2|3, EncodeTBExcp(ExcpEcall))

	tb, code, _ := DecodeTBExit(uintptr(EncodeTBExit(5, 1)))
	require.Equal(t, 5, tb)
	require.EqualValues(t, 1, code)

	tb, code, excp := DecodeTBExit(uintptr(EncodeTBExcp(ExcpEbreak)))
	require.Equal(t, -1, tb)
	require.EqualValues(t, TBExitMax, code)
	require.EqualValues(t, ExcpEbreak, excp)

	tb, code, _ = DecodeTBExit(0)
	require.Equal(t, -1, tb, "exit_tb 0 carries no source TB")
	require.EqualValues(t, 0, code)
}
