package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstDeduplication(t *testing.T) {
	ctx := NewContext()
	a := ctx.NewConst(I64, 42)
	b := ctx.NewConst(I64, 42)
	require.Equal(t, a, b, "same (type, value) must dedup")

	c := ctx.NewConst(I32, 42)
	require.NotEqual(t, a, c, "different type, different temp")

	d := ctx.NewConst(I64, 43)
	require.NotEqual(t, a, d)
}

func TestGlobalsPrecedeLocals(t *testing.T) {
	ctx := NewContext()
	env := ctx.NewFixed(I64, 5, "env")
	g := ctx.NewGlobal(I64, env, 0, "x1")
	require.EqualValues(t, 2, ctx.NbGlobals())

	ctx.NewTemp(I64)
	require.Panics(t, func() {
		ctx.NewGlobal(I64, env, 8, "x2")
	}, "global registration after a local is a bug")

	require.Equal(t, "x1", ctx.Temp(g).Name)
}

func TestResetPreservesGlobals(t *testing.T) {
	ctx := NewContext()
	env := ctx.NewFixed(I64, 5, "env")
	g := ctx.NewGlobal(I64, env, 16, "pc")

	loc := ctx.NewTemp(I64)
	ctx.NewConst(I64, 7)
	ctx.GenAdd(I64, loc, g, g)
	ctx.NewLabel()

	// Dirty the allocator view of the global.
	ctx.Temp(g).ValType = ValReg
	ctx.Temp(g).Reg = 3
	ctx.Temp(g).MemCoherent = false

	ctx.Reset()

	require.EqualValues(t, 2, ctx.NbTemps(), "locals truncated")
	require.EqualValues(t, 2, ctx.NbGlobals())
	require.Zero(t, ctx.NumOps())
	require.Empty(t, ctx.Labels())

	pc := ctx.Temp(g)
	require.Equal(t, ValMem, pc.ValType, "globals restart in memory")
	require.True(t, pc.MemCoherent)

	// Const table cleared: the same value gets a fresh local slot.
	k := ctx.NewConst(I64, 7)
	require.EqualValues(t, 2, k)
}

func TestFrameAllocation(t *testing.T) {
	ctx := NewContext()
	ctx.SetFrame(4, 128, 1024)

	a := ctx.NewTempTb(I64)
	b := ctx.NewTempTb(I32)
	offA := ctx.AllocTempFrame(a)
	require.EqualValues(t, 128, offA)
	require.Equal(t, offA, ctx.AllocTempFrame(a), "idempotent per temp")

	offB := ctx.AllocTempFrame(b)
	require.EqualValues(t, 136, offB)
}

func TestLabelForwardUses(t *testing.T) {
	ctx := NewContext()
	id := ctx.NewLabel()
	l := ctx.Label(id)
	l.AddUse(100, Rel32)
	l.AddUse(200, Rel32)
	require.True(t, l.HasPendingUses())

	l.SetValue(300)
	require.True(t, l.HasValue)
	require.Equal(t, 300, l.Value)
	require.False(t, l.HasPendingUses())

	require.Panics(t, func() { l.SetValue(400) }, "labels resolve once")
}
