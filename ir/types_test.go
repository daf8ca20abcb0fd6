package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allConds = []Cond{
	CondNever, CondAlways, CondEq, CondNe,
	CondLt, CondGe, CondLe, CondGt,
	CondLtu, CondGeu, CondLeu, CondGtu,
	CondTstEq, CondTstNe,
}

func TestCondInvertIsInvolution(t *testing.T) {
	for _, c := range allConds {
		require.Equal(t, c, c.Invert().Invert(), "invert(invert(%s))", c)
		require.NotEqual(t, c, c.Invert(), "invert(%s) must differ", c)
	}
}

func TestCondSwapIsInvolution(t *testing.T) {
	for _, c := range allConds {
		require.Equal(t, c, c.Swap().Swap(), "swap(swap(%s))", c)
	}
}

func TestCondSwapExchangesOrderings(t *testing.T) {
	require.Equal(t, CondGt, CondLt.Swap())
	require.Equal(t, CondLe, CondGe.Swap())
	require.Equal(t, CondGtu, CondLtu.Swap())
	require.Equal(t, CondLeu, CondGeu.Swap())
	// Symmetric conditions are fixed points.
	require.Equal(t, CondEq, CondEq.Swap())
	require.Equal(t, CondTstNe, CondTstNe.Swap())
}

func TestCondEncodingStable(t *testing.T) {
	// Frontends bake these raw values into constant args.
	require.EqualValues(t, 0, CondNever)
	require.EqualValues(t, 1, CondAlways)
	require.EqualValues(t, 8, CondEq)
	require.EqualValues(t, 9, CondNe)
	require.EqualValues(t, 10, CondLt)
	require.EqualValues(t, 17, CondGtu)
	require.EqualValues(t, 19, CondTstNe)
}

func TestMemOpFields(t *testing.T) {
	require.EqualValues(t, 1, MemOpUB.SizeBytes())
	require.EqualValues(t, 2, MemOpSW.SizeBytes())
	require.EqualValues(t, 4, MemOpUL.SizeBytes())
	require.EqualValues(t, 8, MemOpUQ.SizeBytes())

	require.True(t, MemOpSB.IsSigned())
	require.False(t, MemOpUB.IsSigned())
	require.False(t, MemOpUQ.IsBswap())
	require.True(t, (MemOpUL | MemOpBswap).IsBswap())
}

func TestTypeWidths(t *testing.T) {
	require.EqualValues(t, 32, I32.SizeBits())
	require.EqualValues(t, 64, I64.SizeBits())
	require.EqualValues(t, 16, V128.SizeBytes())
	require.True(t, V64.IsVector())
	require.False(t, I64.IsVector())
}
