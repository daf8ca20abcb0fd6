//go:build linux && amd64

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivetvm/rivet/ir"
)

// execIR runs a one-TB IR program over the 8-slot test env and returns the
// final slot values.
func execIR(t *testing.T, init [8]uint64, gen func(ctx *ir.Context, g [8]ir.TempIdx)) [8]uint64 {
	t.Helper()
	e, cpu, pcpu := newIRSystem(t, func(ctx *ir.Context, cpu *irTestCPU, _ uint64) {
		gen(ctx, cpu.g)
		ctx.GenExitTb(ir.EncodeTBExcp(ir.ExcpEcall))
	})
	cpu.env.vals = init
	require.Equal(t, ExitEcall, e.Run(cpu, pcpu))
	return cpu.env.vals
}

func TestCodegenLogicAndNeg(t *testing.T) {
	out := execIR(t, [8]uint64{0xF0F0, 0x0FF0, 7},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenAnd(ir.I64, g[3], g[0], g[1])
			ctx.GenOr(ir.I64, g[4], g[0], g[1])
			ctx.GenXor(ir.I64, g[5], g[0], g[1])
			ctx.GenNeg(ir.I64, g[6], g[2])
			ctx.GenNot(ir.I64, g[7], g[2])
		})
	require.EqualValues(t, 0x00F0, out[3])
	require.EqualValues(t, 0xFFF0, out[4])
	require.EqualValues(t, 0xFF00, out[5])
	require.EqualValues(t, -7, int64(out[6]))
	require.EqualValues(t, ^uint64(7), out[7])
}

func TestCodegenAndcThreeAddress(t *testing.T) {
	out := execIR(t, [8]uint64{0xFF00FF, 0x00FFFF},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenAndc(ir.I64, g[2], g[0], g[1])
		})
	require.EqualValues(t, 0xFF0000, out[2])
}

func TestCodegenShiftFamily(t *testing.T) {
	out := execIR(t, [8]uint64{0x8000000000000001, 4},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenShl(ir.I64, g[2], g[0], g[1])
			ctx.GenShr(ir.I64, g[3], g[0], g[1])
			ctx.GenSar(ir.I64, g[4], g[0], g[1])
			ctx.GenRotl(ir.I64, g[5], g[0], g[1])
			ctx.GenRotr(ir.I64, g[6], g[0], g[1])
		})
	require.EqualValues(t, 0x10, out[2])
	require.EqualValues(t, 0x0800000000000000, out[3])
	require.EqualValues(t, uint64(0xF800000000000000), out[4])
	require.EqualValues(t, 0x0000000000000018, out[5])
	require.EqualValues(t, 0x1800000000000000, out[6])
}

func TestCodegenSetCondFamily(t *testing.T) {
	out := execIR(t, [8]uint64{5, 9},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenSetCond(ir.I64, g[2], g[0], g[1], ir.CondLt)
			ctx.GenSetCond(ir.I64, g[3], g[1], g[0], ir.CondLtu)
			ctx.GenNegSetCond(ir.I64, g[4], g[0], g[1], ir.CondNe)
			ctx.GenSetCond(ir.I64, g[5], g[0], g[1], ir.CondTstEq)
		})
	require.EqualValues(t, 1, out[2])
	require.EqualValues(t, 0, out[3])
	require.EqualValues(t, ^uint64(0), out[4])
	// 5 & 9 == 1, so tsteq (mask test equal zero) is false.
	require.EqualValues(t, 0, out[5])
}

func TestCodegenMovCond(t *testing.T) {
	out := execIR(t, [8]uint64{10, 20, 111, 222},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenMovCond(ir.I64, g[4], g[0], g[1], g[2], g[3], ir.CondLt)
			ctx.GenMovCond(ir.I64, g[5], g[0], g[1], g[2], g[3], ir.CondGt)
		})
	require.EqualValues(t, 111, out[4], "10 < 20 picks v1")
	require.EqualValues(t, 222, out[5], "10 > 20 picks v2")
}

func TestCodegenCarryChain(t *testing.T) {
	out := execIR(t, [8]uint64{^uint64(0), 1, 0, 5, 7},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			// 128-bit add: (g5:g2) = (g3:g0) + (g4:g1).
			ctx.GenAddCO(ir.I64, g[2], g[0], g[1])
			ctx.GenAddCI(ir.I64, g[5], g[3], g[4])
		})
	require.EqualValues(t, 0, out[2], "low word wraps")
	require.EqualValues(t, 13, out[5], "5 + 7 + carry")
}

func TestCodegenBorrowChain(t *testing.T) {
	out := execIR(t, [8]uint64{0, 1, 0, 10, 3},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenSubBO(ir.I64, g[2], g[0], g[1])
			ctx.GenSubBI(ir.I64, g[5], g[3], g[4])
		})
	require.EqualValues(t, ^uint64(0), out[2])
	require.EqualValues(t, 6, out[5], "10 - 3 - borrow")
}

func TestCodegenAddC1O(t *testing.T) {
	out := execIR(t, [8]uint64{5, 7},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenAddC1O(ir.I64, g[2], g[0], g[1])
		})
	require.EqualValues(t, 13, out[2], "forced carry-in of 1")
}

func TestCodegenExtractDeposit(t *testing.T) {
	out := execIR(t, [8]uint64{0x1122334455667788, 0xAAAAAAAAAAAAAABB},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenExtract(ir.I64, g[2], g[0], 0, 16)
			ctx.GenExtract(ir.I64, g[3], g[0], 8, 16)
			ctx.GenSExtract(ir.I64, g[4], g[0], 0, 8)
			ctx.GenSExtract(ir.I64, g[5], g[0], 24, 8)
			ctx.GenDeposit(ir.I64, g[6], g[0], g[1], 0, 8)
			ctx.GenExtract2(ir.I64, g[7], g[0], g[1], 8)
		})
	require.EqualValues(t, 0x7788, out[2])
	require.EqualValues(t, 0x6677, out[3])
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFF88), out[4], "0x88 sign-extends")
	require.EqualValues(t, 0x55, out[5])
	require.EqualValues(t, 0x11223344556677BB, out[6])
	// (hi:lo) >> 8 low 64: lo>>8 | hi<<56
	require.EqualValues(t, uint64(0xBB11223344556677), out[7])
}

func TestCodegenBswap(t *testing.T) {
	out := execIR(t, [8]uint64{0x1122334455667788},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenBswap64(g[1], g[0])
			ctx.GenBswap32(ir.I64, g[2], g[0], ir.BswapOZ|ir.BswapIZ)
			// The IZ flag promises a zero-extended input.
			low16 := ctx.NewTemp(ir.I64)
			ctx.GenExtract(ir.I64, low16, g[0], 0, 16)
			ctx.GenBswap16(ir.I64, g[3], low16, ir.BswapIZ|ir.BswapOZ)
		})
	require.EqualValues(t, uint64(0x8877665544332211), out[1])
	// bswap32 of the (zero-extended) low word 0x55667788.
	require.EqualValues(t, 0x88776655, out[2])
	// bswap16 of 0x7788.
	require.EqualValues(t, 0x8877, out[3])
}

func TestCodegenBitCounting(t *testing.T) {
	out := execIR(t, [8]uint64{0x0000F00000000000, 0},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			w := ctx.NewConst(ir.I64, 64)
			ctx.GenClz(ir.I64, g[2], g[0], w)
			ctx.GenCtz(ir.I64, g[3], g[0], w)
			ctx.GenCtPop(ir.I64, g[4], g[0])
			// Zero input: LZCNT/TZCNT return the operand width.
			ctx.GenClz(ir.I64, g[5], g[1], w)
			ctx.GenCtz(ir.I64, g[6], g[1], w)
		})
	require.EqualValues(t, 16, out[2])
	require.EqualValues(t, 44, out[3])
	require.EqualValues(t, 4, out[4])
	require.EqualValues(t, 64, out[5])
	require.EqualValues(t, 64, out[6])
}

func TestCodegenWidthConversions(t *testing.T) {
	out := execIR(t, [8]uint64{0xFFFFFFFF80000001},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			t32 := ctx.NewTemp(ir.I32)
			ctx.GenExtrlI64I32(t32, g[0])
			ctx.GenExtUI32I64(g[1], t32)
			ctx.GenExtI32I64(g[2], t32)
			h32 := ctx.NewTemp(ir.I32)
			ctx.GenExtrhI64I32(h32, g[0])
			ctx.GenExtUI32I64(g[3], h32)
		})
	require.EqualValues(t, 0x80000001, out[1], "zero-extended low half")
	require.EqualValues(t, uint64(0xFFFFFFFF80000001), out[2], "sign-extended low half")
	require.EqualValues(t, 0xFFFFFFFF, out[3], "high half")
}

func TestCodegenHostLoadStore(t *testing.T) {
	// Host ld/st against the env pointer: copy slot 0 to slot 1 through a
	// temp, narrow store into slot 2.
	out := execIR(t, [8]uint64{0x1122334455667788, 0, ^uint64(0)},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			env := ir.TempIdx(0) // the fixed env temp is always first
			v := ctx.NewTemp(ir.I64)
			ctx.GenLd(ir.I64, v, env, 0)
			ctx.GenSt(ir.I64, v, env, 8)
			ctx.GenSt8(ir.I64, v, env, 16)
			b := ctx.NewTemp(ir.I64)
			ctx.GenLd8U(ir.I64, b, env, 7)
			ctx.GenSt(ir.I64, b, env, 24)
		})
	require.EqualValues(t, 0x1122334455667788, out[1])
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFF88), out[2], "byte store leaves the rest")
	require.EqualValues(t, 0x11, out[3])
}

func TestCodegenGotoPtr(t *testing.T) {
	// goto_ptr jumps to a raw host address: aim it at the epilogue-zero
	// stub, which returns the anonymous exit word. The PC cell was
	// advanced first, so the loop re-enters lookup at pc 4 and the second
	// block ends the run.
	e, cpu, pcpu := newIRSystem(t, nil)
	cpu.gen = func(ctx *ir.Context, c *irTestCPU, pc uint64) {
		if pc != 0 {
			ctx.GenExitTb(ir.EncodeTBExcp(ir.ExcpEbreak))
			return
		}
		ctx.GenMovi(ir.I64, c.pcG, 4)
		target := ctx.NewTemp(ir.I64)
		ctx.GenMovi(ir.I64, target, uint64(e.buf.PtrAt(e.be.EpilogueZeroOffset)))
		ctx.GenGotoPtr(target)
	}

	require.Equal(t, ExitEbreak, e.Run(cpu, pcpu))
	require.EqualValues(t, 4, cpu.env.pc)
	require.EqualValues(t, 2, pcpu.Stats.Translations)
}

func TestCodegenMemoryBarrier(t *testing.T) {
	out := execIR(t, [8]uint64{1, 2},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenAdd(ir.I64, g[2], g[0], g[1])
			ctx.GenMb(0)
			ctx.GenAdd(ir.I64, g[3], g[2], g[1])
		})
	require.EqualValues(t, 3, out[2])
	require.EqualValues(t, 5, out[3])
}

func TestCodegenWideMultiply(t *testing.T) {
	out := execIR(t, [8]uint64{0xFFFFFFFFFFFFFFFF, 2},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			ctx.GenMulU2(ir.I64, g[2], g[3], g[0], g[1])
			ctx.GenMulS2(ir.I64, g[4], g[5], g[0], g[1])
		})
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFFFE), out[2], "unsigned low")
	require.EqualValues(t, 1, out[3], "unsigned high")
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFFFE), out[4], "signed low (-1 * 2)")
	require.EqualValues(t, ^uint64(0), out[5], "signed high")
}

func TestCodegenWideDivide(t *testing.T) {
	out := execIR(t, [8]uint64{100, 7},
		func(ctx *ir.Context, g [8]ir.TempIdx) {
			hi := ctx.NewTemp(ir.I64)
			ctx.GenMovi(ir.I64, hi, 0)
			ctx.GenDivU2(ir.I64, g[2], g[3], g[0], hi, g[1])
		})
	require.EqualValues(t, 14, out[2])
	require.EqualValues(t, 2, out[3])
}
