//go:build linux && amd64

package riscv_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivetvm/rivet/engine"
	"github.com/rivetvm/rivet/jit"
	"github.com/rivetvm/rivet/riscv"
)

func rvI(imm int32, rs1, f3, rd, op uint32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func rvR(f7, rs2, rs1, f3, rd, op uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func rvS(imm int32, rs2, rs1, f3 uint32) uint32 {
	i := uint32(imm)
	return (i>>5&0x7F)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (i&0x1F)<<7 | 0x23
}

func rvU(imm uint32, rd, op uint32) uint32 { return imm&0xFFFFF000 | rd<<7 | op }

const insnEcall = 0x00000073

// run executes insns at pc 0 with the given initial registers, until the
// trailing ecall.
func run(t *testing.T, init map[int]uint64, insns ...uint32) *riscv.CPU {
	t.Helper()
	insns = append(insns, insnEcall)
	mem := make([]byte, 65536)
	for i, raw := range insns {
		binary.LittleEndian.PutUint32(mem[i*4:], raw)
	}

	e, err := engine.New(jit.NewBackend(riscv.GuestBaseOffset))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	cpu := riscv.NewCPU(mem)
	for r, v := range init {
		cpu.State.GPR[r] = v
	}
	reason := e.Run(cpu, engine.NewCPU())
	require.Equal(t, engine.ExitEcall, reason)
	return cpu
}

func TestAluImmediates(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 0xF0F0},
		rvI(-1, 5, 4, 1, 0x13),   // xori x1, x5, -1
		rvI(0x0FF, 5, 7, 2, 0x13), // andi x2, x5, 0xFF
		rvI(0x700, 5, 6, 3, 0x13), // ori x3, x5, 0x700
		rvI(100, 0, 2, 4, 0x13),  // slti x4, x0, 100
		rvI(-1, 0, 3, 6, 0x13),   // sltiu x6, x0, -1 (unsigned max)
	)
	require.Equal(t, ^uint64(0xF0F0), cpu.State.GPR[1])
	require.EqualValues(t, 0xF0, cpu.State.GPR[2])
	require.EqualValues(t, 0xF7F0, cpu.State.GPR[3])
	require.EqualValues(t, 1, cpu.State.GPR[4])
	require.EqualValues(t, 1, cpu.State.GPR[6])
}

func TestShifts(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 0x8000000000000001, 6: 4},
		rvI(4, 5, 1, 1, 0x13),       // slli x1, x5, 4
		rvI(4, 5, 5, 2, 0x13),       // srli x2, x5, 4
		rvI(0x404, 5, 5, 3, 0x13),   // srai x3, x5, 4
		rvR(0, 6, 5, 1, 4, 0x33),    // sll x4, x5, x6
		rvR(0x20, 6, 5, 5, 7, 0x33), // sra x7, x5, x6
	)
	require.EqualValues(t, 0x10, cpu.State.GPR[1])
	require.EqualValues(t, 0x0800000000000000, cpu.State.GPR[2])
	require.EqualValues(t, uint64(0xF800000000000000), cpu.State.GPR[3])
	require.EqualValues(t, 0x10, cpu.State.GPR[4])
	require.EqualValues(t, uint64(0xF800000000000000), cpu.State.GPR[7])
}

func TestWordForms(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 0x00000000FFFFFFFF, 6: 1},
		rvR(0, 6, 5, 0, 1, 0x3B),  // addw x1, x5, x6 -> 0
		rvI(1, 5, 0, 2, 0x1B),     // addiw x2, x5, 1 -> 0
		rvR(0x20, 6, 5, 0, 3, 0x3B), // subw x3, x5, x6 -> -2
		rvI(4, 5, 1, 4, 0x1B),     // slliw x4, x5, 4 -> sext(0xFFFFFFF0)
		rvI(4, 5, 5, 7, 0x1B),     // srliw x7, x5, 4 -> 0x0FFFFFFF
		rvI(0x404, 5, 5, 8, 0x1B), // sraiw x8, x5, 4 -> -1
	)
	require.Zero(t, cpu.State.GPR[1])
	require.Zero(t, cpu.State.GPR[2])
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFFFE), cpu.State.GPR[3])
	require.EqualValues(t, uint64(0xFFFFFFFFFFFFFFF0), cpu.State.GPR[4])
	require.EqualValues(t, 0x0FFFFFFF, cpu.State.GPR[7])
	require.EqualValues(t, ^uint64(0), cpu.State.GPR[8])
}

func TestLoadStoreRoundTrip(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 0x1122334455667788, 6: 0x1000},
		rvS(0, 5, 6, 3),        // sd x5, 0(x6)
		rvI(0, 6, 3, 1, 0x03),  // ld x1, 0(x6)
		rvI(0, 6, 2, 2, 0x03),  // lw x2, 0(x6) (sign-extended)
		rvI(0, 6, 6, 3, 0x03),  // lwu x3, 0(x6)
		rvI(0, 6, 4, 4, 0x03),  // lbu x4, 0(x6)
		rvI(1, 6, 0, 7, 0x03),  // lb x7, 1(x6)
		rvI(0, 6, 5, 8, 0x03),  // lhu x8, 0(x6)
		rvI(2, 6, 1, 9, 0x03),  // lh x9, 2(x6)
	)
	require.EqualValues(t, 0x1122334455667788, cpu.State.GPR[1])
	require.EqualValues(t, 0x55667788, cpu.State.GPR[2])
	require.EqualValues(t, 0x55667788, cpu.State.GPR[3])
	require.EqualValues(t, 0x88, cpu.State.GPR[4])
	require.EqualValues(t, 0x77, cpu.State.GPR[7])
	require.EqualValues(t, 0x7788, cpu.State.GPR[8])
	require.EqualValues(t, 0x5566, cpu.State.GPR[9])

	// The bytes really landed in guest memory.
	require.EqualValues(t, 0x88, cpu.Mem[0x1000])
	require.EqualValues(t, 0x11, cpu.Mem[0x1007])
}

func TestStoreNarrow(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 0xAABBCCDDEEFF1122, 6: 0x2000},
		rvS(0, 5, 6, 0), // sb
		rvS(8, 5, 6, 1), // sh at +8
		rvS(16, 5, 6, 2), // sw at +16
	)
	require.EqualValues(t, 0x22, cpu.Mem[0x2000])
	require.EqualValues(t, 0x22, cpu.Mem[0x2008])
	require.EqualValues(t, 0x11, cpu.Mem[0x2009])
	require.EqualValues(t, 0xEE, cpu.Mem[0x2013])
}

func TestLuiAuipc(t *testing.T) {
	cpu := run(t, nil,
		rvU(0x12345000, 1, 0x37), // lui x1, 0x12345
		rvU(0x1000, 2, 0x17),     // auipc x2, 0x1 (pc=4)
	)
	require.EqualValues(t, 0x12345000, cpu.State.GPR[1])
	require.EqualValues(t, 0x1004, cpu.State.GPR[2])
}

func TestJalrLink(t *testing.T) {
	// jalr x1, 12(x5) with x5=0: jumps to 12, links 4.
	cpu := run(t, map[int]uint64{5: 0},
		rvI(12, 5, 0, 1, 0x67),
		0x00100073, // ebreak pad (skipped)
		0x00100073,
		rvI(7, 0, 0, 2, 0x13), // 12: addi x2, x0, 7
	)
	require.EqualValues(t, 4, cpu.State.GPR[1])
	require.EqualValues(t, 7, cpu.State.GPR[2])
	require.EqualValues(t, 16, cpu.State.PC)
}

func TestMulDiv(t *testing.T) {
	cpu := run(t, map[int]uint64{5: 7, 6: ^uint64(2)}, // x6 = -3
		rvR(1, 6, 5, 0, 1, 0x33), // mul x1 = -21
		rvR(1, 6, 5, 4, 2, 0x33), // div x2 = 7 / -3 = -2
		rvR(1, 6, 5, 6, 3, 0x33), // rem x3 = 7 % -3 = 1
		rvR(1, 6, 5, 1, 4, 0x33), // mulh x4
		rvR(1, 6, 5, 3, 7, 0x33), // mulhu x7
	)
	require.EqualValues(t, -21, int64(cpu.State.GPR[1]))
	require.EqualValues(t, -2, int64(cpu.State.GPR[2]))
	require.EqualValues(t, 1, int64(cpu.State.GPR[3]))
	// mulh(7, -3) = high of -21 = -1
	require.EqualValues(t, -1, int64(cpu.State.GPR[4]))
	// mulhu(7, 2^64-3) = 6
	require.EqualValues(t, 6, cpu.State.GPR[7])
}

func TestDivSpecialCases(t *testing.T) {
	minI64 := uint64(1) << 63
	cpu := run(t, map[int]uint64{5: 10, 6: 0, 7: minI64, 8: ^uint64(0)},
		rvR(1, 6, 5, 4, 1, 0x33), // div x1 = 10/0 = -1
		rvR(1, 6, 5, 5, 2, 0x33), // divu x2 = 10/0 = 2^64-1
		rvR(1, 6, 5, 6, 3, 0x33), // rem x3 = 10%0 = 10
		rvR(1, 6, 5, 7, 4, 0x33), // remu x4 = 10%0 = 10
		rvR(1, 8, 7, 4, 9, 0x33), // div x9 = MIN / -1 = MIN
		rvR(1, 8, 7, 6, 10, 0x33), // rem x10 = MIN % -1 = 0
	)
	require.EqualValues(t, ^uint64(0), cpu.State.GPR[1])
	require.EqualValues(t, ^uint64(0), cpu.State.GPR[2])
	require.EqualValues(t, 10, cpu.State.GPR[3])
	require.EqualValues(t, 10, cpu.State.GPR[4])
	require.Equal(t, minI64, cpu.State.GPR[9])
	require.Zero(t, cpu.State.GPR[10])
}

func TestDivWordSpecialCases(t *testing.T) {
	minI32 := uint64(0xFFFFFFFF80000000) // sext(INT32_MIN)
	cpu := run(t, map[int]uint64{5: 10, 6: 0, 7: minI32, 8: ^uint64(0)},
		rvR(1, 6, 5, 4, 1, 0x3B),  // divw x1 = 10/0 = -1
		rvR(1, 6, 5, 5, 2, 0x3B),  // divuw x2 = -1 (sext)
		rvR(1, 6, 5, 6, 3, 0x3B),  // remw x3 = 10
		rvR(1, 8, 7, 4, 4, 0x3B),  // divw x4 = INT32_MIN / -1 = INT32_MIN
		rvR(1, 8, 7, 6, 9, 0x3B),  // remw x9 = 0
	)
	require.EqualValues(t, ^uint64(0), cpu.State.GPR[1])
	require.EqualValues(t, ^uint64(0), cpu.State.GPR[2])
	require.EqualValues(t, 10, cpu.State.GPR[3])
	require.Equal(t, minI32, cpu.State.GPR[4])
	require.Zero(t, cpu.State.GPR[9])
}

func TestIllegalInstruction(t *testing.T) {
	mem := make([]byte, 4096)
	binary.LittleEndian.PutUint32(mem, 0xFFFFFFFF)

	e, err := engine.New(jit.NewBackend(riscv.GuestBaseOffset))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	cpu := riscv.NewCPU(mem)
	reason := e.Run(cpu, engine.NewCPU())
	require.Equal(t, engine.ExitIllegal, reason)
	require.Zero(t, cpu.State.PC, "pc points at the faulting instruction")
}

func TestEbreak(t *testing.T) {
	cpu := runWithReason(t, engine.ExitEbreak, 0x00100073)
	require.Zero(t, cpu.State.PC)
}

func runWithReason(t *testing.T, want engine.ExitReason, insns ...uint32) *riscv.CPU {
	t.Helper()
	mem := make([]byte, 4096)
	for i, raw := range insns {
		binary.LittleEndian.PutUint32(mem[i*4:], raw)
	}
	e, err := engine.New(jit.NewBackend(riscv.GuestBaseOffset))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	cpu := riscv.NewCPU(mem)
	require.Equal(t, want, e.Run(cpu, engine.NewCPU()))
	return cpu
}

func TestZeroRegisterImmutable(t *testing.T) {
	cpu := run(t, map[int]uint64{6: 0x3000},
		rvI(99, 0, 0, 0, 0x13), // addi x0, x0, 99 (canonical nop)
		rvI(0, 6, 3, 0, 0x03),  // ld x0, 0(x6): access happens, result dropped
		rvI(5, 0, 0, 1, 0x13),  // addi x1, x0, 5
	)
	require.Zero(t, cpu.State.GPR[0])
	require.EqualValues(t, 5, cpu.State.GPR[1])
}
