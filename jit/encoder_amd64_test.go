//go:build linux

package jit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testBuf(t *testing.T) *CodeBuffer {
	t.Helper()
	buf, err := NewCodeBuffer(1 << 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func emitted(t *testing.T, fn func(*CodeBuffer)) []byte {
	t.Helper()
	buf := testBuf(t)
	fn(buf)
	out := make([]byte, buf.Offset())
	copy(out, buf.Bytes())
	return out
}

func TestMovImmediateForms(t *testing.T) {
	// Zero becomes a 32-bit xor.
	require.Equal(t, []byte{0x31, 0xC0},
		emitted(t, func(b *CodeBuffer) { emitMovRI(b, true, regRAX, 0) }))

	// Unsigned 32-bit fits mov r32, imm32 (implicit zero extension).
	require.Equal(t, []byte{0xB8, 0x2A, 0x00, 0x00, 0x00},
		emitted(t, func(b *CodeBuffer) { emitMovRI(b, true, regRAX, 42) }))
	require.Equal(t, []byte{0x41, 0xB9, 0x2A, 0x00, 0x00, 0x00},
		emitted(t, func(b *CodeBuffer) { emitMovRI(b, true, regR9, 42) }))

	// Sign-extendable 64-bit value uses C7 /0.
	require.Equal(t, []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF},
		emitted(t, func(b *CodeBuffer) { emitMovRI(b, true, regRAX, ^uint64(0)) }))

	// Everything else needs the 10-byte movabs.
	require.Equal(t,
		[]byte{0x48, 0xB8, 0x89, 0x67, 0x45, 0x23, 0x01, 0x00, 0x00, 0x00},
		emitted(t, func(b *CodeBuffer) { emitMovRI(b, true, regRAX, 0x123456789) }))
}

func TestMovRegReg(t *testing.T) {
	// mov rcx, rbp
	require.Equal(t, []byte{0x48, 0x89, 0xE9},
		emitted(t, func(b *CodeBuffer) { emitMovRR(b, true, regRCX, regRBP) }))
	// mov eax, r9d
	require.Equal(t, []byte{0x44, 0x89, 0xC8},
		emitted(t, func(b *CodeBuffer) { emitMovRR(b, false, regRAX, regR9) }))
}

func TestMemOperandSpecialCases(t *testing.T) {
	// RBP base with zero displacement still needs disp8=0: mod=00 rm=101
	// would be RIP-relative.
	require.Equal(t, []byte{0x48, 0x8B, 0x45, 0x00},
		emitted(t, func(b *CodeBuffer) { emitLoad(b, true, regRAX, regRBP, 0) }))
	// R13 shares the low bits of RBP.
	require.Equal(t, []byte{0x49, 0x8B, 0x45, 0x00},
		emitted(t, func(b *CodeBuffer) { emitLoad(b, true, regRAX, regR13, 0) }))

	// RSP base always takes a SIB byte.
	require.Equal(t, []byte{0x48, 0x8B, 0x4C, 0x24, 0x08},
		emitted(t, func(b *CodeBuffer) { emitLoad(b, true, regRCX, regRSP, 8) }))
	// R12 shares the low bits of RSP.
	require.Equal(t, []byte{0x41, 0x8B, 0x04, 0x24},
		emitted(t, func(b *CodeBuffer) { emitLoad(b, false, regRAX, regR12, 0) }))

	// 32-bit displacement form.
	require.Equal(t, []byte{0x48, 0x89, 0x88, 0x00, 0x01, 0x00, 0x00},
		emitted(t, func(b *CodeBuffer) { emitStore(b, true, regRCX, regRAX, 256) }))
}

func TestArithEncodings(t *testing.T) {
	// add rax, rcx
	require.Equal(t, []byte{0x48, 0x03, 0xC1},
		emitted(t, func(b *CodeBuffer) { emitArithRR(b, arithAdd, true, regRAX, regRCX) }))
	// sub rsp, 1160 (imm32 form)
	require.Equal(t, []byte{0x48, 0x81, 0xEC, 0x88, 0x04, 0x00, 0x00},
		emitted(t, func(b *CodeBuffer) { emitArithRI(b, arithSub, true, regRSP, stackAddend) }))
	// add rsp, 8 (imm8 form)
	require.Equal(t, []byte{0x48, 0x83, 0xC4, 0x08},
		emitted(t, func(b *CodeBuffer) { emitArithRI(b, arithAdd, true, regRSP, 8) }))
	// cmp rdi, rsi
	require.Equal(t, []byte{0x48, 0x3B, 0xFE},
		emitted(t, func(b *CodeBuffer) { emitArithRR(b, arithCmp, true, regRDI, regRSI) }))
}

func TestShiftEncodings(t *testing.T) {
	// shl rbx, cl
	require.Equal(t, []byte{0x48, 0xD3, 0xE3},
		emitted(t, func(b *CodeBuffer) { emitShiftCL(b, shiftShl, true, regRBX) }))
	// shr rax, 32
	require.Equal(t, []byte{0x48, 0xC1, 0xE8, 0x20},
		emitted(t, func(b *CodeBuffer) { emitShiftRI(b, shiftShr, true, regRAX, 32) }))
	// sar rax, 1 uses the one-shift opcode
	require.Equal(t, []byte{0x48, 0xD1, 0xF8},
		emitted(t, func(b *CodeBuffer) { emitShiftRI(b, shiftSar, true, regRAX, 1) }))
}

func TestSetccAndMovzx(t *testing.T) {
	// sete al
	require.Equal(t, []byte{0x0F, 0x94, 0xC0},
		emitted(t, func(b *CodeBuffer) { emitSetcc(b, ccE, regRAX) }))
	// setb sil needs a bare REX for the byte register
	require.Equal(t, []byte{0x40, 0x0F, 0x92, 0xC6},
		emitted(t, func(b *CodeBuffer) { emitSetcc(b, ccB, regRSI) }))
	// movzx eax, al
	require.Equal(t, []byte{0x0F, 0xB6, 0xC0},
		emitted(t, func(b *CodeBuffer) { emitMovzx(b, opcMovzbl|pREXBRM, regRAX, regRAX) }))
}

func TestBitCountEncodings(t *testing.T) {
	// lzcnt rax, rcx
	require.Equal(t, []byte{0xF3, 0x48, 0x0F, 0xBD, 0xC1},
		emitted(t, func(b *CodeBuffer) { emitLzcnt(b, true, regRAX, regRCX) }))
	// popcnt rdx, rbx
	require.Equal(t, []byte{0xF3, 0x48, 0x0F, 0xB8, 0xD3},
		emitted(t, func(b *CodeBuffer) { emitPopcnt(b, true, regRDX, regRBX) }))
}

func TestVexAndn(t *testing.T) {
	// andn rax, rcx, rdx == rax = ^rcx & rdx
	require.Equal(t, []byte{0xC4, 0xE2, 0xF0, 0xF2, 0xC2},
		emitted(t, func(b *CodeBuffer) { emitAndn(b, true, regRAX, regRCX, regRDX) }))
}

func TestControlFlowEncodings(t *testing.T) {
	// jmp *rsi
	require.Equal(t, []byte{0xFF, 0xE6},
		emitted(t, func(b *CodeBuffer) { emitJmpReg(b, regRSI) }))
	// call *r11
	require.Equal(t, []byte{0x41, 0xFF, 0xD3},
		emitted(t, func(b *CodeBuffer) { emitCallReg(b, regR11) }))
	// push/pop with and without REX.B
	require.Equal(t, []byte{0x55},
		emitted(t, func(b *CodeBuffer) { emitPush(b, regRBP) }))
	require.Equal(t, []byte{0x41, 0x54},
		emitted(t, func(b *CodeBuffer) { emitPush(b, regR12) }))
	require.Equal(t, []byte{0xC3}, emitted(t, emitRet))
	// mfence
	require.Equal(t, []byte{0x0F, 0xAE, 0xF0},
		emitted(t, func(b *CodeBuffer) { emitMfence(b) }))
}

func TestJmpDisplacement(t *testing.T) {
	got := emitted(t, func(b *CodeBuffer) {
		emitNops(b, 16)
		emitJmp(b, 0) // backwards to offset 0
	})
	// jmp rel32 at offset 16: disp = 0 - 21 = -21
	require.Equal(t, byte(0xE9), got[16])
	require.Equal(t, []byte{0xEB, 0xFF, 0xFF, 0xFF}, got[17:21])
}

func TestJccDisplacement(t *testing.T) {
	got := emitted(t, func(b *CodeBuffer) {
		emitJcc(b, ccNE, 0x40)
	})
	// jne rel32 at offset 0: field starts at 2, disp = 0x40 - 6 = 0x3A
	require.Equal(t, []byte{0x0F, 0x85, 0x3A, 0x00, 0x00, 0x00}, got)
}

func TestNopPadding(t *testing.T) {
	for n := 1; n <= 12; n++ {
		got := emitted(t, func(b *CodeBuffer) { emitNops(b, n) })
		require.Len(t, got, n, "nop padding of %d bytes", n)
	}
}

func TestGotoTBAlignment(t *testing.T) {
	be := NewBackend(0)
	for lead := 0; lead < 8; lead++ {
		buf := testBuf(t)
		emitNops(buf, lead)
		jmp, reset := be.emitGotoTB(buf)
		require.Equal(t, 0, (jmp+1)%4,
			"displacement field must be 4-byte aligned (lead %d)", lead)
		require.Equal(t, jmp+5, reset)
		require.Equal(t, byte(0xE9), buf.Bytes()[jmp])
		_ = buf.Close()
	}
}

func TestAtomicPatchAlignmentEnforced(t *testing.T) {
	buf := testBuf(t)
	emitNops(buf, 8)
	buf.AtomicPatch32(4, 0x11223344)
	require.EqualValues(t, 0x11223344, buf.Read32(4))
	require.Panics(t, func() { buf.AtomicPatch32(3, 1) })
}
