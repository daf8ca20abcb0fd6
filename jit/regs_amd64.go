package jit

import "github.com/rivetvm/rivet/ir"

// x86-64 general-purpose register numbers, matching the ModR/M and REX
// encoding.
const (
	regRAX uint8 = 0
	regRCX uint8 = 1
	regRDX uint8 = 2
	regRBX uint8 = 3
	regRSP uint8 = 4
	regRBP uint8 = 5
	regRSI uint8 = 6
	regRDI uint8 = 7
	regR8  uint8 = 8
	regR9  uint8 = 9
	regR10 uint8 = 10
	regR11 uint8 = 11
	regR12 uint8 = 12
	regR13 uint8 = 13
	regR14 uint8 = 14
	regR15 uint8 = 15
)

// AREG0 holds the pointer to the guest CPU state across all generated code.
const AREG0 = regRBP

// GuestBaseReg holds the host base address of the guest address space
// (linux-user direct-base model). Frontends bind it as a fixed temp before
// the first translation.
const GuestBaseReg = regR14

// Unexported aliases keep the backend's own uses terse.
const (
	areg0        = AREG0
	guestBaseReg = GuestBaseReg
)

// Callee-saved registers pushed by the prologue, System V AMD64.
var calleeSaved = []uint8{regRBP, regRBX, regR12, regR13, regR14, regR15}

// Integer argument registers, System V AMD64.
var callArgRegs = []uint8{regRDI, regRSI, regRDX, regRCX, regR8, regR9}

// Caller-saved registers clobbered by helper calls.
var callClobbered = ir.RegSetOf(regRAX, regRCX, regRDX, regRSI, regRDI,
	regR8, regR9, regR10, regR11)

// reservedRegs are withheld from allocation: the stack pointer and the env
// pointer.
var reservedRegs = ir.RegSetOf(regRSP, areg0)

// allocatableRegs is every GPR minus the reserved set. The guest-base
// register stays inside it as a permanently occupied fixed temp.
var allocatableRegs = ir.RegSet(0xFFFF).Subtract(reservedRegs)

// Stack frame layout, 16-byte aligned.
const (
	stackAlign = 16
	// Space for outgoing helper-call stack arguments.
	staticCallArgsSize = 128
	// Spill slots for long-lived temps.
	cpuTempBufNLongs = 128

	// Return address plus the callee-saved pushes.
	calleeSavedLen = 6
	pushSize       = (1 + calleeSavedLen) * 8
	frameSize      = (pushSize + staticCallArgsSize + cpuTempBufNLongs*8 + stackAlign - 1) &^ (stackAlign - 1)
	// stackAddend is what the prologue subtracts after the pushes.
	stackAddend = frameSize - pushSize
)

func regName(r uint8) string {
	names := [...]string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return "r?"
}
