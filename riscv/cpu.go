// Package riscv is the RV64 user-mode frontend: it decodes guest
// instructions and lowers them to IR through the builder, one translation
// block at a time.
package riscv

import (
	"unsafe"

	"github.com/rivetvm/rivet/ir"
	"github.com/rivetvm/rivet/jit"
)

// NumGPRs is the general-purpose register count (x0-x31).
const NumGPRs = 32

// State is the RV64 architectural state. Generated code addresses its
// fields at fixed offsets from the env pointer, so the layout must not
// change.
type State struct {
	// x0-x31; x0 stays zero because the translator never writes it.
	GPR [NumGPRs]uint64
	PC  uint64
	// Host address of guest address 0. Loaded into the reserved base
	// register by the prologue.
	GuestBase uint64
	// LR reservation address (^0 = none) and loaded value.
	LoadRes uint64
	LoadVal uint64
}

// Byte offsets of State fields, bound to IR globals.
const (
	pcOffset        = NumGPRs * 8
	GuestBaseOffset = pcOffset + 8
	loadResOffset   = GuestBaseOffset + 8
	loadValOffset   = loadResOffset + 8
)

func gprOffset(i int) int64 { return int64(i * 8) }

// CPU couples the architectural state with its guest memory and the
// translator's cached global temp bindings.
type CPU struct {
	State State
	// The flat guest address space. State.GuestBase points at Mem[0].
	Mem []byte

	env      ir.TempIdx
	gpr      [NumGPRs]ir.TempIdx
	pcG      ir.TempIdx
	gprBound bool
}

// NewCPU builds a CPU over the given guest address space.
func NewCPU(mem []byte) *CPU {
	c := &CPU{Mem: mem}
	c.State.LoadRes = ^uint64(0)
	if len(mem) > 0 {
		c.State.GuestBase = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	return c
}

// PC returns the current guest program counter.
func (c *CPU) PC() uint64 { return c.State.PC }

// Flags returns the translation-affecting state bits; RV64 user mode has
// none.
func (c *CPU) Flags() uint32 { return 0 }

// EnvPtr returns the address of the architectural state.
func (c *CPU) EnvPtr() unsafe.Pointer { return unsafe.Pointer(&c.State) }

// bindGlobals registers the fixed temps and CPU-state globals. Runs under
// the engine's translate lock before this CPU's first translation. The
// context is shared between vCPUs; whichever binds first defines the
// canonical temp indices and later CPUs adopt them.
func (c *CPU) bindGlobals(ctx *ir.Context) {
	if c.gprBound {
		return
	}
	if ctx.NbGlobals() != 0 {
		c.env = 0
		for i := 0; i < NumGPRs; i++ {
			c.gpr[i] = ir.TempIdx(2 + i)
		}
		c.pcG = ir.TempIdx(2 + NumGPRs)
		c.gprBound = true
		return
	}
	c.env = ctx.NewFixed(ir.I64, jit.AREG0, "env")
	ctx.NewFixed(ir.I64, jit.GuestBaseReg, "guest_base")
	names := [NumGPRs]string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}
	for i := 0; i < NumGPRs; i++ {
		c.gpr[i] = ctx.NewGlobal(ir.I64, c.env, gprOffset(i), names[i])
	}
	c.pcG = ctx.NewGlobal(ir.I64, c.env, pcOffset, "pc")
	c.gprBound = true
}
