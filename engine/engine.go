// Package engine binds the frontend and the JIT backend into a running
// system: a shared translation-block cache, direct chaining between blocks,
// and a multi-threaded execute loop, one OS thread per guest vCPU.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/rivetvm/rivet/buildoptions"
	"github.com/rivetvm/rivet/ir"
	"github.com/rivetvm/rivet/jit"
)

var log = logrus.WithField("component", "engine")

// GuestCPU is the contract between the execution engine and a guest
// frontend.
type GuestCPU interface {
	// PC returns the current guest program counter.
	PC() uint64
	// Flags returns the CPU state bits that affect translation.
	Flags() uint32
	// GenCode drives the frontend translator loop for one TB starting at
	// pc, emitting IR into ctx. Returns the number of guest bytes covered.
	GenCode(ctx *ir.Context, pc uint64, maxInsns uint32) uint32
	// EnvPtr returns the address of the CPU state struct. It must stay
	// valid for the lifetime of the executing thread.
	EnvPtr() unsafe.Pointer
}

// ExitReason is a guest-visible reason the execute loop stopped: an
// exception number from the exit protocol (ECALL, EBREAK, illegal
// instruction, or an embedder-defined value).
type ExitReason uint32

const (
	ExitEcall   ExitReason = ir.ExcpEcall
	ExitEbreak  ExitReason = ir.ExcpEbreak
	ExitIllegal ExitReason = ir.ExcpIllegal
)

func (r ExitReason) String() string {
	switch r {
	case ExitEcall:
		return "ecall"
	case ExitEbreak:
		return "ebreak"
	case ExitIllegal:
		return "illegal instruction"
	}
	return fmt.Sprintf("exit(%d)", uint32(r))
}

// translateGuard is the state owned by the translate lock.
type translateGuard struct {
	irCtx *ir.Context
}

// Engine is the state shared by every vCPU thread: the TB store, the code
// buffer, the backend and the translation lock. Lock order is strict:
// translate lock > hash mutex > per-TB chain locks.
type Engine struct {
	Store *TBStore

	buf *jit.CodeBuffer
	be  *jit.Backend

	translateMu sync.Mutex
	guard       translateGuard

	// Incremented by every full flush; vCPUs clear their jump caches
	// lazily when they observe a new generation.
	flushGen atomic.Uint64

	prologue uintptr
}

// CPU is the per-vCPU state: the thread-local jump cache and counters.
type CPU struct {
	JumpCache *ir.JumpCache
	Stats     ExecStats

	flushGen uint64
}

// NewCPU returns fresh per-vCPU state.
func NewCPU() *CPU {
	return &CPU{JumpCache: ir.NewJumpCache()}
}

// New builds an engine around the backend: maps the code buffer, emits the
// prologue and epilogues once, and prepares the shared translation context.
// Frontends bind their fixed temps and globals on their first GenCode call
// (or earlier through WithContext).
func New(be *jit.Backend) (*Engine, error) {
	buf, err := jit.NewCodeBuffer(buildoptions.CodeBufferSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	be.EmitPrologue(buf)
	be.EmitEpilogue(buf)

	ctx := ir.NewContext()
	be.InitContext(ctx)

	e := &Engine{
		Store:    NewTBStore(),
		buf:      buf,
		be:       be,
		guard:    translateGuard{irCtx: ctx},
		prologue: buf.PtrAt(be.PrologueOffset),
	}
	return e, nil
}

// Close releases the code buffer.
func (e *Engine) Close() error { return e.buf.Close() }

// WithContext runs fn against the shared IR context under the translate
// lock. Frontends use it to register their global temps before execution.
func (e *Engine) WithContext(fn func(*ir.Context)) {
	e.translateMu.Lock()
	defer e.translateMu.Unlock()
	fn(e.guard.irCtx)
}

// CodeBuffer exposes the shared buffer for tests and diagnostics.
func (e *Engine) CodeBuffer() *jit.CodeBuffer { return e.buf }

// Run executes guest code on the calling goroutine until the guest raises
// an exit reason. The goroutine is pinned to its OS thread for the
// duration, one thread per vCPU.
func (e *Engine) Run(cpu GuestCPU, pcpu *CPU) ExitReason {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env := uintptr(cpu.EnvPtr())
	nextHint := -1

	for {
		pcpu.Stats.LoopIters++
		if e.maybeClearCaches(pcpu) {
			// A flush renumbered the TB space; the hint is stale.
			nextHint = -1
		}

		tbIdx := nextHint
		nextHint = -1
		if tbIdx >= 0 {
			pcpu.Stats.HintUsed++
		} else {
			tbIdx = e.tbFind(cpu, pcpu, cpu.PC(), cpu.Flags())
		}

		tb := e.Store.Get(tbIdx)
		raw := jit.TBExec(e.prologue, env, e.buf.PtrAt(tb.HostOffset))
		lastIdx, code, excp := ir.DecodeTBExit(raw)

		switch {
		case code <= ir.TBExitIdx1:
			pcpu.Stats.ChainExits[code]++
			if lastIdx < 0 || lastIdx >= e.Store.Len() {
				// Anonymous exit, or the source went away in a flush:
				// re-enter lookup with the new PC.
				continue
			}
			next := e.tbFind(cpu, pcpu, cpu.PC(), cpu.Flags())
			e.tbAddJump(lastIdx, int(code), next, pcpu)
			nextHint = next

		case code == ir.TBExitNochain:
			pcpu.Stats.NochainExits++
			if lastIdx < 0 || lastIdx >= e.Store.Len() {
				continue
			}
			last := e.Store.Get(lastIdx)
			pc, flags := cpu.PC(), cpu.Flags()
			if cached := last.ExitTarget.Load(); cached > 0 && int(cached) <= e.Store.Len() {
				t := e.Store.Get(int(cached) - 1)
				if !t.Invalid.Load() && t.PC == pc && t.Flags == flags {
					nextHint = int(cached) - 1
					continue
				}
			}
			next := e.tbFind(cpu, pcpu, pc, flags)
			last.ExitTarget.Store(int64(next) + 1)
			nextHint = next

		default:
			pcpu.Stats.RealExits++
			return ExitReason(excp)
		}
	}
}

// maybeClearCaches drops the vCPU's jump cache after a flush. Reports
// whether a new flush generation was observed.
func (e *Engine) maybeClearCaches(pcpu *CPU) bool {
	gen := e.flushGen.Load()
	if gen == pcpu.flushGen {
		return false
	}
	pcpu.JumpCache.Invalidate()
	pcpu.flushGen = gen
	return true
}

// tbFind resolves (pc, flags) to a TB: jump cache, then hash table, then
// translation.
func (e *Engine) tbFind(cpu GuestCPU, pcpu *CPU, pc uint64, flags uint32) int {
	if idx := pcpu.JumpCache.Lookup(pc); idx >= 0 && idx < e.Store.Len() {
		tb := e.Store.Get(idx)
		if !tb.Invalid.Load() && tb.PC == pc && tb.Flags == flags {
			pcpu.Stats.JumpCacheHits++
			return idx
		}
	}
	if idx := e.Store.Lookup(pc, flags); idx >= 0 {
		pcpu.Stats.HashHits++
		pcpu.JumpCache.Insert(pc, idx)
		return idx
	}
	return e.tbGenCode(cpu, pcpu, pc, flags)
}

// tbGenCode translates the guest code at (pc, flags) into a new TB under
// the translate lock. Code-buffer exhaustion triggers a full flush and one
// retry.
func (e *Engine) tbGenCode(cpu GuestCPU, pcpu *CPU, pc uint64, flags uint32) int {
	e.translateMu.Lock()
	defer e.translateMu.Unlock()

	// Another thread may have translated it while we waited.
	if idx := e.Store.Lookup(pc, flags); idx >= 0 {
		pcpu.JumpCache.Insert(pc, idx)
		return idx
	}

	for attempt := 0; ; attempt++ {
		if e.buf.Remaining() < buildoptions.MinCodeBufRemaining ||
			e.Store.Len() >= buildoptions.MaxTranslationBlocks {
			e.flushLocked(pcpu)
		}
		idx, err := e.translateOne(cpu, pc, flags)
		if err == nil {
			pcpu.Stats.Translations++
			pcpu.JumpCache.Insert(pc, idx)
			return idx
		}
		if !errors.Is(err, jit.ErrCodeBufferFull) || attempt > 0 {
			panic(fmt.Sprintf("engine: translation failed: %v", err))
		}
		e.flushLocked(pcpu)
	}
}

// translateOne runs the frontend and backend pipeline for one TB. A
// mid-emission buffer overflow surfaces as ErrCodeBufferFull.
func (e *Engine) translateOne(cpu GuestCPU, pc uint64, flags uint32) (idx int, err error) {
	savedOffset := e.buf.Offset()
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok && errors.Is(rerr, jit.ErrCodeBufferFull) {
				e.buf.Reset(savedOffset)
				err = rerr
				return
			}
			panic(r)
		}
	}()

	idx = e.Store.Alloc(pc, flags, 0)
	ctx := e.guard.irCtx
	ctx.Reset()
	ctx.TbIdx = idx

	tb := e.Store.get(idx)
	tb.Size = cpu.GenCode(ctx, pc, ir.MaxTBInsns(0))

	hostOffset := jit.Translate(ctx, e.be, e.buf)
	tb.ICount = uint16(len(ctx.InsnEndOff))
	tb.HostOffset = hostOffset
	tb.HostSize = e.buf.Offset() - hostOffset

	for i, site := range e.be.GotoTBSites() {
		if i >= 2 {
			break
		}
		tb.SetJmpOffsets(i, int32(site[0]), int32(site[1]))
	}

	e.Store.Publish(idx)
	e.Store.Insert(idx)

	log.WithFields(logrus.Fields{
		"pc":        fmt.Sprintf("%#x", pc),
		"tb":        idx,
		"guestSize": tb.Size,
		"hostSize":  tb.HostSize,
	}).Debug("translated tb")
	return idx, nil
}

// tbAddJump chains src's exit slot directly to dst by patching the goto_tb
// displacement. The patch is one aligned 4-byte store; a racing executor
// sees either the old fall-through or the new target, both valid.
func (e *Engine) tbAddJump(src, slot, dst int, pcpu *CPU) {
	s := e.Store.Get(src)
	if s.JmpInsnOffset[slot] < 0 {
		return
	}
	d := e.Store.Get(dst)
	if d.Invalid.Load() {
		return
	}

	s.LockJmp()
	if s.JmpDest(slot) == dst {
		s.UnlockJmp()
		pcpu.Stats.ChainAlready++
		return
	}
	e.be.PatchJump(e.buf, int(s.JmpInsnOffset[slot]), d.HostOffset)
	s.SetJmpDest(slot, dst)
	s.UnlockJmp()

	d.LockJmp()
	d.AddIncoming(src, slot)
	d.UnlockJmp()
	pcpu.Stats.ChainPatches++
}

// Invalidate removes a TB from circulation: future lookups miss, chained
// predecessors fall back through their reset paths. Executors already past
// the flag check simply finish the block and re-enter lookup.
func (e *Engine) Invalidate(idx int) {
	e.Store.Invalidate(idx, e.buf, e.be)
}

// flushLocked discards all generated code: every TB, the hash table, and
// the buffer past the prologue/epilogue stubs. Jump caches clear lazily per
// vCPU via the flush generation. Caller holds the translate lock and must
// ensure no vCPU is inside generated code (see DESIGN notes on quiescence).
func (e *Engine) flushLocked(pcpu *CPU) {
	log.WithField("used", e.buf.Offset()).Warn("code buffer flush")
	e.Store.Flush()
	e.buf.Reset(e.be.CodeGenStart)
	e.flushGen.Add(1)
	if pcpu != nil {
		pcpu.Stats.Flushes++
	}
}
