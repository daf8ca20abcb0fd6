package ir

import (
	"sync"
	"sync/atomic"
)

const (
	// TBHashSize is the bucket count of the global TB hash table.
	TBHashSize = 1 << 15
	// TBJmpCacheSize is the entry count of the per-CPU jump cache.
	TBJmpCacheSize = 1 << 12
)

// Exit protocol. A TB returns a packed word in RAX: the low two bits carry
// the exit code, the upper bits the source-TB index biased by one (so the
// plain `exit_tb 0` word decodes to "no source TB"). Guest exceptions use
// code 3 with the exception number in the upper bits.
const (
	TBExitIdx0    = 0
	TBExitIdx1    = 1
	TBExitNochain = 2
	TBExitMask    = 3
	// TBExitMax is the first non-protocol exit code.
	TBExitMax = 3
)

// Guest exception numbers surfaced as ExitReason payloads.
const (
	ExcpEcall   = 1
	ExcpEbreak  = 2
	ExcpIllegal = 3
)

// EncodeTBExit packs a chainable exit: the source TB index plus a protocol
// code below TBExitMax.
func EncodeTBExit(tbIdx int, code uint32) uint32 {
	return uint32(tbIdx+1)<<2 | code
}

// EncodeTBExcp packs a guest exception exit.
func EncodeTBExcp(excp uint32) uint32 {
	return excp<<2 | TBExitMax
}

// DecodeTBExit splits a raw exit word. For protocol codes, tbIdx is the
// source TB index (-1 when absent). For code == TBExitMax, excp carries the
// exception number.
func DecodeTBExit(raw uintptr) (tbIdx int, code uint32, excp uint32) {
	code = uint32(raw) & TBExitMask
	if code == TBExitMax {
		return -1, code, uint32(raw >> 2)
	}
	return int(raw>>2) - 1, code, 0
}

// tbJmp is the chaining state of a TB, guarded by its mutex: the outgoing
// destination per slot and the incoming (source, slot) back-references.
type tbJmp struct {
	mu sync.Mutex
	// Destination TB index per goto_tb slot; -1 when unchained.
	dest [2]int
	// Incoming edges: TBs whose slot jumps here.
	incoming []tbEdge
}

type tbEdge struct {
	src  int
	slot int
}

// TranslationBlock maps a guest code region to generated host code. The
// translation fields are immutable after publication; chaining state and the
// invalidation flag are the only mutable parts.
type TranslationBlock struct {
	// Guest virtual PC where this TB starts.
	PC uint64
	// CPU state flags that affect translation.
	Flags uint32
	// Compile flags (instruction budget and friends).
	CFlags uint32
	// Guest bytes covered.
	Size uint32
	// Guest instruction count.
	ICount uint16

	// Host code location within the shared code buffer.
	HostOffset int
	HostSize   int

	// Offset of the patchable goto_tb jump instruction per exit slot;
	// -1 when the slot is unused.
	JmpInsnOffset [2]int32
	// Offset just past the jump, the unchained fall-through target.
	JmpResetOffset [2]int32

	// Next TB in the same hash bucket; -1 terminates the chain.
	HashNext int

	// Set when the TB must no longer be entered.
	Invalid atomic.Bool

	// Most recently observed successor of an indirect (NOCHAIN) exit,
	// biased by one; 0 means empty.
	ExitTarget atomic.Int64

	jmp tbJmp
}

// InitTB initializes tb in place for (pc, flags, cflags).
func InitTB(tb *TranslationBlock, pc uint64, flags, cflags uint32) {
	tb.PC = pc
	tb.Flags = flags
	tb.CFlags = cflags
	tb.Size = 0
	tb.ICount = 0
	tb.HostOffset = 0
	tb.HostSize = 0
	tb.JmpInsnOffset = [2]int32{-1, -1}
	tb.JmpResetOffset = [2]int32{-1, -1}
	tb.HashNext = -1
	tb.Invalid.Store(false)
	tb.ExitTarget.Store(0)
	tb.jmp.dest = [2]int{-1, -1}
	tb.jmp.incoming = tb.jmp.incoming[:0]
}

// TBHash returns the hash bucket for (pc, flags).
func TBHash(pc uint64, flags uint32) int {
	h := pc*0x9e3779b97f4a7c15 ^ uint64(flags)
	return int(h) & (TBHashSize - 1)
}

// SetJmpOffsets records the patchable jump location for exit slot n.
func (tb *TranslationBlock) SetJmpOffsets(n int, insn, reset int32) {
	tb.JmpInsnOffset[n] = insn
	tb.JmpResetOffset[n] = reset
}

// LockJmp acquires the chaining lock.
func (tb *TranslationBlock) LockJmp() { tb.jmp.mu.Lock() }

// UnlockJmp releases the chaining lock.
func (tb *TranslationBlock) UnlockJmp() { tb.jmp.mu.Unlock() }

// JmpDest returns the chained destination of slot n (-1 if unchained).
// Caller holds the chaining lock.
func (tb *TranslationBlock) JmpDest(n int) int { return tb.jmp.dest[n] }

// SetJmpDest records slot n as chained to dst. Caller holds the lock.
func (tb *TranslationBlock) SetJmpDest(n, dst int) { tb.jmp.dest[n] = dst }

// AddIncoming records a back-edge from (src, slot). Caller holds the lock.
func (tb *TranslationBlock) AddIncoming(src, slot int) {
	tb.jmp.incoming = append(tb.jmp.incoming, tbEdge{src: src, slot: slot})
}

// TBEdge names a chaining edge by its source TB and exit slot.
type TBEdge struct {
	Src  int
	Slot int
}

// TakeIncoming removes and returns all back-edges. Caller holds the lock.
func (tb *TranslationBlock) TakeIncoming() []TBEdge {
	out := make([]TBEdge, len(tb.jmp.incoming))
	for i, e := range tb.jmp.incoming {
		out[i] = TBEdge{Src: e.src, Slot: e.slot}
	}
	tb.jmp.incoming = tb.jmp.incoming[:0]
	return out
}

// RemoveIncoming drops the back-edge from (src, slot) if present. Caller
// holds the lock.
func (tb *TranslationBlock) RemoveIncoming(src, slot int) {
	in := tb.jmp.incoming
	for i, e := range in {
		if e.src == src && e.slot == slot {
			tb.jmp.incoming = append(in[:i], in[i+1:]...)
			return
		}
	}
}

// MaxTBInsns returns the guest instruction budget encoded in cflags, or the
// default when unset.
func MaxTBInsns(cflags uint32) uint32 {
	if n := cflags & 0xFFFF; n != 0 {
		return n
	}
	return MaxInsns
}

// JumpCache is a per-CPU direct-mapped cache of recent PC -> TB index
// mappings. It is thread-local and needs no synchronization.
type JumpCache struct {
	entries [TBJmpCacheSize]int32
}

// NewJumpCache returns an empty cache.
func NewJumpCache() *JumpCache {
	jc := &JumpCache{}
	jc.Invalidate()
	return jc
}

func jumpCacheIndex(pc uint64) int {
	return int(pc>>2) & (TBJmpCacheSize - 1)
}

// Lookup returns the cached TB index for pc, or -1.
func (jc *JumpCache) Lookup(pc uint64) int {
	return int(jc.entries[jumpCacheIndex(pc)])
}

// Insert caches pc -> tbIdx.
func (jc *JumpCache) Insert(pc uint64, tbIdx int) {
	jc.entries[jumpCacheIndex(pc)] = int32(tbIdx)
}

// Remove drops the entry for pc.
func (jc *JumpCache) Remove(pc uint64) {
	jc.entries[jumpCacheIndex(pc)] = -1
}

// Invalidate clears the whole cache.
func (jc *JumpCache) Invalidate() {
	for i := range jc.entries {
		jc.entries[i] = -1
	}
}
