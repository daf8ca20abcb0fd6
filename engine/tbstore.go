package engine

import (
	"sync"
	"sync/atomic"

	"github.com/rivetvm/rivet/buildoptions"
	"github.com/rivetvm/rivet/ir"
	"github.com/rivetvm/rivet/jit"
)

// TBStore holds every translated block plus the (pc, flags) hash table.
//
// The block array is pre-allocated and append-only: the writer (holding the
// engine's translate lock) constructs the entry in place, then publishes it
// with a release store of the length. A reader that observes len >= k may
// read tbs[k-1] in full without locking. The hash table has its own mutex,
// taken only for mutation and bucket walks.
type TBStore struct {
	tbs []ir.TranslationBlock
	len atomic.Int64

	hashMu sync.Mutex
	hash   []int32
}

// NewTBStore returns an empty store with full capacity reserved.
func NewTBStore() *TBStore {
	s := &TBStore{
		tbs:  make([]ir.TranslationBlock, buildoptions.MaxTranslationBlocks),
		hash: make([]int32, ir.TBHashSize),
	}
	for i := range s.hash {
		s.hash[i] = -1
	}
	return s
}

// Len returns the published block count.
func (s *TBStore) Len() int { return int(s.len.Load()) }

// Alloc reserves the next slot and initializes it for (pc, flags, cflags).
// The slot stays invisible to readers until Publish. Caller holds the
// translate lock.
func (s *TBStore) Alloc(pc uint64, flags, cflags uint32) int {
	idx := int(s.len.Load())
	if idx >= len(s.tbs) {
		panic("engine: TB store full")
	}
	ir.InitTB(&s.tbs[idx], pc, flags, cflags)
	return idx
}

// Publish makes the block at idx visible to lock-free readers. Caller holds
// the translate lock and has fully constructed the entry.
func (s *TBStore) Publish(idx int) {
	s.len.Store(int64(idx) + 1)
}

// Get returns the published block at idx.
func (s *TBStore) Get(idx int) *ir.TranslationBlock {
	if idx < 0 || idx >= int(s.len.Load()) {
		panic("engine: TB index out of bounds")
	}
	return &s.tbs[idx]
}

// get returns the block at idx even before publication. Translate-lock
// holders use it while constructing the entry.
func (s *TBStore) get(idx int) *ir.TranslationBlock { return &s.tbs[idx] }

// Lookup finds a valid block for (pc, flags) in the hash table, or -1.
func (s *TBStore) Lookup(pc uint64, flags uint32) int {
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	bucket := ir.TBHash(pc, flags)
	for cur := s.hash[bucket]; cur >= 0; {
		tb := s.Get(int(cur))
		if !tb.Invalid.Load() && tb.PC == pc && tb.Flags == flags {
			return int(cur)
		}
		cur = int32(tb.HashNext)
	}
	return -1
}

// Insert prepends the block at idx to its hash bucket. Caller holds the
// translate lock.
func (s *TBStore) Insert(idx int) {
	tb := s.get(idx)
	bucket := ir.TBHash(tb.PC, tb.Flags)
	s.hashMu.Lock()
	tb.HashNext = int(s.hash[bucket])
	s.hash[bucket] = int32(idx)
	s.hashMu.Unlock()
}

// Invalidate marks the block dead, unpatches every incoming direct jump,
// severs its outgoing edges and removes it from the hash table. The block
// itself is never reclaimed; memory returns only with a full flush.
func (s *TBStore) Invalidate(idx int, buf *jit.CodeBuffer, be *jit.Backend) {
	tb := s.Get(idx)
	tb.Invalid.Store(true)

	// Incoming edges: reset each source's jump to its fall-through path.
	// Locks are taken one TB at a time (this block, then each source),
	// never both at once, which keeps the per-TB lock order acyclic.
	tb.LockJmp()
	incoming := tb.TakeIncoming()
	tb.UnlockJmp()
	for _, e := range incoming {
		src := s.Get(e.Src)
		src.LockJmp()
		if src.JmpDest(e.Slot) == idx {
			if insn := src.JmpInsnOffset[e.Slot]; insn >= 0 {
				be.PatchJump(buf, int(insn), int(src.JmpResetOffset[e.Slot]))
			}
			src.SetJmpDest(e.Slot, -1)
		}
		src.UnlockJmp()
	}

	// Outgoing edges: drop our back-references in each destination.
	tb.LockJmp()
	var out [2]int
	for slot := 0; slot < 2; slot++ {
		out[slot] = tb.JmpDest(slot)
		tb.SetJmpDest(slot, -1)
	}
	tb.UnlockJmp()
	for slot, dst := range out {
		if dst < 0 {
			continue
		}
		d := s.Get(dst)
		d.LockJmp()
		d.RemoveIncoming(idx, slot)
		d.UnlockJmp()
	}

	// Hash removal.
	s.hashMu.Lock()
	defer s.hashMu.Unlock()
	bucket := ir.TBHash(tb.PC, tb.Flags)
	prev := int32(-1)
	for cur := s.hash[bucket]; cur >= 0; {
		t := s.Get(int(cur))
		if int(cur) == idx {
			if prev < 0 {
				s.hash[bucket] = int32(t.HashNext)
			} else {
				s.Get(int(prev)).HashNext = t.HashNext
			}
			t.HashNext = -1
			return
		}
		prev = cur
		cur = int32(t.HashNext)
	}
}

// Flush drops every block and clears the hash table. Caller holds the
// translate lock and has arranged that no vCPU is inside generated code.
func (s *TBStore) Flush() {
	s.len.Store(0)
	s.hashMu.Lock()
	for i := range s.hash {
		s.hash[i] = -1
	}
	s.hashMu.Unlock()
}
