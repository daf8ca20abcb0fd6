package engine

import (
	"fmt"
	"strings"
)

// ExecStats profiles the lookup/chain/exit pipeline of one vCPU.
type ExecStats struct {
	LoopIters uint64

	// TB lookup.
	JumpCacheHits uint64
	HashHits      uint64
	Translations  uint64

	// Exit types.
	ChainExits   [2]uint64
	NochainExits uint64
	RealExits    uint64

	// Chaining.
	ChainPatches uint64
	ChainAlready uint64

	// Hint.
	HintUsed uint64

	// Buffer management.
	Flushes uint64
}

func (s *ExecStats) String() string {
	var sb strings.Builder
	total := s.JumpCacheHits + s.HashHits + s.Translations
	fmt.Fprintf(&sb, "=== execution stats ===\n")
	fmt.Fprintf(&sb, "loop iters:    %d\n", s.LoopIters)
	fmt.Fprintf(&sb, "--- TB lookup ---\n")
	fmt.Fprintf(&sb, "  jc hit:      %d (%.1f%%)\n", s.JumpCacheHits, pct(s.JumpCacheHits, total))
	fmt.Fprintf(&sb, "  ht hit:      %d (%.1f%%)\n", s.HashHits, pct(s.HashHits, total))
	fmt.Fprintf(&sb, "  translate:   %d (%.1f%%)\n", s.Translations, pct(s.Translations, total))
	fmt.Fprintf(&sb, "--- exits ---\n")
	fmt.Fprintf(&sb, "  chain[0]:    %d\n", s.ChainExits[0])
	fmt.Fprintf(&sb, "  chain[1]:    %d\n", s.ChainExits[1])
	fmt.Fprintf(&sb, "  nochain:     %d\n", s.NochainExits)
	fmt.Fprintf(&sb, "  real exit:   %d\n", s.RealExits)
	fmt.Fprintf(&sb, "--- chaining ---\n")
	fmt.Fprintf(&sb, "  patched:     %d\n", s.ChainPatches)
	fmt.Fprintf(&sb, "  already:     %d\n", s.ChainAlready)
	fmt.Fprintf(&sb, "  hint used:   %d\n", s.HintUsed)
	fmt.Fprintf(&sb, "  flushes:     %d\n", s.Flushes)
	return sb.String()
}

func pct(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
