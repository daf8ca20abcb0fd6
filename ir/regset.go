package ir

import "math/bits"

// RegSet is a bitmap over up to 64 host registers. All operations are
// constant time.
type RegSet uint64

// EmptyRegSet is the set with no registers.
const EmptyRegSet RegSet = 0

// RegSetOf builds a set from individual register numbers.
func RegSetOf(regs ...uint8) RegSet {
	var s RegSet
	for _, r := range regs {
		s |= 1 << r
	}
	return s
}

// Set returns s with reg added.
func (s RegSet) Set(reg uint8) RegSet { return s | 1<<reg }

// Clear returns s with reg removed.
func (s RegSet) Clear(reg uint8) RegSet { return s &^ (1 << reg) }

// Contains reports whether reg is in s.
func (s RegSet) Contains(reg uint8) bool { return s&(1<<reg) != 0 }

// IsEmpty reports whether s has no registers.
func (s RegSet) IsEmpty() bool { return s == 0 }

// Union returns s ∪ o.
func (s RegSet) Union(o RegSet) RegSet { return s | o }

// Intersect returns s ∩ o.
func (s RegSet) Intersect(o RegSet) RegSet { return s & o }

// Subtract returns s ∖ o.
func (s RegSet) Subtract(o RegSet) RegSet { return s &^ o }

// Count returns the number of registers in s.
func (s RegSet) Count() int { return bits.OnesCount64(uint64(s)) }

// First returns the lowest-numbered register in s. ok is false when s is
// empty.
func (s RegSet) First() (reg uint8, ok bool) {
	if s == 0 {
		return 0, false
	}
	return uint8(bits.TrailingZeros64(uint64(s))), true
}
