package ir

import "fmt"

// RelocKind selects how a recorded label use is back-patched.
type RelocKind uint8

const (
	// Rel32 is a 32-bit PC-relative displacement whose field starts at the
	// recorded offset.
	Rel32 RelocKind = iota
)

// LabelUse records a forward reference: the code-buffer offset of an
// unresolved displacement field and how to patch it.
type LabelUse struct {
	Offset int
	Kind   RelocKind
}

// Label is a branch target within a translation block. Forward references
// are legal; they accumulate in Uses until SetValue resolves the label and
// the code generator back-patches them.
type Label struct {
	ID TempIdx
	// Whether a SetLabel op for this label has been emitted.
	Present bool
	// Whether the host-code offset is known.
	HasValue bool
	// Resolved offset in the code buffer.
	Value int
	// Unresolved forward references.
	Uses []LabelUse
}

// AddUse records a forward reference at the given code-buffer offset.
func (l *Label) AddUse(offset int, kind RelocKind) {
	l.Uses = append(l.Uses, LabelUse{Offset: offset, Kind: kind})
}

// SetValue marks the label as placed at offset. Placing a label twice is a
// translator bug.
func (l *Label) SetValue(offset int) {
	if l.HasValue {
		panic(fmt.Sprintf("ir: label %d set twice", l.ID))
	}
	l.Present = true
	l.HasValue = true
	l.Value = offset
}

// HasPendingUses reports whether unresolved forward references remain.
func (l *Label) HasPendingUses() bool { return len(l.Uses) > 0 && !l.HasValue }
