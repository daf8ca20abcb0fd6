package ir

// TempKind is the lifetime class of a temporary.
type TempKind uint8

const (
	// TempEbb lives within a single extended basic block.
	TempEbb TempKind = iota
	// TempTb lives across the whole translation block.
	TempTb
	// TempGlobal persists across TBs, backed by a CPU-state field.
	TempGlobal
	// TempFixed permanently occupies a specific host register.
	TempFixed
	// TempConst is a compile-time constant, deduplicated per (type, value).
	TempConst
)

// TempIdx indexes the context's temp pool. Constant arguments of ops reuse
// this representation with a raw integer payload.
type TempIdx uint32

// noReg marks a temp with no allocated host register.
const noReg = 0xFF

// Temp is an IR variable. It carries both the IR-level attributes (kind,
// type) and the register allocator's mutable view of where the value lives.
type Temp struct {
	Idx      TempIdx
	Ty       Type
	BaseType Type
	Kind     TempKind

	// Register allocator state.
	ValType TempVal
	// Allocated host register; noReg when none.
	Reg uint8
	// Whether the in-memory copy matches the register contents.
	MemCoherent bool
	// Whether a memory slot has been assigned for this temp.
	MemAllocated bool

	// Constant value for TempConst.
	Val uint64
	// Backing base temp (the env pointer) for TempGlobal; noTemp otherwise.
	MemBase TempIdx
	// Byte offset from MemBase into the CPU state for TempGlobal.
	MemOffset int64

	// Debug name for globals and fixed temps.
	Name string
}

// noTemp is the MemBase sentinel for temps without a memory backing.
const noTemp TempIdx = 0xFFFFFFFF

func newEbbTemp(idx TempIdx, ty Type) Temp {
	return Temp{Idx: idx, Ty: ty, BaseType: ty, Kind: TempEbb, ValType: ValDead, Reg: noReg, MemBase: noTemp}
}

func newTbTemp(idx TempIdx, ty Type) Temp {
	t := newEbbTemp(idx, ty)
	t.Kind = TempTb
	return t
}

func newConstTemp(idx TempIdx, ty Type, val uint64) Temp {
	return Temp{Idx: idx, Ty: ty, BaseType: ty, Kind: TempConst, ValType: ValConst, Reg: noReg, Val: val, MemBase: noTemp}
}

func newGlobalTemp(idx TempIdx, ty Type, base TempIdx, offset int64, name string) Temp {
	return Temp{
		Idx: idx, Ty: ty, BaseType: ty, Kind: TempGlobal,
		ValType: ValMem, Reg: noReg,
		MemCoherent: true, MemAllocated: true,
		MemBase: base, MemOffset: offset, Name: name,
	}
}

func newFixedTemp(idx TempIdx, ty Type, reg uint8, name string) Temp {
	return Temp{
		Idx: idx, Ty: ty, BaseType: ty, Kind: TempFixed,
		ValType: ValReg, Reg: reg,
		MemBase: noTemp, Name: name,
	}
}

// IsConst reports whether t is a constant temp.
func (t *Temp) IsConst() bool { return t.Kind == TempConst }

// IsGlobal reports whether t is a global temp.
func (t *Temp) IsGlobal() bool { return t.Kind == TempGlobal }

// IsFixed reports whether t is pinned to a host register.
func (t *Temp) IsFixed() bool { return t.Kind == TempFixed }

// IsGlobalOrFixed reports whether t survives across basic blocks and must
// never be treated as an allocator-owned scratch value.
func (t *Temp) IsGlobalOrFixed() bool { return t.Kind == TempGlobal || t.Kind == TempFixed }
