package ir

// MaxOpArgs is the fixed argument capacity of an op. The opcode catalog is
// closed, so no op can exceed it; the builder asserts this at emission time.
const MaxOpArgs = 10

// OpIdx indexes the context's op list.
type OpIdx uint32

// LifeData holds the liveness annotation of an op: two bits per argument,
// bit 2k = dead after this op, bit 2k+1 = sync to memory required.
type LifeData uint32

// IsDead reports whether arg n's temp has no later use.
func (l LifeData) IsDead(n int) bool { return l&(1<<(uint(n)*2)) != 0 }

// IsSync reports whether arg n (a global) must be written back after this op.
func (l LifeData) IsSync(n int) bool { return l&(1<<(uint(n)*2+1)) != 0 }

// SetDead marks arg n dead.
func (l *LifeData) SetDead(n int) { *l |= 1 << (uint(n) * 2) }

// SetSync marks arg n as needing write-back.
func (l *LifeData) SetSync(n int) { *l |= 1 << (uint(n)*2 + 1) }

// Op is a single IR operation. Arguments are laid out as
// [outputs | inputs | constants] per the opcode's static descriptor;
// constant arguments are raw integers reinterpreted as TempIdx.
type Op struct {
	Idx OpIdx
	Opc Opcode
	// Realized operand type for type-polymorphic opcodes.
	Ty Type
	// Opcode-specific parameters.
	Param1 uint8
	Param2 uint8
	// Liveness annotation, filled by the liveness pass.
	Life LifeData
	// Register preference hints for up to two outputs.
	OutputPref [2]RegSet
	Args       [MaxOpArgs]TempIdx
	NArgs      uint8
}

// NewOp builds an op with no arguments.
func NewOp(idx OpIdx, opc Opcode, ty Type) Op {
	return Op{Idx: idx, Opc: opc, Ty: ty}
}

// NewOpArgs builds an op with the given argument list.
func NewOpArgs(idx OpIdx, opc Opcode, ty Type, args ...TempIdx) Op {
	op := NewOp(idx, opc, ty)
	if len(args) > MaxOpArgs {
		panic("ir: op argument list exceeds capacity")
	}
	copy(op.Args[:], args)
	op.NArgs = uint8(len(args))
	return op
}

// OArgs returns the output argument slots.
func (o *Op) OArgs() []TempIdx {
	return o.Args[:o.Opc.Def().NbOArgs]
}

// IArgs returns the input argument slots.
func (o *Op) IArgs() []TempIdx {
	d := o.Opc.Def()
	return o.Args[d.NbOArgs : d.NbOArgs+d.NbIArgs]
}

// CArgs returns the constant argument slots.
func (o *Op) CArgs() []TempIdx {
	d := o.Opc.Def()
	start := int(d.NbOArgs) + int(d.NbIArgs)
	return o.Args[start : start+int(d.NbCArgs)]
}
