package ir

import "fmt"

const (
	// MaxTemps bounds the temp pool of a single translation.
	MaxTemps = 512
	// MaxInsns bounds the guest instruction count of a single TB.
	MaxInsns = 512
)

// Context is the per-translation state: temporaries, ops, labels, constant
// dedup tables and the backend's frame description. Globals and fixed temps
// occupy the front of the temp pool and survive Reset.
type Context struct {
	temps  []Temp
	ops    []Op
	labels []Label

	nbGlobals uint32

	// Spill frame description, configured by the backend.
	FrameReg      uint8
	FrameStart    int64
	FrameEnd      int64
	frameAllocEnd int64

	// Registers the backend withholds from allocation.
	ReservedRegs RegSet

	// Index of the TB currently being translated, used when encoding
	// chainable exits.
	TbIdx int

	// Per-type constant value -> temp index dedup maps.
	constTable [typeCount]map[uint64]TempIdx

	// Host-code end offset of each guest instruction, relative to the
	// start of the TB's host code.
	InsnEndOff []uint16
}

// NewContext returns an empty translation context.
func NewContext() *Context {
	c := &Context{
		temps:      make([]Temp, 0, 256),
		ops:        make([]Op, 0, 512),
		labels:     make([]Label, 0, 32),
		InsnEndOff: make([]uint16, 0, MaxInsns),
	}
	for i := range c.constTable {
		c.constTable[i] = make(map[uint64]TempIdx)
	}
	return c
}

// Reset prepares the context for a new TB. Globals and fixed temps survive;
// their allocator state is rewound so codegen starts with every global in
// memory and every fixed temp in its register.
func (c *Context) Reset() {
	c.temps = c.temps[:c.nbGlobals]
	for i := range c.temps {
		t := &c.temps[i]
		switch t.Kind {
		case TempFixed:
			t.MemCoherent = false
		case TempGlobal:
			t.ValType = ValMem
			t.Reg = noReg
			t.MemCoherent = true
		}
	}
	c.ops = c.ops[:0]
	c.labels = c.labels[:0]
	for i := range c.constTable {
		clear(c.constTable[i])
	}
	c.InsnEndOff = c.InsnEndOff[:0]
	c.frameAllocEnd = c.FrameStart
}

// NbGlobals returns the number of global and fixed temps.
func (c *Context) NbGlobals() uint32 { return c.nbGlobals }

// NbTemps returns the current temp count.
func (c *Context) NbTemps() uint32 { return uint32(len(c.temps)) }

func (c *Context) pushTemp(t Temp) TempIdx {
	if len(c.temps) >= MaxTemps {
		panic("ir: temp pool exhausted")
	}
	c.temps = append(c.temps, t)
	return t.Idx
}

// NewTemp allocates an EBB-scoped temporary.
func (c *Context) NewTemp(ty Type) TempIdx {
	return c.pushTemp(newEbbTemp(TempIdx(len(c.temps)), ty))
}

// NewTempTb allocates a TB-scoped temporary.
func (c *Context) NewTempTb(ty Type) TempIdx {
	return c.pushTemp(newTbTemp(TempIdx(len(c.temps)), ty))
}

// NewConst returns the constant temp for (ty, val), creating it on first use.
// At most one const temp exists per (type, value) pair.
func (c *Context) NewConst(ty Type, val uint64) TempIdx {
	if idx, ok := c.constTable[ty][val]; ok {
		return idx
	}
	idx := c.pushTemp(newConstTemp(TempIdx(len(c.temps)), ty, val))
	c.constTable[ty][val] = idx
	return idx
}

// NewGlobal registers a CPU-state-backed global temp. Globals must be
// registered before any local temp so they survive Reset at the front of
// the pool.
func (c *Context) NewGlobal(ty Type, base TempIdx, offset int64, name string) TempIdx {
	if uint32(len(c.temps)) != c.nbGlobals {
		panic("ir: globals must be registered before locals")
	}
	idx := c.pushTemp(newGlobalTemp(TempIdx(len(c.temps)), ty, base, offset, name))
	c.nbGlobals++
	return idx
}

// NewFixed registers a temp pinned to a host register. Like globals, fixed
// temps precede all locals.
func (c *Context) NewFixed(ty Type, reg uint8, name string) TempIdx {
	if uint32(len(c.temps)) != c.nbGlobals {
		panic("ir: fixed temps must be registered before locals")
	}
	idx := c.pushTemp(newFixedTemp(TempIdx(len(c.temps)), ty, reg, name))
	c.nbGlobals++
	return idx
}

// Temp returns the temp at idx.
func (c *Context) Temp(idx TempIdx) *Temp { return &c.temps[idx] }

// Temps returns the whole temp pool.
func (c *Context) Temps() []Temp { return c.temps }

// Globals returns the global/fixed prefix of the temp pool.
func (c *Context) Globals() []Temp { return c.temps[:c.nbGlobals] }

// EmitOp appends op to the op list.
func (c *Context) EmitOp(op Op) OpIdx {
	c.ops = append(c.ops, op)
	return op.Idx
}

// NextOpIdx returns the index the next emitted op will get.
func (c *Context) NextOpIdx() OpIdx { return OpIdx(len(c.ops)) }

// Op returns the op at idx.
func (c *Context) Op(idx OpIdx) *Op { return &c.ops[idx] }

// Ops returns the op list.
func (c *Context) Ops() []Op { return c.ops }

// NumOps returns the op count.
func (c *Context) NumOps() int { return len(c.ops) }

// NewLabel allocates a fresh label and returns its id.
func (c *Context) NewLabel() TempIdx {
	id := TempIdx(len(c.labels))
	c.labels = append(c.labels, Label{ID: id})
	return id
}

// Label returns the label with the given id.
func (c *Context) Label(id TempIdx) *Label { return &c.labels[id] }

// Labels returns all labels.
func (c *Context) Labels() []Label { return c.labels }

// SetFrame configures the spill area: offsets [start, start+size) from reg.
func (c *Context) SetFrame(reg uint8, start, size int64) {
	c.FrameReg = reg
	c.FrameStart = start
	c.FrameEnd = start + size
	c.frameAllocEnd = start
}

// AllocTempFrame assigns a naturally-aligned spill slot to the temp and
// returns its offset from FrameReg.
func (c *Context) AllocTempFrame(idx TempIdx) int64 {
	t := c.Temp(idx)
	if t.MemAllocated {
		return t.MemOffset
	}
	size := int64(t.Ty.SizeBytes())
	c.frameAllocEnd = (c.frameAllocEnd + size - 1) &^ (size - 1)
	offset := c.frameAllocEnd
	c.frameAllocEnd += size
	if c.frameAllocEnd > c.FrameEnd {
		panic(fmt.Sprintf("ir: spill area overflow allocating temp %d", idx))
	}
	t.MemAllocated = true
	t.MemOffset = offset
	return offset
}
