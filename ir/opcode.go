package ir

import "fmt"

// Opcode enumerates every IR operation. Integer ops marked OpFlagInt work on
// both I32 and I64; the realized type is carried in Op.Ty.
type Opcode uint8

const (
	// Data movement.
	OpMov Opcode = iota
	OpSetCond
	OpNegSetCond
	OpMovCond

	// Arithmetic.
	OpAdd
	OpSub
	OpMul
	OpNeg
	OpDivS
	OpDivU
	OpRemS
	OpRemU
	OpDivS2 // signed double-width division
	OpDivU2 // unsigned double-width division

	// Widening multiply.
	OpMulSH // signed multiply high
	OpMulUH // unsigned multiply high
	OpMulS2 // signed multiply, double-width result
	OpMulU2 // unsigned multiply, double-width result

	// Carry/borrow arithmetic.
	OpAddCO // add, carry out
	OpAddCI // add, carry in
	OpAddCIO
	OpAddC1O // add with carry-in forced to 1, carry out
	OpSubBO  // sub, borrow out
	OpSubBI  // sub, borrow in
	OpSubBIO
	OpSubB1O

	// Logic.
	OpAnd
	OpOr
	OpXor
	OpNot
	OpAndC // a & ^b
	OpOrC  // a | ^b
	OpEqv  // ^(a ^ b)
	OpNand
	OpNor

	// Shift/rotate.
	OpShl
	OpShr
	OpSar
	OpRotL
	OpRotR

	// Bit field.
	OpExtract  // unsigned bit-field extract
	OpSExtract // signed bit-field extract
	OpDeposit  // bit-field deposit
	OpExtract2 // extract from a two-register concatenation

	// Byte swap.
	OpBswap16
	OpBswap32
	OpBswap64

	// Bit counting.
	OpClz
	OpCtz
	OpCtPop

	// Width conversions.
	OpExtI32I64   // sign-extend i32 -> i64
	OpExtUI32I64  // zero-extend i32 -> i64
	OpExtrlI64I32 // low half of i64 -> i32
	OpExtrhI64I32 // high half of i64 -> i32

	// Host memory access: [base reg + constant offset].
	OpLd8U
	OpLd8S
	OpLd16U
	OpLd16S
	OpLd32U
	OpLd32S
	OpLd
	OpSt8
	OpSt16
	OpSt32
	OpSt

	// Guest memory access (linux-user direct base).
	OpQemuLd
	OpQemuSt
	OpQemuLd2 // 128-bit guest load, two result regs
	OpQemuSt2

	// Control flow.
	OpBr
	OpBrCond
	OpSetLabel
	OpGotoTb
	OpExitTb
	OpGotoPtr
	OpMb

	// Helper call.
	OpCall

	// Misc.
	OpNop
	OpDiscard
	OpInsnStart

	// Vector data movement.
	OpMovVec
	OpDupVec
	OpDup2Vec
	OpLdVec
	OpStVec
	OpDupmVec

	// Vector arithmetic.
	OpAddVec
	OpSubVec
	OpMulVec
	OpNegVec
	OpAbsVec
	OpSsaddVec
	OpUsaddVec
	OpSssubVec
	OpUssubVec
	OpSminVec
	OpUminVec
	OpSmaxVec
	OpUmaxVec

	// Vector logic.
	OpAndVec
	OpOrVec
	OpXorVec
	OpAndcVec
	OpOrcVec
	OpNandVec
	OpNorVec
	OpEqvVec
	OpNotVec

	// Vector shifts by immediate / scalar / vector.
	OpShliVec
	OpShriVec
	OpSariVec
	OpRotliVec
	OpShlsVec
	OpShrsVec
	OpSarsVec
	OpRotlsVec
	OpShlvVec
	OpShrvVec
	OpSarvVec
	OpRotlvVec
	OpRotrvVec

	// Vector compare/select.
	OpCmpVec
	OpBitselVec
	OpCmpselVec

	opCount
)

// OpFlags describe static properties of an opcode.
type OpFlags uint16

const (
	// OpFlagBBExit exits the translation block.
	OpFlagBBExit OpFlags = 1 << iota
	// OpFlagBBEnd ends a basic block; the next op starts a new one.
	OpFlagBBEnd
	// OpFlagCallClobber clobbers the caller-saved registers.
	OpFlagCallClobber
	// OpFlagSideEffects marks ops that must not be eliminated or folded.
	OpFlagSideEffects
	// OpFlagInt marks type-polymorphic integer ops (I32 or I64).
	OpFlagInt
	// OpFlagNotPresent marks ops the backend never sees directly.
	OpFlagNotPresent
	// OpFlagVector marks vector ops.
	OpFlagVector
	// OpFlagCondBranch marks conditional branches.
	OpFlagCondBranch
	// OpFlagCarryOut marks ops producing a carry/borrow.
	OpFlagCarryOut
	// OpFlagCarryIn marks ops consuming a carry/borrow.
	OpFlagCarryIn
)

// Has reports whether all bits of o are set in f.
func (f OpFlags) Has(o OpFlags) bool { return f&o == o }

// OpDef is the static descriptor of an opcode: its name and the counts of
// output, input and constant arguments, plus flags.
type OpDef struct {
	Name    string
	NbOArgs uint8
	NbIArgs uint8
	NbCArgs uint8
	Flags   OpFlags
}

// NbArgs returns the total argument count.
func (d *OpDef) NbArgs() int { return int(d.NbOArgs) + int(d.NbIArgs) + int(d.NbCArgs) }

const (
	fInt = OpFlagInt
	fNP  = OpFlagNotPresent
	fSE  = OpFlagSideEffects
	fCC  = OpFlagCallClobber
	fBE  = OpFlagBBEnd
	fBX  = OpFlagBBExit
	fCB  = OpFlagCondBranch
	fCO  = OpFlagCarryOut
	fCI  = OpFlagCarryIn
	fVec = OpFlagVector
)

// opcodeDefs is the static descriptor table, indexed by Opcode. The array
// length is tied to opCount, so an entry for an opcode outside the catalog
// fails to compile; an opcode left without an entry is rejected by init.
var opcodeDefs = [opCount]OpDef{
	OpMov:        {"mov", 1, 1, 0, fInt | fNP},
	OpSetCond:    {"setcond", 1, 2, 1, fInt},
	OpNegSetCond: {"negsetcond", 1, 2, 1, fInt},
	OpMovCond:    {"movcond", 1, 4, 1, fInt},

	OpAdd:   {"add", 1, 2, 0, fInt},
	OpSub:   {"sub", 1, 2, 0, fInt},
	OpMul:   {"mul", 1, 2, 0, fInt},
	OpNeg:   {"neg", 1, 1, 0, fInt},
	OpDivS:  {"divs", 1, 2, 0, fInt | fNP},
	OpDivU:  {"divu", 1, 2, 0, fInt | fNP},
	OpRemS:  {"rems", 1, 2, 0, fInt | fNP},
	OpRemU:  {"remu", 1, 2, 0, fInt | fNP},
	OpDivS2: {"divs2", 2, 3, 0, fInt},
	OpDivU2: {"divu2", 2, 3, 0, fInt},

	OpMulSH: {"mulsh", 1, 2, 0, fInt | fNP},
	OpMulUH: {"muluh", 1, 2, 0, fInt | fNP},
	OpMulS2: {"muls2", 2, 2, 0, fInt},
	OpMulU2: {"mulu2", 2, 2, 0, fInt},

	OpAddCO:  {"addco", 1, 2, 0, fInt | fCO},
	OpAddCI:  {"addci", 1, 2, 0, fInt | fCI},
	OpAddCIO: {"addcio", 1, 2, 0, fInt | fCI | fCO},
	OpAddC1O: {"addc1o", 1, 2, 0, fInt | fCO},
	OpSubBO:  {"subbo", 1, 2, 0, fInt | fCO},
	OpSubBI:  {"subbi", 1, 2, 0, fInt | fCI},
	OpSubBIO: {"subbio", 1, 2, 0, fInt | fCI | fCO},
	OpSubB1O: {"subb1o", 1, 2, 0, fInt | fCO},

	OpAnd:  {"and", 1, 2, 0, fInt},
	OpOr:   {"or", 1, 2, 0, fInt},
	OpXor:  {"xor", 1, 2, 0, fInt},
	OpNot:  {"not", 1, 1, 0, fInt},
	OpAndC: {"andc", 1, 2, 0, fInt},
	OpOrC:  {"orc", 1, 2, 0, fInt | fNP},
	OpEqv:  {"eqv", 1, 2, 0, fInt | fNP},
	OpNand: {"nand", 1, 2, 0, fInt | fNP},
	OpNor:  {"nor", 1, 2, 0, fInt | fNP},

	OpShl:  {"shl", 1, 2, 0, fInt},
	OpShr:  {"shr", 1, 2, 0, fInt},
	OpSar:  {"sar", 1, 2, 0, fInt},
	OpRotL: {"rotl", 1, 2, 0, fInt},
	OpRotR: {"rotr", 1, 2, 0, fInt},

	OpExtract:  {"extract", 1, 1, 2, fInt},
	OpSExtract: {"sextract", 1, 1, 2, fInt},
	OpDeposit:  {"deposit", 1, 2, 2, fInt},
	OpExtract2: {"extract2", 1, 2, 1, fInt},

	OpBswap16: {"bswap16", 1, 1, 1, fInt},
	OpBswap32: {"bswap32", 1, 1, 1, fInt},
	OpBswap64: {"bswap64", 1, 1, 1, fInt},

	OpClz:   {"clz", 1, 2, 0, fInt},
	OpCtz:   {"ctz", 1, 2, 0, fInt},
	OpCtPop: {"ctpop", 1, 1, 0, fInt},

	OpExtI32I64:   {"ext_i32_i64", 1, 1, 0, 0},
	OpExtUI32I64:  {"extu_i32_i64", 1, 1, 0, 0},
	OpExtrlI64I32: {"extrl_i64_i32", 1, 1, 0, 0},
	OpExtrhI64I32: {"extrh_i64_i32", 1, 1, 0, 0},

	OpLd8U:  {"ld8u", 1, 1, 1, fInt},
	OpLd8S:  {"ld8s", 1, 1, 1, fInt},
	OpLd16U: {"ld16u", 1, 1, 1, fInt},
	OpLd16S: {"ld16s", 1, 1, 1, fInt},
	OpLd32U: {"ld32u", 1, 1, 1, fInt},
	OpLd32S: {"ld32s", 1, 1, 1, fInt},
	OpLd:    {"ld", 1, 1, 1, fInt},
	OpSt8:   {"st8", 0, 2, 1, fInt},
	OpSt16:  {"st16", 0, 2, 1, fInt},
	OpSt32:  {"st32", 0, 2, 1, fInt},
	OpSt:    {"st", 0, 2, 1, fInt},

	OpQemuLd:  {"qemu_ld", 1, 1, 1, fCC | fSE | fInt},
	OpQemuSt:  {"qemu_st", 0, 2, 1, fCC | fSE | fInt},
	OpQemuLd2: {"qemu_ld2", 2, 1, 1, fCC | fSE | fInt},
	OpQemuSt2: {"qemu_st2", 0, 3, 1, fCC | fSE | fInt},

	OpBr:       {"br", 0, 0, 1, fBE | fNP},
	OpBrCond:   {"brcond", 0, 2, 2, fBE | fCB | fInt},
	OpSetLabel: {"set_label", 0, 0, 1, fBE | fNP},
	OpGotoTb:   {"goto_tb", 0, 0, 1, fBX | fBE | fNP},
	OpExitTb:   {"exit_tb", 0, 0, 1, fBX | fBE | fNP},
	OpGotoPtr:  {"goto_ptr", 0, 1, 0, fBX | fBE},
	OpMb:       {"mb", 0, 0, 1, fNP},

	OpCall: {"call", 0, 0, 3, fCC | fNP},

	OpNop:       {"nop", 0, 0, 0, fNP},
	OpDiscard:   {"discard", 1, 0, 0, fNP},
	OpInsnStart: {"insn_start", 0, 0, 2, fNP},

	OpMovVec:  {"mov_vec", 1, 1, 0, fVec | fNP},
	OpDupVec:  {"dup_vec", 1, 1, 0, fVec},
	OpDup2Vec: {"dup2_vec", 1, 2, 0, fVec},
	OpLdVec:   {"ld_vec", 1, 1, 1, fVec},
	OpStVec:   {"st_vec", 0, 2, 1, fVec},
	OpDupmVec: {"dupm_vec", 1, 1, 1, fVec},

	OpAddVec:   {"add_vec", 1, 2, 0, fVec},
	OpSubVec:   {"sub_vec", 1, 2, 0, fVec},
	OpMulVec:   {"mul_vec", 1, 2, 0, fVec},
	OpNegVec:   {"neg_vec", 1, 1, 0, fVec},
	OpAbsVec:   {"abs_vec", 1, 1, 0, fVec},
	OpSsaddVec: {"ssadd_vec", 1, 2, 0, fVec},
	OpUsaddVec: {"usadd_vec", 1, 2, 0, fVec},
	OpSssubVec: {"sssub_vec", 1, 2, 0, fVec},
	OpUssubVec: {"ussub_vec", 1, 2, 0, fVec},
	OpSminVec:  {"smin_vec", 1, 2, 0, fVec},
	OpUminVec:  {"umin_vec", 1, 2, 0, fVec},
	OpSmaxVec:  {"smax_vec", 1, 2, 0, fVec},
	OpUmaxVec:  {"umax_vec", 1, 2, 0, fVec},

	OpAndVec:  {"and_vec", 1, 2, 0, fVec},
	OpOrVec:   {"or_vec", 1, 2, 0, fVec},
	OpXorVec:  {"xor_vec", 1, 2, 0, fVec},
	OpAndcVec: {"andc_vec", 1, 2, 0, fVec},
	OpOrcVec:  {"orc_vec", 1, 2, 0, fVec},
	OpNandVec: {"nand_vec", 1, 2, 0, fVec},
	OpNorVec:  {"nor_vec", 1, 2, 0, fVec},
	OpEqvVec:  {"eqv_vec", 1, 2, 0, fVec},
	OpNotVec:  {"not_vec", 1, 1, 0, fVec},

	OpShliVec:  {"shli_vec", 1, 1, 1, fVec},
	OpShriVec:  {"shri_vec", 1, 1, 1, fVec},
	OpSariVec:  {"sari_vec", 1, 1, 1, fVec},
	OpRotliVec: {"rotli_vec", 1, 1, 1, fVec},
	OpShlsVec:  {"shls_vec", 1, 2, 0, fVec},
	OpShrsVec:  {"shrs_vec", 1, 2, 0, fVec},
	OpSarsVec:  {"sars_vec", 1, 2, 0, fVec},
	OpRotlsVec: {"rotls_vec", 1, 2, 0, fVec},
	OpShlvVec:  {"shlv_vec", 1, 2, 0, fVec},
	OpShrvVec:  {"shrv_vec", 1, 2, 0, fVec},
	OpSarvVec:  {"sarv_vec", 1, 2, 0, fVec},
	OpRotlvVec: {"rotlv_vec", 1, 2, 0, fVec},
	OpRotrvVec: {"rotrv_vec", 1, 2, 0, fVec},

	OpCmpVec:    {"cmp_vec", 1, 2, 1, fVec},
	OpBitselVec: {"bitsel_vec", 1, 3, 0, fVec},
	OpCmpselVec: {"cmpsel_vec", 1, 4, 1, fVec},
}

func init() {
	// Every opcode must have a descriptor and fit the fixed arg capacity.
	for opc := Opcode(0); opc < opCount; opc++ {
		d := &opcodeDefs[opc]
		if d.Name == "" {
			panic(fmt.Sprintf("ir: opcode %d has no descriptor", opc))
		}
		if d.NbArgs() > MaxOpArgs {
			panic(fmt.Sprintf("ir: opcode %s exceeds arg capacity", d.Name))
		}
	}
}

// Def returns the static descriptor for o.
func (o Opcode) Def() *OpDef { return &opcodeDefs[o] }

// String returns the opcode's mnemonic.
func (o Opcode) String() string { return opcodeDefs[o].Name }

// FixedType returns the result type of a non-polymorphic conversion opcode.
// ok is false for type-polymorphic opcodes.
func (o Opcode) FixedType() (Type, bool) {
	switch o {
	case OpExtI32I64, OpExtUI32I64:
		return I64, true
	case OpExtrlI64I32, OpExtrhI64I32:
		return I32, true
	}
	return 0, false
}

// IsIntPolymorphic reports whether o realizes either I32 or I64.
func (o Opcode) IsIntPolymorphic() bool { return o.Def().Flags.Has(OpFlagInt) }
