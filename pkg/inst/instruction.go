// Package inst defines the instruction set of the virtual machine and its
// binary encoding, shared by the assembler's output and the interpreter's
// input so the two cannot drift apart.
package inst

// Instruction is the 6-bit identifier of one machine instruction. It occupies
// the low 6 bits of the instruction byte; the high 2 bits carry the operand
// count.
type Instruction uint8

const (
	Nop Instruction = 0x00
	Mov Instruction = 0x01
	Add Instruction = 0x02
	Sub Instruction = 0x03
	Mul Instruction = 0x04
	Div Instruction = 0x05
	And Instruction = 0x06
	Or  Instruction = 0x07
	Xor Instruction = 0x08
	Not Instruction = 0x09
	Shl Instruction = 0x0A
	Shr Instruction = 0x0B
	Cmp Instruction = 0x0C
	Jmp Instruction = 0x0D
	Jeq Instruction = 0x0E
	Jne Instruction = 0x0F
	Jgt Instruction = 0x10
	Jge Instruction = 0x11
	Jlt Instruction = 0x12
	Jle Instruction = 0x13

	Call  Instruction = 0x14
	Ret   Instruction = 0x15
	Push  Instruction = 0x16
	Pop   Instruction = 0x17
	New   Instruction = 0x18
	GC    Instruction = 0x19
	Ref   Instruction = 0x1A
	Unref Instruction = 0x1B

	Native Instruction = 0x1C

	DebugMem  Instruction = 0x3C
	DebugDump Instruction = 0x3D
	DebugCPU  Instruction = 0x3E
	Halt      Instruction = 0x3F

	// InstructionCount is the size of the id space (6 bits).
	InstructionCount = 0x40
)

// OperandMode describes how an instruction uses one of its operands.
type OperandMode uint8

const (
	// ReadOnly operands are only read from.
	ReadOnly OperandMode = iota
	// ReadWrite operands may be written to.
	ReadWrite
)

// CanBeUsedAs reports whether an operand of mode m satisfies a slot that
// expects mode want. Read/write substitutes for read-only, never the reverse.
func (m OperandMode) CanBeUsedAs(want OperandMode) bool {
	return m == want || (m == ReadWrite && want == ReadOnly)
}

func (m OperandMode) String() string {
	if m == ReadOnly {
		return "read-only"
	}
	return "read/write"
}

// Descriptor holds the static metadata of one instruction.
type Descriptor struct {
	Mnemonic string
	Operands []OperandMode
	IsJump   bool
}

// Descriptors maps each instruction id to its metadata. Entries with an empty
// mnemonic are unassigned ids.
var Descriptors = [InstructionCount]Descriptor{
	Nop:   {Mnemonic: "nop"},
	Mov:   {Mnemonic: "mov", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Add:   {Mnemonic: "add", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Sub:   {Mnemonic: "sub", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Mul:   {Mnemonic: "mul", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Div:   {Mnemonic: "div", Operands: []OperandMode{ReadOnly, ReadWrite}},
	And:   {Mnemonic: "and", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Or:    {Mnemonic: "or", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Xor:   {Mnemonic: "xor", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Not:   {Mnemonic: "not", Operands: []OperandMode{ReadWrite}},
	Shl:   {Mnemonic: "shl", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Shr:   {Mnemonic: "shr", Operands: []OperandMode{ReadOnly, ReadWrite}},
	Cmp:   {Mnemonic: "cmp", Operands: []OperandMode{ReadOnly, ReadOnly}},
	Jmp:   {Mnemonic: "jmp", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jeq:   {Mnemonic: "jeq", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jne:   {Mnemonic: "jne", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jgt:   {Mnemonic: "jgt", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jge:   {Mnemonic: "jge", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jlt:   {Mnemonic: "jlt", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Jle:   {Mnemonic: "jle", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Call:  {Mnemonic: "call", Operands: []OperandMode{ReadOnly}, IsJump: true},
	Ret:   {Mnemonic: "ret", IsJump: true},
	Push:  {Mnemonic: "push", Operands: []OperandMode{ReadOnly}},
	Pop:   {Mnemonic: "pop", Operands: []OperandMode{ReadWrite}},
	New:   {Mnemonic: "new", Operands: []OperandMode{ReadOnly, ReadWrite}},
	GC:    {Mnemonic: "gc"},
	Ref:   {Mnemonic: "ref", Operands: []OperandMode{ReadWrite}},
	Unref: {Mnemonic: "unref", Operands: []OperandMode{ReadWrite}},

	Native: {Mnemonic: "native", Operands: []OperandMode{ReadOnly}},

	DebugMem:  {Mnemonic: "debugmem"},
	DebugDump: {Mnemonic: "debugdump", Operands: []OperandMode{ReadOnly, ReadOnly}},
	DebugCPU:  {Mnemonic: "debugcpu"},
	Halt:      {Mnemonic: "halt"},
}

var byMnemonic = map[string]Instruction{}

func init() {
	for id, d := range Descriptors {
		if d.Mnemonic != "" {
			byMnemonic[d.Mnemonic] = Instruction(id)
		}
	}
}

// Valid reports whether the id is assigned.
func (i Instruction) Valid() bool {
	return int(i) < InstructionCount && Descriptors[i].Mnemonic != ""
}

// Descriptor returns the instruction's metadata. The id must be valid.
func (i Instruction) Descriptor() Descriptor {
	return Descriptors[i]
}

func (i Instruction) String() string {
	if !i.Valid() {
		return "??"
	}
	return Descriptors[i].Mnemonic
}

// FromMnemonic looks up an instruction by its assembly mnemonic.
func FromMnemonic(mnemonic string) (Instruction, bool) {
	i, ok := byMnemonic[mnemonic]
	return i, ok
}
