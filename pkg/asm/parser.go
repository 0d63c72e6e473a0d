package asm

import "tagvm/pkg/inst"

// Statement is one entry of the parsed directive/opcode stream.
type Statement interface {
	Pos() Position
	statement()
}

// LabelStmt binds a name to the output offset at its position.
type LabelStmt struct {
	At   Position
	Name string
}

// DefineStmt binds a name to a constant value.
type DefineStmt struct {
	At    Position
	Name  string
	Value int64
}

// StringStmt emits raw string bytes, optionally binding a label to their length.
type StringStmt struct {
	At          Position
	LengthLabel string // empty when absent
	Value       string
}

// AlignStmt pads the output with zero bytes up to a multiple of N.
type AlignStmt struct {
	At Position
	N  uint64
}

// OpcodeStmt emits one encoded instruction.
type OpcodeStmt struct {
	At          Position
	Instruction inst.Instruction
	Operands    []Arg
}

func (s LabelStmt) Pos() Position  { return s.At }
func (s DefineStmt) Pos() Position { return s.At }
func (s StringStmt) Pos() Position { return s.At }
func (s AlignStmt) Pos() Position  { return s.At }
func (s OpcodeStmt) Pos() Position { return s.At }

func (LabelStmt) statement()  {}
func (DefineStmt) statement() {}
func (StringStmt) statement() {}
func (AlignStmt) statement()  {}
func (OpcodeStmt) statement() {}

// Arg is an assembly-level operand: either a concrete machine operand or a
// label reference resolved during the fixup pass.
type Arg struct {
	Label string
	Op    inst.Operand // nil when Label is set
}

func (a Arg) mode() inst.OperandMode {
	if a.Label != "" {
		return inst.ReadOnly
	}
	return a.Op.Mode()
}

type parser struct {
	tokens []token
	index  int
	out    []Statement
}

// parse assembles lexer tokens into statements, validating each opcode's
// operand count and modes against the instruction descriptors.
func parse(tokens []token) ([]Statement, error) {
	p := &parser{tokens: tokens}
	for !p.eof() {
		if err := p.parseOne(); err != nil {
			return nil, err
		}
	}
	return p.out, nil
}

func (p *parser) eof() bool { return p.index >= len(p.tokens) }

func (p *parser) peek() token { return p.tokens[p.index] }

func (p *parser) pos() Position {
	if p.eof() {
		return p.tokens[len(p.tokens)-1].pos
	}
	return p.peek().pos
}

func (p *parser) consume() token {
	t := p.peek()
	p.index++
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.eof() || p.peek().kind != kind {
		return token{}, errAt(p.pos(), ErrSyntax, "expected %s", what)
	}
	return p.consume(), nil
}

func (p *parser) parseOne() error {
	switch t := p.peek(); t.kind {
	case tokLabelDef:
		p.consume()
		p.out = append(p.out, LabelStmt{At: t.pos, Name: t.text})
		return nil
	case tokDirective:
		return p.parseDirective()
	case tokInstruction:
		return p.parseOpcode()
	default:
		return errAt(t.pos, ErrSyntax, "expected label, directive or instruction")
	}
}

func (p *parser) parseDirective() error {
	t := p.consume()
	switch t.directive {
	case dirString:
		lengthLabel := ""
		if !p.eof() && p.peek().kind == tokLabelRef {
			lengthLabel = p.consume().text
		}
		lit, err := p.expect(tokString, "string literal")
		if err != nil {
			return err
		}
		p.out = append(p.out, StringStmt{At: t.pos, LengthLabel: lengthLabel, Value: lit.text})
		return nil

	case dirAlign:
		n, err := p.expect(tokNumber, "a number")
		if err != nil {
			return err
		}
		if n.number <= 1 {
			return errAt(n.pos, ErrAlignment, "got %d", n.number)
		}
		p.out = append(p.out, AlignStmt{At: t.pos, N: uint64(n.number)})
		return nil

	default: // dirDefine
		name, err := p.expect(tokLabelRef, "a label")
		if err != nil {
			return err
		}
		value, err := p.expect(tokNumber, "a number")
		if err != nil {
			return err
		}
		p.out = append(p.out, DefineStmt{At: t.pos, Name: name.text, Value: value.number})
		return nil
	}
}

func (p *parser) parseOpcode() error {
	t := p.consume()
	instr := t.instruction

	var operands []Arg
	for {
		arg, ok, err := p.parseOperand()
		if err != nil {
			return err
		}
		if !ok {
			if len(operands) == 0 {
				break
			}
			return errAt(p.pos(), ErrSyntax, "expected operand")
		}
		operands = append(operands, arg)

		if p.eof() || p.peek().kind != tokComma {
			break
		}
		p.consume()
	}

	desc := instr.Descriptor()
	if len(desc.Operands) != len(operands) {
		return errAt(t.pos, ErrSyntax, "%s expects %d operand(s), but %d were provided",
			desc.Mnemonic, len(desc.Operands), len(operands))
	}
	for i, want := range desc.Operands {
		if !operands[i].mode().CanBeUsedAs(want) {
			return errAt(t.pos, ErrSyntax, "%s's operand %d must be %s",
				desc.Mnemonic, i+1, want)
		}
	}

	p.out = append(p.out, OpcodeStmt{At: t.pos, Instruction: instr, Operands: operands})
	return nil
}

func (p *parser) parseOperand() (Arg, bool, error) {
	if p.eof() {
		return Arg{}, false, nil
	}

	switch t := p.peek(); t.kind {
	case tokLabelRef:
		p.consume()
		return Arg{Label: t.text}, true, nil
	case tokNumber:
		p.consume()
		return Arg{Op: inst.Immediate(t.number)}, true, nil
	case tokRegister:
		p.consume()
		return Arg{Op: inst.Register(t.register)}, true, nil
	case tokStartRef:
		arg, err := p.parseReferenceOrStack()
		return arg, err == nil, err
	default:
		return Arg{}, false, nil
	}
}

func (p *parser) parseReferenceOrStack() (Arg, error) {
	start := p.consume() // tokStartRef

	var register *uint8
	switch t := p.peek(); t.kind {
	case tokStackPointer:
		p.consume()
	case tokRegister:
		p.consume()
		register = &t.register
	default:
		return Arg{}, errAt(p.pos(), ErrSyntax, "expected stack pointer or register")
	}

	offset, err := p.parseOffset()
	if err != nil {
		return Arg{}, err
	}
	if register == nil && offset < 0 {
		return Arg{}, errAt(start.pos, ErrSyntax, "stack pointer offsets cannot be negative")
	}

	if _, err := p.expect(tokEndRef, "end of reference"); err != nil {
		return Arg{}, err
	}

	if register == nil {
		return Arg{Op: inst.Stack(offset)}, nil
	}
	return Arg{Op: inst.Reference{Register: *register, Offset: offset}}, nil
}

func (p *parser) parseOffset() (int64, error) {
	if p.eof() {
		return 0, nil
	}

	negative := false
	switch p.peek().kind {
	case tokPlus:
	case tokMinus:
		negative = true
	default:
		return 0, nil
	}
	p.consume()

	n, err := p.expect(tokNumber, "number")
	if err != nil {
		return 0, err
	}
	if negative {
		return -n.number, nil
	}
	return n.number, nil
}
