package asm

import (
	"encoding/binary"
	"fmt"
	"io"

	"tagvm/pkg/inst"
)

type encoder struct {
	out io.WriteSeeker

	labelValues map[string]uint64
	fixups      map[uint64]fixup
}

type fixup struct {
	label string
	pos   Position
}

// encode lowers the statement stream to binary. Label values are collected
// while writing; operands referencing a label reserve a zeroed full-width
// value patched by the fixup pass at the end.
func encode(statements []Statement, out io.WriteSeeker) error {
	e := &encoder{
		out:         out,
		labelValues: map[string]uint64{},
		fixups:      map[uint64]fixup{},
	}

	for _, s := range statements {
		if err := e.encodeOne(s); err != nil {
			return err
		}
	}
	return e.applyFixups()
}

func (e *encoder) offset() (uint64, error) {
	n, err := e.out.Seek(0, io.SeekCurrent)
	return uint64(n), err
}

func (e *encoder) bind(pos Position, name string, value uint64) error {
	if _, exists := e.labelValues[name]; exists {
		return errAt(pos, ErrRedefinition, "%s", name)
	}
	e.labelValues[name] = value
	return nil
}

func (e *encoder) encodeOne(s Statement) error {
	switch v := s.(type) {
	case LabelStmt:
		offset, err := e.offset()
		if err != nil {
			return err
		}
		return e.bind(v.At, v.Name, offset)

	case DefineStmt:
		return e.bind(v.At, v.Name, uint64(v.Value))

	case StringStmt:
		data := []byte(v.Value)
		if v.LengthLabel != "" {
			if err := e.bind(v.At, v.LengthLabel, uint64(len(data))); err != nil {
				return err
			}
		}
		_, err := e.out.Write(data)
		return err

	case AlignStmt:
		return e.align(v)

	case OpcodeStmt:
		return e.encodeOpcode(v)
	}

	return fmt.Errorf("unhandled statement %T", s)
}

func (e *encoder) align(s AlignStmt) error {
	if s.N <= 1 {
		return errAt(s.At, ErrAlignment, "got %d", s.N)
	}
	offset, err := e.offset()
	if err != nil {
		return err
	}
	pad := make([]byte, (s.N-offset%s.N)%s.N)
	_, err = e.out.Write(pad)
	return err
}

func (e *encoder) encodeOpcode(s OpcodeStmt) error {
	first := inst.EncodeInstructionByte(s.Instruction, len(s.Operands))
	if _, err := e.out.Write([]byte{first}); err != nil {
		return err
	}

	for _, arg := range s.Operands {
		if arg.Label == "" {
			if err := inst.EncodeOperand(e.out, arg.Op); err != nil {
				return err
			}
			continue
		}

		offset, err := e.offset()
		if err != nil {
			return err
		}
		// The placeholder value starts right after the operand header byte.
		e.fixups[offset+1] = fixup{label: arg.Label, pos: s.At}
		if err := inst.EncodeLabelOperand(e.out); err != nil {
			return err
		}
	}

	return nil
}

func (e *encoder) applyFixups() error {
	for offset, f := range e.fixups {
		value, ok := e.labelValues[f.label]
		if !ok {
			return errAt(f.pos, ErrUnresolvedLabel, "%s", f.label)
		}
		if value>>(8*inst.LabelValueSize) != 0 {
			return fmt.Errorf("%s: value %d of %s cannot be encoded in %d bytes",
				f.pos, value, f.label, inst.LabelValueSize)
		}

		if _, err := e.out.Seek(int64(offset), io.SeekStart); err != nil {
			return err
		}
		var le [8]byte
		binary.LittleEndian.PutUint64(le[:], value)
		if _, err := e.out.Write(le[:inst.LabelValueSize]); err != nil {
			return err
		}
	}
	return nil
}
