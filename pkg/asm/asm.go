package asm

import (
	"io"
)

// Assemble reads assembly source and writes the binary program to out. The
// sink must support seeking for the label fixup pass.
func Assemble(source io.Reader, out io.WriteSeeker) error {
	src, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	tokens, err := lex(string(src))
	if err != nil {
		return err
	}
	statements, err := parse(tokens)
	if err != nil {
		return err
	}
	return encode(statements, out)
}

// AssembleBytes assembles source held in memory and returns the binary.
func AssembleBytes(source []byte) ([]byte, error) {
	var buf Buffer
	tokens, err := lex(string(source))
	if err != nil {
		return nil, err
	}
	statements, err := parse(tokens)
	if err != nil {
		return nil, err
	}
	if err := encode(statements, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
