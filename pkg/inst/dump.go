package inst

import (
	"errors"
	"fmt"
	"io"
)

type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)
	return n, err
}

// Dump disassembles the whole binary stream, writing one line per opcode:
// the instruction's starting offset, its mnemonic, and its operands.
func Dump(r io.Reader, w io.Writer) error {
	cr := &countingReader{r: r}
	for {
		start := cr.n
		opcode, err := Decode(cr)
		if errors.Is(err, io.EOF) && cr.n == start {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%016X %s\n", start, opcode); err != nil {
			return err
		}
	}
}
