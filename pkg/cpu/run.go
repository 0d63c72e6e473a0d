package cpu

import (
	"fmt"
	"io"
	"time"

	"tagvm/pkg/mem"
)

// Options configures a program run. Zero values pick the defaults: stdout
// for prints, stderr for debug output, no trace, time-based PRNG seed, the
// standard memory cap and a real sleep.
type Options struct {
	Stdout      io.Writer
	Debug       io.Writer
	Trace       io.Writer
	Seed        int64
	MemoryLimit uint64
	Sleep       func(time.Duration)
}

// Run loads a binary program image and executes it to completion.
func Run(program []byte, opts Options) error {
	c, err := Load(program, opts)
	if err != nil {
		return err
	}
	return c.Run()
}

// Load bootstraps a fresh machine for a program image.
//
// The image is copied into a non-collectible allocation pinned at virtual
// address 0 (its size rounded up to a whole word); the bootstrap stack is a
// second non-collectible allocation, with SP starting at its last word.
func Load(program []byte, opts Options) (*CPU, error) {
	m := mem.NewManager(opts.MemoryLimit)
	c := New(m, opts.Seed)
	if opts.Stdout != nil {
		c.Stdout = opts.Stdout
	}
	if opts.Debug != nil {
		c.Debug = opts.Debug
		m.Diag = opts.Debug
	}
	if opts.Trace != nil {
		c.Trace = opts.Trace
	}
	if opts.Sleep != nil {
		c.Sleep = opts.Sleep
	}

	size := uint64(len(program))
	if rem := size % mem.WordSize; rem != 0 {
		size += mem.WordSize - rem
	}

	zero := uint64(0)
	base, err := m.Allocate(size, false, nil, &zero, "program")
	if err != nil {
		return nil, err
	}
	if base != 0 {
		return nil, fmt.Errorf("program image mapped at %#x, not 0", base)
	}
	if err := m.Set(0, program); err != nil {
		return nil, err
	}

	stackBase, err := m.Allocate(StackSize, false, nil, nil, "stack")
	if err != nil {
		return nil, err
	}

	c.IP = 0
	c.SP = stackBase + StackSize - mem.WordSize

	return c, nil
}
