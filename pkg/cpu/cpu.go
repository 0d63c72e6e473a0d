// Package cpu implements the execution engine: a fetch-decode-execute loop
// over four tagged registers, wrapping instruction and stack pointers, carry
// and zero flags, and a small native-service table.
package cpu

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"math/rand"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"

	"tagvm/pkg/inst"
	"tagvm/pkg/mem"
)

const (
	// RegisterCount is the number of general-purpose tagged registers.
	RegisterCount = 4

	// StackSize is the size in bytes of the bootstrap stack allocation.
	StackSize = 4096
)

var (
	// ErrTypeMismatch reports an untagged word used where a reference is
	// required: a dereference base or a print string base. Tagged words are
	// accepted wherever a plain value is read.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrBadDestination reports a write through an immediate operand.
	ErrBadDestination = errors.New("immediate value cannot be used as a destination")

	// ErrBadReturn reports a ret whose popped word is not a reference.
	ErrBadReturn = errors.New("return address is not a reference")

	// ErrDivideByZero reports an integer division by zero.
	ErrDivideByZero = errors.New("division by zero")

	// ErrBadNative reports an unknown native service selector.
	ErrBadNative = errors.New("unknown native service")
)

// CPU holds all interpreter state. All fields are owned exclusively by the
// running interpreter; execution is single-threaded and synchronous.
type CPU struct {
	Registers [RegisterCount]mem.Word

	// IP and SP wrap modulo 2^64.
	IP uint64
	SP uint64

	ZeroFlag  bool
	CarryFlag bool

	Memory *mem.Manager

	// Stdout receives native print output.
	Stdout io.Writer
	// Debug receives the output of the debug instructions.
	Debug io.Writer
	// Trace, when set, receives one line per executed instruction.
	Trace io.Writer

	// Sleep suspends the interpreter; replaceable in tests.
	Sleep func(time.Duration)

	rng *rand.Rand
}

// New creates a CPU over the given memory. A zero seed picks a time-based one.
func New(m *mem.Manager, seed int64) *CPU {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &CPU{
		Memory: m,
		Stdout: os.Stdout,
		Debug:  os.Stderr,
		Sleep:  time.Sleep,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// ipReader feeds the opcode decoder from memory at the instruction pointer,
// advancing it past every byte read.
type ipReader struct {
	cpu *CPU
}

func (r ipReader) Read(p []byte) (int, error) {
	data, err := r.cpu.Memory.Get(r.cpu.IP, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	r.cpu.IP += uint64(len(p))
	return len(p), nil
}

// Step fetches, decodes and executes a single instruction. It returns false
// once the program has halted.
func (c *CPU) Step() (bool, error) {
	start := c.IP
	opcode, err := inst.Decode(ipReader{c})
	if err != nil {
		return false, err
	}
	if c.Trace != nil {
		fmt.Fprintf(c.Trace, "%016X  %s\n", start, opcode)
	}

	ops := opcode.Operands
	switch opcode.Instruction {
	case inst.Nop:

	case inst.Mov:
		value, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		return true, c.writeWithFlags(ops[1], value)

	case inst.Add:
		return true, c.combineWithCarry(ops, addOverflow)
	case inst.Sub:
		return true, c.combineWithCarry(ops, subOverflow)
	case inst.Mul:
		return true, c.combineWithCarry(ops, mulOverflow)
	case inst.Div:
		return true, c.divide(ops)
	case inst.Shl:
		return true, c.combineWithCarry(ops, shlOverflow)
	case inst.Shr:
		return true, c.combineWithCarry(ops, shrOverflow)

	case inst.And:
		return true, c.combine(ops, func(dst, src uint64) uint64 { return dst & src })
	case inst.Or:
		return true, c.combine(ops, func(dst, src uint64) uint64 { return dst | src })
	case inst.Xor:
		return true, c.combine(ops, func(dst, src uint64) uint64 { return dst ^ src })

	case inst.Not:
		value, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		value.Value = ^value.Value
		return true, c.writeWithFlags(ops[0], value)

	case inst.Cmp:
		a, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		b, err := c.read(ops[1])
		if err != nil {
			return false, err
		}
		c.ZeroFlag = a.Value == b.Value
		c.CarryFlag = a.Value >= b.Value

	case inst.Jmp:
		return true, c.jump(ops[0])
	case inst.Jeq:
		return true, c.conditionalJump(ops[0], c.ZeroFlag)
	case inst.Jne:
		return true, c.conditionalJump(ops[0], !c.ZeroFlag)
	case inst.Jgt:
		return true, c.conditionalJump(ops[0], !c.ZeroFlag && c.CarryFlag)
	case inst.Jge:
		return true, c.conditionalJump(ops[0], c.CarryFlag)
	case inst.Jlt:
		return true, c.conditionalJump(ops[0], !c.CarryFlag)
	case inst.Jle:
		return true, c.conditionalJump(ops[0], c.ZeroFlag || !c.CarryFlag)

	case inst.Call:
		target, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		if err := c.pushStack(mem.Word{Value: c.IP, IsRef: true}); err != nil {
			return false, err
		}
		c.IP = target.Value

	case inst.Ret:
		addr, err := c.popStack()
		if err != nil {
			return false, err
		}
		if !addr.IsRef {
			return false, ErrBadReturn
		}
		c.IP = addr.Value

	case inst.Push:
		value, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		return true, c.pushStack(value)

	case inst.Pop:
		value, err := c.popStack()
		if err != nil {
			return false, err
		}
		return true, c.write(ops[0], value)

	case inst.New:
		size, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		base, err := c.Memory.Allocate(size.Value, true, c.roots(), nil, "")
		if err != nil {
			return false, err
		}
		return true, c.write(ops[1], mem.Word{Value: base, IsRef: true})

	case inst.GC:
		return true, c.Memory.ForceGC(c.roots())

	case inst.Ref:
		value, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		value.IsRef = true
		return true, c.write(ops[0], value)

	case inst.Unref:
		value, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		value.IsRef = false
		return true, c.write(ops[0], value)

	case inst.Native:
		selector, err := c.read(ops[0])
		if err != nil {
			return false, err
		}
		return true, c.callNative(selector.Value)

	case inst.DebugMem:
		fmt.Fprintln(c.Debug, c.Memory.Describe())

	case inst.DebugDump:
		return true, c.debugDump(ops)

	case inst.DebugCPU:
		spew.Fdump(c.Debug, c.snapshot())

	case inst.Halt:
		return false, nil
	}

	return true, nil
}

// Run executes instructions until the program halts or faults.
func (c *CPU) Run() error {
	for {
		more, err := c.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// roots returns the collector roots held outside the heap: the registers.
// Stack words are traced through the pinned stack allocation itself.
func (c *CPU) roots() []mem.Word {
	return c.Registers[:]
}

func (c *CPU) read(op inst.Operand) (mem.Word, error) {
	switch v := op.(type) {
	case inst.Immediate:
		return mem.Word{Value: uint64(v)}, nil
	case inst.Register:
		return c.Registers[v], nil
	default:
		addr, err := c.effectiveAddress(op)
		if err != nil {
			return mem.Word{}, err
		}
		return c.Memory.GetDataWord(addr)
	}
}

func (c *CPU) write(op inst.Operand, value mem.Word) error {
	switch v := op.(type) {
	case inst.Immediate:
		return ErrBadDestination
	case inst.Register:
		c.Registers[v] = value
		return nil
	default:
		addr, err := c.effectiveAddress(op)
		if err != nil {
			return err
		}
		return c.Memory.SetDataWord(addr, value)
	}
}

// writeWithFlags performs a flag-updating write: carry is cleared and zero
// tracks the written value. Applied uniformly to every move-like result.
func (c *CPU) writeWithFlags(op inst.Operand, value mem.Word) error {
	if err := c.write(op, value); err != nil {
		return err
	}
	c.CarryFlag = false
	c.ZeroFlag = value.Value == 0
	return nil
}

func (c *CPU) effectiveAddress(op inst.Operand) (uint64, error) {
	switch v := op.(type) {
	case inst.Reference:
		base := c.Registers[v.Register]
		if !base.IsRef {
			return 0, fmt.Errorf("%w: R%d does not hold a reference", ErrTypeMismatch, v.Register)
		}
		return base.Value + uint64(v.Offset), nil
	case inst.Stack:
		return c.SP + uint64(v), nil
	default:
		return 0, fmt.Errorf("operand %s has no address", op)
	}
}

// combine reads both operands, applies op as dst ∘ src, and writes the result
// back to the second operand with flag updates. The result keeps a reference
// tag if either input carried one.
func (c *CPU) combine(ops []inst.Operand, f func(dst, src uint64) uint64) error {
	src, err := c.read(ops[0])
	if err != nil {
		return err
	}
	dst, err := c.read(ops[1])
	if err != nil {
		return err
	}
	result := mem.Word{Value: f(dst.Value, src.Value), IsRef: src.IsRef || dst.IsRef}
	return c.writeWithFlags(ops[1], result)
}

// combineWithCarry is combine for overflowing arithmetic: the carry flag ends
// up holding the operation's overflow bit.
func (c *CPU) combineWithCarry(ops []inst.Operand, f func(dst, src uint64) (uint64, bool)) error {
	var overflow bool
	err := c.combine(ops, func(dst, src uint64) uint64 {
		value, o := f(dst, src)
		overflow = o
		return value
	})
	if err != nil {
		return err
	}
	c.CarryFlag = overflow
	return nil
}

func (c *CPU) divide(ops []inst.Operand) error {
	src, err := c.read(ops[0])
	if err != nil {
		return err
	}
	if src.Value == 0 {
		return ErrDivideByZero
	}
	return c.combineWithCarry(ops, func(dst, src uint64) (uint64, bool) {
		return dst / src, false
	})
}

func (c *CPU) jump(op inst.Operand) error {
	target, err := c.read(op)
	if err != nil {
		return err
	}
	c.IP = target.Value
	return nil
}

func (c *CPU) conditionalJump(op inst.Operand, take bool) error {
	if !take {
		return nil
	}
	return c.jump(op)
}

// pushStack writes at SP and moves it down one word; tags survive the trip.
func (c *CPU) pushStack(value mem.Word) error {
	if err := c.Memory.SetDataWord(c.SP, value); err != nil {
		return err
	}
	c.SP -= mem.WordSize
	return nil
}

// popStack moves SP up one word and reads the word there.
func (c *CPU) popStack() (mem.Word, error) {
	c.SP += mem.WordSize
	return c.Memory.GetDataWord(c.SP)
}

func addOverflow(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry != 0
}

func subOverflow(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow != 0
}

func mulOverflow(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

// Shifts wrap the shift amount modulo the word width; amounts of 64 or more
// set the overflow flag.
func shlOverflow(a, b uint64) (uint64, bool) {
	return a << (b % 64), b >= 64
}

func shrOverflow(a, b uint64) (uint64, bool) {
	return a >> (b % 64), b >= 64
}

type cpuSnapshot struct {
	Registers [RegisterCount]mem.Word
	IP, SP    uint64
	ZeroFlag  bool
	CarryFlag bool
}

func (c *CPU) snapshot() cpuSnapshot {
	return cpuSnapshot{
		Registers: c.Registers,
		IP:        c.IP,
		SP:        c.SP,
		ZeroFlag:  c.ZeroFlag,
		CarryFlag: c.CarryFlag,
	}
}

func (c *CPU) debugDump(ops []inst.Operand) error {
	addr, err := c.read(ops[0])
	if err != nil {
		return err
	}
	length, err := c.read(ops[1])
	if err != nil {
		return err
	}
	data, err := c.Memory.Get(addr.Value, length.Value)
	if err != nil {
		return err
	}
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(c.Debug, "%016X ", addr.Value+uint64(i))
		for _, b := range data[i:end] {
			fmt.Fprintf(c.Debug, " %02X", b)
		}
		fmt.Fprintln(c.Debug)
	}
	return nil
}
