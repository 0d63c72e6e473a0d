package cpu_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagvm/pkg/asm"
	"tagvm/pkg/cpu"
	"tagvm/pkg/mem"
)

func load(t *testing.T, source string, opts cpu.Options) *cpu.CPU {
	t.Helper()
	program, err := asm.AssembleBytes([]byte(source))
	require.NoError(t, err)
	if opts.Debug == nil {
		opts.Debug = io.Discard
	}
	if opts.Seed == 0 {
		opts.Seed = 1
	}
	c, err := cpu.Load(program, opts)
	require.NoError(t, err)
	return c
}

func run(t *testing.T, source string) *cpu.CPU {
	t.Helper()
	c := load(t, source, cpu.Options{})
	require.NoError(t, c.Run())
	return c
}

func runErr(t *testing.T, source string) error {
	t.Helper()
	return load(t, source, cpu.Options{}).Run()
}

func TestHaltStopsExecution(t *testing.T) {
	c := run(t, "halt")
	assert.Equal(t, uint64(1), c.IP)
}

func TestStackRoundTrip(t *testing.T) {
	c := run(t, `
		mov 2, R0
		push R0
		pop R1
		halt
	`)
	assert.Equal(t, mem.Word{Value: 2, IsRef: false}, c.Registers[1])
}

func TestPushPopPreservesTags(t *testing.T) {
	c := run(t, `
		new 8, R0
		push R0
		pop R1
		halt
	`)
	assert.True(t, c.Registers[1].IsRef)
	assert.Equal(t, c.Registers[0], c.Registers[1])
}

func TestMovSetsFlags(t *testing.T) {
	c := run(t, "mov 0, R0\nhalt")
	assert.True(t, c.ZeroFlag)
	assert.False(t, c.CarryFlag)

	c = run(t, "mov 7, R0\nhalt")
	assert.False(t, c.ZeroFlag)
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		wantValue uint64
		wantZero  bool
		wantCarry bool
	}{
		{"add", "mov 2, R0\nadd 3, R0\nhalt", 5, false, false},
		{"add wraps", "mov -1, R0\nadd 1, R0\nhalt", 0, true, true},
		{"sub", "mov 5, R0\nsub 3, R0\nhalt", 2, false, false},
		{"sub borrows", "mov 0, R0\nsub 1, R0\nhalt", ^uint64(0), false, true},
		{"mul", "mov 6, R0\nmul 7, R0\nhalt", 42, false, false},
		{"mul overflows", "mov 1, R0\nshl 63, R0\nmul 2, R0\nhalt", 0, true, true},
		{"div", "mov 7, R0\ndiv 2, R0\nhalt", 3, false, false},
		{"and", "mov 0xFF, R0\nand 0x0F, R0\nhalt", 0x0F, false, false},
		{"or", "mov 0xF0, R0\nor 0x0F, R0\nhalt", 0xFF, false, false},
		{"xor self", "mov 0xAA, R0\nxor R0, R0\nhalt", 0, true, false},
		{"not", "mov 0, R0\nnot R0\nhalt", ^uint64(0), false, false},
		{"shl", "mov 1, R0\nshl 4, R0\nhalt", 16, false, false},
		{"shl by 64", "mov 1, R0\nshl 64, R0\nhalt", 1, false, true},
		{"shr", "mov 16, R0\nshr 2, R0\nhalt", 4, false, false},
		{"shr by 65", "mov 2, R0\nshr 65, R0\nhalt", 1, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := run(t, tc.source)
			assert.Equal(t, tc.wantValue, c.Registers[0].Value)
			assert.Equal(t, tc.wantZero, c.ZeroFlag, "zero flag")
			assert.Equal(t, tc.wantCarry, c.CarryFlag, "carry flag")
		})
	}
}

func TestDivideByZero(t *testing.T) {
	err := runErr(t, "mov 7, R0\ndiv 0, R0\nhalt")
	assert.ErrorIs(t, err, cpu.ErrDivideByZero)
}

func TestCompareAndJumps(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   uint64
	}{
		{"jeq taken", `
			mov 5, R0
			cmp R0, 5
			jeq yes
			halt
			yes: mov 1, R3
			halt
		`, 1},
		{"jne not taken", `
			mov 1, R3
			cmp 5, 5
			jne no
			halt
			no: mov 2, R3
			halt
		`, 1},
		{"jgt taken on greater", `
			cmp 6, 5
			jgt yes
			halt
			yes: mov 3, R3
			halt
		`, 3},
		{"jgt not taken on equal", `
			mov 9, R3
			cmp 5, 5
			jgt no
			halt
			no: mov 4, R3
			halt
		`, 9},
		{"jge taken on equal", `
			cmp 5, 5
			jge yes
			halt
			yes: mov 5, R3
			halt
		`, 5},
		{"jlt taken on less", `
			cmp 4, 5
			jlt yes
			halt
			yes: mov 6, R3
			halt
		`, 6},
		{"jle taken on equal", `
			cmp 5, 5
			jle yes
			halt
			yes: mov 7, R3
			halt
		`, 7},
		{"jle taken on less", `
			cmp 4, 5
			jle yes
			halt
			yes: mov 8, R3
			halt
		`, 8},
		{"jmp unconditional", `
			jmp over
			mov 1, R3
			halt
			over: mov 9, R3
			halt
		`, 9},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := run(t, tc.source)
			assert.Equal(t, tc.want, c.Registers[3].Value)
		})
	}
}

func TestCallAndReturn(t *testing.T) {
	c := run(t, `
		call fn
		mov 1, R0
		halt
		fn: mov 9, R2
		ret
	`)
	assert.Equal(t, uint64(9), c.Registers[2].Value)
	assert.Equal(t, uint64(1), c.Registers[0].Value, "execution continues after the call")
}

func TestReturnDemandsReference(t *testing.T) {
	err := runErr(t, "push 5\nret")
	assert.ErrorIs(t, err, cpu.ErrBadReturn)
}

func TestDereferenceDemandsReference(t *testing.T) {
	err := runErr(t, "mov 5, R0\nmov [R0], R1\nhalt")
	assert.ErrorIs(t, err, cpu.ErrTypeMismatch)
}

func TestReferenceOperands(t *testing.T) {
	c := run(t, `
		new 16, R0
		mov 11, [R0]
		mov 22, [R0+8]
		mov [R0], R1
		mov [R0+8], R2
		halt
	`)
	assert.Equal(t, uint64(11), c.Registers[1].Value)
	assert.Equal(t, uint64(22), c.Registers[2].Value)
}

func TestStackOperands(t *testing.T) {
	c := run(t, `
		push 7
		mov [SP+8], R0
		halt
	`)
	assert.Equal(t, uint64(7), c.Registers[0].Value)
}

func TestRefAndUnref(t *testing.T) {
	c := run(t, "mov 5, R0\nref R0\nhalt")
	assert.Equal(t, mem.Word{Value: 5, IsRef: true}, c.Registers[0])

	c = run(t, "new 8, R0\nunref R0\nhalt")
	assert.False(t, c.Registers[0].IsRef)
}

func TestNewReturnsUsableReference(t *testing.T) {
	c := run(t, `
		new 32, R0
		mov 123, [R0+24]
		halt
	`)
	require.True(t, c.Registers[0].IsRef)

	w, err := c.Memory.GetDataWord(c.Registers[0].Value + 24)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), w.Value)
}

// TestGCCollectsDroppedAllocation is the canonical collection scenario: two
// fresh allocations, one register overwritten, one survivor.
func TestGCCollectsDroppedAllocation(t *testing.T) {
	c := run(t, `
		new 8, R0
		new 8, R1
		mov 0, R0
		gc
		halt
	`)

	// program + stack + the allocation still referenced by R1.
	allocs := c.Memory.Allocations()
	require.Len(t, allocs, 3)

	_, err := c.Memory.Get(c.Registers[1].Value, 8)
	assert.NoError(t, err, "R1's allocation must stay readable at its virtual base")
}

func TestGCTracesHeapReferences(t *testing.T) {
	c := run(t, `
		new 16, R0
		new 8, R1
		mov R1, [R0]
		mov 0, R1
		gc
		halt
	`)

	// The pointee is only reachable through R0's heap word.
	require.Len(t, c.Memory.Allocations(), 4)

	inner, err := c.Memory.GetDataWord(c.Registers[0].Value)
	require.NoError(t, err)
	require.True(t, inner.IsRef)
	_, err = c.Memory.Get(inner.Value, 8)
	assert.NoError(t, err)
}

func TestGCSurvivorKeepsContents(t *testing.T) {
	c := run(t, `
		new 16, R0
		new 24, R1
		mov 77, [R1]
		mov R1, [R1+8]
		mov 0, R0
		gc
		halt
	`)

	base := c.Registers[1].Value
	w, err := c.Memory.GetDataWord(base)
	require.NoError(t, err)
	assert.Equal(t, mem.Word{Value: 77}, w)

	self, err := c.Memory.GetDataWord(base + 8)
	require.NoError(t, err)
	assert.Equal(t, mem.Word{Value: base, IsRef: true}, self)
}

func TestUnmappedExecutionFaults(t *testing.T) {
	// nop runs off the end of the program image.
	err := runErr(t, "nop")
	assert.ErrorIs(t, err, mem.ErrUnmapped)
}

func TestJumpOutsideProgramFaults(t *testing.T) {
	err := runErr(t, "jmp 0x100000\nhalt")
	assert.ErrorIs(t, err, mem.ErrUnmapped)
}
