package x86_test

import (
	"testing"

	"github.com/colorfulnotion/dynarec/x86"
	"github.com/colorfulnotion/dynarec/x86/x86test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePrefixesAndOperands(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	// es: mov word [ebx+esi*4+0x10], 0x1234
	code := []byte{0x26, 0x66, 0xc7, 0x44, 0xb3, 0x10, 0x34, 0x12}
	r.LoadFlat(t, codeAddr, code)
	in, err := x86.Decode(r.CPU, codeAddr, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(len(code)), in.Len)
	assert.Equal(t, uint16(0xc7), in.Opcode)
	assert.False(t, in.Op32)
	assert.Equal(t, int8(x86.ES), in.SegOvr)
	assert.Equal(t, int8(x86.EBX), in.Base)
	assert.Equal(t, int8(x86.ESI), in.Index)
	assert.Equal(t, uint8(2), in.Scale)
	assert.Equal(t, uint32(0x10), in.Disp)
	assert.Equal(t, uint32(0x1234), in.Imm)
	assert.Equal(t, uint32(codeAddr+8), in.Next())
}

func TestDecode16BitAddressing(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	// mov ax, [bp+di-2]
	r.LoadReal(t, codeAddr, []byte{0x8b, 0x43, 0xfe})
	in, err := x86.Decode(r.CPU, codeAddr, false)
	require.NoError(t, err)
	assert.Equal(t, int8(x86.EBP), in.Base)
	assert.Equal(t, int8(x86.EDI), in.Index)
	assert.Equal(t, uint32(0xfffffffe), in.Disp)
	assert.Equal(t, uint8(3), in.Len)
}

func TestDecodeTooLong(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	code := make([]byte, 16)
	for i := range code {
		code[i] = 0x66
	}
	r.LoadFlat(t, codeAddr, code)
	_, err := x86.Decode(r.CPU, codeAddr, true)
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecGP), f.Vector)
}

func TestFlagsModeOf(t *testing.T) {
	assert.Equal(t, x86.FlagsLazy, x86.FlagsModeOf(0x01))      // add
	assert.Equal(t, x86.FlagsLazy, x86.FlagsModeOf(0x40))      // inc
	assert.Equal(t, x86.FlagsImmediate, x86.FlagsModeOf(0x11)) // adc reads CF
	assert.Equal(t, x86.FlagsImmediate, x86.FlagsModeOf(0xd1)) // shifts
	assert.Equal(t, x86.FlagsImmediate, x86.FlagsModeOf(0x10b))
	assert.Equal(t, "lazy", x86.FlagsLazy.String())
}

func TestEndsBlock(t *testing.T) {
	cases := []struct {
		code []byte
		ends bool
	}{
		{[]byte{0x01, 0xc8}, false},            // add eax, ecx
		{[]byte{0x74, 0x00}, true},             // jz
		{[]byte{0xc3}, true},                   // ret
		{[]byte{0xff, 0xc0}, false},            // inc eax via group 5
		{[]byte{0xff, 0xe0}, true},             // jmp eax
		{[]byte{0x0f, 0x22, 0xc0}, true},       // mov cr0, eax
		{[]byte{0x8e, 0xd0}, true},             // mov ss, ax
		{[]byte{0x9d}, true},                   // popf
		{[]byte{0xfb}, true},                   // sti
		{[]byte{0xfa}, false},                  // cli
		{[]byte{0xf4}, true},                   // hlt
		{[]byte{0xe2, 0xfe}, true},             // loop
		{[]byte{0xea, 0, 0, 0, 0, 8, 0}, true}, // jmp far
	}
	for _, tc := range cases {
		r := x86test.NewRig(t, 1<<20)
		r.LoadFlat(t, codeAddr, tc.code)
		in, err := x86.Decode(r.CPU, codeAddr, true)
		require.NoError(t, err, "%x", tc.code)
		assert.Equal(t, tc.ends, x86.EndsBlock(&in), "%x", tc.code)
	}
}

func TestKillsFlags(t *testing.T) {
	decode := func(code ...byte) x86.Inst {
		r := x86test.NewRig(t, 1<<20)
		r.LoadFlat(t, codeAddr, code)
		in, err := x86.Decode(r.CPU, codeAddr, true)
		require.NoError(t, err)
		return in
	}
	add := decode(0x83, 0xc0, 0x01)
	adc := decode(0x83, 0xd0, 0x01)
	inc := decode(0x40)
	assert.True(t, x86.KillsFlags(&add))
	assert.False(t, x86.KillsFlags(&adc))
	assert.False(t, x86.KillsFlags(&inc), "INC keeps CF")
}

// Compiled ops must leave the same state as interpretation, including the
// specialised emitters and instructions whose flags are marked dead.
func TestCompiledMatchesInterpreted(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0xfffffffe).
		Raw(0x40).                   // inc eax
		Raw(0x40).                   // inc eax
		Raw(0x48).                   // dec eax
		Raw(0x66, 0xb9, 0x03, 0x00). // mov cx, 3
		Raw(0x83, 0xc1, 0x05).       // add ecx, 5
		Raw(0x39, 0xc8).             // cmp eax, ecx
		Jcc8(0x2, "below").          // jb
		Hlt().
		Label("below").
		Hlt()
	code := a.Bytes()

	interp := x86test.NewRig(t, 1<<20)
	interp.LoadFlat(t, codeAddr, code)
	require.NoError(t, interp.RunUntilHalt(t, 100))

	comp := x86test.NewRig(t, 1<<20)
	comp.LoadFlat(t, codeAddr, code)
	for !comp.CPU.Halted {
		in, err := x86.Decode(comp.CPU, comp.CPU.EIP, true)
		require.NoError(t, err)
		if in.Opcode == 0x40 || in.Opcode == 0x48 {
			// each inc is followed by another inc/dec that rewrites
			// everything it produces
			in.NoFlags = in.Opcode == 0x40
		}
		op := x86.Emit(&in)
		require.NoError(t, op.Exec(comp.CPU))
	}
	assert.Equal(t, interp.CPU.Regs, comp.CPU.Regs)
	assert.Equal(t, interp.CPU.EIP, comp.CPU.EIP)
	assert.Equal(t, interp.CPU.Flags(), comp.CPU.Flags())
}

func TestDisassemble(t *testing.T) {
	lines := x86.Disassemble([]byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3, 0x0f}, 0x1000, true)
	require.Len(t, lines, 3)
	assert.Equal(t, uint32(0x1000), lines[0].Addr)
	assert.Contains(t, lines[0].Text, "mov eax")
	assert.Equal(t, "ret", lines[1].Text)
	assert.Equal(t, "db 0x0f", lines[2].Text)
	assert.Contains(t, x86.DisassembleString([]byte{0x90}, 0, false), "nop")
}

func TestOpcodesTable(t *testing.T) {
	ops := x86.Opcodes()
	assert.Contains(t, ops, uint16(0x01))
	assert.Contains(t, ops, uint16(0x1b6))
	assert.NotContains(t, ops, uint16(0x10b))
	assert.Nil(t, x86.Lookup(0x10b))
	assert.Equal(t, "hlt", x86.Lookup(0xf4).Name)
}
