package x86_test

import (
	"testing"

	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
	"github.com/colorfulnotion/dynarec/x86/x86test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeAddr = 0x1000

func runFlat(t *testing.T, code []byte) *x86test.Rig {
	t.Helper()
	r := x86test.NewRig(t, 1<<20)
	r.LoadFlat(t, codeAddr, code)
	require.NoError(t, r.RunUntilHalt(t, 10000))
	return r
}

func TestAddSetsCarryAndZero(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0xffffffff).
		Raw(0x83, 0xc0, 0x01). // add eax, 1
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint32(0), r.CPU.Regs[x86.EAX])
	f := r.CPU.Flags()
	assert.NotZero(t, f&x86.FlagCF)
	assert.NotZero(t, f&x86.FlagZF)
	assert.Zero(t, f&x86.FlagOF)
	assert.NotZero(t, f&0x2, "reserved bit 1 reads as one")
}

func TestSignedOverflow(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0x7fffffff).
		Raw(0x40). // inc eax
		Hlt()
	r := runFlat(t, a.Bytes())
	f := r.CPU.Flags()
	assert.NotZero(t, f&x86.FlagOF)
	assert.NotZero(t, f&x86.FlagSF)
	assert.NotZero(t, f&x86.FlagAF)
}

func TestIncPreservesCarry(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		Raw(0xf9). // stc
		Raw(0x41). // inc ecx
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.NotZero(t, r.CPU.Flags()&x86.FlagCF)
	assert.Equal(t, uint32(1), r.CPU.Regs[x86.ECX])
}

func TestLoopSum(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.ECX, 10).
		Raw(0x31, 0xc0). // xor eax, eax
		Label("top").
		Raw(0x01, 0xc8). // add eax, ecx
		Loop("top").
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint32(55), r.CPU.Regs[x86.EAX])
	assert.Equal(t, uint32(0), r.CPU.Regs[x86.ECX])
}

func TestConditionalBranches(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 5).
		Raw(0x83, 0xf8, 0x07). // cmp eax, 7
		Jcc8(0xc, "less").     // jl
		MovImm32(x86.EBX, 1).
		Hlt().
		Label("less").
		Raw(0x83, 0xf8, 0x05). // cmp eax, 5
		Jcc8(0x5, "bad").      // jne
		MovImm32(x86.EBX, 2).
		Hlt().
		Label("bad").
		MovImm32(x86.EBX, 3).
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint32(2), r.CPU.Regs[x86.EBX])
}

func TestCallRetAndStack(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0x1234).
		Raw(0x50). // push eax
		Call32("fn").
		Raw(0x5b). // pop ebx
		Hlt().
		Label("fn").
		MovImm32(x86.ECX, 0x99).
		Raw(0xc3)
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint32(0x1234), r.CPU.Regs[x86.EBX])
	assert.Equal(t, uint32(0x99), r.CPU.Regs[x86.ECX])
	assert.Equal(t, uint32(0x9000), r.CPU.Regs[x86.ESP])
}

func TestShiftsAndRotates(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0x80000001).
		Raw(0xc1, 0xe0, 0x04). // shl eax, 4
		MovImm32(x86.EBX, 0x80000000).
		Raw(0xd1, 0xfb). // sar ebx, 1
		MovImm32(x86.ECX, 0x80000001).
		Raw(0xd1, 0xc1). // rol ecx, 1
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint32(0x10), r.CPU.Regs[x86.EAX])
	assert.Equal(t, uint32(0xc0000000), r.CPU.Regs[x86.EBX])
	assert.Equal(t, uint32(0x3), r.CPU.Regs[x86.ECX])
	assert.NotZero(t, r.CPU.Flags()&x86.FlagCF)
}

func TestMulDiv(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 0x10000).
		MovImm32(x86.ECX, 0x10000).
		Raw(0xf7, 0xe1). // mul ecx
		MovImm32(x86.EBX, 7).
		Raw(0xf7, 0xf3). // div ebx
		Hlt()
	r := runFlat(t, a.Bytes())
	// 0x100000000 / 7
	assert.Equal(t, uint32(0x24924924), r.CPU.Regs[x86.EAX])
	assert.Equal(t, uint32(4), r.CPU.Regs[x86.EDX])
}

func TestDivideErrorRollsBack(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EAX, 5).
		Raw(0x31, 0xc9). // xor ecx, ecx
		Label("div").
		Raw(0xf7, 0xf1). // div ecx
		Hlt()
	r := x86test.NewRig(t, 1<<20)
	r.LoadFlat(t, codeAddr, a.Bytes())
	err := r.RunUntilHalt(t, 100)
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecDE), f.Vector)
	assert.Equal(t, uint32(codeAddr+7), r.CPU.EIP, "EIP stays on the faulting instruction")
	assert.Equal(t, uint32(5), r.CPU.Regs[x86.EAX])
}

func TestUndefinedOpcode(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	r.LoadFlat(t, codeAddr, []byte{0x0f, 0x0b}) // ud2
	_, err := r.CPU.Step()
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecUD), f.Vector)
	assert.Equal(t, uint32(codeAddr), r.CPU.EIP)
}

func TestRepMovsb(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		Raw(0xfc). // cld
		MovImm32(x86.ESI, 0x4000).
		MovImm32(x86.EDI, 0x5000).
		MovImm32(x86.ECX, 5).
		Raw(0xf3, 0xa4). // rep movsb
		Hlt()
	r := x86test.NewRig(t, 1<<20)
	require.NoError(t, r.Mem.WriteBlock(0x4000, []byte("hello")))
	r.LoadFlat(t, codeAddr, a.Bytes())
	require.NoError(t, r.RunUntilHalt(t, 100))
	buf := make([]byte, 5)
	r.Mem.ReadBlock(0x5000, buf)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, uint32(0), r.CPU.Regs[x86.ECX])
	assert.Equal(t, uint32(0x4005), r.CPU.Regs[x86.ESI])
}

func TestRepneScasb(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		Raw(0xfc).
		MovImm32(x86.EDI, 0x4000).
		MovImm32(x86.ECX, 0x100).
		Raw(0xb0, 0x00). // mov al, 0
		Raw(0xf2, 0xae). // repne scasb
		Hlt()
	r := x86test.NewRig(t, 1<<20)
	require.NoError(t, r.Mem.WriteBlock(0x4000, []byte("abc\x00")))
	r.LoadFlat(t, codeAddr, a.Bytes())
	require.NoError(t, r.RunUntilHalt(t, 100))
	assert.Equal(t, uint32(0x4004), r.CPU.Regs[x86.EDI])
	assert.Equal(t, uint32(0x100-4), r.CPU.Regs[x86.ECX])
}

func TestFPUTop(t *testing.T) {
	a := x86test.NewAsm(codeAddr).
		Raw(0xdb, 0xe3). // fninit
		Raw(0xd9, 0xf6). // fdecstp
		Raw(0xd9, 0xf6). // fdecstp
		Raw(0xd9, 0xf7). // fincstp
		Hlt()
	r := runFlat(t, a.Bytes())
	assert.Equal(t, uint8(7), r.CPU.FPUTop)
}

func TestRealModeInterrupt(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	// IVT entry 0x21 -> 0000:0x2000
	r.Mem.Write16(0x21*4, 0x2000)
	r.Mem.Write16(0x21*4+2, 0)
	require.NoError(t, r.Mem.WriteBlock(0x2000, []byte{0xbb, 0x42, 0x00, 0xcf})) // mov bx, 0x42; iret
	a := x86test.NewAsm(codeAddr).
		Raw(0xfb).       // sti
		Raw(0xcd, 0x21). // int 0x21
		Hlt()
	r.LoadReal(t, codeAddr, a.Bytes())
	_, err := r.CPU.Step()
	require.NoError(t, err)
	_, err = r.CPU.Step()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000), r.CPU.EIP)
	assert.Zero(t, r.CPU.Flags()&x86.FlagIF, "delivery clears IF")
	assert.Equal(t, uint32(0x7000-6), r.CPU.Regs[x86.ESP])

	require.NoError(t, r.RunUntilHalt(t, 10))
	assert.Equal(t, uint32(0x42), r.CPU.Regs[x86.EBX])
	assert.NotZero(t, r.CPU.Flags()&x86.FlagIF, "iret restores IF")
	assert.Equal(t, uint32(0x7000), r.CPU.Regs[x86.ESP])
}

func writeDescriptor(m *memory.PhysicalMemory, addr uint32, base, limit uint32, access, flags byte) {
	m.Write16(addr, uint16(limit))
	m.Write16(addr+2, uint16(base))
	m.Write8(addr+4, uint8(base>>16))
	m.Write8(addr+5, access)
	m.Write8(addr+6, flags|uint8(limit>>16)&0xf)
	m.Write8(addr+7, uint8(base>>24))
}

func TestSegmentLoadFromGDT(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	const gdt = 0x3000
	writeDescriptor(r.Mem, gdt+0x08, 0, 0xfffff, 0x9a, 0xc0)      // code
	writeDescriptor(r.Mem, gdt+0x10, 0x20000, 0xffff, 0x92, 0x40) // data at 0x20000
	writeDescriptor(r.Mem, gdt+0x18, 0, 0xffff, 0x12, 0x40)       // data, not present
	a := x86test.NewAsm(codeAddr).
		Raw(0x66).MovImm16(x86.EAX, 0x10).
		Raw(0x8e, 0xd8).     // mov ds, ax
		Raw(0xa1).U32(0x10). // mov eax, [0x10]
		Raw(0x66).MovImm16(x86.EBX, 0x18).
		Raw(0x8e, 0xc3). // mov es, bx
		Hlt()
	r.Mem.Write32(0x20010, 0xcafef00d)
	r.LoadFlat(t, codeAddr, a.Bytes())
	r.CPU.GDTR = x86.DescTable{Base: gdt, Limit: 0x1f}

	err := r.RunUntilHalt(t, 10)
	assert.Equal(t, uint32(0xcafef00d), r.CPU.Regs[x86.EAX])
	assert.Equal(t, uint32(0x20000), r.CPU.Seg[x86.DS].Base)
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecNP), f.Vector)
	assert.Equal(t, uint32(0x18), f.Code)
}

func TestPageFaultLatchesCR2(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	const pd, pt = 0x10000, 0x11000
	// identity-map the first 4 MiB except page 0x50
	r.Mem.Write32(pd, pt|0x3)
	for i := uint32(0); i < 1024; i++ {
		if i != 0x50 {
			r.Mem.Write32(pt+i*4, i<<12|0x3)
		}
	}
	a := x86test.NewAsm(codeAddr).
		MovImm32(x86.EBX, 7).
		Raw(0xa3).U32(0x50010). // mov [0x50010], eax
		Hlt()
	r.LoadFlat(t, codeAddr, a.Bytes())
	r.CPU.SetControl(r.CPU.CR0|memory.CR0PG, pd, 0)

	err := r.RunUntilHalt(t, 10)
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecPF), f.Vector)
	assert.Equal(t, uint32(0x50010), r.CPU.CR2)
	assert.NotZero(t, f.Code&memory.PFWrite)
	assert.Equal(t, uint32(codeAddr+5), r.CPU.EIP)
}

func TestProtectedModeInterruptGate(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	const gdt, idt = 0x3000, 0x3800
	writeDescriptor(r.Mem, gdt+0x08, 0, 0xfffff, 0x9a, 0xc0)
	// 32-bit interrupt gate for vector 0x30 -> 0x08:0x2000
	r.Mem.Write16(idt+0x30*8, 0x2000)
	r.Mem.Write16(idt+0x30*8+2, 0x08)
	r.Mem.Write8(idt+0x30*8+5, 0x8e)
	require.NoError(t, r.Mem.WriteBlock(0x2000, []byte{0xcf})) // iretd
	a := x86test.NewAsm(codeAddr).
		Raw(0xfb).       // sti
		Raw(0xcd, 0x30). // int 0x30
		Hlt()
	r.LoadFlat(t, codeAddr, a.Bytes())
	r.CPU.GDTR = x86.DescTable{Base: gdt, Limit: 0x0f}
	r.CPU.IDTR = x86.DescTable{Base: idt, Limit: 0x7ff}

	for i := 0; i < 2; i++ {
		_, err := r.CPU.Step()
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(0x2000), r.CPU.EIP)
	assert.Zero(t, r.CPU.Flags()&x86.FlagIF)
	assert.Equal(t, uint32(0x9000-12), r.CPU.Regs[x86.ESP])

	require.NoError(t, r.RunUntilHalt(t, 10))
	assert.Equal(t, uint32(0x9000), r.CPU.Regs[x86.ESP])
	assert.NotZero(t, r.CPU.Flags()&x86.FlagIF)
}

func TestExceptionPushesErrorCode(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	const gdt, idt = 0x3000, 0x3800
	writeDescriptor(r.Mem, gdt+0x08, 0, 0xfffff, 0x9a, 0xc0)
	r.Mem.Write16(idt+13*8, 0x2000)
	r.Mem.Write16(idt+13*8+2, 0x08)
	r.Mem.Write8(idt+13*8+5, 0x8e)
	r.LoadFlat(t, codeAddr, []byte{0xf4})
	r.CPU.GDTR = x86.DescTable{Base: gdt, Limit: 0x0f}
	r.CPU.IDTR = x86.DescTable{Base: idt, Limit: 0x7ff}

	require.NoError(t, r.CPU.RaiseException(&x86.Fault{Vector: x86.VecGP, Code: 0x18, HasCode: true}))
	assert.Equal(t, uint32(0x9000-16), r.CPU.Regs[x86.ESP])
	code, err := r.CPU.ReadLinear(0x9000-16, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x18), code)
}

func TestFailedDeliveryKeepsRegisters(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	r.LoadFlat(t, codeAddr, []byte{0xf4})
	r.CPU.IDTR = x86.DescTable{Base: 0x3800, Limit: 0x7ff} // every gate absent
	before := r.CPU.State()
	err := r.CPU.Interrupt(0x30, 0, false)
	f, ok := x86.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, uint8(x86.VecGP), f.Vector, "zero descriptor has no valid gate type")
	assert.Equal(t, before, r.CPU.State())
}

func TestStatusBits(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	assert.Equal(t, uint32(0), r.CPU.Status())
	r.CPU.SetFlatSegments(0x08, 0x10)
	assert.Equal(t, uint32(x86.StatusOp32|x86.StatusStack32|x86.StatusPMode), r.CPU.Status())
}

func TestResetState(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	r.CPU.Regs[x86.EAX] = 5
	r.CPU.Reset()
	assert.Equal(t, uint32(0xfff0), r.CPU.EIP)
	assert.Equal(t, uint32(0xffff0000), r.CPU.Seg[x86.CS].Base)
	assert.Equal(t, uint32(0), r.CPU.Regs[x86.EAX])
	assert.Equal(t, uint32(0x2), r.CPU.Flags())
}

func TestFarCallRejectsSelectorBeforePushing(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   byte
		sel  uint16
	}{
		{"call past gdt limit", 0x1d, 0x18},
		{"call to data segment", 0x1d, 0x10},
		{"jmp past gdt limit", 0x2d, 0x18},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := x86test.NewRig(t, 1<<20)
			const gdt, ptr = 0x3000, 0x5000
			writeDescriptor(r.Mem, gdt+0x08, 0, 0xfffff, 0x9a, 0xc0)
			writeDescriptor(r.Mem, gdt+0x10, 0, 0xfffff, 0x92, 0xc0)
			r.Mem.Write32(ptr, 0x2000)
			r.Mem.Write16(ptr+4, tc.sel)
			r.Mem.Write32(0x9000-4, 0x11111111)
			r.Mem.Write32(0x9000-8, 0x22222222)
			a := x86test.NewAsm(codeAddr).Raw(0xff, tc.op).U32(ptr).Hlt()
			r.LoadFlat(t, codeAddr, a.Bytes())
			r.CPU.GDTR = x86.DescTable{Base: gdt, Limit: 0x17}
			cs := r.CPU.Seg[x86.CS]

			_, err := r.CPU.Step()
			f, ok := x86.AsFault(err)
			require.True(t, ok)
			assert.Equal(t, uint8(x86.VecGP), f.Vector)
			assert.Equal(t, uint32(codeAddr), r.CPU.EIP)
			assert.Equal(t, uint32(0x9000), r.CPU.Regs[x86.ESP])
			assert.Equal(t, cs, r.CPU.Seg[x86.CS])
			assert.Equal(t, uint32(0x11111111), r.Mem.Read32(0x9000-4), "stack untouched")
			assert.Equal(t, uint32(0x22222222), r.Mem.Read32(0x9000-8), "stack untouched")
		})
	}
}

func TestInterruptShadow(t *testing.T) {
	r := x86test.NewRig(t, 1<<20)
	code := []byte{
		0x8e, 0xd0, // mov ss, ax
		0x90,
		0xfb, // sti with IF already set
		0x90,
		0xf4,
	}
	r.LoadReal(t, codeAddr, code)
	r.CPU.SetFlags(x86.FlagIF)

	_, err := r.CPU.Step()
	require.NoError(t, err)
	assert.True(t, r.CPU.InterruptShadow())
	assert.False(t, r.CPU.AcceptsInterrupt())

	_, err = r.CPU.Step()
	require.NoError(t, err)
	assert.False(t, r.CPU.InterruptShadow())
	assert.True(t, r.CPU.AcceptsInterrupt())

	_, err = r.CPU.Step()
	require.NoError(t, err)
	assert.False(t, r.CPU.InterruptShadow(), "sti only shadows when it sets IF")
}
