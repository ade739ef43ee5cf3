// Package x86test builds small guest programs and CPUs for tests.
package x86test

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
	"github.com/stretchr/testify/require"
)

// Asm is a byte-level program builder with forward and backward labels.
type Asm struct {
	Org    uint32
	buf    []byte
	labels map[string]uint32
	fixups []fixup
}

type fixup struct {
	at    int
	size  int
	label string
}

func NewAsm(org uint32) *Asm {
	return &Asm{Org: org, labels: make(map[string]uint32)}
}

// PC is the address of the next emitted byte.
func (a *Asm) PC() uint32 {
	return a.Org + uint32(len(a.buf))
}

func (a *Asm) Label(name string) *Asm {
	a.labels[name] = a.PC()
	return a
}

func (a *Asm) Raw(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Asm) U16(v uint16) *Asm {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, v)
	return a
}

func (a *Asm) U32(v uint32) *Asm {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

// Pad emits n one-byte NOPs.
func (a *Asm) Pad(n int) *Asm {
	for i := 0; i < n; i++ {
		a.buf = append(a.buf, 0x90)
	}
	return a
}

// MovImm32 is MOV r32, imm32 in 32-bit code.
func (a *Asm) MovImm32(reg int, v uint32) *Asm {
	return a.Raw(0xb8 + byte(reg)).U32(v)
}

// MovImm16 is MOV r16, imm16 in 16-bit code.
func (a *Asm) MovImm16(reg int, v uint16) *Asm {
	return a.Raw(0xb8 + byte(reg)).U16(v)
}

func (a *Asm) rel8(op byte, label string) *Asm {
	a.Raw(op)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 1, label: label})
	return a.Raw(0)
}

func (a *Asm) Jcc8(cc byte, label string) *Asm { return a.rel8(0x70+cc, label) }
func (a *Asm) Jmp8(label string) *Asm          { return a.rel8(0xeb, label) }
func (a *Asm) Loop(label string) *Asm          { return a.rel8(0xe2, label) }

// Call32 is CALL rel32 in 32-bit code.
func (a *Asm) Call32(label string) *Asm {
	a.Raw(0xe8)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 4, label: label})
	return a.U32(0)
}

// Jcc32 is the rel32 form of a conditional jump in 32-bit code.
func (a *Asm) Jcc32(cc byte, label string) *Asm {
	a.Raw(0x0f, 0x80+cc)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 4, label: label})
	return a.U32(0)
}

// Jmp32 is JMP rel32 in 32-bit code.
func (a *Asm) Jmp32(label string) *Asm {
	a.Raw(0xe9)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), size: 4, label: label})
	return a.U32(0)
}

func (a *Asm) Hlt() *Asm { return a.Raw(0xf4) }

// Bytes resolves label references and returns the program.
func (a *Asm) Bytes() []byte {
	out := append([]byte(nil), a.buf...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic(fmt.Sprintf("x86test: undefined label %q", f.label))
		}
		rel := int64(target) - int64(a.Org) - int64(f.at+f.size)
		switch f.size {
		case 1:
			if rel < -128 || rel > 127 {
				panic(fmt.Sprintf("x86test: label %q out of rel8 range", f.label))
			}
			out[f.at] = byte(int8(rel))
		case 4:
			binary.LittleEndian.PutUint32(out[f.at:], uint32(int32(rel)))
		}
	}
	return out
}

// Rig is a CPU wired to its own RAM.
type Rig struct {
	Mem *memory.PhysicalMemory
	MMU *memory.Translator
	CPU *x86.CPU
}

// NewRig builds a CPU with size bytes of RAM and no devices.
func NewRig(t testing.TB, size uint32) *Rig {
	t.Helper()
	mem, err := memory.NewPhysicalMemory(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	mmu := memory.NewTranslator(mem)
	return &Rig{Mem: mem, MMU: mmu, CPU: x86.NewCPU(mmu, nil)}
}

// LoadFlat places code at addr and points a flat 32-bit CPU at it.
func (r *Rig) LoadFlat(t testing.TB, addr uint32, code []byte) {
	t.Helper()
	require.NoError(t, r.Mem.WriteBlock(addr, code))
	r.CPU.SetFlatSegments(0x08, 0x10)
	r.CPU.EIP = addr
	r.CPU.Regs[x86.ESP] = 0x9000
}

// FlatGDT writes a GDT at addr holding the selectors LoadFlat uses: flat
// 32-bit code at 0x08 and flat data at 0x10.
func (r *Rig) FlatGDT(addr uint32) {
	r.Mem.Write32(addr, 0)
	r.Mem.Write32(addr+4, 0)
	r.Mem.Write32(addr+8, 0x0000ffff)
	r.Mem.Write32(addr+12, 0x00cf9a00)
	r.Mem.Write32(addr+16, 0x0000ffff)
	r.Mem.Write32(addr+20, 0x00cf9200)
	r.CPU.GDTR = x86.DescTable{Base: addr, Limit: 0x17}
}

// LoadReal places code at linear addr and points a real-mode CPU at it with CS=0.
func (r *Rig) LoadReal(t testing.TB, addr uint32, code []byte) {
	t.Helper()
	require.NoError(t, r.Mem.WriteBlock(addr, code))
	for s := x86.ES; s <= x86.GS; s++ {
		r.CPU.SetRealModeSegment(s, 0)
	}
	r.CPU.EIP = addr
	r.CPU.Regs[x86.ESP] = 0x7000
}

// RunUntilHalt interprets until HLT or a fault, with a step limit.
func (r *Rig) RunUntilHalt(t testing.TB, limit int) error {
	t.Helper()
	for i := 0; i < limit; i++ {
		if r.CPU.Halted {
			return nil
		}
		if _, err := r.CPU.Step(); err != nil {
			return err
		}
	}
	t.Fatalf("no HLT after %d instructions", limit)
	return nil
}
