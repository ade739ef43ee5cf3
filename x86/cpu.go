package x86

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/memory"
)

// General purpose register indices, in ModRM encoding order.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// Segment register indices, in ModRM encoding order.
const (
	ES = iota
	CS
	SS
	DS
	FS
	GS
)

var regNames32 = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
var segNames = [6]string{"es", "cs", "ss", "ds", "fs", "gs"}

// Status bits describe the execution mode a block was decoded under.
const (
	StatusOp32    = 1 << 0 // CS default operand/address size is 32-bit
	StatusStack32 = 1 << 1 // SS B bit: ESP rather than SP
	StatusPMode   = 1 << 2 // CR0.PE
)

// Segment is a segment register with its cached descriptor.
type Segment struct {
	Selector uint16 `json:"selector"`
	Base     uint32 `json:"base"`
	Limit    uint32 `json:"limit"`
	Big      bool   `json:"big"`
}

// DescTable is GDTR or IDTR.
type DescTable struct {
	Base  uint32 `json:"base"`
	Limit uint16 `json:"limit"`
}

// CPU is the architectural state of one guest 386 plus its bus connections.
type CPU struct {
	Regs  [8]uint32
	EIP   uint32
	flags uint32
	lazy  lazyFlags
	Seg   [6]Segment

	CR0, CR2, CR3, CR4 uint32
	GDTR, IDTR         DescTable

	// FPUTop is the x87 stack top; only FNINIT/FINCSTP/FDECSTP touch it.
	FPUTop uint8

	Halted bool
	// shadow holds off maskable interrupts until the instruction after STI,
	// MOV SS or POP SS has run.
	shadow bool

	Cycles       uint64
	Instructions uint64

	mem *memory.PhysicalMemory
	mmu *memory.Translator
	io  IOBus
}

func NewCPU(mmu *memory.Translator, io IOBus) *CPU {
	c := &CPU{mem: mmu.Memory(), mmu: mmu, io: io}
	c.Reset()
	return c
}

// Reset puts the CPU in its power-on state: real mode at F000:FFF0.
func (c *CPU) Reset() {
	c.Regs = [8]uint32{}
	c.Regs[EDX] = 0x0308 // 386DX stepping
	c.SetFlags(0)
	for i := range c.Seg {
		c.Seg[i] = Segment{Limit: 0xffff}
	}
	c.Seg[CS] = Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff}
	c.EIP = 0xfff0
	c.CR0, c.CR2, c.CR3, c.CR4 = 0, 0, 0, 0
	c.GDTR = DescTable{}
	c.IDTR = DescTable{Limit: 0x3ff}
	c.FPUTop = 0
	c.Halted = false
	c.shadow = false
	c.syncControl()
}

// Translator returns the address translator the CPU fetches through.
func (c *CPU) Translator() *memory.Translator {
	return c.mmu
}

func (c *CPU) Memory() *memory.PhysicalMemory {
	return c.mem
}

func (c *CPU) SetIOBus(io IOBus) {
	c.io = io
}

func (c *CPU) syncControl() {
	c.mmu.SetControl(c.CR0, c.CR3, c.CR4)
}

// SetControl writes CR0, CR3 and CR4 together and updates the translator.
func (c *CPU) SetControl(cr0, cr3, cr4 uint32) {
	c.CR0, c.CR3, c.CR4 = cr0|0x10, cr3, cr4
	c.syncControl()
}

// ProtectedMode reports CR0.PE.
func (c *CPU) ProtectedMode() bool {
	return c.CR0&memory.CR0PE != 0
}

// Status returns the mode bits that take part in block identity.
func (c *CPU) Status() uint32 {
	var s uint32
	if c.Seg[CS].Big {
		s |= StatusOp32
	}
	if c.Seg[SS].Big {
		s |= StatusStack32
	}
	if c.ProtectedMode() {
		s |= StatusPMode
	}
	return s
}

// PC returns the flat linear address of the next instruction.
func (c *CPU) PC() uint32 {
	return c.Seg[CS].Base + c.EIP
}

// SetRealModeSegment loads a segment register the way real mode does.
func (c *CPU) SetRealModeSegment(seg int, sel uint16) {
	c.Seg[seg] = Segment{Selector: sel, Base: uint32(sel) << 4, Limit: 0xffff}
}

// SetFlatSegments loads flat 4 GiB 32-bit segments for every segment register
// and enters protected mode, as a boot loader would before jumping to a kernel.
func (c *CPU) SetFlatSegments(codeSel, dataSel uint16) {
	c.CR0 |= memory.CR0PE
	c.syncControl()
	for i := range c.Seg {
		sel := dataSel
		if i == CS {
			sel = codeSel
		}
		c.Seg[i] = Segment{Selector: sel, Base: 0, Limit: 0xffffffff, Big: true}
	}
}

func (c *CPU) reg8(i uint8) uint8 {
	if i < 4 {
		return uint8(c.Regs[i])
	}
	return uint8(c.Regs[i-4] >> 8)
}

func (c *CPU) setReg8(i uint8, v uint8) {
	if i < 4 {
		c.Regs[i] = c.Regs[i]&^0xff | uint32(v)
		return
	}
	c.Regs[i-4] = c.Regs[i-4]&^0xff00 | uint32(v)<<8
}

// reg reads a register of the given operand size (1, 2 or 4 bytes).
func (c *CPU) reg(size int, i uint8) uint32 {
	switch size {
	case 1:
		return uint32(c.reg8(i))
	case 2:
		return c.Regs[i] & 0xffff
	default:
		return c.Regs[i]
	}
}

// setReg writes a register; 16-bit writes preserve the upper half.
func (c *CPU) setReg(size int, i uint8, v uint32) {
	switch size {
	case 1:
		c.setReg8(i, uint8(v))
	case 2:
		c.Regs[i] = c.Regs[i]&^0xffff | v&0xffff
	default:
		c.Regs[i] = v
	}
}

// RegState is the guest-visible register file, used for comparisons and reports.
type RegState struct {
	Regs   [8]uint32  `json:"regs"`
	EIP    uint32     `json:"eip"`
	EFLAGS uint32     `json:"eflags"`
	Seg    [6]Segment `json:"seg"`
	CR0    uint32     `json:"cr0"`
	CR2    uint32     `json:"cr2"`
	CR3    uint32     `json:"cr3"`
	FPUTop uint8      `json:"fpu_top"`
	Halted bool       `json:"halted"`
}

func (c *CPU) State() RegState {
	return RegState{
		Regs:   c.Regs,
		EIP:    c.EIP,
		EFLAGS: c.Flags(),
		Seg:    c.Seg,
		CR0:    c.CR0,
		CR2:    c.CR2,
		CR3:    c.CR3,
		FPUTop: c.FPUTop,
		Halted: c.Halted,
	}
}

func (s RegState) String() string {
	out := ""
	for i, r := range s.Regs {
		out += fmt.Sprintf("%s=%08x ", regNames32[i], r)
	}
	out += fmt.Sprintf("eip=%08x eflags=%08x", s.EIP, s.EFLAGS)
	for i, sg := range s.Seg {
		out += fmt.Sprintf(" %s=%04x", segNames[i], sg.Selector)
	}
	return out
}

// snapshot is the register state restored when an instruction faults.
type snapshot struct {
	regs   [8]uint32
	eip    uint32
	flags  uint32
	lazy   lazyFlags
	seg    [6]Segment
	fpuTop uint8
	cr     [3]uint32 // CR0, CR3, CR4; CR2 is latched by the fault itself
}

func (c *CPU) save() snapshot {
	return snapshot{regs: c.Regs, eip: c.EIP, flags: c.flags, lazy: c.lazy, seg: c.Seg, fpuTop: c.FPUTop, cr: [3]uint32{c.CR0, c.CR3, c.CR4}}
}

func (c *CPU) restore(s *snapshot) {
	c.Regs, c.EIP, c.flags, c.lazy = s.regs, s.eip, s.flags, s.lazy
	c.Seg, c.FPUTop = s.seg, s.fpuTop
	if s.cr != [3]uint32{c.CR0, c.CR3, c.CR4} {
		c.SetControl(s.cr[0], s.cr[1], s.cr[2])
	}
}
