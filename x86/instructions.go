package x86

import "fmt"

// Operand format bits of an opcode table entry.
const (
	fModRM uint16 = 1 << iota
	fImm8
	fImm8S // imm8 sign-extended to the operand size
	fImm16
	fImmV // imm16 or imm32 by operand size
	fRel8
	fRelV
	fMoffs
	fFarPtr
	fImm16Imm8
	fGroupImm // F6/F7: TEST carries an immediate, the rest do not
)

// Class tells the block builder how an instruction affects control flow.
type Class uint8

const (
	ClassLinear    Class = iota // falls through to the next instruction
	ClassBranch                 // may transfer control; ends a block
	ClassSerialize              // changes mode, translation or the interrupt window; ends a block
	classGroup5                 // FF: branch for CALL/JMP forms, linear otherwise
)

// Handler executes one decoded instruction. EIP already points at the next instruction.
type Handler func(c *CPU, in *Inst) error

// EmitFunc binds a decoded instruction to the operation the compiled block will run.
type EmitFunc func(in *Inst) CompiledOp

// OpInfo describes one opcode.
type OpInfo struct {
	Name       string
	Format     uint16
	Interpret  Handler
	Emit       EmitFunc
	Flags      FlagsMode
	KillsFlags bool // overwrites every arithmetic flag without reading any
	Cycles     uint8
	Class      Class
}

var opTable [512]OpInfo

// CompiledOp is one guest instruction of a compiled block: the handler with its
// operands already decoded. Blocks hold these in the code arena.
type CompiledOp struct {
	run    Handler
	inst   Inst
	cycles uint8
}

// Inst returns the decoded instruction the op was compiled from.
func (o *CompiledOp) Inst() *Inst {
	return &o.inst
}

// Exec runs the op with instruction-boundary commit semantics.
func (o *CompiledOp) Exec(c *CPU) error {
	return c.execute(&o.inst, o.run, o.cycles)
}

// Lookup returns the table entry for opcode, or nil if it is not implemented.
func Lookup(opcode uint16) *OpInfo {
	if int(opcode) >= len(opTable) || opTable[opcode].Interpret == nil {
		return nil
	}
	return &opTable[opcode]
}

// Opcodes lists every implemented opcode.
func Opcodes() []uint16 {
	var ops []uint16
	for i := range opTable {
		if opTable[i].Interpret != nil {
			ops = append(ops, uint16(i))
		}
	}
	return ops
}

// FlagsModeOf answers whether opcode's flag results may be deferred.
func FlagsModeOf(opcode uint16) FlagsMode {
	if info := Lookup(opcode); info != nil {
		return info.Flags
	}
	return FlagsImmediate
}

// Emit compiles a decoded instruction using its opcode's emit hook.
func Emit(in *Inst) CompiledOp {
	return opTable[in.Opcode].Emit(in)
}

// EndsBlock reports whether a block must stop after in.
func EndsBlock(in *Inst) bool {
	switch opTable[in.Opcode].Class {
	case ClassLinear:
		return false
	case classGroup5:
		return in.Reg >= 2 && in.Reg <= 5
	}
	return true
}

// KillsFlags reports whether in overwrites every arithmetic flag without reading them.
func KillsFlags(in *Inst) bool {
	info := &opTable[in.Opcode]
	if !info.KillsFlags {
		return false
	}
	if in.Opcode >= 0x80 && in.Opcode <= 0x83 {
		return in.Reg != 2 && in.Reg != 3 // ADC and SBB read CF
	}
	return true
}

// Run interprets a decoded instruction.
func (c *CPU) Run(in *Inst) error {
	info := &opTable[in.Opcode]
	return c.execute(in, info.Interpret, info.Cycles)
}

// Step decodes and interprets the instruction at CS:EIP.
func (c *CPU) Step() (Inst, error) {
	in, err := Decode(c, c.EIP, c.Seg[CS].Big)
	if err != nil {
		return in, err
	}
	return in, c.Run(&in)
}

// execute runs h for in. On a fault the registers, segments and EIP are
// rolled back to the start of the instruction, so state is only ever
// committed whole.
func (c *CPU) execute(in *Inst, h Handler, cycles uint8) error {
	snap := c.save()
	c.shadow = false
	c.EIP = in.Next()
	if err := h(c, in); err != nil {
		if f, ok := err.(*Fault); ok && f.keepRegs {
			c.EIP = in.Addr
			return err
		}
		c.restore(&snap)
		return err
	}
	c.Cycles += uint64(cycles)
	c.Instructions++
	return nil
}

func emitBound(h Handler, cycles uint8) EmitFunc {
	return func(in *Inst) CompiledOp {
		return CompiledOp{run: h, inst: *in, cycles: cycles}
	}
}

func def(op uint16, name string, format uint16, cycles uint8, h Handler) *OpInfo {
	if opTable[op].Interpret != nil {
		panic(fmt.Sprintf("x86: opcode %#x defined twice", op))
	}
	opTable[op] = OpInfo{Name: name, Format: format, Interpret: h, Emit: emitBound(h, cycles), Cycles: cycles}
	return &opTable[op]
}

func (o *OpInfo) lazy(kills bool) *OpInfo {
	o.Flags = FlagsLazy
	o.KillsFlags = kills
	return o
}

func (o *OpInfo) class(cl Class) *OpInfo {
	o.Class = cl
	return o
}

func (o *OpInfo) emit(e EmitFunc) *OpInfo {
	o.Emit = e
	return o
}

var aluNames = [8]string{"add", "or", "adc", "sbb", "and", "sub", "xor", "cmp"}

func init() {
	for k := uint16(0); k < 8; k++ {
		base := k << 3
		kills := k != aluADC && k != aluSBB
		name := aluNames[k]
		def(base+0, name, fModRM, 2, opALU).lazy(kills)
		def(base+1, name, fModRM, 2, opALU).lazy(kills)
		def(base+2, name, fModRM, 2, opALU).lazy(kills)
		def(base+3, name, fModRM, 2, opALU).lazy(kills)
		def(base+4, name, fImm8, 2, opALU).lazy(kills)
		def(base+5, name, fImmV, 2, opALU).lazy(kills)
		if k == aluADC || k == aluSBB {
			for i := uint16(0); i < 6; i++ {
				opTable[base+i].Flags = FlagsImmediate
			}
		}
	}
	def(0x06, "push es", 0, 2, opPushSeg)
	def(0x07, "pop es", 0, 7, opPopSeg)
	def(0x0e, "push cs", 0, 2, opPushSeg)
	def(0x16, "push ss", 0, 2, opPushSeg)
	def(0x17, "pop ss", 0, 7, opPopSeg).class(ClassSerialize)
	def(0x1e, "push ds", 0, 2, opPushSeg)
	def(0x1f, "pop ds", 0, 7, opPopSeg)

	for r := uint16(0); r < 8; r++ {
		def(0x40+r, "inc", 0, 2, opIncReg).lazy(false).emit(emitIncDecReg)
		def(0x48+r, "dec", 0, 2, opDecReg).lazy(false).emit(emitIncDecReg)
		def(0x50+r, "push", 0, 2, opPushReg)
		def(0x58+r, "pop", 0, 4, opPopReg)
		def(0x90+r, "xchg", 0, 3, opXchgAcc)
		def(0xb0+r, "mov", fImm8, 2, opMovRegImm8)
		def(0xb8+r, "mov", fImmV, 2, opMovRegImm).emit(emitMovRegImm)
	}
	opTable[0x90].Name = "nop"

	def(0x60, "pusha", 0, 18, opPusha)
	def(0x61, "popa", 0, 24, opPopa)
	def(0x68, "push", fImmV, 2, opPushImm)
	def(0x69, "imul", fModRM|fImmV, 22, opImul3)
	def(0x6a, "push", fImm8S, 2, opPushImm)
	def(0x6b, "imul", fModRM|fImm8S, 22, opImul3)

	for cc := uint16(0); cc < 16; cc++ {
		def(0x70+cc, "jcc", fRel8, 7, opJcc).class(ClassBranch).emit(emitJcc)
		def(0x180+cc, "jcc", fRelV, 7, opJcc).class(ClassBranch).emit(emitJcc)
		def(0x190+cc, "setcc", fModRM, 4, opSetcc)
	}

	def(0x80, "grp1", fModRM|fImm8, 3, opGroup1).lazy(true)
	def(0x81, "grp1", fModRM|fImmV, 3, opGroup1).lazy(true)
	def(0x82, "grp1", fModRM|fImm8, 3, opGroup1).lazy(true)
	def(0x83, "grp1", fModRM|fImm8S, 3, opGroup1).lazy(true)
	def(0x84, "test", fModRM, 2, opTest).lazy(true)
	def(0x85, "test", fModRM, 2, opTest).lazy(true)
	def(0x86, "xchg", fModRM, 3, opXchg)
	def(0x87, "xchg", fModRM, 3, opXchg)
	def(0x88, "mov", fModRM, 2, opMov)
	def(0x89, "mov", fModRM, 2, opMov)
	def(0x8a, "mov", fModRM, 4, opMov)
	def(0x8b, "mov", fModRM, 4, opMov)
	def(0x8c, "mov", fModRM, 2, opMovFromSeg)
	def(0x8d, "lea", fModRM, 2, opLea)
	def(0x8e, "mov", fModRM, 2, opMovToSeg).class(ClassSerialize)
	def(0x8f, "pop", fModRM, 5, opPopE)

	def(0x98, "cbw", 0, 3, opCbw)
	def(0x99, "cwd", 0, 2, opCwd)
	def(0x9c, "pushf", 0, 4, opPushf)
	def(0x9d, "popf", 0, 5, opPopf).class(ClassSerialize)
	def(0x9e, "sahf", 0, 3, opSahf)
	def(0x9f, "lahf", 0, 2, opLahf)

	def(0xa0, "mov", fMoffs, 4, opMovAccMoffs)
	def(0xa1, "mov", fMoffs, 4, opMovAccMoffs)
	def(0xa2, "mov", fMoffs, 2, opMovAccMoffs)
	def(0xa3, "mov", fMoffs, 2, opMovAccMoffs)
	def(0xa4, "movs", 0, 7, opMovs)
	def(0xa5, "movs", 0, 7, opMovs)
	def(0xa6, "cmps", 0, 10, opCmps)
	def(0xa7, "cmps", 0, 10, opCmps)
	def(0xa8, "test", fImm8, 2, opTestAcc).lazy(true)
	def(0xa9, "test", fImmV, 2, opTestAcc).lazy(true)
	def(0xaa, "stos", 0, 4, opStos)
	def(0xab, "stos", 0, 4, opStos)
	def(0xac, "lods", 0, 5, opLods)
	def(0xad, "lods", 0, 5, opLods)
	def(0xae, "scas", 0, 7, opScas)
	def(0xaf, "scas", 0, 7, opScas)

	def(0xc0, "grp2", fModRM|fImm8, 3, opGroup2)
	def(0xc1, "grp2", fModRM|fImm8, 3, opGroup2)
	def(0xc2, "ret", fImm16, 10, opRet).class(ClassBranch)
	def(0xc3, "ret", 0, 10, opRet).class(ClassBranch)
	def(0xc6, "mov", fModRM|fImm8, 2, opMovEImm)
	def(0xc7, "mov", fModRM|fImmV, 2, opMovEImm)
	def(0xc9, "leave", 0, 4, opLeave)
	def(0xcc, "int3", 0, 33, opInt3).class(ClassBranch)
	def(0xcd, "int", fImm8, 37, opInt).class(ClassBranch)
	def(0xce, "into", 0, 35, opInto).class(ClassBranch)
	def(0xcf, "iret", 0, 22, opIret).class(ClassBranch)

	def(0xd0, "grp2", fModRM, 3, opGroup2)
	def(0xd1, "grp2", fModRM, 3, opGroup2)
	def(0xd2, "grp2", fModRM, 3, opGroup2)
	def(0xd3, "grp2", fModRM, 3, opGroup2)
	def(0xd9, "fpu", fModRM, 2, opFpuD9)
	def(0xdb, "fpu", fModRM, 2, opFpuDB)

	def(0xe0, "loopne", fRel8, 11, opLoop).class(ClassBranch)
	def(0xe1, "loope", fRel8, 11, opLoop).class(ClassBranch)
	def(0xe2, "loop", fRel8, 11, opLoop).class(ClassBranch)
	def(0xe3, "jcxz", fRel8, 9, opJcxz).class(ClassBranch)
	def(0xe4, "in", fImm8, 12, opInOut)
	def(0xe5, "in", fImm8, 12, opInOut)
	def(0xe6, "out", fImm8, 10, opInOut)
	def(0xe7, "out", fImm8, 10, opInOut)
	def(0xe8, "call", fRelV, 7, opCallRel).class(ClassBranch)
	def(0xe9, "jmp", fRelV, 7, opJmpRel).class(ClassBranch)
	def(0xea, "jmp far", fFarPtr, 12, opJmpFar).class(ClassBranch)
	def(0xeb, "jmp", fRel8, 7, opJmpRel).class(ClassBranch)
	def(0xec, "in", 0, 13, opInOut)
	def(0xed, "in", 0, 13, opInOut)
	def(0xee, "out", 0, 11, opInOut)
	def(0xef, "out", 0, 11, opInOut)

	def(0xf4, "hlt", 0, 5, opHlt).class(ClassBranch)
	def(0xf5, "cmc", 0, 2, opCmc)
	def(0xf6, "grp3", fModRM|fGroupImm, 6, opGroup3)
	def(0xf7, "grp3", fModRM|fGroupImm, 6, opGroup3)
	def(0xf8, "clc", 0, 2, opFlagBit)
	def(0xf9, "stc", 0, 2, opFlagBit)
	def(0xfa, "cli", 0, 3, opFlagBit)
	def(0xfb, "sti", 0, 3, opFlagBit).class(ClassSerialize)
	def(0xfc, "cld", 0, 2, opFlagBit)
	def(0xfd, "std", 0, 2, opFlagBit)
	def(0xfe, "grp4", fModRM, 6, opGroup4).lazy(false)
	def(0xff, "grp5", fModRM, 6, opGroup5).class(classGroup5)

	def(0x101, "grp7", fModRM, 11, opGroup7).class(ClassSerialize)
	def(0x120, "mov", fModRM, 6, opMovFromCR)
	def(0x122, "mov", fModRM, 10, opMovToCR).class(ClassSerialize)
	def(0x1a0, "push fs", 0, 2, opPushSeg)
	def(0x1a1, "pop fs", 0, 7, opPopSeg)
	def(0x1a8, "push gs", 0, 2, opPushSeg)
	def(0x1a9, "pop gs", 0, 7, opPopSeg)
	def(0x1af, "imul", fModRM, 22, opImul2)
	def(0x1b6, "movzx", fModRM, 3, opMovzx)
	def(0x1b7, "movzx", fModRM, 3, opMovzx)
	def(0x1be, "movsx", fModRM, 3, opMovsx)
	def(0x1bf, "movsx", fModRM, 3, opMovsx)
}
