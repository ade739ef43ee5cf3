package x86

// ALU operation numbers, as encoded in opcode bits 3-5 and group 1 reg fields.
const (
	aluADD = iota
	aluOR
	aluADC
	aluSBB
	aluAND
	aluSUB
	aluXOR
	aluCMP
)

// alu computes a <op> b. Flags are recorded lazily unless noFlags is set.
func (c *CPU) alu(k uint16, size int, a, b uint32, noFlags bool) uint32 {
	m := sizeMask(size)
	a, b = a&m, b&m
	var r uint32
	switch k {
	case aluADD:
		r = (a + b) & m
		if !noFlags {
			c.setLazy(flagsAdd, size, r, a, b, 0)
		}
	case aluADC:
		cin := c.carry()
		r = (a + b + uint32(cin)) & m
		if !noFlags {
			c.setLazy(flagsAdd, size, r, a, b, cin)
		}
	case aluSBB:
		cin := c.carry()
		r = (a - b - uint32(cin)) & m
		if !noFlags {
			c.setLazy(flagsSub, size, r, a, b, cin)
		}
	case aluSUB, aluCMP:
		r = (a - b) & m
		if !noFlags {
			c.setLazy(flagsSub, size, r, a, b, 0)
		}
	case aluOR:
		r = a | b
		if !noFlags {
			c.setLazy(flagsLogic, size, r, 0, 0, 0)
		}
	case aluAND:
		r = a & b
		if !noFlags {
			c.setLazy(flagsLogic, size, r, 0, 0, 0)
		}
	case aluXOR:
		r = a ^ b
		if !noFlags {
			c.setLazy(flagsLogic, size, r, 0, 0, 0)
		}
	}
	return r
}

// opALU covers the eight two-operand ALU instructions in their six encodings.
func opALU(c *CPU, in *Inst) error {
	k := in.Opcode >> 3 & 7
	size := in.size()
	switch in.Opcode & 7 {
	case 0, 1:
		a, err := c.readE(in, size)
		if err != nil {
			return err
		}
		r := c.alu(k, size, a, c.reg(size, in.Reg), in.NoFlags)
		if k == aluCMP {
			return nil
		}
		return c.writeE(in, size, r)
	case 2, 3:
		b, err := c.readE(in, size)
		if err != nil {
			return err
		}
		r := c.alu(k, size, c.reg(size, in.Reg), b, in.NoFlags)
		if k != aluCMP {
			c.setReg(size, in.Reg, r)
		}
	default:
		r := c.alu(k, size, c.reg(size, EAX), in.Imm, in.NoFlags)
		if k != aluCMP {
			c.setReg(size, EAX, r)
		}
	}
	return nil
}

func opGroup1(c *CPU, in *Inst) error {
	size := 1
	if in.Opcode&1 != 0 {
		size = in.opSize()
	}
	k := uint16(in.Reg)
	a, err := c.readE(in, size)
	if err != nil {
		return err
	}
	r := c.alu(k, size, a, in.Imm, in.NoFlags)
	if k == aluCMP {
		return nil
	}
	return c.writeE(in, size, r)
}

func opTest(c *CPU, in *Inst) error {
	size := in.size()
	a, err := c.readE(in, size)
	if err != nil {
		return err
	}
	c.alu(aluAND, size, a, c.reg(size, in.Reg), in.NoFlags)
	return nil
}

func opTestAcc(c *CPU, in *Inst) error {
	size := in.size()
	c.alu(aluAND, size, c.reg(size, EAX), in.Imm, in.NoFlags)
	return nil
}

func (c *CPU) incdec(size int, v uint32, dec, noFlags bool) uint32 {
	m := sizeMask(size)
	var r uint32
	op := flagsInc
	if dec {
		r = (v - 1) & m
		op = flagsDec
	} else {
		r = (v + 1) & m
	}
	if !noFlags {
		c.setLazy(op, size, r, v, 1, c.carry())
	}
	return r
}

func opIncReg(c *CPU, in *Inst) error {
	size, r := in.opSize(), uint8(in.Opcode&7)
	c.setReg(size, r, c.incdec(size, c.reg(size, r), false, in.NoFlags))
	return nil
}

func opDecReg(c *CPU, in *Inst) error {
	size, r := in.opSize(), uint8(in.Opcode&7)
	c.setReg(size, r, c.incdec(size, c.reg(size, r), true, in.NoFlags))
	return nil
}

func incReg32Bare(c *CPU, in *Inst) error {
	c.Regs[in.Opcode&7]++
	return nil
}

func decReg32Bare(c *CPU, in *Inst) error {
	c.Regs[in.Opcode&7]--
	return nil
}

// emitIncDecReg drops the size switch and, when the flags are dead, the flag
// bookkeeping for 32-bit INC/DEC of a register.
func emitIncDecReg(in *Inst) CompiledOp {
	op := CompiledOp{run: opTable[in.Opcode].Interpret, inst: *in, cycles: opTable[in.Opcode].Cycles}
	if in.Op32 && in.NoFlags {
		op.run = incReg32Bare
		if in.Opcode >= 0x48 {
			op.run = decReg32Bare
		}
	}
	return op
}

// opGroup4 is FE: INC/DEC of a byte operand.
func opGroup4(c *CPU, in *Inst) error {
	if in.Reg > 1 {
		return faultUD()
	}
	v, err := c.readE(in, 1)
	if err != nil {
		return err
	}
	return c.writeE(in, 1, c.incdec(1, v, in.Reg == 1, in.NoFlags))
}

// shift performs a group 2 operation. Rotates only touch CF and OF.
func (c *CPU) shift(k uint8, size int, v uint32, count uint32) uint32 {
	count &= 31
	if count == 0 {
		return v
	}
	bits := uint32(size * 8)
	m := sizeMask(size)
	v &= m
	msb := func(x uint32) uint32 { return x >> (bits - 1) & 1 }
	f := c.Flags() & arithFlags
	var r, cf, of uint32
	switch k {
	case 0: // ROL
		n := count % bits
		r = (v<<n | v>>(bits-n)) & m
		cf = r & 1
		of = msb(r) ^ cf
	case 1: // ROR
		n := count % bits
		r = (v>>n | v<<(bits-n)) & m
		cf = msb(r)
		of = msb(r) ^ r>>(bits-2)&1
	case 2, 3: // RCL, RCR
		width := uint64(bits + 1)
		n := uint64(count) % width
		x := uint64(v) | uint64(c.carry())<<bits
		wm := uint64(1)<<width - 1
		if k == 2 {
			x = (x<<n | x>>(width-n)) & wm
		} else {
			x = (x>>n | x<<(width-n)) & wm
		}
		r = uint32(x) & m
		cf = uint32(x>>bits) & 1
		if k == 2 {
			of = msb(r) ^ cf
		} else {
			of = msb(r) ^ r>>(bits-2)&1
		}
	case 4, 6: // SHL/SAL
		w := uint64(v) << count
		r = uint32(w) & m
		cf = uint32(w>>bits) & 1
		of = msb(r) ^ cf
	case 5: // SHR
		r = uint32(uint64(v) >> count)
		cf = uint32(uint64(v)>>(count-1)) & 1
		of = msb(v)
	case 7: // SAR
		sv := int64(int32(v << (32 - bits)))
		sv >>= 32 - bits
		r = uint32(sv>>count) & m
		cf = uint32(sv>>(count-1)) & 1
	}
	if k < 4 {
		f &^= FlagCF | FlagOF
	} else {
		f = szp(size, r)
	}
	if cf != 0 {
		f |= FlagCF
	}
	if of != 0 {
		f |= FlagOF
	}
	c.setFlagsImmediate(f)
	return r
}

func opGroup2(c *CPU, in *Inst) error {
	size := in.size()
	var count uint32
	switch in.Opcode {
	case 0xc0, 0xc1:
		count = in.Imm
	case 0xd0, 0xd1:
		count = 1
	default:
		count = c.Regs[ECX] & 0xff
	}
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	if count&31 == 0 {
		return nil
	}
	return c.writeE(in, size, c.shift(in.Reg, size, v, count))
}

func signed(size int, v uint32) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	}
	return int64(int32(v))
}

// mulFlags sets CF and OF when the upper half of a product is significant.
func (c *CPU) mulFlags(size int, low uint32, overflow bool) {
	f := szp(size, low)
	if overflow {
		f |= FlagCF | FlagOF
	}
	c.setFlagsImmediate(f)
}

// opGroup3 is F6/F7: TEST, NOT, NEG, MUL, IMUL, DIV, IDIV.
func opGroup3(c *CPU, in *Inst) error {
	size := in.size()
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	m := sizeMask(size)
	bits := uint(size * 8)
	switch in.Reg {
	case 0, 1:
		c.alu(aluAND, size, v, in.Imm, false)
		return nil
	case 2:
		return c.writeE(in, size, ^v&m)
	case 3:
		return c.writeE(in, size, c.alu(aluSUB, size, 0, v, false))
	case 4, 5:
		var prod uint64
		var overflow bool
		acc := c.reg(size, EAX)
		if in.Reg == 4 {
			prod = uint64(acc) * uint64(v)
			overflow = prod>>bits != 0
		} else {
			sp := signed(size, acc) * signed(size, v)
			prod = uint64(sp)
			overflow = sp != signed(size, uint32(sp))
		}
		if size == 1 {
			c.setReg(2, EAX, uint32(prod))
		} else {
			c.setReg(size, EAX, uint32(prod))
			c.setReg(size, EDX, uint32(prod>>bits))
		}
		c.mulFlags(size, uint32(prod)&m, overflow)
		return nil
	}

	if v == 0 {
		return faultDE()
	}
	var dividend uint64
	if size == 1 {
		dividend = uint64(c.Regs[EAX] & 0xffff)
	} else {
		dividend = uint64(c.reg(size, EDX))<<bits | uint64(c.reg(size, EAX))
	}
	var q, r uint64
	if in.Reg == 6 {
		q, r = dividend/uint64(v), dividend%uint64(v)
		if q > uint64(m) {
			return faultDE()
		}
	} else {
		var sd int64
		switch size {
		case 1:
			sd = int64(int16(dividend))
		case 2:
			sd = int64(int32(dividend))
		default:
			sd = int64(dividend)
		}
		dv := signed(size, v)
		if sd == -1<<63 && dv == -1 {
			return faultDE()
		}
		sq, sr := sd/dv, sd%dv
		if sq != signed(size, uint32(sq)) {
			return faultDE()
		}
		q, r = uint64(sq), uint64(sr)
	}
	if size == 1 {
		c.setReg(1, 0, uint32(q))
		c.setReg(1, 4, uint32(r))
	} else {
		c.setReg(size, EAX, uint32(q))
		c.setReg(size, EDX, uint32(r))
	}
	return nil
}

// opImul2 is 0F AF: IMUL Gv, Ev.
func opImul2(c *CPU, in *Inst) error {
	size := in.opSize()
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	c.setReg(size, in.Reg, c.imulTrunc(size, c.reg(size, in.Reg), v))
	return nil
}

// opImul3 is 69/6B: IMUL Gv, Ev, imm.
func opImul3(c *CPU, in *Inst) error {
	size := in.opSize()
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	c.setReg(size, in.Reg, c.imulTrunc(size, v, in.Imm))
	return nil
}

func (c *CPU) imulTrunc(size int, a, b uint32) uint32 {
	p := signed(size, a) * signed(size, b)
	r := uint32(p) & sizeMask(size)
	c.mulFlags(size, r, p != signed(size, r))
	return r
}

func opSetcc(c *CPU, in *Inst) error {
	var v uint32
	if c.cond(uint8(in.Opcode & 0xf)) {
		v = 1
	}
	return c.writeE(in, 1, v)
}

func opCbw(c *CPU, in *Inst) error {
	if in.Op32 {
		c.Regs[EAX] = uint32(int32(int16(c.Regs[EAX])))
	} else {
		c.setReg(2, EAX, uint32(int16(int8(c.Regs[EAX]))))
	}
	return nil
}

func opCwd(c *CPU, in *Inst) error {
	size := in.opSize()
	var hi uint32
	if c.reg(size, EAX)&signBit(size) != 0 {
		hi = 0xffffffff
	}
	c.setReg(size, EDX, hi)
	return nil
}

const sahfMask = FlagSF | FlagZF | FlagAF | FlagPF | FlagCF

func opSahf(c *CPU, in *Inst) error {
	ah := c.Regs[EAX] >> 8 & 0xff
	f := c.Flags()
	c.SetFlags(f&^sahfMask | ah&sahfMask)
	return nil
}

func opLahf(c *CPU, in *Inst) error {
	c.setReg8(4, uint8(c.Flags()))
	return nil
}

func opCmc(c *CPU, in *Inst) error {
	c.setFlag(FlagCF, !c.flag(FlagCF))
	return nil
}

// opFlagBit is F8-FD: CLC, STC, CLI, STI, CLD, STD.
func opFlagBit(c *CPU, in *Inst) error {
	if in.Opcode == 0xfb && !c.InterruptsEnabled() {
		c.shadow = true
	}
	masks := [3]uint32{FlagCF, FlagIF, FlagDF}
	c.setFlag(masks[(in.Opcode-0xf8)>>1], in.Opcode&1 != 0)
	return nil
}
