package x86

func opMov(c *CPU, in *Inst) error {
	size := in.size()
	if in.Opcode&2 == 0 {
		return c.writeE(in, size, c.reg(size, in.Reg))
	}
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	c.setReg(size, in.Reg, v)
	return nil
}

func opMovEImm(c *CPU, in *Inst) error {
	return c.writeE(in, in.size(), in.Imm)
}

func opMovRegImm8(c *CPU, in *Inst) error {
	c.setReg8(uint8(in.Opcode&7), uint8(in.Imm))
	return nil
}

func opMovRegImm(c *CPU, in *Inst) error {
	c.setReg(in.opSize(), uint8(in.Opcode&7), in.Imm)
	return nil
}

func movReg32Imm(c *CPU, in *Inst) error {
	c.Regs[in.Opcode&7] = in.Imm
	return nil
}

func emitMovRegImm(in *Inst) CompiledOp {
	op := CompiledOp{run: opMovRegImm, inst: *in, cycles: opTable[in.Opcode].Cycles}
	if in.Op32 {
		op.run = movReg32Imm
	}
	return op
}

// opMovAccMoffs is A0-A3: MOV between the accumulator and a direct offset.
func opMovAccMoffs(c *CPU, in *Inst) error {
	size := in.size()
	if in.Opcode&2 == 0 {
		v, err := c.readMem(in.segment(), in.Imm, size)
		if err != nil {
			return err
		}
		c.setReg(size, EAX, v)
		return nil
	}
	return c.writeMem(in.segment(), in.Imm, size, c.reg(size, EAX))
}

func opLea(c *CPU, in *Inst) error {
	if in.Mod == 3 {
		return faultUD()
	}
	c.setReg(in.opSize(), in.Reg, c.ea(in))
	return nil
}

func opXchg(c *CPU, in *Inst) error {
	size := in.size()
	v, err := c.readE(in, size)
	if err != nil {
		return err
	}
	if err := c.writeE(in, size, c.reg(size, in.Reg)); err != nil {
		return err
	}
	c.setReg(size, in.Reg, v)
	return nil
}

func opXchgAcc(c *CPU, in *Inst) error {
	size, r := in.opSize(), uint8(in.Opcode&7)
	a := c.reg(size, EAX)
	c.setReg(size, EAX, c.reg(size, r))
	c.setReg(size, r, a)
	return nil
}

func opMovzx(c *CPU, in *Inst) error {
	src := 1
	if in.Opcode&1 != 0 {
		src = 2
	}
	v, err := c.readE(in, src)
	if err != nil {
		return err
	}
	c.setReg(in.opSize(), in.Reg, v)
	return nil
}

func opMovsx(c *CPU, in *Inst) error {
	src := 1
	if in.Opcode&1 != 0 {
		src = 2
	}
	v, err := c.readE(in, src)
	if err != nil {
		return err
	}
	c.setReg(in.opSize(), in.Reg, uint32(signed(src, v)))
	return nil
}

func opPushReg(c *CPU, in *Inst) error {
	size := in.opSize()
	return c.push(size, c.reg(size, uint8(in.Opcode&7)))
}

func opPopReg(c *CPU, in *Inst) error {
	size := in.opSize()
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.setReg(size, uint8(in.Opcode&7), v)
	return nil
}

func opPushImm(c *CPU, in *Inst) error {
	return c.push(in.opSize(), in.Imm)
}

func opPopE(c *CPU, in *Inst) error {
	if in.Reg != 0 {
		return faultUD()
	}
	size := in.opSize()
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	return c.writeE(in, size, v)
}

func opPusha(c *CPU, in *Inst) error {
	size := in.opSize()
	sp := c.reg(size, ESP)
	for r := uint8(EAX); r <= EDI; r++ {
		v := c.reg(size, r)
		if r == ESP {
			v = sp
		}
		if err := c.push(size, v); err != nil {
			return err
		}
	}
	return nil
}

func opPopa(c *CPU, in *Inst) error {
	size := in.opSize()
	for r := int(EDI); r >= EAX; r-- {
		v, err := c.pop(size)
		if err != nil {
			return err
		}
		if r != ESP {
			c.setReg(size, uint8(r), v)
		}
	}
	return nil
}

func opPushf(c *CPU, in *Inst) error {
	return c.push(in.opSize(), c.Flags()&0xfcffff)
}

func opPopf(c *CPU, in *Inst) error {
	size := in.opSize()
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.loadFlags(size, v)
	return nil
}

// loadFlags writes the POPF/IRET-writable EFLAGS bits. A 16-bit load keeps the upper half.
func (c *CPU) loadFlags(size int, v uint32) {
	mask := uint32(popfMask)
	if size == 2 {
		mask &= 0xffff
	}
	c.SetFlags(c.Flags()&^mask | v&mask)
}

func opLeave(c *CPU, in *Inst) error {
	if c.Seg[SS].Big {
		c.Regs[ESP] = c.Regs[EBP]
	} else {
		c.setReg(2, ESP, c.Regs[EBP])
	}
	size := in.opSize()
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.setReg(size, EBP, v)
	return nil
}

func pushPopSeg(op uint16) int {
	switch op {
	case 0x06, 0x07:
		return ES
	case 0x0e:
		return CS
	case 0x16, 0x17:
		return SS
	case 0x1e, 0x1f:
		return DS
	case 0x1a0, 0x1a1:
		return FS
	}
	return GS
}

func opPushSeg(c *CPU, in *Inst) error {
	return c.push(in.opSize(), uint32(c.Seg[pushPopSeg(in.Opcode)].Selector))
}

func opPopSeg(c *CPU, in *Inst) error {
	size := in.opSize()
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	return c.loadStackOrData(pushPopSeg(in.Opcode), uint16(v))
}

func opMovFromSeg(c *CPU, in *Inst) error {
	if in.Reg > GS {
		return faultUD()
	}
	sel := uint32(c.Seg[in.Reg].Selector)
	if in.Mod == 3 {
		c.setReg(in.opSize(), in.RM, sel)
		return nil
	}
	return c.writeE(in, 2, sel)
}

func opMovToSeg(c *CPU, in *Inst) error {
	if in.Reg > GS || in.Reg == CS {
		return faultUD()
	}
	v, err := c.readE(in, 2)
	if err != nil {
		return err
	}
	return c.loadStackOrData(int(in.Reg), uint16(v))
}

// loadStackOrData loads seg and, for SS, opens the one-instruction interrupt
// shadow so SS:ESP can be switched as a pair.
func (c *CPU) loadStackOrData(seg int, sel uint16) error {
	if err := c.loadSeg(seg, sel); err != nil {
		return err
	}
	if seg == SS {
		c.shadow = true
	}
	return nil
}
