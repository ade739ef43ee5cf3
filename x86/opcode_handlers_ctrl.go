package x86

// jump sets EIP, truncated to 16 bits for a 16-bit operand size.
func (c *CPU) jump(in *Inst, target uint32) {
	if !in.Op32 {
		target &= 0xffff
	}
	c.EIP = target
}

func opJcc(c *CPU, in *Inst) error {
	if c.cond(uint8(in.Opcode & 0xf)) {
		c.jump(in, c.EIP+in.Imm)
	}
	return nil
}

// jccTarget runs a conditional branch whose target was resolved at compile time.
func jccTarget(c *CPU, in *Inst) error {
	if c.cond(uint8(in.Opcode & 0xf)) {
		c.EIP = in.Imm2
	}
	return nil
}

func emitJcc(in *Inst) CompiledOp {
	op := CompiledOp{run: jccTarget, inst: *in, cycles: opTable[in.Opcode].Cycles}
	target := in.Next() + in.Imm
	if !in.Op32 {
		target &= 0xffff
	}
	op.inst.Imm2 = target
	return op
}

func opJmpRel(c *CPU, in *Inst) error {
	c.jump(in, c.EIP+in.Imm)
	return nil
}

func opCallRel(c *CPU, in *Inst) error {
	if err := c.push(in.opSize(), c.EIP); err != nil {
		return err
	}
	c.jump(in, c.EIP+in.Imm)
	return nil
}

func opRet(c *CPU, in *Inst) error {
	v, err := c.pop(in.opSize())
	if err != nil {
		return err
	}
	if in.Opcode == 0xc2 {
		c.setSP(c.sp() + in.Imm)
	}
	c.jump(in, v)
	return nil
}

// counter returns CX or ECX according to the address size.
func (c *CPU) counter(in *Inst) uint32 {
	if in.Addr32 {
		return c.Regs[ECX]
	}
	return c.Regs[ECX] & 0xffff
}

func (c *CPU) setCounter(in *Inst, v uint32) {
	if in.Addr32 {
		c.Regs[ECX] = v
	} else {
		c.setReg(2, ECX, v)
	}
}

// opLoop is E0-E2: LOOPNE, LOOPE, LOOP.
func opLoop(c *CPU, in *Inst) error {
	n := c.counter(in) - 1
	c.setCounter(in, n)
	if !in.Addr32 {
		n &= 0xffff
	}
	take := n != 0
	switch in.Opcode {
	case 0xe0:
		take = take && !c.flag(FlagZF)
	case 0xe1:
		take = take && c.flag(FlagZF)
	}
	if take {
		c.jump(in, c.EIP+in.Imm)
	}
	return nil
}

func opJcxz(c *CPU, in *Inst) error {
	if c.counter(in) == 0 {
		c.jump(in, c.EIP+in.Imm)
	}
	return nil
}

func opJmpFar(c *CPU, in *Inst) error {
	return c.farJump(uint16(in.Imm2), in.Imm, in.Op32)
}

// farJump loads CS and EIP together.
func (c *CPU) farJump(sel uint16, off uint32, op32 bool) error {
	if err := c.loadCS(sel); err != nil {
		return err
	}
	if !op32 {
		off &= 0xffff
	}
	c.EIP = off
	return nil
}

// opGroup5 is FF: INC, DEC, CALL, CALLF, JMP, JMPF, PUSH.
func opGroup5(c *CPU, in *Inst) error {
	size := in.opSize()
	switch in.Reg {
	case 0, 1:
		v, err := c.readE(in, size)
		if err != nil {
			return err
		}
		return c.writeE(in, size, c.incdec(size, v, in.Reg == 1, false))
	case 2, 4:
		target, err := c.readE(in, size)
		if err != nil {
			return err
		}
		if in.Reg == 2 {
			if err := c.push(size, c.EIP); err != nil {
				return err
			}
		}
		c.jump(in, target)
		return nil
	case 3, 5:
		if in.Mod == 3 {
			return faultUD()
		}
		seg, off := in.segment(), c.ea(in)
		target, err := c.readMem(seg, off, size)
		if err != nil {
			return err
		}
		sel, err := c.readMem(seg, off+uint32(size), 2)
		if err != nil {
			return err
		}
		// the selector is checked before anything reaches the stack
		cs, err := c.codeSegment(uint16(sel))
		if err != nil {
			return err
		}
		if in.Reg == 3 {
			if err := c.push(size, uint32(c.Seg[CS].Selector)); err != nil {
				return err
			}
			if err := c.push(size, c.EIP); err != nil {
				return err
			}
		}
		c.Seg[CS] = cs
		c.jump(in, target)
		return nil
	case 6:
		v, err := c.readE(in, size)
		if err != nil {
			return err
		}
		return c.push(size, v)
	}
	return faultUD()
}

func opInt(c *CPU, in *Inst) error {
	return c.Interrupt(uint8(in.Imm), 0, false)
}

func opInt3(c *CPU, in *Inst) error {
	return c.Interrupt(VecBP, 0, false)
}

func opInto(c *CPU, in *Inst) error {
	if !c.flag(FlagOF) {
		return nil
	}
	return c.Interrupt(VecOF, 0, false)
}

func opIret(c *CPU, in *Inst) error {
	return c.iret(in.opSize())
}

// opHlt stops the CPU until an interrupt arrives. EIP already points past HLT.
func opHlt(c *CPU, in *Inst) error {
	c.Halted = true
	return nil
}
