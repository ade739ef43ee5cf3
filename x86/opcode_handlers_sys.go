package x86

import "github.com/colorfulnotion/dynarec/memory"

// opInOut is E4-E7 and EC-EF.
func opInOut(c *CPU, in *Inst) error {
	size := 1
	if in.Opcode&1 != 0 {
		size = in.opSize()
	}
	port := uint16(c.Regs[EDX])
	if in.Opcode < 0xec {
		port = uint16(in.Imm)
	}
	if in.Opcode&2 != 0 {
		c.out(port, size, c.reg(size, EAX))
		return nil
	}
	c.setReg(size, EAX, c.in(port, size))
	return nil
}

// opGroup7 is 0F 01: SGDT, SIDT, LGDT, LIDT, INVLPG.
func opGroup7(c *CPU, in *Inst) error {
	if in.Mod == 3 {
		return faultUD()
	}
	seg, off := in.segment(), c.ea(in)
	switch in.Reg {
	case 0, 1:
		t := c.GDTR
		if in.Reg == 1 {
			t = c.IDTR
		}
		if err := c.writeMem(seg, off, 2, uint32(t.Limit)); err != nil {
			return err
		}
		return c.writeMem(seg, off+2, 4, t.Base)
	case 2, 3:
		limit, err := c.readMem(seg, off, 2)
		if err != nil {
			return err
		}
		base, err := c.readMem(seg, off+2, 4)
		if err != nil {
			return err
		}
		if !in.Op32 {
			base &= 0xffffff
		}
		t := DescTable{Base: base, Limit: uint16(limit)}
		if in.Reg == 2 {
			c.GDTR = t
		} else {
			c.IDTR = t
		}
		return nil
	case 7:
		c.mmu.FlushPage(c.Seg[seg].Base + off)
		return nil
	}
	return faultUD()
}

func opMovFromCR(c *CPU, in *Inst) error {
	var v uint32
	switch in.Reg {
	case 0:
		v = c.CR0
	case 2:
		v = c.CR2
	case 3:
		v = c.CR3
	case 4:
		v = c.CR4
	default:
		return faultUD()
	}
	c.Regs[in.RM] = v
	return nil
}

// opMovToCR writes a control register. Loading CR3 always flushes the TLB.
func opMovToCR(c *CPU, in *Inst) error {
	v := c.Regs[in.RM]
	switch in.Reg {
	case 0:
		if v&memory.CR0PG != 0 && v&memory.CR0PE == 0 {
			return faultGP(0)
		}
		c.SetControl(v, c.CR3, c.CR4)
	case 2:
		c.CR2 = v
	case 3:
		c.SetControl(c.CR0, v, c.CR4)
		c.mmu.Flush()
	case 4:
		c.SetControl(c.CR0, c.CR3, v)
	default:
		return faultUD()
	}
	return nil
}

// opFpuD9 implements the stack-pointer forms of D9 needed to track the x87 TOP.
func opFpuD9(c *CPU, in *Inst) error {
	if in.Mod != 3 || in.Reg != 6 {
		return faultUD()
	}
	switch in.RM {
	case 6: // FDECSTP
		c.FPUTop = (c.FPUTop - 1) & 7
	case 7: // FINCSTP
		c.FPUTop = (c.FPUTop + 1) & 7
	default:
		return faultUD()
	}
	return nil
}

func opFpuDB(c *CPU, in *Inst) error {
	if in.Mod == 3 && in.Reg == 4 && in.RM == 3 { // FNINIT
		c.FPUTop = 0
		return nil
	}
	return faultUD()
}
