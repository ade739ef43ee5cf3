package x86

import "github.com/colorfulnotion/dynarec/memory"

func (c *CPU) translate(lin uint32, acc memory.Access) (uint32, error) {
	phys, err := c.mmu.Translate(lin, acc)
	if err != nil {
		return 0, c.pageFault(err)
	}
	return phys, nil
}

func crossesPage(lin uint32, size int) bool {
	return lin&memory.PageMask > memory.PageSize-uint32(size)
}

// readLin reads size bytes at a linear address.
func (c *CPU) readLin(lin uint32, size int) (uint32, error) {
	if size > 1 && crossesPage(lin, size) {
		var v uint32
		for i := 0; i < size; i++ {
			b, err := c.readLin(lin+uint32(i), 1)
			if err != nil {
				return 0, err
			}
			v |= b << (8 * i)
		}
		return v, nil
	}
	phys, err := c.translate(lin, memory.AccessRead)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint32(c.mem.Read8(phys)), nil
	case 2:
		return uint32(c.mem.Read16(phys)), nil
	}
	return c.mem.Read32(phys), nil
}

// writeLin writes size bytes at a linear address. Both pages of a straddling
// write are translated before any byte is stored.
func (c *CPU) writeLin(lin uint32, size int, v uint32) error {
	if size > 1 && crossesPage(lin, size) {
		var phys [4]uint32
		for i := 0; i < size; i++ {
			p, err := c.translate(lin+uint32(i), memory.AccessWrite)
			if err != nil {
				return err
			}
			phys[i] = p
		}
		for i := 0; i < size; i++ {
			c.mem.Write8(phys[i], uint8(v>>(8*i)))
		}
		return nil
	}
	phys, err := c.translate(lin, memory.AccessWrite)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		c.mem.Write8(phys, uint8(v))
	case 2:
		c.mem.Write16(phys, uint16(v))
	default:
		c.mem.Write32(phys, v)
	}
	return nil
}

func (c *CPU) readMem(seg int, off uint32, size int) (uint32, error) {
	return c.readLin(c.Seg[seg].Base+off, size)
}

func (c *CPU) writeMem(seg int, off uint32, size int, v uint32) error {
	return c.writeLin(c.Seg[seg].Base+off, size, v)
}

// Fetch8 reads one instruction byte at CS:eip.
func (c *CPU) Fetch8(eip uint32) (uint8, error) {
	phys, err := c.translate(c.Seg[CS].Base+eip, memory.AccessExec)
	if err != nil {
		return 0, err
	}
	return c.mem.Read8(phys), nil
}

// ReadLinear reads guest memory through the current translation, for tools.
func (c *CPU) ReadLinear(lin uint32, size int) (uint32, error) {
	return c.readLin(lin, size)
}

// WriteLinear writes guest memory through the current translation, for tools.
func (c *CPU) WriteLinear(lin uint32, size int, v uint32) error {
	return c.writeLin(lin, size, v)
}

func (c *CPU) stackSize() int {
	if c.Seg[SS].Big {
		return 4
	}
	return 2
}

func (c *CPU) sp() uint32 {
	if c.Seg[SS].Big {
		return c.Regs[ESP]
	}
	return c.Regs[ESP] & 0xffff
}

func (c *CPU) setSP(v uint32) {
	if c.Seg[SS].Big {
		c.Regs[ESP] = v
	} else {
		c.Regs[ESP] = c.Regs[ESP]&^0xffff | v&0xffff
	}
}

func (c *CPU) push(size int, v uint32) error {
	sp := c.sp() - uint32(size)
	if !c.Seg[SS].Big {
		sp &= 0xffff
	}
	if err := c.writeMem(SS, sp, size, v); err != nil {
		return err
	}
	c.setSP(sp)
	return nil
}

func (c *CPU) pop(size int) (uint32, error) {
	sp := c.sp()
	v, err := c.readMem(SS, sp, size)
	if err != nil {
		return 0, err
	}
	c.setSP(sp + uint32(size))
	return v, nil
}

// peek reads the stack slot at byte offset off from the top without popping.
func (c *CPU) peek(off uint32, size int) (uint32, error) {
	sp := c.sp() + off
	if !c.Seg[SS].Big {
		sp &= 0xffff
	}
	return c.readMem(SS, sp, size)
}

// ea computes the effective offset of the instruction's memory operand.
func (c *CPU) ea(in *Inst) uint32 {
	var a uint32
	if in.Base >= 0 {
		a = c.Regs[in.Base]
	}
	if in.Index >= 0 {
		a += c.Regs[in.Index] << in.Scale
	}
	a += in.Disp
	if !in.Addr32 {
		a &= 0xffff
	}
	return a
}

func (c *CPU) readE(in *Inst, size int) (uint32, error) {
	if in.Mod == 3 {
		return c.reg(size, in.RM), nil
	}
	return c.readMem(in.segment(), c.ea(in), size)
}

func (c *CPU) writeE(in *Inst, size int, v uint32) error {
	if in.Mod == 3 {
		c.setReg(size, in.RM, v)
		return nil
	}
	return c.writeMem(in.segment(), c.ea(in), size, v)
}
