package x86

// repSlice bounds how many REP iterations run before the instruction restarts,
// so pending interrupts are seen during long string operations.
const repSlice = 4096

// index reads SI/ESI or DI/EDI according to the address size.
func (c *CPU) index(in *Inst, r uint8) uint32 {
	if in.Addr32 {
		return c.Regs[r]
	}
	return c.Regs[r] & 0xffff
}

func (c *CPU) advance(in *Inst, r uint8, size int) {
	d := uint32(size)
	if c.flag(FlagDF) {
		d = -d
	}
	if in.Addr32 {
		c.Regs[r] += d
	} else {
		c.setReg(2, r, c.Regs[r]+d)
	}
}

// stringIter performs one iteration, updating the index registers only on success.
type stringIter func(c *CPU, in *Inst, size int) error

func movsIter(c *CPU, in *Inst, size int) error {
	v, err := c.readMem(in.segment(), c.index(in, ESI), size)
	if err != nil {
		return err
	}
	if err := c.writeMem(ES, c.index(in, EDI), size, v); err != nil {
		return err
	}
	c.advance(in, ESI, size)
	c.advance(in, EDI, size)
	return nil
}

func stosIter(c *CPU, in *Inst, size int) error {
	if err := c.writeMem(ES, c.index(in, EDI), size, c.reg(size, EAX)); err != nil {
		return err
	}
	c.advance(in, EDI, size)
	return nil
}

func lodsIter(c *CPU, in *Inst, size int) error {
	v, err := c.readMem(in.segment(), c.index(in, ESI), size)
	if err != nil {
		return err
	}
	c.setReg(size, EAX, v)
	c.advance(in, ESI, size)
	return nil
}

func cmpsIter(c *CPU, in *Inst, size int) error {
	a, err := c.readMem(in.segment(), c.index(in, ESI), size)
	if err != nil {
		return err
	}
	b, err := c.readMem(ES, c.index(in, EDI), size)
	if err != nil {
		return err
	}
	c.alu(aluCMP, size, a, b, false)
	c.advance(in, ESI, size)
	c.advance(in, EDI, size)
	return nil
}

func scasIter(c *CPU, in *Inst, size int) error {
	b, err := c.readMem(ES, c.index(in, EDI), size)
	if err != nil {
		return err
	}
	c.alu(aluCMP, size, c.reg(size, EAX), b, false)
	c.advance(in, EDI, size)
	return nil
}

// repeat drives a string instruction with its REP prefix. Iterations that
// completed before a fault stay committed; the instruction restarts afterwards.
func (c *CPU) repeat(in *Inst, iter stringIter, compares bool) error {
	size := in.size()
	if in.Rep == RepNone {
		return iter(c, in, size)
	}
	for i := 0; ; i++ {
		n := c.counter(in)
		if n == 0 {
			return nil
		}
		if i == repSlice {
			c.EIP = in.Addr
			return nil
		}
		if err := iter(c, in, size); err != nil {
			if f, ok := err.(*Fault); ok {
				f.keepRegs = true
			}
			return err
		}
		c.setCounter(in, n-1)
		if compares {
			zf := c.flag(FlagZF)
			if in.Rep == RepE && !zf || in.Rep == RepNE && zf {
				return nil
			}
		}
	}
}

func opMovs(c *CPU, in *Inst) error { return c.repeat(in, movsIter, false) }
func opStos(c *CPU, in *Inst) error { return c.repeat(in, stosIter, false) }
func opLods(c *CPU, in *Inst) error { return c.repeat(in, lodsIter, false) }
func opCmps(c *CPU, in *Inst) error { return c.repeat(in, cmpsIter, true) }
func opScas(c *CPU, in *Inst) error { return c.repeat(in, scasIter, true) }
