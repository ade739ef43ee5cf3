package x86

// Gate types in the IDT.
const (
	gateInt16  = 0x6
	gateTrap16 = 0x7
	gateInt32  = 0xe
	gateTrap32 = 0xf
)

// Interrupt transfers control to the handler for vector, through the IVT in
// real mode or the IDT in protected mode. The return address is the current
// EIP. Only ring 0 gates are supported, so there is no stack switch. A failed
// delivery leaves the registers as they were.
func (c *CPU) Interrupt(vector uint8, code uint32, hasCode bool) error {
	snap := c.save()
	if err := c.deliver(vector, code, hasCode); err != nil {
		c.restore(&snap)
		return err
	}
	c.Halted = false
	c.shadow = false
	return nil
}

func (c *CPU) deliver(vector uint8, code uint32, hasCode bool) error {
	if !c.ProtectedMode() {
		return c.realInterrupt(vector)
	}

	off := uint32(vector) * 8
	idtCode := off | 2
	if off+7 > uint32(c.IDTR.Limit) {
		return faultGP(idtCode)
	}
	lo, err := c.readLin(c.IDTR.Base+off, 4)
	if err != nil {
		return err
	}
	hi, err := c.readLin(c.IDTR.Base+off+4, 4)
	if err != nil {
		return err
	}
	typ := hi >> 8 & 0x1f
	switch typ {
	case gateInt16, gateTrap16, gateInt32, gateTrap32:
	default:
		return faultGP(idtCode)
	}
	if hi&descPresent == 0 {
		return faultNP(idtCode)
	}
	target, err := c.codeSegment(uint16(lo >> 16))
	if err != nil {
		return err
	}

	size := 2
	entry := lo & 0xffff
	if typ&8 != 0 {
		size = 4
		entry |= hi & 0xffff0000
	}
	flags := c.Flags()
	if err := c.push(size, flags); err != nil {
		return err
	}
	if err := c.push(size, uint32(c.Seg[CS].Selector)); err != nil {
		return err
	}
	if err := c.push(size, c.EIP); err != nil {
		return err
	}
	if hasCode {
		if err := c.push(size, code); err != nil {
			return err
		}
	}
	clear := uint32(FlagTF)
	if typ&1 == 0 {
		clear |= FlagIF
	}
	c.SetFlags(flags &^ clear)
	c.Seg[CS] = target
	c.EIP = entry
	return nil
}

func (c *CPU) realInterrupt(vector uint8) error {
	off := uint32(vector) * 4
	if off+3 > uint32(c.IDTR.Limit) {
		return faultGP(0)
	}
	vec, err := c.readLin(c.IDTR.Base+off, 4)
	if err != nil {
		return err
	}
	flags := c.Flags()
	if err := c.push(2, flags); err != nil {
		return err
	}
	if err := c.push(2, uint32(c.Seg[CS].Selector)); err != nil {
		return err
	}
	if err := c.push(2, c.EIP); err != nil {
		return err
	}
	c.SetFlags(flags &^ (FlagIF | FlagTF))
	c.SetRealModeSegment(CS, uint16(vec>>16))
	c.EIP = vec & 0xffff
	return nil
}

// iret returns from an interrupt at the same privilege level.
func (c *CPU) iret(size int) error {
	eip, err := c.peek(0, size)
	if err != nil {
		return err
	}
	cs, err := c.peek(uint32(size), size)
	if err != nil {
		return err
	}
	flags, err := c.peek(uint32(2*size), size)
	if err != nil {
		return err
	}
	if err := c.loadCS(uint16(cs)); err != nil {
		return err
	}
	c.setSP(c.sp() + uint32(3*size))
	c.loadFlags(size, flags)
	if size == 2 {
		eip &= 0xffff
	}
	c.EIP = eip
	return nil
}

// RaiseException delivers a fault raised by an instruction, pushing its error code
// when the vector defines one.
func (c *CPU) RaiseException(f *Fault) error {
	return c.Interrupt(f.Vector, f.Code, f.HasCode && hasErrorCode(f.Vector) && c.ProtectedMode())
}
