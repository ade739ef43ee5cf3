package x86

// Descriptor bits in the high dword.
const (
	descPresent = 1 << 15
	descSystem  = 1 << 12 // S: set for code and data
	descCode    = 1 << 11
	descBig     = 1 << 22
	descGran    = 1 << 23
)

// descriptor reads the GDT entry for sel. Only the GDT is supported.
func (c *CPU) descriptor(sel uint16) (lo, hi uint32, err error) {
	if sel&4 != 0 {
		return 0, 0, faultGP(uint32(sel &^ 3))
	}
	off := uint32(sel &^ 7)
	if off+7 > uint32(c.GDTR.Limit) {
		return 0, 0, faultGP(uint32(sel &^ 3))
	}
	if lo, err = c.readLin(c.GDTR.Base+off, 4); err != nil {
		return 0, 0, err
	}
	if hi, err = c.readLin(c.GDTR.Base+off+4, 4); err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// segmentFrom builds the cached segment state from a descriptor.
func segmentFrom(sel uint16, lo, hi uint32) Segment {
	limit := lo&0xffff | hi&0xf0000
	if hi&descGran != 0 {
		limit = limit<<12 | 0xfff
	}
	return Segment{
		Selector: sel,
		Base:     lo>>16 | (hi&0xff)<<16 | hi&0xff000000,
		Limit:    limit,
		Big:      hi&descBig != 0,
	}
}

// loadSeg loads a data or stack segment register.
func (c *CPU) loadSeg(seg int, sel uint16) error {
	if !c.ProtectedMode() {
		c.SetRealModeSegment(seg, sel)
		return nil
	}
	if sel&^3 == 0 {
		if seg == SS {
			return faultGP(0)
		}
		c.Seg[seg] = Segment{Selector: sel}
		return nil
	}
	lo, hi, err := c.descriptor(sel)
	if err != nil {
		return err
	}
	if hi&descSystem == 0 {
		return faultGP(uint32(sel &^ 3))
	}
	if hi&descPresent == 0 {
		if seg == SS {
			return faultSS(uint32(sel &^ 3))
		}
		return faultNP(uint32(sel &^ 3))
	}
	c.Seg[seg] = segmentFrom(sel, lo, hi)
	return nil
}

// codeSegment validates sel as a code segment without loading it.
func (c *CPU) codeSegment(sel uint16) (Segment, error) {
	if !c.ProtectedMode() {
		return Segment{Selector: sel, Base: uint32(sel) << 4, Limit: 0xffff}, nil
	}
	if sel&^3 == 0 {
		return Segment{}, faultGP(0)
	}
	lo, hi, err := c.descriptor(sel)
	if err != nil {
		return Segment{}, err
	}
	if hi&descSystem == 0 || hi&descCode == 0 {
		return Segment{}, faultGP(uint32(sel &^ 3))
	}
	if hi&descPresent == 0 {
		return Segment{}, faultNP(uint32(sel &^ 3))
	}
	return segmentFrom(sel, lo, hi), nil
}

func (c *CPU) loadCS(sel uint16) error {
	s, err := c.codeSegment(sel)
	if err != nil {
		return err
	}
	c.Seg[CS] = s
	return nil
}
