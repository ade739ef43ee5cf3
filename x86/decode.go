package x86

// CodeReader supplies instruction bytes at CS-relative offsets.
type CodeReader interface {
	Fetch8(eip uint32) (uint8, error)
}

// RepKind is the repeat prefix in effect.
type RepKind uint8

const (
	RepNone RepKind = iota
	RepE            // F3: REP / REPE
	RepNE           // F2: REPNE
)

// prefixKind classifies a prefix byte.
type prefixKind uint8

const (
	notPrefix prefixKind = iota
	prefixSegment
	prefixOpSize
	prefixAddrSize
	prefixRepeat
	prefixLock
)

func classifyPrefix(b uint8) (prefixKind, int) {
	switch b {
	case 0x26:
		return prefixSegment, ES
	case 0x2e:
		return prefixSegment, CS
	case 0x36:
		return prefixSegment, SS
	case 0x3e:
		return prefixSegment, DS
	case 0x64:
		return prefixSegment, FS
	case 0x65:
		return prefixSegment, GS
	case 0x66:
		return prefixOpSize, 0
	case 0x67:
		return prefixAddrSize, 0
	case 0xf2:
		return prefixRepeat, int(RepNE)
	case 0xf3:
		return prefixRepeat, int(RepE)
	case 0xf0:
		return prefixLock, 0
	}
	return notPrefix, 0
}

const maxInstLen = 15

// Inst is a fully decoded instruction. Register values are not captured:
// the memory operand is kept as base/index/scale/disp and resolved when executed.
type Inst struct {
	Addr   uint32 // offset of the first byte within CS
	Len    uint8
	Opcode uint16 // 0x000-0x0ff one-byte map, 0x100-0x1ff the 0F map
	Op32   bool
	Addr32 bool
	SegOvr int8 // -1 when absent
	Rep    RepKind
	Lock   bool

	hasOpPrefix bool

	HasModRM bool
	Mod      uint8
	Reg      uint8
	RM       uint8
	Base     int8 // -1 when absent
	Index    int8 // -1 when absent
	Scale    uint8
	DefSeg   uint8
	Disp     uint32

	Imm  uint32
	Imm2 uint32 // far pointer selector, ENTER level

	// NoFlags is set by the recompiler when the next instruction overwrites
	// every arithmetic flag without reading them.
	NoFlags bool
}

// Next returns the offset following the instruction, wrapped to the operand size of CS.
func (in *Inst) Next() uint32 {
	n := in.Addr + uint32(in.Len)
	if !in.codeBig() {
		n &= 0xffff
	}
	return n
}

// codeBig recovers the CS default size: an operand-size prefix flips it.
func (in *Inst) codeBig() bool {
	return in.Op32 != in.hasOpPrefix
}

func (in *Inst) segment() int {
	if in.SegOvr >= 0 {
		return int(in.SegOvr)
	}
	return int(in.DefSeg)
}

func (in *Inst) opSize() int {
	if in.Op32 {
		return 4
	}
	return 2
}

// size returns the operand size when the low opcode bit selects 8-bit operands (ALU, MOV, string ops).
func (in *Inst) size() int {
	if in.Opcode&1 == 0 {
		return 1
	}
	return in.opSize()
}

// Decode reads one instruction at eip. big is the CS default size (D bit).
func Decode(r CodeReader, eip uint32, big bool) (Inst, error) {
	in := Inst{Addr: eip, Op32: big, Addr32: big, SegOvr: -1, Base: -1, Index: -1, DefSeg: DS}
	d := decoder{r: r, eip: eip, big: big}

	var b uint8
	var err error
	for {
		if b, err = d.next(); err != nil {
			return in, err
		}
		kind, arg := classifyPrefix(b)
		if kind == notPrefix {
			break
		}
		switch kind {
		case prefixSegment:
			in.SegOvr = int8(arg)
		case prefixOpSize:
			in.Op32 = !big
			in.hasOpPrefix = true
		case prefixAddrSize:
			in.Addr32 = !big
		case prefixRepeat:
			in.Rep = RepKind(arg)
		case prefixLock:
			in.Lock = true
		}
	}

	op := uint16(b)
	if b == 0x0f {
		if b, err = d.next(); err != nil {
			return in, err
		}
		op = 0x100 | uint16(b)
	}
	in.Opcode = op
	info := &opTable[op]
	if info.Interpret == nil {
		in.Len = d.n
		return in, faultUD()
	}

	if info.Format&fModRM != 0 {
		if err := d.modrm(&in); err != nil {
			return in, err
		}
	}

	immFmt := info.Format &^ fModRM
	if info.Format&fGroupImm != 0 {
		// F6/F7: only TEST (reg 0 and 1) carries an immediate
		immFmt = 0
		if in.Reg < 2 {
			immFmt = fImmV
			if in.Opcode == 0xf6 {
				immFmt = fImm8
			}
		}
	}
	if err := d.immediate(&in, immFmt); err != nil {
		return in, err
	}
	in.Len = d.n
	return in, nil
}

type decoder struct {
	r   CodeReader
	eip uint32
	big bool
	n   uint8
}

func (d *decoder) next() (uint8, error) {
	if d.n >= maxInstLen {
		return 0, faultGP(0)
	}
	off := d.eip + uint32(d.n)
	if !d.big {
		off &= 0xffff
	}
	b, err := d.r.Fetch8(off)
	if err != nil {
		return 0, err
	}
	d.n++
	return b, nil
}

func (d *decoder) bytes(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := d.next()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

func signExtend8(v uint32) uint32 {
	return uint32(int32(int8(v)))
}

func signExtend16(v uint32) uint32 {
	return uint32(int32(int16(v)))
}

var modrm16Base = [8][2]int8{
	{EBX, ESI}, {EBX, EDI}, {EBP, ESI}, {EBP, EDI},
	{ESI, -1}, {EDI, -1}, {EBP, -1}, {EBX, -1},
}

func (d *decoder) modrm(in *Inst) error {
	b, err := d.next()
	if err != nil {
		return err
	}
	in.HasModRM = true
	in.Mod, in.Reg, in.RM = b>>6, b>>3&7, b&7
	if in.Mod == 3 {
		return nil
	}

	if !in.Addr32 {
		if in.Mod == 0 && in.RM == 6 {
			disp, err := d.bytes(2)
			if err != nil {
				return err
			}
			in.Disp = disp
			return nil
		}
		in.Base, in.Index = modrm16Base[in.RM][0], modrm16Base[in.RM][1]
		if in.Base == EBP {
			in.DefSeg = SS
		}
		switch in.Mod {
		case 1:
			disp, err := d.bytes(1)
			if err != nil {
				return err
			}
			in.Disp = signExtend8(disp)
		case 2:
			disp, err := d.bytes(2)
			if err != nil {
				return err
			}
			in.Disp = signExtend16(disp)
		}
		return nil
	}

	rm := in.RM
	if rm == 4 {
		sib, err := d.next()
		if err != nil {
			return err
		}
		in.Scale = sib >> 6
		if idx := sib >> 3 & 7; idx != ESP {
			in.Index = int8(idx)
		}
		rm = sib & 7
		if rm == EBP && in.Mod == 0 {
			disp, err := d.bytes(4)
			if err != nil {
				return err
			}
			in.Disp = disp
			return nil
		}
		in.Base = int8(rm)
	} else if rm == EBP && in.Mod == 0 {
		disp, err := d.bytes(4)
		if err != nil {
			return err
		}
		in.Disp = disp
		return nil
	} else {
		in.Base = int8(rm)
	}
	if in.Base == ESP || in.Base == EBP {
		in.DefSeg = SS
	}
	switch in.Mod {
	case 1:
		disp, err := d.bytes(1)
		if err != nil {
			return err
		}
		in.Disp = signExtend8(disp)
	case 2:
		disp, err := d.bytes(4)
		if err != nil {
			return err
		}
		in.Disp = disp
	}
	return nil
}

func (d *decoder) immediate(in *Inst, f uint16) error {
	var err error
	switch {
	case f&fImm8 != 0:
		in.Imm, err = d.bytes(1)
	case f&fImm8S != 0:
		in.Imm, err = d.bytes(1)
		in.Imm = signExtend8(in.Imm)
	case f&fImm16 != 0:
		in.Imm, err = d.bytes(2)
	case f&fImmV != 0:
		in.Imm, err = d.bytes(in.opSize())
	case f&fRel8 != 0:
		in.Imm, err = d.bytes(1)
		in.Imm = signExtend8(in.Imm)
	case f&fRelV != 0:
		in.Imm, err = d.bytes(in.opSize())
		if err == nil && !in.Op32 {
			in.Imm = signExtend16(in.Imm)
		}
	case f&fMoffs != 0:
		if in.Addr32 {
			in.Imm, err = d.bytes(4)
		} else {
			in.Imm, err = d.bytes(2)
		}
	case f&fFarPtr != 0:
		if in.Imm, err = d.bytes(in.opSize()); err == nil {
			in.Imm2, err = d.bytes(2)
		}
	case f&fImm16Imm8 != 0:
		if in.Imm, err = d.bytes(2); err == nil {
			in.Imm2, err = d.bytes(1)
		}
	}
	return err
}
