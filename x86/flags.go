package x86

// EFLAGS bits.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11

	arithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
	// writable by POPF in ring 0 on a 386 (IOPL, NT included)
	popfMask = 0x00037fd5
)

// FlagsMode tells the recompiler whether an opcode's flag results can stay deferred.
type FlagsMode uint8

const (
	FlagsImmediate FlagsMode = iota // reads flags, or must materialise them
	FlagsLazy                       // only produces arithmetic flags, recorded lazily
)

func (m FlagsMode) String() string {
	if m == FlagsLazy {
		return "lazy"
	}
	return "immediate"
}

type flagOp uint8

const (
	flagsNone flagOp = iota // arithmetic flags are materialised in CPU.flags
	flagsAdd
	flagsSub
	flagsLogic
	flagsInc
	flagsDec
)

// lazyFlags records the last flag-producing operation; flags are computed on demand.
type lazyFlags struct {
	op   flagOp
	size uint8
	cin  uint8 // carry in for ADC/SBB, carry kept for INC/DEC
	res  uint32
	a, b uint32
}

func sizeMask(size int) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	}
	return 0xffffffff
}

func signBit(size int) uint32 {
	return 1 << (uint(size)*8 - 1)
}

func parity(v uint8) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return v&1 == 0
}

// setLazy defers flag computation for an arithmetic result.
func (c *CPU) setLazy(op flagOp, size int, res, a, b uint32, cin uint8) {
	c.lazy = lazyFlags{op: op, size: uint8(size), res: res, a: a, b: b, cin: cin}
}

func (l *lazyFlags) compute() uint32 {
	size := int(l.size)
	m := sizeMask(size)
	sign := signBit(size)
	res := l.res & m
	a, b := l.a&m, l.b&m
	var f uint32
	if res == 0 {
		f |= FlagZF
	}
	if res&sign != 0 {
		f |= FlagSF
	}
	if parity(uint8(res)) {
		f |= FlagPF
	}
	switch l.op {
	case flagsAdd:
		if uint64(a)+uint64(b)+uint64(l.cin) > uint64(m) {
			f |= FlagCF
		}
		if (a^res)&(b^res)&sign != 0 {
			f |= FlagOF
		}
		f |= (a ^ b ^ res) & FlagAF
	case flagsSub:
		if uint64(a) < uint64(b)+uint64(l.cin) {
			f |= FlagCF
		}
		if (a^b)&(a^res)&sign != 0 {
			f |= FlagOF
		}
		f |= (a ^ b ^ res) & FlagAF
	case flagsInc:
		f |= uint32(l.cin) & FlagCF
		if res == sign {
			f |= FlagOF
		}
		if res&0xf == 0 {
			f |= FlagAF
		}
	case flagsDec:
		f |= uint32(l.cin) & FlagCF
		if res == sign-1 {
			f |= FlagOF
		}
		if res&0xf == 0xf {
			f |= FlagAF
		}
	case flagsLogic:
	}
	return f
}

// materialize folds any deferred arithmetic flags into c.flags.
func (c *CPU) materialize() {
	if c.lazy.op == flagsNone {
		return
	}
	c.flags = c.flags&^arithFlags | c.lazy.compute()
	c.lazy.op = flagsNone
}

// Flags returns EFLAGS with deferred arithmetic flags resolved.
func (c *CPU) Flags() uint32 {
	c.materialize()
	return c.flags | 0x2
}

// SetFlags loads EFLAGS; bit 1 always reads as one.
func (c *CPU) SetFlags(v uint32) {
	c.lazy.op = flagsNone
	c.flags = v | 0x2
}

func (c *CPU) flag(mask uint32) bool {
	if mask&arithFlags != 0 {
		c.materialize()
	}
	return c.flags&mask != 0
}

func (c *CPU) setFlag(mask uint32, on bool) {
	if mask&arithFlags != 0 {
		c.materialize()
	}
	if on {
		c.flags |= mask
	} else {
		c.flags &^= mask
	}
}

func (c *CPU) carry() uint8 {
	if c.flag(FlagCF) {
		return 1
	}
	return 0
}

// cond evaluates condition code cc (the low nibble of Jcc/SETcc/CMOVcc).
func (c *CPU) cond(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = c.flag(FlagOF)
	case 1:
		r = c.flag(FlagCF)
	case 2:
		r = c.flag(FlagZF)
	case 3:
		r = c.flag(FlagCF) || c.flag(FlagZF)
	case 4:
		r = c.flag(FlagSF)
	case 5:
		r = c.flag(FlagPF)
	case 6:
		r = c.flag(FlagSF) != c.flag(FlagOF)
	case 7:
		r = c.flag(FlagZF) || c.flag(FlagSF) != c.flag(FlagOF)
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// setFlagsImmediate writes the arithmetic flags directly, used by shifts and multiplies.
func (c *CPU) setFlagsImmediate(f uint32) {
	c.lazy.op = flagsNone
	c.flags = c.flags&^arithFlags | f&arithFlags
}

// szp returns ZF, SF and PF for a result.
func szp(size int, res uint32) uint32 {
	res &= sizeMask(size)
	var f uint32
	if res == 0 {
		f |= FlagZF
	}
	if res&signBit(size) != 0 {
		f |= FlagSF
	}
	if parity(uint8(res)) {
		f |= FlagPF
	}
	return f
}

// TrapFlag reports EFLAGS.TF without resolving deferred arithmetic flags.
func (c *CPU) TrapFlag() bool {
	return c.flags&FlagTF != 0
}

// InterruptsEnabled reports EFLAGS.IF.
func (c *CPU) InterruptsEnabled() bool {
	return c.flags&FlagIF != 0
}

// InterruptShadow reports whether the last instruction was STI, MOV SS or
// POP SS, so a maskable interrupt must wait one more instruction.
func (c *CPU) InterruptShadow() bool {
	return c.shadow
}

// AcceptsInterrupt reports whether a maskable interrupt may be taken now.
func (c *CPU) AcceptsInterrupt() bool {
	return c.InterruptsEnabled() && !c.shadow
}
