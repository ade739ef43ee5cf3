package x86

// IOBus serves IN and OUT instructions. size is 1, 2 or 4.
type IOBus interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)
}

// InterruptController is polled for maskable interrupts between blocks.
type InterruptController interface {
	Pending() (vector uint8, ok bool)
	Ack(vector uint8)
}

func (c *CPU) in(port uint16, size int) uint32 {
	if c.io == nil {
		return sizeMask(size)
	}
	return c.io.In(port, size) & sizeMask(size)
}

func (c *CPU) out(port uint16, size int, v uint32) {
	if c.io != nil {
		c.io.Out(port, size, v&sizeMask(size))
	}
}
