package machine

import (
	"bufio"
	"io"

	"github.com/colorfulnotion/dynarec/log"
)

const (
	PortConsole = 0xe9  // debug console: every byte written is printed
	PortReset   = 0xcf9 // reset control: writing bit 2 resets the machine
	resetCPU    = 0x04
)

// Port is one device on the I/O bus.
type Port interface {
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)
}

// IOBus routes IN and OUT to devices. Unclaimed reads float high and
// unclaimed writes are dropped.
type IOBus struct {
	ports map[uint16]Port
}

func NewIOBus() *IOBus {
	return &IOBus{ports: make(map[uint16]Port)}
}

func (b *IOBus) Attach(port uint16, dev Port) {
	b.ports[port] = dev
}

func (b *IOBus) In(port uint16, size int) uint32 {
	if dev, ok := b.ports[port]; ok {
		return dev.In(port, size)
	}
	return 0xffffffff >> (32 - 8*size)
}

func (b *IOBus) Out(port uint16, size int, value uint32) {
	if dev, ok := b.ports[port]; ok {
		dev.Out(port, size, value)
		return
	}
	log.Trace(log.MachineMonitoring, "unclaimed port write", "port", port, "value", value)
}

// Console collects bytes written to the debug port.
type Console struct {
	w   *bufio.Writer
	buf []byte
}

func NewConsole(w io.Writer) *Console {
	c := &Console{}
	if w != nil {
		c.w = bufio.NewWriter(w)
	}
	return c
}

func (c *Console) In(port uint16, size int) uint32 {
	return PortConsole // the port reads back its own number, as Bochs does
}

func (c *Console) Out(port uint16, size int, value uint32) {
	ch := byte(value)
	c.buf = append(c.buf, ch)
	if c.w == nil {
		return
	}
	_ = c.w.WriteByte(ch)
	if ch == '\n' {
		_ = c.w.Flush()
	}
}

// Output returns everything written so far.
func (c *Console) Output() string {
	return string(c.buf)
}

func (c *Console) Flush() error {
	if c.w == nil {
		return nil
	}
	return c.w.Flush()
}

// resetControl is the reset control register at 0xCF9.
type resetControl struct {
	value   uint8
	request func()
}

func (r *resetControl) In(port uint16, size int) uint32 {
	return uint32(r.value)
}

func (r *resetControl) Out(port uint16, size int, value uint32) {
	r.value = uint8(value) &^ resetCPU
	if value&resetCPU != 0 {
		log.Info(log.MachineMonitoring, "guest requested reset", "value", value)
		r.request()
	}
}
