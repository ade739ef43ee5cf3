package machine

import (
	"math/bits"
	"sync/atomic"
)

// PIC is a pair of cascaded interrupt controllers reduced to what the
// dispatcher needs: sixteen request lines, a mask and two vector bases.
// Raise and Lower may be called from any goroutine.
type PIC struct {
	request atomic.Uint32
	mask    atomic.Uint32
	base    [2]uint8
}

func NewPIC() *PIC {
	p := &PIC{}
	p.Reset()
	return p
}

// Reset restores the BIOS vector layout (IRQ0-7 at 0x08, IRQ8-15 at 0x70) and
// drops every request.
func (p *PIC) Reset() {
	p.request.Store(0)
	p.mask.Store(0)
	p.base = [2]uint8{0x08, 0x70}
}

// SetBase moves the vectors of the master (IRQ0-7) and slave (IRQ8-15).
func (p *PIC) SetBase(master, slave uint8) {
	p.base = [2]uint8{master &^ 7, slave &^ 7}
}

func (p *PIC) SetMask(mask uint16) {
	p.mask.Store(uint32(mask))
}

func (p *PIC) Raise(irq int) {
	p.request.Or(1 << uint(irq&15))
}

func (p *PIC) Lower(irq int) {
	p.request.And(^uint32(1 << uint(irq&15)))
}

// Pending returns the vector of the lowest unmasked requested line.
func (p *PIC) Pending() (uint8, bool) {
	ready := p.request.Load() &^ p.mask.Load() & 0xffff
	if ready == 0 {
		return 0, false
	}
	return p.vector(bits.TrailingZeros32(ready)), true
}

// Ack clears the request behind vector; the lines are edge triggered.
func (p *PIC) Ack(vector uint8) {
	for irq := 0; irq < 16; irq++ {
		if p.vector(irq) == vector {
			p.Lower(irq)
			return
		}
	}
}

func (p *PIC) vector(irq int) uint8 {
	return p.base[irq>>3] + uint8(irq&7)
}
