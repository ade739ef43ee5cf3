package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/dynarec/jiterrors"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// WriteMonitor is told about every write into guest RAM.
type WriteMonitor interface {
	MarkDirty(phys uint32, length int)
}

// PhysicalMemory is flat guest RAM starting at physical address 0.
// Reads beyond the end return all ones and writes beyond it are dropped.
type PhysicalMemory struct {
	ram     []byte
	size    uint32
	monitor WriteMonitor
	release func() error
}

func NewPhysicalMemory(size uint32) (*PhysicalMemory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("guest RAM size %#x: %w", size, jiterrors.ErrMBadSize)
	}
	ram, release, err := allocRAM(size)
	if err != nil {
		return nil, err
	}
	return &PhysicalMemory{ram: ram, size: size, release: release}, nil
}

// SetWriteMonitor installs the write hook; nil disables it.
func (m *PhysicalMemory) SetWriteMonitor(w WriteMonitor) {
	m.monitor = w
}

func (m *PhysicalMemory) Size() uint32 {
	return m.size
}

func (m *PhysicalMemory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.ram = nil
	m.size = 0
	return err
}

func (m *PhysicalMemory) inRange(phys uint32, n uint32) bool {
	return uint64(phys)+uint64(n) <= uint64(m.size)
}

func (m *PhysicalMemory) Read8(phys uint32) uint8 {
	if phys >= m.size {
		return 0xff
	}
	return m.ram[phys]
}

func (m *PhysicalMemory) Read16(phys uint32) uint16 {
	if !m.inRange(phys, 2) {
		return uint16(m.Read8(phys)) | uint16(m.Read8(phys+1))<<8
	}
	return binary.LittleEndian.Uint16(m.ram[phys:])
}

func (m *PhysicalMemory) Read32(phys uint32) uint32 {
	if !m.inRange(phys, 4) {
		return uint32(m.Read16(phys)) | uint32(m.Read16(phys+2))<<16
	}
	return binary.LittleEndian.Uint32(m.ram[phys:])
}

func (m *PhysicalMemory) Write8(phys uint32, v uint8) {
	if phys >= m.size {
		return
	}
	m.ram[phys] = v
	if m.monitor != nil {
		m.monitor.MarkDirty(phys, 1)
	}
}

func (m *PhysicalMemory) Write16(phys uint32, v uint16) {
	if !m.inRange(phys, 2) {
		m.Write8(phys, uint8(v))
		m.Write8(phys+1, uint8(v>>8))
		return
	}
	binary.LittleEndian.PutUint16(m.ram[phys:], v)
	if m.monitor != nil {
		m.monitor.MarkDirty(phys, 2)
	}
}

func (m *PhysicalMemory) Write32(phys uint32, v uint32) {
	if !m.inRange(phys, 4) {
		m.Write16(phys, uint16(v))
		m.Write16(phys+2, uint16(v>>16))
		return
	}
	binary.LittleEndian.PutUint32(m.ram[phys:], v)
	if m.monitor != nil {
		m.monitor.MarkDirty(phys, 4)
	}
}

// ReadBlock copies len(buf) bytes starting at phys into buf.
func (m *PhysicalMemory) ReadBlock(phys uint32, buf []byte) {
	for i := range buf {
		buf[i] = m.Read8(phys + uint32(i))
	}
}

// WriteBlock stores data at phys through the write monitor, as a DMA transfer would.
func (m *PhysicalMemory) WriteBlock(phys uint32, data []byte) error {
	if !m.inRange(phys, uint32(len(data))) {
		return fmt.Errorf("write %d bytes at %#x: %w", len(data), phys, jiterrors.ErrMImageTooLarge)
	}
	copy(m.ram[phys:], data)
	if m.monitor != nil && len(data) > 0 {
		m.monitor.MarkDirty(phys, len(data))
	}
	return nil
}
