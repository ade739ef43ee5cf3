package memory

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMonitor struct {
	writes [][2]int
	pages  []uint32
}

func (r *recordingMonitor) MarkDirty(phys uint32, length int) {
	r.writes = append(r.writes, [2]int{int(phys), length})
}

func (r *recordingMonitor) Touch(page uint32) {
	r.pages = append(r.pages, page)
}

func newTestMemory(t *testing.T) *PhysicalMemory {
	t.Helper()
	m, err := NewPhysicalMemory(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPhysicalMemoryRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	mon := &recordingMonitor{}
	m.SetWriteMonitor(mon)

	m.Write32(0x1000, 0xdeadbeef)
	m.Write16(0x1004, 0x1234)
	m.Write8(0x1006, 0x56)

	assert.Equal(t, uint32(0xdeadbeef), m.Read32(0x1000))
	assert.Equal(t, uint16(0xbeef), m.Read16(0x1000))
	assert.Equal(t, uint8(0x56), m.Read8(0x1006))
	assert.Equal(t, [][2]int{{0x1000, 4}, {0x1004, 2}, {0x1006, 1}}, mon.writes)
}

func TestPhysicalMemoryOpenBus(t *testing.T) {
	m := newTestMemory(t)
	assert.Equal(t, uint8(0xff), m.Read8(m.Size()))
	assert.Equal(t, uint32(0xffffffff), m.Read32(m.Size()+16))

	// straddles the end of RAM: the low half lands, the rest is dropped
	m.Write16(m.Size()-1, 0xaabb)
	assert.Equal(t, uint8(0xbb), m.Read8(m.Size()-1))
}

func TestWriteBlockBounds(t *testing.T) {
	m := newTestMemory(t)
	mon := &recordingMonitor{}
	m.SetWriteMonitor(mon)

	require.NoError(t, m.WriteBlock(0x7c00, []byte{0x90, 0xf4}))
	assert.Equal(t, [][2]int{{0x7c00, 2}}, mon.writes)

	err := m.WriteBlock(m.Size()-1, []byte{1, 2})
	assert.True(t, errors.Is(err, jiterrors.ErrMImageTooLarge))
}

func TestBadSize(t *testing.T) {
	_, err := NewPhysicalMemory(1000)
	assert.ErrorIs(t, err, jiterrors.ErrMBadSize)
}
