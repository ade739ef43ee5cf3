package x86

import (
	"testing"

	"github.com/colorfulnotion/dynarec/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultRollsBackSegmentsAndControl(t *testing.T) {
	mem, err := memory.NewPhysicalMemory(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	c := NewCPU(memory.NewTranslator(mem), nil)
	c.SetFlatSegments(0x08, 0x10)
	c.EIP = 0x1000
	before := c.State()

	in := &Inst{Addr: 0x1000, Len: 2, Opcode: 0x90}
	err = c.execute(in, func(c *CPU, in *Inst) error {
		c.Seg[DS] = Segment{Selector: 0x28, Base: 0x40000, Limit: 0xffff}
		c.FPUTop = 5
		c.SetControl(c.CR0, 0x7000, 0)
		c.Regs[EAX] = 1
		return faultGP(0)
	}, 1)
	_, ok := AsFault(err)
	require.True(t, ok)
	assert.Equal(t, before, c.State())
	assert.Zero(t, c.CR3)
}
