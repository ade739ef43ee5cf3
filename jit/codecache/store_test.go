package codecache

import (
	"testing"

	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListener struct{ n int }

func (c *countingListener) Clear() { c.n++ }

func TestBlockPool(t *testing.T) {
	s := New(2, 64, nil)
	a, err := s.NewBlock()
	require.NoError(t, err)
	b, err := s.NewBlock()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, StateMarked, s.Get(a).State)

	_, err = s.NewBlock()
	assert.ErrorIs(t, err, jiterrors.ErrCBlockPoolExhausted)

	require.NoError(t, s.Release(a))
	assert.Equal(t, StateFree, s.Get(a).State)
	assert.ErrorIs(t, s.Release(a), jiterrors.ErrCBadBlock)
	c, err := s.NewBlock()
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.Equal(t, 2, s.Live())
}

func TestArenaBumpAndFree(t *testing.T) {
	s := New(4, 10, nil)
	h1, err := s.Allocate(4)
	require.NoError(t, err)
	h2, err := s.Allocate(4)
	require.NoError(t, err)
	_, err = s.Allocate(4)
	assert.ErrorIs(t, err, jiterrors.ErrCOutOfSpace)

	s.Free(h2)
	assert.Equal(t, uint32(4), s.Used(), "top allocation is reclaimed")
	s.Free(h1)
	assert.Equal(t, uint32(0), s.Used())

	h3, err := s.Allocate(3)
	require.NoError(t, err)
	_, err = s.Allocate(3)
	require.NoError(t, err)
	s.Free(h3)
	assert.Equal(t, uint32(6), s.Used(), "older allocation leaves a hole")
	assert.Equal(t, uint32(3), s.Stats.Holes)
	assert.Equal(t, uint32(8), s.Stats.HighWater)
}

func TestFlushInvalidatesHandles(t *testing.T) {
	tr := pagetrack.NewTracker(16)
	tr.SetCodePresent(3, 0xff)
	s := New(4, 16, tr)
	l := &countingListener{}
	s.AddFlushListener(l)

	id, err := s.NewBlock()
	require.NoError(t, err)
	h, err := s.Allocate(2)
	require.NoError(t, err)
	s.Get(id).Code = h
	s.Get(id).State = StateCompiled
	ops, err := s.Code(h)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	require.NoError(t, s.Flush())
	assert.Equal(t, 1, l.n)
	assert.Equal(t, 0, s.Live())
	assert.Equal(t, uint64(0), tr.CodePresent(3))
	_, err = s.Code(h)
	assert.ErrorIs(t, err, jiterrors.ErrCStaleHandle)
	assert.Equal(t, StateFree, s.Get(id).State)
	assert.Equal(t, uint64(1), s.Stats.Flushes)
}

func TestPinnedBlockBlocksFlush(t *testing.T) {
	s := New(4, 16, nil)
	id, err := s.NewBlock()
	require.NoError(t, err)
	s.Pin(id)
	assert.ErrorIs(t, s.Flush(), jiterrors.ErrCBlockExecuting)
	assert.ErrorIs(t, s.Release(id), jiterrors.ErrCBlockExecuting)
	assert.Equal(t, 1, s.Live())
	s.Unpin()
	require.NoError(t, s.Flush())
}

func TestIdentityOrdering(t *testing.T) {
	a := Identity{Phys: 0x1000, CS: 0, PC: 0x1000, Status: 1}
	b := a
	b.Status = 5
	c := a
	c.TOP = 3
	assert.Equal(t, 0, a.Compare(a))
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Negative(t, a.Compare(c))
	assert.Contains(t, a.String(), "pc=00001000")
}
