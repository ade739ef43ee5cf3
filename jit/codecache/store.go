// Package codecache owns block metadata and the arena compiled operations live in.
package codecache

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/x86"
)

// Handle locates an arena allocation. It is only valid in the generation it was made in.
type Handle struct {
	Offset uint32
	Len    uint32
	Gen    uint32
}

// FlushListener is told when every block has been dropped.
type FlushListener interface {
	Clear()
}

type Stats struct {
	Allocations uint64
	Flushes     uint64
	Released    uint64
	HighWater   uint32 // most arena slots in use at once
	Holes       uint32 // slots freed out of order in this generation
}

// Store is the block pool plus the op arena. Allocation is a bump pointer;
// running out of either resource is answered with a full Flush.
type Store struct {
	blocks []Block
	free   []BlockID
	live   int

	arena []x86.CompiledOp
	top   uint32
	gen   uint32

	pinned    BlockID
	tracker   *pagetrack.Tracker
	listeners []FlushListener

	Stats Stats
}

// New creates a store for maxBlocks blocks and arenaOps compiled operations.
func New(maxBlocks, arenaOps int, tracker *pagetrack.Tracker) *Store {
	s := &Store{
		blocks:  make([]Block, maxBlocks),
		free:    make([]BlockID, 0, maxBlocks),
		arena:   make([]x86.CompiledOp, arenaOps),
		pinned:  NoBlock,
		tracker: tracker,
	}
	for i := maxBlocks - 1; i >= 0; i-- {
		s.blocks[i].ID = BlockID(i)
		s.free = append(s.free, BlockID(i))
	}
	return s
}

// AddFlushListener registers l to be cleared on every Flush.
func (s *Store) AddFlushListener(l FlushListener) {
	s.listeners = append(s.listeners, l)
}

// NewBlock takes a record from the pool.
func (s *Store) NewBlock() (BlockID, error) {
	if len(s.free) == 0 {
		return NoBlock, jiterrors.ErrCBlockPoolExhausted
	}
	id := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	s.blocks[id] = Block{ID: id, State: StateMarked}
	s.live++
	return id, nil
}

// Get returns the record for id. The pointer stays valid until the block is released.
func (s *Store) Get(id BlockID) *Block {
	if id < 0 || int(id) >= len(s.blocks) {
		return nil
	}
	return &s.blocks[id]
}

// Release returns a block to the pool and frees its code.
func (s *Store) Release(id BlockID) error {
	b := s.Get(id)
	if b == nil || b.State == StateFree {
		return fmt.Errorf("release block %d: %w", id, jiterrors.ErrCBadBlock)
	}
	if id == s.pinned {
		return jiterrors.ErrCBlockExecuting
	}
	if b.State == StateCompiled {
		s.Free(b.Code)
	}
	*b = Block{ID: id}
	s.free = append(s.free, id)
	s.live--
	s.Stats.Released++
	return nil
}

// Allocate reserves n arena slots.
func (s *Store) Allocate(n int) (Handle, error) {
	if n <= 0 || s.top+uint32(n) > uint32(len(s.arena)) {
		return Handle{}, jiterrors.ErrCOutOfSpace
	}
	h := Handle{Offset: s.top, Len: uint32(n), Gen: s.gen}
	s.top += uint32(n)
	if s.top > s.Stats.HighWater {
		s.Stats.HighWater = s.top
	}
	s.Stats.Allocations++
	return h, nil
}

// Free gives back an allocation. Only the most recent allocation is reclaimed;
// anything else stays a hole until the next Flush.
func (s *Store) Free(h Handle) {
	if h.Gen != s.gen || h.Len == 0 {
		return
	}
	if h.Offset+h.Len == s.top {
		s.top = h.Offset
		return
	}
	s.Stats.Holes += h.Len
}

// Code returns the compiled op slice h points at. The ops are closures over
// pre-decoded instructions, not host machine code; a handle from an earlier
// generation fails with ErrCStaleHandle.
func (s *Store) Code(h Handle) ([]x86.CompiledOp, error) {
	if h.Gen != s.gen {
		return nil, jiterrors.ErrCStaleHandle
	}
	return s.arena[h.Offset : h.Offset+h.Len : h.Offset+h.Len], nil
}

// Pin marks id as the block being executed; it may not be released or flushed.
func (s *Store) Pin(id BlockID) {
	s.pinned = id
}

func (s *Store) Unpin() {
	s.pinned = NoBlock
}

func (s *Store) Pinned() BlockID {
	return s.pinned
}

// Flush drops every block and the whole arena.
func (s *Store) Flush() error {
	if s.pinned != NoBlock {
		return jiterrors.ErrCBlockExecuting
	}
	dropped := s.live
	s.gen++
	s.top = 0
	s.Stats.Holes = 0
	s.free = s.free[:0]
	for i := len(s.blocks) - 1; i >= 0; i-- {
		s.blocks[i] = Block{ID: BlockID(i)}
		s.free = append(s.free, BlockID(i))
	}
	s.live = 0
	for _, l := range s.listeners {
		l.Clear()
	}
	if s.tracker != nil {
		s.tracker.ClearAllCodePresent()
	}
	s.Stats.Flushes++
	log.Debug(log.CacheMonitoring, "code cache flushed", "blocks", dropped, "gen", s.gen)
	return nil
}

// Live returns the number of blocks taken from the pool.
func (s *Store) Live() int {
	return s.live
}

// Used returns the arena slots below the bump pointer.
func (s *Store) Used() uint32 {
	return s.top
}

func (s *Store) Capacity() int {
	return len(s.arena)
}

func (s *Store) Generation() uint32 {
	return s.gen
}

// Blocks calls fn for every live block in id order.
func (s *Store) Blocks(fn func(b *Block)) {
	for i := range s.blocks {
		if s.blocks[i].State != StateFree {
			fn(&s.blocks[i])
		}
	}
}
