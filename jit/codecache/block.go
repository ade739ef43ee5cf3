package codecache

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/common"
)

// BlockID addresses a block record in the Store.
type BlockID int32

// NoBlock is the absent BlockID.
const NoBlock BlockID = -1

// Identity is everything a cached block was decoded under. Two executions of
// the same bytes with a different Identity must not share a block.
type Identity struct {
	Phys   uint32 // physical address of the first byte
	CS     uint32 // CS base
	PC     uint32 // flat linear address of the first byte
	Status uint32 // x86.Status* bits
	TOP    uint8  // x87 TOP when static_fpu_top is on, otherwise 0
}

func (id Identity) String() string {
	return fmt.Sprintf("pc=%08x phys=%08x cs=%08x st=%x top=%d", id.PC, id.Phys, id.CS, id.Status, id.TOP)
}

// Compare orders identities lexicographically by Phys, CS, PC, Status, TOP.
func (id Identity) Compare(o Identity) int {
	switch {
	case id.Phys != o.Phys:
		return cmp32(id.Phys, o.Phys)
	case id.CS != o.CS:
		return cmp32(id.CS, o.CS)
	case id.PC != o.PC:
		return cmp32(id.PC, o.PC)
	case id.Status != o.Status:
		return cmp32(id.Status, o.Status)
	}
	return int(id.TOP) - int(o.TOP)
}

func cmp32(a, b uint32) int {
	if a < b {
		return -1
	}
	return 1
}

// State is where a block is in its lifecycle.
type State uint8

const (
	StateFree     State = iota // on the free list
	StateMarked                // cold pass done, masks claimed, no code yet
	StateCompiled              // ops in the arena, executable
)

func (s State) String() string {
	switch s {
	case StateMarked:
		return "marked"
	case StateCompiled:
		return "compiled"
	}
	return "free"
}

type Flags uint8

const (
	FlagEnabled       Flags = 1 << iota
	FlagWasRecompiled       // compiled again after an invalidation at the same identity
	FlagHasFPU              // contains an instruction that moves the x87 TOP
	FlagByteMask            // reserved; byte-granular masks are not implemented
)

// Block is the metadata of one translated guest code block.
type Block struct {
	ID BlockID
	Identity

	PageMask  uint64 // granules of the first page holding source bytes
	PageMask2 uint64 // granules of the second page, zero when the block fits one page
	Phys2     uint32 // physical address of the second page
	EndPC     uint32 // flat address after the last instruction

	State State
	Flags Flags
	Code  Handle

	Insts  uint32
	Cycles uint32
	Bytes  uint32

	// Digest is the blake2b hash of the source bytes, captured in paranoid mode.
	Digest common.Hash

	Executions uint64
}

// Page returns the physical page of the first byte.
func (b *Block) Page() uint32 {
	return b.Phys >> 12
}

// Page2 returns the second physical page and whether the block spans one.
func (b *Block) Page2() (uint32, bool) {
	return b.Phys2 >> 12, b.PageMask2 != 0
}

func (b *Block) Enabled() bool {
	return b.Flags&FlagEnabled != 0
}

func (b *Block) String() string {
	s := fmt.Sprintf("block %d [%s] %s..%08x insts=%d bytes=%d mask=%016x mask2=%016x",
		b.ID, b.State, b.Identity, b.EndPC, b.Insts, b.Bytes, b.PageMask, b.PageMask2)
	if !common.IsNilHash(b.Digest) {
		s += " digest=" + b.Digest.String_short()
	}
	return s
}
