// Package recompiler turns guest x86 code into cached blocks of compiled ops.
//
// Blocks are built in two visits. The first visit (Mark) interprets the block
// and records which granules of which physical pages it was decoded from. The
// second visit (Compile) interprets it again and emits one compiled op per
// instruction. Both passes stop at the same kind of boundary: a control-flow
// change, a mode change, the byte cap, or the second page running out.
package recompiler

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/dynarec/jit/blockindex"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
)

type Options struct {
	MaxBlockBytes int  // byte span after which a block ends
	StaticFPUTop  bool // key blocks on the x87 TOP
	Paranoid      bool // digest source bytes and re-check them on validation
}

type Stats struct {
	Marks           uint64
	Compiles        uint64
	Aborts          uint64
	Invalidations   uint64
	Flushes         uint64 // flushes forced by an exhausted arena or block pool
	FlagsEliminated uint64
	PageSplits      uint64 // blocks spanning two pages
	Recompiles      uint64 // compiles of an identity that had been invalidated before
}

type Recompiler struct {
	mmu     *memory.Translator
	tracker *pagetrack.Tracker
	store   *codecache.Store
	index   *blockindex.Index
	opts    Options

	resetPending     func() bool
	interruptPending func(cpu *x86.CPU) bool

	ops []x86.CompiledOp

	invalidated map[codecache.Identity]struct{}
	building    *codecache.Block // block whose pass is running

	Stats Stats
}

func New(mmu *memory.Translator, tracker *pagetrack.Tracker, store *codecache.Store, index *blockindex.Index, opts Options) *Recompiler {
	r := &Recompiler{
		mmu:              mmu,
		tracker:          tracker,
		store:            store,
		index:            index,
		opts:             opts,
		resetPending:     func() bool { return false },
		interruptPending: func(*x86.CPU) bool { return false },
		ops:              make([]x86.CompiledOp, 0, 256),
		invalidated:      make(map[codecache.Identity]struct{}),
	}
	store.AddFlushListener(r)
	return r
}

// SetResetSignal installs the check for a pending guest reset; a reset aborts the block.
func (r *Recompiler) SetResetSignal(fn func() bool) {
	r.resetPending = fn
}

// SetInterruptCheck installs the check that ends a pass when an interrupt is deliverable.
func (r *Recompiler) SetInterruptCheck(fn func(cpu *x86.CPU) bool) {
	r.interruptPending = fn
}

// Clear forgets invalidation history. The store calls it on flush.
func (r *Recompiler) Clear() {
	clear(r.invalidated)
}

// Identity returns the key of a block starting at the CPU's current PC.
func (r *Recompiler) Identity(cpu *x86.CPU, phys uint32) codecache.Identity {
	id := codecache.Identity{
		Phys:   phys,
		CS:     cpu.Seg[x86.CS].Base,
		PC:     cpu.PC(),
		Status: cpu.Status(),
	}
	if r.opts.StaticFPUTop {
		id.TOP = cpu.FPUTop
	}
	return id
}

func (r *Recompiler) newBlock() (codecache.BlockID, error) {
	id, err := r.store.NewBlock()
	if errors.Is(err, jiterrors.ErrCBlockPoolExhausted) {
		if err := r.flush(); err != nil {
			return codecache.NoBlock, err
		}
		id, err = r.store.NewBlock()
	}
	return id, err
}

func (r *Recompiler) flush() error {
	if err := r.store.Flush(); err != nil {
		return err
	}
	r.Stats.Flushes++
	return nil
}

// abort discards a partially built block.
func (r *Recompiler) abort(id codecache.BlockID, err error) error {
	if relErr := r.store.Release(id); relErr != nil {
		log.Warn(log.JitMonitoring, "release after abort", "block", id, "err", relErr)
	}
	if errors.Is(err, jiterrors.ErrRNoProgress) || errors.Is(err, jiterrors.ErrRResetDuringCompile) {
		return err
	}
	r.Stats.Aborts++
	return fmt.Errorf("%w: %w", jiterrors.ErrRCompileAbort, err)
}

// Mark runs the cold pass for a block at the CPU's current PC and registers it.
func (r *Recompiler) Mark(cpu *x86.CPU, key codecache.Identity) (codecache.BlockID, error) {
	id, err := r.newBlock()
	if err != nil {
		return codecache.NoBlock, err
	}
	b := r.store.Get(id)
	b.Identity = key
	if err := r.run(cpu, b, false); err != nil {
		return codecache.NoBlock, r.abort(id, err)
	}
	r.index.Insert(id)
	r.Stats.Marks++
	log.Trace(log.JitMonitoring, "block marked", "block", id, "pc", fmt.Sprintf("%08x", key.PC), "insts", b.Insts)
	return id, nil
}

// Compile builds the ops of a marked block, interpreting it alongside. The
// block may move to a new id when the arena had to be flushed.
func (r *Recompiler) Compile(cpu *x86.CPU, id codecache.BlockID) (codecache.BlockID, error) {
	b := r.store.Get(id)
	if b == nil || b.State != codecache.StateMarked {
		return codecache.NoBlock, fmt.Errorf("compile block %d: %w", id, jiterrors.ErrCBadBlock)
	}
	r.index.Remove(id)
	if err := r.run(cpu, b, true); err != nil {
		return codecache.NoBlock, r.abort(id, err)
	}

	h, err := r.store.Allocate(len(r.ops))
	if errors.Is(err, jiterrors.ErrCOutOfSpace) {
		saved := *b
		if err := r.flush(); err != nil {
			return codecache.NoBlock, r.abort(id, err)
		}
		if id, err = r.store.NewBlock(); err != nil {
			return codecache.NoBlock, err
		}
		b = r.store.Get(id)
		*b = saved
		b.ID = id
		r.claim(b)
		h, err = r.store.Allocate(len(r.ops))
	}
	if err != nil {
		return codecache.NoBlock, r.abort(id, err)
	}
	code, err := r.store.Code(h)
	if err != nil {
		return codecache.NoBlock, r.abort(id, err)
	}
	copy(code, r.ops)

	b.Code = h
	b.State = codecache.StateCompiled
	b.Flags |= codecache.FlagEnabled
	if _, seen := r.invalidated[b.Identity]; seen {
		b.Flags |= codecache.FlagWasRecompiled
		r.Stats.Recompiles++
	}
	if r.opts.Paranoid {
		b.Digest = r.digest(b)
	}
	if prev := r.index.Insert(id); prev != codecache.NoBlock && prev != id {
		_ = r.store.Release(prev)
	}
	r.Stats.Compiles++
	log.Trace(log.JitMonitoring, "block compiled", "block", id, "pc", fmt.Sprintf("%08x", b.PC), "ops", len(r.ops), "bytes", b.Bytes)
	return id, nil
}

// claim marks a block's granules as code present.
func (r *Recompiler) claim(b *codecache.Block) {
	r.tracker.SetCodePresent(b.Page(), b.PageMask)
	if page2, ok := b.Page2(); ok {
		r.tracker.SetCodePresent(page2, b.PageMask2)
	}
}
