package recompiler

import (
	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
)

// Verdict is the outcome of validating a cached block.
type Verdict uint8

const (
	Valid    Verdict = iota
	Dirty            // a source granule on the first page was written
	Dirty2           // a source granule on the second page was written
	Remapped         // the second linear page now maps elsewhere, or not at all
	Corrupt          // paranoid digest mismatch with clean dirty masks
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Dirty:
		return "dirty"
	case Dirty2:
		return "dirty2"
	case Remapped:
		return "remapped"
	}
	return "corrupt"
}

// Validate checks that a block found by identity may still run.
func (r *Recompiler) Validate(b *codecache.Block) Verdict {
	if b.PageMask&r.tracker.DirtyMaskFor(b.Page()) != 0 {
		return Dirty
	}
	if page2, ok := b.Page2(); ok {
		lin2 := b.PC&^(pagetrack.PageSize-1) + pagetrack.PageSize
		phys, ok := r.mmu.TranslateNoFault(lin2, memory.AccessExec)
		if !ok || phys&^(pagetrack.PageSize-1) != b.Phys2 {
			return Remapped
		}
		if b.PageMask2&r.tracker.DirtyMaskFor(page2) != 0 {
			return Dirty2
		}
	}
	if r.opts.Paranoid && b.State == codecache.StateCompiled && r.digest(b) != b.Digest {
		log.Error(log.JitMonitoring, "block changed without a dirty mark", "block", b.ID, "pc", b.PC)
		return Corrupt
	}
	return Valid
}

// Reject drops a block that failed validation. Dirty verdicts flush the whole
// page, since every block sharing the written granules is stale too.
func (r *Recompiler) Reject(b *codecache.Block, v Verdict) {
	switch v {
	case Dirty:
		r.CheckFlush(b.Page())
	case Dirty2:
		page2, _ := b.Page2()
		r.CheckFlush(page2)
	default:
		r.Invalidate(b.ID)
	}
}

// CheckFlush invalidates every block whose source granules on page were
// written since it was built, then clears the page's dirty bits. It returns
// the number of blocks dropped.
func (r *Recompiler) CheckFlush(page uint32) int {
	dirty := r.tracker.DirtyMaskFor(page)
	if dirty == 0 {
		return 0
	}
	n := 0
	touched := map[uint32]struct{}{page: {}}
	for _, id := range r.index.Blocks(page) {
		if b := r.store.Get(id); b.PageMask&dirty != 0 {
			if page2, ok := b.Page2(); ok {
				touched[page2] = struct{}{}
			}
			r.drop(b)
			n++
		}
	}
	for _, id := range r.index.Spanning(page) {
		if b := r.store.Get(id); b.PageMask2&dirty != 0 {
			touched[b.Page()] = struct{}{}
			r.drop(b)
			n++
		}
	}
	for p := range touched {
		r.releaseCodePresent(p)
	}
	r.tracker.ClearDirty(page, dirty)
	log.Trace(log.JitMonitoring, "page check-flush", "page", page, "dirty", dirty, "dropped", n)
	return n
}

// Invalidate removes a block from the index, returns it to the store and
// gives back the granules no other block on its pages still claims.
func (r *Recompiler) Invalidate(id codecache.BlockID) {
	b := r.store.Get(id)
	if b == nil || b.State == codecache.StateFree {
		return
	}
	page := b.Page()
	page2, spans := b.Page2()
	r.drop(b)
	r.releaseCodePresent(page)
	if spans {
		r.releaseCodePresent(page2)
	}
}

func (r *Recompiler) drop(b *codecache.Block) {
	id := b.ID
	r.invalidated[b.Identity] = struct{}{}
	r.index.Remove(id)
	if err := r.store.Release(id); err != nil {
		log.Warn(log.JitMonitoring, "invalidate", "block", id, "err", err)
		return
	}
	r.Stats.Invalidations++
}

// releaseCodePresent narrows page's code-present granules to those still
// claimed by an indexed block or by the block whose pass is running, so
// writes to released granules go back to the fast path.
func (r *Recompiler) releaseCodePresent(page uint32) {
	var keep uint64
	for _, id := range r.index.Blocks(page) {
		keep |= r.store.Get(id).PageMask
	}
	for _, id := range r.index.Spanning(page) {
		keep |= r.store.Get(id).PageMask2
	}
	if b := r.building; b != nil {
		if b.Page() == page {
			keep |= b.PageMask
		}
		if page2, ok := b.Page2(); ok && page2 == page {
			keep |= b.PageMask2
		}
	}
	if stale := r.tracker.CodePresent(page) &^ keep; stale != 0 {
		r.tracker.ClearCodePresent(page, stale)
		log.Trace(log.JitMonitoring, "code present released", "page", page, "granules", stale)
	}
}

// digest hashes the block's source bytes as they are in physical memory now.
func (r *Recompiler) digest(b *codecache.Block) common.Hash {
	mem := r.mmu.Memory()
	n1 := min(pagetrack.PageSize-b.Phys&(pagetrack.PageSize-1), b.Bytes)
	first := make([]byte, n1)
	mem.ReadBlock(b.Phys, first)
	if n1 == b.Bytes {
		return common.Blake2Hash(first)
	}
	second := make([]byte, b.Bytes-n1)
	mem.ReadBlock(b.Phys2, second)
	return common.Blake2HashParts(first, second)
}

// Digest returns the source digest of a block as it would be captured now.
func (r *Recompiler) Digest(b *codecache.Block) common.Hash {
	return r.digest(b)
}
