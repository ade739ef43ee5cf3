package recompiler

import (
	"errors"

	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
)

// errPageBoundary stops decoding at a page the block may not extend onto.
var errPageBoundary = errors.New("instruction crosses onto an unavailable page")

const maxInstLen = 15

// fetcher feeds the decoder and keeps a block within its first page and at
// most one more. The second page is translated without faulting: when it is not
// mapped the block simply ends before the instruction that needs it.
type fetcher struct {
	r      *Recompiler
	cpu    *x86.CPU
	b      *codecache.Block
	csBase uint32
	page1  uint32 // linear page of the first byte
	page2  uint32 // linear page of the second page, valid when has2
	has2   bool
}

func (f *fetcher) Fetch8(eip uint32) (uint8, error) {
	lin := f.csBase + eip
	if lp := lin >> pagetrack.PageShift; lp != f.page1 {
		if !f.has2 {
			if lp != f.page1+1 {
				return 0, errPageBoundary
			}
			phys, ok := f.r.mmu.TranslateNoFault(lin, memory.AccessExec)
			if !ok {
				return 0, errPageBoundary
			}
			f.has2 = true
			f.page2 = lp
			f.b.Phys2 = phys &^ (pagetrack.PageSize - 1)
			f.r.CheckFlush(f.b.Phys2 >> pagetrack.PageShift)
			f.r.Stats.PageSplits++
		} else if lp != f.page2 {
			return 0, errPageBoundary
		}
	}
	return f.cpu.Fetch8(eip)
}

// claimRange records the source bytes [lin, lin+n) in the block's masks and
// marks them code present straight away, so writes made later in the same
// pass are already seen as dirty.
func (f *fetcher) claimRange(lin uint32, n int) {
	for n > 0 {
		off := lin & (pagetrack.PageSize - 1)
		chunk := pagetrack.PageSize - int(off)
		if chunk > n {
			chunk = n
		}
		mask := pagetrack.GranuleMask(off, chunk)
		if lin>>pagetrack.PageShift == f.page1 {
			f.b.PageMask |= mask
			f.r.tracker.SetCodePresent(f.b.Page(), mask)
		} else {
			f.b.PageMask2 |= mask
			f.r.tracker.SetCodePresent(f.b.Phys2>>pagetrack.PageShift, mask)
		}
		n -= chunk
		lin += uint32(chunk)
	}
}

func hasMemOperand(in *x86.Inst) bool {
	return in.HasModRM && in.Mod != 3
}

// writesMemory reports whether in may store to its memory operand. A store can
// rewrite code the block has not run yet, and the block is then left before
// the next op, so the store's flags must not be deferred to that op.
func writesMemory(in *x86.Inst) bool {
	if !hasMemOperand(in) {
		return false
	}
	switch op := in.Opcode; {
	case op < 0x40:
		return op&7 < 2 && op>>3 != 7 // r/m destination, not CMP
	case op >= 0x80 && op <= 0x83:
		return in.Reg != 7
	case op == 0x84 || op == 0x85:
		return false
	}
	return true
}

// run interprets one block from the CPU's current state, filling in the
// block's masks and size. With emit set it also collects compiled ops in r.ops.
func (r *Recompiler) run(cpu *x86.CPU, b *codecache.Block, emit bool) error {
	f := fetcher{r: r, cpu: cpu, b: b, csBase: cpu.Seg[x86.CS].Base, page1: b.PC >> pagetrack.PageShift}
	b.PageMask, b.PageMask2, b.Phys2 = 0, 0, 0
	b.Insts, b.Cycles, b.Bytes = 0, 0, 0
	b.Flags &^= codecache.FlagHasFPU
	r.ops = r.ops[:0]
	r.building = b
	defer func() { r.building = nil }()
	r.CheckFlush(b.Page())

	var pending x86.Inst
	havePending := false
	for {
		if r.resetPending() {
			return jiterrors.ErrRResetDuringCompile
		}
		eip := cpu.EIP
		in, err := x86.Decode(&f, eip, cpu.Seg[x86.CS].Big)
		if err != nil {
			if b.Insts == 0 {
				if errors.Is(err, errPageBoundary) {
					return jiterrors.ErrRNoProgress
				}
				return err
			}
			// the block ends before an instruction that cannot be fetched;
			// it will fault, if at all, when it is reached on its own
			break
		}
		f.claimRange(f.csBase+eip, int(in.Len))

		if emit && havePending {
			if x86.FlagsModeOf(pending.Opcode) == x86.FlagsLazy && x86.KillsFlags(&in) &&
				!hasMemOperand(&in) && !writesMemory(&pending) {
				pending.NoFlags = true
				r.Stats.FlagsEliminated++
			}
			r.ops = append(r.ops, x86.Emit(&pending))
		}
		if err := cpu.Run(&in); err != nil {
			return err
		}
		pending, havePending = in, true

		b.Insts++
		b.Bytes += uint32(in.Len)
		b.EndPC = f.csBase + in.Next()
		if info := x86.Lookup(in.Opcode); info != nil {
			b.Cycles += uint32(info.Cycles)
		}
		if in.Opcode == 0xd9 || in.Opcode == 0xdb {
			b.Flags |= codecache.FlagHasFPU
		}

		if x86.EndsBlock(&in) || cpu.EIP != in.Next() || cpu.Halted || cpu.TrapFlag() ||
			int(b.Bytes)+maxInstLen > r.opts.MaxBlockBytes || r.interruptPending(cpu) {
			break
		}
	}
	if emit && havePending {
		r.ops = append(r.ops, x86.Emit(&pending))
	}
	return nil
}
