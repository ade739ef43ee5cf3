// Package dispatcher drives the guest CPU one block at a time: it looks up
// the cached block for the current PC, validates it against the page
// tracker, and then executes it, compiles it, or falls back to interpreting.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/jit/blockindex"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jit/recompiler"
	"github.com/colorfulnotion/dynarec/jit/trace"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
)

// State is the dispatcher's position in its loop. The last state entered by
// Step is kept for tests and traces.
type State uint8

const (
	StateInterpret State = iota
	StateLookup
	StateValidate
	StateExecute
	StateCompile
	StateHandleFault
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateInterpret:
		return "interpret"
	case StateLookup:
		return "lookup"
	case StateValidate:
		return "validate"
	case StateExecute:
		return "execute"
	case StateCompile:
		return "compile"
	case StateHandleFault:
		return "handle_fault"
	case StateHalted:
		return "halted"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// haltIdleCycles is charged per Step while the CPU waits in HLT.
const haltIdleCycles = 100

type Options struct {
	JIT                bool
	ResetOnDoubleFault bool
	StopOnTripleFault  bool
	Debug              bool // panic on core invariant violations instead of containing them
}

type Stats struct {
	HashHits      uint64
	TreeHits      uint64
	Misses        uint64
	Marks         uint64
	Compiles      uint64
	Aborts        uint64
	Invalidations uint64
	Flushes       uint64
	Faults        uint64
	DoubleFaults  uint64
	TripleFaults  uint64
	Interrupts    uint64
	Resets        uint64
	Interpreted   uint64 // instructions run by the interpreter outside a block pass
	Executed      uint64 // instructions run from compiled blocks
	BlocksRun     uint64
	EarlyExits    uint64 // blocks left before their last op
}

type Dispatcher struct {
	cpu     *x86.CPU
	mmu     *memory.Translator
	tracker *pagetrack.Tracker
	store   *codecache.Store
	index   *blockindex.Index
	rc      *recompiler.Recompiler
	pic     x86.InterruptController
	trace   trace.Writer
	opts    Options

	resetReq   atomic.Bool
	onReset    func()
	singleStep bool
	last       State

	Stats Stats
}

func New(cpu *x86.CPU, tracker *pagetrack.Tracker, store *codecache.Store, index *blockindex.Index, rc *recompiler.Recompiler, opts Options) *Dispatcher {
	d := &Dispatcher{
		cpu:     cpu,
		mmu:     cpu.Translator(),
		tracker: tracker,
		store:   store,
		index:   index,
		rc:      rc,
		opts:    opts,
		onReset: func() {},
	}
	rc.SetResetSignal(d.resetReq.Load)
	rc.SetInterruptCheck(d.interruptPending)
	store.AddFlushListener(d)
	return d
}

func (d *Dispatcher) CPU() *x86.CPU {
	return d.cpu
}

func (d *Dispatcher) SetInterruptController(pic x86.InterruptController) {
	d.pic = pic
}

// SetTraceWriter sends dispatcher events to w; nil disables tracing.
func (d *Dispatcher) SetTraceWriter(w trace.Writer) {
	d.trace = w
}

// SetResetHook installs the machine-level part of a reset, run after the CPU
// and the code cache have been reset.
func (d *Dispatcher) SetResetHook(fn func()) {
	d.onReset = fn
}

// SetSingleStep forces every instruction through the interpreter.
func (d *Dispatcher) SetSingleStep(on bool) {
	d.singleStep = on
}

// RequestReset asks for a machine reset at the next instruction boundary. It
// is safe to call from any goroutine.
func (d *Dispatcher) RequestReset() {
	d.resetReq.Store(true)
}

func (d *Dispatcher) LastState() State {
	return d.last
}

// Clear is called by the store on every flush.
func (d *Dispatcher) Clear() {
	d.Stats.Flushes++
	d.emit(trace.NewEvent(trace.KindFlush, d.cpu.Cycles, d.cpu.PC()))
}

func (d *Dispatcher) interruptPending(cpu *x86.CPU) bool {
	if d.pic == nil || !cpu.InterruptsEnabled() {
		return false
	}
	_, ok := d.pic.Pending()
	return ok
}

func (d *Dispatcher) emit(ev *trace.Event) {
	if d.trace == nil {
		return
	}
	if err := d.trace.WriteEvent(ev); err != nil {
		log.Warn(log.DispatchMonitoring, "trace write failed", "err", err)
		d.trace = nil
	}
}

// Run steps until budget cycles have been spent (0 means no limit), the CPU
// halts with interrupts disabled, a triple fault stops the machine, or ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context, budget uint64) error {
	var spent uint64
	for budget == 0 || spent < budget {
		n, err := d.Step(ctx)
		spent += uint64(n)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("%d cycles: %w", spent, jiterrors.ErrDCycleBudget)
}

// Step runs one block-sized unit of guest work and returns the cycles spent.
func (d *Dispatcher) Step(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := d.cpu.Cycles
	spent := func() int { return int(d.cpu.Cycles - start) }

	if d.resetReq.Swap(false) {
		d.reset("requested")
		return 0, nil
	}
	if err := d.serviceInterrupt(); err != nil {
		return spent(), err
	}
	if d.cpu.Halted {
		d.last = StateHalted
		if !d.cpu.InterruptsEnabled() {
			return 0, jiterrors.ErrDHalted
		}
		d.cpu.Cycles += haltIdleCycles
		return haltIdleCycles, nil
	}

	// an interrupt held back by the shadow is taken after exactly one instruction
	if !d.opts.JIT || d.singleStep || d.cpu.TrapFlag() ||
		d.cpu.InterruptShadow() && d.interruptPending(d.cpu) {
		err := d.interpret()
		return spent(), err
	}

	d.last = StateLookup
	phys, err := d.mmu.Translate(d.cpu.PC(), memory.AccessExec)
	if err != nil {
		// the interpreter raises the fetch fault with the right CR2 and code
		err := d.interpret()
		return spent(), err
	}
	key := d.rc.Identity(d.cpu, phys)
	id, found := d.lookup(phys, key)
	if found {
		b := d.store.Get(id)
		d.last = StateValidate
		if v := d.rc.Validate(b); v != recompiler.Valid {
			d.Stats.Invalidations++
			d.emit(trace.NewEvent(trace.KindInvalidate, d.cpu.Cycles, key.PC).
				SetBlock(int32(id), phys, key.Status).SetReason(v.String()))
			log.Debug(log.DispatchMonitoring, "block rejected", "block", id, "pc", fmt.Sprintf("%08x", key.PC), "verdict", v)
			d.rc.Reject(b, v)
			found = false
		}
	}
	if !found {
		d.Stats.Misses++
		err := d.mark(key)
		return spent(), err
	}

	b := d.store.Get(id)
	if b.State == codecache.StateMarked {
		err := d.compile(b)
		return spent(), err
	}
	err = d.execute(b)
	return spent(), err
}

// lookup tries the hash slot for phys, then the page's tree.
func (d *Dispatcher) lookup(phys uint32, key codecache.Identity) (codecache.BlockID, bool) {
	if id, ok := d.index.LookupHash(phys); ok {
		if d.store.Get(id).Identity == key {
			d.Stats.HashHits++
			return id, true
		}
	}
	if id, ok := d.index.LookupTree(key); ok {
		d.index.Promote(id)
		d.Stats.TreeHits++
		return id, true
	}
	return codecache.NoBlock, false
}

func (d *Dispatcher) interpret() error {
	d.last = StateInterpret
	trap := d.cpu.TrapFlag()
	if _, err := d.cpu.Step(); err != nil {
		return d.handleFault(err)
	}
	d.Stats.Interpreted++
	if trap {
		if err := d.cpu.Interrupt(x86.VecDB, 0, false); err != nil {
			return d.handleFault(err)
		}
	}
	return nil
}

func (d *Dispatcher) mark(key codecache.Identity) error {
	d.last = StateCompile
	id, err := d.rc.Mark(d.cpu, key)
	if err != nil {
		return d.compileFailed(key.PC, err)
	}
	b := d.store.Get(id)
	d.Stats.Marks++
	d.emit(trace.NewEvent(trace.KindMark, d.cpu.Cycles, key.PC).
		SetBlock(int32(id), key.Phys, key.Status).SetSize(b.Insts, b.Bytes))
	return nil
}

func (d *Dispatcher) compile(b *codecache.Block) error {
	d.last = StateCompile
	pc := b.PC
	id, err := d.rc.Compile(d.cpu, b.ID)
	if err != nil {
		return d.compileFailed(pc, err)
	}
	b = d.store.Get(id)
	d.Stats.Compiles++
	ev := trace.NewEvent(trace.KindCompile, d.cpu.Cycles, pc).
		SetBlock(int32(id), b.Phys, b.Status).SetSize(b.Insts, b.Bytes)
	if !common.IsNilHash(b.Digest) {
		ev.SetDigest(b.Digest)
	}
	d.emit(ev)
	return nil
}

// compileFailed turns an unfinished block pass into its guest-visible outcome.
func (d *Dispatcher) compileFailed(pc uint32, err error) error {
	switch {
	case errors.Is(err, jiterrors.ErrRResetDuringCompile):
		// the pending reset is taken at the top of the next Step
		return nil
	case errors.Is(err, jiterrors.ErrRNoProgress):
		return d.interpret()
	case errors.Is(err, jiterrors.ErrRCompileAbort):
		d.Stats.Aborts++
		d.emit(trace.NewEvent(trace.KindAbort, d.cpu.Cycles, pc).SetReason(err.Error()))
		return d.handleFault(err)
	}
	return err
}

// execute runs a compiled block. Each op is one guest instruction and commits
// on its own, so leaving early always leaves the CPU at an instruction boundary.
func (d *Dispatcher) execute(b *codecache.Block) error {
	d.last = StateExecute
	ops, err := d.store.Code(b.Code)
	if err != nil {
		if d.opts.Debug {
			panic(fmt.Sprintf("dispatcher: block %d: %v", b.ID, err))
		}
		log.Error(log.DispatchMonitoring, "compiled block lost its code", "block", b.ID, "err", err)
		d.rc.Invalidate(b.ID)
		return nil
	}
	d.store.Pin(b.ID)
	d.Stats.BlocksRun++
	b.Executions++
	page2, has2 := b.Page2()
	dirtying := d.tracker.Stats.DirtyingWrites
	var fault error
	for i := range ops {
		op := &ops[i]
		if fault = op.Exec(d.cpu); fault != nil {
			break
		}
		d.Stats.Executed++
		if i == len(ops)-1 {
			break
		}
		if d.cpu.EIP != op.Inst().Next() || d.cpu.Halted || d.resetReq.Load() {
			d.Stats.EarlyExits++
			break
		}
		if w := d.tracker.Stats.DirtyingWrites; w != dirtying {
			dirtying = w
			if b.PageMask&d.tracker.DirtyMaskFor(b.Page()) != 0 ||
				has2 && b.PageMask2&d.tracker.DirtyMaskFor(page2) != 0 {
				// the block rewrote code it has not run yet
				d.Stats.EarlyExits++
				break
			}
		}
	}
	d.store.Unpin()
	if fault != nil {
		return d.handleFault(fault)
	}
	return nil
}
