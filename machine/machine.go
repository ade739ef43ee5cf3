// Package machine assembles guest RAM, the CPU, the code cache and a few
// devices into something that can load an image and run it.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/dynarec/jit/blockindex"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/dispatcher"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jit/recompiler"
	"github.com/colorfulnotion/dynarec/jit/trace"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/types"
	"github.com/colorfulnotion/dynarec/x86"
)

const (
	flatGDT      = 0x0800 // where flat32 mode places its descriptor table
	flatCodeSel  = 0x08
	flatDataSel  = 0x10
	realModeSP   = 0x7c00
	flatStackGap = 16
)

type Machine struct {
	cfg *types.Config

	Mem        *memory.PhysicalMemory
	MMU        *memory.Translator
	CPU        *x86.CPU
	Tracker    *pagetrack.Tracker
	Store      *codecache.Store
	Index      *blockindex.Index
	Recompiler *recompiler.Recompiler
	Dispatcher *dispatcher.Dispatcher
	PIC        *PIC
	Bus        *IOBus
	Console    *Console

	trace trace.Writer
}

// New builds a machine from cfg. Console output goes to console, which may be nil.
func New(cfg *types.Config, console io.Writer) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mem, err := memory.NewPhysicalMemory(cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	m := &Machine{cfg: cfg, Mem: mem}
	m.MMU = memory.NewTranslator(mem)
	m.Tracker = pagetrack.NewTracker(cfg.MemorySize >> pagetrack.PageShift)
	mem.SetWriteMonitor(m.Tracker)
	m.MMU.SetFetchObserver(m.Tracker)

	m.Bus = NewIOBus()
	m.Console = NewConsole(console)
	m.PIC = NewPIC()
	m.CPU = x86.NewCPU(m.MMU, m.Bus)

	m.Store = codecache.New(cfg.MaxBlocks, cfg.CodeCacheUops, m.Tracker)
	m.Index = blockindex.New(cfg.HashSize, m.Store)
	m.Store.AddFlushListener(m.Index)
	m.Recompiler = recompiler.New(m.MMU, m.Tracker, m.Store, m.Index, recompiler.Options{
		MaxBlockBytes: cfg.MaxBlockBytes,
		StaticFPUTop:  cfg.StaticFPUTop,
		Paranoid:      cfg.Paranoid,
	})
	m.Dispatcher = dispatcher.New(m.CPU, m.Tracker, m.Store, m.Index, m.Recompiler, dispatcher.Options{
		JIT:                cfg.JIT,
		ResetOnDoubleFault: cfg.ResetOnDoubleFault,
		StopOnTripleFault:  cfg.StopOnTripleFault,
		Debug:              cfg.Debug,
	})
	m.Dispatcher.SetInterruptController(m.PIC)
	m.Dispatcher.SetResetHook(m.resetDevices)

	m.Bus.Attach(PortConsole, m.Console)
	m.Bus.Attach(PortReset, &resetControl{request: m.Dispatcher.RequestReset})

	if cfg.TraceFile != "" {
		w, err := trace.NewJSONLWriterFile(cfg.TraceFile)
		if err != nil {
			_ = mem.Close()
			return nil, err
		}
		m.trace = w
		m.Dispatcher.SetTraceWriter(w)
	}
	m.enter()
	log.Debug(log.MachineMonitoring, "machine ready", "memory", cfg.MemorySize, "mode", cfg.Mode, "jit", cfg.JIT)
	return m, nil
}

func (m *Machine) Config() *types.Config {
	return m.cfg
}

// LoadImage copies image into guest RAM at addr.
func (m *Machine) LoadImage(image []byte, addr uint32) error {
	if uint64(addr)+uint64(len(image)) > uint64(m.cfg.MemorySize) {
		return fmt.Errorf("%d bytes at %#x: %w", len(image), addr, jiterrors.ErrMImageTooLarge)
	}
	return m.Mem.WriteBlock(addr, image)
}

// LoadImageFile reads a raw binary and loads it at the configured address.
func (m *Machine) LoadImageFile(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadImage(image, m.cfg.LoadAddress)
}

// enter puts the CPU at the configured entry point in the configured mode.
func (m *Machine) enter() {
	c := m.CPU
	switch m.cfg.Mode {
	case types.ModeFlat32:
		m.writeFlatGDT()
		c.SetFlatSegments(flatCodeSel, flatDataSel)
		c.GDTR = x86.DescTable{Base: flatGDT, Limit: 3*8 - 1}
		c.IDTR = x86.DescTable{}
		c.EIP = m.cfg.EntryIP
		c.Regs[x86.ESP] = m.cfg.MemorySize - flatStackGap
	default:
		for s := x86.ES; s <= x86.GS; s++ {
			c.SetRealModeSegment(s, 0)
		}
		c.SetRealModeSegment(x86.CS, m.cfg.EntryCS)
		c.EIP = m.cfg.EntryIP
		c.Regs[x86.ESP] = realModeSP
	}
}

func (m *Machine) writeFlatGDT() {
	m.Mem.Write32(flatGDT, 0)
	m.Mem.Write32(flatGDT+4, 0)
	m.Mem.Write32(flatGDT+8, 0x0000ffff) // code: base 0, limit 4 GiB, 32-bit
	m.Mem.Write32(flatGDT+12, 0x00cf9a00)
	m.Mem.Write32(flatGDT+16, 0x0000ffff) // data
	m.Mem.Write32(flatGDT+20, 0x00cf9200)
}

// resetDevices runs after the dispatcher reset the CPU and flushed the cache.
func (m *Machine) resetDevices() {
	m.PIC.Reset()
	m.enter()
}

// Reset asks for a machine reset at the next instruction boundary.
func (m *Machine) Reset() {
	m.Dispatcher.RequestReset()
}

// Step runs one dispatcher step.
func (m *Machine) Step(ctx context.Context) (int, error) {
	return m.Dispatcher.Step(ctx)
}

// Run executes until the guest halts for good, the cycle budget runs out, a
// triple fault stops the machine, or ctx is cancelled. A final halt is a
// normal stop.
func (m *Machine) Run(ctx context.Context) error {
	err := m.Dispatcher.Run(ctx, m.cfg.CycleBudget)
	if errors.Is(err, jiterrors.ErrDHalted) {
		log.Info(log.MachineMonitoring, "guest halted", "pc", fmt.Sprintf("%08x", m.CPU.PC()), "cycles", m.CPU.Cycles)
		return nil
	}
	return err
}

// RunSampled runs like Run and calls sample with a stats snapshot every
// `every` cycles and once more at the end.
func (m *Machine) RunSampled(ctx context.Context, every uint64, sample func(Stats)) error {
	if every == 0 {
		every = m.cfg.CycleBudget
	}
	var spent uint64
	for {
		chunk := every
		if budget := m.cfg.CycleBudget; budget != 0 {
			if spent >= budget {
				sample(m.Stats())
				return fmt.Errorf("%d cycles: %w", spent, jiterrors.ErrDCycleBudget)
			}
			chunk = min(chunk, budget-spent)
		}
		before := m.CPU.Cycles
		err := m.Dispatcher.Run(ctx, chunk)
		spent += m.CPU.Cycles - before
		if errors.Is(err, jiterrors.ErrDCycleBudget) {
			sample(m.Stats())
			continue
		}
		sample(m.Stats())
		if errors.Is(err, jiterrors.ErrDHalted) {
			return nil
		}
		return err
	}
}

func (m *Machine) Close() error {
	var errs []error
	errs = append(errs, m.Console.Flush())
	if m.trace != nil {
		errs = append(errs, m.trace.Close())
	}
	errs = append(errs, m.Mem.Close())
	return errors.Join(errs...)
}
