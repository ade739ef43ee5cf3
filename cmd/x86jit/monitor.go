package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/colorfulnotion/dynarec/machine"
	"github.com/colorfulnotion/dynarec/machine/report"
	"github.com/dop251/goja"
)

const monitorHelp = `step()          run one dispatcher step, returns cycles
run(n)          run up to n cycles (0 = until halt), returns why it stopped
regs()          register file
peek(addr, n)   n bytes of guest RAM at physical addr, as hex
poke(addr, b)   write one byte of guest RAM (invalidates code on that page)
blocks()        code cache tree
stats()         counters as an object
reset()         request a machine reset
irq(n)          raise interrupt line n on the PIC
exit            leave`

// newMonitorVM binds the machine into a fresh JavaScript runtime.
func newMonitorVM(ctx context.Context, m *machine.Machine) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	vm.Set("step", func() int {
		n, err := m.Step(ctx)
		if err != nil && !errors.Is(err, jiterrors.ErrDHalted) {
			throw(err)
		}
		return n
	})
	vm.Set("run", func(cycles int64) string {
		if cycles < 0 {
			throw(fmt.Errorf("negative cycle count %d", cycles))
		}
		err := m.Dispatcher.Run(ctx, uint64(cycles))
		switch {
		case errors.Is(err, jiterrors.ErrDHalted):
			return "halted"
		case errors.Is(err, jiterrors.ErrDCycleBudget):
			return "budget"
		case errors.Is(err, jiterrors.ErrDTripleFault):
			return "triple fault"
		}
		throw(err)
		return ""
	})
	vm.Set("regs", func() string {
		return m.CPU.State().String()
	})
	vm.Set("peek", func(addr uint32, n int) string {
		if n <= 0 || uint64(addr)+uint64(n) > uint64(m.Mem.Size()) {
			throw(fmt.Errorf("%d bytes at %#x: %w", n, addr, jiterrors.ErrMOutOfRange))
		}
		buf := make([]byte, n)
		m.Mem.ReadBlock(addr, buf)
		return hex.EncodeToString(buf)
	})
	vm.Set("poke", func(addr uint32, b uint8) {
		if addr >= m.Mem.Size() {
			throw(fmt.Errorf("%#x: %w", addr, jiterrors.ErrMOutOfRange))
		}
		m.Mem.Write8(addr, b)
	})
	vm.Set("blocks", func() string {
		return report.BlockTree(m.Index, m.Store, m.Mem).String()
	})
	vm.Set("stats", func() goja.Value {
		return vm.ToValue(m.Stats())
	})
	vm.Set("reset", func() {
		m.Reset()
	})
	vm.Set("irq", func(line int) {
		if line < 0 || line > 15 {
			throw(fmt.Errorf("irq %d out of range", line))
		}
		m.PIC.Raise(line)
	})
	vm.Set("help", func() string {
		return monitorHelp
	})
	return vm
}

func runMonitor(m *machine.Machine, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      fmt.Sprintf("%08x> ", m.CPU.PC()),
		HistoryFile: historyFile,
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := signalContext()
	defer cancel()
	vm := newMonitorVM(ctx, m)

	fmt.Println("x86jit monitor, help() lists the commands")
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}
		value, err := vm.RunString(line)
		if err != nil {
			fmt.Println("error:", err)
		} else if !goja.IsUndefined(value) {
			fmt.Println(formatValue(value))
		}
		rl.SetPrompt(fmt.Sprintf("%08x> ", m.CPU.PC()))
	}
}

// formatValue prints primitives as JavaScript would and everything else as
// indented JSON.
func formatValue(v goja.Value) string {
	switch x := v.Export().(type) {
	case nil, string, bool, int64, float64:
		return v.String()
	default:
		b, err := json.MarshalIndent(x, "", "  ")
		if err != nil {
			return v.String()
		}
		return string(b)
	}
}
