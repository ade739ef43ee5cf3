package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	CpuMonitoring      = "cpu_mod"   // interpreter, exception delivery
	MmuMonitoring      = "mmu_mod"   // address translation, TLB
	JitMonitoring      = "jit_mod"   // recompiler
	CacheMonitoring    = "cache_mod" // code block store, block index, page tracker
	DispatchMonitoring = "disp_mod"  // execution loop
	MachineMonitoring  = "mach_mod"  // machine wiring, devices, CLI
)

var knownModules = []string{CpuMonitoring, MmuMonitoring, JitMonitoring, CacheMonitoring, DispatchMonitoring, MachineMonitoring}

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "WARNING":
		return LevelWarn, nil
	case "CRITICAL":
		return LevelCrit, nil
	}
	for _, n := range levelNames {
		if strings.EqualFold(n.lower, lvl) {
			return n.level, nil
		}
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

// Setup installs the root logger: a terminal handler, or JSON lines when
// asJSON is set, at the named level, with debug and trace output enabled for
// the listed modules.
func Setup(w io.Writer, level string, asJSON bool, modules []string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	for _, m := range modules {
		if !slices.Contains(knownModules, m) {
			return fmt.Errorf("unknown log module %q (known: %s)", m, strings.Join(knownModules, ", "))
		}
	}
	var h slog.Handler
	if asJSON {
		h = NewJSONHandler(w, lvl)
	} else {
		h = NewTerminalHandlerWithLevel(w, lvl, w == os.Stderr || w == os.Stdout)
	}
	SetDefault(NewLogger(h))
	for _, m := range modules {
		EnableModule(m)
	}
	return nil
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

// moduleEnabled gates Trace and Debug output per module.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = make(map[string]bool, len(knownModules))
)

// KnownModules lists the module names accepted by EnableModule.
func KnownModules() []string {
	return slices.Clone(knownModules)
}

func EnableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = true
	moduleMu.Unlock()
}

func DisableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = false
	moduleMu.Unlock()
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

// Trace and Debug are dropped unless the module is enabled.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelDebug, module, msg, ctx...)
}

func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
