// x86jit loads a raw guest image and runs it on the recompiling x86 core.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/dynarec/common"
	"github.com/colorfulnotion/dynarec/jiterrors"
	log "github.com/colorfulnotion/dynarec/log"
	"github.com/colorfulnotion/dynarec/machine"
	"github.com/colorfulnotion/dynarec/machine/report"
	"github.com/colorfulnotion/dynarec/types"
	"github.com/colorfulnotion/dynarec/x86"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// versionLine stamps the version with the commit, read from the checkout
// when the build did not set one.
func versionLine() string {
	commit := Commit
	if commit == "none" {
		commit = common.CommitHash()
	}
	return fmt.Sprintf("%s (%s, built %s)", Version, commit, BuildTime)
}

// flags holds the persistent command-line overrides. Only flags the user
// actually set replace values from the config file.
type flags struct {
	configPath   string
	logLevel     string
	logJson      bool
	modules      []string
	jit          bool
	mode         string
	memorySize   uint32
	loadAddress  uint32
	entryCS      uint16
	entryIP      uint32
	cycleBudget  uint64
	maxBlockSize int
	paranoid     bool
	debug        bool
	staticFPUTop bool
	traceFile    string
	resetOnDF    bool
	stopOnTF     bool
}

func main() {
	var f flags
	var rootCmd = &cobra.Command{
		Use:          "x86jit",
		Short:        "Run x86 guest images on a block recompiler",
		Version:      versionLine(),
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	addFlags(rootCmd, &f)

	var runCmd = &cobra.Command{
		Use:   "run <image>",
		Short: "Load and run an image, then print counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := boot(cmd, &f, args[0])
			if err != nil {
				return err
			}
			defer m.Close()
			ctx, cancel := signalContext()
			defer cancel()
			runErr := m.Run(ctx)
			fmt.Println(m.CPU.State())
			if err := report.PrintStats(os.Stdout, m.Stats(), language.English); err != nil {
				return err
			}
			return runErr
		},
	}

	var disasmBig bool
	var disasmCmd = &cobra.Command{
		Use:   "disasm <image>",
		Short: "Disassemble an image as loaded at --load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			big := disasmBig || cfg.Mode == types.ModeFlat32
			fmt.Print(x86.DisassembleString(image, cfg.LoadAddress, big))
			return nil
		},
	}
	disasmCmd.Flags().BoolVar(&disasmBig, "32", false, "decode as 32-bit code regardless of --mode")

	var blocksSource bool
	var blocksCmd = &cobra.Command{
		Use:   "blocks <image>",
		Short: "Run an image and print the code cache as a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := boot(cmd, &f, args[0])
			if err != nil {
				return err
			}
			defer m.Close()
			ctx, cancel := signalContext()
			defer cancel()
			runErr := m.Run(ctx)
			tree := report.BlockTree(m.Index, m.Store, nil)
			if blocksSource {
				tree = report.BlockTree(m.Index, m.Store, m.Mem)
			}
			fmt.Print(tree.String())
			return runErr
		},
	}
	blocksCmd.Flags().BoolVar(&blocksSource, "source", false, "disassemble each block's source bytes")

	var parityCmd = &cobra.Command{
		Use:   "parity <image>",
		Short: "Run an image compiled and interpreted and diff the final states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			var results [2]parityResult
			for i, jit := range []bool{false, true} {
				res, err := runParity(ctx, cmd, &f, args[0], jit)
				if err != nil {
					return err
				}
				results[i] = res
			}
			diff, err := report.StateDiff(results[0], results[1], true)
			if err != nil {
				return err
			}
			if diff != "" {
				fmt.Print(diff)
				return fmt.Errorf("compiled run diverged from the interpreter")
			}
			fmt.Printf("match after %d instructions\n", results[0].Instructions)
			return nil
		},
	}

	var chartsPath string
	var sampleEvery uint64
	var statsCmd = &cobra.Command{
		Use:   "stats <image>",
		Short: "Run an image, print grouped counters and write HTML charts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := boot(cmd, &f, args[0])
			if err != nil {
				return err
			}
			defer m.Close()
			ctx, cancel := signalContext()
			defer cancel()
			var samples []report.Sample
			runErr := m.RunSampled(ctx, sampleEvery, func(st machine.Stats) {
				samples = append(samples, report.SampleOf(st))
			})
			st := m.Stats()
			if err := report.PrintStats(os.Stdout, st, language.English); err != nil {
				return err
			}
			if chartsPath != "" {
				out, err := os.Create(chartsPath)
				if err != nil {
					return err
				}
				if err := report.WriteCharts(out, st, samples); err != nil {
					out.Close()
					return err
				}
				if err := out.Close(); err != nil {
					return err
				}
				fmt.Printf("charts written to %s\n", chartsPath)
			}
			return runErr
		},
	}
	statsCmd.Flags().StringVar(&chartsPath, "charts", "stats.html", "HTML chart output, empty to skip")
	statsCmd.Flags().Uint64Var(&sampleEvery, "every", 1_000_000, "cycles between history samples")

	var historyFile string
	var monitorCmd = &cobra.Command{
		Use:   "monitor <image>",
		Short: "Load an image and drive it from a JavaScript console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := boot(cmd, &f, args[0])
			if err != nil {
				return err
			}
			defer m.Close()
			return runMonitor(m, historyFile)
		},
	}
	monitorCmd.Flags().StringVar(&historyFile, "history", "/tmp/x86jit_monitor_history.txt", "readline history file")

	var configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			fmt.Println(cfg.String())
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, disasmCmd, blocksCmd, parityCmd, statsCmd, monitorCmd, configCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addFlags(cmd *cobra.Command, f *flags) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "JSON config file")
	pf.StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&f.logJson, "log-json", false, "log as JSON lines")
	pf.StringSliceVar(&f.modules, "modules", nil, fmt.Sprintf("enable debug logging for modules %v", log.KnownModules()))
	pf.BoolVar(&f.jit, "jit", true, "compile hot code (false interprets everything)")
	pf.StringVar(&f.mode, "mode", types.ModeReal, "entry mode: real or flat32")
	pf.Uint32Var(&f.memorySize, "memory", 16<<20, "guest RAM in bytes")
	pf.Uint32Var(&f.loadAddress, "load", 0x7c00, "physical load address of the image")
	pf.Uint16Var(&f.entryCS, "entry-cs", 0, "real-mode entry code segment")
	pf.Uint32Var(&f.entryIP, "entry-ip", 0x7c00, "entry instruction pointer")
	pf.Uint64Var(&f.cycleBudget, "budget", 100_000_000, "cycle budget, 0 for unlimited")
	pf.IntVar(&f.maxBlockSize, "max-block-bytes", 4000, "guest bytes per compiled block")
	pf.BoolVar(&f.paranoid, "paranoid", false, "re-check block source digests before running")
	pf.BoolVar(&f.debug, "debug", false, "panic on code cache invariant violations")
	pf.BoolVar(&f.staticFPUTop, "static-fpu-top", false, "include the x87 stack top in block identity")
	pf.StringVar(&f.traceFile, "trace", "", "write dispatcher events as JSON lines")
	pf.BoolVar(&f.resetOnDF, "reset-on-double-fault", false, "reset instead of delivering #DF")
	pf.BoolVar(&f.stopOnTF, "stop-on-triple-fault", false, "stop after the reset a triple fault causes")
}

// loadConfig reads --config over the defaults and applies every flag that was
// set on the command line.
func loadConfig(cmd *cobra.Command, f *flags) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = types.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}
	set := cmd.Flags().Changed
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("log-json") {
		cfg.LogJson = f.logJson
	}
	if set("modules") {
		cfg.Modules = f.modules
	}
	if set("jit") {
		cfg.JIT = f.jit
	}
	if set("mode") {
		cfg.Mode = f.mode
	}
	if set("memory") {
		cfg.MemorySize = f.memorySize
	}
	if set("load") {
		cfg.LoadAddress = f.loadAddress
	}
	if set("entry-cs") {
		cfg.EntryCS = f.entryCS
	}
	if set("entry-ip") {
		cfg.EntryIP = f.entryIP
	}
	if set("budget") {
		cfg.CycleBudget = f.cycleBudget
	}
	if set("max-block-bytes") {
		cfg.MaxBlockBytes = f.maxBlockSize
	}
	if set("paranoid") {
		cfg.Paranoid = f.paranoid
	}
	if set("debug") {
		cfg.Debug = f.debug
	}
	if set("static-fpu-top") {
		cfg.StaticFPUTop = f.staticFPUTop
	}
	if set("trace") {
		cfg.TraceFile = f.traceFile
	}
	if set("reset-on-double-fault") {
		cfg.ResetOnDoubleFault = f.resetOnDF
	}
	if set("stop-on-triple-fault") {
		cfg.StopOnTripleFault = f.stopOnTF
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *types.Config) error {
	return log.Setup(os.Stderr, cfg.LogLevel, cfg.LogJson, cfg.Modules)
}

// boot builds a machine from the effective config and loads the image.
func boot(cmd *cobra.Command, f *flags, path string) (*machine.Machine, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	m, err := machine.New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	if err := m.LoadImageFile(path); err != nil {
		m.Close()
		return nil, err
	}
	log.Info(log.MachineMonitoring, "image loaded", "path", path, "at", fmt.Sprintf("%#x", cfg.LoadAddress), "jit", cfg.JIT)
	return m, nil
}

// parityResult is what two runs of the same image must agree on.
type parityResult struct {
	State        x86.RegState `json:"state"`
	Console      string       `json:"console"`
	Instructions uint64       `json:"instructions"`
	Stopped      string       `json:"stopped"`
}

func runParity(ctx context.Context, cmd *cobra.Command, f *flags, path string, jit bool) (parityResult, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return parityResult{}, err
	}
	if err := setupLogging(cfg); err != nil {
		return parityResult{}, err
	}
	cfg.JIT = jit
	cfg.TraceFile = ""
	m, err := machine.New(cfg, nil)
	if err != nil {
		return parityResult{}, err
	}
	defer m.Close()
	if err := m.LoadImageFile(path); err != nil {
		return parityResult{}, err
	}
	res := parityResult{Stopped: "halt"}
	if err := m.Run(ctx); err != nil {
		switch {
		case errors.Is(err, jiterrors.ErrDTripleFault):
			res.Stopped = "triple fault"
		case errors.Is(err, jiterrors.ErrDCycleBudget):
			// block boundaries differ between the two runs, so would the stopping point
			return parityResult{}, fmt.Errorf("image must halt within the budget: %w", err)
		default:
			return parityResult{}, err
		}
	}
	res.State = m.CPU.State()
	res.Console = m.Console.Output()
	res.Instructions = m.CPU.Instructions
	log.Debug(log.MachineMonitoring, "parity run done", "jit", jit, "insts", res.Instructions, "state", res.State.String())
	return res, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
