package types

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/dynarec/jiterrors"
	"github.com/pkg/errors"
)

const (
	ModeReal   = "real"   // 16-bit real mode, CS:IP = entry_cs:entry_ip
	ModeFlat32 = "flat32" // 32-bit protected mode with flat 4 GiB segments
)

type Config struct {
	MemorySize         uint32   `json:"memory_size"`
	JIT                bool     `json:"jit"`
	CodeCacheUops      int      `json:"code_cache_uops"`
	MaxBlocks          int      `json:"max_blocks"`
	HashSize           int      `json:"hash_size"`
	MaxBlockBytes      int      `json:"max_block_bytes"`
	StaticFPUTop       bool     `json:"static_fpu_top"`
	Paranoid           bool     `json:"paranoid"`
	Debug              bool     `json:"debug"`
	TraceFile          string   `json:"trace_file,omitempty"`
	LogLevel           string   `json:"log_level"`
	LogJson            bool     `json:"log_json"`
	Modules            []string `json:"modules,omitempty"`
	CycleBudget        uint64   `json:"cycle_budget"`
	ResetOnDoubleFault bool     `json:"reset_on_double_fault"`
	StopOnTripleFault  bool     `json:"stop_on_triple_fault"`
	LoadAddress        uint32   `json:"load_address"`
	EntryCS            uint16   `json:"entry_cs"`
	EntryIP            uint32   `json:"entry_ip"`
	Mode               string   `json:"mode"`
}

// DefaultConfig mirrors a small 386 with a few megabytes of code cache.
func DefaultConfig() *Config {
	return &Config{
		MemorySize:    16 << 20,
		JIT:           true,
		CodeCacheUops: 1 << 18,
		MaxBlocks:     8192,
		HashSize:      0x20000,
		MaxBlockBytes: 4000,
		LogLevel:      "info",
		CycleBudget:   100_000_000,
		LoadAddress:   0x7c00,
		EntryCS:       0x0000,
		EntryIP:       0x7c00,
		Mode:          ModeReal,
	}
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MemorySize == 0 || c.MemorySize%4096 != 0:
		return fmt.Errorf("memory_size %d: %w", c.MemorySize, jiterrors.ErrKBadValue)
	case c.HashSize <= 0 || c.HashSize&(c.HashSize-1) != 0:
		return fmt.Errorf("hash_size %d must be a power of two: %w", c.HashSize, jiterrors.ErrKBadValue)
	case c.MaxBlockBytes < 16 || c.MaxBlockBytes > 4096:
		// a block may touch at most two physical pages
		return fmt.Errorf("max_block_bytes %d: %w", c.MaxBlockBytes, jiterrors.ErrKBadValue)
	case c.MaxBlocks <= 0:
		return fmt.Errorf("max_blocks %d: %w", c.MaxBlocks, jiterrors.ErrKBadValue)
	case c.CodeCacheUops < c.MaxBlockBytes:
		return fmt.Errorf("code_cache_uops %d smaller than one block: %w", c.CodeCacheUops, jiterrors.ErrKBadValue)
	case c.Mode != ModeReal && c.Mode != ModeFlat32:
		return fmt.Errorf("mode %q: %w", c.Mode, jiterrors.ErrKBadValue)
	}
	return nil
}

// String method returns the Config as a formatted JSON string
func (c *Config) String() string {
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling JSON: %v", err)
	}
	return string(jsonData)
}
