package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aurexhq/aurex/internal/logger"
)

// Config is the immutable runtime configuration. It is constructed once at
// process start and passed explicitly into the store and dispatcher
// constructors; no component reads process-wide mutable state.
type Config struct {
	// Hardware availability flags, probed or provided by the deployment.
	GPUPresent  bool `yaml:"gpu_present"`
	NVMePresent bool `yaml:"nvme_present"`

	// Per-tier byte budgets. Fixed at initialization, never auto-grown.
	FastCapacity   int64 `yaml:"fast_capacity"`
	MediumCapacity int64 `yaml:"medium_capacity"`
	SlowCapacity   int64 `yaml:"slow_capacity"`

	// PreferredBackend is the dispatch target hint (cpu, rocm, vulkan,
	// opencl, sycl). The CLI --target flag maps here.
	PreferredBackend string `yaml:"preferred_backend"`

	// BackingStoreAddr is the optional Arrow Flight endpoint used to spill
	// Slow-tier blocks. Empty means spill stays in-process.
	BackingStoreAddr string `yaml:"backing_store_addr"`

	// Dim is the operand vector width used for session scratch blocks.
	Dim int `yaml:"dim"`

	// KVBlockBytes is the allocation granularity of a session's KV cache block.
	KVBlockBytes int64 `yaml:"kv_block_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a conservative CPU-only configuration: no GPU, no backing
// store, minimal capacities. The system must run correctly with exactly this.
func Default() Config {
	return Config{
		GPUPresent:       false,
		NVMePresent:      false,
		FastCapacity:     16 << 20,
		MediumCapacity:   64 << 20,
		SlowCapacity:     256 << 20,
		PreferredBackend: "cpu",
		Dim:              64,
		KVBlockBytes:     16 << 10,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

func (c *Config) Validate() error {
	if c.FastCapacity <= 0 {
		return fmt.Errorf("invalid fast_capacity: %d (must be positive)", c.FastCapacity)
	}
	if c.MediumCapacity <= 0 {
		return fmt.Errorf("invalid medium_capacity: %d (must be positive)", c.MediumCapacity)
	}
	if c.SlowCapacity <= 0 {
		return fmt.Errorf("invalid slow_capacity: %d (must be positive)", c.SlowCapacity)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.KVBlockBytes <= 0 {
		return fmt.Errorf("invalid kv_block_bytes: %d (must be positive)", c.KVBlockBytes)
	}
	if c.KVBlockBytes > c.SlowCapacity {
		return fmt.Errorf("kv_block_bytes %d exceeds slow_capacity %d", c.KVBlockBytes, c.SlowCapacity)
	}
	if c.KVBlockBytes < int64(c.Dim)*4 {
		return fmt.Errorf("kv_block_bytes %d too small for dim %d operands", c.KVBlockBytes, c.Dim)
	}
	switch strings.ToLower(c.PreferredBackend) {
	case "", "cpu", "rocm", "vulkan", "opencl", "sycl":
	default:
		return fmt.Errorf("unknown preferred_backend: %q", c.PreferredBackend)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("unknown log_format: %q", c.LogFormat)
	}
	return nil
}

// Backend returns the normalized preferred backend name.
func (c *Config) Backend() string {
	if c.PreferredBackend == "" {
		return "cpu"
	}
	return strings.ToLower(c.PreferredBackend)
}

// LoadFile reads a yaml configuration file on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
