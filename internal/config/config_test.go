package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.GPUPresent {
		t.Error("expected GPUPresent false by default")
	}
	if cfg.NVMePresent {
		t.Error("expected NVMePresent false by default")
	}
	if cfg.PreferredBackend != "cpu" {
		t.Errorf("expected PreferredBackend cpu, got %q", cfg.PreferredBackend)
	}
	if cfg.BackingStoreAddr != "" {
		t.Errorf("expected empty BackingStoreAddr, got %q", cfg.BackingStoreAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"zero fast capacity", func(c *Config) { c.FastCapacity = 0 }, true},
		{"negative medium capacity", func(c *Config) { c.MediumCapacity = -1 }, true},
		{"zero slow capacity", func(c *Config) { c.SlowCapacity = 0 }, true},
		{"zero dim", func(c *Config) { c.Dim = 0 }, true},
		{"zero kv block", func(c *Config) { c.KVBlockBytes = 0 }, true},
		{"kv block exceeds slow tier", func(c *Config) { c.KVBlockBytes = c.SlowCapacity + 1 }, true},
		{"kv block smaller than operands", func(c *Config) { c.KVBlockBytes = 16 }, true},
		{"unknown backend", func(c *Config) { c.PreferredBackend = "tpu" }, true},
		{"rocm backend", func(c *Config) { c.PreferredBackend = "rocm" }, false},
		{"empty backend", func(c *Config) { c.PreferredBackend = "" }, false},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"warn log level", func(c *Config) { c.LogLevel = "warn" }, false},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"json log format", func(c *Config) { c.LogFormat = "json" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBackendNormalization(t *testing.T) {
	cfg := Default()
	cfg.PreferredBackend = "ROCm"
	if cfg.Backend() != "rocm" {
		t.Errorf("expected rocm, got %q", cfg.Backend())
	}
	cfg.PreferredBackend = ""
	if cfg.Backend() != "cpu" {
		t.Errorf("expected cpu for empty backend, got %q", cfg.Backend())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aurex.yaml")
	body := []byte(`
gpu_present: true
fast_capacity: 1024
medium_capacity: 4096
slow_capacity: 16384
preferred_backend: vulkan
dim: 32
kv_block_bytes: 256
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !cfg.GPUPresent {
		t.Error("expected GPUPresent true")
	}
	if cfg.FastCapacity != 1024 {
		t.Errorf("expected FastCapacity 1024, got %d", cfg.FastCapacity)
	}
	if cfg.Backend() != "vulkan" {
		t.Errorf("expected vulkan, got %q", cfg.Backend())
	}
	// Unset keys keep defaults
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log_level, got %q", cfg.LogLevel)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile("/nonexistent/aurex.yaml"); err == nil {
		t.Error("expected error for missing file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("fast_capacity: -5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected validation error for negative capacity")
	}
}
