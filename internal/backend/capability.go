// Package backend implements the capability-based dispatch layer: one
// BackendCapability per execution target, the TensorOps interface each
// target implements, and the Dispatcher that routes operation requests with
// deterministic fallback.
package backend

import (
	"github.com/klauspost/cpuid/v2"

	"github.com/aurexhq/aurex/internal/config"
)

// Kind enumerates the known execution targets.
type Kind int

const (
	KindCPU Kind = iota
	KindROCm
	KindVulkan
	KindOpenCL
	KindSYCL
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindROCm:
		return "rocm"
	case KindVulkan:
		return "vulkan"
	case KindOpenCL:
		return "opencl"
	case KindSYCL:
		return "sycl"
	default:
		return "unknown"
	}
}

// KindFromString maps a configuration backend name to a Kind. Unknown names
// map to the CPU so a bad hint degrades instead of failing.
func KindFromString(name string) Kind {
	switch name {
	case "rocm":
		return KindROCm
	case "vulkan":
		return KindVulkan
	case "opencl":
		return KindOpenCL
	case "sycl":
		return KindSYCL
	default:
		return KindCPU
	}
}

// Capability describes one execution target. Availability is probed once at
// construction and cached for the process lifetime, which keeps selection
// deterministic for a fixed snapshot.
type Capability struct {
	Kind      Kind
	Available bool
	Priority  int
	// SIMD names the widest vector feature detected on the host CPU;
	// empty for accelerator kinds.
	SIMD string
}

// simdFeature reports the widest SIMD level the host CPU supports.
func simdFeature() string {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2):
		return "avx2"
	case cpuid.CPU.Supports(cpuid.AVX):
		return "avx"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return "neon"
	default:
		return "scalar"
	}
}

// ProbeCapabilities builds the availability snapshot for this process. The
// CPU capability is always available and carries the lowest priority, so a
// terminal fallback always exists. Accelerator kinds are gated on the
// configured GPU-present flag.
func ProbeCapabilities(cfg config.Config) []Capability {
	return []Capability{
		{Kind: KindROCm, Available: cfg.GPUPresent, Priority: 40},
		{Kind: KindVulkan, Available: cfg.GPUPresent, Priority: 30},
		{Kind: KindOpenCL, Available: cfg.GPUPresent, Priority: 20},
		{Kind: KindSYCL, Available: cfg.GPUPresent, Priority: 10},
		{Kind: KindCPU, Available: true, Priority: 0, SIMD: simdFeature()},
	}
}
