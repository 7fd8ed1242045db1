// Package kernel provides the compiled-kernel cache consumed by the backend
// dispatcher. Compilation cost is paid once per operation/target/datatype
// key; subsequent lookups return the memoized artifact.
package kernel

import (
	"fmt"
	"sync"

	"github.com/aurexhq/aurex/internal/metrics"
)

// Key identifies one compiled kernel.
type Key struct {
	Op     string
	Target string
	DType  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Op, k.Target, k.DType)
}

// CompileFunc builds the executable artifact for a key. It is invoked at
// most once per key unless compilation fails.
type CompileFunc[K any] func(Key) (K, error)

// Cache memoizes compiled kernels. Safe for concurrent use.
type Cache[K any] struct {
	mu      sync.Mutex
	entries map[Key]K
	compile CompileFunc[K]
}

// NewCache builds a cache around the given compile step.
func NewCache[K any](compile CompileFunc[K]) *Cache[K] {
	return &Cache[K]{
		entries: make(map[Key]K),
		compile: compile,
	}
}

// Lookup returns the compiled kernel for key, compiling it on first use.
func (c *Cache[K]) Lookup(key Key) (K, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.entries[key]; ok {
		metrics.KernelCacheHits.Inc()
		return k, nil
	}

	k, err := c.compile(key)
	if err != nil {
		var zero K
		return zero, fmt.Errorf("compile kernel %s: %w", key, err)
	}
	c.entries[key] = k
	metrics.RecordKernelCompile(key.Target)
	return k, nil
}

// Len reports the number of compiled kernels held.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
