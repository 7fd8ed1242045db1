package kernel

import (
	"errors"
	"sync"
	"testing"
)

func TestLookupCompilesOnce(t *testing.T) {
	compiles := 0
	cache := NewCache(func(key Key) (int, error) {
		compiles++
		return compiles, nil
	})

	key := Key{Op: "matmul", Target: "cpu", DType: "f32"}
	first, err := cache.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	second, err := cache.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if first != second {
		t.Errorf("expected memoized kernel, got %d and %d", first, second)
	}
	if compiles != 1 {
		t.Errorf("expected 1 compilation, got %d", compiles)
	}
}

func TestLookupDistinctKeys(t *testing.T) {
	cache := NewCache(func(key Key) (string, error) {
		return key.String(), nil
	})

	a, err := cache.Lookup(Key{Op: "matmul", Target: "cpu", DType: "f32"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	b, err := cache.Lookup(Key{Op: "matmul", Target: "rocm", DType: "f32"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct kernels per target, got %q twice", a)
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 cached kernels, got %d", cache.Len())
	}
}

func TestLookupFailureNotCached(t *testing.T) {
	fail := true
	cache := NewCache(func(key Key) (int, error) {
		if fail {
			return 0, errors.New("no such op")
		}
		return 7, nil
	})

	key := Key{Op: "fft", Target: "cpu", DType: "f32"}
	if _, err := cache.Lookup(key); err == nil {
		t.Fatal("expected compile error")
	}
	if cache.Len() != 0 {
		t.Errorf("failed compile must not be cached, len=%d", cache.Len())
	}

	fail = false
	k, err := cache.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup after recovery failed: %v", err)
	}
	if k != 7 {
		t.Errorf("expected recompiled kernel 7, got %d", k)
	}
}

func TestLookupConcurrent(t *testing.T) {
	cache := NewCache(func(key Key) (string, error) {
		return key.String(), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := cache.Lookup(Key{Op: "attention", Target: "cpu", DType: "f32"}); err != nil {
					t.Errorf("Lookup failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if cache.Len() != 1 {
		t.Errorf("expected a single cached kernel, got %d", cache.Len())
	}
}
