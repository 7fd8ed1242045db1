package backend

import (
	"errors"
	"math"
	"testing"

	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/memtier"
)

func newTestStore(t *testing.T) *memtier.Store {
	t.Helper()
	cfg := config.Default()
	cfg.FastCapacity = 1 << 20
	cfg.MediumCapacity = 1 << 20
	cfg.SlowCapacity = 1 << 20
	return memtier.NewStore(cfg)
}

func allocBlock(t *testing.T, store *memtier.Store, data []float32) memtier.BlockID {
	t.Helper()
	id, err := store.Allocate(int64(len(data))*4, memtier.TempHot)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := store.Write(id, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	return id
}

func readBlock(t *testing.T, store *memtier.Store, id memtier.BlockID) []float32 {
	t.Helper()
	data, err := store.Read(id)
	if err != nil {
		t.Fatalf("read block %d: %v", id, err)
	}
	return data
}

func almostEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-4 {
			return false
		}
	}
	return true
}

func TestCPUMatMul(t *testing.T) {
	store := newTestStore(t)
	cpu := NewCPU(store)

	a := allocBlock(t, store, []float32{1, 2, 3, 4})
	b := allocBlock(t, store, []float32{5, 6, 7, 8})

	out, err := cpu.MatMul(a, b, 2, 2, 2)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}
	want := []float32{19, 22, 43, 50}
	if got := readBlock(t, store, out); !almostEqual(got, want) {
		t.Errorf("matmul = %v, want %v", got, want)
	}
}

func TestCPUMatMulBadShape(t *testing.T) {
	store := newTestStore(t)
	cpu := NewCPU(store)

	a := allocBlock(t, store, []float32{1, 2})
	b := allocBlock(t, store, []float32{3, 4})
	if _, err := cpu.MatMul(a, b, 4, 4, 4); err == nil {
		t.Error("expected error for operands shorter than declared shape")
	}
	if _, err := cpu.MatMul(a, b, 0, 1, 1); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestCPUConv2D(t *testing.T) {
	store := newTestStore(t)
	cpu := NewCPU(store)

	input := allocBlock(t, store, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	kern := allocBlock(t, store, []float32{1, 0, 0, 1})

	out, err := cpu.Conv2D(input, kern, ConvParams{InputH: 3, InputW: 3, KernelH: 2, KernelW: 2})
	if err != nil {
		t.Fatalf("conv2d: %v", err)
	}
	want := []float32{6, 8, 12, 14}
	if got := readBlock(t, store, out); !almostEqual(got, want) {
		t.Errorf("conv2d = %v, want %v", got, want)
	}
}

func TestCPULayerNorm(t *testing.T) {
	store := newTestStore(t)
	cpu := NewCPU(store)

	input := allocBlock(t, store, []float32{1, 2, 3, 4})
	gamma := allocBlock(t, store, []float32{1, 1, 1, 1})
	beta := allocBlock(t, store, []float32{0, 0, 0, 0})

	out, err := cpu.LayerNorm(input, gamma, beta)
	if err != nil {
		t.Fatalf("layer_norm: %v", err)
	}
	got := readBlock(t, store, out)

	var mean float32
	for _, x := range got {
		mean += x
	}
	mean /= float32(len(got))
	if math.Abs(float64(mean)) > 1e-4 {
		t.Errorf("normalized mean = %v, want ~0", mean)
	}
	if got[0] >= got[3] {
		t.Errorf("ordering not preserved: %v", got)
	}
}

func TestCPUAttentionUpdatesCache(t *testing.T) {
	store := newTestStore(t)
	cpu := NewCPU(store)

	q := allocBlock(t, store, []float32{1, 1})
	k := allocBlock(t, store, []float32{2, 2})
	v := allocBlock(t, store, []float32{1, 3})
	cache := allocBlock(t, store, []float32{0, 0})

	// score = (1*2 + 1*2) / 2 = 2
	out, err := cpu.Attention(q, k, v, cache)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	want := []float32{2, 6}
	if got := readBlock(t, store, out); !almostEqual(got, want) {
		t.Errorf("attention = %v, want %v", got, want)
	}
	if got := readBlock(t, store, cache); !almostEqual(got, want) {
		t.Errorf("cache after attention = %v, want %v", got, want)
	}

	// A second step folds the running context back in.
	out2, err := cpu.Attention(q, k, v, cache)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}
	want2 := []float32{4, 12}
	if got := readBlock(t, store, out2); !almostEqual(got, want2) {
		t.Errorf("second attention = %v, want %v", got, want2)
	}
}

func TestSelectPrefersConfiguredBackend(t *testing.T) {
	tests := []struct {
		name       string
		gpuPresent bool
		preferred  string
		want       Kind
	}{
		{"rocm available", true, "rocm", KindROCm},
		{"sycl available", true, "sycl", KindSYCL},
		{"rocm unavailable falls to cpu", false, "rocm", KindCPU},
		{"no preference picks highest priority", true, "", KindROCm},
		{"cpu only", false, "", KindCPU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.GPUPresent = tt.gpuPresent
			cfg.PreferredBackend = tt.preferred
			d := NewDispatcher(newTestStore(t), cfg)
			if got := d.Select(); got != tt.want {
				t.Errorf("Select() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "vulkan"
	d := NewDispatcher(newTestStore(t), cfg)

	first := d.Select()
	for i := 0; i < 100; i++ {
		if got := d.Select(); got != first {
			t.Fatalf("Select() changed from %s to %s on iteration %d", first, got, i)
		}
	}
}

type failingOps struct{ err error }

func (f failingOps) MatMul(a, b memtier.BlockID, m, n, k int) (memtier.BlockID, error) {
	return 0, f.err
}

func (f failingOps) Conv2D(input, kern memtier.BlockID, p ConvParams) (memtier.BlockID, error) {
	return 0, f.err
}

func (f failingOps) Attention(q, k, v, c memtier.BlockID) (memtier.BlockID, error) {
	return 0, f.err
}

func (f failingOps) LayerNorm(in, g, b memtier.BlockID) (memtier.BlockID, error) {
	return 0, f.err
}

func TestDispatchFallsBackToNextPriority(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "rocm"
	d := NewDispatcher(store, cfg)
	d.Register(KindROCm, failingOps{err: errors.New("device lost")})

	a := allocBlock(t, store, []float32{1, 0, 0, 1})
	b := allocBlock(t, store, []float32{5, 6, 7, 8})

	res, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 2, N: 2, K: 2})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Backend != KindVulkan {
		t.Errorf("result backend = %s, want vulkan (next priority after rocm)", res.Backend)
	}
	want := []float32{5, 6, 7, 8}
	if got := readBlock(t, store, res.Output); !almostEqual(got, want) {
		t.Errorf("output = %v, want %v", got, want)
	}
}

func TestDispatchFallsBackToCPU(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "sycl"
	d := NewDispatcher(store, cfg)
	d.Register(KindSYCL, failingOps{err: errors.New("device lost")})

	a := allocBlock(t, store, []float32{1, 0, 0, 1})
	b := allocBlock(t, store, []float32{5, 6, 7, 8})

	res, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 2, N: 2, K: 2})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Backend != KindCPU {
		t.Errorf("result backend = %s, want cpu (only kind below sycl)", res.Backend)
	}
}

func TestDispatchFailsWhenFallbackFails(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "opencl"
	d := NewDispatcher(store, cfg)
	d.Register(KindOpenCL, failingOps{err: errors.New("device lost")})

	a := allocBlock(t, store, []float32{1, 2})
	b := allocBlock(t, store, []float32{3, 4})

	// Shape larger than the operands fails the CPU reference too.
	_, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 8, N: 8, K: 8})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
}

func TestDispatchNoSecondFallbackFromCPU(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, config.Default())

	a := allocBlock(t, store, []float32{1, 2})
	b := allocBlock(t, store, []float32{3, 4})

	_, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 8, N: 8, K: 8})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("err = %v, want ErrDispatchFailed", err)
	}
}

type pinCheckOps struct {
	t     *testing.T
	store *memtier.Store
}

func (p pinCheckOps) check(ids ...memtier.BlockID) {
	for _, id := range ids {
		refs, err := p.store.InUse(id)
		if err != nil {
			p.t.Errorf("in-use query for %d: %v", id, err)
			continue
		}
		if refs == 0 {
			p.t.Errorf("operand %d not pinned during execution", id)
		}
	}
}

func (p pinCheckOps) MatMul(a, b memtier.BlockID, m, n, k int) (memtier.BlockID, error) {
	p.check(a, b)
	return NewCPU(p.store).MatMul(a, b, m, n, k)
}

func (p pinCheckOps) Conv2D(input, kern memtier.BlockID, cp ConvParams) (memtier.BlockID, error) {
	p.check(input, kern)
	return NewCPU(p.store).Conv2D(input, kern, cp)
}

func (p pinCheckOps) Attention(q, k, v, c memtier.BlockID) (memtier.BlockID, error) {
	p.check(q, k, v, c)
	return NewCPU(p.store).Attention(q, k, v, c)
}

func (p pinCheckOps) LayerNorm(in, g, b memtier.BlockID) (memtier.BlockID, error) {
	p.check(in, g, b)
	return NewCPU(p.store).LayerNorm(in, g, b)
}

func TestDispatchPinsOperandsDuringExecution(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "vulkan"
	d := NewDispatcher(store, cfg)
	d.Register(KindVulkan, pinCheckOps{t: t, store: store})

	a := allocBlock(t, store, []float32{1, 2, 3, 4})
	b := allocBlock(t, store, []float32{1, 0, 0, 1})

	if _, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 2, N: 2, K: 2}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, id := range []memtier.BlockID{a, b} {
		refs, err := store.InUse(id)
		if err != nil {
			t.Fatalf("in-use query: %v", err)
		}
		if refs != 0 {
			t.Errorf("operand %d still pinned after dispatch, refs = %d", id, refs)
		}
	}
}

func TestDispatchRoutesPerOperation(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Default()
	cfg.GPUPresent = true
	cfg.PreferredBackend = "rocm"
	d := NewDispatcher(store, cfg)

	var seen []Kind
	d.Observe(observerFunc(func(req OpRequest, kind Kind, err error) {
		if err == nil {
			seen = append(seen, kind)
		}
	}))

	a := allocBlock(t, store, []float32{1, 2, 3, 4})
	b := allocBlock(t, store, []float32{1, 0, 0, 1})

	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(OpRequest{Op: OpMatMul, Operands: []memtier.BlockID{a, b}, M: 2, N: 2, K: 2}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("observed %d successful dispatches, want 3", len(seen))
	}
	for _, kind := range seen {
		if kind != KindROCm {
			t.Errorf("dispatch landed on %s, want rocm", kind)
		}
	}
}

type observerFunc func(req OpRequest, kind Kind, err error)

func (f observerFunc) OnDispatch(req OpRequest, kind Kind, err error) { f(req, kind, err) }

func TestWarmCacheCompilesOncePerTarget(t *testing.T) {
	d := NewDispatcher(newTestStore(t), config.Default())

	n, err := d.WarmCache(KindCPU)
	if err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if n != 4 {
		t.Errorf("first warm compiled %d kernels, want 4", n)
	}
	n, err = d.WarmCache(KindCPU)
	if err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if n != 0 {
		t.Errorf("second warm compiled %d kernels, want 0", n)
	}
}
