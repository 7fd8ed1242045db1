package backend

import (
	"fmt"
	"math"

	"github.com/aurexhq/aurex/internal/memtier"
)

const layerNormEps = 1e-5

// CPU is the reference backend. It is always available and every other
// backend is checked against its results, so the loops below stay plain
// scalar float32 with no reordering tricks.
type CPU struct {
	store *memtier.Store
	simd  string
}

// NewCPU builds the reference backend over the shared tier store.
func NewCPU(store *memtier.Store) *CPU {
	return &CPU{store: store, simd: simdFeature()}
}

func (c *CPU) read(id memtier.BlockID) ([]float32, error) {
	return c.store.Read(id)
}

func (c *CPU) emit(data []float32) (memtier.BlockID, error) {
	id, err := c.store.Allocate(int64(len(data))*4, memtier.TempHot)
	if err != nil {
		return 0, err
	}
	if err := c.store.Write(id, data); err != nil {
		c.store.Free(id)
		return 0, err
	}
	return id, nil
}

// MatMul computes the row-major product of an m x k and a k x n matrix.
func (c *CPU) MatMul(a, b memtier.BlockID, m, n, k int) (memtier.BlockID, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return 0, fmt.Errorf("matmul: invalid shape %dx%dx%d", m, k, n)
	}
	av, err := c.read(a)
	if err != nil {
		return 0, err
	}
	bv, err := c.read(b)
	if err != nil {
		return 0, err
	}
	if len(av) < m*k || len(bv) < k*n {
		return 0, fmt.Errorf("matmul: operand shorter than shape %dx%dx%d", m, k, n)
	}
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for p := 0; p < k; p++ {
				acc += av[i*k+p] * bv[p*n+j]
			}
			out[i*n+j] = acc
		}
	}
	return c.emit(out)
}

// Conv2D computes a valid, stride-1 2D convolution.
func (c *CPU) Conv2D(input, kern memtier.BlockID, p ConvParams) (memtier.BlockID, error) {
	if p.InputH < p.KernelH || p.InputW < p.KernelW || p.KernelH <= 0 || p.KernelW <= 0 {
		return 0, fmt.Errorf("conv2d: kernel %dx%d does not fit input %dx%d",
			p.KernelH, p.KernelW, p.InputH, p.InputW)
	}
	in, err := c.read(input)
	if err != nil {
		return 0, err
	}
	kv, err := c.read(kern)
	if err != nil {
		return 0, err
	}
	if len(in) < p.InputH*p.InputW || len(kv) < p.KernelH*p.KernelW {
		return 0, fmt.Errorf("conv2d: operand shorter than declared shape")
	}
	outH := p.InputH - p.KernelH + 1
	outW := p.InputW - p.KernelW + 1
	out := make([]float32, outH*outW)
	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			var acc float32
			for ky := 0; ky < p.KernelH; ky++ {
				for kx := 0; kx < p.KernelW; kx++ {
					acc += in[(oy+ky)*p.InputW+(ox+kx)] * kv[ky*p.KernelW+kx]
				}
			}
			out[oy*outW+ox] = acc
		}
	}
	return c.emit(out)
}

// Attention scores the query against the key, scales the value vector by the
// score, and folds in the running context held by the cache block. The cache
// block is rewritten with the new context so the next step sees it.
func (c *CPU) Attention(query, key, value, cache memtier.BlockID) (memtier.BlockID, error) {
	q, err := c.read(query)
	if err != nil {
		return 0, err
	}
	k, err := c.read(key)
	if err != nil {
		return 0, err
	}
	v, err := c.read(value)
	if err != nil {
		return 0, err
	}
	if len(q) == 0 || len(q) != len(k) || len(k) != len(v) {
		return 0, fmt.Errorf("attention: mismatched operand lengths %d/%d/%d",
			len(q), len(k), len(v))
	}
	var score float32
	for i := range q {
		score += q[i] * k[i]
	}
	score /= float32(len(q))

	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] * score
	}
	ctx, err := c.read(cache)
	if err != nil {
		return 0, err
	}
	if len(ctx) == len(out) {
		for i := range out {
			out[i] += ctx[i]
		}
	}
	if err := c.store.Write(cache, out); err != nil {
		return 0, err
	}
	return c.emit(out)
}

// LayerNorm normalizes the input to zero mean and unit variance, then applies
// the gamma scale and beta shift.
func (c *CPU) LayerNorm(input, gamma, beta memtier.BlockID) (memtier.BlockID, error) {
	in, err := c.read(input)
	if err != nil {
		return 0, err
	}
	g, err := c.read(gamma)
	if err != nil {
		return 0, err
	}
	b, err := c.read(beta)
	if err != nil {
		return 0, err
	}
	if len(in) == 0 || len(g) != len(in) || len(b) != len(in) {
		return 0, fmt.Errorf("layer_norm: mismatched operand lengths %d/%d/%d",
			len(in), len(g), len(b))
	}
	var mean float32
	for _, x := range in {
		mean += x
	}
	mean /= float32(len(in))
	var variance float32
	for _, x := range in {
		d := x - mean
		variance += d * d
	}
	variance /= float32(len(in))
	inv := float32(1.0 / math.Sqrt(float64(variance)+layerNormEps))

	out := make([]float32, len(in))
	for i, x := range in {
		out[i] = (x-mean)*inv*g[i] + b[i]
	}
	return c.emit(out)
}
