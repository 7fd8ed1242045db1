package backend

import "github.com/aurexhq/aurex/internal/memtier"

// Accel represents an accelerator execution target. Kernel launches are
// emulated on the host, so results are bit-identical to the CPU reference
// while still exercising the full dispatch, capability, and kernel cache
// paths for the target.
type Accel struct {
	kind Kind
	cpu  *CPU
}

// NewAccel builds an accelerator backend of the given kind over the shared
// tier store.
func NewAccel(kind Kind, store *memtier.Store) *Accel {
	return &Accel{kind: kind, cpu: NewCPU(store)}
}

func (a *Accel) Kind() Kind { return a.kind }

func (a *Accel) MatMul(x, y memtier.BlockID, m, n, k int) (memtier.BlockID, error) {
	return a.cpu.MatMul(x, y, m, n, k)
}

func (a *Accel) Conv2D(input, kern memtier.BlockID, p ConvParams) (memtier.BlockID, error) {
	return a.cpu.Conv2D(input, kern, p)
}

func (a *Accel) Attention(query, key, value, cache memtier.BlockID) (memtier.BlockID, error) {
	return a.cpu.Attention(query, key, value, cache)
}

func (a *Accel) LayerNorm(input, gamma, beta memtier.BlockID) (memtier.BlockID, error) {
	return a.cpu.LayerNorm(input, gamma, beta)
}
