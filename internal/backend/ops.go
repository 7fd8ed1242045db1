package backend

import (
	"errors"

	"github.com/aurexhq/aurex/internal/memtier"
)

// ErrDispatchFailed is returned when both the selected backend and its
// fallback fail to execute a request.
var ErrDispatchFailed = errors.New("backend: dispatch failed")

// Op names a tensor operation routed through the dispatcher.
type Op string

const (
	OpMatMul    Op = "matmul"
	OpConv2D    Op = "conv2d"
	OpAttention Op = "attention"
	OpLayerNorm Op = "layer_norm"
)

// ConvParams carries the shape of a valid (no padding, stride 1) 2D
// convolution. The input block holds InputH*InputW values and the kernel
// block KernelH*KernelW.
type ConvParams struct {
	InputH  int
	InputW  int
	KernelH int
	KernelW int
}

// OpRequest is one unit of work for the dispatcher. Operands are block
// handles into the shared tier store; backends never receive raw pointers.
type OpRequest struct {
	Op       Op
	Operands []memtier.BlockID
	DType    string

	// MatMul shape: a is M x K, b is K x N.
	M, N, K int

	Conv ConvParams
}

// TensorResult reports where an operation ran and the block holding its
// output. The caller owns the output block.
type TensorResult struct {
	Output  memtier.BlockID
	Backend Kind
}

// TensorOps is the contract every execution target implements. Operands and
// results are tier store handles, so the memory manager stays in charge of
// placement and eviction while an operation is in flight.
type TensorOps interface {
	MatMul(a, b memtier.BlockID, m, n, k int) (memtier.BlockID, error)
	Conv2D(input, kern memtier.BlockID, p ConvParams) (memtier.BlockID, error)
	Attention(query, key, value, cache memtier.BlockID) (memtier.BlockID, error)
	LayerNorm(input, gamma, beta memtier.BlockID) (memtier.BlockID, error)
}
