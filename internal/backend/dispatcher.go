package backend

import (
	"fmt"
	"sort"
	"time"

	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/kernel"
	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/memtier"
	"github.com/aurexhq/aurex/internal/metrics"
)

// Kernel is the executable artifact the kernel cache holds: the operation
// bound to a concrete backend, ready to run against block handles.
type Kernel func(req OpRequest) (memtier.BlockID, error)

// Observer is notified after every dispatch attempt, including failed ones.
type Observer interface {
	OnDispatch(req OpRequest, kind Kind, err error)
}

// Dispatcher routes operation requests to backends. Selection is a pure
// function of the request, the configured preference, and the capability
// snapshot taken at construction, so repeated dispatches of the same request
// land on the same backend.
type Dispatcher struct {
	store     *memtier.Store
	caps      []Capability
	backends  map[Kind]TensorOps
	preferred Kind
	cache     *kernel.Cache[Kernel]
	observers []Observer
	log       *logger.Logger
}

// NewDispatcher probes capabilities, registers a backend for every available
// kind, and wires the kernel cache.
func NewDispatcher(store *memtier.Store, cfg config.Config) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		caps:      ProbeCapabilities(cfg),
		backends:  make(map[Kind]TensorOps),
		preferred: KindFromString(cfg.Backend()),
		log:       logger.Log.Component("dispatcher"),
	}
	sort.Slice(d.caps, func(i, j int) bool { return d.caps[i].Priority > d.caps[j].Priority })
	for _, cap := range d.caps {
		if !cap.Available {
			continue
		}
		if cap.Kind == KindCPU {
			d.backends[KindCPU] = NewCPU(store)
		} else {
			d.backends[cap.Kind] = NewAccel(cap.Kind, store)
		}
	}
	d.cache = kernel.NewCache(d.compileKernel)
	return d
}

// Register swaps in an alternative implementation for a kind and marks it
// available. Used by tooling and tests to stand in for native runtimes.
func (d *Dispatcher) Register(kind Kind, ops TensorOps) {
	d.backends[kind] = ops
	for i := range d.caps {
		if d.caps[i].Kind == kind {
			d.caps[i].Available = true
			return
		}
	}
}

// Observe appends an observer. Not safe to call concurrently with Dispatch.
func (d *Dispatcher) Observe(obs Observer) {
	d.observers = append(d.observers, obs)
}

// Capabilities returns a copy of the capability snapshot in priority order.
func (d *Dispatcher) Capabilities() []Capability {
	out := make([]Capability, len(d.caps))
	copy(out, d.caps)
	return out
}

// Select picks the backend a request would run on: the preferred kind when it
// is available and registered, otherwise the highest-priority available kind.
func (d *Dispatcher) Select() Kind {
	if _, ok := d.backends[d.preferred]; ok && d.available(d.preferred) {
		return d.preferred
	}
	for _, cap := range d.caps {
		if cap.Available {
			if _, ok := d.backends[cap.Kind]; ok {
				return cap.Kind
			}
		}
	}
	return KindCPU
}

func (d *Dispatcher) available(kind Kind) bool {
	for _, cap := range d.caps {
		if cap.Kind == kind {
			return cap.Available
		}
	}
	return false
}

// Dispatch pins the request operands, runs the operation on the selected
// backend, and falls back exactly once to the next-priority available
// backend if the selected one fails. Both attempts failing yields
// ErrDispatchFailed. The CPU backend sits at the bottom of the priority
// order, so a fallback target exists for every accelerator.
func (d *Dispatcher) Dispatch(req OpRequest) (TensorResult, error) {
	for _, id := range req.Operands {
		if err := d.store.MarkInUse(id); err != nil {
			return TensorResult{}, fmt.Errorf("pin operand %d: %w", id, err)
		}
	}
	defer func() {
		for _, id := range req.Operands {
			if err := d.store.Release(id); err != nil {
				d.log.Warn("releasing operand failed", "block", id, "error", err)
			}
		}
	}()

	primary := d.Select()
	out, err := d.run(primary, req)
	if err == nil {
		return TensorResult{Output: out, Backend: primary}, nil
	}
	d.log.Warn("backend failed, falling back",
		"op", string(req.Op), "backend", primary.String(), "error", err)

	fallback, ok := d.nextAfter(primary)
	if !ok {
		metrics.DispatchFailures.Inc()
		return TensorResult{}, fmt.Errorf("%w: %s on %s: %v", ErrDispatchFailed, req.Op, primary, err)
	}
	metrics.RecordFallback(string(req.Op))
	out, ferr := d.run(fallback, req)
	if ferr != nil {
		metrics.DispatchFailures.Inc()
		return TensorResult{}, fmt.Errorf("%w: %s on %s (%v), then %s: %v",
			ErrDispatchFailed, req.Op, primary, err, fallback, ferr)
	}
	return TensorResult{Output: out, Backend: fallback}, nil
}

// nextAfter finds the highest-priority available backend strictly below the
// given kind in the priority order.
func (d *Dispatcher) nextAfter(kind Kind) (Kind, bool) {
	passed := false
	for _, cap := range d.caps {
		if cap.Kind == kind {
			passed = true
			continue
		}
		if !passed || !cap.Available {
			continue
		}
		if _, ok := d.backends[cap.Kind]; ok {
			return cap.Kind, true
		}
	}
	return KindCPU, false
}

func (d *Dispatcher) run(kind Kind, req OpRequest) (memtier.BlockID, error) {
	key := kernel.Key{Op: string(req.Op), Target: kind.String(), DType: dtype(req)}
	k, err := d.cache.Lookup(key)
	if err != nil {
		d.notify(req, kind, err)
		return 0, err
	}
	start := time.Now()
	out, err := k(req)
	if err == nil {
		metrics.RecordDispatch(string(req.Op), kind.String(), time.Since(start))
	}
	d.notify(req, kind, err)
	return out, err
}

func (d *Dispatcher) notify(req OpRequest, kind Kind, err error) {
	for _, obs := range d.observers {
		obs.OnDispatch(req, kind, err)
	}
}

func dtype(req OpRequest) string {
	if req.DType == "" {
		return "f32"
	}
	return req.DType
}

// compileKernel binds an operation name to the concrete backend method. This
// is the compile step behind the kernel cache.
func (d *Dispatcher) compileKernel(key kernel.Key) (Kernel, error) {
	ops, ok := d.backends[KindFromString(key.Target)]
	if !ok {
		return nil, fmt.Errorf("no backend registered for target %q", key.Target)
	}
	switch Op(key.Op) {
	case OpMatMul:
		return func(req OpRequest) (memtier.BlockID, error) {
			if len(req.Operands) != 2 {
				return 0, fmt.Errorf("matmul: want 2 operands, got %d", len(req.Operands))
			}
			return ops.MatMul(req.Operands[0], req.Operands[1], req.M, req.N, req.K)
		}, nil
	case OpConv2D:
		return func(req OpRequest) (memtier.BlockID, error) {
			if len(req.Operands) != 2 {
				return 0, fmt.Errorf("conv2d: want 2 operands, got %d", len(req.Operands))
			}
			return ops.Conv2D(req.Operands[0], req.Operands[1], req.Conv)
		}, nil
	case OpAttention:
		return func(req OpRequest) (memtier.BlockID, error) {
			if len(req.Operands) != 4 {
				return 0, fmt.Errorf("attention: want 4 operands, got %d", len(req.Operands))
			}
			return ops.Attention(req.Operands[0], req.Operands[1], req.Operands[2], req.Operands[3])
		}, nil
	case OpLayerNorm:
		return func(req OpRequest) (memtier.BlockID, error) {
			if len(req.Operands) != 3 {
				return 0, fmt.Errorf("layer_norm: want 3 operands, got %d", len(req.Operands))
			}
			return ops.LayerNorm(req.Operands[0], req.Operands[1], req.Operands[2])
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", key.Op)
	}
}

// WarmCache precompiles every operation for the given target, reporting how
// many kernels were built. Used by the compile command.
func (d *Dispatcher) WarmCache(target Kind) (int, error) {
	before := d.cache.Len()
	for _, op := range []Op{OpMatMul, OpConv2D, OpAttention, OpLayerNorm} {
		key := kernel.Key{Op: string(op), Target: target.String(), DType: "f32"}
		if _, err := d.cache.Lookup(key); err != nil {
			return d.cache.Len() - before, err
		}
	}
	return d.cache.Len() - before, nil
}
