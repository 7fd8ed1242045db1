package memtier

import "errors"

// Tier identifies one of the three memory speed classes, ordered by
// descending speed and ascending capacity.
type Tier int

const (
	TierFast Tier = iota // device-local
	TierMedium           // host
	TierSlow             // backing storage
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Temperature is a caller-settable hint consumed only by the eviction policy.
type Temperature int

const (
	TempHot Temperature = iota
	TempCold
)

func (t Temperature) String() string {
	if t == TempCold {
		return "cold"
	}
	return "hot"
}

// BlockID is the opaque handle callers hold instead of a raw reference, so
// tier migration can never dangle a caller's pointer.
type BlockID uint64

var (
	// ErrOutOfMemory means no tier could satisfy an allocation after a full
	// eviction cascade. Fatal; never retried internally.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUnknownBlock means the block id was never allocated or was freed.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrTierFull means an explicit promote/demote could not fit the block in
	// the destination tier even after evicting eligible blocks there.
	ErrTierFull = errors.New("tier full")
)

// Spiller persists Slow-tier block payloads to backing storage. Implemented
// by flightstore.Client and by MemorySpiller for CPU-only deployments.
type Spiller interface {
	Spill(id BlockID, data []float32) error
	Fetch(id BlockID) ([]float32, error)
}

// Usage is a per-tier snapshot of resident bytes.
type Usage struct {
	Fast   int64
	Medium int64
	Slow   int64
}

func (u Usage) ForTier(t Tier) int64 {
	switch t {
	case TierFast:
		return u.Fast
	case TierMedium:
		return u.Medium
	default:
		return u.Slow
	}
}
