package memtier

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aurexhq/aurex/internal/config"
	"github.com/aurexhq/aurex/internal/logger"
	"github.com/aurexhq/aurex/internal/metrics"
)

// block is the store-private record behind a BlockID. Callers never see it.
type block struct {
	id      BlockID
	size    int64
	tier    Tier
	temp    Temperature
	refs    int
	touched uint64 // monotonic sequence for least-recently-touched ordering
	data    []float32
	spilled bool
}

// Store manages allocation, promotion, demotion, and eviction of blocks
// across the three tiers. One Store is shared across all sessions in a
// process; a single mutex makes allocation, eviction, and the capacity check
// one atomic unit so concurrent allocations cannot jointly overrun a budget.
type Store struct {
	mu     sync.Mutex
	caps   [3]int64
	used   [3]int64
	blocks map[BlockID]*block
	nextID BlockID
	clock  uint64

	spiller Spiller
	log     *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSpiller routes Slow-tier payloads through a backing store.
func WithSpiller(sp Spiller) Option {
	return func(s *Store) { s.spiller = sp }
}

// NewStore builds a store with tier capacities taken from the immutable
// process configuration.
func NewStore(cfg config.Config, opts ...Option) *Store {
	s := &Store{
		blocks: make(map[BlockID]*block),
		log:    logger.Log.Component("memtier"),
	}
	s.caps[TierFast] = cfg.FastCapacity
	s.caps[TierMedium] = cfg.MediumCapacity
	s.caps[TierSlow] = cfg.SlowCapacity
	for _, opt := range opts {
		opt(s)
	}
	for t := TierFast; t <= TierSlow; t++ {
		metrics.RecordTierUsage(t.String(), 0, s.caps[t])
	}
	return s
}

// Allocate places a new block, attempting the Fast tier first and running
// one eviction pass per tier before falling through to the next. Fails with
// ErrOutOfMemory when no tier can hold the block after a full cascade.
func (s *Store) Allocate(size int64, temp Temperature) (BlockID, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid block size %d", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for tier := TierFast; tier <= TierSlow; tier++ {
		if size > s.caps[tier] {
			continue
		}
		if free := s.caps[tier] - s.used[tier]; free < size {
			s.evictLocked(tier, size-free)
		}
		if s.caps[tier]-s.used[tier] < size {
			continue
		}

		s.nextID++
		s.clock++
		blk := &block{
			id:      s.nextID,
			size:    size,
			tier:    tier,
			temp:    temp,
			touched: s.clock,
		}
		s.blocks[blk.id] = blk
		s.used[tier] += size
		s.recordUsageLocked(tier)
		metrics.RecordAllocation(tier.String())
		s.log.Debug("allocated block", "id", blk.id, "size", size, "tier", tier.String(), "temp", temp.String())
		return blk.id, nil
	}

	metrics.OutOfMemoryErrors.Inc()
	s.log.Warn("allocation failed after eviction cascade", "size", size)
	return 0, fmt.Errorf("allocate %d bytes: %w", size, ErrOutOfMemory)
}

// Get returns the current tier of a block.
func (s *Store) Get(id BlockID) (Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return 0, fmt.Errorf("get block %d: %w", id, ErrUnknownBlock)
	}
	s.touchLocked(blk)
	return blk.tier, nil
}

// MarkInUse increments the block's reference count. A block with a positive
// count is never selected for eviction.
func (s *Store) MarkInUse(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("mark block %d in use: %w", id, ErrUnknownBlock)
	}
	blk.refs++
	s.touchLocked(blk)
	return nil
}

// Release decrements the block's reference count.
func (s *Store) Release(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("release block %d: %w", id, ErrUnknownBlock)
	}
	if blk.refs == 0 {
		return fmt.Errorf("release block %d: reference count already zero", id)
	}
	blk.refs--
	return nil
}

// SetTemperature updates the eviction hint for a block.
func (s *Store) SetTemperature(id BlockID, temp Temperature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("set temperature of block %d: %w", id, ErrUnknownBlock)
	}
	blk.temp = temp
	return nil
}

// Promote moves a block one tier up, evicting eligible blocks in the
// destination if needed. Fails with ErrTierFull when the destination cannot
// accept the block even after eviction.
func (s *Store) Promote(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("promote block %d: %w", id, ErrUnknownBlock)
	}
	if blk.tier == TierFast {
		return fmt.Errorf("promote block %d: already in fast tier", id)
	}
	return s.migrateLocked(blk, blk.tier-1)
}

// Demote moves a block one tier down under the same rules as Promote.
func (s *Store) Demote(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("demote block %d: %w", id, ErrUnknownBlock)
	}
	if blk.tier == TierSlow {
		return fmt.Errorf("demote block %d: already in slow tier", id)
	}
	return s.migrateLocked(blk, blk.tier+1)
}

// Write stores the block's payload. The payload must fit the declared size.
func (s *Store) Write(id BlockID, data []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("write block %d: %w", id, ErrUnknownBlock)
	}
	if int64(len(data))*4 > blk.size {
		return fmt.Errorf("write block %d: payload %d bytes exceeds block size %d", id, len(data)*4, blk.size)
	}
	blk.data = append(blk.data[:0], data...)
	s.touchLocked(blk)
	if blk.tier == TierSlow && s.spiller != nil {
		if err := s.spillLocked(blk); err != nil {
			return err
		}
	} else {
		blk.spilled = false
	}
	return nil
}

// Read returns the block's payload, fetching it back from the backing store
// when the block was spilled.
func (s *Store) Read(id BlockID) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("read block %d: %w", id, ErrUnknownBlock)
	}
	s.touchLocked(blk)
	if blk.spilled {
		if err := s.unspillLocked(blk); err != nil {
			return nil, err
		}
	}
	out := make([]float32, len(blk.data))
	copy(out, blk.data)
	return out, nil
}

// Free destroys a block. Blocks live until explicitly freed or until the
// owning session ends.
func (s *Store) Free(id BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("free block %d: %w", id, ErrUnknownBlock)
	}
	s.used[blk.tier] -= blk.size
	delete(s.blocks, id)
	s.recordUsageLocked(blk.tier)
	return nil
}

// Usage reports resident bytes per tier.
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		Fast:   s.used[TierFast],
		Medium: s.used[TierMedium],
		Slow:   s.used[TierSlow],
	}
}

// Capacity reports the configured byte budget of a tier.
func (s *Store) Capacity(t Tier) int64 {
	return s.caps[t]
}

// InUse reports the reference count of a block. Primarily for diagnostics.
func (s *Store) InUse(id BlockID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blk, ok := s.blocks[id]
	if !ok {
		return 0, fmt.Errorf("block %d: %w", id, ErrUnknownBlock)
	}
	return blk.refs, nil
}

func (s *Store) touchLocked(blk *block) {
	s.clock++
	blk.touched = s.clock
}

func (s *Store) recordUsageLocked(t Tier) {
	metrics.RecordTierUsage(t.String(), s.used[t], s.caps[t])
}

// migrateLocked moves a block to the target tier, evicting eligible blocks
// there first if the block does not fit.
func (s *Store) migrateLocked(blk *block, target Tier) error {
	if free := s.caps[target] - s.used[target]; free < blk.size {
		s.evictLocked(target, blk.size-free)
	}
	if s.caps[target]-s.used[target] < blk.size {
		return fmt.Errorf("move block %d to %s tier: %w", blk.id, target, ErrTierFull)
	}

	from := blk.tier
	s.used[from] -= blk.size
	s.used[target] += blk.size
	blk.tier = target
	s.touchLocked(blk)
	s.recordUsageLocked(from)
	s.recordUsageLocked(target)

	if target == TierSlow && s.spiller != nil && blk.data != nil {
		if err := s.spillLocked(blk); err != nil {
			return err
		}
	}
	if target < TierSlow && blk.spilled {
		if err := s.unspillLocked(blk); err != nil {
			return err
		}
	}
	return nil
}

// evictLocked tries to free `need` bytes in a tier by demoting eligible
// resident blocks one tier down. Candidates are blocks with a zero reference
// count; Cold blocks go before Hot ones, and within a temperature the least
// recently touched block goes first. Demotions cascade when the next tier is
// also short on room. The Slow tier is terminal: nothing is evicted from it.
func (s *Store) evictLocked(tier Tier, need int64) {
	if tier >= TierSlow || need <= 0 {
		return
	}

	var candidates []*block
	for _, blk := range s.blocks {
		if blk.tier == tier && blk.refs == 0 {
			candidates = append(candidates, blk)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].temp != candidates[j].temp {
			return candidates[i].temp == TempCold
		}
		if candidates[i].touched != candidates[j].touched {
			return candidates[i].touched < candidates[j].touched
		}
		return candidates[i].id < candidates[j].id
	})

	var freed int64
	for _, blk := range candidates {
		if freed >= need {
			break
		}
		next := tier + 1
		if free := s.caps[next] - s.used[next]; free < blk.size {
			s.evictLocked(next, blk.size-free)
		}
		if s.caps[next]-s.used[next] < blk.size {
			continue
		}

		s.used[tier] -= blk.size
		s.used[next] += blk.size
		blk.tier = next
		freed += blk.size
		metrics.RecordEviction(tier.String())
		s.recordUsageLocked(tier)
		s.recordUsageLocked(next)
		s.log.Debug("evicted block", "id", blk.id, "from", tier.String(), "to", next.String(), "temp", blk.temp.String())

		if next == TierSlow && s.spiller != nil && blk.data != nil {
			if err := s.spillLocked(blk); err != nil {
				s.log.Warn("spill during eviction failed", "id", blk.id, "error", err)
			}
		}
	}
}

func (s *Store) spillLocked(blk *block) error {
	if err := s.spiller.Spill(blk.id, blk.data); err != nil {
		return fmt.Errorf("spill block %d: %w", blk.id, err)
	}
	blk.data = nil
	blk.spilled = true
	metrics.SpilledBlocks.Inc()
	return nil
}

func (s *Store) unspillLocked(blk *block) error {
	if s.spiller == nil {
		return fmt.Errorf("block %d spilled but no backing store configured", blk.id)
	}
	data, err := s.spiller.Fetch(blk.id)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", blk.id, err)
	}
	blk.data = data
	blk.spilled = false
	metrics.FetchedBlocks.Inc()
	return nil
}
