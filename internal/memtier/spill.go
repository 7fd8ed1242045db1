package memtier

import (
	"fmt"
	"sync"
)

// MemorySpiller keeps spilled payloads in process memory. It stands in for a
// real backing store when no NVMe or Flight endpoint is configured, and in
// tests.
type MemorySpiller struct {
	mu   sync.RWMutex
	data map[BlockID][]float32
}

func NewMemorySpiller() *MemorySpiller {
	return &MemorySpiller{data: make(map[BlockID][]float32)}
}

func (m *MemorySpiller) Spill(id BlockID, data []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(data))
	copy(cp, data)
	m.data[id] = cp
	return nil
}

func (m *MemorySpiller) Fetch(id BlockID) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("spilled block %d not found", id)
	}
	cp := make([]float32, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of spilled blocks held.
func (m *MemorySpiller) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
