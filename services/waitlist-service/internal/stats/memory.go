package stats

import (
	"context"
	"sync"
)

// MemoryRecorder keeps counters for the lifetime of the process.
type MemoryRecorder struct {
	mu    sync.Mutex
	total Snapshot
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{total: newSnapshot()}
}

func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total[ev.Outcome]++
	return nil
}

func (m *MemoryRecorder) Snapshot(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Snapshot, len(m.total))
	for k, v := range m.total {
		out[k] = v
	}
	return out, nil
}
