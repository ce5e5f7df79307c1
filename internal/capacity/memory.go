package capacity

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type slot struct {
	mu    sync.Mutex
	count int
}

// MemoryCounter keeps counts in process. Each event has its own critical
// section so unrelated events never contend.
type MemoryCounter struct {
	slots *xsync.MapOf[string, *slot]
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{slots: xsync.NewMapOf[string, *slot]()}
}

func (m *MemoryCounter) slot(eventID string) *slot {
	s, _ := m.slots.LoadOrCompute(eventID, func() *slot { return &slot{} })
	return s
}

func (m *MemoryCounter) Increment(_ context.Context, eventID string, amount, max int) (bool, int, error) {
	s := m.slot(eventID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count+amount > max {
		return false, s.count, nil
	}
	s.count += amount
	return true, s.count, nil
}

func (m *MemoryCounter) Decrement(_ context.Context, eventID string, amount int) (int, bool, error) {
	s := m.slot(eventID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count-amount < 0 {
		s.count = 0
		return 0, true, nil
	}
	s.count -= amount
	return s.count, false, nil
}

func (m *MemoryCounter) Count(_ context.Context, eventID string) (int, error) {
	s, ok := m.slots.Load(eventID)
	if !ok {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

// Seed sets the count of an event the counter has not seen yet.
func (m *MemoryCounter) Seed(_ context.Context, eventID string, count int) (bool, error) {
	_, loaded := m.slots.LoadOrCompute(eventID, func() *slot { return &slot{count: count} })
	return !loaded, nil
}
