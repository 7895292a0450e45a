package vectorstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	points map[string]map[string]Point
}

func NewMemory() *Memory {
	return &Memory{points: map[string]map[string]Point{}}
}

func (m *Memory) Upsert(_ context.Context, collection, pointID string, vector []float32, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.points[collection]
	if !ok {
		c = map[string]Point{}
		m.points[collection] = c
	}
	c[pointID] = Point{ID: pointID, Vector: append([]float32(nil), vector...), Payload: payload}
	return nil
}

func (m *Memory) Get(_ context.Context, collection, pointID string) (*Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.points[collection][pointID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) DeleteByJob(_ context.Context, collection, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points[collection] {
		if jobIDOf(p.Payload) == jobID {
			delete(m.points[collection], id)
		}
	}
	return nil
}

// Count returns the number of points in collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points[collection])
}

var _ Store = (*Memory)(nil)
