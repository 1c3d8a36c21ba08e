package store

import (
	"fmt"
	"sync"

	"github.com/throw-if-null/argon/internal/api"
)

// MemoryStore keeps tasks in process memory, in insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*api.Task
	order []string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{tasks: map[string]*api.Task{}}
}

func (m *MemoryStore) Create(t *api.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.TaskID]; ok {
		return fmt.Errorf("create %s: %w", t.TaskID, ErrExists)
	}
	m.tasks[t.TaskID] = t.Clone()
	m.order = append(m.order, t.TaskID)
	return nil
}

func (m *MemoryStore) Update(t *api.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.TaskID]; !ok {
		return fmt.Errorf("update %s: %w", t.TaskID, ErrNotFound)
	}
	m.tasks[t.TaskID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*api.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns tasks in insertion order. With limit > 0 only the newest
// limit tasks are returned, still oldest first.
func (m *MemoryStore) List(limit int) ([]*api.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]*api.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
