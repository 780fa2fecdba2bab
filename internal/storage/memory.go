package storage

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	order  []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
	}
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		m.order = append(m.order, key)
	}
	m.values[key] = slices.Clone(value)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		return ErrNotFound
	}
	delete(m.values, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, Entry{Key: k, Value: slices.Clone(m.values[k])})
	}
	return out, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
