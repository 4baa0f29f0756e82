// Package store holds the persisted property abstraction the queue snapshot
// is written through, plus its memory and redis backends. The sqlite backend
// lives in internal/db.
package store

import (
	"context"
	"errors"
	"sync"
)

type Property string

const (
	PropertyQueue    Property = "queue"
	PropertyProps    Property = "props"
	PropertyOptedOut Property = "opted_out"
)

var ErrNotFound = errors.New("property not found")

// Store persists opaque property values. Setting a nil value deletes the key.
type Store interface {
	GetProperty(ctx context.Context, key Property) ([]byte, error)
	SetProperty(ctx context.Context, key Property, value []byte) error
}

type Memory struct {
	mu     sync.RWMutex
	values map[Property][]byte
}

func NewMemory() *Memory {
	return &Memory{values: make(map[Property][]byte)}
}

func (m *Memory) GetProperty(_ context.Context, key Property) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) SetProperty(_ context.Context, key Property, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		delete(m.values, key)
		return nil
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}
