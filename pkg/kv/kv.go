// Package kv provides the durable key-value storage beacon persists its
// identity token and retry queue in. It plays the role a browser's per-origin
// local storage plays for a web client: string keys, string values, no
// transactions.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned by stores that cannot persist anything.
var ErrUnavailable = errors.New("kv: storage unavailable")

// Store is a durable string key-value store.
type Store interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store. Values do not survive a restart.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len returns the number of keys held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Disabled fails every operation with ErrUnavailable. It models storage that
// the host has turned off.
type Disabled struct{}

func (Disabled) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrUnavailable
}
func (Disabled) Set(context.Context, string, string) error { return ErrUnavailable }
func (Disabled) Delete(context.Context, string) error      { return ErrUnavailable }
