// Package storage defines the page-scoped key/value contract used for
// session persistence and flush-state recovery.
package storage

import (
	"errors"
	"sync"
)

// ErrUnavailable is returned by stores that cannot be read or written, the
// equivalent of a browser denying access to session storage.
var ErrUnavailable = errors.New("storage unavailable")

// Storage is a string key/value store scoped to one page (tab).
type Storage interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// Memory is an in-process Storage.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Unavailable is a Storage whose every operation fails.
type Unavailable struct{}

func (Unavailable) GetItem(string) (string, bool, error) { return "", false, ErrUnavailable }
func (Unavailable) SetItem(string, string) error         { return ErrUnavailable }
func (Unavailable) RemoveItem(string) error              { return ErrUnavailable }
