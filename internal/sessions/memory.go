package sessions

import "sync"

// MemoryStorage is a Storage kept in process memory.
type MemoryStorage struct {
	mu    sync.Mutex
	items map[string]string
	// Writes counts successful SetItem calls.
	Writes int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	m.Writes++
	return nil
}
