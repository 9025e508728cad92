package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps everything in process memory
type MemoryBackend struct {
	areas map[Area]map[string][]byte
	mutex sync.RWMutex
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	areas := make(map[Area]map[string][]byte)
	for _, area := range Areas() {
		areas[area] = make(map[string][]byte)
	}
	return &MemoryBackend{areas: areas}
}

func (m *MemoryBackend) Get(_ context.Context, area Area, keys []string) (map[string][]byte, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := m.areas[area][key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

func (m *MemoryBackend) Set(_ context.Context, area Area, items map[string][]byte) error {
	if err := checkArea(area); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for key, value := range items {
		m.areas[area][key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *MemoryBackend) Remove(_ context.Context, area Area, keys []string) error {
	if err := checkArea(area); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, key := range keys {
		delete(m.areas[area], key)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, area Area) ([]string, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.areas[area]))
	for key := range m.areas[area] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) BytesInUse(_ context.Context, area Area) (int64, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var total int64
	for key, value := range m.areas[area] {
		total += entrySize(key, value)
	}
	return total, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
