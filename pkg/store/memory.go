package store

import (
	"sort"
	"strings"
	"sync"
)

type memState struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// Memory is a map-backed Store used by tests and benchmarks. Clones
// share the underlying object map, mirroring how remote handles share
// one bucket.
type Memory struct {
	state  *memState
	prefix string
}

func init() {
	Register("mem", func(cfg Config) (Store, error) {
		return NewMemory(cfg.Bucket, cfg.Volume), nil
	})
}

// NewMemory creates an empty in-memory store for one volume.
func NewMemory(bucket, volume string) *Memory {
	return &Memory{
		state:  &memState{objects: make(map[string][]byte)},
		prefix: bucket + "/" + volume + "/",
	}
}

// CheckAccess implements Store.
func (m *Memory) CheckAccess() error { return nil }

// Get implements Store.
func (m *Memory) Get(path string) ([]byte, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	data, ok := m.state.objects[m.prefix+path]
	if !ok {
		return nil, ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set implements Store.
func (m *Memory) Set(path string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.objects[m.prefix+path] = stored
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(path string) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	delete(m.state.objects, m.prefix+path)
	return nil
}

// List implements Store.
func (m *Memory) List(prefix string, fn func(path string) error) error {
	m.state.mu.RLock()
	var paths []string
	for key := range m.state.objects {
		if strings.HasPrefix(key, m.prefix+prefix) {
			paths = append(paths, strings.TrimPrefix(key, m.prefix))
		}
	}
	m.state.mu.RUnlock()
	sort.Strings(paths)
	for _, p := range paths {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Clone implements Store.
func (m *Memory) Clone() Store {
	return &Memory{state: m.state, prefix: m.prefix}
}

// Len reports the number of stored objects. Test helper.
func (m *Memory) Len() int {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return len(m.state.objects)
}
