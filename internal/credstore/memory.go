package credstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/koltyakov/botfleet/internal/domain"
)

// MemoryBackend is an in-process [Backend] used for local runs and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	seq     int64
}

type memoryObject struct {
	data    []byte
	version string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memoryObject)}
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryBackend) Get(_ context.Context, name string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return append([]byte(nil), obj.data...), obj.version, nil
}

func (m *MemoryBackend) Put(_ context.Context, name string, data []byte, version string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.objects[name]
	switch {
	case version == "" && exists:
		return "", domain.ErrVersionConflict
	case version != "" && (!exists || cur.version != version):
		return "", domain.ErrVersionConflict
	}
	m.seq++
	next := strconv.FormatInt(m.seq, 10)
	m.objects[name] = memoryObject{data: append([]byte(nil), data...), version: next}
	return next, nil
}

func (m *MemoryBackend) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[name]; !ok {
		return domain.ErrNotFound
	}
	delete(m.objects, name)
	return nil
}
